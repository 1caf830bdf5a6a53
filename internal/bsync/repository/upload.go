package repository

import (
	"context"
	"fmt"
	"os"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// Upload is an exclusive lease on one signature's staging file. At most one
// upload per signature is in progress; a second BeginUpload fails with
// ErrUploadBusy instead of waiting, since the lease may be held across
// network round trips.
type Upload struct {
	repo    *Repository
	sig     types.Signature
	file    *os.File
	offset  int64
	present bool
	leased  bool
	done    bool
}

// BeginUpload opens an upload for sig. With resume set, previously staged
// bytes are kept and Offset reports where to continue; otherwise staging
// starts from zero. If the content is already stored the upload is
// Present and nothing needs to be written.
func (r *Repository) BeginUpload(ctx context.Context, sig types.Signature, resume bool) (*Upload, error) {
	if _, err := types.ParseSignature(string(sig)); err != nil {
		return nil, fmt.Errorf("%w: %w", lib.ErrProtocol, err)
	}

	present, err := r.Has(ctx, sig)
	if err != nil {
		return nil, err
	}
	up := &Upload{repo: r, sig: sig, present: present}
	if present {
		return up, nil
	}

	if !r.leases.Add(sig) {
		return nil, fmt.Errorf("%w: %s", lib.ErrUploadBusy, sig.Short())
	}
	up.leased = true

	var offset int64
	if resume {
		if offset, err = r.staging.Offset(sig); err != nil {
			up.release()
			return nil, err
		}
	}
	f, err := r.staging.OpenAt(sig, offset)
	if err != nil {
		up.release()
		return nil, err
	}
	up.file = f
	up.offset = offset
	return up, nil
}

// Present reports whether the content was already stored when the upload began.
func (u *Upload) Present() bool { return u.present }

// Offset returns the number of bytes staged so far.
func (u *Upload) Offset() int64 { return u.offset }

// Write appends p to the staged bytes.
func (u *Upload) Write(p []byte) (int, error) {
	if u.file == nil {
		return 0, fmt.Errorf("%w: upload of %s is not writable", lib.ErrProtocol, u.sig.Short())
	}
	n, err := u.file.Write(p)
	u.offset += int64(n)
	return n, err
}

// WriteAt appends p, which must start exactly at the current offset.
func (u *Upload) WriteAt(p []byte, offset int64) (int, error) {
	if offset != u.offset {
		return 0, fmt.Errorf("%w: chunk for %s at offset %d, expected %d", lib.ErrProtocol, u.sig.Short(), offset, u.offset)
	}
	return u.Write(p)
}

// Commit verifies the staged bytes and stores them. A mismatch discards the
// staged bytes and returns ErrSignatureMismatch. The lease is released in all cases.
func (u *Upload) Commit(ctx context.Context) error {
	if u.done {
		return nil
	}
	defer u.release()
	if u.present {
		return nil
	}
	if err := u.file.Sync(); err != nil {
		return err
	}
	if err := u.file.Close(); err != nil {
		return err
	}
	u.file = nil
	return u.repo.finalize(ctx, u.sig)
}

// Abort releases the lease and keeps the staged bytes for a later resume.
func (u *Upload) Abort() {
	if u.done {
		return
	}
	u.release()
}

func (u *Upload) release() {
	if u.file != nil {
		u.file.Close()
		u.file = nil
	}
	u.done = true
	if u.leased {
		u.repo.leases.Remove(u.sig)
		u.leased = false
	}
}
