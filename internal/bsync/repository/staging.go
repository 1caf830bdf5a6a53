package repository

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

const (
	stagingDirName = "staging"
	partSuffix     = ".part"
)

// Staging holds partially uploaded blobs, one file per signature. The size of
// a staged file is the offset from which an interrupted upload resumes.
// Staged bytes never become visible through the repository until Finalize
// has verified them.
type Staging struct {
	dir string
}

func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Staging{dir: dir}, nil
}

func (s *Staging) path(sig types.Signature) string {
	return filepath.Join(s.dir, string(sig)+partSuffix)
}

// Offset returns the number of bytes already staged for sig.
func (s *Staging) Offset(sig types.Signature) (int64, error) {
	info, err := os.Stat(s.path(sig))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// OpenAt opens the staged file for sig for writing at offset. Anything staged
// beyond offset is discarded. An offset past the staged size is rejected.
func (s *Staging) OpenAt(sig types.Signature, offset int64) (*os.File, error) {
	if _, err := types.ParseSignature(string(sig)); err != nil {
		return nil, fmt.Errorf("%w: %w", lib.ErrProtocol, err)
	}
	f, err := os.OpenFile(s.path(sig), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if offset < 0 || offset > info.Size() {
		f.Close()
		return nil, fmt.Errorf("%w: offset %d outside staged range 0..%d for %s", lib.ErrProtocol, offset, info.Size(), sig.Short())
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Write stages the whole of r for sig, replacing anything staged before.
func (s *Staging) Write(sig types.Signature, r io.Reader) (int64, error) {
	f, err := s.OpenAt(sig, 0)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

// Open opens the staged file for sig for reading.
func (s *Staging) Open(sig types.Signature) (*os.File, error) {
	return os.Open(s.path(sig))
}

// Verify hashes the staged bytes for sig.
func (s *Staging) Verify(sig types.Signature) (types.Signature, int64, error) {
	f, err := s.Open(sig)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return lib.HashReader(f)
}

// Discard removes the staged file for sig, if any.
func (s *Staging) Discard(sig types.Signature) error {
	err := os.Remove(s.path(sig))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Expire removes staged files that have not been written for longer than ttl
// and returns how many were removed. Files for which inUse reports true are
// kept; inUse may be nil.
func (s *Staging) Expire(ttl time.Duration, inUse func(types.Signature) bool) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), partSuffix) {
			continue
		}
		sig := types.Signature(strings.TrimSuffix(entry.Name(), partSuffix))
		if inUse != nil && inUse(sig) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Count returns the number of staged uploads.
func (s *Staging) Count() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), partSuffix) {
			n++
		}
	}
	return n, nil
}
