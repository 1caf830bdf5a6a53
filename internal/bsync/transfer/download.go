package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/protocol"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// Download fetches the content of sig into dst. The bytes are written to a
// temporary file next to dst and renamed into place only after they hash to
// sig. It returns the number of bytes written.
func Download(ctx context.Context, mux *protocol.Mux, sig types.Signature, dst string, progress *Progress) (int64, error) {
	replies, unsubscribe, err := mux.Subscribe(sig)
	if err != nil {
		return 0, err
	}
	defer unsubscribe()

	if err := mux.Send(protocol.MsgFetch, &protocol.FetchRequest{Signature: sig}); err != nil {
		return 0, err
	}

	var written int64
	err = lib.WriteFileAtomic(dst, func(w io.Writer) error {
		hasher := sha256.New()
		out := io.MultiWriter(w, hasher)
		for {
			msg, err := mux.Await(ctx, replies)
			if err != nil {
				return err
			}
			switch msg.Type {
			case protocol.MsgBlobChunk:
				var chunk protocol.BlobChunk
				if err := msg.Decode(&chunk); err != nil {
					return err
				}
				if chunk.Offset != written {
					return fmt.Errorf("%w: chunk for %s at offset %d, expected %d", lib.ErrProtocol, sig.Short(), chunk.Offset, written)
				}
				if _, err := out.Write(chunk.Data); err != nil {
					return err
				}
				written += int64(len(chunk.Data))
				progress.Add(int64(len(chunk.Data)))
			case protocol.MsgFetchEnd:
				var end protocol.FetchEnd
				if err := msg.Decode(&end); err != nil {
					return err
				}
				if err := protocol.NewRemoteError(end.Code, end.Message); err != nil {
					return err
				}
				got := types.Signature(hex.EncodeToString(hasher.Sum(nil)))
				if end.Size != written || got != sig {
					return fmt.Errorf("%w: fetched %d bytes hashing to %s, expected %s", lib.ErrSignatureMismatch, written, got.Short(), sig.Short())
				}
				return nil
			default:
				if err := msg.Err(); err != nil {
					return err
				}
				return fmt.Errorf("%w: unexpected %s during fetch", lib.ErrProtocol, msg.Type)
			}
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch %s into %s: %w", sig.Short(), filepath.Base(dst), err)
	}
	return written, nil
}
