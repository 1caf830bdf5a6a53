// Package transfer moves blob content between client and server over a
// multiplexed protocol connection.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/protocol"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// Source is a local file to be uploaded as the content with Signature.
type Source struct {
	Path      string
	Signature types.Signature
	Size      int64
}

type UploadOptions struct {
	ChunkSize int
	// Restart asks the server to discard staged bytes and start from zero.
	Restart  bool
	Progress *Progress
}

// Receipt is the outcome of one transfer session.
type Receipt struct {
	*protocol.UploadAck
	// Present is set when the server already held the content.
	Present bool
	// Sent counts the content bytes written during this session.
	Sent int64
}

// Upload runs one transfer session for src and returns the server's
// acknowledgement. The file is streamed from disk in chunks of at most
// ChunkSize bytes, starting at the offset the server offers.
func Upload(ctx context.Context, mux *protocol.Mux, src Source, opts UploadOptions) (*Receipt, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", opts.ChunkSize)
	}
	replies, unsubscribe, err := mux.Subscribe(src.Signature)
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	err = mux.Send(protocol.MsgUploadBegin, &protocol.UploadBegin{
		Signature: src.Signature,
		Size:      src.Size,
		Restart:   opts.Restart,
	})
	if err != nil {
		return nil, err
	}

	msg, err := mux.Await(ctx, replies)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{}
	if msg.Type == protocol.MsgUploadAck {
		// Refused before any bytes were sent.
		receipt.UploadAck, err = readAck(msg)
		return receipt, err
	}
	var offer protocol.UploadOffer
	if err := msg.Expect(protocol.MsgUploadOffer, &offer); err != nil {
		return nil, err
	}

	receipt.Present = offer.Present
	if !offer.Present {
		if offer.Offset > 0 {
			opts.Progress.Add(offer.Offset)
		}
		receipt.Sent, err = sendChunks(ctx, mux, src, offer.Offset, opts)
		if err != nil {
			return nil, err
		}
	} else {
		opts.Progress.Add(src.Size)
	}

	if err := mux.Send(protocol.MsgUploadEnd, &protocol.UploadEnd{Signature: src.Signature}); err != nil {
		return nil, err
	}
	msg, err = mux.Await(ctx, replies)
	if err != nil {
		return nil, err
	}
	receipt.UploadAck, err = readAck(msg)
	return receipt, err
}

// readAck decodes an acknowledgement and turns a refusal into an error.
func readAck(msg *protocol.Message) (*protocol.UploadAck, error) {
	var ack protocol.UploadAck
	if err := msg.Expect(protocol.MsgUploadAck, &ack); err != nil {
		return nil, err
	}
	if !ack.OK {
		if ack.Code == "" {
			ack.Code = protocol.CodeInternal
		}
		return &ack, protocol.NewRemoteError(ack.Code, ack.Message)
	}
	return &ack, nil
}

// sendChunks streams src from offset and returns the number of bytes sent.
func sendChunks(ctx context.Context, mux *protocol.Mux, src Source, offset int64, opts UploadOptions) (int64, error) {
	f, err := os.Open(src.Path)
	if err != nil {
		return 0, lib.Unreadable(src.Path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, lib.Unreadable(src.Path, err)
	}

	var sent int64
	buf := make([]byte, opts.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			err := mux.Send(protocol.MsgBlobChunk, &protocol.BlobChunk{
				Signature: src.Signature,
				Offset:    offset,
				Data:      buf[:n],
			})
			if err != nil {
				return sent, err
			}
			offset += int64(n)
			sent += int64(n)
			opts.Progress.Add(int64(n))
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			return sent, nil
		}
		if readErr != nil {
			return sent, lib.Unreadable(src.Path, readErr)
		}
	}
}
