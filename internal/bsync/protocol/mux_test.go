package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

func TestMux_UnsolicitedControlMessage(t *testing.T) {
	clientConn, server := pipe(t)
	mux := NewMux(clientConn, nil)
	defer mux.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sig := lib.GetSignature([]byte("routed"))
	replies, unsubscribe, err := mux.Subscribe(sig)
	require.NoError(t, err)
	defer unsubscribe()

	go func() {
		// Nobody is waiting for these errors.
		for i := 0; i < 3; i++ {
			if server.Send(MsgError, &ErrorResponse{Code: CodeInternal, Message: "late failure"}) != nil {
				return
			}
		}
		_ = server.Send(MsgUploadOffer, &UploadOffer{Signature: sig, Offset: 7})
	}()

	msg, err := mux.Await(ctx, replies)
	require.NoError(t, err, "routed replies must not stall behind unsolicited control messages")
	var offer UploadOffer
	require.NoError(t, msg.Expect(MsgUploadOffer, &offer))
	assert.Equal(t, int64(7), offer.Offset)

	go func() {
		msg, err := server.Receive()
		if err != nil || msg.Type != MsgList {
			return
		}
		_ = server.Send(MsgListResult, &ListResult{Entries: []types.RemoteEntry{{Path: "a.txt", Signature: sig, Size: 6}}})
	}()

	msg, err = mux.Call(ctx, MsgList, &ListRequest{})
	require.NoError(t, err)
	var list ListResult
	require.NoError(t, msg.Expect(MsgListResult, &list))
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "a.txt", list.Entries[0].Path)
}
