package protocol

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

func pipe(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a), NewConn(b)
}

func TestCodec_RoundTrip(t *testing.T) {
	client, server := pipe(t)
	content := make([]byte, 1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	sig := lib.GetSignature(content)

	go func() {
		_ = client.Send(MsgBlobChunk, &BlobChunk{Signature: sig, Offset: 42, Data: content})
	}()

	msg, err := server.Receive()
	require.NoError(t, err)
	require.Equal(t, MsgBlobChunk, msg.Type)

	var chunk BlobChunk
	require.NoError(t, msg.Decode(&chunk))
	assert.Equal(t, sig, chunk.Signature)
	assert.Equal(t, int64(42), chunk.Offset)
	assert.Equal(t, content, chunk.Data)

	routedSig, err := msg.Signature()
	require.NoError(t, err)
	assert.Equal(t, string(sig), routedSig)
}

func TestCodec_ChangeSetRequest(t *testing.T) {
	client, server := pipe(t)
	a := types.FileRecord{Path: "a.txt", Size: 11, Signature: lib.GetSignature([]byte("hello world"))}
	moved := types.FileRecord{Path: "new.txt", Size: 3, Signature: lib.GetSignature([]byte("abc"))}
	cs := types.ChangeSet{
		Added:   []types.FileRecord{a},
		Removed: []types.FileRecord{{Path: "gone.txt"}},
		Moved:   []types.Move{{From: types.FileRecord{Path: "old.txt"}, To: moved}},
	}

	go func() {
		_ = client.Send(MsgChangeSet, NewChangeSetRequest(cs))
	}()

	msg, err := server.Receive()
	require.NoError(t, err)
	var req ChangeSetRequest
	require.NoError(t, msg.Expect(MsgChangeSet, &req))

	require.Len(t, req.Entries, 3)
	assert.Equal(t, types.OpMoved, req.Entries[0].Op)
	assert.Equal(t, "old.txt", req.Entries[0].OldPath)
	assert.Equal(t, "new.txt", req.Entries[0].Path)
	assert.Equal(t, types.OpAdded, req.Entries[1].Op)
	assert.Equal(t, a.Signature, req.Entries[1].Signature)
	assert.Equal(t, types.OpRemoved, req.Entries[2].Op)
}

func TestCodec_ErrorResponses(t *testing.T) {
	client, server := pipe(t)

	go func() {
		_ = server.SendError(lib.ErrUnknownSignature)
	}()

	msg, err := client.Receive()
	require.NoError(t, err)

	var plan TransferPlan
	err = msg.Expect(MsgTransferPlan, &plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, lib.ErrUnknownSignature)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeUnknownSignature, remote.Code)
}

func TestCodec_UnexpectedType(t *testing.T) {
	client, server := pipe(t)

	go func() {
		_ = server.Send(MsgWelcome, &Welcome{})
	}()

	msg, err := client.Receive()
	require.NoError(t, err)
	err = msg.Expect(MsgTransferPlan, &TransferPlan{})
	assert.ErrorIs(t, err, lib.ErrProtocol)
}

func TestCodec_ClosedConnIsTransportError(t *testing.T) {
	client, server := pipe(t)
	require.NoError(t, server.Close())

	_, err := client.Receive()
	assert.ErrorIs(t, err, lib.ErrTransportInterrupted)
	assert.True(t, IsClosed(err))
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, CodeSignatureMismatch, CodeFor(lib.ErrSignatureMismatch))
	assert.Equal(t, CodeProtocol, CodeFor(lib.ErrProtocol))
	assert.Equal(t, CodeBusy, CodeFor(fmt.Errorf("wrapped: %w", lib.ErrUploadBusy)))
	assert.ErrorIs(t, NewRemoteError(CodeBusy, "elsewhere"), lib.ErrUploadBusy)
	assert.Equal(t, CodeInternal, CodeFor(context.DeadlineExceeded))
	assert.Nil(t, NewRemoteError("", "ignored"))
}

func TestMux(t *testing.T) {
	clientConn, server := pipe(t)
	mux := NewMux(clientConn, nil)
	defer mux.Close()

	sigA := lib.GetSignature([]byte("a"))
	sigB := lib.GetSignature([]byte("b"))
	chA, unsubA, err := mux.Subscribe(sigA)
	require.NoError(t, err)
	defer unsubA()
	chB, unsubB, err := mux.Subscribe(sigB)
	require.NoError(t, err)
	defer unsubB()

	_, _, err = mux.Subscribe(sigA)
	assert.Error(t, err, "a second transfer for the same signature must be refused")

	// Fake server: answer a list call, then deliver offers out of order.
	go func() {
		msg, err := server.Receive()
		if err != nil || msg.Type != MsgList {
			return
		}
		_ = server.Send(MsgUploadOffer, &UploadOffer{Signature: sigB, Offset: 2})
		_ = server.Send(MsgListResult, &ListResult{Entries: []types.RemoteEntry{{Path: "x"}}})
		_ = server.Send(MsgUploadOffer, &UploadOffer{Signature: sigA, Offset: 1})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := mux.Call(ctx, MsgList, &ListRequest{})
	require.NoError(t, err)
	var list ListResult
	require.NoError(t, reply.Expect(MsgListResult, &list))
	assert.Equal(t, "x", list.Entries[0].Path)

	msgA, err := mux.Await(ctx, chA)
	require.NoError(t, err)
	var offerA UploadOffer
	require.NoError(t, msgA.Expect(MsgUploadOffer, &offerA))
	assert.Equal(t, int64(1), offerA.Offset)

	msgB, err := mux.Await(ctx, chB)
	require.NoError(t, err)
	var offerB UploadOffer
	require.NoError(t, msgB.Expect(MsgUploadOffer, &offerB))
	assert.Equal(t, int64(2), offerB.Offset)
}

func TestMux_FailureWakesWaiters(t *testing.T) {
	clientConn, server := pipe(t)
	mux := NewMux(clientConn, nil)
	sig := lib.GetSignature([]byte("a"))
	ch, unsub, err := mux.Subscribe(sig)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, server.Close())

	_, err = mux.Await(context.Background(), ch)
	assert.ErrorIs(t, err, lib.ErrTransportInterrupted)
	assert.ErrorIs(t, mux.Send(MsgSyncCommit, &SyncCommit{}), lib.ErrTransportInterrupted)
}
