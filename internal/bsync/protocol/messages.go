// Package protocol defines the bsync wire messages and their framing.
package protocol

import (
	"errors"
	"fmt"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// Version is bumped on incompatible wire changes.
const Version = 1

type MessageType uint16

const (
	MsgHello MessageType = iota
	MsgWelcome
	MsgChangeSet
	MsgTransferPlan
	MsgUploadBegin
	MsgUploadOffer
	MsgBlobChunk
	MsgUploadEnd
	MsgUploadAck
	MsgSyncCommit
	MsgSyncComplete
	MsgList
	MsgListResult
	MsgFetch
	MsgFetchEnd
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgWelcome:
		return "WELCOME"
	case MsgChangeSet:
		return "CHANGE_SET"
	case MsgTransferPlan:
		return "TRANSFER_PLAN"
	case MsgUploadBegin:
		return "UPLOAD_BEGIN"
	case MsgUploadOffer:
		return "UPLOAD_OFFER"
	case MsgBlobChunk:
		return "BLOB_CHUNK"
	case MsgUploadEnd:
		return "UPLOAD_END"
	case MsgUploadAck:
		return "UPLOAD_ACK"
	case MsgSyncCommit:
		return "SYNC_COMMIT"
	case MsgSyncComplete:
		return "SYNC_COMPLETE"
	case MsgList:
		return "LIST"
	case MsgListResult:
		return "LIST_RESULT"
	case MsgFetch:
		return "FETCH"
	case MsgFetchEnd:
		return "FETCH_END"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("???(%d)", t)
	}
}

// Routed reports whether messages of this type are addressed to one
// signature's transfer rather than to the session.
func (t MessageType) Routed() bool {
	switch t {
	case MsgUploadOffer, MsgUploadAck, MsgBlobChunk, MsgFetchEnd:
		return true
	}
	return false
}

type Hello struct {
	SessionID     string `msgpack:"sid"`
	ClientVersion string `msgpack:"cv"`
	Protocol      int    `msgpack:"pv"`
}

type Welcome struct {
	SessionID string `msgpack:"sid"`
	ChunkSize int    `msgpack:"cs"`
	Resumable bool   `msgpack:"rs"`
	Protocol  int    `msgpack:"pv"`
}

// ChangeEntry is one path-level operation of a change set.
type ChangeEntry struct {
	Op        types.Op        `msgpack:"op"`
	Path      string          `msgpack:"p"`
	OldPath   string          `msgpack:"op_p,omitempty"`
	Signature types.Signature `msgpack:"sig,omitempty"`
	Size      int64           `msgpack:"sz"`
}

type ChangeSetRequest struct {
	Entries []ChangeEntry `msgpack:"ent"`
}

// NewChangeSetRequest flattens a change set into wire entries, moves first.
func NewChangeSetRequest(cs types.ChangeSet) *ChangeSetRequest {
	req := &ChangeSetRequest{Entries: make([]ChangeEntry, 0, cs.Len())}
	for _, mv := range cs.Moved {
		req.Entries = append(req.Entries, ChangeEntry{
			Op: types.OpMoved, Path: mv.To.Path, OldPath: mv.From.Path,
			Signature: mv.To.Signature, Size: mv.To.Size,
		})
	}
	for _, rec := range cs.Added {
		req.Entries = append(req.Entries, ChangeEntry{Op: types.OpAdded, Path: rec.Path, Signature: rec.Signature, Size: rec.Size})
	}
	for _, mod := range cs.Modified {
		req.Entries = append(req.Entries, ChangeEntry{Op: types.OpModified, Path: mod.New.Path, Signature: mod.New.Signature, Size: mod.New.Size})
	}
	for _, rec := range cs.Removed {
		req.Entries = append(req.Entries, ChangeEntry{Op: types.OpRemoved, Path: rec.Path})
	}
	return req
}

type TransferPlan struct {
	RequiredSignatures []types.Signature `msgpack:"req"`
}

// UploadBegin opens a transfer session. Restart discards any staged bytes.
type UploadBegin struct {
	Signature types.Signature `msgpack:"sig"`
	Size      int64           `msgpack:"sz"`
	Restart   bool            `msgpack:"rst,omitempty"`
}

// UploadOffer tells the client where to start sending. Present means the
// server already holds the content and no bytes are needed.
type UploadOffer struct {
	Signature types.Signature `msgpack:"sig"`
	Offset    int64           `msgpack:"off"`
	Present   bool            `msgpack:"pr"`
}

type BlobChunk struct {
	Signature types.Signature `msgpack:"sig"`
	Offset    int64           `msgpack:"off"`
	Data      []byte          `msgpack:"dat"`
}

type UploadEnd struct {
	Signature types.Signature `msgpack:"sig"`
}

type UploadAck struct {
	Signature  types.Signature `msgpack:"sig"`
	OK         bool            `msgpack:"ok"`
	Code       ErrorCode       `msgpack:"cod,omitempty"`
	Message    string          `msgpack:"msg,omitempty"`
	BoundPaths []string        `msgpack:"bnd,omitempty"`
}

type SyncCommit struct{}

type SyncComplete struct {
	AcknowledgedPaths []string `msgpack:"ack"`
	PendingPaths      []string `msgpack:"pend"`
}

type ListRequest struct {
	Prefix string `msgpack:"pfx"`
}

type ListResult struct {
	Entries []types.RemoteEntry `msgpack:"ent"`
}

type FetchRequest struct {
	Signature types.Signature `msgpack:"sig"`
}

type FetchEnd struct {
	Signature types.Signature `msgpack:"sig"`
	Size      int64           `msgpack:"sz"`
	Code      ErrorCode       `msgpack:"cod,omitempty"`
	Message   string          `msgpack:"msg,omitempty"`
}

type ErrorResponse struct {
	Code    ErrorCode `msgpack:"cod"`
	Message string    `msgpack:"msg"`
}

// ErrorCode identifies an error category on the wire.
type ErrorCode string

const (
	CodeSignatureMismatch      ErrorCode = "signature_mismatch"
	CodeUnknownSignature       ErrorCode = "unknown_signature"
	CodeRepositoryInconsistent ErrorCode = "repository_inconsistent"
	CodeProtocol               ErrorCode = "protocol"
	CodeBusy                   ErrorCode = "busy"
	CodeInternal               ErrorCode = "internal"
)

var codeErrors = map[ErrorCode]error{
	CodeSignatureMismatch:      lib.ErrSignatureMismatch,
	CodeUnknownSignature:       lib.ErrUnknownSignature,
	CodeRepositoryInconsistent: lib.ErrRepositoryInconsistent,
	CodeProtocol:               lib.ErrProtocol,
	CodeBusy:                   lib.ErrUploadBusy,
}

// CodeFor maps an error to its wire code.
func CodeFor(err error) ErrorCode {
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// RemoteError is an error reported by the peer.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// Unwrap maps the code back to the local sentinel so callers can use errors.Is.
func (e *RemoteError) Unwrap() error {
	return codeErrors[e.Code]
}

// NewRemoteError returns nil for an empty code.
func NewRemoteError(code ErrorCode, msg string) error {
	if code == "" {
		return nil
	}
	return &RemoteError{Code: code, Message: msg}
}
