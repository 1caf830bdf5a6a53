package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/protocol"
	"github.com/gingerrexayers/bsync-go/internal/bsync/repository"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// openUpload is an upload lease held by a session between UploadBegin and UploadEnd.
type openUpload struct {
	up   *repository.Upload
	size int64
	// err is the first failure while receiving chunks, reported in the ack.
	err error
}

// session serves one connection. All requests are handled by a single
// goroutine in the order they arrive.
type session struct {
	id     string
	srv    *Server
	repo   *repository.Repository
	conn   *protocol.Conn
	logger *slog.Logger

	uploads map[types.Signature]*openUpload

	// Reconciliation state of the current change set.
	pending  map[types.Signature][]string
	required mapset.Set[types.Signature]
	acked    mapset.Set[string]
}

func newSession(srv *Server, id string, conn *protocol.Conn) *session {
	s := &session{
		id:      id,
		srv:     srv,
		repo:    srv.repo,
		conn:    conn,
		logger:  srv.logger.With("session", id),
		uploads: make(map[types.Signature]*openUpload),
	}
	s.reset()
	return s
}

func (s *session) reset() {
	s.pending = make(map[types.Signature][]string)
	s.required = mapset.NewThreadUnsafeSet[types.Signature]()
	s.acked = mapset.NewThreadUnsafeSet[string]()
}

func (s *session) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()
	defer s.close()

	if err := s.handshake(); err != nil {
		s.logger.Warn("handshake failed", "remote", s.conn.RemoteAddr(), "error", err)
		return
	}

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if ctx.Err() == nil && !protocol.IsClosed(err) {
				s.logger.Warn("session read failed", "error", err)
			}
			return
		}
		if err := s.handle(ctx, msg); err != nil {
			if errors.Is(err, lib.ErrTransportInterrupted) {
				return
			}
			s.logger.Warn("request failed", "type", msg.Type, "error", err)
			if err := s.conn.SendError(err); err != nil {
				return
			}
		}
	}
}

// close gives up every lease the session still holds. Staged bytes are kept
// so the client can resume.
func (s *session) close() {
	for sig, ou := range s.uploads {
		ou.up.Abort()
		delete(s.uploads, sig)
	}
	s.conn.Close()
	s.logger.Info("session end")
}

func (s *session) handshake() error {
	msg, err := s.conn.Receive()
	if err != nil {
		return err
	}
	var hello protocol.Hello
	if err := msg.Expect(protocol.MsgHello, &hello); err != nil {
		s.conn.SendError(err)
		return err
	}
	if hello.Protocol != protocol.Version {
		err := fmt.Errorf("%w: protocol version %d not supported, want %d", lib.ErrProtocol, hello.Protocol, protocol.Version)
		s.conn.SendError(err)
		return err
	}
	s.logger.Info("session start", "remote", s.conn.RemoteAddr(), "client", hello.ClientVersion, "clientSession", hello.SessionID)
	return s.conn.Send(protocol.MsgWelcome, &protocol.Welcome{
		SessionID: s.id,
		ChunkSize: s.srv.cfg.ChunkSizeBytes,
		Resumable: s.srv.cfg.Resumable,
		Protocol:  protocol.Version,
	})
}

func (s *session) handle(ctx context.Context, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.MsgChangeSet:
		var req protocol.ChangeSetRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		plan, err := s.applyChangeSet(ctx, &req)
		if err != nil {
			return err
		}
		return s.conn.Send(protocol.MsgTransferPlan, plan)

	case protocol.MsgUploadBegin:
		var begin protocol.UploadBegin
		if err := msg.Decode(&begin); err != nil {
			return err
		}
		return s.beginUpload(ctx, &begin)

	case protocol.MsgBlobChunk:
		var chunk protocol.BlobChunk
		if err := msg.Decode(&chunk); err != nil {
			return err
		}
		return s.writeChunk(&chunk)

	case protocol.MsgUploadEnd:
		var end protocol.UploadEnd
		if err := msg.Decode(&end); err != nil {
			return err
		}
		return s.endUpload(ctx, end.Signature)

	case protocol.MsgSyncCommit:
		return s.conn.Send(protocol.MsgSyncComplete, s.commit())

	case protocol.MsgList:
		var req protocol.ListRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		entries, err := s.repo.List(ctx, req.Prefix)
		if err != nil {
			return err
		}
		return s.conn.Send(protocol.MsgListResult, &protocol.ListResult{Entries: entries})

	case protocol.MsgFetch:
		var req protocol.FetchRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return s.fetch(ctx, req.Signature)

	default:
		return fmt.Errorf("%w: unexpected %s", lib.ErrProtocol, msg.Type)
	}
}

// applyChangeSet reconciles the repository with a change set and returns the
// signatures whose content must be uploaded. Moves are applied first, then
// additions and modifications, then removals, so that content shared between
// an old and a new path never loses its last reference in between.
func (s *session) applyChangeSet(ctx context.Context, req *protocol.ChangeSetRequest) (*protocol.TransferPlan, error) {
	for _, e := range req.Entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
	}
	s.reset()

	for _, e := range req.Entries {
		if e.Op != types.OpMoved {
			continue
		}
		if err := s.bindOrRequire(ctx, e.Path, e.Signature); err != nil {
			return nil, err
		}
		if err := s.repo.Unbind(ctx, e.OldPath); err != nil {
			return nil, err
		}
		s.acked.Add(e.OldPath)
	}
	for _, e := range req.Entries {
		if e.Op != types.OpAdded && e.Op != types.OpModified {
			continue
		}
		if err := s.bindOrRequire(ctx, e.Path, e.Signature); err != nil {
			return nil, err
		}
	}
	for _, e := range req.Entries {
		if e.Op != types.OpRemoved {
			continue
		}
		if err := s.repo.Unbind(ctx, e.Path); err != nil {
			return nil, err
		}
		s.acked.Add(e.Path)
	}

	required := s.required.ToSlice()
	slices.Sort(required)
	s.logger.Info("change set applied",
		"entries", len(req.Entries),
		"acknowledged", s.acked.Cardinality(),
		"required", len(required))
	return &protocol.TransferPlan{RequiredSignatures: required}, nil
}

func validateEntry(e protocol.ChangeEntry) error {
	if err := repository.ValidatePath(e.Path); err != nil {
		return err
	}
	switch e.Op {
	case types.OpRemoved:
		return nil
	case types.OpMoved:
		if err := repository.ValidatePath(e.OldPath); err != nil {
			return err
		}
	case types.OpAdded, types.OpModified:
	default:
		return fmt.Errorf("%w: unknown operation %q for %s", lib.ErrProtocol, e.Op, e.Path)
	}
	if _, err := types.ParseSignature(string(e.Signature)); err != nil {
		return fmt.Errorf("%w: %w", lib.ErrProtocol, err)
	}
	return nil
}

// bindOrRequire binds p to sig if the content is stored, and otherwise
// remembers p until the content arrives.
func (s *session) bindOrRequire(ctx context.Context, p string, sig types.Signature) error {
	present, err := s.repo.Has(ctx, sig)
	if err != nil {
		return err
	}
	if present {
		err := s.repo.Bind(ctx, p, sig)
		if err == nil {
			s.acked.Add(p)
			return nil
		}
		// Reclaimed between the check and the bind.
		if !errors.Is(err, lib.ErrUnknownSignature) {
			return err
		}
	}
	s.required.Add(sig)
	s.pending[sig] = append(s.pending[sig], p)
	return nil
}

// bindPending binds the paths waiting for sig and returns them.
func (s *session) bindPending(ctx context.Context, sig types.Signature) ([]string, error) {
	paths := s.pending[sig]
	for i, p := range paths {
		if err := s.repo.Bind(ctx, p, sig); err != nil {
			s.pending[sig] = paths[i:]
			return paths[:i], err
		}
		s.acked.Add(p)
	}
	delete(s.pending, sig)
	s.required.Remove(sig)
	return paths, nil
}

func (s *session) commit() *protocol.SyncComplete {
	acked := s.acked.ToSlice()
	slices.Sort(acked)
	var pending []string
	for _, paths := range s.pending {
		pending = append(pending, paths...)
	}
	slices.Sort(pending)
	s.reset()
	return &protocol.SyncComplete{AcknowledgedPaths: acked, PendingPaths: pending}
}

// rejectUpload answers a transfer with a failed acknowledgement.
func (s *session) rejectUpload(sig types.Signature, err error) error {
	s.logger.Warn("upload rejected", "signature", sig.Short(), "error", err)
	return s.conn.Send(protocol.MsgUploadAck, &protocol.UploadAck{
		Signature: sig,
		Code:      protocol.CodeFor(err),
		Message:   err.Error(),
	})
}

func (s *session) beginUpload(ctx context.Context, begin *protocol.UploadBegin) error {
	sig := begin.Signature
	if _, open := s.uploads[sig]; open {
		return s.rejectUpload(sig, fmt.Errorf("%w: upload of %s already open", lib.ErrProtocol, sig.Short()))
	}
	if begin.Size < 0 {
		return s.rejectUpload(sig, fmt.Errorf("%w: negative size %d", lib.ErrProtocol, begin.Size))
	}

	resume := s.srv.cfg.Resumable && !begin.Restart
	up, err := s.repo.BeginUpload(ctx, sig, resume)
	if err != nil {
		return s.rejectUpload(sig, err)
	}
	if !up.Present() && up.Offset() > begin.Size {
		up.Abort()
		if up, err = s.repo.BeginUpload(ctx, sig, false); err != nil {
			return s.rejectUpload(sig, err)
		}
	}
	s.uploads[sig] = &openUpload{up: up, size: begin.Size}

	s.logger.Debug("upload begin", "signature", sig.Short(), "size", begin.Size, "offset", up.Offset(), "present", up.Present())
	return s.conn.Send(protocol.MsgUploadOffer, &protocol.UploadOffer{
		Signature: sig,
		Offset:    up.Offset(),
		Present:   up.Present(),
	})
}

func (s *session) writeChunk(chunk *protocol.BlobChunk) error {
	ou, ok := s.uploads[chunk.Signature]
	if !ok {
		return s.rejectUpload(chunk.Signature, fmt.Errorf("%w: no open upload for %s", lib.ErrProtocol, chunk.Signature.Short()))
	}
	if ou.err != nil {
		return nil
	}
	switch {
	case len(chunk.Data) > s.srv.cfg.ChunkSizeBytes:
		ou.err = fmt.Errorf("%w: chunk of %d bytes exceeds %d", lib.ErrProtocol, len(chunk.Data), s.srv.cfg.ChunkSizeBytes)
	case chunk.Offset+int64(len(chunk.Data)) > ou.size:
		ou.err = fmt.Errorf("%w: chunk at %d overruns declared size %d", lib.ErrProtocol, chunk.Offset, ou.size)
	default:
		if _, err := ou.up.WriteAt(chunk.Data, chunk.Offset); err != nil {
			ou.err = err
		}
	}
	return nil
}

func (s *session) endUpload(ctx context.Context, sig types.Signature) error {
	ou, ok := s.uploads[sig]
	if !ok {
		return s.rejectUpload(sig, fmt.Errorf("%w: no open upload for %s", lib.ErrProtocol, sig.Short()))
	}
	delete(s.uploads, sig)

	if ou.err != nil {
		ou.up.Abort()
		return s.rejectUpload(sig, ou.err)
	}
	if err := ou.up.Commit(ctx); err != nil {
		return s.rejectUpload(sig, err)
	}
	bound, err := s.bindPending(ctx, sig)
	if err != nil {
		return s.rejectUpload(sig, err)
	}
	s.logger.Debug("upload done", "signature", sig.Short(), "bound", len(bound))
	return s.conn.Send(protocol.MsgUploadAck, &protocol.UploadAck{
		Signature:  sig,
		OK:         true,
		BoundPaths: bound,
	})
}

// fetch streams the stored content of sig followed by FetchEnd.
func (s *session) fetch(ctx context.Context, sig types.Signature) error {
	rc, size, err := s.repo.Open(ctx, sig)
	if err != nil {
		return s.endFetch(sig, 0, err)
	}
	defer rc.Close()

	buf := make([]byte, s.srv.cfg.ChunkSizeBytes)
	var offset int64
	for {
		n, readErr := io.ReadFull(rc, buf)
		if n > 0 {
			err := s.conn.Send(protocol.MsgBlobChunk, &protocol.BlobChunk{
				Signature: sig,
				Offset:    offset,
				Data:      buf[:n],
			})
			if err != nil {
				return err
			}
			offset += int64(n)
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return s.endFetch(sig, offset, readErr)
		}
	}
	if offset != size {
		return s.endFetch(sig, offset, fmt.Errorf("%w: %s stored as %d bytes, read %d",
			lib.ErrRepositoryInconsistent, sig.Short(), size, offset))
	}
	return s.endFetch(sig, offset, nil)
}

func (s *session) endFetch(sig types.Signature, size int64, err error) error {
	end := &protocol.FetchEnd{Signature: sig, Size: size}
	if err != nil {
		s.logger.Warn("fetch failed", "signature", sig.Short(), "error", err)
		end.Code = protocol.CodeFor(err)
		end.Message = err.Error()
	}
	return s.conn.Send(protocol.MsgFetchEnd, end)
}
