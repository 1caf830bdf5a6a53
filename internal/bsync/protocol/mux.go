package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// routedBuffer is the per-signature queue depth before the reader blocks.
const routedBuffer = 64

// Mux lets several transfers share one connection. A single reader goroutine
// delivers routed messages to the subscriber of their signature and every
// other message to the caller of Call.
type Mux struct {
	conn   *Conn
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[types.Signature]chan *Message
	err     error
	control chan *Message
	// waiting is set while a Call waits for its reply.
	waiting bool
	done    chan struct{}

	callMu sync.Mutex
}

// NewMux starts reading from conn. The mux owns conn from now on.
func NewMux(conn *Conn, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mux{
		conn:    conn,
		logger:  logger,
		subs:    make(map[types.Signature]chan *Message),
		control: make(chan *Message, 1),
		done:    make(chan struct{}),
	}
	go m.readLoop()
	return m
}

func (m *Mux) readLoop() {
	for {
		msg, err := m.conn.Receive()
		if err != nil {
			m.fail(err)
			return
		}

		if !msg.Type.Routed() {
			m.deliver(msg)
			continue
		}

		sig, err := msg.Signature()
		if err != nil {
			m.fail(err)
			return
		}
		m.mu.Lock()
		ch, ok := m.subs[types.Signature(sig)]
		m.mu.Unlock()
		if !ok {
			m.logger.Debug("dropping message without subscriber", "type", msg.Type, "signature", sig)
			continue
		}
		select {
		case ch <- msg:
		case <-m.done:
			return
		}
	}
}

// deliver hands a control message to the waiting Call. A message nobody
// asked for is logged and dropped so routed traffic keeps flowing.
func (m *Mux) deliver(msg *Message) {
	m.mu.Lock()
	waiting := m.waiting
	m.waiting = false
	m.mu.Unlock()

	if waiting {
		select {
		case m.control <- msg:
			return
		default:
		}
	}
	if err := msg.Err(); err != nil {
		m.logger.Warn("dropping unsolicited error", "error", err)
		return
	}
	m.logger.Debug("dropping unsolicited message", "type", msg.Type)
}

// fail records the first error and wakes every waiter.
func (m *Mux) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return
	}
	m.err = err
	close(m.done)
}

// Err returns the error that stopped the mux, if any.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Send writes a message; it is safe for concurrent use.
func (m *Mux) Send(typ MessageType, body any) error {
	if err := m.Err(); err != nil {
		return err
	}
	return m.conn.Send(typ, body)
}

// Subscribe registers interest in routed messages for sig. The returned
// function must be called once the transfer is over.
func (m *Mux) Subscribe(sig types.Signature) (<-chan *Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[sig]; exists {
		return nil, nil, fmt.Errorf("transfer for %s already in progress", sig.Short())
	}
	ch := make(chan *Message, routedBuffer)
	m.subs[sig] = ch
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, sig)
		m.mu.Unlock()
	}, nil
}

// Await returns the next message from ch.
func (m *Mux) Await(ctx context.Context, ch <-chan *Message) (*Message, error) {
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, m.Err()
	}
}

// Call sends a session-level request and waits for the reply. Calls are serialized.
func (m *Mux) Call(ctx context.Context, typ MessageType, body any) (*Message, error) {
	m.callMu.Lock()
	defer m.callMu.Unlock()

	// Discard a reply that arrived after an earlier Call gave up.
	select {
	case <-m.control:
	default:
	}
	m.mu.Lock()
	m.waiting = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.waiting = false
		m.mu.Unlock()
	}()

	if err := m.Send(typ, body); err != nil {
		return nil, err
	}
	select {
	case msg := <-m.control:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		// A reply may have raced the failure.
		select {
		case msg := <-m.control:
			return msg, nil
		default:
		}
		return nil, m.Err()
	}
}

// Close closes the connection and stops the reader.
func (m *Mux) Close() error {
	err := m.conn.Close()
	m.fail(fmt.Errorf("%w: connection closed", lib.ErrTransportInterrupted))
	if IsClosed(err) || errors.Is(err, lib.ErrTransportInterrupted) {
		return nil
	}
	return err
}
