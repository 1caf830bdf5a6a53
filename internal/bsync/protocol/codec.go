package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
)

type wireMessage struct {
	Type MessageType        `msgpack:"typ"`
	Data msgpack.RawMessage `msgpack:"dat"`
}

// Message is a received envelope whose body has not been decoded yet.
type Message struct {
	Type MessageType
	raw  msgpack.RawMessage
}

// Decode unmarshals the body into v.
func (m *Message) Decode(v any) error {
	if err := msgpack.Unmarshal(m.raw, v); err != nil {
		return fmt.Errorf("%w: malformed %s body: %w", lib.ErrProtocol, m.Type, err)
	}
	return nil
}

// Err returns the peer's error if m is an error response.
func (m *Message) Err() error {
	if m.Type != MsgError {
		return nil
	}
	var resp ErrorResponse
	if err := m.Decode(&resp); err != nil {
		return err
	}
	return &RemoteError{Code: resp.Code, Message: resp.Message}
}

// Expect decodes m into v if it has type typ. An error response is returned
// as the corresponding error; any other type is a protocol violation.
func (m *Message) Expect(typ MessageType, v any) error {
	if m.Type == typ {
		return m.Decode(v)
	}
	if err := m.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: expected %s, got %s", lib.ErrProtocol, typ, m.Type)
}

// Signature extracts the signature of a routed message.
func (m *Message) Signature() (string, error) {
	var body struct {
		Signature string `msgpack:"sig"`
	}
	if err := m.Decode(&body); err != nil {
		return "", err
	}
	return body.Signature, nil
}

// Conn frames messages over a reliable byte stream. Send may be called from
// multiple goroutines; Receive must be called from one goroutine at a time.
type Conn struct {
	conn net.Conn

	wmu sync.Mutex
	bw  *bufio.Writer
	enc *msgpack.Encoder

	dec *msgpack.Decoder
}

func NewConn(conn net.Conn) *Conn {
	bw := bufio.NewWriter(conn)
	return &Conn{
		conn: conn,
		bw:   bw,
		enc:  msgpack.NewEncoder(bw),
		dec:  msgpack.NewDecoder(bufio.NewReader(conn)),
	}
}

// Send encodes body as a message of type typ and flushes it.
func (c *Conn) Send(typ MessageType, body any) error {
	data, err := msgpack.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", typ, err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(&wireMessage{Type: typ, Data: data}); err != nil {
		return transportError(err)
	}
	if err := c.bw.Flush(); err != nil {
		return transportError(err)
	}
	return nil
}

// SendError sends err as an error response.
func (c *Conn) SendError(err error) error {
	return c.Send(MsgError, &ErrorResponse{Code: CodeFor(err), Message: err.Error()})
}

// Receive blocks until the next message arrives.
func (c *Conn) Receive() (*Message, error) {
	var w wireMessage
	if err := c.dec.Decode(&w); err != nil {
		return nil, transportError(err)
	}
	return &Message{Type: w.Type, raw: w.Data}, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func transportError(err error) error {
	if errors.Is(err, lib.ErrTransportInterrupted) {
		return err
	}
	return fmt.Errorf("%w: %w", lib.ErrTransportInterrupted, err)
}

// IsClosed reports whether err only signals that the peer went away.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
