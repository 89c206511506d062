package bridge

import (
	"context"
	"io"
	"sync"

	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/transport"
)

// MessageChannel adapts a transport.Stream's message-framed send/recv
// pair to io.ReadWriteCloser so Copy can pump a data-plane stream the
// same way it pumps a net.Conn.
//
// A data-plane stream stays message-framed for its entire life (spec
// §4.7 "chunked reads wrapped in TcpData{stream_id, data}", mirrored
// for TLS passthrough and transparent HTTP): SendMessage and SendBytes
// share the same wire position on every concrete transport, so once a
// stream has carried a *Connect handshake message via SendMessage it
// can never switch to raw SendBytes without desyncing the peer's
// frame decoder. MessageChannel is how a forwarder keeps using
// Copy's plain-byte pump without ever touching SendBytes/RecvBytes on
// a stream that has carried a framed message.
//
// Wrap/Unwrap/IsClose are supplied per protocol so one MessageChannel
// implementation serves TCP, TLS passthrough, transparent HTTP, and
// reverse-tunnel forwarding alike.
type MessageChannel struct {
	Stream transport.Stream
	Ctx    context.Context

	// Wrap builds the data-carrying message for one outbound chunk.
	Wrap func(chunk []byte) protocol.Message
	// Unwrap extracts the payload from an inbound data message, or
	// reports ok=false if msg isn't that protocol's data message (in
	// which case Read ignores it and reads the next frame).
	Unwrap func(msg protocol.Message) (data []byte, ok bool)
	// IsClose reports whether msg is that protocol's close message,
	// at which point Read returns io.EOF.
	IsClose func(msg protocol.Message) bool
	// CloseMsg, if set, builds a close message sent once before
	// Stream.Finish when Close is called locally.
	CloseMsg func() protocol.Message

	mu       sync.Mutex
	leftover []byte
	closed   bool
}

func (m *MessageChannel) Read(p []byte) (int, error) {
	m.mu.Lock()
	if len(m.leftover) > 0 {
		n := copy(p, m.leftover)
		m.leftover = m.leftover[n:]
		m.mu.Unlock()
		return n, nil
	}
	m.mu.Unlock()

	for {
		msg, err := m.Stream.RecvMessage(m.Ctx)
		if err != nil {
			if err == io.EOF {
				return 0, io.EOF
			}
			return 0, err
		}
		if m.IsClose != nil && m.IsClose(msg) {
			return 0, io.EOF
		}
		data, ok := m.Unwrap(msg)
		if !ok {
			continue
		}
		if len(data) == 0 {
			continue
		}
		n := copy(p, data)
		if n < len(data) {
			m.mu.Lock()
			m.leftover = append([]byte(nil), data[n:]...)
			m.mu.Unlock()
		}
		return n, nil
	}
}

func (m *MessageChannel) Write(p []byte) (int, error) {
	if err := m.Stream.SendMessage(m.Wrap(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (m *MessageChannel) Close() error {
	m.mu.Lock()
	already := m.closed
	m.closed = true
	m.mu.Unlock()
	if already {
		return nil
	}
	if m.CloseMsg != nil {
		_ = m.Stream.SendMessage(m.CloseMsg())
	}
	return m.Stream.Finish()
}
