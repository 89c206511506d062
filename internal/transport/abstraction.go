package transport

import (
	"context"
	"net"

	"github.com/relaymesh/relay/internal/protocol"
)

// Listener accepts inbound Connections for one concrete transport. It
// is distinct from Component: Component is the process-lifecycle
// contract used by Serve, while Listener is the transport-level
// accept loop each concrete transport's Component wraps.
type Listener interface {
	// Accept blocks until a new Connection arrives or ctx is done.
	Accept(ctx context.Context) (Connection, net.Addr, error)
	Addr() net.Addr
	Close() error
}

// Connector dials a concrete transport's relay from a client or test
// harness. The relay itself only ever plays the Listener role in
// production; Connector exists so every transport package can be
// exercised symmetrically in its own tests.
type Connector interface {
	Connect(ctx context.Context, addr, serverName string) (Connection, error)
}

// Stats reports cumulative byte counters for a Connection, used to
// feed the per-session metrics described in SPEC_FULL.md.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
}

// Connection is one multiplexed transport session. OpenStream and
// AcceptStream both return logical Streams multiplexed over the same
// underlying transport connection; which side may call OpenStream
// depends on the concrete transport (T3/HTTP2 forbids the server from
// initiating streams, per spec §4.2).
type Connection interface {
	ID() string
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream returns the next stream opened by the peer, or
	// ok=false if the connection closed without one pending.
	AcceptStream(ctx context.Context) (stream Stream, ok bool, err error)
	Close(code uint16, reason string) error
	IsClosed() bool
	Stats() Stats
}

// SendHalf is the write-only half of a split Stream.
type SendHalf interface {
	SendMessage(msg protocol.Message) error
	SendBytes(b []byte) error
	// Finish signals the peer no more data will be sent on this half.
	Finish() error
}

// RecvHalf is the read-only half of a split Stream.
type RecvHalf interface {
	RecvMessage(ctx context.Context) (protocol.Message, error)
	RecvBytes(ctx context.Context, max int) ([]byte, error)
}

// Stream is one logical, bidirectional, framed byte stream inside a
// Connection. Split yields independently owned halves so a reader
// goroutine and a writer goroutine can run concurrently without
// sharing a lock on the hot path (spec §4.2, §5) — this is load
// bearing, not a convenience: every forwarder's byte-pump relies on
// being able to read and write the same stream from two goroutines
// with no mutex between them.
type Stream interface {
	ID() uint32
	SendMessage(msg protocol.Message) error
	RecvMessage(ctx context.Context) (protocol.Message, error)
	SendBytes(b []byte) error
	RecvBytes(ctx context.Context, max int) ([]byte, error)
	Finish() error
	IsClosed() bool

	// Split consumes the Stream and returns independent send/receive
	// halves. After Split, the Stream itself must not be used.
	Split() (SendHalf, RecvHalf)
}
