// Package bridge pumps bytes bidirectionally between two connections
// until either side closes. It is the byte-plumbing shared by every
// data-plane forwarder (TCP, TLS passthrough, HTTP — which also serves
// the HTTPS forwarder's decrypted connections — and reverse tunnels).
package bridge

import (
	"io"
)

// Copy relays bytes between a and b until one direction finishes (EOF
// or error), then closes both ends so the other direction unblocks
// too. It returns once both copies have stopped.
//
// Neither connection is closed on entry; ownership of closing both
// belongs to Copy for the duration of the call. a and b may be plain
// net.Conns or a MessageChannel wrapping a multiplexed Stream — Copy
// only needs io.ReadWriteCloser.
func Copy(a, b io.ReadWriteCloser) {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(a, b)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(b, a)
		errc <- err
	}()

	<-errc // first direction done
	a.Close()
	b.Close()
	<-errc // second direction done
}

// countingReadWriteCloser wraps an io.ReadWriteCloser, invoking onRead
// and onWrite with the number of bytes moved by each call.
type countingReadWriteCloser struct {
	io.ReadWriteCloser
	onRead  func(n int)
	onWrite func(n int)
}

func (c *countingReadWriteCloser) Read(p []byte) (int, error) {
	n, err := c.ReadWriteCloser.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(n)
	}
	return n, err
}

func (c *countingReadWriteCloser) Write(p []byte) (int, error) {
	n, err := c.ReadWriteCloser.Write(p)
	if n > 0 && c.onWrite != nil {
		c.onWrite(n)
	}
	return n, err
}

// CountBytes wraps rwc so onRead/onWrite are invoked with the byte
// count of every successful Read/Write, letting a caller feed
// per-direction metrics counters without changing Copy itself. Either
// callback may be nil.
func CountBytes(rwc io.ReadWriteCloser, onRead, onWrite func(n int)) io.ReadWriteCloser {
	return &countingReadWriteCloser{ReadWriteCloser: rwc, onRead: onRead, onWrite: onWrite}
}
