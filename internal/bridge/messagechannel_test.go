package bridge

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/transport"
)

// fakeMsgStream is a minimal transport.Stream backed by a pair of
// message channels, enough to drive MessageChannel's Read/Write/Close
// without a real transport.
type fakeMsgStream struct {
	in  chan protocol.Message
	out chan protocol.Message
}

func newFakeMsgStreamPair() (a, b *fakeMsgStream) {
	ab := make(chan protocol.Message, 16)
	ba := make(chan protocol.Message, 16)
	return &fakeMsgStream{in: ba, out: ab}, &fakeMsgStream{in: ab, out: ba}
}

func (s *fakeMsgStream) ID() uint32 { return 1 }

func (s *fakeMsgStream) SendMessage(msg protocol.Message) error {
	s.out <- msg
	return nil
}

func (s *fakeMsgStream) RecvMessage(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-s.in:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeMsgStream) SendBytes(b []byte) error { return nil }

func (s *fakeMsgStream) RecvBytes(context.Context, int) ([]byte, error) { return nil, io.EOF }

func (s *fakeMsgStream) Finish() error { return nil }

func (s *fakeMsgStream) IsClosed() bool { return false }

func (s *fakeMsgStream) Split() (transport.SendHalf, transport.RecvHalf) { return nil, nil }

func tcpChannel(s transport.Stream) *MessageChannel {
	return &MessageChannel{
		Stream: s,
		Ctx:    context.Background(),
		Wrap: func(chunk []byte) protocol.Message {
			return protocol.TCPData{StreamID: 1, Data: chunk}
		},
		Unwrap: func(msg protocol.Message) ([]byte, bool) {
			d, ok := msg.(protocol.TCPData)
			if !ok {
				return nil, false
			}
			return d.Data, true
		},
		IsClose: func(msg protocol.Message) bool {
			_, ok := msg.(protocol.TCPClose)
			return ok
		},
		CloseMsg: func() protocol.Message {
			return protocol.TCPClose{StreamID: 1}
		},
	}
}

func TestMessageChannelRelaysChunksThroughWrapUnwrap(t *testing.T) {
	a, b := newFakeMsgStreamPair()
	mca := tcpChannel(a)
	mcb := tcpChannel(b)

	go func() {
		mca.Write([]byte("hello world"))
	}()

	buf := make([]byte, 32)
	n, err := mcb.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Fatalf("got %q, want %q", buf[:n], "hello world")
	}
}

func TestMessageChannelReadSplitsAcrossSmallBuffers(t *testing.T) {
	a, b := newFakeMsgStreamPair()
	mca := tcpChannel(a)
	mcb := tcpChannel(b)

	go func() {
		mca.Write([]byte("abcdef"))
	}()

	buf := make([]byte, 2)
	var got []byte
	for len(got) < 6 {
		n, err := mcb.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "abcdef" {
		t.Fatalf("got %q, want %q", got, "abcdef")
	}
}

func TestMessageChannelCloseSendsCloseMessageThenEOF(t *testing.T) {
	a, b := newFakeMsgStreamPair()
	mca := tcpChannel(a)
	mcb := tcpChannel(b)

	if err := mca.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, err := mcb.Read(make([]byte, 4))
		if err != io.EOF {
			t.Errorf("Read after peer close: got %v, want io.EOF", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not observe close message")
	}
}

func TestMessageChannelIgnoresUnrelatedMessageKinds(t *testing.T) {
	a, b := newFakeMsgStreamPair()
	mca := tcpChannel(a)
	mcb := tcpChannel(b)

	a.SendMessage(protocol.Ping{Timestamp: 1})
	go mca.Write([]byte("x"))

	buf := make([]byte, 4)
	n, err := mcb.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "x" {
		t.Fatalf("got %q, want %q", buf[:n], "x")
	}
}
