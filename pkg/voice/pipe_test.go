package voice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// memStream is a buffered in-memory byte pipe. Writes never block, so two
// handlers can announce their channels to each other at the same time.
type memStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newMemStream() *memStream {
	s := &memStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := s.buf.Write(p)
	s.cond.Broadcast()
	return n, nil
}

func (s *memStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.buf.Len() == 0 {
		return 0, io.EOF
	}
	return s.buf.Read(p)
}

func (s *memStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// switchboard connects handlers in one process: opening a stream towards a
// peer hands the other end to that peer's handler.
type switchboard struct {
	mu       sync.Mutex
	handlers map[peer.ID]*Handler
	streams  map[[2]peer.ID]*memStream
}

func newSwitchboard() *switchboard {
	return &switchboard{
		handlers: make(map[peer.ID]*Handler),
		streams:  make(map[[2]peer.ID]*memStream),
	}
}

// register makes h reachable as the handler running on local for its peer
func (sb *switchboard) register(local peer.ID, h *Handler) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.handlers[local] = h
}

// stream returns the stream written by from and read by to
func (sb *switchboard) stream(from, to peer.ID) *memStream {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.streams[[2]peer.ID{from, to}]
}

type boardOpener struct {
	sb    *switchboard
	local peer.ID
}

func (o boardOpener) OpenStream(ctx context.Context, p peer.ID) (io.ReadWriteCloser, error) {
	o.sb.mu.Lock()
	remote, ok := o.sb.handlers[p]
	s := newMemStream()
	o.sb.streams[[2]peer.ID{o.local, p}] = s
	o.sb.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no route to %s", p)
	}
	if err := remote.AcceptInbound(s); err != nil {
		return nil, err
	}
	return s, nil
}

type failingOpener struct {
	err error
}

func (o failingOpener) OpenStream(ctx context.Context, p peer.ID) (io.ReadWriteCloser, error) {
	return nil, o.err
}

func nextEvent(t *testing.T, ch <-chan HandlerEvent) HandlerEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler event")
		return HandlerEvent{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan HandlerEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected handler event %s from %s", ev.Kind, ev.Peer)
	case <-time.After(50 * time.Millisecond):
	}
}
