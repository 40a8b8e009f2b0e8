package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/multierr"

	"github.com/ZentaChain/theman/pkg/protocol"
)

var (
	ErrStreamClosed    = errors.New("voice stream closed by remote")
	ErrDuplicateStream = errors.New("inbound voice stream already attached")
	ErrHandlerClosed   = errors.New("voice handler closed")
)

// Stage is the progress of one direction of a handler
type Stage int

const (
	StageNone Stage = iota
	StageNegotiating
	StageHandshaking
	StageSteady
	StageClosed
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageNegotiating:
		return "negotiating"
	case StageHandshaking:
		return "handshaking"
	case StageSteady:
		return "steady"
	case StageClosed:
		return "closed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// StreamOpener opens the outbound voice substream to a peer
type StreamOpener interface {
	OpenStream(ctx context.Context, p peer.ID) (io.ReadWriteCloser, error)
}

// resetter is implemented by libp2p streams
type resetter interface {
	Reset() error
}

// HandlerConfig tunes a connection handler
type HandlerConfig struct {
	// Pending voice packets above this count are dropped
	MaxQueuedPackets int

	// Size of a single read from the inbound stream
	ReadBufferSize int
}

// DefaultHandlerConfig returns the handler settings used by the node
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxQueuedPackets: 256,
		ReadBufferSize:   4096,
	}
}

// Handler drives the voice substreams of one peer connection. The outbound
// half announces the channels joined at attach time and then writes queued
// packets in order. The inbound half decodes packets from the remote once the
// handshake completed on both sides.
type Handler struct {
	peer     peer.ID
	opener   StreamOpener
	channels []string
	events   chan<- HandlerEvent
	cfg      HandlerConfig
	queue    *commandQueue

	inbound chan io.ReadWriteCloser
	ready   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	inStage   Stage
	outStage  Stage
	announced bool
	streams   []io.ReadWriteCloser
	failOnce  sync.Once
}

// NewHandler creates a handler for p. channels is the snapshot of the local
// connected set, announced to the remote as soon as the outbound stream is up.
func NewHandler(p peer.ID, opener StreamOpener, channels []string, events chan<- HandlerEvent, cfg HandlerConfig) *Handler {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultHandlerConfig().ReadBufferSize
	}

	snapshot := make([]string, len(channels))
	copy(snapshot, channels)

	return &Handler{
		peer:     p,
		opener:   opener,
		channels: snapshot,
		events:   events,
		cfg:      cfg,
		queue:    newCommandQueue(cfg.MaxQueuedPackets),
		inbound:  make(chan io.ReadWriteCloser, 1),
		ready:    make(chan struct{}),
	}
}

// Peer returns the remote peer of this handler
func (h *Handler) Peer() peer.ID {
	return h.peer
}

// Start launches both halves. The handler runs until it fails or Close is
// called.
func (h *Handler) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.mu.Lock()
	h.outStage = StageNegotiating
	h.inStage = StageNegotiating
	h.mu.Unlock()

	h.wg.Add(2)
	go h.runOutbound()
	go h.runInbound()
}

// AcceptInbound hands the stream opened by the remote to the inbound half
func (h *Handler) AcceptInbound(s io.ReadWriteCloser) error {
	select {
	case h.inbound <- s:
		return nil
	default:
		return ErrDuplicateStream
	}
}

// Enqueue schedules a packet on the outbound half. It returns false when a
// voice packet was dropped because the queue is full.
func (h *Handler) Enqueue(p protocol.Packet) bool {
	if ok := h.queue.push(p); !ok {
		queueDrops.Inc()
		return false
	}
	return true
}

// Pending returns the number of queued packets
func (h *Handler) Pending() int {
	return h.queue.len()
}

// Stages returns the current inbound and outbound stages
func (h *Handler) Stages() (in, out Stage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inStage, h.outStage
}

// Close stops the handler without reporting a failure and waits for both
// halves to exit.
func (h *Handler) Close() error {
	if h.cancel == nil {
		return ErrHandlerClosed
	}
	h.cancel()
	err := h.resetStreams()
	h.wg.Wait()
	return err
}

func (h *Handler) runOutbound() {
	defer h.wg.Done()

	s, err := h.opener.OpenStream(h.ctx, h.peer)
	if err != nil {
		h.fail(fmt.Errorf("failed to open voice stream: %w", err), "", "")
		return
	}
	if !h.track(s) {
		return
	}

	h.setStage(&h.outStage, StageHandshaking)
	for _, channel := range h.channels {
		if _, err := s.Write(protocol.Encode(protocol.VoiceConnect{Channel: channel})); err != nil {
			h.fail(fmt.Errorf("failed to announce channel %q: %w", channel, err), "", channel)
			return
		}
	}
	h.setStage(&h.outStage, StageSteady)
	h.checkEstablished()

	for {
		p, ok := h.queue.pop(h.ctx)
		if !ok {
			return
		}
		if _, err := s.Write(protocol.Encode(p)); err != nil {
			var codec, channel string
			switch pkt := p.(type) {
			case protocol.VoicePacket:
				codec, channel = pkt.Codec, pkt.Channel
			case protocol.VoiceConnect:
				channel = pkt.Channel
			case protocol.VoiceDisconnect:
				channel = pkt.Channel
			}
			h.fail(fmt.Errorf("failed to write %s: %w", p.Kind(), err), codec, channel)
			return
		}
	}
}

func (h *Handler) runInbound() {
	defer h.wg.Done()

	var s io.ReadWriteCloser
	select {
	case s = <-h.inbound:
	case <-h.ctx.Done():
		return
	}
	if !h.track(s) {
		return
	}

	// The remote sends its channel list right after negotiation; there is
	// nothing else to exchange on this side.
	h.setStage(&h.inStage, StageHandshaking)
	h.setStage(&h.inStage, StageSteady)
	h.checkEstablished()

	select {
	case <-h.ready:
	case <-h.ctx.Done():
		return
	}

	var buf bytes.Buffer
	chunk := make([]byte, h.cfg.ReadBufferSize)
	for {
		for {
			p, ok, err := protocol.Decode(&buf)
			if err != nil {
				h.fail(fmt.Errorf("failed to decode voice frame: %w", err), "", "")
				return
			}
			if !ok {
				break
			}
			if !h.emit(h.eventFor(p)) {
				return
			}
		}

		n, err := s.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			h.fail(fmt.Errorf("failed to read voice stream: %w", err), "", "")
			return
		}
	}
}

func (h *Handler) eventFor(p protocol.Packet) HandlerEvent {
	ev := HandlerEvent{Peer: h.peer}
	switch pkt := p.(type) {
	case protocol.VoicePacket:
		ev.Kind = EventVoicePacket
		ev.Codec = pkt.Codec
		ev.Data = pkt.Data
		ev.Channel = pkt.Channel
	case protocol.VoiceConnect:
		ev.Kind = EventConnected
		ev.Channel = pkt.Channel
	case protocol.VoiceDisconnect:
		ev.Kind = EventDisconnected
		ev.Channel = pkt.Channel
	}
	return ev
}

// checkEstablished emits SuccessfullyConnected the first time both halves are
// steady and only then releases the inbound reader.
func (h *Handler) checkEstablished() {
	h.mu.Lock()
	if h.announced || h.inStage != StageSteady || h.outStage != StageSteady {
		h.mu.Unlock()
		return
	}
	h.announced = true
	h.mu.Unlock()

	if h.emit(HandlerEvent{Peer: h.peer, Kind: EventSuccessfullyConnected}) {
		log.Debugf("✅ Voice handshake complete with %s", h.peer.ShortString())
	}
	close(h.ready)
}

func (h *Handler) emit(ev HandlerEvent) bool {
	ev.Source = h
	select {
	case h.events <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Handler) fail(err error, codec, channel string) {
	h.failOnce.Do(func() {
		if h.ctx.Err() != nil {
			return
		}
		log.Warnf("⚠️  Voice connection to %s failed: %v", h.peer.ShortString(), err)
		h.emit(HandlerEvent{
			Peer:    h.peer,
			Kind:    EventFailed,
			Codec:   codec,
			Channel: channel,
			Err:     err,
		})
		h.cancel()
		if rerr := h.resetStreams(); rerr != nil {
			log.Debugf("Reset after failure: %v", rerr)
		}
	})
}

// track records s for teardown; it resets s and returns false when the
// handler is already stopping.
func (h *Handler) track(s io.ReadWriteCloser) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		_ = reset(s)
		return false
	}
	h.streams = append(h.streams, s)
	return true
}

func (h *Handler) setStage(stage *Stage, next Stage) {
	h.mu.Lock()
	*stage = next
	h.mu.Unlock()
}

func (h *Handler) resetStreams() error {
	h.mu.Lock()
	streams := h.streams
	h.streams = nil
	h.inStage = StageClosed
	h.outStage = StageClosed
	h.mu.Unlock()

	var err error
	for _, s := range streams {
		err = multierr.Append(err, reset(s))
	}
	return err
}

func reset(s io.ReadWriteCloser) error {
	if r, ok := s.(resetter); ok {
		return r.Reset()
	}
	return s.Close()
}
