package audio

import (
	"errors"
	"sync"
)

var ErrOutputClosed = errors.New("audio output closed")

// Frame is a block of decoded samples from one peer
type Frame struct {
	ID      string
	Samples []float32
}

// ChannelOutput forwards decoded frames to a shared channel. Frames are
// dropped when the channel is full.
type ChannelOutput struct {
	id     string
	frames chan<- Frame

	mu     sync.Mutex
	closed bool
}

// ChannelOutputs returns a factory whose outputs all feed frames
func ChannelOutputs(frames chan<- Frame) OutputFactory {
	return func(id string, _ Codec) (Output, error) {
		return &ChannelOutput{id: id, frames: frames}, nil
	}
}

func (o *ChannelOutput) Write(samples []float32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutputClosed
	}
	select {
	case o.frames <- Frame{ID: o.id, Samples: samples}:
	default:
		framesDropped.Inc()
	}
	return nil
}

func (o *ChannelOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// DiscardOutputs returns a factory whose outputs drop every frame
func DiscardOutputs() OutputFactory {
	return func(string, Codec) (Output, error) {
		return discard{}, nil
	}
}

type discard struct{}

func (discard) Write([]float32) error { return nil }
func (discard) Close() error          { return nil }
