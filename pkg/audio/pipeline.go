package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
)

var log = logging.Logger("theman/audio")

var ErrPipelineClosed = errors.New("audio pipeline closed")

// Output plays decoded samples for one remote peer
type Output interface {
	Write(samples []float32) error
	Close() error
}

// OutputFactory opens the output for a stream id
type OutputFactory func(id string, codec Codec) (Output, error)

// PipelineConfig tunes a Pipeline
type PipelineConfig struct {
	// How often codec errors are drained and logged
	ErrorInterval time.Duration
}

// DefaultPipelineConfig returns the settings used by the node
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{ErrorInterval: time.Second}
}

type stream struct {
	id    string
	codec Codec
	out   Output
}

// Pipeline keeps one decoding stream per remote peer and one encoder per
// codec for captured audio. An output that fails a write is destroyed and
// opened again.
type Pipeline struct {
	cfg       PipelineConfig
	registry  *Registry
	newOutput OutputFactory

	mu       sync.Mutex
	closed   bool
	outputs  map[string]*stream
	encoders map[string]Codec
}

// NewPipeline creates a pipeline decoding with codecs from registry
func NewPipeline(cfg PipelineConfig, registry *Registry, newOutput OutputFactory) *Pipeline {
	if cfg.ErrorInterval <= 0 {
		cfg.ErrorInterval = DefaultPipelineConfig().ErrorInterval
	}
	return &Pipeline{
		cfg:       cfg,
		registry:  registry,
		newOutput: newOutput,
		outputs:   make(map[string]*stream),
		encoders:  make(map[string]Codec),
	}
}

// Deliver decodes one voice payload from id and writes it to id's output
func (p *Pipeline) Deliver(id, codecName string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPipelineClosed
	}

	s, err := p.streamLocked(id, codecName)
	if err != nil {
		return err
	}

	samples := s.codec.Decode(data)
	if err := s.out.Write(samples); err != nil {
		log.Warnf("⚠️  Output %s failed, recreating: %v", id, err)
		outputRecreated.Inc()
		p.destroyLocked(id)

		s, err = p.streamLocked(id, codecName)
		if err != nil {
			return fmt.Errorf("failed to recreate output %s: %w", id, err)
		}
		if err := s.out.Write(samples); err != nil {
			return fmt.Errorf("failed to write output %s: %w", id, err)
		}
	}
	samplesDecoded.Add(float64(len(samples)))
	return nil
}

// Encode compresses captured samples with the named codec
func (p *Pipeline) Encode(codecName string, samples []float32) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	enc, ok := p.encoders[codecName]
	if !ok {
		c, err := p.registry.New(codecName)
		if err != nil {
			return nil, err
		}
		enc = c
		p.encoders[codecName] = enc
	}
	return enc.Encode(samples), nil
}

// Remove closes the output of id
func (p *Pipeline) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyLocked(id)
}

// Streams returns the ids with an open output
func (p *Pipeline) Streams() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.outputs))
	for id := range p.outputs {
		ids = append(ids, id)
	}
	return ids
}

// DrainErrors collects the pending codec errors of every stream
func (p *Pipeline) DrainErrors() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	errs := make(map[string][]string)
	for id, s := range p.outputs {
		if e := s.codec.Errors(); len(e) > 0 {
			errs[id] = e
		}
	}
	for name, enc := range p.encoders {
		if e := enc.Errors(); len(e) > 0 {
			errs["encoder/"+name] = e
		}
	}
	return errs
}

// Run logs codec errors every ErrorInterval until ctx is done
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ErrorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, errs := range p.DrainErrors() {
				for _, e := range errs {
					log.Debugf("Codec error for %s: %s", id, e)
				}
			}
		}
	}
}

// Close closes every output
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var err error
	for id, s := range p.outputs {
		err = multierr.Append(err, s.out.Close())
		delete(p.outputs, id)
	}
	return err
}

func (p *Pipeline) streamLocked(id, codecName string) (*stream, error) {
	if s, ok := p.outputs[id]; ok {
		if s.codec.Name() == codecName {
			return s, nil
		}
		p.destroyLocked(id)
	}

	codec, err := p.registry.New(codecName)
	if err != nil {
		return nil, err
	}
	out, err := p.newOutput(id, codec)
	if err != nil {
		return nil, fmt.Errorf("failed to open output %s: %w", id, err)
	}

	s := &stream{id: id, codec: codec, out: out}
	p.outputs[id] = s
	return s, nil
}

func (p *Pipeline) destroyLocked(id string) {
	s, ok := p.outputs[id]
	if !ok {
		return
	}
	delete(p.outputs, id)
	if err := s.out.Close(); err != nil {
		log.Debugf("Closing output %s: %v", id, err)
	}
}
