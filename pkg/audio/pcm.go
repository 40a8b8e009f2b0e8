package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
)

// PCMName is the name of the uncompressed codec
const PCMName = "pcm"

// PCM sends samples as little-endian float32
type PCM struct {
	mu       sync.Mutex
	settings map[string]Atom
	errs     []string
}

// NewPCM creates a PCM codec for stereo 48 kHz audio
func NewPCM() *PCM {
	return &PCM{
		settings: map[string]Atom{
			"channels":    UnsignedAtom(2, 1, 9),
			"sample_rate": UnsignedAtom(48000, 8000, 192001),
		},
	}
}

func (c *PCM) Name() string { return PCMName }

func (c *PCM) Settings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.settings))
	for k := range c.settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *PCM) GetSetting(key string) (Atom, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.settings[key]
	return a, ok
}

func (c *PCM) SetSetting(key string, value Atom) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.settings[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	if value.Kind != current.Kind || !value.Valid() {
		return fmt.Errorf("%w: %s = %s", ErrInvalidSetting, key, value)
	}
	c.settings[key] = value
	return nil
}

func (c *PCM) Encode(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}
	return out
}

func (c *PCM) Decode(data []byte) []float32 {
	if rem := len(data) % 4; rem != 0 {
		c.mu.Lock()
		c.errs = append(c.errs, fmt.Sprintf("dropped %d trailing bytes", rem))
		c.mu.Unlock()
		data = data[:len(data)-rem]
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return samples
}

func (c *PCM) Errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	errs := c.errs
	c.errs = nil
	return errs
}

func (c *PCM) Clone() Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := &PCM{settings: make(map[string]Atom, len(c.settings))}
	for k, v := range c.settings {
		clone.settings[k] = v
	}
	return clone
}
