// Package audio decodes inbound voice into per-peer outputs and encodes
// captured samples for the voice mesh. Device capture and playback stay
// behind the Output interface.
package audio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownCodec   = errors.New("unknown codec")
	ErrUnknownSetting = errors.New("unknown codec setting")
	ErrInvalidSetting = errors.New("codec setting out of range")
)

// Codec turns samples into voice payloads and back. Encode and Decode never
// fail; problems are collected and drained through Errors.
type Codec interface {
	Name() string

	Settings() []string
	GetSetting(key string) (Atom, bool)
	SetSetting(key string, value Atom) error

	Encode(samples []float32) []byte
	Decode(data []byte) []float32

	// Errors returns and clears the errors collected since the last call
	Errors() []string

	// Clone returns an independent codec with the same settings
	Clone() Codec
}

// Registry holds one prototype per codec name
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates a registry holding the given prototypes
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a prototype
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Name()] = c
}

// New returns a fresh instance of the named codec
func (r *Registry) New(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c.Clone(), nil
}

// Names lists the registered codecs
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
