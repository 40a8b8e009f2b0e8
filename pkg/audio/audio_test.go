package audio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomValid(t *testing.T) {
	tests := []struct {
		name string
		atom Atom
		want bool
	}{
		{"signed in range", SignedAtom(0, -10, 10), true},
		{"signed at upper bound", SignedAtom(10, -10, 10), false},
		{"unsigned at lower bound", UnsignedAtom(1, 1, 9), true},
		{"unsigned below range", UnsignedAtom(0, 1, 9), false},
		{"float in range", FloatAtom(0.5, 0, 1), true},
		{"float above range", FloatAtom(1.5, 0, 1), false},
		{"text", TextAtom("voip"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.atom.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPCMRoundTrip(t *testing.T) {
	c := NewPCM()
	samples := []float32{0, 0.5, -0.25, 1}

	decoded := c.Decode(c.Encode(samples))
	assert.Equal(t, samples, decoded)
	assert.Empty(t, c.Errors())
}

func TestPCMCollectsErrors(t *testing.T) {
	c := NewPCM()

	decoded := c.Decode([]byte{0, 0, 0, 0, 1, 2})
	assert.Len(t, decoded, 1)

	errs := c.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "2 trailing bytes")
	assert.Empty(t, c.Errors(), "Errors() must drain")
}

func TestPCMSettings(t *testing.T) {
	c := NewPCM()
	assert.Equal(t, []string{"channels", "sample_rate"}, c.Settings())

	channels, ok := c.GetSetting("channels")
	require.True(t, ok)
	require.NoError(t, c.SetSetting("channels", channels.WithUnsigned(1)))

	got, _ := c.GetSetting("channels")
	assert.Equal(t, uint64(1), got.Unsigned)

	assert.ErrorIs(t, c.SetSetting("channels", channels.WithUnsigned(0)), ErrInvalidSetting)
	assert.ErrorIs(t, c.SetSetting("channels", TextAtom("two")), ErrInvalidSetting)
	assert.ErrorIs(t, c.SetSetting("bitrate", UnsignedAtom(1, 0, 2)), ErrUnknownSetting)

	// Clones do not share settings
	clone := c.Clone()
	require.NoError(t, clone.SetSetting("channels", channels.WithUnsigned(2)))
	got, _ = c.GetSetting("channels")
	assert.Equal(t, uint64(1), got.Unsigned)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewPCM())
	assert.Equal(t, []string{PCMName}, r.Names())

	c, err := r.New(PCMName)
	require.NoError(t, err)
	assert.Equal(t, PCMName, c.Name())

	_, err = r.New("opus")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

type flakyOutput struct {
	fail   bool
	writes int
	closed bool
}

func (o *flakyOutput) Write(samples []float32) error {
	if o.fail {
		return errors.New("device lost")
	}
	o.writes++
	return nil
}

func (o *flakyOutput) Close() error {
	o.closed = true
	return nil
}

func TestPipelineSelfHeals(t *testing.T) {
	var opened []*flakyOutput
	factory := func(id string, _ Codec) (Output, error) {
		o := &flakyOutput{}
		opened = append(opened, o)
		return o, nil
	}

	p := NewPipeline(DefaultPipelineConfig(), NewRegistry(NewPCM()), factory)
	pcm := NewPCM()
	payload := pcm.Encode([]float32{0.1, 0.2})

	require.NoError(t, p.Deliver("peer-a", PCMName, payload))
	require.Len(t, opened, 1)
	assert.Equal(t, 1, opened[0].writes)

	// The output breaks; the next delivery replaces it
	opened[0].fail = true
	require.NoError(t, p.Deliver("peer-a", PCMName, payload))
	require.Len(t, opened, 2)
	assert.True(t, opened[0].closed)
	assert.Equal(t, 1, opened[1].writes)

	assert.Equal(t, []string{"peer-a"}, p.Streams())

	p.Remove("peer-a")
	assert.True(t, opened[1].closed)
	assert.Empty(t, p.Streams())

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Deliver("peer-a", PCMName, payload), ErrPipelineClosed)
}

func TestPipelineUnknownCodec(t *testing.T) {
	p := NewPipeline(DefaultPipelineConfig(), NewRegistry(NewPCM()), DiscardOutputs())
	assert.ErrorIs(t, p.Deliver("peer-a", "opus", []byte{1}), ErrUnknownCodec)

	_, err := p.Encode("opus", nil)
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestPipelineChannelOutputAndErrors(t *testing.T) {
	frames := make(chan Frame, 1)
	p := NewPipeline(DefaultPipelineConfig(), NewRegistry(NewPCM()), ChannelOutputs(frames))

	data, err := p.Encode(PCMName, []float32{0.5})
	require.NoError(t, err)

	// Trailing garbage is decoded around and reported later
	require.NoError(t, p.Deliver("peer-a", PCMName, append(data, 0xFF)))
	frame := <-frames
	assert.Equal(t, "peer-a", frame.ID)
	assert.Equal(t, []float32{0.5}, frame.Samples)

	errs := p.DrainErrors()
	assert.Len(t, errs["peer-a"], 1)
	assert.Empty(t, p.DrainErrors())

	// A full channel drops frames instead of failing the output
	require.NoError(t, p.Deliver("peer-a", PCMName, data))
	require.NoError(t, p.Deliver("peer-a", PCMName, data))
	assert.Len(t, frames, 1)
}
