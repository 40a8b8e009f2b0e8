package audio

import "fmt"

// AtomKind is the type held by an Atom
type AtomKind int

const (
	AtomSigned AtomKind = iota
	AtomUnsigned
	AtomFloat
	AtomText
)

// Atom is one codec setting value. Numeric atoms carry the half-open range
// [Min, Max) of values the codec accepts.
type Atom struct {
	Kind AtomKind

	Signed    int64
	SignedMin int64
	SignedMax int64

	Unsigned    uint64
	UnsignedMin uint64
	UnsignedMax uint64

	Float    float64
	FloatMin float64
	FloatMax float64

	Text string
}

// SignedAtom creates a signed setting with range [min, max)
func SignedAtom(value, min, max int64) Atom {
	return Atom{Kind: AtomSigned, Signed: value, SignedMin: min, SignedMax: max}
}

// UnsignedAtom creates an unsigned setting with range [min, max)
func UnsignedAtom(value, min, max uint64) Atom {
	return Atom{Kind: AtomUnsigned, Unsigned: value, UnsignedMin: min, UnsignedMax: max}
}

// FloatAtom creates a float setting with range [min, max)
func FloatAtom(value, min, max float64) Atom {
	return Atom{Kind: AtomFloat, Float: value, FloatMin: min, FloatMax: max}
}

// TextAtom creates a free text setting
func TextAtom(value string) Atom {
	return Atom{Kind: AtomText, Text: value}
}

// Valid reports whether the value lies in its range
func (a Atom) Valid() bool {
	switch a.Kind {
	case AtomSigned:
		return a.Signed >= a.SignedMin && a.Signed < a.SignedMax
	case AtomUnsigned:
		return a.Unsigned >= a.UnsignedMin && a.Unsigned < a.UnsignedMax
	case AtomFloat:
		return a.Float >= a.FloatMin && a.Float < a.FloatMax
	case AtomText:
		return true
	default:
		return false
	}
}

// WithUnsigned returns a copy holding v, keeping the range
func (a Atom) WithUnsigned(v uint64) Atom {
	a.Unsigned = v
	return a
}

func (a Atom) String() string {
	switch a.Kind {
	case AtomSigned:
		return fmt.Sprintf("%d [%d, %d)", a.Signed, a.SignedMin, a.SignedMax)
	case AtomUnsigned:
		return fmt.Sprintf("%d [%d, %d)", a.Unsigned, a.UnsignedMin, a.UnsignedMax)
	case AtomFloat:
		return fmt.Sprintf("%g [%g, %g)", a.Float, a.FloatMin, a.FloatMax)
	case AtomText:
		return a.Text
	default:
		return "invalid"
	}
}
