package protocol

// Protocol constants
const (
	// Application protocol negotiated on every voice substream
	ProtocolID = "/the-man/1.0.0"

	// Largest frame body accepted by Decode (1 MiB)
	MaxFrameSize = 1 << 20

	// A uvarint for MaxFrameSize never needs more than this many bytes
	maxLengthPrefix = 4
)
