package voice

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// HandlerEventKind identifies what a connection handler reports to the mesh
type HandlerEventKind int

const (
	// Both halves of the connection reached steady state
	EventSuccessfullyConnected HandlerEventKind = iota
	// Remote joined a channel
	EventConnected
	// Remote left a channel
	EventDisconnected
	// Remote sent an audio frame
	EventVoicePacket
	// Handler hit a fatal error and stopped
	EventFailed
)

func (k HandlerEventKind) String() string {
	switch k {
	case EventSuccessfullyConnected:
		return "successfully-connected"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventVoicePacket:
		return "voice-packet"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// HandlerEvent is emitted by a Handler and consumed by Mesh.OnHandlerEvent.
// Codec and Channel are set for voice packets and for failures caused by a
// voice write. Source is the emitting handler; events whose Source is no
// longer the attached sink of Peer are stale and get dropped.
type HandlerEvent struct {
	Peer    peer.ID
	Source  CommandSink
	Kind    HandlerEventKind
	Channel string
	Codec   string
	Data    []byte
	Err     error
}

// Event is an application-facing mesh event returned by Mesh.PollEvents
type Event interface {
	isVoiceEvent()
}

// VoicePacketEvent is an audio frame from an accepted peer on a joined channel
type VoicePacketEvent struct {
	From    peer.ID
	Codec   string
	Data    []byte
	Channel string
}

// RequestEvent asks the application to Accept or Refuse a peer on a channel
type RequestEvent struct {
	Channel string
	From    peer.ID
}

// DisconnectedEvent reports that a peer left one channel
type DisconnectedEvent struct {
	Channel string
	From    peer.ID
}

// VoiceDisconnectedEvent reports that a peer was dropped from every channel
type VoiceDisconnectedEvent struct {
	From peer.ID
}

// VoiceErrorConnectionEvent reports a fatal handler error
type VoiceErrorConnectionEvent struct {
	To      peer.ID
	Codec   string
	Channel string
	Err     error
}

func (VoicePacketEvent) isVoiceEvent()          {}
func (RequestEvent) isVoiceEvent()              {}
func (DisconnectedEvent) isVoiceEvent()         {}
func (VoiceDisconnectedEvent) isVoiceEvent()    {}
func (VoiceErrorConnectionEvent) isVoiceEvent() {}
