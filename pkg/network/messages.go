package network

import (
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/ZentaChain/theman/pkg/dht"
	"github.com/ZentaChain/theman/pkg/naming"
	"github.com/ZentaChain/theman/pkg/voice"
)

// Command is a request from the application to the node reactor
type Command interface {
	isCommand()
}

// Voice commands map one to one onto the channel mesh operations
type (
	VoiceConnect struct {
		Channel string
	}
	VoiceDisconnect struct {
		Channel string
	}
	VoiceAccept struct {
		Channel string
		Peer    peer.ID
	}
	VoiceRefuse struct {
		Channel string
		Peer    peer.ID
	}
	VoiceAudio struct {
		Codec string
		Data  []byte
	}
	SetAutoAccept struct {
		Enabled bool
	}
)

// Group messaging commands
type (
	SubscribeTopic struct {
		Topic string
	}
	UnsubscribeTopic struct {
		Topic string
	}
	SendMessage struct {
		Topic string
		Data  []byte
	}
)

// SearchPeerID looks up the peers closest to Peer. The query id is sent on
// Reply when it is non-nil.
type SearchPeerID struct {
	Peer  peer.ID
	Reply chan<- dht.QueryID
}

// SearchName resolves a display name; the outcome arrives as NameResolved
type SearchName struct {
	Name  string
	Reply chan<- dht.QueryID
}

// RegisterName starts a registration of the account name right away
type RegisterName struct {
	Reply chan<- error
}

// SetAutoRenew toggles renewal of the account name at expiry
type SetAutoRenew struct {
	Enabled bool
}

// Dial connects to a peer address
type Dial struct {
	Addr multiaddr.Multiaddr
}

// GetBootNodes lists the routing table peers with their addresses
type GetBootNodes struct {
	Reply chan<- []peer.AddrInfo
}

// GetStatus returns a snapshot of the reactor state
type GetStatus struct {
	Reply chan<- Status
}

func (VoiceConnect) isCommand()     {}
func (VoiceDisconnect) isCommand()  {}
func (VoiceAccept) isCommand()      {}
func (VoiceRefuse) isCommand()      {}
func (VoiceAudio) isCommand()       {}
func (SetAutoAccept) isCommand()    {}
func (SubscribeTopic) isCommand()   {}
func (UnsubscribeTopic) isCommand() {}
func (SendMessage) isCommand()      {}
func (SearchPeerID) isCommand()     {}
func (SearchName) isCommand()       {}
func (RegisterName) isCommand()     {}
func (SetAutoRenew) isCommand()     {}
func (Dial) isCommand()             {}
func (GetBootNodes) isCommand()     {}
func (GetStatus) isCommand()        {}

// Message is a notification from the node reactor to the application
type Message interface {
	isMessage()
}

// PeerStatus is what the node knows about one connected peer
type PeerStatus struct {
	ID              peer.ID       `json:"id"`
	Addrs           []string      `json:"addrs"`
	Connections     int           `json:"connections"`
	AgentVersion    string        `json:"agentVersion,omitempty"`
	ProtocolVersion string        `json:"protocolVersion,omitempty"`
	Protocols       []string      `json:"protocols,omitempty"`
	RTT             time.Duration `json:"rtt,omitempty"`
	LastSeen        time.Time     `json:"lastSeen"`
}

// SwarmStatus is pushed after every connection change
type SwarmStatus struct {
	Peers       []PeerStatus
	Connections int
	ListenAddrs []string
}

// VoiceEvent wraps one channel mesh event
type VoiceEvent struct {
	Event voice.Event
}

// QueryProgress reports a finished peer search
type QueryProgress struct {
	ID    dht.QueryID
	Kind  dht.QueryKind
	Key   string
	Peers []peer.ID
	Err   error
}

// NameResolved reports the outcome of a name search. Record is nil when Err
// is set.
type NameResolved struct {
	Name   string
	Record *naming.Record
	Trust  naming.Trust
	Err    error
}

// NameRegistered reports a successful registration of the account name
type NameRegistered struct {
	Name    string
	Expires time.Time
}

// ChatMessage is a group message received on a subscribed topic
type ChatMessage struct {
	Topic string
	From  peer.ID
	Data  []byte
}

// TopicPeerJoined reports a peer subscribing to a topic we are on
type TopicPeerJoined struct {
	Topic string
	Peer  peer.ID
}

// TopicPeerLeft reports a peer leaving a topic we are on
type TopicPeerLeft struct {
	Topic string
	Peer  peer.ID
}

func (SwarmStatus) isMessage()     {}
func (VoiceEvent) isMessage()      {}
func (QueryProgress) isMessage()   {}
func (NameResolved) isMessage()    {}
func (NameRegistered) isMessage()  {}
func (ChatMessage) isMessage()     {}
func (TopicPeerJoined) isMessage() {}
func (TopicPeerLeft) isMessage()   {}

// Status is a point-in-time view of the reactor
type Status struct {
	Self              peer.ID      `json:"self"`
	ListenAddrs       []string     `json:"listenAddrs"`
	Peers             []PeerStatus `json:"peers"`
	ConnectedChannels []string     `json:"connectedChannels"`
	Topics            []string     `json:"topics"`
	AutoAccept        bool         `json:"autoAccept"`
	Bootstrapping     bool         `json:"bootstrapping"`
	Name              string       `json:"name,omitempty"`
	NameExpires       time.Time    `json:"nameExpires,omitempty"`
	PendingQueries    int          `json:"pendingQueries"`
}

// swarmEvent is the narrow set of host events the reactor consumes
type swarmEvent interface {
	isSwarmEvent()
}

type connectionEstablished struct {
	peer peer.ID
	addr multiaddr.Multiaddr
}

type connectionClosed struct {
	peer      peer.ID
	remaining int
}

type peerIdentified struct {
	peer            peer.ID
	agentVersion    string
	protocolVersion string
	protocols       []string
}

type pingResult struct {
	peer peer.ID
	rtt  time.Duration
	err  error
}

type inboundVoiceStream struct {
	peer   peer.ID
	stream io.ReadWriteCloser
}

type chatReceived struct {
	topic string
	from  peer.ID
	data  []byte
}

type topicPeerChanged struct {
	topic  string
	peer   peer.ID
	joined bool
}

type peerDiscovered struct {
	info peer.AddrInfo
}

func (connectionEstablished) isSwarmEvent() {}
func (connectionClosed) isSwarmEvent()      {}
func (peerIdentified) isSwarmEvent()        {}
func (pingResult) isSwarmEvent()            {}
func (inboundVoiceStream) isSwarmEvent()    {}
func (chatReceived) isSwarmEvent()          {}
func (topicPeerChanged) isSwarmEvent()      {}
func (peerDiscovered) isSwarmEvent()        {}
