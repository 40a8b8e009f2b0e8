// Package voice implements voice relay between peers: one Handler per peer
// connection carrying framed packets, and the Mesh that tracks which peers
// were accepted on which channels.
package voice

import (
	"sort"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ZentaChain/theman/pkg/protocol"
)

var log = logging.Logger("theman/voice")

// EntryState is the acceptance state of a peer on a channel
type EntryState int

const (
	Requested EntryState = iota
	Accepted
)

func (s EntryState) String() string {
	if s == Accepted {
		return "accepted"
	}
	return "requested"
}

// CommandSink receives the packets the mesh schedules for a peer
type CommandSink interface {
	Enqueue(p protocol.Packet) bool
}

// Config holds mesh policy
type Config struct {
	// Accept every peer that joins a channel without asking the application
	AutoAccept bool
}

// DefaultConfig returns the mesh policy used when nothing is configured
func DefaultConfig() Config {
	return Config{AutoAccept: false}
}

type meshPeer struct {
	sink        CommandSink
	established bool
}

// Mesh owns the local connected-channel set, the attached peers and the
// per-channel acceptance map. It is not safe for concurrent use; the node
// reactor is its only caller.
type Mesh struct {
	cfg       Config
	connected map[string]struct{}
	peers     map[peer.ID]*meshPeer
	channels  map[string]map[peer.ID]EntryState
	events    []Event
}

// NewMesh creates an empty mesh
func NewMesh(cfg Config) *Mesh {
	return &Mesh{
		cfg:       cfg,
		connected: make(map[string]struct{}),
		peers:     make(map[peer.ID]*meshPeer),
		channels:  make(map[string]map[peer.ID]EntryState),
	}
}

// SetAutoAccept changes the policy for subsequent join announcements
func (m *Mesh) SetAutoAccept(v bool) {
	m.cfg.AutoAccept = v
}

// AutoAccept reports the current policy
func (m *Mesh) AutoAccept() bool {
	return m.cfg.AutoAccept
}

// Connect joins channel and announces it to every attached peer
func (m *Mesh) Connect(channel string) {
	if _, ok := m.connected[channel]; ok {
		return
	}
	m.connected[channel] = struct{}{}
	m.broadcast(protocol.VoiceConnect{Channel: channel})
	log.Infof("🔊 Joined voice channel %q", channel)
}

// Disconnect leaves channel, announces it and forgets every entry for it
func (m *Mesh) Disconnect(channel string) {
	if _, ok := m.connected[channel]; ok {
		delete(m.connected, channel)
		m.broadcast(protocol.VoiceDisconnect{Channel: channel})
		log.Infof("🔇 Left voice channel %q", channel)
	}
	delete(m.channels, channel)
}

// Accept lets peer p relay voice on channel. Unknown pairs are ignored.
func (m *Mesh) Accept(channel string, p peer.ID) {
	m.setEntry(channel, p, Accepted)
}

// Refuse reverts peer p on channel to Requested. Unknown pairs are ignored.
func (m *Mesh) Refuse(channel string, p peer.ID) {
	m.setEntry(channel, p, Requested)
}

func (m *Mesh) setEntry(channel string, p peer.ID, state EntryState) {
	entries, ok := m.channels[channel]
	if !ok {
		return
	}
	if _, ok := entries[p]; !ok {
		return
	}
	entries[p] = state
}

// AudioPacket fans one encoded frame out to every accepted peer of every
// joined channel.
func (m *Mesh) AudioPacket(codec string, data []byte) {
	for _, channel := range m.ConnectedChannels() {
		for p, state := range m.channels[channel] {
			if state != Accepted {
				continue
			}
			mp, ok := m.peers[p]
			if !ok || mp.sink == nil {
				continue
			}
			if mp.sink.Enqueue(protocol.VoicePacket{Codec: codec, Data: data, Channel: channel}) {
				packetsSent.Inc()
			}
		}
	}
}

// ConnectedChannels returns the joined channels in sorted order
func (m *Mesh) ConnectedChannels() []string {
	channels := make([]string, 0, len(m.connected))
	for c := range m.connected {
		channels = append(channels, c)
	}
	sort.Strings(channels)
	return channels
}

// IsConnected reports whether channel is joined
func (m *Mesh) IsConnected(channel string) bool {
	_, ok := m.connected[channel]
	return ok
}

// Entry returns the state of p on channel
func (m *Mesh) Entry(channel string, p peer.ID) (EntryState, bool) {
	state, ok := m.channels[channel][p]
	return state, ok
}

// Members returns a copy of the acceptance map of channel
func (m *Mesh) Members(channel string) map[peer.ID]EntryState {
	members := make(map[peer.ID]EntryState, len(m.channels[channel]))
	for p, state := range m.channels[channel] {
		members[p] = state
	}
	return members
}

// KnownPeers returns the peers whose handler completed the handshake
func (m *Mesh) KnownPeers() []peer.ID {
	peers := make([]peer.ID, 0, len(m.peers))
	for p, mp := range m.peers {
		if mp.established {
			peers = append(peers, p)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Attach registers the command sink of a new handler. Packets scheduled
// before the handshake completes wait in the sink. It returns false when p
// already has a handler.
func (m *Mesh) Attach(p peer.ID, sink CommandSink) bool {
	if mp, ok := m.peers[p]; ok && mp.sink != nil {
		return false
	}
	m.peers[p] = &meshPeer{sink: sink}
	return true
}

// OnHandlerEvent applies one handler event. Events from peers without an
// attached sink, or from a sink other than the attached one, are ignored.
func (m *Mesh) OnHandlerEvent(ev HandlerEvent) {
	mp, ok := m.peers[ev.Peer]
	if !ok || mp.sink == nil || (ev.Source != nil && ev.Source != mp.sink) {
		staleEvents.Inc()
		log.Debugf("Ignoring stale %s event from %s", ev.Kind, ev.Peer.ShortString())
		return
	}

	switch ev.Kind {
	case EventSuccessfullyConnected:
		mp.established = true
		log.Infof("✅ Voice peer ready: %s", ev.Peer.ShortString())

	case EventConnected:
		entries, ok := m.channels[ev.Channel]
		if !ok {
			entries = make(map[peer.ID]EntryState)
			m.channels[ev.Channel] = entries
		}
		if state, ok := entries[ev.Peer]; ok && state == Accepted {
			return
		}
		if m.cfg.AutoAccept {
			entries[ev.Peer] = Accepted
			return
		}
		entries[ev.Peer] = Requested
		m.push(RequestEvent{Channel: ev.Channel, From: ev.Peer})

	case EventDisconnected:
		m.removeEntry(ev.Channel, ev.Peer)
		m.push(DisconnectedEvent{Channel: ev.Channel, From: ev.Peer})

	case EventVoicePacket:
		if _, ok := m.connected[ev.Channel]; !ok {
			packetsDropped.WithLabelValues(dropNotJoined).Inc()
			return
		}
		if state, ok := m.channels[ev.Channel][ev.Peer]; !ok || state != Accepted {
			packetsDropped.WithLabelValues(dropNotAccepted).Inc()
			return
		}
		packetsForwarded.Inc()
		m.push(VoicePacketEvent{
			From:    ev.Peer,
			Codec:   ev.Codec,
			Data:    ev.Data,
			Channel: ev.Channel,
		})

	case EventFailed:
		handlerFailures.Inc()
		mp.sink = nil
		mp.established = false
		m.purgeEntries(ev.Peer)
		m.push(VoiceErrorConnectionEvent{
			To:      ev.Peer,
			Codec:   ev.Codec,
			Channel: ev.Channel,
			Err:     ev.Err,
		})
	}
}

// OnConnectionClosed forgets p entirely and reports it once
func (m *Mesh) OnConnectionClosed(p peer.ID) {
	_, attached := m.peers[p]
	delete(m.peers, p)
	purged := m.purgeEntries(p)
	if attached || purged {
		m.push(VoiceDisconnectedEvent{From: p})
	}
}

// PollEvents drains the pending application events in emission order
func (m *Mesh) PollEvents() []Event {
	events := m.events
	m.events = nil
	return events
}

func (m *Mesh) push(ev Event) {
	m.events = append(m.events, ev)
}

func (m *Mesh) broadcast(p protocol.Packet) {
	for _, mp := range m.peers {
		if mp.sink != nil {
			mp.sink.Enqueue(p)
		}
	}
}

func (m *Mesh) removeEntry(channel string, p peer.ID) {
	entries, ok := m.channels[channel]
	if !ok {
		return
	}
	delete(entries, p)
	if len(entries) == 0 {
		delete(m.channels, channel)
	}
}

func (m *Mesh) purgeEntries(p peer.ID) bool {
	purged := false
	for channel, entries := range m.channels {
		if _, ok := entries[p]; ok {
			purged = true
			delete(entries, p)
			if len(entries) == 0 {
				delete(m.channels, channel)
			}
		}
	}
	return purged
}
