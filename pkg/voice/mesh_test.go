package voice

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/theman/pkg/protocol"
)

type recordingSink struct {
	packets []protocol.Packet
	full    bool
}

func (s *recordingSink) Enqueue(p protocol.Packet) bool {
	if s.full && p.Kind() == protocol.KindVoicePacket {
		return false
	}
	s.packets = append(s.packets, p)
	return true
}

func establish(m *Mesh, p peer.ID) *recordingSink {
	sink := &recordingSink{}
	m.Attach(p, sink)
	m.OnHandlerEvent(HandlerEvent{Peer: p, Kind: EventSuccessfullyConnected})
	return sink
}

func TestMeshConnectDisconnectSymmetry(t *testing.T) {
	m := NewMesh(DefaultConfig())
	peers := []peer.ID{"p1", "p2", "p3"}
	sinks := make(map[peer.ID]*recordingSink)
	for _, p := range peers {
		sinks[p] = establish(m, p)
		m.OnHandlerEvent(HandlerEvent{Peer: p, Kind: EventConnected, Channel: "general"})
	}

	m.Connect("general")
	m.Disconnect("general")

	assert.False(t, m.IsConnected("general"))
	assert.Empty(t, m.Members("general"))

	for _, p := range peers {
		disconnects := 0
		for _, pkt := range sinks[p].packets {
			if pkt == (protocol.VoiceDisconnect{Channel: "general"}) {
				disconnects++
			}
		}
		assert.Equal(t, 1, disconnects, "peer %s", p)
		assert.Equal(t, []protocol.Packet{
			protocol.VoiceConnect{Channel: "general"},
			protocol.VoiceDisconnect{Channel: "general"},
		}, sinks[p].packets)
	}
}

func TestMeshConnectIsIdempotent(t *testing.T) {
	m := NewMesh(DefaultConfig())
	sink := establish(m, "p1")

	m.Connect("general")
	m.Connect("general")

	assert.Len(t, sink.packets, 1)
	assert.Equal(t, []string{"general"}, m.ConnectedChannels())
}

func TestMeshAcceptRefuseUnknownPair(t *testing.T) {
	m := NewMesh(DefaultConfig())
	establish(m, "p1")

	m.Accept("general", "p1")
	m.Refuse("general", "p2")

	_, ok := m.Entry("general", "p1")
	assert.False(t, ok)
	assert.Empty(t, m.PollEvents())
}

func TestMeshRequestAcceptRefuse(t *testing.T) {
	m := NewMesh(DefaultConfig())
	establish(m, "p1")
	m.Connect("general")

	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Kind: EventConnected, Channel: "general"})
	assert.Equal(t, []Event{RequestEvent{Channel: "general", From: "p1"}}, m.PollEvents())

	voice := HandlerEvent{Peer: "p1", Kind: EventVoicePacket, Codec: "opus", Data: []byte{1}, Channel: "general"}

	m.OnHandlerEvent(voice)
	assert.Empty(t, m.PollEvents(), "requested peer must not relay")

	m.Accept("general", "p1")
	m.OnHandlerEvent(voice)
	assert.Len(t, m.PollEvents(), 1)

	m.Refuse("general", "p1")
	m.OnHandlerEvent(voice)
	assert.Empty(t, m.PollEvents(), "refused peer must not relay")

	// A repeated join keeps an accepted peer accepted
	m.Accept("general", "p1")
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Kind: EventConnected, Channel: "general"})
	state, _ := m.Entry("general", "p1")
	assert.Equal(t, Accepted, state)
	assert.Empty(t, m.PollEvents())
}

func TestMeshRemoteDisconnect(t *testing.T) {
	m := NewMesh(Config{AutoAccept: true})
	establish(m, "p1")
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Kind: EventConnected, Channel: "general"})

	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Kind: EventDisconnected, Channel: "general"})

	_, ok := m.Entry("general", "p1")
	assert.False(t, ok)
	assert.Equal(t, []Event{DisconnectedEvent{Channel: "general", From: "p1"}}, m.PollEvents())
}

func TestMeshAudioPacketFanOut(t *testing.T) {
	m := NewMesh(DefaultConfig())
	s1 := establish(m, "p1")
	s2 := establish(m, "p2")
	s3 := establish(m, "p3")

	m.Connect("general")
	m.Connect("music")
	for _, s := range []*recordingSink{s1, s2, s3} {
		s.packets = nil
	}

	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Kind: EventConnected, Channel: "general"})
	m.OnHandlerEvent(HandlerEvent{Peer: "p2", Kind: EventConnected, Channel: "music"})
	m.OnHandlerEvent(HandlerEvent{Peer: "p3", Kind: EventConnected, Channel: "general"})
	// p3 joined a channel we are not in
	m.OnHandlerEvent(HandlerEvent{Peer: "p3", Kind: EventConnected, Channel: "other"})
	m.Accept("general", "p1")
	m.Accept("music", "p2")
	m.Accept("other", "p3")

	m.AudioPacket("opus", []byte("frame"))

	assert.Equal(t, []protocol.Packet{
		protocol.VoicePacket{Codec: "opus", Data: []byte("frame"), Channel: "general"},
	}, s1.packets)
	assert.Equal(t, []protocol.Packet{
		protocol.VoicePacket{Codec: "opus", Data: []byte("frame"), Channel: "music"},
	}, s2.packets)
	assert.Empty(t, s3.packets)
}

func TestMeshConnectionClosedPurges(t *testing.T) {
	m := NewMesh(Config{AutoAccept: true})
	establish(m, "p1")
	establish(m, "p2")
	m.Connect("general")
	for _, ch := range []string{"general", "music"} {
		m.OnHandlerEvent(HandlerEvent{Peer: "p1", Kind: EventConnected, Channel: ch})
		m.OnHandlerEvent(HandlerEvent{Peer: "p2", Kind: EventConnected, Channel: ch})
	}

	m.OnConnectionClosed("p1")

	for _, ch := range []string{"general", "music"} {
		_, ok := m.Entry(ch, "p1")
		assert.False(t, ok, "stale entry on %s", ch)
		_, ok = m.Entry(ch, "p2")
		assert.True(t, ok)
	}
	assert.Equal(t, []peer.ID{"p2"}, m.KnownPeers())
	assert.Equal(t, []Event{VoiceDisconnectedEvent{From: "p1"}}, m.PollEvents())

	// Reconnecting under the same identity starts from Requested
	m.SetAutoAccept(false)
	establish(m, "p1")
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Kind: EventConnected, Channel: "general"})
	state, ok := m.Entry("general", "p1")
	require.True(t, ok)
	assert.Equal(t, Requested, state)

	// Closing an unknown peer is silent
	m.PollEvents()
	m.OnConnectionClosed("nobody")
	assert.Empty(t, m.PollEvents())
}

func TestMeshHandlerFailure(t *testing.T) {
	m := NewMesh(Config{AutoAccept: true})
	sink := establish(m, "p1")
	m.Connect("general")
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Kind: EventConnected, Channel: "general"})
	sink.packets = nil

	failure := errors.New("stream reset")
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Kind: EventFailed, Codec: "opus", Channel: "general", Err: failure})

	assert.Equal(t, []Event{VoiceErrorConnectionEvent{
		To:      "p1",
		Codec:   "opus",
		Channel: "general",
		Err:     failure,
	}}, m.PollEvents())

	m.AudioPacket("opus", []byte("frame"))
	m.Connect("music")
	assert.Empty(t, sink.packets, "failed handler must not receive commands")

	m.OnConnectionClosed("p1")
	assert.Equal(t, []Event{VoiceDisconnectedEvent{From: "p1"}}, m.PollEvents())
}

func TestMeshAttachTwice(t *testing.T) {
	m := NewMesh(DefaultConfig())
	assert.True(t, m.Attach("p1", &recordingSink{}))
	assert.False(t, m.Attach("p1", &recordingSink{}))
}

func TestMeshCommandsBeforeHandshake(t *testing.T) {
	m := NewMesh(DefaultConfig())
	sink := &recordingSink{}
	m.Attach("p1", sink)

	// Commands issued while the handler is still handshaking wait in its queue
	m.Connect("general")
	assert.Equal(t, []protocol.Packet{protocol.VoiceConnect{Channel: "general"}}, sink.packets)
	assert.Empty(t, m.KnownPeers())
}

// TestMeshGatingInvariant drives random interleavings of local and remote
// operations and checks every inbound voice packet against a model of the
// connected set and acceptance map.
func TestMeshGatingInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	channels := []string{"a", "b", "c"}
	peers := []peer.ID{"p1", "p2", "p3"}

	for round := 0; round < 20; round++ {
		m := NewMesh(DefaultConfig())
		for _, p := range peers {
			establish(m, p)
		}

		connected := make(map[string]bool)
		entries := make(map[string]map[peer.ID]EntryState)
		for _, c := range channels {
			entries[c] = make(map[peer.ID]EntryState)
		}

		for step := 0; step < 300; step++ {
			c := channels[rng.Intn(len(channels))]
			p := peers[rng.Intn(len(peers))]

			switch rng.Intn(7) {
			case 0:
				m.Connect(c)
				connected[c] = true
			case 1:
				m.Disconnect(c)
				connected[c] = false
				entries[c] = make(map[peer.ID]EntryState)
			case 2:
				m.OnHandlerEvent(HandlerEvent{Peer: p, Kind: EventConnected, Channel: c})
				if entries[c][p] != Accepted {
					entries[c][p] = Requested
				}
			case 3:
				m.OnHandlerEvent(HandlerEvent{Peer: p, Kind: EventDisconnected, Channel: c})
				delete(entries[c], p)
			case 4:
				m.Accept(c, p)
				if _, ok := entries[c][p]; ok {
					entries[c][p] = Accepted
				}
			case 5:
				m.Refuse(c, p)
				if _, ok := entries[c][p]; ok {
					entries[c][p] = Requested
				}
			case 6:
				m.PollEvents()
				data := []byte(fmt.Sprintf("%d/%d", round, step))
				m.OnHandlerEvent(HandlerEvent{Peer: p, Kind: EventVoicePacket, Codec: "opus", Data: data, Channel: c})

				state, ok := entries[c][p]
				want := connected[c] && ok && state == Accepted

				delivered := false
				for _, ev := range m.PollEvents() {
					if vp, ok := ev.(VoicePacketEvent); ok && vp.From == p && vp.Channel == c {
						delivered = true
					}
				}
				if delivered != want {
					t.Fatalf("round %d step %d: packet from %s on %s delivered=%v, want %v", round, step, p, c, delivered, want)
				}
			}
		}
	}
	t.Logf("✅ Gating held across random interleavings")
}

func TestMeshQueueFullCountsDrop(t *testing.T) {
	m := NewMesh(Config{AutoAccept: true})
	sink := establish(m, "p1")
	m.Connect("general")
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Kind: EventConnected, Channel: "general"})
	sink.packets = nil
	sink.full = true

	m.AudioPacket("opus", []byte("frame"))
	assert.Empty(t, sink.packets)
}

func TestMeshIgnoresStaleHandlerEvents(t *testing.T) {
	m := NewMesh(Config{AutoAccept: true})
	m.Connect("general")

	old := &recordingSink{}
	require.True(t, m.Attach("p1", old))
	m.OnConnectionClosed("p1")
	m.PollEvents()

	// The closed handler's last join arrives after the purge
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Source: old, Kind: EventConnected, Channel: "general"})
	_, ok := m.Entry("general", "p1")
	assert.False(t, ok, "unattached peer must not re-create an entry")

	// A new handler is attached but has not finished its handshake
	fresh := &recordingSink{}
	require.True(t, m.Attach("p1", fresh))
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Source: old, Kind: EventConnected, Channel: "general"})
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Source: old, Kind: EventVoicePacket, Codec: "opus", Data: []byte("x"), Channel: "general"})
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Source: old, Kind: EventFailed, Err: errors.New("reset")})

	assert.Empty(t, m.PollEvents())
	_, ok = m.Entry("general", "p1")
	assert.False(t, ok)

	// The fresh handler still works
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Source: fresh, Kind: EventSuccessfullyConnected})
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Source: fresh, Kind: EventConnected, Channel: "general"})
	m.OnHandlerEvent(HandlerEvent{Peer: "p1", Source: fresh, Kind: EventVoicePacket, Codec: "opus", Data: []byte("y"), Channel: "general"})
	assert.Equal(t, []Event{VoicePacketEvent{From: "p1", Codec: "opus", Data: []byte("y"), Channel: "general"}}, m.PollEvents())
	assert.Equal(t, []peer.ID{"p1"}, m.KnownPeers())
}
