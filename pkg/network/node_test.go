package network

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/theman/pkg/crypto"
	"github.com/ZentaChain/theman/pkg/dht"
	"github.com/ZentaChain/theman/pkg/naming"
	"github.com/ZentaChain/theman/pkg/voice"
)

type testNode struct {
	node *Node
	d    *Dispatcher
}

func startTestNode(t *testing.T, ctx context.Context) *testNode {
	t.Helper()

	priv, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	ncfg := DefaultNodeConfig()
	ncfg.Port = 0
	ncfg.PrivateKey = priv
	ncfg.EnableMDNS = false

	node, err := NewNode(ctx, ncfg)
	require.NoError(t, err)

	kad := dht.New(ctx, node.DHT(), node.Replicator(), dht.DefaultConfig())

	cfg := DefaultConfig()
	cfg.Bootstrap = false
	cfg.Mesh.AutoAccept = true
	d := NewDispatcher(cfg, Deps{
		Self:        node.ID(),
		Opener:      node.Opener(),
		Queries:     kad,
		Topics:      node.Chat(),
		Dialer:      node,
		BootNodes:   node.BootNodes,
		ListenAddrs: node.Addrs,
		events:      node.events,
	})

	runCtx, cancel := context.WithCancel(ctx)
	go d.Run(runCtx)
	t.Cleanup(func() {
		cancel()
		<-d.Done()
		kad.Close()
		node.Close()
	})
	return &testNode{node: node, d: d}
}

func TestNodesRelayVoice(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := startTestNode(t, ctx)
	b := startTestNode(t, ctx)

	require.NoError(t, a.d.Send(ctx, VoiceConnect{Channel: "general"}))
	require.NoError(t, b.d.Send(ctx, VoiceConnect{Channel: "general"}))

	err := a.node.Connect(ctx, peer.AddrInfo{ID: b.node.ID(), Addrs: b.node.Addrs()})
	require.NoError(t, err)
	t.Logf("✅ Connected %s -> %s", a.node.ID().ShortString(), b.node.ID().ShortString())

	// Keep speaking until the handshake completes and b hears a
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			require.NoError(t, a.d.Send(ctx, VoiceAudio{Codec: "pcm", Data: []byte{1, 2, 3, 4}}))
		case m := <-b.d.Messages():
			ev, ok := m.(VoiceEvent)
			if !ok {
				continue
			}
			pkt, ok := ev.Event.(voice.VoicePacketEvent)
			if !ok {
				continue
			}
			require.Equal(t, a.node.ID(), pkt.From)
			require.Equal(t, "general", pkt.Channel)
			require.Equal(t, []byte{1, 2, 3, 4}, pkt.Data)
			t.Log("✅ Voice packet relayed between real hosts")
			return
		case <-ctx.Done():
			t.Fatal("timed out waiting for relayed voice")
		}
	}
}

func TestNodesExchangeChat(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := startTestNode(t, ctx)
	b := startTestNode(t, ctx)

	require.NoError(t, a.d.Send(ctx, SubscribeTopic{Topic: "lobby"}))
	require.NoError(t, b.d.Send(ctx, SubscribeTopic{Topic: "lobby"}))
	require.NoError(t, a.node.Connect(ctx, peer.AddrInfo{ID: b.node.ID(), Addrs: b.node.Addrs()}))

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			require.NoError(t, a.d.Send(ctx, SendMessage{Topic: "lobby", Data: []byte("hello")}))
		case m := <-b.d.Messages():
			msg, ok := m.(ChatMessage)
			if !ok {
				continue
			}
			require.Equal(t, a.node.ID(), msg.From)
			require.Equal(t, []byte("hello"), msg.Data)
			return
		case <-ctx.Done():
			t.Fatal("timed out waiting for chat message")
		}
	}
}

func TestNodeReplicatesRecordToQuorum(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := startTestNode(t, ctx)
	b := startTestNode(t, ctx)
	require.NoError(t, a.node.Connect(ctx, peer.AddrInfo{ID: b.node.ID(), Addrs: b.node.Addrs()}))
	require.Eventually(t, func() bool { return a.node.PeerCount() > 0 }, 10*time.Second, 50*time.Millisecond)

	// b validates name records and refuses an unsigned one
	key := naming.NameKey("mallory")
	err := a.node.Replicator().PutRecordTo(ctx, b.node.ID(), key, []byte("unsigned"))
	assert.Error(t, err)

	// A separate adapter so the dispatcher does not consume the progress
	kad := dht.New(ctx, a.node.DHT(), a.node.Replicator(), dht.DefaultConfig())
	defer kad.Close()

	_, err = kad.PutRecord(key, []byte("unsigned"), dht.QuorumMajority)
	require.NoError(t, err)
	q := waitKademlia(t, ctx, kad)
	assert.ErrorIs(t, q.Err, dht.ErrQuorumFailed)
	assert.Zero(t, q.Stats.Successes)

	priv, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	rec, err := naming.SignRecord(key, []byte(a.node.ID()), priv, time.Now().Add(time.Hour))
	require.NoError(t, err)
	data, err := rec.Encode()
	require.NoError(t, err)

	_, err = kad.PutRecord(key, data, dht.QuorumMajority)
	require.NoError(t, err)
	q = waitKademlia(t, ctx, kad)
	require.NoError(t, q.Err)
	assert.Contains(t, q.Peers, b.node.ID())
	t.Log("✅ Signed record acknowledged by the closest peers")
}

func waitKademlia(t *testing.T, ctx context.Context, kad *dht.Kademlia) dht.QueryProgressed {
	t.Helper()
	select {
	case q := <-kad.Progress():
		return q
	case <-ctx.Done():
		t.Fatal("timed out waiting for put")
		return dht.QueryProgressed{}
	}
}
