// Package network runs a libp2p node for one account: the host with its
// Kademlia DHT, gossipsub and mDNS services, and the Dispatcher reactor that
// owns the voice mesh, the name registrar and the pending DHT queries.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/ZentaChain/theman/pkg/dht"
	"github.com/ZentaChain/theman/pkg/naming"
	"github.com/ZentaChain/theman/pkg/protocol"
	"github.com/ZentaChain/theman/pkg/voice"
)

var log = logging.Logger("theman/network")

// DHTProtocolPrefix separates this network's DHT from the public one
const DHTProtocolPrefix = "/theman"

// DHTProtocol is the Kademlia protocol id spoken under DHTProtocolPrefix
const DHTProtocol = DHTProtocolPrefix + "/kad/1.0.0"

// NodeConfig contains configuration for creating a node
type NodeConfig struct {
	Port           int
	PrivateKey     crypto.PrivKey
	BootstrapPeers []multiaddr.Multiaddr
	EnableMDNS     bool

	// Connection manager watermarks
	ConnLow   int
	ConnHigh  int
	ConnGrace time.Duration

	// How often connected peers are pinged
	PingInterval time.Duration

	// Host events buffered for the reactor
	EventBuffer int
}

// DefaultNodeConfig returns the settings used by the CLI
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Port:         9000,
		EnableMDNS:   true,
		ConnLow:      64,
		ConnHigh:     256,
		ConnGrace:    time.Minute,
		PingInterval: 15 * time.Second,
		EventBuffer:  1024,
	}
}

// Node is a libp2p host with the services of one account
type Node struct {
	host       host.Host
	dht        *kaddht.IpfsDHT
	replicator *dht.HostReplicator
	chat       *Chat
	mdns       mdns.Service
	notifee    *mdnsNotifee
	idSub      event.Subscription

	cfg    NodeConfig
	queue  *eventQueue
	events chan swarmEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates the host and its services
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("node requires a private key")
	}
	defaults := DefaultNodeConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	if cfg.ConnHigh <= 0 {
		cfg.ConnLow, cfg.ConnHigh = defaults.ConnLow, defaults.ConnHigh
	}

	cm, err := connmgr.NewConnManager(cfg.ConnLow, cfg.ConnHigh, connmgr.WithGracePeriod(cfg.ConnGrace))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(cfg.PrivateKey),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.Port),
		),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.ConnectionManager(cm),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	bootstrap := make([]peer.AddrInfo, 0, len(cfg.BootstrapPeers))
	for _, addr := range cfg.BootstrapPeers {
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warnf("⚠️  Invalid bootstrap peer address %s: %v", addr, err)
			continue
		}
		bootstrap = append(bootstrap, *info)
	}

	dhtInst, err := kaddht.New(ctx, h,
		kaddht.Mode(kaddht.ModeServer),
		kaddht.ProtocolPrefix(libp2pprotocol.ID(DHTProtocolPrefix)),
		kaddht.NamespacedValidator(naming.Namespace, naming.Validator{}),
		kaddht.BootstrapPeers(bootstrap...),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	replicator, err := dht.NewHostReplicator(h, DHTProtocol)
	if err != nil {
		dhtInst.Close()
		h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		dhtInst.Close()
		h.Close()
		return nil, fmt.Errorf("failed to create gossipsub: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		host:       h,
		dht:        dhtInst,
		replicator: replicator,
		cfg:        cfg,
		queue:      newEventQueue(),
		events:     make(chan swarmEvent, cfg.EventBuffer),
		ctx:        nodeCtx,
		cancel:     cancel,
	}
	n.wg.Add(1)
	go n.pump()

	n.chat = NewChat(nodeCtx, ps, h.ID(), n.sink)
	n.notifee = newMDNSNotifee(h.ID(), n.sink)

	h.SetStreamHandler(protocol.ProtocolID, voiceStreamHandler(n.sink))
	h.Network().Notify(&libp2pnetwork.NotifyBundle{
		ConnectedF:    n.connected,
		DisconnectedF: n.disconnected,
	})

	n.idSub, err = h.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to subscribe to identify events: %w", err)
	}
	n.wg.Add(1)
	go n.watchIdentify()

	if cfg.EnableMDNS {
		svc, err := startMDNS(h, n.notifee)
		if err != nil {
			log.Warnf("⚠️  mDNS discovery disabled: %v", err)
		} else {
			n.mdns = svc
		}
	}

	n.wg.Add(2)
	go n.pingLoop()
	go n.connectBootstrap(bootstrap)

	log.Infof("✅ Node %s listening on %v", h.ID(), h.Addrs())
	return n, nil
}

// ID returns the local peer id
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Host returns the libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// DHT returns the Kademlia DHT
func (n *Node) DHT() *kaddht.IpfsDHT {
	return n.dht
}

// Replicator stores records on single DHT peers
func (n *Node) Replicator() *dht.HostReplicator {
	return n.replicator
}

// Chat returns the group messaging layer
func (n *Node) Chat() *Chat {
	return n.chat
}

// Opener returns the voice stream opener of this host
func (n *Node) Opener() voice.StreamOpener {
	return streamOpener{host: n.host}
}

// Addrs returns the listen addresses
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// Connect dials a peer
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo) error {
	if err := n.host.Connect(ctx, pi); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}
	return nil
}

// ClosePeer drops every connection to p
func (n *Node) ClosePeer(p peer.ID) error {
	if err := n.host.Network().ClosePeer(p); err != nil {
		return fmt.Errorf("failed to close peer: %w", err)
	}
	return nil
}

// PeerCount returns the number of peers in the routing table
func (n *Node) PeerCount() int {
	return n.dht.RoutingTable().Size()
}

// BootNodes lists the routing table peers with their known addresses
func (n *Node) BootNodes() []peer.AddrInfo {
	ids := n.dht.RoutingTable().ListPeers()
	nodes := make([]peer.AddrInfo, 0, len(ids))
	for _, id := range ids {
		addrs := n.host.Peerstore().Addrs(id)
		if len(addrs) == 0 {
			continue
		}
		nodes = append(nodes, peer.AddrInfo{ID: id, Addrs: addrs})
	}
	return nodes
}

// Close shuts down every service and the host
func (n *Node) Close() error {
	n.cancel()

	var err error
	if n.mdns != nil {
		err = multierr.Append(err, n.mdns.Close())
	}
	if n.idSub != nil {
		err = multierr.Append(err, n.idSub.Close())
	}
	err = multierr.Append(err, n.chat.Close())
	err = multierr.Append(err, n.dht.Close())
	err = multierr.Append(err, n.host.Close())
	n.wg.Wait()
	return err
}

// eventQueue keeps host events in arrival order until the reactor takes
// them. Pushing never blocks, so swarm notifiees and stream handlers return
// right away.
type eventQueue struct {
	mu     sync.Mutex
	items  []swarmEvent
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev swarmEvent) int {
	q.mu.Lock()
	q.items = append(q.items, ev)
	depth := len(q.items)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return depth
}

func (q *eventQueue) drain() []swarmEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// sink hands a host event to the reactor. It never blocks and reports false
// once the node is closing.
func (n *Node) sink(ev swarmEvent) bool {
	if n.ctx.Err() != nil {
		return false
	}
	depth := n.queue.push(ev)
	eventBacklog.Set(float64(depth))
	if depth%n.cfg.EventBuffer == 0 {
		log.Warnf("⚠️  %d host events waiting for the reactor", depth)
	}
	return true
}

// pump moves queued events to the reactor channel in order
func (n *Node) pump() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.queue.signal:
		}
		for _, ev := range n.queue.drain() {
			select {
			case n.events <- ev:
			case <-n.ctx.Done():
				return
			}
		}
		eventBacklog.Set(0)
	}
}

func (n *Node) connected(_ libp2pnetwork.Network, c libp2pnetwork.Conn) {
	n.sink(connectionEstablished{peer: c.RemotePeer(), addr: c.RemoteMultiaddr()})
}

func (n *Node) disconnected(net libp2pnetwork.Network, c libp2pnetwork.Conn) {
	remaining := len(net.ConnsToPeer(c.RemotePeer()))
	if remaining == 0 {
		n.notifee.forget(c.RemotePeer())
	}
	n.sink(connectionClosed{peer: c.RemotePeer(), remaining: remaining})
}

func (n *Node) watchIdentify() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case e, ok := <-n.idSub.Out():
			if !ok {
				return
			}
			evt := e.(event.EvtPeerIdentificationCompleted)
			n.sink(n.identify(evt.Peer))
		}
	}
}

func (n *Node) identify(p peer.ID) peerIdentified {
	ev := peerIdentified{peer: p}
	ps := n.host.Peerstore()
	if v, err := ps.Get(p, "AgentVersion"); err == nil {
		ev.agentVersion, _ = v.(string)
	}
	if v, err := ps.Get(p, "ProtocolVersion"); err == nil {
		ev.protocolVersion, _ = v.(string)
	}
	if protos, err := ps.GetProtocols(p); err == nil {
		for _, proto := range protos {
			ev.protocols = append(ev.protocols, string(proto))
		}
	}
	return ev
}

func (n *Node) pingLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for _, p := range n.host.Network().Peers() {
				n.pingPeer(p)
			}
		}
	}
}

func (n *Node) pingPeer(p peer.ID) {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	res, ok := <-ping.Ping(ctx, n.host, p)
	if !ok {
		res.Error = ctx.Err()
	}
	n.sink(pingResult{peer: p, rtt: res.RTT, err: res.Error})
}

func (n *Node) connectBootstrap(peers []peer.AddrInfo) {
	defer n.wg.Done()

	if len(peers) == 0 {
		log.Infof("No bootstrap peers configured")
		return
	}

	var connected int
	for _, pi := range peers {
		ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		err := n.host.Connect(ctx, pi)
		cancel()
		if err != nil {
			log.Warnf("⚠️  Failed to connect to bootstrap peer %s: %v", pi.ID.ShortString(), err)
			continue
		}
		connected++
	}
	log.Infof("✅ Connected to %d/%d bootstrap peers", connected, len(peers))
}
