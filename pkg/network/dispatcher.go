package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/ZentaChain/theman/pkg/audio"
	"github.com/ZentaChain/theman/pkg/dht"
	"github.com/ZentaChain/theman/pkg/naming"
	"github.com/ZentaChain/theman/pkg/voice"
)

var (
	ErrNoRegistrar    = errors.New("no name registration for this account")
	ErrNoTopics       = errors.New("group messaging disabled")
	ErrDispatcherDone = errors.New("dispatcher stopped")
)

// Queries is the DHT adapter as seen by the reactor
type Queries interface {
	GetClosestPeers(key string) dht.QueryID
	PutRecord(key string, value []byte, quorum dht.Quorum) (dht.QueryID, error)
	GetRecord(key string) dht.QueryID
	Bootstrap() dht.QueryID
	Progress() <-chan dht.QueryProgressed
}

var _ Queries = (*dht.Kademlia)(nil)

// Topics is the group messaging layer
type Topics interface {
	Join(topic string) error
	Leave(topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	Topics() []string
}

// Dialer connects to and drops remote peers
type Dialer interface {
	Connect(ctx context.Context, pi peer.AddrInfo) error
	ClosePeer(p peer.ID) error
}

// Config tunes the node reactor
type Config struct {
	Mesh    voice.Config
	Handler voice.HandlerConfig

	// Keep a bootstrap query running for the lifetime of the reactor
	Bootstrap bool

	// Delay before a failed bootstrap is issued again
	BootstrapRetryDelay time.Duration

	// Delay before a successful bootstrap is issued again; zero re-issues
	// right away
	BootstrapInterval time.Duration

	// Size of the command and application message channels
	CommandBuffer int
	MessageBuffer int

	DialTimeout time.Duration
}

// DefaultConfig returns the reactor settings used by the node
func DefaultConfig() Config {
	return Config{
		Mesh:                voice.DefaultConfig(),
		Handler:             voice.DefaultHandlerConfig(),
		Bootstrap:           true,
		BootstrapRetryDelay: 5 * time.Second,
		CommandBuffer:       64,
		MessageBuffer:       256,
		DialTimeout:         30 * time.Second,
	}
}

// Deps are the collaborators of a reactor. Only Opener and Queries are
// required.
type Deps struct {
	Self      peer.ID
	Clock     clock.Clock
	Opener    voice.StreamOpener
	Queries   Queries
	Topics    Topics
	Dialer    Dialer
	Registrar *naming.Registrar
	Name      string
	Pipeline  *audio.Pipeline

	// BootNodes lists the routing table peers
	BootNodes func() []peer.AddrInfo

	// ListenAddrs lists the local listen addresses
	ListenAddrs func() []multiaddr.Multiaddr

	events <-chan swarmEvent
}

type pendingKind int

const (
	pendingPeerSearch pendingKind = iota
	pendingNameSearch
)

type pendingQuery struct {
	kind pendingKind
	name string
}

// Dispatcher is the single-goroutine reactor of one account. Every piece of
// node state (mesh, handlers, peer table, registrar, pending queries) is
// owned by the Run goroutine; the outside talks to it through Send and
// Messages.
type Dispatcher struct {
	cfg  Config
	deps Deps

	clock     clock.Clock
	mesh      *voice.Mesh
	handlers  map[peer.ID]*voice.Handler
	peers     map[peer.ID]*PeerStatus
	redial    map[peer.ID]struct{}
	pending   map[dht.QueryID]pendingQuery
	registrar *naming.Registrar

	bootstrapping bool
	bootstrapID   dht.QueryID
	bootstrapNext <-chan time.Time

	commands      chan Command
	events        <-chan swarmEvent
	handlerEvents chan voice.HandlerEvent
	out           chan Message

	ctx  context.Context
	wg   sync.WaitGroup
	done chan struct{}
}

// NewDispatcher creates a reactor. Run must be called to start it.
func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	defaults := DefaultConfig()
	if cfg.BootstrapRetryDelay <= 0 {
		cfg.BootstrapRetryDelay = defaults.BootstrapRetryDelay
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = defaults.CommandBuffer
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = defaults.MessageBuffer
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	d := &Dispatcher{
		cfg:           cfg,
		deps:          deps,
		clock:         deps.Clock,
		mesh:          voice.NewMesh(cfg.Mesh),
		handlers:      make(map[peer.ID]*voice.Handler),
		peers:         make(map[peer.ID]*PeerStatus),
		redial:        make(map[peer.ID]struct{}),
		pending:       make(map[dht.QueryID]pendingQuery),
		registrar:     deps.Registrar,
		commands:      make(chan Command, cfg.CommandBuffer),
		events:        deps.events,
		handlerEvents: make(chan voice.HandlerEvent, cfg.MessageBuffer),
		out:           make(chan Message, cfg.MessageBuffer),
		done:          make(chan struct{}),
	}

	if d.registrar != nil {
		persist := d.registrar.OnRenewed
		d.registrar.OnRenewed = func(expires time.Time) {
			if persist != nil {
				persist(expires)
			}
			d.trySend(NameRegistered{Name: deps.Name, Expires: expires})
		}
	}
	return d
}

// Messages delivers notifications for the application. Messages are dropped
// when the application does not keep up.
func (d *Dispatcher) Messages() <-chan Message {
	return d.out
}

// Send queues a command for the reactor
func (d *Dispatcher) Send(ctx context.Context, cmd Command) error {
	select {
	case d.commands <- cmd:
		return nil
	case <-d.done:
		return ErrDispatcherDone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run processes events until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	d.ctx = ctx
	defer close(d.done)
	defer d.shutdown()

	var progress <-chan dht.QueryProgressed
	if d.deps.Queries != nil {
		progress = d.deps.Queries.Progress()
	}
	var wake <-chan time.Time
	if d.registrar != nil {
		wake = d.registrar.Wake()
	}

	if d.cfg.Bootstrap {
		d.bootstrapping = true
		d.issueBootstrap()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-d.commands:
			d.handleCommand(cmd)
		case ev := <-d.events:
			d.handleSwarmEvent(ev)
		case ev := <-d.handlerEvents:
			d.handleVoiceEvent(ev)
		case q := <-progress:
			d.handleQuery(q)
		case <-wake:
			d.registrar.OnWake()
		case <-d.bootstrapNext:
			d.bootstrapNext = nil
			d.issueBootstrap()
		}
		d.flushMesh()
	}
}

func (d *Dispatcher) shutdown() {
	var err error
	for p, h := range d.handlers {
		err = multierr.Append(err, h.Close())
		delete(d.handlers, p)
	}
	d.wg.Wait()
	if err != nil {
		log.Debugf("Voice handlers closed with errors: %v", err)
	}
	log.Infof("Dispatcher for %s stopped", d.deps.Self.ShortString())
}

func (d *Dispatcher) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case VoiceConnect:
		d.mesh.Connect(c.Channel)
	case VoiceDisconnect:
		d.mesh.Disconnect(c.Channel)
	case VoiceAccept:
		d.mesh.Accept(c.Channel, c.Peer)
	case VoiceRefuse:
		d.mesh.Refuse(c.Channel, c.Peer)
	case VoiceAudio:
		d.mesh.AudioPacket(c.Codec, c.Data)
	case SetAutoAccept:
		d.mesh.SetAutoAccept(c.Enabled)

	case SubscribeTopic:
		if d.deps.Topics == nil {
			log.Warnf("⚠️  Cannot join %q: %v", c.Topic, ErrNoTopics)
			return
		}
		if err := d.deps.Topics.Join(c.Topic); err != nil {
			log.Warnf("⚠️  Failed to join topic %q: %v", c.Topic, err)
		}
	case UnsubscribeTopic:
		if d.deps.Topics == nil {
			return
		}
		if err := d.deps.Topics.Leave(c.Topic); err != nil {
			log.Warnf("⚠️  Failed to leave topic %q: %v", c.Topic, err)
		}
	case SendMessage:
		if d.deps.Topics == nil {
			log.Warnf("⚠️  Cannot publish to %q: %v", c.Topic, ErrNoTopics)
			return
		}
		if err := d.deps.Topics.Publish(d.ctx, c.Topic, c.Data); err != nil {
			log.Warnf("⚠️  Failed to publish to %q: %v", c.Topic, err)
		}

	case SearchPeerID:
		id := d.deps.Queries.GetClosestPeers(string(c.Peer))
		d.pending[id] = pendingQuery{kind: pendingPeerSearch}
		replyTo(c.Reply, id)
	case SearchName:
		id := d.deps.Queries.GetRecord(naming.NameKey(c.Name))
		d.pending[id] = pendingQuery{kind: pendingNameSearch, name: c.Name}
		replyTo(c.Reply, id)

	case RegisterName:
		var err error
		if d.registrar == nil {
			err = ErrNoRegistrar
		} else {
			err = d.registrar.Register()
		}
		replyTo(c.Reply, err)
	case SetAutoRenew:
		if d.registrar != nil {
			d.registrar.SetAutoRenew(c.Enabled)
		}

	case Dial:
		info, err := peer.AddrInfoFromP2pAddr(c.Addr)
		if err != nil {
			log.Warnf("⚠️  Cannot dial %s: %v", c.Addr, err)
			return
		}
		d.dial(*info)
	case GetBootNodes:
		var nodes []peer.AddrInfo
		if d.deps.BootNodes != nil {
			nodes = d.deps.BootNodes()
		}
		replyTo(c.Reply, nodes)
	case GetStatus:
		replyTo(c.Reply, d.status())

	default:
		log.Warnf("⚠️  Unknown command %T", cmd)
	}
}

func (d *Dispatcher) handleSwarmEvent(ev swarmEvent) {
	switch e := ev.(type) {
	case connectionEstablished:
		ps, ok := d.peers[e.peer]
		if !ok {
			ps = &PeerStatus{ID: e.peer}
			d.peers[e.peer] = ps
			log.Infof("✅ Connected to %s", e.peer.ShortString())
		}
		ps.Connections++
		ps.LastSeen = d.clock.Now()
		if e.addr != nil {
			ps.addAddr(e.addr.String())
		}
		d.attachHandler(e.peer)
		d.pushStatus()

	case connectionClosed:
		ps, ok := d.peers[e.peer]
		if ok && e.remaining > 0 {
			ps.Connections = e.remaining
			d.pushStatus()
			return
		}
		d.detachHandler(e.peer)
		d.mesh.OnConnectionClosed(e.peer)
		delete(d.peers, e.peer)
		if d.deps.Pipeline != nil {
			d.deps.Pipeline.Remove(e.peer.String())
		}
		log.Infof("Disconnected from %s", e.peer.ShortString())
		d.pushStatus()

		if _, ok := d.redial[e.peer]; ok {
			delete(d.redial, e.peer)
			d.dial(redialInfo(e.peer, ps))
		}

	case peerIdentified:
		if ps, ok := d.peers[e.peer]; ok {
			ps.AgentVersion = e.agentVersion
			ps.ProtocolVersion = e.protocolVersion
			ps.Protocols = e.protocols
			ps.LastSeen = d.clock.Now()
		}

	case pingResult:
		if e.err != nil {
			log.Debugf("Ping %s failed: %v", e.peer.ShortString(), e.err)
			return
		}
		if ps, ok := d.peers[e.peer]; ok {
			ps.RTT = e.rtt
			ps.LastSeen = d.clock.Now()
		}

	case inboundVoiceStream:
		h, ok := d.handlers[e.peer]
		if !ok {
			log.Debugf("Voice stream from %s without handler", e.peer.ShortString())
			resetStream(e.stream)
			return
		}
		if err := h.AcceptInbound(e.stream); err != nil {
			log.Warnf("⚠️  Rejected voice stream from %s: %v", e.peer.ShortString(), err)
			resetStream(e.stream)
		}

	case chatReceived:
		d.trySend(ChatMessage{Topic: e.topic, From: e.from, Data: e.data})

	case topicPeerChanged:
		if e.joined {
			d.trySend(TopicPeerJoined{Topic: e.topic, Peer: e.peer})
		} else {
			d.trySend(TopicPeerLeft{Topic: e.topic, Peer: e.peer})
		}

	case peerDiscovered:
		if e.info.ID == d.deps.Self {
			return
		}
		if _, ok := d.peers[e.info.ID]; ok {
			return
		}
		d.dial(e.info)
	}
}

// handleVoiceEvent applies events of the current handler of a peer only.
// Events still queued from a handler that was detached are dropped.
func (d *Dispatcher) handleVoiceEvent(ev voice.HandlerEvent) {
	if h, ok := d.handlers[ev.Peer]; !ok || ev.Source != h {
		log.Debugf("Dropping %s event from a detached voice handler of %s", ev.Kind, ev.Peer.ShortString())
		return
	}
	d.mesh.OnHandlerEvent(ev)
	if ev.Kind == voice.EventFailed {
		log.Warnf("⚠️  Voice handler for %s failed: %v", ev.Peer.ShortString(), ev.Err)
		d.detachHandler(ev.Peer)
		d.closePeer(ev.Peer)
	}
}

// closePeer tears down the connection of a failed voice peer and dials it
// again once the close is reported, so a fresh handler is attached.
func (d *Dispatcher) closePeer(p peer.ID) {
	if d.deps.Dialer == nil {
		return
	}
	d.redial[p] = struct{}{}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.deps.Dialer.ClosePeer(p); err != nil {
			log.Warnf("⚠️  Failed to close connection to %s: %v", p.ShortString(), err)
		}
	}()
}

func redialInfo(p peer.ID, ps *PeerStatus) peer.AddrInfo {
	info := peer.AddrInfo{ID: p}
	if ps == nil {
		return info
	}
	for _, a := range ps.Addrs {
		addr, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, addr)
	}
	return info
}

func (d *Dispatcher) handleQuery(q dht.QueryProgressed) {
	if d.registrar != nil && d.registrar.OnQueryProgressed(q) {
		return
	}
	if q.Kind == dht.KindBootstrap && q.ID == d.bootstrapID {
		if q.Step.Last {
			d.bootstrapDone(q)
		}
		return
	}

	pq, ok := d.pending[q.ID]
	if !ok {
		log.Debugf("Progress for unknown query %d (%s)", q.ID, q.Kind)
		return
	}
	if !q.Step.Last {
		return
	}
	delete(d.pending, q.ID)

	switch pq.kind {
	case pendingPeerSearch:
		d.trySend(QueryProgress{
			ID:    q.ID,
			Kind:  q.Kind,
			Key:   q.Key,
			Peers: q.Peers,
			Err:   q.Err,
		})
	case pendingNameSearch:
		d.trySend(d.resolveName(pq.name, q))
	}
}

func (d *Dispatcher) resolveName(name string, q dht.QueryProgressed) NameResolved {
	if q.Err != nil {
		return NameResolved{Name: name, Err: q.Err}
	}
	rec, err := naming.DecodeRecord(q.Value)
	if err != nil {
		return NameResolved{Name: name, Err: err}
	}
	if !naming.KeyMatchesName(rec.Key, name) {
		return NameResolved{Name: name, Err: naming.ErrKeyMismatch}
	}
	if err := rec.Verify(d.clock.Now()); err != nil {
		return NameResolved{Name: name, Err: err}
	}
	return NameResolved{Name: name, Record: rec, Trust: naming.Verify(rec)}
}

func (d *Dispatcher) issueBootstrap() {
	if !d.bootstrapping || d.deps.Queries == nil {
		return
	}
	d.bootstrapID = d.deps.Queries.Bootstrap()
	log.Debugf("🔄 Bootstrap query %d issued", d.bootstrapID)
}

func (d *Dispatcher) bootstrapDone(q dht.QueryProgressed) {
	d.bootstrapID = 0
	switch {
	case q.Err != nil:
		bootstrapRuns.WithLabelValues(outcomeFailure).Inc()
		log.Warnf("⚠️  Bootstrap failed, retrying in %s: %v", d.cfg.BootstrapRetryDelay, q.Err)
		d.bootstrapNext = d.clock.After(d.cfg.BootstrapRetryDelay)
	case d.cfg.BootstrapInterval > 0:
		bootstrapRuns.WithLabelValues(outcomeSuccess).Inc()
		d.bootstrapNext = d.clock.After(d.cfg.BootstrapInterval)
	default:
		bootstrapRuns.WithLabelValues(outcomeSuccess).Inc()
		d.issueBootstrap()
	}
}

func (d *Dispatcher) attachHandler(p peer.ID) {
	if _, ok := d.handlers[p]; ok {
		return
	}
	h := voice.NewHandler(p, d.deps.Opener, d.mesh.ConnectedChannels(), d.handlerEvents, d.cfg.Handler)
	if !d.mesh.Attach(p, h) {
		return
	}
	d.handlers[p] = h
	h.Start(d.ctx)
}

func (d *Dispatcher) detachHandler(p peer.ID) {
	h, ok := d.handlers[p]
	if !ok {
		return
	}
	delete(d.handlers, p)
	if err := h.Close(); err != nil {
		log.Debugf("Voice handler for %s closed: %v", p.ShortString(), err)
	}
}

func (d *Dispatcher) dial(info peer.AddrInfo) {
	if d.deps.Dialer == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.DialTimeout)
		defer cancel()
		if err := d.deps.Dialer.Connect(ctx, info); err != nil {
			log.Warnf("⚠️  Failed to dial %s: %v", info.ID.ShortString(), err)
		}
	}()
}

// flushMesh forwards mesh events to the application and feeds inbound voice
// to the audio pipeline
func (d *Dispatcher) flushMesh() {
	for _, ev := range d.mesh.PollEvents() {
		if vp, ok := ev.(voice.VoicePacketEvent); ok && d.deps.Pipeline != nil {
			if err := d.deps.Pipeline.Deliver(vp.From.String(), vp.Codec, vp.Data); err != nil {
				log.Debugf("Audio from %s not played: %v", vp.From.ShortString(), err)
			}
		}
		d.trySend(VoiceEvent{Event: ev})
	}
}

func (d *Dispatcher) trySend(m Message) {
	select {
	case d.out <- m:
	default:
		busDrops.WithLabelValues(fmt.Sprintf("%T", m)).Inc()
		log.Warnf("⚠️  Application bus full, dropping %T", m)
	}
}

func (d *Dispatcher) pushStatus() {
	peersGauge.Set(float64(len(d.peers)))
	conns := 0
	for _, ps := range d.peers {
		conns += ps.Connections
	}
	d.trySend(SwarmStatus{
		Peers:       d.peerList(),
		Connections: conns,
		ListenAddrs: d.listenAddrs(),
	})
}

func (d *Dispatcher) status() Status {
	st := Status{
		Self:              d.deps.Self,
		ListenAddrs:       d.listenAddrs(),
		Peers:             d.peerList(),
		ConnectedChannels: d.mesh.ConnectedChannels(),
		AutoAccept:        d.mesh.AutoAccept(),
		Bootstrapping:     d.bootstrapping,
		Name:              d.deps.Name,
		PendingQueries:    len(d.pending),
	}
	if d.deps.Topics != nil {
		st.Topics = d.deps.Topics.Topics()
	}
	if d.registrar != nil {
		st.NameExpires = d.registrar.Expires()
	}
	return st
}

func (d *Dispatcher) peerList() []PeerStatus {
	list := make([]PeerStatus, 0, len(d.peers))
	for _, ps := range d.peers {
		cp := *ps
		cp.Addrs = append([]string(nil), ps.Addrs...)
		list = append(list, cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (d *Dispatcher) listenAddrs() []string {
	if d.deps.ListenAddrs == nil {
		return nil
	}
	addrs := d.deps.ListenAddrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func (ps *PeerStatus) addAddr(addr string) {
	for _, a := range ps.Addrs {
		if a == addr {
			return
		}
	}
	ps.Addrs = append(ps.Addrs, addr)
}

func replyTo[T any](ch chan<- T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
		log.Debugf("Reply dropped, receiver not ready")
	}
}
