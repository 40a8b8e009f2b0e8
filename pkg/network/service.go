package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/ZentaChain/theman/pkg/audio"
	"github.com/ZentaChain/theman/pkg/crypto"
	"github.com/ZentaChain/theman/pkg/dht"
	"github.com/ZentaChain/theman/pkg/naming"
	"github.com/ZentaChain/theman/pkg/storage"
	"github.com/ZentaChain/theman/pkg/voice"
)

var (
	ErrNoAccount     = errors.New("no active account")
	ErrServiceClosed = errors.New("service closed")
)

// ServiceConfig bundles the settings of every per-account component
type ServiceConfig struct {
	Node       NodeConfig
	Dispatcher Config
	DHT        dht.Config
	Naming     naming.Config
	Audio      audio.PipelineConfig

	// Outcomes kept for polling clients
	ResultLimit int

	// How long request helpers wait for the reactor to answer
	RequestTimeout time.Duration
}

// DefaultServiceConfig returns the settings used by the CLI
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Node:           DefaultNodeConfig(),
		Dispatcher:     DefaultConfig(),
		DHT:            dht.DefaultConfig(),
		Naming:         naming.DefaultConfig(),
		Audio:          audio.DefaultPipelineConfig(),
		ResultLimit:    100,
		RequestTimeout: 10 * time.Second,
	}
}

type session struct {
	account    *storage.Account
	node       *Node
	kad        *dht.Kademlia
	registrar  *naming.Registrar
	pipeline   *audio.Pipeline
	dispatcher *Dispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Service manages the local accounts and runs the node of the active one.
// Switching accounts tears the running node down entirely before the next
// one starts.
type Service struct {
	cfg      ServiceConfig
	db       *storage.AccountDB
	clock    clock.Clock
	registry *audio.Registry
	outputs  audio.OutputFactory
	results  *resultCache

	ctx context.Context

	mu      sync.Mutex
	closed  bool
	current *session
}

// NewService creates a service on top of an account store. outputs opens the
// audio output of each remote speaker.
func NewService(ctx context.Context, cfg ServiceConfig, db *storage.AccountDB, outputs audio.OutputFactory) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultServiceConfig().RequestTimeout
	}
	if outputs == nil {
		outputs = audio.DiscardOutputs()
	}
	return &Service{
		cfg:      cfg,
		db:       db,
		clock:    clock.New(),
		registry: audio.NewRegistry(audio.NewPCM()),
		outputs:  outputs,
		results:  newResultCache(cfg.ResultLimit),
		ctx:      ctx,
	}
}

// Accounts lists the stored accounts
func (s *Service) Accounts() ([]*storage.Account, error) {
	return s.db.ListAccounts()
}

// CreateAccount stores a new account with a fresh identity
func (s *Service) CreateAccount(name string, renew bool) (*storage.Account, error) {
	priv, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalIdentity(priv)
	if err != nil {
		return nil, err
	}

	acc := &storage.Account{
		Name:       name,
		PrivateKey: raw,
		Renew:      renew,
	}
	if err := s.db.CreateAccount(acc); err != nil {
		return nil, err
	}
	log.Infof("✅ Created account %q", name)
	return acc, nil
}

// UpdateAccount applies edit to the stored account id and saves its name,
// renew flag, friends and channels. When id is the active account the renew
// flag and channel changes are applied to the running node; a new name is
// registered from the next activation on.
func (s *Service) UpdateAccount(ctx context.Context, id int64, edit func(*storage.Account)) (*storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.db.GetAccount(id)
	if err != nil {
		return nil, err
	}
	before := *acc
	before.Channels = append([]storage.Channel(nil), acc.Channels...)
	edit(acc)
	acc.ID, acc.PrivateKey, acc.Expires = before.ID, before.PrivateKey, before.Expires

	if err := s.db.UpdateAccount(acc); err != nil {
		return nil, err
	}
	if s.current == nil || s.current.account.ID != id {
		return acc, nil
	}
	s.current.account = acc

	var cmds []Command
	if acc.Renew != before.Renew {
		cmds = append(cmds, SetAutoRenew{Enabled: acc.Renew})
	}
	for _, ch := range acc.Channels {
		if !before.RemoveChannel(ch) {
			cmds = append(cmds, joinCommand(ch))
		}
	}
	for _, ch := range before.Channels {
		cmds = append(cmds, leaveCommand(ch))
	}
	var sendErr error
	for _, cmd := range cmds {
		sendErr = multierr.Append(sendErr, s.current.dispatcher.Send(ctx, cmd))
	}
	if sendErr != nil {
		return acc, fmt.Errorf("account saved but not applied: %w", sendErr)
	}
	return acc, nil
}

// remember persists the account settings changed by cmd
func (s *Service) remember(cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}

	acc, err := s.db.GetAccount(s.current.account.ID)
	if err != nil {
		return err
	}
	var changed bool
	switch c := cmd.(type) {
	case VoiceConnect:
		changed = acc.AddChannel(storage.Channel{Name: c.Channel, Type: storage.ChannelVoice})
	case VoiceDisconnect:
		changed = acc.RemoveChannel(storage.Channel{Name: c.Channel, Type: storage.ChannelVoice})
	case SubscribeTopic:
		changed = acc.AddChannel(storage.Channel{Name: c.Topic, Type: storage.ChannelMessage})
	case UnsubscribeTopic:
		changed = acc.RemoveChannel(storage.Channel{Name: c.Topic, Type: storage.ChannelMessage})
	case SetAutoRenew:
		changed = acc.Renew != c.Enabled
		acc.Renew = c.Enabled
	}
	if !changed {
		return nil
	}
	if err := s.db.UpdateAccount(acc); err != nil {
		return err
	}
	s.current.account = acc
	return nil
}

func joinCommand(ch storage.Channel) Command {
	if ch.Type == storage.ChannelVoice {
		return VoiceConnect{Channel: ch.Name}
	}
	return SubscribeTopic{Topic: ch.Name}
}

func leaveCommand(ch storage.Channel) Command {
	if ch.Type == storage.ChannelVoice {
		return VoiceDisconnect{Channel: ch.Name}
	}
	return UnsubscribeTopic{Topic: ch.Name}
}

// ActiveAccount returns the account whose node is running
func (s *Service) ActiveAccount() (*storage.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, false
	}
	return s.current.account, true
}

// SetAccount stops the running node, without saying goodbye to its peers,
// and starts the node of account id
func (s *Service) SetAccount(id int64) error {
	acc, err := s.db.GetAccount(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServiceClosed
	}
	if s.current != nil {
		if err := s.current.stop(); err != nil {
			log.Warnf("⚠️  Previous account stopped with errors: %v", err)
		}
		s.current = nil
	}

	sess, err := s.start(acc)
	if err != nil {
		return err
	}
	s.current = sess
	return nil
}

func (s *Service) start(acc *storage.Account) (*session, error) {
	priv, err := crypto.UnmarshalIdentity(acc.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity of %q: %w", acc.Name, err)
	}

	nodeCfg := s.cfg.Node
	nodeCfg.PrivateKey = priv
	saved, err := s.db.BootNodes()
	if err != nil {
		log.Warnf("⚠️  Failed to load saved boot nodes: %v", err)
	}
	nodeCfg.BootstrapPeers = append(append([]multiaddr.Multiaddr(nil), nodeCfg.BootstrapPeers...), saved...)

	ctx, cancel := context.WithCancel(s.ctx)
	node, err := NewNode(ctx, nodeCfg)
	if err != nil {
		cancel()
		return nil, err
	}

	sess := &session{
		account: acc,
		node:    node,
		cancel:  cancel,
	}
	sess.kad = dht.New(ctx, node.DHT(), node.Replicator(), s.cfg.DHT)

	namingCfg := s.cfg.Naming
	namingCfg.AutoRenew = acc.Renew
	sess.registrar, err = naming.NewRegistrar(namingCfg, s.clock, sess.kad, priv, acc.Name,
		time.Unix(acc.Expires, 0), node.PeerCount)
	if err != nil {
		sess.stop()
		return nil, err
	}
	sess.registrar.OnRenewed = func(expires time.Time) {
		if err := s.db.UpdateExpiry(acc.ID, expires.Unix()); err != nil {
			log.Errorf("Failed to persist name expiry: %v", err)
		}
	}

	sess.pipeline = audio.NewPipeline(s.cfg.Audio, s.registry, s.outputs)

	sess.dispatcher = NewDispatcher(s.cfg.Dispatcher, Deps{
		Self:        node.ID(),
		Clock:       s.clock,
		Opener:      node.Opener(),
		Queries:     sess.kad,
		Topics:      node.Chat(),
		Dialer:      node,
		Registrar:   sess.registrar,
		Name:        acc.Name,
		Pipeline:    sess.pipeline,
		BootNodes:   node.BootNodes,
		ListenAddrs: node.Addrs,
		events:      node.events,
	})

	sess.wg.Add(3)
	go func() {
		defer sess.wg.Done()
		sess.pipeline.Run(ctx)
	}()
	go func() {
		defer sess.wg.Done()
		sess.dispatcher.Run(ctx)
	}()
	go func() {
		defer sess.wg.Done()
		s.forward(ctx, sess.dispatcher)
	}()

	for _, ch := range acc.Channels {
		if err := sess.dispatcher.Send(ctx, joinCommand(ch)); err != nil {
			log.Warnf("⚠️  Failed to rejoin %s channel %q: %v", ch.Type, ch.Name, err)
		}
	}

	log.Infof("✅ Account %q active as %s", acc.Name, node.ID())
	return sess, nil
}

// forward records reactor messages for polling clients
func (s *Service) forward(ctx context.Context, d *Dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-d.Messages():
			s.results.record(m)
		}
	}
}

func (sess *session) stop() error {
	sess.cancel()
	sess.wg.Wait()

	var err error
	if sess.registrar != nil {
		sess.registrar.Stop()
	}
	if sess.pipeline != nil {
		err = multierr.Append(err, sess.pipeline.Close())
	}
	if sess.kad != nil {
		err = multierr.Append(err, sess.kad.Close())
	}
	err = multierr.Append(err, sess.node.Close())
	log.Infof("Account %q stopped", sess.account.Name)
	return err
}

// Close stops the active node
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.current == nil {
		return nil
	}
	err := s.current.stop()
	s.current = nil
	return err
}

func (s *Service) dispatcher() (*Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoAccount
	}
	return s.current.dispatcher, nil
}

// Send queues a command on the active node. Joined channels and the renew
// flag are saved with the account so they survive a restart.
func (s *Service) Send(ctx context.Context, cmd Command) error {
	d, err := s.dispatcher()
	if err != nil {
		return err
	}
	if err := d.Send(ctx, cmd); err != nil {
		return err
	}
	if err := s.remember(cmd); err != nil {
		log.Warnf("⚠️  Failed to save account settings: %v", err)
	}
	return nil
}

// request sends a command carrying a reply channel and waits for the answer
func request[T any](ctx context.Context, s *Service, build func(chan<- T) Command) (T, error) {
	var zero T
	d, err := s.dispatcher()
	if err != nil {
		return zero, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	reply := make(chan T, 1)
	if err := d.Send(ctx, build(reply)); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-d.Done():
		return zero, ErrDispatcherDone
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Status returns a snapshot of the active node
func (s *Service) Status(ctx context.Context) (Status, error) {
	return request(ctx, s, func(r chan<- Status) Command { return GetStatus{Reply: r} })
}

// SearchName starts resolving name
func (s *Service) SearchName(ctx context.Context, name string) (dht.QueryID, error) {
	return request(ctx, s, func(r chan<- dht.QueryID) Command { return SearchName{Name: name, Reply: r} })
}

// SearchPeer starts a closest-peers lookup for p
func (s *Service) SearchPeer(ctx context.Context, p peer.ID) (dht.QueryID, error) {
	return request(ctx, s, func(r chan<- dht.QueryID) Command { return SearchPeerID{Peer: p, Reply: r} })
}

// RegisterName registers the account name now
func (s *Service) RegisterName(ctx context.Context) error {
	regErr, err := request(ctx, s, func(r chan<- error) Command { return RegisterName{Reply: r} })
	if err != nil {
		return err
	}
	return regErr
}

// BootNodes lists the routing table peers of the active node
func (s *Service) BootNodes(ctx context.Context) ([]peer.AddrInfo, error) {
	return request(ctx, s, func(r chan<- []peer.AddrInfo) Command { return GetBootNodes{Reply: r} })
}

// Save stores the current routing table peers as the boot node list
func (s *Service) Save(ctx context.Context) error {
	nodes, err := s.BootNodes(ctx)
	if err != nil {
		return err
	}

	var addrs []multiaddr.Multiaddr
	for i := range nodes {
		p2p, err := peer.AddrInfoToP2pAddrs(&nodes[i])
		if err != nil {
			continue
		}
		addrs = append(addrs, p2p...)
	}
	if err := s.db.SaveBootNodes(addrs); err != nil {
		return err
	}
	log.Infof("✅ Saved %d boot node addresses", len(addrs))
	return nil
}

// NameResult returns the last resolution of name
func (s *Service) NameResult(name string) (NameResolved, bool) {
	return s.results.name(name)
}

// QueryResult returns the outcome of a peer search
func (s *Service) QueryResult(id dht.QueryID) (QueryProgress, bool) {
	return s.results.query(id)
}

// Inbox returns the recent messages of a topic
func (s *Service) Inbox(topic string) []ChatMessage {
	return s.results.messages(topic)
}

// VoiceEvents returns the recent voice events, voice packets excluded
func (s *Service) VoiceEvents() []voice.Event {
	return s.results.voiceEvents()
}

// Swarm returns the last swarm status pushed by the node
func (s *Service) Swarm() SwarmStatus {
	return s.results.swarm()
}
