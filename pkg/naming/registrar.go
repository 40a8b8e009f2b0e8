package naming

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ZentaChain/theman/pkg/dht"
)

var log = logging.Logger("theman/naming")

var (
	ErrRegistrationPending = errors.New("registration already in progress")
	ErrTooFewPeers         = errors.New("not enough known peers to register")
)

// Queries is the part of the DHT adapter the registrar drives
type Queries interface {
	GetClosestPeers(key string) dht.QueryID
	PutRecord(key string, value []byte, quorum dht.Quorum) (dht.QueryID, error)
}

// Config for name registration
type Config struct {
	// Lifetime of a published record
	TTL time.Duration

	// Delay before a failed attempt is retried
	RetryInterval time.Duration

	// Known peers required before a record is published
	MinPeers int

	// Re-register when the record expires
	AutoRenew bool
}

// DefaultConfig returns the registration settings used by the node
func DefaultConfig() Config {
	return Config{
		TTL:           3 * 24 * time.Hour,
		RetryInterval: time.Minute,
		MinPeers:      3,
		AutoRenew:     true,
	}
}

type lookupToken struct {
	id  dht.QueryID
	key string
}

type publishToken struct {
	id      dht.QueryID
	expires time.Time
}

// Registrar keeps the local display name registered. Phase one looks up the
// peers closest to the name key; phase two publishes the signed record once
// that lookup completed with enough known peers. It is driven by the node
// reactor and is not safe for concurrent use.
type Registrar struct {
	cfg       Config
	clock     clock.Clock
	queries   Queries
	priv      libp2pcrypto.PrivKey
	self      peer.ID
	name      string
	key       string
	peerCount func() int

	// OnRenewed is called with the new expiry after a successful publish
	OnRenewed func(expires time.Time)

	expires time.Time
	timer   *clock.Timer
	retry   bool
	lookup  *lookupToken
	publish *publishToken
}

// NewRegistrar creates a registrar for name owned by priv. expires is the
// expiry of the last published record; the renewal timer is armed for it.
func NewRegistrar(cfg Config, clk clock.Clock, queries Queries, priv libp2pcrypto.PrivKey, name string, expires time.Time, peerCount func() int) (*Registrar, error) {
	self, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer id: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}

	r := &Registrar{
		cfg:       cfg,
		clock:     clk,
		queries:   queries,
		priv:      priv,
		self:      self,
		name:      name,
		key:       NameKey(name),
		peerCount: peerCount,
		expires:   expires,
	}
	r.timer = clk.Timer(r.untilExpiry())
	return r, nil
}

// Wake fires when the renewal or retry timer elapses
func (r *Registrar) Wake() <-chan time.Time {
	return r.timer.C
}

// Key returns the DHT key of the registered name
func (r *Registrar) Key() string {
	return r.key
}

// Expires returns the expiry of the last successful publish
func (r *Registrar) Expires() time.Time {
	return r.expires
}

// Pending reports whether a lookup or publish is outstanding
func (r *Registrar) Pending() bool {
	return r.lookup != nil || r.publish != nil
}

// SetAutoRenew changes the renewal policy
func (r *Registrar) SetAutoRenew(v bool) {
	r.cfg.AutoRenew = v
}

// Stop disarms the timer
func (r *Registrar) Stop() {
	r.timer.Stop()
}

// Register starts phase one now
func (r *Registrar) Register() error {
	if r.Pending() {
		return ErrRegistrationPending
	}
	r.startLookup()
	return nil
}

// OnWake handles a timer firing. It is ignored while a phase is outstanding.
func (r *Registrar) OnWake() {
	if r.Pending() {
		log.Debugf("Registration wake ignored, query outstanding")
		return
	}
	if !r.cfg.AutoRenew && !r.retry {
		return
	}
	r.startLookup()
}

// OnQueryProgressed consumes the progress of a registration query. It
// returns false when the query belongs to someone else.
func (r *Registrar) OnQueryProgressed(q dht.QueryProgressed) bool {
	switch {
	case r.lookup != nil && q.ID == r.lookup.id:
		if !q.Step.Last {
			return true
		}
		r.lookup = nil
		if q.Err != nil {
			r.fail(fmt.Errorf("closest peers lookup: %w", q.Err))
			return true
		}
		if n := r.peerCount(); n < r.cfg.MinPeers {
			r.fail(fmt.Errorf("%w: %d < %d", ErrTooFewPeers, n, r.cfg.MinPeers))
			return true
		}
		r.startPublish()
		return true

	case r.publish != nil && q.ID == r.publish.id:
		if !q.Step.Last {
			return true
		}
		token := r.publish
		r.publish = nil
		if q.Err != nil {
			r.fail(fmt.Errorf("put record: %w", q.Err))
			return true
		}
		r.expires = token.expires
		r.retry = false
		registrations.WithLabelValues(outcomeSuccess).Inc()
		log.Infof("✅ Name %q registered until %s", r.name, r.expires.Format(time.RFC3339))
		if r.OnRenewed != nil {
			r.OnRenewed(r.expires)
		}
		r.timer.Reset(r.untilExpiry())
		return true
	}
	return false
}

func (r *Registrar) startLookup() {
	r.retry = false
	id := r.queries.GetClosestPeers(r.key)
	r.lookup = &lookupToken{id: id, key: r.key}
	log.Infof("🔄 Registering name %q: looking up closest peers", r.name)
}

func (r *Registrar) startPublish() {
	expires := r.clock.Now().Add(r.cfg.TTL)

	rec, err := SignRecord(r.key, []byte(r.self), r.priv, expires)
	if err != nil {
		r.fail(err)
		return
	}
	data, err := rec.Encode()
	if err != nil {
		r.fail(err)
		return
	}

	id, err := r.queries.PutRecord(r.key, data, dht.QuorumMajority)
	if err != nil {
		r.fail(fmt.Errorf("put record: %w", err))
		return
	}
	r.publish = &publishToken{id: id, expires: expires}
}

func (r *Registrar) fail(err error) {
	registrations.WithLabelValues(outcomeFailure).Inc()
	log.Warnf("⚠️  Name registration failed, retrying in %s: %v", r.cfg.RetryInterval, err)
	r.retry = true
	r.timer.Reset(r.cfg.RetryInterval)
}

func (r *Registrar) untilExpiry() time.Duration {
	d := r.expires.Sub(r.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}
