// Package dht turns the blocking calls of the Kademlia DHT into numbered
// queries whose completion is delivered on a single progress channel, so the
// node reactor can route results by query id.
package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
)

var log = logging.Logger("theman/dht")

var (
	ErrEmptyKey     = errors.New("empty record key")
	ErrClosed       = errors.New("dht adapter closed")
	ErrQuorumFailed = errors.New("record not confirmed by quorum")
)

// K is the replication parameter of the network
const K = 20

// Backend is the subset of *kaddht.IpfsDHT used by the adapter
type Backend interface {
	GetClosestPeers(ctx context.Context, key string) ([]peer.ID, error)
	PutValue(ctx context.Context, key string, value []byte, opts ...routing.Option) error
	GetValue(ctx context.Context, key string, opts ...routing.Option) ([]byte, error)
	RefreshRoutingTable() <-chan error
}

var _ Backend = (*kaddht.IpfsDHT)(nil)

// Config for the query adapter
type Config struct {
	// Upper bound on a single query
	QueryTimeout time.Duration

	// Completed queries buffered before query goroutines block
	ProgressBuffer int
}

// DefaultConfig returns the adapter settings used by the node
func DefaultConfig() Config {
	return Config{
		QueryTimeout:   60 * time.Second,
		ProgressBuffer: 64,
	}
}

// Kademlia issues numbered queries against a Backend
type Kademlia struct {
	backend    Backend
	replicator Replicator
	cfg        Config
	nextID   atomic.Uint64
	progress chan QueryProgressed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an adapter. Puts with a quorum above one store the record on
// each closest peer through replicator, which may be nil when only QuorumOne
// is used. Queries stop when ctx is cancelled or Close is called.
func New(ctx context.Context, backend Backend, replicator Replicator, cfg Config) *Kademlia {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	if cfg.ProgressBuffer <= 0 {
		cfg.ProgressBuffer = DefaultConfig().ProgressBuffer
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Kademlia{
		backend:    backend,
		replicator: replicator,
		cfg:        cfg,
		progress:   make(chan QueryProgressed, cfg.ProgressBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Progress delivers one QueryProgressed per finished query
func (k *Kademlia) Progress() <-chan QueryProgressed {
	return k.progress
}

// Close cancels outstanding queries and waits for them to exit
func (k *Kademlia) Close() error {
	k.cancel()
	k.wg.Wait()
	return nil
}

// GetClosestPeers looks up the peers closest to key
func (k *Kademlia) GetClosestPeers(key string) QueryID {
	return k.run(KindClosestPeers, key, func(ctx context.Context, q *QueryProgressed) error {
		peers, err := k.backend.GetClosestPeers(ctx, key)
		q.Peers = peers
		q.Stats.Successes = len(peers)
		return err
	})
}

// PutRecord stores value under key. QuorumOne is a plain DHT put. Larger
// quorums store the record on every peer closest to key and succeed only
// when the quorum of that set acknowledged it.
func (k *Kademlia) PutRecord(key string, value []byte, quorum Quorum) (QueryID, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}
	if k.ctx.Err() != nil {
		return 0, ErrClosed
	}

	id := k.run(KindPutRecord, key, func(ctx context.Context, q *QueryProgressed) error {
		if quorum == QuorumOne {
			if err := k.backend.PutValue(ctx, key, value); err != nil {
				return fmt.Errorf("failed to put record: %w", err)
			}
			q.Stats.Successes++
			return nil
		}
		return k.replicate(ctx, q, key, value, quorum)
	})
	return id, nil
}

func (k *Kademlia) replicate(ctx context.Context, q *QueryProgressed, key string, value []byte, quorum Quorum) error {
	if k.replicator == nil {
		return fmt.Errorf("%w: no replicator", ErrQuorumFailed)
	}

	peers, err := k.backend.GetClosestPeers(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to find closest peers: %w", err)
	}
	q.Peers = peers
	if len(peers) == 0 {
		return fmt.Errorf("%w: no peers", ErrQuorumFailed)
	}

	var (
		acks atomic.Int32
		wg   sync.WaitGroup
	)
	for _, p := range peers {
		wg.Add(1)
		go func(p peer.ID) {
			defer wg.Done()
			if err := k.replicator.PutRecordTo(ctx, p, key, value); err != nil {
				log.Debugf("Record %s rejected by %s: %v", key, p.ShortString(), err)
				return
			}
			acks.Add(1)
		}(p)
	}
	wg.Wait()

	need := quorum.Count(len(peers))
	got := int(acks.Load())
	q.Stats.Requests += len(peers)
	q.Stats.Successes = got
	q.Stats.Failures = len(peers) - got
	if got < need {
		return fmt.Errorf("%w: %d of %d peers stored the record, need %d", ErrQuorumFailed, got, len(peers), need)
	}
	return nil
}

// GetRecord fetches the best record stored under key
func (k *Kademlia) GetRecord(key string) QueryID {
	return k.run(KindGetRecord, key, func(ctx context.Context, q *QueryProgressed) error {
		value, err := k.backend.GetValue(ctx, key)
		q.Value = value
		if err == nil {
			q.Stats.Successes++
		}
		return err
	})
}

// Bootstrap refreshes the routing table
func (k *Kademlia) Bootstrap() QueryID {
	return k.run(KindBootstrap, "", func(ctx context.Context, q *QueryProgressed) error {
		select {
		case err := <-k.backend.RefreshRoutingTable():
			if err == nil {
				q.Stats.Successes++
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (k *Kademlia) run(kind QueryKind, key string, fn func(ctx context.Context, q *QueryProgressed) error) QueryID {
	id := QueryID(k.nextID.Add(1))

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()

		ctx, cancel := context.WithTimeout(k.ctx, k.cfg.QueryTimeout)
		defer cancel()

		q := QueryProgressed{ID: id, Kind: kind, Key: key}
		start := time.Now()
		q.Stats.Requests = 1
		q.Err = fn(ctx, &q)
		q.Stats.Duration = time.Since(start)
		if q.Err != nil && q.Stats.Failures == 0 {
			q.Stats.Failures = 1
		}
		q.Step = Step{Count: 1, Last: true}

		log.Debugf("Query %d (%s) finished in %s: err=%v", id, kind, q.Stats.Duration, q.Err)

		select {
		case k.progress <- q:
		case <-k.ctx.Done():
		}
	}()
	return id
}
