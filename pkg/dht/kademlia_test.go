package dht

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu       sync.Mutex
	records  map[string][]byte
	peers    []peer.ID
	putErr   error
	getErr   error
	peersErr error
	refresh  error
	puts     int
	gets     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string][]byte)}
}

func (f *fakeBackend) GetClosestPeers(ctx context.Context, key string) ([]peer.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers, f.peersErr
}

func (f *fakeBackend) PutValue(ctx context.Context, key string, value []byte, opts ...routing.Option) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	f.records[key] = value
	return nil
}

func (f *fakeBackend) GetValue(ctx context.Context, key string, opts ...routing.Option) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	v, ok := f.records[key]
	if !ok {
		return nil, routing.ErrNotFound
	}
	return v, nil
}

func (f *fakeBackend) RefreshRoutingTable() <-chan error {
	ch := make(chan error, 1)
	ch <- f.refresh
	return ch
}

// fakeReplicator stores records per peer and rejects the peers listed in
// reject
type fakeReplicator struct {
	mu     sync.Mutex
	reject map[peer.ID]bool
	stored map[peer.ID][]byte
}

func newFakeReplicator(reject ...peer.ID) *fakeReplicator {
	r := &fakeReplicator{reject: make(map[peer.ID]bool), stored: make(map[peer.ID][]byte)}
	for _, p := range reject {
		r.reject[p] = true
	}
	return r
}

func (r *fakeReplicator) PutRecordTo(ctx context.Context, p peer.ID, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject[p] {
		return errors.New("stream reset")
	}
	r.stored[p] = value
	return nil
}

func (r *fakeReplicator) holders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stored)
}

func waitProgress(t *testing.T, k *Kademlia) QueryProgressed {
	t.Helper()
	select {
	case q := <-k.Progress():
		return q
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for query progress")
		return QueryProgressed{}
	}
}

func newTestKademlia(t *testing.T, backend Backend, replicator Replicator) *Kademlia {
	k := New(context.Background(), backend, replicator, DefaultConfig())
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func TestQuorumCount(t *testing.T) {
	tests := []struct {
		quorum Quorum
		want   int
	}{
		{QuorumOne, 1},
		{QuorumMajority, 11},
		{QuorumAll, 20},
	}

	for _, tt := range tests {
		if got := tt.quorum.Count(K); got != tt.want {
			t.Errorf("Quorum(%d).Count(%d) = %d, want %d", tt.quorum, K, got, tt.want)
		}
	}
}

func TestGetClosestPeers(t *testing.T) {
	backend := newFakeBackend()
	backend.peers = []peer.ID{"p1", "p2"}
	k := newTestKademlia(t, backend, nil)

	id := k.GetClosestPeers("/theman/abc")
	q := waitProgress(t, k)

	assert.Equal(t, id, q.ID)
	assert.Equal(t, KindClosestPeers, q.Kind)
	assert.True(t, q.OK())
	assert.True(t, q.Step.Last)
	assert.Equal(t, []peer.ID{"p1", "p2"}, q.Peers)
	assert.Equal(t, 2, q.Stats.Successes)
}

func TestQueryIDsAreUnique(t *testing.T) {
	k := newTestKademlia(t, newFakeBackend(), nil)

	seen := make(map[QueryID]bool)
	for i := 0; i < 10; i++ {
		id := k.GetRecord("/theman/missing")
		require.False(t, seen[id], "duplicate query id %d", id)
		seen[id] = true
	}
	for i := 0; i < 10; i++ {
		q := waitProgress(t, k)
		assert.True(t, seen[q.ID])
		assert.ErrorIs(t, q.Err, routing.ErrNotFound)
	}
}

func TestPutRecordMajority(t *testing.T) {
	backend := newFakeBackend()
	backend.peers = []peer.ID{"p1", "p2", "p3", "p4", "p5"}
	replicator := newFakeReplicator("p4", "p5")
	k := newTestKademlia(t, backend, replicator)

	id, err := k.PutRecord("/theman/abc", []byte("value"), QuorumMajority)
	require.NoError(t, err)

	q := waitProgress(t, k)
	assert.Equal(t, id, q.ID)
	assert.True(t, q.OK())
	assert.Equal(t, backend.peers, q.Peers)
	assert.Equal(t, 3, q.Stats.Successes)
	assert.Equal(t, 2, q.Stats.Failures)
	assert.Equal(t, 3, replicator.holders())
	assert.Zero(t, backend.gets, "acks are counted per peer, not read back")
}

func TestPutRecordMajorityRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.peers = []peer.ID{"p1", "p2", "p3", "p4", "p5"}
	replicator := newFakeReplicator("p2", "p3", "p5")
	k := newTestKademlia(t, backend, replicator)

	_, err := k.PutRecord("/theman/abc", []byte("value"), QuorumMajority)
	require.NoError(t, err)

	q := waitProgress(t, k)
	assert.ErrorIs(t, q.Err, ErrQuorumFailed)
	assert.Equal(t, 2, q.Stats.Successes)
	assert.Equal(t, 3, q.Stats.Failures)
}

func TestPutRecordQuorumAll(t *testing.T) {
	backend := newFakeBackend()
	backend.peers = []peer.ID{"p1", "p2", "p3"}
	k := newTestKademlia(t, backend, newFakeReplicator("p3"))

	_, err := k.PutRecord("/theman/abc", []byte("value"), QuorumAll)
	require.NoError(t, err)
	assert.ErrorIs(t, waitProgress(t, k).Err, ErrQuorumFailed)
}

func TestPutRecordQuorumOneSkipsReplication(t *testing.T) {
	backend := newFakeBackend()
	replicator := newFakeReplicator()
	k := newTestKademlia(t, backend, replicator)

	_, err := k.PutRecord("/theman/abc", []byte("value"), QuorumOne)
	require.NoError(t, err)
	require.True(t, waitProgress(t, k).OK())
	assert.Equal(t, 1, backend.puts)
	assert.Zero(t, replicator.holders())
}

func TestPutRecordFailures(t *testing.T) {
	t.Run("empty key", func(t *testing.T) {
		k := newTestKademlia(t, newFakeBackend(), nil)
		_, err := k.PutRecord("", []byte("v"), QuorumOne)
		assert.ErrorIs(t, err, ErrEmptyKey)
	})

	t.Run("put error", func(t *testing.T) {
		backend := newFakeBackend()
		backend.putErr = errors.New("failed to find any peer in table")
		k := newTestKademlia(t, backend, nil)

		_, err := k.PutRecord("/theman/abc", []byte("v"), QuorumOne)
		require.NoError(t, err)
		q := waitProgress(t, k)
		assert.ErrorIs(t, q.Err, backend.putErr)
		assert.Equal(t, 1, q.Stats.Failures)
	})

	t.Run("no closest peers", func(t *testing.T) {
		k := newTestKademlia(t, newFakeBackend(), newFakeReplicator())

		_, err := k.PutRecord("/theman/abc", []byte("v"), QuorumMajority)
		require.NoError(t, err)
		assert.ErrorIs(t, waitProgress(t, k).Err, ErrQuorumFailed)
	})

	t.Run("lookup error", func(t *testing.T) {
		backend := newFakeBackend()
		backend.peersErr = errors.New("routing table empty")
		k := newTestKademlia(t, backend, newFakeReplicator())

		_, err := k.PutRecord("/theman/abc", []byte("v"), QuorumMajority)
		require.NoError(t, err)
		assert.ErrorIs(t, waitProgress(t, k).Err, backend.peersErr)
	})

	t.Run("no replicator", func(t *testing.T) {
		backend := newFakeBackend()
		backend.peers = []peer.ID{"p1"}
		k := newTestKademlia(t, backend, nil)

		_, err := k.PutRecord("/theman/abc", []byte("v"), QuorumMajority)
		require.NoError(t, err)
		assert.ErrorIs(t, waitProgress(t, k).Err, ErrQuorumFailed)
	})

	t.Run("closed", func(t *testing.T) {
		k := New(context.Background(), newFakeBackend(), nil, DefaultConfig())
		require.NoError(t, k.Close())
		_, err := k.PutRecord("/theman/abc", []byte("v"), QuorumOne)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestBootstrap(t *testing.T) {
	backend := newFakeBackend()
	k := newTestKademlia(t, backend, nil)

	id := k.Bootstrap()
	q := waitProgress(t, k)
	assert.Equal(t, id, q.ID)
	assert.Equal(t, KindBootstrap, q.Kind)
	assert.True(t, q.OK())

	backend.refresh = errors.New("no peers")
	k.Bootstrap()
	assert.Error(t, waitProgress(t, k).Err)
}
