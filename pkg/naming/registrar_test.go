package naming

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/theman/pkg/dht"
)

type putCall struct {
	id     dht.QueryID
	key    string
	value  []byte
	quorum dht.Quorum
}

type fakeQueries struct {
	nextID  dht.QueryID
	lookups []dht.QueryID
	puts    []putCall
}

func (f *fakeQueries) GetClosestPeers(key string) dht.QueryID {
	f.nextID++
	f.lookups = append(f.lookups, f.nextID)
	return f.nextID
}

func (f *fakeQueries) PutRecord(key string, value []byte, quorum dht.Quorum) (dht.QueryID, error) {
	f.nextID++
	f.puts = append(f.puts, putCall{id: f.nextID, key: key, value: value, quorum: quorum})
	return f.nextID, nil
}

func (f *fakeQueries) lastLookup() dht.QueryID {
	return f.lookups[len(f.lookups)-1]
}

func (f *fakeQueries) lastPut() putCall {
	return f.puts[len(f.puts)-1]
}

func done(id dht.QueryID, kind dht.QueryKind, err error) dht.QueryProgressed {
	return dht.QueryProgressed{ID: id, Kind: kind, Err: err, Step: dht.Step{Count: 1, Last: true}}
}

func waitWake(t *testing.T, r *Registrar) {
	t.Helper()
	select {
	case <-r.Wake():
	case <-time.After(time.Second):
		t.Fatal("registrar timer did not fire")
	}
}

func expectNoWake(t *testing.T, r *Registrar) {
	t.Helper()
	select {
	case <-r.Wake():
		t.Fatal("registrar timer fired unexpectedly")
	default:
	}
}

func TestRegistrarRenewal(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	priv, id := newIdentity(t)
	q := &fakeQueries{}

	var persisted []time.Time
	r, err := NewRegistrar(DefaultConfig(), mock, q, priv, "alice", mock.Now().Add(time.Second), func() int { return 5 })
	require.NoError(t, err)
	r.OnRenewed = func(expires time.Time) { persisted = append(persisted, expires) }

	expectNoWake(t, r)
	assert.Empty(t, q.lookups)

	mock.Add(time.Second)
	waitWake(t, r)
	r.OnWake()
	require.Len(t, q.lookups, 1, "phase one must start at expiry")
	assert.Empty(t, q.puts)

	require.True(t, r.OnQueryProgressed(done(q.lastLookup(), dht.KindClosestPeers, nil)))
	require.Len(t, q.puts, 1)
	put := q.lastPut()
	assert.Equal(t, NameKey("alice"), put.key)
	assert.Equal(t, dht.QuorumMajority, put.quorum)
	assert.Empty(t, persisted, "expiry must only be persisted after the put succeeds")

	rec, err := DecodeRecord(put.value)
	require.NoError(t, err)
	assert.Equal(t, id, rec.Publisher)
	assert.Equal(t, []byte(id), rec.Value)
	assert.Equal(t, mock.Now().Add(3*24*time.Hour).Unix(), rec.Expires)
	assert.NoError(t, Validator{Now: mock.Now}.Validate(put.key, put.value))
	assert.Equal(t, TrustSafe, Verify(rec))

	require.True(t, r.OnQueryProgressed(done(put.id, dht.KindPutRecord, nil)))
	require.Len(t, persisted, 1)
	assert.Equal(t, mock.Now().Add(3*24*time.Hour), persisted[0])
	assert.Equal(t, persisted[0], r.Expires())
	assert.False(t, r.Pending())

	// Next renewal is scheduled at the new expiry
	mock.Add(3*24*time.Hour - time.Minute)
	expectNoWake(t, r)
	mock.Add(time.Minute)
	waitWake(t, r)

	t.Logf("✅ Name renewed until %s", r.Expires())
}

func TestRegistrarGating(t *testing.T) {
	mock := clock.NewMock()
	priv, _ := newIdentity(t)
	q := &fakeQueries{}
	peers := 1

	cfg := DefaultConfig()
	cfg.AutoRenew = false
	r, err := NewRegistrar(cfg, mock, q, priv, "alice", mock.Now().Add(time.Hour), func() int { return peers })
	require.NoError(t, err)

	require.NoError(t, r.Register())
	assert.ErrorIs(t, r.Register(), ErrRegistrationPending)

	// Intermediate progress does not complete phase one
	partial := done(q.lastLookup(), dht.KindClosestPeers, nil)
	partial.Step.Last = false
	assert.True(t, r.OnQueryProgressed(partial))
	assert.Empty(t, q.puts)

	// Too few peers: no put, retry scheduled
	assert.True(t, r.OnQueryProgressed(done(q.lastLookup(), dht.KindClosestPeers, nil)))
	assert.Empty(t, q.puts)
	assert.False(t, r.Pending())

	mock.Add(time.Minute)
	waitWake(t, r)
	r.OnWake()
	require.Len(t, q.lookups, 2, "failed attempt must be retried")

	// Wake while a lookup is outstanding is ignored
	r.OnWake()
	assert.Len(t, q.lookups, 2)

	peers = 3
	assert.True(t, r.OnQueryProgressed(done(q.lastLookup(), dht.KindClosestPeers, nil)))
	assert.Len(t, q.puts, 1)
}

func TestRegistrarFailures(t *testing.T) {
	mock := clock.NewMock()
	priv, _ := newIdentity(t)
	q := &fakeQueries{}

	cfg := DefaultConfig()
	cfg.AutoRenew = false
	r, err := NewRegistrar(cfg, mock, q, priv, "alice", mock.Now().Add(time.Hour), func() int { return 10 })
	require.NoError(t, err)

	renewed := false
	r.OnRenewed = func(time.Time) { renewed = true }

	// Unrelated queries are not consumed
	assert.False(t, r.OnQueryProgressed(done(99, dht.KindGetRecord, nil)))

	require.NoError(t, r.Register())
	assert.True(t, r.OnQueryProgressed(done(q.lastLookup(), dht.KindClosestPeers, assert.AnError)))
	assert.Empty(t, q.puts)

	mock.Add(time.Minute)
	waitWake(t, r)
	r.OnWake()
	require.Len(t, q.lookups, 2)

	assert.True(t, r.OnQueryProgressed(done(q.lastLookup(), dht.KindClosestPeers, nil)))
	require.Len(t, q.puts, 1)
	assert.True(t, r.OnQueryProgressed(done(q.lastPut().id, dht.KindPutRecord, assert.AnError)))
	assert.False(t, renewed)
	assert.Equal(t, mock.Now().Add(59*time.Minute), r.Expires())

	mock.Add(time.Minute)
	waitWake(t, r)
	r.OnWake()
	assert.Len(t, q.lookups, 3)
}

func TestRegistrarNoAutoRenew(t *testing.T) {
	mock := clock.NewMock()
	priv, _ := newIdentity(t)
	q := &fakeQueries{}

	cfg := DefaultConfig()
	cfg.AutoRenew = false
	r, err := NewRegistrar(cfg, mock, q, priv, "alice", mock.Now(), func() int { return 10 })
	require.NoError(t, err)

	mock.Add(0)
	waitWake(t, r)
	r.OnWake()
	assert.Empty(t, q.lookups)
}
