package dht

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// QueryID identifies one issued query
type QueryID uint64

// QueryKind is the operation a query performs
type QueryKind int

const (
	KindClosestPeers QueryKind = iota
	KindPutRecord
	KindGetRecord
	KindBootstrap
)

func (k QueryKind) String() string {
	switch k {
	case KindClosestPeers:
		return "closest-peers"
	case KindPutRecord:
		return "put-record"
	case KindGetRecord:
		return "get-record"
	case KindBootstrap:
		return "bootstrap"
	default:
		return fmt.Sprintf("query(%d)", int(k))
	}
}

// Quorum is how many peers must hold a record for a put to succeed
type Quorum int

const (
	QuorumOne Quorum = iota
	QuorumMajority
	QuorumAll
)

// Count resolves the quorum for a replication factor of k
func (q Quorum) Count(k int) int {
	switch q {
	case QuorumMajority:
		return k/2 + 1
	case QuorumAll:
		return k
	default:
		return 1
	}
}

// Stats of a finished query
type Stats struct {
	Requests  int
	Successes int
	Failures  int
	Duration  time.Duration
}

// Step tells where a progress report sits in its query; Last marks
// completion.
type Step struct {
	Count int
	Last  bool
}

// QueryProgressed reports a query result. Peers is set for closest-peers
// queries and for puts replicated to a quorum, Value for get-record queries.
type QueryProgressed struct {
	ID    QueryID
	Kind  QueryKind
	Key   string
	Peers []peer.ID
	Value []byte
	Err   error
	Stats Stats
	Step  Step
}

// OK reports whether the query succeeded
func (q QueryProgressed) OK() bool {
	return q.Err == nil
}
