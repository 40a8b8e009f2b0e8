package voice

import (
	"context"
	"sync"

	"github.com/ZentaChain/theman/pkg/protocol"
)

// commandQueue is the FIFO between the mesh and a handler's outbound half.
// Control packets are never refused; voice packets are refused once limit
// packets are pending.
type commandQueue struct {
	mu     sync.Mutex
	items  []protocol.Packet
	limit  int
	signal chan struct{}
}

func newCommandQueue(limit int) *commandQueue {
	return &commandQueue{
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

func (q *commandQueue) push(p protocol.Packet) bool {
	q.mu.Lock()
	if p.Kind() == protocol.KindVoicePacket && q.limit > 0 && len(q.items) >= q.limit {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a packet is queued or ctx is done
func (q *commandQueue) pop(ctx context.Context) (protocol.Packet, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
