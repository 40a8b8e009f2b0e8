package network

import (
	"sync"

	"github.com/ZentaChain/theman/pkg/dht"
	"github.com/ZentaChain/theman/pkg/voice"
)

// resultCache keeps the latest asynchronous outcomes for polling clients.
// Inboxes and the voice log are bounded rings.
type resultCache struct {
	limit int

	mu      sync.RWMutex
	names   map[string]NameResolved
	queries map[dht.QueryID]QueryProgress
	order   []dht.QueryID
	inbox   map[string][]ChatMessage
	voice   []voice.Event
	status  SwarmStatus
}

func newResultCache(limit int) *resultCache {
	if limit <= 0 {
		limit = 100
	}
	return &resultCache{
		limit:   limit,
		names:   make(map[string]NameResolved),
		queries: make(map[dht.QueryID]QueryProgress),
		inbox:   make(map[string][]ChatMessage),
	}
}

func (c *resultCache) record(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg := m.(type) {
	case NameResolved:
		c.names[msg.Name] = msg
	case QueryProgress:
		if _, ok := c.queries[msg.ID]; !ok {
			c.order = append(c.order, msg.ID)
		}
		c.queries[msg.ID] = msg
		for len(c.order) > c.limit {
			delete(c.queries, c.order[0])
			c.order = c.order[1:]
		}
	case ChatMessage:
		c.inbox[msg.Topic] = appendBounded(c.inbox[msg.Topic], msg, c.limit)
	case VoiceEvent:
		if _, isPacket := msg.Event.(voice.VoicePacketEvent); isPacket {
			return
		}
		c.voice = appendBounded(c.voice, msg.Event, c.limit)
	case SwarmStatus:
		c.status = msg
	}
}

func (c *resultCache) name(name string) (NameResolved, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.names[name]
	return r, ok
}

func (c *resultCache) query(id dht.QueryID) (QueryProgress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queries[id]
	return q, ok
}

func (c *resultCache) messages(topic string) []ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ChatMessage(nil), c.inbox[topic]...)
}

func (c *resultCache) voiceEvents() []voice.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]voice.Event(nil), c.voice...)
}

func (c *resultCache) swarm() SwarmStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func appendBounded[T any](list []T, v T, limit int) []T {
	list = append(list, v)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}
