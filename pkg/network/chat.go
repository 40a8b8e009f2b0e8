package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/multierr"
)

var ErrNotSubscribed = errors.New("not subscribed to topic")

type chatTopic struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	events *pubsub.TopicEventHandler
	cancel context.CancelFunc
}

// Chat is group messaging over gossipsub. Received messages and topic
// membership changes are handed to the reactor through sink.
type Chat struct {
	ps   *pubsub.PubSub
	self peer.ID
	sink func(swarmEvent) bool

	ctx context.Context
	wg  sync.WaitGroup

	mu     sync.Mutex
	topics map[string]*chatTopic
}

// NewChat wraps a gossipsub router
func NewChat(ctx context.Context, ps *pubsub.PubSub, self peer.ID, sink func(swarmEvent) bool) *Chat {
	return &Chat{
		ps:     ps,
		self:   self,
		sink:   sink,
		ctx:    ctx,
		topics: make(map[string]*chatTopic),
	}
}

// Join subscribes to a topic. Joining twice is a no-op.
func (c *Chat) Join(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[name]; ok {
		return nil
	}

	topic, err := c.ps.Join(name)
	if err != nil {
		return fmt.Errorf("failed to join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	events, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		topic.Close()
		return fmt.Errorf("failed to watch topic peers: %w", err)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	t := &chatTopic{topic: topic, sub: sub, events: events, cancel: cancel}
	c.topics[name] = t

	c.wg.Add(2)
	go c.readMessages(ctx, name, sub)
	go c.readPeerEvents(ctx, name, events)

	log.Infof("✅ Joined topic %q", name)
	return nil
}

// Leave unsubscribes from a topic
func (c *Chat) Leave(name string) error {
	c.mu.Lock()
	t, ok := c.topics[name]
	delete(c.topics, name)
	c.mu.Unlock()

	if !ok {
		return ErrNotSubscribed
	}
	return c.closeTopic(t)
}

// Publish sends data to every subscriber of a joined topic
func (c *Chat) Publish(ctx context.Context, name string, data []byte) error {
	c.mu.Lock()
	t, ok := c.topics[name]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, name)
	}
	return t.topic.Publish(ctx, data)
}

// Topics lists the joined topics
func (c *Chat) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.topics))
	for name := range c.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close leaves every topic and waits for the readers to exit
func (c *Chat) Close() error {
	c.mu.Lock()
	topics := c.topics
	c.topics = make(map[string]*chatTopic)
	c.mu.Unlock()

	var err error
	for _, t := range topics {
		err = multierr.Append(err, c.closeTopic(t))
	}
	c.wg.Wait()
	return err
}

func (c *Chat) closeTopic(t *chatTopic) error {
	t.cancel()
	t.events.Cancel()
	t.sub.Cancel()
	return t.topic.Close()
}

func (c *Chat) readMessages(ctx context.Context, name string, sub *pubsub.Subscription) {
	defer c.wg.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == c.self {
			continue
		}
		c.sink(chatReceived{topic: name, from: msg.GetFrom(), data: msg.Data})
	}
}

func (c *Chat) readPeerEvents(ctx context.Context, name string, events *pubsub.TopicEventHandler) {
	defer c.wg.Done()
	for {
		ev, err := events.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		c.sink(topicPeerChanged{
			topic:  name,
			peer:   ev.Peer,
			joined: ev.Type == pubsub.PeerJoin,
		})
	}
}
