// Package local implements the per-node fan-out registry: the mapping from
// topic to the set of subscribers living in this process. The registry is
// sharded by a stable hash of the topic name so that high-subscriber-count
// workloads spread lock contention across shards while keeping per-topic
// ordering within a shard.
package local

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/atlas-forks/phoenix-pubsub-redis/internal/metrics"
)

const defaultMailboxSize = 64

// ErrClosed is returned by Subscribe after the registry has shut down.
var ErrClosed = errors.New("local registry: closed")

// Message is what a subscriber receives: the topic it subscribed to, the
// opaque payload, and the fastlane hint if the publisher attached one.
type Message struct {
	Topic    string
	Payload  []byte
	Fastlane json.RawMessage
}

// Subscription is a live subscriber handle. Messages arrive on C. The channel
// is closed when the subscription is cancelled or the registry shuts down.
type Subscription struct {
	C <-chan Message

	topic string
	ch    chan Message
	once  sync.Once
}

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

type shard struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// Registry is the local fan-out registry. All mutation of subscriber sets
// happens here; the relay only invokes Deliver.
type Registry struct {
	shards  []*shard
	log     *slog.Logger
	mailbox int

	mu     sync.Mutex
	closed bool
}

// NewRegistry creates a registry with the given shard count (minimum 1).
func NewRegistry(shardCount int, log *slog.Logger) *Registry {
	if shardCount < 1 {
		shardCount = 1
	}
	if log == nil {
		log = slog.Default()
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{topics: make(map[string]map[*Subscription]struct{})}
	}
	return &Registry{shards: shards, log: log, mailbox: defaultMailboxSize}
}

// shardFor maps a topic to its shard. Stable for a fixed shard count, so all
// deliveries for one topic funnel through one shard.
func (r *Registry) shardFor(topic string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return r.shards[int(h.Sum32()%uint32(len(r.shards)))]
}

// Subscribe registers a new subscriber for topic and returns its handle.
// The registry lock is held across the shard insert so Close cannot sweep a
// shard and then miss a subscriber registered behind it.
func (r *Registry) Subscribe(topic string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Message, r.mailbox)
	sub := &Subscription{C: ch, ch: ch, topic: topic}

	s := r.shardFor(topic)
	s.mu.Lock()
	set, ok := s.topics[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		s.topics[topic] = set
	}
	set[sub] = struct{}{}
	s.mu.Unlock()

	metrics.LocalSubscribers.Inc()
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call more
// than once. The close happens under the shard write lock: Deliver sends under
// the read lock, so a send can never race the close.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s := r.shardFor(sub.topic)
	s.mu.Lock()
	set, ok := s.topics[sub.topic]
	if ok {
		if _, member := set[sub]; member {
			delete(set, sub)
			metrics.LocalSubscribers.Dec()
		}
		if len(set) == 0 {
			delete(s.topics, sub.topic)
		}
	}
	sub.close()
	s.mu.Unlock()
}

// DeliverOption adjusts a single delivery.
type DeliverOption func(*deliverOpts)

type deliverOpts struct {
	exclude  *Subscription
	fastlane json.RawMessage
}

// Exclude skips one local subscriber, used for "don't echo to the publisher"
// semantics when the origin is this node.
func Exclude(sub *Subscription) DeliverOption {
	return func(o *deliverOpts) { o.exclude = sub }
}

// Fastlane attaches the opaque fast-path hint to every delivered message.
func Fastlane(raw json.RawMessage) DeliverOption {
	return func(o *deliverOpts) { o.fastlane = raw }
}

// Deliver pushes a message to every local subscriber of topic. A subscriber
// whose mailbox is full misses the message rather than blocking delivery for
// everyone else; the miss is counted and logged at debug level.
func (r *Registry) Deliver(topic string, payload []byte, opts ...DeliverOption) {
	var o deliverOpts
	for _, opt := range opts {
		opt(&o)
	}

	msg := Message{Topic: topic, Payload: payload, Fastlane: o.fastlane}

	// Sends stay under the read lock. They never block (non-blocking select),
	// and Unsubscribe/Close only close a channel under the write lock, so no
	// send can hit a closed channel.
	s := r.shardFor(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.topics[topic] {
		if sub == o.exclude {
			continue
		}
		select {
		case sub.ch <- msg:
			metrics.LocalDelivered.Inc()
		default:
			metrics.LocalDroppedSlow.Inc()
			r.log.Debug("dropping message for slow subscriber", "topic", topic)
		}
	}
}

// SubscriberCount returns the number of local subscribers for topic.
func (r *Registry) SubscriberCount(topic string) int {
	s := r.shardFor(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic])
}

// Close tears the registry down, closing every subscriber channel. The
// registry lock is held across the sweep so Subscribe cannot add to a shard
// already swept.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true

	for _, s := range r.shards {
		s.mu.Lock()
		for topic, set := range s.topics {
			for sub := range set {
				sub.close()
				metrics.LocalSubscribers.Dec()
			}
			delete(s.topics, topic)
		}
		s.mu.Unlock()
	}
}
