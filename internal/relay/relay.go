// Package relay implements the bidirectional bridge between local broadcast
// calls and the shared Redis channel. One relay holds exactly one persistent
// subscription to the namespaced channel; outbound publishes go through the
// connection pool, never through the subscription connection.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atlas-forks/phoenix-pubsub-redis/internal/envelope"
	"github.com/atlas-forks/phoenix-pubsub-redis/internal/local"
	"github.com/atlas-forks/phoenix-pubsub-redis/internal/metrics"
	"github.com/atlas-forks/phoenix-pubsub-redis/internal/platform/retry"
)

var (
	// ErrNodeNameRequired is a startup configuration error: no explicit node
	// name was given and the platform provides none. Unnamed deployments are
	// rejected rather than silently degraded.
	ErrNodeNameRequired = errors.New("relay: node name required (set one explicitly or run on a host with a hostname)")
	// ErrNoPublisher means a broadcast was attempted before the publish pool
	// was attached, or after it was torn down.
	ErrNoPublisher = errors.New("relay: publish pool not attached")
)

// State is the relay lifecycle phase, exposed for observability and tests.
type State string

const (
	StateStarting     State = "starting"
	StateSubscribed   State = "subscribed"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Publisher is what the relay needs from the connection pool.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Config assembles a relay.
type Config struct {
	// ServerName names the pub/sub group; it determines the Redis channel and
	// keeps independent groups on one Redis server from cross-delivering.
	ServerName string
	// NodeName is the explicit node name. Empty falls back to os.Hostname().
	NodeName string
	// Client is the subscription client. The relay owns the one persistent
	// subscription created from it and never publishes through it.
	Client *redis.Client
	// Registry receives decoded inbound messages for local delivery.
	Registry *local.Registry
	// Reconnect bounds re-subscription after transport loss. Zero value gets
	// a default policy.
	Reconnect retry.Policy
	Log       *slog.Logger
}

// Relay is one node's bridge. Its identity token is regenerated on every
// construction, so a restarted relay is a new node as far as the cluster is
// concerned.
type Relay struct {
	id         uuid.UUID
	nodeName   string
	serverName string
	channel    string
	client     *redis.Client
	registry   *local.Registry
	reconnect  retry.Policy
	log        *slog.Logger

	pub   atomic.Value // Publisher
	state atomic.Value // State

	mu    sync.RWMutex
	peers map[uuid.UUID]string
}

// Channel derives the namespaced Redis channel for a server name.
func Channel(serverName string) string {
	return "phx:" + serverName
}

// New creates a relay, generating its node identity and resolving its node
// name. A missing node name is a configuration error surfaced here, at
// startup.
func New(cfg Config) (*Relay, error) {
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("relay: server name must not be empty")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("relay: subscription client must not be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("relay: local registry must not be nil")
	}

	name := cfg.NodeName
	if name == "" {
		name, _ = os.Hostname()
	}
	if name == "" {
		return nil, ErrNodeNameRequired
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	reconnect := cfg.Reconnect
	if reconnect.MaxAttempts == 0 {
		reconnect = retry.Policy{
			MaxAttempts:    10,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		}
	}

	r := &Relay{
		id:         uuid.New(),
		nodeName:   name,
		serverName: cfg.ServerName,
		channel:    Channel(cfg.ServerName),
		client:     cfg.Client,
		registry:   cfg.Registry,
		reconnect:  reconnect,
		log:        log.With("node", name),
		peers:      make(map[uuid.UUID]string),
	}
	r.state.Store(StateStarting)
	return r, nil
}

// NodeID returns the per-process identity token.
func (r *Relay) NodeID() uuid.UUID { return r.id }

// NodeName returns the resolved node name.
func (r *Relay) NodeName() string { return r.nodeName }

// State reports the current lifecycle phase.
func (r *Relay) State() State { return r.state.Load().(State) }

// AttachPublisher injects the publish pool. The supervisor calls this after
// the pool child starts and again after a pool restart.
func (r *Relay) AttachPublisher(p Publisher) { r.pub.Store(&p) }

func (r *Relay) publisher() (Publisher, error) {
	v := r.pub.Load()
	if v == nil {
		return nil, ErrNoPublisher
	}
	p := *v.(*Publisher)
	if p == nil {
		return nil, ErrNoPublisher
	}
	return p, nil
}

// Peers returns the node names announced by other relays, keyed by identity.
// Observability only; the delivery path never consults it.
func (r *Relay) Peers() map[uuid.UUID]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]string, len(r.peers))
	for k, v := range r.peers {
		out[k] = v
	}
	return out
}

// BroadcastOption adjusts a single broadcast.
type BroadcastOption func(*broadcastOpts)

type broadcastOpts struct {
	exclude  *local.Subscription
	fastlane json.RawMessage
}

// WithExclude keeps the broadcast from echoing to one local subscriber,
// typically the publisher itself. Delivery still reaches every other local
// subscriber and every remote node.
func WithExclude(sub *local.Subscription) BroadcastOption {
	return func(o *broadcastOpts) { o.exclude = sub }
}

// WithFastlane attaches the opaque fast-path hint, carried unchanged to every
// registry delivery.
func WithFastlane(raw json.RawMessage) BroadcastOption {
	return func(o *broadcastOpts) { o.fastlane = raw }
}

// Broadcast delivers to this node's local subscribers and publishes the
// envelope to the shared channel. It returns once Redis acknowledges the
// publish; cross-node delivery past that point is fire-and-forget. Publish
// failures surface to the caller without retry.
func (r *Relay) Broadcast(ctx context.Context, topic string, payload []byte, opts ...BroadcastOption) error {
	var o broadcastOpts
	for _, opt := range opts {
		opt(&o)
	}

	env := envelope.Broadcast(r.id, topic, payload)
	env.Fastlane = o.fastlane
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	r.deliverLocal(topic, payload, o)

	pub, err := r.publisher()
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, r.channel, data); err != nil {
		return fmt.Errorf("relay: broadcast %q: %w", topic, err)
	}
	metrics.BroadcastsPublished.WithLabelValues(string(envelope.KindBroadcast)).Inc()
	return nil
}

// DirectBroadcast addresses a single node by name. Only the relay whose
// resolved name matches the target delivers it; every other relay drops it
// silently. A direct broadcast to this node's own name is served by the local
// path (the Redis echo would be dropped as self-origin).
func (r *Relay) DirectBroadcast(ctx context.Context, target, topic string, payload []byte, opts ...BroadcastOption) error {
	if target == "" {
		return fmt.Errorf("relay: direct broadcast requires a target node name")
	}

	var o broadcastOpts
	for _, opt := range opts {
		opt(&o)
	}

	env := envelope.DirectBroadcast(r.id, target, topic, payload)
	env.Fastlane = o.fastlane
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	if target == r.nodeName {
		r.deliverLocal(topic, payload, o)
	}

	pub, err := r.publisher()
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, r.channel, data); err != nil {
		return fmt.Errorf("relay: direct broadcast to %q: %w", target, err)
	}
	metrics.BroadcastsPublished.WithLabelValues(string(envelope.KindDirectBroadcast)).Inc()
	return nil
}

// Announce publishes this relay's identity-to-name mapping so peers can
// populate their node tables. The supervisor calls it once the publish pool
// is up.
func (r *Relay) Announce(ctx context.Context) error {
	data, err := envelope.Encode(envelope.NodeName(r.id, r.nodeName))
	if err != nil {
		return err
	}
	pub, err := r.publisher()
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, r.channel, data); err != nil {
		return fmt.Errorf("relay: announce: %w", err)
	}
	metrics.BroadcastsPublished.WithLabelValues(string(envelope.KindNodeName)).Inc()
	return nil
}

// Run opens the persistent subscription and consumes it until ctx ends or
// reconnection attempts are exhausted. The returned error is nil on clean
// shutdown; anything else means the relay is failed and the supervisor must
// restart it.
func (r *Relay) Run(ctx context.Context) error {
	ps, err := r.subscribe(ctx)
	if err != nil {
		r.state.Store(StateFailed)
		return err
	}
	defer func() { _ = ps.Close() }()

	r.state.Store(StateRunning)
	r.log.Info("relay running", "channel", r.channel, "node_id", r.id)

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			r.state.Store(StateReconnecting)
			r.log.Warn("subscription lost, reconnecting", "error", err)
			_ = ps.Close()

			// Messages published during the gap are missed, never replayed.
			rerr := retry.Do(ctx, r.reconnect, nil, func() error {
				metrics.RelayReconnects.Inc()
				var serr error
				ps, serr = r.subscribe(ctx)
				return serr
			})
			if rerr != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.state.Store(StateFailed)
				return fmt.Errorf("relay: resubscribe: %w", rerr)
			}
			r.state.Store(StateRunning)
			r.log.Info("subscription re-established")
			continue
		}

		r.handleMessage([]byte(msg.Payload))
	}
}

// subscribe opens the subscription and waits for the server's confirmation.
func (r *Relay) subscribe(ctx context.Context) (*redis.PubSub, error) {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("relay: subscribe %s: %w", r.channel, err)
	}
	r.state.Store(StateSubscribed)
	return ps, nil
}

// handleMessage decodes and routes one inbound message. Nothing here is ever
// fatal to the relay: corrupt input, self-echo and misdirected messages are
// dropped and counted.
func (r *Relay) handleMessage(data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("decode_error").Inc()
		r.log.Warn("dropping undecodable message", "error", err)
		return
	}
	metrics.MessagesReceived.WithLabelValues(string(env.Kind)).Inc()

	// Redis delivers our own publishes back to us; without this check every
	// local broadcast would be delivered twice.
	if env.Origin == r.id {
		metrics.MessagesDropped.WithLabelValues("self_echo").Inc()
		return
	}

	switch env.Kind {
	case envelope.KindBroadcast:
		r.registry.Deliver(env.Topic, env.Payload, fastlaneOpts(env.Fastlane)...)
	case envelope.KindDirectBroadcast:
		if env.Target != r.nodeName {
			metrics.MessagesDropped.WithLabelValues("wrong_target").Inc()
			return
		}
		r.registry.Deliver(env.Topic, env.Payload, fastlaneOpts(env.Fastlane)...)
	case envelope.KindNodeName:
		r.mu.Lock()
		r.peers[env.Origin] = env.Node
		r.mu.Unlock()
		r.log.Debug("peer announced", "peer", env.Node, "peer_id", env.Origin)
	}
}

func (r *Relay) deliverLocal(topic string, payload []byte, o broadcastOpts) {
	opts := fastlaneOpts(o.fastlane)
	if o.exclude != nil {
		opts = append(opts, local.Exclude(o.exclude))
	}
	r.registry.Deliver(topic, payload, opts...)
}

func fastlaneOpts(raw json.RawMessage) []local.DeliverOption {
	if len(raw) == 0 {
		return nil
	}
	return []local.DeliverOption{local.Fastlane(raw)}
}
