// Package pubsub is a Redis-backed cluster broadcast layer. Every node holds
// one persistent subscription to a shared namespaced channel and a small pool
// of dedicated publish connections; messages published on any node reach the
// matching local subscribers on every node of the same server name.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atlas-forks/phoenix-pubsub-redis/internal/local"
	"github.com/atlas-forks/phoenix-pubsub-redis/internal/pool"
	"github.com/atlas-forks/phoenix-pubsub-redis/internal/redisx"
	"github.com/atlas-forks/phoenix-pubsub-redis/internal/relay"
	"github.com/atlas-forks/phoenix-pubsub-redis/internal/supervise"
)

// ErrNotRunning means the node has not been started, is mid-restart, or has
// been closed.
var ErrNotRunning = errors.New("pubsub: node not running")

// Message is what subscribers receive.
type Message = local.Message

// Subscription is a live subscriber handle; messages arrive on its C channel.
type Subscription = local.Subscription

// Config assembles a node.
type Config struct {
	// ServerName names the pub/sub group. Nodes only exchange messages with
	// nodes of the same server name, even on a shared Redis server.
	ServerName string
	// NodeName identifies this node for direct broadcasts. Empty falls back
	// to the OS hostname.
	NodeName string

	// Redis configures both the subscription client and the publish client.
	Redis redisx.Options

	// PoolSize is the number of dedicated publish connections. Default 5.
	PoolSize int
	// PoolBlocking makes publishers wait for a free connection instead of
	// failing fast when the pool is exhausted.
	PoolBlocking bool

	// ShardCount spreads registry lock contention. Default 8.
	ShardCount int

	// Supervision tunes the restart policy for the registry/relay/pool chain.
	Supervision supervise.Config

	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = 5
	}
	if c.ShardCount == 0 {
		c.ShardCount = 8
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// PubSub is one node of the cluster. Its components live under a supervisor
// that restarts them in dependency order after failures, so the instances
// behind the accessor methods can be replaced at runtime.
type PubSub struct {
	cfg Config
	log *slog.Logger

	subClient *redis.Client
	pubClient *redis.Client

	mu       sync.RWMutex
	registry *local.Registry
	relay    *relay.Relay
	pool     *pool.Pool

	cancel context.CancelFunc
	done   chan error
	closed sync.Once
}

// New validates the configuration and creates the Redis clients. Nothing
// connects until Start.
func New(cfg Config) (*PubSub, error) {
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("pubsub: server name must not be empty")
	}
	cfg.withDefaults()

	// The subscription client must not sit behind the circuit breaker: a
	// blocked resubscribe would fight the relay's own reconnect policy.
	subClient, err := redisx.NewClient(cfg.Redis, redisx.DialMetricsHook{})
	if err != nil {
		return nil, fmt.Errorf("pubsub: subscription client: %w", err)
	}
	pubClient, err := redisx.NewClient(cfg.Redis, redisx.DialMetricsHook{}, redisx.NewBreakerHook(cfg.Logger))
	if err != nil {
		_ = subClient.Close()
		return nil, fmt.Errorf("pubsub: publish client: %w", err)
	}

	return &PubSub{
		cfg:       cfg,
		log:       cfg.Logger.With("server", cfg.ServerName),
		subClient: subClient,
		pubClient: pubClient,
		done:      make(chan error, 1),
	}, nil
}

// Start brings the node up and blocks until the relay's subscription is
// confirmed or startup fails. The supervision loop keeps running in the
// background until Close or until the restart budget is exhausted.
func (p *PubSub) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	cfg := p.cfg.Supervision
	cfg.Log = p.log
	sup := supervise.New([]supervise.Child{
		{Name: "registry", Start: p.startRegistry},
		{Name: "relay", Start: p.startRelay},
		{Name: "pool", Start: p.startPool},
	}, cfg)

	go func() { p.done <- sup.Run(runCtx) }()

	// The supervisor has no readiness signal; poll the relay state the same
	// way callers would.
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-p.done:
			p.done <- err
			if err == nil {
				err = ErrNotRunning
			}
			return fmt.Errorf("pubsub: start: %w", err)
		case <-ctx.Done():
			p.cancel()
			return ctx.Err()
		case <-ticker.C:
			if r := p.currentRelay(); r != nil && r.State() == relay.StateRunning {
				return nil
			}
		}
	}
}

func (p *PubSub) startRegistry(ctx context.Context, fail func(error)) (func(), error) {
	reg := local.NewRegistry(p.cfg.ShardCount, p.log)
	p.mu.Lock()
	p.registry = reg
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.registry = nil
		p.mu.Unlock()
		reg.Close()
	}, nil
}

func (p *PubSub) startRelay(ctx context.Context, fail func(error)) (func(), error) {
	p.mu.RLock()
	reg := p.registry
	p.mu.RUnlock()
	if reg == nil {
		return nil, fmt.Errorf("pubsub: relay started before registry")
	}

	rl, err := relay.New(relay.Config{
		ServerName: p.cfg.ServerName,
		NodeName:   p.cfg.NodeName,
		Client:     p.subClient,
		Registry:   reg,
		Log:        p.log,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.relay = rl
	p.mu.Unlock()

	runCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rl.Run(runCtx); err != nil {
			fail(err)
		}
	}()

	return func() {
		stop()
		wg.Wait()
		p.mu.Lock()
		if p.relay == rl {
			p.relay = nil
		}
		p.mu.Unlock()
	}, nil
}

func (p *PubSub) startPool(ctx context.Context, fail func(error)) (func(), error) {
	p.mu.RLock()
	rl := p.relay
	p.mu.RUnlock()
	if rl == nil {
		return nil, fmt.Errorf("pubsub: pool started before relay")
	}

	pl, err := pool.New(p.pubClient, pool.Config{Size: p.cfg.PoolSize, Blocking: p.cfg.PoolBlocking}, p.log)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.pool = pl
	p.mu.Unlock()

	// A restarted relay is a fresh node identity; re-attaching here covers
	// both the initial start and every restart of the chain.
	rl.AttachPublisher(pl)
	if err := rl.Announce(ctx); err != nil {
		p.log.Warn("node announcement failed", "error", err)
	}

	return func() {
		p.mu.Lock()
		if p.pool == pl {
			p.pool = nil
		}
		p.mu.Unlock()
		_ = pl.Close()
	}, nil
}

func (p *PubSub) currentRegistry() *local.Registry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.registry
}

func (p *PubSub) currentRelay() *relay.Relay {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.relay
}

// Subscribe registers a local subscriber for topic.
func (p *PubSub) Subscribe(topic string) (*Subscription, error) {
	reg := p.currentRegistry()
	if reg == nil {
		return nil, ErrNotRunning
	}
	return reg.Subscribe(topic)
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *PubSub) Unsubscribe(sub *Subscription) {
	if reg := p.currentRegistry(); reg != nil {
		reg.Unsubscribe(sub)
	}
}

// BroadcastOption adjusts a single broadcast.
type BroadcastOption = relay.BroadcastOption

// WithExclude keeps a broadcast from echoing to one local subscriber.
func WithExclude(sub *Subscription) BroadcastOption { return relay.WithExclude(sub) }

// WithFastlane attaches an opaque fast-path hint, delivered unchanged to
// every subscriber on every node.
func WithFastlane(raw json.RawMessage) BroadcastOption { return relay.WithFastlane(raw) }

// Broadcast delivers payload to every subscriber of topic on every node,
// including this one.
func (p *PubSub) Broadcast(ctx context.Context, topic string, payload []byte, opts ...BroadcastOption) error {
	rl := p.currentRelay()
	if rl == nil {
		return ErrNotRunning
	}
	return rl.Broadcast(ctx, topic, payload, opts...)
}

// DirectBroadcast delivers payload to subscribers of topic on the single node
// named target; all other nodes ignore it.
func (p *PubSub) DirectBroadcast(ctx context.Context, target, topic string, payload []byte, opts ...BroadcastOption) error {
	rl := p.currentRelay()
	if rl == nil {
		return ErrNotRunning
	}
	return rl.DirectBroadcast(ctx, target, topic, payload, opts...)
}

// Node returns this node's resolved name.
func (p *PubSub) Node() string {
	if rl := p.currentRelay(); rl != nil {
		return rl.NodeName()
	}
	return p.cfg.NodeName
}

// NodeID returns the current identity token. It changes whenever the relay
// restarts.
func (p *PubSub) NodeID() uuid.UUID {
	if rl := p.currentRelay(); rl != nil {
		return rl.NodeID()
	}
	return uuid.Nil
}

// Peers returns the node names announced by other nodes, keyed by identity.
func (p *PubSub) Peers() map[uuid.UUID]string {
	if rl := p.currentRelay(); rl != nil {
		return rl.Peers()
	}
	return nil
}

// SubscriberCount returns the number of local subscribers for topic.
func (p *PubSub) SubscriberCount(topic string) int {
	if reg := p.currentRegistry(); reg != nil {
		return reg.SubscriberCount(topic)
	}
	return 0
}

// Done reports the supervision loop's exit. It yields a value once: nil after
// Close, or the terminal error if the restart budget ran out.
func (p *PubSub) Done() <-chan error { return p.done }

// Close stops the node and releases both Redis clients.
func (p *PubSub) Close() error {
	var err error
	p.closed.Do(func() {
		if p.cancel != nil {
			p.cancel()
			select {
			case e := <-p.done:
				p.done <- e
			case <-time.After(5 * time.Second):
				err = fmt.Errorf("pubsub: supervision loop did not stop")
			}
		}
		if cerr := p.subClient.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := p.pubClient.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
