// Package pool bounds the number of concurrent outbound publish connections.
// A fixed set of dedicated Redis connections is handed out one publisher at a
// time; a saturated pool makes publishers wait (or fail fast, per
// configuration) instead of growing the connection count, which is the
// node's natural backpressure against its own publish rate.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlas-forks/phoenix-pubsub-redis/internal/metrics"
)

var (
	// ErrPoolExhausted is returned by a non-blocking checkout when every slot
	// is in use.
	ErrPoolExhausted = errors.New("pool: no publish connection available")
	// ErrPoolClosed is returned once the pool has shut down.
	ErrPoolClosed = errors.New("pool: closed")
)

// Slot is one outbound connection. It is owned exclusively by one publisher
// between Checkout and Release. Stateless between publishes.
type Slot struct {
	conn   *redis.Conn
	broken bool
}

// MarkBroken flags the slot's connection for replacement on next checkout.
// Callers mark a slot after a publish error; they still release it.
func (s *Slot) MarkBroken() { s.broken = true }

// Conn returns the underlying dedicated connection.
func (s *Slot) Conn() *redis.Conn { return s.conn }

// Config controls pool size and exhaustion behavior.
type Config struct {
	// Size is the fixed number of outbound connections. No dynamic growth.
	Size int
	// Blocking selects whether a saturated pool makes Checkout wait for a
	// free slot (bounded by the caller's context) or fail immediately with
	// ErrPoolExhausted.
	Blocking bool
}

// Pool manages the fixed slot set.
type Pool struct {
	client   *redis.Client
	cfg      Config
	log      *slog.Logger
	free     chan *Slot
	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
}

// New creates a pool of cfg.Size dedicated connections drawn from client.
// Connections dial lazily on first use; a broken one is replaced
// transparently on a later checkout.
func New(client *redis.Client, cfg Config, log *slog.Logger) (*Pool, error) {
	if cfg.Size < 1 {
		return nil, fmt.Errorf("pool: size must be at least 1, got %d", cfg.Size)
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		client:   client,
		cfg:      cfg,
		log:      log,
		free:     make(chan *Slot, cfg.Size),
		closedCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		p.free <- &Slot{conn: client.Conn()}
	}
	return p, nil
}

// Checkout hands out a free slot. With Blocking enabled it waits until a slot
// frees up, the context ends, or the pool closes; otherwise a saturated pool
// returns ErrPoolExhausted immediately.
func (p *Pool) Checkout(ctx context.Context) (*Slot, error) {
	start := time.Now()

	var slot *Slot
	if p.cfg.Blocking {
		select {
		case slot = <-p.free:
		case <-ctx.Done():
			metrics.PoolExhausted.Inc()
			return nil, fmt.Errorf("pool: checkout: %w", ctx.Err())
		case <-p.closedCh:
			return nil, ErrPoolClosed
		}
	} else {
		select {
		case slot = <-p.free:
		case <-p.closedCh:
			return nil, ErrPoolClosed
		default:
			metrics.PoolExhausted.Inc()
			return nil, ErrPoolExhausted
		}
	}
	metrics.PoolCheckoutWait.Observe(time.Since(start).Seconds())

	// A checkout can race Close: the slot drained here is then ours to close.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = slot.conn.Close()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if slot.broken {
		_ = slot.conn.Close()
		slot.conn = p.client.Conn()
		slot.broken = false
		metrics.PoolSlotReplacements.Inc()
		p.log.Debug("replaced broken publish connection")
	}

	metrics.PoolSlotsInUse.Inc()
	return slot, nil
}

// Release returns a slot unconditionally, broken or not. Never blocks: the
// free channel has capacity for every slot the pool owns. The enqueue happens
// under the pool lock so it cannot slip in behind Close's drain and strand an
// open connection.
func (p *Pool) Release(slot *Slot) {
	if slot == nil {
		return
	}
	metrics.PoolSlotsInUse.Dec()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = slot.conn.Close()
		return
	}
	p.free <- slot
}

// WithConn is the scoped-acquisition form: checkout, run fn, release on every
// exit path. A non-nil error from fn marks the slot broken so the pool
// replaces its connection on next checkout.
func (p *Pool) WithConn(ctx context.Context, fn func(conn *redis.Conn) error) error {
	slot, err := p.Checkout(ctx)
	if err != nil {
		return err
	}
	defer p.Release(slot)

	if err := fn(slot.conn); err != nil {
		slot.MarkBroken()
		return err
	}
	return nil
}

// Publish sends raw bytes to channel over one pooled connection, returning
// once Redis acknowledges the publish.
func (p *Pool) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.WithConn(ctx, func(conn *redis.Conn) error {
		if err := conn.Publish(ctx, channel, payload).Err(); err != nil {
			return fmt.Errorf("pool: publish to %s: %w", channel, err)
		}
		return nil
	})
}

// Size reports the configured slot count.
func (p *Pool) Size() int { return p.cfg.Size }

// Close tears down every idle slot and fails pending and future checkouts
// with ErrPoolClosed. Checked-out slots are closed on release. The drain runs
// under the pool lock, mutually exclusive with Release's enqueue.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.closedCh)

	for {
		select {
		case slot := <-p.free:
			_ = slot.conn.Close()
		default:
			return nil
		}
	}
}
