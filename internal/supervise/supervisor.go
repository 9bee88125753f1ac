// Package supervise implements the ordered restart discipline for the
// registry → relay → pool dependency chain. Children form a strict chain: a
// failure restarts the failed child and every child started after it, never
// anything before it (upstream failures cascade forward, downstream failures
// do not cascade backward).
package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/atlas-forks/phoenix-pubsub-redis/internal/metrics"
)

// ErrRestartBudgetExhausted means a child kept failing faster than the
// restart intensity allows; the whole tree is stopped.
var ErrRestartBudgetExhausted = errors.New("supervise: restart budget exhausted")

// Child is one supervised component. Start brings the child up and returns
// its stop function. Run-loop children report an asynchronous crash through
// fail; components without a run loop never call it.
type Child struct {
	Name  string
	Start func(ctx context.Context, fail func(error)) (stop func(), err error)
}

// Config tunes the restart policy.
type Config struct {
	// MaxRestarts within Window before giving up. Defaults: 5 in 10s.
	MaxRestarts int
	Window      time.Duration
	// Backoff is the pause before re-creating a failed subtree.
	Backoff time.Duration
	Clock   clockwork.Clock
	Log     *slog.Logger
}

type failure struct {
	index int
	gen   uint64
	err   error
}

// Supervisor owns an ordered child chain.
type Supervisor struct {
	children []Child
	cfg      Config

	failCh chan failure
	stops  []func()
	gens   []uint64

	mu      sync.Mutex
	running bool
}

// New creates a supervisor for the given chain, in start order.
func New(children []Child, cfg Config) *Supervisor {
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.Window == 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Supervisor{
		children: children,
		cfg:      cfg,
		failCh:   make(chan failure, len(children)),
		stops:    make([]func(), len(children)),
		gens:     make([]uint64, len(children)),
	}
}

// Run starts every child in order and supervises until ctx ends or the
// restart budget runs out. On return all children are stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervise: already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.startFrom(ctx, 0); err != nil {
		s.stopFrom(0)
		return fmt.Errorf("supervise: initial start: %w", err)
	}
	defer s.stopFrom(0)

	var restartTimes []time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case f := <-s.failCh:
			if f.gen != s.gens[f.index] {
				// Stale report from a child generation already replaced.
				continue
			}

			now := s.cfg.Clock.Now()
			restartTimes = append(restartTimes, now)
			restartTimes = prune(restartTimes, now.Add(-s.cfg.Window))
			if len(restartTimes) > s.cfg.MaxRestarts {
				s.cfg.Log.Error("giving up after repeated failures",
					"child", s.children[f.index].Name, "error", f.err)
				return fmt.Errorf("%w: %s: %v", ErrRestartBudgetExhausted, s.children[f.index].Name, f.err)
			}

			s.cfg.Log.Warn("child failed, restarting subtree",
				"child", s.children[f.index].Name, "error", f.err)
			metrics.SupervisorRestarts.WithLabelValues(s.children[f.index].Name).Inc()

			// The failed child and everything after it come down; children
			// before it are untouched.
			s.stopFrom(f.index)

			timer := s.cfg.Clock.NewTimer(s.cfg.Backoff)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				timer.Stop()
				return nil
			}

			if err := s.startFrom(ctx, f.index); err != nil {
				// A failed restart is itself a failure of that child; feed it
				// back through the same budget.
				select {
				case s.failCh <- failure{index: f.index, gen: s.gens[f.index], err: err}:
				default:
				}
			}
		}
	}
}

// startFrom brings up children[from:] in dependency order.
func (s *Supervisor) startFrom(ctx context.Context, from int) error {
	for i := from; i < len(s.children); i++ {
		s.gens[i]++
		gen := s.gens[i]
		idx := i

		fail := func(err error) {
			select {
			case s.failCh <- failure{index: idx, gen: gen, err: err}:
			default:
				// Channel already carries a pending failure for this chain;
				// one report is enough to trigger the restart.
			}
		}

		stop, err := s.children[i].Start(ctx, fail)
		if err != nil {
			// Roll back the children of this partial attempt.
			s.stopFrom(from)
			return fmt.Errorf("start %s: %w", s.children[i].Name, err)
		}
		s.stops[i] = stop
		s.cfg.Log.Debug("child started", "child", s.children[i].Name)
	}
	return nil
}

// stopFrom tears down children[from:] in reverse order, dependents first.
func (s *Supervisor) stopFrom(from int) {
	for i := len(s.children) - 1; i >= from; i-- {
		if s.stops[i] != nil {
			s.stops[i]()
			s.stops[i] = nil
		}
		s.gens[i]++ // invalidate outstanding fail closures
	}
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
