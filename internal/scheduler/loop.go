// Package scheduler drives the join and post passes.
//
// Each iteration first looks at the backlog of new targets. While it is not
// empty the loop runs join passes on a short fixed interval. Once it is
// empty the loop waits for the next daily slot, runs a join pass and a post
// pass, and marks the slot so a restart does not run it twice. A wake signal
// (a target was added) interrupts the wait.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"pewcast/internal/eventbus"
	"pewcast/internal/orchestrator"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

// EventTargetAdded wakes an idle loop.
const EventTargetAdded = "target.added"

const minCatchUpGrace = time.Minute

// Runner runs one pass. *orchestrator.Orchestrator implements it.
type Runner interface {
	RunJoin(ctx context.Context, niche string, batchSize int) (orchestrator.Summary, error)
	RunPost(ctx context.Context, niche string, batchSize int) (orchestrator.Summary, error)
}

type Config struct {
	Slots           []string
	Timezone        string
	BacklogInterval time.Duration
	CatchUpGrace    time.Duration
	// MaxIdle caps the idle sleep so targets added by another process are
	// noticed before the next slot. Zero sleeps until the slot.
	MaxIdle         time.Duration
	Niche           string
	JoinBatchSize   int
	PostBatchSize   int
}

type Options struct {
	Store  storage.Store
	Runner Runner
	Clock  orchestrator.Clock
	Bus    eventbus.Bus
	Log    logx.Logger
	Config Config
}

type Loop struct {
	store  storage.Store
	runner Runner
	clock  orchestrator.Clock
	bus    eventbus.Bus
	log    logx.Logger

	mu    sync.RWMutex
	cfg   Config
	table *Table

	wake chan struct{}
}

func New(o Options) (*Loop, error) {
	if o.Store == nil || o.Runner == nil {
		return nil, errors.New("scheduler: store and runner are required")
	}
	if o.Clock == nil {
		o.Clock = orchestrator.SystemClock()
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	l := &Loop{
		store:  o.Store,
		runner: o.Runner,
		clock:  o.Clock,
		bus:    o.Bus,
		log:    o.Log,
		wake:   make(chan struct{}, 1),
	}
	if err := l.SetConfig(o.Config); err != nil {
		return nil, err
	}
	return l, nil
}

// SetConfig recompiles the slot table and wakes the loop so the new table
// takes effect on the next iteration.
func (l *Loop) SetConfig(c Config) error {
	if c.BacklogInterval <= 0 {
		c.BacklogInterval = 60 * time.Second
	}
	if c.CatchUpGrace < minCatchUpGrace {
		c.CatchUpGrace = minCatchUpGrace
	}
	table, err := NewTable(c.Slots, c.Timezone)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = c
	l.table = table
	l.mu.Unlock()
	l.Wake()
	return nil
}

func (l *Loop) snapshot() (Config, *Table) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg, l.table
}

// Wake interrupts a pending wait. It never blocks.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	if l.bus != nil {
		ch, unsub := l.bus.Subscribe(16, EventTargetAdded)
		defer unsub()
		go func() {
			for ev := range ch {
				if ev.Type == EventTargetAdded {
					l.Wake()
				}
			}
		}()
	}

	l.log.Info("scheduler started")
	for {
		wait, err := l.Iterate(ctx)
		if ctx.Err() != nil {
			l.log.Info("scheduler stopped")
			return nil
		}
		if err != nil {
			l.log.Error("scheduler iteration failed", logx.Err(err))
		}
		if wait > 0 && !l.sleep(ctx, wait) {
			l.log.Info("scheduler stopped")
			return nil
		}
	}
}

// sleep waits for d, a wake signal or cancellation. It returns false on
// cancellation.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-l.wake:
		l.log.Debug("scheduler woken")
		return true
	case <-l.clock.After(d):
		return true
	}
}

// Iterate runs one scheduling decision and returns how long to wait before
// the next one.
func (l *Loop) Iterate(ctx context.Context) (time.Duration, error) {
	cfg, table := l.snapshot()
	now := l.clock.Now()

	if n, err := l.store.ReactivateWorkers(ctx, now); err != nil {
		l.log.Warn("reactivate workers failed", logx.Err(err))
	} else if n > 0 {
		l.log.Info("workers back from cooldown", logx.Int("count", n))
	}

	backlog, err := l.store.CountTargets(ctx, storage.TargetNew)
	if err != nil {
		return cfg.BacklogInterval, err
	}

	if backlog > 0 {
		l.log.Info("backlog mode", logx.Int("new_targets", backlog))
		if _, err := l.runner.RunJoin(ctx, cfg.Niche, cfg.JoinBatchSize); err != nil && ctx.Err() == nil {
			l.log.Error("join pass failed", logx.Err(err))
		}
		// slots that come due while the backlog drains still get their post pass
		if _, err := l.runDue(ctx, cfg, table, false); err != nil {
			return cfg.BacklogInterval, err
		}
		backlog, err = l.store.CountTargets(ctx, storage.TargetNew)
		if err != nil {
			return cfg.BacklogInterval, err
		}
		if backlog > 0 {
			return cfg.BacklogInterval, nil
		}
		return 0, nil
	}

	ran, err := l.runDue(ctx, cfg, table, true)
	if err != nil {
		return cfg.BacklogInterval, err
	}
	if ran > 0 {
		return 0, nil
	}

	next, ok := table.Next(l.clock.Now())
	if !ok {
		return cfg.BacklogInterval, nil
	}
	wait := next.At.Sub(l.clock.Now())
	l.log.Info("idle until next slot", logx.String("slot", next.Slot.Key()), logx.Time("at", next.At))
	if cfg.MaxIdle > 0 && wait > cfg.MaxIdle {
		wait = cfg.MaxIdle
	}
	return wait, nil
}

// runDue runs every unmarked due slot and returns how many ran.
func (l *Loop) runDue(ctx context.Context, cfg Config, table *Table, withJoin bool) (int, error) {
	ran := 0
	for _, occ := range table.Due(l.clock.Now(), cfg.CatchUpGrace) {
		done, err := l.store.SlotDone(ctx, occ.Day, occ.Slot.Key())
		if err != nil {
			return ran, err
		}
		if done {
			continue
		}
		if err := l.runSlot(ctx, cfg, occ, withJoin); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}

func (l *Loop) runSlot(ctx context.Context, cfg Config, occ Occurrence, withJoin bool) error {
	log := l.log.With(logx.String("slot", occ.Slot.Key()), logx.String("day", occ.Day))
	log.Info("slot started")
	if withJoin {
		if _, err := l.runner.RunJoin(ctx, cfg.Niche, cfg.JoinBatchSize); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("join pass failed", logx.Err(err))
		}
	}
	if _, err := l.runner.RunPost(ctx, cfg.Niche, cfg.PostBatchSize); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("post pass failed", logx.Err(err))
	}
	if _, err := l.store.MarkSlot(ctx, occ.Day, occ.Slot.Key(), l.clock.Now()); err != nil {
		return err
	}
	log.Info("slot done")
	return nil
}
