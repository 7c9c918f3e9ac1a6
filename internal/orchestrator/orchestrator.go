// Package orchestrator runs join and post passes over the registry.
//
// A pass is one bounded batch. Everything it remembers (excluded workers,
// per-worker locks, counters) lives in a pass value that is created when the
// pass starts and dropped when it returns. Provider outcomes are classified
// and recorded per attempt; a single target never aborts the batch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"pewcast/internal/assign"
	"pewcast/internal/client"
	"pewcast/internal/content"
	"pewcast/internal/eventbus"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

// Event types published on the bus.
const (
	EventAction     = "action.recorded"
	EventPassFinish = "pass.finished"
)

// Clock is the time source for the engine. Tests swap in a fake.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
func SystemClock() Clock { return systemClock{} }

// PauseRange is a randomized throttle between attempts.
type PauseRange struct {
	Min time.Duration
	Max time.Duration
}

func (r PauseRange) IsZero() bool { return r.Min <= 0 && r.Max <= 0 }

func (r PauseRange) pick(rng *rand.Rand) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(rng.Int63n(int64(r.Max-r.Min)+1))
}

type Config struct {
	WarmUp                  time.Duration
	PerWorkerDailyMax       int
	PerTargetDailyMax       int
	ShortRateLimitThreshold time.Duration
	JoinBatchSize           int
	PostBatchSize           int
	PostMaxAttempts         int
	ParallelPost            bool

	JoinSuccessPause PauseRange
	JoinErrorPause   PauseRange
	PostPause        PauseRange
	RateLimitPause   PauseRange

	Location *time.Location
}

func DefaultConfig() Config {
	return Config{
		WarmUp:                  24 * time.Hour,
		PerWorkerDailyMax:       20,
		PerTargetDailyMax:       2,
		ShortRateLimitThreshold: 600 * time.Second,
		JoinBatchSize:           10,
		PostBatchSize:           20,
		PostMaxAttempts:         5,
		JoinSuccessPause:        PauseRange{Min: 5 * time.Minute, Max: 10 * time.Minute},
		JoinErrorPause:          PauseRange{Min: 60 * time.Second, Max: 60 * time.Second},
		PostPause:               PauseRange{Min: 30 * time.Second, Max: 60 * time.Second},
		RateLimitPause:          PauseRange{Min: 5 * time.Second, Max: 15 * time.Second},
		Location:                time.UTC,
	}
}

func (c Config) policy() assign.Policy {
	return assign.Policy{PerWorkerDailyMax: c.PerWorkerDailyMax, WarmUp: c.WarmUp, Location: c.Location}
}

type Options struct {
	Store   storage.Store
	Client  client.Client
	Content content.Source
	Clock   Clock
	Bus     eventbus.Bus
	Log     logx.Logger
	Config  Config
}

type Orchestrator struct {
	store   storage.Store
	client  client.Client
	content content.Source
	clock   Clock
	bus     eventbus.Bus
	log     logx.Logger

	mu  sync.RWMutex
	cfg Config

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(o Options) (*Orchestrator, error) {
	if o.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if o.Client == nil {
		return nil, errors.New("orchestrator: client is required")
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.Config.Location == nil {
		o.Config.Location = time.UTC
	}
	return &Orchestrator{
		store:   o.Store,
		client:  o.Client,
		content: o.Content,
		clock:   o.Clock,
		bus:     o.Bus,
		log:     o.Log,
		cfg:     o.Config,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetConfig swaps the limits used by passes that start afterwards.
func (o *Orchestrator) SetConfig(c Config) {
	if c.Location == nil {
		c.Location = time.UTC
	}
	o.mu.Lock()
	o.cfg = c
	o.mu.Unlock()
}

func (o *Orchestrator) Config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// Summary describes one finished pass.
type Summary struct {
	PassID        string
	Kind          storage.ActionKind
	Niche         string
	Started       time.Time
	Finished      time.Time
	Targets       int
	Attempts      int
	Succeeded     int
	RateLimited   int
	Forbidden     int
	Failed        int
	Unknown       int
	Inaccessible  int
	NoWorkersLeft int
	Skipped       int
}

func (s Summary) String() string {
	return fmt.Sprintf("%s pass %s: targets=%d attempts=%d ok=%d rate_limited=%d forbidden=%d failed=%d unknown=%d inaccessible=%d no_workers_left=%d skipped=%d in %s",
		s.Kind, s.PassID, s.Targets, s.Attempts, s.Succeeded, s.RateLimited, s.Forbidden, s.Failed, s.Unknown,
		s.Inaccessible, s.NoWorkersLeft, s.Skipped, s.Finished.Sub(s.Started).Round(time.Second))
}

// pass is the state scoped to one batch.
type pass struct {
	id     string
	cfg    Config
	engine *assign.Engine
	log    logx.Logger

	mu       sync.Mutex
	excluded map[int64]struct{}
	locks    map[int64]*sync.Mutex
	sum      Summary
}

func (o *Orchestrator) newPass(kind storage.ActionKind, niche string) *pass {
	cfg := o.Config()
	id := uuid.NewString()
	return &pass{
		id:       id,
		cfg:      cfg,
		engine:   assign.New(o.store, cfg.policy()),
		log:      o.log.With(logx.String("pass_id", id), logx.String("pass", string(kind))),
		excluded: map[int64]struct{}{},
		locks:    map[int64]*sync.Mutex{},
		sum:      Summary{PassID: id, Kind: kind, Niche: niche, Started: o.clock.Now()},
	}
}

func (p *pass) exclude(workerID int64) {
	p.mu.Lock()
	p.excluded[workerID] = struct{}{}
	p.mu.Unlock()
}

// exclusions returns a copy of the pass exclusions merged with extra.
func (p *pass) exclusions(extra map[int64]struct{}) map[int64]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int64]struct{}, len(p.excluded)+len(extra))
	for id := range p.excluded {
		out[id] = struct{}{}
	}
	for id := range extra {
		out[id] = struct{}{}
	}
	return out
}

// lock serializes every network action of one worker within the pass.
func (p *pass) lock(workerID int64) func() {
	p.mu.Lock()
	l := p.locks[workerID]
	if l == nil {
		l = &sync.Mutex{}
		p.locks[workerID] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (p *pass) count(fn func(s *Summary)) {
	p.mu.Lock()
	fn(&p.sum)
	p.mu.Unlock()
}

func (o *Orchestrator) finish(p *pass) Summary {
	p.mu.Lock()
	p.sum.Finished = o.clock.Now()
	s := p.sum
	p.mu.Unlock()
	p.log.Info("pass finished",
		logx.Int("targets", s.Targets),
		logx.Int("ok", s.Succeeded),
		logx.Int("rate_limited", s.RateLimited),
		logx.Int("forbidden", s.Forbidden),
		logx.Int("failed", s.Failed),
		logx.Int("no_workers_left", s.NoWorkersLeft),
	)
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: EventPassFinish, Time: s.Finished, Data: s})
	}
	return s
}

func (o *Orchestrator) pause(ctx context.Context, r PauseRange) error {
	o.rngMu.Lock()
	d := r.pick(o.rng)
	o.rngMu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.clock.After(d):
		return nil
	}
}

// call invokes fn and turns a panic into an error so one misbehaving driver
// call only costs its own target.
func call(fn func() client.Result) (res client.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("client panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(), nil
}

func identity(w storage.Worker) client.Identity {
	return client.Identity{WorkerID: w.ID, CredentialsRef: w.CredentialsRef}
}

func outcomeOf(r client.Result) storage.Outcome {
	switch r.Kind {
	case client.KindSuccess:
		return storage.OutcomeSuccess
	case client.KindRateLimited:
		return storage.OutcomeRateLimited
	case client.KindForbidden:
		return storage.OutcomeForbidden
	default:
		return storage.OutcomeError
	}
}

// record appends a non-success attempt to the history.
func (o *Orchestrator) record(ctx context.Context, p *pass, kind storage.ActionKind, w storage.Worker,
	t storage.Target, outcome storage.Outcome, detail string) {
	rec, err := o.store.AppendAction(ctx, storage.ActionRecord{
		PassID:   p.id,
		WorkerID: w.ID,
		TargetID: t.ID,
		Kind:     kind,
		Outcome:  outcome,
		At:       o.clock.Now(),
		Detail:   detail,
	})
	if err != nil {
		p.log.Error("append action failed", logx.Int64("target_id", t.ID), logx.Int64("worker_id", w.ID), logx.Err(err))
		return
	}
	o.emit(rec)
}

func (o *Orchestrator) emit(rec storage.ActionRecord) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{Type: EventAction, Time: rec.At, Data: rec})
}

// rateLimit stamps the worker's backoff and removes it from the pass. It
// reports whether the wait was long enough to put the worker in cooldown.
func (o *Orchestrator) rateLimit(ctx context.Context, p *pass, w storage.Worker, after time.Duration) bool {
	long := after > p.cfg.ShortRateLimitThreshold
	until := o.clock.Now().Add(after)
	if err := o.store.SetWorkerRateLimit(ctx, w.ID, until, long); err != nil {
		p.log.Error("store rate limit failed", logx.Int64("worker_id", w.ID), logx.Err(err))
	}
	p.exclude(w.ID)
	p.log.Info("worker rate limited",
		logx.Int64("worker_id", w.ID),
		logx.Duration("retry_after", after),
		logx.Bool("cooldown", long),
	)
	return long
}

// setStatus moves a target to a terminal status. A version conflict means a
// concurrent pass already moved it; that is logged and ignored.
func (o *Orchestrator) setStatus(ctx context.Context, p *pass, t storage.Target, st storage.TargetStatus, msg string) {
	_, err := o.store.SetTargetStatus(ctx, storage.StatusParams{
		TargetID:        t.ID,
		ExpectedVersion: t.Version,
		Status:          st,
		Message:         msg,
	})
	switch {
	case err == nil:
		p.log.Info("target status changed",
			logx.Int64("target_id", t.ID),
			logx.String("address", t.Address),
			logx.String("status", string(st)),
			logx.String("reason", msg),
		)
	case errors.Is(err, storage.ErrConflict):
		p.log.Warn("target changed concurrently; status not applied",
			logx.Int64("target_id", t.ID), logx.String("status", string(st)))
	default:
		p.log.Error("set target status failed", logx.Int64("target_id", t.ID), logx.Err(err))
	}
}

// reactivate returns cooled-down workers whose backoff has elapsed to active
// before a pass reads the pool.
func (o *Orchestrator) reactivate(ctx context.Context, p *pass) {
	n, err := o.store.ReactivateWorkers(ctx, o.clock.Now())
	if err != nil {
		p.log.Warn("reactivate workers failed", logx.Err(err))
		return
	}
	if n > 0 {
		p.log.Info("workers back from cooldown", logx.Int("count", n))
	}
}

// stranded reports whether no worker could ever serve t again without an
// operator: every worker is banned or blocklisted for it. Workers that are
// only rate limited, out of quota or excluded for this pass do not count.
func stranded(pool []storage.Worker, blocked map[int64]struct{}) bool {
	for _, w := range pool {
		if w.Status == storage.WorkerBanned {
			continue
		}
		if _, ok := blocked[w.ID]; ok {
			continue
		}
		return false
	}
	return true
}

// noWorker handles an empty selection for t.
func (o *Orchestrator) noWorker(ctx context.Context, p *pass, t storage.Target, pool []storage.Worker) {
	blocked, err := o.store.BlockedWorkers(ctx, t.ID)
	if err != nil {
		p.log.Error("load blocklist failed", logx.Int64("target_id", t.ID), logx.Err(err))
		p.count(func(s *Summary) { s.Skipped++ })
		return
	}
	if stranded(pool, blocked) {
		p.count(func(s *Summary) { s.NoWorkersLeft++ })
		o.setStatus(ctx, p, t, storage.TargetNoWorkersLeft, "no eligible worker")
		return
	}
	p.count(func(s *Summary) { s.Skipped++ })
	p.log.Debug("no worker available this pass", logx.Int64("target_id", t.ID))
}
