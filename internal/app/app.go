// Package app wires the registry, the engine and its observers into a
// running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"pewcast/internal/client"
	"pewcast/internal/config"
	"pewcast/internal/content"
	"pewcast/internal/eventbus"
	"pewcast/internal/events"
	"pewcast/internal/notifier"
	"pewcast/internal/orchestrator"
	"pewcast/internal/runtime/supervisor"
	"pewcast/internal/scheduler"
	"pewcast/internal/storage"
	kit "pewcast/internal/transport"
	"pewcast/internal/transport/telegram"
	logx "pewcast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock orchestrator.Clock

	catalog   *content.Catalog
	orch      *orchestrator.Orchestrator
	loop      *scheduler.Loop
	notif     *notifier.Service
	reporter  *notifier.Reporter
	publisher *events.Publisher

	niche atomic.Value // string
}

type options struct {
	offline bool
	client  client.Client
	sender  kit.Sender
	clock   orchestrator.Clock
}

type Option func(*options)

// Offline opens only what admin commands need: no Telegram, no reports and
// no event stream.
func Offline() Option { return func(o *options) { o.offline = true } }

// WithClient replaces the configured client driver.
func WithClient(c client.Client) Option { return func(o *options) { o.client = c } }

// WithSender replaces the Telegram sender used for reports and the log sink.
func WithSender(s kit.Sender) Option { return func(o *options) { o.sender = s } }

func WithClock(c orchestrator.Clock) Option { return func(o *options) { o.clock = c } }

// Open loads the config at cfgPath and builds every component. The store is
// opened and migrated; nothing runs until Serve or RunBatch.
func Open(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = orchestrator.SystemClock()
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}

	sender := o.sender
	if sender == nil && !o.offline && set.TelegramToken != "" {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		tg, err := telegram.New(telegram.Config{Token: set.TelegramToken}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}
	if o.offline {
		set.Log.Telegram.Enabled = false
	}
	logSvc, log := logx.New(set.Log, sender)

	a := &App{
		cfgm:  cfgm,
		logs:  logSvc,
		log:   log.With(logx.String("comp", "app")),
		bus:   eventbus.New(),
		clock: o.clock,
	}
	a.niche.Store(set.Schedule.Niche)
	if err := a.build(set, o, sender, log); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(set Settings, o options, sender kit.Sender, log logx.Logger) error {
	st, err := storage.Open(set.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage ready", logx.String("driver", set.Storage.Driver))

	cl := o.client
	if cl == nil {
		if cl, err = newClient(set.Client, log.With(logx.String("comp", "client"))); err != nil {
			return err
		}
	}
	cl = client.NewPaced(cl, set.Client.MinGap)

	if set.Content != "" {
		if a.catalog, err = content.Open(set.Content, log.With(logx.String("comp", "content"))); err != nil {
			return fmt.Errorf("open content: %w", err)
		}
	} else {
		a.log.Warn("no content catalog configured; post passes will skip every target")
		a.catalog = content.Static(nil)
	}

	a.orch, err = orchestrator.New(orchestrator.Options{
		Store:   a.store,
		Client:  cl,
		Content: a.catalog,
		Clock:   a.clock,
		Bus:     a.bus,
		Log:     log.With(logx.String("comp", "orchestrator")),
		Config:  set.Engine,
	})
	if err != nil {
		return err
	}
	a.loop, err = scheduler.New(scheduler.Options{
		Store:  a.store,
		Runner: a.orch,
		Clock:  a.clock,
		Bus:    a.bus,
		Log:    log.With(logx.String("comp", "scheduler")),
		Config: set.Schedule,
	})
	if err != nil {
		return err
	}

	if o.offline {
		return nil
	}
	if sender != nil {
		nlog := log.With(logx.String("comp", "notifier"))
		a.notif = notifier.New(set.Notifier, sender, nlog, a.bus)
		a.reporter = notifier.NewReporter(a.notif, set.ReportTo, nlog)
	}
	if set.Events != nil {
		if a.publisher, err = events.New(*set.Events, log.With(logx.String("comp", "events"))); err != nil {
			return err
		}
	}
	return nil
}

func newClient(cs ClientSettings, log logx.Logger) (client.Client, error) {
	switch cs.Driver {
	case "dryrun":
		log.Warn("dry-run client: no network actions will be performed")
		return client.NewDryRun(log), nil
	case "bridge":
		b, err := client.NewBridge(cs.Bridge, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown client driver %q", cs.Driver)
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) defaultNiche() string {
	n, _ := a.niche.Load().(string)
	return n
}

// Done is closed when Serve's supervisor is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// RunBatch runs one join or post pass outside the scheduler loop and reports
// its summary when a report chat is configured.
func (a *App) RunBatch(ctx context.Context, kind storage.ActionKind, niche string, size int) (orchestrator.Summary, error) {
	if strings.TrimSpace(niche) == "" {
		niche = a.defaultNiche()
	}
	if a.notif != nil {
		a.notif.Start(ctx)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.notif.Stop(stopCtx)
		}()
	}

	var (
		sum orchestrator.Summary
		err error
	)
	switch kind {
	case storage.ActionJoin:
		sum, err = a.orch.RunJoin(ctx, niche, size)
	case storage.ActionPost:
		sum, err = a.orch.RunPost(ctx, niche, size)
	default:
		return orchestrator.Summary{}, fmt.Errorf("unknown pass kind %q", kind)
	}
	if a.reporter != nil {
		a.reporter.Report(ctx, sum)
	}
	return sum, err
}

func (a *App) AddWorker(ctx context.Context, credentialsRef string) (storage.Worker, error) {
	if strings.TrimSpace(credentialsRef) == "" {
		return storage.Worker{}, errors.New("credentials reference is required")
	}
	w, err := a.store.AddWorker(ctx, strings.TrimSpace(credentialsRef))
	if err != nil {
		return storage.Worker{}, err
	}
	a.log.Info("worker added", logx.Int64("worker_id", w.ID))
	return w, nil
}

// AddTarget registers a target and wakes an idle scheduler in this process.
func (a *App) AddTarget(ctx context.Context, address, niche string) (storage.Target, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return storage.Target{}, errors.New("target address is required")
	}
	if strings.TrimSpace(niche) == "" {
		niche = a.defaultNiche()
	}
	t, err := a.store.AddTarget(ctx, address, strings.TrimSpace(niche))
	if err != nil {
		return storage.Target{}, err
	}
	a.log.Info("target added", logx.Int64("target_id", t.ID), logx.String("niche", t.Niche))
	a.bus.Publish(eventbus.Event{Type: scheduler.EventTargetAdded, Time: a.clock.Now(), Data: t})
	return t, nil
}

// Requeue sends a failed target back to new.
func (a *App) Requeue(ctx context.Context, targetID int64) (storage.Target, error) {
	t, err := a.store.RequeueTarget(ctx, targetID)
	if err != nil {
		return storage.Target{}, err
	}
	a.log.Info("target requeued", logx.Int64("target_id", t.ID))
	a.bus.Publish(eventbus.Event{Type: scheduler.EventTargetAdded, Time: a.clock.Now(), Data: t})
	return t, nil
}

func (a *App) Status(ctx context.Context) (storage.StatusCounts, error) {
	return a.store.Counts(ctx, a.clock.Now())
}

// Close releases the store and flushes log sinks. Serve calls it on exit.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close storage failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}
