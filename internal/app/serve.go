package app

import (
	"context"
	"fmt"
	"time"

	"pewcast/internal/config"
	"pewcast/internal/runtime/supervisor"
	logx "pewcast/pkg/logx"
)

// Serve runs the scheduler loop and its observers until ctx ends or a
// supervised goroutine fails. It closes the app before returning.
func (a *App) Serve(ctx context.Context) error {
	defer a.Close()

	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	sup := a.sup

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := Resolve(cfg)
		return err
	})

	if a.notif != nil {
		a.notif.Start(sup.Context())
	}

	sub := a.cfgm.Subscribe(4)
	sup.Go("config.watch", a.cfgm.Watch)
	sup.Go("config.apply", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.applyLoop(c, sub)
		return nil
	})
	sup.GoRestart("content.watch", a.catalog.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))
	if a.reporter != nil {
		sup.Go("notifier.report", func(c context.Context) error { return a.reporter.Run(c, a.bus) })
	}
	if a.publisher != nil {
		sup.GoRestart("events.publish", func(c context.Context) error { return a.publisher.Run(c, a.bus) },
			supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	sup.Go("systemd.watchdog", a.watchdog)
	sup.Go("systemd.status", a.statusLoop)
	sup.Go("scheduler", a.loop.Run)

	notifyReady(a.log)
	a.log.Info("serving")

	<-sup.Context().Done()
	reason := StopSignal
	if sup.Err() != nil {
		reason = StopFatalError
	}
	notifyStopping(a.log)
	a.shutdown(reason)
	return sup.Err()
}

// applyLoop pushes each committed config revision into the live components.
// Storage, client, content path, Telegram and events need a restart.
func (a *App) applyLoop(ctx context.Context, sub <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			set, err := Resolve(cfg)
			if err != nil {
				a.log.Warn("config revision not applied", logx.Err(err))
				continue
			}
			a.apply(ctx, set)
		}
	}
}

func (a *App) apply(ctx context.Context, set Settings) {
	a.logs.Apply(set.Log)
	a.orch.SetConfig(set.Engine)
	if err := a.loop.SetConfig(set.Schedule); err != nil {
		a.log.Warn("schedule not applied", logx.Err(err))
	}
	a.niche.Store(set.Schedule.Niche)

	if a.notif != nil {
		was := a.notif.Enabled()
		a.notif.Apply(set.Notifier)
		switch now := a.notif.Enabled(); {
		case was && !now:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !was && now:
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}
	a.log.Info("config applied")
}

// shutdown waits for supervised goroutines and drains the notifier, each
// step bounded so one stuck component cannot stall the exit.
func (a *App) shutdown(reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.step(ctx, "supervisor", 5*time.Second, a.sup.Wait)
	if a.notif != nil {
		a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	}
	for _, st := range a.sup.Snapshot() {
		if st.Restarts > 0 || st.Panics > 0 {
			a.log.Info("goroutine stats",
				logx.String("name", st.Name),
				logx.Int("restarts", st.Restarts),
				logx.Int("panics", st.Panics),
				logx.String("last_err", st.LastErr),
			)
		}
	}
	a.log.Info("stopped")
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
