package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pewcast/internal/orchestrator"
	logx "pewcast/pkg/logx"
)

// The sd_notify helpers are no-ops outside a systemd unit (NOTIFY_SOCKET
// unset).

func notifyReady(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyReady)
}

func notifyStopping(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyStopping)
}

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec.
func (a *App) watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// statusLoop mirrors the last pass summary into the unit's STATUS= line.
func (a *App) statusLoop(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(8, orchestrator.EventPassFinish)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if sum, ok := ev.Data.(orchestrator.Summary); ok {
				_, _ = daemon.SdNotify(false, "STATUS="+sum.String())
			}
		}
	}
}
