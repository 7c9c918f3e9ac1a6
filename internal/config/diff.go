package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pewcast/pkg/logx"
)

// SummarizeConfigChange lists the changed sections plus safe structured
// attrs for logging. Secrets (tokens, DSNs, AMQP URLs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	ns := newCfg.Storage
	if oldCfg.Storage != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.dsn_set", ns.DSN != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		e := newCfg.Engine
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Any("engine.warm_up_hours", e.WarmUpDurationHours),
			logx.Int("engine.per_worker_daily_max", e.PerWorkerDailyMax),
			logx.Int("engine.per_target_daily_max", e.PerTargetDailyMax),
			logx.Int("engine.short_rate_limit_threshold_s", e.ShortRateLimitThresholdSeconds),
			logx.Bool("engine.parallel_post", e.ParallelPost),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.slots", strings.Join(newCfg.Schedule.DailySlotTimes, ",")),
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
		)
	}

	oc, nc := oldCfg.Client, newCfg.Client
	if oc.Driver != nc.Driver || oc.BridgeURL != nc.BridgeURL || oc.Timeout != nc.Timeout ||
		oc.MinActionGap != nc.MinActionGap || oc.BridgeToken != nc.BridgeToken {
		changed = append(changed, "client")
		attrs = append(attrs,
			logx.String("client.driver", nc.Driver),
			logx.Bool("client.token_set", nc.BridgeToken != ""),
		)
	}

	if oldCfg.Content != newCfg.Content {
		changed = append(changed, "content")
		attrs = append(attrs, logx.String("content.path", newCfg.Content.Path))
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.ReportChatID != nt.ReportChatID || ot.ReportThreadID != nt.ReportThreadID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", nt.Token != ""),
			logx.Bool("telegram.report_chat_set", nt.ReportChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		if newCfg.Events != nil {
			attrs = append(attrs, logx.Bool("events.enabled", newCfg.Events.Enabled))
		}
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports sections whose changes only apply after a restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "client", "telegram", "events", "content":
			out = append(out, s)
		}
	}
	return out
}
