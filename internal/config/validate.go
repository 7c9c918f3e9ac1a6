package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks what can be checked without touching the network or the
// registry. It collects every problem instead of stopping at the first.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	e := cfg.Engine
	if e.WarmUpDurationHours < 0 {
		add(errors.New("engine.warm_up_duration_hours must be >= 0"))
	}
	for name, v := range map[string]int{
		"engine.per_worker_daily_max":               e.PerWorkerDailyMax,
		"engine.per_target_daily_max":               e.PerTargetDailyMax,
		"engine.short_rate_limit_threshold_seconds": e.ShortRateLimitThresholdSeconds,
		"engine.join_batch_size":                    e.JoinBatchSize,
		"engine.post_batch_size":                    e.PostBatchSize,
		"engine.post_max_attempts":                  e.PostMaxAttempts,
	} {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", name))
		}
	}
	for name, v := range map[string][]int{
		"engine.inter_batch_pause_range": e.InterBatchPauseRange,
		"engine.join_pause_range":        e.JoinPauseRange,
		"engine.error_pause_range":       e.ErrorPauseRange,
		"engine.rate_limit_pause_range":  e.RateLimitPauseRange,
	} {
		_, _, err := ParseSecondsRange(name, v, 0, 0)
		add(err)
	}

	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("schedule.timezone: %w", err))
		}
	}
	_, err = ParseDurationField("schedule.backlog_interval", cfg.Schedule.BacklogInterval)
	add(err)
	_, err = ParseDurationField("schedule.catch_up_grace", cfg.Schedule.CatchUpGrace)
	add(err)
	_, err = ParseDurationField("schedule.max_idle", cfg.Schedule.MaxIdle)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Client.Driver)) {
	case "", "dryrun":
	case "bridge":
		if strings.TrimSpace(cfg.Client.BridgeURL) == "" {
			add(errors.New("client.bridge_url is required for the bridge driver"))
		}
	default:
		add(fmt.Errorf("client.driver: unknown driver %q", cfg.Client.Driver))
	}
	_, err = ParseDurationField("client.timeout", cfg.Client.Timeout)
	add(err)
	_, err = ParseDurationField("client.min_action_gap", cfg.Client.MinActionGap)
	add(err)

	if cfg.Logging.Telegram.Enabled && cfg.Telegram.ReportChatID == 0 {
		add(errors.New("logging.telegram requires telegram.report_chat_id"))
	}
	if n := cfg.Notifier; n != nil {
		_, err = ParseDurationField("notifier.retry_base", n.RetryBase)
		add(err)
		_, err = ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
		add(err)
		_, err = ParseDurationField("notifier.dedup_window", n.DedupWindow)
		add(err)
	}
	if ev := cfg.Events; ev != nil && ev.Enabled && strings.TrimSpace(ev.URL) == "" {
		add(errors.New("events.url is required when events are enabled"))
	}
	return errors.Join(errs...)
}
