package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pewcast/internal/client"
	"pewcast/internal/config"
	"pewcast/internal/events"
	"pewcast/internal/notifier"
	"pewcast/internal/orchestrator"
	"pewcast/internal/scheduler"
	"pewcast/internal/storage"
	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// Settings is a Config with defaults applied and every string parsed into
// the type its component expects.
type Settings struct {
	Log      logx.Config
	Storage  storage.Config
	Engine   orchestrator.Config
	Schedule scheduler.Config
	Client   ClientSettings
	Content  string

	TelegramToken string
	ReportTo      kit.ChatTarget
	Notifier      notifier.Config

	// Events is nil when the AMQP stream is disabled.
	Events *events.Config
}

type ClientSettings struct {
	Driver string
	Bridge client.BridgeConfig
	MinGap time.Duration
}

const (
	defaultSQLitePath      = "./pewcast.db"
	defaultBusyTimeout     = 5 * time.Second
	defaultBacklogInterval = 60 * time.Second
	defaultCatchUpGrace    = 30 * time.Minute
	defaultMaxIdle         = 15 * time.Minute
	defaultClientTimeout   = 60 * time.Second
)

// Resolve validates cfg and maps it onto component settings.
func Resolve(cfg *config.Config) (Settings, error) {
	if err := config.Validate(cfg); err != nil {
		return Settings{}, err
	}
	var s Settings

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Settings{}, fmt.Errorf("schedule.timezone: %w", err)
		}
		loc = l
	}

	s.ReportTo = kit.ChatTarget{ChatID: cfg.Telegram.ReportChatID, ThreadID: cfg.Telegram.ReportThreadID}
	s.TelegramToken = strings.TrimSpace(cfg.Telegram.Token)
	s.Log = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && s.TelegramToken != "",
			ChatID:     cfg.Telegram.ReportChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}

	st, err := resolveStorage(cfg.Storage)
	if err != nil {
		return Settings{}, err
	}
	st.Location = loc
	s.Storage = st

	if s.Engine, err = resolveEngine(cfg.Engine); err != nil {
		return Settings{}, err
	}
	s.Engine.Location = loc

	backlog, err := config.ParseDurationOrDefault("schedule.backlog_interval", cfg.Schedule.BacklogInterval, defaultBacklogInterval)
	if err != nil {
		return Settings{}, err
	}
	grace, err := config.ParseDurationOrDefault("schedule.catch_up_grace", cfg.Schedule.CatchUpGrace, defaultCatchUpGrace)
	if err != nil {
		return Settings{}, err
	}
	maxIdle, err := config.ParseDurationOrDefault("schedule.max_idle", cfg.Schedule.MaxIdle, defaultMaxIdle)
	if err != nil {
		return Settings{}, err
	}
	s.Schedule = scheduler.Config{
		Slots:           append([]string(nil), cfg.Schedule.DailySlotTimes...),
		Timezone:        loc.String(),
		BacklogInterval: backlog,
		CatchUpGrace:    grace,
		MaxIdle:         maxIdle,
		Niche:           strings.TrimSpace(cfg.Engine.Niche),
		JoinBatchSize:   s.Engine.JoinBatchSize,
		PostBatchSize:   s.Engine.PostBatchSize,
	}
	// Fails early on malformed slot times so a bad reload never reaches the loop.
	if _, err := scheduler.NewTable(s.Schedule.Slots, s.Schedule.Timezone); err != nil {
		return Settings{}, fmt.Errorf("schedule.daily_slot_times: %w", err)
	}

	if s.Client, err = resolveClient(cfg.Client); err != nil {
		return Settings{}, err
	}
	s.Content = strings.TrimSpace(cfg.Content.Path)

	if s.Notifier, err = resolveNotifier(cfg.Notifier, s.ReportTo); err != nil {
		return Settings{}, err
	}
	if ev := cfg.Events; ev != nil && ev.Enabled {
		s.Events = &events.Config{URL: ev.URL, Exchange: ev.Exchange, RoutingKey: ev.RoutingKey}
	}
	return s, nil
}

func resolveStorage(sc config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultSQLitePath
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}, nil
	}
	return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
}

func resolveEngine(ec config.EngineConfig) (orchestrator.Config, error) {
	c := orchestrator.DefaultConfig()
	if ec.WarmUpDurationHours > 0 {
		c.WarmUp = time.Duration(ec.WarmUpDurationHours * float64(time.Hour))
	}
	if ec.PerWorkerDailyMax > 0 {
		c.PerWorkerDailyMax = ec.PerWorkerDailyMax
	}
	if ec.PerTargetDailyMax > 0 {
		c.PerTargetDailyMax = ec.PerTargetDailyMax
	}
	if ec.ShortRateLimitThresholdSeconds > 0 {
		c.ShortRateLimitThreshold = time.Duration(ec.ShortRateLimitThresholdSeconds) * time.Second
	}
	if ec.JoinBatchSize > 0 {
		c.JoinBatchSize = ec.JoinBatchSize
	}
	if ec.PostBatchSize > 0 {
		c.PostBatchSize = ec.PostBatchSize
	}
	if ec.PostMaxAttempts > 0 {
		c.PostMaxAttempts = ec.PostMaxAttempts
	}
	c.ParallelPost = ec.ParallelPost

	ranges := []struct {
		path string
		raw  []int
		dst  *orchestrator.PauseRange
	}{
		{"engine.join_pause_range", ec.JoinPauseRange, &c.JoinSuccessPause},
		{"engine.error_pause_range", ec.ErrorPauseRange, &c.JoinErrorPause},
		{"engine.inter_batch_pause_range", ec.InterBatchPauseRange, &c.PostPause},
		{"engine.rate_limit_pause_range", ec.RateLimitPauseRange, &c.RateLimitPause},
	}
	for _, r := range ranges {
		lo, hi, err := config.ParseSecondsRange(r.path, r.raw, r.dst.Min, r.dst.Max)
		if err != nil {
			return orchestrator.Config{}, err
		}
		*r.dst = orchestrator.PauseRange{Min: lo, Max: hi}
	}
	return c, nil
}

func resolveClient(cc config.ClientConfig) (ClientSettings, error) {
	timeout, err := config.ParseDurationOrDefault("client.timeout", cc.Timeout, defaultClientTimeout)
	if err != nil {
		return ClientSettings{}, err
	}
	gap, err := config.ParseDurationField("client.min_action_gap", cc.MinActionGap)
	if err != nil {
		return ClientSettings{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(cc.Driver))
	if driver == "" {
		driver = "dryrun"
	}
	if driver == "bridge" && strings.TrimSpace(cc.BridgeURL) == "" {
		return ClientSettings{}, errors.New("client.bridge_url is required for the bridge driver")
	}
	return ClientSettings{
		Driver: driver,
		Bridge: client.BridgeConfig{BaseURL: cc.BridgeURL, Token: cc.BridgeToken, Timeout: timeout},
		MinGap: gap,
	}, nil
}

// resolveNotifier enables reports by default once a report chat exists.
func resolveNotifier(nc *config.NotifierConfig, to kit.ChatTarget) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:       !to.IsZero(),
		Workers:       1,
		QueueSize:     64,
		RatePerSec:    1,
		RetryMax:      3,
		RetryBase:     time.Second,
		RetryMaxDelay: 30 * time.Second,
		DedupWindow:   time.Minute,
	}
	if nc == nil {
		return out, nil
	}
	out.Enabled = nc.Enabled && !to.IsZero()
	if nc.Workers > 0 {
		out.Workers = nc.Workers
	}
	if nc.QueueSize > 0 {
		out.QueueSize = nc.QueueSize
	}
	if nc.RatePerSec > 0 {
		out.RatePerSec = nc.RatePerSec
	}
	if nc.RetryMax > 0 {
		out.RetryMax = nc.RetryMax
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}
