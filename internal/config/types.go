package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("90s", "5m"); zero values fall back to the defaults in
// Resolve.
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
	Engine   EngineConfig    `json:"engine"`
	Schedule ScheduleConfig  `json:"schedule"`
	Client   ClientConfig    `json:"client"`
	Content  ContentConfig   `json:"content"`
	Telegram TelegramConfig  `json:"telegram"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Events   *EventsConfig   `json:"events,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram ships WARN+ lines to telegram.report_chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the registry backend.
//
//	"storage": { "driver": "sqlite", "path": "./pewcast.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://pewcast@db/pewcast" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// EngineConfig holds the quota, warm-up and throttle settings of the
// join and post passes. Pause ranges are [min, max] seconds.
type EngineConfig struct {
	WarmUpDurationHours            float64 `json:"warm_up_duration_hours"`
	PerWorkerDailyMax              int     `json:"per_worker_daily_max"`
	PerTargetDailyMax              int     `json:"per_target_daily_max"`
	ShortRateLimitThresholdSeconds int     `json:"short_rate_limit_threshold_seconds"`
	JoinBatchSize                  int     `json:"join_batch_size"`
	PostBatchSize                  int     `json:"post_batch_size"`
	PostMaxAttempts                int     `json:"post_max_attempts"`
	ParallelPost                   bool    `json:"parallel_post"`
	Niche                          string  `json:"niche,omitempty"`

	InterBatchPauseRange []int `json:"inter_batch_pause_range,omitempty"`
	JoinPauseRange       []int `json:"join_pause_range,omitempty"`
	ErrorPauseRange      []int `json:"error_pause_range,omitempty"`
	RateLimitPauseRange  []int `json:"rate_limit_pause_range,omitempty"`
}

// ScheduleConfig drives the adaptive loop. Timezone is also the calendar
// used for daily quota resets.
type ScheduleConfig struct {
	DailySlotTimes  []string `json:"daily_slot_times"`
	Timezone        string   `json:"timezone"`
	BacklogInterval string   `json:"backlog_interval,omitempty"`
	CatchUpGrace    string   `json:"catch_up_grace,omitempty"`
	MaxIdle         string   `json:"max_idle,omitempty"`
}

type ClientConfig struct {
	Driver       string `json:"driver"` // dryrun | bridge
	BridgeURL    string `json:"bridge_url,omitempty"`
	BridgeToken  string `json:"bridge_token,omitempty"` // never logged
	Timeout      string `json:"timeout,omitempty"`
	MinActionGap string `json:"min_action_gap,omitempty"`
}

type ContentConfig struct {
	Path string `json:"path"`
}

type TelegramConfig struct {
	Token          string `json:"token"` // never logged
	ReportChatID   int64  `json:"report_chat_id"`
	ReportThreadID int    `json:"report_thread_id,omitempty"`
}

// NotifierConfig controls operator reports. Omitted means enabled with
// defaults whenever telegram.report_chat_id is set.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
}

// EventsConfig enables the RabbitMQ action stream.
type EventsConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"` // never logged
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}
