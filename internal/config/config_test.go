package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./pewcast.db
engine:
  warm_up_duration_hours: 24
  per_worker_daily_max: 20
  per_target_daily_max: 2
  join_pause_range: [300, 600]
schedule:
  daily_slot_times: ["09:00", "18:30"]
  timezone: UTC
  backlog_interval: 2m
client:
  driver: dryrun
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("pewcast.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected: %+v", cfg)
	}
	if got := cfg.Schedule.DailySlotTimes; len(got) != 2 || got[1] != "18:30" {
		t.Fatalf("slots: %v", got)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	_, err := Decode("pewcast.yaml", []byte("engine:\n  per_worker_max: 3\n"))
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestDecodeRejectsTrailingJSON(t *testing.T) {
	_, err := Decode("pewcast.json", []byte(`{} {}`))
	if err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"unknown storage", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"postgres needs dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"negative quota", func(c *Config) { c.Engine.PerWorkerDailyMax = -1 }, "per_worker_daily_max"},
		{"inverted range", func(c *Config) { c.Engine.InterBatchPauseRange = []int{60, 30} }, "inter_batch_pause_range"},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
		{"bad duration", func(c *Config) { c.Schedule.BacklogInterval = "soon" }, "backlog_interval"},
		{"bridge needs url", func(c *Config) { c.Client.Driver = "bridge" }, "bridge_url"},
		{"events need url", func(c *Config) { c.Events = &EventsConfig{Enabled: true} }, "events.url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			tc.mut(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error mentioning %q, got %v", tc.want, err)
			}
		})
	}
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("zero config should be valid: %v", err)
	}
}

func TestParseSecondsRange(t *testing.T) {
	lo, hi, err := ParseSecondsRange("x", nil, time.Second, 2*time.Second)
	if err != nil || lo != time.Second || hi != 2*time.Second {
		t.Fatalf("default: %v %v %v", lo, hi, err)
	}
	lo, hi, err = ParseSecondsRange("x", []int{5, 10}, 0, 0)
	if err != nil || lo != 5*time.Second || hi != 10*time.Second {
		t.Fatalf("explicit: %v %v %v", lo, hi, err)
	}
	if _, _, err := ParseSecondsRange("x", []int{1}, 0, 0); err == nil {
		t.Fatal("expected error for single value")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Storage: StorageConfig{Driver: "postgres", DSN: "postgres://a:secret@db/x"}}
	newCfg := &Config{
		Storage:  StorageConfig{Driver: "postgres", DSN: "postgres://a:other@db/x"},
		Telegram: TelegramConfig{Token: "123:abc"},
		Engine:   EngineConfig{PerWorkerDailyMax: 5},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"engine", "storage", "telegram"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RequiresRestart(changed); strings.Join(got, ",") != "storage,telegram" {
		t.Fatalf("restart = %v", got)
	}
}

func TestManagerWatchPublishesValidRevisions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pewcast.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	// An invalid revision is dropped and the committed config is kept.
	bad := strings.Replace(sampleYAML, "driver: dryrun", "driver: carrier-pigeon", 1)
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub:
		t.Fatal("invalid config was published")
	case <-time.After(600 * time.Millisecond):
	}

	good := strings.Replace(sampleYAML, "per_worker_daily_max: 20", "per_worker_daily_max: 7", 1)
	if err := os.WriteFile(path, []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Engine.PerWorkerDailyMax != 7 {
			t.Fatalf("published %d", cfg.Engine.PerWorkerDailyMax)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no revision published")
	}
	if m.Get().Engine.PerWorkerDailyMax != 7 {
		t.Fatal("revision not committed")
	}
	cancel()
	<-done
}
