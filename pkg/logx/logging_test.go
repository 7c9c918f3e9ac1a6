package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWriterLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int64("target_id", 7))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "hello" {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["target_id"].(float64) != 7 {
		t.Fatalf("target_id = %v", m["target_id"])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped")
}

func TestParseLevel(t *testing.T) {
	if got := parseLevel("warning", zerolog.InfoLevel); got != zerolog.WarnLevel {
		t.Fatalf("parseLevel(warning) = %v", got)
	}
	if got := parseLevel("bogus", zerolog.InfoLevel); got != zerolog.InfoLevel {
		t.Fatalf("parseLevel(bogus) = %v", got)
	}
}

func TestFormatTelegramJSONSortsFields(t *testing.T) {
	out := formatTelegramJSON([]byte(`{"level":"warn","message":"m","b":1,"a":"x","time":"t"}`))
	if !strings.HasPrefix(out, "[WARN] m") {
		t.Fatalf("unexpected prefix: %q", out)
	}
	if strings.Index(out, "- a=") > strings.Index(out, "- b=") {
		t.Fatalf("fields not sorted: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be omitted: %q", out)
	}
}
