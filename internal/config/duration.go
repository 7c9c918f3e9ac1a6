package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseSecondsRange reads a [min, max] seconds pair. An empty slice yields
// the default range.
func ParseSecondsRange(path string, v []int, defMin, defMax time.Duration) (time.Duration, time.Duration, error) {
	switch len(v) {
	case 0:
		return defMin, defMax, nil
	case 2:
	default:
		return 0, 0, fmt.Errorf("%s: want [min, max] seconds, got %d values", path, len(v))
	}
	if v[0] < 0 || v[1] < v[0] {
		return 0, 0, fmt.Errorf("%s: invalid range [%d, %d]", path, v[0], v[1])
	}
	return time.Duration(v[0]) * time.Second, time.Duration(v[1]) * time.Second, nil
}
