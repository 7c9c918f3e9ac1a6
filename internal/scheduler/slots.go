package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Slot is one daily time of day.
type Slot struct {
	Hour   int
	Minute int
}

func (s Slot) Key() string { return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute) }

// ParseSlot parses "HH:MM".
func ParseSlot(v string) (Slot, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return Slot{}, fmt.Errorf("slot %q: want HH:MM", v)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return Slot{}, fmt.Errorf("slot %q: bad hour", v)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return Slot{}, fmt.Errorf("slot %q: bad minute", v)
	}
	return Slot{Hour: hour, Minute: minute}, nil
}

// Occurrence is a slot on a concrete day.
type Occurrence struct {
	Slot Slot
	At   time.Time
	Day  string // YYYY-MM-DD in the table's zone
}

// Table is a fixed list of daily slots in one IANA zone.
type Table struct {
	loc       *time.Location
	slots     []Slot
	schedules []cron.Schedule
}

// NewTable compiles times ("HH:MM") in zone. Each slot becomes a
// CRON_TZ-qualified daily cron schedule so DST shifts follow the zone rules.
func NewTable(times []string, zone string) (*Table, error) {
	if strings.TrimSpace(zone) == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("slot timezone %q: %w", zone, err)
	}
	t := &Table{loc: loc}
	seen := map[Slot]bool{}
	for _, v := range times {
		s, err := ParseSlot(v)
		if err != nil {
			return nil, err
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		spec := fmt.Sprintf("CRON_TZ=%s %d %d * * *", loc.String(), s.Minute, s.Hour)
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", s.Key(), err)
		}
		t.slots = append(t.slots, s)
		t.schedules = append(t.schedules, sched)
	}
	return t, nil
}

func (t *Table) Location() *time.Location { return t.loc }

func (t *Table) Len() int { return len(t.slots) }

// Next returns the earliest slot strictly after now.
func (t *Table) Next(now time.Time) (Occurrence, bool) {
	var best Occurrence
	found := false
	for i, sched := range t.schedules {
		at := sched.Next(now)
		if at.IsZero() {
			continue
		}
		if !found || at.Before(best.At) {
			best = t.occurrence(t.slots[i], at)
			found = true
		}
	}
	return best, found
}

// Due lists slot occurrences at or before now and no older than grace,
// oldest first. Yesterday's slots are included so a late slot survives
// midnight.
func (t *Table) Due(now time.Time, grace time.Duration) []Occurrence {
	local := now.In(t.loc)
	var out []Occurrence
	for _, dayOffset := range []int{-1, 0} {
		y, m, d := local.AddDate(0, 0, dayOffset).Date()
		for _, s := range t.slots {
			at := time.Date(y, m, d, s.Hour, s.Minute, 0, 0, t.loc)
			if at.After(now) || now.Sub(at) > grace {
				continue
			}
			out = append(out, t.occurrence(s, at))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (t *Table) occurrence(s Slot, at time.Time) Occurrence {
	return Occurrence{Slot: s, At: at, Day: at.In(t.loc).Format("2006-01-02")}
}
