package assign

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

func ptr[T any](v T) *T { return &v }

func set(ids ...int64) map[int64]struct{} {
	m := map[int64]struct{}{}
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestSelectWorker(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	today := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)
	p := Policy{PerWorkerDailyMax: 20, WarmUp: 24 * time.Hour, Location: time.UTC}

	w := func(id int64, count int, reset time.Time) storage.Worker {
		return storage.Worker{ID: id, Status: storage.WorkerActive, DailyActionCount: count, LastCounterReset: reset}
	}

	tests := []struct {
		name     string
		target   storage.Target
		pool     []storage.Worker
		excluded map[int64]struct{}
		blocked  map[int64]struct{}
		want     int64
		ok       bool
	}{
		{
			name: "least loaded",
			pool: []storage.Worker{w(1, 5, today), w(2, 3, today), w(3, 4, today)},
			want: 2, ok: true,
		},
		{
			name:   "assigned worker preferred",
			target: storage.Target{AssignedWorkerID: ptr(int64(3))},
			pool:   []storage.Worker{w(1, 0, today), w(3, 9, today)},
			want:   3, ok: true,
		},
		{
			name:    "assigned worker blocked falls back",
			target:  storage.Target{AssignedWorkerID: ptr(int64(3))},
			pool:    []storage.Worker{w(1, 7, today), w(3, 0, today)},
			blocked: set(3),
			want:    1, ok: true,
		},
		{
			name:     "excluded skipped",
			pool:     []storage.Worker{w(1, 0, today), w(2, 1, today)},
			excluded: set(1),
			want:     2, ok: true,
		},
		{
			name: "stale counter counts as zero",
			pool: []storage.Worker{w(1, 3, today), w(2, 19, yesterday)},
			want: 2, ok: true,
		},
		{
			name: "quota reached",
			pool: []storage.Worker{w(1, 20, today)},
		},
		{
			name: "cooldown and rate limited",
			pool: []storage.Worker{
				{ID: 1, Status: storage.WorkerCooldown, RateLimitUntil: ptr(now.Add(time.Hour))},
				{ID: 2, Status: storage.WorkerActive, RateLimitUntil: ptr(now.Add(time.Minute))},
				{ID: 3, Status: storage.WorkerBanned},
			},
		},
		{
			name: "elapsed rate limit is eligible",
			pool: []storage.Worker{{ID: 4, Status: storage.WorkerActive, RateLimitUntil: ptr(now.Add(-time.Second))}},
			want: 4, ok: true,
		},
		{
			name:    "all blocked",
			pool:    []storage.Worker{w(1, 0, today), w(2, 0, today)},
			blocked: set(1, 2),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectWorker(p, now, tt.target, tt.pool, tt.excluded, tt.blocked)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got.ID != tt.want {
				t.Fatalf("worker = %d, want %d", got.ID, tt.want)
			}
			if n := CountEligible(p, now, tt.pool, tt.excluded, tt.blocked); (n > 0) != tt.ok {
				t.Fatalf("CountEligible = %d, inconsistent with ok=%v", n, tt.ok)
			}
		})
	}
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "r.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestEnginePickHonorsBlocklist(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	w1, _ := st.AddWorker(ctx, "s1")
	w2, _ := st.AddWorker(ctx, "s2")
	tg, _ := st.AddTarget(ctx, "@t3", "crypto")
	for _, w := range []storage.Worker{w1, w2} {
		if _, err := st.AddBlock(ctx, storage.BlockEntry{TargetID: tg.ID, WorkerID: w.ID, Reason: "forbidden"}); err != nil {
			t.Fatalf("AddBlock: %v", err)
		}
	}

	e := New(st, Policy{PerWorkerDailyMax: 20, WarmUp: 24 * time.Hour})
	pool, _ := st.ListWorkers(ctx, storage.WorkerFilter{})
	if _, err := e.Pick(ctx, time.Now(), tg, pool, nil); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("Pick with all blocked = %v, want ErrNoWorker", err)
	}
}

func TestEngineAssignSetsWarmUp(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	w, _ := st.AddWorker(ctx, "s1")
	tg, _ := st.AddTarget(ctx, "@t1", "crypto")
	e := New(st, Policy{PerWorkerDailyMax: 20, WarmUp: 24 * time.Hour})

	t0 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	got, err := e.Assign(ctx, tg, w, t0, "pass-1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got.Status != storage.TargetJoined {
		t.Fatalf("status = %s, want joined", got.Status)
	}
	if got.AssignedWorkerID == nil || *got.AssignedWorkerID != w.ID {
		t.Fatalf("assigned = %v, want %d", got.AssignedWorkerID, w.ID)
	}
	if got.WarmUpUntil == nil || !got.WarmUpUntil.Equal(t0.Add(24*time.Hour)) {
		t.Fatalf("warmUpUntil = %v, want %v", got.WarmUpUntil, t0.Add(24*time.Hour))
	}

	// a second assign with the version read before the first one must fail loudly
	if _, err := e.Assign(ctx, tg, w, t0, "pass-2"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale Assign = %v, want ErrConflict", err)
	}
}
