package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "pewcast/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "registry.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustWorker(t *testing.T, st Store, ref string) Worker {
	t.Helper()
	w, err := st.AddWorker(context.Background(), ref)
	if err != nil {
		t.Fatalf("AddWorker(%s): %v", ref, err)
	}
	return w
}

func mustTarget(t *testing.T, st Store, addr string) Target {
	t.Helper()
	tg, err := st.AddTarget(context.Background(), addr, "crypto")
	if err != nil {
		t.Fatalf("AddTarget(%s): %v", addr, err)
	}
	return tg
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	got := postgresDialect.rebind(`SELECT a FROM t WHERE x = ? AND y = ?`)
	if got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Fatalf("rebind = %q", got)
	}
	if sqliteDialect.rebind("x = ?") != "x = ?" {
		t.Fatal("sqlite dialect must keep ? placeholders")
	}
}

func TestBlocklistInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	w := mustWorker(t, st, "w1")
	tg := mustTarget(t, st, "@group1")

	first, err := st.AddBlock(ctx, BlockEntry{TargetID: tg.ID, WorkerID: w.ID, Reason: "forbidden"})
	if err != nil || !first {
		t.Fatalf("first AddBlock = (%v, %v), want (true, nil)", first, err)
	}
	second, err := st.AddBlock(ctx, BlockEntry{TargetID: tg.ID, WorkerID: w.ID, Reason: "again"})
	if err != nil || second {
		t.Fatalf("second AddBlock = (%v, %v), want (false, nil)", second, err)
	}

	blocked, err := st.BlockedWorkers(ctx, tg.ID)
	if err != nil {
		t.Fatalf("BlockedWorkers: %v", err)
	}
	if len(blocked) != 1 {
		t.Fatalf("blocked = %v, want exactly one pair", blocked)
	}
	counts, err := st.Counts(ctx, time.Now())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.BlocklistPairs != 1 {
		t.Fatalf("BlocklistPairs = %d", counts.BlocklistPairs)
	}
}

func TestAssignTargetRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	w1 := mustWorker(t, st, "w1")
	w2 := mustWorker(t, st, "w2")
	tg := mustTarget(t, st, "@group1")

	now := time.Now()
	got, err := st.AssignTarget(ctx, AssignParams{
		TargetID: tg.ID, WorkerID: w1.ID, ExpectedVersion: tg.Version,
		JoinedAt: now, WarmUpUntil: now.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("AssignTarget: %v", err)
	}
	if got.Status != TargetJoined || got.AssignedWorkerID == nil || *got.AssignedWorkerID != w1.ID {
		t.Fatalf("unexpected target after assign: %+v", got)
	}

	_, err = st.AssignTarget(ctx, AssignParams{
		TargetID: tg.ID, WorkerID: w2.ID, ExpectedVersion: tg.Version,
		JoinedAt: now, WarmUpUntil: now.Add(24 * time.Hour),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second AssignTarget err = %v, want ErrConflict", err)
	}

	after, _ := st.GetTarget(ctx, tg.ID)
	if *after.AssignedWorkerID != w1.ID {
		t.Fatalf("assignment overwritten: %+v", after)
	}
	joins, _ := st.ListActions(ctx, ActionFilter{TargetID: tg.ID, Kind: ActionJoin})
	if len(joins) != 1 {
		t.Fatalf("join records = %d, want 1", len(joins))
	}
	worker, _ := st.GetWorker(ctx, w1.ID)
	if worker.DailyActionCount != 1 {
		t.Fatalf("worker DailyActionCount = %d, want 1", worker.DailyActionCount)
	}
}

func TestRecordPostGuards(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	w := mustWorker(t, st, "w1")
	tg := mustTarget(t, st, "@group1")

	joined := time.Now().Add(-25 * time.Hour)
	if _, err := st.AssignTarget(ctx, AssignParams{
		TargetID: tg.ID, WorkerID: w.ID, ExpectedVersion: tg.Version,
		JoinedAt: joined, WarmUpUntil: joined.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("AssignTarget: %v", err)
	}

	early := joined.Add(time.Hour)
	if _, err := st.RecordPost(ctx, PostParams{TargetID: tg.ID, WorkerID: w.ID, At: early, PerTargetMax: 2}); !errors.Is(err, ErrWarmingUp) {
		t.Fatalf("RecordPost before warm-up err = %v, want ErrWarmingUp", err)
	}

	now := time.Now()
	for i := 0; i < 2; i++ {
		got, err := st.RecordPost(ctx, PostParams{TargetID: tg.ID, WorkerID: w.ID, At: now, PerTargetMax: 2, PerWorkerMax: 20})
		if err != nil {
			t.Fatalf("RecordPost #%d: %v", i+1, err)
		}
		if got.Status != TargetActive || got.DailyPostCount != i+1 {
			t.Fatalf("after post #%d: %+v", i+1, got)
		}
	}
	if _, err := st.RecordPost(ctx, PostParams{TargetID: tg.ID, WorkerID: w.ID, At: now, PerTargetMax: 2}); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("third RecordPost err = %v, want ErrQuotaExceeded", err)
	}

	posts, _ := st.ListActions(ctx, ActionFilter{TargetID: tg.ID, Kind: ActionPost, Outcome: OutcomeSuccess})
	if len(posts) != 2 {
		t.Fatalf("post records = %d, want 2", len(posts))
	}
	final, _ := st.GetTarget(ctx, tg.ID)
	for _, p := range posts {
		if p.At.Before(*final.WarmUpUntil) {
			t.Fatalf("post recorded before warm-up: %v < %v", p.At, *final.WarmUpUntil)
		}
	}
}

func TestRequeueOnlyFromTerminalStates(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	tg := mustTarget(t, st, "@group1")

	if _, err := st.RequeueTarget(ctx, tg.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("requeue of new target err = %v, want ErrInvalidState", err)
	}
	errd, err := st.SetTargetStatus(ctx, StatusParams{TargetID: tg.ID, ExpectedVersion: tg.Version, Status: TargetError, Message: "not found"})
	if err != nil {
		t.Fatalf("SetTargetStatus: %v", err)
	}
	if errd.ErrorMessage != "not found" {
		t.Fatalf("ErrorMessage = %q", errd.ErrorMessage)
	}
	if _, err := st.SetTargetStatus(ctx, StatusParams{TargetID: tg.ID, ExpectedVersion: tg.Version, Status: TargetInaccessible}); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale SetTargetStatus err = %v, want ErrConflict", err)
	}

	back, err := st.RequeueTarget(ctx, tg.ID)
	if err != nil {
		t.Fatalf("RequeueTarget: %v", err)
	}
	if back.Status != TargetNew || back.ErrorMessage != "" || back.AssignedWorkerID != nil {
		t.Fatalf("unexpected requeued target: %+v", back)
	}
	if n, _ := st.CountTargets(ctx, TargetNew); n != 1 {
		t.Fatalf("CountTargets(new) = %d", n)
	}
}

func TestReactivateWorkersAfterCooldown(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	w1 := mustWorker(t, st, "w1")
	w2 := mustWorker(t, st, "w2")

	now := time.Now()
	if err := st.SetWorkerRateLimit(ctx, w1.ID, now.Add(-time.Minute), true); err != nil {
		t.Fatalf("SetWorkerRateLimit: %v", err)
	}
	if err := st.SetWorkerRateLimit(ctx, w2.ID, now.Add(time.Hour), true); err != nil {
		t.Fatalf("SetWorkerRateLimit: %v", err)
	}

	n, err := st.ReactivateWorkers(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("ReactivateWorkers = (%d, %v), want (1, nil)", n, err)
	}
	got1, _ := st.GetWorker(ctx, w1.ID)
	if got1.Status != WorkerActive || got1.RateLimitUntil != nil {
		t.Fatalf("w1 not reactivated: %+v", got1)
	}
	got2, _ := st.GetWorker(ctx, w2.ID)
	if got2.Status != WorkerCooldown || !got2.RateLimited(now) {
		t.Fatalf("w2 should stay in cooldown: %+v", got2)
	}
}

func TestListPostableOrdersNeverPostedFirst(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	w := mustWorker(t, st, "w1")

	joined := time.Now().Add(-48 * time.Hour)
	var ids []int64
	for _, addr := range []string{"@a", "@b", "@c"} {
		tg := mustTarget(t, st, addr)
		if _, err := st.AssignTarget(ctx, AssignParams{
			TargetID: tg.ID, WorkerID: w.ID, ExpectedVersion: tg.Version,
			JoinedAt: joined, WarmUpUntil: joined.Add(24 * time.Hour),
		}); err != nil {
			t.Fatalf("AssignTarget: %v", err)
		}
		ids = append(ids, tg.ID)
	}
	warm := mustTarget(t, st, "@warming")
	if _, err := st.AssignTarget(ctx, AssignParams{
		TargetID: warm.ID, WorkerID: w.ID, ExpectedVersion: warm.Version,
		JoinedAt: time.Now(), WarmUpUntil: time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("AssignTarget: %v", err)
	}

	if _, err := st.RecordPost(ctx, PostParams{TargetID: ids[0], WorkerID: w.ID, At: time.Now(), PerTargetMax: 2}); err != nil {
		t.Fatalf("RecordPost: %v", err)
	}

	got, err := st.ListPostable(ctx, "crypto", time.Now())
	if err != nil {
		t.Fatalf("ListPostable: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("postable = %d, want 3 (warming target excluded)", len(got))
	}
	if got[0].ID != ids[1] || got[1].ID != ids[2] || got[2].ID != ids[0] {
		t.Fatalf("unexpected order: %d %d %d", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestMarkSlotOnce(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	ok, err := st.MarkSlot(ctx, "2024-05-10", "09:00", time.Now())
	if err != nil || !ok {
		t.Fatalf("first MarkSlot = (%v, %v)", ok, err)
	}
	ok, err = st.MarkSlot(ctx, "2024-05-10", "09:00", time.Now())
	if err != nil || ok {
		t.Fatalf("second MarkSlot = (%v, %v), want (false, nil)", ok, err)
	}
	done, err := st.SlotDone(ctx, "2024-05-10", "09:00")
	if err != nil || !done {
		t.Fatalf("SlotDone = (%v, %v)", done, err)
	}
	done, _ = st.SlotDone(ctx, "2024-05-11", "09:00")
	if done {
		t.Fatal("slot on another day must not be done")
	}
}
