package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pewcast/internal/client"
	"pewcast/internal/content"
	"pewcast/internal/eventbus"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the clock by d and fires immediately.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type clientCall struct {
	kind     string
	workerID int64
	address  string
}

// scriptedClient answers from per-(kind, worker, address) queues and
// succeeds when a queue is empty.
type scriptedClient struct {
	mu       sync.Mutex
	script   map[string][]func() client.Result
	calls    []clientCall
	inflight map[int64]int
	overlap  bool
	delay    time.Duration
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{script: map[string][]func() client.Result{}, inflight: map[int64]int{}}
}

func scriptKey(kind string, workerID int64, address string) string {
	return fmt.Sprintf("%s|%d|%s", kind, workerID, address)
}

func (c *scriptedClient) on(kind string, workerID int64, address string, fn func() client.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := scriptKey(kind, workerID, address)
	c.script[k] = append(c.script[k], fn)
}

func (c *scriptedClient) do(kind string, address string, as client.Identity) client.Result {
	c.mu.Lock()
	c.calls = append(c.calls, clientCall{kind: kind, workerID: as.WorkerID, address: address})
	c.inflight[as.WorkerID]++
	if c.inflight[as.WorkerID] > 1 {
		c.overlap = true
	}
	k := scriptKey(kind, as.WorkerID, address)
	var fn func() client.Result
	if q := c.script[k]; len(q) > 0 {
		fn, c.script[k] = q[0], q[1:]
	}
	delay := c.delay
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight[as.WorkerID]--
		c.mu.Unlock()
	}()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fn == nil {
		return client.Success()
	}
	return fn()
}

func (c *scriptedClient) Join(_ context.Context, address string, as client.Identity) client.Result {
	return c.do("join", address, as)
}

func (c *scriptedClient) Send(_ context.Context, address string, _ client.Content, as client.Identity) client.Result {
	return c.do("send", address, as)
}

func (c *scriptedClient) callsFor(kind string) []clientCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []clientCall
	for _, cl := range c.calls {
		if cl.kind == kind {
			out = append(out, cl)
		}
	}
	return out
}

func result(r client.Result) func() client.Result { return func() client.Result { return r } }

type fixture struct {
	st    storage.Store
	cl    *scriptedClient
	clock *fakeClock
	orch  *Orchestrator
	bus   eventbus.Bus
}

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "registry.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{st: st, cl: newScriptedClient(), clock: newFakeClock(t0), bus: eventbus.New()}
	f.orch, err = New(Options{
		Store:   st,
		Client:  f.cl,
		Content: content.Static(map[string][]client.Content{"crypto": {{Text: "gm"}}}),
		Clock:   f.clock,
		Bus:     f.bus,
		Config:  cfg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) worker(t *testing.T, ref string) storage.Worker {
	t.Helper()
	w, err := f.st.AddWorker(context.Background(), ref)
	if err != nil {
		t.Fatalf("AddWorker: %v", err)
	}
	return w
}

func (f *fixture) target(t *testing.T, addr string) storage.Target {
	t.Helper()
	tg, err := f.st.AddTarget(context.Background(), addr, "crypto")
	if err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	return tg
}

// paired adds a target already joined by w two days ago.
func (f *fixture) paired(t *testing.T, addr string, w storage.Worker) storage.Target {
	t.Helper()
	tg := f.target(t, addr)
	joined := t0.Add(-48 * time.Hour)
	out, err := f.st.AssignTarget(context.Background(), storage.AssignParams{
		TargetID: tg.ID, WorkerID: w.ID, ExpectedVersion: tg.Version,
		JoinedAt: joined, WarmUpUntil: joined.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("AssignTarget: %v", err)
	}
	return out
}

func (f *fixture) get(t *testing.T, id int64) storage.Target {
	t.Helper()
	tg, err := f.st.GetTarget(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	return tg
}

func (f *fixture) getWorker(t *testing.T, id int64) storage.Worker {
	t.Helper()
	w, err := f.st.GetWorker(context.Background(), id)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	return w
}

func TestJoinSuccessAssignsWithWarmUp(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	t1 := f.target(t, "@t1")

	sum, err := f.orch.RunJoin(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("RunJoin: %v", err)
	}
	if sum.Succeeded != 1 {
		t.Fatalf("summary = %s", sum)
	}
	got := f.get(t, t1.ID)
	if got.Status != storage.TargetJoined {
		t.Fatalf("status = %s, want joined", got.Status)
	}
	if got.AssignedWorkerID == nil || *got.AssignedWorkerID != w1.ID {
		t.Fatalf("assigned = %v, want %d", got.AssignedWorkerID, w1.ID)
	}
	if !got.WarmUpUntil.Equal(t0.Add(24 * time.Hour)) {
		t.Fatalf("warmUpUntil = %v, want %v", got.WarmUpUntil, t0.Add(24*time.Hour))
	}
	if w := f.getWorker(t, w1.ID); w.DailyActionCount != 1 {
		t.Fatalf("worker daily count = %d, want 1", w.DailyActionCount)
	}
}

func TestJoinShortRateLimitRetriesWithAnotherWorker(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	w2 := f.worker(t, "w2")
	t1 := f.target(t, "@t1")
	t2 := f.target(t, "@t2")
	f.cl.on("join", w1.ID, "@t1", result(client.RateLimited(120*time.Second)))

	if _, err := f.orch.RunJoin(context.Background(), "", 0); err != nil {
		t.Fatalf("RunJoin: %v", err)
	}

	got := f.get(t, t1.ID)
	if got.Status != storage.TargetJoined || *got.AssignedWorkerID != w2.ID {
		t.Fatalf("t1 = %s/%v, want joined by w2", got.Status, got.AssignedWorkerID)
	}
	w := f.getWorker(t, w1.ID)
	if w.Status != storage.WorkerActive {
		t.Fatalf("w1 status = %s, want active", w.Status)
	}
	if w.RateLimitUntil == nil || !w.RateLimitUntil.Equal(t0.Add(120*time.Second)) {
		t.Fatalf("w1 rateLimitUntil = %v", w.RateLimitUntil)
	}
	// w1 stays excluded for the rest of the batch
	for _, c := range f.cl.callsFor("join") {
		if c.address == "@t2" && c.workerID == w1.ID {
			t.Fatal("excluded worker used later in the same batch")
		}
	}
	if got := f.get(t, t2.ID); got.Status != storage.TargetJoined || *got.AssignedWorkerID != w2.ID {
		t.Fatalf("t2 = %s/%v, want joined by w2", got.Status, got.AssignedWorkerID)
	}
}

func TestJoinLongRateLimitCoolsWorkerAndSkipsTarget(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	f.worker(t, "w2")
	t1 := f.target(t, "@t1")
	f.cl.on("join", w1.ID, "@t1", result(client.RateLimited(900*time.Second)))

	sum, err := f.orch.RunJoin(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("RunJoin: %v", err)
	}
	if got := f.get(t, t1.ID); got.Status != storage.TargetNew || got.ErrorMessage != "" {
		t.Fatalf("t1 = %s %q, want new without error", got.Status, got.ErrorMessage)
	}
	w := f.getWorker(t, w1.ID)
	if w.Status != storage.WorkerCooldown {
		t.Fatalf("w1 status = %s, want cooldown", w.Status)
	}
	if w.RateLimitUntil == nil || !w.RateLimitUntil.Equal(t0.Add(900*time.Second)) {
		t.Fatalf("w1 rateLimitUntil = %v", w.RateLimitUntil)
	}
	if n := len(f.cl.callsFor("join")); n != 1 {
		t.Fatalf("join calls = %d, want 1", n)
	}
	if sum.RateLimited != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %s", sum)
	}
}

func TestJoinFailures(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	forbidden := f.target(t, "@forbidden")
	missing := f.target(t, "@missing")
	unknown := f.target(t, "@unknown")
	panics := f.target(t, "@panics")
	f.cl.on("join", w1.ID, "@forbidden", result(client.Forbidden(false, "CHANNEL_PRIVATE")))
	f.cl.on("join", w1.ID, "@missing", result(client.NotFound("USERNAME_NOT_OCCUPIED")))
	f.cl.on("join", w1.ID, "@unknown", result(client.Unknown("timeout")))
	f.cl.on("join", w1.ID, "@panics", func() client.Result { panic("driver bug") })

	sum, err := f.orch.RunJoin(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("RunJoin: %v", err)
	}
	if sum.Targets != 4 {
		t.Fatalf("summary = %s", sum)
	}

	for _, tc := range []struct {
		id   int64
		want storage.TargetStatus
	}{
		{forbidden.ID, storage.TargetError},
		{missing.ID, storage.TargetError},
		{unknown.ID, storage.TargetNew},
		{panics.ID, storage.TargetError},
	} {
		got := f.get(t, tc.id)
		if got.Status != tc.want {
			t.Fatalf("%s status = %s, want %s", got.Address, got.Status, tc.want)
		}
		if tc.want == storage.TargetError && got.ErrorMessage == "" {
			t.Fatalf("%s has no error message", got.Address)
		}
	}
	if w := f.getWorker(t, w1.ID); w.Status != storage.WorkerActive || w.RateLimitUntil != nil {
		t.Fatalf("worker changed by failures: %+v", w)
	}

	acts, _ := f.st.ListActions(context.Background(), storage.ActionFilter{Kind: storage.ActionJoin})
	if len(acts) != 4 {
		t.Fatalf("join records = %d, want 4", len(acts))
	}
}

func TestJoinAllBlockedMarksNoWorkersLeft(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	t3 := f.target(t, "@t3")
	_, _ = f.st.AddBlock(context.Background(), storage.BlockEntry{TargetID: t3.ID, WorkerID: w1.ID, Reason: "test"})

	if _, err := f.orch.RunJoin(context.Background(), "", 0); err != nil {
		t.Fatalf("RunJoin: %v", err)
	}
	if got := f.get(t, t3.ID); got.Status != storage.TargetNoWorkersLeft {
		t.Fatalf("status = %s, want no_workers_left", got.Status)
	}
}

func TestJoinOnlyRateLimitedWorkersLeavesTargetNew(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	tg := f.target(t, "@t")
	_ = f.st.SetWorkerRateLimit(context.Background(), w1.ID, t0.Add(time.Hour), false)

	if _, err := f.orch.RunJoin(context.Background(), "", 0); err != nil {
		t.Fatalf("RunJoin: %v", err)
	}
	if got := f.get(t, tg.ID); got.Status != storage.TargetNew {
		t.Fatalf("status = %s, want new", got.Status)
	}
}

func TestPostForbiddenRotatesToNextWorker(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	w2 := f.worker(t, "w2")
	t2 := f.paired(t, "@t2", w1)
	f.cl.on("send", w1.ID, "@t2", result(client.Forbidden(false, "CHAT_WRITE_FORBIDDEN")))

	sum, err := f.orch.RunPost(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("RunPost: %v", err)
	}
	blocked, _ := f.st.BlockedWorkers(context.Background(), t2.ID)
	if _, ok := blocked[w1.ID]; !ok || len(blocked) != 1 {
		t.Fatalf("blocklist = %v, want only w1", blocked)
	}
	calls := f.cl.callsFor("send")
	if len(calls) != 2 || calls[0].workerID != w1.ID || calls[1].workerID != w2.ID {
		t.Fatalf("send calls = %+v", calls)
	}
	got := f.get(t, t2.ID)
	if got.Status != storage.TargetActive || *got.AssignedWorkerID != w2.ID || got.DailyPostCount != 1 {
		t.Fatalf("t2 = %+v", got)
	}
	if got.LastPostAt == nil || got.LastPostAt.Before(*got.WarmUpUntil) {
		t.Fatalf("lastPostAt = %v", got.LastPostAt)
	}
	if sum.Succeeded != 1 || sum.Forbidden != 1 {
		t.Fatalf("summary = %s", sum)
	}
}

func TestPostProviderWideForbiddenMarksInaccessible(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	f.worker(t, "w2")
	t2 := f.paired(t, "@t2", w1)
	f.cl.on("send", w1.ID, "@t2", result(client.Forbidden(true, "CHAT_SEND_MEDIA_FORBIDDEN")))

	if _, err := f.orch.RunPost(context.Background(), "", 0); err != nil {
		t.Fatalf("RunPost: %v", err)
	}
	if got := f.get(t, t2.ID); got.Status != storage.TargetInaccessible {
		t.Fatalf("status = %s, want inaccessible", got.Status)
	}
	if n := len(f.cl.callsFor("send")); n != 1 {
		t.Fatalf("send calls = %d, want 1", n)
	}
	if blocked, _ := f.st.BlockedWorkers(context.Background(), t2.ID); len(blocked) != 0 {
		t.Fatalf("blocklist = %v, want empty", blocked)
	}
}

func TestPostAllBlockedMarksNoWorkersLeft(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	w2 := f.worker(t, "w2")
	t3 := f.paired(t, "@t3", w1)
	f.cl.on("send", w1.ID, "@t3", result(client.Forbidden(false, "CHAT_WRITE_FORBIDDEN")))
	f.cl.on("send", w2.ID, "@t3", result(client.Forbidden(false, "USER_BANNED_IN_CHANNEL")))

	sum, err := f.orch.RunPost(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("RunPost: %v", err)
	}
	if got := f.get(t, t3.ID); got.Status != storage.TargetNoWorkersLeft {
		t.Fatalf("status = %s, want no_workers_left", got.Status)
	}
	if sum.NoWorkersLeft != 1 {
		t.Fatalf("summary = %s", sum)
	}
}

func TestPostRotationIsBounded(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PostMaxAttempts = 2 })
	ws := []storage.Worker{f.worker(t, "w1"), f.worker(t, "w2"), f.worker(t, "w3")}
	tg := f.paired(t, "@t", ws[0])
	for _, w := range ws {
		f.cl.on("send", w.ID, "@t", result(client.Forbidden(false, "CHAT_WRITE_FORBIDDEN")))
	}

	if _, err := f.orch.RunPost(context.Background(), "", 0); err != nil {
		t.Fatalf("RunPost: %v", err)
	}
	if n := len(f.cl.callsFor("send")); n != 2 {
		t.Fatalf("send calls = %d, want 2", n)
	}
	if got := f.get(t, tg.ID); got.Status != storage.TargetJoined {
		t.Fatalf("status = %s, want joined (kept for next pass)", got.Status)
	}
}

func TestPostRateLimitKeepsTargetAndSkipsBlocklist(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	tg := f.paired(t, "@t", w1)
	f.cl.on("send", w1.ID, "@t", result(client.RateLimited(30*time.Second)))

	if _, err := f.orch.RunPost(context.Background(), "", 0); err != nil {
		t.Fatalf("RunPost: %v", err)
	}
	got := f.get(t, tg.ID)
	if got.Status != storage.TargetJoined || got.DailyPostCount != 0 {
		t.Fatalf("target = %+v", got)
	}
	if blocked, _ := f.st.BlockedWorkers(context.Background(), tg.ID); len(blocked) != 0 {
		t.Fatalf("blocklist = %v, want empty", blocked)
	}
	acts, _ := f.st.ListActions(context.Background(), storage.ActionFilter{Kind: storage.ActionPost})
	if len(acts) != 1 || acts[0].Outcome != storage.OutcomeRateLimited {
		t.Fatalf("post records = %+v", acts)
	}
}

func TestPostRespectsTargetDailyCap(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	tg := f.paired(t, "@t", w1)

	for i := 0; i < 3; i++ {
		if _, err := f.orch.RunPost(context.Background(), "", 0); err != nil {
			t.Fatalf("RunPost #%d: %v", i+1, err)
		}
	}
	if got := f.get(t, tg.ID); got.DailyPostCount != 2 {
		t.Fatalf("daily post count = %d, want 2", got.DailyPostCount)
	}
	if n := len(f.cl.callsFor("send")); n != 2 {
		t.Fatalf("send calls = %d, want 2", n)
	}

	// next calendar day resets the counter
	f.clock.After(24 * time.Hour)
	if _, err := f.orch.RunPost(context.Background(), "", 0); err != nil {
		t.Fatalf("RunPost next day: %v", err)
	}
	if got := f.get(t, tg.ID); got.DailyPostCount != 1 {
		t.Fatalf("daily post count after reset = %d, want 1", got.DailyPostCount)
	}
}

func TestPostParallelKeepsWorkersSequential(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ParallelPost = true
		c.PostBatchSize = 100
	})
	f.cl.delay = 2 * time.Millisecond
	ws := []storage.Worker{f.worker(t, "w1"), f.worker(t, "w2"), f.worker(t, "w3")}
	var targets []storage.Target
	for i := 0; i < 9; i++ {
		targets = append(targets, f.paired(t, fmt.Sprintf("@t%d", i), ws[i%len(ws)]))
	}
	// w1 cannot write anywhere, so its targets rotate onto the other workers
	for _, tg := range targets {
		f.cl.on("send", ws[0].ID, tg.Address, result(client.Forbidden(false, "CHAT_WRITE_FORBIDDEN")))
	}

	sum, err := f.orch.RunPost(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("RunPost: %v", err)
	}
	if sum.Succeeded != 9 {
		t.Fatalf("summary = %s", sum)
	}
	if f.cl.overlap {
		t.Fatal("a worker ran two actions concurrently")
	}
	for _, tg := range targets {
		if got := f.get(t, tg.ID); got.Status != storage.TargetActive || *got.AssignedWorkerID == ws[0].ID {
			t.Fatalf("%s = %s/%d", got.Address, got.Status, *got.AssignedWorkerID)
		}
	}
}

func TestPassPublishesActionEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.worker(t, "w1")
	f.target(t, "@t1")
	ch, unsub := f.bus.Subscribe(16)
	defer unsub()

	if _, err := f.orch.RunJoin(context.Background(), "", 0); err != nil {
		t.Fatalf("RunJoin: %v", err)
	}
	var actions, finished int
	for len(ch) > 0 {
		ev := <-ch
		switch ev.Type {
		case EventAction:
			actions++
		case EventPassFinish:
			finished++
		}
	}
	if actions != 1 || finished != 1 {
		t.Fatalf("events: actions=%d finished=%d", actions, finished)
	}
}

func TestPassReactivatesWorkerAfterCooldown(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	t1 := f.target(t, "@t1")
	if err := f.st.SetWorkerRateLimit(context.Background(), w1.ID, t0.Add(-30*time.Minute), true); err != nil {
		t.Fatalf("SetWorkerRateLimit: %v", err)
	}

	sum, err := f.orch.RunJoin(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("RunJoin: %v", err)
	}
	if sum.Succeeded != 1 || sum.Skipped != 0 {
		t.Fatalf("summary = %s", sum)
	}
	if got := f.get(t, t1.ID); got.Status != storage.TargetJoined {
		t.Fatalf("t1 status = %s, want joined", got.Status)
	}
	if w := f.getWorker(t, w1.ID); w.Status != storage.WorkerActive {
		t.Fatalf("w1 status = %s, want active", w.Status)
	}
}

func TestPassLeavesUnexpiredCooldown(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	t1 := f.target(t, "@t1")
	if err := f.st.SetWorkerRateLimit(context.Background(), w1.ID, t0.Add(time.Hour), true); err != nil {
		t.Fatalf("SetWorkerRateLimit: %v", err)
	}

	sum, err := f.orch.RunJoin(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("RunJoin: %v", err)
	}
	if sum.Skipped != 1 || len(f.cl.callsFor("join")) != 0 {
		t.Fatalf("summary = %s, join calls = %d", sum, len(f.cl.callsFor("join")))
	}
	if got := f.get(t, t1.ID); got.Status != storage.TargetNew {
		t.Fatalf("t1 status = %s, want new", got.Status)
	}
	if w := f.getWorker(t, w1.ID); w.Status != storage.WorkerCooldown {
		t.Fatalf("w1 status = %s, want cooldown", w.Status)
	}
}

// conflictStore fails every RecordPost as if another pass had won the race.
type conflictStore struct {
	storage.Store
}

func (conflictStore) RecordPost(context.Context, storage.PostParams) (storage.Target, error) {
	return storage.Target{}, storage.ErrConflict
}

func TestPostSentButNotSavedIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	w1 := f.worker(t, "w1")
	tg := f.paired(t, "@t", w1)

	orch, err := New(Options{
		Store:   conflictStore{Store: f.st},
		Client:  f.cl,
		Content: content.Static(map[string][]client.Content{"crypto": {{Text: "gm"}}}),
		Clock:   f.clock,
		Config:  DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sum, err := orch.RunPost(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("RunPost: %v", err)
	}
	if sum.Failed != 1 || sum.Succeeded != 0 {
		t.Fatalf("summary = %s", sum)
	}
	if n := len(f.cl.callsFor("send")); n != 1 {
		t.Fatalf("send calls = %d, want 1", n)
	}
	acts, err := f.st.ListActions(context.Background(), storage.ActionFilter{Kind: storage.ActionPost})
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(acts) != 1 || acts[0].Outcome != storage.OutcomeError || acts[0].TargetID != tg.ID || acts[0].WorkerID != w1.ID {
		t.Fatalf("post records = %+v", acts)
	}
	if !strings.HasPrefix(acts[0].Detail, "sent but not recorded") {
		t.Fatalf("detail = %q", acts[0].Detail)
	}
}
