// Package assign picks the worker that acts on a target and records the
// pairing after a successful join.
package assign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pewcast/internal/quota"
	"pewcast/internal/storage"
)

// ErrNoWorker is returned by Pick when every candidate is ineligible.
var ErrNoWorker = errors.New("assign: no eligible worker")

// Policy holds the limits that decide worker eligibility.
type Policy struct {
	PerWorkerDailyMax int
	WarmUp            time.Duration
	Location          *time.Location
}

// Eligible reports whether w may act at now under p, ignoring exclusions and
// blocklist entries.
func (p Policy) Eligible(w storage.Worker, now time.Time) bool {
	if w.Status != storage.WorkerActive {
		return false
	}
	if w.RateLimited(now) {
		return false
	}
	if p.PerWorkerDailyMax > 0 {
		if quota.Effective(p.Location, now, w.LastCounterReset, w.DailyActionCount) >= p.PerWorkerDailyMax {
			return false
		}
	}
	return true
}

// SelectWorker returns the most eligible worker for target, or false.
//
// The currently assigned worker wins when still eligible; otherwise the worker
// with the fewest actions today, ties broken by lowest id.
func SelectWorker(p Policy, now time.Time, target storage.Target, pool []storage.Worker,
	excluded, blocked map[int64]struct{}) (storage.Worker, bool) {
	var best storage.Worker
	bestLoad := -1
	for _, w := range pool {
		if _, ok := excluded[w.ID]; ok {
			continue
		}
		if _, ok := blocked[w.ID]; ok {
			continue
		}
		if !p.Eligible(w, now) {
			continue
		}
		if target.AssignedWorkerID != nil && *target.AssignedWorkerID == w.ID {
			return w, true
		}
		load := quota.Effective(p.Location, now, w.LastCounterReset, w.DailyActionCount)
		if bestLoad < 0 || load < bestLoad || (load == bestLoad && w.ID < best.ID) {
			best, bestLoad = w, load
		}
	}
	return best, bestLoad >= 0
}

// CountEligible is the number of workers SelectWorker could still return.
func CountEligible(p Policy, now time.Time, pool []storage.Worker, excluded, blocked map[int64]struct{}) int {
	n := 0
	for _, w := range pool {
		if _, ok := excluded[w.ID]; ok {
			continue
		}
		if _, ok := blocked[w.ID]; ok {
			continue
		}
		if p.Eligible(w, now) {
			n++
		}
	}
	return n
}

// Engine binds SelectWorker to the registry.
type Engine struct {
	store  storage.Store
	policy Policy
}

func New(store storage.Store, p Policy) *Engine {
	if p.Location == nil {
		p.Location = time.UTC
	}
	return &Engine{store: store, policy: p}
}

func (e *Engine) Policy() Policy { return e.policy }

// Pick loads the target's blocklist and returns the selected worker.
func (e *Engine) Pick(ctx context.Context, now time.Time, target storage.Target, pool []storage.Worker,
	excluded map[int64]struct{}) (storage.Worker, error) {
	blocked, err := e.store.BlockedWorkers(ctx, target.ID)
	if err != nil {
		return storage.Worker{}, fmt.Errorf("load blocklist for target %d: %w", target.ID, err)
	}
	w, ok := SelectWorker(e.policy, now, target, pool, excluded, blocked)
	if !ok {
		return storage.Worker{}, ErrNoWorker
	}
	return w, nil
}

// Assign pairs target with worker after a join at joinedAt. The update is
// guarded by the target version the caller read; storage.ErrConflict means a
// concurrent pass got there first and the caller should retry next pass.
func (e *Engine) Assign(ctx context.Context, target storage.Target, worker storage.Worker, joinedAt time.Time,
	passID string) (storage.Target, error) {
	out, err := e.store.AssignTarget(ctx, storage.AssignParams{
		TargetID:        target.ID,
		WorkerID:        worker.ID,
		ExpectedVersion: target.Version,
		JoinedAt:        joinedAt,
		WarmUpUntil:     joinedAt.Add(e.policy.WarmUp),
		PassID:          passID,
		Detail:          "joined",
	})
	if err != nil {
		return storage.Target{}, fmt.Errorf("assign worker %d to target %d: %w", worker.ID, target.ID, err)
	}
	return out, nil
}
