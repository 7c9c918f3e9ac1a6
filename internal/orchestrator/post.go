package orchestrator

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"pewcast/internal/assign"
	"pewcast/internal/client"
	"pewcast/internal/quota"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

const defaultPostMaxAttempts = 5

// RunPost sends one message to each of up to batchSize postable targets:
// paired, past warm-up and under the per-target daily cap, least recently
// posted first.
//
// With ParallelPost the batch is split into one queue per assigned worker and
// the queues run concurrently; a worker still never runs two actions at once.
func (o *Orchestrator) RunPost(ctx context.Context, niche string, batchSize int) (Summary, error) {
	p := o.newPass(storage.ActionPost, niche)
	if batchSize <= 0 {
		batchSize = p.cfg.PostBatchSize
	}
	o.reactivate(ctx, p)
	now := o.clock.Now()
	all, err := o.store.ListPostable(ctx, niche, now)
	if err != nil {
		return o.finish(p), err
	}
	targets := make([]storage.Target, 0, len(all))
	for _, t := range all {
		if batchSize > 0 && len(targets) >= batchSize {
			break
		}
		if p.cfg.PerTargetDailyMax > 0 &&
			quota.Effective(p.cfg.Location, now, t.LastCounterReset, t.DailyPostCount) >= p.cfg.PerTargetDailyMax {
			continue
		}
		targets = append(targets, t)
	}
	p.count(func(s *Summary) { s.Targets = len(targets) })
	p.log.Info("post pass started", logx.Int("targets", len(targets)), logx.String("niche", niche))

	if !p.cfg.ParallelPost {
		err := o.postQueue(ctx, p, targets)
		return o.finish(p), err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queuesByWorker(targets) {
		q := q
		g.Go(func() error { return o.postQueue(gctx, p, q) })
	}
	err = g.Wait()
	return o.finish(p), err
}

// queuesByWorker groups targets by assigned worker, keeping the input order
// inside each queue and ordering queues by first appearance.
func queuesByWorker(targets []storage.Target) [][]storage.Target {
	idx := map[int64]int{}
	var out [][]storage.Target
	for _, t := range targets {
		var key int64
		if t.AssignedWorkerID != nil {
			key = *t.AssignedWorkerID
		}
		i, ok := idx[key]
		if !ok {
			i = len(out)
			idx[key] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], t)
	}
	return out
}

func (o *Orchestrator) postQueue(ctx context.Context, p *pass, targets []storage.Target) error {
	for i, t := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := o.postTarget(ctx, p, t)
		if i == len(targets)-1 || next.IsZero() {
			continue
		}
		if err := o.pause(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

type verdict int

const (
	verdictDone verdict = iota
	verdictRotate
)

func (o *Orchestrator) postTarget(ctx context.Context, p *pass, t storage.Target) PauseRange {
	log := p.log.With(logx.Int64("target_id", t.ID), logx.String("address", t.Address))

	if o.content == nil {
		log.Error("no content source configured")
		p.count(func(s *Summary) { s.Skipped++ })
		return PauseRange{}
	}
	msg, err := o.content.Pick(ctx, t.Niche)
	if err != nil {
		log.Warn("no content for target", logx.String("niche", t.Niche), logx.Err(err))
		p.count(func(s *Summary) { s.Skipped++ })
		return PauseRange{}
	}

	pool, err := o.store.ListWorkers(ctx, storage.WorkerFilter{})
	if err != nil {
		log.Error("list workers failed", logx.Err(err))
		return PauseRange{}
	}
	blocked, err := o.store.BlockedWorkers(ctx, t.ID)
	if err != nil {
		log.Error("load blocklist failed", logx.Err(err))
		return PauseRange{}
	}

	policy := p.engine.Policy()
	maxAttempts := p.cfg.PostMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultPostMaxAttempts
	}
	bound := assign.CountEligible(policy, o.clock.Now(), pool, p.exclusions(nil), blocked)
	if bound > maxAttempts {
		bound = maxAttempts
	}
	if bound == 0 {
		o.noWorker(ctx, p, t, pool)
		return PauseRange{}
	}

	skip := map[int64]struct{}{}
	for attempts := 0; attempts < bound; {
		if ctx.Err() != nil {
			return PauseRange{}
		}
		w, err := p.engine.Pick(ctx, o.clock.Now(), t, pool, p.exclusions(skip))
		if errors.Is(err, assign.ErrNoWorker) {
			o.noWorker(ctx, p, t, pool)
			return PauseRange{}
		}
		if err != nil {
			log.Error("select worker failed", logx.Err(err))
			return PauseRange{}
		}

		unlock := p.lock(w.ID)
		// another queue may have used this worker since the pool was read
		fresh, err := o.store.GetWorker(ctx, w.ID)
		if err != nil || !policy.Eligible(fresh, o.clock.Now()) {
			unlock()
			skip[w.ID] = struct{}{}
			continue
		}
		attempts++
		v, pause := o.postAttempt(ctx, p, t, fresh, msg, log.With(logx.Int64("worker_id", w.ID)))
		unlock()

		if v == verdictDone {
			return pause
		}
		skip[w.ID] = struct{}{}
	}

	log.Info("post attempt bound reached; target kept for next pass", logx.Int("attempts", bound))
	p.count(func(s *Summary) { s.Skipped++ })
	return PauseRange{}
}

// postAttempt sends msg as w and applies the outcome. The caller holds w's lock.
func (o *Orchestrator) postAttempt(ctx context.Context, p *pass, t storage.Target, w storage.Worker,
	msg client.Content, log logx.Logger) (verdict, PauseRange) {
	p.count(func(s *Summary) { s.Attempts++ })
	res, perr := call(func() client.Result { return o.client.Send(ctx, t.Address, msg, identity(w)) })
	if perr != nil {
		log.Error("post attempt failed", logx.Err(perr))
		p.count(func(s *Summary) { s.Failed++ })
		o.record(ctx, p, storage.ActionPost, w, t, storage.OutcomeError, perr.Error())
		o.setStatus(ctx, p, t, storage.TargetError, perr.Error())
		return verdictDone, p.cfg.PostPause
	}

	switch res.Kind {
	case client.KindSuccess:
		at := o.clock.Now()
		_, err := o.store.RecordPost(ctx, storage.PostParams{
			TargetID:     t.ID,
			WorkerID:     w.ID,
			At:           at,
			PassID:       p.id,
			Detail:       "posted",
			PerTargetMax: p.cfg.PerTargetDailyMax,
			PerWorkerMax: p.cfg.PerWorkerDailyMax,
		})
		if err != nil {
			lvl := log.Error
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrQuotaExceeded) {
				lvl = log.Warn
			}
			lvl("post sent but not recorded", logx.Err(err))
			p.count(func(s *Summary) { s.Failed++ })
			o.record(ctx, p, storage.ActionPost, w, t, storage.OutcomeError, "sent but not recorded: "+err.Error())
			return verdictDone, p.cfg.PostPause
		}
		p.count(func(s *Summary) { s.Succeeded++ })
		o.emit(storage.ActionRecord{
			PassID: p.id, WorkerID: w.ID, TargetID: t.ID,
			Kind: storage.ActionPost, Outcome: storage.OutcomeSuccess, At: at, Detail: "posted",
		})
		log.Info("posted")
		return verdictDone, p.cfg.PostPause

	case client.KindForbidden:
		p.count(func(s *Summary) { s.Forbidden++ })
		o.record(ctx, p, storage.ActionPost, w, t, storage.OutcomeForbidden, res.String())
		if res.ProviderWide {
			p.count(func(s *Summary) { s.Inaccessible++ })
			o.setStatus(ctx, p, t, storage.TargetInaccessible, res.String())
			return verdictDone, p.cfg.PostPause
		}
		if _, err := o.store.AddBlock(ctx, storage.BlockEntry{
			TargetID:  t.ID,
			WorkerID:  w.ID,
			Reason:    res.String(),
			CreatedAt: o.clock.Now(),
		}); err != nil {
			log.Error("blocklist insert failed", logx.Err(err))
		}
		log.Info("worker cannot write to target; rotating")
		return verdictRotate, PauseRange{}

	case client.KindRateLimited:
		p.count(func(s *Summary) { s.RateLimited++ })
		o.record(ctx, p, storage.ActionPost, w, t, storage.OutcomeRateLimited, res.String())
		o.rateLimit(ctx, p, w, res.RetryAfter)
		return verdictDone, p.cfg.RateLimitPause

	case client.KindNotFound:
		p.count(func(s *Summary) { s.Failed++ })
		o.record(ctx, p, storage.ActionPost, w, t, storage.OutcomeError, res.String())
		o.setStatus(ctx, p, t, storage.TargetError, res.String())
		return verdictDone, p.cfg.PostPause

	default:
		p.count(func(s *Summary) { s.Unknown++ })
		log.Warn("post outcome unknown; target left for next pass", logx.String("detail", res.Message))
		o.record(ctx, p, storage.ActionPost, w, t, storage.OutcomeError, res.String())
		return verdictDone, p.cfg.PostPause
	}
}
