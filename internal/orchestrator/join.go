package orchestrator

import (
	"context"
	"errors"

	"pewcast/internal/assign"
	"pewcast/internal/client"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

// RunJoin processes up to batchSize targets in status new. batchSize <= 0
// uses the configured join batch size. The returned error is only set for
// registry failures that prevent the pass from starting, or cancellation.
func (o *Orchestrator) RunJoin(ctx context.Context, niche string, batchSize int) (Summary, error) {
	p := o.newPass(storage.ActionJoin, niche)
	if batchSize <= 0 {
		batchSize = p.cfg.JoinBatchSize
	}
	o.reactivate(ctx, p)
	targets, err := o.store.ListTargets(ctx, storage.TargetFilter{Status: storage.TargetNew, Niche: niche, Limit: batchSize})
	if err != nil {
		return o.finish(p), err
	}
	p.count(func(s *Summary) { s.Targets = len(targets) })
	p.log.Info("join pass started", logx.Int("targets", len(targets)), logx.String("niche", niche))

	for i, t := range targets {
		if err := ctx.Err(); err != nil {
			return o.finish(p), err
		}
		next := o.joinTarget(ctx, p, t)
		if i == len(targets)-1 || next.IsZero() {
			continue
		}
		if err := o.pause(ctx, next); err != nil {
			return o.finish(p), err
		}
	}
	return o.finish(p), nil
}

// joinTarget runs the attempts for one target and returns the pause to take
// before the next one.
func (o *Orchestrator) joinTarget(ctx context.Context, p *pass, t storage.Target) PauseRange {
	log := p.log.With(logx.Int64("target_id", t.ID), logx.String("address", t.Address))

	for {
		if ctx.Err() != nil {
			return PauseRange{}
		}
		pool, err := o.store.ListWorkers(ctx, storage.WorkerFilter{})
		if err != nil {
			log.Error("list workers failed", logx.Err(err))
			return PauseRange{}
		}
		w, err := p.engine.Pick(ctx, o.clock.Now(), t, pool, p.exclusions(nil))
		if errors.Is(err, assign.ErrNoWorker) {
			o.noWorker(ctx, p, t, pool)
			return PauseRange{}
		}
		if err != nil {
			log.Error("select worker failed", logx.Err(err))
			return PauseRange{}
		}
		wlog := log.With(logx.Int64("worker_id", w.ID))

		unlock := p.lock(w.ID)
		p.count(func(s *Summary) { s.Attempts++ })
		res, perr := call(func() client.Result { return o.client.Join(ctx, t.Address, identity(w)) })
		unlock()

		if perr != nil {
			wlog.Error("join attempt failed", logx.Err(perr))
			p.count(func(s *Summary) { s.Failed++ })
			o.record(ctx, p, storage.ActionJoin, w, t, storage.OutcomeError, perr.Error())
			o.setStatus(ctx, p, t, storage.TargetError, perr.Error())
			return p.cfg.JoinErrorPause
		}

		switch res.Kind {
		case client.KindSuccess:
			joinedAt := o.clock.Now()
			out, err := p.engine.Assign(ctx, t, w, joinedAt, p.id)
			if err != nil {
				if errors.Is(err, storage.ErrConflict) {
					wlog.Warn("target assigned concurrently; will retry next pass", logx.Err(err))
				} else {
					wlog.Error("assign failed", logx.Err(err))
				}
				p.count(func(s *Summary) { s.Skipped++ })
				return p.cfg.JoinErrorPause
			}
			p.count(func(s *Summary) { s.Succeeded++ })
			o.emit(storage.ActionRecord{
				PassID: p.id, WorkerID: w.ID, TargetID: t.ID,
				Kind: storage.ActionJoin, Outcome: storage.OutcomeSuccess, At: joinedAt, Detail: "joined",
			})
			wlog.Info("joined", logx.Time("warm_up_until", *out.WarmUpUntil))
			return p.cfg.JoinSuccessPause

		case client.KindRateLimited:
			p.count(func(s *Summary) { s.RateLimited++ })
			o.record(ctx, p, storage.ActionJoin, w, t, storage.OutcomeRateLimited, res.String())
			if o.rateLimit(ctx, p, w, res.RetryAfter) {
				// long backoff: leave the target for the next pass
				p.count(func(s *Summary) { s.Skipped++ })
				return PauseRange{}
			}
			continue

		case client.KindForbidden, client.KindNotFound:
			p.count(func(s *Summary) {
				if res.Kind == client.KindForbidden {
					s.Forbidden++
				} else {
					s.Failed++
				}
			})
			o.record(ctx, p, storage.ActionJoin, w, t, outcomeOf(res), res.String())
			o.setStatus(ctx, p, t, storage.TargetError, res.String())
			return p.cfg.JoinErrorPause

		default:
			p.count(func(s *Summary) { s.Unknown++ })
			wlog.Warn("join outcome unknown; target left for next pass", logx.String("detail", res.Message))
			o.record(ctx, p, storage.ActionJoin, w, t, storage.OutcomeError, res.String())
			return p.cfg.JoinErrorPause
		}
	}
}
