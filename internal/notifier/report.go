package notifier

import (
	"context"
	"fmt"
	"strings"

	"pewcast/internal/eventbus"
	"pewcast/internal/orchestrator"
	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// Reporter turns finished passes into operator notifications.
type Reporter struct {
	svc *Service
	to  kit.ChatTarget
	log logx.Logger
}

func NewReporter(svc *Service, to kit.ChatTarget, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{svc: svc, to: to, log: log}
}

// Run forwards pass summaries from bus until ctx ends.
func (r *Reporter) Run(ctx context.Context, bus eventbus.Bus) error {
	if r.to.IsZero() || !r.svc.Enabled() {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(32, orchestrator.EventPassFinish)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if sum, ok := ev.Data.(orchestrator.Summary); ok {
				r.Report(ctx, sum)
			}
		}
	}
}

// Report queues one pass summary. Passes that touched no targets are
// not reported.
func (r *Reporter) Report(ctx context.Context, sum orchestrator.Summary) {
	if sum.Targets == 0 || r.to.IsZero() {
		return
	}
	n := kit.Notification{
		Priority: priorityFor(sum),
		Target:   r.to,
		Text:     FormatSummary(sum),
		Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	}
	if err := r.svc.Notify(ctx, n); err != nil {
		r.log.Debug("pass report not queued", logx.Err(err))
	}
}

func priorityFor(s orchestrator.Summary) int {
	switch {
	case s.NoWorkersLeft > 0 || s.Inaccessible > 0:
		return 7
	case s.Failed > 0 || s.RateLimited > 0:
		return 5
	default:
		return 1
	}
}

// FormatSummary renders s as a short HTML message.
func FormatSummary(s orchestrator.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s pass</b>", s.Kind)
	if s.Niche != "" {
		fmt.Fprintf(&b, " · %s", s.Niche)
	}
	fmt.Fprintf(&b, "\ntargets %d · attempts %d · ok %d", s.Targets, s.Attempts, s.Succeeded)
	for _, kv := range []struct {
		k string
		v int
	}{
		{"rate limited", s.RateLimited},
		{"forbidden", s.Forbidden},
		{"failed", s.Failed},
		{"unknown", s.Unknown},
		{"inaccessible", s.Inaccessible},
		{"no workers left", s.NoWorkersLeft},
		{"skipped", s.Skipped},
	} {
		if kv.v > 0 {
			fmt.Fprintf(&b, "\n%s %d", kv.k, kv.v)
		}
	}
	fmt.Fprintf(&b, "\n<code>%s</code>", s.PassID)
	return b.String()
}
