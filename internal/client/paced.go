package client

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Paced wraps a Client with a per-identity token bucket so a single worker
// never fires actions faster than the configured minimum gap, regardless of
// what the orchestration throttles do.
type Paced struct {
	next Client
	gap  time.Duration

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func NewPaced(next Client, minGap time.Duration) Client {
	if minGap <= 0 {
		return next
	}
	return &Paced{next: next, gap: minGap, limiters: map[int64]*rate.Limiter{}}
}

func (p *Paced) limiter(id int64) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim := p.limiters[id]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(p.gap), 1)
		p.limiters[id] = lim
	}
	return lim
}

func (p *Paced) Join(ctx context.Context, address string, as Identity) Result {
	if err := p.limiter(as.WorkerID).Wait(ctx); err != nil {
		return Unknown("pacing: " + err.Error())
	}
	return p.next.Join(ctx, address, as)
}

func (p *Paced) Send(ctx context.Context, address string, c Content, as Identity) Result {
	if err := p.limiter(as.WorkerID).Wait(ctx); err != nil {
		return Unknown("pacing: " + err.Error())
	}
	return p.next.Send(ctx, address, c, as)
}
