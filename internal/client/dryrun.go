package client

import (
	"context"

	logx "pewcast/pkg/logx"
)

// DryRun logs every action and reports success. It lets operators exercise
// the scheduler and quotas without touching the network.
type DryRun struct {
	log logx.Logger
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log}
}

func (d *DryRun) Join(ctx context.Context, address string, as Identity) Result {
	if err := ctx.Err(); err != nil {
		return Unknown(err.Error())
	}
	d.log.Info("dry-run join", logx.String("address", address), logx.Int64("worker_id", as.WorkerID))
	return Success()
}

func (d *DryRun) Send(ctx context.Context, address string, c Content, as Identity) Result {
	if err := ctx.Err(); err != nil {
		return Unknown(err.Error())
	}
	d.log.Info("dry-run send",
		logx.String("address", address),
		logx.Int64("worker_id", as.WorkerID),
		logx.Int("text_len", len(c.Text)),
		logx.Bool("media", c.Media != ""),
	)
	return Success()
}
