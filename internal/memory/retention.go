package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Retention periodically prunes old handoffs.
type Retention struct {
	store  HandoffStore
	maxAge time.Duration
	keep   int
	cron   *cron.Cron
	now    func() time.Time
}

// NewRetention prunes handoffs older than maxAge, always keeping the keep
// most recent.
func NewRetention(store HandoffStore, maxAge time.Duration, keep int) *Retention {
	return &Retention{
		store:  store,
		maxAge: maxAge,
		keep:   keep,
		cron:   cron.New(cron.WithParser(cronParser)),
		now:    time.Now,
	}
}

// RunOnce performs a single prune pass.
func (r *Retention) RunOnce(ctx context.Context) (int, error) {
	if r.maxAge <= 0 {
		return 0, nil
	}
	return r.store.Prune(ctx, r.now().Add(-r.maxAge), r.keep)
}

// Start registers the prune job on schedule and starts the cron ticker.
func (r *Retention) Start(schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		n, err := r.RunOnce(context.Background())
		if err != nil {
			slog.Error("handoff retention failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("pruned handoffs", "count", n)
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	slog.Info("handoff retention scheduled", "schedule", schedule, "max_age", r.maxAge, "keep", r.keep)
	return nil
}

// Stop stops the cron ticker and waits for a running job.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}
