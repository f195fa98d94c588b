package crypto

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"regionsync/internal/platform/config"
)

// Runner fires scheduled rotations, one background loop per configured
// purpose. Loops are independent and tolerate arbitrary interleaving; a
// failed rotation is logged and retried at the next trigger.
type Runner struct {
	manager  *Manager
	triggers []config.RotationTrigger
	logger   *zap.Logger
}

func NewRunner(manager *Manager, triggers []config.RotationTrigger, logger *zap.Logger) *Runner {
	return &Runner{manager: manager, triggers: triggers, logger: logger}
}

// Run blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, trigger := range r.triggers {
		trigger := trigger
		group.Go(func() error {
			return r.loop(ctx, trigger)
		})
	}
	return group.Wait()
}

func (r *Runner) loop(ctx context.Context, trigger config.RotationTrigger) error {
	ticker := time.NewTicker(trigger.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.rotateOnce(ctx, trigger.Purpose)
		}
	}
}

func (r *Runner) rotateOnce(ctx context.Context, purpose string) {
	job, err := r.manager.Rotate(ctx, purpose, "scheduled rotation")
	if err != nil {
		r.logger.Warn("scheduled rotation not started",
			zap.String("purpose", purpose),
			zap.Error(err),
		)
		return
	}
	if err := r.manager.Process(ctx, job.ID); err != nil {
		r.logger.Error("scheduled rotation failed",
			zap.String("purpose", purpose),
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
	}
}
