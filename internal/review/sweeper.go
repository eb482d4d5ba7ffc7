package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/larder/internal/storage"
)

const defaultSweepBatch = 100

// Sweeper periodically expires ReviewReady tasks whose review window has
// elapsed. It writes under each task's version, so a commit that wins the
// race is left alone.
type Sweeper struct {
	svc      *Service
	schedule cron.Schedule
	batch    int
}

// NewSweeper creates a Sweeper firing on spec, a standard cron expression
// or descriptor such as "@every 10m".
func NewSweeper(svc *Service, spec string) (*Sweeper, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return &Sweeper{svc: svc, schedule: schedule, batch: defaultSweepBatch}, nil
}

// Run sweeps once immediately and then on schedule until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	w.tick(ctx)
	for {
		next := w.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			w.tick(ctx)
		}
	}
}

func (w *Sweeper) tick(ctx context.Context) {
	n, err := w.SweepOnce(ctx)
	if err != nil {
		w.svc.logger.Error("expiration sweep failed", "error", err)
		return
	}
	if n > 0 {
		w.svc.logger.Info("expiration sweep", "expired", n)
	}
}

// SweepOnce expires every overdue task and returns how many it expired.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := w.svc.now().Add(-w.svc.window)
	expired := 0
	for {
		recs, err := w.svc.store.ListReviewReadyBefore(ctx, cutoff, w.batch)
		if err != nil {
			return expired, fmt.Errorf("listing overdue drafts: %w", err)
		}
		progressed := 0
		for _, rec := range recs {
			if !w.svc.expired(rec) {
				continue
			}
			if _, err := w.svc.expire(ctx, rec); err != nil {
				if errors.Is(err, storage.ErrVersionConflict) {
					w.svc.logger.Debug("task changed before it could be expired", "task_id", rec.Task.ID)
					continue
				}
				return expired, fmt.Errorf("expiring task %s: %w", rec.Task.ID, err)
			}
			expired++
			progressed++
		}
		if len(recs) < w.batch || progressed == 0 {
			return expired, nil
		}
	}
}
