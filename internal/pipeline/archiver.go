// Package pipeline runs scheduled maintenance jobs.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// DefaultSchedule runs the archive job daily at 04:00 UTC.
const DefaultSchedule = "0 4 * * *"

// Archiver moves settled auction history older than the retention period
// to cold storage.
type Archiver struct {
	blob          domain.Archiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(blob domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:          blob,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// Run performs one archive pass and returns the number of auctions moved.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blob.ArchiveAuctions(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("pipeline: archive auctions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("auctions_archived", n))
	return n, nil
}

// RunCron runs the job on a 5-field cron schedule until ctx is done. A
// failed run is logged and the schedule continues.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := ParseCron(expr)
	if err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", expr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", expr))

	for {
		next, err := sched.Next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", expr, err)
		}
		wait := time.Until(next)
		a.logger.Debug("archiver waiting for next run",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return nil
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
