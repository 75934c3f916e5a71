// Package pipeline runs the periodic background jobs of the desk.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// archiveLockKey keeps concurrent instances from exporting the same days.
const archiveLockKey = "archive"

// ArchiverConfig controls which days are exported and how often.
type ArchiverConfig struct {
	// Retention is how old a day must be, end to end, before export.
	Retention time.Duration
	// Interval between passes.
	Interval time.Duration
	// Backfill is how many eligible days each pass covers, newest last.
	// Days already archived are skipped cheaply.
	Backfill int
}

// Archiver moves aged trade and audit rows to cold storage on a schedule.
type Archiver struct {
	archive domain.Archiver
	locks   domain.LockManager
	cfg     ArchiverConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewArchiver creates an Archiver. locks may be nil for a single instance.
func NewArchiver(archive domain.Archiver, locks domain.LockManager, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.Backfill <= 0 {
		cfg.Backfill = 7
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &Archiver{
		archive: archive,
		locks:   locks,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "archiver")),
		now:     time.Now,
	}
}

// Run executes one pass over the eligible days.
func (a *Archiver) Run(ctx context.Context) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiveLockKey, 10*time.Minute)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "archive pass running elsewhere, skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("pipeline: archive lock: %w", err)
		}
		defer unlock()
	}

	days := a.eligibleDays()
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("from", days[0]),
		slog.Time("through", days[len(days)-1]),
	)

	var trades, audit int
	for _, day := range days {
		n, err := a.archive.ArchiveTrades(ctx, day)
		if err != nil {
			return fmt.Errorf("pipeline: archiving trades of %s: %w", day.Format(time.DateOnly), err)
		}
		trades += n

		n, err = a.archive.ArchiveAudit(ctx, day)
		if err != nil {
			return fmt.Errorf("pipeline: archiving audit of %s: %w", day.Format(time.DateOnly), err)
		}
		audit += n
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int("trades_archived", trades),
		slog.Int("audit_archived", audit),
	)
	return nil
}

// RunEvery runs a pass immediately and then every interval until ctx is
// cancelled. A failed pass is logged and retried on the next tick.
func (a *Archiver) RunEvery(ctx context.Context) error {
	a.logger.InfoContext(ctx, "archiver started", slog.Duration("interval", a.cfg.Interval))

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// eligibleDays returns the Backfill most recent UTC days that ended at
// least Retention ago, oldest first.
func (a *Archiver) eligibleDays() []time.Time {
	y, m, d := a.now().UTC().Add(-a.cfg.Retention).Date()
	// The day containing the cutoff has not fully aged yet.
	last := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)

	days := make([]time.Time, a.cfg.Backfill)
	for i := range days {
		days[i] = last.AddDate(0, 0, i-a.cfg.Backfill+1)
	}
	return days
}
