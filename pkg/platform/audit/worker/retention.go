package worker

import (
	"context"
	"io"
	"log/slog"
	"time"

	audit "auditrail/pkg/platform/audit"
)

const day = 24 * time.Hour

// RetentionPolicy decides how long a persisted record is kept.
type RetentionPolicy struct {
	Default         time.Duration
	OperationErrors time.Duration
	Critical        time.Duration
	LGPD            time.Duration
}

// DefaultRetention keeps records 90 days, operation errors a year, critical
// events five years and personal-data events seven years.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		Default:         90 * day,
		OperationErrors: 365 * day,
		Critical:        5 * 365 * day,
		LGPD:            7 * 365 * day,
	}
}

// Period returns the retention period for a record. The longest applicable
// period wins.
func (p RetentionPolicy) Period(rec audit.Record) time.Duration {
	period := p.Default
	if rec.EventType == audit.EventOperationError && p.OperationErrors > period {
		period = p.OperationErrors
	}
	if rec.Risk == audit.RiskCritical && p.Critical > period {
		period = p.Critical
	}
	if (rec.LGPDRelevant || rec.EventType.Kind() == audit.KindSensitive) && p.LGPD > period {
		period = p.LGPD
	}
	return period
}

// RetainUntil returns the expiry of rec measured from its event timestamp.
func (p RetentionPolicy) RetainUntil(rec audit.Record) time.Time {
	from := rec.Timestamp
	if from.IsZero() {
		from = rec.CreatedAt
	}
	return from.Add(p.Period(rec))
}

// ExpiredDeleter removes records whose retention has expired.
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error)
}

// Cleaner deletes expired records in batches on an interval.
type Cleaner struct {
	store     ExpiredDeleter
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// CleanerOption configures a Cleaner.
type CleanerOption func(*Cleaner)

// WithCleanerLogger sets the cleaner logger.
func WithCleanerLogger(logger *slog.Logger) CleanerOption {
	return func(c *Cleaner) { c.logger = logger }
}

// WithCleanerClock replaces the time source.
func WithCleanerClock(now func() time.Time) CleanerOption {
	return func(c *Cleaner) { c.now = now }
}

// WithBatchSize bounds the rows deleted per statement.
func WithBatchSize(n int) CleanerOption {
	return func(c *Cleaner) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// NewCleaner creates a Cleaner.
func NewCleaner(store ExpiredDeleter, opts ...CleanerOption) *Cleaner {
	c := &Cleaner{
		store:     store,
		batchSize: 1000,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sweep deletes expired records until a batch comes back short and returns
// the total removed.
func (c *Cleaner) Sweep(ctx context.Context) (int64, error) {
	cutoff := c.now()
	var total int64
	for {
		n, err := c.store.DeleteExpired(ctx, cutoff, c.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(c.batchSize) {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// Run sweeps on every interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Sweep(ctx)
			if err != nil {
				c.logger.ErrorContext(ctx, "audit retention sweep failed", "deleted", n, "error", err)
				continue
			}
			if n > 0 {
				c.logger.InfoContext(ctx, "audit retention sweep", "deleted", n)
			}
		}
	}
}
