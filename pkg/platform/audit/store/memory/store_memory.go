package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/sentinel"
)

// InMemoryStore keeps records and dead letters in maps. It satisfies the same
// contracts as the Postgres store and is used for development and tests.
type InMemoryStore struct {
	mu          sync.RWMutex
	records     map[string]audit.Record
	deadLetters map[string]audit.DeadLetter
	now         func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:     make(map[string]audit.Record),
		deadLetters: make(map[string]audit.DeadLetter),
		now:         time.Now,
	}
}

// WithClock replaces the time source used by Stats.
func (s *InMemoryStore) WithClock(now func() time.Time) *InMemoryStore {
	s.now = now
	return s
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]audit.Record)
	s.deadLetters = make(map[string]audit.DeadLetter)
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) SaveRecord(_ context.Context, rec audit.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.EventID]; ok {
		return false, nil
	}
	s.records[rec.EventID] = rec
	return true, nil
}

// Record returns the stored record for an event id.
func (s *InMemoryStore) Record(eventID string) (audit.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[eventID]
	return rec, ok
}

func (s *InMemoryStore) DeleteExpired(_ context.Context, before time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []audit.Record
	for _, rec := range s.records {
		if rec.RetainUntil.Before(before) {
			expired = append(expired, rec)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].RetainUntil.Before(expired[j].RetainUntil) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(s.records, rec.EventID)
	}
	return int64(len(expired)), nil
}

func (s *InMemoryStore) ListByCorrelation(_ context.Context, correlationID string) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Record
	for _, rec := range s.records {
		if rec.CorrelationID == correlationID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *InMemoryStore) Stats(context.Context) (audit.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	since := s.now().Add(-24 * time.Hour)
	var stats audit.StoreStats
	for _, rec := range s.records {
		stats.TotalRecords++
		if !rec.CreatedAt.Before(since) {
			stats.RecordsLast24h++
			if rec.Risk == audit.RiskCritical {
				stats.CriticalLast24h++
			}
		}
		created := rec.CreatedAt
		if stats.OldestRecordAt == nil || created.Before(*stats.OldestRecordAt) {
			stats.OldestRecordAt = &created
		}
		if stats.LatestRecordAt == nil || created.After(*stats.LatestRecordAt) {
			stats.LatestRecordAt = &created
		}
	}
	for _, d := range s.deadLetters {
		if !d.Status.Terminal() {
			stats.PendingDeadLetters++
		}
	}
	return stats, nil
}

// SaveDeadLetter inserts d or refreshes an open record with the same id,
// keeping its creation time and original payload. Closed records are left
// untouched.
func (s *InMemoryStore) SaveDeadLetter(_ context.Context, d audit.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.deadLetters[d.ID]
	if !ok {
		s.deadLetters[d.ID] = d
		return nil
	}
	if current.Status.Terminal() {
		return nil
	}
	d.CreatedAt = current.CreatedAt
	d.OriginalPayload = current.OriginalPayload
	s.deadLetters[d.ID] = d
	return nil
}

func (s *InMemoryStore) GetDeadLetter(_ context.Context, id string) (audit.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deadLetters[id]
	if !ok {
		return audit.DeadLetter{}, fmt.Errorf("dead letter %s: %w", id, sentinel.ErrNotFound)
	}
	return d, nil
}

func (s *InMemoryStore) UpdateDeadLetterStatus(_ context.Context, d audit.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.deadLetters[d.ID]
	if !ok {
		return fmt.Errorf("dead letter %s: %w", d.ID, sentinel.ErrNotFound)
	}
	current.Status = d.Status
	current.RetryCount = d.RetryCount
	current.NextRetryAt = d.NextRetryAt
	current.Resolution = d.Resolution
	current.ResolvedBy = d.ResolvedBy
	current.UpdatedAt = d.UpdatedAt
	s.deadLetters[d.ID] = current
	return nil
}

// ListDeadLetters returns matches newest first.
func (s *InMemoryStore) ListDeadLetters(_ context.Context, filter audit.DeadLetterFilter) ([]audit.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.DeadLetter
	for _, d := range s.deadLetters {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && d.Priority != filter.Priority {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
