package metrics

import (
	"sync"
	"time"
)

type bucket struct {
	sec       int64
	captured  int64
	processed int64
	failed    int64
	duration  time.Duration
}

// window keeps one bucket per second over a fixed span.
type window struct {
	mu            sync.Mutex
	span          time.Duration
	now           func() time.Time
	buckets       []bucket
	lastCaptured  time.Time
	lastProcessed time.Time
}

func newWindow(span time.Duration, now func() time.Time) *window {
	if span < time.Second {
		span = time.Second
	}
	return &window{
		span:    span,
		now:     now,
		buckets: make([]bucket, int(span/time.Second)),
	}
}

func (w *window) add(fn func(*bucket)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	sec := now.Unix()
	b := &w.buckets[int(sec%int64(len(w.buckets)))]
	if b.sec != sec {
		*b = bucket{sec: sec}
	}
	before := *b
	fn(b)
	if b.captured > before.captured {
		w.lastCaptured = now
	}
	if b.processed > before.processed {
		w.lastProcessed = now
	}
}

func (w *window) snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now().Unix()
	oldest := now - int64(len(w.buckets)) + 1

	s := Snapshot{Window: w.span, LastCaptured: w.lastCaptured, LastProcessed: w.lastProcessed}
	var dur time.Duration
	for _, b := range w.buckets {
		if b.sec < oldest || b.sec > now {
			continue
		}
		s.Captured += b.captured
		s.Processed += b.processed
		s.Failed += b.failed
		dur += b.duration
	}
	if total := s.Processed + s.Failed; total > 0 {
		s.ErrorRate = float64(s.Failed) / float64(total)
	}
	s.Throughput = float64(s.Processed) / w.span.Seconds()
	if s.Processed > 0 {
		s.AvgProcessing = dur / time.Duration(s.Processed)
	}
	s.LastActivityAt = s.LastProcessed
	if s.LastCaptured.After(s.LastActivityAt) {
		s.LastActivityAt = s.LastCaptured
	}
	return s
}
