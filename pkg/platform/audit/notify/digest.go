package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	audit "auditrail/pkg/platform/audit"
)

// ringBuffer is a bounded buffer that drops the oldest entry when full.
type ringBuffer struct {
	mu       sync.Mutex
	items    []Notification
	head     int
	tail     int
	count    int
	capacity int
	dropped  int64
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ringBuffer{items: make([]Notification, capacity), capacity: capacity}
}

func (b *ringBuffer) push(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count >= b.capacity {
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		b.dropped++
	}
	b.items[b.head] = n
	b.head = (b.head + 1) % b.capacity
	b.count++
}

func (b *ringBuffer) drain() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	out := make([]Notification, b.count)
	for i := range out {
		out[i] = b.items[b.tail]
		b.items[b.tail] = Notification{}
		b.tail = (b.tail + 1) % b.capacity
	}
	b.count = 0
	return out
}

func (b *ringBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *ringBuffer) droppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Digest batches low-urgency notifications and delivers them as one digest
// notification per flush. When more notifications arrive than fit between
// flushes, the oldest are dropped and counted.
type Digest struct {
	next   Notifier
	buf    *ringBuffer
	logger *slog.Logger
}

// NewDigest creates a Digest holding up to capacity notifications.
func NewDigest(next Notifier, capacity int, logger *slog.Logger) *Digest {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Digest{next: next, buf: newRingBuffer(capacity), logger: logger}
}

// Notify implements Notifier. It only buffers.
func (d *Digest) Notify(_ context.Context, n Notification) error {
	d.buf.push(n)
	return nil
}

// Flush delivers everything buffered as a single digest notification.
func (d *Digest) Flush(ctx context.Context) error {
	items := d.buf.drain()
	if len(items) == 0 {
		return nil
	}
	severity := audit.RiskLow
	entries := make([]map[string]any, 0, len(items))
	for _, n := range items {
		severity = audit.MaxRisk(severity, n.Severity)
		entries = append(entries, map[string]any{
			"id":        n.ID,
			"kind":      n.Kind,
			"eventId":   n.EventID,
			"eventType": n.EventType,
			"message":   n.Message,
			"createdAt": n.CreatedAt,
		})
	}
	digest := New(KindDigest, ChannelDigest, severity, fmt.Sprintf("%d audit notifications", len(items)))
	digest.Details = map[string]any{"entries": entries, "dropped": d.buf.droppedCount()}
	return d.next.Notify(ctx, digest)
}

// Run flushes on every interval until ctx is cancelled, then flushes once more.
func (d *Digest) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := d.Flush(context.WithoutCancel(ctx)); err != nil {
				d.logger.Error("final audit digest flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := d.Flush(ctx); err != nil {
				d.logger.ErrorContext(ctx, "audit digest flush failed", "error", err, "pending", d.buf.len())
			}
		}
	}
}

// Pending returns the number of buffered notifications.
func (d *Digest) Pending() int { return d.buf.len() }

// Dropped returns how many notifications were evicted before a flush.
func (d *Digest) Dropped() int64 { return d.buf.droppedCount() }
