package notify

import (
	"context"
	"math/rand/v2"
	"sync"
)

// Sampler forwards a fraction of notifications per kind. High-volume kinds
// such as record-created can be sampled down; kinds without an explicit rate
// use the default rate.
type Sampler struct {
	next Notifier

	mu          sync.RWMutex
	defaultRate float64
	rateByKind  map[Kind]float64
	random      func() float64
}

// NewSampler creates a sampler in front of next.
func NewSampler(next Notifier, defaultRate float64) *Sampler {
	return &Sampler{
		next:        next,
		defaultRate: clampRate(defaultRate),
		rateByKind:  make(map[Kind]float64),
		random:      rand.Float64,
	}
}

// SetRate overrides the rate for one kind.
func (s *Sampler) SetRate(kind Kind, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateByKind[kind] = clampRate(rate)
}

// Notify implements Notifier.
func (s *Sampler) Notify(ctx context.Context, n Notification) error {
	if s.random() >= s.rateFor(n.Kind) {
		return nil
	}
	return s.next.Notify(ctx, n)
}

func (s *Sampler) rateFor(kind Kind) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rate, ok := s.rateByKind[kind]; ok {
		return rate
	}
	return s.defaultRate
}

func clampRate(rate float64) float64 {
	switch {
	case rate < 0:
		return 0
	case rate > 1:
		return 1
	}
	return rate
}
