package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StartsClosed(t *testing.T) {
	b := New("audit-queue")

	assert.Equal(t, "audit-queue", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "closed", b.State().String())
	assert.True(t, b.Allow())
}

// TestBreaker_Sequences drives the breaker with runs of enqueue outcomes.
// In outcomes, 'x' is a failed enqueue and '.' a successful one; open holds
// the expected IsOpen after each outcome.
func TestBreaker_Sequences(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		recovers int
		outcomes string
		open     string
	}{
		{"opens on the third consecutive failure", 3, 1, "xxx", "001"},
		{"a success in between resets the failure run", 3, 1, "xx.xxx", "000001"},
		{"closes only after the success run", 1, 2, "x..", "110"},
		{"a failure while open restarts the success run", 1, 3, "x..x...", "1111110"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Len(t, tt.open, len(tt.outcomes))
			b := New("audit-queue", WithFailureThreshold(tt.failures), WithSuccessThreshold(tt.recovers))
			for i, o := range tt.outcomes {
				if o == 'x' {
					b.RecordFailure()
				} else {
					b.RecordSuccess()
				}
				assert.Equal(t, tt.open[i] == '1', b.IsOpen(), "after outcome %d of %q", i+1, tt.outcomes)
			}
		})
	}
}

func TestBreaker_StateChangesAreReportedOnce(t *testing.T) {
	b := New("audit-queue", WithFailureThreshold(2), WithSuccessThreshold(1))

	fallback, change := b.RecordFailure()
	assert.False(t, fallback)
	assert.Equal(t, StateChange{}, change)

	fallback, change = b.RecordFailure()
	assert.True(t, fallback, "the enqueue that trips the circuit already uses the fallback")
	assert.True(t, change.Opened)

	fallback, change = b.RecordFailure()
	assert.True(t, fallback)
	assert.False(t, change.Opened, "already open")

	primary, change := b.RecordSuccess()
	assert.True(t, primary)
	assert.True(t, change.Closed)
}

func TestBreaker_ResetClosesImmediately(t *testing.T) {
	b := New("audit-queue", WithFailureThreshold(1))
	b.RecordFailure()
	require.True(t, b.IsOpen())

	b.Reset()

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_AllowsATrialCallAfterCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := New("queue", WithFailureThreshold(1), WithSuccessThreshold(1), WithCooldown(time.Second), WithClock(clock))

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.False(t, b.Allow(), "open circuit rejects before cooldown")

	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow(), "one trial call after cooldown")
	assert.False(t, b.Allow(), "only one trial call in flight")

	usePrimary, change := b.RecordSuccess()
	assert.True(t, usePrimary)
	assert.True(t, change.Closed)
	assert.True(t, b.Allow())
}

func TestBreaker_FailedTrialCallRestartsCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := New("queue", WithFailureThreshold(1), WithCooldown(time.Second), WithClock(clock))

	b.RecordFailure()
	now = now.Add(2 * time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.False(t, b.Allow(), "failed trial call reopens for a full cooldown")
	now = now.Add(1500 * time.Millisecond)
	assert.True(t, b.Allow())
}
