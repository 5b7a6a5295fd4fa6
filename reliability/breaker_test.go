package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge.linelead.io/common"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{
		Name:             "graph",
		FailureThreshold: 5,
		CoolDown:         60 * time.Second,
		Now:              clock.now,
	})
}

func TestBreakerOpensAtExactThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestBreaker(clock)
	boom := errors.New("connection refused")

	for i := 0; i < 4; i++ {
		_ = cb.Call(func() error { return boom })
		assert.Equal(t, StateClosed, cb.State(), "must stay closed before threshold")
	}

	_ = cb.Call(func() error { return boom })
	assert.Equal(t, StateOpen, cb.State(), "must open at exactly the fifth consecutive failure")
}

func TestBreakerFailsFastWhenOpen(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		_ = cb.Call(func() error { return errors.New("x") })
	}

	called := false
	err := cb.Call(func() error { called = true; return nil })
	assert.False(t, called)
	assert.True(t, common.IsKind(err, common.KindCircuitOpen))
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		_ = cb.Call(func() error { return errors.New("x") })
	}

	clock.advance(61 * time.Second)
	err := cb.Call(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		_ = cb.Call(func() error { return errors.New("x") })
	}

	clock.advance(61 * time.Second)
	_ = cb.Call(func() error { return errors.New("still down") })
	assert.Equal(t, StateOpen, cb.State())

	// The fresh open period restarts the cool-down.
	called := false
	_ = cb.Call(func() error { called = true; return nil })
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestBreaker(clock)
	boom := errors.New("x")

	for i := 0; i < 4; i++ {
		_ = cb.Call(func() error { return boom })
	}
	require.NoError(t, cb.Call(func() error { return nil }))
	for i := 0; i < 4; i++ {
		_ = cb.Call(func() error { return boom })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerResetCloses(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		_ = cb.Call(func() error { return errors.New("x") })
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Call(func() error { return nil }))
}

func TestBreakerOpenSince(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestBreaker(clock)
	assert.Zero(t, cb.OpenSince())

	for i := 0; i < 5; i++ {
		_ = cb.Call(func() error { return errors.New("x") })
	}
	clock.advance(2 * time.Minute)
	assert.Equal(t, 2*time.Minute, cb.OpenSince())
}

func TestBreakerMetrics(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cb := newTestBreaker(clock)
	_ = cb.Call(func() error { return nil })
	_ = cb.Call(func() error { return errors.New("x") })

	m := cb.Metrics()
	assert.Equal(t, "graph", m.Name)
	assert.Equal(t, int64(1), m.TotalSuccesses)
	assert.Equal(t, int64(1), m.TotalFailures)
	assert.Equal(t, 1, m.ConsecutiveFailures)
	assert.Nil(t, m.OpenedAt)
}
