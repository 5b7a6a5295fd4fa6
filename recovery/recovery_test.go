package recovery

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge.linelead.io/reliability"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeActions records invocations and fails selected strategies.
type fakeActions struct {
	calls      []string
	failing    map[string]bool
	terminated []string
}

func newFakeActions(failing ...string) *fakeActions {
	f := &fakeActions{failing: make(map[string]bool)}
	for _, name := range failing {
		f.failing[name] = true
	}
	return f
}

func (f *fakeActions) call(name string) error {
	f.calls = append(f.calls, name)
	if f.failing[name] {
		return errors.New(name + " failed")
	}
	return nil
}

func (f *fakeActions) RetryStage(string) error          { return f.call("retry_stage") }
func (f *fakeActions) RestartProcess(string) error      { return f.call("restart_process") }
func (f *fakeActions) ForceComplete(string) error       { return f.call("force_complete") }
func (f *fakeActions) ClearMemory() error               { return f.call("clear_memory") }
func (f *fakeActions) ResetCircuitBreaker() error       { return f.call("reset_cb") }
func (f *fakeActions) ResetConnection() error           { return f.call("reset_connection") }
func (f *fakeActions) RollbackTransaction(string) error { return f.call("rollback_txn") }
func (f *fakeActions) TerminateProcess(id string, reason error) error {
	f.terminated = append(f.terminated, id)
	return nil
}

func newTestController(t *testing.T, clock *fakeClock, actions Actions) (*Controller, *reliability.DeadLetterQueue) {
	t.Helper()
	dlq, err := reliability.NewDeadLetterQueue(reliability.DLQConfig{
		Path: filepath.Join(t.TempDir(), "queue.json"),
	})
	require.NoError(t, err)
	c, err := NewController(ControllerConfig{
		Actions: actions,
		DLQ:     dlq,
		DataDir: t.TempDir(),
		Now:     clock.now,
	})
	require.NoError(t, err)
	return c, dlq
}

func TestFirstStrategySucceeds(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	actions := newFakeActions()
	c, _ := newTestController(t, clock, actions)

	c.Recover(Failure{Type: FailureStuckText, Target: "p1"})

	assert.Equal(t, []string{"retry_stage"}, actions.calls)
	history := c.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
}

func TestStrategiesTriedInOrder(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	actions := newFakeActions("retry_stage", "clear_memory")
	c, _ := newTestController(t, clock, actions)

	c.Recover(Failure{Type: FailureStuckText, Target: "p1"})

	assert.Equal(t, []string{"retry_stage", "clear_memory", "restart_process"}, actions.calls)
}

func TestAllStrategiesFailEscalates(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	actions := newFakeActions("retry_stage", "clear_memory", "restart_process")
	c, dlq := newTestController(t, clock, actions)

	c.Recover(Failure{Type: FailureStuckText, Target: "p1"})

	assert.Equal(t, []string{"p1"}, actions.terminated)
	pending := dlq.Pending(reliability.ClassManualReview)
	require.Len(t, pending, 1)
	assert.Equal(t, "recovery_escalation", pending[0].OpKind)
}

func TestGraphWriteStrategiesDoNotForceComplete(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	actions := newFakeActions("reset_cb", "reset_connection", "retry_stage")
	c, _ := newTestController(t, clock, actions)

	c.Recover(Failure{Type: FailureStuckGraphWrite, Target: "p1"})

	assert.NotContains(t, actions.calls, "force_complete")
	assert.Equal(t, []string{"reset_cb", "reset_connection", "retry_stage"}, actions.calls)
}

func TestCooldownBudgetEscalates(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	actions := newFakeActions()
	c, dlq := newTestController(t, clock, actions)

	// Three attempts inside the window are allowed.
	for i := 0; i < 3; i++ {
		c.Recover(Failure{Type: FailureStuckText, Target: "p1"})
		clock.advance(time.Minute)
	}
	assert.Empty(t, dlq.Pending(""))

	// The fourth inside the window escalates without running strategies.
	before := len(actions.calls)
	c.Recover(Failure{Type: FailureStuckText, Target: "p1"})
	assert.Equal(t, before, len(actions.calls))
	assert.Len(t, dlq.Pending(reliability.ClassManualReview), 1)
}

func TestBudgetRecoversAfterWindow(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	actions := newFakeActions()
	c, _ := newTestController(t, clock, actions)

	for i := 0; i < 3; i++ {
		c.Recover(Failure{Type: FailureStuckText, Target: "p1"})
	}
	clock.advance(11 * time.Minute)

	c.Recover(Failure{Type: FailureStuckText, Target: "p1"})
	assert.Equal(t, 4, len(actions.calls))
}

func TestStuckTransactionRollsBack(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	actions := newFakeActions()
	c, _ := newTestController(t, clock, actions)

	c.Recover(Failure{Type: FailureStuckTxn, Target: "txn-1"})
	assert.Equal(t, []string{"rollback_txn"}, actions.calls)
}

func TestHistoryPersistsAcrossRestart(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	actions := newFakeActions()
	dir := t.TempDir()
	dlq, err := reliability.NewDeadLetterQueue(reliability.DLQConfig{Path: filepath.Join(t.TempDir(), "q.json")})
	require.NoError(t, err)

	c, err := NewController(ControllerConfig{Actions: actions, DLQ: dlq, DataDir: dir, Now: clock.now})
	require.NoError(t, err)
	c.Recover(Failure{Type: FailureStuckText, Target: "p1"})

	reloaded, err := NewController(ControllerConfig{Actions: actions, DLQ: dlq, DataDir: dir, Now: clock.now})
	require.NoError(t, err)
	require.Len(t, reloaded.History(), 1)
	assert.Equal(t, FailureStuckText, reloaded.History()[0].FailureType)
}
