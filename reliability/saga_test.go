package reliability

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTxnManager(t *testing.T, clock *fakeClock) (*TransactionManager, *DeadLetterQueue) {
	t.Helper()
	dlq := newTestDLQ(t, filepath.Join(t.TempDir(), "queue.json"), clock)
	return NewTransactionManager(TxnConfig{DLQ: dlq, Now: clock.now}), dlq
}

func TestCommitDiscardsCompensations(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	tm, _ := newTestTxnManager(t, clock)

	ran := false
	txnID := tm.Begin()
	require.NoError(t, tm.Add(txnID, "create entities", "delete entities", func() error {
		ran = true
		return nil
	}))
	require.NoError(t, tm.Commit(txnID))

	txn, ok := tm.Get(txnID)
	require.True(t, ok)
	assert.Equal(t, TxnCommitted, txn.State())
	assert.Zero(t, txn.OpCount(), "committed saga must have an empty compensation list")
	assert.False(t, ran)

	assert.Error(t, tm.Add(txnID, "late", "late", func() error { return nil }))
}

func TestRollbackRunsCompensationsInReverse(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	tm, _ := newTestTxnManager(t, clock)

	var order []string
	txnID := tm.Begin()
	for _, name := range []string{"a", "b", "c"} {
		name := name
		require.NoError(t, tm.Add(txnID, "forward "+name, "undo "+name, func() error {
			order = append(order, name)
			return nil
		}))
	}
	require.NoError(t, tm.Rollback(txnID, "integrity failure"))

	assert.Equal(t, []string{"c", "b", "a"}, order)
	txn, _ := tm.Get(txnID)
	assert.Equal(t, TxnRolledBack, txn.State())
}

func TestPartialRollbackIsDeadLettered(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	tm, dlq := newTestTxnManager(t, clock)

	txnID := tm.Begin()
	require.NoError(t, tm.Add(txnID, "f1", "u1", func() error { return nil }))
	require.NoError(t, tm.Add(txnID, "f2", "u2", func() error { return errors.New("undo failed") }))
	require.NoError(t, tm.Rollback(txnID, "test"))

	pending := dlq.Pending(ClassManualReview)
	require.Len(t, pending, 1)
	assert.Equal(t, "partial_rollback", pending[0].OpKind)
}

func TestDoubleRollbackRejected(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	tm, _ := newTestTxnManager(t, clock)

	txnID := tm.Begin()
	require.NoError(t, tm.Rollback(txnID, "r1"))
	assert.Error(t, tm.Rollback(txnID, "r2"))
	assert.Error(t, tm.Commit(txnID))
}

func TestStuckTransactionDetection(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	tm, _ := newTestTxnManager(t, clock)

	stuckID := tm.Begin()
	clock.advance(31 * time.Minute)
	freshID := tm.Begin()

	stuck := tm.StuckTransactions()
	assert.Contains(t, stuck, stuckID)
	assert.NotContains(t, stuck, freshID)
}

func TestReleaseDropsFinishedOnly(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	tm, _ := newTestTxnManager(t, clock)

	openID := tm.Begin()
	tm.Release(openID)
	_, ok := tm.Get(openID)
	assert.True(t, ok, "open transactions must not be released")

	require.NoError(t, tm.Commit(openID))
	tm.Release(openID)
	_, ok = tm.Get(openID)
	assert.False(t, ok)
}
