package reliability

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TxnState is the lifecycle state of a saga transaction.
type TxnState string

const (
	TxnOpen       TxnState = "open"
	TxnCommitted  TxnState = "committed"
	TxnRolledBack TxnState = "rolled_back"
)

// StuckTransactionAge is how long an open transaction may live before the
// recovery controller may roll it back.
const StuckTransactionAge = 30 * time.Minute

// CompensateFunc undoes one forward operation. It must be idempotent: the
// recovery path may run it more than once.
type CompensateFunc func() error

type sagaOp struct {
	forwardDesc  string
	compensate   CompensateFunc
	compensation string
}

// Transaction is a compensation-based unit of work. It is not ACID: commit
// discards the compensations, rollback runs them in reverse order.
type Transaction struct {
	ID        string
	StartedAt time.Time
	state     TxnState
	ops       []sagaOp
}

// State returns the transaction state.
func (t *Transaction) State() TxnState { return t.state }

// OpCount returns the number of recorded forward operations.
func (t *Transaction) OpCount() int { return len(t.ops) }

// TransactionManager owns all live saga transactions. Partial rollbacks are
// escalated to the dead-letter queue for manual review.
type TransactionManager struct {
	mu     sync.Mutex
	txns   map[string]*Transaction
	dlq    *DeadLetterQueue
	logger *logrus.Entry
	now    func() time.Time
}

// TxnConfig configures the transaction manager.
type TxnConfig struct {
	DLQ    *DeadLetterQueue
	Logger *logrus.Entry
	Now    func() time.Time
}

// NewTransactionManager creates an empty manager.
func NewTransactionManager(cfg TxnConfig) *TransactionManager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TransactionManager{
		txns:   make(map[string]*Transaction),
		dlq:    cfg.DLQ,
		logger: cfg.Logger.WithField("component", "txn"),
		now:    cfg.Now,
	}
}

// Begin opens a transaction and returns its id.
func (tm *TransactionManager) Begin() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	txn := &Transaction{
		ID:        uuid.NewString(),
		StartedAt: tm.now(),
		state:     TxnOpen,
	}
	tm.txns[txn.ID] = txn
	return txn.ID
}

// Add records a forward/compensating pair. Call it only after the forward
// operation has succeeded.
func (tm *TransactionManager) Add(txnID, forwardDesc, compensationDesc string, compensate CompensateFunc) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	txn, ok := tm.txns[txnID]
	if !ok {
		return fmt.Errorf("transaction %s not found", txnID)
	}
	if txn.state != TxnOpen {
		return fmt.Errorf("transaction %s is %s", txnID, txn.state)
	}
	txn.ops = append(txn.ops, sagaOp{
		forwardDesc:  forwardDesc,
		compensate:   compensate,
		compensation: compensationDesc,
	})
	return nil
}

// Commit discards the compensations and closes the transaction.
func (tm *TransactionManager) Commit(txnID string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	txn, ok := tm.txns[txnID]
	if !ok {
		return fmt.Errorf("transaction %s not found", txnID)
	}
	if txn.state != TxnOpen {
		return fmt.Errorf("transaction %s is %s", txnID, txn.state)
	}
	txn.state = TxnCommitted
	txn.ops = nil
	tm.logger.WithField("txn_id", txnID).Info("transaction committed")
	return nil
}

// Rollback runs the compensations in reverse order, best-effort. Failed
// compensations are logged and the partial rollback is dead-lettered for
// manual review; the transaction still transitions to rolled_back.
func (tm *TransactionManager) Rollback(txnID, reason string) error {
	tm.mu.Lock()
	txn, ok := tm.txns[txnID]
	if !ok {
		tm.mu.Unlock()
		return fmt.Errorf("transaction %s not found", txnID)
	}
	if txn.state != TxnOpen {
		tm.mu.Unlock()
		return fmt.Errorf("transaction %s is %s", txnID, txn.state)
	}
	ops := txn.ops
	txn.state = TxnRolledBack
	txn.ops = nil
	tm.mu.Unlock()

	tm.logger.WithFields(logrus.Fields{
		"txn_id": txnID,
		"reason": reason,
		"ops":    len(ops),
	}).Warn("rolling back transaction")

	var failed []string
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if err := op.compensate(); err != nil {
			failed = append(failed, op.compensation)
			tm.logger.WithError(err).WithField("compensation", op.compensation).Error("compensation failed")
		}
	}

	if len(failed) > 0 && tm.dlq != nil {
		_, err := tm.dlq.Enqueue("partial_rollback", map[string]interface{}{
			"txn_id":               txnID,
			"reason":               reason,
			"failed_compensations": failed,
		}, fmt.Errorf("partial rollback of %s: %d compensations failed", txnID, len(failed)))
		if err != nil {
			tm.logger.WithError(err).Error("failed to dead-letter partial rollback")
		}
	}
	return nil
}

// Get returns a transaction by id.
func (tm *TransactionManager) Get(txnID string) (*Transaction, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	txn, ok := tm.txns[txnID]
	return txn, ok
}

// StuckTransactions returns ids of open transactions older than
// StuckTransactionAge, for the recovery controller.
func (tm *TransactionManager) StuckTransactions() []string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	cutoff := tm.now().Add(-StuckTransactionAge)
	var stuck []string
	for id, txn := range tm.txns {
		if txn.state == TxnOpen && txn.StartedAt.Before(cutoff) {
			stuck = append(stuck, id)
		}
	}
	return stuck
}

// Release drops a finished transaction from the manager.
func (tm *TransactionManager) Release(txnID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if txn, ok := tm.txns[txnID]; ok && txn.state != TxnOpen {
		delete(tm.txns, txnID)
	}
}
