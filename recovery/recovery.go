// Package recovery subscribes to health signals and applies pre-declared
// recovery strategies to known failure types: stuck stages, memory
// exhaustion, connection failures, long-open circuit breakers and stuck
// transactions. One recovery runs at a time per (failure, target); repeated
// failures cool down and finally escalate to the dead-letter queue for
// manual review.
package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bridge.linelead.io/common"
	"bridge.linelead.io/health"
	"bridge.linelead.io/model"
	"bridge.linelead.io/reliability"
)

// Strategy names.
type Strategy string

const (
	StrategyRetryStage      Strategy = "retry_stage"
	StrategyClearMemory     Strategy = "clear_memory"
	StrategyRestartProcess  Strategy = "restart_process"
	StrategyForceComplete   Strategy = "force_complete"
	StrategyResetCB         Strategy = "reset_cb"
	StrategyResetConnection Strategy = "reset_connection"
	StrategyRollbackTxn     Strategy = "rollback_txn"
	StrategyEscalate        Strategy = "escalate"
)

// FailureType names.
type FailureType string

const (
	FailureStuckText        FailureType = "stuck_text_extraction"
	FailureStuckEntity      FailureType = "stuck_entity_extraction"
	FailureStuckGraphWrite  FailureType = "stuck_graph_write"
	FailureMemoryExhaustion FailureType = "memory_exhaustion"
	FailureConnection       FailureType = "connection_failure"
	FailureTimeout          FailureType = "processing_timeout"
	FailureCBOpen           FailureType = "cb_open_too_long"
	FailureStuckTxn         FailureType = "stuck_transaction"
)

// strategyTable is the ordered strategy list per failure type.
var strategyTable = map[FailureType][]Strategy{
	FailureStuckText:        {StrategyRetryStage, StrategyClearMemory, StrategyRestartProcess, StrategyEscalate},
	FailureStuckEntity:      {StrategyRetryStage, StrategyClearMemory, StrategyForceComplete, StrategyEscalate},
	FailureStuckGraphWrite:  {StrategyResetCB, StrategyResetConnection, StrategyRetryStage, StrategyEscalate},
	FailureMemoryExhaustion: {StrategyClearMemory, StrategyRestartProcess, StrategyEscalate},
	FailureConnection:       {StrategyResetConnection, StrategyResetCB, StrategyRetryStage, StrategyEscalate},
	FailureTimeout:          {StrategyRetryStage, StrategyForceComplete, StrategyEscalate},
	FailureCBOpen:           {StrategyResetCB, StrategyResetConnection, StrategyEscalate},
	FailureStuckTxn:         {StrategyRollbackTxn, StrategyRetryStage, StrategyEscalate},
}

// Cooldown policy: at most maxAttempts recoveries per failure type inside
// the window.
const (
	maxAttempts    = 3
	attemptsWindow = 10 * time.Minute
	historyLimit   = 500
)

// Actions is everything the controller may do to the rest of the system.
// The application context wires these to the pipeline, graph client and
// transaction manager so the controller depends on no concrete component.
type Actions interface {
	RetryStage(processID string) error
	RestartProcess(processID string) error
	ForceComplete(processID string) error
	ClearMemory() error
	ResetCircuitBreaker() error
	ResetConnection() error
	RollbackTransaction(txnID string) error
	TerminateProcess(processID string, reason error) error
}

// Execution is one recorded recovery run.
type Execution struct {
	ID          string      `json:"id"`
	FailureType FailureType `json:"failure_type"`
	Target      string      `json:"target"`
	Strategy    Strategy    `json:"strategy"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	Success     bool        `json:"success"`
	Error       string      `json:"error,omitempty"`
}

// Failure is one detected condition needing recovery.
type Failure struct {
	Type   FailureType
	Target string // process id, txn id or breaker name
}

// Controller runs the detection/recovery loop.
type Controller struct {
	monitor *health.Monitor
	actions Actions
	txns    *reliability.TransactionManager
	dlq     *reliability.DeadLetterQueue
	logger  *logrus.Entry
	dataDir string
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
	attempts map[FailureType][]time.Time
	history  []Execution

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// ControllerConfig wires the controller.
type ControllerConfig struct {
	Monitor *health.Monitor
	Actions Actions
	Txns    *reliability.TransactionManager
	DLQ     *reliability.DeadLetterQueue
	DataDir string // data/recovery
	Logger  *logrus.Entry
	Now     func() time.Time
}

// NewController loads persisted history and creates the controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Controller{
		monitor:  cfg.Monitor,
		actions:  cfg.Actions,
		txns:     cfg.Txns,
		dlq:      cfg.DLQ,
		logger:   cfg.Logger.WithField("component", "recovery"),
		dataDir:  cfg.DataDir,
		now:      cfg.Now,
		inFlight: make(map[string]bool),
		attempts: make(map[FailureType][]time.Time),
		stopCh:   make(chan struct{}),
	}
	if err := c.loadHistory(); err != nil {
		return nil, err
	}
	return c, nil
}

// Start launches the detection loop.
func (c *Controller) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Tick()
			}
		}
	}()
}

// Stop terminates the loop and persists history.
func (c *Controller) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.persistHistory()
}

// Tick runs one detection pass. Exposed for tests and manual triggering.
func (c *Controller) Tick() {
	for _, failure := range c.detect() {
		c.Recover(failure)
	}
}

// detect gathers current failures from health signals.
func (c *Controller) detect() []Failure {
	var failures []Failure

	if c.monitor != nil {
		for _, stuck := range c.monitor.StuckFiles() {
			switch stuck.Stage {
			case model.StageTextExtraction:
				failures = append(failures, Failure{Type: FailureStuckText, Target: stuck.ProcessID})
			case model.StageEntityExtraction:
				failures = append(failures, Failure{Type: FailureStuckEntity, Target: stuck.ProcessID})
			case model.StageGraphWrite:
				failures = append(failures, Failure{Type: FailureStuckGraphWrite, Target: stuck.ProcessID})
			default:
				failures = append(failures, Failure{Type: FailureTimeout, Target: stuck.ProcessID})
			}
		}
		for _, alert := range c.monitor.ActiveAlerts() {
			switch alert.Metric {
			case "memory_percent":
				if alert.Severity == health.SeverityCritical {
					failures = append(failures, Failure{Type: FailureMemoryExhaustion, Target: "runtime"})
				}
			case "graph_response_time":
				if alert.Severity == health.SeverityCritical {
					failures = append(failures, Failure{Type: FailureConnection, Target: "graph"})
				}
			case "graph_cb_state":
				failures = append(failures, Failure{Type: FailureCBOpen, Target: "graph"})
			}
		}
	}

	if c.txns != nil {
		for _, txnID := range c.txns.StuckTransactions() {
			failures = append(failures, Failure{Type: FailureStuckTxn, Target: txnID})
		}
	}
	return failures
}

// Recover applies the failure's strategy list in order until one succeeds.
// Reaching the escalate strategy, or exceeding the cooldown budget, parks
// the failure in the DLQ for manual review.
func (c *Controller) Recover(failure Failure) {
	key := string(failure.Type) + ":" + failure.Target

	c.mu.Lock()
	if c.inFlight[key] {
		c.mu.Unlock()
		return
	}
	if !c.budgetLocked(failure.Type) {
		c.mu.Unlock()
		c.escalate(failure, fmt.Errorf("recovery budget exhausted for %s", failure.Type))
		return
	}
	c.inFlight[key] = true
	c.attempts[failure.Type] = append(c.attempts[failure.Type], c.now())
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
	}()

	strategies, ok := strategyTable[failure.Type]
	if !ok {
		c.escalate(failure, fmt.Errorf("no strategies for %s", failure.Type))
		return
	}

	for _, strategy := range strategies {
		if strategy == StrategyEscalate {
			c.escalate(failure, fmt.Errorf("all strategies failed for %s", failure.Type))
			return
		}
		err := c.execute(strategy, failure)
		c.record(failure, strategy, err)
		if err == nil {
			c.logger.WithFields(logrus.Fields{
				"failure":  failure.Type,
				"target":   failure.Target,
				"strategy": strategy,
			}).Info("recovery succeeded")
			return
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"failure":  failure.Type,
			"target":   failure.Target,
			"strategy": strategy,
		}).Warn("recovery strategy failed")
	}
}

// budgetLocked reports whether another attempt is allowed inside the window.
// Caller holds the lock.
func (c *Controller) budgetLocked(t FailureType) bool {
	cutoff := c.now().Add(-attemptsWindow)
	recent := c.attempts[t][:0]
	for _, at := range c.attempts[t] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	c.attempts[t] = recent
	return len(recent) < maxAttempts
}

func (c *Controller) execute(strategy Strategy, failure Failure) error {
	switch strategy {
	case StrategyRetryStage:
		return c.actions.RetryStage(failure.Target)
	case StrategyClearMemory:
		return c.actions.ClearMemory()
	case StrategyRestartProcess:
		return c.actions.RestartProcess(failure.Target)
	case StrategyForceComplete:
		return c.actions.ForceComplete(failure.Target)
	case StrategyResetCB:
		return c.actions.ResetCircuitBreaker()
	case StrategyResetConnection:
		return c.actions.ResetConnection()
	case StrategyRollbackTxn:
		return c.actions.RollbackTransaction(failure.Target)
	}
	return fmt.Errorf("unknown strategy %s", strategy)
}

// escalate parks the failure for manual review and, for process failures,
// terminates the process as Interrupted.
func (c *Controller) escalate(failure Failure, cause error) {
	c.logger.WithFields(logrus.Fields{
		"failure": failure.Type,
		"target":  failure.Target,
	}).Error("recovery escalated to manual review")

	switch failure.Type {
	case FailureStuckText, FailureStuckEntity, FailureStuckGraphWrite, FailureTimeout:
		interrupted := common.WrapError(common.KindInterrupted, cause, "recovery exhausted")
		if err := c.actions.TerminateProcess(failure.Target, interrupted); err != nil {
			c.logger.WithError(err).Warn("failed to terminate escalated process")
		}
	}

	if c.dlq != nil {
		_, err := c.dlq.Enqueue("recovery_escalation", map[string]interface{}{
			"failure_type": failure.Type,
			"target":       failure.Target,
		}, common.WrapError(common.KindInternal, cause, "recovery escalation"))
		if err != nil {
			c.logger.WithError(err).Error("failed to dead-letter escalation")
		}
	}
	c.record(failure, StrategyEscalate, cause)
}

func (c *Controller) record(failure Failure, strategy Strategy, err error) {
	execution := Execution{
		ID:          uuid.NewString(),
		FailureType: failure.Type,
		Target:      failure.Target,
		Strategy:    strategy,
		StartedAt:   c.now(),
		CompletedAt: c.now(),
		Success:     err == nil && strategy != StrategyEscalate,
	}
	if err != nil {
		execution.Error = err.Error()
	}

	c.mu.Lock()
	c.history = append(c.history, execution)
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}
	c.mu.Unlock()
	c.persistHistory()
}

// History returns a copy of the execution log, oldest first.
func (c *Controller) History() []Execution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Execution(nil), c.history...)
}

func (c *Controller) historyPath() string {
	return filepath.Join(c.dataDir, "log.json")
}

func (c *Controller) loadHistory() error {
	if c.dataDir == "" {
		return nil
	}
	data, err := os.ReadFile(c.historyPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &c.history)
}

func (c *Controller) persistHistory() {
	if c.dataDir == "" {
		return
	}
	c.mu.Lock()
	data, err := json.MarshalIndent(c.history, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return
	}
	_ = os.MkdirAll(c.dataDir, 0o755)
	_ = os.WriteFile(c.historyPath(), data, 0o644)
}
