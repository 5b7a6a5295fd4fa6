// Package degradation implements graceful degradation: a global mode
// selector driven by live system signals, with a persistent local queue
// that absorbs graph writes while the graph database is unavailable.
package degradation

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bridge.linelead.io/common"
	"bridge.linelead.io/config"
	"bridge.linelead.io/graph"
)

// Mode is a named operating regime.
type Mode string

const (
	ModeNormal              Mode = "normal"
	ModeReducedPerformance  Mode = "reduced_performance"
	ModeLocalQueue          Mode = "local_queue"
	ModeMemoryConstrained   Mode = "memory_constrained"
	ModeSelectiveProcessing Mode = "selective_processing"
	ModeEmergency           Mode = "emergency"
)

// Trigger names.
type Trigger string

const (
	TriggerCBOpen        Trigger = "graph_cb_open"
	TriggerMemory        Trigger = "memory_pressure"
	TriggerErrorRate     Trigger = "error_rate"
	TriggerQueueDepth    Trigger = "queue_depth"
	TriggerTimeoutRepeat Trigger = "processing_timeout_repeat"
)

// Event records one mode change.
type Event struct {
	FromMode Mode               `json:"from_mode"`
	ToMode   Mode               `json:"to_mode"`
	Trigger  string             `json:"trigger"`
	Metrics  map[string]float64 `json:"metrics_snapshot"`
	At       time.Time          `json:"at"`
}

// Signals feeds the trigger evaluation. The application context wires these
// to the graph breaker, health monitor and DLQ.
type Signals interface {
	GraphCBOpenFor() time.Duration
	MemoryPercent() float64
	ErrorRate() float64
	QueueDepth() int
	TimeoutRepeats() int
}

// recoveryHold is how long all triggers must stay clear before a mode is
// left.
const recoveryHold = 5 * time.Minute

// Manager is the global mode selector.
type Manager struct {
	mu           sync.RWMutex
	mode         Mode
	modeSince    time.Time
	clearSince   time.Time // all triggers clear since
	signals      Signals
	queue        *LocalQueue
	graph        *graph.Client
	cfg          *config.Manager
	logger       *logrus.Entry
	now          func() time.Time
	batchChange  string // config change id to roll back on mode exit

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// ManagerConfig wires the manager.
type ManagerConfig struct {
	Signals Signals
	Queue   *LocalQueue
	Graph   *graph.Client
	Config  *config.Manager
	Logger  *logrus.Entry
	Now     func() time.Time
}

// NewManager creates the manager in normal mode.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		mode:      ModeNormal,
		modeSince: cfg.Now(),
		signals:   cfg.Signals,
		queue:     cfg.Queue,
		graph:     cfg.Graph,
		cfg:       cfg.Config,
		logger:    cfg.Logger.WithField("component", "degradation"),
		now:       cfg.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the evaluation loop and the local-queue drainer.
func (m *Manager) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Evaluate()
				m.drainIfRecovered()
				if m.Mode() == ModeMemoryConstrained {
					runtime.GC()
				}
			}
		}
	}()
}

// Stop terminates the loop.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Mode returns the current mode.
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Evaluate runs one trigger pass. Exposed for tests.
func (m *Manager) Evaluate() {
	active := m.activeTriggers()

	target := ModeNormal
	trigger := ""
	switch {
	case len(active) >= 3:
		target, trigger = ModeEmergency, "multiple_triggers"
	case containsTrigger(active, TriggerCBOpen):
		target, trigger = ModeLocalQueue, string(TriggerCBOpen)
	case containsTrigger(active, TriggerMemory):
		target, trigger = ModeMemoryConstrained, string(TriggerMemory)
	case containsTrigger(active, TriggerErrorRate):
		target, trigger = ModeSelectiveProcessing, string(TriggerErrorRate)
	case containsTrigger(active, TriggerQueueDepth):
		target, trigger = ModeSelectiveProcessing, string(TriggerQueueDepth)
	case containsTrigger(active, TriggerTimeoutRepeat):
		target, trigger = ModeReducedPerformance, string(TriggerTimeoutRepeat)
	}

	m.mu.Lock()
	current := m.mode
	now := m.now()

	if target == ModeNormal {
		if current == ModeNormal {
			m.mu.Unlock()
			return
		}
		// Auto-recovery: all entry triggers must stay clear for the hold
		// period before leaving a degraded mode.
		if !m.cfg.GetBool(config.KeyAutoRecovery, true) {
			m.mu.Unlock()
			return
		}
		if m.clearSince.IsZero() {
			m.clearSince = now
			m.mu.Unlock()
			return
		}
		if now.Sub(m.clearSince) < recoveryHold {
			m.mu.Unlock()
			return
		}
		m.transitionLocked(ModeNormal, "auto_recovery")
		m.mu.Unlock()
		return
	}

	m.clearSince = time.Time{}
	if target != current {
		m.transitionLocked(target, trigger)
	}
	m.mu.Unlock()
}

// transitionLocked switches modes, applies/undoes mode effects, and records
// the event. Caller holds the lock.
func (m *Manager) transitionLocked(target Mode, trigger string) {
	from := m.mode
	m.mode = target
	m.modeSince = m.now()

	m.logger.WithFields(logrus.Fields{
		"from":    from,
		"to":      target,
		"trigger": trigger,
	}).Warn("degradation mode changed")

	// Undo the previous mode's effects.
	if from == ModeLocalQueue && m.graph != nil {
		m.graph.SetInterceptor(nil)
	}
	if from == ModeMemoryConstrained && m.batchChange != "" {
		if _, err := m.cfg.Rollback(m.batchChange, "degradation"); err != nil {
			m.logger.WithError(err).Warn("failed to restore batch size")
		}
		m.batchChange = ""
	}

	// Apply the new mode's effects.
	switch target {
	case ModeLocalQueue:
		if m.graph != nil && m.queue != nil {
			m.graph.SetInterceptor(func(op graph.WriteOp) (bool, error) {
				if err := m.queue.Enqueue(op); err != nil {
					return true, err
				}
				return true, nil
			})
		}
	case ModeMemoryConstrained:
		current := m.cfg.GetInt(config.KeyBatchSize, 3)
		half := current / 2
		if half < 1 {
			half = 1
		}
		if change, err := m.cfg.Set(config.KeyBatchSize, half, "degradation"); err == nil && change != nil {
			m.batchChange = change.ChangeID
		}
	}

	event := Event{
		FromMode: from,
		ToMode:   target,
		Trigger:  trigger,
		Metrics:  m.metricsSnapshot(),
		At:       m.now(),
	}
	if m.queue != nil {
		if err := m.queue.RecordEvent(event); err != nil {
			m.logger.WithError(err).Warn("failed to persist degradation event")
		}
	}
}

// drainIfRecovered empties the local queue once the graph breaker is closed
// again.
func (m *Manager) drainIfRecovered() {
	if m.queue == nil || m.graph == nil || m.queue.Depth() == 0 {
		return
	}
	if m.signals.GraphCBOpenFor() > 0 {
		return
	}
	// Apply bypasses the interceptor, so draining is safe even while the
	// local_queue mode is still active during its recovery hold.
	applied, err := m.queue.Drain(func(op graph.WriteOp) error {
		return m.graph.Apply(context.Background(), op)
	})
	if applied > 0 {
		m.logger.WithField("applied", applied).Info("drained local queue")
	}
	if err != nil {
		m.logger.WithError(err).Warn("local queue drain interrupted")
	}
}

// activeTriggers evaluates the configured trigger thresholds.
func (m *Manager) activeTriggers() []Trigger {
	var active []Trigger

	cbThreshold := m.cfg.GetDuration(config.KeyQueueModeThreshold, 120*time.Second)
	if m.signals.GraphCBOpenFor() >= cbThreshold {
		active = append(active, TriggerCBOpen)
	}
	if m.signals.MemoryPercent() > m.cfg.GetFloat(config.KeyMemoryThreshold, 70) {
		active = append(active, TriggerMemory)
	}
	if m.signals.ErrorRate() > 0.3 {
		active = append(active, TriggerErrorRate)
	}
	if m.signals.QueueDepth() > 100 {
		active = append(active, TriggerQueueDepth)
	}
	if m.signals.TimeoutRepeats() >= 3 {
		active = append(active, TriggerTimeoutRepeat)
	}
	return active
}

func (m *Manager) metricsSnapshot() map[string]float64 {
	return map[string]float64{
		"cb_open_seconds": m.signals.GraphCBOpenFor().Seconds(),
		"memory_percent":  m.signals.MemoryPercent(),
		"error_rate":      m.signals.ErrorRate(),
		"queue_depth":     float64(m.signals.QueueDepth()),
	}
}

// AllowIntake implements the pipeline's intake gate for standard uploads.
func (m *Manager) AllowIntake() error {
	return m.AllowUploadFrom("standard")
}

// AllowUploadFrom applies the mode's intake policy for the caller's role.
func (m *Manager) AllowUploadFrom(role string) error {
	switch m.Mode() {
	case ModeEmergency:
		return common.NewError(common.KindBusyRetryLater, "service is in emergency mode")
	case ModeSelectiveProcessing:
		if role != "admin" && role != "elevated" {
			return common.NewError(common.KindBusyRetryLater, "only high-priority uploads are accepted right now")
		}
	}
	return nil
}

// TimeoutFactor implements the intake gate's timeout scaling.
func (m *Manager) TimeoutFactor() float64 {
	if m.Mode() == ModeReducedPerformance {
		return 1.5
	}
	return 1
}

// ConcurrencyLimit implements the intake gate's concurrency shaping.
func (m *Manager) ConcurrencyLimit(configured int) int {
	switch m.Mode() {
	case ModeMemoryConstrained:
		limit := configured / 2
		if limit < 1 {
			limit = 1
		}
		return limit
	case ModeReducedPerformance:
		if configured > 1 {
			return configured - 1
		}
		return 1
	}
	return configured
}

// Events returns the persisted mode-change history.
func (m *Manager) Events() ([]Event, error) {
	if m.queue == nil {
		return nil, nil
	}
	return m.queue.Events()
}

// ModeSince reports when the current mode was entered.
func (m *Manager) ModeSince() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.modeSince
}

func containsTrigger(list []Trigger, t Trigger) bool {
	for _, item := range list {
		if item == t {
			return true
		}
	}
	return false
}
