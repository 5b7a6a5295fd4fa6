// Package optimization implements the self-tuning loop: it inspects rolling
// metric windows, proposes bounded parameter changes with a confidence
// derived from trend correlation, applies at most one change at a time, and
// automatically reverts a change whose monitored performance delta is worse
// than the revert threshold. Every proposal, application and revert is
// journaled.
package optimization

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bridge.linelead.io/config"
	"bridge.linelead.io/health"
)

// Tunable parameters.
var tunableKeys = map[string]string{
	"batch_size":                config.KeyBatchSize,
	"connection_pool_size":      config.KeyConnectionPoolSize,
	"memory_limit_mb":           config.KeyMemoryLimitMB,
	"circuit_breaker_threshold": config.KeyCircuitBreakerFailures,
}

// Tuning policy.
const (
	analysisWindow     = 24 * time.Hour
	minSamples         = 10
	confidenceFloor    = 0.7
	maxChangePercent   = 0.20
	monitorWindow      = 60 * time.Minute
	autoRevertDrop     = 0.10
	journalLimit       = 1000
)

// Result states recorded in the journal.
const (
	ResultProposed             = "PROPOSED"
	ResultApplied              = "APPLIED"
	ResultReverted             = "REVERTED"
	ResultKept                 = "KEPT"
	ResultRejectedConfidence   = "REJECTED_LOW_CONFIDENCE"
	ResultRejectedOutOfBounds  = "REJECTED_OUT_OF_BOUNDS"
)

// Proposal is one candidate parameter change.
type Proposal struct {
	Parameter  string  `json:"parameter"`
	OldValue   int     `json:"old_value"`
	NewValue   int     `json:"new_value"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// JournalEntry records one tuning action.
type JournalEntry struct {
	ID          string     `json:"id"`
	Parameter   string     `json:"parameter"`
	OldValue    int        `json:"old_value"`
	NewValue    int        `json:"new_value"`
	Confidence  float64    `json:"confidence"`
	Result      string     `json:"result"`
	BeforeScore float64    `json:"before_score"`
	AfterScore  float64    `json:"after_score,omitempty"`
	At          time.Time  `json:"at"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
}

// pendingChange tracks the one in-flight applied change.
type pendingChange struct {
	entryID     string
	changeID    string
	appliedAt   time.Time
	beforeScore float64
}

// Metrics is the series surface the engine reads; the health monitor
// implements it.
type Metrics interface {
	Samples(name string, window time.Duration) []health.Sample
	LatestValue(name string) (float64, bool)
}

// Engine runs the tuning loop.
type Engine struct {
	metrics Metrics
	cfg     *config.Manager
	logger  *logrus.Entry
	dataDir string
	now     func() time.Time

	mu      sync.Mutex
	journal []JournalEntry
	pending *pendingChange

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// EngineConfig wires the engine.
type EngineConfig struct {
	Metrics Metrics
	Config  *config.Manager
	DataDir string // data/optimization
	Logger  *logrus.Entry
	Now     func() time.Time
}

// NewEngine loads the persisted journal and creates the engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{
		metrics: cfg.Metrics,
		cfg:     cfg.Config,
		logger:  cfg.Logger.WithField("component", "optimization"),
		dataDir: cfg.DataDir,
		now:     cfg.Now,
		stopCh:  make(chan struct{}),
	}
	if err := e.loadJournal(); err != nil {
		return nil, err
	}
	return e, nil
}

// Start launches the periodic tuning loop.
func (e *Engine) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.Tick()
			}
		}
	}()
}

// Stop terminates the loop.
func (e *Engine) Stop() {
	e.stopped.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.persistJournal()
}

// Tick runs one review-then-propose pass.
func (e *Engine) Tick() {
	e.Review()
	e.mu.Lock()
	busy := e.pending != nil
	e.mu.Unlock()
	if busy {
		return
	}
	for _, proposal := range e.Analyze() {
		if e.Apply(proposal) {
			return // one change at a time
		}
	}
}

// Analyze inspects metric trends and produces candidate proposals.
func (e *Engine) Analyze() []Proposal {
	var proposals []Proposal

	add := func(metric, parameter, rationale string, raise bool) {
		slope, confidence, ok := e.trend(metric)
		if !ok {
			return
		}
		direction := raise == (slope > 0)
		if !direction || confidence == 0 {
			return
		}
		current := e.cfg.GetInt(tunableKeys[parameter], 0)
		if current <= 0 {
			return
		}
		delta := int(math.Round(float64(current) * maxChangePercent))
		if delta < 1 {
			delta = 1
		}
		next := current + delta
		if parameter == "circuit_breaker_threshold" {
			// Rising failure pressure wants the breaker to trip sooner.
			next = current - delta
			if next < 1 {
				next = 1
			}
		}
		proposals = append(proposals, Proposal{
			Parameter:  parameter,
			OldValue:   current,
			NewValue:   next,
			Confidence: confidence,
			Rationale:  rationale,
		})
	}

	add("processing_time_avg", "batch_size", "processing time trending up; larger write batches amortize round trips", true)
	add("graph_response_time", "connection_pool_size", "graph latency trending up; widen the connection pool", true)
	add("memory_percent", "memory_limit_mb", "memory pressure trending up; raise the soft limit", true)
	add("error_rate", "circuit_breaker_threshold", "error rate trending up; trip the breaker earlier", true)

	return proposals
}

// Apply guards and applies one proposal. Returns true when the change was
// applied and is now being monitored.
func (e *Engine) Apply(p Proposal) bool {
	entry := JournalEntry{
		ID:         uuid.NewString(),
		Parameter:  p.Parameter,
		OldValue:   p.OldValue,
		NewValue:   p.NewValue,
		Confidence: p.Confidence,
		At:         e.now(),
	}

	if p.Confidence < confidenceFloor {
		entry.Result = ResultRejectedConfidence
		e.append(entry)
		return false
	}
	maxDelta := int(math.Round(float64(p.OldValue) * maxChangePercent))
	if maxDelta < 1 {
		maxDelta = 1
	}
	if delta := p.NewValue - p.OldValue; delta > maxDelta || delta < -maxDelta {
		entry.Result = ResultRejectedOutOfBounds
		e.append(entry)
		return false
	}

	change, err := e.cfg.Set(tunableKeys[p.Parameter], p.NewValue, "optimization")
	if err != nil || change == nil {
		e.logger.WithError(err).WithField("parameter", p.Parameter).Warn("parameter change not applied")
		return false
	}

	entry.Result = ResultApplied
	entry.BeforeScore = e.performanceScore()
	e.append(entry)

	e.mu.Lock()
	e.pending = &pendingChange{
		entryID:     entry.ID,
		changeID:    change.ChangeID,
		appliedAt:   e.now(),
		beforeScore: entry.BeforeScore,
	}
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"parameter":  p.Parameter,
		"old":        p.OldValue,
		"new":        p.NewValue,
		"confidence": p.Confidence,
	}).Info("parameter change applied")
	return true
}

// Review compares before/after performance for the pending change once its
// monitoring window has elapsed, reverting on degradation.
func (e *Engine) Review() {
	e.mu.Lock()
	pending := e.pending
	e.mu.Unlock()
	if pending == nil {
		return
	}
	if e.now().Sub(pending.appliedAt) < monitorWindow {
		return
	}

	after := e.performanceScore()
	delta := after - pending.beforeScore
	relative := delta
	if pending.beforeScore != 0 {
		relative = delta / math.Abs(pending.beforeScore)
	}

	now := e.now()
	result := ResultKept
	if relative < -autoRevertDrop {
		if _, err := e.cfg.Rollback(pending.changeID, "optimization"); err != nil {
			e.logger.WithError(err).Error("auto-revert failed")
		}
		result = ResultReverted
		e.logger.WithField("relative_change", relative).Warn("parameter change reverted")
	}

	e.mu.Lock()
	for i := range e.journal {
		if e.journal[i].ID == pending.entryID {
			e.journal[i].AfterScore = after
			e.journal[i].ReviewedAt = &now
			if result == ResultReverted {
				e.journal[i].Result = ResultReverted
			}
			break
		}
	}
	e.pending = nil
	e.mu.Unlock()
	e.persistJournal()
}

// performanceScore is the weighted composite used for before/after
// comparison.
func (e *Engine) performanceScore() float64 {
	weights := map[string]float64{
		"success_rate":        1.0,
		"throughput":          1.0,
		"processing_time_avg": -1.0,
		"memory_percent":      -0.5,
		"cb_failures":         -0.8,
	}
	score := 0.0
	for metric, weight := range weights {
		if value, ok := e.metrics.LatestValue(metric); ok {
			score += weight * value
		}
	}
	return score
}

// trend fits a least-squares line over the metric's analysis window and
// returns (slope, |correlation|).
func (e *Engine) trend(metric string) (slope, confidence float64, ok bool) {
	samples := e.metrics.Samples(metric, analysisWindow)
	if len(samples) < minSamples {
		return 0, 0, false
	}

	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX, sumYY float64
	for i, s := range samples {
		x := float64(i)
		sumX += x
		sumY += s.Value
		sumXY += x * s.Value
		sumXX += x * x
		sumYY += s.Value * s.Value
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0, false
	}
	slope = (n*sumXY - sumX*sumY) / denom

	varY := n*sumYY - sumY*sumY
	if varY <= 0 {
		return slope, 0, true
	}
	r := (n*sumXY - sumX*sumY) / math.Sqrt(denom*varY)
	return slope, math.Abs(r), true
}

// Journal returns a copy of the journal, oldest first.
func (e *Engine) Journal() []JournalEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]JournalEntry(nil), e.journal...)
}

func (e *Engine) append(entry JournalEntry) {
	e.mu.Lock()
	e.journal = append(e.journal, entry)
	if len(e.journal) > journalLimit {
		e.journal = e.journal[len(e.journal)-journalLimit:]
	}
	e.mu.Unlock()
	e.persistJournal()
}

func (e *Engine) journalPath() string {
	return filepath.Join(e.dataDir, "journal.json")
}

func (e *Engine) loadJournal() error {
	if e.dataDir == "" {
		return nil
	}
	data, err := os.ReadFile(e.journalPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read optimization journal: %w", err)
	}
	return json.Unmarshal(data, &e.journal)
}

func (e *Engine) persistJournal() {
	if e.dataDir == "" {
		return
	}
	e.mu.Lock()
	data, err := json.MarshalIndent(e.journal, "", "  ")
	e.mu.Unlock()
	if err != nil {
		return
	}
	_ = os.MkdirAll(e.dataDir, 0o755)
	_ = os.WriteFile(e.journalPath(), data, 0o644)
}
