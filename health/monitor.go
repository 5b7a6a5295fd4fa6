// Package health implements the monitoring loop: periodic metric sampling
// into a fixed-capacity ring, threshold evaluation with minimum-duration
// semantics, non-duplicate alerting, stuck-file detection, and the dashboard
// rollup. The monitor never mutates pipeline state; it only observes and
// emits.
package health

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"bridge.linelead.io/model"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Level is a component health level, ordered worst-last.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelDegraded Level = "degraded"
	LevelCritical Level = "critical"
)

// Threshold configures breach detection for one metric.
type Threshold struct {
	Warning     float64       `yaml:"warning" json:"warning"`
	Critical    float64       `yaml:"critical" json:"critical"`
	Operator    string        `yaml:"operator" json:"operator"` // ">" or "<"
	MinDuration time.Duration `yaml:"min_duration" json:"min_duration"`
	Component   string        `yaml:"component" json:"component"`
}

// breached reports whether value crosses limit under the operator.
func (t Threshold) breached(value, limit float64) bool {
	if t.Operator == "<" {
		return value < limit
	}
	return value > limit
}

// Alert is one open or resolved threshold breach.
type Alert struct {
	ID         string     `json:"id"`
	Severity   Severity   `json:"severity"`
	Metric     string     `json:"metric"`
	Threshold  float64    `json:"threshold"`
	Observed   float64    `json:"observed"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// StuckFile is one process stage that exceeded its stuck threshold.
type StuckFile struct {
	ProcessID string        `json:"process_id"`
	Stage     model.Stage   `json:"stage"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Source produces one metric value on demand.
type Source func() float64

// MetricSpec binds a source to its sampling interval.
type MetricSpec struct {
	Source   Source
	Interval time.Duration
}

// StageWatcher exposes the live stage timing of active processes.
type StageWatcher interface {
	Active() []model.Process
	StageElapsed(processID string) (model.Stage, time.Duration, bool)
}

// recoveryHealthySamples is how many consecutive healthy samples resolve an
// alert.
const recoveryHealthySamples = 3

// stuckThresholds are the per-stage stuck limits.
var stuckThresholds = map[model.Stage]time.Duration{
	model.StageValidation:       5 * time.Minute,
	model.StageTextExtraction:   10 * time.Minute,
	model.StageEntityExtraction: 30 * time.Minute,
	model.StageGraphWrite:       15 * time.Minute,
}

const stuckThresholdDefault = 10 * time.Minute

// StuckThreshold returns the stuck limit for a stage.
func StuckThreshold(stage model.Stage) time.Duration {
	if d, ok := stuckThresholds[stage]; ok {
		return d
	}
	return stuckThresholdDefault
}

// Monitor samples metrics, evaluates thresholds and owns the alert table.
type Monitor struct {
	mu         sync.RWMutex
	ring       *ring
	metrics    map[string]MetricSpec
	thresholds map[string]Threshold
	alerts     map[string]*Alert // open alerts keyed by metric
	resolved   []Alert           // bounded history
	healthy    map[string]int    // consecutive healthy samples per metric
	components map[string]Level
	watcher    StageWatcher
	exporter   *Exporter
	logger     *logrus.Entry
	dataDir    string
	now        func() time.Time

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// MonitorConfig wires the monitor.
type MonitorConfig struct {
	Metrics      map[string]MetricSpec
	Thresholds   map[string]Threshold // merged over DefaultThresholds
	Watcher      StageWatcher
	Exporter     *Exporter // optional prometheus exporter
	RingCapacity int
	DataDir      string // data/health; threshold file + alert log
	Logger       *logrus.Entry
	Now          func() time.Time
}

// NewMonitor creates the monitor, layering any thresholds file in DataDir
// over the defaults.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	thresholds := DefaultThresholds()
	if cfg.DataDir != "" {
		if loaded, err := loadThresholdFile(filepath.Join(cfg.DataDir, "thresholds.yaml")); err == nil {
			for name, t := range loaded {
				thresholds[name] = t
			}
		}
	}
	for name, t := range cfg.Thresholds {
		thresholds[name] = t
	}

	return &Monitor{
		ring:       newRing(cfg.RingCapacity),
		metrics:    cfg.Metrics,
		thresholds: thresholds,
		alerts:     make(map[string]*Alert),
		healthy:    make(map[string]int),
		components: make(map[string]Level),
		watcher:    cfg.Watcher,
		exporter:   cfg.Exporter,
		logger:     cfg.Logger.WithField("component", "health"),
		dataDir:    cfg.DataDir,
		now:        cfg.Now,
	}, nil
}

// Start launches one sampler per metric at its own interval.
func (m *Monitor) Start() {
	for name, spec := range m.metrics {
		name, spec := name, spec
		interval := spec.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-m.stopChan():
					return
				case <-ticker.C:
					m.Observe(name, spec.Source())
				}
			}
		}()
	}
}

// Stop terminates the samplers and flushes the alert log.
func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.stopChan()) })
	m.wg.Wait()
	m.persistAlerts()
}

func (m *Monitor) stopChan() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh == nil {
		m.stopCh = make(chan struct{})
	}
	return m.stopCh
}

// Observe records one sample and evaluates its threshold. Exposed so tests
// and push-style sources can feed the monitor directly.
func (m *Monitor) Observe(name string, value float64) {
	sample := Sample{Name: name, Value: value, Timestamp: m.now()}
	m.ring.add(sample)
	if m.exporter != nil {
		m.exporter.Set(name, value)
	}
	m.evaluate(name, value)
}

// evaluate applies the metric's threshold with min-duration semantics.
func (m *Monitor) evaluate(name string, value float64) {
	threshold, ok := m.thresholds[name]
	if !ok {
		return
	}

	interval := 30 * time.Second
	if spec, ok := m.metrics[name]; ok && spec.Interval > 0 {
		interval = spec.Interval
	}
	needed := 1
	if threshold.MinDuration > 0 {
		needed = int(math.Ceil(float64(threshold.MinDuration) / float64(interval)))
	}

	recent := m.ring.lastN(name, needed)

	severity := Severity("")
	limit := 0.0
	if allBreach(recent, threshold, threshold.Critical, needed) {
		severity, limit = SeverityCritical, threshold.Critical
	} else if allBreach(recent, threshold, threshold.Warning, needed) {
		severity, limit = SeverityWarning, threshold.Warning
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.alerts[name]
	if severity != "" {
		m.healthy[name] = 0
		if open == nil || open.Severity != severity {
			if open != nil {
				m.resolveLocked(open)
			}
			alert := &Alert{
				ID:        uuid.NewString(),
				Severity:  severity,
				Metric:    name,
				Threshold: limit,
				Observed:  value,
				OpenedAt:  m.now(),
			}
			m.alerts[name] = alert
			m.setComponentLocked(threshold.Component, severity)
			m.logger.WithFields(logrus.Fields{
				"metric":   name,
				"severity": severity,
				"observed": value,
			}).Warn("alert opened")
		} else {
			open.Observed = value
		}
		return
	}

	if open != nil {
		m.healthy[name]++
		if m.healthy[name] >= recoveryHealthySamples {
			m.resolveLocked(open)
			delete(m.alerts, name)
			m.components[threshold.Component] = LevelHealthy
			m.logger.WithField("metric", name).Info("alert resolved")
		}
	}
}

func allBreach(samples []Sample, t Threshold, limit float64, needed int) bool {
	if len(samples) < needed || len(samples) == 0 {
		return false
	}
	for _, s := range samples {
		if !t.breached(s.Value, limit) {
			return false
		}
	}
	return true
}

func (m *Monitor) resolveLocked(alert *Alert) {
	now := m.now()
	alert.ResolvedAt = &now
	m.resolved = append(m.resolved, *alert)
	if len(m.resolved) > 500 {
		m.resolved = m.resolved[len(m.resolved)-500:]
	}
}

func (m *Monitor) setComponentLocked(component string, severity Severity) {
	if component == "" {
		return
	}
	level := LevelDegraded
	if severity == SeverityCritical {
		level = LevelCritical
	}
	// Never downgrade below an existing critical from another metric.
	if m.components[component] == LevelCritical && level == LevelDegraded {
		return
	}
	m.components[component] = level
}

// ActiveAlerts returns the open alerts.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// StuckFiles scans active processes for stages past their stuck threshold.
func (m *Monitor) StuckFiles() []StuckFile {
	if m.watcher == nil {
		return nil
	}
	var out []StuckFile
	for _, proc := range m.watcher.Active() {
		stage, elapsed, ok := m.watcher.StageElapsed(proc.ProcessID)
		if !ok {
			continue
		}
		if elapsed > StuckThreshold(stage) {
			out = append(out, StuckFile{ProcessID: proc.ProcessID, Stage: stage, Elapsed: elapsed})
		}
	}
	return out
}

// Overall returns the worst component level.
func (m *Monitor) Overall() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	overall := LevelHealthy
	for _, level := range m.components {
		if level == LevelCritical {
			return LevelCritical
		}
		if level == LevelDegraded {
			overall = LevelDegraded
		}
	}
	return overall
}

// LatestValue returns the most recent sample value for a metric.
func (m *Monitor) LatestValue(name string) (float64, bool) {
	samples := m.ring.lastN(name, 1)
	if len(samples) == 0 {
		return 0, false
	}
	return samples[0].Value, true
}

// Samples returns the raw samples for a metric inside the window, oldest
// first. The optimization engine's trend analysis reads this.
func (m *Monitor) Samples(name string, window time.Duration) []Sample {
	return m.ring.since(name, m.now().Add(-window))
}

// Trend returns the 24h downsampled series for a metric.
func (m *Monitor) Trend(name string, bucket time.Duration) []Downsampled {
	return m.ring.downsample(name, bucket, m.now())
}

// Dashboard is the full monitoring rollup.
type Dashboard struct {
	Overall      Level                    `json:"overall"`
	Components   map[string]Level         `json:"components"`
	ActiveAlerts []Alert                  `json:"active_alerts"`
	Metrics      map[string]float64       `json:"metrics"`
	Trends       map[string][]Downsampled `json:"trends"`
	StuckFiles   []StuckFile              `json:"stuck_files"`
}

// Dashboard builds the rollup view.
func (m *Monitor) Dashboard() *Dashboard {
	metrics := make(map[string]float64, len(m.metrics))
	trends := make(map[string][]Downsampled, len(m.metrics))
	for name := range m.metrics {
		if v, ok := m.LatestValue(name); ok {
			metrics[name] = v
		}
		if trend := m.Trend(name, 15*time.Minute); trend != nil {
			trends[name] = trend
		}
	}

	m.mu.RLock()
	components := make(map[string]Level, len(m.components))
	for c, l := range m.components {
		components[c] = l
	}
	m.mu.RUnlock()

	return &Dashboard{
		Overall:      m.Overall(),
		Components:   components,
		ActiveAlerts: m.ActiveAlerts(),
		Metrics:      metrics,
		Trends:       trends,
		StuckFiles:   m.StuckFiles(),
	}
}

// persistAlerts writes the recent alert log for post-mortem inspection.
func (m *Monitor) persistAlerts() {
	if m.dataDir == "" {
		return
	}
	m.mu.RLock()
	payload := struct {
		Open     []Alert `json:"open"`
		Resolved []Alert `json:"resolved"`
	}{Resolved: m.resolved}
	for _, a := range m.alerts {
		payload.Open = append(payload.Open, *a)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return
	}
	_ = os.MkdirAll(m.dataDir, 0o755)
	_ = os.WriteFile(filepath.Join(m.dataDir, "alerts.json"), data, 0o644)
}

// DefaultThresholds covers the standard metric set.
func DefaultThresholds() map[string]Threshold {
	return map[string]Threshold{
		"processing_time_avg": {Warning: 300, Critical: 600, Operator: ">", MinDuration: 2 * time.Minute, Component: "pipeline"},
		"success_rate":        {Warning: 0.9, Critical: 0.7, Operator: "<", MinDuration: 5 * time.Minute, Component: "pipeline"},
		"graph_response_time": {Warning: 2, Critical: 10, Operator: ">", MinDuration: 2 * time.Minute, Component: "graph"},
		"graph_cb_state":      {Warning: 0.5, Critical: 1.5, Operator: ">", Component: "graph"},
		"memory_percent":      {Warning: 70, Critical: 90, Operator: ">", MinDuration: 2 * time.Minute, Component: "runtime"},
		"queue_depth":         {Warning: 50, Critical: 100, Operator: ">", MinDuration: 2 * time.Minute, Component: "reliability"},
		"error_rate":          {Warning: 0.1, Critical: 0.3, Operator: ">", MinDuration: 5 * time.Minute, Component: "pipeline"},
		"stuck_files_count":   {Warning: 1, Critical: 3, Operator: ">", Component: "pipeline"},
	}
}

func loadThresholdFile(path string) (map[string]Threshold, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]Threshold
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
