package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge.linelead.io/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(t *testing.T, clock *fakeClock, thresholds map[string]Threshold) *Monitor {
	t.Helper()
	m, err := NewMonitor(MonitorConfig{
		Metrics: map[string]MetricSpec{
			"error_rate": {Interval: 30 * time.Second},
		},
		Thresholds: thresholds,
		Now:        clock.now,
	})
	require.NoError(t, err)
	return m
}

func TestRingKeepsRecentSamples(t *testing.T) {
	r := newRing(5)
	base := time.Now()
	for i := 0; i < 8; i++ {
		r.add(Sample{Name: "m", Value: float64(i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	recent := r.lastN("m", 3)
	require.Len(t, recent, 3)
	assert.Equal(t, float64(5), recent[0].Value)
	assert.Equal(t, float64(7), recent[2].Value)
}

func TestDownsampleBuckets(t *testing.T) {
	r := newRing(100)
	base := time.Now().Truncate(time.Hour)
	for i := 0; i < 6; i++ {
		r.add(Sample{Name: "m", Value: float64(i), Timestamp: base.Add(time.Duration(i) * 10 * time.Minute)})
	}
	buckets := r.downsample("m", 30*time.Minute, base.Add(time.Hour))
	require.Len(t, buckets, 2)
	assert.Equal(t, 3, buckets[0].Count)
	assert.InDelta(t, 1.0, buckets[0].Avg, 1e-9)
	assert.Equal(t, float64(0), buckets[0].Min)
	assert.Equal(t, float64(2), buckets[0].Max)
}

func TestThresholdRequiresSustainedBreach(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(t, clock, map[string]Threshold{
		"error_rate": {Warning: 0.1, Critical: 0.3, Operator: ">", MinDuration: 90 * time.Second, Component: "pipeline"},
	})

	// ceil(90s/30s) = 3 samples needed; two breaches are not enough.
	m.Observe("error_rate", 0.5)
	m.Observe("error_rate", 0.5)
	assert.Empty(t, m.ActiveAlerts())

	m.Observe("error_rate", 0.5)
	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, LevelCritical, m.Overall())
}

func TestNoDuplicateAlerts(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(t, clock, map[string]Threshold{
		"error_rate": {Warning: 0.1, Critical: 0.3, Operator: ">", Component: "pipeline"},
	})

	for i := 0; i < 5; i++ {
		m.Observe("error_rate", 0.5)
	}
	assert.Len(t, m.ActiveAlerts(), 1)
}

func TestAlertResolvesAfterConsecutiveHealthySamples(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(t, clock, map[string]Threshold{
		"error_rate": {Warning: 0.1, Critical: 0.3, Operator: ">", Component: "pipeline"},
	})

	m.Observe("error_rate", 0.5)
	require.Len(t, m.ActiveAlerts(), 1)

	m.Observe("error_rate", 0.01)
	m.Observe("error_rate", 0.01)
	assert.Len(t, m.ActiveAlerts(), 1, "two healthy samples must not resolve yet")

	m.Observe("error_rate", 0.01)
	assert.Empty(t, m.ActiveAlerts())
	assert.Equal(t, LevelHealthy, m.Overall())
}

func TestLessThanOperator(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(t, clock, map[string]Threshold{
		"error_rate": {Warning: 0.9, Critical: 0.7, Operator: "<", Component: "pipeline"},
	})

	m.Observe("error_rate", 0.95)
	assert.Empty(t, m.ActiveAlerts())

	m.Observe("error_rate", 0.65)
	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestEscalationReplacesWarningAlert(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(t, clock, map[string]Threshold{
		"error_rate": {Warning: 0.1, Critical: 0.3, Operator: ">", Component: "pipeline"},
	})

	m.Observe("error_rate", 0.2)
	require.Equal(t, SeverityWarning, m.ActiveAlerts()[0].Severity)

	m.Observe("error_rate", 0.5)
	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

// fakeWatcher simulates the pipeline's stage timing surface.
type fakeWatcher struct {
	procs   []model.Process
	elapsed map[string]time.Duration
	stages  map[string]model.Stage
}

func (f *fakeWatcher) Active() []model.Process { return f.procs }
func (f *fakeWatcher) StageElapsed(id string) (model.Stage, time.Duration, bool) {
	stage, ok := f.stages[id]
	return stage, f.elapsed[id], ok
}

func TestStuckFileDetection(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	watcher := &fakeWatcher{
		procs: []model.Process{{ProcessID: "fast"}, {ProcessID: "slow"}},
		stages: map[string]model.Stage{
			"fast": model.StageTextExtraction,
			"slow": model.StageEntityExtraction,
		},
		elapsed: map[string]time.Duration{
			"fast": 2 * time.Minute,  // under the 10m text threshold
			"slow": 31 * time.Minute, // over the 30m entity threshold
		},
	}
	m, err := NewMonitor(MonitorConfig{Watcher: watcher, Now: clock.now})
	require.NoError(t, err)

	stuck := m.StuckFiles()
	require.Len(t, stuck, 1)
	assert.Equal(t, "slow", stuck[0].ProcessID)
	assert.Equal(t, model.StageEntityExtraction, stuck[0].Stage)
}

func TestDashboardRollup(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(t, clock, map[string]Threshold{
		"error_rate": {Warning: 0.1, Critical: 0.3, Operator: ">", Component: "pipeline"},
	})
	m.Observe("error_rate", 0.5)

	dash := m.Dashboard()
	assert.Equal(t, LevelCritical, dash.Overall)
	assert.Equal(t, LevelCritical, dash.Components["pipeline"])
	assert.Len(t, dash.ActiveAlerts, 1)
	assert.Equal(t, 0.5, dash.Metrics["error_rate"])
}
