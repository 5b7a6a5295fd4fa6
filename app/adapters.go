package app

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"bridge.linelead.io/model"
	"bridge.linelead.io/pipeline"
)

// actionAdapter maps recovery strategies onto concrete components.
type actionAdapter struct {
	app *App
}

func (a *actionAdapter) RetryStage(processID string) error {
	return a.app.Pipeline.RetryStage(processID)
}

func (a *actionAdapter) RestartProcess(processID string) error {
	return a.app.Pipeline.Restart(processID)
}

func (a *actionAdapter) ForceComplete(processID string) error {
	return a.app.Pipeline.ForceComplete(processID)
}

func (a *actionAdapter) ClearMemory() error {
	runtime.GC()
	debug.FreeOSMemory()
	return nil
}

func (a *actionAdapter) ResetCircuitBreaker() error {
	a.app.GraphBreaker.Reset()
	return nil
}

func (a *actionAdapter) ResetConnection() error {
	// The neo4j driver manages its own pool; a health probe both verifies
	// and re-establishes connectivity.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.app.Graph.HealthProbe(ctx)
	return err
}

func (a *actionAdapter) RollbackTransaction(txnID string) error {
	return a.app.Txns.Rollback(txnID, "stuck transaction recovery")
}

func (a *actionAdapter) TerminateProcess(processID string, reason error) error {
	if err := a.app.Pipeline.Cancel(processID); err != nil {
		return err
	}
	return nil
}

// signalAdapter feeds the degradation trigger evaluation.
type signalAdapter struct {
	app *App
}

func (s *signalAdapter) GraphCBOpenFor() time.Duration {
	return s.app.GraphBreaker.OpenSince()
}

func (s *signalAdapter) MemoryPercent() float64 {
	if v, ok := s.app.Monitor.LatestValue("memory_percent"); ok {
		return v
	}
	return 0
}

func (s *signalAdapter) ErrorRate() float64 {
	if v, ok := s.app.Monitor.LatestValue("error_rate"); ok {
		return v
	}
	return 0
}

func (s *signalAdapter) QueueDepth() int {
	return s.app.DLQ.Depth() + s.app.LocalQueue.Depth()
}

func (s *signalAdapter) TimeoutRepeats() int {
	repeats := 0
	for _, p := range s.app.Pipeline.Registry().List() {
		if p.ErrorKind == "Timeout" {
			repeats++
		}
	}
	return repeats
}

// watcherAdapter exposes the pipeline's stage timing to the health monitor.
type watcherAdapter struct {
	registry *pipeline.Registry
	pipeline func() *pipeline.Pipeline
}

func (w *watcherAdapter) Active() []model.Process {
	return w.registry.Active()
}

func (w *watcherAdapter) StageElapsed(processID string) (model.Stage, time.Duration, bool) {
	return w.pipeline().StageElapsed(processID)
}
