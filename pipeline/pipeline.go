// Package pipeline implements the per-document staged state machine: upload
// intake, the asynchronous worker that drives a document from validation to
// finalization, stage timeouts and retries, cancellation at stage
// boundaries, and restart semantics.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bridge.linelead.io/citations"
	"bridge.linelead.io/common"
	"bridge.linelead.io/config"
	"bridge.linelead.io/dedup"
	"bridge.linelead.io/extract"
	"bridge.linelead.io/integrity"
	"bridge.linelead.io/model"
	"bridge.linelead.io/progress"
	"bridge.linelead.io/reliability"
)

// Bridger is the slice of the bridge service the pipeline drives, one call
// per stage.
type Bridger interface {
	ExtractEntities(ctx context.Context, proc *model.Process, pages []extract.PageText) (*model.ExtractionResult, error)
	Deduplicate(ctx context.Context, raw *model.ExtractionResult) (*dedup.Result, error)
	CollectCitations(ctx context.Context, proc *model.Process, pages []extract.PageText, canonical []model.Entity) *citations.Result
	GraphWrite(ctx context.Context, proc *model.Process, deduped *dedup.Result, cites *citations.Result) (string, error)
	FinalizeIntegrity(ctx context.Context, proc *model.Process, txnID string, deduped *dedup.Result, cites *citations.Result, pagesWithText []int) (*integrity.Report, error)
	Rollback(txnID string, proc *model.Process, reason string)
}

// IntakeGate lets the degradation manager shape intake and stage timing.
type IntakeGate interface {
	// AllowIntake returns nil when uploads are accepted, or a typed error
	// (BusyRetryLater) describing the refusal.
	AllowIntake() error
	// TimeoutFactor scales per-stage timeouts (reduced_performance mode).
	TimeoutFactor() float64
	// ConcurrencyLimit caps parallel workers given the configured limit.
	ConcurrencyLimit(configured int) int
}

// Validator checks a stored upload and reports (byte_size, page_count).
type Validator func(path string, maxBytes int64) (int64, int, error)

// runtime tracks the live worker for a process.
type runtime struct {
	cancelProcess context.CancelFunc // observed at stage boundaries
	cancelStage   context.CancelFunc // preempts the in-flight stage
	mu            sync.Mutex
	forceStage    bool // next stage failure is treated as force-complete
	retryGranted  bool // recovery granted one extra stage retry
	stageStarted  time.Time
	stage         model.Stage
}

// Pipeline is the ingestion state machine.
type Pipeline struct {
	registry  *Registry
	bus       *progress.Bus
	bridge    Bridger
	text      extract.TextExtractor
	validate  Validator
	cfg       *config.Manager
	dlq       *reliability.DeadLetterQueue
	gate      IntakeGate
	uploadDir string
	logger    *logrus.Entry

	mu       sync.Mutex
	running  map[string]*runtime
	slots    chan struct{}
	stopping bool
	wg       sync.WaitGroup
}

// Config wires the pipeline.
type Config struct {
	Registry  *Registry
	Bus       *progress.Bus
	Bridge    Bridger
	Text      extract.TextExtractor
	Validate  Validator // defaults to extract.ValidatePDF
	Config    *config.Manager
	DLQ       *reliability.DeadLetterQueue
	Gate      IntakeGate // optional
	UploadDir string
	Logger    *logrus.Entry
}

// New creates the pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Validate == nil {
		cfg.Validate = extract.ValidatePDF
	}
	concurrent := cfg.Config.GetInt(config.KeyConcurrentProcesses, 5)
	return &Pipeline{
		registry:  cfg.Registry,
		bus:       cfg.Bus,
		bridge:    cfg.Bridge,
		text:      cfg.Text,
		validate:  cfg.Validate,
		cfg:       cfg.Config,
		dlq:       cfg.DLQ,
		gate:      cfg.Gate,
		uploadDir: cfg.UploadDir,
		logger:    cfg.Logger.WithField("component", "pipeline"),
		running:   make(map[string]*runtime),
		slots:     make(chan struct{}, concurrent),
	}
}

// Ingest accepts an upload: persists the bytes, validates them (stage 1),
// allocates a process id and spawns the staged worker. It returns as soon as
// validation accepts the file.
func (p *Pipeline) Ingest(ctx context.Context, filename string, body io.Reader) (*model.Process, error) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil, common.NewError(common.KindBusyRetryLater, "pipeline is shutting down")
	}
	p.mu.Unlock()

	if p.gate != nil {
		if err := p.gate.AllowIntake(); err != nil {
			return nil, err
		}
	}

	limit := p.concurrencyLimit()
	if p.registry.ActiveCount() >= limit {
		return nil, common.NewError(common.KindBusyRetryLater, "at capacity: %d processes in flight", limit)
	}

	processID := uuid.NewString()
	if err := os.MkdirAll(p.uploadDir, 0o755); err != nil {
		return nil, common.WrapError(common.KindInternal, err, "upload directory unavailable")
	}
	storedPath := filepath.Join(p.uploadDir, processID+"_"+filepath.Base(filename))
	f, err := os.Create(storedPath)
	if err != nil {
		return nil, common.WrapError(common.KindInternal, err, "failed to persist upload")
	}
	written, err := io.Copy(f, body)
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(storedPath)
		return nil, common.WrapError(common.KindInternal, err, "failed to persist upload")
	}

	proc := &model.Process{
		ProcessID:     processID,
		Filename:      filepath.Base(filename),
		StoredPath:    storedPath,
		ByteSize:      written,
		CreatedAt:     time.Now().UTC(),
		CurrentStage:  model.StageValidation,
		TerminalState: model.ProcessRunning,
	}

	// Stage 1 runs inline so the handler can reject bad uploads with a 400
	// before a process id is ever exposed.
	maxBytes := int64(p.cfg.GetInt(config.KeyMaxUploadBytes, 10*1024*1024))
	size, pages, err := p.validate(storedPath, maxBytes)
	if err != nil {
		_ = os.Remove(storedPath)
		return nil, err
	}
	proc.ByteSize = size
	proc.PageCount = pages
	p.registry.Put(proc)

	p.logger.WithFields(logrus.Fields{
		"process_id": processID,
		"filename":   proc.Filename,
		"size":       humanize.Bytes(uint64(size)),
		"pages":      pages,
	}).Info("upload accepted")

	p.spawn(processID, model.StageTextExtraction)
	return proc, nil
}

// spawn starts the staged worker for a process at the given stage.
func (p *Pipeline) spawn(processID string, from model.Stage) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &runtime{cancelProcess: cancel}

	p.mu.Lock()
	p.running[processID] = rt
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.slots <- struct{}{}
		defer func() { <-p.slots }()
		p.runWorker(ctx, processID, rt, from)
	}()
}

// Stop refuses new uploads, signals workers and waits up to drainDeadline.
// Workers that do not finish in time leave their processes marked
// Interrupted on the next start.
func (p *Pipeline) Stop(drainDeadline time.Duration) {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainDeadline):
		p.logger.Warn("drain deadline reached, abandoning in-flight workers")
		p.mu.Lock()
		for _, rt := range p.running {
			rt.cancelProcess()
		}
		p.mu.Unlock()
	}
}

// Resume is called on startup: every persisted non-terminal process is
// resumed from text extraction when its stored file still exists (entity
// extraction is replayed in all cases), and terminated with Interrupted
// otherwise.
func (p *Pipeline) Resume() {
	for _, proc := range p.registry.Active() {
		if _, err := os.Stat(proc.StoredPath); err != nil {
			p.terminate(proc.ProcessID, common.NewError(common.KindInterrupted, "restart lost stored upload"))
			continue
		}
		p.logger.WithField("process_id", proc.ProcessID).Info("resuming interrupted process")
		p.registry.Update(proc.ProcessID, func(m *model.Process) {
			m.CurrentStage = model.StageTextExtraction
			m.Counters = model.Counters{}
		})
		p.spawn(proc.ProcessID, model.StageTextExtraction)
	}
}

// Cancel marks a process cancelled. The worker observes it at the next stage
// boundary; the in-flight external call is not interrupted.
func (p *Pipeline) Cancel(processID string) error {
	p.mu.Lock()
	rt, ok := p.running[processID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %s has no active worker", processID)
	}
	rt.cancelProcess()
	return nil
}

// RetryStage grants the current stage one extra retry. Recovery strategy
// retry_stage uses this.
func (p *Pipeline) RetryStage(processID string) error {
	p.mu.Lock()
	rt, ok := p.running[processID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %s has no active worker", processID)
	}
	rt.mu.Lock()
	rt.retryGranted = true
	cancelStage := rt.cancelStage
	rt.mu.Unlock()
	// Preempt the hung call so the retry happens now rather than at the
	// stage timeout.
	if cancelStage != nil {
		cancelStage()
	}
	return nil
}

// Restart cancels the current worker and replays the process from text
// extraction. Recovery strategy restart_process uses this.
func (p *Pipeline) Restart(processID string) error {
	proc, ok := p.registry.Get(processID)
	if !ok {
		return fmt.Errorf("process %s not found", processID)
	}
	p.mu.Lock()
	if rt, running := p.running[processID]; running {
		rt.cancelProcess()
	}
	p.mu.Unlock()

	if proc.TerminalState != model.ProcessRunning {
		return fmt.Errorf("process %s is terminal", processID)
	}
	// Give the worker a moment to observe the cancellation, then respawn.
	go func() {
		time.Sleep(100 * time.Millisecond)
		p.bus.Forget(processID)
		p.registry.Update(processID, func(m *model.Process) {
			m.TerminalState = model.ProcessRunning
			m.Counters = model.Counters{}
			m.CurrentStage = model.StageTextExtraction
		})
		p.spawn(processID, model.StageTextExtraction)
	}()
	return nil
}

// ForceComplete marks the in-flight stage as ended-with-warning and moves
// on. Never permitted for graph_write or integrity_check.
func (p *Pipeline) ForceComplete(processID string) error {
	p.mu.Lock()
	rt, ok := p.running[processID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %s has no active worker", processID)
	}
	rt.mu.Lock()
	stage := rt.stage
	if stage == model.StageGraphWrite || stage == model.StageIntegrityCheck {
		rt.mu.Unlock()
		return fmt.Errorf("force_complete is not permitted for %s", stage)
	}
	rt.forceStage = true
	cancelStage := rt.cancelStage
	rt.mu.Unlock()
	if cancelStage != nil {
		cancelStage()
	}
	return nil
}

// StageElapsed reports the current stage and how long it has been running.
// The health monitor's stuck-file detector polls this.
func (p *Pipeline) StageElapsed(processID string) (model.Stage, time.Duration, bool) {
	p.mu.Lock()
	rt, ok := p.running[processID]
	p.mu.Unlock()
	if !ok {
		return "", 0, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stageStarted.IsZero() {
		return rt.stage, 0, true
	}
	return rt.stage, time.Since(rt.stageStarted), true
}

// Registry exposes the process registry (status and admin surfaces).
func (p *Pipeline) Registry() *Registry { return p.registry }

func (p *Pipeline) concurrencyLimit() int {
	configured := p.cfg.GetInt(config.KeyConcurrentProcesses, 5)
	if p.gate != nil {
		return p.gate.ConcurrencyLimit(configured)
	}
	return configured
}

func (p *Pipeline) stageTimeout() time.Duration {
	base := p.cfg.GetDuration(config.KeyTimeoutSeconds, 900*time.Second)
	if p.gate != nil {
		return time.Duration(float64(base) * p.gate.TimeoutFactor())
	}
	return base
}

func (p *Pipeline) retryBudget() int {
	return p.cfg.GetInt(config.KeyRetryAttempts, 5)
}
