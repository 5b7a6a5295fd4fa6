package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge.linelead.io/citations"
	"bridge.linelead.io/common"
	"bridge.linelead.io/config"
	"bridge.linelead.io/dedup"
	"bridge.linelead.io/extract"
	"bridge.linelead.io/integrity"
	"bridge.linelead.io/model"
	"bridge.linelead.io/progress"
)

// fakeText returns canned page text.
type fakeText struct {
	pages []extract.PageText
	err   error
	delay time.Duration
}

func (f *fakeText) ExtractText(ctx context.Context, path string) ([]extract.PageText, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.pages, f.err
}

// fakeBridge implements Bridger with canned behavior.
type fakeBridge struct {
	extractErr  error
	graphErr    error
	rolledBack  int
	finalizeErr error
}

func (f *fakeBridge) ExtractEntities(ctx context.Context, proc *model.Process, pages []extract.PageText) (*model.ExtractionResult, error) {
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	result := &model.ExtractionResult{
		Entities: []model.Entity{
			{LocalID: "e1", CanonicalName: "Taylor C602", QSRType: model.TypeEquipment, PageRefs: []int{1}},
			{LocalID: "e2", CanonicalName: "Daily Cleaning Procedure", QSRType: model.TypeProcedure, PageRefs: []int{1}},
		},
		Relationships: []model.Relationship{{SourceID: "e1", TargetID: "e2", Type: "requires"}},
	}
	proc.Counters.EntitiesExtracted = len(result.Entities)
	proc.Counters.RelationshipsExtracted = len(result.Relationships)
	return result, nil
}

func (f *fakeBridge) Deduplicate(ctx context.Context, raw *model.ExtractionResult) (*dedup.Result, error) {
	mapping := make(map[string]string)
	for _, e := range raw.Entities {
		mapping[e.LocalID] = e.LocalID
	}
	return &dedup.Result{Entities: raw.Entities, Relationships: raw.Relationships, Mapping: mapping}, nil
}

func (f *fakeBridge) CollectCitations(ctx context.Context, proc *model.Process, pages []extract.PageText, canonical []model.Entity) *citations.Result {
	return &citations.Result{}
}

func (f *fakeBridge) GraphWrite(ctx context.Context, proc *model.Process, deduped *dedup.Result, cites *citations.Result) (string, error) {
	if f.graphErr != nil {
		return "", f.graphErr
	}
	proc.Counters.EntitiesBridged = len(deduped.Entities)
	proc.Counters.RelationshipsBridged = len(deduped.Relationships)
	return "txn-1", nil
}

func (f *fakeBridge) FinalizeIntegrity(ctx context.Context, proc *model.Process, txnID string, deduped *dedup.Result, cites *citations.Result, pagesWithText []int) (*integrity.Report, error) {
	if f.finalizeErr != nil {
		f.rolledBack++
		return nil, f.finalizeErr
	}
	return &integrity.Report{}, nil
}

func (f *fakeBridge) Rollback(txnID string, proc *model.Process, reason string) {
	f.rolledBack++
	proc.Counters.EntitiesBridged = 0
	proc.Counters.RelationshipsBridged = 0
}

func okValidator(path string, max int64) (int64, int, error) { return 100, 3, nil }

func newTestPipeline(t *testing.T, fb *fakeBridge, ft *fakeText) *Pipeline {
	t.Helper()
	cfg, err := config.New(config.Config{Environment: config.EnvTesting, DataDir: t.TempDir()})
	require.NoError(t, err)
	registry, err := NewRegistry(filepath.Join(t.TempDir(), "processes.json"))
	require.NoError(t, err)
	return New(Config{
		Registry:  registry,
		Bus:       progress.NewBus(progress.BusConfig{}),
		Bridge:    fb,
		Text:      ft,
		Validate:  okValidator,
		Config:    cfg,
		UploadDir: t.TempDir(),
	})
}

func waitTerminal(t *testing.T, p *Pipeline, processID string) model.ProgressUpdate {
	t.Helper()
	sub := p.bus.Subscribe(processID)
	defer sub.Close()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case update, ok := <-sub.C:
			if !ok {
				t.Fatal("progress stream closed without terminal update")
			}
			if update.Terminal {
				return update
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal update")
		}
	}
}

func ingest(t *testing.T, p *Pipeline) *model.Process {
	t.Helper()
	proc, err := p.Ingest(context.Background(), "manual.pdf", strings.NewReader("%PDF-1.4 fake"))
	require.NoError(t, err)
	return proc
}

func TestHappyPath(t *testing.T) {
	fb := &fakeBridge{}
	p := newTestPipeline(t, fb, &fakeText{pages: []extract.PageText{{Page: 1, Text: "Taylor C602 requires daily cleaning."}}})

	proc := ingest(t, p)
	terminal := waitTerminal(t, p, proc.ProcessID)

	assert.Equal(t, float64(100), terminal.Percent)
	require.NotNil(t, terminal.SuccessSummary)
	assert.Equal(t, 2, terminal.SuccessSummary.TotalEntities)
	assert.Equal(t, 1, terminal.SuccessSummary.TotalRelationships)

	final, ok := p.registry.Get(proc.ProcessID)
	require.True(t, ok)
	assert.Equal(t, model.ProcessSucceeded, final.TerminalState)
	assert.Equal(t, model.StageFinalization, final.CurrentStage)

	// Every stage from text extraction through finalization is in history.
	assert.Len(t, final.StageHistory, 7)
	for _, record := range final.StageHistory {
		assert.NotNil(t, record.End, "stage %s has no end time", record.Stage)
	}
}

func TestInvalidUploadRejectedInline(t *testing.T) {
	fb := &fakeBridge{}
	p := newTestPipeline(t, fb, &fakeText{})
	p.validate = func(path string, max int64) (int64, int, error) {
		return 0, 0, common.NewError(common.KindInvalidInput, "not a PDF document")
	}

	_, err := p.Ingest(context.Background(), "bad.txt", strings.NewReader("nope"))
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindInvalidInput))
	assert.Empty(t, p.registry.List(), "rejected uploads must not create a process")
}

func TestEmptyTextIsTerminalExtractionFailure(t *testing.T) {
	fb := &fakeBridge{}
	p := newTestPipeline(t, fb, &fakeText{pages: nil})

	proc := ingest(t, p)
	terminal := waitTerminal(t, p, proc.ProcessID)
	assert.NotEmpty(t, terminal.Error)

	final, _ := p.registry.Get(proc.ProcessID)
	assert.Equal(t, model.ProcessFailed, final.TerminalState)
	assert.Equal(t, string(common.KindExtractionFailed), final.ErrorKind)
}

func TestGraphFailureRollsBackAndFails(t *testing.T) {
	fb := &fakeBridge{graphErr: common.NewError(common.KindIntegrityFailed, "boom")}
	p := newTestPipeline(t, fb, &fakeText{pages: []extract.PageText{{Page: 1, Text: "x"}}})

	proc := ingest(t, p)
	waitTerminal(t, p, proc.ProcessID)

	final, _ := p.registry.Get(proc.ProcessID)
	assert.Equal(t, model.ProcessFailed, final.TerminalState)
}

func TestIntegrityFailureTerminatesWithKind(t *testing.T) {
	fb := &fakeBridge{finalizeErr: common.NewError(common.KindIntegrityFailed, "criticals remain")}
	p := newTestPipeline(t, fb, &fakeText{pages: []extract.PageText{{Page: 1, Text: "x"}}})

	proc := ingest(t, p)
	waitTerminal(t, p, proc.ProcessID)

	final, _ := p.registry.Get(proc.ProcessID)
	assert.Equal(t, string(common.KindIntegrityFailed), final.ErrorKind)
	assert.GreaterOrEqual(t, fb.rolledBack, 1)
}

func TestConcurrencyLimitRejects(t *testing.T) {
	fb := &fakeBridge{}
	slow := &fakeText{pages: []extract.PageText{{Page: 1, Text: "x"}}, delay: 2 * time.Second}
	p := newTestPipeline(t, fb, slow)

	// testing env allows 2 concurrent processes
	first := ingest(t, p)
	second := ingest(t, p)

	_, err := p.Ingest(context.Background(), "third.pdf", strings.NewReader("%PDF-1.4"))
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindBusyRetryLater))

	_ = first
	_ = second
}

func TestCancelObservedAtStageBoundary(t *testing.T) {
	fb := &fakeBridge{}
	slow := &fakeText{pages: []extract.PageText{{Page: 1, Text: "x"}}, delay: 300 * time.Millisecond}
	p := newTestPipeline(t, fb, slow)

	proc := ingest(t, p)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Cancel(proc.ProcessID))

	waitTerminal(t, p, proc.ProcessID)
	final, _ := p.registry.Get(proc.ProcessID)
	assert.Equal(t, model.ProcessFailed, final.TerminalState)
	assert.Equal(t, string(common.KindCancelled), final.ErrorKind)
}

func TestStageTimeoutClassifiedTransientThenFails(t *testing.T) {
	fb := &fakeBridge{}
	hang := &fakeText{pages: []extract.PageText{{Page: 1, Text: "x"}}, delay: 10 * time.Second}
	p := newTestPipeline(t, fb, hang)

	// Tight timeout and a small retry budget keep the test fast.
	_, err := p.cfg.Set(config.KeyTimeoutSeconds, 0.05, "test")
	require.NoError(t, err)
	_, err = p.cfg.Set(config.KeyRetryAttempts, 2, "test")
	require.NoError(t, err)

	proc := ingest(t, p)
	terminal := waitTerminal(t, p, proc.ProcessID)
	assert.NotEmpty(t, terminal.Error)

	final, _ := p.registry.Get(proc.ProcessID)
	assert.Equal(t, string(common.KindTimeout), final.ErrorKind)
}

func TestForceCompleteForbiddenForGraphWrite(t *testing.T) {
	fb := &fakeBridge{}
	p := newTestPipeline(t, fb, &fakeText{pages: []extract.PageText{{Page: 1, Text: "x"}}})

	// Simulate a worker sitting in graph_write.
	rt := &runtime{stage: model.StageGraphWrite}
	p.mu.Lock()
	p.running["p-x"] = rt
	p.mu.Unlock()

	err := p.ForceComplete("p-x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph_write")
}

func TestStageElapsedReportsRunningStage(t *testing.T) {
	fb := &fakeBridge{}
	slow := &fakeText{pages: []extract.PageText{{Page: 1, Text: "x"}}, delay: 500 * time.Millisecond}
	p := newTestPipeline(t, fb, slow)

	proc := ingest(t, p)
	time.Sleep(100 * time.Millisecond)

	stage, elapsed, ok := p.StageElapsed(proc.ProcessID)
	require.True(t, ok)
	assert.Equal(t, model.StageTextExtraction, stage)
	assert.Greater(t, elapsed, time.Duration(0))

	waitTerminal(t, p, proc.ProcessID)
	_, _, ok = p.StageElapsed(proc.ProcessID)
	assert.False(t, ok, "finished processes have no live stage")
}

func TestResumeRespawnsNonTerminalProcesses(t *testing.T) {
	fb := &fakeBridge{}
	dir := t.TempDir()
	registryPath := filepath.Join(dir, "processes.json")
	cfg, err := config.New(config.Config{Environment: config.EnvTesting, DataDir: t.TempDir()})
	require.NoError(t, err)

	registry, err := NewRegistry(registryPath)
	require.NoError(t, err)

	// Simulate a process that died mid-flight with its upload intact.
	stored := filepath.Join(dir, "p1_manual.pdf")
	require.NoError(t, writeTestFile(stored, "%PDF-1.4"))
	registry.Put(&model.Process{
		ProcessID:     "p1",
		Filename:      "manual.pdf",
		StoredPath:    stored,
		CreatedAt:     time.Now(),
		CurrentStage:  model.StageGraphWrite,
		TerminalState: model.ProcessRunning,
	})
	// And one whose upload is gone.
	registry.Put(&model.Process{
		ProcessID:     "p2",
		Filename:      "lost.pdf",
		StoredPath:    filepath.Join(dir, "missing.pdf"),
		CreatedAt:     time.Now(),
		CurrentStage:  model.StageTextExtraction,
		TerminalState: model.ProcessRunning,
	})

	p := New(Config{
		Registry:  registry,
		Bus:       progress.NewBus(progress.BusConfig{}),
		Bridge:    fb,
		Text:      &fakeText{pages: []extract.PageText{{Page: 1, Text: "x"}}},
		Validate:  okValidator,
		Config:    cfg,
		UploadDir: dir,
	})
	p.Resume()

	waitTerminal(t, p, "p1")
	resumed, _ := registry.Get("p1")
	assert.Equal(t, model.ProcessSucceeded, resumed.TerminalState)

	lost, _ := registry.Get("p2")
	assert.Equal(t, model.ProcessFailed, lost.TerminalState)
	assert.Equal(t, string(common.KindInterrupted), lost.ErrorKind)
}

func TestSweepRemovesOldTerminalProcesses(t *testing.T) {
	registry, err := NewRegistry(filepath.Join(t.TempDir(), "processes.json"))
	require.NoError(t, err)

	registry.Put(&model.Process{ProcessID: "old", CreatedAt: time.Now().Add(-48 * time.Hour), TerminalState: model.ProcessSucceeded})
	registry.Put(&model.Process{ProcessID: "fresh", CreatedAt: time.Now(), TerminalState: model.ProcessSucceeded})
	registry.Put(&model.Process{ProcessID: "running", CreatedAt: time.Now().Add(-48 * time.Hour), TerminalState: model.ProcessRunning})

	removed := registry.Sweep(24*time.Hour, time.Now())
	assert.Equal(t, []string{"old"}, removed)
	assert.Len(t, registry.List(), 2)
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
