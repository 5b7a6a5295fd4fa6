package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"bridge.linelead.io/citations"
	"bridge.linelead.io/common"
	"bridge.linelead.io/dedup"
	"bridge.linelead.io/extract"
	"bridge.linelead.io/model"
)

// runWorker drives one process through the stages, starting at `from`.
// Cancellation is observed between stages only; a hung external call is left
// to its stage timeout.
func (p *Pipeline) runWorker(ctx context.Context, processID string, rt *runtime, from model.Stage) {
	log := p.logger.WithField("process_id", processID)
	proc, ok := p.registry.Get(processID)
	if !ok {
		log.Error("worker started for unknown process")
		return
	}
	start := time.Now()

	var (
		pages   []extract.PageText
		raw     *model.ExtractionResult
		deduped *dedup.Result
		cites   *citations.Result
		txnID   string
	)

	fail := func(err error) {
		if txnID != "" {
			p.bridge.Rollback(txnID, &proc, common.UserMessage(err))
		}
		p.finish(processID, rt, err, start, nil)
	}

	stages := model.Stages[model.StageIndex(from):]
	for _, stage := range stages {
		if ctx.Err() != nil {
			fail(common.NewError(common.KindCancelled, "cancelled at %s boundary", stage))
			return
		}

		var stageErr error
		switch stage {
		case model.StageTextExtraction:
			stageErr = p.runStage(ctx, &proc, rt, stage, start, func(stageCtx context.Context) error {
				extracted, err := p.text.ExtractText(stageCtx, proc.StoredPath)
				if err != nil {
					return err
				}
				if len(extracted) == 0 || strings.TrimSpace(extract.JoinPages(extracted)) == "" {
					return common.NewError(common.KindExtractionFailed, "document produced no text")
				}
				pages = extracted
				return nil
			})
		case model.StageEntityExtraction:
			stageErr = p.runStage(ctx, &proc, rt, stage, start, func(stageCtx context.Context) error {
				result, err := p.bridge.ExtractEntities(stageCtx, &proc, pages)
				if err != nil {
					return err
				}
				raw = result
				proc.Counters.EntitiesExtracted = len(result.Entities)
				proc.Counters.RelationshipsExtracted = len(result.Relationships)
				return nil
			})
		case model.StageDeduplication:
			stageErr = p.runStage(ctx, &proc, rt, stage, start, func(stageCtx context.Context) error {
				if raw == nil {
					raw = &model.ExtractionResult{}
				}
				result, err := p.bridge.Deduplicate(stageCtx, raw)
				if err != nil {
					return err
				}
				deduped = result
				return nil
			})
		case model.StageVisualCitation:
			stageErr = p.runStage(ctx, &proc, rt, stage, start, func(stageCtx context.Context) error {
				cites = p.bridge.CollectCitations(stageCtx, &proc, pages, deduped.Entities)
				return nil
			})
		case model.StageGraphWrite:
			stageErr = p.runStage(ctx, &proc, rt, stage, start, func(stageCtx context.Context) error {
				id, err := p.bridge.GraphWrite(stageCtx, &proc, deduped, cites)
				if err != nil {
					return err
				}
				txnID = id
				return nil
			})
		case model.StageIntegrityCheck:
			stageErr = p.runStage(ctx, &proc, rt, stage, start, func(stageCtx context.Context) error {
				var pagesWithText []int
				for _, page := range pages {
					pagesWithText = append(pagesWithText, page.Page)
				}
				_, err := p.bridge.FinalizeIntegrity(stageCtx, &proc, txnID, deduped, cites, pagesWithText)
				if err == nil {
					// Committed; the rollback guard must not fire later.
					txnID = ""
				}
				return err
			})
		case model.StageFinalization:
			stageErr = p.runStage(ctx, &proc, rt, stage, start, func(stageCtx context.Context) error {
				return nil
			})
		default:
			continue
		}

		if stageErr != nil {
			fail(stageErr)
			return
		}
	}

	summary := &model.SuccessSummary{
		TotalEntities:      proc.Counters.EntitiesBridged,
		TotalRelationships: proc.Counters.RelationshipsBridged,
	}
	if cites != nil {
		summary.TotalCitations = len(cites.Citations)
	}
	p.finish(processID, rt, nil, start, summary)
}

// runStage executes one stage with timeout, transient retries and
// force-complete handling. It publishes progress on entry and exit and
// appends to the stage history.
func (p *Pipeline) runStage(ctx context.Context, proc *model.Process, rt *runtime, stage model.Stage, processStart time.Time, fn func(context.Context) error) (err error) {
	log := p.logger.WithFields(logrus.Fields{"process_id": proc.ProcessID, "stage": stage})

	record := model.StageRecord{Stage: stage, Start: time.Now().UTC()}
	proc.CurrentStage = stage
	p.registry.Update(proc.ProcessID, func(m *model.Process) {
		m.CurrentStage = stage
		m.StageHistory = append(m.StageHistory, record)
		m.Counters = proc.Counters
	})

	rt.mu.Lock()
	rt.stage = stage
	rt.stageStarted = time.Now()
	rt.mu.Unlock()

	p.publish(proc, stage, 0, "stage started", processStart, false, "")

	budget := p.retryBudget()
	attempt := 0
	for {
		attempt++

		stageCtx, cancelStage := context.WithTimeout(ctx, p.stageTimeout())
		rt.mu.Lock()
		rt.cancelStage = cancelStage
		rt.mu.Unlock()

		err = fn(stageCtx)
		if err != nil && stageCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = common.WrapError(common.KindTimeout, err, "stage %s timed out", stage)
		}
		cancelStage()
		rt.mu.Lock()
		rt.cancelStage = nil
		forced := rt.forceStage
		rt.forceStage = false
		extraRetry := rt.retryGranted
		rt.retryGranted = false
		rt.mu.Unlock()

		if err == nil {
			break
		}
		if forced {
			log.Warn("stage force-completed with warning")
			p.closeStageRecord(proc.ProcessID, "force_completed")
			return nil
		}
		if ctx.Err() != nil {
			err = common.WrapError(common.KindCancelled, err, "stage %s cancelled", stage)
			break
		}
		if !common.IsTransient(err) {
			break
		}
		if attempt >= budget && !extraRetry {
			log.WithError(err).Warn("stage retry budget exhausted")
			break
		}
		log.WithError(err).WithField("attempt", attempt).Info("retrying stage")
	}

	if err != nil {
		p.closeStageRecord(proc.ProcessID, err.Error())
		return err
	}

	p.closeStageRecord(proc.ProcessID, "")
	p.publish(proc, stage, 1, "stage complete", processStart, false, "")
	return nil
}

// closeStageRecord stamps the end time on the latest history entry.
func (p *Pipeline) closeStageRecord(processID, stageErr string) {
	now := time.Now().UTC()
	p.registry.Update(processID, func(m *model.Process) {
		if len(m.StageHistory) > 0 {
			last := &m.StageHistory[len(m.StageHistory)-1]
			last.End = &now
			last.Error = stageErr
		}
	})
}

// finish records the terminal state and publishes the terminal update.
func (p *Pipeline) finish(processID string, rt *runtime, failure error, processStart time.Time, summary *model.SuccessSummary) {
	p.mu.Lock()
	delete(p.running, processID)
	p.mu.Unlock()

	proc, ok := p.registry.Get(processID)
	if !ok {
		return
	}

	if failure == nil {
		p.registry.Update(processID, func(m *model.Process) {
			m.TerminalState = model.ProcessSucceeded
			m.CurrentStage = model.StageFinalization
		})
		p.bus.Publish(model.ProgressUpdate{
			ProcessID:          processID,
			Stage:              model.StageFinalization,
			Percent:            100,
			Message:            "processing complete",
			EntitiesFound:      proc.Counters.EntitiesBridged,
			RelationshipsFound: proc.Counters.RelationshipsBridged,
			ElapsedSeconds:     time.Since(processStart).Seconds(),
			Terminal:           true,
			SuccessSummary:     summary,
		})
		p.logger.WithField("process_id", processID).Info("process succeeded")
		return
	}

	p.terminate(processID, failure)
}

// terminate marks a process failed and publishes the sanitized terminal
// error.
func (p *Pipeline) terminate(processID string, failure error) {
	kind := common.Kind(failure)
	p.registry.Update(processID, func(m *model.Process) {
		m.TerminalState = model.ProcessFailed
		m.ErrorKind = string(kind)
		m.ErrorMessage = common.UserMessage(failure)
	})
	proc, _ := p.registry.Get(processID)
	p.bus.Publish(model.ProgressUpdate{
		ProcessID:      processID,
		Stage:          proc.CurrentStage,
		Percent:        0,
		Message:        "processing failed",
		Terminal:       true,
		Error:          common.UserMessage(failure),
		ElapsedSeconds: time.Since(proc.CreatedAt).Seconds(),
	})
	p.logger.WithField("process_id", processID).WithField("kind", kind).Warn("process failed")

	if p.dlq != nil && kind == common.KindInterrupted {
		_, _ = p.dlq.Enqueue("interrupted_process", map[string]interface{}{
			"process_id": processID,
			"stage":      proc.CurrentStage,
		}, failure)
	}
}

// publish emits a progress update for a stage with an intra-stage fraction.
func (p *Pipeline) publish(proc *model.Process, stage model.Stage, fraction float64, message string, processStart time.Time, terminal bool, errMsg string) {
	idx := model.StageIndex(stage)
	width := 100.0 / float64(len(model.Stages))
	percent := float64(idx)*width + fraction*width

	var eta *float64
	if idx > 0 && percent > 0 && percent < 100 {
		elapsed := time.Since(processStart).Seconds()
		remaining := elapsed * (100 - percent) / percent
		eta = &remaining
	}

	p.bus.Publish(model.ProgressUpdate{
		ProcessID:          proc.ProcessID,
		Stage:              stage,
		Percent:            percent,
		Message:            message,
		EntitiesFound:      proc.Counters.EntitiesBridged,
		RelationshipsFound: proc.Counters.RelationshipsBridged,
		ElapsedSeconds:     time.Since(processStart).Seconds(),
		ETASeconds:         eta,
		Terminal:           terminal,
		Error:              errMsg,
	})
}
