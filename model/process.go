package model

import "time"

// Stage enumerates the pipeline stages in execution order.
type Stage string

const (
	StageValidation       Stage = "validation"
	StageTextExtraction   Stage = "text_extraction"
	StageEntityExtraction Stage = "entity_extraction"
	StageDeduplication    Stage = "deduplication"
	StageVisualCitation   Stage = "visual_citation"
	StageGraphWrite       Stage = "graph_write"
	StageIntegrityCheck   Stage = "integrity_check"
	StageFinalization     Stage = "finalization"
)

// Stages lists every stage in order. The worker's stage sequence and progress
// percentages derive from this ordering.
var Stages = []Stage{
	StageValidation,
	StageTextExtraction,
	StageEntityExtraction,
	StageDeduplication,
	StageVisualCitation,
	StageGraphWrite,
	StageIntegrityCheck,
	StageFinalization,
}

// StageIndex returns the position of a stage in the pipeline, or -1.
func StageIndex(s Stage) int {
	for i, stage := range Stages {
		if stage == s {
			return i
		}
	}
	return -1
}

// TerminalState is the final disposition of a process.
type TerminalState string

const (
	ProcessRunning        TerminalState = "running"
	ProcessSucceeded      TerminalState = "succeeded"
	ProcessFailed         TerminalState = "failed"
	ProcessForceCompleted TerminalState = "force_completed"
)

// StageRecord is one stage execution in a process's history.
type StageRecord struct {
	Stage Stage      `json:"stage"`
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
	Error string     `json:"error,omitempty"`
}

// Counters accumulate per-process bridging statistics.
type Counters struct {
	EntitiesExtracted      int `json:"entities_extracted"`
	RelationshipsExtracted int `json:"relationships_extracted"`
	EntitiesBridged        int `json:"entities_bridged"`
	RelationshipsBridged   int `json:"relationships_bridged"`
}

// Process is the per-document pipeline record. It is created on accepted
// upload, mutated only by the owning pipeline worker, and removed by the
// age-based sweep.
type Process struct {
	ProcessID     string        `json:"process_id"`
	Filename      string        `json:"filename"`
	StoredPath    string        `json:"stored_path"`
	ByteSize      int64         `json:"byte_size"`
	PageCount     int           `json:"page_count"`
	CreatedAt     time.Time     `json:"created_at"`
	CurrentStage  Stage         `json:"current_stage"`
	StageHistory  []StageRecord `json:"stage_history"`
	Counters      Counters      `json:"counters"`
	TerminalState TerminalState `json:"terminal_state"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

// SuccessSummary is attached to the terminal progress update of a succeeded
// process.
type SuccessSummary struct {
	TotalEntities      int `json:"total_entities"`
	TotalRelationships int `json:"total_relationships"`
	TotalCitations     int `json:"total_citations"`
}

// ProgressUpdate is the wire shape streamed to subscribers and returned by
// the status endpoint.
type ProgressUpdate struct {
	ProcessID          string          `json:"process_id"`
	Stage              Stage           `json:"stage"`
	Percent            float64         `json:"percent"`
	Message            string          `json:"message"`
	EntitiesFound      int             `json:"entities_found"`
	RelationshipsFound int             `json:"relationships_found"`
	ElapsedSeconds     float64         `json:"elapsed_seconds"`
	ETASeconds         *float64        `json:"eta_seconds,omitempty"`
	Terminal           bool            `json:"terminal"`
	Error              string          `json:"error,omitempty"`
	SuccessSummary     *SuccessSummary `json:"success_summary,omitempty"`
}
