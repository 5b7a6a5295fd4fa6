package reliability

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bridge.linelead.io/common"
)

// Classification of a failed operation.
type Classification string

const (
	ClassRetryable    Classification = "retryable"
	ClassManualReview Classification = "manual_review"
)

// Retry policy for retryable records.
const (
	retryBase        = 2 * time.Second
	retryCap         = 5 * time.Minute
	retryJitterRatio = 0.2
	MaxAttempts      = 5
)

// FailedOp is one dead-lettered operation.
type FailedOp struct {
	ID             string          `json:"id"`
	OpKind         string          `json:"op_kind"`
	Payload        json.RawMessage `json:"payload"`
	ErrorSummary   string          `json:"error_summary"`
	FirstFailedAt  time.Time       `json:"first_failed_at"`
	Attempts       int             `json:"attempts"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	Classification Classification  `json:"classification"`
}

// RetryHandler re-executes a dead-lettered operation of one kind.
type RetryHandler func(op FailedOp) error

// DeadLetterQueue is a bounded, disk-durable queue of failed operations.
// Retryable records are drained by a single worker with exponential backoff;
// manual_review records stay until an operator resolves them.
type DeadLetterQueue struct {
	mu       sync.Mutex
	records  []FailedOp
	handlers map[string]RetryHandler
	path     string
	capacity int
	logger   *logrus.Entry
	now      func() time.Time

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// DLQConfig configures the dead-letter queue.
type DLQConfig struct {
	Path     string // queue file, e.g. data/dlq/queue.json
	Capacity int    // default 1000
	Logger   *logrus.Entry
	Now      func() time.Time
}

// NewDeadLetterQueue loads any persisted queue state from disk.
func NewDeadLetterQueue(cfg DLQConfig) (*DeadLetterQueue, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	q := &DeadLetterQueue{
		handlers: make(map[string]RetryHandler),
		path:     cfg.Path,
		capacity: cfg.Capacity,
		logger:   cfg.Logger.WithField("component", "dlq"),
		now:      cfg.Now,
		stopCh:   make(chan struct{}),
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// RegisterHandler installs the retry handler for one op kind. Records with
// no handler stay queued until one is registered.
func (q *DeadLetterQueue) RegisterHandler(opKind string, handler RetryHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[opKind] = handler
}

// Enqueue classifies and stores a failed operation. Transient errors become
// retryable with backoff; structural errors are parked for manual review.
// Enqueueing into a full queue drops the oldest manual_review record first,
// then the oldest record outright, and logs the eviction.
func (q *DeadLetterQueue) Enqueue(opKind string, payload interface{}, cause error) (*FailedOp, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode DLQ payload: %w", err)
	}

	classification := ClassManualReview
	var next *time.Time
	if common.IsTransient(cause) {
		classification = ClassRetryable
		at := q.now().Add(backoffDelay(1))
		next = &at
	}

	record := FailedOp{
		ID:             uuid.NewString(),
		OpKind:         opKind,
		Payload:        raw,
		ErrorSummary:   cause.Error(),
		FirstFailedAt:  q.now().UTC(),
		Attempts:       1,
		NextRetryAt:    next,
		Classification: classification,
	}

	q.mu.Lock()
	if len(q.records) >= q.capacity {
		q.evictLocked()
	}
	q.records = append(q.records, record)
	q.mu.Unlock()

	if err := q.persist(); err != nil {
		q.logger.WithError(err).Error("failed to persist DLQ")
	}
	q.logger.WithFields(logrus.Fields{
		"op_kind":        opKind,
		"classification": classification,
	}).Warn("operation dead-lettered")
	return &record, nil
}

// Start launches the single drain worker.
func (q *DeadLetterQueue) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stopCh:
				return
			case <-ticker.C:
				q.drainDue()
			}
		}
	}()
}

// Stop terminates the drain worker and flushes state.
func (q *DeadLetterQueue) Stop() {
	q.stopped.Do(func() { close(q.stopCh) })
	q.wg.Wait()
	if err := q.persist(); err != nil {
		q.logger.WithError(err).Error("failed to persist DLQ on stop")
	}
}

// drainDue retries every retryable record whose backoff has elapsed.
func (q *DeadLetterQueue) drainDue() {
	now := q.now()

	q.mu.Lock()
	var due []FailedOp
	for _, r := range q.records {
		if r.Classification == ClassRetryable && r.NextRetryAt != nil && !r.NextRetryAt.After(now) {
			if _, ok := q.handlers[r.OpKind]; ok {
				due = append(due, r)
			}
		}
	}
	q.mu.Unlock()

	for _, record := range due {
		q.retry(record)
	}
}

func (q *DeadLetterQueue) retry(record FailedOp) {
	q.mu.Lock()
	handler := q.handlers[record.OpKind]
	q.mu.Unlock()

	err := handler(record)

	q.mu.Lock()
	idx := -1
	for i := range q.records {
		if q.records[i].ID == record.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return
	}

	if err == nil {
		q.records = append(q.records[:idx], q.records[idx+1:]...)
		q.mu.Unlock()
		q.logger.WithField("op_kind", record.OpKind).Info("dead-lettered operation retried successfully")
	} else {
		r := &q.records[idx]
		r.Attempts++
		r.ErrorSummary = err.Error()
		if r.Attempts >= MaxAttempts || !common.IsTransient(err) {
			r.Classification = ClassManualReview
			r.NextRetryAt = nil
		} else {
			at := q.now().Add(backoffDelay(r.Attempts))
			r.NextRetryAt = &at
		}
		q.mu.Unlock()
		q.logger.WithError(err).WithField("op_kind", record.OpKind).Warn("DLQ retry failed")
	}

	if err := q.persist(); err != nil {
		q.logger.WithError(err).Error("failed to persist DLQ")
	}
}

// Pending returns a copy of the queued records, optionally filtered by
// classification (empty = all).
func (q *DeadLetterQueue) Pending(class Classification) []FailedOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []FailedOp
	for _, r := range q.records {
		if class == "" || r.Classification == class {
			out = append(out, r)
		}
	}
	return out
}

// Resolve removes a manual_review record after operator action.
func (q *DeadLetterQueue) Resolve(id string) error {
	q.mu.Lock()
	idx := -1
	for i := range q.records {
		if q.records[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return fmt.Errorf("DLQ record %s not found", id)
	}
	q.records = append(q.records[:idx], q.records[idx+1:]...)
	q.mu.Unlock()
	return q.persist()
}

// Depth returns the number of queued records.
func (q *DeadLetterQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// evictLocked drops the oldest manual_review record, or the oldest record
// when none exists. Caller holds the lock.
func (q *DeadLetterQueue) evictLocked() {
	idx := 0
	for i, r := range q.records {
		if r.Classification == ClassManualReview {
			idx = i
			break
		}
	}
	evicted := q.records[idx]
	q.records = append(q.records[:idx], q.records[idx+1:]...)
	q.logger.WithField("op_kind", evicted.OpKind).Warn("DLQ at capacity, evicted oldest record")
}

func (q *DeadLetterQueue) load() error {
	if q.path == "" {
		return nil
	}
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read DLQ file: %w", err)
	}
	return json.Unmarshal(data, &q.records)
}

// persist rewrites the queue file and fsyncs it so the queue survives a
// crash between writes.
func (q *DeadLetterQueue) persist() error {
	if q.path == "" {
		return nil
	}
	q.mu.Lock()
	data, err := json.MarshalIndent(q.records, "", "  ")
	q.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// backoffDelay computes the exponential backoff with ±20% jitter for the
// given attempt number (1-based).
func backoffDelay(attempt int) time.Duration {
	d := retryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryCap {
			d = retryCap
			break
		}
	}
	jitter := 1 + retryJitterRatio*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
