// Package audit provides the append-only audit log for the bridge service.
// Events are sanitized before storage, scored for risk, and kept in an
// embedded sqlite database indexed by timestamp, actor and event kind.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// EventKind categorizes audit events.
type EventKind string

const (
	KindUpload        EventKind = "upload"
	KindProcessing    EventKind = "processing"
	KindGraphWrite    EventKind = "graph_write"
	KindConfigChange  EventKind = "config_change"
	KindRecovery      EventKind = "recovery"
	KindDegradation   EventKind = "degradation"
	KindOptimization  EventKind = "optimization"
	KindAdminAction   EventKind = "admin_action"
	KindSecurityAlert EventKind = "security_alert"
)

// Event is one append-only audit record. Payload is stored sanitized.
type Event struct {
	EventID   string    `gorm:"primaryKey;column:event_id" json:"event_id"`
	Kind      string    `gorm:"index;column:kind" json:"kind"`
	Actor     string    `gorm:"index;column:actor" json:"actor"`
	At        time.Time `gorm:"index;column:at" json:"at"`
	Operation string    `gorm:"column:operation" json:"operation"`
	Resource  string    `gorm:"column:resource" json:"resource"`
	Outcome   string    `gorm:"column:outcome" json:"outcome"`
	RiskScore float64   `gorm:"column:risk_score" json:"risk_score"`
	Payload   string    `gorm:"column:payload" json:"payload"`
}

// TableName keeps the historical table name used by the compliance tooling.
func (Event) TableName() string { return "audit_events" }

// Entry is the caller-facing shape before sanitization and scoring.
type Entry struct {
	Kind      EventKind
	Actor     string
	ActorRole string // "", "operator", "admin", "system"
	Operation string
	Resource  string
	Outcome   string // "success", "failure", "denied"
	Payload   map[string]interface{}
}

// Log is the append-only audit store.
type Log struct {
	db        *gorm.DB
	sanitizer *Sanitizer
	enabled   bool
	logger    *logrus.Entry
	now       func() time.Time
}

// Config for opening the audit log.
type Config struct {
	Path         string // sqlite file, e.g. data/audit/events.db
	Enabled      bool
	Sanitization bool
	Logger       *logrus.Entry
	Now          func() time.Time // test hook; defaults to time.Now
}

// Open opens (creating if needed) the audit database.
func Open(cfg Config) (*Log, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit schema: %w", err)
	}

	return &Log{
		db:        db,
		sanitizer: NewSanitizer(cfg.Sanitization),
		enabled:   cfg.Enabled,
		logger:    cfg.Logger.WithField("component", "audit"),
		now:       cfg.Now,
	}, nil
}

// Record sanitizes, scores and appends an event. Events are never updated or
// deleted after this point.
func (l *Log) Record(entry Entry) (*Event, error) {
	if !l.enabled {
		return nil, nil
	}

	sanitized := l.sanitizer.SanitizeMap(entry.Payload)
	payload, err := json.Marshal(sanitized)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit payload: %w", err)
	}

	at := l.now().UTC()
	event := &Event{
		EventID:   uuid.NewString(),
		Kind:      string(entry.Kind),
		Actor:     l.sanitizer.SanitizeString(entry.Actor),
		At:        at,
		Operation: entry.Operation,
		Resource:  l.sanitizer.SanitizeString(entry.Resource),
		Outcome:   entry.Outcome,
		RiskScore: l.score(entry, at),
		Payload:   string(payload),
	}
	if err := l.db.Create(event).Error; err != nil {
		return nil, fmt.Errorf("failed to append audit event: %w", err)
	}
	return event, nil
}

// Query returns events in [from, to), optionally filtered by kind and actor,
// newest first.
func (l *Log) Query(from, to time.Time, kind EventKind, actor string, limit int) ([]Event, error) {
	q := l.db.Where("at >= ? AND at < ?", from, to).Order("at DESC")
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}
	if actor != "" {
		q = q.Where("actor = ?", actor)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// HighRisk returns events at or above the given risk score for a period.
// Compliance reports are built from this view.
func (l *Log) HighRisk(from, to time.Time, minScore float64) ([]Event, error) {
	var events []Event
	err := l.db.
		Where("at >= ? AND at < ? AND risk_score >= ?", from, to, minScore).
		Order("risk_score DESC").
		Find(&events).Error
	return events, err
}

// score computes a 0-10 risk score from the event shape.
func (l *Log) score(entry Entry, at time.Time) float64 {
	base := map[EventKind]float64{
		KindUpload:        2,
		KindProcessing:    1,
		KindGraphWrite:    2,
		KindConfigChange:  5,
		KindRecovery:      4,
		KindDegradation:   5,
		KindOptimization:  3,
		KindAdminAction:   6,
		KindSecurityAlert: 8,
	}
	score := base[entry.Kind]

	switch entry.ActorRole {
	case "admin":
		score += 1
	case "system":
		score -= 1
	}
	switch entry.Outcome {
	case "failure":
		score += 1
	case "denied":
		score += 2
	}

	for _, v := range entry.Payload {
		if s, ok := v.(string); ok && l.sanitizer.ContainsSensitive(s) {
			score += 2
			break
		}
	}

	// Activity outside business hours is slightly more suspicious.
	hour := at.Hour()
	if hour < 6 || hour >= 22 {
		score += 1
	}

	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score
}
