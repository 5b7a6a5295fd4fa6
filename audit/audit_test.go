package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, now func() time.Time) *Log {
	t.Helper()
	l, err := Open(Config{
		Path:         filepath.Join(t.TempDir(), "events.db"),
		Enabled:      true,
		Sanitization: true,
		Now:          now,
	})
	require.NoError(t, err)
	return l
}

func TestSanitizerRedactsPatterns(t *testing.T) {
	s := NewSanitizer(true)

	tests := []struct {
		name  string
		in    string
		leaks string
	}{
		{"email", "contact ops@linelead.io now", "ops@linelead.io"},
		{"card", "card 4111 1111 1111 1111 on file", "4111"},
		{"ssn", "ssn 123-45-6789", "123-45-6789"},
		{"api key", "api_key=sk_live_abcdef123", "sk_live"},
		{"path", "read /var/data/uploads/manual.pdf failed", "/var/data"},
		{"external ip", "peer 10.1.2.3 reset", "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := s.SanitizeString(tt.in)
			assert.NotContains(t, out, tt.leaks)
			assert.Contains(t, out, "[REDACTED]")
		})
	}
}

func TestSanitizerKeepsLoopback(t *testing.T) {
	s := NewSanitizer(true)
	assert.Equal(t, "bound to 127.0.0.1", s.SanitizeString("bound to 127.0.0.1"))
}

func TestSanitizerDisabledPassesThrough(t *testing.T) {
	s := NewSanitizer(false)
	in := "contact ops@linelead.io"
	assert.Equal(t, in, s.SanitizeString(in))
}

func TestRecordSanitizesPayload(t *testing.T) {
	l := openTestLog(t, nil)

	event, err := l.Record(Entry{
		Kind:      KindUpload,
		Actor:     "operator",
		Operation: "upload",
		Resource:  "fryer-manual.pdf",
		Outcome:   "success",
		Payload:   map[string]interface{}{"note": "sent to ops@linelead.io"},
	})
	require.NoError(t, err)
	assert.NotContains(t, event.Payload, "ops@linelead.io")
}

func TestRecordAndQueryByKind(t *testing.T) {
	l := openTestLog(t, nil)

	_, err := l.Record(Entry{Kind: KindUpload, Actor: "a", Operation: "upload", Outcome: "success"})
	require.NoError(t, err)
	_, err = l.Record(Entry{Kind: KindConfigChange, Actor: "b", Operation: "set", Outcome: "success"})
	require.NoError(t, err)

	events, err := l.Query(time.Now().Add(-time.Hour), time.Now().Add(time.Hour), KindConfigChange, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(KindConfigChange), events[0].Kind)
}

func TestRiskScoring(t *testing.T) {
	noon := func() time.Time { return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) }
	midnight := func() time.Time { return time.Date(2025, 6, 2, 0, 30, 0, 0, time.UTC) }

	l := openTestLog(t, noon)
	ev, err := l.Record(Entry{Kind: KindProcessing, ActorRole: "system", Outcome: "success"})
	require.NoError(t, err)
	assert.Equal(t, float64(0), ev.RiskScore)

	ln := openTestLog(t, midnight)
	ev2, err := ln.Record(Entry{
		Kind:      KindAdminAction,
		ActorRole: "admin",
		Outcome:   "denied",
		Payload:   map[string]interface{}{"attempt": "token=abc123secret"},
	})
	require.NoError(t, err)
	// base 6 + admin 1 + denied 2 + sensitive 2 + off-hours 1, clamped to 10
	assert.Equal(t, float64(10), ev2.RiskScore)

	high, err := ln.HighRisk(midnight().Add(-24*time.Hour), midnight().Add(24*time.Hour), 8)
	require.NoError(t, err)
	assert.Len(t, high, 1)
}

func TestDisabledLogRecordsNothing(t *testing.T) {
	l, err := Open(Config{Path: filepath.Join(t.TempDir(), "events.db"), Enabled: false})
	require.NoError(t, err)

	ev, err := l.Record(Entry{Kind: KindUpload})
	require.NoError(t, err)
	assert.Nil(t, ev)
}
