package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Config{Environment: EnvTesting, DataDir: t.TempDir()})
	require.NoError(t, err)
	return m
}

func TestDefaultsLoaded(t *testing.T) {
	m := newTestManager(t)

	assert.Equal(t, 3, m.GetInt(KeyBatchSize, 0))
	assert.Equal(t, 2, m.GetInt(KeyConcurrentProcesses, 0))
	assert.False(t, m.GetBool(KeyCrossDocumentDedup, true))
}

func TestSetRecordsChangeAndNotifiesWatcher(t *testing.T) {
	m := newTestManager(t)

	var gotOld, gotNew interface{}
	m.Watch(KeyBatchSize, func(_ string, old, new interface{}) {
		gotOld, gotNew = old, new
	})

	change, err := m.Set(KeyBatchSize, 6, "operator")
	require.NoError(t, err)
	require.NotNil(t, change)

	assert.Equal(t, 6, m.GetInt(KeyBatchSize, 0))
	assert.Equal(t, 3, gotOld)
	assert.Equal(t, 6, gotNew)
	assert.Equal(t, "operator", change.User)
	assert.True(t, change.Reversible)
}

func TestSetSameValueIsNoOp(t *testing.T) {
	m := newTestManager(t)

	fired := false
	m.Watch(KeyBatchSize, func(string, interface{}, interface{}) { fired = true })

	change, err := m.Set(KeyBatchSize, 3, "operator")
	require.NoError(t, err)
	assert.Nil(t, change)
	assert.False(t, fired)
	assert.Empty(t, m.Changes())
}

func TestSetValidatesSchema(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Set(KeyBatchSize, -1, "operator")
	assert.Error(t, err)
	assert.Equal(t, 3, m.GetInt(KeyBatchSize, 0), "failed set must not mutate the snapshot")
}

func TestRollback(t *testing.T) {
	m := newTestManager(t)

	change, err := m.Set(KeyBatchSize, 8, "operator")
	require.NoError(t, err)

	_, err = m.Rollback(change.ChangeID, "operator")
	require.NoError(t, err)
	assert.Equal(t, 3, m.GetInt(KeyBatchSize, 0))

	// The rollback itself is a change.
	assert.Len(t, m.Changes(), 2)
}

func TestRollbackUnknownChange(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Rollback("nope", "operator")
	assert.Error(t, err)
}

func TestApplyTemplate(t *testing.T) {
	m := newTestManager(t)

	applied, err := m.ApplyTemplate("high_throughput", "operator")
	require.NoError(t, err)
	assert.Len(t, applied, 3)
	assert.Equal(t, 10, m.GetInt(KeyBatchSize, 0))
	assert.Equal(t, 8, m.GetInt(KeyConcurrentProcesses, 0))
}

func TestChangeLogSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	m, err := New(Config{Environment: EnvTesting, DataDir: dir})
	require.NoError(t, err)

	_, err = m.Set(KeyBatchSize, 7, "operator")
	require.NoError(t, err)

	reloaded, err := New(Config{Environment: EnvTesting, DataDir: dir})
	require.NoError(t, err)
	require.Len(t, reloaded.Changes(), 1)
	assert.Equal(t, KeyBatchSize, reloaded.Changes()[0].KeyPath)
}

func TestFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testing.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"processing":{"batch_size":9}}`), 0o644))

	m, err := New(Config{Environment: EnvTesting, DataDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 9, m.GetInt(KeyBatchSize, 0))
}

func TestDetectEnvironmentFromVariable(t *testing.T) {
	t.Setenv("DEPLOYMENT_ENV", "staging")
	assert.Equal(t, EnvStaging, DetectEnvironment())
}
