// Package config provides environment-scoped configuration for the bridge
// service. Configuration is loaded with viper from data/config/<env>.json,
// layered over typed defaults, with the environment selected by
// DEPLOYMENT_ENV (hostname patterns as a fallback).
//
// Readers always see a consistent snapshot: Set swaps a fresh copy of the
// tree under the write lock, so a concurrent Get never observes a
// half-applied change. Every change is appended to a persisted change log
// and can be rolled back by change id.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Environment names recognized by the service.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

// DetectEnvironment resolves the deployment environment from DEPLOYMENT_ENV,
// falling back to hostname patterns, then development.
func DetectEnvironment() string {
	if env := os.Getenv("DEPLOYMENT_ENV"); env != "" {
		switch env {
		case EnvDevelopment, EnvStaging, EnvProduction, EnvTesting:
			return env
		}
	}
	host, err := os.Hostname()
	if err == nil {
		h := strings.ToLower(host)
		switch {
		case strings.Contains(h, "prod"):
			return EnvProduction
		case strings.Contains(h, "stage"):
			return EnvStaging
		case strings.Contains(h, "test"):
			return EnvTesting
		}
	}
	return EnvDevelopment
}

// Change records a single applied configuration change.
type Change struct {
	ChangeID   string      `json:"change_id"`
	KeyPath    string      `json:"key_path"`
	Old        interface{} `json:"old"`
	New        interface{} `json:"new"`
	User       string      `json:"user"`
	At         time.Time   `json:"at"`
	Applied    bool        `json:"applied"`
	Reversible bool        `json:"reversible"`
}

// WatchFunc is invoked after a watched key's value actually changes.
type WatchFunc func(keyPath string, old, new interface{})

// Manager owns the configuration tree for one environment.
type Manager struct {
	mu       sync.RWMutex
	snapshot map[string]interface{} // flattened dotted-key view
	env      string
	dataDir  string
	changes  []Change
	watchers map[string][]WatchFunc
	logger   *logrus.Entry
}

// Config for creating a Manager.
type Config struct {
	Environment string // empty = DetectEnvironment()
	DataDir     string // directory holding <env>.json and <env>_changes.json
	Logger      *logrus.Entry
}

// New loads (or initializes) the configuration for the selected environment.
func New(cfg Config) (*Manager, error) {
	if cfg.Environment == "" {
		cfg.Environment = DetectEnvironment()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &Manager{
		env:      cfg.Environment,
		dataDir:  cfg.DataDir,
		watchers: make(map[string][]WatchFunc),
		logger:   cfg.Logger.WithField("component", "config"),
	}

	v := viper.New()
	v.SetConfigType("json")
	for key, value := range Defaults(cfg.Environment) {
		v.SetDefault(key, value)
	}

	if cfg.DataDir != "" {
		path := filepath.Join(cfg.DataDir, cfg.Environment+".json")
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok && !os.IsNotExist(err) {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
					m.logger.WithError(err).Warn("config file unreadable, using defaults")
				}
			}
		}
	}

	snapshot := make(map[string]interface{})
	for _, key := range v.AllKeys() {
		snapshot[key] = v.Get(key)
	}
	// Defaults not present in AllKeys when file overrides are absent are
	// still returned by Get, but we want the full flattened view.
	for key, value := range Defaults(cfg.Environment) {
		if _, ok := snapshot[key]; !ok {
			snapshot[key] = value
		}
	}
	m.snapshot = snapshot

	if err := m.validate(snapshot); err != nil {
		return nil, err
	}
	if err := m.loadChanges(); err != nil {
		return nil, err
	}
	return m, nil
}

// Environment returns the active environment name.
func (m *Manager) Environment() string { return m.env }

// Get returns the value at the dotted key path, or nil when absent.
func (m *Manager) Get(keyPath string) interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot[strings.ToLower(keyPath)]
}

// GetInt returns an integer value, falling back to def on absence or type
// mismatch. JSON numbers arrive as float64.
func (m *Manager) GetInt(keyPath string, def int) int {
	switch v := m.Get(keyPath).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// GetFloat returns a float value with a default.
func (m *Manager) GetFloat(keyPath string, def float64) float64 {
	switch v := m.Get(keyPath).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// GetBool returns a boolean value with a default.
func (m *Manager) GetBool(keyPath string, def bool) bool {
	if v, ok := m.Get(keyPath).(bool); ok {
		return v
	}
	return def
}

// GetString returns a string value with a default.
func (m *Manager) GetString(keyPath, def string) string {
	if v, ok := m.Get(keyPath).(string); ok && v != "" {
		return v
	}
	return def
}

// GetDuration interprets the value at keyPath as seconds.
func (m *Manager) GetDuration(keyPath string, def time.Duration) time.Duration {
	if secs := m.GetFloat(keyPath, -1); secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}

// Set applies a configuration change, records it in the change log and
// notifies watchers. Setting an unchanged value is a no-op and produces no
// change record.
func (m *Manager) Set(keyPath string, value interface{}, actor string) (*Change, error) {
	key := strings.ToLower(keyPath)

	m.mu.Lock()
	old, existed := m.snapshot[key]
	if existed && equalValue(old, value) {
		m.mu.Unlock()
		return nil, nil
	}

	next := make(map[string]interface{}, len(m.snapshot)+1)
	for k, v := range m.snapshot {
		next[k] = v
	}
	next[key] = value
	if err := m.validate(next); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.snapshot = next

	change := Change{
		ChangeID:   uuid.NewString(),
		KeyPath:    key,
		Old:        old,
		New:        value,
		User:       actor,
		At:         time.Now().UTC(),
		Applied:    true,
		Reversible: existed,
	}
	m.changes = append(m.changes, change)
	watchers := append([]WatchFunc(nil), m.watchers[key]...)
	m.mu.Unlock()

	if err := m.persistChanges(); err != nil {
		m.logger.WithError(err).Warn("failed to persist config change log")
	}
	m.logger.WithFields(logrus.Fields{"key": key, "user": actor}).Info("config changed")

	for _, fn := range watchers {
		fn(key, old, value)
	}
	return &change, nil
}

// Watch registers a callback fired when the key's value actually changes.
func (m *Manager) Watch(keyPath string, fn WatchFunc) {
	key := strings.ToLower(keyPath)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers[key] = append(m.watchers[key], fn)
}

// Rollback reverts the change with the given id by applying its old value.
// The rollback itself is recorded as a new change.
func (m *Manager) Rollback(changeID, actor string) (*Change, error) {
	m.mu.RLock()
	var target *Change
	for i := range m.changes {
		if m.changes[i].ChangeID == changeID {
			target = &m.changes[i]
			break
		}
	}
	m.mu.RUnlock()

	if target == nil {
		return nil, fmt.Errorf("change %s not found", changeID)
	}
	if !target.Reversible {
		return nil, fmt.Errorf("change %s is not reversible", changeID)
	}
	return m.Set(target.KeyPath, target.Old, actor)
}

// ApplyTemplate applies a named group of settings key by key through Set,
// recording one change per key. Each key is its own snapshot swap, so a
// reader can observe the template partly applied, and a key that fails
// validation leaves the keys applied before it in place.
func (m *Manager) ApplyTemplate(templateID, actor string) ([]Change, error) {
	tmpl, ok := Templates()[templateID]
	if !ok {
		return nil, fmt.Errorf("unknown config template %q", templateID)
	}
	var applied []Change
	for key, value := range tmpl {
		change, err := m.Set(key, value, actor)
		if err != nil {
			return applied, err
		}
		if change != nil {
			applied = append(applied, *change)
		}
	}
	return applied, nil
}

// Changes returns a copy of the change history, oldest first.
func (m *Manager) Changes() []Change {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Change(nil), m.changes...)
}

// Snapshot returns a copy of the flattened configuration view.
func (m *Manager) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.snapshot))
	for k, v := range m.snapshot {
		out[k] = v
	}
	return out
}

func (m *Manager) validate(snapshot map[string]interface{}) error {
	for key, check := range schema() {
		value, ok := snapshot[key]
		if !ok {
			continue
		}
		if err := check(value); err != nil {
			return fmt.Errorf("config key %s: %w", key, err)
		}
	}
	return nil
}

func (m *Manager) changesPath() string {
	return filepath.Join(m.dataDir, m.env+"_changes.json")
}

func (m *Manager) loadChanges() error {
	if m.dataDir == "" {
		return nil
	}
	data, err := os.ReadFile(m.changesPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &m.changes)
}

func (m *Manager) persistChanges() error {
	if m.dataDir == "" {
		return nil
	}
	m.mu.RLock()
	data, err := json.MarshalIndent(m.changes, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.changesPath(), data, 0o644)
}

func equalValue(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(aj) == string(bj)
}
