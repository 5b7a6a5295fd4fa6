package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bridge.linelead.io/model"
)

// snapshotTTL keeps mirrored snapshots from outliving their process.
const snapshotTTL = 24 * time.Hour

// RedisMirror publishes progress snapshots into redis for out-of-process
// consumers (the chat/search service polls these instead of holding a
// connection to the pipeline). Publishing is fire-and-forget: mirror
// failures never affect the pipeline.
type RedisMirror struct {
	client *redis.Client
	prefix string
	logger *logrus.Entry
}

// MirrorConfig configures the redis mirror.
type MirrorConfig struct {
	RedisURL  string // e.g. redis://localhost:6379/0
	KeyPrefix string // defaults to "bridge:progress:"
	Logger    *logrus.Entry
}

// NewRedisMirror connects to redis and verifies the connection.
func NewRedisMirror(ctx context.Context, cfg MirrorConfig) (*RedisMirror, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "bridge:progress:"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisMirror{
		client: client,
		prefix: prefix,
		logger: cfg.Logger.WithField("component", "progress-mirror"),
	}, nil
}

// Publish stores the update as the process's current snapshot and publishes
// it on the process channel for push consumers.
func (m *RedisMirror) Publish(update model.ProgressUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		m.logger.WithError(err).Warn("failed to encode progress update")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := m.prefix + update.ProcessID
	if err := m.client.Set(ctx, key, payload, snapshotTTL).Err(); err != nil {
		m.logger.WithError(err).Debug("progress mirror set failed")
		return
	}
	if err := m.client.Publish(ctx, key, payload).Err(); err != nil {
		m.logger.WithError(err).Debug("progress mirror publish failed")
	}
}

// Snapshot fetches the mirrored snapshot for a process.
func (m *RedisMirror) Snapshot(ctx context.Context, processID string) (*model.ProgressUpdate, error) {
	data, err := m.client.Get(ctx, m.prefix+processID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var update model.ProgressUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, err
	}
	return &update, nil
}

// Close shuts the redis connection.
func (m *RedisMirror) Close() error { return m.client.Close() }
