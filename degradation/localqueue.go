package degradation

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"bridge.linelead.io/common"
	"bridge.linelead.io/graph"
)

const (
	opsBucket    = "ops"
	eventsBucket = "events"
)

// LocalQueue is the on-disk operation queue used in local_queue mode. Graph
// writes are parked here while the graph is unavailable and drained in
// arrival order once it recovers.
type LocalQueue struct {
	db  *bolt.DB
	cap int
}

// OpenLocalQueue opens (creating if needed) the queue database.
func OpenLocalQueue(path string, capacity int) (*LocalQueue, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local queue directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local queue: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(opsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(eventsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize local queue buckets: %w", err)
	}
	return &LocalQueue{db: db, cap: capacity}, nil
}

// Close shuts the database.
func (q *LocalQueue) Close() error { return q.db.Close() }

// Enqueue appends one write op. A full queue fails with LocalQueueFull.
func (q *LocalQueue) Enqueue(op graph.WriteOp) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode queued op: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(opsBucket))
		if b.Stats().KeyN >= q.cap {
			return common.NewError(common.KindLocalQueueFull, "local queue at capacity (%d)", q.cap)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// Depth returns the number of queued ops.
func (q *LocalQueue) Depth() int {
	depth := 0
	_ = q.db.View(func(tx *bolt.Tx) error {
		depth = tx.Bucket([]byte(opsBucket)).Stats().KeyN
		return nil
	})
	return depth
}

// Drain applies queued ops in order, deleting each on success. It stops at
// the first failure so ordering is preserved across retries.
func (q *LocalQueue) Drain(apply func(graph.WriteOp) error) (applied int, err error) {
	for {
		var key []byte
		var op graph.WriteOp
		found := false

		err = q.db.View(func(tx *bolt.Tx) error {
			cursor := tx.Bucket([]byte(opsBucket)).Cursor()
			k, v := cursor.First()
			if k == nil {
				return nil
			}
			found = true
			key = append([]byte(nil), k...)
			return json.Unmarshal(v, &op)
		})
		if err != nil || !found {
			return applied, err
		}

		if err := apply(op); err != nil {
			return applied, err
		}
		err = q.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(opsBucket)).Delete(key)
		})
		if err != nil {
			return applied, err
		}
		applied++
	}
}

// RecordEvent appends a degradation event to the persistent event log.
func (q *LocalQueue) RecordEvent(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(eventsBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// Events returns the recorded degradation events, oldest first.
func (q *LocalQueue) Events() ([]Event, error) {
	var out []Event
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(eventsBucket)).ForEach(func(k, v []byte) error {
			var event Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			out = append(out, event)
			return nil
		})
	})
	return out, err
}
