// Package progress implements the per-process progress bus: a current
// snapshot, a bounded update history for reconnecting subscribers, and a
// non-blocking fan-out. Pipeline correctness never depends on a subscriber:
// a subscriber whose buffer is full is dropped.
package progress

import (
	"sync"

	"github.com/sirupsen/logrus"

	"bridge.linelead.io/model"
)

const (
	// historySize bounds the per-process update ring.
	historySize = 200
	// subscriberBuffer is each subscriber's channel capacity.
	subscriberBuffer = 64
)

// Subscription is one listener on a process's progress stream.
type Subscription struct {
	C      <-chan model.ProgressUpdate
	ch     chan model.ProgressUpdate
	cancel func()
}

// Close detaches the subscription.
func (s *Subscription) Close() { s.cancel() }

type processState struct {
	snapshot    *model.ProgressUpdate
	history     []model.ProgressUpdate // ring, oldest first
	subscribers map[*Subscription]struct{}
	terminal    bool
}

// Bus fans progress updates out to subscribers and keeps snapshots for
// polling consumers.
type Bus struct {
	mu        sync.RWMutex
	processes map[string]*processState
	mirror    Mirror
	logger    *logrus.Entry
}

// Mirror receives every published update; used to expose snapshots to
// out-of-process consumers. Implementations must not block.
type Mirror interface {
	Publish(update model.ProgressUpdate)
}

// BusConfig configures the bus.
type BusConfig struct {
	Mirror Mirror // optional
	Logger *logrus.Entry
}

// NewBus creates an empty bus.
func NewBus(cfg BusConfig) *Bus {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bus{
		processes: make(map[string]*processState),
		mirror:    cfg.Mirror,
		logger:    cfg.Logger.WithField("component", "progress"),
	}
}

// Publish records an update and delivers it to subscribers without blocking.
// Within one stage the published percent never regresses; a stage change
// resets the floor. After a terminal update all subscribers are drained and
// detached.
func (b *Bus) Publish(update model.ProgressUpdate) {
	b.mu.Lock()
	state, ok := b.processes[update.ProcessID]
	if !ok {
		state = &processState{subscribers: make(map[*Subscription]struct{})}
		b.processes[update.ProcessID] = state
	}

	if state.terminal {
		b.mu.Unlock()
		return
	}

	// Monotonic percent within a stage window.
	if state.snapshot != nil && state.snapshot.Stage == update.Stage && update.Percent < state.snapshot.Percent {
		update.Percent = state.snapshot.Percent
	}

	state.snapshot = &update
	state.history = append(state.history, update)
	if len(state.history) > historySize {
		state.history = state.history[len(state.history)-historySize:]
	}

	var dropped []*Subscription
	for sub := range state.subscribers {
		select {
		case sub.ch <- update:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(state.subscribers, sub)
		close(sub.ch)
	}

	if update.Terminal {
		state.terminal = true
		for sub := range state.subscribers {
			close(sub.ch)
		}
		state.subscribers = make(map[*Subscription]struct{})
	}
	b.mu.Unlock()

	if len(dropped) > 0 {
		b.logger.WithFields(logrus.Fields{
			"process_id": update.ProcessID,
			"dropped":    len(dropped),
		}).Warn("dropped slow progress subscribers")
	}
	if b.mirror != nil {
		b.mirror.Publish(update)
	}
}

// Subscribe attaches a listener. The current snapshot (when present) is
// delivered first, then live updates. The channel is closed when the process
// publishes its terminal update or the subscriber falls behind.
func (b *Bus) Subscribe(processID string) *Subscription {
	ch := make(chan model.ProgressUpdate, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	state, ok := b.processes[processID]
	if !ok {
		state = &processState{subscribers: make(map[*Subscription]struct{})}
		b.processes[processID] = state
	}

	if state.snapshot != nil {
		ch <- *state.snapshot
	}
	if state.terminal {
		close(ch)
		b.mu.Unlock()
		sub.cancel = func() {}
		return sub
	}

	state.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if state, ok := b.processes[processID]; ok {
			if _, present := state.subscribers[sub]; present {
				delete(state.subscribers, sub)
				close(sub.ch)
			}
		}
	}
	return sub
}

// Snapshot returns the latest update for a process, or false when unknown.
func (b *Bus) Snapshot(processID string) (model.ProgressUpdate, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.processes[processID]
	if !ok || state.snapshot == nil {
		return model.ProgressUpdate{}, false
	}
	return *state.snapshot, true
}

// History returns the buffered updates for a process, oldest first.
func (b *Bus) History(processID string) []model.ProgressUpdate {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.processes[processID]
	if !ok {
		return nil
	}
	return append([]model.ProgressUpdate(nil), state.history...)
}

// Forget drops all state for a process (age-based sweep).
func (b *Bus) Forget(processID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.processes[processID]; ok {
		for sub := range state.subscribers {
			close(sub.ch)
		}
		delete(b.processes, processID)
	}
}
