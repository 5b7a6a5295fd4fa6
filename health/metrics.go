package health

import (
	"sync"
	"time"
)

// Sample is one observed metric value.
type Sample struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind,omitempty"`
	Context   string    `json:"context,omitempty"`
}

// ring is a fixed-capacity sample buffer shared by all metrics.
type ring struct {
	mu      sync.RWMutex
	samples []Sample
	next    int
	full    bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 10000
	}
	return &ring{samples: make([]Sample, capacity)}
}

func (r *ring) add(s Sample) {
	r.mu.Lock()
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// lastN returns up to n most recent samples for one metric, oldest first.
func (r *ring) lastN(name string, n int) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Sample
	size := r.next
	if r.full {
		size = len(r.samples)
	}
	// Walk backwards from the most recent slot.
	for i := 0; i < size && len(out) < n; i++ {
		idx := (r.next - 1 - i + len(r.samples)) % len(r.samples)
		if r.samples[idx].Name == name {
			out = append(out, r.samples[idx])
		}
	}
	// Reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// since returns all samples for one metric at or after the cutoff, oldest
// first.
func (r *ring) since(name string, cutoff time.Time) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Sample
	size := r.next
	if r.full {
		size = len(r.samples)
	}
	start := 0
	if r.full {
		start = r.next
	}
	for i := 0; i < size; i++ {
		idx := (start + i) % len(r.samples)
		s := r.samples[idx]
		if s.Name == name && !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Downsampled is one time bucket of a metric series.
type Downsampled struct {
	Bucket time.Time `json:"bucket"`
	Avg    float64   `json:"avg"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Count  int       `json:"count"`
}

// downsample buckets the last 24h of one metric. The dashboard trend view
// reads this instead of raw samples.
func (r *ring) downsample(name string, bucket time.Duration, now time.Time) []Downsampled {
	samples := r.since(name, now.Add(-24*time.Hour))
	if len(samples) == 0 {
		return nil
	}
	var out []Downsampled
	var current *Downsampled
	for _, s := range samples {
		b := s.Timestamp.Truncate(bucket)
		if current == nil || !current.Bucket.Equal(b) {
			if current != nil {
				current.Avg /= float64(current.Count)
				out = append(out, *current)
			}
			current = &Downsampled{Bucket: b, Min: s.Value, Max: s.Value}
		}
		current.Avg += s.Value
		current.Count++
		if s.Value < current.Min {
			current.Min = s.Value
		}
		if s.Value > current.Max {
			current.Max = s.Value
		}
	}
	current.Avg /= float64(current.Count)
	out = append(out, *current)
	return out
}
