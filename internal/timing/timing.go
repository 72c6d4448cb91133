package timing

import (
	"sort"
	"sync"
	"time"

	"pouw-captcha/internal/metrics"
)

type TimingTracker struct {
	mu    sync.RWMutex
	stats map[string]*operationStats
}

type operationStats struct {
	count int64
	total time.Duration
	max   time.Duration
}

// Summary is the running total for one operation since process start.
type Summary struct {
	Operation string        `json:"operation"`
	Count     int64         `json:"count"`
	Average   time.Duration `json:"average"`
	Max       time.Duration `json:"max"`
}

var tracker = &TimingTracker{
	stats: make(map[string]*operationStats),
}

func Track(operation string, duration time.Duration) {
	metrics.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	s, ok := tracker.stats[operation]
	if !ok {
		s = &operationStats{}
		tracker.stats[operation] = s
	}
	s.count++
	s.total += duration
	if duration > s.max {
		s.max = duration
	}
}

func TimeOperation(operation string) func() {
	start := time.Now()
	return func() {
		Track(operation, time.Since(start))
	}
}

// Summaries returns per-operation totals sorted by operation name.
func Summaries() []Summary {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	out := make([]Summary, 0, len(tracker.stats))
	for op, s := range tracker.stats {
		out = append(out, Summary{
			Operation: op,
			Count:     s.count,
			Average:   s.total / time.Duration(s.count),
			Max:       s.max,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}
