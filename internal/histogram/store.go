package histogram

import (
	"sync"
	"time"

	"github.com/hailstorm-sh/hailstorm/internal/wire"
)

// DefaultRingSize is the default capacity N of a Store's ring. The ring
// holds the last N drained PerformanceSnapshots, one slot per action per
// drain, not the last N whole drain periods.
const DefaultRingSize = 8

// DefaultPeriod is the snapshot period named in spec.md §4.3.
const DefaultPeriod = time.Second

type actionStatus struct {
	action string
	status int64
}

// Store is a concurrent (action, status) → Histogram map for one model,
// plus a fixed-capacity ring of the most recently drained
// PerformanceSnapshots.
// Histograms are owned read-only by snapshot copy once drained (spec.md
// §3 Ownership); the live map itself is the one structure every bot's
// Fire call writes into concurrently.
type Store struct {
	mu         sync.RWMutex
	histograms map[actionStatus]*Histogram

	ringMu sync.Mutex
	ring   []wire.PerformanceSnapshot
	ringAt int
	filled bool
	size   int
}

func NewStore(ringSize int) *Store {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Store{
		histograms: make(map[actionStatus]*Histogram),
		ring:       make([]wire.PerformanceSnapshot, ringSize),
		size:       ringSize,
	}
}

func (s *Store) histogramFor(action string, status int64) *Histogram {
	key := actionStatus{action, status}

	s.mu.RLock()
	h, ok := s.histograms[key]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.histograms[key]; ok {
		return h
	}
	h = &Histogram{}
	s.histograms[key] = h
	return h
}

// Record routes one PerformanceSample (spec.md §3) into the histogram
// for its (action, status) pair, creating it on first use.
func (s *Store) Record(action string, status int64, elapsed time.Duration) {
	s.histogramFor(action, status).Record(uint64(elapsed.Nanoseconds()))
}

// DrainSince drains every (action, status) histogram, groups the
// results by action into PerformanceSnapshots, appends each action's
// snapshot to the ring as its own slot (evicting the oldest slot on
// overflow; a drain with no samples adds nothing), and returns the
// snapshots produced this period.
func (s *Store) DrainSince(ts time.Time) []wire.PerformanceSnapshot {
	s.mu.RLock()
	byAction := make(map[string][]wire.PerformanceHistogram)
	for key, h := range s.histograms {
		snap := h.DrainSnapshot()
		if snap.Count == 0 {
			continue
		}
		byAction[key.action] = append(byAction[key.action], wire.PerformanceHistogram{
			Status:  key.status,
			Buckets: snap.Buckets,
			Sum:     snap.Sum,
		})
	}
	s.mu.RUnlock()

	snapshots := make([]wire.PerformanceSnapshot, 0, len(byAction))
	for action, hists := range byAction {
		snapshots = append(snapshots, wire.PerformanceSnapshot{
			Timestamp:  ts,
			Action:     action,
			Histograms: hists,
		})
	}

	s.ringMu.Lock()
	for _, snap := range snapshots {
		s.ring[s.ringAt] = snap
		s.ringAt = (s.ringAt + 1) % s.size
		if s.ringAt == 0 {
			s.filled = true
		}
	}
	s.ringMu.Unlock()

	return snapshots
}

// RecentPeriods returns up to the last N drained PerformanceSnapshots
// still held in the ring, oldest first. A drain that produced snapshots
// for several actions fills several slots, so the result can cover
// fewer than N drains.
func (s *Store) RecentPeriods() []wire.PerformanceSnapshot {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()

	n := s.ringAt
	if s.filled {
		n = s.size
	}
	out := make([]wire.PerformanceSnapshot, 0, n)
	if s.filled {
		for i := 0; i < s.size; i++ {
			idx := (s.ringAt + i) % s.size
			out = append(out, s.ring[idx])
		}
		return out
	}
	out = append(out, s.ring[:s.ringAt]...)
	return out
}
