// Package histogram implements the per-(model, action, status)
// exponential-bucket latency histogram of spec.md §3/§4.3: bucket i
// covers [2^i-1, 2^(i+1)-1) nanoseconds, and the last bucket
// (MaxBuckets-1) also takes every larger sample as the overflow bucket.
// Increments are lock-free atomics so concurrent bots can
// record samples without contending on a mutex (spec.md §5: "Performance
// samples from concurrent bots are serialised through the histogram
// store via lock-free atomics").
//
// Grounded on original_source/src/agent/metrics/storage_actor.rs's
// Metrics{histogram,sum,count}, generalized from its fixed 20-bucket,
// single-writer design to spec.md's MaxBuckets=48, multi-writer atomics.
package histogram

import (
	"math/bits"
	"sync/atomic"
)

// MaxBuckets is the overflow-saturating bucket count named in spec.md §4.3.
const MaxBuckets = 48

// Histogram is one (action, status) latency histogram. Zero value is
// ready to use.
type Histogram struct {
	buckets [MaxBuckets]atomic.Uint64
	sum     atomic.Uint64
	count   atomic.Uint64
}

// BucketIndex returns the exponential bucket for an elapsed duration in
// nanoseconds: bucket i covers [2^i-1, 2^(i+1)-1), clamped to
// MaxBuckets-1 on overflow. elapsed=0 lands in bucket 0 (spec.md §8
// boundary property); elapsed=1ns lands in bucket 1.
func BucketIndex(elapsedNs uint64) int {
	// floor(log2(elapsed_ns + 1)) == the position of the highest set bit
	// of (elapsed_ns + 1), i.e. bits.Len64(n+1) - 1.
	n := elapsedNs + 1
	if n == 0 {
		// elapsed_ns+1 wrapped past 2^64-1: log2 would be 64.
		return MaxBuckets - 1
	}
	idx := bits.Len64(n) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= MaxBuckets {
		idx = MaxBuckets - 1
	}
	return idx
}

// Record adds one sample of the given elapsed duration (nanoseconds) to
// the histogram.
func (h *Histogram) Record(elapsedNs uint64) {
	idx := BucketIndex(elapsedNs)
	h.buckets[idx].Add(1)
	h.sum.Add(elapsedNs)
	h.count.Add(1)
}

// Snapshot is a point-in-time, allocation-owning copy of a Histogram's
// buckets, safe to hand to another goroutine.
type Snapshot struct {
	Buckets []uint64
	Sum     uint64
	Count   uint64
}

// Snapshot copies the current bucket counts without resetting them.
func (h *Histogram) Snapshot() Snapshot {
	buckets := make([]uint64, MaxBuckets)
	for i := range h.buckets {
		buckets[i] = h.buckets[i].Load()
	}
	return Snapshot{
		Buckets: buckets,
		Sum:     h.sum.Load(),
		Count:   h.count.Load(),
	}
}

// DrainSnapshot atomically swaps every bucket counter back to zero and
// returns what was accumulated since the last drain. This is the
// "drain_since" operation of spec.md §4.3 — the snapshot boundary is the
// instant this call executes (spec.md §5).
func (h *Histogram) DrainSnapshot() Snapshot {
	buckets := make([]uint64, MaxBuckets)
	for i := range h.buckets {
		buckets[i] = h.buckets[i].Swap(0)
	}
	return Snapshot{
		Buckets: buckets,
		Sum:     h.sum.Swap(0),
		Count:   h.count.Swap(0),
	}
}

// Total returns Σbuckets, which must equal Count per the invariant in
// spec.md §8 property 3.
func (s Snapshot) Total() uint64 {
	var total uint64
	for _, b := range s.Buckets {
		total += b
	}
	return total
}
