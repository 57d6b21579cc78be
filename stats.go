package mipstream

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Stats accumulates streaming counters shared by every image of a
// registry. All methods are safe for concurrent use.
type Stats struct {
	fetchesStarted atomic.Uint64
	inFlight       atomic.Int64
	completed      atomic.Uint64
	failed         atomic.Uint64
	discarded      atomic.Uint64
	bytesLoaded    atomic.Uint64
	loadNanos      atomic.Int64

	expands        atomic.Uint64
	expandFailures atomic.Uint64
	levelsUploaded atomic.Uint64
	trims          atomic.Uint64
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) fetchStarted() {
	s.fetchesStarted.Add(1)
	s.inFlight.Add(1)
}

// fetchFinished is called once per completion, whatever its outcome.
func (s *Stats) fetchFinished() {
	s.inFlight.Add(-1)
}

func (s *Stats) fetchLoaded(bytes int, elapsed time.Duration) {
	s.completed.Add(1)
	s.bytesLoaded.Add(uint64(bytes)) //nolint:gosec // G115: payload length is non-negative
	s.loadNanos.Add(int64(elapsed))
}

func (s *Stats) fetchFailed()    { s.failed.Add(1) }
func (s *Stats) fetchDiscarded() { s.discarded.Add(1) }

func (s *Stats) expanded(levels int) {
	s.expands.Add(1)
	s.levelsUploaded.Add(uint64(levels)) //nolint:gosec // G115: level count is small and positive
}

func (s *Stats) expandFailed() { s.expandFailures.Add(1) }
func (s *Stats) trimmed()      { s.trims.Add(1) }

// InFlight returns the number of fetches whose completion has not been
// dispatched yet.
func (s *Stats) InFlight() int64 {
	return s.inFlight.Load()
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FetchesStarted: s.fetchesStarted.Load(),
		InFlight:       s.inFlight.Load(),
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		Discarded:      s.discarded.Load(),
		BytesLoaded:    s.bytesLoaded.Load(),
		LoadTime:       time.Duration(s.loadNanos.Load()),
		Expands:        s.expands.Load(),
		ExpandFailures: s.expandFailures.Load(),
		LevelsUploaded: s.levelsUploaded.Load(),
		Trims:          s.trims.Load(),
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	// FetchesStarted counts FetchLevel calls that issued a load.
	FetchesStarted uint64

	// InFlight is the number of loads not yet dispatched.
	InFlight int64

	// Completed counts loads whose payload was applied.
	Completed uint64

	// Failed counts loads that reported an error.
	Failed uint64

	// Discarded counts stale completions dropped after a trim or abort.
	Discarded uint64

	// BytesLoaded is the total payload size applied.
	BytesLoaded uint64

	// LoadTime is the cumulative wall time of applied loads.
	LoadTime time.Duration

	// Expands counts successful ExpandMipChain commits.
	Expands uint64

	// ExpandFailures counts ExpandMipChain calls rejected by the pool.
	ExpandFailures uint64

	// LevelsUploaded counts levels committed to the GPU.
	LevelsUploaded uint64

	// Trims counts TrimToMipChainLevel calls that changed state.
	Trims uint64
}

// Throughput returns loaded bytes per second of load time.
func (s StatsSnapshot) Throughput() float64 {
	if s.LoadTime <= 0 {
		return 0
	}
	return float64(s.BytesLoaded) / s.LoadTime.Seconds()
}

// String returns a human-readable summary of the counters.
func (s StatsSnapshot) String() string {
	return fmt.Sprintf("Streaming[%d fetched, %d in flight, %d failed, %d discarded, %.1f KB/s, %d expands (%d failed), %d trims]",
		s.Completed, s.InFlight, s.Failed, s.Discarded,
		s.Throughput()/1024,
		s.Expands, s.ExpandFailures, s.Trims)
}
