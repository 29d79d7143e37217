package app

import "sync/atomic"

// Stats tracks runtime counters for a replica, read concurrently by the RPC
// layer and updated on the hot path of proposing/delivering/deciding.
type Stats struct {
	proposed  atomic.Uint64
	delivered atomic.Uint64
	committed atomic.Uint64
	decided   atomic.Uint64
	fetched   atomic.Uint64
	sent      atomic.Uint64
	received  atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats, safe to serialize.
type Snapshot struct {
	Proposed  uint64 `json:"proposed"`
	Delivered uint64 `json:"delivered"`
	Committed uint64 `json:"committed"`
	Decided   uint64 `json:"decided"`
	Fetched   uint64 `json:"fetched"`
	Sent      uint64 `json:"sent"`
	Received  uint64 `json:"received"`
}

func (s *Stats) IncProposed()  { s.proposed.Add(1) }
func (s *Stats) IncDelivered() { s.delivered.Add(1) }
func (s *Stats) IncCommitted() { s.committed.Add(1) }
func (s *Stats) IncDecided()   { s.decided.Add(1) }
func (s *Stats) IncFetched()   { s.fetched.Add(1) }
func (s *Stats) IncSent()      { s.sent.Add(1) }
func (s *Stats) IncReceived()  { s.received.Add(1) }

// Snapshot returns a consistent-enough copy for reporting; individual
// counters may be read a few nanoseconds apart but each is itself atomic.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Proposed:  s.proposed.Load(),
		Delivered: s.delivered.Load(),
		Committed: s.committed.Load(),
		Decided:   s.decided.Load(),
		Fetched:   s.fetched.Load(),
		Sent:      s.sent.Load(),
		Received:  s.received.Load(),
	}
}
