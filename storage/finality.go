package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
)

// Finality is a single commit-or-reject outcome emitted by the consensus
// state machine for one command, ready to append to the log.
type Finality struct {
	CmdHash   [32]byte `json:"cmd_hash"`
	CmdIndex  uint32   `json:"cmd_index"`
	Height    uint32   `json:"height"`
	BlockHash [32]byte `json:"block_hash"`
	Decision  int8     `json:"decision"` // 0 = rejected, 1 = committed
}

// FinalityLog is a write-ahead, append-only log of decided commands backed
// by a DB. It buffers writes and flushes them as a single batch, so a crash
// between Append and Flush loses at most the unflushed tail rather than
// corrupting what was already durable.
type FinalityLog struct {
	mu      sync.Mutex
	db      DB
	dirty   []Finality
	nextSeq uint64
}

// OpenFinalityLog wraps db as a FinalityLog, resuming sequence numbering
// from the highest key already present.
func OpenFinalityLog(db DB) (*FinalityLog, error) {
	l := &FinalityLog{db: db}
	it := db.NewIterator([]byte("fin:"))
	defer it.Release()
	var maxSeq uint64
	found := false
	for it.Next() {
		seq := binary.BigEndian.Uint64(it.Key()[len("fin:"):])
		if !found || seq > maxSeq {
			maxSeq = seq
			found = true
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("storage: scan finality log: %w", err)
	}
	if found {
		l.nextSeq = maxSeq + 1
	}
	return l, nil
}

// Append buffers f for the next Flush. It does not block on disk I/O.
func (l *FinalityLog) Append(f Finality) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirty = append(l.dirty, f)
}

// Flush writes all buffered records as one atomic batch.
func (l *FinalityLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.dirty) == 0 {
		return nil
	}
	batch := l.db.NewBatch()
	for _, f := range l.dirty {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("storage: marshal finality record: %w", err)
		}
		key := make([]byte, len("fin:")+8)
		copy(key, "fin:")
		binary.BigEndian.PutUint64(key[len("fin:"):], l.nextSeq)
		batch.Set(key, data)
		l.nextSeq++
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("storage: flush finality log: %w", err)
	}
	l.dirty = l.dirty[:0]
	return nil
}

// Len returns the number of buffered, not-yet-flushed records.
func (l *FinalityLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.dirty)
}

// All replays every flushed record from the log, in append order.
func (l *FinalityLog) All() ([]Finality, error) {
	it := l.db.NewIterator([]byte("fin:"))
	defer it.Release()
	type seqRec struct {
		seq uint64
		rec Finality
	}
	var recs []seqRec
	for it.Next() {
		var f Finality
		if err := json.Unmarshal(it.Value(), &f); err != nil {
			return nil, fmt.Errorf("storage: unmarshal finality record: %w", err)
		}
		seq := binary.BigEndian.Uint64(it.Key()[len("fin:"):])
		recs = append(recs, seqRec{seq, f})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j-1].seq > recs[j].seq; j-- {
			recs[j-1], recs[j] = recs[j], recs[j-1]
		}
	}
	out := make([]Finality, len(recs))
	for i, r := range recs {
		out[i] = r.rec
	}
	return out, nil
}
