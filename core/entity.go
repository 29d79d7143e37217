package core

import "sync"

// EntityStorage is the content-addressed cache of blocks and commands the
// consensus state machine operates over. It has no persistence: the cache
// is purely in-memory, bounded only by an explicit height-based prune
// (see Prune) rather than a full snapshot/eviction policy.
//
// Go's garbage collector makes the source's manual reference counting
// ("release when refcount == 2, i.e. only storage and the caller hold it")
// unnecessary: a block or command is reclaimed once EntityStorage's own
// map no longer references it and nothing else in the program does
// either. Prune is the one release knob this cache exposes, matching the
// "prune(staleness)" capability in the original source's consensus core.
type EntityStorage struct {
	mu       sync.RWMutex
	blocks   map[Hash]*Block
	cmds     map[Hash]bool // fetched command hashes; payloads are out of scope
	cmdsFull map[Hash]bool // delivered (vs merely known) commands
}

// NewEntityStorage returns an empty store.
func NewEntityStorage() *EntityStorage {
	return &EntityStorage{
		blocks:   make(map[Hash]*Block),
		cmds:     make(map[Hash]bool),
		cmdsFull: make(map[Hash]bool),
	}
}

// AddBlock inserts blk keyed by its hash, returning the stored block. If a
// block with the same hash already exists, the existing one is returned
// unchanged (content-addressed de-duplication).
func (s *EntityStorage) AddBlock(blk *Block) *Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := blk.Hash()
	if existing, ok := s.blocks[h]; ok {
		return existing
	}
	s.blocks[h] = blk
	return blk
}

// FindBlock returns the block with the given hash, if present.
func (s *EntityStorage) FindBlock(h Hash) (*Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[h]
	return b, ok
}

// IsBlockFetched reports whether a block with h is present in storage,
// regardless of delivery state.
func (s *EntityStorage) IsBlockFetched(h Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[h]
	return ok
}

// IsBlockDelivered reports whether h is present and its Delivered flag is
// set.
func (s *EntityStorage) IsBlockDelivered(h Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[h]
	return ok && b.Delivered
}

// AddCmd records that a command hash is known (fetched). Command payloads
// are out of scope for this module; only presence/delivery state is
// tracked here.
func (s *EntityStorage) AddCmd(h Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds[h] = true
}

// MarkCmdDelivered records that h's payload has been fetched/validated by
// the application layer and is ready to reference from a block.
func (s *EntityStorage) MarkCmdDelivered(h Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds[h] = true
	s.cmdsFull[h] = true
}

// IsCmdFetched reports whether h is known to storage.
func (s *EntityStorage) IsCmdFetched(h Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cmds[h]
}

// IsCmdDelivered reports whether h's payload has been marked delivered.
func (s *EntityStorage) IsCmdDelivered(h Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cmdsFull[h]
}

// BlockCacheSize returns the number of cached blocks (diagnostic/stat use).
func (s *EntityStorage) BlockCacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// CmdCacheSize returns the number of known command hashes.
func (s *EntityStorage) CmdCacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cmds)
}

// Prune drops cached blocks whose height is strictly below belowHeight and
// which are not genesis. It is the caller's responsibility (the consensus
// state machine) to only call this once it is certain such blocks can no
// longer be referenced as an ancestor of any live tail — this method does
// no reachability analysis itself, matching the narrow "staleness" prune
// in the source this is modeled on.
func (s *EntityStorage) Prune(belowHeight uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, b := range s.blocks {
		if b.Height > 0 && b.Height < belowHeight {
			delete(s.blocks, h)
			n++
		}
	}
	return n
}
