// Package app wires the consensus state machine to the network and storage
// layers: it drains submitted commands into proposals, dispatches decisions
// to waiting callers, and maintains the node's runtime statistics.
package app

import (
	"errors"
	"sync"

	"github.com/tolelom/chainbft/core"
)

// maxPoolSize bounds how many undecided commands may sit in the pool at
// once, so a slow leader can't let submitters accumulate unbounded memory.
const maxPoolSize = 10_000

// CommandPool is a thread-safe pool of submitted-but-undecided command
// hashes, drained in insertion order when the proposer assembles a block.
// Command payloads themselves are out of scope for this module (see
// core.EntityStorage's doc comment); the pool only tracks hashes.
type CommandPool struct {
	mu   sync.RWMutex
	have map[core.Hash]bool
	ord  []core.Hash
}

// NewCommandPool creates an empty pool.
func NewCommandPool() *CommandPool {
	return &CommandPool{have: make(map[core.Hash]bool)}
}

// Add inserts a command hash. Returns an error if the pool is full or the
// hash is already present.
func (p *CommandPool) Add(h core.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.have) >= maxPoolSize {
		return errors.New("app: command pool full")
	}
	if p.have[h] {
		return errors.New("app: command already pending")
	}
	p.have[h] = true
	p.ord = append(p.ord, h)
	return nil
}

// Pending returns up to n pending command hashes in submission order.
func (p *CommandPool) Pending(n int) []core.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]core.Hash, 0, n)
	for _, h := range p.ord {
		if p.have[h] {
			result = append(result, h)
			if len(result) >= n {
				break
			}
		}
	}
	return result
}

// Remove drops hashes from the pool, called once their containing block has
// been proposed so they are never double-proposed.
func (p *CommandPool) Remove(hashes []core.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		delete(p.have, h)
	}
	// Compact ord lazily: drop resolved entries from the front so it
	// doesn't grow unbounded over the node's lifetime.
	i := 0
	for i < len(p.ord) && !p.have[p.ord[i]] {
		i++
	}
	p.ord = p.ord[i:]
}

// Len returns the number of pending commands.
func (p *CommandPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.have)
}

// Has reports whether h is currently pending.
func (p *CommandPool) Has(h core.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.have[h]
}
