package network

import (
	"math/rand"
	"sync"
	"time"

	"github.com/tolelom/chainbft/config"
	"github.com/tolelom/chainbft/core"
)

// entWaitingTimeout is the default time to wait for a requested block or
// command before re-sending the request to another replica.
const entWaitingTimeout = 10 * time.Second

// jitterFraction randomizes each timeout by up to this fraction of the base
// duration, so that many replicas independently missing the same entity
// don't all re-request in lockstep.
const jitterFraction = 0.2

// FetchManager resolves missing blocks by requesting them from peers,
// retrying against a different peer on each timeout until the block is
// delivered or the caller gives up (Cancel).
type FetchManager struct {
	mu       sync.Mutex
	node     *Node
	cfg      *config.ReplicaConfig
	storage  *core.EntityStorage
	pending  map[core.Hash]*fetchCtx
	timeout  time.Duration
	rngMu    sync.Mutex
	rng      *rand.Rand
}

type fetchCtx struct {
	hash     core.Hash
	tried    map[config.ReplicaID]bool
	timer    *time.Timer
	onResolve func(*core.Block)
}

// NewFetchManager returns a manager that sends ReqBlock messages over node
// and tracks delivery against storage.
func NewFetchManager(node *Node, cfg *config.ReplicaConfig, storage *core.EntityStorage) *FetchManager {
	return &FetchManager{
		node:    node,
		cfg:     cfg,
		storage: storage,
		pending: make(map[core.Hash]*fetchCtx),
		timeout: entWaitingTimeout,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (f *FetchManager) jitteredTimeout() time.Duration {
	f.rngMu.Lock()
	delta := (f.rng.Float64()*2 - 1) * jitterFraction
	f.rngMu.Unlock()
	return time.Duration(float64(f.timeout) * (1 + delta))
}

// Fetch requests the block identified by hash, trying preferred first and
// falling back to any other known replica on timeout. onResolve is called
// exactly once: immediately if the block is already delivered in storage,
// otherwise when the block arrives via Deliver. A Fetch for a hash that is
// already pending adds onResolve to that fetch instead of sending again.
func (f *FetchManager) Fetch(hash core.Hash, preferred config.ReplicaID, onResolve func(*core.Block)) {
	if blk, ok := f.storage.FindBlock(hash); ok && blk.Delivered {
		onResolve(blk)
		return
	}

	f.mu.Lock()
	if existing, exists := f.pending[hash]; exists {
		prev := existing.onResolve
		existing.onResolve = func(blk *core.Block) {
			prev(blk)
			onResolve(blk)
		}
		f.mu.Unlock()
		return
	}
	ctx := &fetchCtx{hash: hash, tried: make(map[config.ReplicaID]bool), onResolve: onResolve}
	f.pending[hash] = ctx
	f.mu.Unlock()

	f.send(ctx, preferred)
	ctx.timer = time.AfterFunc(f.jitteredTimeout(), func() { f.onTimeout(hash) })
}

func (f *FetchManager) send(ctx *fetchCtx, rid config.ReplicaID) {
	ctx.tried[rid] = true
	msg := &ReqBlockMsg{Hashes: []core.Hash{ctx.hash}}
	_ = f.node.SendTo(rid, msg.Encode())
}

func (f *FetchManager) onTimeout(hash core.Hash) {
	f.mu.Lock()
	ctx, ok := f.pending[hash]
	if !ok {
		f.mu.Unlock()
		return
	}
	next := f.untried(ctx)
	f.mu.Unlock()

	f.send(ctx, next)
	ctx.timer = time.AfterFunc(f.jitteredTimeout(), func() { f.onTimeout(hash) })
}

// untried picks a replica that hasn't yet been asked for this entity,
// cycling back to the first replica if every replica has already been
// tried once.
func (f *FetchManager) untried(ctx *fetchCtx) config.ReplicaID {
	n := f.cfg.N()
	for i := 0; i < n; i++ {
		rid := f.cfg.ReplicaAt(i)
		if !ctx.tried[rid] {
			return rid
		}
	}
	for k := range ctx.tried {
		delete(ctx.tried, k)
	}
	return f.cfg.ReplicaAt(0)
}

// Deliver resolves any pending fetch for blk's hash, invoking onResolve with
// the raw block. onResolve is responsible for signature verification before
// treating blk as delivered.
func (f *FetchManager) Deliver(blk *core.Block) {
	h := blk.Hash()
	f.mu.Lock()
	ctx, ok := f.pending[h]
	if ok {
		delete(f.pending, h)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	if ctx.timer != nil {
		ctx.timer.Stop()
	}
	ctx.onResolve(blk)
}

// Cancel abandons a pending fetch without resolving it.
func (f *FetchManager) Cancel(hash core.Hash) {
	f.mu.Lock()
	ctx, ok := f.pending[hash]
	if ok {
		delete(f.pending, hash)
	}
	f.mu.Unlock()
	if ok && ctx.timer != nil {
		ctx.timer.Stop()
	}
}

// Pending reports how many fetches are currently outstanding.
func (f *FetchManager) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
