// Package consensus implements the synchronous chain-commit state machine:
// deliver/propose/receive-proposal handling, equivocation detection, and the
// 2Δ commit-timer cascade that turns a delivered block into a decision.
package consensus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tolelom/chainbft/config"
	"github.com/tolelom/chainbft/core"
	"github.com/tolelom/chainbft/crypto"
)

// Sentinel errors returned by the state machine's public entry points.
var (
	ErrNotDelivered   = errors.New("consensus: block not delivered")
	ErrBadSignature   = errors.New("consensus: signature verification failed")
	ErrWrongProposer  = errors.New("consensus: block proposer does not match expected proposer")
	ErrEquivocation   = errors.New("consensus: proposer equivocated at this height")
	ErrFetchTimeout   = errors.New("consensus: timed out fetching entity")
	ErrSerialization  = errors.New("consensus: malformed wire encoding")
	ErrEmptyParents   = errors.New("consensus: proposal requires at least one parent")
	ErrAlreadyDecided = errors.New("consensus: duplicate block for this height")
)

// Finality is the decision record emitted for every command in a committed
// block, in ascending (height, cmd_index) order.
type Finality struct {
	ReplicaID config.ReplicaID
	Decision  int8 // 0 = rejected, 1 = committed
	CmdIndex  uint32
	Height    uint32
	CmdHash   core.Hash
	BlockHash core.Hash
}

// Proposal pairs a block with the replica that proposed it, the unit
// broadcast between replicas and delivered back into the state machine.
type Proposal struct {
	Proposer config.ReplicaID
	Block    *core.Block
}

// DecideFunc is invoked once per command once its block's decision is made.
type DecideFunc func(Finality)

// ConsensusFunc is invoked once per block once it reaches a commit decision,
// before its commands are decided individually.
type ConsensusFunc func(blk *core.Block)

// BroadcastFunc is invoked to send a freshly produced or forwarded proposal
// to every other replica. The state machine never touches the network
// itself; this is how it hands proposals off to the transport layer.
type BroadcastFunc func(Proposal)

// StateMachine is the per-replica consensus core. All state is guarded by a
// single mutex: the original implementation runs this logic on one reactor
// thread, and a mutex is the direct idiomatic substitute rather than
// spreading the state across per-block goroutines or channels, which would
// reintroduce the very races a single reactor exists to avoid.
type StateMachine struct {
	mu sync.Mutex

	cfg     *config.ReplicaConfig
	params  config.Params
	storage *core.EntityStorage
	ownID   config.ReplicaID
	privKey crypto.PrivateKey

	pacemaker Pacemaker

	genesis *core.Block
	bMark   *core.Block // highest-height block seen so far
	bComm   *core.Block // highest block committed so far

	tails    map[core.Hash]*core.Block // blocks with no known delivered child
	htBlkMap map[uint32]*core.Block
	timers   map[uint32]*time.Timer

	onDecide    DecideFunc
	onConsensus ConsensusFunc
	onBroadcast BroadcastFunc
}

// New builds a state machine rooted at genesis, with cfg as the replica
// configuration, params the Δ/timeout/block-size parameters, ownID this
// replica's identity, privKey its signing key, and pm the liveness oracle.
func New(cfg *config.ReplicaConfig, params config.Params, ownID config.ReplicaID, privKey crypto.PrivateKey, pm Pacemaker) *StateMachine {
	genesis := core.NewGenesis()
	storage := core.NewEntityStorage()
	storage.AddBlock(genesis)

	sm := &StateMachine{
		cfg:      cfg,
		params:   params,
		storage:  storage,
		ownID:    ownID,
		privKey:  privKey,
		pacemaker: pm,
		genesis:  genesis,
		bMark:    genesis,
		bComm:    genesis,
		tails:    map[core.Hash]*core.Block{genesis.Hash(): genesis},
		htBlkMap: map[uint32]*core.Block{0: genesis},
		timers:   make(map[uint32]*time.Timer),
	}
	pm.Init(sm)
	return sm
}

// SetHandlers registers the output callbacks. Must be called before the
// state machine is driven by any input.
func (sm *StateMachine) SetHandlers(onDecide DecideFunc, onConsensus ConsensusFunc, onBroadcast BroadcastFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onDecide = onDecide
	sm.onConsensus = onConsensus
	sm.onBroadcast = onBroadcast
}

// Storage returns the entity cache backing this state machine, for callers
// that need to check/insert fetched blocks and commands directly (e.g. the
// network layer's fetch manager).
func (sm *StateMachine) Storage() *core.EntityStorage {
	return sm.storage
}

// Genesis returns the fixed height-0 block.
func (sm *StateMachine) Genesis() *core.Block {
	return sm.genesis
}

// BMark returns the highest-height block observed so far.
func (sm *StateMachine) BMark() *core.Block {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.bMark
}

// BComm returns the highest block committed so far.
func (sm *StateMachine) BComm() *core.Block {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.bComm
}

// IsProposer reports whether this replica is the pacemaker's current
// proposer.
func (sm *StateMachine) IsProposer() bool {
	return sm.Proposer() == sm.ownID
}

// Proposer returns the pacemaker's current proposer, i.e. the replica ID
// callers must check an incoming proposal's blk.Proposer against.
func (sm *StateMachine) Proposer() config.ReplicaID {
	return sm.pacemaker.Proposer()
}

// getDeliveredBlk fetches blk_hash from storage, erroring if it is absent or
// not yet delivered. Callers must already hold sm.mu.
func (sm *StateMachine) getDeliveredBlk(h core.Hash) (*core.Block, error) {
	blk, ok := sm.storage.FindBlock(h)
	if !ok || !blk.Delivered {
		return nil, fmt.Errorf("%w: %s", ErrNotDelivered, h)
	}
	return blk, nil
}

// OnDeliverBlk informs the state machine that blk's own bytes, and those of
// every command it references, have been fetched and validated, and that
// every parent named in blk.ParentHashes has itself already been delivered.
// The caller (the network/fetch layer) is responsible for establishing that
// invariant; a block whose parents are not yet delivered is rejected with
// ErrNotDelivered rather than silently queued.
func (sm *StateMachine) OnDeliverBlk(blk *core.Block) (bool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.onDeliverBlkLocked(blk)
}

func (sm *StateMachine) onDeliverBlkLocked(blk *core.Block) (bool, error) {
	if blk.Delivered {
		return false, nil
	}
	parents := make([]*core.Block, len(blk.ParentHashes))
	for i, h := range blk.ParentHashes {
		p, err := sm.getDeliveredBlk(h)
		if err != nil {
			return false, err
		}
		parents[i] = p
	}
	if len(parents) == 0 {
		return false, ErrEmptyParents
	}
	blk.Parents = parents
	blk.Height = parents[0].Height + 1

	for _, p := range parents {
		delete(sm.tails, p.Hash())
	}
	sm.tails[blk.Hash()] = blk
	blk.Delivered = true
	return true, nil
}

// update processes a delivered block that is new to the height→block map:
// it detects equivocation, records the block as the tallest seen so far if
// applicable, and arms a 2Δ commit timer for its height. Callers must hold
// sm.mu.
func (sm *StateMachine) update(nblk *core.Block) error {
	ht := nblk.Height
	if existing, ok := sm.htBlkMap[ht]; ok {
		if existing.Hash() != nblk.Hash() {
			return fmt.Errorf("%w: height %d has [%s] and [%s]", ErrEquivocation, ht, existing.Hash(), nblk.Hash())
		}
		// Already have this exact block at this height; nothing to do.
		return nil
	}
	if sm.bMark.Height < ht {
		sm.bMark = nblk
	}
	sm.htBlkMap[ht] = nblk

	if t, ok := sm.timers[ht]; ok {
		t.Stop()
	}
	sm.timers[ht] = time.AfterFunc(sm.params.CommitTimeout(), func() {
		sm.commitTimerCB(ht)
	})
	return nil
}

// OnPropose assembles a new block over parents with commands cmds, signs
// it, delivers it to the local state machine, and arranges for it to be
// broadcast. parents[0] is the direct parent; any further entries are extra
// tails folded in as uncle references.
func (sm *StateMachine) OnPropose(cmds []core.Hash, parents []*core.Block, extra []byte) (*core.Block, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(parents) == 0 {
		return nil, ErrEmptyParents
	}
	for _, p := range parents {
		delete(sm.tails, p.Hash())
	}

	blk, err := core.NewBlock(sm.ownID, parents, cmds, extra)
	if err != nil {
		return nil, err
	}
	blk.Sign(sm.privKey)
	sm.storage.AddBlock(blk)

	if _, err := sm.onDeliverBlkLocked(blk); err != nil {
		return nil, fmt.Errorf("consensus: deliver own proposal: %w", err)
	}
	if err := sm.update(blk); err != nil {
		return nil, err
	}

	prop := Proposal{Proposer: sm.ownID, Block: blk}
	if sm.onBroadcast != nil {
		go sm.onBroadcast(prop)
	}
	return blk, nil
}

// OnReceiveProposal handles a proposal arriving from the network. blk must
// already be delivered (the caller fetches it and its ancestry first).
// Proposals are only forwarded the first time they are seen for a height,
// matching the original protocol's flood-once behavior.
func (sm *StateMachine) OnReceiveProposal(prop Proposal) error {
	sm.mu.Lock()
	blk := prop.Block
	if !blk.Delivered {
		sm.mu.Unlock()
		return ErrNotDelivered
	}
	if existing, ok := sm.htBlkMap[blk.Height]; ok && existing.Hash() == blk.Hash() {
		sm.mu.Unlock()
		return nil
	}
	if err := sm.update(blk); err != nil {
		sm.mu.Unlock()
		return err
	}
	sm.mu.Unlock()

	if sm.onBroadcast != nil {
		sm.onBroadcast(prop)
	}
	return nil
}

// commitTimerCB fires 2Δ after a block's height was first recorded. It walks
// downward from ht, committing every block not already committed, until it
// reaches one that was (genesis always qualifies, since it is committed at
// construction), then emits decisions upward in ascending height order so a
// reader never sees a child decided before its parent.
func (sm *StateMachine) commitTimerCB(ht uint32) {
	sm.mu.Lock()

	var chain []*core.Block
	for h := ht; ; h-- {
		blk, ok := sm.htBlkMap[h]
		if !ok {
			break
		}
		if blk.Decision == core.DecisionCommitted {
			break
		}
		chain = append(chain, blk)
		if t, ok := sm.timers[h]; ok {
			t.Stop()
			delete(sm.timers, h)
		}
		if h == 0 {
			break
		}
	}

	// chain is currently in descending-height order; reverse it so callbacks
	// observe ancestors before descendants.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	onDecide := sm.onDecide
	onConsensus := sm.onConsensus
	for _, blk := range chain {
		blk.Decision = core.DecisionCommitted
		if blk.Height > sm.bComm.Height {
			sm.bComm = blk
		}
	}
	sm.mu.Unlock()

	for _, blk := range chain {
		if sm.pacemaker != nil {
			sm.pacemaker.OnConsensus(blk)
		}
		if onConsensus != nil {
			onConsensus(blk)
		}
		if onDecide == nil {
			continue
		}
		blkHash := blk.Hash()
		for i, cmdHash := range blk.Cmds {
			onDecide(Finality{
				ReplicaID: sm.ownID,
				Decision:  1,
				CmdIndex:  uint32(i),
				Height:    blk.Height,
				CmdHash:   cmdHash,
				BlockHash: blkHash,
			})
		}
	}
}

// DefaultParents selects the parent set for the next proposal: the current
// tails (blocks with no delivered child yet), sorted by descending height so
// the deepest tail is always parents[0], the designated direct parent. If
// there is exactly one tail -- the common case -- this is simply [bMark].
func (sm *StateMachine) DefaultParents() []*core.Block {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]*core.Block, 0, len(sm.tails))
	for _, b := range sm.tails {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height > out[j].Height })
	if len(out) == 0 {
		return []*core.Block{sm.genesis}
	}
	return out
}

// Prune drops cached blocks more than staleness heights behind bComm. It is
// safe to call periodically. Pruning is by height alone: it does not check
// whether a block is still reachable as an ancestor of a live tail, so
// callers should choose staleness generously relative to expected fork depth.
func (sm *StateMachine) Prune(staleness uint32) int {
	sm.mu.Lock()
	comm := sm.bComm.Height
	sm.mu.Unlock()
	if comm < staleness {
		return 0
	}
	return sm.storage.Prune(comm - staleness)
}

// VerifyProposer checks that blk was actually signed by the replica
// identified by blk.Proposer and that blk.Proposer equals expected. Genesis
// is exempt.
// Callers validating a freshly received proposal must pass the pacemaker's
// current proposer as expected (e.g. via StateMachine.Proposer()); passing
// blk.Proposer itself defeats the turn check.
func VerifyProposer(cfg *config.ReplicaConfig, blk *core.Block, expected config.ReplicaID) error {
	if blk.Height == 0 {
		return nil
	}
	if blk.Proposer != expected {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongProposer, blk.Proposer, expected)
	}
	return VerifyBlockSignature(cfg, blk)
}

// VerifyBlockSignature checks only that blk was actually signed by the
// replica identified by blk.Proposer, without regard to whose turn it was.
// Use this for ancestor blocks resolved through the fetch protocol, where the
// historical proposer for that height isn't independently known; use
// VerifyProposer for a freshly received top-level proposal. Genesis is
// exempt.
func VerifyBlockSignature(cfg *config.ReplicaConfig, blk *core.Block) error {
	if blk.Height == 0 {
		return nil
	}
	pub, err := cfg.PubKey(blk.Proposer)
	if err != nil {
		return err
	}
	if err := blk.Verify(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}
