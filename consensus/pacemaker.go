package consensus

import (
	"context"
	"sync"

	"github.com/tolelom/chainbft/config"
	"github.com/tolelom/chainbft/core"
)

// Pacemaker is the liveness oracle plugged into a StateMachine. It decides
// who proposes and when, but never touches block content or delivery --
// that is entirely the state machine's job.
type Pacemaker interface {
	// Init wires the pacemaker to its state machine. Called once before any
	// other method.
	Init(sm *StateMachine)
	// Proposer returns the current proposer's replica ID.
	Proposer() config.ReplicaID
	// Beat blocks until the pacemaker judges it a good time to propose,
	// then resolves with the replica that should propose.
	Beat(ctx context.Context) (config.ReplicaID, error)
	// BeatResp blocks until it is a good time to accept/vote on a proposal
	// from lastProposer, resolving with the next proposer's ID.
	BeatResp(ctx context.Context, lastProposer config.ReplicaID) (config.ReplicaID, error)
	// Impeach advances the proposer rotation, e.g. after a liveness timeout.
	Impeach()
	// OnConsensus is called once a block reaches a commit decision.
	OnConsensus(blk *core.Block)
	// OnElected is called when rid becomes the current proposer, whether by
	// normal rotation or by Impeach. Unlike the other hooks this has no
	// required behavior; implementations may use it to reset per-view state.
	OnElected(rid config.ReplicaID)
}

// RoundRobinPacemaker rotates the proposer role through all replicas in a
// fixed order, advancing on every Impeach call. It has no notion of view
// change beyond the rotation itself. Nothing in this module calls Impeach on
// a timer; the rotation only moves when a caller invokes it.
type RoundRobinPacemaker struct {
	mu       sync.Mutex
	sm       *StateMachine
	cfg      *config.ReplicaConfig
	proposer config.ReplicaID
	onElect  func(config.ReplicaID)
}

// NewRoundRobinPacemaker returns a pacemaker that starts with start as the
// first proposer.
func NewRoundRobinPacemaker(cfg *config.ReplicaConfig, start config.ReplicaID) *RoundRobinPacemaker {
	return &RoundRobinPacemaker{cfg: cfg, proposer: start}
}

func (p *RoundRobinPacemaker) Init(sm *StateMachine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sm = sm
}

func (p *RoundRobinPacemaker) Proposer() config.ReplicaID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proposer
}

// Beat resolves immediately: E2C's synchrony assumption means there is no
// batching delay to wait out, only the current proposer identity to report.
func (p *RoundRobinPacemaker) Beat(ctx context.Context) (config.ReplicaID, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
		return p.Proposer(), nil
	}
}

func (p *RoundRobinPacemaker) BeatResp(ctx context.Context, lastProposer config.ReplicaID) (config.ReplicaID, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
		return p.Proposer(), nil
	}
}

// Impeach rotates to the next replica in configuration order.
func (p *RoundRobinPacemaker) Impeach() {
	p.mu.Lock()
	n := p.cfg.N()
	if n == 0 {
		p.mu.Unlock()
		return
	}
	next := p.cfg.ReplicaAt(p.cfg.IndexOf(p.proposer) + 1)
	p.proposer = next
	cb := p.onElect
	p.mu.Unlock()
	if cb != nil {
		cb(next)
	}
}

// OnConsensus is a no-op for the round-robin pacemaker; it has no per-block
// bookkeeping, only a rotation position.
func (p *RoundRobinPacemaker) OnConsensus(blk *core.Block) {}

// SetOnElected lets a caller register a hook invoked whenever the proposer
// changes. Passing nil clears it.
func (p *RoundRobinPacemaker) SetOnElected(cb func(config.ReplicaID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onElect = cb
}

func (p *RoundRobinPacemaker) OnElected(rid config.ReplicaID) {
	p.mu.Lock()
	cb := p.onElect
	p.mu.Unlock()
	if cb != nil {
		cb(rid)
	}
}
