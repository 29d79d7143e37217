package app

import (
	"fmt"
	"log"
	"sync"

	"github.com/tolelom/chainbft/config"
	"github.com/tolelom/chainbft/consensus"
	"github.com/tolelom/chainbft/core"
	"github.com/tolelom/chainbft/events"
	"github.com/tolelom/chainbft/network"
	"github.com/tolelom/chainbft/storage"
)

// Shell wires a consensus.StateMachine to the network and storage layers: it
// forwards wire messages into the state machine, resolves missing ancestors
// through a network.FetchManager, drains CommandPool into proposals, and
// fans committed decisions out to storage, events and waiting callers.
type Shell struct {
	cfg    *config.ReplicaConfig
	params config.Params
	ownID  config.ReplicaID

	sm      *consensus.StateMachine
	node    *network.Node
	fetcher *network.FetchManager
	finLog  *storage.FinalityLog
	emitter *events.Emitter
	pool    *CommandPool
	stats   *Stats

	mu      sync.Mutex
	waiters map[core.Hash][]chan consensus.Finality
}

// NewShell assembles a Shell around an already-constructed state machine and
// network node.
func NewShell(cfg *config.ReplicaConfig, params config.Params, ownID config.ReplicaID, sm *consensus.StateMachine, node *network.Node, finLog *storage.FinalityLog, emitter *events.Emitter) *Shell {
	s := &Shell{
		cfg:       cfg,
		params:    params,
		ownID:     ownID,
		sm:        sm,
		node:      node,
		finLog:    finLog,
		emitter:   emitter,
		pool:      NewCommandPool(),
		stats:     &Stats{},
		waiters:   make(map[core.Hash][]chan consensus.Finality),
	}
	s.fetcher = network.NewFetchManager(node, cfg, sm.Storage())

	sm.SetHandlers(s.onDecide, s.onConsensus, s.onBroadcast)
	node.Handle(network.OpPropose, s.handlePropose)
	node.Handle(network.OpReqBlock, s.handleReqBlock)
	node.Handle(network.OpRespBlock, s.handleRespBlock)
	node.Handle(network.OpReqCmd, s.handleReqCmd)
	node.Handle(network.OpRespCmd, s.handleRespCmd)
	node.Handle(network.OpFinality, s.handleFinality)
	return s
}

// Stats returns the shell's runtime counters.
func (s *Shell) Stats() *Stats { return s.stats }

// Pool returns the pending command pool.
func (s *Shell) Pool() *CommandPool { return s.pool }

// StateMachine returns the underlying consensus state machine.
func (s *Shell) StateMachine() *consensus.StateMachine { return s.sm }

// SubmitCommand enqueues hash for inclusion in a future block and returns a
// channel that receives its Finality once decided. The channel is closed
// after delivering exactly one value.
func (s *Shell) SubmitCommand(hash core.Hash) (<-chan consensus.Finality, error) {
	if err := s.pool.Add(hash); err != nil {
		return nil, err
	}
	ch := make(chan consensus.Finality, 1)
	s.mu.Lock()
	s.waiters[hash] = append(s.waiters[hash], ch)
	s.mu.Unlock()
	return ch, nil
}

// ProposeNext drains up to Params.BlockSize pending commands into a new
// block, if this replica is the current proposer. Returns (nil, nil) if
// there is nothing to propose or this replica isn't the proposer.
func (s *Shell) ProposeNext() (*core.Block, error) {
	if !s.sm.IsProposer() {
		return nil, nil
	}
	cmds := s.pool.Pending(s.params.BlockSize)
	if len(cmds) == 0 {
		return nil, nil
	}
	parents := s.sm.DefaultParents()
	blk, err := s.sm.OnPropose(cmds, parents, nil)
	if err != nil {
		return nil, fmt.Errorf("app: propose: %w", err)
	}
	s.pool.Remove(cmds)
	s.stats.IncProposed()
	s.emitter.Emit(events.Event{Type: events.EventBlockProposed, BlockHash: blk.Hash().String(), BlockHeight: blk.Height})
	return blk, nil
}

func (s *Shell) onBroadcast(prop consensus.Proposal) {
	msg := &network.ProposeMsg{Proposer: prop.Proposer, Block: prop.Block}
	s.node.Broadcast(msg.Encode())
	s.stats.IncSent()
}

func (s *Shell) onConsensus(blk *core.Block) {
	s.stats.IncCommitted()
	s.emitter.Emit(events.Event{Type: events.EventBlockCommitted, BlockHash: blk.Hash().String(), BlockHeight: blk.Height})
}

func (s *Shell) onDecide(fin consensus.Finality) {
	s.stats.IncDecided()
	s.finLog.Append(storage.Finality{
		CmdHash:   fin.CmdHash,
		CmdIndex:  fin.CmdIndex,
		Height:    fin.Height,
		BlockHash: fin.BlockHash,
		Decision:  fin.Decision,
	})
	if err := s.finLog.Flush(); err != nil {
		log.Printf("[app] flush finality log: %v", err)
	}
	s.emitter.Emit(events.Event{Type: events.EventDecision, BlockHash: fin.BlockHash.String(), BlockHeight: fin.Height})
	s.node.Broadcast(network.EncodeFinality(uint16(s.ownID), fin.Decision, fin.CmdIndex, fin.Height, fin.CmdHash, fin.BlockHash))

	s.mu.Lock()
	chans := s.waiters[fin.CmdHash]
	delete(s.waiters, fin.CmdHash)
	s.mu.Unlock()
	for _, ch := range chans {
		ch <- fin
		close(ch)
	}
}

// handlePropose processes an incoming Propose frame: validates the
// proposer/signature, then attempts delivery, fetching any missing ancestors
// before handing the block to the state machine.
func (s *Shell) handlePropose(peer *network.Peer, body []byte) {
	s.stats.IncReceived()
	msg, err := network.DecodeProposeMsg(body)
	if err != nil {
		log.Printf("[app] decode propose from %s: %v", peer.Addr, err)
		return
	}
	blk := msg.Block
	if err := consensus.VerifyProposer(s.cfg, blk, s.sm.Proposer()); err != nil {
		log.Printf("[app] reject proposal from %s: %v", peer.Addr, err)
		return
	}
	s.sm.Storage().AddBlock(blk)
	s.ensureDelivered(blk, func(delivered *core.Block) {
		if err := s.sm.OnReceiveProposal(consensus.Proposal{Proposer: msg.Proposer, Block: delivered}); err != nil {
			log.Printf("[app] receive proposal: %v", err)
			return
		}
		s.stats.IncDelivered()
		s.emitter.Emit(events.Event{Type: events.EventBlockDelivered, BlockHash: delivered.Hash().String(), BlockHeight: delivered.Height})
	})
}

// ensureDelivered delivers blk once every ancestor it names is itself
// delivered, recursively fetching any that are missing. blk's own signature
// is verified before every delivery attempt -- this is the only path
// (top-level proposal or fetched ancestor) through which a block reaches
// sm.OnDeliverBlk, so it gates both. cont is invoked exactly once, when blk
// is finally deliverable.
func (s *Shell) ensureDelivered(blk *core.Block, cont func(*core.Block)) {
	if err := consensus.VerifyBlockSignature(s.cfg, blk); err != nil {
		log.Printf("[app] reject block %s: %v", blk.Hash(), err)
		return
	}

	if ok, err := s.sm.OnDeliverBlk(blk); err == nil {
		_ = ok
		cont(blk)
		return
	}

	missing := 0
	var mu sync.Mutex
	done := false
	for _, ph := range blk.ParentHashes {
		if s.sm.Storage().IsBlockDelivered(ph) {
			continue
		}
		missing++
		h := ph
		s.fetcher.Fetch(h, blk.Proposer, func(parent *core.Block) {
			s.ensureDelivered(parent, func(*core.Block) {})
			mu.Lock()
			missing--
			shouldRetry := missing == 0 && !done
			if shouldRetry {
				done = true
			}
			mu.Unlock()
			if shouldRetry {
				s.ensureDelivered(blk, cont)
			}
		})
	}
	if missing == 0 {
		// All named parents turned out already delivered by the time we
		// finished the scan; retry immediately rather than waiting on a
		// fetch that will never resolve.
		if ok, err := s.sm.OnDeliverBlk(blk); err == nil {
			_ = ok
			cont(blk)
		}
	}
}

func (s *Shell) handleReqBlock(peer *network.Peer, body []byte) {
	req, err := network.DecodeReqBlockMsg(body)
	if err != nil {
		return
	}
	resp := &network.RespBlockMsg{}
	for _, h := range req.Hashes {
		if blk, ok := s.sm.Storage().FindBlock(h); ok {
			resp.Blocks = append(resp.Blocks, blk)
		}
	}
	_ = peer.Send(resp.Encode())
}

// handleRespBlock caches every returned block by content hash and hands it
// to the fetcher; the fetcher's onResolve callback routes straight back into
// ensureDelivered, which verifies each block's signature before delivery --
// a forged block from a Byzantine peer is cached but never marked delivered.
func (s *Shell) handleRespBlock(peer *network.Peer, body []byte) {
	resp, err := network.DecodeRespBlockMsg(body)
	if err != nil {
		return
	}
	for _, raw := range resp.Blocks {
		s.stats.IncFetched()
		blk := s.sm.Storage().AddBlock(raw)
		s.fetcher.Deliver(blk)
	}
}

func (s *Shell) handleReqCmd(peer *network.Peer, body []byte) {
	req, err := network.DecodeReqCmdMsg(body)
	if err != nil {
		return
	}
	resp := &network.RespCmdMsg{Hash: req.Hash, Delivered: s.sm.Storage().IsCmdDelivered(req.Hash)}
	_ = peer.Send(resp.Encode())
}

func (s *Shell) handleRespCmd(peer *network.Peer, body []byte) {
	resp, err := network.DecodeRespCmdMsg(body)
	if err != nil || !resp.Delivered {
		return
	}
	s.sm.Storage().MarkCmdDelivered(resp.Hash)
}

// handleFinality records a peer's own committed-decision announcement for
// observability; it is never consulted by the local state machine, which
// always derives its own decisions from its own commit cascade.
func (s *Shell) handleFinality(peer *network.Peer, body []byte) {
	rid, decision, cmdIdx, height, cmdHash, blkHash, err := network.DecodeFinality(body)
	if err != nil {
		return
	}
	s.stats.IncReceived()
	s.emitter.Emit(events.Event{Type: events.EventDecision, BlockHash: blkHash.String(), BlockHeight: height})
	log.Printf("[app] peer %s reports replica %d decided cmd %s (idx %d) at height %d: %d", peer.Addr, rid, cmdHash, cmdIdx, height, decision)
}
