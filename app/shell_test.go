package app

import (
	"testing"
	"time"

	"github.com/tolelom/chainbft/config"
	"github.com/tolelom/chainbft/consensus"
	"github.com/tolelom/chainbft/core"
	"github.com/tolelom/chainbft/crypto"
	"github.com/tolelom/chainbft/events"
	"github.com/tolelom/chainbft/internal/testutil"
	"github.com/tolelom/chainbft/network"
	"github.com/tolelom/chainbft/storage"
)

func newTestShell(t *testing.T) *Shell {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.NewReplicaConfig()
	cfg.AddReplica(config.ReplicaInfo{ID: 0, PubKey: pub})
	cfg.SetQuorum(0)

	params := config.Params{DeltaMillis: 20, BlockSize: 10, EntityTimeoutSeconds: 1}
	pm := consensus.NewRoundRobinPacemaker(cfg, 0)
	sm := consensus.New(cfg, params, 0, priv, pm)

	node := network.NewNode(0, "127.0.0.1:0", nil)
	if err := node.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(node.Stop)

	db := testutil.NewMemDB()
	finLog, err := storage.OpenFinalityLog(db)
	if err != nil {
		t.Fatal(err)
	}
	emitter := events.NewEmitter()

	return NewShell(cfg, params, 0, sm, node, finLog, emitter)
}

func TestShellProposeNextNoopWhenPoolEmpty(t *testing.T) {
	s := newTestShell(t)
	blk, err := s.ProposeNext()
	if err != nil {
		t.Fatal(err)
	}
	if blk != nil {
		t.Fatal("expected no block proposed for an empty pool")
	}
}

func TestShellSubmitCommandResolvesOnDecision(t *testing.T) {
	s := newTestShell(t)

	var cmdHash core.Hash
	cmdHash[0] = 0x77
	ch, err := s.SubmitCommand(cmdHash)
	if err != nil {
		t.Fatal(err)
	}

	blk, err := s.ProposeNext()
	if err != nil {
		t.Fatal(err)
	}
	if blk == nil {
		t.Fatal("expected a block to be proposed")
	}
	if s.Pool().Has(cmdHash) {
		t.Fatal("proposed command should be removed from the pool")
	}

	select {
	case fin := <-ch:
		if fin.CmdHash != cmdHash {
			t.Fatal("finality references the wrong command")
		}
		if fin.Decision != 1 {
			t.Fatalf("decision = %d, want 1 (committed)", fin.Decision)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the command to be decided")
	}

	records, err := s.finLog.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].CmdHash != cmdHash {
		t.Fatalf("finality log = %+v, want one record for %v", records, cmdHash)
	}
}

func TestShellHandleProposeRejectsWrongProposer(t *testing.T) {
	selfPriv, selfPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	attackerPriv, attackerPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.NewReplicaConfig()
	cfg.AddReplica(config.ReplicaInfo{ID: 0, PubKey: selfPub})
	cfg.AddReplica(config.ReplicaInfo{ID: 1, PubKey: attackerPub})
	cfg.SetQuorum(0)

	params := config.Params{DeltaMillis: 20, BlockSize: 10, EntityTimeoutSeconds: 1}
	pm := consensus.NewRoundRobinPacemaker(cfg, 0) // replica 0 is the current proposer
	sm := consensus.New(cfg, params, 0, selfPriv, pm)

	node := network.NewNode(0, "127.0.0.1:0", nil)
	if err := node.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(node.Stop)
	db := testutil.NewMemDB()
	finLog, err := storage.OpenFinalityLog(db)
	if err != nil {
		t.Fatal(err)
	}
	s := NewShell(cfg, params, 0, sm, node, finLog, events.NewEmitter())

	g := core.NewGenesis()
	// Replica 1 proposes (and validly signs) a block while it isn't its
	// turn -- the pacemaker still has replica 0 as proposer.
	blk, err := core.NewBlock(1, []*core.Block{g}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	blk.Sign(attackerPriv)

	msg := &network.ProposeMsg{Proposer: 1, Block: blk}
	_, body, err := network.DecodeOpcode(msg.Encode())
	if err != nil {
		t.Fatal(err)
	}
	peer := network.NewPeer(1, "attacker", nil)
	s.handlePropose(peer, body)

	if s.sm.Storage().IsBlockDelivered(blk.Hash()) {
		t.Fatal("a validly-signed proposal from a non-leader must be rejected, not delivered")
	}
	if s.Stats().Snapshot().Delivered != 0 {
		t.Fatal("a rejected proposal must not count as delivered")
	}
}

func TestShellEnsureDeliveredRejectsForgedSignature(t *testing.T) {
	s := newTestShell(t)

	forgerPriv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	g := core.NewGenesis()
	// Claims to be proposed by replica 0 (this shell's own replica), but is
	// signed by an unrelated key -- as if a Byzantine peer answered a
	// ReqBlock with a forged ancestor.
	blk, err := core.NewBlock(0, []*core.Block{g}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	blk.Sign(forgerPriv)

	delivered := false
	s.ensureDelivered(blk, func(*core.Block) { delivered = true })

	if delivered {
		t.Fatal("a block whose signature doesn't verify against its claimed proposer's key must never be delivered")
	}
	if s.sm.Storage().IsBlockDelivered(blk.Hash()) {
		t.Fatal("forged block must not be marked delivered in storage")
	}
}

func TestShellStatsIncrementOnPropose(t *testing.T) {
	s := newTestShell(t)
	var cmdHash core.Hash
	cmdHash[0] = 1
	if _, err := s.SubmitCommand(cmdHash); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ProposeNext(); err != nil {
		t.Fatal(err)
	}
	if s.Stats().Snapshot().Proposed != 1 {
		t.Fatalf("proposed count = %d, want 1", s.Stats().Snapshot().Proposed)
	}
}
