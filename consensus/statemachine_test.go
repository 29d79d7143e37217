package consensus

import (
	"sync"
	"testing"
	"time"

	"github.com/tolelom/chainbft/config"
	"github.com/tolelom/chainbft/core"
	"github.com/tolelom/chainbft/crypto"
)

func testParams() config.Params {
	return config.Params{
		DeltaMillis:          20,
		BlockSize:            10,
		EntityTimeoutSeconds: 1,
	}
}

func newTestReplicaConfig(t *testing.T, n int) (*config.ReplicaConfig, []crypto.PrivateKey) {
	t.Helper()
	cfg := config.NewReplicaConfig()
	privs := make([]crypto.PrivateKey, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		privs[i] = priv
		cfg.AddReplica(config.ReplicaInfo{ID: config.ReplicaID(i), PubKey: pub})
	}
	cfg.SetQuorum(0)
	return cfg, privs
}

func TestOnProposeSelfDelivers(t *testing.T) {
	cfg, privs := newTestReplicaConfig(t, 1)
	pm := NewRoundRobinPacemaker(cfg, 0)
	sm := New(cfg, testParams(), 0, privs[0], pm)

	parents := sm.DefaultParents()
	blk, err := sm.OnPropose([]core.Hash{{1}}, parents, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !blk.Delivered {
		t.Fatal("self-proposed block should be immediately delivered")
	}
	if blk.Height != 1 {
		t.Fatalf("height = %d, want 1", blk.Height)
	}
}

func TestUpdateDetectsEquivocation(t *testing.T) {
	cfg, privs := newTestReplicaConfig(t, 1)
	pm := NewRoundRobinPacemaker(cfg, 0)
	sm := New(cfg, testParams(), 0, privs[0], pm)

	g := sm.Genesis()
	b1, err := core.NewBlock(0, []*core.Block{g}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	b1.Sign(privs[0])
	sm.Storage().AddBlock(b1)
	if _, err := sm.OnDeliverBlk(b1); err != nil {
		t.Fatal(err)
	}
	if err := sm.update(b1); err != nil {
		t.Fatal(err)
	}

	b2, err := core.NewBlock(0, []*core.Block{g}, []core.Hash{{5}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b2.Sign(privs[0])
	sm.Storage().AddBlock(b2)
	if _, err := sm.OnDeliverBlk(b2); err != nil {
		t.Fatal(err)
	}
	if err := sm.update(b2); err == nil {
		t.Fatal("expected equivocation error for a second distinct block at the same height")
	}
}

func TestCommitCascade(t *testing.T) {
	cfg, privs := newTestReplicaConfig(t, 1)
	pm := NewRoundRobinPacemaker(cfg, 0)
	sm := New(cfg, testParams(), 0, privs[0], pm)

	var mu sync.Mutex
	var decided []Finality
	var consensusBlocks []*core.Block
	done := make(chan struct{}, 16)
	sm.SetHandlers(
		func(f Finality) {
			mu.Lock()
			decided = append(decided, f)
			mu.Unlock()
			done <- struct{}{}
		},
		func(blk *core.Block) {
			mu.Lock()
			consensusBlocks = append(consensusBlocks, blk)
			mu.Unlock()
		},
		func(Proposal) {},
	)

	var last *core.Block
	const chainLen = 3
	for i := 0; i < chainLen; i++ {
		parents := sm.DefaultParents()
		blk, err := sm.OnPropose([]core.Hash{{byte(i + 1)}}, parents, nil)
		if err != nil {
			t.Fatal(err)
		}
		last = blk
	}
	_ = last

	deadline := time.After(2 * time.Second)
	for received := 0; received < chainLen; {
		select {
		case <-done:
			received++
		case <-deadline:
			t.Fatalf("timed out waiting for decisions, got %d/%d", received, chainLen)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(consensusBlocks) != chainLen {
		t.Fatalf("committed %d blocks, want %d", len(consensusBlocks), chainLen)
	}
	for i, blk := range consensusBlocks {
		if blk.Height != uint32(i+1) {
			t.Fatalf("consensus block %d has height %d, want ascending order", i, blk.Height)
		}
	}
	if len(decided) != chainLen {
		t.Fatalf("decided %d commands, want %d", len(decided), chainLen)
	}
	for i := 1; i < len(decided); i++ {
		if decided[i].Height < decided[i-1].Height {
			t.Fatal("decisions must be emitted in non-decreasing height order")
		}
	}
	if sm.BComm().Height != chainLen {
		t.Fatalf("bComm height = %d, want %d", sm.BComm().Height, chainLen)
	}
}

func TestDefaultParentsFallsBackToGenesis(t *testing.T) {
	cfg, privs := newTestReplicaConfig(t, 1)
	pm := NewRoundRobinPacemaker(cfg, 0)
	sm := New(cfg, testParams(), 0, privs[0], pm)

	parents := sm.DefaultParents()
	if len(parents) != 1 || parents[0].Hash() != sm.Genesis().Hash() {
		t.Fatal("with no proposals yet, DefaultParents should return just genesis")
	}
}

func TestVerifyProposerRejectsWrongSigner(t *testing.T) {
	cfg, privs := newTestReplicaConfig(t, 2)
	g := core.NewGenesis()
	blk, err := core.NewBlock(1, []*core.Block{g}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	blk.Sign(privs[0]) // signed by replica 0, but proposer field claims 1
	blk.Proposer = 1
	if err := VerifyProposer(cfg, blk, 1); err == nil {
		t.Fatal("expected signature verification failure")
	}
}
