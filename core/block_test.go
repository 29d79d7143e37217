package core

import (
	"bytes"
	"testing"

	"github.com/tolelom/chainbft/crypto"
)

func TestGenesisIsCommittedAndDelivered(t *testing.T) {
	g := NewGenesis()
	if !g.Delivered {
		t.Fatal("genesis must start delivered")
	}
	if g.Decision != DecisionCommitted {
		t.Fatal("genesis must start committed")
	}
	if g.Height != 0 {
		t.Fatalf("genesis height = %d, want 0", g.Height)
	}
}

func TestNewBlockRejectsEmptyParents(t *testing.T) {
	if _, err := NewBlock(0, nil, nil, nil); err == nil {
		t.Fatal("expected error for empty parents")
	}
}

func TestNewBlockHeightFollowsDirectParent(t *testing.T) {
	g := NewGenesis()
	blk, err := NewBlock(1, []*Block{g}, []Hash{{1}, {2}}, []byte("extra"))
	if err != nil {
		t.Fatal(err)
	}
	if blk.Height != 1 {
		t.Fatalf("height = %d, want 1", blk.Height)
	}
	if len(blk.ParentHashes) != 1 || blk.ParentHashes[0] != g.Hash() {
		t.Fatal("parent hash not recorded correctly")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	g := NewGenesis()
	blk, err := NewBlock(3, []*Block{g}, []Hash{{9, 9}}, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	wantHash := blk.Hash()

	encoded := blk.Encode()
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Hash() != wantHash {
		t.Fatalf("decoded hash = %s, want %s", decoded.Hash(), wantHash)
	}
	if decoded.Proposer != blk.Proposer || decoded.Height != blk.Height {
		t.Fatal("decoded proposer/height mismatch")
	}
	if !bytes.Equal(decoded.Extra, blk.Extra) {
		t.Fatal("decoded extra mismatch")
	}
}

func TestHashExcludesSignature(t *testing.T) {
	g := NewGenesis()
	blk, err := NewBlock(1, []*Block{g}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	before := blk.Hash()
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	blk.Sign(priv)
	if blk.Hash() != before {
		t.Fatal("signing must not change the block hash")
	}
}

func TestSignAndVerify(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	g := NewGenesis()
	blk, err := NewBlock(1, []*Block{g}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	blk.Sign(priv)
	if err := blk.Verify(pub); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	_, otherPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := blk.Verify(otherPub); err == nil {
		t.Fatal("verify should fail against the wrong public key")
	}
}

func TestHashFromHexRoundTrip(t *testing.T) {
	g := NewGenesis()
	h := g.Hash()
	parsed, err := HashFromHex(h.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != h {
		t.Fatal("hash did not round-trip through hex")
	}
}

func TestHashFromHexRejectsWrongLength(t *testing.T) {
	if _, err := HashFromHex("deadbeef"); err == nil {
		t.Fatal("expected error for short hex string")
	}
}
