package core

import "testing"

func TestEntityStorageAddBlockDeduplicates(t *testing.T) {
	s := NewEntityStorage()
	g := NewGenesis()
	blk, err := NewBlock(1, []*Block{g}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	first := s.AddBlock(blk)
	second := s.AddBlock(blk)
	if first != second {
		t.Fatal("AddBlock should return the same stored pointer for the same hash")
	}
	if s.BlockCacheSize() != 1 {
		t.Fatalf("cache size = %d, want 1", s.BlockCacheSize())
	}
}

func TestEntityStorageDeliveryTracking(t *testing.T) {
	s := NewEntityStorage()
	g := NewGenesis()
	blk, err := NewBlock(1, []*Block{g}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.AddBlock(blk)
	if s.IsBlockDelivered(blk.Hash()) {
		t.Fatal("block should not be delivered before Delivered is set")
	}
	blk.Delivered = true
	if !s.IsBlockDelivered(blk.Hash()) {
		t.Fatal("block should be delivered once Delivered is set")
	}
}

func TestEntityStorageCmdDelivery(t *testing.T) {
	s := NewEntityStorage()
	var h Hash
	h[0] = 7
	if s.IsCmdFetched(h) || s.IsCmdDelivered(h) {
		t.Fatal("unknown command should report as neither fetched nor delivered")
	}
	s.AddCmd(h)
	if !s.IsCmdFetched(h) || s.IsCmdDelivered(h) {
		t.Fatal("AddCmd should mark fetched but not delivered")
	}
	s.MarkCmdDelivered(h)
	if !s.IsCmdDelivered(h) {
		t.Fatal("MarkCmdDelivered should mark delivered")
	}
}

func TestEntityStoragePrune(t *testing.T) {
	s := NewEntityStorage()
	g := NewGenesis()
	s.AddBlock(g)

	blk1, _ := NewBlock(1, []*Block{g}, nil, nil)
	blk1.Height = 1
	s.AddBlock(blk1)

	blk5, _ := NewBlock(1, []*Block{g}, nil, nil)
	blk5.Height = 5
	s.AddBlock(blk5)

	n := s.Prune(5)
	if n != 1 {
		t.Fatalf("pruned %d blocks, want 1", n)
	}
	if !s.IsBlockFetched(g.Hash()) {
		t.Fatal("genesis must never be pruned")
	}
	if !s.IsBlockFetched(blk5.Hash()) {
		t.Fatal("block at height 5 should survive a prune below height 5")
	}
	if s.IsBlockFetched(blk1.Hash()) {
		t.Fatal("block at height 1 should have been pruned")
	}
}
