// Package core implements the content-addressed block type and the
// in-memory entity cache the consensus state machine is built on.
package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tolelom/chainbft/crypto"
)

// Decision values for Block.Decision.
const (
	DecisionUndecided int32 = 0
	DecisionCommitted int32 = 1
)

// Block is a content-addressed, immutable (once sealed) proposal unit.
// Proposer, Height, ParentHashes, Cmds, Extra and Signature are the wire
// fields; Hash is deterministically derived from all but Signature.
// Parents/Delivered/Decision are runtime-only and never serialized as
// part of the hash.
type Block struct {
	Proposer     uint32
	Height       uint32
	ParentHashes []Hash
	Cmds         []Hash
	Extra        []byte
	Signature    []byte

	// Runtime attributes, resolved on delivery. Not part of Hash.
	Parents   []*Block
	Delivered bool
	Decision  int32

	hash      Hash
	hashValid bool
}

// NewGenesis returns the singleton height-0 block: delivered, committed,
// with a fixed hash and no parents. It is the termination point for every
// ancestor chain.
func NewGenesis() *Block {
	b := &Block{
		Proposer:  0,
		Height:    0,
		Delivered: true,
		Decision:  DecisionCommitted,
	}
	b.hash = b.computeHash()
	b.hashValid = true
	return b
}

// NewBlock builds an unsigned block over the given parents. parents[0] is
// the direct parent (its height + 1 becomes this block's height); any
// further entries are additional ancestor references carried so receivers
// fetch the full history.
func NewBlock(proposer uint32, parents []*Block, cmds []Hash, extra []byte) (*Block, error) {
	if len(parents) == 0 {
		return nil, errors.New("core: empty parents")
	}
	parentHashes := make([]Hash, len(parents))
	for i, p := range parents {
		parentHashes[i] = p.Hash()
	}
	b := &Block{
		Proposer:     proposer,
		Height:       parents[0].Height + 1,
		ParentHashes: parentHashes,
		Cmds:         append([]Hash(nil), cmds...),
		Extra:        append([]byte(nil), extra...),
		Parents:      append([]*Block(nil), parents...),
	}
	return b, nil
}

// Hash returns the block's content digest, computing and caching it on
// first use. Signature is never part of the hash.
func (b *Block) Hash() Hash {
	if !b.hashValid {
		b.hash = b.computeHash()
		b.hashValid = true
	}
	return b.hash
}

// wireEncode writes the canonical little-endian encoding of the block
// body (everything the hash covers) per the wire format in §6:
//
//	proposer uint32, height uint32,
//	parent_count uint32, parent_count*32B hashes,
//	cmd_count uint32, cmd_count*32B hashes,
//	extra_len uint32, extra_len bytes
func (b *Block) wireEncode(buf *bytes.Buffer) {
	var u32 [4]byte

	binary.LittleEndian.PutUint32(u32[:], b.Proposer)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], b.Height)
	buf.Write(u32[:])

	binary.LittleEndian.PutUint32(u32[:], uint32(len(b.ParentHashes)))
	buf.Write(u32[:])
	for _, h := range b.ParentHashes {
		buf.Write(h[:])
	}

	binary.LittleEndian.PutUint32(u32[:], uint32(len(b.Cmds)))
	buf.Write(u32[:])
	for _, h := range b.Cmds {
		buf.Write(h[:])
	}

	binary.LittleEndian.PutUint32(u32[:], uint32(len(b.Extra)))
	buf.Write(u32[:])
	buf.Write(b.Extra)
}

func (b *Block) computeHash() Hash {
	var buf bytes.Buffer
	b.wireEncode(&buf)
	return Hash(crypto.HashBytes32(buf.Bytes()))
}

// Encode serializes the block body in canonical wire form (without the
// proposer signature, which travels alongside it in a Propose message).
func (b *Block) Encode() []byte {
	var buf bytes.Buffer
	b.wireEncode(&buf)
	return buf.Bytes()
}

// Decode parses a block body previously produced by Encode. Runtime
// attributes (Parents/Delivered/Decision) are left zero-valued; the
// caller resolves them via delivery.
func Decode(data []byte) (*Block, error) {
	r := bytes.NewReader(data)
	b := &Block{}

	readU32 := func() (uint32, error) {
		var u32 [4]byte
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(u32[:]), nil
	}
	readHash := func() (Hash, error) {
		var h Hash
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return h, err
		}
		return h, nil
	}

	proposer, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("core: decode proposer: %w", err)
	}
	b.Proposer = proposer

	height, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("core: decode height: %w", err)
	}
	b.Height = height

	parentCount, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("core: decode parent_count: %w", err)
	}
	b.ParentHashes = make([]Hash, parentCount)
	for i := range b.ParentHashes {
		h, err := readHash()
		if err != nil {
			return nil, fmt.Errorf("core: decode parent_hashes[%d]: %w", i, err)
		}
		b.ParentHashes[i] = h
	}

	cmdCount, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("core: decode cmd_count: %w", err)
	}
	b.Cmds = make([]Hash, cmdCount)
	for i := range b.Cmds {
		h, err := readHash()
		if err != nil {
			return nil, fmt.Errorf("core: decode cmds[%d]: %w", i, err)
		}
		b.Cmds[i] = h
	}

	extraLen, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("core: decode extra_len: %w", err)
	}
	extra := make([]byte, extraLen)
	if _, err := io.ReadFull(r, extra); err != nil {
		return nil, fmt.Errorf("core: decode extra: %w", err)
	}
	b.Extra = extra

	return b, nil
}

// Sign computes the block's signature over its hash using priv, and
// returns the signature bytes. The block's own Signature field is also
// set so Encode/broadcast callers can attach it.
func (b *Block) Sign(priv crypto.PrivateKey) []byte {
	h := b.Hash()
	sig := crypto.SignBytes(priv, h[:])
	b.Signature = sig
	return sig
}

// Verify checks b.Signature against pub over b.Hash(). Genesis is never
// verified (callers must special-case it, or call VerifyProposer which
// does so).
func (b *Block) Verify(pub crypto.PublicKey) error {
	h := b.Hash()
	if !crypto.VerifyBytes(pub, h[:], b.Signature) {
		return errors.New("core: signature verification failed")
	}
	return nil
}
