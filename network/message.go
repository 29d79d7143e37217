// Package network implements peer-to-peer transport: length-prefixed framed
// connections between replicas, the wire encoding of consensus messages, and
// the block/command fetch protocol used to resolve missing ancestors.
package network

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tolelom/chainbft/core"
)

// Opcode identifies the kind of a wire message, per the protocol's fixed
// little-endian binary framing (JSON is deliberately not used here: these
// messages are on the hot path of every block and must hash/sign
// deterministically).
type Opcode byte

const (
	OpPropose   Opcode = 0x00
	OpReqBlock  Opcode = 0x02
	OpRespBlock Opcode = 0x03
	OpReqCmd    Opcode = 0x04
	OpRespCmd   Opcode = 0x05
	OpFinality  Opcode = 0x06
)

func (op Opcode) String() string {
	switch op {
	case OpPropose:
		return "Propose"
	case OpReqBlock:
		return "ReqBlock"
	case OpRespBlock:
		return "RespBlock"
	case OpReqCmd:
		return "ReqCmd"
	case OpRespCmd:
		return "RespCmd"
	case OpFinality:
		return "Finality"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", byte(op))
	}
}

// writeSignedBlock appends sig_len(4)+sig, body_len(4)+body for blk to buf, so
// a decoder can split consecutive entries without relying on it being the
// last thing in the message.
func writeSignedBlock(buf *bytes.Buffer, blk *core.Block) {
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(blk.Signature)))
	buf.Write(u32[:])
	buf.Write(blk.Signature)
	body := blk.Encode()
	binary.LittleEndian.PutUint32(u32[:], uint32(len(body)))
	buf.Write(u32[:])
	buf.Write(body)
}

// readSignedBlock parses an entry written by writeSignedBlock.
func readSignedBlock(r *bytes.Reader) (*core.Block, error) {
	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("sig_len: %w", err)
	}
	sigLen := binary.LittleEndian.Uint32(u32[:])
	sig := make([]byte, sigLen)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("body_len: %w", err)
	}
	bodyLen := binary.LittleEndian.Uint32(u32[:])
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	blk, err := core.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("block: %w", err)
	}
	blk.Signature = sig
	return blk, nil
}

// ProposeMsg carries a freshly proposed or forwarded block.
type ProposeMsg struct {
	Proposer uint32
	Block    *core.Block
}

// Encode writes the opcode byte followed by proposer(4), sig_len(4)+sig,
// then the block's canonical body encoding.
func (m *ProposeMsg) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpPropose))
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], m.Proposer)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(len(m.Block.Signature)))
	buf.Write(u32[:])
	buf.Write(m.Block.Signature)
	buf.Write(m.Block.Encode())
	return buf.Bytes()
}

// DecodeProposeMsg parses the body written by Encode (opcode already
// consumed by the caller).
func DecodeProposeMsg(body []byte) (*ProposeMsg, error) {
	r := bytes.NewReader(body)
	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("network: decode propose proposer: %w", err)
	}
	proposer := binary.LittleEndian.Uint32(u32[:])

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("network: decode propose sig_len: %w", err)
	}
	sigLen := binary.LittleEndian.Uint32(u32[:])
	sig := make([]byte, sigLen)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, fmt.Errorf("network: decode propose signature: %w", err)
	}

	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("network: decode propose block: %w", err)
	}
	blk, err := core.Decode(rest)
	if err != nil {
		return nil, fmt.Errorf("network: decode propose block: %w", err)
	}
	blk.Signature = sig
	blk.Proposer = proposer

	return &ProposeMsg{Proposer: proposer, Block: blk}, nil
}

// ReqBlockMsg asks a peer to send one or more blocks by hash:
// uint32 count, count*32B hashes.
type ReqBlockMsg struct {
	Hashes []core.Hash
}

func (m *ReqBlockMsg) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpReqBlock))
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(m.Hashes)))
	buf.Write(u32[:])
	for _, h := range m.Hashes {
		buf.Write(h[:])
	}
	return buf.Bytes()
}

func DecodeReqBlockMsg(body []byte) (*ReqBlockMsg, error) {
	r := bytes.NewReader(body)
	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("network: decode req_block count: %w", err)
	}
	count := binary.LittleEndian.Uint32(u32[:])
	hashes := make([]core.Hash, count)
	for i := range hashes {
		if _, err := io.ReadFull(r, hashes[i][:]); err != nil {
			return nil, fmt.Errorf("network: decode req_block hash[%d]: %w", i, err)
		}
	}
	return &ReqBlockMsg{Hashes: hashes}, nil
}

// RespBlockMsg answers a ReqBlockMsg with the subset of requested blocks the
// responder has: uint32 count, count*(sig_len+sig, body_len+body). Hashes
// the responder doesn't have are simply omitted.
type RespBlockMsg struct {
	Blocks []*core.Block
}

func (m *RespBlockMsg) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpRespBlock))
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(m.Blocks)))
	buf.Write(u32[:])
	for _, blk := range m.Blocks {
		writeSignedBlock(&buf, blk)
	}
	return buf.Bytes()
}

func DecodeRespBlockMsg(body []byte) (*RespBlockMsg, error) {
	r := bytes.NewReader(body)
	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("network: decode resp_block count: %w", err)
	}
	count := binary.LittleEndian.Uint32(u32[:])
	blocks := make([]*core.Block, count)
	for i := range blocks {
		blk, err := readSignedBlock(r)
		if err != nil {
			return nil, fmt.Errorf("network: decode resp_block entry[%d]: %w", i, err)
		}
		blocks[i] = blk
	}
	return &RespBlockMsg{Blocks: blocks}, nil
}

// ReqCmdMsg asks a peer for the payload behind a command hash. Command
// payloads themselves are out of scope for this module (see core.EntityStorage);
// this only establishes presence/delivery, so the response carries no body.
type ReqCmdMsg struct {
	Hash core.Hash
}

func (m *ReqCmdMsg) Encode() []byte {
	buf := make([]byte, 1+32)
	buf[0] = byte(OpReqCmd)
	copy(buf[1:], m.Hash[:])
	return buf
}

func DecodeReqCmdMsg(body []byte) (*ReqCmdMsg, error) {
	if len(body) != 32 {
		return nil, fmt.Errorf("network: req_cmd: want 32 bytes, got %d", len(body))
	}
	var h core.Hash
	copy(h[:], body)
	return &ReqCmdMsg{Hash: h}, nil
}

// RespCmdMsg answers a ReqCmdMsg with whether the command is known/delivered
// at the responder.
type RespCmdMsg struct {
	Hash      core.Hash
	Delivered bool
}

func (m *RespCmdMsg) Encode() []byte {
	buf := make([]byte, 1+32+1)
	buf[0] = byte(OpRespCmd)
	copy(buf[1:33], m.Hash[:])
	if m.Delivered {
		buf[33] = 1
	}
	return buf
}

func DecodeRespCmdMsg(body []byte) (*RespCmdMsg, error) {
	if len(body) != 33 {
		return nil, fmt.Errorf("network: resp_cmd: want 33 bytes, got %d", len(body))
	}
	var h core.Hash
	copy(h[:], body[:32])
	return &RespCmdMsg{Hash: h, Delivered: body[32] != 0}, nil
}

// EncodeFinality is the wire encoding of a locally-committed decision,
// broadcast as an informational echo (it never drives another replica's own
// consensus state, which each replica derives itself): opcode,
// rid(2) decision(1) cmd_idx(4) cmd_height(4) cmd_hash(32) [blk_hash(32) if decision==1].
func EncodeFinality(rid uint16, decision int8, cmdIdx, height uint32, cmdHash, blkHash core.Hash) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpFinality))
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], rid)
	buf.Write(u16[:])
	buf.WriteByte(byte(decision))
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], cmdIdx)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], height)
	buf.Write(u32[:])
	buf.Write(cmdHash[:])
	if decision == 1 {
		buf.Write(blkHash[:])
	}
	return buf.Bytes()
}

// DecodeFinality parses the encoding produced by EncodeFinality.
func DecodeFinality(data []byte) (rid uint16, decision int8, cmdIdx, height uint32, cmdHash, blkHash core.Hash, err error) {
	r := bytes.NewReader(data)
	var u16 [2]byte
	if _, e := io.ReadFull(r, u16[:]); e != nil {
		return 0, 0, 0, 0, core.Hash{}, core.Hash{}, fmt.Errorf("network: decode finality rid: %w", e)
	}
	rid = binary.LittleEndian.Uint16(u16[:])
	db, e := r.ReadByte()
	if e != nil {
		return 0, 0, 0, 0, core.Hash{}, core.Hash{}, fmt.Errorf("network: decode finality decision: %w", e)
	}
	decision = int8(db)
	var u32 [4]byte
	if _, e := io.ReadFull(r, u32[:]); e != nil {
		return 0, 0, 0, 0, core.Hash{}, core.Hash{}, fmt.Errorf("network: decode finality cmd_idx: %w", e)
	}
	cmdIdx = binary.LittleEndian.Uint32(u32[:])
	if _, e := io.ReadFull(r, u32[:]); e != nil {
		return 0, 0, 0, 0, core.Hash{}, core.Hash{}, fmt.Errorf("network: decode finality height: %w", e)
	}
	height = binary.LittleEndian.Uint32(u32[:])
	if _, e := io.ReadFull(r, cmdHash[:]); e != nil {
		return 0, 0, 0, 0, core.Hash{}, core.Hash{}, fmt.Errorf("network: decode finality cmd_hash: %w", e)
	}
	if decision == 1 {
		if _, e := io.ReadFull(r, blkHash[:]); e != nil {
			return 0, 0, 0, 0, core.Hash{}, core.Hash{}, fmt.Errorf("network: decode finality blk_hash: %w", e)
		}
	}
	return rid, decision, cmdIdx, height, cmdHash, blkHash, nil
}

// DecodeOpcode peeks the first byte of a raw message body.
func DecodeOpcode(raw []byte) (Opcode, []byte, error) {
	if len(raw) == 0 {
		return 0, nil, fmt.Errorf("network: empty message")
	}
	return Opcode(raw[0]), raw[1:], nil
}
