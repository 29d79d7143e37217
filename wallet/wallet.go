package wallet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/tolelom/chainbft/core"
	"github.com/tolelom/chainbft/crypto"
)

// Command is a client-submitted, signed request to be included in a block.
// The payload itself is opaque to the consensus layer (see core.EntityStorage);
// Wallet only establishes who submitted it and that it hasn't been tampered
// with in transit.
type Command struct {
	Submitter crypto.PublicKey
	Nonce     uint64
	Timestamp int64
	Payload   []byte
	Signature []byte
}

// Wallet holds a client's signing key and produces signed Commands from
// opaque payloads.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New wraps priv as a Wallet.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// PublicKey returns the wallet's public key.
func (w *Wallet) PublicKey() crypto.PublicKey { return w.pub }

// signingBody returns the canonical bytes a Command's signature covers:
// submitter(32) || nonce(8) || timestamp(8) || payload.
func signingBody(pub crypto.PublicKey, nonce uint64, timestamp int64, payload []byte) []byte {
	buf := make([]byte, 0, 32+8+8+len(payload))
	buf = append(buf, pub...)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	buf = append(buf, n[:]...)
	binary.LittleEndian.PutUint64(n[:], uint64(timestamp))
	buf = append(buf, n[:]...)
	buf = append(buf, payload...)
	return buf
}

// NewCommand signs payload with a fresh random nonce, returning the signed
// Command and its content hash (the value that identifies it to
// core.EntityStorage and ends up in a block's Cmds list).
func (w *Wallet) NewCommand(payload []byte) (*Command, core.Hash, error) {
	var nonceBytes [8]byte
	if _, err := io.ReadFull(rand.Reader, nonceBytes[:]); err != nil {
		return nil, core.Hash{}, fmt.Errorf("wallet: generate nonce: %w", err)
	}
	nonce := binary.LittleEndian.Uint64(nonceBytes[:])
	ts := time.Now().UnixNano()

	cmd := &Command{
		Submitter: w.pub,
		Nonce:     nonce,
		Timestamp: ts,
		Payload:   append([]byte(nil), payload...),
	}
	body := signingBody(w.pub, nonce, ts, payload)
	cmd.Signature = crypto.SignBytes(w.priv, body)
	hash := core.Hash(crypto.HashBytes32(body))
	return cmd, hash, nil
}

// Verify checks cmd's signature against its submitter.
func (cmd *Command) Verify() error {
	body := signingBody(cmd.Submitter, cmd.Nonce, cmd.Timestamp, cmd.Payload)
	if !crypto.VerifyBytes(cmd.Submitter, body, cmd.Signature) {
		return fmt.Errorf("wallet: invalid command signature")
	}
	return nil
}

// Hash returns the content hash cmd would be referenced by in a block.
func (cmd *Command) Hash() core.Hash {
	body := signingBody(cmd.Submitter, cmd.Nonce, cmd.Timestamp, cmd.Payload)
	return core.Hash(crypto.HashBytes32(body))
}
