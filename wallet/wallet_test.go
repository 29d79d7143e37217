package wallet

import (
	"path/filepath"
	"testing"

	"github.com/tolelom/chainbft/crypto"
)

func TestNewCommandSignAndVerify(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	w := New(priv)

	cmd, hash, err := w.NewCommand([]byte("transfer 10 coins"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if cmd.Hash() != hash {
		t.Fatal("NewCommand's returned hash must match Command.Hash()")
	}
}

func TestCommandVerifyRejectsTamperedPayload(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	w := New(priv)
	cmd, _, err := w.NewCommand([]byte("original"))
	if err != nil {
		t.Fatal(err)
	}
	cmd.Payload = []byte("tampered")
	if err := cmd.Verify(); err == nil {
		t.Fatal("expected verify to fail after tampering with the payload")
	}
}

func TestCommandVerifyRejectsWrongSubmitter(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	w := New(priv)
	cmd, _, err := w.NewCommand([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	_, otherPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cmd.Submitter = otherPub
	if err := cmd.Verify(); err == nil {
		t.Fatal("expected verify to fail against a substituted submitter key")
	}
}

func TestTwoCommandsFromSamePayloadHaveDistinctHashes(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	w := New(priv)
	_, h1, err := w.NewCommand([]byte("same payload"))
	if err != nil {
		t.Fatal(err)
	}
	_, h2, err := w.NewCommand([]byte("same payload"))
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("distinct commands over identical payloads must hash differently (random nonce)")
	}
}

func TestSaveLoadKeyRoundTrip(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "validator.key")
	if err := SaveKey(path, "hunter2", priv); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadKey(path, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Public().Hex() != priv.Public().Hex() {
		t.Fatal("loaded key does not match saved key")
	}
}

func TestLoadKeyWrongPasswordFails(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "validator.key")
	if err := SaveKey(path, "correct", priv); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKey(path, "wrong"); err == nil {
		t.Fatal("expected error loading with the wrong password")
	}
}
