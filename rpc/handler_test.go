package rpc

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/tolelom/chainbft/app"
	"github.com/tolelom/chainbft/config"
	"github.com/tolelom/chainbft/consensus"
	"github.com/tolelom/chainbft/crypto"
	"github.com/tolelom/chainbft/events"
	"github.com/tolelom/chainbft/internal/testutil"
	"github.com/tolelom/chainbft/network"
	"github.com/tolelom/chainbft/storage"
)

func newTestHandler(t *testing.T) *Handler {
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
	shell := app.NewShell(cfg, params, 0, sm, node, finLog, events.NewEmitter())
	return NewHandler(shell)
}

func TestDispatchUnknownMethod(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Dispatch(Request{ID: 1, Method: "doesNotExist"})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", resp.Error)
	}
}

func TestDispatchGetHeight(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Dispatch(Request{ID: 1, Method: "getHeight"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	heights, ok := resp.Result.(map[string]uint32)
	if !ok {
		t.Fatalf("result type = %T, want map[string]uint32", resp.Result)
	}
	if heights["mark_height"] != 0 || heights["committed_height"] != 0 {
		t.Fatalf("expected genesis heights, got %+v", heights)
	}
}

func TestDispatchGetBlockNotFound(t *testing.T) {
	h := newTestHandler(t)
	params, _ := json.Marshal(blockParams{Hash: hex.EncodeToString(make([]byte, 32))})
	resp := h.Dispatch(Request{ID: 1, Method: "getBlock", Params: params})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams for an unknown hash, got %+v", resp.Error)
	}
}

func TestDispatchGetBlockBadHash(t *testing.T) {
	h := newTestHandler(t)
	params, _ := json.Marshal(blockParams{Hash: "not-hex"})
	resp := h.Dispatch(Request{ID: 1, Method: "getBlock", Params: params})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams for malformed hash, got %+v", resp.Error)
	}
}

func TestDispatchGetStats(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Dispatch(Request{ID: 1, Method: "getStats"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if _, ok := resp.Result.(app.Snapshot); !ok {
		t.Fatalf("result type = %T, want app.Snapshot", resp.Result)
	}
}

func TestDispatchSubmitCommandInvalidHash(t *testing.T) {
	h := newTestHandler(t)
	params, _ := json.Marshal(submitParams{CmdHash: "zz"})
	resp := h.Dispatch(Request{ID: 1, Method: "submitCommand", Params: params})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams, got %+v", resp.Error)
	}
}
