package rpc

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/tolelom/chainbft/app"
	"github.com/tolelom/chainbft/consensus"
	"github.com/tolelom/chainbft/core"
)

// submitTimeout bounds how long submitCommand waits for a decision before
// returning "pending" to the caller instead of blocking the HTTP request
// indefinitely.
const submitTimeout = 30 * time.Second

// Handler dispatches JSON-RPC methods against a running app.Shell.
type Handler struct {
	shell *app.Shell
}

// NewHandler wraps shell as a JSON-RPC method dispatcher.
func NewHandler(shell *app.Shell) *Handler {
	return &Handler{shell: shell}
}

// Dispatch routes req to the matching method, recovering from a handler
// panic into an internal-error response rather than crashing the server.
func (h *Handler) Dispatch(req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = errResponse(req.ID, CodeInternalError, "internal error")
		}
	}()
	switch req.Method {
	case "getHeight":
		return h.getHeight(req)
	case "getBlock":
		return h.getBlock(req)
	case "getStats":
		return h.getStats(req)
	case "submitCommand":
		return h.submitCommand(req)
	default:
		return errResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (h *Handler) getHeight(req Request) Response {
	mark := h.shell.StateMachine().BMark()
	comm := h.shell.StateMachine().BComm()
	return okResponse(req.ID, map[string]uint32{
		"mark_height":     mark.Height,
		"committed_height": comm.Height,
	})
}

type blockParams struct {
	Hash string `json:"hash"`
}

type blockView struct {
	Hash      string   `json:"hash"`
	Proposer  uint32   `json:"proposer"`
	Height    uint32   `json:"height"`
	Parents   []string `json:"parents"`
	Cmds      []string `json:"cmds"`
	Decision  int32    `json:"decision"`
	Delivered bool     `json:"delivered"`
}

func (h *Handler) getBlock(req Request) Response {
	var p blockParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	raw, err := hex.DecodeString(p.Hash)
	if err != nil || len(raw) != 32 {
		return errResponse(req.ID, CodeInvalidParams, "hash must be 64-char hex")
	}
	var hash core.Hash
	copy(hash[:], raw)

	blk, ok := h.shell.StateMachine().Storage().FindBlock(hash)
	if !ok {
		return errResponse(req.ID, CodeInvalidParams, "block not found")
	}
	view := blockView{
		Hash:      blk.Hash().String(),
		Proposer:  blk.Proposer,
		Height:    blk.Height,
		Decision:  blk.Decision,
		Delivered: blk.Delivered,
	}
	for _, ph := range blk.ParentHashes {
		view.Parents = append(view.Parents, ph.String())
	}
	for _, c := range blk.Cmds {
		view.Cmds = append(view.Cmds, c.String())
	}
	return okResponse(req.ID, view)
}

func (h *Handler) getStats(req Request) Response {
	return okResponse(req.ID, h.shell.Stats().Snapshot())
}

type submitParams struct {
	CmdHash string `json:"cmd_hash"`
}

func (h *Handler) submitCommand(req Request) Response {
	var p submitParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	raw, err := hex.DecodeString(p.CmdHash)
	if err != nil || len(raw) != 32 {
		return errResponse(req.ID, CodeInvalidParams, "cmd_hash must be 64-char hex")
	}
	var hash core.Hash
	copy(hash[:], raw)

	ch, err := h.shell.SubmitCommand(hash)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	select {
	case fin := <-ch:
		return okResponse(req.ID, finalityView(fin))
	case <-time.After(submitTimeout):
		return okResponse(req.ID, map[string]string{"status": "pending"})
	}
}

func finalityView(fin consensus.Finality) map[string]any {
	return map[string]any{
		"decision":   fin.Decision,
		"cmd_index":  fin.CmdIndex,
		"height":     fin.Height,
		"cmd_hash":   fin.CmdHash.String(),
		"block_hash": fin.BlockHash.String(),
	}
}
