package network

import (
	"sync"
	"testing"
	"time"

	"github.com/tolelom/chainbft/core"
)

func startNode(t *testing.T, self uint32) *Node {
	t.Helper()
	n := NewNode(self, "127.0.0.1:0", nil)
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Stop)
	return n
}

func TestNodeConnectAndDispatch(t *testing.T) {
	server := startNode(t, 1)
	client := startNode(t, 0)

	var mu sync.Mutex
	received := make(chan []byte, 1)
	server.Handle(OpReqBlock, func(peer *Peer, body []byte) {
		mu.Lock()
		defer mu.Unlock()
		received <- append([]byte(nil), body...)
	})

	addr := server.listener.Addr().String()
	if err := client.Connect(1, addr); err != nil {
		t.Fatal(err)
	}

	var h core.Hash
	h[0] = 0x42
	msg := &ReqBlockMsg{Hashes: []core.Hash{h}}
	if err := client.SendTo(1, msg.Encode()); err != nil {
		t.Fatal(err)
	}

	select {
	case body := <-received:
		decoded, err := DecodeReqBlockMsg(body)
		if err != nil {
			t.Fatal(err)
		}
		if len(decoded.Hashes) != 1 || decoded.Hashes[0][0] != 0x42 {
			t.Fatal("received body does not match sent message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message dispatch")
	}
}

func TestNodeBroadcastSkipsSelf(t *testing.T) {
	a := startNode(t, 0)
	b := startNode(t, 1)

	received := make(chan []byte, 1)
	b.Handle(OpReqCmd, func(peer *Peer, body []byte) {
		received <- append([]byte(nil), body...)
	})

	addr := b.listener.Addr().String()
	if err := a.Connect(1, addr); err != nil {
		t.Fatal(err)
	}
	// register a loopback "peer" under a's own ID; Broadcast must skip it
	a.mu.Lock()
	a.peers[0] = nil
	a.mu.Unlock()
	// drop the placeholder again before a.Stop runs (cleanups run LIFO), since
	// Stop closes every registered peer
	t.Cleanup(func() {
		a.mu.Lock()
		delete(a.peers, 0)
		a.mu.Unlock()
	})

	msg := &ReqCmdMsg{}
	msg.Hash[0] = 7
	a.Broadcast(msg.Encode())

	select {
	case body := <-received:
		decoded, err := DecodeReqCmdMsg(body)
		if err != nil {
			t.Fatal(err)
		}
		if decoded.Hash[0] != 7 {
			t.Fatal("broadcast payload mismatch")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestNodeSendToUnknownPeerFails(t *testing.T) {
	n := startNode(t, 0)
	if err := n.SendTo(99, []byte{byte(OpReqBlock)}); err == nil {
		t.Fatal("expected error sending to an unconnected replica")
	}
}
