package network

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tolelom/chainbft/config"
)

// Handler processes one decoded message body from peer.
type Handler func(peer *Peer, body []byte)

// Node listens for incoming replica connections and manages outgoing ones,
// dispatching received frames by opcode to registered handlers. It has no
// knowledge of consensus semantics -- that lives in the handlers wired in by
// the caller (normally app.Shell).
type Node struct {
	self       config.ReplicaID
	listenAddr string
	tlsConfig  *tls.Config // nil -> plain TCP

	mu       sync.RWMutex
	peers    map[config.ReplicaID]*Peer
	handlers map[Opcode]Handler

	listener net.Listener
	stopCh   chan struct{}
}

// NewNode creates a Node identified as self, listening on listenAddr.
func NewNode(self config.ReplicaID, listenAddr string, tlsCfg *tls.Config) *Node {
	return &Node{
		self:       self,
		listenAddr: listenAddr,
		tlsConfig:  tlsCfg,
		peers:      make(map[config.ReplicaID]*Peer),
		handlers:   make(map[Opcode]Handler),
		stopCh:     make(chan struct{}),
	}
}

// Handle registers h to process every received message with opcode op.
func (n *Node) Handle(op Opcode, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[op] = h
}

// Start begins accepting connections.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("network: listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Stop closes the listener and every peer connection.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
}

// Connect dials a replica and registers it under rid.
func (n *Node) Connect(rid config.ReplicaID, addr string) error {
	peer, err := Dial(rid, addr, n.tlsConfig)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.peers[rid] = peer
	n.mu.Unlock()
	go n.readLoop(peer)
	return nil
}

// Peer returns the connected peer for rid, or nil if not connected.
func (n *Node) Peer(rid config.ReplicaID) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[rid]
}

// SendTo writes raw to the peer identified by rid, if connected.
func (n *Node) SendTo(rid config.ReplicaID, raw []byte) error {
	p := n.Peer(rid)
	if p == nil {
		return fmt.Errorf("network: no connection to replica %d", rid)
	}
	return p.Send(raw)
}

// Broadcast sends raw to every connected peer except self.
func (n *Node) Broadcast(raw []byte) {
	n.mu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for rid, p := range n.peers {
		if rid == n.self {
			continue
		}
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		if err := p.Send(raw); err != nil {
			log.Printf("[network] broadcast to %d: %v", p.ID, err)
		}
	}
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				log.Printf("[network] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		// Inbound connections carry no replica ID: the peer is given ID 0 and
		// its remote address, and is not registered in n.peers. Handlers
		// reply to it through the *Peer they are passed.
		peer := NewPeer(0, conn.RemoteAddr().String(), conn)
		go n.readLoop(peer)
	}
}

func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[network] readLoop panic from %s: %v", peer.Addr, r)
		}
		peer.Close()
		n.mu.Lock()
		if n.peers[peer.ID] == peer {
			delete(n.peers, peer.ID)
		}
		n.mu.Unlock()
	}()
	for {
		raw, err := peer.Receive()
		if err != nil {
			return
		}
		op, body, err := DecodeOpcode(raw)
		if err != nil {
			log.Printf("[network] bad frame from %s: %v", peer.Addr, err)
			continue
		}
		n.mu.RLock()
		h, ok := n.handlers[op]
		n.mu.RUnlock()
		if ok {
			h(peer, body)
		}
	}
}
