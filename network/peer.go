package network

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tolelom/chainbft/config"
)

// maxMessageSize bounds a single framed message to guard against a
// misbehaving or malicious peer claiming an absurd length.
const maxMessageSize = 32 * 1024 * 1024

// readDeadline bounds how long Receive waits for a full frame before giving
// up, so a stalled peer cannot block the read loop indefinitely.
const readDeadline = 30 * time.Second

// Peer is a connected remote replica: a framed byte-stream transport for the
// wire messages in message.go.
type Peer struct {
	ID   config.ReplicaID
	Addr string

	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

// NewPeer wraps an established connection as a Peer.
func NewPeer(id config.ReplicaID, addr string, conn net.Conn) *Peer {
	return &Peer{ID: id, Addr: addr, conn: conn}
}

// Dial connects to addr and returns a Peer identified as id. If tlsCfg is
// non-nil the connection is established over mutual TLS.
func Dial(id config.ReplicaID, addr string, tlsCfg *tls.Config) (*Peer, error) {
	var conn net.Conn
	var err error
	if tlsCfg != nil {
		conn, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("network: dial %s: %w", addr, err)
	}
	return NewPeer(id, addr, conn), nil
}

// Send writes a length-prefixed message frame: 4-byte big-endian length,
// then the raw message bytes (opcode byte included).
func (p *Peer) Send(raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("network: peer %d closed", p.ID)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(raw)))
	if _, err := p.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := p.conn.Write(raw)
	return err
}

// Receive reads the next length-prefixed frame.
func (p *Peer) Receive() ([]byte, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(readDeadline))
	var header [4]byte
	if _, err := io.ReadFull(p.conn, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxMessageSize {
		return nil, fmt.Errorf("network: frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close terminates the underlying connection. Safe to call more than once.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}
