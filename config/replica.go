// Package config holds replica identity/quorum configuration, consensus
// runtime parameters, and TLS setup — everything needed to stand up a
// replica besides the consensus algorithm itself.
package config

import (
	"fmt"
	"sync"

	"github.com/tolelom/chainbft/crypto"
)

// ReplicaID identifies a replica within a ReplicaConfig.
type ReplicaID = uint32

// ReplicaInfo is one replica's entry in a ReplicaConfig.
type ReplicaInfo struct {
	ID       ReplicaID
	PubKey   crypto.PublicKey
	PeerAddr string // host:port of the replica's P2P listener
}

// ReplicaConfig is the identity→public-key/peer-address map shared by all
// replicas, plus the quorum parameters. Single-signer certificates do not
// require a quorum to accept a block, but NMajority is retained for any
// future quorum-certificate extension (explicitly out of scope here; see
// DESIGN.md).
type ReplicaConfig struct {
	mu        sync.RWMutex
	replicas  map[ReplicaID]ReplicaInfo
	order     []ReplicaID // insertion order, used for round-robin proposer rotation
	NFaulty   int
	NMajority int
}

// NewReplicaConfig returns an empty configuration.
func NewReplicaConfig() *ReplicaConfig {
	return &ReplicaConfig{replicas: make(map[ReplicaID]ReplicaInfo)}
}

// AddReplica registers a replica. Must only be called before the protocol
// starts running.
func (c *ReplicaConfig) AddReplica(info ReplicaInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.replicas[info.ID]; !exists {
		c.order = append(c.order, info.ID)
	}
	c.replicas[info.ID] = info
}

// SetQuorum derives NMajority from the replica count and an assumed
// number of faulty replicas (nfaulty).
func (c *ReplicaConfig) SetQuorum(nfaulty int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NFaulty = nfaulty
	c.NMajority = len(c.replicas) - nfaulty
}

// Info returns the ReplicaInfo for rid.
func (c *ReplicaConfig) Info(rid ReplicaID) (ReplicaInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.replicas[rid]
	if !ok {
		return ReplicaInfo{}, fmt.Errorf("config: replica %d not found", rid)
	}
	return info, nil
}

// PubKey returns the public key registered for rid.
func (c *ReplicaConfig) PubKey(rid ReplicaID) (crypto.PublicKey, error) {
	info, err := c.Info(rid)
	if err != nil {
		return nil, err
	}
	return info.PubKey, nil
}

// N returns the number of registered replicas.
func (c *ReplicaConfig) N() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.replicas)
}

// ReplicaAt returns the replica ID at position i in insertion order (used
// for round-robin rotation over a stable ordering). i is taken modulo N().
func (c *ReplicaConfig) ReplicaAt(i int) ReplicaID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.order) == 0 {
		return 0
	}
	return c.order[((i%len(c.order))+len(c.order))%len(c.order)]
}

// IndexOf returns rid's position in insertion order, or -1 if rid is not
// registered. Round-robin rotation must advance by this index, not by rid's
// own value -- the two only coincide when IDs happen to be assigned 0..N-1
// in registration order.
func (c *ReplicaConfig) IndexOf(rid ReplicaID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, id := range c.order {
		if id == rid {
			return i
		}
	}
	return -1
}
