package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// SeedPeer identifies a remote replica to connect to on startup.
type SeedPeer struct {
	ID   ReplicaID `json:"id"`
	Addr string    `json:"addr"`
}

// Params holds the protocol's runtime parameters (spec.md §6).
type Params struct {
	DeltaMillis          int64 `json:"delta_millis"`           // Δ, message-delay bound
	BlockSize            int   `json:"block_size"`              // max commands per proposal
	EntityTimeoutSeconds int   `json:"entity_timeout_seconds"`  // block/cmd fetch timeout, default 10s
	ImpeachTimeoutMillis int64 `json:"impeach_timeout_millis"`  // app-layer no-progress timeout, default 2Δ
}

// Delta returns the configured Δ as a time.Duration.
func (p Params) Delta() time.Duration {
	return time.Duration(p.DeltaMillis) * time.Millisecond
}

// CommitTimeout returns 2Δ, the commit-timer duration.
func (p Params) CommitTimeout() time.Duration {
	return 2 * p.Delta()
}

// EntityTimeout returns the configured block/command fetch timeout, 10s when
// unset. network.FetchManager does not read it: its retry timeout is always
// the fixed 10s entWaitingTimeout.
func (p Params) EntityTimeout() time.Duration {
	if p.EntityTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.EntityTimeoutSeconds) * time.Second
}

// ImpeachTimeout returns the app-layer no-progress timeout, defaulting to 2Δ.
func (p Params) ImpeachTimeout() time.Duration {
	if p.ImpeachTimeoutMillis <= 0 {
		return p.CommitTimeout()
	}
	return time.Duration(p.ImpeachTimeoutMillis) * time.Millisecond
}

// DefaultParams returns parameters suitable for local development.
func DefaultParams() Params {
	return Params{
		DeltaMillis:          100,
		BlockSize:            100,
		EntityTimeoutSeconds: 10,
	}
}

// Config is a replica's full on-disk configuration.
type Config struct {
	NodeID      ReplicaID  `json:"node_id"`
	DataDir     string     `json:"data_dir"`
	RPCPort     int        `json:"rpc_port"`
	P2PPort     int        `json:"p2p_port"`
	Params      Params     `json:"params"`
	Validators  []string   `json:"validators"` // hex ed25519 pubkeys, index == ReplicaID
	SeedPeers   []SeedPeer `json:"seed_peers,omitempty"`
	TLS         *TLSConfig `json:"tls,omitempty"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:  0,
		DataDir: "./data",
		RPCPort: 8645,
		P2PPort: 31313,
		Params:  DefaultParams(),
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if len(c.Validators) == 0 {
		return fmt.Errorf("validators list must not be empty")
	}
	if int(c.NodeID) >= len(c.Validators) {
		return fmt.Errorf("node_id %d out of range for %d validators", c.NodeID, len(c.Validators))
	}
	for i, v := range c.Validators {
		b, err := hex.DecodeString(v)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("validators[%d]: must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, v)
		}
	}
	if c.Params.DeltaMillis <= 0 {
		return fmt.Errorf("params.delta_millis must be positive")
	}
	if c.Params.BlockSize <= 0 {
		return fmt.Errorf("params.block_size must be positive")
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// BuildReplicaConfig derives a ReplicaConfig from c's Validators list and
// SeedPeers, using list index as ReplicaID. The local node's own peer
// address is taken from ownListenAddr.
func (c *Config) BuildReplicaConfig(ownListenAddr string) (*ReplicaConfig, error) {
	rc := NewReplicaConfig()
	addrByID := map[ReplicaID]string{c.NodeID: ownListenAddr}
	for _, sp := range c.SeedPeers {
		addrByID[sp.ID] = sp.Addr
	}
	for i, hexKey := range c.Validators {
		b, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("validators[%d]: %w", i, err)
		}
		rid := ReplicaID(i)
		rc.AddReplica(ReplicaInfo{
			ID:       rid,
			PubKey:   b,
			PeerAddr: addrByID[rid],
		})
	}
	rc.SetQuorum(0)
	return rc, nil
}
