// Command node starts a chainbft replica.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tolelom/chainbft/app"
	"github.com/tolelom/chainbft/config"
	"github.com/tolelom/chainbft/consensus"
	"github.com/tolelom/chainbft/crypto"
	"github.com/tolelom/chainbft/crypto/certgen"
	"github.com/tolelom/chainbft/events"
	"github.com/tolelom/chainbft/network"
	"github.com/tolelom/chainbft/rpc"
	"github.com/tolelom/chainbft/storage"
	"github.com/tolelom/chainbft/wallet"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment, not CLI flags (they leak via ps).
	password := os.Getenv("CHAINBFT_PASSWORD")
	if password == "" {
		log.Println("WARNING: CHAINBFT_PASSWORD not set, keystore will use an empty password")
	}

	if *genKey {
		priv, _, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, priv); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key: %s\n", priv.Public().Hex())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	if *genCerts != "" {
		cfg, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		nodeID := fmt.Sprintf("replica-%d", cfg.NodeID)
		if err := certgen.GenerateAll(*genCerts, nodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for %s\n", *genCerts, nodeID)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	privKey, err := wallet.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	finLog, err := storage.OpenFinalityLog(db)
	if err != nil {
		log.Fatalf("open finality log: %v", err)
	}

	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	replicaCfg, err := cfg.BuildReplicaConfig(p2pAddr)
	if err != nil {
		log.Fatalf("replica config: %v", err)
	}

	emitter := events.NewEmitter()

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	pacemaker := consensus.NewRoundRobinPacemaker(replicaCfg, 0)
	sm := consensus.New(replicaCfg, cfg.Params, cfg.NodeID, privKey, pacemaker)

	node := network.NewNode(cfg.NodeID, p2pAddr, tlsCfg)
	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	for _, sp := range cfg.SeedPeers {
		if err := node.Connect(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %d (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		log.Printf("Connected to seed peer %d (%s)", sp.ID, sp.Addr)
	}

	shell := app.NewShell(replicaCfg, cfg.Params, cfg.NodeID, sm, node, finLog, emitter)

	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(shell)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, "")
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)

	done := make(chan struct{})
	go proposeLoop(shell, cfg.Params.Delta(), done)
	log.Printf("Replica running (id=%d, validator=%s)", cfg.NodeID, privKey.Public().Hex())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	close(done)
	if err := finLog.Flush(); err != nil {
		log.Printf("flush finality log: %v", err)
	}
	log.Println("Shutdown complete.")
}

// proposeLoop polls the command pool at roughly Δ intervals and proposes a
// new block whenever there is something pending. Shell.ProposeNext does
// nothing unless this replica is the current proposer, so the loop runs
// uniformly on every replica regardless of who the current proposer is --
// idle ticks are nearly free.
func proposeLoop(shell *app.Shell, delta time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(delta)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := shell.ProposeNext(); err != nil {
				log.Printf("[node] propose: %v", err)
			}
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
