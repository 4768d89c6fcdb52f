package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"veilchain/internal/logger"
)

func main() {
	cfg := parseFlags()

	logger.Init(cfg.LogLevel)

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(cfg *Config) error {
	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting veilchain node",
		"pubkey", hex.EncodeToString(pubKey),
		"listen", cfg.ListenAddress,
		"data", cfg.DataPath,
		"peers", len(cfg.Peers),
		"pruningHorizon", cfg.PruningHorizon,
	)
}
