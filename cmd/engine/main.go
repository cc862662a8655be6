package main

import (
	"log"
	"os"

	"github.com/rawblock/heritage-engine/internal/account"
	"github.com/rawblock/heritage-engine/internal/api"
	"github.com/rawblock/heritage-engine/internal/bitcoin"
	"github.com/rawblock/heritage-engine/internal/db"
	"github.com/rawblock/heritage-engine/internal/keys"
	"github.com/rawblock/heritage-engine/internal/wallet"
)

func main() {
	log.Println("Starting RawBlock Heritage Engine (Taproot inheritance wallet daemon)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	keys.SetNetwork(keys.NetworkFromEnv())
	log.Printf("Bitcoin network: %s", keys.Network().Name)

	dbPath := getEnvOrDefault("HERITAGE_DB_PATH", "heritage.db")
	store, err := db.Open(dbPath)
	if err != nil {
		log.Fatalf("FATAL: cannot open wallet database at %s: %v", dbPath, err)
	}
	defer store.Close()

	// Refuse to run against a database written by a newer binary; upgrade
	// older ones in place.
	if err := store.MigrateSchema(); err != nil {
		log.Fatalf("FATAL: schema migration failed: %v", err)
	}

	var backend wallet.ChainBackend
	btcHost := getEnvOrDefault("BTC_RPC_HOST", "localhost:8332")
	btcUser := os.Getenv("BTC_RPC_USER")
	btcPass := os.Getenv("BTC_RPC_PASS")
	if btcUser == "" || btcPass == "" {
		log.Println("WARNING: BTC_RPC_USER/BTC_RPC_PASS not set — engine running without a chain backend (no sync/broadcast)")
	} else {
		btcClient, err := bitcoin.NewClient(bitcoin.Config{Host: btcHost, User: btcUser, Pass: btcPass})
		if err != nil {
			log.Printf("Warning: Failed to connect to Bitcoin RPC: %v", err)
		} else {
			defer btcClient.Shutdown()
			backend = btcClient
		}
	}

	// Setup WebSocket Hub
	wsHub := api.NewHub()
	go wsHub.Run()

	runtime := &account.Runtime{Store: store}

	// Setup the Gin Router
	r := api.SetupRouter(runtime, backend, wsHub)

	port := getEnvOrDefault("PORT", "5340")

	// Start the server
	log.Printf("Engine running on :%s (wallet database: %s)\n", port, dbPath)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
