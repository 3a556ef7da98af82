// Package config loads and validates the wallet host's environment:
// godotenv plus a required-key table, failing fast on anything missing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of environment-derived settings the wallet
// host daemon needs to boot.
type Config struct {
	Port string

	DBDriver string // "postgres" or "sqlite"
	DBDSN    string

	RPID         string
	RPName       string
	RPOrigin     string
	RPIDOverride string

	NearNetworkID  string
	NearRPCURLs    []string
	NearRPCTimeout time.Duration

	VaultAddr  string
	VaultToken string

	LogLevel string

	ConnectBudget  time.Duration
	RequestTimeout time.Duration
}

// Load reads .env (if present) then os.Getenv, and fails fast on
// missing required keys.
func Load() (*Config, error) {
	_ = godotenv.Load() // absence of a .env file is not fatal; system env may supply everything

	if err := validateEnv(); err != nil {
		return nil, err
	}

	port := getenvDefault("PORT", "8080")

	dbDriver := getenvDefault("DB_DRIVER", "sqlite")
	dbDSN := os.Getenv("DB_DSN")
	if dbDSN == "" && dbDriver == "sqlite" {
		dbDSN = "wallet-host.db"
	}

	rpcURLs := strings.Split(os.Getenv("NEAR_RPC_URLS"), ",")
	for i := range rpcURLs {
		rpcURLs[i] = strings.TrimSpace(rpcURLs[i])
	}

	connectBudget := envDurationMS("CONNECT_BUDGET_MS", 8*time.Second)
	requestTimeout := envDurationMS("REQUEST_TIMEOUT_MS", 20*time.Second)
	rpcTimeout := envDurationMS("NEAR_RPC_TIMEOUT_MS", 10*time.Second)

	return &Config{
		Port:           port,
		DBDriver:       dbDriver,
		DBDSN:          dbDSN,
		RPID:           os.Getenv("RP_ID"),
		RPName:         os.Getenv("RP_NAME"),
		RPOrigin:       os.Getenv("RP_ORIGIN"),
		RPIDOverride:   os.Getenv("RP_ID_OVERRIDE"),
		NearNetworkID:  getenvDefault("NEAR_NETWORK_ID", "testnet"),
		NearRPCURLs:    rpcURLs,
		NearRPCTimeout: rpcTimeout,
		VaultAddr:      os.Getenv("VAULT_ADDR"),
		VaultToken:     os.Getenv("VAULT_TOKEN"),
		LogLevel:       getenvDefault("LOG_LEVEL", "info"),
		ConnectBudget:  connectBudget,
		RequestTimeout: requestTimeout,
	}, nil
}

func validateEnv() error {
	required := map[string]string{
		"RP_ID":           "WebAuthn relying party id",
		"RP_NAME":         "WebAuthn relying party display name",
		"RP_ORIGIN":       "WebAuthn relying party origin",
		"NEAR_RPC_URLS":   "comma-separated NEAR JSON-RPC endpoints, in fallback order",
		"NEAR_NETWORK_ID": "NEAR network id (testnet/mainnet)",
	}

	var missing []string
	for key, desc := range required {
		if os.Getenv(key) == "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", key, desc))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurationMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
