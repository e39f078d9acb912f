// Package config loads the facilitator configuration from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"
)

// NetworkConfig describes one provisioned network. Networks are seeded into
// the store at startup and immutable at runtime except for RPC rotation.
type NetworkConfig struct {
	ID               string `json:"id"` // CAIP-2, eip155:<chainId>
	ChainID          int64  `json:"chainId"`
	RPCURL           string `json:"rpcUrl"`
	EscrowAddress    string `json:"escrowAddress"`
	TokenAddress     string `json:"tokenAddress"`
	TokenCollector   string `json:"tokenCollector"`
	MulticallAddress string `json:"multicallAddress,omitempty"`
	TokenName        string `json:"tokenName"`
	TokenVersion     string `json:"tokenVersion"`
	Confirmations    uint64 `json:"confirmations,omitempty"`
	IsActive         bool   `json:"isActive"`
}

// Config is the process configuration, read once at startup.
type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string
	CronSecret  string

	// Operator wallet. PrivateKey selects the local-key variant; custodial
	// deployments set CustodialWalletID/CustodialAPIURL instead.
	OperatorPrivateKey string
	CustodialWalletID  string
	CustodialAPIURL    string
	CustodialAPIKey    string

	Networks []NetworkConfig

	// Capture tiers.
	CaptureThreshold *big.Int      // tier 1, atomic units
	CaptureBatchSize int           // sessions per run per tier
	Tier3Threshold   time.Duration // inline capture window before expiry
	Tier2Window      time.Duration // pre-expiry batch window

	// Deadlines.
	VerifyTimeout       time.Duration
	SettleTimeout       time.Duration
	ReclaimTimeout      time.Duration
	BatchReclaimTimeout time.Duration

	// Session deposit bounds, atomic units.
	MinDeposit *big.Int
	MaxDeposit *big.Int
}

// Load reads configuration from the environment. Required variables missing
// is a startup failure.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               envOrDefault("PORT", "8402"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		CronSecret:         os.Getenv("CRON_SECRET"),
		OperatorPrivateKey: os.Getenv("FACILITATOR_PRIVATE_KEY"),
		CustodialWalletID:  os.Getenv("CUSTODIAL_WALLET_ID"),
		CustodialAPIURL:    os.Getenv("CUSTODIAL_API_URL"),
		CustodialAPIKey:    os.Getenv("CUSTODIAL_API_KEY"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.CronSecret == "" {
		return nil, fmt.Errorf("CRON_SECRET is required")
	}
	if cfg.OperatorPrivateKey == "" && cfg.CustodialWalletID == "" {
		return nil, fmt.Errorf("FACILITATOR_PRIVATE_KEY or CUSTODIAL_WALLET_ID is required")
	}

	networksJSON := os.Getenv("NETWORKS_JSON")
	if networksJSON == "" {
		return nil, fmt.Errorf("NETWORKS_JSON is required")
	}
	if err := json.Unmarshal([]byte(networksJSON), &cfg.Networks); err != nil {
		return nil, fmt.Errorf("parse NETWORKS_JSON: %w", err)
	}
	for i, n := range cfg.Networks {
		expected := fmt.Sprintf("eip155:%d", n.ChainID)
		if n.ID != expected {
			return nil, fmt.Errorf("network %d: id %q does not match chain id %d", i, n.ID, n.ChainID)
		}
		if n.RPCURL == "" || n.EscrowAddress == "" || n.TokenAddress == "" || n.TokenCollector == "" {
			return nil, fmt.Errorf("network %s: rpcUrl, escrowAddress, tokenAddress and tokenCollector are required", n.ID)
		}
		if n.Confirmations == 0 {
			cfg.Networks[i].Confirmations = 1
		}
	}

	var err error
	if cfg.CaptureThreshold, err = bigIntEnv("CAPTURE_THRESHOLD", "1000000"); err != nil {
		return nil, err
	}
	if cfg.CaptureBatchSize, err = intEnv("CAPTURE_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.Tier3Threshold, err = durationEnv("TIER3_THRESHOLD", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Tier2Window, err = durationEnv("TIER2_WINDOW", 2*time.Hour); err != nil {
		return nil, err
	}
	if cfg.VerifyTimeout, err = durationEnv("VERIFY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SettleTimeout, err = durationEnv("SETTLE_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReclaimTimeout, err = durationEnv("RECLAIM_TIMEOUT", 90*time.Second); err != nil {
		return nil, err
	}
	cfg.BatchReclaimTimeout = 2 * cfg.ReclaimTimeout

	if cfg.MinDeposit, err = bigIntEnv("MIN_DEPOSIT", "10000"); err != nil {
		return nil, err
	}
	if cfg.MaxDeposit, err = bigIntEnv("MAX_DEPOSIT", "1000000000"); err != nil {
		return nil, err
	}
	if cfg.MinDeposit.Cmp(cfg.MaxDeposit) > 0 {
		return nil, fmt.Errorf("MIN_DEPOSIT exceeds MAX_DEPOSIT")
	}

	return cfg, nil
}

// Network returns the configuration for a network id, or nil.
func (c *Config) Network(id string) *NetworkConfig {
	for i := range c.Networks {
		if c.Networks[i].ID == id {
			return &c.Networks[i]
		}
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func bigIntEnv(key, def string) (*big.Int, error) {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}
