package config

import (
	"fmt"

	"lienvault/crypto"
)

// Validate rejects configurations the daemon cannot safely run with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if cfg.ListenAddress == "" {
		return fmt.Errorf("config: ListenAddress must be set")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("config: DataDir must be set")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", cfg.Log.Format)
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 || cfg.RateLimit.Burst <= 0 {
		return fmt.Errorf("config: rate limit must be positive")
	}
	addr, err := crypto.DecodeAddress(cfg.CustodyAddress)
	if err != nil {
		return fmt.Errorf("config: invalid CustodyAddress: %w", err)
	}
	if addr.Prefix() != crypto.LVPrefix {
		return fmt.Errorf("config: CustodyAddress must carry the %q prefix", crypto.LVPrefix)
	}
	return nil
}
