package app

import (
	"os"
	"strconv"
)

// Defaults for the orchestrator tunables.
const (
	DefaultMaxStores               = 10
	DefaultMaxConcurrentProvisions = 3
)

// Config holds the orchestrator's admission and scheduling limits.
type Config struct {
	// MaxStores caps the number of stores counting against capacity
	// (everything except deleted and failed).
	MaxStores int
	// MaxConcurrentProvisions bounds concurrently running
	// provisioning/deprovisioning jobs.
	MaxConcurrentProvisions int
}

// ConfigFromEnv builds Config from environment variables. Missing or
// invalid values fall back to defaults rather than failing startup.
func ConfigFromEnv() Config {
	return Config{
		MaxStores:               intOrDefault("MAX_STORES", DefaultMaxStores),
		MaxConcurrentProvisions: intOrDefault("MAX_CONCURRENT_PROVISIONS", DefaultMaxConcurrentProvisions),
	}
}

func intOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
