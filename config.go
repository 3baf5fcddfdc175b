package tunnel

import (
	"os"
	"time"
)

// Config carries every knob the lifecycle engine needs. Loading it from
// files, flags, or ambient environment is the excluded CLI layer's job
// (spec.md §1); this struct is constructed directly by the caller, or by
// cmd/tunneld's minimal env reader for manual runs.
type Config struct {
	// Agent (cloudflared)
	AgentBinary        string        // defaults to "cloudflared", resolved via PATH
	ConfigDir          string        // cloudflared's per-user config directory
	OriginCertPath     string        // cert.pem written by `tunnel login`
	AgentCreateTimeout time.Duration // 4.1 create() budget
	AgentRunTimeout    time.Duration // 4.1 run() budget
	AgentStopGrace     time.Duration // SIGTERM-then-SIGKILL grace period

	// DNS provider (Cloudflare)
	APIToken        string // bearer token for the DNS API
	TokenCacheTTL   time.Duration

	// Propagation Verifier (4.5)
	VerifyMaxRounds     int
	VerifyRetryBase     time.Duration
	VerifyHTTPSTimeout  time.Duration
	PostCommitRounds    int
	PostCommitRetryBase time.Duration

	// Health Monitor (4.7)
	HealthInterval      time.Duration
	HealthDownThreshold int
	HealthProbeTimeout  time.Duration
	MaxRecoveryRetries  int
}

// DefaultConfig returns the spec's stated defaults (spec.md §4.1, §4.5,
// §4.7), with paths resolved against the current user's home directory.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	configDir := home + "/.cloudflared"

	return Config{
		AgentBinary:        "cloudflared",
		ConfigDir:          configDir,
		OriginCertPath:     configDir + "/cert.pem",
		AgentCreateTimeout: 30 * time.Second,
		AgentRunTimeout:    60 * time.Second,
		AgentStopGrace:     5 * time.Second,

		TokenCacheTTL: 30 * time.Second,

		VerifyMaxRounds:     6,
		VerifyRetryBase:     5 * time.Second,
		VerifyHTTPSTimeout:  10 * time.Second,
		PostCommitRounds:    3,
		PostCommitRetryBase: 2 * time.Second,

		HealthInterval:      30 * time.Second,
		HealthDownThreshold: 3,
		HealthProbeTimeout:  15 * time.Second,
		MaxRecoveryRetries:  3,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ConfigFromEnv layers CFTUNNEL_* / CF_API_TOKEN overrides on top of
// DefaultConfig. This is a convenience for cmd/tunneld's demo binary, not
// part of the core's tested contract — the core never reads the
// environment on its own.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.APIToken = getEnv("CF_API_TOKEN", "")
	cfg.AgentBinary = getEnv("CFTUNNEL_AGENT_BINARY", cfg.AgentBinary)
	cfg.ConfigDir = getEnv("CFTUNNEL_CONFIG_DIR", cfg.ConfigDir)
	cfg.OriginCertPath = getEnv("CFTUNNEL_ORIGIN_CERT", cfg.ConfigDir+"/cert.pem")
	return cfg
}
