package config

import (
	"os"

	"github.com/pkg/errors"
)

// ProcessProfile is the gateway process's own runtime configuration — where
// to read account config from, what secret key decrypts stored API keys,
// and where the status HTTP surface (§6) listens. It is distinct from
// Account, which is per-account Server configuration.
type ProcessProfile struct {
	Mode         string // "dev" or "prod"
	AccountsFile string
	SecretKey    string
	StatusAddr   string
}

// FromEnv populates fields left unset from environment variables, mirroring
// the gateway's env-var naming convention (WRISTCLAW_GATEWAY_*).
func (p *ProcessProfile) FromEnv() {
	p.Mode = getEnvOrDefault("WRISTCLAW_GATEWAY_MODE", p.Mode, "dev")
	p.AccountsFile = getEnvOrDefault("WRISTCLAW_GATEWAY_ACCOUNTS_FILE", p.AccountsFile, "accounts.yaml")
	p.SecretKey = getEnvOrDefault("WRISTCLAW_GATEWAY_SECRET_KEY", p.SecretKey, "")
	p.StatusAddr = getEnvOrDefault("WRISTCLAW_GATEWAY_STATUS_ADDR", p.StatusAddr, ":8085")
}

func getEnvOrDefault(key, current, fallback string) string {
	if current != "" {
		return current
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks the profile is internally consistent before the process
// starts the monitors.
func (p *ProcessProfile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.AccountsFile == "" {
		return errors.New("accounts file path must not be empty")
	}
	return nil
}
