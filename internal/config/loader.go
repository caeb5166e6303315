package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader reads account configuration from a YAML file under a base
// directory, caching the parsed result so repeated reloads (e.g. on SIGHUP)
// don't re-stat the filesystem unless ClearCache is called first.
type Loader struct {
	baseDir string
	cache   sync.Map
}

// NewLoader creates a Loader rooted at baseDir.
func NewLoader(baseDir string) *Loader {
	return &Loader{baseDir: baseDir}
}

type accountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// LoadAccounts loads and normalizes every account defined in subPath
// (relative to the loader's base directory), decrypting API keys that were
// stored encrypted via secretKey.
func (l *Loader) LoadAccounts(subPath, secretKey string) ([]Account, error) {
	if cached, ok := l.cache.Load(subPath); ok {
		return cached.([]Account), nil
	}

	data, err := l.readFileWithFallback(subPath)
	if err != nil {
		return nil, fmt.Errorf("read accounts file %s: %w", subPath, err)
	}

	var parsed accountsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal accounts file %s: %w", subPath, err)
	}

	for i := range parsed.Accounts {
		acct := &parsed.Accounts[i]
		acct.Normalize()
		if acct.APIKey == "" && acct.APIKeyEncrypted != "" {
			if secretKey == "" {
				return nil, fmt.Errorf("account %s has an encrypted api key but no secret key was configured", acct.AccountID)
			}
			plain, err := DecryptToken(acct.APIKeyEncrypted, secretKey)
			if err != nil {
				return nil, fmt.Errorf("decrypt api key for account %s: %w", acct.AccountID, err)
			}
			acct.APIKey = plain
		}
		if acct.AccountID == "" {
			return nil, fmt.Errorf("account at index %d is missing account_id", i)
		}
		if acct.APIKey == "" {
			return nil, fmt.Errorf("account %s has no usable api key", acct.AccountID)
		}
	}

	l.cache.Store(subPath, parsed.Accounts)
	return parsed.Accounts, nil
}

// readFileWithFallback tries the path relative to baseDir, then falls back
// to the executable's own directory — useful when the binary is invoked
// from an arbitrary working directory (e.g. under systemd).
func (l *Loader) readFileWithFallback(path string) ([]byte, error) {
	absPath := filepath.Join(l.baseDir, path)
	data, err := os.ReadFile(absPath)
	if err == nil {
		return data, nil
	}

	execPath, execErr := os.Executable()
	if execErr != nil {
		return nil, err
	}
	execDir := filepath.Dir(execPath)
	return os.ReadFile(filepath.Join(execDir, l.baseDir, path))
}

// ClearCache drops all cached account lists, forcing the next LoadAccounts
// call to re-read the file.
func (l *Loader) ClearCache() {
	l.cache = sync.Map{}
}
