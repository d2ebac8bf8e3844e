// Package secrets holds provider credentials (agent API keys, tokens) in
// memory and keeps them out of logs. Values are loaded through a pluggable
// Loader and can be swapped at runtime without restarting the service.
package secrets

import (
	"fmt"
	"strings"
	"sync"
)

// Loader fetches the current secret set from its source. EnvLoader reads the
// process environment; other sources (files, external vaults) implement the
// same shape.
type Loader func() (map[string]string, error)

// Vault is the in-memory secret store handed to agent providers. Reads are
// lock-cheap; Reload replaces the whole set atomically.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault runs the loader once and fails fast if the initial load does,
// so a misconfigured credential source surfaces at startup.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{
		values: vals,
		loader: loader,
	}, nil
}

// Get returns the secret for key, or "" when absent.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Keys returns the names of all loaded secrets, never their values.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	return keys
}

// Redacted returns a masked form of the secret for key, safe to log.
// Secrets of four characters or fewer are fully masked.
func (v *Vault) Redacted(key string) string {
	return mask(v.Get(key))
}

// RedactString replaces every known secret value occurring in s with its
// masked form. Used on agent output and error text before it reaches the
// event log. Values shorter than four characters are skipped, masking those
// would mangle ordinary text.
func (v *Vault) RedactString(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, val := range v.values {
		if len(val) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, val, mask(val))
	}
	return s
}

// Reload fetches a fresh secret set and swaps it in. On loader failure the
// current values stay in place.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}

func mask(val string) string {
	switch {
	case val == "":
		return ""
	case len(val) <= 4:
		return "****"
	default:
		return val[:2] + "****"
	}
}
