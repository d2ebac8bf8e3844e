package secrets

import "os"

// EnvLoader builds a Loader over the named environment variables. Unset or
// empty variables are left out of the result, so Vault.Get reports them as
// missing rather than as empty secrets.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}
