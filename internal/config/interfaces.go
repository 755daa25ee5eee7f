package config

import "context"

// SecretProvider resolves secret references (file paths for mounted secrets)
// into plaintext values. Keys missing from the source are omitted from the
// returned map.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
