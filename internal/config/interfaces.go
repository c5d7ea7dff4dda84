package config

import "context"

// SecretProvider resolves secret references to plaintext values.
// Implementations must batch internally; keys missing upstream are omitted
// from the result rather than returned as errors.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
