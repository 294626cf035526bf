package secrets

import "context"

// Static serves secrets from a fixed map. Used for local development and
// tests, loaded once from the environment by the config layer.
type Static map[string]string

func (s Static) Get(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok || v == "" {
		return "", ErrNotFound
	}
	return v, nil
}
