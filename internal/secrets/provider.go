package secrets

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("secret not found")

// Provider fetches named signing secrets. Implementations must return an
// error instead of an empty value: a failed fetch aborts the request rather
// than signing tokens with an undefined secret.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}
