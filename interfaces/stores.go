package interfaces

import (
	"context"
	"errors"
)

// Sentinel errors shared across store implementations.
var (
	// ErrSecretNotFound indicates no secret with the requested name exists
	// at the probed scope.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretDecrypt indicates a stored secret could not be decrypted.
	// It is surfaced per item so a single corrupt row does not abort a
	// whole lookup.
	ErrSecretDecrypt = errors.New("secret decryption failed")

	// ErrDuplicateSecret indicates a secret with the same name already
	// exists for the same (scope, scope reference) pair.
	ErrDuplicateSecret = errors.New("secret already exists for scope")

	// ErrInvalidSecretName indicates a name outside the allowed
	// alphanumeric-plus-underscore/hyphen charset.
	ErrInvalidSecretName = errors.New("invalid secret name")

	// ErrRouteNotFound indicates an unknown route id.
	ErrRouteNotFound = errors.New("route not found")

	// ErrStoreUnavailable indicates the backing store could not be
	// reached. Callers degrade gracefully (stale route tables keep
	// serving) rather than failing the process.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// RouteSource provides the deployed route list. A read failure never
// invalidates the caller's previously compiled table.
type RouteSource interface {
	// GetAllRoutes returns the full current route list.
	GetAllRoutes(ctx context.Context) ([]Route, error)

	// HasChangedSinceLastCheck returns the new route list and true if the
	// source changed since the previous call (or on the first call), and
	// (nil, false) otherwise.
	HasChangedSinceLastCheck(ctx context.Context) ([]Route, bool, error)
}

// KeyStore validates extracted API key candidates against the key groups a
// route requires. Implementations own the hashed, constant-time comparison
// of the candidate.
type KeyStore interface {
	// ValidateKey reports whether candidate belongs to any of the named
	// groups. A recognized key in none of the required groups yields
	// Valid=false with a populated Reason, not an error; errors are
	// reserved for store failures.
	ValidateKey(ctx context.Context, candidate string, requiredGroups []string) (AuthResult, error)
}

// SecretStore persists encrypted secrets addressable by (name, scope,
// scope reference).
type SecretStore interface {
	// FindSecret returns the secret with the given name at the given
	// scope, or ErrSecretNotFound.
	FindSecret(ctx context.Context, name string, scope ScopeKind, scopeRef string) (*EncryptedSecret, error)

	// CreateSecret stores a new secret, rejecting invalid names and
	// duplicates within the same (scope, scope reference) pair.
	CreateSecret(ctx context.Context, secret EncryptedSecret) error

	// DeleteSecret removes a secret by id. Deleting an unknown id returns
	// ErrSecretNotFound.
	DeleteSecret(ctx context.Context, id string) error
}

// SecretDecryptor turns a stored ciphertext back into plaintext. Failures
// are per item and map to ErrSecretDecrypt at the resolver.
type SecretDecryptor interface {
	DecryptSecret(ciphertext []byte) ([]byte, error)
}
