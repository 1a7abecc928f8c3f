// Package secrets resolves named secrets across the four precedence
// scopes: key > group > function > global. Values are stored encrypted and
// decrypted on demand; plaintext is never cached.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/funcbox/funcbox/interfaces"
)

// probe is one (scope, scope reference) lookup target.
type probe struct {
	scope interfaces.ScopeKind
	ref   string
}

// Resolver looks up and decrypts secrets for one request's identity.
type Resolver struct {
	store     interfaces.SecretStore
	decryptor interfaces.SecretDecryptor
	log       *slog.Logger
}

// NewResolver creates a resolver over the given store and decryptor.
func NewResolver(store interfaces.SecretStore, decryptor interfaces.SecretDecryptor, log *slog.Logger) *Resolver {
	return &Resolver{
		store:     store,
		decryptor: decryptor,
		log:       log,
	}
}

// probesFor builds the probe list for an identity, most specific first.
// groupID and keyID are empty for public routes, in which case only
// function and global scopes apply.
func probesFor(functionID, groupID, keyID string) []probe {
	probes := make([]probe, 0, 4)
	if keyID != "" {
		probes = append(probes, probe{interfaces.ScopeKey, keyID})
	}
	if groupID != "" {
		probes = append(probes, probe{interfaces.ScopeGroup, groupID})
	}
	probes = append(probes,
		probe{interfaces.ScopeFunction, functionID},
		probe{interfaces.ScopeGlobal, ""},
	)
	return probes
}

// GetSecretHierarchical returns the most specific secret named name visible
// to the given identity, probing key, group, function and global scope in
// that order. Returns interfaces.ErrSecretNotFound when no scope has a
// match, and interfaces.ErrSecretDecrypt (wrapped) when the winning row
// cannot be decrypted.
func (r *Resolver) GetSecretHierarchical(ctx context.Context, name, functionID, groupID, keyID string) (string, error) {
	if err := interfaces.ValidateSecretName(name); err != nil {
		return "", err
	}

	for _, p := range probesFor(functionID, groupID, keyID) {
		row, err := r.store.FindSecret(ctx, name, p.scope, p.ref)
		if errors.Is(err, interfaces.ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("secret lookup at %s scope: %w", p.scope, err)
		}

		plaintext, err := r.decryptor.DecryptSecret(row.Ciphertext)
		if err != nil {
			r.log.Error("Failed to decrypt secret", "err", err,
				slog.String("name", name), slog.String("scope", string(p.scope)))
			return "", fmt.Errorf("%w: %s at %s scope: %v", interfaces.ErrSecretDecrypt, name, p.scope, err)
		}
		return string(plaintext), nil
	}

	return "", interfaces.ErrSecretNotFound
}

// GetCompleteSecret probes all scopes applicable to the identity and
// returns every decrypted match, most specific first, tagged with the scope
// it was found at. Rows that fail to decrypt are skipped and logged so one
// corrupt row does not hide the others; if every matching row fails to
// decrypt the decrypt error is returned. Returns
// interfaces.ErrSecretNotFound when no scope has a match at all.
func (r *Resolver) GetCompleteSecret(ctx context.Context, name, functionID, groupID, keyID string) ([]interfaces.ResolvedSecret, error) {
	if err := interfaces.ValidateSecretName(name); err != nil {
		return nil, err
	}

	var (
		results    []interfaces.ResolvedSecret
		decryptErr error
		found      bool
	)

	for _, p := range probesFor(functionID, groupID, keyID) {
		row, err := r.store.FindSecret(ctx, name, p.scope, p.ref)
		if errors.Is(err, interfaces.ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("secret lookup at %s scope: %w", p.scope, err)
		}
		found = true

		plaintext, err := r.decryptor.DecryptSecret(row.Ciphertext)
		if err != nil {
			r.log.Error("Failed to decrypt secret", "err", err,
				slog.String("name", name), slog.String("scope", string(p.scope)))
			decryptErr = fmt.Errorf("%w: %s at %s scope: %v", interfaces.ErrSecretDecrypt, name, p.scope, err)
			continue
		}

		resolved := interfaces.ResolvedSecret{
			Value: string(plaintext),
			Scope: p.scope,
		}
		// Scope-identifying metadata only matters where the identity
		// disambiguates the row (group and key matches).
		if p.scope == interfaces.ScopeGroup || p.scope == interfaces.ScopeKey {
			resolved.ScopeRef = p.ref
		}
		results = append(results, resolved)
	}

	if !found {
		return nil, interfaces.ErrSecretNotFound
	}
	if len(results) == 0 {
		return nil, decryptErr
	}
	return results, nil
}

// AccessorsFor binds the resolver to one request's authenticated identity,
// producing the secret-accessor closures handed to handler code.
func (r *Resolver) AccessorsFor(ctx context.Context, functionID, groupID, keyID string) (interfaces.SecretAccessor, interfaces.CompleteSecretAccessor) {
	get := func(name string) (string, error) {
		return r.GetSecretHierarchical(ctx, name, functionID, groupID, keyID)
	}
	getAll := func(name string) ([]interfaces.ResolvedSecret, error) {
		return r.GetCompleteSecret(ctx, name, functionID, groupID, keyID)
	}
	return get, getAll
}
