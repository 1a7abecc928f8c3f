package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/funcbox/funcbox/interfaces"
)

// VaultSecretStore implements SecretStore on HashiCorp Vault KV v2.
// Secrets are addressed by scope, scope reference and name; the encrypted
// value is stored base64-encoded, so Vault holds ciphertext only and the
// funcbox master key stays the single decryption root.
type VaultSecretStore struct {
	client    *vault.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultSecretStore creates a secret store on the given Vault server.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path prefix within the mount (e.g. "funcbox")
//   - token: Vault token; empty falls back to the client's defaults
func NewVaultSecretStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultSecretStore, error) {
	config := vault.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultSecretStore{
		client:    client,
		mountPath: mountPath,
		dataPath:  dataPath,
		log:       log,
	}, nil
}

// secretPath builds the KV v2 data path for a (scope, ref, name) triple.
// Global secrets use "_" in the reference position.
func (s *VaultSecretStore) secretPath(name string, scope interfaces.ScopeKind, scopeRef string) string {
	ref := scopeRef
	if ref == "" {
		ref = "_"
	}
	return fmt.Sprintf("%s/data/%s/%s/%s/%s", s.mountPath, s.dataPath, scope, ref, name)
}

// FindSecret returns the secret with the given name at the given scope.
func (s *VaultSecretStore) FindSecret(ctx context.Context, name string, scope interfaces.ScopeKind, scopeRef string) (*interfaces.EncryptedSecret, error) {
	path := s.secretPath(name, scope, scopeRef)

	read, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read from Vault", "err", err, slog.String("path", path))
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if read == nil || read.Data == nil {
		return nil, interfaces.ErrSecretNotFound
	}

	// KV v2 wraps the payload in a "data" field.
	data, ok := read.Data["data"].(map[string]interface{})
	if !ok {
		return nil, interfaces.ErrSecretNotFound
	}

	encoded, ok := data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid secret payload at %s", path)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid secret encoding at %s: %w", path, err)
	}

	secret := &interfaces.EncryptedSecret{
		Name:       name,
		Ciphertext: ciphertext,
		Scope:      scope,
		ScopeRef:   scopeRef,
	}
	if id, ok := data["id"].(string); ok {
		secret.ID = id
	}
	if comment, ok := data["comment"].(string); ok {
		secret.Comment = comment
	}
	return secret, nil
}

// CreateSecret stores a new secret, rejecting duplicates within the same
// (scope, scope reference) pair.
func (s *VaultSecretStore) CreateSecret(ctx context.Context, secret interfaces.EncryptedSecret) error {
	if err := secret.Validate(); err != nil {
		return err
	}

	existing, err := s.FindSecret(ctx, secret.Name, secret.Scope, secret.ScopeRef)
	if err == nil && existing != nil {
		return fmt.Errorf("%w: %s at %s scope", interfaces.ErrDuplicateSecret, secret.Name, secret.Scope)
	}
	if err != nil && !errors.Is(err, interfaces.ErrSecretNotFound) {
		return err
	}

	path := s.secretPath(secret.Name, secret.Scope, secret.ScopeRef)
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"id":         secret.ID,
			"ciphertext": base64.StdEncoding.EncodeToString(secret.Ciphertext),
			"comment":    secret.Comment,
		},
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, path, payload); err != nil {
		s.log.Error("Failed to write to Vault", "err", err, slog.String("path", path))
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// DeleteSecret removes a secret. The id is the "<scope>/<ref>/<name>"
// triple, matching how Vault paths are laid out.
func (s *VaultSecretStore) DeleteSecret(ctx context.Context, id string) error {
	parts := strings.SplitN(id, "/", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid vault secret id %q, want scope/ref/name", id)
	}

	scope := interfaces.ScopeKind(parts[0])
	ref := parts[1]
	if ref == "_" {
		ref = ""
	}

	if _, err := s.FindSecret(ctx, parts[2], scope, ref); err != nil {
		return err
	}

	path := strings.Replace(s.secretPath(parts[2], scope, ref), "/data/", "/metadata/", 1)
	if _, err := s.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}
