package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/funcbox/funcbox/cryptoutils"
	"github.com/funcbox/funcbox/interfaces"
)

// File names within a file store directory.
const (
	routesFile  = "routes.json"
	keysFile    = "keys.json"
	secretsFile = "secrets.json"
)

// KeyGroup is a named collection of API keys sharing authorization scope.
type KeyGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// APIKeyRecord stores one API key as an argon2id digest with its salt.
// Plaintext keys are never persisted.
type APIKeyRecord struct {
	ID      string `json:"id"`
	GroupID string `json:"group_id"`
	Salt    []byte `json:"salt"`
	Digest  []byte `json:"digest"`
	Comment string `json:"comment,omitempty"`
}

// keysDocument is the on-disk shape of keys.json.
type keysDocument struct {
	Groups []KeyGroup     `json:"groups"`
	Keys   []APIKeyRecord `json:"keys"`
}

// FileStore keeps routes, key groups, API keys and secrets as JSON
// documents in a directory. It implements RouteSource, KeyStore and
// SecretStore, with route change detection based on the routes document's
// modification timestamp.
type FileStore struct {
	baseDir string
	log     *slog.Logger

	mu sync.Mutex

	// lastRoutesCheck tracks the modification time observed by the
	// previous change check. Zero until the first check, so the first
	// check always reports a change.
	lastRoutesCheck time.Time
	checkedOnce     bool
}

// NewFileStore creates a file store rooted at baseDir, creating the
// directory if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{baseDir: baseDir, log: log}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.baseDir, name)
}

// readJSON decodes a JSON document, treating a missing file as the zero
// value.
func readJSON[T any](path string) (T, error) {
	var out T
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// GetAllRoutes returns the full route list. A missing routes document is
// an empty list, not an error.
func (s *FileStore) GetAllRoutes(ctx context.Context) ([]interfaces.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readJSON[[]interfaces.Route](s.path(routesFile))
}

// HasChangedSinceLastCheck reports the new route list when the routes
// document's modification time differs from the one seen by the previous
// check. The first call always reports a change.
func (s *FileStore) HasChangedSinceLastCheck(ctx context.Context) ([]interfaces.Route, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var modTime time.Time
	if info, err := os.Stat(s.path(routesFile)); err == nil {
		modTime = info.ModTime()
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	if s.checkedOnce && modTime.Equal(s.lastRoutesCheck) {
		return nil, false, nil
	}

	routes, err := readJSON[[]interfaces.Route](s.path(routesFile))
	if err != nil {
		return nil, false, err
	}

	s.checkedOnce = true
	s.lastRoutesCheck = modTime
	return routes, true, nil
}

// PutRoute creates or replaces a route by id.
func (s *FileStore) PutRoute(ctx context.Context, route interfaces.Route) error {
	if err := route.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	routes, err := readJSON[[]interfaces.Route](s.path(routesFile))
	if err != nil {
		return err
	}

	routes = slices.DeleteFunc(routes, func(r interfaces.Route) bool { return r.ID == route.ID })
	routes = append(routes, route)
	return writeJSON(s.path(routesFile), routes)
}

// DeleteRoute removes a route by id.
func (s *FileStore) DeleteRoute(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	routes, err := readJSON[[]interfaces.Route](s.path(routesFile))
	if err != nil {
		return err
	}

	kept := slices.DeleteFunc(routes, func(r interfaces.Route) bool { return r.ID == id })
	if len(kept) == len(routes) {
		return interfaces.ErrRouteNotFound
	}
	return writeJSON(s.path(routesFile), kept)
}

// ValidateKey checks candidate against every key belonging to one of the
// required groups. Comparison is digest against digest in constant time;
// the plaintext candidate is never compared directly.
func (s *FileStore) ValidateKey(ctx context.Context, candidate string, requiredGroups []string) (interfaces.AuthResult, error) {
	s.mu.Lock()
	doc, err := readJSON[keysDocument](s.path(keysFile))
	s.mu.Unlock()
	if err != nil {
		return interfaces.AuthResult{}, err
	}

	groupNames := make(map[string]string, len(doc.Groups)) // id -> name
	for _, g := range doc.Groups {
		if slices.Contains(requiredGroups, g.Name) {
			groupNames[g.ID] = g.Name
		}
	}

	for _, key := range doc.Keys {
		groupName, ok := groupNames[key.GroupID]
		if !ok {
			continue
		}
		digest := cryptoutils.DeriveKeyDigest([]byte(candidate), key.Salt)
		if subtle.ConstantTimeCompare(digest, key.Digest) == 1 {
			return interfaces.AuthResult{
				Valid:          true,
				MatchedGroup:   groupName,
				MatchedGroupID: key.GroupID,
				MatchedKeyID:   key.ID,
			}, nil
		}
	}

	return interfaces.AuthResult{Valid: false, Reason: "Invalid API key"}, nil
}

// AddKeyGroup creates a key group and returns it.
func (s *FileStore) AddKeyGroup(ctx context.Context, name string) (KeyGroup, error) {
	if name == "" {
		return KeyGroup{}, errors.New("group name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := readJSON[keysDocument](s.path(keysFile))
	if err != nil {
		return KeyGroup{}, err
	}

	for _, g := range doc.Groups {
		if g.Name == name {
			return KeyGroup{}, fmt.Errorf("key group %q already exists", name)
		}
	}

	group := KeyGroup{ID: uuid.New().String(), Name: name}
	doc.Groups = append(doc.Groups, group)
	if err := writeJSON(s.path(keysFile), doc); err != nil {
		return KeyGroup{}, err
	}
	return group, nil
}

// AddKey stores a new API key in the named group, hashed with a fresh
// salt, and returns the key record.
func (s *FileStore) AddKey(ctx context.Context, groupName, plaintextKey, comment string) (APIKeyRecord, error) {
	if plaintextKey == "" {
		return APIKeyRecord{}, errors.New("key must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := readJSON[keysDocument](s.path(keysFile))
	if err != nil {
		return APIKeyRecord{}, err
	}

	var groupID string
	for _, g := range doc.Groups {
		if g.Name == groupName {
			groupID = g.ID
			break
		}
	}
	if groupID == "" {
		return APIKeyRecord{}, fmt.Errorf("unknown key group %q", groupName)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return APIKeyRecord{}, err
	}

	record := APIKeyRecord{
		ID:      uuid.New().String(),
		GroupID: groupID,
		Salt:    salt,
		Digest:  cryptoutils.DeriveKeyDigest([]byte(plaintextKey), salt),
		Comment: comment,
	}
	doc.Keys = append(doc.Keys, record)
	if err := writeJSON(s.path(keysFile), doc); err != nil {
		return APIKeyRecord{}, err
	}
	return record, nil
}

// FindSecret returns the secret with the given name at the given scope.
func (s *FileStore) FindSecret(ctx context.Context, name string, scope interfaces.ScopeKind, scopeRef string) (*interfaces.EncryptedSecret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := readJSON[[]interfaces.EncryptedSecret](s.path(secretsFile))
	if err != nil {
		return nil, err
	}

	for i := range all {
		if all[i].Name == name && all[i].Scope == scope && all[i].ScopeRef == scopeRef {
			return &all[i], nil
		}
	}
	return nil, interfaces.ErrSecretNotFound
}

// CreateSecret stores a new secret, rejecting invalid names and duplicates
// within the same (scope, scope reference) pair.
func (s *FileStore) CreateSecret(ctx context.Context, secret interfaces.EncryptedSecret) error {
	if err := secret.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := readJSON[[]interfaces.EncryptedSecret](s.path(secretsFile))
	if err != nil {
		return err
	}

	for _, existing := range all {
		if existing.Name == secret.Name && existing.Scope == secret.Scope && existing.ScopeRef == secret.ScopeRef {
			return fmt.Errorf("%w: %s at %s scope", interfaces.ErrDuplicateSecret, secret.Name, secret.Scope)
		}
	}

	if secret.ID == "" {
		secret.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	secret.CreatedAt = now
	secret.UpdatedAt = now

	all = append(all, secret)
	return writeJSON(s.path(secretsFile), all)
}

// DeleteSecret removes a secret by id.
func (s *FileStore) DeleteSecret(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := readJSON[[]interfaces.EncryptedSecret](s.path(secretsFile))
	if err != nil {
		return err
	}

	kept := slices.DeleteFunc(all, func(sec interfaces.EncryptedSecret) bool { return sec.ID == id })
	if len(kept) == len(all) {
		return interfaces.ErrSecretNotFound
	}
	return writeJSON(s.path(secretsFile), kept)
}
