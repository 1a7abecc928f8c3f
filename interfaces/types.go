package interfaces

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Route maps an HTTP method+pattern to a handler file and optional required
// key groups. Routes are created and updated by an external management
// surface; the dispatcher only ever reads them.
type Route struct {
	// ID uniquely identifies the route within the route source.
	ID string `json:"id"`

	// Name is the operator-facing function name.
	Name string `json:"name"`

	// HandlerPath is the handler source file, relative to the code root
	// (e.g. "code/hello.ts").
	HandlerPath string `json:"handler_path"`

	// Pattern is the URL pattern matched after the routing prefix is
	// stripped. Segments of the form {name} are named path parameters.
	Pattern string `json:"pattern"`

	// Methods is the set of allowed HTTP methods, upper-case.
	Methods []string `json:"methods"`

	// RequiredGroups lists key group names allowed to call the route.
	// An empty list means the route is public.
	RequiredGroups []string `json:"required_groups,omitempty"`
}

// Public reports whether the route requires no API key.
func (r Route) Public() bool {
	return len(r.RequiredGroups) == 0
}

// AllowsMethod reports whether the route accepts the given HTTP method.
func (r Route) AllowsMethod(method string) bool {
	return slices.Contains(r.Methods, strings.ToUpper(method))
}

// Validate checks the route's structural invariants.
func (r Route) Validate() error {
	if r.ID == "" {
		return errors.New("route id must not be empty")
	}
	if r.Name == "" {
		return errors.New("route name must not be empty")
	}
	if r.HandlerPath == "" {
		return errors.New("route handler path must not be empty")
	}
	if !strings.HasPrefix(r.Pattern, "/") {
		return fmt.Errorf("route pattern must start with '/': %q", r.Pattern)
	}
	if len(r.Methods) == 0 {
		return errors.New("route must allow at least one method")
	}
	for _, g := range r.RequiredGroups {
		if g == "" {
			return errors.New("route required group name must not be empty")
		}
	}
	return nil
}

// ScopeKind is the precedence level at which a secret is defined.
type ScopeKind string

const (
	// ScopeGlobal applies to every execution. Carries no scope reference.
	ScopeGlobal ScopeKind = "global"

	// ScopeFunction binds a secret to one route.
	ScopeFunction ScopeKind = "function"

	// ScopeGroup binds a secret to one key group.
	ScopeGroup ScopeKind = "group"

	// ScopeKey binds a secret to one API key.
	ScopeKey ScopeKind = "key"
)

// Valid reports whether the scope kind is one of the four known kinds.
func (s ScopeKind) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeFunction, ScopeGroup, ScopeKey:
		return true
	default:
		return false
	}
}

// secretNameRe restricts secret names to alphanumerics plus '_' and '-'.
var secretNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSecretName rejects empty names and names outside the allowed
// charset.
func ValidateSecretName(name string) error {
	if !secretNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSecretName, name)
	}
	return nil
}

// EncryptedSecret is a named configuration value at one precedence scope,
// encrypted at rest. Plaintext is only ever produced on demand by a
// SecretDecryptor and never cached.
type EncryptedSecret struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Ciphertext []byte    `json:"ciphertext"`
	Scope      ScopeKind `json:"scope"`

	// ScopeRef identifies the route, group or key the secret is bound to.
	// Empty exactly when Scope is ScopeGlobal.
	ScopeRef string `json:"scope_ref,omitempty"`

	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the secret's structural invariants, including the
// scope/scope-reference pairing rule.
func (s EncryptedSecret) Validate() error {
	if err := ValidateSecretName(s.Name); err != nil {
		return err
	}
	if !s.Scope.Valid() {
		return fmt.Errorf("invalid secret scope: %q", s.Scope)
	}
	if s.Scope == ScopeGlobal && s.ScopeRef != "" {
		return errors.New("global secret must not carry a scope reference")
	}
	if s.Scope != ScopeGlobal && s.ScopeRef == "" {
		return fmt.Errorf("%s secret requires a scope reference", s.Scope)
	}
	return nil
}

// AuthResult is the outcome of one authentication attempt. It is computed
// per request and never persisted.
type AuthResult struct {
	// Valid reports whether the key was accepted for one of the route's
	// required groups.
	Valid bool

	// MatchedGroup is the name of the group the key was accepted for.
	MatchedGroup string

	// MatchedGroupID identifies the matched group in the key store.
	MatchedGroupID string

	// MatchedKeyID identifies the accepted key in the key store.
	MatchedKeyID string

	// Reason is diagnostic text for a failed attempt ("Missing API key",
	// "Invalid API key").
	Reason string
}

// ResolvedSecret is one decrypted secret value tagged with the scope it was
// found at, as returned by complete-secret lookups.
type ResolvedSecret struct {
	Value    string    `json:"value"`
	Scope    ScopeKind `json:"scope"`
	ScopeRef string    `json:"scope_ref,omitempty"`
}
