// Package auth extracts API key candidates from requests and validates
// them against the key store.
package auth

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/funcbox/funcbox/interfaces"
)

// Locations an API key candidate may be supplied in, tried in this order.
// The first location that is present wins: a wrong value in a higher
// priority location fails authentication without falling through to the
// next one. This order is a compatibility surface; do not reorder.
const (
	// APIKeyHeader is the dedicated API key header.
	APIKeyHeader = "X-API-Key"

	// AuthTokenHeader is the vendor token header accepted for clients
	// that cannot set Authorization.
	AuthTokenHeader = "X-Auth-Token"
)

// Query parameter names accepted as the lowest-priority key locations.
var queryParamNames = []string{"api_key", "apikey"}

// ExtractAPIKey finds the API key candidate in a request, trying, in
// order: the dedicated header, the Authorization header (Bearer token,
// then the raw value, with Basic auth using the password), the vendor
// token header, and finally the named query parameters. Returns the
// candidate and whether any location was present at all.
func ExtractAPIKey(r *http.Request) (string, bool) {
	if vals, ok := r.Header[http.CanonicalHeaderKey(APIKeyHeader)]; ok && len(vals) > 0 {
		return vals[0], true
	}

	if vals, ok := r.Header["Authorization"]; ok && len(vals) > 0 {
		return fromAuthorization(vals[0]), true
	}

	if vals, ok := r.Header[http.CanonicalHeaderKey(AuthTokenHeader)]; ok && len(vals) > 0 {
		return vals[0], true
	}

	query := r.URL.Query()
	for _, name := range queryParamNames {
		if vals, ok := query[name]; ok && len(vals) > 0 {
			return vals[0], true
		}
	}

	return "", false
}

// fromAuthorization interprets an Authorization header value. Bearer
// tokens yield the token, Basic credentials yield the password (the key),
// anything else is taken as the key verbatim.
func fromAuthorization(value string) string {
	if token, ok := strings.CutPrefix(value, "Bearer "); ok {
		return token
	}
	if encoded, ok := strings.CutPrefix(value, "Basic "); ok {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			// Malformed basic credentials still count as a present,
			// wrong key.
			return ""
		}
		_, password, _ := strings.Cut(string(decoded), ":")
		return password
	}
	return value
}

// Authenticator validates extracted candidates against the key store.
type Authenticator struct {
	keyStore interfaces.KeyStore
	log      *slog.Logger
}

// NewAuthenticator creates an authenticator backed by the given key store.
func NewAuthenticator(keyStore interfaces.KeyStore, log *slog.Logger) *Authenticator {
	return &Authenticator{keyStore: keyStore, log: log}
}

// Validate authenticates a request against the route's required groups.
// It is only called for routes that declare required groups. A missing key
// and a key not recognized for any required group both come back invalid,
// with distinct diagnostic reasons. The error return is reserved for key
// store failures.
func (a *Authenticator) Validate(ctx context.Context, r *http.Request, requiredGroups []string) (interfaces.AuthResult, error) {
	candidate, present := ExtractAPIKey(r)
	if !present {
		return interfaces.AuthResult{Valid: false, Reason: "Missing API key"}, nil
	}

	result, err := a.keyStore.ValidateKey(ctx, candidate, requiredGroups)
	if err != nil {
		a.log.Error("Key store lookup failed", "err", err)
		return interfaces.AuthResult{}, err
	}

	if !result.Valid && result.Reason == "" {
		result.Reason = "Invalid API key"
	}
	return result, nil
}
