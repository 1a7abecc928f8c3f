package interfaces

import (
	"context"
	"time"
)

// HandlerRequest is the raw request view passed to a loaded handler.
type HandlerRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
	Body    string            `json:"body"`
}

// HandlerResponse is what a handler invocation produces. A nil Headers map
// and zero Status mean "JSON 200" defaults at the dispatcher.
type HandlerResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// RouteInfo is the subset of route metadata exposed to handler code.
type RouteInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// SecretAccessor resolves the most specific secret visible to the current
// execution, or ErrSecretNotFound.
type SecretAccessor func(name string) (string, error)

// CompleteSecretAccessor resolves every secret with the given name across
// all scopes applicable to the current execution.
type CompleteSecretAccessor func(name string) ([]ResolvedSecret, error)

// ExecutionContext is the per-request metadata and accessor bundle handed
// to a handler. It is constructed per request and discarded with the
// response.
type ExecutionContext struct {
	Route     RouteInfo
	Params    map[string]string
	Query     map[string]string
	RequestID string

	// MatchedGroup is the key group the request authenticated under, empty
	// for public routes.
	MatchedGroup string

	Timestamp time.Time

	// GetSecret and GetAllSecrets are bound to the authenticated identity
	// of this request and internally call the secret resolver.
	GetSecret     SecretAccessor
	GetAllSecrets CompleteSecretAccessor
}

// Handler is an invocable loaded from exactly one designated export of a
// handler source file.
type Handler interface {
	Invoke(ctx context.Context, req *HandlerRequest, ec *ExecutionContext) (*HandlerResponse, error)
}
