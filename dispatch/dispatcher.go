// Package dispatch implements the request execution pipeline: route table
// maintenance, matching, authentication, per-request environment
// isolation, handler loading and invocation, and translation of every
// failure into a structured JSON response.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/funcbox/funcbox/auth"
	"github.com/funcbox/funcbox/envctx"
	"github.com/funcbox/funcbox/interfaces"
	"github.com/funcbox/funcbox/loader"
	"github.com/funcbox/funcbox/metrics"
	"github.com/funcbox/funcbox/secrets"
)

// maxBodySize is the maximum request body passed to a handler (1MB).
const maxBodySize = 1024 * 1024

// Config wires the dispatcher's collaborators.
type Config struct {
	// Source provides the route list and its change signal.
	Source interfaces.RouteSource

	// Authenticator validates API keys for protected routes.
	Authenticator *auth.Authenticator

	// Loader loads handler modules.
	Loader *loader.Loader

	// Resolver resolves secrets for handler accessors.
	Resolver *secrets.Resolver

	// RoutePrefix is the platform routing prefix stripped from request
	// paths before matching (e.g. "/fn"). Empty means no prefix.
	RoutePrefix string

	// Production suppresses internal error detail in 500 responses.
	Production bool

	Log *slog.Logger
}

// Dispatcher holds the compiled routing table and orchestrates the
// pipeline for each request. The table is swapped atomically on rebuild;
// in-flight requests keep the snapshot they started with.
type Dispatcher struct {
	source        interfaces.RouteSource
	authenticator *auth.Authenticator
	loader        *loader.Loader
	resolver      *secrets.Resolver
	prefix        string
	production    bool
	log           *slog.Logger

	table     atomic.Pointer[routeTable]
	rebuildMu sync.Mutex
}

// New creates a dispatcher. The routing table is built lazily on the first
// request.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		source:        cfg.Source,
		authenticator: cfg.Authenticator,
		loader:        cfg.Loader,
		resolver:      cfg.Resolver,
		prefix:        strings.TrimSuffix(cfg.RoutePrefix, "/"),
		production:    cfg.Production,
		log:           cfg.Log,
	}
}

// maybeRebuild refreshes the routing table when the source reports a
// change. Only one rebuild runs per change: if another goroutine is
// already checking, requests serve from the current table. The first
// request ever blocks until a table exists. A source failure leaves the
// previous table authoritative.
func (d *Dispatcher) maybeRebuild(ctx context.Context) {
	if d.table.Load() == nil {
		d.rebuildMu.Lock()
		defer d.rebuildMu.Unlock()
		if d.table.Load() != nil {
			return
		}
		d.rebuild(ctx, true)
		return
	}

	if !d.rebuildMu.TryLock() {
		// A concurrent request is already handling the change check.
		return
	}
	defer d.rebuildMu.Unlock()
	d.rebuild(ctx, false)
}

func (d *Dispatcher) rebuild(ctx context.Context, initial bool) {
	routes, changed, err := d.source.HasChangedSinceLastCheck(ctx)
	if err != nil {
		d.log.Error("Route source check failed, keeping previous table", "err", err)
		metrics.RecordRebuild(false)
		if !initial {
			return
		}
		// No table to fall back to yet; serve an empty one rather than
		// failing every request.
		d.table.Store(&routeTable{})
		return
	}
	if !changed {
		if !initial {
			return
		}
		routes, err = d.source.GetAllRoutes(ctx)
		if err != nil {
			d.log.Error("Route source read failed", "err", err)
			metrics.RecordRebuild(false)
			d.table.Store(&routeTable{})
			return
		}
	}

	table := compileTable(routes, func(r interfaces.Route, err error) {
		d.log.Warn("Skipping invalid route", "err", err,
			slog.String("routeId", r.ID), slog.String("routeName", r.Name))
	})
	d.table.Store(table)
	metrics.RecordRebuild(true)
	d.log.Debug("Route table rebuilt", slog.Int("routes", len(table.routes)))
}

// ServeHTTP runs the full pipeline for one request.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.maybeRebuild(r.Context())

	path := d.stripPrefix(r.URL.Path)
	route, params, ok := d.table.Load().match(r.Method, path)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Function not found"})
		return
	}

	requestID := uuid.New().String()
	start := time.Now()

	d.emit(func() {
		d.log.Info("Function request started",
			slog.String("requestId", requestID),
			slog.String("routeId", route.ID),
			slog.String("method", r.Method),
			slog.String("url", r.URL.String()))
	})

	status, success := d.execute(w, r, route, params, requestID)

	duration := time.Since(start)
	d.emit(func() {
		d.log.Info("Function request finished",
			slog.String("requestId", requestID),
			slog.String("routeId", route.ID),
			slog.Int64("durationMs", duration.Milliseconds()),
			slog.Int("status", status),
			slog.Bool("success", success))
	})
	d.emit(func() {
		metrics.RecordExecution(route.ID, duration, success)
	})
}

// execute runs steps authenticate → build context → load → invoke →
// respond, returning the response status and whether the handler ran
// successfully.
func (d *Dispatcher) execute(w http.ResponseWriter, r *http.Request, route *interfaces.Route, params map[string]string, requestID string) (int, bool) {
	var authResult interfaces.AuthResult

	if !route.Public() {
		result, err := d.authenticator.Validate(r.Context(), r, route.RequiredGroups)
		if err != nil {
			d.log.Error("Key store lookup failed", "err", err,
				slog.String("requestId", requestID), slog.String("routeId", route.ID))
			result = interfaces.AuthResult{Valid: false, Reason: "Invalid API key"}
		}
		if !result.Valid {
			d.emit(func() {
				d.log.Warn("Request rejected",
					slog.String("requestId", requestID),
					slog.String("routeId", route.ID),
					slog.String("reason", result.Reason))
				metrics.RecordAuthRejection(route.ID)
			})
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error:     "Unauthorized",
				Message:   result.Reason,
				RequestID: requestID,
			})
			return http.StatusUnauthorized, false
		}
		authResult = result
	}

	query := singleValued(r.URL.Query())

	getSecret, getAllSecrets := d.resolver.AccessorsFor(r.Context(),
		route.ID, authResult.MatchedGroupID, authResult.MatchedKeyID)

	execCtx := &interfaces.ExecutionContext{
		Route: interfaces.RouteInfo{
			ID:   route.ID,
			Name: route.Name,
			Path: route.Pattern,
		},
		Params:        params,
		Query:         query,
		RequestID:     requestID,
		MatchedGroup:  authResult.MatchedGroup,
		Timestamp:     time.Now(),
		GetSecret:     getSecret,
		GetAllSecrets: getAllSecrets,
	}

	// Fresh, empty environment for this execution. Module evaluation and
	// handler invocation both run inside the activation, so module-level
	// environment reads are isolated too.
	ctx := envctx.Activate(r.Context(), envctx.New())

	handler, err := d.loader.Load(ctx, route.HandlerPath)
	if err != nil {
		return d.writeLoadError(w, err, requestID, route.ID), false
	}

	req, err := d.buildHandlerRequest(r, query)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, d.withDetail(errorBody{
			Error:     "Handler execution failed",
			RequestID: requestID,
		}, err))
		return http.StatusInternalServerError, false
	}

	resp, err := handler.Invoke(ctx, req, execCtx)
	if err != nil {
		d.log.Error("Handler execution failed", "err", err,
			slog.String("requestId", requestID), slog.String("routeId", route.ID))
		writeJSON(w, http.StatusInternalServerError, d.withDetail(errorBody{
			Error:     "Handler execution failed",
			RequestID: requestID,
		}, err))
		return http.StatusInternalServerError, false
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
	return status, true
}

// writeLoadError maps loader failure conditions to the HTTP surface:
// missing handler file is a 404, everything else a 500 with a distinct
// diagnostic.
func (d *Dispatcher) writeLoadError(w http.ResponseWriter, err error, requestID, routeID string) int {
	d.log.Error("Handler load failed", "err", err,
		slog.String("requestId", requestID), slog.String("routeId", routeID))

	switch {
	case errors.Is(err, loader.ErrHandlerNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{
			Error:     "Handler not found",
			RequestID: requestID,
		})
		return http.StatusNotFound
	case errors.Is(err, loader.ErrInvalidHandler):
		writeJSON(w, http.StatusInternalServerError, d.withDetail(errorBody{
			Error:     "Invalid handler",
			RequestID: requestID,
		}, err))
	case errors.Is(err, loader.ErrHandlerSyntax):
		writeJSON(w, http.StatusInternalServerError, d.withDetail(errorBody{
			Error:     "Handler syntax error",
			RequestID: requestID,
		}, err))
	default:
		writeJSON(w, http.StatusInternalServerError, d.withDetail(errorBody{
			Error:     "Handler load failed",
			RequestID: requestID,
		}, err))
	}
	return http.StatusInternalServerError
}

// buildHandlerRequest flattens the raw request into the view handlers see.
func (d *Dispatcher) buildHandlerRequest(r *http.Request, query map[string]string) (*interfaces.HandlerRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(r.Header))
	for k, vals := range r.Header {
		if len(vals) > 0 {
			headers[k] = vals[0]
		}
	}

	return &interfaces.HandlerRequest{
		Method:  r.Method,
		URL:     r.URL.String(),
		Headers: headers,
		Query:   query,
		Body:    string(body),
	}, nil
}

// stripPrefix removes the platform routing prefix before matching.
func (d *Dispatcher) stripPrefix(path string) string {
	if d.prefix == "" {
		return path
	}
	stripped := strings.TrimPrefix(path, d.prefix)
	if stripped == "" {
		return "/"
	}
	if !strings.HasPrefix(stripped, "/") {
		return path
	}
	return stripped
}

// emit runs a fire-and-forget side effect. Failures are reported but
// never reach the response path.
func (d *Dispatcher) emit(fn func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.log.Error("Side effect emission failed", "panic", rec)
			}
		}()
		fn()
	}()
}

// withDetail attaches the underlying error message outside production.
func (d *Dispatcher) withDetail(body errorBody, err error) errorBody {
	if !d.production {
		body.Message = err.Error()
	}
	return body
}

// errorBody is the JSON error surface of the dispatcher.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func singleValued(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, vals := range values {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}
