package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/funcbox/funcbox/interfaces"
	"github.com/funcbox/funcbox/loader"
	"github.com/funcbox/funcbox/secrets"
)

// RouteAdminStore is the write side of route management, satisfied by the
// file store.
type RouteAdminStore interface {
	GetAllRoutes(ctx context.Context) ([]interfaces.Route, error)
	PutRoute(ctx context.Context, route interfaces.Route) error
	DeleteRoute(ctx context.Context, id string) error
}

// SecretEncryptor encrypts plaintext secret values for storage, satisfied
// by the KMS.
type SecretEncryptor interface {
	EncryptSecret(plaintext []byte) ([]byte, error)
}

// AdminHandler implements the management API: route CRUD, secret creation
// and preview, and handler cache invalidation. It shares the stores the
// dispatcher reads, so changes are picked up by the next request's
// rebuild check.
type AdminHandler struct {
	routes    RouteAdminStore
	secrets   interfaces.SecretStore
	encryptor SecretEncryptor
	resolver  *secrets.Resolver
	loader    *loader.Loader
	log       *slog.Logger
}

// NewAdminHandler creates the management API handler.
func NewAdminHandler(routes RouteAdminStore, secretStore interfaces.SecretStore, encryptor SecretEncryptor, resolver *secrets.Resolver, ldr *loader.Loader, log *slog.Logger) *AdminHandler {
	return &AdminHandler{
		routes:    routes,
		secrets:   secretStore,
		encryptor: encryptor,
		resolver:  resolver,
		loader:    ldr,
		log:       log,
	}
}

// Router returns the chi router for the admin surface.
func (h *AdminHandler) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Get("/routes", h.handleListRoutes)
	mux.Post("/routes", h.handlePutRoute)
	mux.Delete("/routes/{id}", h.handleDeleteRoute)
	mux.Post("/secrets", h.handleCreateSecret)
	mux.Get("/secrets/preview", h.handlePreviewSecret)
	mux.Post("/cache/invalidate", h.handleInvalidateCache)
	return mux
}

func (h *AdminHandler) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := h.routes.GetAllRoutes(r.Context())
	if err != nil {
		h.log.Error("Failed to list routes", "err", err)
		http.Error(w, "Failed to list routes", http.StatusInternalServerError)
		return
	}
	writeAdminJSON(w, http.StatusOK, routes)
}

func (h *AdminHandler) handlePutRoute(w http.ResponseWriter, r *http.Request) {
	var route interfaces.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		http.Error(w, "Invalid route document", http.StatusBadRequest)
		return
	}
	if route.ID == "" {
		route.ID = uuid.New().String()
	}
	if err := route.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.routes.PutRoute(r.Context(), route); err != nil {
		h.log.Error("Failed to store route", "err", err, slog.String("routeId", route.ID))
		http.Error(w, "Failed to store route", http.StatusInternalServerError)
		return
	}
	writeAdminJSON(w, http.StatusOK, route)
}

func (h *AdminHandler) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.routes.DeleteRoute(r.Context(), id)
	if errors.Is(err, interfaces.ErrRouteNotFound) {
		http.Error(w, "Route not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("Failed to delete route", "err", err, slog.String("routeId", id))
		http.Error(w, "Failed to delete route", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createSecretRequest is the admin wire shape for secret creation. The
// value arrives plaintext over the (operator-only) admin listener and is
// encrypted before it reaches the store.
type createSecretRequest struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Scope    string `json:"scope"`
	ScopeRef string `json:"scope_ref,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

func (h *AdminHandler) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	var req createSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid secret document", http.StatusBadRequest)
		return
	}

	ciphertext, err := h.encryptor.EncryptSecret([]byte(req.Value))
	if err != nil {
		h.log.Error("Failed to encrypt secret", "err", err)
		http.Error(w, "Failed to encrypt secret", http.StatusInternalServerError)
		return
	}

	secret := interfaces.EncryptedSecret{
		ID:         uuid.New().String(),
		Name:       req.Name,
		Ciphertext: ciphertext,
		Scope:      interfaces.ScopeKind(req.Scope),
		ScopeRef:   req.ScopeRef,
		Comment:    req.Comment,
	}

	err = h.secrets.CreateSecret(r.Context(), secret)
	switch {
	case errors.Is(err, interfaces.ErrInvalidSecretName):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, interfaces.ErrDuplicateSecret):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		h.log.Error("Failed to store secret", "err", err, slog.String("name", req.Name))
		http.Error(w, "Failed to store secret", http.StatusInternalServerError)
	default:
		writeAdminJSON(w, http.StatusCreated, map[string]string{"id": secret.ID})
	}
}

// handlePreviewSecret exposes the complete-secret lookup for inspection
// tooling: every value defined under the given identity, tagged by scope.
func (h *AdminHandler) handlePreviewSecret(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	name := query.Get("name")
	functionID := query.Get("function_id")
	if name == "" || functionID == "" {
		http.Error(w, "name and function_id are required", http.StatusBadRequest)
		return
	}

	resolved, err := h.resolver.GetCompleteSecret(r.Context(), name, functionID,
		query.Get("group_id"), query.Get("key_id"))
	if errors.Is(err, interfaces.ErrSecretNotFound) {
		http.Error(w, "Secret not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("Secret preview failed", "err", err, slog.String("name", name))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeAdminJSON(w, http.StatusOK, resolved)
}

func (h *AdminHandler) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HandlerPath string `json:"handler_path,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	if req.HandlerPath != "" {
		h.loader.Invalidate(req.HandlerPath)
	} else {
		h.loader.InvalidateAll()
	}
	writeAdminJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func writeAdminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
