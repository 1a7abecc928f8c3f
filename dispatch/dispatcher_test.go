package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funcbox/funcbox/auth"
	"github.com/funcbox/funcbox/interfaces"
	"github.com/funcbox/funcbox/kms"
	"github.com/funcbox/funcbox/loader"
	"github.com/funcbox/funcbox/secrets"
	"github.com/funcbox/funcbox/storage"
)

const echoHandler = `
exports.default = function (req, ctx) {
    return {
        status: 200,
        body: {
            name: ctx.params.name,
            group: ctx.group,
            method: req.method,
            dbUrl: ctx.secrets.get("DB_URL")
        }
    };
};
`

type pipeline struct {
	dispatcher *Dispatcher
	store      *storage.FileStore
	kms        *kms.SimpleKMS
	codeDir    string
	dataDir    string
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	dataDir := t.TempDir()
	codeDir := t.TempDir()

	fs, err := storage.NewFileStore(dataDir, log)
	require.NoError(t, err)

	seed := make([]byte, 32)
	_, err = rand.Read(seed)
	require.NoError(t, err)
	kmsImpl, err := kms.NewSimpleKMS(seed)
	require.NoError(t, err)

	ldr, err := loader.New(codeDir, log)
	require.NoError(t, err)

	d := New(Config{
		Source:        fs,
		Authenticator: auth.NewAuthenticator(fs, log),
		Loader:        ldr,
		Resolver:      secrets.NewResolver(fs, kmsImpl, log),
		RoutePrefix:   "/fn",
		Production:    false,
		Log:           log,
	})

	return &pipeline{dispatcher: d, store: fs, kms: kmsImpl, codeDir: codeDir, dataDir: dataDir}
}

func (p *pipeline) writeHandler(t *testing.T, rel, src string) {
	t.Helper()
	full := filepath.Join(p.codeDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(src), 0o644))
}

func (p *pipeline) putRoute(t *testing.T, r interfaces.Route) {
	t.Helper()
	require.NoError(t, p.store.PutRoute(context.Background(), r))
}

func (p *pipeline) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	p.dispatcher.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestDispatchPublicRoute(t *testing.T) {
	p := newPipeline(t)
	p.writeHandler(t, "code/echo.js", echoHandler)
	p.putRoute(t, interfaces.Route{
		ID: "r1", Name: "echo", HandlerPath: "code/echo.js",
		Pattern: "/hello/{name}", Methods: []string{"GET"},
	})

	w := p.do(httptest.NewRequest(http.MethodGet, "/fn/hello/alice", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "alice", body["name"])
	assert.Equal(t, "GET", body["method"])
	assert.Equal(t, "", body["group"])
}

func TestDispatchUnknownRouteAndMethod(t *testing.T) {
	p := newPipeline(t)
	p.writeHandler(t, "code/echo.js", echoHandler)
	p.putRoute(t, interfaces.Route{
		ID: "r1", Name: "echo", HandlerPath: "code/echo.js",
		Pattern: "/hello/{name}", Methods: []string{"GET"},
	})

	t.Run("unknown path", func(t *testing.T) {
		w := p.do(httptest.NewRequest(http.MethodGet, "/fn/nope", nil))
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Function not found", decodeBody(t, w)["error"])
	})

	t.Run("disallowed method", func(t *testing.T) {
		w := p.do(httptest.NewRequest(http.MethodPost, "/fn/hello/alice", nil))
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Function not found", decodeBody(t, w)["error"])
	})

	t.Run("outside prefix", func(t *testing.T) {
		w := p.do(httptest.NewRequest(http.MethodGet, "/hello/alice", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestDispatchProtectedRoute(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.writeHandler(t, "code/echo.js", echoHandler)
	p.putRoute(t, interfaces.Route{
		ID: "r1", Name: "echo", HandlerPath: "code/echo.js",
		Pattern: "/hello/{name}", Methods: []string{"GET"},
		RequiredGroups: []string{"partners"},
	})

	_, err := p.store.AddKeyGroup(ctx, "partners")
	require.NoError(t, err)
	_, err = p.store.AddKey(ctx, "partners", "sk-valid-key", "test key")
	require.NoError(t, err)

	t.Run("missing key", func(t *testing.T) {
		w := p.do(httptest.NewRequest(http.MethodGet, "/fn/hello/alice", nil))
		require.Equal(t, http.StatusUnauthorized, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "Unauthorized", body["error"])
		assert.Equal(t, "Missing API key", body["message"])
		assert.NotEmpty(t, body["requestId"])
	})

	t.Run("invalid key", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/fn/hello/alice", nil)
		r.Header.Set("X-API-Key", "sk-wrong")
		w := p.do(r)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "Unauthorized", body["error"])
		assert.Equal(t, "Invalid API key", body["message"])
	})

	t.Run("valid key", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/fn/hello/alice", nil)
		r.Header.Set("Authorization", "Bearer sk-valid-key")
		w := p.do(r)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "partners", decodeBody(t, w)["group"])
	})

	t.Run("valid key via query parameter", func(t *testing.T) {
		w := p.do(httptest.NewRequest(http.MethodGet, "/fn/hello/alice?api_key=sk-valid-key", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestDispatchSecretResolution(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.writeHandler(t, "code/echo.js", echoHandler)
	p.putRoute(t, interfaces.Route{
		ID: "r1", Name: "echo", HandlerPath: "code/echo.js",
		Pattern: "/hello/{name}", Methods: []string{"GET"},
		RequiredGroups: []string{"partners"},
	})

	group, err := p.store.AddKeyGroup(ctx, "partners")
	require.NoError(t, err)
	_, err = p.store.AddKey(ctx, "partners", "sk-valid-key", "")
	require.NoError(t, err)

	storeSecret := func(name, value string, scope interfaces.ScopeKind, ref string) {
		ciphertext, err := p.kms.EncryptSecret([]byte(value))
		require.NoError(t, err)
		require.NoError(t, p.store.CreateSecret(ctx, interfaces.EncryptedSecret{
			Name: name, Ciphertext: ciphertext, Scope: scope, ScopeRef: ref,
		}))
	}
	storeSecret("DB_URL", "postgres://global", interfaces.ScopeGlobal, "")
	storeSecret("DB_URL", "postgres://partners", interfaces.ScopeGroup, group.ID)

	r := httptest.NewRequest(http.MethodGet, "/fn/hello/alice", nil)
	r.Header.Set("X-API-Key", "sk-valid-key")
	w := p.do(r)
	require.Equal(t, http.StatusOK, w.Code)

	// The group-scoped value shadows the global one for this identity.
	assert.Equal(t, "postgres://partners", decodeBody(t, w)["dbUrl"])
}

func TestDispatchLoadErrorMapping(t *testing.T) {
	p := newPipeline(t)

	p.putRoute(t, interfaces.Route{
		ID: "missing", Name: "missing", HandlerPath: "code/missing.js",
		Pattern: "/missing", Methods: []string{"GET"},
	})
	p.putRoute(t, interfaces.Route{
		ID: "broken", Name: "broken", HandlerPath: "code/broken.js",
		Pattern: "/broken", Methods: []string{"GET"},
	})
	p.putRoute(t, interfaces.Route{
		ID: "noexport", Name: "noexport", HandlerPath: "code/noexport.js",
		Pattern: "/noexport", Methods: []string{"GET"},
	})
	p.putRoute(t, interfaces.Route{
		ID: "throws", Name: "throws", HandlerPath: "code/throws.js",
		Pattern: "/throws", Methods: []string{"GET"},
	})

	p.writeHandler(t, "code/broken.js", `exports.default = function ( {`)
	p.writeHandler(t, "code/noexport.js", `var nothing = true;`)
	p.writeHandler(t, "code/throws.js", `exports.default = function () { throw new Error("boom"); };`)

	t.Run("handler file missing", func(t *testing.T) {
		w := p.do(httptest.NewRequest(http.MethodGet, "/fn/missing", nil))
		require.Equal(t, http.StatusNotFound, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "Handler not found", body["error"])
		assert.NotEmpty(t, body["requestId"])
	})

	t.Run("syntax error", func(t *testing.T) {
		w := p.do(httptest.NewRequest(http.MethodGet, "/fn/broken", nil))
		require.Equal(t, http.StatusInternalServerError, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "Handler syntax error", body["error"])
		assert.NotEmpty(t, body["message"], "detail is included outside production")
	})

	t.Run("missing export", func(t *testing.T) {
		w := p.do(httptest.NewRequest(http.MethodGet, "/fn/noexport", nil))
		require.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "Invalid handler", decodeBody(t, w)["error"])
	})

	t.Run("execution failure", func(t *testing.T) {
		w := p.do(httptest.NewRequest(http.MethodGet, "/fn/throws", nil))
		require.Equal(t, http.StatusInternalServerError, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "Handler execution failed", body["error"])
		assert.Contains(t, body["message"], "boom")
	})
}

func TestProductionSuppressesDetail(t *testing.T) {
	p := newPipeline(t)
	p.dispatcher.production = true

	p.putRoute(t, interfaces.Route{
		ID: "broken", Name: "broken", HandlerPath: "code/broken.js",
		Pattern: "/broken", Methods: []string{"GET"},
	})
	p.writeHandler(t, "code/broken.js", `exports.default = function ( {`)

	w := p.do(httptest.NewRequest(http.MethodGet, "/fn/broken", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "Handler syntax error", body["error"])
	_, hasMessage := body["message"]
	assert.False(t, hasMessage, "production responses carry no internal detail")
}

// flakySource wraps a RouteSource and can be switched to fail, for
// exercising the stale-table fallback.
type flakySource struct {
	inner   interfaces.RouteSource
	failing bool
}

func (f *flakySource) GetAllRoutes(ctx context.Context) ([]interfaces.Route, error) {
	if f.failing {
		return nil, errors.New("source down")
	}
	return f.inner.GetAllRoutes(ctx)
}

func (f *flakySource) HasChangedSinceLastCheck(ctx context.Context) ([]interfaces.Route, bool, error) {
	if f.failing {
		return nil, false, errors.New("source down")
	}
	return f.inner.HasChangedSinceLastCheck(ctx)
}

func TestStaleTableSurvivesSourceFailure(t *testing.T) {
	p := newPipeline(t)
	flaky := &flakySource{inner: p.store}
	p.dispatcher.source = flaky

	p.writeHandler(t, "code/echo.js", echoHandler)
	p.putRoute(t, interfaces.Route{
		ID: "r1", Name: "echo", HandlerPath: "code/echo.js",
		Pattern: "/hello/{name}", Methods: []string{"GET"},
	})

	w := p.do(httptest.NewRequest(http.MethodGet, "/fn/hello/alice", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Source failures must not wipe the compiled table.
	flaky.failing = true
	w = p.do(httptest.NewRequest(http.MethodGet, "/fn/hello/alice", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouteChangePickedUpOnNextRequest(t *testing.T) {
	p := newPipeline(t)
	p.writeHandler(t, "code/echo.js", echoHandler)
	p.putRoute(t, interfaces.Route{
		ID: "r1", Name: "echo", HandlerPath: "code/echo.js",
		Pattern: "/hello/{name}", Methods: []string{"GET"},
	})

	w := p.do(httptest.NewRequest(http.MethodGet, "/fn/later", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	p.putRoute(t, interfaces.Route{
		ID: "r2", Name: "later", HandlerPath: "code/echo.js",
		Pattern: "/later", Methods: []string{"GET"},
	})
	bumpRoutesFile(t, p)

	w = p.do(httptest.NewRequest(http.MethodGet, "/fn/later", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

// bumpRoutesFile forces a distinct modification timestamp on the routes
// document so the change check cannot miss the write on coarse-grained
// filesystems.
func bumpRoutesFile(t *testing.T, p *pipeline) {
	t.Helper()
	path := filepath.Join(p.dataDir, "routes.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	later := info.ModTime().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
}

func TestConcurrentRequestsAcrossRebuilds(t *testing.T) {
	p := newPipeline(t)
	p.writeHandler(t, "code/echo.js", echoHandler)
	p.putRoute(t, interfaces.Route{
		ID: "r1", Name: "echo", HandlerPath: "code/echo.js",
		Pattern: "/hello/{name}", Methods: []string{"GET"},
	})

	fire := func(target string) {
		t.Helper()
		var wg sync.WaitGroup
		codes := make([]int, 32)
		for i := range codes {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				w := p.do(httptest.NewRequest(http.MethodGet, target, nil))
				codes[n] = w.Code
			}(i)
		}
		wg.Wait()
		for n, code := range codes {
			assert.Equal(t, http.StatusOK, code, "request %d", n)
		}
	}

	// Parallel requests racing the lazy first table build: none may
	// observe a missing or partial table.
	fire("/fn/hello/alice")

	// A route change with traffic racing the rebuild: every request sees
	// either the old or the new table, never an inconsistent one, and the
	// new route is served once the rebuild lands.
	p.putRoute(t, interfaces.Route{
		ID: "r2", Name: "second", HandlerPath: "code/echo.js",
		Pattern: "/second", Methods: []string{"GET"},
	})
	bumpRoutesFile(t, p)
	fire("/fn/hello/alice")

	w := p.do(httptest.NewRequest(http.MethodGet, "/fn/second", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestBodyReachesHandler(t *testing.T) {
	p := newPipeline(t)
	p.writeHandler(t, "code/body.js", `
exports.default = function (req, ctx) {
    return { status: 200, body: { received: req.body, contentType: req.headers["Content-Type"] } };
};`)
	p.putRoute(t, interfaces.Route{
		ID: "b", Name: "body", HandlerPath: "code/body.js",
		Pattern: "/body", Methods: []string{"POST"},
	})

	r := httptest.NewRequest(http.MethodPost, "/fn/body", strings.NewReader(`{"k":"v"}`))
	r.Header.Set("Content-Type", "application/json")
	w := p.do(r)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, `{"k":"v"}`, body["received"])
	assert.Equal(t, "application/json", body["contentType"])
}
