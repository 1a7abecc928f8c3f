// Package loader loads and caches executable handler modules.
//
// A handler module is a single ECMAScript source file assigning one
// callable to its default export:
//
//	exports.default = function (req, ctx) {
//	    return { status: 200, body: { hello: ctx.route.name } };
//	};
//
// Modules are compiled with goja and cached per handler path, keyed on the
// source file's modification timestamp: an unchanged file is never re-read,
// a touched file is reloaded on the next request. Concurrent loads of the
// same changed file may both run; whichever finishes last owns the cache
// entry (last write wins).
//
// The loader refuses paths that escape its code root, including through
// symbolic links.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/atomic"

	"github.com/funcbox/funcbox/interfaces"
)

// Loader loads handler modules from a fixed base directory.
type Loader struct {
	baseDir string // absolute, symlinks resolved
	log     *slog.Logger

	mu    sync.RWMutex
	cache map[string]*cacheEntry

	loads atomic.Int64
}

// cacheEntry binds a compiled handler to the source file state it was
// loaded from. At most one entry exists per handler path.
type cacheEntry struct {
	modTime time.Time
	handler *jsHandler
}

// New creates a loader rooted at baseDir. The directory must exist; its
// resolved absolute path is the containment boundary for all handler
// paths.
func New(baseDir string, log *slog.Logger) (*Loader, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve code root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve code root: %w", err)
	}

	return &Loader{
		baseDir: resolved,
		log:     log,
		cache:   make(map[string]*cacheEntry),
	}, nil
}

// resolve maps a relative handler path to an absolute file path inside the
// code root, or fails with ErrPathEscapes / ErrHandlerNotFound.
func (l *Loader) resolve(handlerPath string) (string, error) {
	if handlerPath == "" {
		return "", fmt.Errorf("%w: empty path", ErrHandlerNotFound)
	}
	if filepath.IsAbs(handlerPath) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathEscapes, handlerPath)
	}
	for _, seg := range strings.Split(filepath.ToSlash(handlerPath), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathEscapes, handlerPath)
		}
	}

	joined := filepath.Join(l.baseDir, filepath.FromSlash(handlerPath))

	// Follow symlinks before the containment check so a link pointing
	// outside the root is caught, not read.
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %q", ErrHandlerNotFound, handlerPath)
		}
		return "", fmt.Errorf("%w: %v", ErrHandlerLoad, err)
	}

	rel, err := filepath.Rel(l.baseDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves outside code root", ErrPathEscapes, handlerPath)
	}

	return resolved, nil
}

// Load returns the handler for handlerPath, from cache when the source
// file is unchanged since the cached load. The cache key is the raw
// handler path string as stored on the route, not the resolved file path.
func (l *Loader) Load(ctx context.Context, handlerPath string) (interfaces.Handler, error) {
	filePath, err := l.resolve(handlerPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, handlerPath)
		}
		return nil, fmt.Errorf("%w: %v", ErrHandlerLoad, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %q is a directory", ErrHandlerNotFound, handlerPath)
	}

	l.mu.RLock()
	entry, ok := l.cache[handlerPath]
	l.mu.RUnlock()
	if ok && entry.modTime.Equal(info.ModTime()) {
		return entry.handler, nil
	}

	handler, err := l.loadFresh(ctx, handlerPath, filePath)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[handlerPath] = &cacheEntry{modTime: info.ModTime(), handler: handler}
	l.mu.Unlock()

	l.log.Debug("Loaded handler module",
		slog.String("handlerPath", handlerPath),
		slog.Time("modTime", info.ModTime()))
	return handler, nil
}

// loadFresh reads, compiles and verifies a handler module.
func (l *Loader) loadFresh(ctx context.Context, handlerPath, filePath string) (*jsHandler, error) {
	src, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, handlerPath)
		}
		return nil, fmt.Errorf("%w: %v", ErrHandlerLoad, err)
	}

	prog, err := goja.Compile(handlerPath, string(src), false)
	if err != nil {
		var syntaxErr *goja.CompilerSyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, fmt.Errorf("%w: %v", ErrHandlerSyntax, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrHandlerLoad, err)
	}

	handler := &jsHandler{prog: prog, path: handlerPath, log: l.log}

	// Evaluate once up front so export-shape and module-body failures
	// surface at load time, not on first invocation. The evaluation runs
	// under the caller's context, so module-level environment reads see
	// the request's isolated EnvContext.
	if _, _, err := handler.instantiate(ctx); err != nil {
		return nil, err
	}

	l.loads.Inc()
	return handler, nil
}

// Invalidate discards the cache entry for one handler path.
func (l *Loader) Invalidate(handlerPath string) {
	l.mu.Lock()
	delete(l.cache, handlerPath)
	l.mu.Unlock()
}

// InvalidateAll discards every cache entry.
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	l.cache = make(map[string]*cacheEntry)
	l.mu.Unlock()
}

// Loads returns the number of fresh module loads performed. Cache hits do
// not count.
func (l *Loader) Loads() int64 {
	return l.loads.Load()
}
