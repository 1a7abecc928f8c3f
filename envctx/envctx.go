// Package envctx provides request-scoped environment variable isolation.
//
// A handler execution is given a fresh, empty EnvContext activated on its
// context.Context. All environment reads and writes made through this
// package are confined to the active EnvContext; when none is active the
// accessors fall through to the real process environment. Handler code
// therefore never observes operator secrets or host configuration through
// the generic environment-read path, and cannot leak values into the host
// process or sibling executions.
//
// Activation follows the logical call chain: the derived context.Context
// carries the EnvContext through suspension points, nested activations
// shadow outer ones, and dropping the derived context restores the outer
// state whether the call returned or failed. Background work spawned with
// the derived context shares the EnvContext by construction.
package envctx

import (
	"context"
	"os"
	"slices"
	"sync"
)

// EnvContext is an isolated, ordered key/value store for one execution.
// It starts empty and is discarded when the execution completes. It is safe
// for concurrent use since handler code may hand its context to background
// work.
type EnvContext struct {
	mu   sync.Mutex
	keys []string
	vals map[string]string
}

// New creates an empty EnvContext.
func New() *EnvContext {
	return &EnvContext{vals: make(map[string]string)}
}

// Lookup returns the value for key and whether it is set.
func (e *EnvContext) Lookup(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vals[key]
	return v, ok
}

// Set stores key=value, preserving the key's original insertion position
// on update.
func (e *EnvContext) Set(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vals[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.vals[key] = value
}

// Unset removes key.
func (e *EnvContext) Unset(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vals[key]; !ok {
		return
	}
	delete(e.vals, key)
	e.keys = slices.DeleteFunc(e.keys, func(k string) bool { return k == key })
}

// Environ returns the variables as "key=value" strings in insertion order.
func (e *EnvContext) Environ() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.vals[k])
	}
	return out
}

// Len returns the number of variables set.
func (e *EnvContext) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keys)
}

type contextKey struct{}

// Activate returns a context carrying env as the active environment.
// The caller's ctx is untouched; using it again after the derived context
// is dropped restores whatever was active before, including on error paths.
func Activate(ctx context.Context, env *EnvContext) context.Context {
	return context.WithValue(ctx, contextKey{}, env)
}

// FromContext returns the active EnvContext, if any.
func FromContext(ctx context.Context) (*EnvContext, bool) {
	env, ok := ctx.Value(contextKey{}).(*EnvContext)
	return env, ok
}

// LookupEnv reads key from the active EnvContext, or from the real process
// environment when no context is active.
func LookupEnv(ctx context.Context, key string) (string, bool) {
	if env, ok := FromContext(ctx); ok {
		return env.Lookup(key)
	}
	return os.LookupEnv(key)
}

// Getenv is LookupEnv without the presence flag.
func Getenv(ctx context.Context, key string) string {
	v, _ := LookupEnv(ctx, key)
	return v
}

// Setenv writes key into the active EnvContext, or into the real process
// environment when no context is active.
func Setenv(ctx context.Context, key, value string) error {
	if env, ok := FromContext(ctx); ok {
		env.Set(key, value)
		return nil
	}
	return os.Setenv(key, value)
}

// Unsetenv removes key from the active EnvContext, or from the real
// process environment when no context is active.
func Unsetenv(ctx context.Context, key string) error {
	if env, ok := FromContext(ctx); ok {
		env.Unset(key)
		return nil
	}
	return os.Unsetenv(key)
}

// Environ enumerates the active EnvContext, or the real process
// environment when no context is active.
func Environ(ctx context.Context) []string {
	if env, ok := FromContext(ctx); ok {
		return env.Environ()
	}
	return os.Environ()
}
