package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"

	"github.com/funcbox/funcbox/envctx"
	"github.com/funcbox/funcbox/interfaces"
)

// jsHandler is a compiled handler module. The compiled program is shared
// and immutable; a fresh goja runtime is created per invocation because
// runtimes are not safe for concurrent use.
type jsHandler struct {
	prog *goja.Program
	path string
	log  *slog.Logger
}

// instantiate evaluates the module body in a new runtime and returns its
// default export. Environment bindings are wired to ctx before evaluation
// so module-level reads are already isolated.
func (h *jsHandler) instantiate(ctx context.Context) (goja.Callable, *goja.Runtime, error) {
	vm := goja.New()

	exports := vm.NewObject()
	module := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("exports", exports)
	_ = vm.Set("module", module)

	h.bindEnv(vm, ctx)
	h.bindConsole(vm)

	if _, err := vm.RunProgram(h.prog); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandlerLoad, err)
	}

	// The module may have reassigned module.exports wholesale.
	exportsVal := module.Get("exports")
	if exportsVal == nil || goja.IsUndefined(exportsVal) || goja.IsNull(exportsVal) {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidHandler, h.path)
	}

	def := exportsVal.ToObject(vm).Get("default")
	fn, ok := goja.AssertFunction(def)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidHandler, h.path)
	}
	return fn, vm, nil
}

// bindEnv exposes the isolated environment to handler code as a global
// `env` object. All operations go through envctx, so they hit the active
// EnvContext and never the host process environment.
func (h *jsHandler) bindEnv(vm *goja.Runtime, ctx context.Context) {
	env := vm.NewObject()
	_ = env.Set("get", func(name string) goja.Value {
		if v, ok := envctx.LookupEnv(ctx, name); ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	_ = env.Set("set", func(name, value string) {
		_ = envctx.Setenv(ctx, name, value)
	})
	_ = env.Set("delete", func(name string) {
		_ = envctx.Unsetenv(ctx, name)
	})
	_ = env.Set("list", func() []string {
		return envctx.Environ(ctx)
	})
	_ = vm.Set("env", env)
}

// bindConsole routes console output into the service log, tagged with the
// handler path.
func (h *jsHandler) bindConsole(vm *goja.Runtime) {
	log := h.log.With(slog.String("handler", h.path))
	console := vm.NewObject()
	_ = console.Set("log", func(args ...goja.Value) {
		log.Info(formatConsoleArgs(args))
	})
	_ = console.Set("error", func(args ...goja.Value) {
		log.Error(formatConsoleArgs(args))
	})
	_ = console.Set("warn", func(args ...goja.Value) {
		log.Warn(formatConsoleArgs(args))
	})
	_ = console.Set("debug", func(args ...goja.Value) {
		log.Debug(formatConsoleArgs(args))
	})
	_ = vm.Set("console", console)
}

func formatConsoleArgs(args []goja.Value) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a.String()
	}
	return out
}

// Invoke runs the handler with the raw request and execution context.
// Implements interfaces.Handler.
func (h *jsHandler) Invoke(ctx context.Context, req *interfaces.HandlerRequest, ec *interfaces.ExecutionContext) (resp *interfaces.HandlerResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	fn, vm, err := h.instantiate(ctx)
	if err != nil {
		return nil, err
	}

	reqVal := vm.ToValue(map[string]any{
		"method":  req.Method,
		"url":     req.URL,
		"headers": req.Headers,
		"query":   req.Query,
		"body":    req.Body,
	})

	ctxVal, err := h.executionContextValue(vm, ec)
	if err != nil {
		return nil, err
	}

	result, err := fn(goja.Undefined(), reqVal, ctxVal)
	if err != nil {
		return nil, err
	}

	return convertResult(vm, result)
}

// executionContextValue builds the ctx object handed to the handler,
// including the secret accessor closures bound to this request's identity.
func (h *jsHandler) executionContextValue(vm *goja.Runtime, ec *interfaces.ExecutionContext) (goja.Value, error) {
	obj := vm.NewObject()
	_ = obj.Set("route", map[string]any{
		"id":   ec.Route.ID,
		"name": ec.Route.Name,
		"path": ec.Route.Path,
	})
	_ = obj.Set("params", ec.Params)
	_ = obj.Set("query", ec.Query)
	_ = obj.Set("requestId", ec.RequestID)
	_ = obj.Set("group", ec.MatchedGroup)
	_ = obj.Set("timestamp", ec.Timestamp.UTC().Format(time.RFC3339Nano))

	secretsObj := vm.NewObject()
	_ = secretsObj.Set("get", func(name string) (goja.Value, error) {
		if ec.GetSecret == nil {
			return goja.Undefined(), nil
		}
		v, err := ec.GetSecret(name)
		if errors.Is(err, interfaces.ErrSecretNotFound) {
			return goja.Undefined(), nil
		}
		if err != nil {
			return nil, err
		}
		return vm.ToValue(v), nil
	})
	_ = secretsObj.Set("getAll", func(name string) (goja.Value, error) {
		if ec.GetAllSecrets == nil {
			return vm.ToValue([]any{}), nil
		}
		all, err := ec.GetAllSecrets(name)
		if errors.Is(err, interfaces.ErrSecretNotFound) {
			return vm.ToValue([]any{}), nil
		}
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(all))
		for _, s := range all {
			out = append(out, map[string]any{
				"value":    s.Value,
				"scope":    string(s.Scope),
				"scopeRef": s.ScopeRef,
			})
		}
		return vm.ToValue(out), nil
	})
	_ = obj.Set("secrets", secretsObj)

	return obj, nil
}

// convertResult turns a handler's return value into a HandlerResponse.
// An object carrying a numeric `status` is taken as response-shaped
// ({status, headers, body}); anything else is JSON-encoded as a 200 body.
func convertResult(vm *goja.Runtime, result goja.Value) (*interfaces.HandlerResponse, error) {
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return &interfaces.HandlerResponse{
			Status:  200,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    []byte("{}"),
		}, nil
	}

	exported := result.Export()

	if m, ok := exported.(map[string]any); ok {
		if status, ok := numericField(m, "status"); ok {
			return responseShaped(m, status)
		}
	}

	body, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("handler result not serializable: %w", err)
	}
	return &interfaces.HandlerResponse{
		Status:  200,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}, nil
}

func numericField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func responseShaped(m map[string]any, status int) (*interfaces.HandlerResponse, error) {
	resp := &interfaces.HandlerResponse{
		Status:  status,
		Headers: map[string]string{},
	}

	if hdrs, ok := m["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			if s, ok := v.(string); ok {
				resp.Headers[k] = s
			}
		}
	}

	switch body := m["body"].(type) {
	case nil:
		// status-only response
	case string:
		resp.Body = []byte(body)
		if _, ok := resp.Headers["Content-Type"]; !ok {
			resp.Headers["Content-Type"] = "text/plain; charset=utf-8"
		}
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("handler response body not serializable: %w", err)
		}
		resp.Body = encoded
		if _, ok := resp.Headers["Content-Type"]; !ok {
			resp.Headers["Content-Type"] = "application/json"
		}
	}

	return resp, nil
}
