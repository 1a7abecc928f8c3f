package loader

import "errors"

// Load failure conditions. Callers classify with errors.Is to pick status
// codes and diagnostics.
var (
	// ErrHandlerNotFound indicates the handler source file does not exist
	// under the code root.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrPathEscapes indicates a handler path that is absolute, contains
	// a parent-directory segment, or resolves through symlinks to a file
	// outside the code root. This is a security boundary: the loader
	// never reads the target.
	ErrPathEscapes = errors.New("handler path escapes code root")

	// ErrInvalidHandler indicates the module does not expose exactly one
	// invocable default export.
	ErrInvalidHandler = errors.New("handler has no invocable default export")

	// ErrHandlerSyntax indicates the handler source failed to compile.
	ErrHandlerSyntax = errors.New("handler syntax error")

	// ErrHandlerLoad indicates any other load failure, such as a runtime
	// error while evaluating the module body.
	ErrHandlerLoad = errors.New("handler load failed")
)
