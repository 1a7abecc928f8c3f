package dispatch

import (
	"fmt"
	"strings"

	"github.com/funcbox/funcbox/interfaces"
)

// segment is one element of a compiled URL pattern: either a literal or a
// named parameter ({name}).
type segment struct {
	literal string
	param   string
}

// compiledRoute is a route with its pattern broken into matchable
// segments.
type compiledRoute struct {
	route    interfaces.Route
	segments []segment
}

// routeTable is an immutable snapshot of the compiled routing table.
// Rebuilds swap in a whole new table; entries are never mutated in place.
type routeTable struct {
	routes []compiledRoute
}

// compilePattern splits a URL pattern into segments, extracting {name}
// parameters.
func compilePattern(pattern string) ([]segment, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("pattern must start with '/': %q", pattern)
	}

	raw := strings.Split(strings.Trim(pattern, "/"), "/")
	if len(raw) == 1 && raw[0] == "" {
		// root pattern "/"
		return []segment{}, nil
	}

	segments := make([]segment, 0, len(raw))
	for _, part := range raw {
		if part == "" {
			return nil, fmt.Errorf("pattern has empty segment: %q", pattern)
		}
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := part[1 : len(part)-1]
			if name == "" {
				return nil, fmt.Errorf("pattern has unnamed parameter: %q", pattern)
			}
			segments = append(segments, segment{param: name})
			continue
		}
		segments = append(segments, segment{literal: part})
	}
	return segments, nil
}

// compileTable builds a new routing table from a route list. Routes that
// fail validation or pattern compilation are skipped, so one bad record
// cannot take down the table.
func compileTable(routes []interfaces.Route, onSkip func(interfaces.Route, error)) *routeTable {
	table := &routeTable{routes: make([]compiledRoute, 0, len(routes))}
	for _, r := range routes {
		if err := r.Validate(); err != nil {
			onSkip(r, err)
			continue
		}
		segments, err := compilePattern(r.Pattern)
		if err != nil {
			onSkip(r, err)
			continue
		}
		// Method comparison is upper-case on both sides, so a route stored
		// with lowercase methods still matches.
		methods := make([]string, len(r.Methods))
		for i, m := range r.Methods {
			methods[i] = strings.ToUpper(m)
		}
		r.Methods = methods
		table.routes = append(table.routes, compiledRoute{route: r, segments: segments})
	}
	return table
}

// match finds the first route accepting method+path and returns it with
// the extracted path parameters. Both an unknown path and a known path
// with a disallowed method are a plain no-match.
func (t *routeTable) match(method, path string) (*interfaces.Route, map[string]string, bool) {
	parts := splitPath(path)

	for i := range t.routes {
		cr := &t.routes[i]
		if !cr.route.AllowsMethod(method) {
			continue
		}
		params, ok := matchSegments(cr.segments, parts)
		if !ok {
			continue
		}
		return &cr.route, params, true
	}
	return nil, nil, false
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func matchSegments(segments []segment, parts []string) (map[string]string, bool) {
	if len(segments) != len(parts) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range segments {
		if seg.param != "" {
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}
