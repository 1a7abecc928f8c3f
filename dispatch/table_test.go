package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funcbox/funcbox/interfaces"
)

func route(id, pattern string, methods ...string) interfaces.Route {
	return interfaces.Route{
		ID:          id,
		Name:        id,
		HandlerPath: "code/" + id + ".js",
		Pattern:     pattern,
		Methods:     methods,
	}
}

func TestCompilePattern(t *testing.T) {
	testCases := []struct {
		pattern string
		wantErr bool
		want    []segment
	}{
		{pattern: "/", want: []segment{}},
		{pattern: "/hello", want: []segment{{literal: "hello"}}},
		{pattern: "/users/{id}", want: []segment{{literal: "users"}, {param: "id"}}},
		{pattern: "/a/{b}/c/{d}", want: []segment{{literal: "a"}, {param: "b"}, {literal: "c"}, {param: "d"}}},
		{pattern: "no-slash", wantErr: true},
		{pattern: "/a//b", wantErr: true},
		{pattern: "/a/{}", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.pattern, func(t *testing.T) {
			segments, err := compilePattern(tc.pattern)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, segments)
		})
	}
}

func TestTableMatch(t *testing.T) {
	table := compileTable([]interfaces.Route{
		route("root", "/", "GET"),
		route("hello", "/hello/{name}", "GET"),
		route("users", "/users/{id}/posts", "GET", "POST"),
	}, func(r interfaces.Route, err error) { t.Fatalf("unexpected skip: %v", err) })

	t.Run("literal root", func(t *testing.T) {
		r, params, ok := table.match("GET", "/")
		require.True(t, ok)
		assert.Equal(t, "root", r.ID)
		assert.Empty(t, params)
	})

	t.Run("parameter extraction", func(t *testing.T) {
		r, params, ok := table.match("GET", "/hello/alice")
		require.True(t, ok)
		assert.Equal(t, "hello", r.ID)
		assert.Equal(t, map[string]string{"name": "alice"}, params)
	})

	t.Run("multi segment", func(t *testing.T) {
		r, params, ok := table.match("POST", "/users/42/posts")
		require.True(t, ok)
		assert.Equal(t, "users", r.ID)
		assert.Equal(t, "42", params["id"])
	})

	t.Run("method mismatch is a plain no-match", func(t *testing.T) {
		_, _, ok := table.match("POST", "/hello/alice")
		assert.False(t, ok)
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, _, ok := table.match("GET", "/hello/alice/extra")
		assert.False(t, ok)
		_, _, ok = table.match("GET", "/hello")
		assert.False(t, ok)
	})

	t.Run("unknown path", func(t *testing.T) {
		_, _, ok := table.match("GET", "/nope")
		assert.False(t, ok)
	})

	t.Run("method is case insensitive via uppercase set", func(t *testing.T) {
		_, _, ok := table.match("get", "/hello/alice")
		assert.True(t, ok)
	})
}

func TestCompileTableNormalizesMethodCase(t *testing.T) {
	stored := route("lower", "/lower", "get", "Post")
	table := compileTable([]interfaces.Route{stored},
		func(r interfaces.Route, err error) { t.Fatalf("unexpected skip: %v", err) })

	_, _, ok := table.match("GET", "/lower")
	assert.True(t, ok, "a route stored with lowercase methods must match")
	_, _, ok = table.match("POST", "/lower")
	assert.True(t, ok)
	_, _, ok = table.match("DELETE", "/lower")
	assert.False(t, ok)

	// The caller's route list is left untouched.
	assert.Equal(t, []string{"get", "Post"}, stored.Methods)
}

func TestCompileTableSkipsInvalidRoutes(t *testing.T) {
	skipped := 0
	bad := route("bad", "no-slash", "GET")
	missingMethods := interfaces.Route{ID: "m", Name: "m", HandlerPath: "code/m.js", Pattern: "/m"}

	table := compileTable([]interfaces.Route{
		bad,
		missingMethods,
		route("good", "/good", "GET"),
	}, func(r interfaces.Route, err error) { skipped++ })

	assert.Equal(t, 2, skipped)
	require.Len(t, table.routes, 1)
	assert.Equal(t, "good", table.routes[0].route.ID)
}
