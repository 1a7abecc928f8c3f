package interfaces

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteValidate(t *testing.T) {
	valid := Route{
		ID:          "r1",
		Name:        "hello",
		HandlerPath: "code/hello.js",
		Pattern:     "/hello",
		Methods:     []string{"GET"},
	}
	assert.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Route){
		"empty id":           func(r *Route) { r.ID = "" },
		"empty name":         func(r *Route) { r.Name = "" },
		"empty handler path": func(r *Route) { r.HandlerPath = "" },
		"relative pattern":   func(r *Route) { r.Pattern = "hello" },
		"no methods":         func(r *Route) { r.Methods = nil },
		"empty group name":   func(r *Route) { r.RequiredGroups = []string{""} },
	} {
		t.Run(name, func(t *testing.T) {
			r := valid
			mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestRoutePublicAndMethods(t *testing.T) {
	r := Route{Methods: []string{"GET", "POST"}}
	assert.True(t, r.Public())
	assert.True(t, r.AllowsMethod("get"))
	assert.True(t, r.AllowsMethod("POST"))
	assert.False(t, r.AllowsMethod("DELETE"))

	r.RequiredGroups = []string{"partners"}
	assert.False(t, r.Public())
}

func TestValidateSecretName(t *testing.T) {
	for _, name := range []string{"DB_URL", "api-key", "token123", "a"} {
		assert.NoError(t, ValidateSecretName(name), name)
	}
	for _, name := range []string{"", "has space", "semi;colon", "dot.name", "slash/name"} {
		assert.ErrorIs(t, ValidateSecretName(name), ErrInvalidSecretName, name)
	}
}

func TestEncryptedSecretValidate(t *testing.T) {
	base := EncryptedSecret{Name: "TOKEN", Scope: ScopeGroup, ScopeRef: "g1"}
	assert.NoError(t, base.Validate())

	global := EncryptedSecret{Name: "TOKEN", Scope: ScopeGlobal}
	assert.NoError(t, global.Validate())

	t.Run("global with scope ref", func(t *testing.T) {
		s := global
		s.ScopeRef = "ref"
		assert.Error(t, s.Validate())
	})

	t.Run("scoped without scope ref", func(t *testing.T) {
		s := base
		s.ScopeRef = ""
		assert.Error(t, s.Validate())
	})

	t.Run("unknown scope", func(t *testing.T) {
		s := base
		s.Scope = "workspace"
		assert.Error(t, s.Validate())
	})
}

func TestScopeKindValid(t *testing.T) {
	for _, s := range []ScopeKind{ScopeGlobal, ScopeFunction, ScopeGroup, ScopeKey} {
		assert.True(t, s.Valid())
	}
	assert.False(t, ScopeKind("other").Valid())
	assert.False(t, ScopeKind("").Valid())
}
