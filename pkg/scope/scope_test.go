package scope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Scope
		wantErr string
	}{
		{"full scope", "acme-tyk2-lig1", Scope{"acme", "tyk2", "lig1"}, ""},
		{"wildcard project", "acme-tyk2-*", Scope{"acme", "tyk2", "*"}, ""},
		{"org only defaults to wildcards", "acme", Scope{"acme", "*", "*"}, ""},
		{"all wildcards", "*-*-*", All, ""},
		{"empty", "", Scope{}, "cannot be empty"},
		{"too many levels", "a-b-c-d", Scope{}, "at most 3 levels"},
		{"invalid characters", "acme-ty k2-p", Scope{}, "campaign level"},
		{"empty level", "acme--p", Scope{}, "campaign level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScopeString(t *testing.T) {
	assert.Equal(t, "acme-tyk2-lig1", MustParse("acme-tyk2-lig1").String())
	assert.Equal(t, "acme-*-*", MustParse("acme").String())
}

func TestIsSpecific(t *testing.T) {
	assert.True(t, MustParse("a-b-c").IsSpecific())
	assert.False(t, MustParse("a-b-*").IsSpecific())
	assert.False(t, All.IsSpecific())
}

func TestMatches(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"a-b-c", "a-b-c", true},
		{"a-b-c", "a-b-d", false},
		{"a-*-*", "a-b-c", true},
		{"a-b-c", "a-*-*", true},
		{"*-*-*", "x-y-z", true},
		{"a-*-c", "a-b-d", false},
		{"b-*-*", "a-b-c", false},
	}

	for _, tt := range tests {
		t.Run(tt.a+"~"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, MustParse(tt.a).Matches(MustParse(tt.b)))
		})
	}
}

func TestContains(t *testing.T) {
	assert.True(t, MustParse("a-*-*").Contains(MustParse("a-b-c")))
	assert.True(t, MustParse("a-*-*").Contains(MustParse("a-b-*")))
	assert.False(t, MustParse("a-b-c").Contains(MustParse("a-*-*")))
	assert.False(t, MustParse("a-b-*").Contains(MustParse("a-c-d")))
}

func TestSetMatches(t *testing.T) {
	set, err := ParseSet([]string{"a-b-c", "x-*-*"})
	require.NoError(t, err)

	assert.True(t, set.Matches(MustParse("a-b-c")))
	assert.True(t, set.Matches(MustParse("x-y-z")))
	assert.False(t, set.Matches(MustParse("a-b-d")))
	assert.False(t, Set{}.Matches(MustParse("a-b-c")))
}

func TestRestrict(t *testing.T) {
	auth := Set{MustParse("acme-*-*")}

	t.Run("broad request is narrowed to authorization", func(t *testing.T) {
		got := auth.Restrict(Set{All})
		assert.Equal(t, Set{MustParse("acme-*-*")}, got)
	})

	t.Run("empty request means everything authorized", func(t *testing.T) {
		got := auth.Restrict(nil)
		assert.Equal(t, Set{MustParse("acme-*-*")}, got)
	})

	t.Run("narrow request is kept", func(t *testing.T) {
		got := auth.Restrict(Set{MustParse("acme-tyk2-lig1")})
		assert.Equal(t, Set{MustParse("acme-tyk2-lig1")}, got)
	})

	t.Run("disjoint request is dropped", func(t *testing.T) {
		got := auth.Restrict(Set{MustParse("other-*-*")})
		assert.Empty(t, got)
	})

	t.Run("partial overlap intersects", func(t *testing.T) {
		narrow := Set{MustParse("acme-tyk2-*")}
		got := narrow.Restrict(Set{MustParse("*-*-lig1")})
		assert.Equal(t, Set{MustParse("acme-tyk2-lig1")}, got)
	})
}

func TestScopeJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Scope{"scope": MustParse("a-b-c")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"scope":"a-b-c"}`, string(data))

	var decoded map[string]Scope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, MustParse("a-b-c"), decoded["scope"])

	assert.Error(t, json.Unmarshal([]byte(`{"scope":"a b"}`), &decoded))

	t.Run("zero scope is empty string", func(t *testing.T) {
		data, err := json.Marshal(map[string]Scope{"scope": {}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"scope":""}`, string(data))

		var decoded map[string]Scope
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.True(t, decoded["scope"].IsZero())
	})
}
