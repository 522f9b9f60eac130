package keys

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashDeterministic(t *testing.T) {
	k := Key{"todos", map[string]any{"status": "open", "page": 2}}
	assert.Equal(t, Hash(k), Hash(k))
}

func TestHashMapOrderIndependent(t *testing.T) {
	a := Key{"todos", map[string]any{"a": 1, "b": 2, "c": 3}}
	b := Key{"todos", map[string]any{"c": 3, "b": 2, "a": 1}}
	assert.Equal(t, Hash(a), Hash(b))
}

func TestHashNumberNormalization(t *testing.T) {
	assert.Equal(t, Hash(Key{"page", 1}), Hash(Key{"page", 1.0}))
	assert.Equal(t, Hash(Key{"page", int64(7)}), Hash(Key{"page", float64(7)}))
	assert.NotEqual(t, Hash(Key{"page", 1}), Hash(Key{"page", 1.5}))
}

func TestHashHugeFloats(t *testing.T) {
	// Integer-valued floats beyond the int64 range keep the float encoding
	// instead of going through an overflowing conversion.
	assert.Equal(t, Hash(Key{"n", 1e20}), Hash(Key{"n", 1e20}))
	assert.NotEqual(t, Hash(Key{"n", 1e20}), Hash(Key{"n", 2e20}))
	assert.NotEqual(t, Hash(Key{"n", 1e20}), Hash(Key{"n", -1e20}))

	// The boundary value 2^63 must not collide with its negation or with
	// nearby in-range integers.
	boundary := math.Ldexp(1, 63)
	assert.NotEqual(t, Hash(Key{"n", boundary}), Hash(Key{"n", -boundary}))
	assert.NotEqual(t, Hash(Key{"n", boundary}), Hash(Key{"n", int64(1) << 62}))
}

func TestHashDistinguishesKeys(t *testing.T) {
	assert.NotEqual(t, Hash(Key{"todos"}), Hash(Key{"todos", 1}))
	assert.NotEqual(t, Hash(Key{"todos"}), Hash(Key{"users"}))
	assert.NotEqual(t, Hash(Key{"a", "b"}), Hash(Key{"ab"}))
}

func TestHashNested(t *testing.T) {
	a := Key{"search", map[string]any{"filters": map[string]any{"done": true, "tags": []any{"x", "y"}}}}
	b := Key{"search", map[string]any{"filters": map[string]any{"tags": []any{"x", "y"}, "done": true}}}
	assert.Equal(t, Hash(a), Hash(b))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Key{"todos", 1}, Key{"todos", 1}))
	assert.False(t, Equal(Key{"todos", 1}, Key{"todos", 2}))
}

func TestMatchesPrefix(t *testing.T) {
	key := Key{"todos", "list", map[string]any{"page": 1}}

	assert.True(t, MatchesPrefix(key, Key{}))
	assert.True(t, MatchesPrefix(key, Key{"todos"}))
	assert.True(t, MatchesPrefix(key, Key{"todos", "list"}))
	assert.True(t, MatchesPrefix(key, key))

	assert.False(t, MatchesPrefix(key, Key{"users"}))
	assert.False(t, MatchesPrefix(key, Key{"todos", "detail"}))
	assert.False(t, MatchesPrefix(Key{"todos"}, Key{"todos", "list"}))
}

func TestMatchesPrefixStructural(t *testing.T) {
	key := Key{"todos", map[string]any{"page": 1, "status": "open"}}
	assert.True(t, MatchesPrefix(key, Key{"todos", map[string]any{"status": "open", "page": 1.0}}))
	assert.False(t, MatchesPrefix(key, Key{"todos", map[string]any{"page": 2}}))
}
