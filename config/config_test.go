package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuity/go-query/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	d, err := Parse([]byte(`
stale_time: 30s
cache_time: 15m
retry_limit: 5
refetch_on_focus: true
refetch_on_reconnect: false
`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d.StaleTime)
	assert.Equal(t, 15*time.Minute, d.CacheTime)
	assert.Equal(t, 5, d.RetryLimit)
	assert.True(t, d.RefetchOnFocus)
	assert.False(t, d.RefetchOnReconnect)
}

func TestParseCompoundDurations(t *testing.T) {
	d, err := Parse([]byte("stale_time: 1h30m\ncache_time: 2d"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d.StaleTime)
	assert.Equal(t, 48*time.Hour, d.CacheTime)
}

func TestParseInfinite(t *testing.T) {
	d, err := Parse([]byte("stale_time: infinite\ncache_time: Forever"))
	require.NoError(t, err)
	assert.Equal(t, query.Forever, d.StaleTime)
	assert.Equal(t, query.Forever, d.CacheTime)
}

func TestParseEmptyKeepsEngineDefaults(t *testing.T) {
	d, err := Parse([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, query.Defaults{}, d)
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("stale_time: [oops"))
	assert.Error(t, err)
}

func TestParseInvalidDuration(t *testing.T) {
	_, err := Parse([]byte("stale_time: soon"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale_time")
}

func TestParseNegativeDuration(t *testing.T) {
	_, err := Parse([]byte("cache_time: -5s"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache_time")
}

func TestLoadMissingFile(t *testing.T) {
	d, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, query.Defaults{}, d)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stale_time: 45s"), 0o644))
	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d.StaleTime)
}
