// Package config loads cache-level defaults from a YAML file, for
// applications that tune freshness and retry policy per deployment rather
// than in code:
//
//	stale_time: 30s
//	cache_time: 15m
//	retry_limit: 5
//	refetch_on_focus: true
//	refetch_on_reconnect: true
//
// Durations accept the compound forms of go-str2duration ("1h30m", "2d")
// plus "infinite" to disable a policy entirely.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"github.com/agentuity/go-query/query"
)

// File is the YAML shape of a defaults file. Absent fields keep the engine
// defaults.
type File struct {
	StaleTime          string `yaml:"stale_time"`
	CacheTime          string `yaml:"cache_time"`
	RetryLimit         *int   `yaml:"retry_limit"`
	RefetchOnFocus     *bool  `yaml:"refetch_on_focus"`
	RefetchOnReconnect *bool  `yaml:"refetch_on_reconnect"`
}

// Load reads a defaults file. A missing file is not an error: it returns the
// engine defaults unchanged.
func Load(path string) (query.Defaults, error) {
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return query.Defaults{}, nil
	}
	if err != nil {
		return query.Defaults{}, err
	}
	return Parse(buf)
}

// Parse decodes a defaults file from memory.
func Parse(buf []byte) (query.Defaults, error) {
	var f File
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return query.Defaults{}, fmt.Errorf("config: invalid defaults file: %w", err)
	}
	return f.Defaults()
}

// Defaults converts the parsed file into engine defaults.
func (f File) Defaults() (query.Defaults, error) {
	var d query.Defaults
	var err error
	if d.StaleTime, err = parseDuration("stale_time", f.StaleTime); err != nil {
		return query.Defaults{}, err
	}
	if d.CacheTime, err = parseDuration("cache_time", f.CacheTime); err != nil {
		return query.Defaults{}, err
	}
	if f.RetryLimit != nil {
		d.RetryLimit = *f.RetryLimit
	}
	if f.RefetchOnFocus != nil {
		d.RefetchOnFocus = *f.RefetchOnFocus
	}
	if f.RefetchOnReconnect != nil {
		d.RefetchOnReconnect = *f.RefetchOnReconnect
	}
	return d, nil
}

func parseDuration(field, val string) (time.Duration, error) {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	switch strings.ToLower(val) {
	case "infinite", "forever":
		return query.Forever, nil
	}
	d, err := str2duration.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", field, val, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", field)
	}
	return d, nil
}
