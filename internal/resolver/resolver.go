// Package resolver decides which Ollama base URL a request should use.
//
// Precedence is fixed: the OLLAMA_BASE environment variable, then the
// configured ollama_base value, then DefaultBase. Nothing is cached; every
// call looks at the environment and configuration as they are right now.
package resolver

import (
	"os"
	"strings"
)

const (
	// EnvVar is the environment override checked first.
	EnvVar = "OLLAMA_BASE"
	// ConfigKey is the configuration key checked second.
	ConfigKey = "ollama_base"
	// DefaultBase is used when neither override is present.
	DefaultBase = "http://127.0.0.1:11434"
)

// Source records where a resolved base URL came from.
type Source string

const (
	SourceEnv     Source = "env"
	SourceConfig  Source = "config"
	SourceDefault Source = "default"
)

// Backend is the outcome of one resolution.
type Backend struct {
	BaseURL string `json:"base"`
	Source  Source `json:"source"`
}

// LookupEnv matches os.LookupEnv so tests can substitute a fake environment.
type LookupEnv func(key string) (string, bool)

// Resolve applies the precedence rules. Blank values do not count as set.
func Resolve(lookup LookupEnv, configured string) Backend {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvVar); ok && strings.TrimSpace(v) != "" {
		return Backend{BaseURL: normalize(v), Source: SourceEnv}
	}
	if strings.TrimSpace(configured) != "" {
		return Backend{BaseURL: normalize(configured), Source: SourceConfig}
	}
	return Backend{BaseURL: DefaultBase, Source: SourceDefault}
}

func normalize(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}

// Snapshot is the raw view served by the diagnostics endpoint alongside
// the resolved value.
type Snapshot struct {
	Env      *string `json:"env"`
	Config   *string `json:"config"`
	Resolved Backend `json:"resolved"`
}

// Inspect resolves and also reports the raw inputs. Env and Config are nil
// when unset.
func Inspect(lookup LookupEnv, configured string) Snapshot {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var s Snapshot
	if v, ok := lookup(EnvVar); ok {
		s.Env = &v
	}
	if configured != "" {
		c := configured
		s.Config = &c
	}
	s.Resolved = Resolve(lookup, configured)
	return s
}
