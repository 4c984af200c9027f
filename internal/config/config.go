// Package config holds boot configuration and the download policy.
// Policy records are immutable; the control plane swaps a whole new
// record rather than mutating fields in place.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Sources enumerates the six upstream sources in ordinal order. The
// ordinal doubles as the comic type stored on library rows.
var Sources = []string{"picacg", "ehentai", "jm", "hitomi", "htmanga", "nhentai"}

// SourceOrdinal returns the 0-based ordinal of a source, or -1.
func SourceOrdinal(source string) int {
	for i, s := range Sources {
		if s == source {
			return i
		}
	}
	return -1
}

// KnownSource reports whether source is one of the six adapters.
func KnownSource(source string) bool {
	return SourceOrdinal(source) >= 0
}

const (
	MinTaskConcurrent = 1
	MaxTaskConcurrent = 20
	MinFileConcurrent = 1
	MaxFileConcurrent = 16

	defaultFileRetries    = 2
	defaultFileConcurrent = 6
	defaultMaxConcurrent  = 3
	defaultPort           = 8080
)

// Policy carries the per-source retry counts and file concurrency
// ceilings plus the global task ceiling. Treated as a value: runtime
// changes replace the whole record behind the engine's lock.
type Policy struct {
	FileRetriesDefault     int
	FileRetriesBySource    map[string]int
	FileConcurrentDefault  int
	FileConcurrentBySource map[string]int
	MaxConcurrent          int
}

// FileRetries returns the retry budget for one source.
func (p Policy) FileRetries(source string) int {
	if n, ok := p.FileRetriesBySource[source]; ok && n >= 0 {
		return n
	}
	return p.FileRetriesDefault
}

// FileConcurrent returns the file fan-out ceiling for one source,
// clamped to [1,16].
func (p Policy) FileConcurrent(source string) int {
	n := p.FileConcurrentDefault
	if v, ok := p.FileConcurrentBySource[source]; ok && v > 0 {
		n = v
	}
	return clamp(n, MinFileConcurrent, MaxFileConcurrent)
}

// WithMaxConcurrent returns a copy with the task ceiling replaced.
func (p Policy) WithMaxConcurrent(n int) Policy {
	p.MaxConcurrent = clamp(n, MinTaskConcurrent, MaxTaskConcurrent)
	return p
}

// WithFileConcurrentDefault returns a copy with the default file
// fan-out ceiling replaced.
func (p Policy) WithFileConcurrentDefault(n int) Policy {
	p.FileConcurrentDefault = clamp(n, MinFileConcurrent, MaxFileConcurrent)
	return p
}

// Config is everything read at boot.
type Config struct {
	Bind    string
	Port    int
	Storage string
	APIKey  string
	Debug   bool // PICA_TASK_DEBUG=1: full stacks in task messages
	Policy  Policy
}

// FromEnv reads the PICA_* knobs. Every knob is optional.
func FromEnv() Config {
	cfg := Config{
		Bind:    envString("PICA_BIND", "127.0.0.1"),
		Port:    envInt("PICA_PORT", defaultPort),
		Storage: envString("PICA_STORAGE", "data"),
		APIKey:  os.Getenv("PICA_API_KEY"),
		Debug:   os.Getenv("PICA_TASK_DEBUG") == "1",
		Policy: Policy{
			FileRetriesDefault:     envInt("PICA_FILE_RETRIES_DEFAULT", defaultFileRetries),
			FileRetriesBySource:    map[string]int{},
			FileConcurrentDefault:  clamp(envInt("PICA_FILE_CONCURRENT_DEFAULT", defaultFileConcurrent), MinFileConcurrent, MaxFileConcurrent),
			FileConcurrentBySource: map[string]int{},
			MaxConcurrent:          clamp(envInt("PICA_MAX_CONCURRENT", defaultMaxConcurrent), MinTaskConcurrent, MaxTaskConcurrent),
		},
	}
	for _, source := range Sources {
		key := strings.ToUpper(source)
		if v, ok := envIntOK("PICA_FILE_RETRIES_" + key); ok {
			cfg.Policy.FileRetriesBySource[source] = v
		}
		if v, ok := envIntOK("PICA_FILE_CONCURRENT_" + key); ok {
			cfg.Policy.FileConcurrentBySource[source] = clamp(v, MinFileConcurrent, MaxFileConcurrent)
		}
	}
	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := envIntOK(key); ok {
		return v
	}
	return def
}

func envIntOK(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
