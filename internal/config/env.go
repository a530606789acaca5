// Package config loads the client and gateway configuration from defaults
// overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// envReader parses typed values from a lookup function and keeps the first
// parse error.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func newEnvReader(lookup func(string) (string, bool)) *envReader {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &envReader{lookup: lookup}
}

func (r *envReader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	return v, ok && v != ""
}

func (r *envReader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (r *envReader) String(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *envReader) Bytes(key string, dst *[]byte) {
	if v, ok := r.get(key); ok {
		*dst = []byte(v)
	}
}

func (r *envReader) Int(key string, dst *int) {
	if v, ok := r.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) Float(key string, dst *float64) {
	if v, ok := r.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) Bool(key string, dst *bool) {
	if v, ok := r.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) Duration(key string, dst *time.Duration) {
	if v, ok := r.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = d
	}
}

func validLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func validLogFormat(format string) bool {
	return format == "json" || format == "text"
}
