package env

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Reader reads typed environment variables. A value that is set but cannot
// be parsed is remembered rather than replaced by the default, so a typo in
// CALL_RING_TIMEOUT fails startup instead of silently using the default.
type Reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

// NewReader reads from the process environment
func NewReader() *Reader {
	return &Reader{lookup: os.LookupEnv}
}

// NewReaderFrom reads from vars instead of the process environment
func NewReaderFrom(vars map[string]string) *Reader {
	return &Reader{lookup: func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}}
}

// Err returns every parse failure seen so far, or nil
func (r *Reader) Err() error {
	return stderrors.Join(r.errs...)
}

func (r *Reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *Reader) fail(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

// String returns the variable or defaultValue when unset
func (r *Reader) String(key, defaultValue string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return defaultValue
}

// Secret reads key, or the file named by key_FILE (Docker secrets) when that
// is set. An unreadable secret file is an error, not an empty secret.
func (r *Reader) Secret(key, defaultValue string) string {
	if path, ok := r.raw(key + "_FILE"); ok {
		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			r.fail(key+"_FILE", path, err)
			return defaultValue
		}
		return string(bytes.TrimSpace(content))
	}
	return r.String(key, defaultValue)
}

// Int returns the variable as an integer
func (r *Reader) Int(key string, defaultValue int) int {
	v, ok := r.raw(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return defaultValue
	}
	return n
}

// Bool returns the variable as a boolean
func (r *Reader) Bool(key string, defaultValue bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return defaultValue
	}
	return b
}

// Duration returns the variable as a Go duration string ("45s", "2m")
func (r *Reader) Duration(key string, defaultValue time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return defaultValue
	}
	return d
}

// List splits a comma-separated variable, dropping empty items
func (r *Reader) List(key string, defaultValue []string) []string {
	v, ok := r.raw(key)
	if !ok {
		return defaultValue
	}
	var result []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
