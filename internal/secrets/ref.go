// Package secrets resolves credential references such as the collector API
// key and the ingest bearer token.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode"
)

var ErrSecretRef = errors.New("invalid secret reference")

// Resolver loads references. The zero value reads the process environment
// and the local filesystem.
type Resolver struct {
	LookupEnv func(string) (string, bool)
	ReadFile  func(string) ([]byte, error)
}

// ValidateRef checks a reference's shape without loading it.
//
// Supported forms:
//   - env:NAME
//   - file:/path/to/secret
//   - raw:literal-value (tests and local development)
func ValidateRef(ref string) error {
	_, _, err := splitRef(ref)
	return err
}

// LoadRef loads ref with the default resolver.
func LoadRef(ref string) (Value, error) {
	return Resolver{}.Load(ref)
}

func (r Resolver) Load(ref string) (Value, error) {
	scheme, arg, err := splitRef(ref)
	if err != nil {
		return "", err
	}

	switch scheme {
	case "env":
		lookup := r.LookupEnv
		if lookup == nil {
			lookup = os.LookupEnv
		}
		val, _ := lookup(arg)
		if val == "" {
			return "", fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, arg)
		}
		return Value(val), nil
	case "file":
		read := r.ReadFile
		if read == nil {
			read = os.ReadFile
		}
		b, err := read(arg)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return "", fmt.Errorf("%w: file %q is empty", ErrSecretRef, arg)
		}
		return Value(val), nil
	default:
		return Value(arg), nil
	}
}

// splitRef trims whitespace around the scheme only; a raw: value is kept as
// written.
func splitRef(ref string) (scheme, arg string, err error) {
	ref = strings.TrimLeftFunc(ref, unicode.IsSpace)
	if strings.TrimSpace(ref) == "" {
		return "", "", fmt.Errorf("%w: empty", ErrSecretRef)
	}
	scheme, arg, ok := strings.Cut(ref, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: missing scheme (use env:, file:, or raw:)", ErrSecretRef)
	}
	switch scheme {
	case "env":
		arg = strings.TrimSpace(arg)
		if arg == "" {
			return "", "", fmt.Errorf("%w: env var name is empty", ErrSecretRef)
		}
	case "file":
		arg = strings.TrimSpace(arg)
		if arg == "" {
			return "", "", fmt.Errorf("%w: file path is empty", ErrSecretRef)
		}
	case "raw":
		if arg == "" {
			return "", "", fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q (use env:, file:, or raw:)", ErrSecretRef, scheme)
	}
	return scheme, arg, nil
}

// Value is a loaded secret. It never prints its content through fmt or slog.
type Value string

func (v Value) Reveal() string { return string(v) }

func (v Value) String() string {
	if v == "" {
		return ""
	}
	return "[redacted]"
}

func (v Value) GoString() string { return v.String() }

func (v Value) LogValue() slog.Value { return slog.StringValue(v.String()) }
