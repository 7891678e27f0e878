// Package httpheader validates operator-supplied extra request headers for the
// collector transport.
package httpheader

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var ErrReserved = errors.New("reserved header")

// reserved headers are owned by the HTTP deliverer.
var reserved = map[string]struct{}{
	"Authorization":     {},
	"Content-Type":      {},
	"Content-Length":    {},
	"Accept":            {},
	"Connection":        {},
	"Host":              {},
	"Transfer-Encoding": {},
}

// ValidateMap checks every name is an HTTP token and every value is free of
// control characters. Reserved names are rejected.
func ValidateMap(headers map[string]string) error {
	_, err := Build(headers)
	return err
}

// Build validates headers and returns them canonicalized. Errors are reported
// in sorted name order so messages are stable.
func Build(headers map[string]string) (http.Header, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(http.Header, len(headers))
	for _, rawName := range names {
		rawValue := headers[rawName]
		name := strings.TrimSpace(rawName)
		if name == "" {
			return nil, fmt.Errorf("header name must not be empty")
		}
		if rawName != name {
			return nil, fmt.Errorf("header %q has leading or trailing whitespace", rawName)
		}
		if !validHeaderFieldName(name) {
			return nil, fmt.Errorf("header %q has invalid field name", name)
		}
		if !validHeaderFieldValue(rawValue) {
			return nil, fmt.Errorf("header %q has invalid field value", name)
		}
		canonical := http.CanonicalHeaderKey(name)
		if _, ok := reserved[canonical]; ok {
			return nil, fmt.Errorf("%w: %q is set by the collector transport", ErrReserved, canonical)
		}
		if _, dup := out[canonical]; dup {
			return nil, fmt.Errorf("header %q given more than once", canonical)
		}
		out[canonical] = []string{rawValue}
	}
	return out, nil
}

func validHeaderFieldName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isTokenByte(name[i]) {
			return false
		}
	}
	return true
}

func isTokenByte(b byte) bool {
	switch {
	case b >= '0' && b <= '9', b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", b) >= 0
}

func validHeaderFieldValue(value string) bool {
	for i := 0; i < len(value); i++ {
		b := value[i]
		if b == 0x7f || (b < 0x20 && b != '\t') {
			return false
		}
	}
	return true
}
