package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformedArgs is returned when a tool input does not match the
// tool's pipe separated layout.
var ErrMalformedArgs = errors.New("malformed tool arguments")

const fieldSeparator = "|"

// splitArgs splits input into exactly n trimmed fields
func splitArgs(input string, n int) ([]string, error) {
	fields := strings.Split(input, fieldSeparator)
	if len(fields) != n {
		return nil, fmt.Errorf("%w: expected %d fields separated by %q, got %d", ErrMalformedArgs, n, fieldSeparator, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields, nil
}

// isNone reports whether a field was left unset by the caller
func isNone(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, "none")
}

// single returns the whole input as one required field
func single(input, name string) (string, error) {
	v := strings.TrimSpace(input)
	if isNone(v) {
		return "", fmt.Errorf("%w: %s is required", ErrMalformedArgs, name)
	}
	return v, nil
}

// numericID validates an integer identifier
func numericID(v, name string) (string, error) {
	v = strings.TrimSpace(v)
	if _, err := strconv.Atoi(v); err != nil {
		return "", fmt.Errorf("%w: %s must be an integer, got %q", ErrMalformedArgs, name, v)
	}
	return v, nil
}

// params collects query or form values, dropping unset ones
type params url.Values

func (p params) set(key, value string) params {
	if !isNone(value) {
		url.Values(p).Set(key, strings.TrimSpace(value))
	}
	return p
}

func (p params) values() url.Values {
	if len(p) == 0 {
		return nil
	}
	return url.Values(p)
}
