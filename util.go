package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
)

// HTTPDoer is an interface for making HTTP requests.
// It is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Validation errors
var (
	ErrInvalidEntityType = errors.New("invalid entity type")
	ErrInvalidEntityID   = errors.New("invalid entity id")
	ErrInvalidFieldName  = errors.New("invalid field name")
)

// entityTypeRegex validates entity type names: alphanumeric and underscores,
// starting with a letter.
var entityTypeRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// fieldNameRegex validates field names.
var fieldNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// maxEntityIDLen is the maximum allowed entity ID length.
const maxEntityIDLen = 128

// ValidateEntityType validates an entity type name.
func ValidateEntityType(entityType string) error {
	if entityType == "" || !entityTypeRegex.MatchString(entityType) {
		return ErrInvalidEntityType
	}
	return nil
}

// ValidateEntityID validates an entity identifier.
func ValidateEntityID(id string) error {
	if id == "" || len(id) > maxEntityIDLen {
		return ErrInvalidEntityID
	}
	for _, r := range id {
		if r < 32 || r == '/' {
			return ErrInvalidEntityID
		}
	}
	return nil
}

// ValidateFieldName validates a field name.
func ValidateFieldName(name string) error {
	if name == "" || !fieldNameRegex.MatchString(name) {
		return ErrInvalidFieldName
	}
	return nil
}

// valueEqual compares two field values. Values round-trip through JSON in
// the store and on the wire, so comparison is by canonical JSON encoding;
// this makes 1200 and 1200.0 equal, which matches how the remote store
// sees them.
func valueEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	aj, aerr := canonicalJSON(a)
	bj, berr := canonicalJSON(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(aj) == string(bj)
}

// toFloat converts numeric field values to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// canonicalJSON encodes a value as JSON with object keys sorted at every
// level. Checksums and idempotence both depend on this encoding being
// stable.
func canonicalJSON(v any) ([]byte, error) {
	switch m := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kj, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vj, err := canonicalJSON(m[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, kj...)
			buf = append(buf, ':')
			buf = append(buf, vj...)
		}
		return append(buf, '}'), nil
	case []any:
		buf := []byte{'['}
		for i, item := range m {
			if i > 0 {
				buf = append(buf, ',')
			}
			ij, err := canonicalJSON(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ij...)
		}
		return append(buf, ']'), nil
	default:
		return json.Marshal(v)
	}
}

func entityKey(entityType, entityID string) string {
	return fmt.Sprintf("%s/%s", entityType, entityID)
}
