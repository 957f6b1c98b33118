// Package lethe removes protected health information from structured log
// details before anything is persisted.
//
// Redaction runs in two ordered passes over every node of the input: keys on
// the deny list have their whole value replaced with [REDACTED], and every
// remaining string leaf is scrubbed by the ordered pattern list into typed
// tokens such as [SSN-REDACTED]. The input is never mutated. Anything the
// redactor cannot traverse fails the call with a *RedactionError.
package lethe

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// Redactor applies a Ruleset. It holds no mutable state and is safe for
// unrestricted concurrent use.
type Redactor struct {
	rules *Ruleset
}

// NewRedactor creates a Redactor. A nil ruleset selects DefaultRuleset.
func NewRedactor(rules *Ruleset) *Redactor {
	if rules == nil {
		rules = DefaultRuleset()
	}
	return &Redactor{rules: rules}
}

// Rules returns the active ruleset.
func (r *Redactor) Rules() *Ruleset {
	return r.rules
}

// Redact returns a redacted deep copy of details.
func (r *Redactor) Redact(details map[string]any) (map[string]any, error) {
	if details == nil {
		return map[string]any{}, nil
	}
	out, err := r.redactMap("details", details, 1)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RedactValue redacts an arbitrary value using the same rules as Redact.
func (r *Redactor) RedactValue(v any) (any, error) {
	return r.walk("value", v, 0)
}

// maxScrubPasses bounds the fixpoint loop in Scrub for rule files whose
// tokens keep feeding their own patterns.
const maxScrubPasses = 8

// Scrub applies the pattern pass to a single string. The ordered pattern list
// is repeated until the string stops changing, so Scrub(Scrub(s)) == Scrub(s)
// even when a replacement exposes a match for an earlier pattern.
func (r *Redactor) Scrub(s string) string {
	for range maxScrubPasses {
		next := s
		for _, p := range r.rules.patterns {
			next = p.re.ReplaceAllLiteralString(next, p.Token)
		}
		if next == s {
			return s
		}
		s = next
	}
	return s
}

func (r *Redactor) redactMap(path string, m map[string]any, depth int) (map[string]any, error) {
	if depth > r.rules.maxDepth {
		return nil, NewRedactionError(path, ErrTooDeep)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.rules.Denied(k) {
			out[k] = RedactedToken
			continue
		}
		rv, err := r.walk(path+"."+k, v, depth)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func (r *Redactor) redactSlice(path string, s []any, depth int) ([]any, error) {
	if depth > r.rules.maxDepth {
		return nil, NewRedactionError(path, ErrTooDeep)
	}
	out := make([]any, len(s))
	for i, v := range s {
		rv, err := r.walk(path+"["+strconv.Itoa(i)+"]", v, depth)
		if err != nil {
			return nil, err
		}
		out[i] = rv
	}
	return out, nil
}

func (r *Redactor) walk(path string, v any, depth int) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return r.Scrub(val), nil
	case bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val, nil
	case time.Time:
		return r.Scrub(val.UTC().Format(time.RFC3339Nano)), nil
	case map[string]any:
		return r.redactMap(path, val, depth+1)
	case []any:
		return r.redactSlice(path, val, depth+1)
	case []string:
		s := make([]any, len(val))
		for i := range val {
			s[i] = val[i]
		}
		return r.redactSlice(path, s, depth+1)
	}
	return r.walkReflect(path, reflect.ValueOf(v), depth)
}

// walkReflect handles named scalar types and generic maps and slices.
func (r *Redactor) walkReflect(path string, rv reflect.Value, depth int) (any, error) {
	switch rv.Kind() {
	case reflect.String:
		return r.Scrub(rv.String()), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, NewRedactionError(path, fmt.Errorf("%w: map with %s keys", ErrUnsupportedValue, rv.Type().Key()))
		}
		if rv.IsNil() {
			return nil, nil
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return r.redactMap(path, m, depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, NewRedactionError(path, fmt.Errorf("%w: binary data", ErrUnsupportedValue))
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		s := make([]any, rv.Len())
		for i := range s {
			s[i] = rv.Index(i).Interface()
		}
		return r.redactSlice(path, s, depth+1)
	}
	return nil, NewRedactionError(path, fmt.Errorf("%w: %s", ErrUnsupportedValue, rv.Type()))
}
