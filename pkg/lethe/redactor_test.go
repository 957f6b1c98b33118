package lethe

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactor_DenyListedKeys(t *testing.T) {
	r := NewRedactor(nil)

	in := map[string]any{
		"first_name": "Jane",
		"DOB":        "1980-04-01",
		"phone":      5551234567,
		"address":    map[string]any{"street": "1 Main St"},
		"visit_type": "annual",
	}

	out, err := r.Redact(in)
	require.NoError(t, err)

	assert.Equal(t, RedactedToken, out["first_name"])
	assert.Equal(t, RedactedToken, out["DOB"], "key matching is case-insensitive")
	assert.Equal(t, RedactedToken, out["phone"], "non-string values are replaced wholesale")
	assert.Equal(t, RedactedToken, out["address"], "nested values are replaced wholesale")
	assert.Equal(t, "annual", out["visit_type"])

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	for _, secret := range []string{"Jane", "1980-04-01", "5551234567", "Main St"} {
		assert.NotContains(t, string(raw), secret)
	}
}

func TestRedactor_Patterns(t *testing.T) {
	r := NewRedactor(nil)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ssn", "ssn on file 123-45-6789", "ssn on file [SSN-REDACTED]"},
		{"phone dashed", "call 555-123-4567", "call [PHONE-REDACTED]"},
		{"phone parens", "call (555) 123-4567 today", "call [PHONE-REDACTED] today"},
		{"email", "sent to jane.doe@example.com", "sent to [EMAIL-REDACTED]"},
		{"iso date", "seen 2024-03-09", "seen [DATE-REDACTED]"},
		{"us date", "seen 3/9/2024", "seen [DATE-REDACTED]"},
		{"plain", "blood pressure normal", "blood pressure normal"},
		{"mixed", "123-45-6789 / a@b.io", "[SSN-REDACTED] / [EMAIL-REDACTED]"},
		{"ssn after underscore", "ref_123-45-6789", "ref_[SSN-REDACTED]"},
		{"ssn after letters", "ssn123-45-6789", "ssn[SSN-REDACTED]"},
		{"ssn between digits", "9123-45-67890", "9[SSN-REDACTED]0"},
		{"ssn after email", "x@y.io123-45-6789", "[EMAIL-REDACTED][SSN-REDACTED]"},
		{"phone after email", "call a@b.co555 123 4567", "call [EMAIL-REDACTED][PHONE-REDACTED]"},
		{"phone after letters", "tel555-123-4567x", "tel[PHONE-REDACTED]x"},
		{"dates glued", "dob1961-03-14 or 3/14/1961end", "dob[DATE-REDACTED] or [DATE-REDACTED]end"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Redact(map[string]any{"note": tt.in})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out["note"])
		})
	}
}

func TestRedactor_NestedStructures(t *testing.T) {
	r := NewRedactor(nil)

	in := map[string]any{
		"fields_accessed": []any{"ssn", "dob"},
		"changes": []any{
			map[string]any{"field": "notes", "new": "pt ssn 123-45-6789"},
			map[string]any{"field": "email", "email": "x@y.org"},
		},
		"vitals": map[string]int{"pulse": 72},
		"tags":   []string{"call 555-123-4567"},
		"count":  3,
		"ok":     true,
		"nil":    nil,
	}

	out, err := r.Redact(in)
	require.NoError(t, err)

	assert.Equal(t, []any{"ssn", "dob"}, out["fields_accessed"], "field names are metadata, not PHI")
	changes := out["changes"].([]any)
	assert.Equal(t, "pt ssn [SSN-REDACTED]", changes[0].(map[string]any)["new"])
	assert.Equal(t, RedactedToken, changes[1].(map[string]any)["email"])
	assert.Equal(t, map[string]any{"pulse": 72}, out["vitals"])
	assert.Equal(t, []any{"call [PHONE-REDACTED]"}, out["tags"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, true, out["ok"])
	assert.Nil(t, out["nil"])
}

func TestRedactor_Idempotent(t *testing.T) {
	r := NewRedactor(nil)

	in := map[string]any{
		"note":    "ssn 123-45-6789, phone 555-123-4567, jane@example.com, 01/02/2020, 2020-01-02",
		"name":    "Jane",
		"history": []any{map[string]any{"mrn": "A1"}, "x@y.io"},
	}

	once, err := r.Redact(in)
	require.NoError(t, err)
	twice, err := r.Redact(once)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}

func TestRedactor_AdjacentPHI(t *testing.T) {
	r := NewRedactor(nil)

	phi := []struct {
		value string
		token string
	}{
		{"123-45-6789", "[SSN-REDACTED]"},
		{"555-123-4567", "[PHONE-REDACTED]"},
		{"(555) 123-4567", "[PHONE-REDACTED]"},
		{"jane@example.com", "[EMAIL-REDACTED]"},
		{"1961-03-14", "[DATE-REDACTED]"},
		{"3/14/1961", "[DATE-REDACTED]"},
	}
	// Two digit runs glued with nothing between them are ambiguous, so the
	// separator between values always starts with a non-digit.
	sep := []string{" ", "_", "x", "Z9", "#", "a@b.io", "[REDACTED]"}
	prefixes := append([]string{""}, sep...)

	for _, a := range phi {
		for _, b := range phi {
			for _, pre := range prefixes {
				for _, mid := range sep {
					in := pre + a.value + mid + b.value
					once := r.Scrub(in)
					assert.Equal(t, once, r.Scrub(once), "not idempotent for %q", in)
					assert.NotContains(t, once, "123-45-6789", in)
					assert.NotContains(t, once, "123-4567", in)
					assert.NotContains(t, once, "jane@example.com", in)
					assert.NotContains(t, once, "1961", in)
					assert.Contains(t, once, a.token, in)
					assert.Contains(t, once, b.token, in)
				}
			}
		}
	}
}

func TestRedactor_DoesNotMutateInput(t *testing.T) {
	r := NewRedactor(nil)

	inner := map[string]any{"ssn": "123-45-6789"}
	in := map[string]any{"inner": inner, "note": "555-123-4567"}

	_, err := r.Redact(in)
	require.NoError(t, err)

	assert.Equal(t, "123-45-6789", inner["ssn"])
	assert.Equal(t, "555-123-4567", in["note"])
}

func TestRedactor_FailsClosed(t *testing.T) {
	r := NewRedactor(nil)

	type opaque struct{ SSN string }

	tests := []struct {
		name  string
		in    map[string]any
		cause error
		path  string
	}{
		{"struct", map[string]any{"record": opaque{SSN: "123-45-6789"}}, ErrUnsupportedValue, "details.record"},
		{"pointer", map[string]any{"p": &opaque{}}, ErrUnsupportedValue, "details.p"},
		{"func", map[string]any{"cb": func() {}}, ErrUnsupportedValue, "details.cb"},
		{"bytes", map[string]any{"blob": []byte("123-45-6789")}, ErrUnsupportedValue, "details.blob"},
		{"int keys", map[string]any{"m": map[int]string{1: "a"}}, ErrUnsupportedValue, "details.m"},
		{"nested in list", map[string]any{"l": []any{"ok", make(chan int)}}, ErrUnsupportedValue, "details.l[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Redact(tt.in)
			assert.Nil(t, out)

			var rerr *RedactionError
			require.True(t, errors.As(err, &rerr))
			assert.ErrorIs(t, err, tt.cause)
			assert.Equal(t, tt.path, rerr.Path)
			assert.NotContains(t, err.Error(), "123-45-6789")
		})
	}
}

func TestRedactor_DepthLimit(t *testing.T) {
	rs, err := ParseRuleset([]byte(`
version: shallow
max_depth: 3
fields:
  identity: [ssn]
patterns:
  - name: ssn
    pattern: '\d{3}-\d{2}-\d{4}'
    token: '[SSN-REDACTED]'
`))
	require.NoError(t, err)
	r := NewRedactor(rs)

	_, err = r.Redact(map[string]any{"a": map[string]any{"b": "ok"}})
	require.NoError(t, err)

	_, err = r.Redact(map[string]any{"a": map[string]any{"b": map[string]any{"c": map[string]any{}}}})
	assert.ErrorIs(t, err, ErrTooDeep)

	cyclic := map[string]any{}
	cyclic["self"] = cyclic
	_, err = NewRedactor(nil).Redact(cyclic)
	assert.ErrorIs(t, err, ErrTooDeep)
}

func TestRedactor_TimeValues(t *testing.T) {
	r := NewRedactor(nil)

	out, err := r.Redact(map[string]any{"seen_at": time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)})
	require.NoError(t, err)

	s, ok := out["seen_at"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(s, "[DATE-REDACTED]"))
}

func TestRedactor_NilDetails(t *testing.T) {
	out, err := NewRedactor(nil).Redact(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
