package lethe

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RedactedToken replaces the whole value of a deny-listed key.
const RedactedToken = "[REDACTED]"

// DefaultMaxDepth bounds recursion into nested details.
const DefaultMaxDepth = 32

// Field categories of the built-in deny list.
const (
	CategoryIdentity    = "identity"
	CategoryDemographic = "demographic"
	CategoryContact     = "contact"
	CategoryAddress     = "address"
	CategoryInsurance   = "insurance"
	CategoryOther       = "other"
)

// PatternRule replaces every match of a regular expression in a string leaf
// with a typed token.
type PatternRule struct {
	Name  string
	Token string
	re    *regexp.Regexp
}

// Pattern returns the source expression.
func (p PatternRule) Pattern() string {
	return p.re.String()
}

// Ruleset is an immutable, versioned redaction configuration. It is built
// once at startup and shared by every Redactor.
type Ruleset struct {
	version  string
	maxDepth int
	fields   map[string]string // lower-cased key -> category
	patterns []PatternRule
}

var defaultFields = map[string][]string{
	CategoryIdentity: {
		"name", "first_name", "last_name", "middle_name", "full_name", "patient_name",
		"maiden_name", "ssn", "social_security_number", "mrn", "medical_record_number",
		"patient_id", "drivers_license", "driver_license", "passport_number",
	},
	CategoryDemographic: {
		"dob", "date_of_birth", "birth_date", "birthdate", "birth_place", "age",
		"gender", "sex", "race", "ethnicity", "marital_status",
	},
	CategoryContact: {
		"email", "email_address", "phone", "phone_number", "home_phone", "work_phone",
		"mobile", "mobile_phone", "cell_phone", "fax", "fax_number", "emergency_contact",
		"emergency_phone",
	},
	CategoryAddress: {
		"address", "address_line1", "address_line2", "street", "street_address",
		"city", "county", "zip", "zip_code", "postal_code",
	},
	CategoryInsurance: {
		"insurance_id", "insurance_number", "policy_number", "member_id", "group_number",
		"subscriber_id", "medicare_number", "medicaid_number",
	},
	CategoryOther: {
		"account_number", "bank_account", "credit_card", "card_number", "license_number",
		"certificate_number", "vehicle_id", "device_serial", "biometric", "photo",
		"employer", "employee_id", "password", "secret", "token",
	},
}

// Patterns carry no word boundaries: PHI glued to letters, digits or
// underscores is still PHI. Dates run before phone so a year is never read
// as an area code, and email runs last. Tokens hold no digits, '@' or '/',
// so a token never completes a later match.
var defaultPatterns = []patternSpec{
	{Name: "ssn", Pattern: `\d{3}-\d{2}-\d{4}`, Token: "[SSN-REDACTED]"},
	{Name: "date_iso", Pattern: `\d{4}-\d{2}-\d{2}`, Token: "[DATE-REDACTED]"},
	{Name: "date_us", Pattern: `\d{1,2}/\d{1,2}/\d{4}`, Token: "[DATE-REDACTED]"},
	{Name: "phone", Pattern: `(?:\+?1[-.\s]?)?(?:\(\d{3}\)\s?|\d{3}[-.\s])\d{3}[-.\s]\d{4}`, Token: "[PHONE-REDACTED]"},
	{Name: "email", Pattern: `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`, Token: "[EMAIL-REDACTED]"},
}

// DefaultRuleset returns the built-in HIPAA Safe Harbor oriented rules.
func DefaultRuleset() *Ruleset {
	rs, err := newRuleset(rulesFile{
		Version:  "builtin-1",
		MaxDepth: DefaultMaxDepth,
		Fields:   defaultFields,
		Patterns: defaultPatterns,
	})
	if err != nil {
		panic(fmt.Sprintf("lethe: invalid builtin ruleset: %v", err))
	}
	return rs
}

type patternSpec struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Token   string `yaml:"token" json:"token"`
}

type rulesFile struct {
	Version  string              `yaml:"version" json:"version"`
	MaxDepth int                 `yaml:"max_depth,omitempty" json:"max_depth,omitempty"`
	Fields   map[string][]string `yaml:"fields" json:"fields"`
	Patterns []patternSpec       `yaml:"patterns" json:"patterns"`
}

// LoadRuleset reads a YAML (or JSON) rules file.
func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read redaction rules: %w", err)
	}
	return ParseRuleset(data)
}

// ParseRuleset parses rules from YAML bytes. JSON is accepted as a YAML subset.
func ParseRuleset(data []byte) (*Ruleset, error) {
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse redaction rules: %w", err)
	}
	return newRuleset(rf)
}

func newRuleset(rf rulesFile) (*Ruleset, error) {
	if strings.TrimSpace(rf.Version) == "" {
		return nil, fmt.Errorf("redaction rules: version is required")
	}
	if len(rf.Fields) == 0 {
		return nil, fmt.Errorf("redaction rules: at least one field category is required")
	}
	if len(rf.Patterns) == 0 {
		return nil, fmt.Errorf("redaction rules: at least one pattern is required")
	}

	rs := &Ruleset{
		version:  rf.Version,
		maxDepth: rf.MaxDepth,
		fields:   make(map[string]string),
	}
	if rs.maxDepth <= 0 {
		rs.maxDepth = DefaultMaxDepth
	}

	for category, keys := range rf.Fields {
		for _, k := range keys {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				return nil, fmt.Errorf("redaction rules: empty key in category %q", category)
			}
			rs.fields[k] = category
		}
	}

	for i, p := range rf.Patterns {
		if p.Name == "" || p.Token == "" {
			return nil, fmt.Errorf("redaction rules: pattern %d needs a name and a token", i)
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction rules: pattern %q: %w", p.Name, err)
		}
		if re.MatchString(p.Token) {
			return nil, fmt.Errorf("redaction rules: token %q of pattern %q matches its own pattern", p.Token, p.Name)
		}
		rs.patterns = append(rs.patterns, PatternRule{Name: p.Name, Token: p.Token, re: re})
	}

	return rs, nil
}

// Version identifies the ruleset in operational logs.
func (r *Ruleset) Version() string {
	return r.version
}

// MaxDepth is the deepest nesting the redactor will traverse.
func (r *Ruleset) MaxDepth() int {
	return r.maxDepth
}

// Denied reports whether key is on the deny list. Matching is exact and
// case-insensitive.
func (r *Ruleset) Denied(key string) bool {
	_, ok := r.fields[strings.ToLower(key)]
	return ok
}

// Category returns the deny-list category of key, if any.
func (r *Ruleset) Category(key string) (string, bool) {
	c, ok := r.fields[strings.ToLower(key)]
	return c, ok
}

// Patterns returns the ordered pattern rules.
func (r *Ruleset) Patterns() []PatternRule {
	out := make([]PatternRule, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// Fields returns the deny list grouped by category with sorted keys.
func (r *Ruleset) Fields() map[string][]string {
	out := make(map[string][]string)
	for k, c := range r.fields {
		out[c] = append(out[c], k)
	}
	for c := range out {
		sort.Strings(out[c])
	}
	return out
}

// MarshalYAML renders the ruleset in the same shape LoadRuleset accepts.
func (r *Ruleset) MarshalYAML() (any, error) {
	rf := rulesFile{
		Version:  r.version,
		MaxDepth: r.maxDepth,
		Fields:   r.Fields(),
	}
	for _, p := range r.patterns {
		rf.Patterns = append(rf.Patterns, patternSpec{Name: p.Name, Pattern: p.Pattern(), Token: p.Token})
	}
	return rf, nil
}

// WithMaxDepth returns a copy of the ruleset with a different depth bound.
// Non-positive values keep the current bound.
func (r *Ruleset) WithMaxDepth(n int) *Ruleset {
	if n <= 0 || n == r.maxDepth {
		return r
	}
	cp := *r
	cp.maxDepth = n
	return &cp
}
