// Package mask implements record masking: sensitive field names are
// replaced wholesale, and remaining string leaves pass through a set of
// compiled regex rules.
package mask

import (
	"regexp"
	"strings"

	"logengine/pkg/record"
)

const masked = "***MASKED***"

// Rule pairs a compiled pattern with its replacement text.
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// defaultSensitiveNames is the case-insensitive substring set checked
// for wholesale key replacement.
var defaultSensitiveNames = []string{
	"password", "token", "secret", "api_key", "jwt", "credit_card", "ssn",
}

// defaultRules is the built-in set of sanitizer patterns (bearer tokens,
// authorization headers, JWTs, AWS access key ids, SSNs, credit card
// numbers) applied to free-text log messages.
var defaultRules = []Rule{
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-_.]+`), "${1}" + masked},
	{regexp.MustCompile(`(?i)(authorization:\s*)\S+`), "${1}" + masked},
	{regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`), masked}, // JWT shape
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), masked},                                 // AWS access key id
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), masked},                            // SSN
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`), masked},                          // credit card
}

// Masker holds a compiled, immutable rule set. Safe for concurrent use by
// any number of producer goroutines; Rules and SensitiveNames are never
// mutated after New returns.
type Masker struct {
	Rules           []Rule
	SensitiveNames  []string
	sensitiveLookup map[string]struct{}
}

// New compiles the default rule set. extraRules, if non-nil, are appended
// after the built-ins.
func New(extraRules []Rule, extraSensitiveNames []string) *Masker {
	rules := make([]Rule, 0, len(defaultRules)+len(extraRules))
	rules = append(rules, defaultRules...)
	rules = append(rules, extraRules...)

	names := make([]string, 0, len(defaultSensitiveNames)+len(extraSensitiveNames))
	names = append(names, defaultSensitiveNames...)
	names = append(names, extraSensitiveNames...)

	lookup := make(map[string]struct{}, len(names))
	for _, n := range names {
		lookup[strings.ToLower(n)] = struct{}{}
	}

	return &Masker{Rules: rules, SensitiveNames: names, sensitiveLookup: lookup}
}

// isSensitiveKey reports whether key contains (case-insensitively) any of
// the configured sensitive substrings.
func (m *Masker) isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for name := range m.sensitiveLookup {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}

// maskString runs the regex rule set over a single string leaf.
func (m *Masker) maskString(s string) string {
	for _, r := range m.Rules {
		s = r.Pattern.ReplaceAllString(s, r.Replacement)
	}
	return s
}

// Apply returns a masked copy of rec: message runs through the regex
// rules; every field whose key matches the sensitive-name set is replaced
// wholesale; every other string leaf (recursively, through nested Field
// slices) runs through the regex rules.
func (m *Masker) Apply(rec record.LogRecord) record.LogRecord {
	rec.Message = m.maskString(rec.Message)
	if rec.Fields != nil {
		rec.Fields = m.maskFields(rec.Fields)
	}
	return rec
}

func (m *Masker) maskFields(fields []record.Field) []record.Field {
	out := make([]record.Field, len(fields))
	for i, f := range fields {
		if m.isSensitiveKey(f.Key) {
			out[i] = record.Field{Key: f.Key, Value: masked}
			continue
		}
		out[i] = record.Field{Key: f.Key, Value: m.maskValue(f.Value)}
	}
	return out
}

func (m *Masker) maskValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case string:
		return m.maskString(vv)
	case []record.Field:
		return m.maskFields(vv)
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = m.maskValue(e)
		}
		return out
	default:
		return v
	}
}
