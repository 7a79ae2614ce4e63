package snapshot

import (
	"fmt"
	"regexp"
	"strings"
)

// Mask replaces the value of every secret field
const Mask = "*****"

// builtinSecretPattern matches keys that are always treated as secrets
var builtinSecretPattern = regexp.MustCompile(`(?i)password|passwd|token|secret|api[-_]?key|authorization|cookie`)

// Masker decides which keys are secret and masks them in copies of snapshots
// and log fields. A key is masked when it matches a deny pattern and is not on
// the allow list.
type Masker struct {
	deny  []*regexp.Regexp
	allow map[string]struct{}
}

// NewMasker creates a Masker from an optional extra deny pattern and a list of
// keys that must never be masked.
func NewMasker(extraPattern string, unmasked []string) (*Masker, error) {
	m := &Masker{
		deny:  []*regexp.Regexp{builtinSecretPattern},
		allow: make(map[string]struct{}, len(unmasked)),
	}

	if extraPattern != "" {
		re, err := regexp.Compile(extraPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid secret field pattern: %w", err)
		}
		m.deny = append(m.deny, re)
	}

	for _, key := range unmasked {
		m.allow[strings.ToLower(key)] = struct{}{}
	}

	return m, nil
}

// IsSecret reports whether values stored under key must be masked
func (m *Masker) IsSecret(key string) bool {
	if _, ok := m.allow[strings.ToLower(key)]; ok {
		return false
	}
	for _, re := range m.deny {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// Snapshot returns a masked deep copy of s
func (m *Masker) Snapshot(s Snapshot) Snapshot {
	out := s
	out.Event.Headers = m.strings(s.Event.Headers)
	out.Event.MultiValueHeaders = m.multi(s.Event.MultiValueHeaders)
	out.Event.QueryStringParameters = m.strings(s.Event.QueryStringParameters)
	out.Event.PathParameters = m.strings(s.Event.PathParameters)
	out.Event.StageVariables = m.strings(s.Event.StageVariables)
	out.Event.Body = m.Value(s.Event.Body)
	if s.Event.Principal != nil {
		p := *s.Event.Principal
		out.Event.Principal = &p
	}
	return out
}

// Fields returns a masked deep copy of a field map
func (m *Masker) Fields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if m.IsSecret(k) {
			out[k] = Mask
			continue
		}
		out[k] = m.Value(v)
	}
	return out
}

// Value returns a masked deep copy of v, descending into maps and slices
func (m *Masker) Value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return m.Fields(t)
	case map[string]string:
		return m.strings(t)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = m.Value(val)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, val := range t {
			out[i] = m.Fields(val)
		}
		return out
	default:
		return v
	}
}

func (m *Masker) strings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if m.IsSecret(k) {
			out[k] = Mask
		} else {
			out[k] = v
		}
	}
	return out
}

func (m *Masker) multi(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		if m.IsSecret(k) {
			out[k] = []string{Mask}
		} else {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}
