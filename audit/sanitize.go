package audit

import (
	"regexp"
	"strings"
)

// Sanitizer redacts sensitive values from audit payloads before storage.
// Patterns cover emails, phone numbers, payment card numbers, SSN-like
// identifiers, API keys, filesystem paths and non-loopback IP addresses.
type Sanitizer struct {
	enabled  bool
	patterns []sensitivePattern
}

type sensitivePattern struct {
	name string
	re   *regexp.Regexp
}

const redactedMark = "[REDACTED]"

// NewSanitizer builds a sanitizer. When disabled it passes values through
// unchanged (development only; production config keeps it on).
func NewSanitizer(enabled bool) *Sanitizer {
	return &Sanitizer{
		enabled: enabled,
		patterns: []sensitivePattern{
			{"email", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
			{"card", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
			{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
			{"phone", regexp.MustCompile(`\+?\d{1,3}[ -.]?\(?\d{3}\)?[ -.]?\d{3}[ -.]?\d{4}\b`)},
			{"api_key", regexp.MustCompile(`(?i)\b(?:api[_-]?key|token|secret|bearer)[=: ]+\S+`)},
			{"path", regexp.MustCompile(`(?:/[A-Za-z0-9._-]+){2,}`)},
			{"ip", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
		},
	}
}

// SanitizeString redacts every sensitive pattern occurrence in s.
func (s *Sanitizer) SanitizeString(in string) string {
	if !s.enabled {
		return in
	}
	out := in
	for _, p := range s.patterns {
		if p.name == "ip" {
			out = p.re.ReplaceAllStringFunc(out, func(match string) string {
				if strings.HasPrefix(match, "127.") {
					return match
				}
				return redactedMark
			})
			continue
		}
		out = p.re.ReplaceAllString(out, redactedMark)
	}
	return out
}

// SanitizeMap redacts string values in a payload map, recursing into nested
// maps. Non-string scalars pass through.
func (s *Sanitizer) SanitizeMap(payload map[string]interface{}) map[string]interface{} {
	if !s.enabled || payload == nil {
		return payload
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			out[k] = s.SanitizeString(val)
		case map[string]interface{}:
			out[k] = s.SanitizeMap(val)
		case []interface{}:
			items := make([]interface{}, len(val))
			for i, item := range val {
				if str, ok := item.(string); ok {
					items[i] = s.SanitizeString(str)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

// ContainsSensitive reports whether s matches any sensitive pattern. Used by
// risk scoring to bump events that tried to carry sensitive material.
func (s *Sanitizer) ContainsSensitive(in string) bool {
	for _, p := range s.patterns {
		if p.name == "ip" || p.name == "path" {
			continue // too common to count as suspicious on their own
		}
		if p.re.MatchString(in) {
			return true
		}
	}
	return false
}
