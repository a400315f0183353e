package audit

import (
	"regexp"
	"strings"
)

// Redaction markers written in place of sensitive values.
const (
	RedactedMarker  = "[REDACTED]"
	TruncatedMarker = "...[TRUNCATED]"
)

// DefaultPreviewLength bounds every free-text value in an entry.
const DefaultPreviewLength = 200

// credentialKey matches field names whose whole value must never be stored.
var credentialKey = regexp.MustCompile(`(?i)(api[_-]?key|access[_-]?token|refresh[_-]?token|token|passw(or)?d|secret|authorization|bearer|credential|cookie|session[_-]?id|private[_-]?key|^auth$)`)

type pattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
	digitRun    bool // matches bare digit runs, which hex record ids contain
}

// textPatterns run over free text in order. Inline secrets go first so
// digit-heavy tokens are not half-matched as phone numbers; card numbers go
// before phone numbers for the same reason.
var textPatterns = []pattern{
	{
		name:        "inline_secret",
		re:          regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|refresh[_-]?token|token|passw(?:or)?d|secret|client[_-]?secret)("?\s*[:=]\s*)("[^"]*"|'[^']*'|[^\s,;&}]+)`),
		replacement: "${1}${2}" + RedactedMarker,
	},
	{
		name:        "bearer",
		re:          regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`),
		replacement: "Bearer " + RedactedMarker,
	},
	{
		name:        "card",
		re:          regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`),
		replacement: "[CC_REDACTED]",
		digitRun:    true,
	},
	{
		name:        "ssn",
		re:          regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		replacement: "[SSN_REDACTED]",
	},
	{
		name:        "email",
		re:          regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		replacement: "[EMAIL_REDACTED]",
	},
	{
		name:        "phone",
		re:          regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?(?:\(\d{3}\)|\b\d{3})[ .\-]?\d{3}[ .\-]?\d{4}\b`),
		replacement: "[PHONE_REDACTED]",
		digitRun:    true,
	},
}

// Sanitizer redacts credentials and PII and bounds text length.
type Sanitizer struct {
	previewLength int
}

// NewSanitizer returns a sanitizer that truncates text to previewLength runes
// (marker included). Non-positive lengths use DefaultPreviewLength.
func NewSanitizer(previewLength int) *Sanitizer {
	if previewLength <= 0 {
		previewLength = DefaultPreviewLength
	}
	return &Sanitizer{previewLength: previewLength}
}

// IsCredentialKey reports whether a field named key holds a credential.
func IsCredentialKey(key string) bool {
	return credentialKey.MatchString(key)
}

// Text redacts inline secrets and PII from s, then truncates it.
func (s *Sanitizer) Text(text string) string {
	return s.redact(text, true)
}

// Identifier sanitizes a record id. Card and phone patterns are skipped so
// a hex suffix that happens to look like a number survives and the entry
// stays findable by its id.
func (s *Sanitizer) Identifier(id string) string {
	return s.redact(id, false)
}

func (s *Sanitizer) redact(text string, digitRuns bool) string {
	for _, p := range textPatterns {
		if p.digitRun && !digitRuns {
			continue
		}
		text = p.re.ReplaceAllString(text, p.replacement)
	}
	return s.truncate(text)
}

func (s *Sanitizer) truncate(text string) string {
	r := []rune(text)
	if len(r) <= s.previewLength {
		return text
	}
	marker := []rune(TruncatedMarker)
	if s.previewLength <= len(marker) {
		return string(r[:s.previewLength])
	}
	return strings.TrimRight(string(r[:s.previewLength-len(marker)]), " ") + TruncatedMarker
}

// Value sanitizes v stored under key. Credential-named keys are replaced
// wholesale; strings, maps and slices are walked recursively; other scalars
// pass through.
func (s *Sanitizer) Value(key string, v any) any {
	if key != "" && IsCredentialKey(key) {
		if v == nil {
			return nil
		}
		return RedactedMarker
	}
	switch val := v.(type) {
	case string:
		return s.Text(val)
	case map[string]any:
		return s.Map(val)
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = s.Value(k, inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = s.Value(key, inner)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = s.Value(key, inner)
		}
		return out
	default:
		return v
	}
}

// Map returns a sanitized copy of m.
func (s *Sanitizer) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = s.Value(k, v)
	}
	return out
}

// Entry returns a copy of e with every free-text field sanitized.
func (s *Sanitizer) Entry(e Entry) Entry {
	e.ActionID = s.Identifier(e.ActionID)
	e.ActionType = s.Text(e.ActionType)
	e.ExecutorID = s.Text(e.ExecutorID)
	e.ToolName = s.Text(e.ToolName)
	e.ApprovalReason = s.Text(e.ApprovalReason)
	e.ApprovalID = s.Identifier(e.ApprovalID)
	e.TargetSystem = s.Text(e.TargetSystem)
	e.Error = s.Text(e.Error)
	e.SanitizedInputs = s.Map(e.SanitizedInputs)
	return e
}
