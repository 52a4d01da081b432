package scrub

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"security-log-service/internal/config"
)

// Redacted replaces values under sensitive keys.
const Redacted = "[REDACTED]"

// maxDepth bounds recursion for pathological nesting; anything deeper is
// coerced to a string.
const maxDepth = 32

// Scrubber removes or masks sensitive values from structured payloads
// before they are persisted or transmitted. Scrubbing is pure: inputs are
// never mutated, outputs are deep copies, and applying it twice yields the
// same result as applying it once.
type Scrubber struct {
	redactTokens  []string
	cardTokens    []string
	emailTokens   []string
	addressFields map[string]struct{}
	patterns      []patternRule
}

type patternRule struct {
	name string
	re   *regexp.Regexp
	mask func(string) string
}

func NewScrubber(cfg *config.Config) *Scrubber {
	s := &Scrubber{
		redactTokens: []string{
			"password", "passwd", "secret", "token", "apikey",
			"authorization", "cookie", "session", "credential",
			"private", "ssn", "socialsecurity", "cvv",
		},
		cardTokens:  []string{"creditcard", "cardnumber", "ccnumber", "pan"},
		emailTokens: []string{"email"},
		// Fields that exist to carry a network address keep their value:
		// masking the source of an attack event would erase the signal
		// the event is for. Only exact key matches qualify.
		addressFields: map[string]struct{}{
			"ip":         {},
			"ipaddress":  {},
			"sourceip":   {},
			"clientip":   {},
			"remoteip":   {},
			"remoteaddr": {},
		},
		patterns: []patternRule{
			{
				name: "ssn",
				re:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
				mask: func(string) string { return "***-**-****" },
			},
			{
				name: "credit_card",
				re:   regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`),
				mask: maskCard,
			},
			{
				name: "phone",
				re:   regexp.MustCompile(`\b\d{3}[-.]\d{3}[-.]\d{4}\b`),
				mask: func(string) string { return "***-***-****" },
			},
			{
				name: "email",
				re:   regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
				mask: maskEmail,
			},
			{
				name: "bearer",
				re:   regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`),
				mask: func(string) string { return "Bearer " + Redacted },
			},
			{
				name: "hex_key",
				re:   regexp.MustCompile(`\b[A-Fa-f0-9]{32,64}\b`),
				mask: maskHexKey,
			},
			{
				name: "ipv4",
				re:   regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
				mask: maskIPv4,
			},
		},
	}

	if cfg != nil {
		for _, k := range cfg.Scrub.ExtraSensitiveKeys {
			if norm := normalizeKey(k); norm != "" {
				s.redactTokens = append(s.redactTokens, norm)
			}
		}
	}

	return s
}

// Scrub deep-copies v, redacting values under sensitive keys and masking
// recognizable secrets inside free-form strings. It never panics and never
// returns an error: unknown types are coerced to strings, circular
// references are cut.
func (s *Scrubber) Scrub(v any) any {
	return s.scrubValue(v, newWalkState())
}

// ScrubMap is Scrub specialized to the common details/metadata shape.
func (s *Scrubber) ScrubMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := s.scrubValue(m, newWalkState()).(map[string]any)
	return out
}

// ScrubText applies only the pattern pass, for message strings.
func (s *Scrubber) ScrubText(text string) string {
	for _, p := range s.patterns {
		text = p.re.ReplaceAllStringFunc(text, p.mask)
	}
	return text
}

type walkState struct {
	depth   int
	visited map[uintptr]struct{}
}

func newWalkState() *walkState {
	return &walkState{visited: make(map[uintptr]struct{})}
}

func (s *Scrubber) scrubValue(v any, st *walkState) any {
	if v == nil {
		return nil
	}
	if st.depth >= maxDepth {
		return s.ScrubText(fmt.Sprintf("%v", v))
	}

	switch val := v.(type) {
	case string:
		return s.ScrubText(val)
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	case map[string]any:
		return s.scrubStringMap(val, st)
	case []any:
		return s.scrubSlice(val, st)
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = s.ScrubText(item)
		}
		return out
	case error:
		return s.ScrubText(val.Error())
	case fmt.Stringer:
		return s.ScrubText(val.String())
	}

	return s.scrubReflected(v, st)
}

func (s *Scrubber) scrubStringMap(m map[string]any, st *walkState) map[string]any {
	ptr := reflect.ValueOf(m).Pointer()
	if _, seen := st.visited[ptr]; seen {
		return map[string]any{"circular": "[CIRCULAR]"}
	}
	st.visited[ptr] = struct{}{}
	st.depth++
	defer func() {
		st.depth--
		delete(st.visited, ptr)
	}()

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = s.scrubField(k, v, st)
	}
	return out
}

func (s *Scrubber) scrubSlice(items []any, st *walkState) []any {
	if items == nil {
		return nil
	}
	ptr := reflect.ValueOf(items).Pointer()
	if _, seen := st.visited[ptr]; seen {
		return []any{"[CIRCULAR]"}
	}
	st.visited[ptr] = struct{}{}
	st.depth++
	defer func() {
		st.depth--
		delete(st.visited, ptr)
	}()

	out := make([]any, len(items))
	for i, item := range items {
		out[i] = s.scrubValue(item, st)
	}
	return out
}

// scrubField applies key-based rules first; only non-sensitive keys fall
// through to the recursive value walk.
func (s *Scrubber) scrubField(key string, v any, st *walkState) any {
	norm := normalizeKey(key)

	for _, tok := range s.cardTokens {
		if strings.Contains(norm, tok) {
			if str, ok := v.(string); ok {
				return maskCard(str)
			}
			return Redacted
		}
	}
	for _, tok := range s.emailTokens {
		if strings.Contains(norm, tok) {
			if str, ok := v.(string); ok {
				return maskEmail(str)
			}
			return Redacted
		}
	}
	for _, tok := range s.redactTokens {
		if strings.Contains(norm, tok) {
			return Redacted
		}
	}

	if _, ok := s.addressFields[norm]; ok {
		if str, ok := v.(string); ok && ipv4Literal.MatchString(str) {
			return str
		}
	}

	return s.scrubValue(v, st)
}

// scrubReflected handles maps and slices of other element types, plus the
// unknown-type fallback.
func (s *Scrubber) scrubReflected(v any, st *walkState) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		st.depth++
		defer func() { st.depth-- }()
		return s.scrubValue(rv.Elem().Interface(), st)
	case reflect.Map:
		ptr := rv.Pointer()
		if _, seen := st.visited[ptr]; seen {
			return map[string]any{"circular": "[CIRCULAR]"}
		}
		st.visited[ptr] = struct{}{}
		st.depth++
		defer func() {
			st.depth--
			delete(st.visited, ptr)
		}()
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			out[key] = s.scrubField(key, iter.Value().Interface(), st)
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				return nil
			}
			ptr := rv.Pointer()
			if _, seen := st.visited[ptr]; seen {
				return []any{"[CIRCULAR]"}
			}
			st.visited[ptr] = struct{}{}
			defer delete(st.visited, ptr)
		}
		st.depth++
		defer func() { st.depth-- }()
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = s.scrubValue(rv.Index(i).Interface(), st)
		}
		return out
	}

	// Unknown types: safe string coercion, then the pattern pass.
	return s.ScrubText(fmt.Sprintf("%v", v))
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', '.', ' ':
			return -1
		}
		return r
	}, k)
}

// maskCard keeps only the last four digits. Values with four or fewer
// digits are already masked (or cannot identify a card) and pass through,
// which keeps masking idempotent.
func maskCard(s string) string {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	if len(digits) <= 4 {
		return s
	}
	return strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-4:])
}

// maskEmail keeps the first rune of the local part and the full domain.
func maskEmail(s string) string {
	at := strings.IndexByte(s, '@')
	if at <= 0 {
		return Redacted
	}
	local := []rune(s[:at])
	return string(local[0]) + "***" + s[at:]
}

// maskHexKey keeps the first and last four characters of long hex tokens.
func maskHexKey(s string) string {
	if len(s) <= 8 {
		return Redacted
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// ipv4Literal matches values that are exactly one address, nothing else.
var ipv4Literal = regexp.MustCompile(`^(?:\d{1,3}\.){3}\d{1,3}$`)

// maskIPv4 keeps the first octet, enough to tell which network a value
// came from without storing the full address. The mask never re-matches
// the pattern, so a second pass leaves it alone.
func maskIPv4(s string) string {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return Redacted
	}
	return s[:dot] + ".*.*.*"
}
