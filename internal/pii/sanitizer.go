// Package pii removes personally identifiable information from learner text
// before it reaches classification, generation or the trace store.
package pii

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	mentorotel "github.com/dativo-io/mentor/internal/otel"
)

var tracer = mentorotel.Tracer("github.com/dativo-io/mentor/internal/pii")

const (
	// DefaultMinScore is the minimum confidence a match needs to be redacted.
	DefaultMinScore = 0.5

	// ContextSimilarityFactor is added to a match's score when a context word
	// appears near it.
	ContextSimilarityFactor = 0.35

	// ContextWindowChars is the distance searched on each side of a match for
	// context words.
	ContextWindowChars = 60
)

// Kind is a category of personal data.
type Kind string

const (
	KindEmail      Kind = "email"
	KindNationalID Kind = "national_id"
	KindPhone      Kind = "phone"
	KindCard       Kind = "card"
)

var entityKinds = map[string]Kind{
	"EMAIL_ADDRESS": KindEmail,
	"NATIONAL_ID":   KindNationalID,
	"PHONE_NUMBER":  KindPhone,
	"CREDIT_CARD":   KindCard,
}

// Placeholder returns the token that replaces a match of this kind.
func (k Kind) Placeholder() string {
	return "[" + strings.ToUpper(string(k)) + "]"
}

// Entity is one detected match.
type Entity struct {
	Kind        Kind
	Start       int
	End         int
	Confidence  float64
	Sensitivity int
}

// Sanitizer replaces PII with kind placeholders.
type Sanitizer struct {
	patterns []Pattern
	minScore float64
}

// Option configures a Sanitizer.
type Option func(*sanitizerConfig)

type sanitizerConfig struct {
	patternFile string
	minScore    float64
}

// WithPatternFile layers operator recognizers from a YAML file on top of the
// embedded defaults. A missing file is skipped.
func WithPatternFile(path string) Option {
	return func(c *sanitizerConfig) { c.patternFile = path }
}

// WithMinScore overrides DefaultMinScore.
func WithMinScore(score float64) Option {
	return func(c *sanitizerConfig) { c.minScore = score }
}

// NewSanitizer builds a sanitizer from the embedded recognizers plus any
// operator overrides.
func NewSanitizer(opts ...Option) (*Sanitizer, error) {
	var cfg sanitizerConfig
	for _, o := range opts {
		o(&cfg)
	}

	defaults, err := DefaultRecognizers()
	if err != nil {
		return nil, fmt.Errorf("loading default recognizers: %w", err)
	}
	var operator []RecognizerConfig
	if cfg.patternFile != "" {
		rf, err := LoadRecognizerFile(cfg.patternFile)
		if err != nil {
			return nil, fmt.Errorf("loading pattern file: %w", err)
		}
		if rf != nil {
			operator = rf.Recognizers
		}
	}

	compiled, err := CompilePatterns(MergeRecognizers(defaults, operator))
	if err != nil {
		return nil, fmt.Errorf("compiling patterns: %w", err)
	}

	minScore := DefaultMinScore
	if cfg.minScore > 0 {
		minScore = cfg.minScore
	}
	return &Sanitizer{patterns: compiled, minScore: minScore}, nil
}

// MustNewSanitizer is like NewSanitizer but panics on error. The embedded
// defaults always compile.
func MustNewSanitizer(opts ...Option) *Sanitizer {
	s, err := NewSanitizer(opts...)
	if err != nil {
		panic(fmt.Sprintf("pii.NewSanitizer: %v", err))
	}
	return s
}

// Detect returns the accepted matches in text, unmerged.
func (s *Sanitizer) Detect(text string) []Entity {
	var entities []Entity
	for _, p := range s.patterns {
		for _, m := range p.Regex.FindAllStringIndex(text, -1) {
			value := text[m[0]:m[1]]
			if p.ValidateLuhn && !luhnValid(stripNonDigits(value)) {
				continue
			}
			confidence := enhanceScoreWithContext(text, m[0], m[1], p.Score, p.ContextWords)
			if confidence < s.minScore {
				continue
			}
			entities = append(entities, Entity{
				Kind:        p.Kind,
				Start:       m[0],
				End:         m[1],
				Confidence:  confidence,
				Sensitivity: p.Sensitivity,
			})
		}
	}
	return entities
}

// Sanitize replaces every detected entity with its kind placeholder and
// returns the cleaned text with the distinct kinds found, in first-seen order.
// It never fails; text without matches is returned unchanged.
//
// Redaction shortens the text, which can move a context word into range of a
// low-score match, so passes repeat until nothing new is found (at most
// maxSanitizePasses). The result satisfies Sanitize(Sanitize(x)) == Sanitize(x).
func (s *Sanitizer) Sanitize(ctx context.Context, text string) (string, []Kind) {
	_, span := tracer.Start(ctx, "pii.sanitize")
	defer span.End()

	kinds := []Kind{}
	seen := map[Kind]bool{}
	total, passes := 0, 0
	for passes < maxSanitizePasses {
		clean, merged := s.redactOnce(text)
		if len(merged) == 0 {
			break
		}
		passes++
		total += len(merged)
		for _, e := range merged {
			if !seen[e.Kind] {
				seen[e.Kind] = true
				kinds = append(kinds, e.Kind)
			}
		}
		text = clean
	}

	span.SetAttributes(
		attribute.Int("pii.entity_count", total),
		attribute.Int("pii.kind_count", len(kinds)),
		attribute.Int("pii.passes", passes),
	)
	return text, kinds
}

// maxSanitizePasses bounds the redaction loop. Every pass that finds
// something replaces at least one digit or address with a placeholder, so
// real input settles in two or three passes.
const maxSanitizePasses = 8

func (s *Sanitizer) redactOnce(text string) (string, []Entity) {
	entities := s.Detect(text)
	if len(entities) == 0 {
		return text, nil
	}
	merged := mergeOverlaps(entities)

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, e := range merged {
		b.WriteString(text[last:e.Start])
		b.WriteString(e.Kind.Placeholder())
		last = e.End
	}
	b.WriteString(text[last:])
	return b.String(), merged
}

// SanitizeContext returns a copy of m with every string key and value
// sanitized, descending into nested maps and slices. Keys that collapse to
// the same placeholder get a numeric suffix so no entry is lost.
func (s *Sanitizer) SanitizeContext(ctx context.Context, m map[string]any) (map[string]any, []Kind) {
	if m == nil {
		return nil, nil
	}
	seen := map[Kind]bool{}
	var kinds []Kind
	var walk func(v any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case string:
			clean, found := s.Sanitize(ctx, t)
			for _, k := range found {
				if !seen[k] {
					seen[k] = true
					kinds = append(kinds, k)
				}
			}
			return clean
		case map[string]any:
			out := make(map[string]any, len(t))
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				out[uniqueKey(out, walk(k).(string))] = walk(t[k])
			}
			return out
		case []any:
			out := make([]any, len(t))
			for i, inner := range t {
				out[i] = walk(inner)
			}
			return out
		default:
			return v
		}
	}
	return walk(m).(map[string]any), kinds
}

func uniqueKey(m map[string]any, key string) string {
	if _, taken := m[key]; !taken {
		return key
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", key, i)
		if _, taken := m[candidate]; !taken {
			return candidate
		}
	}
}

// mergeOverlaps sorts entities by position and collapses overlapping spans.
// On overlap the more sensitive kind wins the placeholder.
func mergeOverlaps(entities []Entity) []Entity {
	sorted := make([]Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		lenI := sorted[i].End - sorted[i].Start
		lenJ := sorted[j].End - sorted[j].Start
		if lenI != lenJ {
			return lenI > lenJ
		}
		return sorted[i].Sensitivity > sorted[j].Sensitivity
	})

	var merged []Entity
	for _, e := range sorted {
		if len(merged) == 0 {
			merged = append(merged, e)
			continue
		}
		last := &merged[len(merged)-1]
		if e.Start < last.End {
			if e.Sensitivity > last.Sensitivity {
				last.Kind = e.Kind
				last.Sensitivity = e.Sensitivity
			}
			if e.End > last.End {
				last.End = e.End
			}
			continue
		}
		merged = append(merged, e)
	}
	return merged
}

// luhnValid checks whether a digit string passes the Luhn algorithm (ISO/IEC 7812).
func luhnValid(number string) bool {
	n := len(number)
	if n < 2 {
		return false
	}
	sum := 0
	alt := false
	for i := n - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

func enhanceScoreWithContext(text string, start, end int, baseScore float64, contextWords []string) float64 {
	if len(contextWords) == 0 {
		return baseScore
	}
	from := max(0, start-ContextWindowChars)
	to := min(len(text), end+ContextWindowChars)
	window := strings.ToLower(text[from:start] + " " + text[end:to])

	for _, cw := range contextWords {
		if containsWord(window, strings.ToLower(cw)) {
			return baseScore + ContextSimilarityFactor
		}
	}
	return baseScore
}

// containsWord reports whether word occurs in s bounded on both sides by a
// non-alphanumeric rune or the edge of s, so "tel" does not match "hotel".
func containsWord(s, word string) bool {
	if word == "" {
		return false
	}
	for offset := 0; offset < len(s); {
		i := strings.Index(s[offset:], word)
		if i < 0 {
			return false
		}
		i += offset
		j := i + len(word)
		before, _ := utf8.DecodeLastRuneInString(s[:i])
		after, _ := utf8.DecodeRuneInString(s[j:])
		if (i == 0 || !isWordRune(before)) && (j == len(s) || !isWordRune(after)) {
			return true
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		offset = i + size
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, ch := range s {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}
