package intake

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/attribute"

	mentorotel "github.com/dativo-io/mentor/internal/otel"
	"github.com/dativo-io/mentor/internal/pii"
	"github.com/dativo-io/mentor/patterns"
)

var tracer = mentorotel.Tracer("github.com/dativo-io/mentor/internal/intake")

// InjectionPattern detects a prompt injection attempt.
type InjectionPattern struct {
	Name        string
	Description string
	Pattern     *regexp.Regexp
	Severity    int // 1-3
}

// InjectionAttempt is one match of an injection pattern.
type InjectionAttempt struct {
	Pattern  string `json:"pattern"`
	Position int    `json:"position"`
	Severity int    `json:"severity"`
}

// ScanResult contains the results of injection pattern scanning.
type ScanResult struct {
	InjectionsFound []InjectionAttempt `json:"injections_found"`
	MaxSeverity     int                `json:"max_severity"`
	Safe            bool               `json:"safe"`
}

// DefaultInjectionRecognizers returns the recognizers from the embedded injection.yaml.
func DefaultInjectionRecognizers() ([]pii.RecognizerConfig, error) {
	rf, err := pii.ParseRecognizerFile(patterns.InjectionYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded injection patterns: %w", err)
	}
	return rf.Recognizers, nil
}

// CompileInjectionPatterns converts recognizer configs into compiled
// patterns. Disabled recognizers are skipped.
func CompileInjectionPatterns(recognizers []pii.RecognizerConfig) ([]InjectionPattern, error) {
	var result []InjectionPattern

	for i := range recognizers {
		rec := &recognizers[i]
		if !rec.IsEnabled() {
			continue
		}
		for _, p := range rec.Patterns {
			compiled, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling injection pattern %q in %q: %w", p.Name, rec.Name, err)
			}
			result = append(result, InjectionPattern{
				Name:        rec.Name,
				Description: p.Name,
				Pattern:     compiled,
				Severity:    rec.Severity,
			})
		}
	}
	return result, nil
}

// InjectionScanner detects prompt injection attempts in learner input.
type InjectionScanner struct {
	patterns []InjectionPattern
}

// NewInjectionScanner builds a scanner from the embedded recognizers.
func NewInjectionScanner() (*InjectionScanner, error) {
	recs, err := DefaultInjectionRecognizers()
	if err != nil {
		return nil, err
	}
	compiled, err := CompileInjectionPatterns(recs)
	if err != nil {
		return nil, err
	}
	return &InjectionScanner{patterns: compiled}, nil
}

// MustNewInjectionScanner panics if the embedded recognizers fail to compile.
func MustNewInjectionScanner() *InjectionScanner {
	s, err := NewInjectionScanner()
	if err != nil {
		panic(fmt.Sprintf("intake.NewInjectionScanner: %v", err))
	}
	return s
}

// Scan analyzes text for prompt injection patterns.
func (s *InjectionScanner) Scan(ctx context.Context, text string) *ScanResult {
	_, span := tracer.Start(ctx, "intake.injection_scan")
	defer span.End()

	result := &ScanResult{
		InjectionsFound: []InjectionAttempt{},
		Safe:            true,
	}

	for _, pattern := range s.patterns {
		for _, match := range pattern.Pattern.FindAllStringIndex(text, -1) {
			result.InjectionsFound = append(result.InjectionsFound, InjectionAttempt{
				Pattern:  pattern.Name,
				Position: match[0],
				Severity: pattern.Severity,
			})
			if pattern.Severity > result.MaxSeverity {
				result.MaxSeverity = pattern.Severity
			}
			result.Safe = false
		}
	}

	span.SetAttributes(
		attribute.Int("injection.count", len(result.InjectionsFound)),
		attribute.Int("injection.max_severity", result.MaxSeverity),
	)
	return result
}
