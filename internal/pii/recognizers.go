package pii

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/dativo-io/mentor/patterns"
)

// RecognizerFile is the top-level YAML structure for a recognizer config file.
// Mirrors Presidio's recognizer registry YAML format.
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers"`
}

// RecognizerConfig mirrors Presidio's YAML recognizer schema with mentor extensions.
type RecognizerConfig struct {
	Name               string            `yaml:"name" json:"name"`
	SupportedEntity    string            `yaml:"supported_entity" json:"supported_entity"`
	Enabled            *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Patterns           []PatternConfig   `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	SupportedLanguages []LanguageContext `yaml:"supported_languages,omitempty" json:"supported_languages,omitempty"`
	// Extensions (Presidio ignores unknown fields)
	Sensitivity int      `yaml:"sensitivity,omitempty" json:"sensitivity,omitempty"`
	Countries   []string `yaml:"countries,omitempty" json:"countries,omitempty"`
	Validation  string   `yaml:"validation,omitempty" json:"validation,omitempty"`
	// Used by the injection scanner only.
	Severity int `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// PatternConfig is a single regex pattern within a recognizer.
type PatternConfig struct {
	Name  string  `yaml:"name" json:"name"`
	Regex string  `yaml:"regex" json:"regex"`
	Score float64 `yaml:"score" json:"score"`
}

// LanguageContext holds context words for a specific language.
type LanguageContext struct {
	Language string   `yaml:"language" json:"language"`
	Context  []string `yaml:"context,omitempty" json:"context,omitempty"`
}

// IsEnabled returns true if the recognizer is enabled (defaults to true when nil).
func (r *RecognizerConfig) IsEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// Pattern is a compiled, ready-to-use detection pattern.
type Pattern struct {
	Name         string
	Kind         Kind
	Regex        *regexp.Regexp
	Score        float64
	Sensitivity  int
	ContextWords []string
	ValidateLuhn bool
}

// ParseRecognizerFile parses recognizer YAML bytes into a RecognizerFile.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &rf, nil
}

// LoadRecognizerFile reads and parses a recognizer YAML file from disk.
// Returns nil (not an error) if the file does not exist.
func LoadRecognizerFile(path string) (*RecognizerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseRecognizerFile(data)
}

// DefaultRecognizers returns the built-in PII recognizers parsed from the
// embedded pii.yaml file.
func DefaultRecognizers() ([]RecognizerConfig, error) {
	rf, err := ParseRecognizerFile(patterns.PIIYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded PII patterns: %w", err)
	}
	return rf.Recognizers, nil
}

// MergeRecognizers layers recognizer lists: later layers override earlier ones
// by Name, new recognizers are appended.
func MergeRecognizers(layers ...[]RecognizerConfig) []RecognizerConfig {
	index := make(map[string]int)
	var merged []RecognizerConfig

	for _, layer := range layers {
		for _, rc := range layer {
			if idx, exists := index[rc.Name]; exists {
				merged[idx] = rc
			} else {
				index[rc.Name] = len(merged)
				merged = append(merged, rc)
			}
		}
	}
	return merged
}

// CompilePatterns converts recognizer configs into runtime patterns. Disabled
// recognizers are skipped. Entities outside the known kinds are rejected so a
// typo in an operator file cannot silently produce an unmapped placeholder.
func CompilePatterns(recognizers []RecognizerConfig) ([]Pattern, error) {
	var out []Pattern

	for i := range recognizers {
		rec := &recognizers[i]
		if !rec.IsEnabled() {
			continue
		}
		kind, ok := entityKinds[rec.SupportedEntity]
		if !ok {
			return nil, fmt.Errorf("recognizer %q: unsupported entity %q", rec.Name, rec.SupportedEntity)
		}
		var contextWords []string
		for _, lang := range rec.SupportedLanguages {
			contextWords = append(contextWords, lang.Context...)
		}
		for _, p := range rec.Patterns {
			compiled, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern %q in recognizer %q: %w", p.Name, rec.Name, err)
			}
			out = append(out, Pattern{
				Name:         rec.Name,
				Kind:         kind,
				Regex:        compiled,
				Score:        p.Score,
				Sensitivity:  rec.Sensitivity,
				ContextWords: contextWords,
				ValidateLuhn: rec.Validation == "luhn",
			})
		}
	}
	return out, nil
}
