package cognition

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/dativo-io/mentor/patterns"
)

// VocabularyFile is the YAML layout of the cognitive vocabulary.
type VocabularyFile struct {
	Delegation []PhraseGroup `yaml:"delegation"`
	States     []StateRule   `yaml:"states"`
}

// PhraseGroup is a named list of phrases.
type PhraseGroup struct {
	Name    string   `yaml:"name"`
	Phrases []string `yaml:"phrases"`
}

// StateRule maps a phrase list to a cognitive state and the intent it implies.
type StateRule struct {
	State   string   `yaml:"state"`
	Intent  string   `yaml:"intent"`
	Phrases []string `yaml:"phrases"`
}

// ParseVocabulary decodes and checks a vocabulary file.
func ParseVocabulary(data []byte) (*VocabularyFile, error) {
	var vf VocabularyFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parsing cognitive vocabulary: %w", err)
	}
	for _, rule := range vf.States {
		if !State(rule.State).Valid() || State(rule.State) == StateUnclassified {
			return nil, fmt.Errorf("vocabulary: unknown state %q", rule.State)
		}
		if rule.Intent == "" {
			return nil, fmt.Errorf("vocabulary: state %q has no intent", rule.State)
		}
	}
	return &vf, nil
}

// DefaultVocabulary returns the embedded vocabulary.
func DefaultVocabulary() (*VocabularyFile, error) {
	return ParseVocabulary(patterns.CognitiveYAML())
}

// fold lowercases, strips diacritics and replaces every non-alphanumeric
// rune with a single space. The result is padded with spaces so phrase
// lookups can match on word boundaries with strings.Contains.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	b.Grow(len(folded) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}
