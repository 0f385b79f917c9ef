package generation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dativo-io/mentor/internal/llm"
	"github.com/dativo-io/mentor/internal/policy"
	"github.com/dativo-io/mentor/internal/strategy"
)

// DeepPromptRunes is the prompt length above which the deep model is used.
const DeepPromptRunes = 800

// Intensity levels assigned from the shape of a delivered response.
const (
	IntensityFallback     = 0.0
	IntensityPureQuestion = 0.2
	IntensityPseudocode   = 0.6
	IntensityCode         = 0.8
)

// CodeRedactedNotice replaces fenced code removed from a response.
const CodeRedactedNotice = "[código omitido]"

var (
	fenceRe       = regexp.MustCompile("(?s)```.*?(?:```|$)|~~~.*?(?:~~~|$)")
	codeLikeRe    = regexp.MustCompile(`(?m)(\bdef \w+\s*\(|\bfunc\b[^\n]*\(|;\s*\n|[{}]|^\s*(#include|import |public |class \w+))`)
	pseudocodeRe  = regexp.MustCompile(`(?mi)^\s*(si|mientras|para cada|para|repetir|hasta|fin|sino|if|else|while|for each|repeat|until|end)\b[^\n]*$`)
	sentenceSplit = regexp.MustCompile(`[^.!?\n]+[.!?]*`)
)

// ModelHintFor picks the model size for a prompt: deep for long prompts,
// prompts that look like code, or when the caller asks for deep analysis.
func ModelHintFor(prompt string, contextMap map[string]any) llm.ModelHint {
	if utf8.RuneCountInString(prompt) > DeepPromptRunes {
		return llm.HintDeep
	}
	if LooksLikeCode(prompt) {
		return llm.HintDeep
	}
	if deep, ok := contextMap["deep_analysis"].(bool); ok && deep {
		return llm.HintDeep
	}
	return llm.HintLight
}

// LooksLikeCode reports whether text contains a code fence or typical
// source-code tokens.
func LooksLikeCode(text string) bool {
	return HasCodeFence(text) || codeLikeRe.MatchString(text)
}

// HasCodeFence reports whether text contains a fenced code block, opened by
// either a backtick or a tilde fence.
func HasCodeFence(text string) bool {
	return strings.Contains(text, "```") || strings.Contains(text, "~~~")
}

// CountCodeFences returns the number of fenced blocks in text, counting an
// unterminated trailing fence as one.
func CountCodeFences(text string) int {
	return len(fenceRe.FindAllStringIndex(text, -1))
}

// RedactCode removes fenced code blocks, including an unterminated trailing
// fence.
func RedactCode(text string) (string, bool) {
	if !HasCodeFence(text) {
		return text, false
	}
	return strings.TrimSpace(fenceRe.ReplaceAllString(text, CodeRedactedNotice)), true
}

// AssessIntensity estimates how much of the work a delivered response does
// for the learner. A fenced code block dominates; a response made only of
// questions is the lowest non-fallback level; otherwise the strategy's base
// applies, raised for hints that carry pseudocode. This is a heuristic over
// the text's shape, not a measure of its content.
func AssessIntensity(s strategy.Strategy, text string) float64 {
	if HasCodeFence(text) {
		return clamp(max(s.BaseIntensity(), IntensityCode))
	}
	if IsPureQuestion(text) {
		return IntensityPureQuestion
	}
	base := s.BaseIntensity()
	if s.Contract() == policy.GiveGraduatedHint && HasPseudocode(text) {
		base = IntensityPseudocode
	}
	return clamp(base)
}

// IsPureQuestion reports whether every sentence of text is a question.
func IsPureQuestion(text string) bool {
	sentences := sentenceSplit.FindAllString(text, -1)
	found := false
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.HasSuffix(s, "?") {
			return false
		}
		found = true
	}
	return found
}

// HasPseudocode reports whether text has at least two lines that read as
// structured pseudocode.
func HasPseudocode(text string) bool {
	return len(pseudocodeRe.FindAllString(text, 3)) >= 2
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
