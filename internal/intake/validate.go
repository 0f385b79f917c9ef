// Package intake rejects malformed or hostile learner input before the
// pipeline touches any state.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

const (
	MinPromptChars = 10
	MaxPromptChars = 5000
	MaxContextSize = 10 * 1024
)

// ErrRejected is the sentinel wrapped by every RejectionError.
var ErrRejected = errors.New("input rejected")

// RejectionError names the offending field and why it was refused.
type RejectionError struct {
	Field  string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("input rejected: %s: %s", e.Field, e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrRejected }

func reject(field, format string, args ...any) error {
	return &RejectionError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var sessionIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// ValidSessionID reports whether id is a canonical lowercase UUIDv4.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Validator checks interaction input.
type Validator struct {
	injections *InjectionScanner
}

// NewValidator returns a Validator using the embedded injection recognizers.
func NewValidator() *Validator {
	return &Validator{injections: MustNewInjectionScanner()}
}

// Validate returns a *RejectionError when the session id, prompt or context
// map violate the input contract.
func (v *Validator) Validate(ctx context.Context, sessionID, prompt string, contextMap map[string]any) error {
	if !ValidSessionID(sessionID) {
		return reject("session_id", "must be a canonical UUIDv4")
	}

	n := utf8.RuneCountInString(prompt)
	if n < MinPromptChars {
		return reject("prompt", "must be at least %d characters (got %d)", MinPromptChars, n)
	}
	if n > MaxPromptChars {
		return reject("prompt", "must be at most %d characters (got %d)", MaxPromptChars, n)
	}
	if !utf8.ValidString(prompt) {
		return reject("prompt", "must be valid UTF-8")
	}
	if i, r, ok := firstControl(prompt); ok {
		return reject("prompt", "contains control character %U at byte %d", r, i)
	}

	if contextMap != nil {
		raw, err := json.Marshal(contextMap)
		if err != nil {
			return reject("context", "must be JSON-serializable: %v", err)
		}
		if len(raw) > MaxContextSize {
			return reject("context", "must be at most %d bytes when serialized (got %d)", MaxContextSize, len(raw))
		}
	}

	if res := v.injections.Scan(ctx, prompt); !res.Safe {
		return reject("prompt", "matches prompt-injection pattern %q", res.InjectionsFound[0].Pattern)
	}
	return nil
}

// firstControl finds the first C0 control or DEL in s. Tab, newline and
// carriage return are allowed.
func firstControl(s string) (int, rune, bool) {
	for i, r := range s {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
		case r < 0x20 || r == 0x7f:
			return i, r, true
		}
	}
	return 0, 0, false
}
