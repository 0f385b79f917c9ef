// Package patterns provides embedded default recognizer and vocabulary definitions.
// pii.yaml and injection.yaml use the Presidio-compatible recognizer format
// with mentor extensions (sensitivity, severity, validation). cognitive.yaml
// holds the phrase tables for cognitive-state and delegation detection.
package patterns

import _ "embed"

//go:embed pii.yaml
var piiYAML []byte

//go:embed injection.yaml
var injectionYAML []byte

//go:embed cognitive.yaml
var cognitiveYAML []byte

// PIIYAML returns the embedded default PII recognizer definitions.
func PIIYAML() []byte { return piiYAML }

// InjectionYAML returns the embedded default injection recognizer definitions.
func InjectionYAML() []byte { return injectionYAML }

// CognitiveYAML returns the embedded cognitive-state vocabulary.
func CognitiveYAML() []byte { return cognitiveYAML }
