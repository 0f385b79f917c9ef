package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Dimension block schemas.
const (
	SchemaSemanticInbound   = "semantic.inbound/v1"
	SchemaSemanticOutbound  = "semantic.outbound/v1"
	SchemaAlgorithmic       = "algorithmic/v1"
	SchemaReasoningInbound  = "reasoning.inbound/v1"
	SchemaReasoningOutbound = "reasoning.outbound/v1"
	SchemaInteractional     = "interactional/v1"
	SchemaEthical           = "ethical/v1"
	SchemaProcedural        = "procedural/v1"
)

// SemanticInbound describes the learner message after sanitization.
type SemanticInbound struct {
	Runes       int      `json:"runes"`
	PIIRedacted []string `json:"pii_redacted"`
	ContextKeys []string `json:"context_keys,omitempty"`
}

// SemanticOutbound describes the delivered response.
type SemanticOutbound struct {
	Runes        int  `json:"runes"`
	PureQuestion bool `json:"pure_question"`
	CodeRedacted bool `json:"code_redacted"`
	HasCodeFence bool `json:"has_code_fence"`
}

// Algorithmic is populated when the message carries source code.
type Algorithmic struct {
	CodeFences    int  `json:"code_fences"`
	LooksLikeCode bool `json:"looks_like_code"`
}

// ReasoningInbound is the classifier's reading of a learner message.
type ReasoningInbound struct {
	CognitiveState  string   `json:"cognitive_state"`
	Intent          string   `json:"intent"`
	TotalDelegation bool     `json:"total_delegation"`
	MatchedRules    []string `json:"matched_rules"`
	HistoryStates   []string `json:"history_states,omitempty"`
}

// ReasoningOutbound is the routing decision behind a response.
type ReasoningOutbound struct {
	Strategy  string `json:"strategy"`
	Contract  string `json:"contract"`
	Family    string `json:"family"`
	ModelHint string `json:"model_hint"`
}

// Interactional describes how the response was produced.
type Interactional struct {
	Strategy       string `json:"strategy"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	ModelHint      string `json:"model_hint"`
	Fallback       bool   `json:"fallback"`
	FallbackReason string `json:"fallback_reason,omitempty"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	LatencyMS      int64  `json:"latency_ms"`
}

// Ethical embeds the governance verdict.
type Ethical struct {
	Semaphore             string   `json:"semaphore"`
	Intent                string   `json:"intent"`
	Contract              string   `json:"contract"`
	Blocked               bool     `json:"blocked"`
	BlockReason           string   `json:"block_reason,omitempty"`
	Reasons               []string `json:"reasons"`
	JustificationRequired bool     `json:"justification_required"`
	Lock                  bool     `json:"lock"`
	FailClosed            bool     `json:"fail_closed"`
	PolicyVersion         string   `json:"policy_version"`
}

// Procedural places a trace within the pipeline that produced it.
type Procedural struct {
	InteractionID string `json:"interaction_id,omitempty"`
	Source        string `json:"source"`
	Step          string `json:"step"`
}

var schemaRegistry = map[string]func() any{
	SchemaSemanticInbound:   func() any { return &SemanticInbound{} },
	SchemaSemanticOutbound:  func() any { return &SemanticOutbound{} },
	SchemaAlgorithmic:       func() any { return &Algorithmic{} },
	SchemaReasoningInbound:  func() any { return &ReasoningInbound{} },
	SchemaReasoningOutbound: func() any { return &ReasoningOutbound{} },
	SchemaInteractional:     func() any { return &Interactional{} },
	SchemaEthical:           func() any { return &Ethical{} },
	SchemaProcedural:        func() any { return &Procedural{} },
}

// Block is one dimension of a trace: a schema-tagged payload. Known schemas
// decode into their typed payload; fields the payload type does not know,
// and whole payloads of unknown schemas, are kept in Extra so that a
// decode/encode cycle is lossless.
type Block struct {
	Schema  string
	Payload any
	Extra   map[string]json.RawMessage
}

// NewBlock wraps a typed payload. payload must be a pointer to one of the
// payload types of this package.
func NewBlock(schema string, payload any) Block {
	return Block{Schema: schema, Payload: payload}
}

// Empty reports whether the block carries nothing.
func (b Block) Empty() bool {
	return b.Schema == "" && b.Payload == nil && len(b.Extra) == 0
}

// PayloadAs returns the typed payload of b when it has type *T.
func PayloadAs[T any](b Block) (*T, bool) {
	p, ok := b.Payload.(*T)
	return p, ok && p != nil
}

type blockWire struct {
	Schema  string                     `json:"schema"`
	Payload map[string]json.RawMessage `json:"payload"`
}

// MarshalJSON encodes an empty block as {}.
func (b Block) MarshalJSON() ([]byte, error) {
	if b.Empty() {
		return []byte("{}"), nil
	}
	fields := make(map[string]json.RawMessage, len(b.Extra))
	for k, v := range b.Extra {
		fields[k] = v
	}
	if b.Payload != nil {
		known, err := payloadFields(b.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", b.Schema, err)
		}
		for k, v := range known {
			fields[k] = v
		}
	}
	return json.Marshal(blockWire{Schema: b.Schema, Payload: fields})
}

// UnmarshalJSON decodes known schemas into typed payloads.
func (b *Block) UnmarshalJSON(data []byte) error {
	*b = Block{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("{}")) || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var wire blockWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decoding dimension block: %w", err)
	}
	b.Schema = wire.Schema

	factory, known := schemaRegistry[wire.Schema]
	if !known {
		if len(wire.Payload) > 0 {
			b.Extra = wire.Payload
		}
		return nil
	}

	raw, err := json.Marshal(wire.Payload)
	if err != nil {
		return err
	}
	payload := factory()
	if err := json.Unmarshal(raw, payload); err != nil {
		return fmt.Errorf("decoding %s payload: %w", wire.Schema, err)
	}
	b.Payload = payload

	encoded, err := payloadFields(payload)
	if err != nil {
		return err
	}
	for k, v := range wire.Payload {
		if _, ok := encoded[k]; ok {
			continue
		}
		if b.Extra == nil {
			b.Extra = make(map[string]json.RawMessage)
		}
		b.Extra[k] = v
	}
	return nil
}

func payloadFields(payload any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Dimensions holds the six dimension blocks of a trace. Every block is
// always present in the encoded form.
type Dimensions struct {
	Semantic      Block `json:"semantic"`
	Algorithmic   Block `json:"algorithmic"`
	Reasoning     Block `json:"reasoning"`
	Interactional Block `json:"interactional"`
	Ethical       Block `json:"ethical"`
	Procedural    Block `json:"procedural"`
}
