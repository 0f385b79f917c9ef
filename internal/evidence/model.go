package evidence

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors for the evidence package.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session is closed")
	ErrInvalidTransition  = errors.New("invalid session status transition")
	ErrTraceNotFound      = errors.New("trace not found")
	ErrSequenceNotFound   = errors.New("sequence not found")
	ErrSequenceClosed     = errors.New("sequence is closed")
	ErrRiskNotFound       = errors.New("risk not found")
	ErrRiskResolved       = errors.New("risk already resolved")
	ErrInvalidIntensity   = errors.New("assistance intensity must be within [0, 1]")
	ErrInvalidTraceRecord = errors.New("invalid trace record")
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusAborted   SessionStatus = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// ParseSessionStatus validates a status name.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch st := SessionStatus(s); st {
	case StatusActive, StatusPaused, StatusCompleted, StatusAborted:
		return st, nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// GovernanceLock records when red became sticky for a session.
type GovernanceLock struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Session is one learner working on one activity in one mode.
type Session struct {
	ID         string          `json:"id"`
	StudentID  string          `json:"student_id"`
	ActivityID string          `json:"activity_id"`
	Mode       string          `json:"mode"`
	Status     SessionStatus   `json:"status"`
	TraceCount int             `json:"trace_count"`
	Lock       *GovernanceLock `json:"governance_lock,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Locked reports whether a governance lock is in force.
func (s *Session) Locked() bool {
	return s != nil && s.Lock != nil
}

// TraceLevel is how far a trace's content is from the learner's raw input.
type TraceLevel string

const (
	LevelRaw           TraceLevel = "raw"
	LevelPreprocessed  TraceLevel = "preprocessed"
	LevelModelMediated TraceLevel = "model-mediated"
	LevelSynthesized   TraceLevel = "synthesized"
)

var levelRank = map[TraceLevel]int{
	LevelRaw:           0,
	LevelPreprocessed:  1,
	LevelModelMediated: 2,
	LevelSynthesized:   3,
}

// Valid reports whether l is a known level.
func (l TraceLevel) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Less orders levels raw < preprocessed < model-mediated < synthesized.
func (l TraceLevel) Less(other TraceLevel) bool {
	return levelRank[l] < levelRank[other]
}

// TraceKind is what a trace records.
type TraceKind string

const (
	KindUserMessage       TraceKind = "user-message"
	KindAIResponse        TraceKind = "ai-response"
	KindStrategyChange    TraceKind = "strategy-change"
	KindSelfCorrection    TraceKind = "self-correction"
	KindCodeModification  TraceKind = "code-modification"
	KindTutorIntervention TraceKind = "tutor-intervention"
)

// Valid reports whether k is a known kind.
func (k TraceKind) Valid() bool {
	switch k {
	case KindUserMessage, KindAIResponse, KindStrategyChange, KindSelfCorrection, KindCodeModification, KindTutorIntervention:
		return true
	}
	return false
}

// EventKind reports whether k may be recorded by an external caller.
func (k TraceKind) EventKind() bool {
	switch k {
	case KindStrategyChange, KindSelfCorrection, KindCodeModification, KindTutorIntervention:
		return true
	}
	return false
}

// CognitiveTrace is one immutable, signed record of the learning process.
type CognitiveTrace struct {
	ID                     string         `json:"id"`
	SessionID              string         `json:"session_id"`
	StudentID              string         `json:"student_id"`
	ActivityID             string         `json:"activity_id"`
	Level                  TraceLevel     `json:"level"`
	Kind                   TraceKind      `json:"kind"`
	Content                string         `json:"content"`
	Context                map[string]any `json:"context"`
	CognitiveState         string         `json:"cognitive_state,omitempty"`
	Intent                 string         `json:"intent,omitempty"`
	DecisionJustification  string         `json:"decision_justification,omitempty"`
	AlternativesConsidered []string       `json:"alternatives_considered"`
	AssistanceIntensity    float64        `json:"assistance_intensity"`
	ParentID               string         `json:"parent_id,omitempty"`
	SequenceID             string         `json:"sequence_id"`
	Dimensions             Dimensions     `json:"dimensions"`
	CreatedAt              time.Time      `json:"created_at"`
	Signature              string         `json:"signature"`
}

// TraceSequence is an episode of consecutive traces within a session.
type TraceSequence struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	TraceIDs        []string   `json:"trace_ids"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	ReasoningPath   []string   `json:"reasoning_path"`
	StrategyChanges int        `json:"strategy_changes"`
	LastStrategy    string     `json:"last_strategy,omitempty"`
	DependencyScore float64    `json:"dependency_score"`
	WeightedSum     float64    `json:"weighted_sum"`
	WeightSum       float64    `json:"weight_sum"`
}

// Closed reports whether the sequence accepts no more traces.
func (s *TraceSequence) Closed() bool {
	return s.EndedAt != nil
}

// Risk dimensions.
const (
	DimensionCognitive  = "cognitive"
	DimensionEthical    = "ethical"
	DimensionEpistemic  = "epistemic"
	DimensionTechnical  = "technical"
	DimensionGovernance = "governance"
)

// Risk types, closed per dimension.
const (
	RiskCognitiveDelegation   = "cognitive-delegation"
	RiskAIDependency          = "ai-dependency"
	RiskProlongedState        = "prolonged-state"
	RiskAcademicIntegrity     = "academic-integrity"
	RiskPIIExposure           = "pii-exposure"
	RiskLackOfJustification   = "lack-of-justification"
	RiskUncriticalAcceptance  = "uncritical-acceptance"
	RiskGenerationDegradation = "generation-degradation"
	RiskPolicyViolation       = "policy-violation"
)

var riskTypesByDimension = map[string][]string{
	DimensionCognitive:  {RiskCognitiveDelegation, RiskAIDependency, RiskProlongedState},
	DimensionEthical:    {RiskAcademicIntegrity, RiskPIIExposure},
	DimensionEpistemic:  {RiskLackOfJustification, RiskUncriticalAcceptance},
	DimensionTechnical:  {RiskGenerationDegradation},
	DimensionGovernance: {RiskPolicyViolation},
}

// ValidRiskType reports whether typ belongs to dimension.
func ValidRiskType(dimension, typ string) bool {
	for _, t := range riskTypesByDimension[dimension] {
		if t == typ {
			return true
		}
	}
	return false
}

// Severity levels, ordered low < medium < high < critical.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityRank orders severities; unknown values rank below low.
func SeverityRank(s string) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Risk is a detected learning-process risk for a session.
type Risk struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	Dimension      string     `json:"dimension"`
	Type           string     `json:"type"`
	Severity       string     `json:"severity"`
	Description    string     `json:"description"`
	TraceIDs       []string   `json:"trace_ids"`
	Resolved       bool       `json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
