package coaching

import (
	"context"
	"time"

	"github.com/ashureev/shsh-coach/internal/domain"
)

// Outbound event types.
const (
	EventCoachingConfig  = "coaching_config"
	EventTypingHints     = "typing_hints"
	EventMessageAnalysis = "message_analysis"
	EventScenarioHints   = "scenario_hints"
	EventSystemMessage   = "system_message"
)

// Hint interaction actions.
const (
	ActionAccepted  = "accepted"
	ActionDismissed = "dismissed"
	ActionClicked   = "clicked"
)

// Event is one message pushed to a session's transport.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Sink delivers events to the transport that owns a session.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// CoachingConfig tells the client whether coaching is on for its variant.
type CoachingConfig struct {
	Enabled   bool   `json:"enabled"`
	HintLevel string `json:"hint_level"`
	SessionID string `json:"session_id"`
	Variant   string `json:"variant"`
}

// TypingHints carries hints for a partially typed message.
type TypingHints struct {
	Hints      []domain.Hint `json:"hints"`
	Confidence float64       `json:"confidence"`
	Timestamp  time.Time     `json:"timestamp"`
}

// MessageAnalysis carries the full analysis of a sent message.
type MessageAnalysis struct {
	Analysis        domain.SkillAnalysisResult `json:"analysis"`
	ScoreImpact     float64                    `json:"score_impact"`
	Recommendations []string                   `json:"recommendations"`
	Timestamp       time.Time                  `json:"timestamp"`
}

// ScenarioHints carries tips for a practice scenario.
type ScenarioHints struct {
	Hints      []domain.Hint `json:"hints"`
	ScenarioID string        `json:"scenario_id"`
}

// SystemMessage is broadcast to every live session.
type SystemMessage struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
