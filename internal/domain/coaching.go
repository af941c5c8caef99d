package domain

import "time"

// Suggestion priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
)

// Overall ratings.
const (
	RatingExcellent        = "excellent"
	RatingGood             = "good"
	RatingFair             = "fair"
	RatingNeedsImprovement = "needs_improvement"
)

// Hint types.
const (
	HintTypeSkill    = "skill"
	HintTypeLength   = "length"
	HintTypeScenario = "scenario"
)

// Suggestion is an improvement proposal attached to one skill.
type Suggestion struct {
	Skill      string  `json:"skill"`
	Hint       string  `json:"hint"`
	Example    string  `json:"example"`
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
}

// SkillAnalysisResult is the transient output of analyzing one message.
type SkillAnalysisResult struct {
	Message       string         `json:"message"`
	Timestamp     time.Time      `json:"timestamp"`
	Scores        map[string]int `json:"scores"`
	Suggestions   []Suggestion   `json:"suggestions"`
	OverallRating string         `json:"overall_rating"`
}

// MeanScore returns the mean of all skill scores, or 0 when there are none.
func (r SkillAnalysisResult) MeanScore() float64 {
	if len(r.Scores) == 0 {
		return 0
	}
	total := 0
	for _, s := range r.Scores {
		total += s
	}
	return float64(total) / float64(len(r.Scores))
}

// Hint is a lightweight coaching tip shown while typing or for a scenario.
type Hint struct {
	ID         string  `json:"id"`
	Skill      string  `json:"skill,omitempty"`
	Type       string  `json:"type"`
	Message    string  `json:"message"`
	Example    string  `json:"example,omitempty"`
	Confidence float64 `json:"confidence"`
}
