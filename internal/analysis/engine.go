// Package analysis implements the rule-based communication skill analyzer.
package analysis

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/shsh-coach/internal/domain"
)

// Scoring constants.
const (
	BaseScore            = 70
	WeakPatternPenalty   = 15
	GoodPatternBonus     = 10
	SuggestionThreshold  = 60
	HighPriorityBelow    = 50
	SuggestionConfidence = 0.8

	DefaultTypingMinLength = 10
	LongMessageRunes       = 200
	MaxTypingHints         = 2
	MaxScenarioHints       = 1

	typingHintConfidence   = 0.7
	lengthHintConfidence   = 0.6
	scenarioHintConfidence = 0.75
)

const (
	lengthHintMessage = "メッセージが長くなっています。要点を絞って短く伝えましょう"
	lengthHintExample = "要点は二つです。まず〜、次に〜。"
)

// Context carries per-call information from the orchestrator.
type Context struct {
	ScenarioID string `json:"scenario_id,omitempty"`
	HintLevel  string `json:"hint_level,omitempty"`
	// MinLength is the rune count a partial message needs before typing
	// hints fire. Zero means DefaultTypingMinLength.
	MinLength int `json:"min_length,omitempty"`
}

// Engine scores messages against a compiled rule table. It is safe for
// concurrent use.
type Engine struct {
	skills    []compiledSkill
	scenarios map[string][]ScenarioHint

	mu  sync.Mutex
	rng *rand.Rand

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeed makes suggestion selection reproducible.
func WithSeed(seed uint64) Option {
	return func(e *Engine) {
		e.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine validates and compiles rules. Invalid rules are a startup error.
func NewEngine(rules RuleSet, opts ...Option) (*Engine, error) {
	skills, err := compile(rules)
	if err != nil {
		return nil, err
	}
	seed := uint64(time.Now().UnixNano())
	e := &Engine{
		skills:    skills,
		scenarios: rules.Scenarios,
		rng:       rand.New(rand.NewPCG(seed, seed>>1)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Skills returns the skill names in declaration order.
func (e *Engine) Skills() []string {
	names := make([]string, len(e.skills))
	for i, s := range e.skills {
		names[i] = s.name
	}
	return names
}

// Analyze scores a sent message on every skill dimension.
func (e *Engine) Analyze(message string, _ Context) domain.SkillAnalysisResult {
	result := domain.SkillAnalysisResult{
		Message:     message,
		Timestamp:   e.now(),
		Scores:      make(map[string]int, len(e.skills)),
		Suggestions: []domain.Suggestion{},
	}

	text := strings.TrimSpace(message)
	if text == "" {
		for _, s := range e.skills {
			result.Scores[s.name] = BaseScore
		}
		result.OverallRating = Rate(BaseScore)
		return result
	}

	for _, s := range e.skills {
		weak := countMatches(s.weak, text)
		good := countMatches(s.good, text)
		score := clamp(BaseScore - WeakPatternPenalty*weak + GoodPatternBonus*good)
		result.Scores[s.name] = score

		if score < SuggestionThreshold || weak > 0 {
			priority := domain.PriorityMedium
			if score < HighPriorityBelow {
				priority = domain.PriorityHigh
			}
			result.Suggestions = append(result.Suggestions, domain.Suggestion{
				Skill:      s.name,
				Hint:       e.pick(s.hints),
				Example:    e.pick(s.examples),
				Priority:   priority,
				Confidence: SuggestionConfidence,
			})
		}
	}
	result.OverallRating = Rate(result.MeanScore())
	return result
}

// TypingHints returns at most MaxTypingHints lightweight hints for a
// partially typed message. Only weak patterns are considered.
func (e *Engine) TypingHints(partial string, actx Context) []domain.Hint {
	minLen := actx.MinLength
	if minLen <= 0 {
		minLen = DefaultTypingMinLength
	}
	length := utf8.RuneCountInString(partial)
	if length < minLen {
		return nil
	}

	var hints []domain.Hint
	for _, s := range e.skills {
		if countMatches(s.weak, partial) == 0 {
			continue
		}
		hints = append(hints, domain.Hint{
			Skill:      s.name,
			Type:       domain.HintTypeSkill,
			Message:    e.pick(s.hints),
			Example:    e.pick(s.examples),
			Confidence: typingHintConfidence,
		})
	}
	if length > LongMessageRunes {
		hints = append(hints, domain.Hint{
			Type:       domain.HintTypeLength,
			Message:    lengthHintMessage,
			Example:    lengthHintExample,
			Confidence: lengthHintConfidence,
		})
	}
	if len(hints) > MaxTypingHints {
		hints = hints[:MaxTypingHints]
	}
	return hints
}

// ScenarioHints returns at most MaxScenarioHints tips for a scenario.
// Unknown scenarios fall back to the general entry.
func (e *Engine) ScenarioHints(scenarioID string, _ Context) []domain.Hint {
	entries, ok := e.scenarios[scenarioID]
	if !ok || len(entries) == 0 {
		entries = e.scenarios[GeneralScenario]
	}
	if len(entries) == 0 {
		return nil
	}
	e.mu.Lock()
	entry := entries[e.rng.IntN(len(entries))]
	e.mu.Unlock()
	return []domain.Hint{{
		Skill:      entry.Skill,
		Type:       domain.HintTypeScenario,
		Message:    entry.Message,
		Example:    entry.Example,
		Confidence: scenarioHintConfidence,
	}}
}

// Rate buckets a mean score into an overall rating.
func Rate(mean float64) string {
	switch {
	case mean >= 80:
		return domain.RatingExcellent
	case mean >= 65:
		return domain.RatingGood
	case mean >= 50:
		return domain.RatingFair
	default:
		return domain.RatingNeedsImprovement
	}
}

func (e *Engine) pick(options []string) string {
	if len(options) == 0 {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return options[e.rng.IntN(len(options))]
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
