package coaching

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-coach/internal/analysis"
	"github.com/ashureev/shsh-coach/internal/domain"
	"github.com/ashureev/shsh-coach/internal/metrics"
)

// run drains the session's queue in arrival order until the queue is
// closed. Once the session context is cancelled remaining items are dropped.
func (o *Orchestrator) run(s *session) {
	defer close(s.done)
	for w := range s.queue {
		if s.ctx.Err() != nil {
			continue
		}
		o.process(s, w)
	}
}

func (o *Orchestrator) process(s *session, w work) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("recovered panic in session worker",
				"session_id", s.id, "event", w.kind.String(), "panic", r)
		}
	}()

	switch w.kind {
	case workSend:
		o.send(s, w.event)
	case workTyping:
		o.handleTyping(s, w)
	case workMessage:
		o.handleMessage(s, w)
	case workInteraction:
		o.handleInteraction(s, w)
	case workScenario:
		o.handleScenario(s, w)
	}
}

func (o *Orchestrator) handleTyping(s *session, w work) {
	if s.State() != StateActive {
		return
	}
	actx := w.actx
	actx.HintLevel = s.variant.HintLevel()
	actx.MinLength = minLengthFor(actx.HintLevel)

	start := time.Now()
	hints := o.safeTypingHints(s, w.text, actx)
	o.telemetry.ObserveAnalysis("typing", time.Since(start))
	if len(hints) == 0 {
		return
	}

	assignHintIDs(hints)
	s.hintsShown.Add(int64(len(hints)))
	o.telemetry.HintsDelivered(len(hints))
	o.send(s, Event{Type: EventTypingHints, Payload: TypingHints{
		Hints:      hints,
		Confidence: meanConfidence(hints),
		Timestamp:  o.now(),
	}})
}

func (o *Orchestrator) handleMessage(s *session, w work) {
	if s.State() != StateActive {
		return
	}
	s.messageCount.Add(1)

	actx := w.actx
	actx.HintLevel = s.variant.HintLevel()

	start := time.Now()
	result := o.safeAnalyze(s, w.text, actx)
	o.telemetry.ObserveAnalysis("message", time.Since(start))

	var mean, impact float64
	if len(result.Scores) > 0 {
		mean = result.MeanScore()
		impact = mean - analysis.BaseScore
	}
	o.send(s, Event{Type: EventMessageAnalysis, Payload: MessageAnalysis{
		Analysis:        result,
		ScoreImpact:     impact,
		Recommendations: recommendations(result.Suggestions),
		Timestamp:       o.now(),
	}})

	// A neutral fallback carries no scores and is not a measurement.
	if len(result.Scores) == 0 {
		return
	}
	o.track(s, domain.MetricMessageScore, mean, map[string]any{
		"message_count":  s.messageCount.Load(),
		"overall_rating": result.OverallRating,
	})
}

func (o *Orchestrator) handleInteraction(s *session, w work) {
	if w.action == ActionAccepted && s.hintsAccepted.Load() < s.hintsShown.Load() {
		s.hintsAccepted.Add(1)
		o.telemetry.HintAccepted()
	}
	o.track(s, "hint_"+w.action, 1, map[string]any{"hint_id": w.hintID})
}

func (o *Orchestrator) handleScenario(s *session, w work) {
	if s.State() != StateActive {
		return
	}
	actx := w.actx
	actx.HintLevel = s.variant.HintLevel()
	actx.ScenarioID = w.scenarioID

	hints := o.safeScenarioHints(s, w.scenarioID, actx)
	if len(hints) == 0 {
		return
	}
	assignHintIDs(hints)
	s.hintsShown.Add(int64(len(hints)))
	o.telemetry.HintsDelivered(len(hints))
	o.send(s, Event{Type: EventScenarioHints, Payload: ScenarioHints{
		Hints:      hints,
		ScenarioID: w.scenarioID,
	}})
}

// finalize records end-of-session metrics and closes the session.
func (o *Orchestrator) finalize(s *session) {
	if s.State() != StateActive {
		s.setState(StateClosed)
		return
	}
	duration := o.now().Sub(s.startedAt).Seconds()
	o.track(s, domain.MetricSessionDuration, duration, map[string]any{
		"message_count": s.messageCount.Load(),
	})
	if shown := s.hintsShown.Load(); shown > 0 {
		rate := float64(s.hintsAccepted.Load()) / float64(shown)
		o.track(s, domain.MetricHintAcceptanceRate, rate, map[string]any{
			"hints_shown": shown,
		})
	}
	s.setState(StateClosed)
	o.telemetry.SessionClosed()
	o.logger.Info("coaching session closed",
		"session_id", s.id, "user_id", s.userID,
		"duration_seconds", duration,
		"messages", s.messageCount.Load(),
		"hints_shown", s.hintsShown.Load(),
		"hints_accepted", s.hintsAccepted.Load())
}

func (o *Orchestrator) send(s *session, ev Event) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, o.cfg.SendTimeout)
	defer cancel()
	if err := s.sink.Send(ctx, ev); err != nil {
		o.logger.Warn("failed to deliver coaching event",
			"session_id", s.id, "type", ev.Type, "error", err)
	}
}

func (o *Orchestrator) track(s *session, metric string, value float64, metadata map[string]any) {
	if o.tracker == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["session_id"] = s.id
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SendTimeout)
	defer cancel()
	o.tracker.Track(ctx, s.userID, metric, value,
		metrics.WithExperiment(s.variant.ExperimentName),
		metrics.WithMetadata(metadata))
}

func (o *Orchestrator) safeAnalyze(s *session, message string, actx analysis.Context) (res domain.SkillAnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("analysis failed, using neutral result", "session_id", s.id, "panic", r)
			res = neutralResult(message, o.now())
		}
	}()
	return o.analyzer.Analyze(message, actx)
}

func (o *Orchestrator) safeTypingHints(s *session, partial string, actx analysis.Context) (hints []domain.Hint) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("typing hints failed", "session_id", s.id, "panic", r)
			hints = nil
		}
	}()
	return o.analyzer.TypingHints(partial, actx)
}

func (o *Orchestrator) safeScenarioHints(s *session, scenarioID string, actx analysis.Context) (hints []domain.Hint) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("scenario hints failed", "session_id", s.id, "panic", r)
			hints = nil
		}
	}()
	return o.analyzer.ScenarioHints(scenarioID, actx)
}

func neutralResult(message string, now time.Time) domain.SkillAnalysisResult {
	return domain.SkillAnalysisResult{
		Message:       message,
		Timestamp:     now,
		Scores:        map[string]int{},
		Suggestions:   []domain.Suggestion{},
		OverallRating: analysis.Rate(analysis.BaseScore),
	}
}

func assignHintIDs(hints []domain.Hint) {
	for i := range hints {
		if hints[i].ID == "" {
			hints[i].ID = uuid.NewString()
		}
	}
}

func meanConfidence(hints []domain.Hint) float64 {
	if len(hints) == 0 {
		return 0
	}
	var total float64
	for _, h := range hints {
		total += h.Confidence
	}
	return total / float64(len(hints))
}

// recommendations lists suggestion hints, high priority first.
func recommendations(suggestions []domain.Suggestion) []string {
	sorted := make([]domain.Suggestion, len(suggestions))
	copy(sorted, suggestions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority == domain.PriorityHigh && sorted[j].Priority != domain.PriorityHigh
	})
	out := make([]string, 0, len(sorted))
	for _, s := range sorted {
		out = append(out, s.Hint)
	}
	return out
}
