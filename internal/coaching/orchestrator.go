// Package coaching implements the real-time session orchestrator: it owns
// live coaching sessions, routes their events through per-session workers
// to the analysis engine, and reports outcomes to the metrics engine.
package coaching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/shsh-coach/internal/analysis"
	"github.com/ashureev/shsh-coach/internal/domain"
	"github.com/ashureev/shsh-coach/internal/metrics"
	"github.com/ashureev/shsh-coach/internal/telemetry"
)

var (
	// ErrSessionNotFound is returned for events that reference no live session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrQueueFull is returned when a session's event queue is saturated.
	ErrQueueFull = errors.New("session event queue full")
	// ErrUnauthorized is returned when the authorizer rejects a connect.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidAction is returned for unknown hint interaction actions.
	ErrInvalidAction = errors.New("invalid hint action")
	// ErrShuttingDown is returned by Connect after Shutdown has begun.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// Typing hint thresholds by hint level, in runes.
const (
	BasicMinLength    = 20
	AdvancedMinLength = 15
	DefaultMinLength  = 25
)

// Defaults for Config.
const (
	DefaultQueueSize   = 64
	DefaultGracePeriod = 3 * time.Second
	DefaultSendTimeout = 5 * time.Second
)

// Analyzer scores messages and produces hints.
type Analyzer interface {
	Analyze(message string, actx analysis.Context) domain.SkillAnalysisResult
	TypingHints(partial string, actx analysis.Context) []domain.Hint
	ScenarioHints(scenarioID string, actx analysis.Context) []domain.Hint
}

// Assigner resolves a user's experiment variant.
type Assigner interface {
	Assign(ctx context.Context, userID, experimentName string) domain.VariantAssignment
}

// Tracker records experiment metrics.
type Tracker interface {
	Track(ctx context.Context, userID, metricName string, value float64, opts ...metrics.TrackOption) bool
}

// Authorizer decides whether a user may open a coaching session.
type Authorizer interface {
	Authorize(ctx context.Context, userID string) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, userID string) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, userID string) error {
	return f(ctx, userID)
}

// AllowAll authorizes every user.
var AllowAll = AuthorizerFunc(func(context.Context, string) error { return nil })

// Config configures an Orchestrator.
type Config struct {
	Experiment  string
	QueueSize   int
	GracePeriod time.Duration
	SendTimeout time.Duration
}

// Orchestrator owns the registry of live sessions.
type Orchestrator struct {
	cfg       Config
	analyzer  Analyzer
	assigner  Assigner
	tracker   Tracker
	auth      Authorizer
	telemetry *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
	closing  bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAuthorizer sets the connect authorizer. The default allows everyone.
func WithAuthorizer(a Authorizer) Option {
	return func(o *Orchestrator) { o.auth = a }
}

// WithTelemetry reports session activity to m.
func WithTelemetry(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.telemetry = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(cfg Config, analyzer Analyzer, assigner Assigner, tracker Tracker, opts ...Option) *Orchestrator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	o := &Orchestrator{
		cfg:      cfg,
		analyzer: analyzer,
		assigner: assigner,
		tracker:  tracker,
		auth:     AllowAll,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Connect authorizes userID, assigns its variant, registers an ACTIVE
// session and queues the coaching configuration event on sink.
func (o *Orchestrator) Connect(ctx context.Context, userID string, sink Sink) (string, error) {
	if err := o.auth.Authorize(ctx, userID); err != nil {
		o.logger.Warn("coaching connect rejected", "user_id", userID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	assignment := o.assigner.Assign(ctx, userID, o.cfg.Experiment)

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return "", ErrShuttingDown
	}
	id := uuid.NewString()
	for o.sessions[id] != nil {
		id = uuid.NewString()
	}
	s := newSession(id, userID, assignment, o.now(), sink, o.cfg.QueueSize)
	o.sessions[id] = s
	o.mu.Unlock()

	s.setState(StateActive)
	go o.run(s)

	_ = s.enqueue(work{kind: workSend, event: Event{
		Type: EventCoachingConfig,
		Payload: CoachingConfig{
			Enabled:   assignment.CoachingEnabled(),
			HintLevel: assignment.HintLevel(),
			SessionID: id,
			Variant:   assignment.VariantName,
		},
	}})

	o.telemetry.SessionOpened(assignment.ExperimentName, assignment.VariantName)
	o.logger.Info("coaching session connected",
		"session_id", id, "user_id", userID,
		"experiment", assignment.ExperimentName, "variant", assignment.VariantName,
		"coaching_enabled", assignment.CoachingEnabled())
	return id, nil
}

// Typing queues typing-hint analysis for a partial message. It is a no-op
// when coaching is disabled for the session's variant.
func (o *Orchestrator) Typing(sessionID, partial string, actx analysis.Context) error {
	return o.dispatch(sessionID, work{kind: workTyping, text: partial, actx: actx}, true)
}

// MessageSent queues full analysis of a sent message. It is a no-op when
// coaching is disabled for the session's variant.
func (o *Orchestrator) MessageSent(sessionID, message string, actx analysis.Context) error {
	return o.dispatch(sessionID, work{kind: workMessage, text: message, actx: actx}, true)
}

// HintInteraction records a user's reaction to a hint.
func (o *Orchestrator) HintInteraction(sessionID, hintID, action string) error {
	switch action {
	case ActionAccepted, ActionDismissed, ActionClicked:
	default:
		o.logger.Warn("ignoring hint interaction", "session_id", sessionID, "action", action)
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	return o.dispatch(sessionID, work{kind: workInteraction, hintID: hintID, action: action}, false)
}

// RequestScenarioHints queues a scenario tip lookup. It is a no-op when
// coaching is disabled for the session's variant.
func (o *Orchestrator) RequestScenarioHints(sessionID, scenarioID string, actx analysis.Context) error {
	return o.dispatch(sessionID, work{kind: workScenario, scenarioID: scenarioID, actx: actx}, true)
}

// Broadcast queues a system message on every live session and returns how
// many sessions accepted it.
func (o *Orchestrator) Broadcast(message, messageType string) int {
	ev := Event{Type: EventSystemMessage, Payload: SystemMessage{Message: message, Type: messageType}}
	delivered := 0
	for _, s := range o.snapshot() {
		if err := s.enqueue(work{kind: workSend, event: ev}); err != nil {
			o.logger.Warn("broadcast skipped session", "session_id", s.id, "error", err)
			o.telemetry.EventDropped(dropReason(err))
			continue
		}
		delivered++
	}
	o.logger.Info("system message broadcast", "type", messageType, "sessions", delivered)
	return delivered
}

// Disconnect removes the session from the registry, lets queued work drain
// for the grace period, flushes end-of-session metrics and closes it.
// A second call for the same session returns ErrSessionNotFound and has no
// other effect.
func (o *Orchestrator) Disconnect(sessionID string) error {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	delete(o.sessions, sessionID)
	o.mu.Unlock()
	if !ok {
		o.logger.Debug("disconnect for unknown session", "session_id", sessionID)
		return ErrSessionNotFound
	}

	s.stopAccepting()
	select {
	case <-s.done:
	case <-time.After(o.cfg.GracePeriod):
		o.logger.Warn("grace period expired, dropping in-flight work",
			"session_id", sessionID, "pending", len(s.queue))
		s.cancel()
		<-s.done
	}
	s.cancel()

	o.finalize(s)
	return nil
}

// SessionStats returns a snapshot of one live session.
func (o *Orchestrator) SessionStats(sessionID string) (SessionStats, error) {
	s := o.lookup(sessionID)
	if s == nil {
		return SessionStats{}, ErrSessionNotFound
	}
	return s.stats(o.now()), nil
}

// AllSessionStats aggregates every live session.
func (o *Orchestrator) AllSessionStats() Stats {
	now := o.now()
	st := Stats{VariantDistribution: make(map[string]int)}
	for _, s := range o.snapshot() {
		ss := s.stats(now)
		st.ActiveSessions++
		st.TotalMessages += ss.MessageCount
		st.TotalHintsShown += ss.HintsShown
		st.TotalHintsAccepted += ss.HintsAccepted
		st.VariantDistribution[ss.Variant]++
	}
	if st.TotalHintsShown > 0 {
		st.OverallAcceptanceRate = float64(st.TotalHintsAccepted) / float64(st.TotalHintsShown)
	}
	return st
}

// ActiveSessions returns the number of live sessions.
func (o *Orchestrator) ActiveSessions() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}

// Shutdown refuses new sessions and disconnects every live one.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	o.logger.Info("shutting down coaching sessions", "count", len(ids))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := o.Disconnect(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
				return err
			}
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown sessions: %w", ctx.Err())
	}
}

func (o *Orchestrator) dispatch(sessionID string, w work, coachingOnly bool) error {
	s := o.lookup(sessionID)
	if s == nil {
		o.logger.Debug("event for unknown session", "session_id", sessionID, "event", w.kind.String())
		o.telemetry.EventDropped("unknown_session")
		return ErrSessionNotFound
	}
	if coachingOnly && !s.variant.CoachingEnabled() {
		return nil
	}
	if err := s.enqueue(w); err != nil {
		o.logger.Warn("dropping session event",
			"session_id", sessionID, "event", w.kind.String(), "error", err)
		o.telemetry.EventDropped(dropReason(err))
		return err
	}
	o.telemetry.EventAccepted(w.kind.String())
	return nil
}

func (o *Orchestrator) lookup(sessionID string) *session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessions[sessionID]
}

func (o *Orchestrator) snapshot() []*session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s)
	}
	return out
}

func dropReason(err error) string {
	if errors.Is(err, ErrQueueFull) {
		return "queue_full"
	}
	return "closed"
}

func minLengthFor(hintLevel string) int {
	switch hintLevel {
	case domain.HintLevelBasic:
		return BasicMinLength
	case domain.HintLevelAdvanced:
		return AdvancedMinLength
	default:
		return DefaultMinLength
	}
}
