package coaching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/shsh-coach/internal/analysis"
	"github.com/ashureev/shsh-coach/internal/domain"
	"github.com/ashureev/shsh-coach/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 2 * time.Second

type recordingSink struct {
	ch chan Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan Event, 256)}
}

func (r *recordingSink) Send(_ context.Context, ev Event) error {
	select {
	case r.ch <- ev:
		return nil
	default:
		return errors.New("sink full")
	}
}

// next returns the next event or fails the test.
func (r *recordingSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// barrier broadcasts a marker through o and returns every event that
// reached the sink before it.
func (r *recordingSink) barrier(t *testing.T, o *Orchestrator) []Event {
	t.Helper()
	marker := fmt.Sprintf("barrier-%d", time.Now().UnixNano())
	o.Broadcast(marker, "info")
	var before []Event
	for {
		ev := r.next(t)
		if msg, ok := ev.Payload.(SystemMessage); ok && msg.Message == marker {
			return before
		}
		before = append(before, ev)
	}
}

type trackCall struct {
	userID string
	metric string
	value  float64
}

type recordingTracker struct {
	mu    sync.Mutex
	calls []trackCall
}

func (r *recordingTracker) Track(_ context.Context, userID, metric string, value float64, _ ...metrics.TrackOption) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, trackCall{userID, metric, value})
	return true
}

func (r *recordingTracker) byMetric(metric string) []trackCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []trackCall
	for _, c := range r.calls {
		if c.metric == metric {
			out = append(out, c)
		}
	}
	return out
}

func (r *recordingTracker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type variantAssigner struct {
	variants map[string]domain.VariantAssignment
}

func (a variantAssigner) Assign(_ context.Context, userID, experimentName string) domain.VariantAssignment {
	v, ok := a.variants[userID]
	if !ok {
		v = controlAssignment
	}
	v.ExperimentName = experimentName
	return v
}

var (
	controlAssignment = domain.VariantAssignment{
		VariantName: domain.ControlVariant,
		Config:      map[string]any{domain.ConfigCoachingEnabled: false},
	}
	basicAssignment = domain.VariantAssignment{
		VariantName: "basic_hints",
		Config:      map[string]any{domain.ConfigCoachingEnabled: true, domain.ConfigHintLevel: domain.HintLevelBasic},
	}
	advancedAssignment = domain.VariantAssignment{
		VariantName: "advanced_hints",
		Config:      map[string]any{domain.ConfigCoachingEnabled: true, domain.ConfigHintLevel: domain.HintLevelAdvanced},
	}
	plainAssignment = domain.VariantAssignment{
		VariantName: "plain_hints",
		Config:      map[string]any{domain.ConfigCoachingEnabled: true},
	}
)

// blockingAnalyzer wraps a real engine and blocks Analyze until released.
type blockingAnalyzer struct {
	Analyzer
	started chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (b *blockingAnalyzer) Analyze(message string, actx analysis.Context) domain.SkillAnalysisResult {
	b.calls.Add(1)
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.release
	return b.Analyzer.Analyze(message, actx)
}

type panickingAnalyzer struct {
	Analyzer
}

func (panickingAnalyzer) Analyze(string, analysis.Context) domain.SkillAnalysisResult {
	panic("rule table corrupted")
}

func newEngine(t *testing.T) *analysis.Engine {
	t.Helper()
	e, err := analysis.NewEngine(analysis.DefaultRules(), analysis.WithSeed(7))
	require.NoError(t, err)
	return e
}

func newTestOrchestrator(t *testing.T, analyzer Analyzer, tracker Tracker, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	if cfg.Experiment == "" {
		cfg.Experiment = "realtime_coaching"
	}
	assigner := variantAssigner{variants: map[string]domain.VariantAssignment{
		"basic":    basicAssignment,
		"advanced": advancedAssignment,
		"plain":    plainAssignment,
	}}
	o := New(cfg, analyzer, assigner, tracker, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func connect(t *testing.T, o *Orchestrator, userID string) (string, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	id, err := o.Connect(context.Background(), userID, sink)
	require.NoError(t, err)
	ev := sink.next(t)
	require.Equal(t, EventCoachingConfig, ev.Type)
	return id, sink
}

func TestConnectEmitsCoachingConfig(t *testing.T) {
	o := newTestOrchestrator(t, newEngine(t), &recordingTracker{}, Config{})

	sink := newRecordingSink()
	id, err := o.Connect(context.Background(), "basic", sink)
	require.NoError(t, err)

	ev := sink.next(t)
	require.Equal(t, EventCoachingConfig, ev.Type)
	cfg := ev.Payload.(CoachingConfig)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, domain.HintLevelBasic, cfg.HintLevel)
	assert.Equal(t, id, cfg.SessionID)

	stats, err := o.SessionStats(id)
	require.NoError(t, err)
	assert.Equal(t, "active", stats.State)
	assert.Equal(t, "basic", stats.UserID)
}

func TestConnectUnauthorized(t *testing.T) {
	deny := AuthorizerFunc(func(context.Context, string) error { return errors.New("unknown user") })
	o := newTestOrchestrator(t, newEngine(t), &recordingTracker{}, Config{}, WithAuthorizer(deny))

	_, err := o.Connect(context.Background(), "basic", newRecordingSink())

	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 0, o.AllSessionStats().ActiveSessions)
}

func TestCoachingDisabledIgnoresTypingAndMessages(t *testing.T) {
	tracker := &recordingTracker{}
	o := newTestOrchestrator(t, newEngine(t), tracker, Config{})
	id, sink := connect(t, o, "control-user")

	require.NoError(t, o.Typing(id, "えーと、たぶんそれは無理だと思いますけど", analysis.Context{}))
	require.NoError(t, o.MessageSent(id, "わかりました。", analysis.Context{}))
	require.NoError(t, o.RequestScenarioHints(id, "negotiation", analysis.Context{}))

	assert.Empty(t, sink.barrier(t, o))
	stats, err := o.SessionStats(id)
	require.NoError(t, err)
	assert.Zero(t, stats.MessageCount)
	assert.Zero(t, stats.HintsShown)
	assert.Empty(t, tracker.byMetric(domain.MetricMessageScore))
}

func TestTypingHintsRespectHintLevelThreshold(t *testing.T) {
	o := newTestOrchestrator(t, newEngine(t), &recordingTracker{}, Config{})
	basicID, basicSink := connect(t, o, "basic")
	advancedID, advancedSink := connect(t, o, "advanced")

	// 16 runes with a weak clarity pattern: above the advanced threshold
	// of 15, below the basic threshold of 20.
	partial := "えーと、たぶんそれは無理かもです"
	require.NoError(t, o.Typing(basicID, partial, analysis.Context{}))
	require.NoError(t, o.Typing(advancedID, partial, analysis.Context{}))

	assert.Empty(t, basicSink.barrier(t, o))

	ev := advancedSink.next(t)
	require.Equal(t, EventTypingHints, ev.Type)
	payload := ev.Payload.(TypingHints)
	require.NotEmpty(t, payload.Hints)
	assert.LessOrEqual(t, len(payload.Hints), analysis.MaxTypingHints)
	for _, h := range payload.Hints {
		assert.NotEmpty(t, h.ID)
	}

	stats, err := o.SessionStats(advancedID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload.Hints)), stats.HintsShown)
}

func TestTypingShortPartialProducesNothing(t *testing.T) {
	o := newTestOrchestrator(t, newEngine(t), &recordingTracker{}, Config{})

	for _, user := range []string{"basic", "advanced", "plain"} {
		id, sink := connect(t, o, user)
		require.NoError(t, o.Typing(id, "short", analysis.Context{}))
		assert.Empty(t, sink.barrier(t, o), user)
	}
}

func TestTypingWithoutHintLevelUsesDefaultThreshold(t *testing.T) {
	o := newTestOrchestrator(t, newEngine(t), &recordingTracker{}, Config{})
	id, sink := connect(t, o, "plain")

	below := "えーと、たぶんそれは無理かもですけれどもね"
	require.Equal(t, DefaultMinLength-4, utf8.RuneCountInString(below))
	require.NoError(t, o.Typing(id, below, analysis.Context{}))
	assert.Empty(t, sink.barrier(t, o))

	above := below + "、また明日"
	require.GreaterOrEqual(t, utf8.RuneCountInString(above), DefaultMinLength)
	require.NoError(t, o.Typing(id, above, analysis.Context{}))
	ev := sink.next(t)
	require.Equal(t, EventTypingHints, ev.Type)
	assert.NotEmpty(t, ev.Payload.(TypingHints).Hints)
}

func TestMessageSentAnalyzesAndTracks(t *testing.T) {
	tracker := &recordingTracker{}
	o := newTestOrchestrator(t, newEngine(t), tracker, Config{})
	id, sink := connect(t, o, "basic")

	require.NoError(t, o.MessageSent(id, "わかりました。", analysis.Context{}))

	ev := sink.next(t)
	require.Equal(t, EventMessageAnalysis, ev.Type)
	payload := ev.Payload.(MessageAnalysis)
	assert.Equal(t, 55, payload.Analysis.Scores[analysis.SkillEmpathy])
	assert.NotEmpty(t, payload.Recommendations)
	assert.InDelta(t, payload.Analysis.MeanScore()-analysis.BaseScore, payload.ScoreImpact, 1e-9)

	sink.barrier(t, o)
	scores := tracker.byMetric(domain.MetricMessageScore)
	require.Len(t, scores, 1)
	assert.Equal(t, "basic", scores[0].userID)
	assert.InDelta(t, payload.Analysis.MeanScore(), scores[0].value, 1e-9)

	stats, err := o.SessionStats(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.MessageCount)
}

func TestEventsForSameSessionKeepOrder(t *testing.T) {
	o := newTestOrchestrator(t, newEngine(t), &recordingTracker{}, Config{})
	id, sink := connect(t, o, "advanced")

	msg := "えーと、たぶんそれは無理かもです"
	require.NoError(t, o.Typing(id, msg, analysis.Context{}))
	require.NoError(t, o.MessageSent(id, msg, analysis.Context{}))

	assert.Equal(t, EventTypingHints, sink.next(t).Type)
	assert.Equal(t, EventMessageAnalysis, sink.next(t).Type)
}

func TestHintsAcceptedNeverExceedsShown(t *testing.T) {
	tracker := &recordingTracker{}
	o := newTestOrchestrator(t, newEngine(t), tracker, Config{})
	id, sink := connect(t, o, "advanced")

	for i := 0; i < 3; i++ {
		require.NoError(t, o.HintInteraction(id, "h", ActionAccepted))
	}
	sink.barrier(t, o)
	stats, err := o.SessionStats(id)
	require.NoError(t, err)
	assert.Zero(t, stats.HintsAccepted)
	assert.Len(t, tracker.byMetric(domain.MetricHintAccepted), 3)

	require.NoError(t, o.Typing(id, "えーと、たぶんそれは無理かもです", analysis.Context{}))
	hints := sink.next(t).Payload.(TypingHints).Hints
	for i := 0; i < len(hints)+2; i++ {
		require.NoError(t, o.HintInteraction(id, hints[0].ID, ActionAccepted))
	}
	require.NoError(t, o.HintInteraction(id, hints[0].ID, ActionDismissed))
	sink.barrier(t, o)

	stats, err = o.SessionStats(id)
	require.NoError(t, err)
	assert.Equal(t, stats.HintsShown, stats.HintsAccepted)
	assert.LessOrEqual(t, stats.HintsAccepted, stats.HintsShown)
	assert.InDelta(t, 1.0, stats.AcceptanceRate, 1e-9)
	assert.Len(t, tracker.byMetric(domain.MetricHintDismissed), 1)
}

func TestHintInteractionRejectsUnknownAction(t *testing.T) {
	o := newTestOrchestrator(t, newEngine(t), &recordingTracker{}, Config{})
	id, _ := connect(t, o, "basic")

	assert.ErrorIs(t, o.HintInteraction(id, "h", "ignored"), ErrInvalidAction)
}

func TestScenarioHints(t *testing.T) {
	o := newTestOrchestrator(t, newEngine(t), &recordingTracker{}, Config{})
	id, sink := connect(t, o, "basic")

	require.NoError(t, o.RequestScenarioHints(id, "customer_complaint", analysis.Context{}))

	ev := sink.next(t)
	require.Equal(t, EventScenarioHints, ev.Type)
	payload := ev.Payload.(ScenarioHints)
	assert.Equal(t, "customer_complaint", payload.ScenarioID)
	assert.Len(t, payload.Hints, 1)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	tracker := &recordingTracker{}
	o := newTestOrchestrator(t, newEngine(t), tracker, Config{})
	id, _ := connect(t, o, "basic")

	require.NoError(t, o.Disconnect(id))
	assert.Len(t, tracker.byMetric(domain.MetricSessionDuration), 1)
	assert.Empty(t, tracker.byMetric(domain.MetricHintAcceptanceRate))
	calls := tracker.count()

	assert.ErrorIs(t, o.Disconnect(id), ErrSessionNotFound)
	assert.Equal(t, calls, tracker.count())

	assert.ErrorIs(t, o.Typing(id, "anything at all here", analysis.Context{}), ErrSessionNotFound)
	_, err := o.SessionStats(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDisconnectRecordsAcceptanceRate(t *testing.T) {
	tracker := &recordingTracker{}
	o := newTestOrchestrator(t, newEngine(t), tracker, Config{})
	id, sink := connect(t, o, "advanced")

	require.NoError(t, o.Typing(id, "えーと、たぶんそれは無理かもです", analysis.Context{}))
	hints := sink.next(t).Payload.(TypingHints).Hints
	require.NoError(t, o.HintInteraction(id, hints[0].ID, ActionAccepted))

	require.NoError(t, o.Disconnect(id))

	rates := tracker.byMetric(domain.MetricHintAcceptanceRate)
	require.Len(t, rates, 1)
	assert.InDelta(t, 1/float64(len(hints)), rates[0].value, 1e-9)
}

func TestUnknownSessionEvents(t *testing.T) {
	o := newTestOrchestrator(t, newEngine(t), &recordingTracker{}, Config{})

	assert.ErrorIs(t, o.Typing("missing", "x", analysis.Context{}), ErrSessionNotFound)
	assert.ErrorIs(t, o.MessageSent("missing", "x", analysis.Context{}), ErrSessionNotFound)
	assert.ErrorIs(t, o.HintInteraction("missing", "h", ActionClicked), ErrSessionNotFound)
	assert.ErrorIs(t, o.RequestScenarioHints("missing", "general", analysis.Context{}), ErrSessionNotFound)
	assert.ErrorIs(t, o.Disconnect("missing"), ErrSessionNotFound)
}

func TestSlowSessionDoesNotBlockOthers(t *testing.T) {
	slow := &blockingAnalyzer{Analyzer: newEngine(t), started: make(chan struct{}, 1), release: make(chan struct{})}
	o := newTestOrchestrator(t, slow, &recordingTracker{}, Config{})
	slowID, _ := connect(t, o, "basic")
	fastID, fastSink := connect(t, o, "advanced")

	require.NoError(t, o.MessageSent(slowID, "わかりました。", analysis.Context{}))
	<-slow.started

	require.NoError(t, o.Typing(fastID, "えーと、たぶんそれは無理かもです", analysis.Context{}))
	assert.Equal(t, EventTypingHints, fastSink.next(t).Type)

	close(slow.release)
}

func TestDisconnectGracePeriodDropsPendingWork(t *testing.T) {
	slow := &blockingAnalyzer{Analyzer: newEngine(t), started: make(chan struct{}, 1), release: make(chan struct{})}
	o := newTestOrchestrator(t, slow, &recordingTracker{}, Config{GracePeriod: 20 * time.Millisecond})
	id, _ := connect(t, o, "basic")

	require.NoError(t, o.MessageSent(id, "一通目", analysis.Context{}))
	<-slow.started
	require.NoError(t, o.MessageSent(id, "二通目", analysis.Context{}))

	time.AfterFunc(100*time.Millisecond, func() { close(slow.release) })
	require.NoError(t, o.Disconnect(id))

	assert.Equal(t, int64(1), slow.calls.Load())
}

func TestQueueFull(t *testing.T) {
	slow := &blockingAnalyzer{Analyzer: newEngine(t), started: make(chan struct{}, 1), release: make(chan struct{})}
	o := newTestOrchestrator(t, slow, &recordingTracker{}, Config{QueueSize: 1})
	id, _ := connect(t, o, "basic")

	require.NoError(t, o.MessageSent(id, "一通目", analysis.Context{}))
	<-slow.started
	require.NoError(t, o.MessageSent(id, "二通目", analysis.Context{}))
	assert.ErrorIs(t, o.MessageSent(id, "三通目", analysis.Context{}), ErrQueueFull)

	close(slow.release)
}

func TestAnalysisPanicYieldsNeutralResult(t *testing.T) {
	tracker := &recordingTracker{}
	o := newTestOrchestrator(t, panickingAnalyzer{Analyzer: newEngine(t)}, tracker, Config{})
	id, sink := connect(t, o, "basic")

	require.NoError(t, o.MessageSent(id, "わかりました。", analysis.Context{}))

	ev := sink.next(t)
	require.Equal(t, EventMessageAnalysis, ev.Type)
	payload := ev.Payload.(MessageAnalysis)
	assert.Empty(t, payload.Analysis.Suggestions)
	assert.Zero(t, payload.ScoreImpact)

	// The session keeps working after the failure.
	sink.barrier(t, o)
	assert.Empty(t, tracker.byMetric(domain.MetricMessageScore))
	_, err := o.SessionStats(id)
	assert.NoError(t, err)
}

func TestAllSessionStats(t *testing.T) {
	o := newTestOrchestrator(t, newEngine(t), &recordingTracker{}, Config{})
	_, _ = connect(t, o, "basic")
	_, _ = connect(t, o, "advanced")
	id, sink := connect(t, o, "advanced")

	require.NoError(t, o.MessageSent(id, "承知いたしました。", analysis.Context{}))
	sink.barrier(t, o)

	st := o.AllSessionStats()
	assert.Equal(t, 3, st.ActiveSessions)
	assert.Equal(t, int64(1), st.TotalMessages)
	assert.Equal(t, map[string]int{"basic_hints": 1, "advanced_hints": 2}, st.VariantDistribution)
}

func TestConcurrentSessions(t *testing.T) {
	tracker := &recordingTracker{}
	o := newTestOrchestrator(t, newEngine(t), tracker, Config{})

	const sessions, messages = 20, 10
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := newRecordingSink()
			id, err := o.Connect(context.Background(), "basic", sink)
			if err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < messages; j++ {
				if err := o.MessageSent(id, "わかりました。", analysis.Context{}); err != nil {
					t.Error(err)
				}
			}
			if err := o.Disconnect(id); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, tracker.byMetric(domain.MetricMessageScore), sessions*messages)
	assert.Len(t, tracker.byMetric(domain.MetricSessionDuration), sessions)
	assert.Zero(t, o.AllSessionStats().ActiveSessions)
}

func TestShutdownRefusesNewSessions(t *testing.T) {
	tracker := &recordingTracker{}
	o := newTestOrchestrator(t, newEngine(t), tracker, Config{})
	_, _ = connect(t, o, "basic")
	_, _ = connect(t, o, "advanced")

	require.NoError(t, o.Shutdown(context.Background()))

	assert.Zero(t, o.AllSessionStats().ActiveSessions)
	assert.Len(t, tracker.byMetric(domain.MetricSessionDuration), 2)
	_, err := o.Connect(context.Background(), "basic", newRecordingSink())
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestMinLengthFor(t *testing.T) {
	assert.Equal(t, 20, minLengthFor(domain.HintLevelBasic))
	assert.Equal(t, 15, minLengthFor(domain.HintLevelAdvanced))
	assert.Equal(t, 25, minLengthFor(""))
	assert.Equal(t, 25, minLengthFor("verbose"))
}
