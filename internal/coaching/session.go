package coaching

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/shsh-coach/internal/analysis"
	"github.com/ashureev/shsh-coach/internal/domain"
)

// State is a session's lifecycle state.
type State int32

// Session states.
const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type workKind int

const (
	workSend workKind = iota
	workTyping
	workMessage
	workInteraction
	workScenario
)

func (k workKind) String() string {
	switch k {
	case workSend:
		return "send"
	case workTyping:
		return "typing"
	case workMessage:
		return "message_sent"
	case workInteraction:
		return "hint_interaction"
	case workScenario:
		return "request_scenario_hints"
	default:
		return "unknown"
	}
}

type work struct {
	kind       workKind
	text       string
	actx       analysis.Context
	hintID     string
	action     string
	scenarioID string
	event      Event
}

// session is one live connection. Counters are written only by the
// session's worker goroutine and read atomically by stats queries.
type session struct {
	id        string
	userID    string
	variant   domain.VariantAssignment
	startedAt time.Time
	sink      Sink

	state         atomic.Int32
	messageCount  atomic.Int64
	hintsShown    atomic.Int64
	hintsAccepted atomic.Int64

	// ctx bounds delivery and is cancelled when the grace period expires.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	queue  chan work
	done   chan struct{}
}

func newSession(id, userID string, variant domain.VariantAssignment, startedAt time.Time, sink Sink, queueSize int) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        id,
		userID:    userID,
		variant:   variant,
		startedAt: startedAt,
		sink:      sink,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan work, queueSize),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) setState(st State) {
	s.state.Store(int32(st))
}

// enqueue hands w to the worker without blocking.
func (s *session) enqueue(w work) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	select {
	case s.queue <- w:
		return nil
	default:
		return ErrQueueFull
	}
}

// stopAccepting closes the queue so the worker exits once it is drained.
// It reports false if the queue was already closed.
func (s *session) stopAccepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.queue)
	return true
}

func (s *session) stats(now time.Time) SessionStats {
	shown := s.hintsShown.Load()
	accepted := s.hintsAccepted.Load()
	st := SessionStats{
		SessionID:       s.id,
		UserID:          s.userID,
		Variant:         s.variant.VariantName,
		State:           s.State().String(),
		StartedAt:       s.startedAt,
		DurationSeconds: now.Sub(s.startedAt).Seconds(),
		MessageCount:    s.messageCount.Load(),
		HintsShown:      shown,
		HintsAccepted:   accepted,
	}
	if shown > 0 {
		st.AcceptanceRate = float64(accepted) / float64(shown)
	}
	return st
}

// SessionStats is a point-in-time view of one session.
type SessionStats struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Variant         string    `json:"variant"`
	State           string    `json:"state"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	MessageCount    int64     `json:"message_count"`
	HintsShown      int64     `json:"hints_shown"`
	HintsAccepted   int64     `json:"hints_accepted"`
	AcceptanceRate  float64   `json:"acceptance_rate"`
}

// Stats aggregates every live session.
type Stats struct {
	ActiveSessions        int            `json:"active_sessions"`
	TotalMessages         int64          `json:"total_messages"`
	TotalHintsShown       int64          `json:"total_hints_shown"`
	TotalHintsAccepted    int64          `json:"total_hints_accepted"`
	OverallAcceptanceRate float64        `json:"overall_acceptance_rate"`
	VariantDistribution   map[string]int `json:"variant_distribution"`
}
