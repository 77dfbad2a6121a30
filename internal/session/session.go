// ABOUTME: StreamingSession orchestrates one assistant turn end to end
// ABOUTME: Sliding-window context, cumulative snapshot events, cooperative cancellation

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// State is the per-turn state machine:
// Idle -> AwaitingFirstToken -> Streaming -> {Completed, Cancelled, Failed}.
type State int

const (
	StateIdle State = iota
	StateAwaitingFirstToken
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFirstToken:
		return "awaiting_first_token"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role tags a turn in the context window.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one (role, text) entry in the sliding context window.
type Turn struct {
	Role Role
	Text string
}

// EventType distinguishes in-progress snapshots from terminal signals.
type EventType int

const (
	// EventSnapshot carries the cumulative text-so-far. Each snapshot
	// replaces the previous one; it is not a delta.
	EventSnapshot EventType = iota
	EventCompleted
	EventCancelled
	EventFailed
)

// Event is emitted on the channel returned by Send. The stream ends with
// exactly one terminal event (Completed, Cancelled or Failed).
type Event struct {
	Type EventType
	Text string
}

const (
	// contextWindowSize bounds the recent-turn history fed to the provider.
	contextWindowSize = 10

	// cancelledSuffix is appended exactly once to the last applied snapshot
	// when a turn is cancelled.
	cancelledSuffix = " [Generation stopped]"

	// noAPIKeySentinel is the assistant text for a turn attempted without a
	// provider credential. The turn completes normally instead of failing.
	noAPIKeySentinel = "API key not set. Please add your API key in Settings."

	// providerErrorPrefix renders absorbed provider failures as assistant
	// text; provider errors are never surfaced as errors to the caller.
	providerErrorPrefix = "Sorry, something went wrong: "

	eventBufferSize    = 16
	snapshotBufferSize = 16
)

// Provider is the upstream LLM collaborator. Send delivers cumulative
// partial-text snapshots through onSnapshot and returns the final text.
// Providers without streaming support skip onSnapshot and just return.
type Provider interface {
	Send(ctx context.Context, turns []Turn, onSnapshot func(text string)) (string, error)
}

// Recorder commits a finished exchange into the persisted thread.
type Recorder interface {
	RecordExchange(ctx context.Context, threadID, userText, assistantText string) error
}

// Session runs assistant turns for one thread. A nil provider means no
// credential is configured; turns then complete immediately with sentinel
// text rather than failing.
type Session struct {
	mu       sync.Mutex
	state    State
	window   []Turn
	provider Provider
	recorder Recorder
	threadID string

	cancelled atomic.Bool
	logger    *slog.Logger
}

// New creates a session for the given thread.
func New(provider Provider, recorder Recorder, threadID string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		state:    StateIdle,
		provider: provider,
		recorder: recorder,
		threadID: threadID,
		logger:   logger.With("component", "session", "thread_id", threadID),
	}
}

// State returns the current turn state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Window returns a copy of the current context window.
func (s *Session) Window() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.window...)
}

// SeedHistory primes the context window from persisted messages, keeping
// only the most recent turns that fit.
func (s *Session) SeedHistory(turns []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range turns {
		s.pushTurnLocked(t)
	}
}

// Cancel requests cooperative cancellation of the in-flight turn. The flag
// is checked once between snapshots; the underlying provider call is not
// guaranteed to stop, only local consumption halts.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

// Send starts one assistant turn. The user's message is pushed into the
// context window before the provider call. The returned channel emits
// cumulative snapshots followed by exactly one terminal event, then closes.
func (s *Session) Send(ctx context.Context, text string) (<-chan Event, error) {
	s.mu.Lock()
	if s.state == StateAwaitingFirstToken || s.state == StateStreaming {
		s.mu.Unlock()
		return nil, errors.New("a turn is already in progress")
	}
	s.cancelled.Store(false)
	s.state = StateAwaitingFirstToken
	s.pushTurnLocked(Turn{Role: RoleUser, Text: text})
	turns := append([]Turn(nil), s.window...)
	s.mu.Unlock()

	events := make(chan Event, eventBufferSize)
	go s.run(ctx, text, turns, events)
	return events, nil
}

type providerResult struct {
	text string
	err  error
}

func (s *Session) run(ctx context.Context, userText string, turns []Turn, events chan<- Event) {
	defer close(events)

	if s.provider == nil {
		s.logger.Debug("no provider credential, completing with sentinel")
		s.finish(ctx, userText, noAPIKeySentinel, StateCompleted, events)
		return
	}

	snapshots := make(chan string, snapshotBufferSize)
	result := make(chan providerResult, 1)
	go func() {
		text, err := s.provider.Send(ctx, turns, func(snapshot string) {
			snapshots <- snapshot
		})
		close(snapshots)
		result <- providerResult{text: text, err: err}
	}()

	var last string
	sawSnapshot := false
	for snapshot := range snapshots {
		// Cooperative cancellation: checked once between snapshots. On
		// observing the flag the snapshot in hand is discarded and no
		// further ones are applied.
		if s.cancelled.Load() {
			go func() {
				for range snapshots {
				}
			}()
			s.logger.Debug("turn cancelled mid-stream")
			s.finish(ctx, userText, last+cancelledSuffix, StateCancelled, events)
			return
		}

		last = snapshot
		sawSnapshot = true
		s.setState(StateStreaming)
		events <- Event{Type: EventSnapshot, Text: snapshot}
	}

	res := <-result

	if s.cancelled.Load() {
		s.logger.Debug("turn cancelled after final snapshot")
		s.finish(ctx, userText, last+cancelledSuffix, StateCancelled, events)
		return
	}

	if res.err != nil {
		// Provider errors are absorbed and rendered as assistant text,
		// never propagated to the caller.
		s.logger.Warn("provider error absorbed", "error", res.err)
		s.finish(ctx, userText, providerErrorPrefix+res.err.Error(), StateCompleted, events)
		return
	}

	final := res.text
	if !sawSnapshot && final != "" {
		// Non-streaming fallback: the whole response is a single snapshot.
		s.setState(StateStreaming)
		events <- Event{Type: EventSnapshot, Text: final}
	}
	s.finish(ctx, userText, final, StateCompleted, events)
}

// finish pushes the assistant's finished text into the context window,
// commits the exchange, and emits the terminal event.
func (s *Session) finish(ctx context.Context, userText, assistantText string, terminal State, events chan<- Event) {
	s.mu.Lock()
	s.pushTurnLocked(Turn{Role: RoleAssistant, Text: assistantText})
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.RecordExchange(ctx, s.threadID, userText, assistantText); err != nil {
			s.logger.Error("failed to record exchange", "error", err)
			s.setState(StateFailed)
			events <- Event{Type: EventFailed, Text: err.Error()}
			return
		}
	}

	s.setState(terminal)
	if terminal == StateCancelled {
		events <- Event{Type: EventCancelled, Text: assistantText}
		return
	}
	events <- Event{Type: EventCompleted, Text: assistantText}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// pushTurnLocked appends a turn, evicting the oldest beyond the window
// bound. Caller holds s.mu.
func (s *Session) pushTurnLocked(t Turn) {
	s.window = append(s.window, t)
	if len(s.window) > contextWindowSize {
		s.window = s.window[len(s.window)-contextWindowSize:]
	}
}
