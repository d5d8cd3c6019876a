// ABOUTME: Per-agent speaking state machine and LLM request construction
// ABOUTME: Decision tokens steer transitions between waiting, pending and speaking

package dialogue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/bus"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

// State is an agent's position in the speaking lifecycle.
type State string

const (
	StateWaiting         State = "waiting"
	StatePendingDecision State = "pending_decision"
	StatePendingResponse State = "pending_response"
	StateSpeaking        State = "speaking"
)

// Decision tokens an agent's decision model may return.
const (
	TokenSkip           = "[SKIP]"
	TokenContinue       = "[CONTINUE]"
	TokenResponse       = "[RESPONSE]"
	TokenGetInterrupted = "[GETINTERRUPTED]"
)

// DefaultPendingTimeout bounds how long an agent may sit in a pending
// state with no model response before it is reset to waiting.
const DefaultPendingTimeout = 30 * time.Second

// Agent is one conversation participant. Human participants (IsUser) are
// roster entries only; they never run the state machine.
type Agent struct {
	ID     uuid.UUID
	IsUser bool

	bus  *bus.Bus
	sess *session.Session

	mu         sync.Mutex
	state      State
	groupID    uuid.UUID
	pendingGen int

	decisionPrompt string
	responsePrompt string

	pendingTimeout time.Duration
	logger         *slog.Logger
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithUser marks the agent as a human participant.
func WithUser() AgentOption {
	return func(a *Agent) { a.IsUser = true }
}

// WithPendingTimeout overrides how long the agent may stay in a pending
// state. Zero disables the timeout.
func WithPendingTimeout(d time.Duration) AgentOption {
	return func(a *Agent) { a.pendingTimeout = d }
}

// NewAgent creates an agent in the waiting state.
func NewAgent(id uuid.UUID, b *bus.Bus, sess *session.Session, opts ...AgentOption) *Agent {
	a := &Agent{
		ID:             id,
		bus:            b,
		sess:           sess,
		state:          StateWaiting,
		pendingTimeout: DefaultPendingTimeout,
		logger:         slog.Default().With("component", "agent", "agent_id", id),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetPrompts installs the system prompts used for decision and response
// requests, with the persona text already appended by the caller.
func (a *Agent) SetPrompts(decision, response string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisionPrompt = decision
	a.responsePrompt = response
}

// SetGroup records the conversation group the agent belongs to.
func (a *Agent) SetGroup(groupID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groupID = groupID
}

// Group returns the agent's current conversation group, or uuid.Nil.
func (a *Agent) Group() uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.groupID
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// UpdateConversation reacts to a new utterance in the agent's group. A
// speaking agent that was just interrupted re-decides immediately; a
// waiting agent moves to pending and asks its model whether to speak.
func (a *Agent) UpdateConversation(ctx context.Context, evt bus.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	interrupted := evt.Payload.Context.Interruption.Active()
	a.logger.Debug("conversation update", "interrupted", interrupted, "state", a.state)

	if interrupted && a.state == StateSpeaking {
		a.requestDecision(ctx, evt, true)
		return
	}

	if a.state == StateWaiting {
		a.enterPending(StatePendingDecision)
		a.requestDecision(ctx, evt, false)
	}
}

// HandleLLM reacts to a decision produced by the agent's model. Token
// handling order matters: an agent already pending a response ignores the
// decision, tokens are interpreted before any speaking guard, and only a
// non-speaking agent may request response generation. [CONTINUE] holds the
// current pending state rather than resetting it, so the pending-response
// guard stays armed; the pending timeout is the recovery path if the held
// response never arrives.
func (a *Agent) HandleLLM(ctx context.Context, evt bus.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StatePendingResponse {
		a.logger.Error("already pending response, dropping decision")
		return
	}

	if a.state != StateSpeaking {
		a.enterPending(StatePendingResponse)
	}

	decision := evt.Payload.Text

	switch decision {
	case TokenSkip:
		a.resetLocked()
		return
	case TokenGetInterrupted:
		a.bus.Publish(bus.Event{
			Type:      bus.TTSStopSpeaking,
			AgentID:   a.ID,
			GroupID:   evt.GroupID,
			Timestamp: time.Now(),
		})
		a.resetLocked()
		return
	case TokenContinue:
		return
	}

	if decision != TokenResponse && a.state == StateSpeaking {
		return
	}
	if a.state == StateSpeaking {
		a.logger.Error("requested response while speaking")
		return
	}

	a.requestResponse(ctx, evt)
}

// ResetPending returns the agent to the waiting state.
func (a *Agent) ResetPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

// SetSpeaking marks the agent as actively speaking.
func (a *Agent) SetSpeaking() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingGen++
	a.state = StateSpeaking
}

func (a *Agent) resetLocked() {
	a.pendingGen++
	a.state = StateWaiting
}

// enterPending moves into a pending state and arms the timeout that
// recovers the agent if no model response ever arrives.
func (a *Agent) enterPending(s State) {
	a.pendingGen++
	a.state = s

	if a.pendingTimeout <= 0 {
		return
	}
	gen := a.pendingGen
	time.AfterFunc(a.pendingTimeout, func() { a.expirePending(gen, s) })
}

func (a *Agent) expirePending(gen int, s State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gen != a.pendingGen {
		return
	}
	a.logger.Warn("pending state timed out, resetting to waiting", "state", s)
	a.state = StateWaiting
}

func (a *Agent) requestDecision(ctx context.Context, evt bus.Event, includeInterruption bool) {
	a.logger.Debug("requesting speaking decision")

	history, err := a.sess.Messages(ctx, a.ID, evt.GroupID, []string{"decision", "response"})
	if err != nil {
		a.logger.Error("loading decision history", "error", err)
		a.resetLocked()
		return
	}

	evtContext := bus.Context{Prompt: bus.PromptDecision}
	if includeInterruption {
		evtContext.Interruption = evt.Payload.Context.Interruption
	}
	evtContext.Messages = a.buildPrompt(a.decisionPrompt, history)

	a.bus.Publish(bus.Event{
		Type:      bus.LLMInputReceived,
		AgentID:   a.ID,
		GroupID:   evt.GroupID,
		Timestamp: evt.Timestamp,
		Payload:   bus.Payload{Context: evtContext},
	})
}

func (a *Agent) requestResponse(ctx context.Context, evt bus.Event) {
	a.logger.Debug("requesting response generation", "state", a.state)

	history, err := a.sess.Messages(ctx, a.ID, evt.GroupID, []string{"response"})
	if err != nil {
		a.logger.Error("loading response history", "error", err)
		a.resetLocked()
		return
	}

	a.bus.Publish(bus.Event{
		Type:      bus.LLMInputReceived,
		AgentID:   a.ID,
		GroupID:   evt.GroupID,
		Timestamp: evt.Timestamp,
		Payload: bus.Payload{
			Context: bus.Context{
				Prompt:   bus.PromptResponse,
				Messages: a.buildPrompt(a.responsePrompt, history),
			},
		},
	})
}

// buildPrompt prepends the system prompt to the visible history, tagging
// the agent's own lines as assistant turns and everyone else's as user.
func (a *Agent) buildPrompt(system string, history []store.Message) []bus.PromptMessage {
	messages := make([]bus.PromptMessage, 0, len(history)+1)
	if system != "" {
		messages = append(messages, bus.PromptMessage{Role: "system", Content: system})
	}
	for _, msg := range history {
		role := "user"
		if msg.SourceAgentID != nil && *msg.SourceAgentID == a.ID {
			role = "assistant"
		}
		messages = append(messages, bus.PromptMessage{Role: role, Content: msg.Content})
	}
	return messages
}
