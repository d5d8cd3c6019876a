// ABOUTME: Coordinator routes speech, LLM and lifecycle events between agents
// ABOUTME: Tracks per-group speaking state, detects interruptions, persists turns

package dialogue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/bus"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

// groupState holds the live speaking state of one conversation group.
type groupState struct {
	currentSpeaker   *uuid.UUID
	pendingResponses []string
	speechStart      time.Time
	speakingMembers  map[uuid.UUID]struct{}
}

func newGroupState() *groupState {
	return &groupState{speakingMembers: make(map[uuid.UUID]struct{})}
}

// interrupted reports whether someone is talking over the current speaker.
func (s *groupState) interrupted() bool {
	return s.currentSpeaker != nil && len(s.speakingMembers) > 1
}

// interrupters returns the speaking members other than the current speaker.
func (s *groupState) interrupters() []uuid.UUID {
	if s.currentSpeaker == nil {
		return nil
	}
	var out []uuid.UUID
	for id := range s.speakingMembers {
		if id != *s.currentSpeaker {
			out = append(out, id)
		}
	}
	return out
}

// Coordinator owns the conversation groups and reacts to transcriptions,
// model responses and speech lifecycle events on the bus.
type Coordinator struct {
	bus  *bus.Bus
	sess *session.Session

	mu     sync.Mutex
	groups map[uuid.UUID]*Group
	states map[uuid.UUID]*groupState

	// active speech-input binding, updated by STTUserUpdateData
	userAgentID uuid.UUID
	userGroupID uuid.UUID

	now    func() time.Time
	logger *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock overrides the time source used for transcription merging.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator and subscribes it on the bus.
func NewCoordinator(b *bus.Bus, sess *session.Session, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		bus:    b,
		sess:   sess,
		groups: make(map[uuid.UUID]*Group),
		states: make(map[uuid.UUID]*groupState),
		now:    time.Now,
		logger: slog.Default().With("component", "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}

	b.Subscribe(bus.STTTranscriptionReady, &transcriptionHandler{c})
	b.Subscribe(bus.TTSStreamingResponse, &streamingHandler{c})
	b.Subscribe(bus.LLMResponseReady, &llmResponseHandler{c})
	b.Subscribe(bus.SpeechStarted, &speechStartedHandler{c})
	b.Subscribe(bus.SpeechEnded, &speechEndedHandler{c})
	b.Subscribe(bus.STTUserUpdateData, &userUpdateHandler{c})

	return c
}

type transcriptionHandler struct{ c *Coordinator }
type streamingHandler struct{ c *Coordinator }
type llmResponseHandler struct{ c *Coordinator }
type speechStartedHandler struct{ c *Coordinator }
type speechEndedHandler struct{ c *Coordinator }
type userUpdateHandler struct{ c *Coordinator }

func (h *transcriptionHandler) HandleEvent(evt bus.Event) {
	h.c.handleTranscription(context.Background(), evt)
}
func (h *streamingHandler) HandleEvent(evt bus.Event) {
	h.c.handleTranscription(context.Background(), evt)
}
func (h *llmResponseHandler) HandleEvent(evt bus.Event) {
	h.c.handleLLMResponse(context.Background(), evt)
}
func (h *speechStartedHandler) HandleEvent(evt bus.Event) {
	h.c.handleSpeechStarted(evt)
}
func (h *speechEndedHandler) HandleEvent(evt bus.Event) {
	h.c.handleSpeechEnded(context.Background(), evt)
}
func (h *userUpdateHandler) HandleEvent(evt bus.Event) {
	h.c.handleUserUpdate(evt)
}

// CreateGroup registers a conversation group with the coordinator.
func (c *Coordinator) CreateGroup(groupID uuid.UUID) *Group {
	c.mu.Lock()
	defer c.mu.Unlock()

	group := NewGroup(groupID)
	c.groups[groupID] = group
	c.states[groupID] = newGroupState()
	return group
}

// AddMember places an agent in a group. Membership is exclusive: an agent
// already in another registered group is moved.
func (c *Coordinator) AddMember(groupID uuid.UUID, a *Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := a.Group(); prev != uuid.Nil && prev != groupID {
		if prevGroup, ok := c.groups[prev]; ok {
			prevGroup.RemoveMember(a)
		}
	}
	if group, ok := c.groups[groupID]; ok {
		group.AddMember(a)
	}
}

// Group returns a registered group, or nil.
func (c *Coordinator) Group(groupID uuid.UUID) *Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups[groupID]
}

// UserBinding returns the agent and group the speech-input collaborator
// currently reports for.
func (c *Coordinator) UserBinding() (uuid.UUID, uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userAgentID, c.userGroupID
}

func (c *Coordinator) handleUserUpdate(evt bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userAgentID = evt.AgentID
	c.userGroupID = evt.GroupID
	c.logger.Info("speech input rebound",
		"agent_id", evt.AgentID, "group_id", evt.GroupID)
}

func (c *Coordinator) stateAndGroup(groupID uuid.UUID) (*groupState, *Group, bool) {
	state, ok := c.states[groupID]
	if !ok {
		c.logger.Error("no dialogue state for group", "group_id", groupID)
		return nil, nil, false
	}
	return state, c.groups[groupID], true
}

// handleTranscription runs the full speech pipeline: refresh who is
// speaking, merge partial transcriptions, detect interruptions, persist
// the utterance, and fan it out to the group's model-backed members.
func (c *Coordinator) handleTranscription(ctx context.Context, evt bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, group, ok := c.stateAndGroup(evt.GroupID)
	if !ok {
		return
	}

	c.updateSpeakingState(state, group, evt)
	evt = c.processSpeech(ctx, state, group, evt)
	c.notifyMembers(ctx, group, evt)
}

// updateSpeakingState refreshes the speaking set from agent states. Human
// speakers never report a speaking FSM state, so the event's own agent is
// added explicitly when it is a user.
func (c *Coordinator) updateSpeakingState(state *groupState, group *Group, evt bus.Event) {
	state.speakingMembers = make(map[uuid.UUID]struct{})
	for _, a := range group.SpeakingMembers() {
		state.speakingMembers[a.ID] = struct{}{}
	}
	if a := group.Member(evt.AgentID); a != nil && a.IsUser {
		state.speakingMembers[evt.AgentID] = struct{}{}
	}
}

// processSpeech returns a derived event with the merged transcription text
// and interruption context attached, after persisting it.
func (c *Coordinator) processSpeech(ctx context.Context, state *groupState, group *Group, evt bus.Event) bus.Event {
	text := evt.Payload.Text

	if len(evt.Payload.Context.WordTimestamps) > 0 {
		elapsed := c.now().Sub(state.speechStart).Seconds()
		text = mergeTranscription(evt.Payload.Context.WordTimestamps, elapsed)
	}

	// Human speech carries no speaker label of its own
	if a := group.Member(evt.AgentID); a != nil && a.IsUser {
		text = "User: " + text
	}

	interruption := &bus.Interruption{Interrupters: state.interrupters()}
	if state.interrupted() {
		interruption.Interrupted = state.currentSpeaker
		interruption.At = evt.Timestamp
	}

	evt.Payload.Text = text
	evt.Payload.Context.Interruption = interruption
	evt.Payload.Context.CurrentSpeaker = state.currentSpeaker
	evt.Payload.Context.SpeakingMember = speakingList(state.speakingMembers)

	messageType := string(evt.Payload.Context.Prompt)
	if messageType == "" {
		messageType = string(bus.PromptResponse)
	}

	witnesses := make([]store.Witness, 0, len(group.MemberIDs()))
	for _, id := range group.MemberIDs() {
		witnesses = append(witnesses, store.Witness{AgentID: id, Type: "hear"})
	}
	if _, _, err := c.sess.RecordUtterance(ctx, evt.AgentID, evt.GroupID,
		evt.Payload.Text, messageType, witnesses); err != nil {
		c.logger.Error("persisting utterance", "error", err)
	}

	return evt
}

func speakingList(members map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// mergeTranscription joins the words whose end time falls within the
// elapsed speech window, yielding the sentence completed so far.
func mergeTranscription(timestamps []bus.WordTimestamp, elapsed float64) string {
	var words []string
	for _, wt := range timestamps {
		if wt.End <= elapsed {
			words = append(words, wt.Word)
		}
	}
	return strings.Join(words, " ")
}

// notifyMembers fans the utterance out to the model-backed members. The
// speaker itself is skipped once its own speech is finished.
func (c *Coordinator) notifyMembers(ctx context.Context, group *Group, evt bus.Event) {
	for _, member := range group.Members() {
		if member.IsUser {
			continue
		}
		if evt.AgentID == member.ID && evt.Payload.Context.SpeechFinished {
			continue
		}
		c.logger.Debug("updating member", "agent_id", member.ID)
		member.UpdateConversation(ctx, evt)
	}
}

func (c *Coordinator) handleLLMResponse(ctx context.Context, evt bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, group, ok := c.stateAndGroup(evt.GroupID)
	if !ok {
		return
	}
	agent := group.Member(evt.AgentID)
	if agent == nil {
		c.logger.Error("model response for unknown agent", "agent_id", evt.AgentID)
		return
	}

	switch evt.Payload.Context.Prompt {
	case bus.PromptDecision:
		// Decisions are private: witnessed by the deciding agent only
		witnesses := []store.Witness{{AgentID: evt.AgentID, Type: "hear"}}
		if _, _, err := c.sess.RecordUtterance(ctx, evt.AgentID, evt.GroupID,
			evt.Payload.Text, "decision", witnesses); err != nil {
			c.logger.Error("persisting decision", "error", err)
		}
		agent.HandleLLM(ctx, evt)
	case bus.PromptResponse:
		state.pendingResponses = append(state.pendingResponses, evt.Payload.Text)
		c.speakNext(state, evt.GroupID, evt.AgentID)
	default:
		c.logger.Error("unknown model response type", "type", evt.Payload.Context.Prompt)
	}
}

func (c *Coordinator) handleSpeechStarted(evt bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, group, ok := c.stateAndGroup(evt.GroupID)
	if !ok {
		return
	}

	speaker := evt.AgentID
	state.currentSpeaker = &speaker
	state.speechStart = evt.Timestamp
	state.speakingMembers[speaker] = struct{}{}

	if agent := group.Member(speaker); agent != nil {
		agent.SetSpeaking()
	}
}

// handleSpeechEnded first runs the final transcription through the speech
// pipeline, then releases the speaker.
func (c *Coordinator) handleSpeechEnded(ctx context.Context, evt bus.Event) {
	c.handleTranscription(ctx, evt)

	c.mu.Lock()
	defer c.mu.Unlock()

	state, group, ok := c.stateAndGroup(evt.GroupID)
	if !ok {
		return
	}

	if state.currentSpeaker != nil && *state.currentSpeaker == evt.AgentID {
		state.currentSpeaker = nil
	}
	delete(state.speakingMembers, evt.AgentID)

	if agent := group.Member(evt.AgentID); agent != nil {
		agent.ResetPending()
	}
}

// speakNext pops the oldest queued response and hands it to speech output.
func (c *Coordinator) speakNext(state *groupState, groupID, agentID uuid.UUID) {
	if len(state.pendingResponses) == 0 {
		return
	}

	response := state.pendingResponses[0]
	state.pendingResponses = state.pendingResponses[1:]

	c.bus.Publish(bus.Event{
		Type:      bus.TTSStartSpeaking,
		AgentID:   agentID,
		GroupID:   groupID,
		Timestamp: c.now(),
		Payload:   bus.Payload{Text: cleanSpokenText(response)},
	})
}

// cleanSpokenText strips a leading "Speaker:" label so it is not read
// aloud. Only the first few runes are scanned to spare colons that belong
// to the sentence itself.
func cleanSpokenText(text string) string {
	const prefixWindow = 20

	if text == "" {
		return text
	}

	runes := []rune(text)
	window := runes
	if len(window) > prefixWindow {
		window = window[:prefixWindow]
	}
	for i, r := range window {
		if r == ':' {
			return strings.TrimSpace(string(runes[i+1:]))
		}
	}
	return strings.TrimSpace(text)
}
