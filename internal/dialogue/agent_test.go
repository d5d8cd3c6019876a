// ABOUTME: Tests for the agent speaking state machine
// ABOUTME: Covers decision token handling, guards and the pending timeout

package dialogue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/bus"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

// harness wires a bus, a session over a temp database, and a coordinator
// with one registered conversation group.
type harness struct {
	bus     *bus.Bus
	sess    *session.Session
	coord   *Coordinator
	groupID uuid.UUID
}

func newHarness(t *testing.T, opts ...CoordinatorOption) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sess := session.New(s)
	ctx := context.Background()
	_, err = sess.SetApplication(ctx, "skyrim", "game")
	require.NoError(t, err)
	_, err = sess.SetSave(ctx, "test", nil)
	require.NoError(t, err)

	b := bus.New(bus.Options{})
	t.Cleanup(func() { b.Shutdown(true) })

	coord := NewCoordinator(b, sess, opts...)

	creator, err := sess.CreateAgent(ctx, "narrator", false, nil)
	require.NoError(t, err)
	startEvent, err := sess.RecordEvent(ctx, creator, "conversation_started", nil)
	require.NoError(t, err)
	groupID, err := sess.CreateConversationGroup(ctx, startEvent)
	require.NoError(t, err)
	coord.CreateGroup(groupID)

	return &harness{bus: b, sess: sess, coord: coord, groupID: groupID}
}

// addAgent creates a persisted agent, wraps it in an FSM and adds it to
// the harness group.
func (h *harness) addAgent(t *testing.T, name string, opts ...AgentOption) *Agent {
	t.Helper()

	id, err := h.sess.CreateAgent(context.Background(), name, false, nil)
	require.NoError(t, err)

	a := NewAgent(id, h.bus, h.sess, opts...)
	h.coord.AddMember(h.groupID, a)
	return a
}

// capture collects bus events of one type for assertions.
type capture struct{ ch chan bus.Event }

func newCapture(b *bus.Bus, types ...bus.EventType) *capture {
	c := &capture{ch: make(chan bus.Event, 16)}
	for _, t := range types {
		b.Subscribe(t, c)
	}
	return c
}

func (c *capture) HandleEvent(evt bus.Event) { c.ch <- evt }

func (c *capture) wait(t *testing.T) bus.Event {
	t.Helper()
	select {
	case evt := <-c.ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return bus.Event{}
	}
}

func (c *capture) assertNone(t *testing.T) {
	t.Helper()
	select {
	case evt := <-c.ch:
		t.Fatalf("unexpected event published: %v", evt.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func decisionEvent(groupID uuid.UUID, text string) bus.Event {
	return bus.Event{
		Type:      bus.LLMResponseReady,
		GroupID:   groupID,
		Timestamp: time.Now(),
		Payload: bus.Payload{
			Text:    text,
			Context: bus.Context{Prompt: bus.PromptDecision},
		},
	}
}

func TestAgent_SkipResetsToWaiting(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex")

	a.HandleLLM(context.Background(), decisionEvent(h.groupID, TokenSkip))
	assert.Equal(t, StateWaiting, a.State())
}

func TestAgent_SkipResetsEvenWhileSpeaking(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex")
	a.SetSpeaking()

	a.HandleLLM(context.Background(), decisionEvent(h.groupID, TokenSkip))
	assert.Equal(t, StateWaiting, a.State())
}

func TestAgent_ContinueHoldsPendingResponse(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex")

	a.HandleLLM(context.Background(), decisionEvent(h.groupID, TokenContinue))
	assert.Equal(t, StatePendingResponse, a.State())
}

func TestAgent_GetInterruptedStopsSpeech(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex")
	a.SetSpeaking()

	stop := newCapture(h.bus, bus.TTSStopSpeaking)
	a.HandleLLM(context.Background(), decisionEvent(h.groupID, TokenGetInterrupted))

	evt := stop.wait(t)
	assert.Equal(t, a.ID, evt.AgentID)
	assert.Equal(t, h.groupID, evt.GroupID)
	assert.Equal(t, StateWaiting, a.State())
}

func TestAgent_ResponseWhileSpeakingIgnored(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex")
	a.SetSpeaking()

	llm := newCapture(h.bus, bus.LLMInputReceived)
	a.HandleLLM(context.Background(), decisionEvent(h.groupID, TokenResponse))

	llm.assertNone(t)
	assert.Equal(t, StateSpeaking, a.State())
}

func TestAgent_ResponseRequestsGeneration(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex")
	a.SetPrompts("decide", "respond")

	llm := newCapture(h.bus, bus.LLMInputReceived)
	a.HandleLLM(context.Background(), decisionEvent(h.groupID, TokenResponse))

	evt := llm.wait(t)
	assert.Equal(t, bus.PromptResponse, evt.Payload.Context.Prompt)
	require.NotEmpty(t, evt.Payload.Context.Messages)
	assert.Equal(t, "system", evt.Payload.Context.Messages[0].Role)
	assert.Equal(t, "respond", evt.Payload.Context.Messages[0].Content)
	assert.Equal(t, StatePendingResponse, a.State())
}

func TestAgent_DecisionDroppedWhilePendingResponse(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex")

	a.HandleLLM(context.Background(), decisionEvent(h.groupID, TokenContinue))
	require.Equal(t, StatePendingResponse, a.State())

	llm := newCapture(h.bus, bus.LLMInputReceived)
	a.HandleLLM(context.Background(), decisionEvent(h.groupID, TokenResponse))

	llm.assertNone(t)
	assert.Equal(t, StatePendingResponse, a.State())
}

func TestAgent_UpdateConversationRequestsDecision(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex")
	a.SetPrompts("decide", "respond")

	llm := newCapture(h.bus, bus.LLMInputReceived)
	a.UpdateConversation(context.Background(), bus.Event{
		Type:      bus.STTTranscriptionReady,
		GroupID:   h.groupID,
		Timestamp: time.Now(),
		Payload:   bus.Payload{Text: "hello"},
	})

	evt := llm.wait(t)
	assert.Equal(t, bus.PromptDecision, evt.Payload.Context.Prompt)
	assert.Equal(t, StatePendingDecision, a.State())
}

func TestAgent_UpdateConversationIgnoredWhilePending(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex")

	a.UpdateConversation(context.Background(), bus.Event{GroupID: h.groupID})
	require.Equal(t, StatePendingDecision, a.State())

	llm := newCapture(h.bus, bus.LLMInputReceived)
	a.UpdateConversation(context.Background(), bus.Event{GroupID: h.groupID})
	llm.assertNone(t)
}

func TestAgent_InterruptedWhileSpeakingRedecides(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex")
	a.SetSpeaking()

	interrupter := uuid.New()
	speaker := a.ID

	llm := newCapture(h.bus, bus.LLMInputReceived)
	a.UpdateConversation(context.Background(), bus.Event{
		GroupID:   h.groupID,
		Timestamp: time.Now(),
		Payload: bus.Payload{
			Context: bus.Context{
				Interruption: &bus.Interruption{
					Interrupted:  &speaker,
					Interrupters: []uuid.UUID{interrupter},
					At:           time.Now(),
				},
			},
		},
	})

	evt := llm.wait(t)
	assert.Equal(t, bus.PromptDecision, evt.Payload.Context.Prompt)
	require.True(t, evt.Payload.Context.Interruption.Active())
	assert.Equal(t, speaker, *evt.Payload.Context.Interruption.Interrupted)
	// Still speaking until a decision token says otherwise
	assert.Equal(t, StateSpeaking, a.State())
}

func TestAgent_PendingTimeoutRecovers(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex", WithPendingTimeout(20*time.Millisecond))

	a.UpdateConversation(context.Background(), bus.Event{GroupID: h.groupID})
	require.Equal(t, StatePendingDecision, a.State())

	assert.Eventually(t, func() bool {
		return a.State() == StateWaiting
	}, time.Second, 5*time.Millisecond)
}

func TestAgent_PendingTimeoutDisarmedBySpeaking(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex", WithPendingTimeout(20*time.Millisecond))

	a.UpdateConversation(context.Background(), bus.Event{GroupID: h.groupID})
	require.Equal(t, StatePendingDecision, a.State())

	// Starting to speak disarms the pending timer
	a.SetSpeaking()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateSpeaking, a.State())
}

func TestAgent_PromptRolesFromHistory(t *testing.T) {
	h := newHarness(t)
	a := h.addAgent(t, "Alex")
	b := h.addAgent(t, "Sam")
	a.SetPrompts("decide", "respond")

	ctx := context.Background()
	witnesses := []store.Witness{
		{AgentID: a.ID, Type: "hear"},
		{AgentID: b.ID, Type: "hear"},
	}
	_, _, err := h.sess.RecordUtterance(ctx, a.ID, h.groupID, "mine", "response", witnesses)
	require.NoError(t, err)
	_, _, err = h.sess.RecordUtterance(ctx, b.ID, h.groupID, "theirs", "response", witnesses)
	require.NoError(t, err)

	llm := newCapture(h.bus, bus.LLMInputReceived)
	a.HandleLLM(ctx, decisionEvent(h.groupID, TokenResponse))

	evt := llm.wait(t)
	msgs := evt.Payload.Context.Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "mine", msgs[1].Content)
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "theirs", msgs[2].Content)
}
