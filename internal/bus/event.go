// ABOUTME: Event type taxonomy and payload shapes for the in-process bus
// ABOUTME: Defines the Event struct exchanged between pipeline stages

package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event flowing through the bus.
type EventType string

const (
	SpeechStarted     EventType = "speech_started"
	SpeechEnded       EventType = "speech_ended"
	SpeechInterrupted EventType = "speech_interrupted"

	STTAudioDetected      EventType = "stt_audio_detected"
	STTTranscriptionReady EventType = "stt_transcription_ready"
	STTUserUpdateData     EventType = "stt_user_update_data"

	TTSStartSpeaking     EventType = "tts_start_speaking"
	TTSStopSpeaking      EventType = "tts_stop_speaking"
	TTSStreamingResponse EventType = "tts_streaming_response"

	LLMInputReceived EventType = "llm_input_received"
	LLMResponseReady EventType = "llm_response_ready"

	AgentUpdateInfo EventType = "agent_update_info"
)

// PromptType distinguishes the two kinds of LLM requests an agent makes.
type PromptType string

const (
	PromptDecision PromptType = "decision"
	PromptResponse PromptType = "response"
)

// WordTimestamp pairs a transcribed word with its end time, in seconds
// since the start of the utterance.
type WordTimestamp struct {
	Word string
	End  float64
}

// Interruption describes an overlap between the recognized speaker and
// one or more other speaking members.
type Interruption struct {
	Interrupted  *uuid.UUID  // agent that was cut off, nil when no interruption
	Interrupters []uuid.UUID // speaking members other than the interrupted speaker
	At           time.Time   // when the overlap was observed
}

// Active reports whether this context records a real interruption.
func (i *Interruption) Active() bool {
	return i != nil && i.Interrupted != nil
}

// Context carries the structured metadata attached to an event's payload.
// Which fields are populated depends on the event type.
type Context struct {
	WordTimestamps []WordTimestamp
	Interruption   *Interruption
	CurrentSpeaker *uuid.UUID
	SpeakingMember []uuid.UUID
	SpeechFinished bool

	// Prompt describes the request/response kind on LLM events.
	Prompt PromptType

	// Messages is the prompt history attached to LLM input events.
	Messages []PromptMessage
}

// PromptMessage is one role-tagged entry of an LLM prompt.
type PromptMessage struct {
	Role    string
	Content string
}

// Payload is the free-form body of an event.
type Payload struct {
	Text    string
	Context Context
}

// Event is a single occurrence published on the bus. Events are immutable
// once published; handlers that need a variant construct a new Event.
type Event struct {
	Type      EventType
	AgentID   uuid.UUID
	GroupID   uuid.UUID
	Timestamp time.Time
	Payload   Payload
}
