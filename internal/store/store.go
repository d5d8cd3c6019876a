// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines the saves tree, events, witnesses and sequenced messages

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateExternalID is returned when an external application id is
// already bound to a different agent somewhere in the save lineage.
var ErrDuplicateExternalID = errors.New("external application id already bound in lineage")

// ErrNameConflict is returned when an external application id is re-bound
// to an agent with a different name.
var ErrNameConflict = errors.New("external application id bound to a different agent name")

// ErrLineageCycle is returned when the save parent chain loops back on
// itself. The parent graph is a tree by construction, so hitting this means
// the database was tampered with.
var ErrLineageCycle = errors.New("cycle detected in save lineage")

// Application is the top-level namespace for saves. Names are unique.
type Application struct {
	ID       uuid.UUID
	Name     string
	Category string
	Config   map[string]any
}

// Save is a snapshot/branch of an application's timeline. A save has at
// most one parent, so saves form a tree of alternate timelines.
type Save struct {
	ID            uuid.UUID
	ApplicationID uuid.UUID
	ParentSaveID  *uuid.UUID
	Name          string
	Timestamp     time.Time
	State         map[string]any
}

// Event is a single occurrence recorded in a save. Immutable once created.
type Event struct {
	ID        uuid.UUID
	SaveID    uuid.UUID
	Type      string
	Timestamp time.Time
	Data      map[string]any
}

// Witness records how one agent perceived an event. An event with no
// witnesses exists but is invisible to every agent.
type Witness struct {
	AgentID uuid.UUID
	Type    string // perception mode: "hear", "see", "thought", ...
	Context map[string]any
}

// Agent is an actor scoped to a save. ExternalID, when set, must be unique
// across the save's full ancestor lineage.
type Agent struct {
	ID           uuid.UUID
	Name         string
	SaveID       uuid.UUID
	CreatedAt    time.Time
	Capabilities map[string]any
	ExternalID   *string
}

// ConversationGroup is a persisted dialogue session, created by exactly
// one event.
type ConversationGroup struct {
	ID             uuid.UUID
	CreatedEventID uuid.UUID
	IsActive       bool
}

// Message is one utterance or decision within a conversation group.
// SequenceNumber is strictly increasing and gap-free per group.
type Message struct {
	ID             uuid.UUID
	EventID        uuid.UUID
	GroupID        uuid.UUID
	Content        string
	Timestamp      time.Time
	Type           string // "response", "decision", ...
	Context        map[string]any
	SequenceNumber int
	SourceAgentID  *uuid.UUID
	TargetAgentID  *uuid.UUID
}

// HistoryParams filters a visible-history query.
type HistoryParams struct {
	SaveID  uuid.UUID
	AgentID uuid.UUID
	GroupID uuid.UUID

	Types         []string // optional message type filter
	StartSequence *int     // optional inclusive sequence lower bound
	Limit         int      // optional, 0 means no limit
}

// WitnessedEventParams filters a per-agent event query.
type WitnessedEventParams struct {
	SaveID  uuid.UUID
	AgentID uuid.UUID

	Since        *time.Time
	Until        *time.Time
	EventTypes   []string
	WitnessTypes []string
	Limit        int
}

// Store is the event-sourced persistence contract. Implementations must
// make multi-step writes (event plus witnesses, sequence assignment,
// cascading deletes) atomic.
type Store interface {
	// Applications
	CreateApplication(ctx context.Context, name, category string, config map[string]any) (uuid.UUID, error)
	GetApplicationIDByName(ctx context.Context, name string) (uuid.UUID, error)
	DeleteApplication(ctx context.Context, id uuid.UUID) error

	// Saves
	CreateSave(ctx context.Context, applicationID uuid.UUID, name string, parentSaveID *uuid.UUID) (uuid.UUID, error)
	GetSavesByName(ctx context.Context, applicationName, saveName string) ([]Save, error)
	SaveLineage(ctx context.Context, saveID uuid.UUID) ([]uuid.UUID, error)
	GetSaveTimeline(ctx context.Context, saveID uuid.UUID) ([]Save, error)
	DeleteSave(ctx context.Context, id uuid.UUID) error

	// Agents
	CreateAgent(ctx context.Context, name string, saveID uuid.UUID, externalID *string) (uuid.UUID, error)
	GetAgents(ctx context.Context, name string, saveID uuid.UUID) ([]Agent, error)
	GetAgentByID(ctx context.Context, saveID, agentID uuid.UUID) (*Agent, error)
	GetAgentIDByExternalID(ctx context.Context, saveID uuid.UUID, externalID string) (uuid.UUID, error)
	DeleteAgent(ctx context.Context, id uuid.UUID) error

	// Events and witnesses
	CreateEvent(ctx context.Context, saveID uuid.UUID, eventType string, data map[string]any, witnesses []Witness) (uuid.UUID, error)
	GetWitnessedEvents(ctx context.Context, p WitnessedEventParams) ([]Event, error)
	DeleteEvent(ctx context.Context, id uuid.UUID) error

	// Conversation groups and messages
	CreateConversationGroup(ctx context.Context, createdEventID uuid.UUID) (uuid.UUID, error)
	GetConversationGroups(ctx context.Context, saveID uuid.UUID, isActive *bool) ([]ConversationGroup, error)
	DeleteConversationGroup(ctx context.Context, id uuid.UUID) error

	CreateMessage(ctx context.Context, eventID, groupID uuid.UUID, content, messageType string, msgContext map[string]any, sourceAgentID, targetAgentID *uuid.UUID) (uuid.UUID, error)
	GetVisibleHistory(ctx context.Context, p HistoryParams) ([]Message, error)

	// Close releases any resources held by the store.
	Close() error
}
