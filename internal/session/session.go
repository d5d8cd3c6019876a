// ABOUTME: Session binds a store to one active application and save
// ABOUTME: All dialogue persistence goes through a session instance

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/store"
)

var (
	// ErrNoApplication is returned when a session is used before
	// SetApplication.
	ErrNoApplication = errors.New("session: no application set")

	// ErrNoSave is returned when a session is used before SetSave.
	ErrNoSave = errors.New("session: no save set")
)

// Session is the single point where the active application and save are
// held. Callers construct one per running coordinator and pass it where
// needed; there is no process-wide session.
type Session struct {
	store  store.Store
	logger *slog.Logger

	appName string
	appID   uuid.UUID
	saveID  uuid.UUID
}

// New creates a session over the given store. No application or save is
// selected yet.
func New(s store.Store) *Session {
	return &Session{
		store:  s,
		logger: slog.Default().With("component", "session"),
	}
}

// SetApplication selects the application by name, creating it if needed.
func (s *Session) SetApplication(ctx context.Context, name, category string) (uuid.UUID, error) {
	id, err := s.store.GetApplicationIDByName(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("looking up application: %w", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		id, err = s.store.CreateApplication(ctx, name, category, nil)
		if err != nil {
			return uuid.Nil, fmt.Errorf("creating application: %w", err)
		}
	}

	s.appName = name
	s.appID = id
	s.logger.Info("application set", "name", name, "application_id", id)
	return id, nil
}

// SetSave selects a save by name within the active application, creating
// it if needed. A parent may be given to branch from an earlier save; it
// is ignored when the named save already exists.
func (s *Session) SetSave(ctx context.Context, name string, parent *uuid.UUID) (uuid.UUID, error) {
	if s.appID == uuid.Nil {
		return uuid.Nil, ErrNoApplication
	}

	saves, err := s.store.GetSavesByName(ctx, s.appName, name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("looking up save: %w", err)
	}
	if len(saves) > 0 {
		if len(saves) > 1 {
			s.logger.Warn("multiple saves share a name, using the oldest",
				"name", name, "count", len(saves))
		}
		s.saveID = saves[0].ID
		return s.saveID, nil
	}

	id, err := s.store.CreateSave(ctx, s.appID, name, parent)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating save: %w", err)
	}

	s.saveID = id
	s.logger.Info("save set", "name", name, "save_id", id)
	return id, nil
}

// ApplicationID returns the active application id, or uuid.Nil.
func (s *Session) ApplicationID() uuid.UUID { return s.appID }

// SaveID returns the active save id, or uuid.Nil.
func (s *Session) SaveID() uuid.UUID { return s.saveID }

// CreateAgent creates an agent on the active save, reusing an existing
// agent of the same name in the save's lineage unless allowNameConflict
// is set. An optional external id binds the agent to an identity in the
// host application.
func (s *Session) CreateAgent(ctx context.Context, name string, allowNameConflict bool, externalID *string) (uuid.UUID, error) {
	if s.saveID == uuid.Nil {
		return uuid.Nil, ErrNoSave
	}

	if !allowNameConflict {
		agents, err := s.store.GetAgents(ctx, name, s.saveID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("looking up agents: %w", err)
		}
		if len(agents) > 0 {
			if len(agents) > 1 {
				s.logger.Debug("multiple agents share a name, using the oldest",
					"name", name, "count", len(agents))
			}
			return agents[0].ID, nil
		}
	}

	id, err := s.store.CreateAgent(ctx, name, s.saveID, externalID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating agent: %w", err)
	}
	return id, nil
}

// AgentByExternalID resolves an external application id within the active
// save's lineage.
func (s *Session) AgentByExternalID(ctx context.Context, externalID string) (uuid.UUID, error) {
	if s.saveID == uuid.Nil {
		return uuid.Nil, ErrNoSave
	}
	return s.store.GetAgentIDByExternalID(ctx, s.saveID, externalID)
}

// RecordEvent stores a general event on the active save with the given
// witnesses and returns its id.
func (s *Session) RecordEvent(ctx context.Context, sourceAgent uuid.UUID, eventType string, witnesses []store.Witness) (uuid.UUID, error) {
	if s.saveID == uuid.Nil {
		return uuid.Nil, ErrNoSave
	}

	data := map[string]any{
		"source_agent": sourceAgent.String(),
		"target_agent": "",
	}
	return s.store.CreateEvent(ctx, s.saveID, eventType, data, witnesses)
}

// CreateConversationGroup records a new group anchored to an event.
func (s *Session) CreateConversationGroup(ctx context.Context, eventID uuid.UUID) (uuid.UUID, error) {
	return s.store.CreateConversationGroup(ctx, eventID)
}

// RecordUtterance stores a spoken line or decision as a "talking" event
// plus one message in the group, witnessed by the given agents. Returns
// the event id and message id.
func (s *Session) RecordUtterance(ctx context.Context, sourceAgent, groupID uuid.UUID, content, messageType string, witnesses []store.Witness) (uuid.UUID, uuid.UUID, error) {
	if s.saveID == uuid.Nil {
		return uuid.Nil, uuid.Nil, ErrNoSave
	}

	eventID, err := s.RecordEvent(ctx, sourceAgent, "talking", witnesses)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	messageID, err := s.store.CreateMessage(ctx, eventID, groupID,
		content, messageType, nil, &sourceAgent, nil)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("creating message: %w", err)
	}
	return eventID, messageID, nil
}

// Messages returns the conversation history one agent can see in a group,
// oldest first, optionally filtered by message type.
func (s *Session) Messages(ctx context.Context, agentID, groupID uuid.UUID, types []string) ([]store.Message, error) {
	if s.saveID == uuid.Nil {
		return nil, ErrNoSave
	}

	return s.store.GetVisibleHistory(ctx, store.HistoryParams{
		SaveID:  s.saveID,
		AgentID: agentID,
		GroupID: groupID,
		Types:   types,
	})
}
