// ABOUTME: Event, witness, conversation group and message operations for the SQLite store
// ABOUTME: Visibility queries resolve the save lineage and the per-agent witness records

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateEvent records an event and its witness records atomically. An event
// with no witnesses is stored but will never appear in any agent's view.
func (s *SQLiteStore) CreateEvent(ctx context.Context, saveID uuid.UUID, eventType string, data map[string]any, witnesses []Witness) (uuid.UUID, error) {
	dataJSON, err := marshalJSON(data)
	if err != nil {
		return uuid.Nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (event_id, save_id, event_type, timestamp, data)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), saveID.String(), eventType, now, dataJSON)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting event: %w", err)
	}

	for _, w := range witnesses {
		contextJSON, err := marshalJSON(w.Context)
		if err != nil {
			return uuid.Nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO event_witnesses (witness_id, event_id, agent_id, timestamp, witness_type, witness_context)
			VALUES (?, ?, ?, ?, ?, ?)
		`, uuid.New().String(), id.String(), w.AgentID.String(), now, w.Type, contextJSON)
		if err != nil {
			return uuid.Nil, fmt.Errorf("inserting event witness: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("committing event: %w", err)
	}

	s.logger.Debug("created event",
		"event_id", id, "type", eventType, "witnesses", len(witnesses))
	return id, nil
}

// GetWitnessedEvents returns the events one agent witnessed across the
// save's lineage, oldest first.
func (s *SQLiteStore) GetWitnessedEvents(ctx context.Context, p WitnessedEventParams) ([]Event, error) {
	lineage, err := s.SaveLineage(ctx, p.SaveID)
	if err != nil {
		return nil, err
	}

	args, placeholders := lineageArgs(lineage)
	query := fmt.Sprintf(`
		SELECT DISTINCT e.event_id, e.save_id, e.event_type, e.timestamp, e.data
		FROM events e
		JOIN event_witnesses w ON w.event_id = e.event_id
		WHERE e.save_id IN (%s) AND w.agent_id = ?
	`, placeholders)
	args = append(args, p.AgentID.String())

	if p.Since != nil {
		query += " AND e.timestamp >= ?"
		args = append(args, p.Since.UTC().Format(time.RFC3339Nano))
	}
	if p.Until != nil {
		query += " AND e.timestamp <= ?"
		args = append(args, p.Until.UTC().Format(time.RFC3339Nano))
	}
	if len(p.EventTypes) > 0 {
		vals, ph := stringArgs(p.EventTypes)
		query += fmt.Sprintf(" AND e.event_type IN (%s)", ph)
		args = append(args, vals...)
	}
	if len(p.WitnessTypes) > 0 {
		vals, ph := stringArgs(p.WitnessTypes)
		query += fmt.Sprintf(" AND w.witness_type IN (%s)", ph)
		args = append(args, vals...)
	}

	query += " ORDER BY e.timestamp ASC"
	if p.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, p.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying witnessed events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var idStr, saveStr, tsStr string
		var dataStr sql.NullString

		if err := rows.Scan(&idStr, &saveStr, &ev.Type, &tsStr, &dataStr); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if ev.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parsing event id: %w", err)
		}
		if ev.SaveID, err = uuid.Parse(saveStr); err != nil {
			return nil, fmt.Errorf("parsing save id: %w", err)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr); err != nil {
			return nil, fmt.Errorf("parsing event timestamp: %w", err)
		}
		if ev.Data, err = unmarshalJSON(dataStr); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}

func stringArgs(vals []string) ([]any, string) {
	args := make([]any, len(vals))
	placeholders := make([]string, len(vals))
	for i, v := range vals {
		args[i] = v
		placeholders[i] = "?"
	}
	return args, strings.Join(placeholders, ", ")
}

// CreateConversationGroup records a new active conversation group anchored
// to the event that started it.
func (s *SQLiteStore) CreateConversationGroup(ctx context.Context, createdEventID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_groups (group_id, created_event_id, is_active)
		VALUES (?, ?, 1)
	`, id.String(), createdEventID.String())
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting conversation group: %w", err)
	}

	s.logger.Debug("created conversation group", "group_id", id)
	return id, nil
}

// GetConversationGroups returns the groups created within a save's lineage,
// optionally filtered by active state.
func (s *SQLiteStore) GetConversationGroups(ctx context.Context, saveID uuid.UUID, isActive *bool) ([]ConversationGroup, error) {
	lineage, err := s.SaveLineage(ctx, saveID)
	if err != nil {
		return nil, err
	}

	args, placeholders := lineageArgs(lineage)
	query := fmt.Sprintf(`
		SELECT g.group_id, g.created_event_id, g.is_active
		FROM conversation_groups g
		JOIN events e ON e.event_id = g.created_event_id
		WHERE e.save_id IN (%s)
	`, placeholders)

	if isActive != nil {
		query += " AND g.is_active = ?"
		if *isActive {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	query += " ORDER BY e.timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversation groups: %w", err)
	}
	defer rows.Close()

	var groups []ConversationGroup
	for rows.Next() {
		var g ConversationGroup
		var idStr, eventStr string
		var active int

		if err := rows.Scan(&idStr, &eventStr, &active); err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		if g.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parsing group id: %w", err)
		}
		if g.CreatedEventID, err = uuid.Parse(eventStr); err != nil {
			return nil, fmt.Errorf("parsing created event id: %w", err)
		}
		g.IsActive = active != 0
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group rows: %w", err)
	}
	return groups, nil
}

// CreateMessage persists one utterance or decision. The sequence number is
// assigned inside the insert transaction so concurrent writers on the same
// group can never produce gaps or duplicates.
func (s *SQLiteStore) CreateMessage(ctx context.Context, eventID, groupID uuid.UUID, content, messageType string, msgContext map[string]any, sourceAgentID, targetAgentID *uuid.UUID) (uuid.UUID, error) {
	contextJSON, err := marshalJSON(msgContext)
	if err != nil {
		return uuid.Nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, event_id, group_id, content, timestamp,
			message_type, context, sequence_number, source_agent_id, target_agent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(sequence_number) + 1, 0) FROM messages WHERE group_id = ?),
			?, ?)
	`, id.String(), eventID.String(), groupID.String(), content,
		time.Now().UTC().Format(time.RFC3339Nano), messageType, contextJSON,
		groupID.String(), uuidOrNil(sourceAgentID), uuidOrNil(targetAgentID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("created message",
		"message_id", id, "group_id", groupID, "type", messageType)
	return id, nil
}

// GetVisibleHistory returns the messages of one conversation group that an
// agent witnessed, in sequence order. A message is visible only when the
// agent holds a witness record for the message's event and the event lies
// within the save's lineage.
func (s *SQLiteStore) GetVisibleHistory(ctx context.Context, p HistoryParams) ([]Message, error) {
	lineage, err := s.SaveLineage(ctx, p.SaveID)
	if err != nil {
		return nil, err
	}

	args, placeholders := lineageArgs(lineage)
	query := fmt.Sprintf(`
		SELECT DISTINCT m.message_id, m.event_id, m.group_id, m.content, m.timestamp,
			m.message_type, m.context, m.sequence_number, m.source_agent_id, m.target_agent_id
		FROM messages m
		JOIN events e ON e.event_id = m.event_id
		JOIN event_witnesses w ON w.event_id = m.event_id
		WHERE e.save_id IN (%s) AND w.agent_id = ? AND m.group_id = ?
	`, placeholders)
	args = append(args, p.AgentID.String(), p.GroupID.String())

	if len(p.Types) > 0 {
		vals, ph := stringArgs(p.Types)
		query += fmt.Sprintf(" AND m.message_type IN (%s)", ph)
		args = append(args, vals...)
	}
	if p.StartSequence != nil {
		query += " AND m.sequence_number >= ?"
		args = append(args, *p.StartSequence)
	}

	query += " ORDER BY m.sequence_number ASC"
	if p.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, p.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying visible history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var idStr, eventStr, groupStr, tsStr string
		var contextStr, sourceStr, targetStr sql.NullString

		if err := rows.Scan(&idStr, &eventStr, &groupStr, &msg.Content, &tsStr,
			&msg.Type, &contextStr, &msg.SequenceNumber, &sourceStr, &targetStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if msg.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parsing message id: %w", err)
		}
		if msg.EventID, err = uuid.Parse(eventStr); err != nil {
			return nil, fmt.Errorf("parsing event id: %w", err)
		}
		if msg.GroupID, err = uuid.Parse(groupStr); err != nil {
			return nil, fmt.Errorf("parsing group id: %w", err)
		}
		if msg.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr); err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		if msg.Context, err = unmarshalJSON(contextStr); err != nil {
			return nil, err
		}
		if msg.SourceAgentID, err = scanUUIDPtr(sourceStr); err != nil {
			return nil, err
		}
		if msg.TargetAgentID, err = scanUUIDPtr(targetStr); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}
