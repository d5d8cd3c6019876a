// ABOUTME: Cascading delete operations for the SQLite store
// ABOUTME: Each delete removes dependent rows in one transaction

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// DeleteApplication removes an application and everything recorded under
// it: its saves, their events, witnesses, agents, groups and messages.
func (s *SQLiteStore) DeleteApplication(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT save_id FROM saves WHERE application_id = ? AND parent_save_id IS NULL`,
		id.String())
	if err != nil {
		return fmt.Errorf("querying application saves: %w", err)
	}
	roots, err := collectIDs(rows)
	if err != nil {
		return err
	}

	for _, saveID := range roots {
		if err := s.deleteSaveTx(ctx, tx, saveID); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM applications WHERE application_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing application delete: %w", err)
	}

	s.logger.Info("deleted application", "application_id", id)
	return nil
}

// DeleteSave removes a save, its descendant saves, and all events, agents,
// groups and messages recorded under them.
func (s *SQLiteStore) DeleteSave(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.deleteSaveTx(ctx, tx, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing save delete: %w", err)
	}

	s.logger.Info("deleted save", "save_id", id)
	return nil
}

func (s *SQLiteStore) deleteSaveTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT save_id FROM saves WHERE parent_save_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("querying child saves: %w", err)
	}
	children, err := collectIDs(rows)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.deleteSaveTx(ctx, tx, child); err != nil {
			return err
		}
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT event_id FROM events WHERE save_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("querying save events: %w", err)
	}
	events, err := collectIDs(rows)
	if err != nil {
		return err
	}
	for _, eventID := range events {
		if err := s.deleteEventTx(ctx, tx, eventID); err != nil {
			return err
		}
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT agent_id FROM agents WHERE save_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("querying save agents: %w", err)
	}
	agents, err := collectIDs(rows)
	if err != nil {
		return err
	}
	for _, agentID := range agents {
		if err := s.deleteAgentTx(ctx, tx, agentID); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM saves WHERE save_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting save: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEvent removes an event, its witness records, its messages, and any
// conversation group the event created along with that group's messages.
func (s *SQLiteStore) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.deleteEventTx(ctx, tx, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing event delete: %w", err)
	}

	s.logger.Debug("deleted event", "event_id", id)
	return nil
}

func (s *SQLiteStore) deleteEventTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT group_id FROM conversation_groups WHERE created_event_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("querying created groups: %w", err)
	}
	groups, err := collectIDs(rows)
	if err != nil {
		return err
	}
	for _, groupID := range groups {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE group_id = ?`, groupID.String()); err != nil {
			return fmt.Errorf("deleting group messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_groups WHERE group_id = ?`, groupID.String()); err != nil {
			return fmt.Errorf("deleting conversation group: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE event_id = ?`, id.String()); err != nil {
		return fmt.Errorf("deleting event messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM event_witnesses WHERE event_id = ?`, id.String()); err != nil {
		return fmt.Errorf("deleting event witnesses: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE event_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes an agent and its witness records. Messages the agent
// sent or received keep their content but lose the agent reference.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.deleteAgentTx(ctx, tx, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing agent delete: %w", err)
	}

	s.logger.Debug("deleted agent", "agent_id", id)
	return nil
}

func (s *SQLiteStore) deleteAgentTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM event_witnesses WHERE agent_id = ?`, id.String()); err != nil {
		return fmt.Errorf("deleting agent witnesses: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET source_agent_id = NULL WHERE source_agent_id = ?`, id.String()); err != nil {
		return fmt.Errorf("clearing message sources: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET target_agent_id = NULL WHERE target_agent_id = ?`, id.String()); err != nil {
		return fmt.Errorf("clearing message targets: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM agents WHERE agent_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversationGroup removes a group and its messages.
func (s *SQLiteStore) DeleteConversationGroup(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE group_id = ?`, id.String()); err != nil {
		return fmt.Errorf("deleting group messages: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_groups WHERE group_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting conversation group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing group delete: %w", err)
	}

	s.logger.Debug("deleted conversation group", "group_id", id)
	return nil
}

func collectIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("scanning id row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parsing id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating id rows: %w", err)
	}
	return ids, nil
}
