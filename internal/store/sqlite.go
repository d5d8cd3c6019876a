// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Covers applications, the saves tree and save-scoped agents

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS applications (
		application_id TEXT PRIMARY KEY,
		name           TEXT NOT NULL UNIQUE,
		category       TEXT NOT NULL,
		config         TEXT NOT NULL DEFAULT '{}'
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_applications_name
		ON applications(name);

	CREATE TABLE IF NOT EXISTS saves (
		save_id        TEXT PRIMARY KEY,
		application_id TEXT NOT NULL REFERENCES applications(application_id),
		parent_save_id TEXT REFERENCES saves(save_id),
		name           TEXT NOT NULL,
		timestamp      TEXT NOT NULL,
		state          TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_saves_app_time ON saves(application_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_saves_parent ON saves(parent_save_id);

	CREATE TABLE IF NOT EXISTS agents (
		agent_id                TEXT PRIMARY KEY,
		name                    TEXT NOT NULL,
		save_id                 TEXT NOT NULL REFERENCES saves(save_id),
		created_at              TEXT NOT NULL,
		capabilities            TEXT,
		external_application_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_agents_save ON agents(save_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_external
		ON agents(save_id, external_application_id);

	CREATE TABLE IF NOT EXISTS events (
		event_id   TEXT PRIMARY KEY,
		save_id    TEXT NOT NULL REFERENCES saves(save_id),
		event_type TEXT NOT NULL,
		timestamp  TEXT NOT NULL,
		data       TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_save_time ON events(save_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_type_time ON events(save_id, event_type, timestamp);

	CREATE TABLE IF NOT EXISTS event_witnesses (
		witness_id      TEXT PRIMARY KEY,
		event_id        TEXT NOT NULL REFERENCES events(event_id),
		agent_id        TEXT NOT NULL REFERENCES agents(agent_id),
		timestamp       TEXT NOT NULL,
		witness_type    TEXT NOT NULL,
		witness_context TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_witnesses_event ON event_witnesses(event_id);
	CREATE INDEX IF NOT EXISTS idx_witnesses_agent_time ON event_witnesses(agent_id, timestamp);

	CREATE TABLE IF NOT EXISTS conversation_groups (
		group_id         TEXT PRIMARY KEY,
		created_event_id TEXT NOT NULL REFERENCES events(event_id),
		is_active        INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_groups_active ON conversation_groups(is_active);

	CREATE TABLE IF NOT EXISTS messages (
		message_id      TEXT PRIMARY KEY,
		event_id        TEXT NOT NULL REFERENCES events(event_id),
		group_id        TEXT NOT NULL REFERENCES conversation_groups(group_id),
		content         TEXT NOT NULL,
		timestamp       TEXT NOT NULL,
		message_type    TEXT NOT NULL,
		context         TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		source_agent_id TEXT REFERENCES agents(agent_id),
		target_agent_id TEXT REFERENCES agents(agent_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_group_seq ON messages(group_id, sequence_number);
	CREATE INDEX IF NOT EXISTS idx_messages_event ON messages(event_id);
	CREATE INDEX IF NOT EXISTS idx_messages_type_time ON messages(group_id, message_type, timestamp);
`

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint
// violation. Foreign-key failures must not match: a duplicate-detection
// path would otherwise misreport an insert against a missing parent row.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// marshalJSON serializes a map column value, defaulting nil to an empty object.
func marshalJSON(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding json column: %w", err)
	}
	return string(data), nil
}

// unmarshalJSON parses a nullable JSON column into a map.
func unmarshalJSON(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("decoding json column: %w", err)
	}
	return m, nil
}

// uuidOrNil converts an optional uuid to a driver value.
func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

// scanUUIDPtr parses a nullable uuid column.
func scanUUIDPtr(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil, fmt.Errorf("parsing uuid column: %w", err)
	}
	return &id, nil
}

// CreateApplication creates a new application namespace. If an application
// with the same name already exists, its id is returned instead of an error.
func (s *SQLiteStore) CreateApplication(ctx context.Context, name, category string, config map[string]any) (uuid.UUID, error) {
	configJSON, err := marshalJSON(config)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO applications (application_id, name, category, config)
		VALUES (?, ?, ?, ?)
	`, id.String(), name, category, configJSON)
	if err != nil {
		if isConstraintViolation(err) {
			return s.GetApplicationIDByName(ctx, name)
		}
		return uuid.Nil, fmt.Errorf("inserting application: %w", err)
	}

	s.logger.Debug("created application", "application_id", id, "name", name)
	return id, nil
}

// GetApplicationIDByName looks up an application by its unique name.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetApplicationIDByName(ctx context.Context, name string) (uuid.UUID, error) {
	var idStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT application_id FROM applications WHERE name = ?`, name,
	).Scan(&idStr)
	if err == sql.ErrNoRows {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("querying application: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing application id: %w", err)
	}
	return id, nil
}

// CreateSave creates a new save for an application, optionally branching
// from a parent save.
func (s *SQLiteStore) CreateSave(ctx context.Context, applicationID uuid.UUID, name string, parentSaveID *uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saves (save_id, application_id, parent_save_id, name, timestamp, state)
		VALUES (?, ?, ?, ?, ?, '{}')
	`, id.String(), applicationID.String(), uuidOrNil(parentSaveID), name,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting save: %w", err)
	}

	s.logger.Debug("created save", "save_id", id, "name", name, "parent", parentSaveID)
	return id, nil
}

// GetSavesByName retrieves saves matching an application name and save name.
func (s *SQLiteStore) GetSavesByName(ctx context.Context, applicationName, saveName string) ([]Save, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.save_id, s.application_id, s.parent_save_id, s.name, s.timestamp, s.state
		FROM saves s
		JOIN applications a ON a.application_id = s.application_id
		WHERE a.name = ? AND s.name = ?
		ORDER BY s.timestamp ASC
	`, applicationName, saveName)
	if err != nil {
		return nil, fmt.Errorf("querying saves: %w", err)
	}
	defer rows.Close()

	return scanSaves(rows)
}

// SaveLineage returns the save's full ancestor chain, starting with the
// save itself and walking parent_save_id up to the root. The walk keeps a
// visited set so a corrupted parent chain fails with ErrLineageCycle
// instead of looping forever.
func (s *SQLiteStore) SaveLineage(ctx context.Context, saveID uuid.UUID) ([]uuid.UUID, error) {
	lineage := []uuid.UUID{}
	visited := map[uuid.UUID]bool{}

	current := saveID
	for {
		if visited[current] {
			return nil, ErrLineageCycle
		}
		visited[current] = true

		var parentStr sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT parent_save_id FROM saves WHERE save_id = ?`, current.String(),
		).Scan(&parentStr)
		if err == sql.ErrNoRows {
			if len(lineage) == 0 {
				return nil, ErrNotFound
			}
			// Dangling parent reference: stop at the last save that exists.
			return lineage, nil
		}
		if err != nil {
			return nil, fmt.Errorf("querying save parent: %w", err)
		}

		lineage = append(lineage, current)

		parent, err := scanUUIDPtr(parentStr)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return lineage, nil
		}
		current = *parent
	}
}

// GetSaveTimeline returns the saves leading to this save, newest first.
func (s *SQLiteStore) GetSaveTimeline(ctx context.Context, saveID uuid.UUID) ([]Save, error) {
	lineage, err := s.SaveLineage(ctx, saveID)
	if err != nil {
		return nil, err
	}

	args, placeholders := lineageArgs(lineage)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT save_id, application_id, parent_save_id, name, timestamp, state
		FROM saves
		WHERE save_id IN (%s)
		ORDER BY timestamp DESC
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("querying save timeline: %w", err)
	}
	defer rows.Close()

	return scanSaves(rows)
}

// lineageArgs converts a lineage to query args and a placeholder list.
func lineageArgs(lineage []uuid.UUID) ([]any, string) {
	args := make([]any, len(lineage))
	placeholders := make([]string, len(lineage))
	for i, id := range lineage {
		args[i] = id.String()
		placeholders[i] = "?"
	}
	return args, strings.Join(placeholders, ", ")
}

func scanSaves(rows *sql.Rows) ([]Save, error) {
	var saves []Save
	for rows.Next() {
		var save Save
		var idStr, appStr, tsStr string
		var parentStr, stateStr sql.NullString

		if err := rows.Scan(&idStr, &appStr, &parentStr, &save.Name, &tsStr, &stateStr); err != nil {
			return nil, fmt.Errorf("scanning save row: %w", err)
		}

		var err error
		if save.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parsing save id: %w", err)
		}
		if save.ApplicationID, err = uuid.Parse(appStr); err != nil {
			return nil, fmt.Errorf("parsing application id: %w", err)
		}
		if save.ParentSaveID, err = scanUUIDPtr(parentStr); err != nil {
			return nil, err
		}
		if save.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr); err != nil {
			return nil, fmt.Errorf("parsing save timestamp: %w", err)
		}
		if save.State, err = unmarshalJSON(stateStr); err != nil {
			return nil, err
		}

		saves = append(saves, save)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating save rows: %w", err)
	}
	return saves, nil
}

// CreateAgent creates an agent scoped to a save. When externalID is set it
// must be unique across the save's full ancestor lineage: re-binding it to
// an agent of the same name returns the existing agent id, re-binding it to
// a different name fails with ErrNameConflict.
func (s *SQLiteStore) CreateAgent(ctx context.Context, name string, saveID uuid.UUID, externalID *string) (uuid.UUID, error) {
	if externalID != nil {
		lineage, err := s.SaveLineage(ctx, saveID)
		if err != nil {
			return uuid.Nil, err
		}

		args, placeholders := lineageArgs(lineage)
		args = append(args, *externalID)

		var existingIDStr, existingName string
		err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT agent_id, name FROM agents
			WHERE save_id IN (%s) AND external_application_id = ?
		`, placeholders), args...).Scan(&existingIDStr, &existingName)
		if err != nil && err != sql.ErrNoRows {
			return uuid.Nil, fmt.Errorf("querying agent by external id: %w", err)
		}
		if err == nil {
			if existingName != name {
				return uuid.Nil, fmt.Errorf("external id %q held by agent %q: %w",
					*externalID, existingName, ErrNameConflict)
			}
			existingID, parseErr := uuid.Parse(existingIDStr)
			if parseErr != nil {
				return uuid.Nil, fmt.Errorf("parsing agent id: %w", parseErr)
			}
			s.logger.Debug("reusing agent for external id",
				"agent_id", existingID, "external_id", *externalID)
			return existingID, nil
		}
	}

	var extVal any
	if externalID != nil {
		extVal = *externalID
	}

	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, name, save_id, created_at, capabilities, external_application_id)
		VALUES (?, ?, ?, ?, NULL, ?)
	`, id.String(), name, saveID.String(),
		time.Now().UTC().Format(time.RFC3339Nano), extVal)
	if err != nil {
		if isConstraintViolation(err) {
			return uuid.Nil, ErrDuplicateExternalID
		}
		return uuid.Nil, fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "agent_id", id, "name", name, "save_id", saveID)
	return id, nil
}

// GetAgents retrieves agents matching the criteria. An empty name matches
// all names; a non-nil saveID restricts the search to that save's lineage.
func (s *SQLiteStore) GetAgents(ctx context.Context, name string, saveID uuid.UUID) ([]Agent, error) {
	query := `
		SELECT agent_id, name, save_id, created_at, capabilities, external_application_id
		FROM agents
	`
	var clauses []string
	var args []any

	if saveID != uuid.Nil {
		lineage, err := s.SaveLineage(ctx, saveID)
		if err != nil {
			return nil, err
		}
		lineageVals, placeholders := lineageArgs(lineage)
		clauses = append(clauses, fmt.Sprintf("save_id IN (%s)", placeholders))
		args = append(args, lineageVals...)
	}
	if name != "" {
		clauses = append(clauses, "name = ?")
		args = append(args, name)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// GetAgentByID retrieves an agent by id within a save's lineage.
// Returns ErrNotFound if the agent doesn't exist there.
func (s *SQLiteStore) GetAgentByID(ctx context.Context, saveID, agentID uuid.UUID) (*Agent, error) {
	lineage, err := s.SaveLineage(ctx, saveID)
	if err != nil {
		return nil, err
	}

	args, placeholders := lineageArgs(lineage)
	args = append(args, agentID.String())

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT agent_id, name, save_id, created_at, capabilities, external_application_id
		FROM agents
		WHERE save_id IN (%s) AND agent_id = ?
	`, placeholders), args...)

	agent, err := scanAgentRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgentIDByExternalID resolves an external application id within a
// save's lineage. Returns ErrNotFound when no agent holds it.
func (s *SQLiteStore) GetAgentIDByExternalID(ctx context.Context, saveID uuid.UUID, externalID string) (uuid.UUID, error) {
	lineage, err := s.SaveLineage(ctx, saveID)
	if err != nil {
		return uuid.Nil, err
	}

	args, placeholders := lineageArgs(lineage)
	args = append(args, externalID)

	var idStr string
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT agent_id FROM agents
		WHERE save_id IN (%s) AND external_application_id = ?
	`, placeholders), args...).Scan(&idStr)
	if err == sql.ErrNoRows {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("querying agent by external id: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing agent id: %w", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentInto(sc rowScanner) (*Agent, error) {
	var agent Agent
	var idStr, saveStr, createdStr string
	var capsStr, extStr sql.NullString

	if err := sc.Scan(&idStr, &agent.Name, &saveStr, &createdStr, &capsStr, &extStr); err != nil {
		return nil, err
	}

	var err error
	if agent.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parsing agent id: %w", err)
	}
	if agent.SaveID, err = uuid.Parse(saveStr); err != nil {
		return nil, fmt.Errorf("parsing save id: %w", err)
	}
	if agent.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
		return nil, fmt.Errorf("parsing agent created_at: %w", err)
	}
	if agent.Capabilities, err = unmarshalJSON(capsStr); err != nil {
		return nil, err
	}
	if extStr.Valid {
		ext := extStr.String
		agent.ExternalID = &ext
	}
	return &agent, nil
}

func scanAgent(rows *sql.Rows) (*Agent, error) {
	agent, err := scanAgentInto(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning agent row: %w", err)
	}
	return agent, nil
}

func scanAgentRow(row *sql.Row) (*Agent, error) {
	return scanAgentInto(row)
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
