// ABOUTME: Administrative operations on the SQLite store
// ABOUTME: Structure inspection and data/schema wipes for the db command

package store

import (
	"context"
	"fmt"
)

// tables lists every table in the schema, ordered so that dependents
// come before the tables they reference.
var tables = []string{
	"messages",
	"conversation_groups",
	"event_witnesses",
	"events",
	"agents",
	"saves",
	"applications",
}

// TableInfo describes one table for structure inspection.
type TableInfo struct {
	Name     string
	SQL      string
	RowCount int
}

// Structure returns the schema and row count of every table.
func (s *SQLiteStore) Structure(ctx context.Context) ([]TableInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	defer rows.Close()

	var infos []TableInfo
	for rows.Next() {
		var info TableInfo
		if err := rows.Scan(&info.Name, &info.SQL); err != nil {
			return nil, fmt.Errorf("scanning schema row: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range infos {
		row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+infos[i].Name)
		if err := row.Scan(&infos[i].RowCount); err != nil {
			return nil, fmt.Errorf("counting rows in %s: %w", infos[i].Name, err)
		}
	}
	return infos, nil
}

// WipeData deletes every row from every table, leaving the schema intact.
func (s *SQLiteStore) WipeData(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Foreign key checks settle at commit so the saves tree can be
	// cleared without ordering by depth.
	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return fmt.Errorf("deferring foreign keys: %w", err)
	}

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("wiping %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing wipe: %w", err)
	}

	s.logger.Info("wiped all data", "tables", len(tables))
	return nil
}

// WipeStructure drops every table and recreates the schema empty.
func (s *SQLiteStore) WipeStructure(ctx context.Context) error {
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("dropping %s: %w", table, err)
		}
	}

	if err := s.createSchema(); err != nil {
		return fmt.Errorf("recreating schema: %w", err)
	}

	s.logger.Info("dropped and recreated schema", "tables", len(tables))
	return nil
}
