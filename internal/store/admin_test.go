// ABOUTME: Tests for administrative store operations
// ABOUTME: Covers structure inspection and data/schema wipes

package store

import (
	"context"
	"testing"
)

func TestStructure_ListsAllTables(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	root, _, _ := newTestLineage(t, store)
	newTestGroup(t, store, root)

	infos, err := store.Structure(ctx)
	if err != nil {
		t.Fatalf("Structure failed: %v", err)
	}

	if len(infos) != len(tables) {
		t.Fatalf("expected %d tables, got %d", len(tables), len(infos))
	}

	counts := make(map[string]int)
	for _, info := range infos {
		if info.SQL == "" {
			t.Errorf("table %s has empty schema SQL", info.Name)
		}
		counts[info.Name] = info.RowCount
	}

	if counts["applications"] != 1 {
		t.Errorf("expected 1 application, got %d", counts["applications"])
	}
	if counts["saves"] != 3 {
		t.Errorf("expected 3 saves, got %d", counts["saves"])
	}
	if counts["conversation_groups"] != 1 {
		t.Errorf("expected 1 conversation group, got %d", counts["conversation_groups"])
	}
}

func TestWipeData_ClearsRowsKeepsSchema(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	root, _, _ := newTestLineage(t, store)
	newTestGroup(t, store, root)

	if err := store.WipeData(ctx); err != nil {
		t.Fatalf("WipeData failed: %v", err)
	}

	infos, err := store.Structure(ctx)
	if err != nil {
		t.Fatalf("Structure failed: %v", err)
	}
	if len(infos) != len(tables) {
		t.Fatalf("expected %d tables after wipe, got %d", len(tables), len(infos))
	}
	for _, info := range infos {
		if info.RowCount != 0 {
			t.Errorf("table %s still has %d rows", info.Name, info.RowCount)
		}
	}

	// Schema survives, so new data can be written immediately
	if _, err := store.CreateApplication(ctx, "morrowind", "game", nil); err != nil {
		t.Fatalf("CreateApplication after wipe failed: %v", err)
	}
}

func TestWipeStructure_RecreatesEmptySchema(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	newTestLineage(t, store)

	if err := store.WipeStructure(ctx); err != nil {
		t.Fatalf("WipeStructure failed: %v", err)
	}

	infos, err := store.Structure(ctx)
	if err != nil {
		t.Fatalf("Structure failed: %v", err)
	}
	if len(infos) != len(tables) {
		t.Fatalf("expected %d tables after wipe, got %d", len(tables), len(infos))
	}
	for _, info := range infos {
		if info.RowCount != 0 {
			t.Errorf("table %s still has %d rows", info.Name, info.RowCount)
		}
	}

	if _, err := store.GetApplicationIDByName(ctx, "skyrim"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after structure wipe, got %v", err)
	}
}
