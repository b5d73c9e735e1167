package catalog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"go.uber.org/zap"
)

// countingSpecStore is a test helper tracking DB lookups.
type countingSpecStore struct {
	row       *specRow
	err       error
	callCount *int
}

func (m *countingSpecStore) LookupSpec(_ context.Context, _ string) (*specRow, error) {
	if m.callCount != nil {
		*m.callCount++
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.row, nil
}

func TestPostgresCatalog_CacheHit(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	callCount := 0
	store := &countingSpecStore{
		row: &specRow{
			ToolName:       "createCustomer",
			Description:    sql.NullString{String: "creates a customer", Valid: true},
			ArgumentSchema: sql.NullString{String: `{"type":"object"}`, Valid: true},
		},
		callCount: &callCount,
	}
	cat := newPostgresCatalogWithStore(store, 30*time.Second, logger)

	// First call — cache miss
	spec, err := cat.GetTool(context.Background(), "createCustomer")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Name != "createCustomer" {
		t.Fatalf("expected createCustomer, got %s", spec.Name)
	}
	if spec.Description != "creates a customer" {
		t.Fatalf("unexpected description %q", spec.Description)
	}
	if spec.ArgumentSchema == nil || spec.ArgumentSchema["type"] != "object" {
		t.Fatalf("expected parsed schema, got %v", spec.ArgumentSchema)
	}
	if callCount != 1 {
		t.Fatalf("expected 1 DB call, got %d", callCount)
	}

	// Second call — cache hit
	if _, err := cat.GetTool(context.Background(), "createCustomer"); err != nil {
		t.Fatal(err)
	}
	if callCount != 1 {
		t.Fatalf("expected cache hit, got %d DB calls", callCount)
	}
}

func TestPostgresCatalog_UnknownToolNegativeCached(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	callCount := 0
	store := &countingSpecStore{err: sql.ErrNoRows, callCount: &callCount}
	cat := newPostgresCatalogWithStore(store, 30*time.Second, logger)

	spec, err := cat.GetTool(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if spec != nil {
		t.Fatal("expected nil spec for unknown tool")
	}

	// Negative cache absorbs the second lookup.
	if _, err := cat.GetTool(context.Background(), "ghost"); err != nil {
		t.Fatal(err)
	}
	if callCount != 1 {
		t.Fatalf("expected 1 DB call, got %d", callCount)
	}
}

func TestPostgresCatalog_StoreErrorPropagates(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := &countingSpecStore{err: sql.ErrConnDone}
	cat := newPostgresCatalogWithStore(store, 30*time.Second, logger)

	if _, err := cat.GetTool(context.Background(), "anything"); err == nil {
		t.Fatal("expected store error to propagate")
	}
}

func TestParseSpecRow_BadSchema(t *testing.T) {
	_, err := parseSpecRow(&specRow{
		ToolName:       "broken",
		ArgumentSchema: sql.NullString{String: `{not json`, Valid: true},
	})
	if err == nil {
		t.Fatal("expected error for malformed schema")
	}
}
