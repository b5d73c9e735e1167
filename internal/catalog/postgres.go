package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SpecStore abstracts DB queries for testability.
type SpecStore interface {
	LookupSpec(ctx context.Context, toolName string) (*specRow, error)
}

type specRow struct {
	ToolName       string
	Description    sql.NullString
	ArgumentSchema sql.NullString // JSONB as string
	UITool         bool
}

// sqlSpecStore is the real implementation using *sql.DB.
type sqlSpecStore struct {
	db *sql.DB
}

func (s *sqlSpecStore) LookupSpec(ctx context.Context, toolName string) (*specRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tool_name, description, argument_schema, ui_tool
		FROM tool_specs
		WHERE tool_name = $1
	`, toolName)

	var r specRow
	if err := row.Scan(&r.ToolName, &r.Description, &r.ArgumentSchema, &r.UITool); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresCatalog fetches tool specs from the tool_specs table, fronted
// by a TTL cache. Generated backends write this table at deploy time.
type PostgresCatalog struct {
	store  SpecStore
	cache  *SpecCache
	logger *zap.Logger
}

// PostgresCatalogConfig configures the PostgresCatalog.
type PostgresCatalogConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresCatalog creates a new PostgresCatalog.
func NewPostgresCatalog(cfg PostgresCatalogConfig) *PostgresCatalog {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &PostgresCatalog{
		store:  &sqlSpecStore{db: cfg.DB},
		cache:  NewSpecCache(ttl),
		logger: cfg.Logger,
	}
}

// newPostgresCatalogWithStore creates a catalog with a custom store (for testing).
func newPostgresCatalogWithStore(store SpecStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresCatalog {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	return &PostgresCatalog{
		store:  store,
		cache:  NewSpecCache(cacheTTL),
		logger: logger,
	}
}

func (c *PostgresCatalog) GetTool(ctx context.Context, toolName string) (*ToolSpec, error) {
	// Check cache
	cacheResult := c.cache.Get(toolName)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go c.refreshInBackground(toolName)
		}
		return cacheResult.Spec, nil
	}

	// Cache miss — fetch from DB
	spec, err := c.fetchFromDB(ctx, toolName)
	if err != nil {
		if err == sql.ErrNoRows {
			// Negative cache: tool not found
			c.cache.Set(toolName, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("GetTool: %w", err)
	}

	c.cache.Set(toolName, spec)
	return spec, nil
}

func (c *PostgresCatalog) fetchFromDB(ctx context.Context, toolName string) (*ToolSpec, error) {
	row, err := c.store.LookupSpec(ctx, toolName)
	if err != nil {
		return nil, err
	}
	return parseSpecRow(row)
}

func (c *PostgresCatalog) refreshInBackground(toolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	spec, err := c.fetchFromDB(ctx, toolName)
	if err != nil {
		c.logger.Warn("background catalog refresh failed",
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		return
	}
	c.cache.Set(toolName, spec)
}

func parseSpecRow(row *specRow) (*ToolSpec, error) {
	spec := &ToolSpec{
		Name:   row.ToolName,
		UITool: row.UITool,
	}

	if row.Description.Valid {
		spec.Description = row.Description.String
	}

	if row.ArgumentSchema.Valid && row.ArgumentSchema.String != "" {
		var schema map[string]any
		if err := json.Unmarshal([]byte(row.ArgumentSchema.String), &schema); err != nil {
			return nil, fmt.Errorf("parseSpecRow: argument_schema: %w", err)
		}
		spec.ArgumentSchema = schema
	}

	return spec, nil
}
