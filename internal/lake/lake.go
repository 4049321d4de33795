// Package lake consolidates the latest snapshots of multiple sources into a
// single deduplicated, filterable, queryable dataset.
package lake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/snaplake/internal/audit"
	"github.com/JonMunkholm/snaplake/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the lake lifecycle state.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusBuilding Status = "building"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

// Row tags attached to every consolidated record.
const (
	FieldSourceID        = "_source_id"
	FieldSnapshotVersion = "_snapshot_version"
)

// Config describes what a lake consolidates.
type Config struct {
	// SourceIDs are the sources whose latest snapshots feed the lake. Required.
	SourceIDs []string `json:"sourceIds"`

	// Dedup enables first-seen-wins deduplication by DedupKey.
	Dedup bool `json:"dedup,omitempty"`

	// DedupKey identifies duplicate records. May be composite.
	DedupKey []string `json:"dedupKey,omitempty"`

	// Filters are applied after deduplication.
	Filters []Filter `json:"filters,omitempty"`
}

// Metadata captures discovery results from the last build.
type Metadata struct {
	PerSourceCounts map[string]int64 `json:"perSourceCounts,omitempty"`
	SchemaFields    []string         `json:"schemaFields,omitempty"`
}

// Lake is a consolidated dataset definition plus its build state.
type Lake struct {
	ID        uuid.UUID `json:"id"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Config    Config    `json:"config"`
	Status    Status    `json:"status"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Builder owns lake definitions and their consolidated storage.
type Builder struct {
	pool  *pgxpool.Pool
	store *store.Service
	audit *audit.Logger
}

// NewBuilder creates a lake builder sharing the snapshot store's database.
func NewBuilder(st *store.Service, auditLog *audit.Logger) *Builder {
	return &Builder{
		pool:  st.Pool(),
		store: st,
		audit: auditLog,
	}
}

// CreateLake registers a lake in draft state. No data is loaded until Build.
func (b *Builder) CreateLake(ctx context.Context, projectID, name string, cfg Config) (Lake, error) {
	if strings.TrimSpace(name) == "" {
		return Lake{}, fmt.Errorf("create lake: missing name: %w", store.ErrInvalidInput)
	}
	if len(cfg.SourceIDs) == 0 {
		return Lake{}, fmt.Errorf("create lake: missing source ids: %w", store.ErrInvalidInput)
	}
	if cfg.Dedup && len(cfg.DedupKey) == 0 {
		return Lake{}, fmt.Errorf("create lake: dedup enabled without a dedup key: %w", store.ErrInvalidInput)
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return Lake{}, fmt.Errorf("create lake: marshal config: %w", err)
	}

	lk := Lake{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      name,
		Config:    cfg,
		Status:    StatusDraft,
	}
	err = b.pool.QueryRow(ctx, `
		INSERT INTO lakes (id, project_id, name, config, status)
		VALUES ($1, $2, $3, $4, 'draft')
		RETURNING created_at, updated_at`,
		lk.ID, projectID, name, cfgJSON).Scan(&lk.CreatedAt, &lk.UpdatedAt)
	if err != nil {
		return Lake{}, fmt.Errorf("create lake: %w", err)
	}

	b.audit.Log(ctx, audit.Entry{
		Action:     audit.ActionLakeCreate,
		EntityType: "lake",
		EntityID:   lk.ID.String(),
		Details:    map[string]any{"name": name, "sources": cfg.SourceIDs},
	})
	return lk, nil
}

// GetLake returns a lake by ID. ErrNotFound when it does not exist.
func (b *Builder) GetLake(ctx context.Context, id uuid.UUID) (Lake, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT id, project_id, name, config, status, metadata, created_at, updated_at
		FROM lakes WHERE id = $1`, id)
	lk, err := scanLake(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lake{}, fmt.Errorf("lake %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return Lake{}, fmt.Errorf("get lake: %w", err)
	}
	return lk, nil
}

// ListLakes returns all lakes for a project, newest first.
func (b *Builder) ListLakes(ctx context.Context, projectID string) ([]Lake, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, project_id, name, config, status, metadata, created_at, updated_at
		FROM lakes WHERE project_id = $1
		ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list lakes: %w", err)
	}
	defer rows.Close()

	var lakes []Lake
	for rows.Next() {
		lk, err := scanLake(rows)
		if err != nil {
			return nil, fmt.Errorf("list lakes: %w", err)
		}
		lakes = append(lakes, lk)
	}
	return lakes, rows.Err()
}

// DeleteLake removes a lake and its consolidated rows.
// Idempotent: returns false without error when the lake does not exist.
func (b *Builder) DeleteLake(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM lakes WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete lake: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	b.audit.Log(ctx, audit.Entry{
		Action:     audit.ActionLakeDelete,
		EntityType: "lake",
		EntityID:   id.String(),
	})
	return true, nil
}

// scanLake reads one lake from a row.
func scanLake(row pgx.Row) (Lake, error) {
	var (
		lk       Lake
		status   string
		cfgJSON  []byte
		metaJSON []byte
	)
	err := row.Scan(&lk.ID, &lk.ProjectID, &lk.Name, &cfgJSON, &status,
		&metaJSON, &lk.CreatedAt, &lk.UpdatedAt)
	if err != nil {
		return Lake{}, err
	}
	lk.Status = Status(status)
	if err := json.Unmarshal(cfgJSON, &lk.Config); err != nil {
		return Lake{}, fmt.Errorf("decode config: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &lk.Metadata); err != nil {
			return Lake{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return lk, nil
}
