// Package retention prunes old snapshot versions. A snapshot survives the
// sweep when it is within the KeepLast most recent versions of its source,
// or newer than MaxAgeDays. Everything else is deleted, records included.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/JonMunkholm/snaplake/internal/audit"
	"github.com/JonMunkholm/snaplake/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Policy decides which snapshot versions survive a sweep. Zero values
// disable the corresponding rule: KeepLast 0 keeps no minimum count,
// MaxAgeDays 0 applies no age cutoff.
type Policy struct {
	KeepLast   int
	MaxAgeDays int
}

// Candidate is one snapshot version considered by the sweep.
type Candidate struct {
	ID        uuid.UUID
	SourceID  string
	Version   int64
	Status    string
	CreatedAt time.Time
}

// Plan is the outcome of evaluating a policy, before anything is deleted.
type Plan struct {
	Keep   []Candidate
	Delete []Candidate
}

// Report summarizes an applied sweep.
type Report struct {
	Sources   int
	Examined  int
	Deleted   int
	Failed    int
	Elapsed   time.Duration
	PerSource map[string]int
}

// Sweeper applies retention policies across all sources.
type Sweeper struct {
	pool  *pgxpool.Pool
	store *store.Service
	audit *audit.Logger
}

func NewSweeper(st *store.Service, auditLog *audit.Logger) *Sweeper {
	return &Sweeper{
		pool:  st.Pool(),
		store: st,
		audit: auditLog,
	}
}

// PlanSweep evaluates the policy against every source without deleting
// anything. Use it as a dry run before Sweep.
func (s *Sweeper) PlanSweep(ctx context.Context, policy Policy) (Plan, error) {
	candidates, err := s.loadCandidates(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("plan sweep: %w", err)
	}
	return computePlan(candidates, policy, time.Now()), nil
}

// Sweep deletes every snapshot the policy no longer protects. Failures on
// individual snapshots are logged and counted but do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context, policy Policy) (Report, error) {
	start := time.Now()

	plan, err := s.PlanSweep(ctx, policy)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		Examined:  len(plan.Keep) + len(plan.Delete),
		PerSource: make(map[string]int),
	}
	sources := make(map[string]bool)
	for _, c := range plan.Keep {
		sources[c.SourceID] = true
	}

	for _, c := range plan.Delete {
		sources[c.SourceID] = true
		deleted, err := s.store.DeleteSnapshot(ctx, c.ID)
		if err != nil {
			report.Failed++
			slog.Warn("retention delete failed",
				"snapshot_id", c.ID, "source_id", c.SourceID, "version", c.Version, "error", err)
			continue
		}
		if deleted {
			report.Deleted++
			report.PerSource[c.SourceID]++
			s.audit.Log(ctx, audit.Entry{
				Action:     audit.ActionSnapshotDelete,
				EntityType: "snapshot",
				EntityID:   c.ID.String(),
				SourceID:   c.SourceID,
				Details:    map[string]any{"version": c.Version},
			})
		}
	}

	report.Sources = len(sources)
	report.Elapsed = time.Since(start)

	s.audit.Log(ctx, audit.Entry{
		Action:       audit.ActionRetentionSweep,
		EntityType:   "snapshot",
		RowsAffected: int64(report.Deleted),
		Details: map[string]any{
			"keep_last":    policy.KeepLast,
			"max_age_days": policy.MaxAgeDays,
			"examined":     report.Examined,
			"deleted":      report.Deleted,
			"failed":       report.Failed,
		},
	})

	slog.Info("retention sweep complete",
		"sources", report.Sources,
		"examined", report.Examined,
		"deleted", report.Deleted,
		"failed", report.Failed,
		"elapsed", report.Elapsed,
	)
	return report, nil
}

// Archive marks a source's old versions archived instead of deleting them,
// keeping the keepLast highest versions active. Archived versions stay
// readable by explicit reference but drop out of latest resolution.
func (s *Sweeper) Archive(ctx context.Context, sourceID string, keepLast int) (int64, error) {
	archived, err := s.store.ArchiveOldVersions(ctx, sourceID, keepLast)
	if err != nil {
		return 0, fmt.Errorf("archive: %w", err)
	}

	if archived > 0 {
		s.audit.Log(ctx, audit.Entry{
			Action:       audit.ActionSnapshotArchive,
			EntityType:   "snapshot",
			SourceID:     sourceID,
			RowsAffected: archived,
			Details:      map[string]any{"keep_last": keepLast},
		})
	}

	slog.Info("versions archived", "source_id", sourceID, "archived", archived, "keep_last", keepLast)
	return archived, nil
}

// loadCandidates reads every snapshot header, archived versions included.
func (s *Sweeper) loadCandidates(ctx context.Context) ([]Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, version, status, created_at
		FROM snapshots
		ORDER BY source_id, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.SourceID, &c.Version, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// computePlan splits candidates into keep and delete sets. Per source, the
// KeepLast highest versions survive, as does anything created within
// MaxAgeDays of now. The rules are OR'd so a burst of recent imports never
// deletes fresh data, and a dormant source keeps its last versions however
// old they are.
func computePlan(candidates []Candidate, policy Policy, now time.Time) Plan {
	bySource := make(map[string][]Candidate)
	var order []string
	for _, c := range candidates {
		if _, seen := bySource[c.SourceID]; !seen {
			order = append(order, c.SourceID)
		}
		bySource[c.SourceID] = append(bySource[c.SourceID], c)
	}

	var cutoff time.Time
	if policy.MaxAgeDays > 0 {
		cutoff = now.AddDate(0, 0, -policy.MaxAgeDays)
	}

	var plan Plan
	for _, sourceID := range order {
		group := bySource[sourceID]
		sort.Slice(group, func(i, j int) bool {
			return group[i].Version > group[j].Version
		})

		for i, c := range group {
			switch {
			case policy.KeepLast > 0 && i < policy.KeepLast:
				plan.Keep = append(plan.Keep, c)
			case policy.MaxAgeDays > 0 && c.CreatedAt.After(cutoff):
				plan.Keep = append(plan.Keep, c)
			case policy.KeepLast == 0 && policy.MaxAgeDays == 0:
				// An empty policy protects everything.
				plan.Keep = append(plan.Keep, c)
			default:
				plan.Delete = append(plan.Delete, c)
			}
		}
	}
	return plan
}
