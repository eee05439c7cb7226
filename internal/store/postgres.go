package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/mekiki/internal/model"
)

// Postgres is a pgx-backed Store. Each stream maps to a table with a
// serial sequence column so scans replay records in append order, and
// the full record is kept as jsonb so the wire shape matches the JSONL
// store byte for byte.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects a pool and pings it.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping pool: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

// Close shuts down the connection pool.
func (s *Postgres) Close() { s.pool.Close() }

// RunMigrations executes unapplied SQL migration files from the
// provided filesystem in order, tracking applied files in a
// schema_migrations table so each runs at most once. Forward-only,
// intended for development and testing.
func (s *Postgres) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("store: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan applied migration: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: read applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("store: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}
		s.logger.Info("running migration", "file", name)
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("store: execute migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("store: record migration %s: %w", name, err)
		}
	}
	return nil
}

// AppendInvocationEvent inserts one record into the invocation stream.
func (s *Postgres) AppendInvocationEvent(ctx context.Context, ev InvocationEvent) error {
	record, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal invocation event: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO invocation_events (invocation_id, kind, recorded_at, record)
		 VALUES ($1, $2, $3, $4)`,
		ev.InvocationID, string(ev.Kind), ev.RecordedAt, record,
	); err != nil {
		return fmt.Errorf("store: append invocation event: %w", err)
	}
	return nil
}

// ScanInvocationEvents reads the invocation stream in append order.
func (s *Postgres) ScanInvocationEvents(ctx context.Context) ([]InvocationEvent, error) {
	return scanRecords[InvocationEvent](ctx, s, `SELECT record FROM invocation_events ORDER BY seq ASC`, "invocation_events")
}

// AppendWorkflowEvent inserts one record into the workflow stream.
func (s *Postgres) AppendWorkflowEvent(ctx context.Context, ev WorkflowEvent) error {
	record, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal workflow event: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_events (workflow_id, kind, recorded_at, record)
		 VALUES ($1, $2, $3, $4)`,
		ev.WorkflowID, string(ev.Kind), ev.RecordedAt, record,
	); err != nil {
		return fmt.Errorf("store: append workflow event: %w", err)
	}
	return nil
}

// ScanWorkflowEvents reads the workflow stream in append order.
func (s *Postgres) ScanWorkflowEvents(ctx context.Context) ([]WorkflowEvent, error) {
	return scanRecords[WorkflowEvent](ctx, s, `SELECT record FROM workflow_events ORDER BY seq ASC`, "workflow_events")
}

// AppendIssue inserts one record into the issue stream.
func (s *Postgres) AppendIssue(ctx context.Context, issue model.Issue) error {
	record, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("store: marshal issue: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO issues (id, agent_name, recorded_at, record)
		 VALUES ($1, $2, $3, $4)`,
		issue.ID, issue.AgentName, issue.Timestamp, record,
	); err != nil {
		return fmt.Errorf("store: append issue: %w", err)
	}
	return nil
}

// ScanIssues reads the issue stream in append order.
func (s *Postgres) ScanIssues(ctx context.Context) ([]model.Issue, error) {
	return scanRecords[model.Issue](ctx, s, `SELECT record FROM issues ORDER BY seq ASC`, "issues")
}

// scanRecords replays a stream table, skipping undecodable rows with a
// warning — same degradation contract as the JSONL store.
func scanRecords[T any](ctx context.Context, s *Postgres, query, table string) ([]T, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan %s row: %w", table, err)
		}
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("store: skipping corrupt record", "table", table, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetVariant reads a variant row, or returns ErrNotFound.
func (s *Postgres) GetVariant(ctx context.Context, agentName, variantID string) (model.AgentVariant, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM variants WHERE agent_name = $1 AND variant_id = $2`,
		agentName, variantID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentVariant{}, ErrNotFound
		}
		return model.AgentVariant{}, fmt.Errorf("store: get variant: %w", err)
	}
	var v model.AgentVariant
	if err := json.Unmarshal(raw, &v); err != nil {
		return model.AgentVariant{}, fmt.Errorf("store: decode variant %s/%s: %w", agentName, variantID, err)
	}
	return v, nil
}

// UpsertVariant writes the current variant state, last writer wins.
func (s *Postgres) UpsertVariant(ctx context.Context, v model.AgentVariant) error {
	if v.AgentName == "" || v.VariantID == "" {
		return fmt.Errorf("%w: variant requires agent_name and variant_id", ErrValidation)
	}
	record, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal variant: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO variants (agent_name, variant_id, record, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (agent_name, variant_id) DO UPDATE SET record = EXCLUDED.record, updated_at = now()`,
		v.AgentName, v.VariantID, record,
	); err != nil {
		return fmt.Errorf("store: upsert variant: %w", err)
	}
	return nil
}

// ListVariants returns all variants for an agent, sorted by variant id.
func (s *Postgres) ListVariants(ctx context.Context, agentName string) ([]model.AgentVariant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM variants WHERE agent_name = $1 ORDER BY variant_id ASC`, agentName)
	if err != nil {
		return nil, fmt.Errorf("store: list variants: %w", err)
	}
	defer rows.Close()

	var out []model.AgentVariant
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan variant row: %w", err)
		}
		var v model.AgentVariant
		if err := json.Unmarshal(raw, &v); err != nil {
			s.logger.Warn("store: skipping corrupt variant", "agent", agentName, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
