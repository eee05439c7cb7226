package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mekiki/internal/model"
	"github.com/ashita-ai/mekiki/internal/telemetry"
)

// Stream file names under the data directory.
const (
	invocationsFile = "invocations.jsonl"
	workflowsFile   = "workflows.jsonl"
	issuesFile      = "issues.jsonl"
	variantsDir     = "variants"
)

// JSONL is a file-backed Store: one newline-delimited JSON file per
// stream, plus one JSON file per variant under variants/<agent>/.
//
// Appends hold a mutex so a single record is never interleaved with
// another writer in the same process; each append is one write call,
// so a record is never partially visible to a scanner. Scans tolerate
// a corrupt (torn or hand-edited) line by skipping it with a warning.
type JSONL struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex // guards file appends and variant rewrites

	appended metric.Int64Counter
	corrupt  metric.Int64Counter
}

// NewJSONL creates (or reopens) a JSONL store rooted at dir.
func NewJSONL(dir string, logger *slog.Logger) (*JSONL, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: data directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, variantsDir), 0o700); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}

	// Verify the directory is writable before accepting appends.
	probe := filepath.Join(dir, ".probe")
	f, err := os.Create(probe) //nolint:gosec // path is constructed from validated config
	if err != nil {
		return nil, fmt.Errorf("store: data directory not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(probe)

	s := &JSONL{dir: dir, logger: logger}

	meter := telemetry.Meter("mekiki/store")
	s.appended, _ = meter.Int64Counter("mekiki.store.records_appended",
		metric.WithDescription("Records appended across all streams"))
	s.corrupt, _ = meter.Int64Counter("mekiki.store.corrupt_lines_skipped",
		metric.WithDescription("Corrupt stream lines skipped during scans"))

	return s, nil
}

// Dir returns the store's root directory.
func (s *JSONL) Dir() string { return s.dir }

func (s *JSONL) appendLine(ctx context.Context, file string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path under validated data dir
	if err != nil {
		return fmt.Errorf("store: open %s: %w", file, err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("store: append to %s: %w", file, err)
	}
	if s.appended != nil {
		s.appended.Add(ctx, 1)
	}
	return nil
}

// scanLines reads a stream file and decodes each line into a fresh T.
// Missing files mean an empty stream. Undecodable lines are skipped
// with a warning so partial corruption never takes down a report.
func scanLines[T any](ctx context.Context, s *JSONL, file string) ([]T, error) {
	f, err := os.Open(filepath.Join(s.dir, file)) //nolint:gosec // path under validated data dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: open %s: %w", file, err)
	}
	defer f.Close() //nolint:errcheck

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("store: skipping corrupt record", "file", file, "line", lineNo, "error", err)
			if s.corrupt != nil {
				s.corrupt.Add(ctx, 1)
			}
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", file, err)
	}
	return out, nil
}

// AppendInvocationEvent appends one record to the invocation stream.
func (s *JSONL) AppendInvocationEvent(ctx context.Context, ev InvocationEvent) error {
	return s.appendLine(ctx, invocationsFile, ev)
}

// ScanInvocationEvents reads the invocation stream in append order.
func (s *JSONL) ScanInvocationEvents(ctx context.Context) ([]InvocationEvent, error) {
	return scanLines[InvocationEvent](ctx, s, invocationsFile)
}

// AppendWorkflowEvent appends one record to the workflow stream.
func (s *JSONL) AppendWorkflowEvent(ctx context.Context, ev WorkflowEvent) error {
	return s.appendLine(ctx, workflowsFile, ev)
}

// ScanWorkflowEvents reads the workflow stream in append order.
func (s *JSONL) ScanWorkflowEvents(ctx context.Context) ([]WorkflowEvent, error) {
	return scanLines[WorkflowEvent](ctx, s, workflowsFile)
}

// AppendIssue appends one record to the issue stream.
func (s *JSONL) AppendIssue(ctx context.Context, issue model.Issue) error {
	return s.appendLine(ctx, issuesFile, issue)
}

// ScanIssues reads the issue stream in append order.
func (s *JSONL) ScanIssues(ctx context.Context) ([]model.Issue, error) {
	return scanLines[model.Issue](ctx, s, issuesFile)
}

// variantPath maps a variant to its file. Names are hex-escaped where
// they contain path separators so an agent name can never escape the
// variants directory.
func (s *JSONL) variantPath(agentName, variantID string) string {
	return filepath.Join(s.dir, variantsDir, sanitize(agentName), sanitize(variantID)+".json")
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "%%%04x", r)
		}
	}
	return b.String()
}

// GetVariant reads a variant file, or returns ErrNotFound.
func (s *JSONL) GetVariant(_ context.Context, agentName, variantID string) (model.AgentVariant, error) {
	data, err := os.ReadFile(s.variantPath(agentName, variantID)) //nolint:gosec // path under validated data dir
	if err != nil {
		if os.IsNotExist(err) {
			return model.AgentVariant{}, ErrNotFound
		}
		return model.AgentVariant{}, fmt.Errorf("store: read variant: %w", err)
	}
	var v model.AgentVariant
	if err := json.Unmarshal(data, &v); err != nil {
		return model.AgentVariant{}, fmt.Errorf("store: decode variant %s/%s: %w", agentName, variantID, err)
	}
	return v, nil
}

// UpsertVariant rewrites the variant file in place (write to a temp
// file, then rename) so readers never observe a half-written variant.
// Last writer wins; callers serialize updates per variant.
func (s *JSONL) UpsertVariant(_ context.Context, v model.AgentVariant) error {
	if v.AgentName == "" || v.VariantID == "" {
		return fmt.Errorf("%w: variant requires agent_name and variant_id", ErrValidation)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal variant: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.variantPath(v.AgentName, v.VariantID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("store: create variant directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write variant: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: replace variant: %w", err)
	}
	return nil
}

// ListVariants reads all variant files for an agent, sorted by
// variant id. A missing agent directory means no variants.
func (s *JSONL) ListVariants(_ context.Context, agentName string) ([]model.AgentVariant, error) {
	dir := filepath.Join(s.dir, variantsDir, sanitize(agentName))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list variants: %w", err)
	}

	var out []model.AgentVariant
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name())) //nolint:gosec // path under validated data dir
		if err != nil {
			s.logger.Warn("store: skipping unreadable variant", "file", entry.Name(), "error", err)
			continue
		}
		var v model.AgentVariant
		if err := json.Unmarshal(data, &v); err != nil {
			s.logger.Warn("store: skipping corrupt variant", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out, nil
}
