// Package quality detects false completions: cases where a specialist
// reported success but the same requester issued a near-duplicate task
// shortly afterward, indicating the completion was not satisfactory.
//
// The detector is a recall-oriented heuristic. Legitimate iterative
// refinement can be flagged as failure; that false-positive rate is a
// documented limitation, not corrected here.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mekiki/internal/model"
	"github.com/ashita-ai/mekiki/internal/store"
	"github.com/ashita-ai/mekiki/internal/telemetry"
)

// Detection defaults. Policy constants carried over from the source
// heuristics; override via Params.
const (
	DefaultWindow            = 24 * time.Hour
	DefaultMinKeywordOverlap = 2
	DefaultMinRepetitions    = 2
)

// stopwords are dropped from task descriptions before keyword
// matching. Short function words carry no signal about what the task
// actually was.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "in": true, "into": true, "is": true,
	"it": true, "its": true, "my": true, "no": true, "not": true,
	"of": true, "on": true, "or": true, "our": true, "please": true,
	"should": true, "so": true, "some": true, "than": true, "that": true,
	"the": true, "their": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "to": true, "up": true, "was": true,
	"we": true, "were": true, "when": true, "which": true, "will": true,
	"with": true, "would": true, "you": true, "your": true,
}

// Params tune a detection run. Zero values select the defaults.
type Params struct {
	Window            time.Duration
	MinKeywordOverlap int
	MinRepetitions    int
}

func (p Params) withDefaults() Params {
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	if p.MinKeywordOverlap <= 0 {
		p.MinKeywordOverlap = DefaultMinKeywordOverlap
	}
	if p.MinRepetitions <= 0 {
		p.MinRepetitions = DefaultMinRepetitions
	}
	return p
}

// Detector finds false completions in the invocation stream and
// appends one issue per flagged cluster to the issue stream.
type Detector struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	issuesDetected metric.Int64Counter
}

// New creates a detector backed by st.
func New(st store.Store, logger *slog.Logger) *Detector {
	return NewWithClock(st, logger, func() time.Time { return time.Now().UTC() })
}

// NewWithClock creates a detector with an injected clock for tests.
func NewWithClock(st store.Store, logger *slog.Logger, now func() time.Time) *Detector {
	d := &Detector{store: st, logger: logger, now: now}
	meter := telemetry.Meter("mekiki/quality")
	d.issuesDetected, _ = meter.Int64Counter("mekiki.quality.issues_detected",
		metric.WithDescription("False-completion issues detected and appended"))
	return d
}

// Detect runs the heuristic over all closed invocations, persists one
// issue per flagged cluster, and returns the issues. Clustering is
// order-independent: records are sorted by (opened_at, id) before
// chaining, so the same store contents always yield the same clusters.
func (d *Detector) Detect(ctx context.Context, p Params) ([]model.Issue, error) {
	p = p.withDefaults()

	evs, err := d.store.ScanInvocationEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("quality: scan invocations: %w", err)
	}

	byAgent := make(map[string][]model.Invocation)
	agents := []string{}
	for _, inv := range store.FoldInvocations(evs) {
		if !inv.Closed() {
			continue
		}
		if _, seen := byAgent[inv.AgentName]; !seen {
			agents = append(agents, inv.AgentName)
		}
		byAgent[inv.AgentName] = append(byAgent[inv.AgentName], inv)
	}
	sort.Strings(agents)

	var issues []model.Issue
	for _, agent := range agents {
		for _, cluster := range clusterRepetitions(byAgent[agent], p) {
			issue := buildIssue(d.now(), agent, cluster)
			if err := d.store.AppendIssue(ctx, issue); err != nil {
				return nil, fmt.Errorf("quality: append issue: %w", err)
			}
			if d.issuesDetected != nil {
				d.issuesDetected.Add(ctx, 1)
			}
			issues = append(issues, issue)
		}
	}
	if len(issues) > 0 {
		d.logger.Info("false completions detected", "issues", len(issues))
	}
	return issues, nil
}

// cluster is a set of invocations judged to be repetitions of the same
// underlying request, with the keywords that linked them.
type cluster struct {
	members  []model.Invocation
	keywords map[string]bool
}

// clusterRepetitions chains pairwise repetitions transitively: if A~B
// and B~C, all three form one cluster even when A and C alone do not
// overlap. Known precision/recall trade-off inherited from the source
// heuristic — do not tighten without re-validating against real data.
func clusterRepetitions(invs []model.Invocation, p Params) []cluster {
	sort.Slice(invs, func(i, j int) bool {
		if !invs[i].OpenedAt.Equal(invs[j].OpenedAt) {
			return invs[i].OpenedAt.Before(invs[j].OpenedAt)
		}
		return invs[i].ID.String() < invs[j].ID.String()
	})

	keywords := make([]map[string]bool, len(invs))
	for i, inv := range invs {
		keywords[i] = ExtractKeywords(inv.TaskDescription)
	}

	// Union-find over pairwise links.
	parent := make([]int, len(invs))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	linkKeywords := make(map[int]map[string]bool)
	for i := 0; i < len(invs); i++ {
		for j := i + 1; j < len(invs); j++ {
			gap := invs[j].OpenedAt.Sub(invs[i].OpenedAt)
			if gap > p.Window {
				break // sorted by time; later j are further away
			}
			shared := intersect(keywords[i], keywords[j])
			if len(shared) < p.MinKeywordOverlap {
				continue
			}
			union(i, j)
			for _, pair := range [2]int{i, j} {
				if linkKeywords[pair] == nil {
					linkKeywords[pair] = make(map[string]bool)
				}
				for _, k := range shared {
					linkKeywords[pair][k] = true
				}
			}
		}
	}

	groups := make(map[int][]int)
	for i := range invs {
		root := find(i)
		groups[root] = append(groups[root], i)
	}
	roots := make([]int, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	var out []cluster
	for _, root := range roots {
		idxs := groups[root]
		if len(idxs) < p.MinRepetitions {
			continue
		}
		// Every member before the last must have reported success:
		// the repetitions are only suspicious when earlier runs
		// claimed the task was done.
		flagged := true
		for _, idx := range idxs[:len(idxs)-1] {
			if *invs[idx].Outcome != model.OutcomeSuccess {
				flagged = false
				break
			}
		}
		if !flagged {
			continue
		}

		c := cluster{keywords: make(map[string]bool)}
		for _, idx := range idxs {
			c.members = append(c.members, invs[idx])
			for k := range linkKeywords[idx] {
				c.keywords[k] = true
			}
		}
		out = append(out, c)
	}
	return out
}

func buildIssue(now time.Time, agent string, c cluster) model.Issue {
	matched := make([]string, 0, len(c.keywords))
	for k := range c.keywords {
		matched = append(matched, k)
	}
	sort.Strings(matched)

	span := c.members[len(c.members)-1].OpenedAt.Sub(c.members[0].OpenedAt)

	evidence := model.IssueEvidence{
		RepetitionCount: len(c.members),
		MatchedKeywords: matched,
		TimeSpanHours:   span.Hours(),
	}
	for _, inv := range c.members {
		evidence.Invocations = append(evidence.Invocations, model.IssueInvocation{
			InvocationID:    inv.ID,
			OpenedAt:        inv.OpenedAt,
			Outcome:         *inv.Outcome,
			TaskDescription: inv.TaskDescription,
		})
	}

	return model.Issue{
		ID:        uuid.New(),
		Timestamp: now,
		AgentName: agent,
		Category:  model.CategoryQualityIssue,
		Reasoning: fmt.Sprintf(
			"%s reported success but received %d near-duplicate requests within %.1f hours (shared keywords: %s)",
			agent, len(c.members), span.Hours(), strings.Join(matched, ", ")),
		Evidence: evidence,
	}
}

// ExtractKeywords lowercases a task description, tokenizes on
// non-alphanumeric boundaries, and drops stopwords and single
// characters. Pure function of its input.
func ExtractKeywords(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	}) {
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}

func intersect(a, b map[string]bool) []string {
	if len(b) < len(a) {
		a, b = b, a
	}
	var out []string
	for k := range a {
		if b[k] {
			out = append(out, k)
		}
	}
	return out
}
