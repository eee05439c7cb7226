// Package classify maps free-text task descriptions (optionally plus
// touched file paths) to a fixed vocabulary of task-type labels.
//
// The scorer is intentionally a transparent weighted keyword/path
// match, not a trained model: every decision is explainable by
// inspecting which keywords and path patterns matched.
package classify

import (
	"fmt"
	"regexp"
	"strings"
)

// TaskTypeGeneral is the catch-all label when nothing scores above
// the minimum threshold.
const TaskTypeGeneral = "general"

// Scoring weights: keyword matches in the description carry 40% of a
// label's maximum score, file-path matches 40%, technology mentions 20%.
const (
	keywordWeight = 0.40
	pathWeight    = 0.40
	techWeight    = 0.20

	// keywordSaturation is how many keyword hits earn full keyword
	// credit; one hit earns half.
	keywordSaturation = 2

	// minScore is the floor below which the classification falls back
	// to general.
	minScore = 0.15
)

// Rules describe what makes a task look like one label.
type Rules struct {
	// Keywords are matched as lowercase substrings of the description.
	Keywords []string
	// PathPatterns are matched against each supplied file path.
	PathPatterns []*regexp.Regexp
	// Technologies are framework/tool mentions, matched like keywords
	// but weighted lower.
	Technologies []string
}

type label struct {
	name  string
	rules Rules
}

// Classification is the scored result for one task.
type Classification struct {
	TaskType   string             `json:"task_type"`
	Confidence float64            `json:"confidence"`
	AllScores  map[string]float64 `json:"all_scores"`
	// Matched lists the keywords and patterns behind the winning
	// label, for audit.
	Matched []string `json:"matched,omitempty"`
}

// Classifier scores descriptions against a fixed, ordered label set.
// The zero value is not usable; construct with New.
type Classifier struct {
	labels []label
}

// New returns a classifier loaded with the standard label set, in
// declaration order (declaration order breaks score ties).
func New() *Classifier {
	c := &Classifier{}
	for _, l := range standardLabels() {
		c.labels = append(c.labels, l)
	}
	return c
}

// Register adds a label after the standard set. Labels are explicit:
// re-registering an existing name is an error, and registration order
// fixes tie-breaking for the new label.
func (c *Classifier) Register(name string, rules Rules) error {
	if name == "" || name == TaskTypeGeneral {
		return fmt.Errorf("classify: invalid label name %q", name)
	}
	for _, l := range c.labels {
		if l.name == name {
			return fmt.Errorf("classify: label %q already registered", name)
		}
	}
	c.labels = append(c.labels, label{name: name, rules: rules})
	return nil
}

// Labels returns the registered label names in declaration order.
func (c *Classifier) Labels() []string {
	out := make([]string, len(c.labels))
	for i, l := range c.labels {
		out[i] = l.name
	}
	return out
}

// Classify scores every label and returns the winner. Pure function
// of its inputs: repeated calls give identical results.
func (c *Classifier) Classify(taskDescription string, filePaths []string) Classification {
	desc := strings.ToLower(taskDescription)

	result := Classification{
		TaskType:  TaskTypeGeneral,
		AllScores: make(map[string]float64, len(c.labels)),
	}

	var sum float64
	var bestScore float64
	var bestMatched []string
	for _, l := range c.labels {
		score, matched := scoreLabel(desc, filePaths, l.rules)
		if score <= 0 {
			continue
		}
		result.AllScores[l.name] = score
		sum += score
		// Strict inequality: on ties, the first-declared label wins.
		if score > bestScore {
			bestScore = score
			result.TaskType = l.name
			bestMatched = matched
		}
	}

	if bestScore < minScore {
		result.TaskType = TaskTypeGeneral
		return result
	}
	result.Confidence = bestScore / sum
	result.Matched = bestMatched
	return result
}

func scoreLabel(desc string, paths []string, r Rules) (float64, []string) {
	var matched []string

	kwHits := 0
	for _, kw := range r.Keywords {
		if strings.Contains(desc, kw) {
			kwHits++
			matched = append(matched, "keyword:"+kw)
		}
	}
	pathHit := false
	for _, pat := range r.PathPatterns {
		for _, p := range paths {
			if pat.MatchString(strings.ToLower(p)) {
				pathHit = true
				matched = append(matched, "path:"+pat.String())
				break
			}
		}
		if pathHit {
			break
		}
	}
	techHit := false
	for _, tech := range r.Technologies {
		if strings.Contains(desc, tech) {
			techHit = true
			matched = append(matched, "tech:"+tech)
			break
		}
	}

	kwFrac := float64(kwHits) / keywordSaturation
	if kwFrac > 1 {
		kwFrac = 1
	}
	score := keywordWeight * kwFrac
	if pathHit {
		score += pathWeight
	}
	if techHit {
		score += techWeight
	}
	return score, matched
}

func standardLabels() []label {
	return []label{
		{name: "api-design", rules: Rules{
			Keywords:     []string{"api", "endpoint", "rest", "route", "graphql", "webhook", "handler"},
			PathPatterns: compile(`(^|/)(api|routes?|controllers?|handlers?)(/|\.)`, `\.proto$`, `openapi|swagger`),
			Technologies: []string{"grpc", "express", "fastapi", "gin", "flask"},
		}},
		{name: "database-schema", rules: Rules{
			Keywords:     []string{"database", "schema", "migration", "table", "column", "index", "query"},
			PathPatterns: compile(`(^|/)migrations?(/|$)`, `\.sql$`, `(^|/)models?(/|\.)`),
			Technologies: []string{"postgres", "mysql", "sqlite", "mongodb", "redis"},
		}},
		{name: "security-audit", rules: Rules{
			Keywords:     []string{"security", "vulnerability", "audit", "authentication", "authorization", "injection", "sanitize", "exploit"},
			PathPatterns: compile(`(^|/)(auth|security)(/|\.)`),
			Technologies: []string{"jwt", "oauth", "tls", "bcrypt", "cors"},
		}},
		{name: "performance-opt", rules: Rules{
			Keywords:     []string{"performance", "optimize", "slow", "latency", "throughput", "profil", "bottleneck", "cache"},
			PathPatterns: compile(`(^|/)(bench|perf)`, `_bench(mark)?\.`),
			Technologies: []string{"pprof", "flamegraph", "benchmark"},
		}},
		{name: "bug-fix", rules: Rules{
			Keywords:     []string{"fix", "bug", "crash", "broken", "regression", "error", "fault", "defect"},
			PathPatterns: compile(`(^|/)hotfix`),
		}},
		{name: "refactoring", rules: Rules{
			Keywords: []string{"refactor", "restructure", "cleanup", "clean up", "rename", "simplify", "extract", "decouple"},
		}},
		{name: "testing", rules: Rules{
			Keywords:     []string{"test", "coverage", "unit", "integration", "e2e", "flaky", "assertion"},
			PathPatterns: compile(`_test\.go$`, `(^|/)tests?(/|$)`, `\.(spec|test)\.[jt]sx?$`),
			Technologies: []string{"jest", "pytest", "testify", "cypress", "playwright"},
		}},
		{name: "deployment", rules: Rules{
			Keywords:     []string{"deploy", "release", "rollout", "pipeline", "provision", "infrastructure"},
			PathPatterns: compile(`(^|/)dockerfile$`, `(^|/)(deploy|k8s|helm|\.github/workflows)(/|$)`, `docker-compose`),
			Technologies: []string{"docker", "kubernetes", "terraform", "ansible", "helm"},
		}},
		{name: "documentation", rules: Rules{
			Keywords:     []string{"document", "readme", "docs", "guide", "tutorial", "changelog", "comment"},
			PathPatterns: compile(`\.(md|rst|adoc)$`, `(^|/)docs?(/|$)`),
		}},
		{name: "ui-implementation", rules: Rules{
			Keywords:     []string{"ui", "frontend", "component", "page", "layout", "style", "button", "form", "render"},
			PathPatterns: compile(`\.(tsx|jsx|vue|svelte|css|scss)$`, `(^|/)(components?|pages?|views?)(/|$)`),
			Technologies: []string{"react", "vue", "angular", "svelte", "tailwind"},
		}},
	}
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}
