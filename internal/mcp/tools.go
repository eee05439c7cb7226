package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/mekiki/internal/model"
	"github.com/ashita-ai/mekiki/internal/service/events"
	"github.com/ashita-ai/mekiki/internal/service/quality"
	"github.com/ashita-ai/mekiki/internal/service/variants"
)

func (s *Server) registerTools() {
	// mekiki_classify — label a task before dispatching it.
	s.mcpServer.AddTool(
		mcplib.NewTool("mekiki_classify",
			mcplib.WithDescription(`Classify a task description into a task type.

WHEN TO USE: before dispatching a task to a specialist. The returned
task_type feeds mekiki_select_variant and should be recorded on the
invocation so statistics accumulate per task type.

The classifier is a transparent keyword/path scorer: the result
includes every label's score and the matches behind the winner, so the
decision is auditable. Tasks nothing matches come back as "general".`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("task_description",
				mcplib.Description("Free text describing the task"),
				mcplib.Required(),
			),
			mcplib.WithArray("file_paths",
				mcplib.Description("Optional file paths the task is expected to touch"),
			),
		),
		s.handleClassify,
	)

	// mekiki_select_variant — pick the best-performing variant.
	s.mcpServer.AddTool(
		mcplib.NewTool("mekiki_select_variant",
			mcplib.WithDescription(`Recommend which variant of an agent should handle a task type.

Picks the registered variant with the best historical reward for the
task type, among variants with enough samples. Returns variant_id null
when no variant has enough evidence yet — fall back to your default
variant in that case rather than guessing.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_name", mcplib.Description("Specialist agent name"), mcplib.Required()),
			mcplib.WithString("task_type", mcplib.Description("Classified task type"), mcplib.Required()),
			mcplib.WithNumber("min_sample_count",
				mcplib.Description("Minimum task-type-specific invocations before a variant is eligible"),
				mcplib.Min(1),
				mcplib.DefaultNumber(variants.DefaultMinSampleCount),
			),
		),
		s.handleSelectVariant,
	)

	// mekiki_open_invocation — record that a specialist started a task.
	s.mcpServer.AddTool(
		mcplib.NewTool("mekiki_open_invocation",
			mcplib.WithDescription(`Record the start of a specialist invocation.

Call BEFORE the specialist starts work; keep the returned
invocation_id and close it with mekiki_close_invocation when the task
ends. Unclosed invocations stay open forever and are excluded from all
statistics.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("agent_name", mcplib.Description("Specialist agent name"), mcplib.Required()),
			mcplib.WithString("task_description", mcplib.Description("What the specialist was asked to do"), mcplib.Required()),
			mcplib.WithString("variant_id", mcplib.Description("Variant used, omit for the default configuration")),
			mcplib.WithString("task_type", mcplib.Description("Classified task type from mekiki_classify")),
			mcplib.WithString("workflow_id", mcplib.Description("Workflow this invocation belongs to, omit for standalone tasks")),
			mcplib.WithString("parent_invocation_id", mcplib.Description("Invocation that logically preceded this one in the workflow chain")),
		),
		s.handleOpenInvocation,
	)

	// mekiki_close_invocation — record the outcome.
	s.mcpServer.AddTool(
		mcplib.NewTool("mekiki_close_invocation",
			mcplib.WithDescription(`Record the outcome of a previously opened invocation.

Appends the close record; the invocation becomes immutable afterward
(only a quality rating may be attached later). Closing an unknown id
or an already-closed id is an error.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("invocation_id", mcplib.Description("Id returned by mekiki_open_invocation"), mcplib.Required()),
			mcplib.WithNumber("duration_seconds", mcplib.Description("Wall-clock execution time"), mcplib.Required(), mcplib.Min(0)),
			mcplib.WithString("outcome_status",
				mcplib.Description("success, failure, or partial"),
				mcplib.Required(),
				mcplib.Enum("success", "failure", "partial"),
			),
			mcplib.WithNumber("quality_rating", mcplib.Description("Optional reviewer rating 1-5"), mcplib.Min(1), mcplib.Max(5)),
		),
		s.handleCloseInvocation,
	)

	// mekiki_rate_invocation — late reviewer rating.
	s.mcpServer.AddTool(
		mcplib.NewTool("mekiki_rate_invocation",
			mcplib.WithDescription(`Attach a reviewer quality rating (1-5) to a closed invocation.
The one permitted post-close addition.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("invocation_id", mcplib.Description("Closed invocation to rate"), mcplib.Required()),
			mcplib.WithNumber("rating", mcplib.Description("Rating 1-5"), mcplib.Required(), mcplib.Min(1), mcplib.Max(5)),
		),
		s.handleRateInvocation,
	)

	// mekiki_open_workflow / mekiki_complete_workflow — multi-step tasks.
	s.mcpServer.AddTool(
		mcplib.NewTool("mekiki_open_workflow",
			mcplib.WithDescription(`Record the start of a multi-step workflow.
Invocations that set workflow_id to this id are grouped into the
workflow's step sequence for coordination analysis.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("workflow_id", mcplib.Description("Caller-chosen workflow identifier"), mcplib.Required()),
			mcplib.WithString("project_name", mcplib.Description("Project the workflow belongs to")),
			mcplib.WithArray("agent_plan", mcplib.Description("Ordered specialist names intended to run")),
			mcplib.WithNumber("estimated_duration_seconds", mcplib.Description("Estimated total duration"), mcplib.Min(0)),
		),
		s.handleOpenWorkflow,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("mekiki_complete_workflow",
			mcplib.WithDescription(`Record a workflow's outcome: total wall-clock time, success, and
the agents that actually executed (which may differ from the plan).`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("workflow_id", mcplib.Description("Workflow to complete"), mcplib.Required()),
			mcplib.WithNumber("actual_duration_seconds", mcplib.Description("Total wall-clock duration"), mcplib.Required(), mcplib.Min(0)),
			mcplib.WithBoolean("success", mcplib.Description("Whether the workflow achieved its goal"), mcplib.Required()),
			mcplib.WithArray("agents_executed", mcplib.Description("Ordered specialist names that actually ran")),
		),
		s.handleCompleteWorkflow,
	)

	// mekiki_register_variant / mekiki_update_metrics — variant learning.
	s.mcpServer.AddTool(
		mcplib.NewTool("mekiki_register_variant",
			mcplib.WithDescription(`Register a new variant (alternate configuration) of an agent.
Variants start with zeroed metrics and accumulate evidence via
mekiki_update_metrics.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("agent_name", mcplib.Description("Agent the variant belongs to"), mcplib.Required()),
			mcplib.WithString("variant_id", mcplib.Description("Unique id for this variant within the agent"), mcplib.Required()),
			mcplib.WithString("description", mcplib.Description("What makes this configuration different")),
		),
		s.handleRegisterVariant,
	)
	s.mcpServer.AddTool(
		mcplib.NewTool("mekiki_update_metrics",
			mcplib.WithDescription(`Fold one closed invocation's outcome into a variant's metrics.

Call exactly once per closed invocation that used the variant — the
store does not deduplicate. Updates the agent-wide averages and, when
task_type is given, the task-type-specific block the selector reads.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("agent_name", mcplib.Description("Agent the variant belongs to"), mcplib.Required()),
			mcplib.WithString("variant_id", mcplib.Description("Variant that handled the invocation"), mcplib.Required()),
			mcplib.WithBoolean("success", mcplib.Description("Whether the invocation succeeded"), mcplib.Required()),
			mcplib.WithNumber("duration_seconds", mcplib.Description("Execution time"), mcplib.Required(), mcplib.Min(0)),
			mcplib.WithNumber("quality_score", mcplib.Description("Quality score for the run")),
			mcplib.WithNumber("reward", mcplib.Description("Blended reward used for selection ranking")),
			mcplib.WithString("task_type", mcplib.Description("Classified task type, enables task-type-specific learning")),
		),
		s.handleUpdateMetrics,
	)

	// mekiki_agent_stats — aggregates and trend.
	s.mcpServer.AddTool(
		mcplib.NewTool("mekiki_agent_stats",
			mcplib.WithDescription(`Aggregate statistics for one agent: invocation count, success
rate, average duration, average quality rating, and a
recent-vs-historical trend (improving / stable / declining).
Sparse data returns status "insufficient_data", never an error.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("agent_name", mcplib.Description("Agent to report on"), mcplib.Required()),
			mcplib.WithString("task_type", mcplib.Description("Optional: restrict to one task type")),
			mcplib.WithNumber("window_days", mcplib.Description("Optional trailing window in days; 0 means all time"), mcplib.Min(0)),
			mcplib.WithNumber("recent_window_days", mcplib.Description("Trend: recent window"), mcplib.DefaultNumber(7)),
			mcplib.WithNumber("historical_window_days", mcplib.Description("Trend: historical window"), mcplib.DefaultNumber(30)),
		),
		s.handleAgentStats,
	)

	// mekiki_workflow_report — coordination analysis.
	s.mcpServer.AddTool(
		mcplib.NewTool("mekiki_workflow_report",
			mcplib.WithDescription(`Workflow coordination report: totals, success rate, average
agents per workflow, frequent step sequences, and mean coordination
overhead (wall-clock time not accounted for by the steps themselves).
Carries a recommendation string when overhead is high.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithNumber("window_days", mcplib.Description("Optional trailing window in days; 0 means all time"), mcplib.Min(0)),
		),
		s.handleWorkflowReport,
	)

	// mekiki_detect_false_completions — quality regression scan.
	s.mcpServer.AddTool(
		mcplib.NewTool("mekiki_detect_false_completions",
			mcplib.WithDescription(`Scan for false completions: an agent that reported success but
kept receiving near-duplicate requests shortly after. Appends one
issue per detected cluster and returns them with full evidence.
Recall-oriented heuristic — expect some false positives from
legitimate iterative work.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithNumber("window_hours", mcplib.Description("How close together repetitions must be"), mcplib.DefaultNumber(24), mcplib.Min(1)),
			mcplib.WithNumber("min_keyword_overlap", mcplib.Description("Shared keywords for two tasks to count as repetitions"), mcplib.DefaultNumber(quality.DefaultMinKeywordOverlap), mcplib.Min(1)),
			mcplib.WithNumber("min_repetitions", mcplib.Description("Cluster size that flags a false completion"), mcplib.DefaultNumber(quality.DefaultMinRepetitions), mcplib.Min(2)),
		),
		s.handleDetect,
	)
}

func (s *Server) handleClassify(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	desc := request.GetString("task_description", "")
	if desc == "" {
		return errorResult("task_description is required"), nil
	}
	paths := request.GetStringSlice("file_paths", nil)
	return jsonResult(s.svc.Classifier.Classify(desc, paths)), nil
}

func (s *Server) handleSelectVariant(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent := request.GetString("agent_name", "")
	taskType := request.GetString("task_type", "")
	if agent == "" || taskType == "" {
		return errorResult("agent_name and task_type are required"), nil
	}
	minSamples := request.GetInt("min_sample_count", variants.DefaultMinSampleCount)

	id, err := s.svc.Variants.Select(ctx, agent, taskType, minSamples)
	if err != nil {
		return errorResult(fmt.Sprintf("selection failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"agent_name": agent,
		"task_type":  taskType,
		"variant_id": id, // null means fall back to the default variant
	}), nil
}

func (s *Server) handleOpenInvocation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p := events.OpenInvocationParams{
		AgentName:       request.GetString("agent_name", ""),
		TaskDescription: request.GetString("task_description", ""),
	}
	if v := request.GetString("variant_id", ""); v != "" {
		p.VariantID = &v
	}
	if v := request.GetString("task_type", ""); v != "" {
		p.TaskType = &v
	}
	if v := request.GetString("workflow_id", ""); v != "" {
		p.WorkflowID = &v
	}
	if v := request.GetString("parent_invocation_id", ""); v != "" {
		parent, err := uuid.Parse(v)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid parent_invocation_id: %v", err)), nil
		}
		p.ParentInvocationID = &parent
	}

	id, err := s.svc.Events.OpenInvocation(ctx, p)
	if err != nil {
		return errorResult(fmt.Sprintf("open failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"invocation_id": id}), nil
}

func (s *Server) handleCloseInvocation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("invocation_id", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("invalid invocation_id: %v", err)), nil
	}
	// Presence check on the raw arguments: a literal 0 must reach the
	// range validation, not read as "absent".
	var rating *int
	if raw, ok := request.GetArguments()["quality_rating"]; ok && raw != nil {
		r := request.GetInt("quality_rating", 0)
		rating = &r
	}
	err = s.svc.Events.CloseInvocation(ctx, id,
		request.GetFloat("duration_seconds", 0),
		model.OutcomeStatus(request.GetString("outcome_status", "")),
		rating,
	)
	if err != nil {
		return errorResult(fmt.Sprintf("close failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"invocation_id": id, "closed": true}), nil
}

func (s *Server) handleRateInvocation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("invocation_id", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("invalid invocation_id: %v", err)), nil
	}
	if err := s.svc.Events.RateInvocation(ctx, id, request.GetInt("rating", 0)); err != nil {
		return errorResult(fmt.Sprintf("rate failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"invocation_id": id, "rated": true}), nil
}

func (s *Server) handleOpenWorkflow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workflowID := request.GetString("workflow_id", "")
	err := s.svc.Events.OpenWorkflow(ctx, workflowID,
		request.GetString("project_name", ""),
		request.GetStringSlice("agent_plan", nil),
		request.GetFloat("estimated_duration_seconds", 0),
	)
	if err != nil {
		return errorResult(fmt.Sprintf("open workflow failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"workflow_id": workflowID, "opened": true}), nil
}

func (s *Server) handleCompleteWorkflow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workflowID := request.GetString("workflow_id", "")
	err := s.svc.Events.CompleteWorkflow(ctx, workflowID,
		request.GetFloat("actual_duration_seconds", 0),
		request.GetBool("success", false),
		request.GetStringSlice("agents_executed", nil),
	)
	if err != nil {
		return errorResult(fmt.Sprintf("complete workflow failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"workflow_id": workflowID, "completed": true}), nil
}

func (s *Server) handleRegisterVariant(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	v, err := s.svc.Variants.Register(ctx,
		request.GetString("agent_name", ""),
		request.GetString("variant_id", ""),
		request.GetString("description", ""),
	)
	if err != nil {
		return errorResult(fmt.Sprintf("register failed: %v", err)), nil
	}
	return jsonResult(v), nil
}

func (s *Server) handleUpdateMetrics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	obs := variants.Observation{
		Success:         request.GetBool("success", false),
		DurationSeconds: request.GetFloat("duration_seconds", 0),
		QualityScore:    request.GetFloat("quality_score", 0),
		Reward:          request.GetFloat("reward", 0),
	}
	if v := request.GetString("task_type", ""); v != "" {
		obs.TaskType = &v
	}
	err := s.svc.Variants.UpdateMetrics(ctx,
		request.GetString("agent_name", ""),
		request.GetString("variant_id", ""),
		obs,
	)
	if err != nil {
		return errorResult(fmt.Sprintf("update failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"updated": true}), nil
}

func (s *Server) handleAgentStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent := request.GetString("agent_name", "")
	if agent == "" {
		return errorResult("agent_name is required"), nil
	}
	window := time.Duration(request.GetFloat("window_days", 0) * 24 * float64(time.Hour))

	var agentStats any
	var err error
	if taskType := request.GetString("task_type", ""); taskType != "" {
		agentStats, err = s.svc.Stats.AgentTaskTypeStats(ctx, agent, taskType, window)
	} else {
		agentStats, err = s.svc.Stats.AgentStats(ctx, agent, window)
	}
	if err != nil {
		return errorResult(fmt.Sprintf("stats failed: %v", err)), nil
	}

	trend, err := s.svc.Stats.ComputeTrend(ctx, agent,
		request.GetInt("recent_window_days", 7),
		request.GetInt("historical_window_days", 30),
	)
	if err != nil {
		return errorResult(fmt.Sprintf("trend failed: %v", err)), nil
	}

	return jsonResult(map[string]any{"agent_name": agent, "stats": agentStats, "trend": trend}), nil
}

func (s *Server) handleWorkflowReport(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	window := time.Duration(request.GetFloat("window_days", 0) * 24 * float64(time.Hour))
	report, err := s.svc.Workflows.Analyze(ctx, window)
	if err != nil {
		return errorResult(fmt.Sprintf("report failed: %v", err)), nil
	}
	return jsonResult(report), nil
}

func (s *Server) handleDetect(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p := quality.Params{
		Window:            time.Duration(request.GetFloat("window_hours", 24) * float64(time.Hour)),
		MinKeywordOverlap: request.GetInt("min_keyword_overlap", quality.DefaultMinKeywordOverlap),
		MinRepetitions:    request.GetInt("min_repetitions", quality.DefaultMinRepetitions),
	}
	issues, err := s.svc.Detector.Detect(ctx, p)
	if err != nil {
		return errorResult(fmt.Sprintf("detection failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"issues": issues, "count": len(issues)}), nil
}
