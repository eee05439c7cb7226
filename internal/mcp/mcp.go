// Package mcp implements the Model Context Protocol server for Mekiki.
//
// The MCP server exposes the full task lifecycle to orchestrating
// agents as tools: classify a task, pick a variant, open and close
// invocations and workflows, fold outcomes into variant metrics, and
// query the aggregate reports.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/mekiki/internal/classify"
	"github.com/ashita-ai/mekiki/internal/service/events"
	"github.com/ashita-ai/mekiki/internal/service/quality"
	"github.com/ashita-ai/mekiki/internal/service/stats"
	"github.com/ashita-ai/mekiki/internal/service/variants"
	"github.com/ashita-ai/mekiki/internal/service/workflows"
)

// Services bundles the engine components the MCP tools call into.
type Services struct {
	Classifier *classify.Classifier
	Events     *events.Service
	Stats      *stats.Aggregator
	Workflows  *workflows.Analyzer
	Detector   *quality.Detector
	Variants   *variants.Service
}

// Server wraps the MCP server with Mekiki's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       Services
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(svc Services, logger *slog.Logger, version string) *Server {
	s := &Server{svc: svc, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"mekiki",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio blocks serving the MCP protocol over stdin/stdout.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
