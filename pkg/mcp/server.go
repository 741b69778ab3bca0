package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rmax-ai/graphlord/pkg/client"
)

// Server adapts graphlord-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL string, opts ...client.Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"graphlord",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL, opts...),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	// graphlord://graph
	s.mcpServer.AddResource(mcp.NewResource(
		"graphlord://graph",
		"Graph Statistics",
		mcp.WithResourceDescription("Node, relationship, label and type counts of the analyzed graph"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadGraph)

	// graphlord://rules
	s.mcpServer.AddResource(mcp.NewResource(
		"graphlord://rules",
		"Loaded Rules",
		mcp.WithResourceDescription("Concepts and constraints with their queries and requirements"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadRules)

	// graphlord://runs
	s.mcpServer.AddResource(mcp.NewResource(
		"graphlord://runs",
		"Recent Analysis Runs",
		mcp.WithResourceDescription("The most recent analysis runs and whether they passed"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadRuns)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"query",
		mcp.WithDescription("Run a Cypher statement against the analyzed graph and return its rows."),
		mcp.WithString("query", mcp.Required(), mcp.Description("The statement, e.g. 'MATCH (t:Type) RETURN t.fqn'")),
		mcp.WithObject("params", mcp.Description("Values for $parameters in the statement")),
	), s.handleQuery)

	s.mcpServer.AddTool(mcp.NewTool(
		"apply_concept",
		mcp.WithDescription("Apply a concept and the concepts it requires, enriching the graph."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Qualified rule id, e.g. 'osgi-bundle:Bundle'")),
	), s.handleApplyConcept)

	s.mcpServer.AddTool(mcp.NewTool(
		"validate_constraint",
		mcp.WithDescription("Validate a constraint. Every returned row is a violation."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Qualified rule id, e.g. 'osgi-bundle:UnusedInternalType'")),
	), s.handleValidateConstraint)

	s.mcpServer.AddTool(mcp.NewTool(
		"analyze",
		mcp.WithDescription("Evaluate rules and report which ones fail at or above the severity threshold."),
		mcp.WithString("rules", mcp.Description("Comma separated rule ids; empty evaluates every rule")),
	), s.handleAnalyze)

	s.mcpServer.AddTool(mcp.NewTool(
		"list_rules",
		mcp.WithDescription("List the loaded rules."),
		mcp.WithString("kind", mcp.Description("Only 'concept' or 'constraint' rules")),
	), s.handleListRules)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"graphlord-aware",
		mcp.WithPromptDescription("Provides context about graphlord concepts (Concepts, Constraints, Severity)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadGraph(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	st, err := s.apiClient.GraphStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch graph stats: %w", err)
	}
	return jsonResource(request.Params.URI, st)
}

func (s *Server) handleReadRules(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	list, err := s.apiClient.Rules(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rules: %w", err)
	}
	return jsonResource(request.Params.URI, list)
}

func (s *Server) handleReadRuns(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	runs, err := s.apiClient.Runs(ctx, 20)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch runs: %w", err)
	}
	return jsonResource(request.Params.URI, runs)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := mcp.ParseString(request, "query", "")
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	params, _ := request.GetArguments()["params"].(map[string]any)

	res, err := s.apiClient.Query(ctx, query, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTable(res)), nil
}

func (s *Server) handleApplyConcept(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.apiClient.ApplyConcept(ctx, mcp.ParseString(request, "id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRuleResult(res)), nil
}

func (s *Server) handleValidateConstraint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.apiClient.ValidateConstraint(ctx, mcp.ParseString(request, "id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRuleResult(res)), nil
}

func (s *Server) handleAnalyze(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var ids []string
	for _, id := range strings.Split(mcp.ParseString(request, "rules", ""), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	rep, err := s.apiClient.Analyze(ctx, ids...)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	var b strings.Builder
	verdict := "PASSED"
	if !rep.Passed {
		verdict = "FAILED"
	}
	fmt.Fprintf(&b, "Analysis %s (threshold %s, run %s)\n", verdict, rep.Threshold, rep.RunID)
	for _, r := range rep.Results {
		fmt.Fprintf(&b, "- %s [%s/%s]: %s, %d rows\n", r.Rule, r.Kind, r.Severity, r.Status, len(r.Rows))
	}
	if len(rep.Failures) > 0 {
		fmt.Fprintf(&b, "Failures: %s\n", strings.Join(rep.Failures, ", "))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleListRules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.apiClient.Rules(ctx, mcp.ParseString(request, "kind", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	var b strings.Builder
	for _, r := range list {
		fmt.Fprintf(&b, "%s (%s, %s)", r.ID, r.Kind, r.Severity)
		if len(r.Requires) > 0 {
			fmt.Fprintf(&b, " requires %s", strings.Join(r.Requires, ", "))
		}
		if r.Description != "" {
			fmt.Fprintf(&b, ": %s", strings.Join(strings.Fields(r.Description), " "))
		}
		b.WriteByte('\n')
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatRuleResult(r *client.RuleResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rule: %s\nStatus: %s\n", r.Rule, r.Status)
	if r.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.Error)
		return b.String()
	}
	b.WriteString(formatTable(&r.QueryResult))
	return b.String()
}

func formatTable(res *client.QueryResult) string {
	var b strings.Builder
	b.WriteString(strings.Join(res.Columns, "\t"))
	b.WriteByte('\n')
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = cell(v)
		}
		b.WriteString(strings.Join(cells, "\t"))
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "(%d rows)\n", len(res.Rows))
	return b.String()
}

// cell renders nodes by their fqn or name and anything else as JSON.
func cell(v any) string {
	if m, ok := v.(map[string]any); ok {
		if props, ok := m["properties"].(map[string]any); ok {
			for _, key := range []string{"fqn", "name", "bundleSymbolicName"} {
				if s, ok := props[key].(string); ok {
					return s
				}
			}
		}
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "graphlord-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are interacting with graphlord, a rule engine over a property graph of software artifacts.

Concepts:
- Node: a labeled element such as (:Artifact:Osgi:Bundle), (:Package) or (:Type) with properties like fqn.
- Concept: a rule that enriches the graph, adding labels or MERGE-ing relationships such as EXPORTS and IMPORTS.
- Constraint: a read-only rule. Every row it returns is a violation.
- Requires: concepts a rule depends on. They are applied first, once per analysis.
- Severity: blocker, critical, major, minor or info. Analysis fails when a failed rule meets the threshold.

Use 'list_rules' to discover rule ids, 'apply_concept' before querying labels a concept adds,
and 'validate_constraint' or 'analyze' to check the graph. Use 'query' for ad-hoc exploration.
`

	return mcp.NewGetPromptResult(
		"graphlord-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
