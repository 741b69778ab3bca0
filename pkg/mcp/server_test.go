package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmax-ai/graphlord/pkg/api"
	"github.com/rmax-ai/graphlord/pkg/client"
	"github.com/rmax-ai/graphlord/pkg/engine"
	"github.com/rmax-ai/graphlord/pkg/rules"
)

// newTestServer starts a daemon with the bundle fixture loaded and
// returns an MCP server talking to it.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	reg, err := rules.LoadDir("../../rules")
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	a, err := engine.New(reg, engine.WithLogger(logger))
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	apiServer := api.NewServer(a, nil, "")
	apiServer.SetLogger(logger)
	ts := httptest.NewServer(apiServer.Handler())
	t.Cleanup(ts.Close)

	f, err := os.Open("../engine/testdata/osgi-bundle.jsonl")
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer f.Close()
	if _, err := client.NewClient(ts.URL).IngestFacts(context.Background(), f); err != nil {
		t.Fatalf("IngestFacts failed: %v", err)
	}
	return NewServer(ts.URL)
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("Expected content in %s result", name)
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Expected TextContent, got %T", result.Content[0])
	}
	return text.Text, result.IsError
}

func TestMCPServer_ReadGraph(t *testing.T) {
	s := newTestServer(t)

	req := mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: "graphlord://graph",
		},
	}
	result, err := s.handleReadGraph(context.Background(), req)
	if err != nil {
		t.Fatalf("handleReadGraph failed: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("Expected 1 resource content, got %d", len(result))
	}
	content, ok := result[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("Expected TextResourceContents")
	}
	if content.MIMEType != "application/json" {
		t.Errorf("Expected application/json, got %s", content.MIMEType)
	}

	var stats client.GraphStats
	if err := json.Unmarshal([]byte(content.Text), &stats); err != nil {
		t.Fatalf("Failed to parse result JSON: %v", err)
	}
	if stats.Nodes != 24 || stats.Relationships != 44 {
		t.Errorf("Expected 24 nodes and 44 relationships, got %d and %d", stats.Nodes, stats.Relationships)
	}
}

func TestMCPServer_ReadRules(t *testing.T) {
	s := newTestServer(t)

	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "graphlord://rules"}}
	result, err := s.handleReadRules(context.Background(), req)
	if err != nil {
		t.Fatalf("handleReadRules failed: %v", err)
	}
	var list []client.Rule
	if err := json.Unmarshal([]byte(result[0].(mcp.TextResourceContents).Text), &list); err != nil {
		t.Fatalf("Failed to parse result JSON: %v", err)
	}
	if len(list) != 7 {
		t.Errorf("Expected 7 rules, got %d", len(list))
	}
}

func TestMCPServer_ReadRunsWithoutHistory(t *testing.T) {
	s := newTestServer(t)

	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "graphlord://runs"}}
	if _, err := s.handleReadRuns(context.Background(), req); err == nil {
		t.Error("Expected an error when run history is not configured")
	}
}

func TestMCPServer_ValidateConstraint(t *testing.T) {
	s := newTestServer(t)

	text, isErr := callTool(t, s.handleValidateConstraint, "validate_constraint", map[string]any{
		"id": "osgi-bundle:UnusedInternalType",
	})
	if isErr {
		t.Fatalf("Expected success, got error: %s", text)
	}
	if !strings.Contains(text, "Status: FAILURE") {
		t.Errorf("Expected a failed constraint, got:\n%s", text)
	}
	if !strings.Contains(text, "com.buschmais.jqassistant.plugin.osgi.test.impl.b.UnusedPublicClass") {
		t.Errorf("Expected the unused class in the result, got:\n%s", text)
	}
	if !strings.Contains(text, "(1 rows)") {
		t.Errorf("Expected exactly one violation, got:\n%s", text)
	}
}

func TestMCPServer_QueryWithParams(t *testing.T) {
	s := newTestServer(t)

	text, isErr := callTool(t, s.handleQuery, "query", map[string]any{
		"query":  "MATCH (p:Package) WHERE p.fqn = $fqn RETURN p.fqn AS fqn",
		"params": map[string]any{"fqn": "com.buschmais.jqassistant.plugin.osgi.test.api"},
	})
	if isErr {
		t.Fatalf("Expected success, got error: %s", text)
	}
	if !strings.Contains(text, "com.buschmais.jqassistant.plugin.osgi.test.api\n(1 rows)") {
		t.Errorf("Unexpected table:\n%s", text)
	}

	text, isErr = callTool(t, s.handleQuery, "query", map[string]any{"query": "MATCH (n RETURN n"})
	if !isErr {
		t.Errorf("Expected a syntax error, got:\n%s", text)
	}

	_, isErr = callTool(t, s.handleQuery, "query", map[string]any{})
	if !isErr {
		t.Error("Expected an error for a missing query")
	}
}

func TestMCPServer_ApplyConceptAndAnalyze(t *testing.T) {
	s := newTestServer(t)

	text, isErr := callTool(t, s.handleApplyConcept, "apply_concept", map[string]any{"id": "osgi-bundle:Bundle"})
	if isErr {
		t.Fatalf("Expected success, got error: %s", text)
	}
	if !strings.Contains(text, "Status: SUCCESS") {
		t.Errorf("Expected the concept to succeed, got:\n%s", text)
	}

	_, isErr = callTool(t, s.handleApplyConcept, "apply_concept", map[string]any{"id": "osgi-bundle:Missing"})
	if !isErr {
		t.Error("Expected an error for an unknown concept")
	}

	text, isErr = callTool(t, s.handleAnalyze, "analyze", map[string]any{
		"rules": "osgi-bundle:UnusedInternalType, osgi-bundle:InternalTypeMustNotBePublic",
	})
	if isErr {
		t.Fatalf("Expected success, got error: %s", text)
	}
	if !strings.HasPrefix(text, "Analysis FAILED") {
		t.Errorf("Expected a failed analysis, got:\n%s", text)
	}
	if !strings.Contains(text, "Failures: ") {
		t.Errorf("Expected failures to be listed, got:\n%s", text)
	}
}

func TestMCPServer_ListRules(t *testing.T) {
	s := newTestServer(t)

	text, isErr := callTool(t, s.handleListRules, "list_rules", map[string]any{"kind": "constraint"})
	if isErr {
		t.Fatalf("Expected success, got error: %s", text)
	}
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 constraints, got:\n%s", text)
	}
	if !strings.Contains(text, "requires osgi-bundle:InternalType") {
		t.Errorf("Expected requirements to be listed, got:\n%s", text)
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "osgi-bundle:") {
			t.Errorf("Expected one rule per line, got %q", line)
		}
	}
}

func TestMCPServer_DaemonDown(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	s := NewServer(down.URL)

	_, isErr := callTool(t, s.handleListRules, "list_rules", nil)
	if !isErr {
		t.Error("Expected an error result when the daemon is unreachable")
	}
}

func TestMCPServer_Prompt(t *testing.T) {
	s := NewServer("")

	req := mcp.GetPromptRequest{Params: mcp.GetPromptParams{Name: "graphlord-aware"}}
	result, err := s.handleGetPrompt(context.Background(), req)
	if err != nil {
		t.Fatalf("handleGetPrompt failed: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Errorf("Expected 1 prompt message, got %d", len(result.Messages))
	}

	req.Params.Name = "other"
	if _, err := s.handleGetPrompt(context.Background(), req); err == nil {
		t.Error("Expected an error for an unknown prompt")
	}
}
