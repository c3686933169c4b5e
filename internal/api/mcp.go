package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/consolida/internal/dataset"
	"github.com/kalambet/consolida/internal/frame"
	"github.com/kalambet/consolida/internal/pipeline"
	"github.com/kalambet/consolida/internal/rules"
	"github.com/kalambet/consolida/internal/storage"
	"github.com/kalambet/consolida/internal/worker"
)

const previewRows = 10

// MCPStore is the part of the store the MCP layer touches.
type MCPStore interface {
	worker.Queue
	ListRuns(limit, offset int) ([]storage.Run, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    MCPStore
	Ingester pipeline.Ingester
	Runner   worker.Runner
	Rules    rules.Source
	Join     frame.JoinMode
	Merger   frame.Merger
}

// NewMCPServer creates an MCP server with the consolidation tools and
// resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Rules == nil {
		deps.Rules = rules.Static(rules.Default())
	}
	if deps.Join == "" {
		deps.Join = frame.DefaultJoin
	}

	s := server.NewMCPServer(
		"consolida",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("consolida merges the spreadsheets of a ZIP archive into one workforce table."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("inspect_archive",
			mcp.WithDescription("Extract a ZIP archive and return a structural sample of every table it holds."),
			mcp.WithString("source", mcp.Description("Local path or http(s) URL of the archive"), mcp.Required()),
		),
		mcpInspectArchive(deps),
	)

	s.AddTool(
		mcp.NewTool("merge_or_concat",
			mcp.WithDescription("Combine the archive's tables on their shared columns, or stack them when no column is shared."),
			mcp.WithString("source", mcp.Description("Local path or http(s) URL of the archive"), mcp.Required()),
			mcp.WithString("how", mcp.Description("Join mode: inner, outer, left or right (default outer)")),
		),
		mcpMergeOrConcat(deps),
	)

	s.AddTool(
		mcp.NewTool("consolidate",
			mcp.WithDescription("Consolidate an archive with generated code, falling back to the key-overlap merge."),
			mcp.WithString("source", mcp.Description("Local path or http(s) URL of the archive"), mcp.Required()),
			mcp.WithBoolean("async", mcp.Description("Queue the run and return its id instead of waiting")),
		),
		mcpConsolidate(deps),
	)

	s.AddTool(
		mcp.NewTool("get_rules",
			mcp.WithDescription("Return the required columns and business rules the output is checked against."),
		),
		mcpGetRules(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"runs://recent",
			"Recent Runs",
			mcp.WithResourceDescription("Last 10 consolidation runs"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpInspectArchive(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, err := req.RequireString("source")
		if err != nil {
			return mcpError("source is required"), nil
		}
		datasets, err := deps.Ingester.Ingest(ctx, source)
		if err != nil {
			return mcpError(fmt.Sprintf("inspect failed: %v", err)), nil
		}
		return mcpJSON(dataset.Summarize(datasets))
	}
}

type mergeResult struct {
	Strategy string   `json:"strategy"`
	Rows     int      `json:"rows"`
	Columns  []string `json:"columns"`
	Preview  string   `json:"preview"`
}

func mcpMergeOrConcat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, err := req.RequireString("source")
		if err != nil {
			return mcpError("source is required"), nil
		}
		how, err := frame.ParseJoinMode(req.GetString("how", string(deps.Join)))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		datasets, err := deps.Ingester.Ingest(ctx, source)
		if err != nil {
			return mcpError(fmt.Sprintf("ingest failed: %v", err)), nil
		}
		tables := dataset.Tables(datasets)
		out, err := deps.Merger.MergeOrConcat(tables, how)
		if err != nil {
			return mcpError(fmt.Sprintf("merge failed: %v", err)), nil
		}

		strategy := "merge"
		if len(tables) > 1 && len(frame.CommonColumns(tables)) == 0 {
			strategy = "concat"
		}
		return mcpJSON(mergeResult{
			Strategy: strategy,
			Rows:     out.Len(),
			Columns:  out.Columns(),
			Preview:  out.Render(previewRows),
		})
	}
}

type consolidateResult struct {
	RunID      string       `json:"run_id,omitempty"`
	Status     string       `json:"status"`
	Strategy   string       `json:"strategy,omitempty"`
	Attempts   int          `json:"attempts,omitempty"`
	Rows       int          `json:"rows,omitempty"`
	Columns    []string     `json:"columns,omitempty"`
	Preview    string       `json:"preview,omitempty"`
	Validation rules.Report `json:"validation"`
}

func mcpConsolidate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, err := req.RequireString("source")
		if err != nil {
			return mcpError("source is required"), nil
		}

		if req.GetBool("async", false) {
			id, err := worker.Enqueue(deps.Store, source, "mcp")
			if err != nil {
				return mcpError(fmt.Sprintf("failed to queue consolidation: %v", err)), nil
			}
			return mcpJSON(consolidateResult{RunID: id, Status: storage.RunQueued})
		}

		rep, err := deps.Runner.Run(ctx, source)
		if err != nil {
			f := pipeline.Classify(err)
			return mcpError(fmt.Sprintf("consolidation failed (%s): %s", f.Kind, f.Message)), nil
		}
		return mcpJSON(consolidateResult{
			Status:     storage.RunSucceeded,
			Strategy:   string(rep.Strategy),
			Attempts:   rep.Attempts,
			Rows:       rep.Table.Len(),
			Columns:    rep.Table.Columns(),
			Preview:    rep.Table.Render(previewRows),
			Validation: rep.Validation,
		})
	}
}

func mcpGetRules(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rs, err := deps.Rules.Fetch(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("rules unavailable: %v", err)), nil
		}
		return mcpJSON(rs)
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Store.ListRuns(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}

		type runSummary struct {
			ID        string `json:"id"`
			Source    string `json:"source"`
			Status    string `json:"status"`
			Strategy  string `json:"strategy,omitempty"`
			Rows      int    `json:"rows"`
			CreatedAt string `json:"created_at"`
		}

		summaries := make([]runSummary, len(runs))
		for i, r := range runs {
			summaries[i] = runSummary{
				ID:        r.ID,
				Source:    r.Source,
				Status:    r.Status,
				Strategy:  r.Strategy,
				Rows:      r.Rows,
				CreatedAt: r.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
