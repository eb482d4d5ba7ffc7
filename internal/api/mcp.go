package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/larder/internal/ingest"
	"github.com/kalambet/larder/internal/review"
	"github.com/kalambet/larder/internal/task"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Ingest *ingest.Service
	Review *review.Service
}

// NewMCPServer creates an MCP server exposing the task tools to agents.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"larder",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("larder ingests recipes from URLs or searches into drafts that a human reviews before they are committed."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Start ingesting a recipe. Returns the task; poll get_task_state for progress."),
			mcp.WithString("payload", mcp.Description("Recipe URL, or a search query when mode is search"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("url (default) or search"), mcp.Enum("url", "search")),
			mcp.WithString("thread_id", mcp.Description("Conversation thread to publish progress on")),
		),
		mcpCreateTask(deps),
	)

	s.AddTool(
		mcp.NewTool("get_task_state",
			mcp.WithDescription("Return the current status, phase and progress of a task."),
			mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
		),
		mcpGetState(deps),
	)

	s.AddTool(
		mcp.NewTool("get_draft",
			mcp.WithDescription("Return the extracted recipe draft of a review-ready task together with its version."),
			mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
		),
		mcpGetDraft(deps),
	)

	s.AddTool(
		mcp.NewTool("commit_draft",
			mcp.WithDescription("Commit a reviewed draft into the recipe collection. Safe to repeat."),
			mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
			mcp.WithNumber("expected_version", mcp.Description("Version of the draft that was reviewed")),
		),
		mcpCommit(deps),
	)

	s.AddTool(
		mcp.NewTool("reject_draft",
			mcp.WithDescription("Reject a reviewed draft."),
			mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
			mcp.WithString("reason", mcp.Description("Why the draft was rejected")),
		),
		mcpReject(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a pending or running task."),
			mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
		),
		mcpCancel(deps),
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"recipe://{id}",
			"Committed recipe",
			mcp.WithTemplateDescription("A committed recipe as JSON"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceRecipe(deps),
	)

	return s
}

func mcpCreateTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload, err := req.RequireString("payload")
		if err != nil {
			return mcpError("payload is required"), nil
		}
		rec, err := deps.Ingest.Create(ctx, ingest.CreateRequest{
			ThreadID: req.GetString("thread_id", ""),
			Agent:    "mcp",
			Mode:     task.Mode(req.GetString("mode", string(task.ModeURL))),
			Payload:  payload,
		})
		if err != nil {
			return mcpTaskError(err), nil
		}
		return mcpJSON(rec.State())
	}
}

func mcpGetState(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		st, err := deps.Ingest.State(ctx, id)
		if err != nil {
			return mcpTaskError(err), nil
		}
		return mcpJSON(st)
	}
}

func mcpGetDraft(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		rec, err := deps.Ingest.Draft(ctx, id)
		if err != nil {
			return mcpTaskError(err), nil
		}
		return mcpJSON(map[string]any{
			"task_id": rec.Task.ID,
			"version": rec.Version,
			"draft":   rec.Draft,
		})
	}
}

func mcpCommit(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		var expected *int64
		if _, ok := req.GetArguments()["expected_version"]; ok {
			v := int64(req.GetInt("expected_version", 0))
			expected = &v
		}
		res, err := deps.Review.Commit(ctx, id, expected)
		if err != nil {
			return mcpTaskError(err), nil
		}
		return mcpJSON(res)
	}
}

func mcpReject(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		rec, err := deps.Review.Reject(ctx, id, req.GetString("reason", ""))
		if err != nil {
			return mcpTaskError(err), nil
		}
		return mcpJSON(rec.State())
	}
}

func mcpCancel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		rec, err := deps.Ingest.Cancel(ctx, id)
		if err != nil {
			return mcpTaskError(err), nil
		}
		return mcpJSON(rec.State())
	}
}

func mcpResourceRecipe(deps MCPDeps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		id := recipeIDFromURI(req.Params.URI)
		if id == "" {
			return nil, fmt.Errorf("invalid recipe uri %q", req.Params.URI)
		}
		r, err := deps.Review.Recipe(ctx, id)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal recipe: %w", err)
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

func recipeIDFromURI(uri string) string {
	const prefix = "recipe://"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return ""
	}
	return uri[len(prefix):]
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

// mcpTaskError renders a rejection as "code: reason" so agents can branch
// on the code.
func mcpTaskError(err error) *mcp.CallToolResult {
	code := task.CodeOf(err)
	if code == "" {
		return mcpError(fmt.Sprintf("internal error: %v", err))
	}
	return mcpError(fmt.Sprintf("%s: %s", code, task.ReasonOf(err)))
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
