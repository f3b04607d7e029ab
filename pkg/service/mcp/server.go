package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/m-mizutani/mnemo/pkg/usecase/consolidation"
	"github.com/m-mizutani/mnemo/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Memory is the subset of the pipeline exposed over MCP
type Memory interface {
	ProcessMessage(ctx context.Context, owner model.Owner, message string) *consolidation.Result
	Search(ctx context.Context, owner model.Owner, query string, limit int) ([]*model.Candidate, error)
	List(ctx context.Context, owner model.Owner) ([]*model.MemoryRecord, error)
}

// Server publishes remember, recall and list_memories as MCP tools
type Server struct {
	memory Memory
	server *mcp.Server
}

type rememberParams struct {
	Owner   string `json:"owner" jsonschema:"Owner of the memory, usually a user ID"`
	Message string `json:"message" jsonschema:"Conversational message to extract facts from"`
}

type recallParams struct {
	Owner string `json:"owner" jsonschema:"Owner of the memory"`
	Query string `json:"query" jsonschema:"Text to search similar memories for"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of memories to return"`
}

type listParams struct {
	Owner string `json:"owner" jsonschema:"Owner of the memory"`
}

type actionSummary struct {
	Kind    model.ActionKind            `json:"kind"`
	ID      model.MemoryID              `json:"id,omitempty"`
	Content string                      `json:"content,omitempty"`
	Outcome consolidation.ActionOutcome `json:"outcome"`
}

type rememberSummary struct {
	Facts   []model.Fact    `json:"facts"`
	Actions []actionSummary `json:"actions"`
}

type memorySummary struct {
	ID        model.MemoryID `json:"id"`
	Content   string         `json:"content"`
	Score     *float64       `json:"score,omitempty"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

// NewServer registers the memory tools on a new MCP server
func NewServer(memory Memory, version string) *Server {
	x := &Server{
		memory: memory,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "mnemo",
			Version: version,
		}, nil),
	}

	mcp.AddTool(x.server, &mcp.Tool{
		Name:        "remember",
		Description: "Extract facts from a message and consolidate them into the owner's long-term memory",
	}, x.remember)

	mcp.AddTool(x.server, &mcp.Tool{
		Name:        "recall",
		Description: "Search the owner's memories that are semantically close to the query",
	}, x.recall)

	mcp.AddTool(x.server, &mcp.Tool{
		Name:        "list_memories",
		Description: "List every memory stored for the owner",
	}, x.list)

	return x
}

// Run serves until ctx is canceled or the transport closes
func (x *Server) Run(ctx context.Context, transport mcp.Transport) error {
	if err := x.server.Run(ctx, transport); err != nil {
		return goerr.Wrap(err, "MCP server stopped")
	}
	return nil
}

// Connect attaches the server to a single transport and returns the session
func (x *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	session, err := x.server.Connect(ctx, transport, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect MCP server")
	}
	return session, nil
}

func (x *Server) remember(ctx context.Context, req *mcp.CallToolRequest, params *rememberParams) (*mcp.CallToolResult, any, error) {
	ctx = logging.WithAttrs(ctx, "tool", "remember", "owner", params.Owner)
	if params.Owner == "" {
		return errorResult("owner is required"), nil, nil
	}

	logging.From(ctx).Debug("remember called")
	result := x.memory.ProcessMessage(ctx, model.Owner(params.Owner), params.Message)

	summary := rememberSummary{
		Facts:   result.Facts,
		Actions: []actionSummary{},
	}
	if summary.Facts == nil {
		summary.Facts = []model.Fact{}
	}
	for _, a := range result.Report.Actions {
		summary.Actions = append(summary.Actions, actionSummary{
			Kind:    a.Action.Kind,
			ID:      a.Action.ID,
			Content: a.Action.Content,
			Outcome: a.Outcome,
		})
	}
	return jsonResult(summary)
}

func (x *Server) recall(ctx context.Context, req *mcp.CallToolRequest, params *recallParams) (*mcp.CallToolResult, any, error) {
	ctx = logging.WithAttrs(ctx, "tool", "recall", "owner", params.Owner)
	if params.Owner == "" {
		return errorResult("owner is required"), nil, nil
	}

	found, err := x.memory.Search(ctx, model.Owner(params.Owner), params.Query, params.Limit)
	if err != nil {
		logging.From(ctx).Warn("recall failed", "error", err)
		return errorResult(err.Error()), nil, nil
	}

	out := make([]memorySummary, 0, len(found))
	for _, c := range found {
		score := c.Score
		out = append(out, memorySummary{ID: c.ID, Content: c.Content, Score: &score})
	}
	return jsonResult(out)
}

func (x *Server) list(ctx context.Context, req *mcp.CallToolRequest, params *listParams) (*mcp.CallToolResult, any, error) {
	ctx = logging.WithAttrs(ctx, "tool", "list_memories", "owner", params.Owner)
	if params.Owner == "" {
		return errorResult("owner is required"), nil, nil
	}

	records, err := x.memory.List(ctx, model.Owner(params.Owner))
	if err != nil {
		logging.From(ctx).Warn("list_memories failed", "error", err)
		return errorResult(err.Error()), nil, nil
	}

	out := make([]memorySummary, 0, len(records))
	for _, r := range records {
		updatedAt := r.UpdatedAt
		out = append(out, memorySummary{ID: r.ID, Content: r.Content, UpdatedAt: &updatedAt})
	}
	return jsonResult(out)
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to marshal tool result")
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}, nil, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}
