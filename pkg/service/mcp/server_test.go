package mcp_test

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/m-mizutani/mnemo/pkg/service/mcp"
	"github.com/m-mizutani/mnemo/pkg/usecase/consolidation"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeMemory struct {
	processed []string
	limit     int
	searchErr error
}

func (f *fakeMemory) ProcessMessage(ctx context.Context, owner model.Owner, message string) *consolidation.Result {
	f.processed = append(f.processed, string(owner)+":"+message)
	action := model.Action{Kind: model.ActionAdd, ID: "m1", Content: "User lives in Toronto", OriginalFact: "User lives in Toronto"}
	return &consolidation.Result{
		Owner: owner,
		State: consolidation.StageDone,
		Facts: []model.Fact{"User lives in Toronto"},
		Plan:  &model.Plan{Actions: []model.Action{action}},
		Report: &consolidation.ExecutionReport{Actions: []consolidation.ExecutedAction{
			{Action: action, Outcome: consolidation.OutcomeApplied},
		}},
	}
}

func (f *fakeMemory) Search(ctx context.Context, owner model.Owner, query string, limit int) ([]*model.Candidate, error) {
	f.limit = limit
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return []*model.Candidate{{ID: "m1", Owner: owner, Content: "User lives in Toronto", Score: 0.12}}, nil
}

func (f *fakeMemory) List(ctx context.Context, owner model.Owner) ([]*model.MemoryRecord, error) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return []*model.MemoryRecord{{ID: "m1", Owner: owner, Content: "User lives in Toronto", CreatedAt: at, UpdatedAt: at}}, nil
}

func connect(t *testing.T, memory mcp.Memory) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	server := mcp.NewServer(memory, "test")
	serverSession, err := server.Connect(ctx, serverTransport)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func callText(t *testing.T, session *mcpsdk.ClientSession, name string, args map[string]any) *mcpsdk.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	gt.NoError(t, err)
	gt.A(t, result.Content).Length(1)
	return result
}

func textOf(t *testing.T, result *mcpsdk.CallToolResult) string {
	t.Helper()
	text, ok := result.Content[0].(*mcpsdk.TextContent)
	gt.True(t, ok)
	return text.Text
}

func TestServerListsTools(t *testing.T) {
	session := connect(t, &fakeMemory{})

	tools, err := session.ListTools(context.Background(), nil)
	gt.NoError(t, err)

	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	gt.Equal(t, names, []string{"list_memories", "recall", "remember"})
}

func TestServerRemember(t *testing.T) {
	memory := &fakeMemory{}
	session := connect(t, memory)

	result := callText(t, session, "remember", map[string]any{
		"owner":   "alice",
		"message": "I live in Toronto",
	})
	gt.False(t, result.IsError)
	gt.Equal(t, memory.processed, []string{"alice:I live in Toronto"})

	var summary struct {
		Facts   []string `json:"facts"`
		Actions []struct {
			Kind    string `json:"kind"`
			ID      string `json:"id"`
			Outcome string `json:"outcome"`
		} `json:"actions"`
	}
	gt.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &summary))
	gt.Equal(t, summary.Facts, []string{"User lives in Toronto"})
	gt.A(t, summary.Actions).Length(1)
	gt.Equal(t, summary.Actions[0].Kind, "ADD")
	gt.Equal(t, summary.Actions[0].Outcome, "applied")
}

func TestServerRememberRequiresOwner(t *testing.T) {
	memory := &fakeMemory{}
	session := connect(t, memory)

	result := callText(t, session, "remember", map[string]any{"owner": "", "message": "hi"})
	gt.True(t, result.IsError)
	gt.A(t, memory.processed).Length(0)
}

func TestServerRecall(t *testing.T) {
	t.Run("returns scored memories", func(t *testing.T) {
		memory := &fakeMemory{}
		session := connect(t, memory)

		result := callText(t, session, "recall", map[string]any{"owner": "alice", "query": "Toronto", "limit": 2})
		gt.False(t, result.IsError)
		gt.Equal(t, memory.limit, 2)

		var found []struct {
			ID      string   `json:"id"`
			Content string   `json:"content"`
			Score   *float64 `json:"score"`
		}
		gt.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &found))
		gt.A(t, found).Length(1)
		gt.Equal(t, found[0].ID, "m1")
		gt.V(t, found[0].Score).NotNil()
	})

	t.Run("search error becomes tool error", func(t *testing.T) {
		session := connect(t, &fakeMemory{searchErr: goerr.New("store down")})

		result := callText(t, session, "recall", map[string]any{"owner": "alice", "query": "Toronto"})
		gt.True(t, result.IsError)
		gt.S(t, textOf(t, result)).Contains("store down")
	})
}

func TestServerListMemories(t *testing.T) {
	session := connect(t, &fakeMemory{})

	result := callText(t, session, "list_memories", map[string]any{"owner": "alice"})
	gt.False(t, result.IsError)
	gt.S(t, textOf(t, result)).Contains("User lives in Toronto")
	gt.S(t, textOf(t, result)).Contains("2024-01-02T03:04:05Z")
}
