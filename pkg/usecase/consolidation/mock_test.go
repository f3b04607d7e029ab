package consolidation_test

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/m-mizutani/mnemo/pkg/usecase/consolidation"
)

// mockLLM answers extraction and planning requests. Which one is asked is
// detected from the top-level property of the requested schema.
type mockLLM struct {
	ExtractFunc func(ctx context.Context, instruction string) ([]string, error)
	PlanFunc    func(ctx context.Context, instruction string) ([]planItem, error)

	mu          sync.Mutex
	extractCall int
	planCall    int
	prompts     []string
}

type planItem struct {
	Action       string `json:"action"`
	ID           string `json:"id,omitempty"`
	Content      string `json:"content,omitempty"`
	OriginalFact string `json:"original_fact"`
}

func (m *mockLLM) GenerateStructured(ctx context.Context, instruction string, schema *jsonschema.Schema, out any) error {
	m.mu.Lock()
	m.prompts = append(m.prompts, instruction)
	m.mu.Unlock()

	var body any
	switch {
	case schema.Properties["facts"] != nil:
		m.mu.Lock()
		m.extractCall++
		m.mu.Unlock()
		if m.ExtractFunc == nil {
			return goerr.New("extract not configured")
		}
		facts, err := m.ExtractFunc(ctx, instruction)
		if err != nil {
			return err
		}
		items := make([]map[string]string, 0, len(facts))
		for _, f := range facts {
			items = append(items, map[string]string{"fact": f})
		}
		body = map[string]any{"facts": items}

	case schema.Properties["plan"] != nil:
		m.mu.Lock()
		m.planCall++
		m.mu.Unlock()
		if m.PlanFunc == nil {
			return goerr.New("plan not configured")
		}
		plan, err := m.PlanFunc(ctx, instruction)
		if err != nil {
			return err
		}
		if plan == nil {
			plan = []planItem{}
		}
		body = map[string]any{"plan": plan}

	default:
		return goerr.New("unexpected schema")
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (m *mockLLM) planCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.planCall
}

func (m *mockLLM) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

func extractOnly(facts ...string) func(ctx context.Context, instruction string) ([]string, error) {
	return func(ctx context.Context, instruction string) ([]string, error) {
		return facts, nil
	}
}

func planOnly(items ...planItem) func(ctx context.Context, instruction string) ([]planItem, error) {
	return func(ctx context.Context, instruction string) ([]planItem, error) {
		return items, nil
	}
}

// hashEmbedder maps each word into one of 64 buckets so that texts sharing
// words are close in cosine distance
type hashEmbedder struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

const hashDims = 64

func (x *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if x.EmbedFunc != nil {
		return x.EmbedFunc(ctx, text)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return hashVector(text), nil
}

func hashVector(text string) []float32 {
	v := make([]float32, hashDims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,!?")))
		v[h.Sum32()%hashDims]++
	}
	v[0] += 0.01
	return v
}

// memStore is an in-memory VectorStore with error hooks
type memStore struct {
	mu      sync.Mutex
	records map[model.Owner]map[model.MemoryID]*model.MemoryRecord
	vectors map[model.MemoryID][]float32

	SearchFunc func(ctx context.Context, owner model.Owner, vector []float32, limit int) ([]*model.Candidate, error)
	UpsertErr  func(record *model.MemoryRecord) error
	DeleteErr  func(id model.MemoryID) error
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[model.Owner]map[model.MemoryID]*model.MemoryRecord),
		vectors: make(map[model.MemoryID][]float32),
	}
}

func (s *memStore) seed(owner model.Owner, content string, createdAt time.Time) model.MemoryID {
	id := model.NewMemoryID()
	record := &model.MemoryRecord{
		ID:        id,
		Owner:     owner,
		Content:   content,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if err := s.Upsert(context.Background(), record, hashVector(content)); err != nil {
		panic(err)
	}
	return id
}

func (s *memStore) get(owner model.Owner, id model.MemoryID) *model.MemoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[owner][id].Copy()
}

func (s *memStore) contents(owner model.Owner) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.records[owner] {
		out = append(out, r.Content)
	}
	sort.Strings(out)
	return out
}

func (s *memStore) Search(ctx context.Context, owner model.Owner, vector []float32, limit int) ([]*model.Candidate, error) {
	if s.SearchFunc != nil {
		return s.SearchFunc(ctx, owner, vector, limit)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*model.Candidate
	for id, r := range s.records[owner] {
		found = append(found, &model.Candidate{
			ID:      id,
			Owner:   owner,
			Content: r.Content,
			Score:   cosineDistance(vector, s.vectors[id]),
		})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Score < found[j].Score })
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (s *memStore) Upsert(ctx context.Context, record *model.MemoryRecord, vector []float32) error {
	if s.UpsertErr != nil {
		if err := s.UpsertErr(record); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[record.Owner] == nil {
		s.records[record.Owner] = make(map[model.MemoryID]*model.MemoryRecord)
	}
	stored := record.Copy()
	if prev, ok := s.records[record.Owner][record.ID]; ok && stored.CreatedAt.IsZero() {
		stored.CreatedAt = prev.CreatedAt
	}
	s.records[record.Owner][record.ID] = stored
	s.vectors[record.ID] = vector
	return nil
}

func (s *memStore) Delete(ctx context.Context, owner model.Owner, id model.MemoryID) error {
	if s.DeleteErr != nil {
		if err := s.DeleteErr(id); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[owner], id)
	return nil
}

func (s *memStore) ListAll(ctx context.Context, owner model.Owner) ([]*model.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.MemoryRecord
	for _, r := range s.records[owner] {
		out = append(out, r.Copy())
	}
	return out, nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// recorder collects every observer event
type recorder struct {
	mu          sync.Mutex
	stages      []consolidation.StageEvent
	actions     []consolidation.ActionEvent
	diagnostics []consolidation.Diagnostic
}

func (r *recorder) OnStage(ctx context.Context, ev consolidation.StageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, ev)
}

func (r *recorder) OnAction(ctx context.Context, ev consolidation.ActionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, ev)
}

func (r *recorder) OnDiagnostic(ctx context.Context, d consolidation.Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagnostics = append(r.diagnostics, d)
}

func (r *recorder) diagnosticKinds() []consolidation.DiagnosticKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]consolidation.DiagnosticKind, 0, len(r.diagnostics))
	for _, d := range r.diagnostics {
		kinds = append(kinds, d.Kind)
	}
	return kinds
}

func (r *recorder) path() []consolidation.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	path := make([]consolidation.Stage, 0, len(r.stages))
	for _, ev := range r.stages {
		path = append(path, ev.To)
	}
	return path
}

type policyFunc func(ctx context.Context, owner model.Owner, action model.Action) ([]string, error)

func (f policyFunc) Evaluate(ctx context.Context, owner model.Owner, action model.Action) ([]string, error) {
	return f(ctx, owner, action)
}
