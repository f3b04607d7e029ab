package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/m-mizutani/mnemo/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// Query is evaluated for every plan action. Each element of the resulting set
// is a reason to deny the action.
const Query = "data.memory.deny"

// regoPrintHook forwards Rego print() statements to the context logger
type regoPrintHook struct {
	ctx context.Context
}

func (h *regoPrintHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// Policy is a deny gate for consolidation actions backed by OPA
type Policy struct {
	query *rego.PreparedEvalQuery
}

type actionInput struct {
	Kind         string `json:"kind"`
	ID           string `json:"id"`
	Content      string `json:"content"`
	OriginalFact string `json:"original_fact"`
}

type input struct {
	Owner  string      `json:"owner"`
	Action actionInput `json:"action"`
}

// Load reads all .rego files in dir. It returns nil without error when the
// directory has no policy, meaning every action is allowed.
func Load(ctx context.Context, dir string) (*Policy, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return nil, nil
	}

	sources := make(map[string]string, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		sources[file] = string(data)
	}

	return New(ctx, sources)
}

// New compiles Rego modules given as file name to source
func New(ctx context.Context, sources map[string]string) (*Policy, error) {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	options := []func(*rego.Rego){
		rego.Query(Query),
		rego.EnablePrintStatements(true),
	}
	for _, name := range names {
		options = append(options, rego.Module(name, sources[name]))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare policy", goerr.V("query", Query))
	}

	return &Policy{query: &prepared}, nil
}

// Evaluate returns deny reasons for action. An undefined result allows it.
func (x *Policy) Evaluate(ctx context.Context, owner model.Owner, action model.Action) ([]string, error) {
	in := input{
		Owner: string(owner),
		Action: actionInput{
			Kind:         string(action.Kind),
			ID:           string(action.ID),
			Content:      action.Content,
			OriginalFact: string(action.OriginalFact),
		},
	}

	rs, err := x.query.Eval(ctx, rego.EvalInput(in), rego.EvalPrintHook(&regoPrintHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate policy", goerr.V("kind", action.Kind), goerr.V("id", action.ID))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	return reasons(rs[0].Expressions[0].Value)
}

func reasons(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		if v {
			return []string{"denied"}, nil
		}
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out, nil
	default:
		return nil, goerr.New("unexpected policy result type", goerr.V("value", value))
	}
}
