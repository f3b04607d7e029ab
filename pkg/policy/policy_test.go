package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/m-mizutani/mnemo/pkg/policy"
)

const denyPolicy = `package memory

deny contains msg if {
	input.action.kind == "DELETE"
	input.owner == "protected"
	msg := sprintf("owner %s does not allow deletion", [input.owner])
}

deny contains "secrets must not be stored" if {
	input.action.kind in {"ADD", "UPDATE"}
	contains(lower(input.action.content), "password")
}
`

func TestPolicyEvaluate(t *testing.T) {
	ctx := context.Background()
	p, err := policy.New(ctx, map[string]string{"memory.rego": denyPolicy})
	gt.NoError(t, err)

	t.Run("delete by protected owner", func(t *testing.T) {
		reasons, err := p.Evaluate(ctx, "protected", model.Action{Kind: model.ActionDelete, ID: "m1"})
		gt.NoError(t, err)
		gt.Equal(t, reasons, []string{"owner protected does not allow deletion"})
	})

	t.Run("secret content", func(t *testing.T) {
		reasons, err := p.Evaluate(ctx, "alice", model.Action{
			Kind:    model.ActionAdd,
			Content: "User password is hunter2",
		})
		gt.NoError(t, err)
		gt.Equal(t, reasons, []string{"secrets must not be stored"})
	})

	t.Run("allowed", func(t *testing.T) {
		reasons, err := p.Evaluate(ctx, "alice", model.Action{
			Kind:    model.ActionAdd,
			Content: "User likes tea",
		})
		gt.NoError(t, err)
		gt.A(t, reasons).Length(0)
	})
}

func TestPolicyUndefinedDenyAllows(t *testing.T) {
	ctx := context.Background()
	p, err := policy.New(ctx, map[string]string{"other.rego": "package other\n\nallow := true\n"})
	gt.NoError(t, err)

	reasons, err := p.Evaluate(ctx, "alice", model.Action{Kind: model.ActionDelete, ID: "m1"})
	gt.NoError(t, err)
	gt.A(t, reasons).Length(0)
}

func TestPolicyLoad(t *testing.T) {
	ctx := context.Background()

	empty, err := policy.Load(ctx, t.TempDir())
	gt.NoError(t, err)
	gt.V(t, empty).Nil()

	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "memory.rego"), []byte(denyPolicy), 0o600))
	p, err := policy.Load(ctx, dir)
	gt.NoError(t, err)
	gt.V(t, p).NotNil()

	broken := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(broken, "bad.rego"), []byte("package memory\n\ndeny contains"), 0o600))
	_, err = policy.Load(ctx, broken)
	gt.Error(t, err)
}
