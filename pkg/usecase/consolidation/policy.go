package consolidation

import (
	"context"

	"github.com/m-mizutani/mnemo/pkg/model"
)

// Policy decides whether an action may be applied. A non-empty reasons slice
// denies the action.
type Policy interface {
	Evaluate(ctx context.Context, owner model.Owner, action model.Action) (reasons []string, err error)
}
