package tasks

import (
	"context"
	"encoding/json"

	"github.com/gunaso/gunaso/internal/common/errs"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// storeResultToDB hands a producing stage's result envelope to the
// database task manager. Validation problems come back inside the
// returned envelope, never as a raised error: redelivering the same bad
// envelope cannot fix it.
func storeResultToDB(d Deps) registry.Body {
	return func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
		var env v1.TaskResult
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, errs.NewInputError("store payload is malformed: %v", err)
		}
		if env.TaskID == "" {
			// A producer that never reached its own lifecycle keys the
			// row by this store attempt instead.
			env.TaskID = tc.TaskID
		}
		return d.DBTasks.HandleDBOperation(ctx, tc, &env), nil
	}
}
