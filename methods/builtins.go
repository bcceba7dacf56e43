// Package methods provides the task methods every stepkit process has.
package methods

import (
	"context"

	"github.com/vinayprograms/stepkit/logging"
	"github.com/vinayprograms/stepkit/tasks"
)

// Builtins returns the built-in methods:
//
//   - noop returns an empty object. As a check it always verifies.
//   - log writes its input to logger and returns nothing.
//   - echo returns its input, so an output map can copy data around.
func Builtins(logger *logging.Logger) tasks.Methods {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("method")

	return tasks.Methods{
		"noop": func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{}, nil
		},
		"log": func(ctx context.Context, input map[string]any) (any, error) {
			fields := make(map[string]interface{}, len(input))
			for k, v := range input {
				fields[k] = v
			}
			logger.Info("task_log", fields)
			return nil, nil
		},
		"echo": func(ctx context.Context, input map[string]any) (any, error) {
			return input, nil
		},
	}
}
