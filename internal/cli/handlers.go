package cli

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/umpire-3/workflow-api/pkg/engine"
)

// registerBuiltinHandlers installs the handlers available to `workflow
// run` and `workflow serve` out of the box. They cover smoke tests and
// demos; real deployments embed the engine and register their own.
func registerBuiltinHandlers(registry *engine.HandlerRegistry) {
	_ = registry.Register("noop", func(ctx context.Context, tc engine.TaskContext) (interface{}, error) {
		return nil, nil
	})

	// echo returns the run parameters and upstream results, so chained
	// echo tasks show how values travel through the graph.
	_ = registry.Register("echo", func(ctx context.Context, tc engine.TaskContext) (interface{}, error) {
		return map[string]interface{}{
			"task":    tc.TaskName,
			"params":  tc.Params,
			"results": tc.Results,
		}, nil
	})

	// sleep waits for the duration in the "sleep" parameter, default 1s.
	_ = registry.Register("sleep", func(ctx context.Context, tc engine.TaskContext) (interface{}, error) {
		d := time.Second
		if raw, ok := tc.Params["sleep"]; ok {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing sleep parameter %q", raw)
			}
			d = parsed
		}
		select {
		case <-time.After(d):
			return d.String(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	// fail always errors, with the "error" parameter as the message.
	_ = registry.Register("fail", func(ctx context.Context, tc engine.TaskContext) (interface{}, error) {
		msg := tc.Params["error"]
		if msg == "" {
			msg = "task failed"
		}
		return nil, errors.New(msg)
	})
}
