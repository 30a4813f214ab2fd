package stdlib

import (
	"context"
	"math"
	"time"

	"github.com/lemonberrylabs/yrunner/pkg/command"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// MaxSleep bounds a single sleep command.
const MaxSleep = 24 * time.Hour

func sleepCommand(opts Options) *command.Descriptor {
	return &command.Descriptor{
		Name: "sleep",
		Params: []command.Param{
			{Name: "value", Required: true, Mode: command.Expr},
		},
		Handler: func(ctx context.Context, call *command.Call) (command.Signal, error) {
			secs, err := number(call, "value")
			if err != nil {
				return command.None, err
			}
			if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
				return command.None, types.NewInvalidParameter("sleep duration must be a non-negative number, got %v", secs)
			}
			d := time.Duration(secs * float64(time.Second))
			if d > MaxSleep {
				return command.None, types.NewInvalidParameter("sleep duration %v exceeds maximum %v", d, MaxSleep)
			}
			if err := opts.Sleeper.Sleep(ctx, d); err != nil {
				return command.None, types.NewExecutionError(err, "sleep interrupted")
			}
			return command.None, nil
		},
	}
}

func getTimeCommand(opts Options) *command.Descriptor {
	return &command.Descriptor{
		Name: "gettime",
		Params: []command.Param{
			{Name: "var", Required: true, Mode: command.Literal},
		},
		Handler: func(_ context.Context, call *command.Call) (command.Signal, error) {
			name, err := variable(call, "var")
			if err != nil {
				return command.None, err
			}
			now := opts.Clock()
			secs := float64(now.UnixNano()) / float64(time.Second)
			if err := call.Set(name, types.NewDouble(secs)); err != nil {
				return command.None, types.NewInvalidParameter("cannot assign %q: %v", name, err)
			}
			return command.None, nil
		},
	}
}
