package stdlib

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lemonberrylabs/yrunner/pkg/command"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

var logLevels = map[string]zerolog.Level{
	"TRACE":    zerolog.TraceLevel,
	"DEBUG":    zerolog.DebugLevel,
	"INFO":     zerolog.InfoLevel,
	"WARN":     zerolog.WarnLevel,
	"WARNING":  zerolog.WarnLevel,
	"ERROR":    zerolog.ErrorLevel,
	"CRITICAL": zerolog.FatalLevel,
	"FATAL":    zerolog.FatalLevel,
}

func logCommand() *command.Descriptor {
	return &command.Descriptor{
		Name: "log",
		Params: []command.Param{
			{Name: "message", Required: true, Mode: command.Template},
			{Name: "level", Default: "INFO", Mode: command.Template},
			{Name: "args", Mode: command.Template},
			{Name: "kwargs", Mode: command.Template},
		},
		Handler: runLog,
	}
}

func runLog(_ context.Context, call *command.Call) (command.Signal, error) {
	msg, _ := call.Arg("message")
	levelName, err := call.String("level")
	if err != nil {
		return command.None, err
	}
	level, ok := logLevels[strings.ToUpper(strings.TrimSpace(levelName))]
	if !ok {
		return command.None, types.NewInvalidParameter("unknown log level %q", levelName)
	}

	// WithLevel never exits or panics, even at fatal level.
	ev := call.Logger().WithLevel(level).Str("source", "script").Int("line", call.Node.Line)
	if args, ok := call.Arg("args"); ok && !args.IsNull() {
		ev = ev.Interface("args", args.ToGoValue())
	}
	if kwargs, ok := call.Arg("kwargs"); ok && !kwargs.IsNull() {
		if kwargs.Type() != types.TypeMap {
			return command.None, types.NewInvalidParameter("parameter \"kwargs\" of \"log\" must be a map, got %s", kwargs.Type())
		}
		m := kwargs.AsMap()
		for _, k := range m.Keys() {
			v, _ := m.Get(k)
			ev = ev.Interface(k, v.ToGoValue())
		}
	}

	ev.Msg(msg.String())
	return command.None, nil
}
