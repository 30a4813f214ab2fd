package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lemonberrylabs/yrunner/pkg/runtime"
	"github.com/lemonberrylabs/yrunner/pkg/store"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

var (
	runVars      []string
	runMaxSteps  int
	runPrintVars bool
	runQuiet     bool
)

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Execute a script",
	Long: `Execute a script file ("-" reads standard input). The process exits
with the script's exit code; a failed run exits with 1.`,
	Args: cobra.ExactArgs(1),
	RunE: runScript,
}

func init() {
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "seed a variable, name=value (value is parsed as YAML); repeatable")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "maximum commands dispatched per run (overrides config)")
	runCmd.Flags().BoolVar(&runPrintVars, "print-vars", false, "print the final variables as JSON on stdout")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print the result line")
}

func readSource(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// parseVar splits name=value and decodes value as a YAML scalar or
// collection, so "n=3" seeds an integer and "s=hi" a string.
func parseVar(s string) (string, types.Value, error) {
	name, raw, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", types.Null, fmt.Errorf("invalid --var %q: expected name=value", s)
	}
	var v interface{}
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return "", types.Null, fmt.Errorf("invalid --var %q: %w", s, err)
	}
	if raw == "" {
		v = ""
	}
	return name, types.FromNative(v), nil
}

// seedEnvironment builds the run environment from the config variables and
// the --var flags, flags last.
func seedEnvironment(configVars map[string]interface{}, flags []string) (*runtime.Environment, error) {
	env := runtime.NewEnvironment()
	for k, v := range configVars {
		env.Set(k, types.FromNative(v))
	}
	for _, f := range flags {
		name, v, err := parseVar(f)
		if err != nil {
			return nil, err
		}
		env.Set(name, v)
	}
	return env, nil
}

func runScript(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("max-steps") {
		cfg.Runner.MaxSteps = runMaxSteps
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	source, err := readSource(args[0])
	if err != nil {
		return err
	}
	env, err := seedEnvironment(cfg.Variables, runVars)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := append(engineOptions(cfg), runtime.WithLogger(logger))
	start := time.Now()
	res := runtime.NewEngine(opts...).Run(ctx, source, env)
	took := time.Since(start)

	if runPrintVars {
		fmt.Fprintln(cmd.OutOrStdout(), store.EncodeValue(res.Env.ToValue()))
	}
	if !runQuiet {
		printResult(cmd.ErrOrStderr(), args[0], res, took)
	}

	code := res.Code
	if code == runtime.SentinelCode {
		code = 1
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func printResult(w io.Writer, name string, res runtime.Result, took time.Duration) {
	took = took.Round(time.Millisecond)
	if res.Failed() {
		color.New(color.FgRed, color.Bold).Fprintf(w, "FAILED %s", name)
		fmt.Fprintf(w, " after %d steps (%s)\n%v\n", res.Steps, took, res.Err)
		return
	}
	c := color.New(color.FgGreen, color.Bold)
	if res.Code != 0 {
		c = color.New(color.FgYellow, color.Bold)
	}
	c.Fprintf(w, "EXIT %d", res.Code)
	fmt.Fprintf(w, " %s: %d steps (%s)\n", name, res.Steps, took)
}
