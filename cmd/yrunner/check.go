package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lemonberrylabs/yrunner/pkg/ast"
	"github.com/lemonberrylabs/yrunner/pkg/command"
	"github.com/lemonberrylabs/yrunner/pkg/parser"
	"github.com/lemonberrylabs/yrunner/pkg/runtime"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

var checkQuiet bool

var checkCmd = &cobra.Command{
	Use:   "check FILE",
	Short: "Parse a script and print its command tree",
	Long: `Parse a script file ("-" reads standard input), check that every
command is known, and print the normalized command tree as YAML.`,
	Args: cobra.ExactArgs(1),
	RunE: checkScript,
}

func init() {
	checkCmd.Flags().BoolVarP(&checkQuiet, "quiet", "q", false, "only report errors")
}

// unknownCommands walks the tree and reports commands the registry lacks.
func unknownCommands(reg *command.Registry, cmds []*ast.Command) []error {
	var errs []error
	for _, c := range cmds {
		if _, ok := reg.Lookup(c.Name); !ok {
			errs = append(errs, types.NewInvalidCommand("unknown command %q", c.Name).Attach(c))
		}
		for _, name := range c.Order {
			if block, ok := c.Block(name); ok {
				errs = append(errs, unknownCommands(reg, block)...)
			}
		}
	}
	return errs
}

func countCommands(cmds []*ast.Command) int {
	n := 0
	for _, c := range cmds {
		n++
		for _, block := range c.Blocks {
			n += countCommands(block)
		}
	}
	return n
}

func checkScript(cmd *cobra.Command, args []string) error {
	source, err := readSource(args[0])
	if err != nil {
		return err
	}
	cmds, err := parser.Parse(source)
	if err != nil {
		return err
	}

	red := color.New(color.FgRed, color.Bold)
	if errs := unknownCommands(runtime.NewEngine().Registry(), cmds); len(errs) > 0 {
		for _, e := range errs {
			red.Fprint(cmd.ErrOrStderr(), "ERROR ")
			fmt.Fprintln(cmd.ErrOrStderr(), e)
		}
		return &exitError{code: 1}
	}

	if !checkQuiet {
		tree := make([]interface{}, len(cmds))
		for i, c := range cmds {
			tree[i] = c.Raw()
		}
		out, err := yaml.Marshal(tree)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
	}
	color.New(color.FgGreen, color.Bold).Fprint(cmd.ErrOrStderr(), "OK ")
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d commands\n", args[0], countCommands(cmds))
	return nil
}
