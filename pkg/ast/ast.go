// Package ast defines the command tree of a parsed script.
// A script is an ordered list of commands; block commands such as if and
// while carry nested command lists under their "commands" parameter.
package ast

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// BlockParam is the parameter that holds a nested command list.
const BlockParam = "commands"

// Command represents one script instruction.
type Command struct {
	// Name is the command tag, e.g. "set" or "while".
	Name string

	// Params holds the raw parameter values as decoded from the document,
	// excluding nested blocks.
	Params map[string]interface{}

	// Order lists parameter names (blocks included) in document order.
	Order []string

	// Blocks holds nested command lists keyed by parameter name.
	Blocks map[string][]*Command

	// Shorthand holds the scalar value of the `- name: value` form.
	// The engine binds it to the command's first declared parameter.
	Shorthand interface{}

	// HasShorthand distinguishes `- exit: null` from `- exit: 0`.
	HasShorthand bool

	// Line and Column locate the command in the source document.
	Line   int
	Column int

	// Invalid is set on a node that does not resolve to a command. Running
	// it fails with this error; Doc holds the node as decoded.
	Invalid error
	Doc     interface{}
}

// Param returns a raw parameter value.
func (c *Command) Param(name string) (interface{}, bool) {
	v, ok := c.Params[name]
	return v, ok
}

// Block returns a nested command list.
func (c *Command) Block(name string) ([]*Command, bool) {
	b, ok := c.Blocks[name]
	return b, ok
}

// Has reports whether the command carries the named parameter or block.
func (c *Command) Has(name string) bool {
	if _, ok := c.Params[name]; ok {
		return true
	}
	_, ok := c.Blocks[name]
	return ok
}

// Raw rebuilds the document form of the command.
func (c *Command) Raw() interface{} {
	if c.Invalid != nil {
		return c.Doc
	}
	if c.HasShorthand {
		return map[string]interface{}{c.Name: c.Shorthand}
	}
	if len(c.Order) == 0 {
		return c.Name
	}
	params := yaml.Node{Kind: yaml.MappingNode}
	for _, k := range c.Order {
		var v interface{}
		if block, ok := c.Blocks[k]; ok {
			items := make([]interface{}, len(block))
			for i, sub := range block {
				items[i] = sub.Raw()
			}
			v = items
		} else {
			v = c.Params[k]
		}
		var vn yaml.Node
		if err := vn.Encode(v); err != nil {
			vn = yaml.Node{Kind: yaml.ScalarNode, Value: fmt.Sprint(v)}
		}
		params.Content = append(params.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: k}, &vn)
	}
	return map[string]*yaml.Node{c.Name: &params}
}

// Render returns the command as a YAML snippet.
func (c *Command) Render() string {
	out, err := yaml.Marshal(c.Raw())
	if err != nil {
		return c.Name
	}
	return strings.TrimRight(string(out), "\n")
}

// String returns a short description for logs.
func (c *Command) String() string {
	if c.Invalid != nil && c.Name == "" {
		return fmt.Sprintf("invalid command (line %d)", c.Line)
	}
	if c.Line > 0 {
		return fmt.Sprintf("%s (line %d)", c.Name, c.Line)
	}
	return c.Name
}
