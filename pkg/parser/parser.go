// Package parser converts YAML script documents into command trees.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lemonberrylabs/yrunner/pkg/ast"
	"gopkg.in/yaml.v3"
)

// MaxSourceSize is the maximum script source size in bytes (128 KB).
const MaxSourceSize = 128 * 1024

// ParseError represents an error encountered while parsing a script.
type ParseError struct {
	Message string
	Line    int
	Column  int
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

func errorAt(node *yaml.Node, format string, args ...interface{}) *ParseError {
	return &ParseError{Message: fmt.Sprintf(format, args...), Line: node.Line, Column: node.Column}
}

// Parse parses a YAML script into its top-level command list.
// An empty document is an empty script.
func Parse(source []byte) ([]*ast.Command, error) {
	return (&docParser{}).parse(source)
}

// ParseLenient parses like Parse, except that a node which does not
// resolve to a command becomes a command with Invalid set, so that it only
// fails when execution reaches it. Errors in the document as a whole are
// still returned.
func ParseLenient(source []byte) ([]*ast.Command, error) {
	return (&docParser{lenient: true}).parse(source)
}

type docParser struct {
	lenient bool
}

func (p *docParser) parse(source []byte) ([]*ast.Command, error) {
	if len(source) > MaxSourceSize {
		return nil, &ParseError{Message: fmt.Sprintf("script source size %d exceeds maximum %d bytes", len(source), MaxSourceSize)}
	}

	var raw yaml.Node
	if err := yaml.Unmarshal(source, &raw); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("invalid YAML: %v", err)}
	}

	if raw.Kind != yaml.DocumentNode || len(raw.Content) == 0 {
		return []*ast.Command{}, nil
	}

	root := resolveAlias(raw.Content[0])
	if isNull(root) {
		return []*ast.Command{}, nil
	}
	return p.parseCommands(root)
}

// parseCommands parses a sequence of command nodes.
func (p *docParser) parseCommands(node *yaml.Node) ([]*ast.Command, error) {
	node = resolveAlias(node)
	if isNull(node) {
		return []*ast.Command{}, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, errorAt(node, "commands must be a sequence, got %s", kindName(node))
	}

	cmds := make([]*ast.Command, 0, len(node.Content))
	for _, item := range node.Content {
		cmd, err := p.parseCommand(item)
		if err != nil {
			if !p.lenient {
				return nil, err
			}
			cmd = invalidCommand(item, err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// invalidCommand records a node that failed to parse.
func invalidCommand(node *yaml.Node, err error) *ast.Command {
	node = resolveAlias(node)
	cmd := &ast.Command{
		Line:    node.Line,
		Column:  node.Column,
		Invalid: err,
		Doc:     nodeToInterface(node),
	}
	switch node.Kind {
	case yaml.ScalarNode:
		cmd.Name = node.Value
	case yaml.MappingNode:
		if len(node.Content) == 2 {
			cmd.Name = node.Content[0].Value
		}
	}
	return cmd
}

// parseCommand parses one command node: a bare name or a single-key mapping.
func (p *docParser) parseCommand(node *yaml.Node) (*ast.Command, error) {
	node = resolveAlias(node)
	cmd := &ast.Command{Line: node.Line, Column: node.Column}

	switch node.Kind {
	case yaml.ScalarNode:
		if isNull(node) {
			return nil, errorAt(node, "empty command")
		}
		cmd.Name = node.Value
		return cmd, nil

	case yaml.MappingNode:
		if keys := len(node.Content) / 2; keys != 1 {
			return nil, errorAt(node, "command must be a single-key mapping, got %d keys", keys)
		}
		cmd.Name = node.Content[0].Value
		if err := p.parseBody(cmd, node.Content[1]); err != nil {
			return nil, err
		}
		return cmd, nil
	}

	return nil, errorAt(node, "command must be a name or a single-key mapping, got %s", kindName(node))
}

// parseBody fills the command parameters from the value of its mapping.
func (p *docParser) parseBody(cmd *ast.Command, body *yaml.Node) error {
	body = resolveAlias(body)

	switch body.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(body.Content); i += 2 {
			if err := p.addParam(cmd, body.Content[i], body.Content[i+1]); err != nil {
				return err
			}
		}
		return nil

	case yaml.SequenceNode:
		// A list of single-key mappings is merged into one parameter bag.
		for _, item := range body.Content {
			item = resolveAlias(item)
			if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
				return errorAt(item, "parameters of %q must be a mapping or a list of single-key mappings", cmd.Name)
			}
			if err := p.addParam(cmd, item.Content[0], item.Content[1]); err != nil {
				return err
			}
		}
		return nil

	case yaml.ScalarNode:
		if isNull(body) {
			return nil
		}
		cmd.Shorthand = scalarToInterface(body)
		cmd.HasShorthand = true
		return nil
	}

	return errorAt(body, "invalid parameters for %q", cmd.Name)
}

func (p *docParser) addParam(cmd *ast.Command, key, val *yaml.Node) error {
	name := key.Value
	if cmd.Has(name) {
		return errorAt(key, "duplicate parameter %q in %q", name, cmd.Name)
	}

	if name == ast.BlockParam {
		block, err := p.parseCommands(val)
		if err != nil {
			return err
		}
		if cmd.Blocks == nil {
			cmd.Blocks = make(map[string][]*ast.Command)
		}
		cmd.Blocks[name] = block
	} else {
		if cmd.Params == nil {
			cmd.Params = make(map[string]interface{})
		}
		cmd.Params[name] = nodeToInterface(val)
	}
	cmd.Order = append(cmd.Order, name)
	return nil
}

// nodeToInterface converts a yaml.Node to a Go interface{}.
func nodeToInterface(node *yaml.Node) interface{} {
	switch node.Kind {
	case yaml.ScalarNode:
		return scalarToInterface(node)
	case yaml.SequenceNode:
		result := make([]interface{}, len(node.Content))
		for i, item := range node.Content {
			result[i] = nodeToInterface(item)
		}
		return result
	case yaml.MappingNode:
		result := make(map[string]interface{})
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			result[key] = nodeToInterface(node.Content[i+1])
		}
		return result
	case yaml.AliasNode:
		return nodeToInterface(node.Alias)
	}
	return nil
}

// scalarToInterface converts a YAML scalar node to the appropriate Go type.
func scalarToInterface(node *yaml.Node) interface{} {
	switch node.ShortTag() {
	case "!!null":
		return nil
	case "!!bool":
		b, err := strconv.ParseBool(strings.ToLower(node.Value))
		if err != nil {
			return node.Value
		}
		return b
	case "!!int":
		if i, err := strconv.ParseInt(node.Value, 0, 64); err == nil {
			return i
		}
		return node.Value
	case "!!float":
		if f, err := strconv.ParseFloat(node.Value, 64); err == nil {
			return f
		}
		return node.Value
	}
	return node.Value
}

func resolveAlias(node *yaml.Node) *yaml.Node {
	for node != nil && node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	return node
}

func isNull(node *yaml.Node) bool {
	return node == nil || (node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null")
}

func kindName(node *yaml.Node) string {
	switch node.Kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	default:
		return "node"
	}
}
