package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lemonberrylabs/yrunner/pkg/ast"
)

// ErrorKind classifies a script failure.
type ErrorKind string

// Error kinds.
const (
	KindInvalidCommand       ErrorKind = "InvalidCommand"
	KindInvalidParameter     ErrorKind = "InvalidParameter"
	KindInvalidContent       ErrorKind = "InvalidExpressionContent"
	KindStructuralControl    ErrorKind = "StructuralControlError"
	KindExpressionEvaluation ErrorKind = "ExpressionEvaluationError"
	KindGenericExecution     ErrorKind = "GenericExecutionError"
)

// ScriptError is a failure raised while executing a script.
// Command is the innermost command that failed; Trace lists the enclosing
// commands from innermost to outermost as the error propagated.
type ScriptError struct {
	Kind    ErrorKind
	Message string
	Command *ast.Command
	Trace   []*ast.Command
	Err     error
}

// Error implements the error interface.
func (e *ScriptError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil && e.Err.Error() != e.Message {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Command != nil {
		b.WriteString("\nin command ")
		b.WriteString(e.Command.String())
		b.WriteString(":\n")
		b.WriteString(indent(e.Command.Render(), "  "))
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ScriptError) Unwrap() error {
	return e.Err
}

// Attach records cmd as the command being executed while the error passed
// through. The first attached command becomes Command.
func (e *ScriptError) Attach(cmd *ast.Command) *ScriptError {
	if cmd == nil {
		return e
	}
	if e.Command == nil {
		e.Command = cmd
	}
	e.Trace = append(e.Trace, cmd)
	return e
}

// ToValue converts the error to a map value for run records.
func (e *ScriptError) ToValue() Value {
	m := NewOrderedMap()
	m.Set("kind", NewString(string(e.Kind)))
	m.Set("message", NewString(e.Message))
	if e.Err != nil {
		m.Set("cause", NewString(e.Err.Error()))
	}
	if e.Command != nil {
		m.Set("command", NewString(e.Command.Name))
		m.Set("line", NewInt(int64(e.Command.Line)))
		m.Set("source", NewString(e.Command.Render()))
	}
	trace := make([]Value, len(e.Trace))
	for i, c := range e.Trace {
		trace[i] = NewString(c.String())
	}
	m.Set("trace", NewList(trace))
	return NewMap(m)
}

// KindOf returns the kind of the first ScriptError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *ScriptError
	if errors.As(err, &se) && se != nil {
		return se.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries a ScriptError of kind k.
func IsKind(err error, k ErrorKind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

// AsScriptError returns err as a ScriptError, wrapping it as a
// GenericExecutionError when it is not one already.
func AsScriptError(err error) *ScriptError {
	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}
	return &ScriptError{Kind: KindGenericExecution, Message: err.Error(), Err: err}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// Common error constructors.

// NewInvalidCommand creates an InvalidCommand error.
func NewInvalidCommand(format string, args ...interface{}) *ScriptError {
	return &ScriptError{Kind: KindInvalidCommand, Message: fmt.Sprintf(format, args...)}
}

// NewInvalidParameter creates an InvalidParameter error.
func NewInvalidParameter(format string, args ...interface{}) *ScriptError {
	return &ScriptError{Kind: KindInvalidParameter, Message: fmt.Sprintf(format, args...)}
}

// NewInvalidContent creates an InvalidExpressionContent error.
func NewInvalidContent(format string, args ...interface{}) *ScriptError {
	return &ScriptError{Kind: KindInvalidContent, Message: fmt.Sprintf(format, args...)}
}

// NewStructuralError creates a StructuralControlError.
func NewStructuralError(format string, args ...interface{}) *ScriptError {
	return &ScriptError{Kind: KindStructuralControl, Message: fmt.Sprintf(format, args...)}
}

// NewEvalError creates an ExpressionEvaluationError.
func NewEvalError(format string, args ...interface{}) *ScriptError {
	return &ScriptError{Kind: KindExpressionEvaluation, Message: fmt.Sprintf(format, args...)}
}

// NewExecutionError wraps err as a GenericExecutionError.
func NewExecutionError(err error, format string, args ...interface{}) *ScriptError {
	return &ScriptError{Kind: KindGenericExecution, Message: fmt.Sprintf(format, args...), Err: err}
}
