package command

import (
	"fmt"

	"github.com/lemonberrylabs/yrunner/pkg/ast"
)

// SignalKind identifies a control transfer.
type SignalKind int

const (
	SignalNone     SignalKind = iota // continue with the next command
	SignalBreak                      // leave the nearest loop
	SignalContinue                   // start the next iteration of the nearest loop
	SignalExit                       // end the run with Code
)

// Signal is the control outcome of executing a command. It travels up the
// call chain as a value, never as an error, until a construct that handles
// it consumes it.
type Signal struct {
	Kind SignalKind
	Code int

	// Origin is the command that raised the signal, set by the engine.
	Origin *ast.Command
}

// Predefined signals.
var (
	None     = Signal{Kind: SignalNone}
	Break    = Signal{Kind: SignalBreak}
	Continue = Signal{Kind: SignalContinue}
)

// Exit returns an exit signal carrying code.
func Exit(code int) Signal {
	return Signal{Kind: SignalExit, Code: code}
}

// Is reports whether s is of kind k.
func (s Signal) Is(k SignalKind) bool {
	return s.Kind == k
}

// IsNone reports whether execution continues normally.
func (s Signal) IsNone() bool {
	return s.Kind == SignalNone
}

func (s Signal) String() string {
	switch s.Kind {
	case SignalNone:
		return "none"
	case SignalBreak:
		return "break"
	case SignalContinue:
		return "continue"
	case SignalExit:
		return fmt.Sprintf("exit(%d)", s.Code)
	default:
		return "unknown"
	}
}
