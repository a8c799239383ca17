// Package dispatch evaluates events on a VM-exit and runs their action
// chains, including the short-circuiting and post-event handling.
package dispatch

import (
	"errors"

	"github.com/hyperdbg-go/hvdbg/cpustate"
	"github.com/hyperdbg-go/hvdbg/events"
)

// TriggerStatus discriminates the outcome of a Trigger call.
type TriggerStatus int

const (
	SuccessfulNoHandler TriggerStatus = iota
	SuccessfulHandled
	SuccessfulIgnored
	DebuggerNotEnabled
	InvalidEventType
)

func (s TriggerStatus) String() string {
	switch s {
	case SuccessfulNoHandler:
		return "SuccessfulNoHandler"
	case SuccessfulHandled:
		return "SuccessfulHandled"
	case SuccessfulIgnored:
		return "SuccessfulIgnored"
	case DebuggerNotEnabled:
		return "DebuggerNotEnabled"
	case InvalidEventType:
		return "InvalidEventType"
	default:
		return "TriggerStatus(unknown)"
	}
}

// Context is the per-exit data an action may consult or mutate.
type Context struct {
	CoreID    int
	ProcessID int
	Regs      *cpustate.Regs
	Opaque    any
}

// BreakHandler is invoked when an action of kind ActionBreakToDebugger
// runs; it corresponds to handing control to KdController.
type BreakHandler func(ev *events.Event, ctx *Context)

// ScriptRunner executes an action's script_program, returning any
// printf-style output produced.
type ScriptRunner func(program []byte, ctx *Context) []byte

// CustomCodeRunner executes an action's native blob, returning the pointer
// to data it produced (opaque to this package).
type CustomCodeRunner func(code []byte, ctx *Context) any

// MessageSink receives RunScript output; if immediateSend is false the
// caller is expected to accumulate rather than transmit right away.
type MessageSink func(msg []byte, immediateSend bool)

// Dispatcher ties an event store to the callbacks that actually perform
// each action kind.
type Dispatcher struct {
	Store           *events.Store
	DebuggerEnabled func() bool
	OnBreak         BreakHandler
	RunScript       ScriptRunner
	RunCustomCode   CustomCodeRunner
	Messages        MessageSink
}

// ErrDebuggerNotEnabled is the error Trigger returns whenever it is called
// while DebuggerEnabled reports false.
var ErrDebuggerNotEnabled = errors.New("kernel debugger not enabled")

// Trigger evaluates every enabled event of kind whose scoping matches ctx
// and whose stage accepts stage, in registration order, running their
// action chains. It returns SuccessfulIgnored if any matching pre-stage
// event short-circuited the exit's normal emulation.
func (d *Dispatcher) Trigger(kind events.Kind, stage events.Stage, ctx *Context) (TriggerStatus, error) {
	if d.DebuggerEnabled != nil && !d.DebuggerEnabled() {
		return DebuggerNotEnabled, ErrDebuggerNotEnabled
	}

	if int(kind) < 0 {
		return InvalidEventType, events.ErrInvalidEventType
	}

	matches := d.Store.Matching(kind, ctx.CoreID, ctx.ProcessID, stage)

	if len(matches) == 0 {
		return SuccessfulNoHandler, nil
	}

	ignored := false
	handled := false

	for _, ev := range matches {
		if ev.ConditionProgram != nil && !EvalCondition(ev.ConditionProgram, ctx.Regs) {
			continue
		}

		handled = true

		for _, action := range ev.Actions {
			switch action.Kind {
			case events.ActionBreakToDebugger:
				if ev.EnableShortCircuit && stage == events.StagePre {
					ignored = true
				}

				if d.OnBreak != nil {
					d.OnBreak(ev, ctx)
				}
			case events.ActionRunScript:
				var out []byte
				if d.RunScript != nil {
					out = d.RunScript(action.ScriptProgram, ctx)
				}

				if d.Messages != nil {
					d.Messages(out, action.ImmediateSend)
				}
			case events.ActionRunCustomCode:
				if d.RunCustomCode != nil {
					d.RunCustomCode(action.CustomCodeBytes, ctx)
				}
			}
		}
	}

	if ignored {
		return SuccessfulIgnored, nil
	}

	if handled {
		return SuccessfulHandled, nil
	}

	return SuccessfulNoHandler, nil
}
