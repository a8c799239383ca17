// Package kdcontroller drives the debuggee side of the wire: it prepares
// the transport, announces itself, and runs the receive/dispatch/reply
// loop that interprets packets from the remote debugger.
package kdcontroller

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/hyperdbg-go/hvdbg/halt"
	"github.com/hyperdbg-go/hvdbg/serialproto"
)

// ActionCode enumerates the request actions a debuggee packet may carry,
// and the matching DEBUGGEE_TO_DEBUGGER reply code each produces.
type ActionCode uint32

const (
	ActionStepIn ActionCode = iota + 1
	ActionStepOver
	ActionStepOut
	ActionContinue
	ActionClose
	ActionReadMemory
	ActionWriteMemory
	ActionReadRegisters
	ActionRegisterEvent
	ActionModifyEvent
	ActionQueryEvent
	ActionRunScript
	ActionListBreakpoints
	ActionAddBreakpoint
	ActionResolvePAToVA
	ActionResolveVAToPA
	ActionReloadSymbols
	ActionQueryPTE
	ActionTestEcho

	// ActionDebuggeeStarted is emitted once, unsolicited, right after the
	// transport is prepared.
	ActionDebuggeeStarted
	// ActionPaused is emitted when a break action hands control here.
	ActionPaused
)

// ErrPreparingDebuggeeFailed wraps any transport-setup failure.
var ErrPreparingDebuggeeFailed = errors.New("preparing debuggee failed")

// Transport is the minimal byte-level surface kdcontroller needs from a
// concrete serial/named-pipe link.
type Transport interface {
	ReadByte() (byte, error)
	Write(p []byte) (int, error)
}

// Handlers are the callbacks that actually perform each request; nil
// entries degrade to a no-op reply with OperationSuccessful-equivalent
// zero status, matching a minimal debuggee that only supports a subset of
// actions.
type Handlers struct {
	Step            func(kind ActionCode) error
	Continue        func() error
	Close           func() error
	ReadMemory      func(body []byte) ([]byte, error)
	WriteMemory     func(body []byte) error
	ReadRegisters   func() []byte
	RegisterEvent   func(body []byte) (uint64, error)
	ModifyEvent     func(body []byte) error
	QueryEvent      func(body []byte) ([]byte, error)
	RunScript       func(body []byte) ([]byte, error)
	ListBreakpoints func() []byte
	AddBreakpoint   func(body []byte) error
	ResolvePAToVA   func(body []byte) ([]byte, error)
	ResolveVAToPA   func(body []byte) ([]byte, error)
	ReloadSymbols   func() error
	QueryPTE        func(body []byte) ([]byte, error)
}

// Controller ties a Transport to a Receiver/Handlers pair and the
// halt coordinator a break action must engage.
type Controller struct {
	tx       Transport
	rx       *serialproto.Receiver
	handlers Handlers
	halt     *halt.Coordinator
	core     int

	osName string
}

// New creates a Controller. osName is reported in the DebuggeeStarted
// packet.
func New(tx Transport, halt *halt.Coordinator, core int, osName string, handlers Handlers) *Controller {
	return &Controller{
		tx:       tx,
		rx:       serialproto.NewReceiver(),
		handlers: handlers,
		halt:     halt,
		core:     core,
		osName:   osName,
	}
}

// SerialConnectionPrepare validates baud/port, then sends the
// DebuggeeStarted announcement. A real link's baud/port programming is
// part of the external transport; here validation is enough to surface
// InvalidBaudrate/InvalidSerialPort before announcing.
func (c *Controller) SerialConnectionPrepare(baud int, port serialproto.ComPort) error {
	if err := serialproto.ValidateBaud(baud); err != nil {
		return fmt.Errorf("%w: %v", ErrPreparingDebuggeeFailed, err)
	}

	if err := serialproto.ValidatePort(port); err != nil {
		return fmt.Errorf("%w: %v", ErrPreparingDebuggeeFailed, err)
	}

	return c.send(serialproto.Packet{
		Type:   serialproto.DebuggeeToDebugger,
		Action: uint32(ActionDebuggeeStarted),
		Body:   []byte(c.osName),
	})
}

func (c *Controller) send(p serialproto.Packet) error {
	encoded, err := serialproto.Encode(p)
	if err != nil {
		return err
	}

	_, err = c.tx.Write(serialproto.Frame(encoded))

	return err
}

// Run drives the top-level loop: receive a packet, dispatch by action,
// emit a response packet. It returns when stop is closed or a transport
// read error that is not a framing error occurs.
func (c *Controller) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		b, err := c.tx.ReadByte()
		if err != nil {
			return err
		}

		frame, ok, err := c.rx.Push(b)
		if err != nil {
			// Transport framing error: drop and continue.
			continue
		}

		if !ok {
			runtime.Gosched()

			continue
		}

		pkt, err := serialproto.Decode(frame)
		if err != nil {
			continue
		}

		reply := c.dispatch(pkt)

		if err := c.send(reply); err != nil {
			return err
		}
	}
}

func (c *Controller) dispatch(pkt serialproto.Packet) serialproto.Packet {
	reply := func(action ActionCode, body []byte) serialproto.Packet {
		return serialproto.Packet{Type: serialproto.DebuggeeToDebugger, Action: uint32(action), Body: body}
	}

	switch ActionCode(pkt.Action) {
	case ActionStepIn, ActionStepOver, ActionStepOut:
		if c.handlers.Step != nil {
			_ = c.handlers.Step(ActionCode(pkt.Action))
		}

		return reply(ActionCode(pkt.Action), nil)

	case ActionContinue:
		if c.handlers.Continue != nil {
			_ = c.handlers.Continue()
		}

		return reply(ActionContinue, nil)

	case ActionClose:
		if c.handlers.Close != nil {
			_ = c.handlers.Close()
		}

		return reply(ActionClose, nil)

	case ActionReadMemory:
		var body []byte

		var err error

		if c.handlers.ReadMemory != nil {
			body, err = c.handlers.ReadMemory(pkt.Body)
		}

		return reply(ActionReadMemory, statusBody(body, err))

	case ActionWriteMemory:
		var err error

		if c.handlers.WriteMemory != nil {
			err = c.handlers.WriteMemory(pkt.Body)
		}

		return reply(ActionWriteMemory, statusBody(nil, err))

	case ActionReadRegisters:
		var body []byte

		if c.handlers.ReadRegisters != nil {
			body = c.handlers.ReadRegisters()
		}

		return reply(ActionReadRegisters, body)

	case ActionRegisterEvent:
		var tag uint64

		var err error

		if c.handlers.RegisterEvent != nil {
			tag, err = c.handlers.RegisterEvent(pkt.Body)
		}

		return reply(ActionRegisterEvent, tagBody(tag, err))

	case ActionModifyEvent:
		var err error

		if c.handlers.ModifyEvent != nil {
			err = c.handlers.ModifyEvent(pkt.Body)
		}

		return reply(ActionModifyEvent, statusBody(nil, err))

	case ActionQueryEvent:
		var body []byte

		var err error

		if c.handlers.QueryEvent != nil {
			body, err = c.handlers.QueryEvent(pkt.Body)
		}

		return reply(ActionQueryEvent, statusBody(body, err))

	case ActionRunScript:
		var body []byte

		var err error

		if c.handlers.RunScript != nil {
			body, err = c.handlers.RunScript(pkt.Body)
		}

		return reply(ActionRunScript, statusBody(body, err))

	case ActionListBreakpoints:
		var body []byte

		if c.handlers.ListBreakpoints != nil {
			body = c.handlers.ListBreakpoints()
		}

		return reply(ActionListBreakpoints, body)

	case ActionAddBreakpoint:
		var err error

		if c.handlers.AddBreakpoint != nil {
			err = c.handlers.AddBreakpoint(pkt.Body)
		}

		return reply(ActionAddBreakpoint, statusBody(nil, err))

	case ActionResolvePAToVA:
		var body []byte

		var err error

		if c.handlers.ResolvePAToVA != nil {
			body, err = c.handlers.ResolvePAToVA(pkt.Body)
		}

		return reply(ActionResolvePAToVA, statusBody(body, err))

	case ActionResolveVAToPA:
		var body []byte

		var err error

		if c.handlers.ResolveVAToPA != nil {
			body, err = c.handlers.ResolveVAToPA(pkt.Body)
		}

		return reply(ActionResolveVAToPA, statusBody(body, err))

	case ActionReloadSymbols:
		var err error

		if c.handlers.ReloadSymbols != nil {
			err = c.handlers.ReloadSymbols()
		}

		return reply(ActionReloadSymbols, statusBody(nil, err))

	case ActionQueryPTE:
		var body []byte

		var err error

		if c.handlers.QueryPTE != nil {
			body, err = c.handlers.QueryPTE(pkt.Body)
		}

		return reply(ActionQueryPTE, statusBody(body, err))

	case ActionTestEcho:
		return reply(ActionTestEcho, pkt.Body)

	default:
		return reply(ActionTestEcho, nil)
	}
}

func statusBody(body []byte, err error) []byte {
	status := byte(0)
	if err != nil {
		status = 1
	}

	return append([]byte{status}, body...)
}

func tagBody(tag uint64, err error) []byte {
	status := byte(0)
	if err != nil {
		status = 1
	}

	out := make([]byte, 9)
	out[0] = status

	for i := 0; i < 8; i++ {
		out[1+i] = byte(tag >> (8 * i))
	}

	return out
}

// NotifyPaused sends a Paused reply carrying rip, used by the hook engine
// / dispatcher integration when a BreakToDebugger action fires. Before
// announcing the pause, every peer core is pulled into its halt loop so
// the system is quiescent while the remote debugger inspects it.
func (c *Controller) NotifyPaused(rip uint64) error {
	if err := c.halt.BroadcastTaskAllCores(halt.TaskTest, true, false, nil); err != nil {
		return err
	}

	body := make([]byte, 8)

	for i := 0; i < 8; i++ {
		body[i] = byte(rip >> (8 * i))
	}

	return c.send(serialproto.Packet{Type: serialproto.DebuggeeToDebugger, Action: uint32(ActionPaused), Body: body})
}
