package cli

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"github.com/hyperdbg-go/hvdbg/dispatch"
	"github.com/hyperdbg-go/hvdbg/events"
	"github.com/hyperdbg-go/hvdbg/kdcontroller"
	"github.com/hyperdbg-go/hvdbg/serialproto"
	"github.com/hyperdbg-go/hvdbg/term"
	"github.com/hyperdbg-go/hvdbg/vmm"
)

// Parse runs the kong command line.
func Parse() error {
	var c CLI

	ctx := kong.Parse(&c,
		kong.Name("hyperdbg-go"),
		kong.Description("hyperdbg-go is a software simulation of the HyperDbg kernel debugger engine"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

// eventKindNames maps the YAML "kind" string onto events.Kind.
var eventKindNames = map[string]events.Kind{
	"HIDDEN_HOOK_READ_AND_WRITE":    events.HiddenHookReadAndWrite,
	"HIDDEN_HOOK_READ_AND_EXECUTE":  events.HiddenHookReadAndExecute,
	"HIDDEN_HOOK_WRITE_AND_EXECUTE": events.HiddenHookWriteAndExecute,
	"HIDDEN_HOOK_EXEC_CC":           events.HiddenHookExecCC,
	"HIDDEN_HOOK_EXEC_DETOURS":      events.HiddenHookExecDetours,
	"SYSCALL_HOOK_EFER_SYSCALL":     events.SyscallHookEferSyscall,
	"SYSCALL_HOOK_EFER_SYSRET":      events.SyscallHookEferSysret,
	"CPUID_INSTRUCTION_EXECUTION":   events.CPUIDInstructionExecution,
	"RDMSR_INSTRUCTION_EXECUTION":   events.RDMSRInstructionExecution,
	"WRMSR_INSTRUCTION_EXECUTION":   events.WRMSRInstructionExecution,
	"IN_INSTRUCTION_EXECUTION":      events.IOInstructionExecution,
	"EXCEPTION_OCCURRED":            events.ExceptionOccurred,
	"EXTERNAL_INTERRUPT_OCCURRED":   events.ExternalInterruptOccurred,
	"DEBUG_REGISTERS_ACCESSED":      events.DebugRegistersAccessed,
	"TSC_INSTRUCTION_EXECUTION":     events.TSCInstructionExecution,
	"PMC_INSTRUCTION_EXECUTION":     events.PMCInstructionExecution,
	"VMCALL_INSTRUCTION_EXECUTION":  events.VMCALLInstructionExecution,
	"CONTROL_REGISTER_MODIFIED":     events.ControlRegisterModified,
	"CONTROL_REGISTER_READ":         events.ControlRegisterRead,
	"USER_MODE_EXECUTION_TRAP_MODE": events.UserModeExecutionTrapMode,
	"TRAP_EXECUTION_MODE_CHANGED":   events.TrapExecutionModeChanged,
}

// EventSpec is one YAML-encoded entry in an event-registration script.
type EventSpec struct {
	Kind         string `yaml:"kind"`
	CoreID       int    `yaml:"core_id"`
	ProcessID    int    `yaml:"process_id"`
	P1           uint64 `yaml:"p1"`
	P2           uint64 `yaml:"p2"`
	P3           uint64 `yaml:"p3"`
	P4           uint64 `yaml:"p4"`
	Stage        string `yaml:"stage"`
	ShortCircuit bool   `yaml:"short_circuit"`
}

func parseStage(s string) events.Stage {
	switch strings.ToLower(s) {
	case "pre":
		return events.StagePre
	case "post":
		return events.StagePost
	default:
		return events.StageAll
	}
}

// loadEventScript parses path as a YAML list of EventSpec entries.
func loadEventScript(path string) ([]EventSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading event script %s: %w", path, err)
	}

	var specs []EventSpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("parsing event script %s: %w", path, err)
	}

	return specs, nil
}

// registerAll creates every entry against store, reporting each tag or
// error without aborting on the first failure; a rejected entry installs
// nothing.
func registerAll(store *events.Store, specs []EventSpec, calledFromRoot bool) {
	for i, spec := range specs {
		kind, ok := eventKindNames[strings.ToUpper(spec.Kind)]
		if !ok {
			log.Printf("event[%d]: unknown kind %q", i, spec.Kind)

			continue
		}

		tag, err := store.Create(events.CreateOptions{
			Kind:               kind,
			CoreID:             spec.CoreID,
			ProcessID:          spec.ProcessID,
			Options:            events.Options{P1: spec.P1, P2: spec.P2, P3: spec.P3, P4: spec.P4},
			Stage:              parseStage(spec.Stage),
			EnableShortCircuit: spec.ShortCircuit,
			CalledFromRoot:     calledFromRoot,
		})
		if err != nil {
			log.Printf("event[%d] %s: %v", i, spec.Kind, err)

			continue
		}

		log.Printf("event[%d] %s: registered as tag %d", i, spec.Kind, tag)
	}
}

// Run implements the probe subcommand: report host capability and, if an
// event script was supplied, validate it against a scratch event store
// without starting the engine.
func (p *ProbeCmd) Run() error {
	fmt.Printf("logical processors available: %d\n", runtime.NumCPU())
	fmt.Printf("virtualization capability: %s\n", probeVirtualization())

	if p.EventsFile == "" {
		return nil
	}

	specs, err := loadEventScript(p.EventsFile)
	if err != nil {
		return err
	}

	store := events.NewStore(1)
	registerAll(store, specs, false)

	return nil
}

// probeVirtualization reports whether the host advertises VT-x support,
// read from /proc/cpuinfo on Linux. EPT support is not probed: that
// needs ring-0 MSR access.
func probeVirtualization() string {
	if runtime.GOOS != "linux" {
		return "unknown (capability probe only implemented for linux)"
	}

	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return fmt.Sprintf("unknown (%v)", err)
	}
	defer f.Close()

	hasVMX := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "flags") && strings.Contains(line, "vmx") {
			hasVMX = true

			break
		}
	}

	if hasVMX {
		return "VT-x present (EPT support not probed without ring-0 access)"
	}

	return "VT-x not advertised in /proc/cpuinfo"
}

// consoleTransport adapts stdin/stdout to kdcontroller.Transport for the
// --port console mode.
type consoleTransport struct {
	in  *bufio.Reader
	out *os.File
}

func (c *consoleTransport) ReadByte() (byte, error) { return c.in.ReadByte() }

func (c *consoleTransport) Write(p []byte) (int, error) { return c.out.Write(p) }

// Run implements the serve subcommand: validate the transport parameters,
// build a VmmContext, optionally replay an event script, and drive
// KdController's receive/dispatch/reply loop until stdin closes.
func (s *ServeCmd) Run() error {
	if err := serialproto.ValidateBaud(s.Baud); err != nil {
		return err
	}

	portNum, isConsole, err := parsePort(s.Port)
	if err != nil {
		return err
	}

	if !isConsole {
		if err := serialproto.ValidatePort(serialproto.ComPort(portNum)); err != nil {
			return err
		}
	}

	ctx, err := vmm.NewContext(vmm.Config{NumCores: s.NumCores, FirstTag: 1})
	if err != nil {
		return fmt.Errorf("building VMM context: %w", err)
	}

	if s.EventsFile != "" {
		specs, err := loadEventScript(s.EventsFile)
		if err != nil {
			return err
		}

		registerAll(ctx.Events, specs, false)
	}

	defer ctx.Close()

	ctx.AttachDebugger()

	var tx kdcontroller.Transport

	announcePort := serialproto.COM1

	if isConsole {
		if term.IsTerminal() {
			restore, err := term.SetRawMode()
			if err != nil {
				return err
			}

			defer restore()
		}

		tx = &consoleTransport{in: bufio.NewReader(os.Stdin), out: os.Stdout}
	} else {
		com, err := serialproto.OpenComPort(serialproto.ComPort(portNum), s.Baud)
		if err != nil {
			return err
		}

		defer com.Close()

		tx = com
		announcePort = serialproto.ComPort(portNum)
	}

	kd := kdcontroller.New(tx, ctx.Halt, 0, s.OSName, handlersFor(ctx))

	ctx.Dispatch.OnBreak = func(_ *events.Event, dctx *dispatch.Context) {
		_ = kd.NotifyPaused(dctx.Regs.RIP)
	}

	if err := kd.SerialConnectionPrepare(s.Baud, announcePort); err != nil {
		return err
	}

	log.Printf("hyperdbg-go serving %d core(s) over %s", s.NumCores, s.Port)

	return kd.Run(nil)
}

const debuggeeCore = 0

// handlersFor wires every kdcontroller action to the live VmmContext: no
// action reaching this controller is a no-op reply once serve is running.
func handlersFor(ctx *vmm.Context) kdcontroller.Handlers {
	return kdcontroller.Handlers{
		Step: func(kdcontroller.ActionCode) error {
			return ctx.Step(debuggeeCore)
		},
		Continue: func() error {
			return ctx.Continue(debuggeeCore)
		},
		Close: func() error {
			ctx.Close()

			return nil
		},
		ReadMemory: func(body []byte) ([]byte, error) {
			va, size, err := decodeReadMemory(body)
			if err != nil {
				return nil, err
			}

			return ctx.ReadMemory(debuggeeCore, va, size)
		},
		WriteMemory: func(body []byte) error {
			va, data, err := decodeWriteMemory(body)
			if err != nil {
				return err
			}

			return ctx.WriteMemory(debuggeeCore, va, data)
		},
		ReadRegisters: func() []byte {
			core, err := ctx.Core(debuggeeCore)
			if err != nil {
				return nil
			}

			return core.Regs.MarshalBinary()
		},
		RegisterEvent: func(body []byte) (uint64, error) {
			opts, err := decodeRegisterEvent(body)
			if err != nil {
				return 0, err
			}

			return ctx.Events.Create(opts)
		},
		ModifyEvent: func(body []byte) error {
			tag, action, err := decodeModifyEvent(body)
			if err != nil {
				return err
			}

			_, err = ctx.Events.Modify(tag, action)

			return err
		},
		QueryEvent: func(body []byte) ([]byte, error) {
			if len(body) < 8 {
				return nil, fmt.Errorf("query event body: want 8 bytes, got %d", len(body))
			}

			tag := binary.LittleEndian.Uint64(body)

			enabled, err := ctx.Events.Modify(tag, events.ModifyQueryState)
			if err != nil {
				return nil, err
			}

			out := byte(0)
			if enabled {
				out = 1
			}

			return []byte{out}, nil
		},
		RunScript: func(body []byte) ([]byte, error) {
			var specs []EventSpec
			if err := yaml.Unmarshal(body, &specs); err != nil {
				return nil, fmt.Errorf("parsing run-script body: %w", err)
			}

			registerAll(ctx.Events, specs, false)

			return nil, nil
		},
		ListBreakpoints: func() []byte {
			bps := ctx.Hooks.ListBreakpoints()

			out := make([]byte, 4+len(bps)*16)
			binary.LittleEndian.PutUint32(out, uint32(len(bps)))

			for i, bp := range bps {
				off := 4 + i*16
				binary.LittleEndian.PutUint64(out[off:], bp.Address)
				binary.LittleEndian.PutUint64(out[off+8:], bp.Tag)
			}

			return out
		},
		AddBreakpoint: func(body []byte) error {
			if len(body) < 16 {
				return fmt.Errorf("add breakpoint body: want 16 bytes, got %d", len(body))
			}

			va := binary.LittleEndian.Uint64(body)
			tag := binary.LittleEndian.Uint64(body[8:])

			return ctx.AddBreakpoint(debuggeeCore, va, tag)
		},
		ResolveVAToPA: func(body []byte) ([]byte, error) {
			addr, err := decodeAddress(body)
			if err != nil {
				return nil, err
			}

			phys, err := ctx.Guest.Translate(addr)
			if err != nil {
				return nil, err
			}

			return encodeAddress(phys), nil
		},
		ResolvePAToVA: func(body []byte) ([]byte, error) {
			addr, err := decodeAddress(body)
			if err != nil {
				return nil, err
			}

			va, err := ctx.Guest.ReverseLookup(addr)
			if err != nil {
				return nil, err
			}

			return encodeAddress(va), nil
		},
		QueryPTE: func(body []byte) ([]byte, error) {
			pte, err := ctx.Mapper.GetPTE(debuggeeCore)
			if err != nil {
				return nil, err
			}

			phys, cr3, _ := pte.Mapped()

			out := make([]byte, 24)
			binary.LittleEndian.PutUint64(out, pte.VA)
			binary.LittleEndian.PutUint64(out[8:], phys)
			binary.LittleEndian.PutUint64(out[16:], cr3)

			return out, nil
		},
		ReloadSymbols: func() error {
			// Symbol loading lives in the remote controller; the debuggee
			// side only has to acknowledge the request.
			return nil
		},
	}
}

// decodeAddress decodes the 8-byte little-endian address body the resolve
// requests carry.
func decodeAddress(body []byte) (uint64, error) {
	if len(body) < 8 {
		return 0, fmt.Errorf("address body: want 8 bytes, got %d", len(body))
	}

	return binary.LittleEndian.Uint64(body), nil
}

func encodeAddress(addr uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, addr)

	return out
}

func decodeReadMemory(body []byte) (va uint64, size int, err error) {
	if len(body) < 12 {
		return 0, 0, fmt.Errorf("read memory body: want 12 bytes, got %d", len(body))
	}

	va = binary.LittleEndian.Uint64(body)
	size = int(binary.LittleEndian.Uint32(body[8:]))

	return va, size, nil
}

func decodeWriteMemory(body []byte) (va uint64, data []byte, err error) {
	if len(body) < 8 {
		return 0, nil, fmt.Errorf("write memory body: want at least 8 bytes, got %d", len(body))
	}

	va = binary.LittleEndian.Uint64(body)

	return va, body[8:], nil
}

func decodeModifyEvent(body []byte) (tag uint64, action events.ModifyAction, err error) {
	if len(body) < 9 {
		return 0, 0, fmt.Errorf("modify event body: want 9 bytes, got %d", len(body))
	}

	tag = binary.LittleEndian.Uint64(body)
	action = events.ModifyAction(body[8])

	return tag, action, nil
}

// decodeRegisterEvent decodes the wire body a remote debugger sends for a
// RegisterEvent request: Kind uint32, CoreID int32, ProcessID int32, P1..P4
// uint64, Stage uint8, ShortCircuit uint8 — 46 bytes.
func decodeRegisterEvent(body []byte) (events.CreateOptions, error) {
	const wantLen = 4 + 4 + 4 + 8*4 + 1 + 1

	if len(body) < wantLen {
		return events.CreateOptions{}, fmt.Errorf("register event body: want %d bytes, got %d", wantLen, len(body))
	}

	kind := events.Kind(binary.LittleEndian.Uint32(body[0:4]))
	coreID := int32(binary.LittleEndian.Uint32(body[4:8]))
	processID := int32(binary.LittleEndian.Uint32(body[8:12]))

	opts := events.CreateOptions{
		Kind:      kind,
		CoreID:    int(coreID),
		ProcessID: int(processID),
		Options: events.Options{
			P1: binary.LittleEndian.Uint64(body[12:20]),
			P2: binary.LittleEndian.Uint64(body[20:28]),
			P3: binary.LittleEndian.Uint64(body[28:36]),
			P4: binary.LittleEndian.Uint64(body[36:44]),
		},
		Stage:              events.Stage(body[44]),
		EnableShortCircuit: body[45] != 0,
		// A remote-registered event's only action is the classic
		// HyperDbg one: hand control to the kernel debugger controller.
		// Scripted/custom-code actions are only reachable today via the
		// startup YAML path's registerAll, not over the wire.
		Actions: []events.Action{{Kind: events.ActionBreakToDebugger}},
	}

	return opts, nil
}
