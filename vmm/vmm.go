// Package vmm ties every leaf component into the per-core VmmContext: no
// ambient globals, one value built at virtualization time and threaded
// through every callback explicitly.
//
// The context owns the per-core slots and the components they share,
// exposed through small verb-named methods. What it drives is a simulated
// logical processor running the debugger engine: EnterRoot/ExitRoot stand
// in for the external VMXON/VMCS bring-up plumbing, and HandleVMExit
// plays the part of a real root-mode exit dispatcher.
package vmm

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/hyperdbg-go/hvdbg/broadcast"
	"github.com/hyperdbg-go/hvdbg/cpustate"
	"github.com/hyperdbg-go/hvdbg/dispatch"
	"github.com/hyperdbg-go/hvdbg/ept"
	"github.com/hyperdbg-go/hvdbg/events"
	"github.com/hyperdbg-go/hvdbg/halt"
	"github.com/hyperdbg-go/hvdbg/hooks"
	"github.com/hyperdbg-go/hvdbg/memmapper"
	"github.com/hyperdbg-go/hvdbg/protectedhv"
	"github.com/hyperdbg-go/hvdbg/rootpool"
	"github.com/hyperdbg-go/hvdbg/syscallhook"
)

// ErrBadCore is returned whenever a core id falls outside [0, NumCores).
var ErrBadCore = errors.New("bad core number")

// ErrVirtualizationUnsupported stands in for a fatal VMXON failure at
// bring-up: the host lacks VT-x+EPT, or MTRR enumeration failed.
var ErrVirtualizationUnsupported = errors.New("virtualization unsupported")

// ErrOutOfPreallocatedPool is returned when a hook install cannot obtain a
// pre-allocated pool block; the replenishment request it leaves behind is
// served on the next return to non-root mode.
var ErrOutOfPreallocatedPool = errors.New("out of pre-allocated pool blocks")

// DebugState records a core's process/thread tracing flags: whether
// process- or thread-scoped interception is currently armed on this core,
// and for whom.
type DebugState struct {
	ProcessInterceptionEnabled bool
	ThreadInterceptionEnabled  bool
	TargetProcessID            uint64
	TargetThreadID             uint64
}

// VMXOffPending records the saved continuation point when a core has
// requested VMXOFF but has not yet executed it.
type VMXOffPending struct {
	Pending bool
	RIP     uint64
	RSP     uint64
}

// CoreState is the per-logical-processor record. It is created when its
// owning core is virtualized and never moves afterward; Context.Cores
// holds it by pointer for the lifetime of the VMM.
type CoreState struct {
	CoreID int

	IsInRootMode bool
	IncrementRip bool

	LastExitReason        ExitReason
	LastExitQualification uint64
	LastVMExitRIP         uint64

	VMXOffPending VMXOffPending

	Regs  cpustate.Regs
	SRegs cpustate.SRegs

	UsingSecondaryEPT bool

	MTFPendingPhys   uint64
	MTFIgnoreUnset   bool
	MTFRegisterBreak bool

	EnableExtIntOnContinue bool
	EnableExtIntOnMTF      bool

	DebugState DebugState

	// PendingInterrupts is the FIFO of injected vectors awaiting
	// delivery, bounded at maxPendingInterrupts.
	PendingInterrupts []uint8

	NmiBroadcastAction halt.NmiBroadcastAction

	Mailbox *halt.PendingTask
}

const maxPendingInterrupts = 64

func newCoreState(id int, mailbox *halt.PendingTask) *CoreState {
	return &CoreState{
		CoreID:             id,
		Mailbox:            mailbox,
		PendingInterrupts:  make([]uint8, 0, maxPendingInterrupts),
		NmiBroadcastAction: halt.NmiTest,
	}
}

// PushInterrupt enqueues vector for later injection. It reports false
// (and drops the vector) once the queue is at capacity, mirroring real
// pending-interrupt-queue exhaustion.
func (c *CoreState) PushInterrupt(vector uint8) bool {
	if len(c.PendingInterrupts) >= maxPendingInterrupts {
		return false
	}

	c.PendingInterrupts = append(c.PendingInterrupts, vector)

	return true
}

// PopInterrupt dequeues the oldest pending vector, if any.
func (c *CoreState) PopInterrupt() (uint8, bool) {
	if len(c.PendingInterrupts) == 0 {
		return 0, false
	}

	v := c.PendingInterrupts[0]
	c.PendingInterrupts = c.PendingInterrupts[1:]

	return v, true
}

// ExitReason discriminates the VM-exit reasons this engine routes.
type ExitReason int

const (
	ExitEPTViolation ExitReason = iota
	ExitEPTMisconfig
	ExitMonitorTrapFlag
	ExitCPUID
	ExitRDMSR
	ExitWRMSR
	ExitIOInstruction
	ExitException
	ExitExternalInterrupt
	ExitDebugRegisterAccess
	ExitRDTSC
	ExitRDPMC
	ExitVMCALL
	ExitControlRegisterAccess
	ExitUndefinedOpcode // routed to SyscallInterception first
)

// Context is the VmmContext: every shared component plus the per-core
// array, constructed once and passed explicitly to every callback instead
// of read from package-level globals.
type Context struct {
	NumCores int
	Cores    []*CoreState

	Pool        *rootpool.RootPool
	Mapper      *memmapper.Mapper
	EPT         *ept.Table
	Hooks       *hooks.Engine
	Protected   *protectedhv.Controls
	Events      *events.Store
	Dispatch    *dispatch.Dispatcher
	Halt        *halt.Coordinator
	Syscalls    *syscallhook.TrapState
	Broadcaster *broadcast.Broadcaster

	// Guest is the simulated address space read/written on behalf of the
	// debuggee by ReadMemory/WriteMemory/AddBreakpoint, keyed to CR3 0
	// since this tree models a single target process.
	Guest *memmapper.AddressSpace

	mu             sync.Mutex
	kernelDebugger bool
	eventsEnabled  bool

	stopMailboxes chan struct{}
}

// Config configures NewContext.
type Config struct {
	NumCores   int
	MTRRs      []ept.MTRRRange
	FirstTag   uint64
	ReservedVA uint64
}

// splitBlockBytes is the pool-block size backing one 512-entry PML1 table,
// the unit SplitLargePage consumes.
const splitBlockBytes = 512 * int(unsafe.Sizeof(ept.PML1Entry{}))

// trackingBlockBytes is the pool-block size accounting for one
// HookedPageDetail.
const trackingBlockBytes = int(unsafe.Sizeof(hooks.HookedPageDetail{}))

// initialPoolBlocks seeds each hook-install intent before the first core
// enters root mode, so early installs never miss.
const initialPoolBlocks = 5

// NewContext builds a VmmContext for cfg.NumCores logical processors: a
// shared RootPool, MemMapper, identity-mapped EPT, HookEngine,
// ProtectedHv arbitrator, EventStore/Dispatcher, HaltCoordinator,
// syscall-trap registry and DPC broadcaster, plus one CoreState per core.
//
// Per-core secondary EPT tables are collapsed into a single shared Table:
// every core builds an identical identity map from the same MTRR ranges,
// so sharing the in-memory representation changes no externally
// observable semantics (see DESIGN.md).
func NewContext(cfg Config) (*Context, error) {
	if cfg.NumCores <= 0 {
		return nil, fmt.Errorf("%w: NumCores must be positive", ErrVirtualizationUnsupported)
	}

	table, err := ept.New(cfg.MTRRs)
	if err != nil {
		return nil, fmt.Errorf("building identity EPT: %w", err)
	}

	c := &Context{
		NumCores:      cfg.NumCores,
		EPT:           table,
		Mapper:        memmapper.New(cfg.NumCores, cfg.ReservedVA),
		Hooks:         hooks.New(table),
		Syscalls:      &syscallhook.TrapState{},
		Broadcaster:   broadcast.New(cfg.NumCores, nil),
		Guest:         memmapper.NewAddressSpace(0),
		stopMailboxes: make(chan struct{}),

		// Event triggering is armed as soon as the engine is virtualized;
		// AttachDebugger additionally forces the #BP/#DB intercepts a
		// remote kernel debugger needs.
		eventsEnabled: true,
	}

	c.Pool = rootpool.New(c.anyCoreInRoot)

	// Seed the hook-install intents before any core enters root mode; from
	// then on, replenishment requests raised during installs keep the pools
	// filled via the non-root drain in ExitRoot.
	if err := c.Pool.Preallocate(rootpool.SplitToPml1, splitBlockBytes, initialPoolBlocks); err != nil {
		return nil, err
	}

	if err := c.Pool.Preallocate(rootpool.TrackingHookedPages, trackingBlockBytes, initialPoolBlocks); err != nil {
		return nil, err
	}

	c.Protected = protectedhv.New(protectedhv.Inputs{
		EventRequiresVector: func(v int) bool {
			return c.Events.ExceptionBitmapMaskForCore(events.AllCores)&(1<<uint(v)) != 0
		},
		KernelDebuggerAttached: false,
		EPTHookCount:           0,
	})

	firstTag := cfg.FirstTag
	if firstTag == 0 {
		firstTag = 1
	}

	c.Events = events.NewStore(firstTag)

	c.Dispatch = &dispatch.Dispatcher{
		Store:           c.Events,
		DebuggerEnabled: c.EventsEnabled,
	}

	c.Halt = halt.New(cfg.NumCores, 0)

	c.Cores = make([]*CoreState, cfg.NumCores)

	for i := 0; i < cfg.NumCores; i++ {
		mailbox, err := c.Halt.Mailbox(i)
		if err != nil {
			return nil, err
		}

		c.Cores[i] = newCoreState(i, mailbox)
	}

	for i := 1; i < cfg.NumCores; i++ {
		go c.Cores[i].Mailbox.Spin(c.handleBroadcastTask, c.stopMailboxes)
	}

	return c, nil
}

// handleBroadcastTask is the handler every non-initiating core's mailbox
// spin loop runs: it applies the side effect a peer broadcast a
// task for, using the same arbitrated writers a local caller would use.
func (c *Context) handleBroadcastTask(code halt.TaskCode, ctxArg any) int {
	switch code {
	case halt.TaskInvEptSingle:
		phys, _ := ctxArg.(uint64)

		entry, err := c.EPT.GetPML1(phys)
		if err != nil {
			return -1
		}

		if err := c.EPT.SetPML1AndInvalidate(phys, *entry, ept.InveptSingleContext); err != nil {
			return -1
		}

		return 0

	case halt.TaskInvEptAll:
		phys, _ := ctxArg.(uint64)

		entry, err := c.EPT.GetPML1(phys)
		if err != nil {
			return -1
		}

		if err := c.EPT.SetPML1AndInvalidate(phys, *entry, ept.InveptAllContexts); err != nil {
			return -1
		}

		return 0

	case halt.TaskSetExceptionBitmap:
		mask, _ := ctxArg.(uint32)
		c.Protected.SetExceptionBitmap(mask, protectedhv.PassingOverNone)

		return 0

	case halt.TaskUnsetExceptionBitmap:
		mask, _ := ctxArg.(uint32)
		c.Protected.UnsetExceptionBitmap(mask, protectedhv.PassingOverNone)

		return 0

	case halt.TaskSetRdtscExiting:
		enable, _ := ctxArg.(bool)
		c.Protected.SetRdtscExiting(enable)

		return 0

	case halt.TaskEnableMovToDrExiting:
		enable, _ := ctxArg.(bool)
		c.Protected.SetMovToDRExiting(enable)

		return 0

	case halt.TaskEnableMovToCrExiting:
		mask, _ := ctxArg.(uint32)
		c.Protected.SetMovToCRExiting(mask, protectedhv.PassingOverNone)

		return 0

	case halt.TaskEnableExtIntExiting:
		enable, _ := ctxArg.(bool)
		c.Protected.SetExternalInterruptExiting(enable)

		return 0

	case halt.TaskEnableSyscallHookEfer:
		enable, _ := ctxArg.(bool)
		if enable {
			c.Protected.EnableUDForSyscall()
		} else {
			c.Protected.DisableUDForSyscall()
		}

		return 0

	case halt.TaskUnhookSinglePage:
		req, _ := ctxArg.([2]uint64)
		if err := c.Hooks.UnhookSingle(req[0], req[1]); err != nil {
			return -1
		}

		return 0

	default:
		return 0
	}
}

// Close stops every background mailbox spin loop started by NewContext.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.stopMailboxes:
	default:
		close(c.stopMailboxes)
	}
}

func (c *Context) anyCoreInRoot() bool {
	for _, core := range c.Cores {
		if core.IsInRootMode {
			return true
		}
	}

	return false
}

// Core returns the CoreState for id, or ErrBadCore if out of range.
func (c *Context) Core(id int) (*CoreState, error) {
	if id < 0 || id >= len(c.Cores) {
		return nil, fmt.Errorf("core %d: %w", id, ErrBadCore)
	}

	return c.Cores[id], nil
}

// AttachDebugger marks the kernel debugger as attached, which forces #BP
// and #DB intercepts on through ProtectedHv's integrity re-derivation
// for every subsequent exception-bitmap write.
func (c *Context) AttachDebugger() {
	c.mu.Lock()
	c.kernelDebugger = true
	c.mu.Unlock()

	c.Protected.UpdateInputs(protectedhv.Inputs{
		EventRequiresVector: func(v int) bool {
			return c.Events.ExceptionBitmapMaskForCore(events.AllCores)&(1<<uint(v)) != 0
		},
		KernelDebuggerAttached: true,
		EPTHookCount:           c.Hooks.Count(),
	})

	// Materialize the arbitrated state the new inputs imply: re-derive the
	// exception bitmap (forces #BP/#DB on), and arm the other controls a
	// kernel debugger depends on for single-stepping and register-write
	// interception, exactly as the feature that wants them would.
	c.Protected.ResetExceptionBitmap()
	c.Protected.SetExternalInterruptExiting(true)
	c.Protected.SetRdtscExiting(true)
	c.Protected.SetMovToDRExiting(true)
	c.Protected.SetMovToCRExiting(0xF, protectedhv.PassingOverNone)

	// Attach arrives from outside root mode, so the per-core application
	// of the same controls rides the DPC broadcast path rather than the
	// halt coordinator.
	c.Broadcaster.EnableAllCores(broadcast.FeatureExceptionBitmap, true, nil)
	c.Broadcaster.EnableAllCores(broadcast.FeatureRdtscExiting, true, nil)
	c.Broadcaster.EnableAllCores(broadcast.FeatureMovToDrExiting, true, nil)
}

// DebuggerAttached reports whether AttachDebugger has been called.
func (c *Context) DebuggerAttached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.kernelDebugger
}

// EventsEnabled reports whether event triggering is armed; it gates every
// Dispatch.Trigger call.
func (c *Context) EventsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.eventsEnabled
}

// SetEventsEnabled arms or disarms event triggering without touching
// registered events, the coarse switch a detach/close request flips before
// tearing hooks down.
func (c *Context) SetEventsEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.eventsEnabled = enabled
}

// EnterRoot marks core as running at simulated VMX-root. The real
// transition (VMRESUME's complement, landing on the VMM stack) belongs to
// the external bring-up plumbing; this method only updates the
// bookkeeping every other component relies on via IsInRootMode.
func (c *Context) EnterRoot(id int) error {
	core, err := c.Core(id)
	if err != nil {
		return err
	}

	core.IsInRootMode = true

	return nil
}

// ExitRoot marks core as having returned to non-root (about to VMRESUME
// or having executed VMXOFF), and drains RootPool's deferred queue — the
// drain runs on every return to non-root mode, by the last core out.
func (c *Context) ExitRoot(id int) error {
	core, err := c.Core(id)
	if err != nil {
		return err
	}

	core.IsInRootMode = false

	for _, other := range c.Cores {
		if other.IsInRootMode {
			// Another core is still at root; the drain is a global
			// side effect guarded by anyCoreInRoot, so only the last
			// core out performs it.
			return nil
		}
	}

	return c.Pool.CheckAndPerformAllocationAndDeallocation()
}

// HandleVMExit decodes the exit reason and routes to HookEngine,
// SyscallInterception or EventDispatch as appropriate, returning the
// dispatcher's verdict for exits that reach EventDispatch. An MTF exit is
// fully absorbed by the hook engine's restoration and returns
// SuccessfulHandled with a nil error; an EPT violation is first handled by
// the hook engine and then reaches EventDispatch as a hidden-hook event.
func (c *Context) HandleVMExit(id int, reason ExitReason, qualification uint64) (dispatch.TriggerStatus, error) {
	core, err := c.Core(id)
	if err != nil {
		return dispatch.InvalidEventType, err
	}

	core.LastExitReason = reason
	core.LastExitQualification = qualification
	core.LastVMExitRIP = core.Regs.RIP
	core.IncrementRip = true

	ctx := &dispatch.Context{CoreID: id, Regs: &core.Regs}

	switch reason {
	case ExitEPTViolation:
		return c.handleEPTViolation(core, qualification, ctx)

	case ExitMonitorTrapFlag:
		if err := c.Hooks.RestoreAfterMTF(core.MTFPendingPhys); err != nil {
			return dispatch.SuccessfulNoHandler, err
		}

		return dispatch.SuccessfulHandled, nil

	case ExitUndefinedOpcode:
		return c.handleUndefinedOpcode(core, ctx)

	case ExitCPUID:
		return c.Dispatch.Trigger(events.CPUIDInstructionExecution, events.StageAll, ctx)
	case ExitRDMSR:
		return c.Dispatch.Trigger(events.RDMSRInstructionExecution, events.StagePre, ctx)
	case ExitWRMSR:
		return c.Dispatch.Trigger(events.WRMSRInstructionExecution, events.StagePre, ctx)
	case ExitIOInstruction:
		return c.Dispatch.Trigger(events.IOInstructionExecution, events.StagePre, ctx)
	case ExitException:
		return c.Dispatch.Trigger(events.ExceptionOccurred, events.StageAll, ctx)
	case ExitExternalInterrupt:
		return c.Dispatch.Trigger(events.ExternalInterruptOccurred, events.StageAll, ctx)
	case ExitDebugRegisterAccess:
		return c.Dispatch.Trigger(events.DebugRegistersAccessed, events.StageAll, ctx)
	case ExitRDTSC:
		return c.Dispatch.Trigger(events.TSCInstructionExecution, events.StagePre, ctx)
	case ExitRDPMC:
		return c.Dispatch.Trigger(events.PMCInstructionExecution, events.StagePre, ctx)
	case ExitVMCALL:
		return c.Dispatch.Trigger(events.VMCALLInstructionExecution, events.StageAll, ctx)
	case ExitControlRegisterAccess:
		return c.Dispatch.Trigger(events.ControlRegisterModified, events.StageAll, ctx)
	default:
		return dispatch.InvalidEventType, fmt.Errorf("exit reason %d: %w", reason, ErrVirtualizationUnsupported)
	}
}

// violationKindFromQualification decodes the low three bits of an EPT
// exit qualification into the R/W/X violation the hardware reported.
func violationKindFromQualification(q uint64) hooks.ViolationKind {
	switch {
	case q&0x4 != 0:
		return hooks.ViolationExecute
	case q&0x2 != 0:
		return hooks.ViolationWrite
	case q&0x1 != 0:
		return hooks.ViolationRead
	default:
		return hooks.ViolationNone
	}
}

func (c *Context) handleEPTViolation(core *CoreState, qualification uint64, ctx *dispatch.Context) (dispatch.TriggerStatus, error) {
	kind := violationKindFromQualification(qualification)
	phys := core.LastVMExitRIP &^ 0xFFF

	hookCtx := hooks.HookContext{PhysicalAddr: phys, VirtualAddr: core.LastVMExitRIP}
	if err := c.Hooks.OnViolation(phys, kind, hookCtx); err != nil {
		return dispatch.SuccessfulNoHandler, err
	}

	core.MTFPendingPhys = phys
	core.IncrementRip = false

	// The shared EPT table lives in this one Context, but every other
	// core's TLB still caches the pre-violation entry; broadcast the
	// invalidation so a peer does not keep executing against stale
	// permissions.
	if err := c.Halt.BroadcastTaskAllCores(halt.TaskInvEptSingle, true, false, phys); err != nil {
		return dispatch.SuccessfulNoHandler, err
	}

	var eventKind events.Kind

	switch kind {
	case hooks.ViolationRead:
		eventKind = events.HiddenHookReadAndWrite
	case hooks.ViolationWrite:
		eventKind = events.HiddenHookReadAndWrite
	case hooks.ViolationExecute:
		eventKind = events.HiddenHookReadAndExecute
	default:
		return dispatch.SuccessfulNoHandler, nil
	}

	return c.Dispatch.Trigger(eventKind, events.StagePre, ctx)
}

// handleUndefinedOpcode routes a #UD exit through SyscallInterception's
// classification before falling through to EventDispatch for the
// matching SYSCALL/SYSRET event kind. Safe mode runs first: the faulting
// bytes are fetched through MemMapper and decoded; an unmapped fetch or an
// undecodable instruction falls back to handle-all-#UD classification by
// privilege half.
func (c *Context) handleUndefinedOpcode(core *CoreState, ctx *dispatch.Context) (dispatch.TriggerStatus, error) {
	ripIsKernel := core.Regs.RIP>>63 != 0

	const syscallInsnLen = 2

	class := syscallhook.ClassifyNeither
	insnLen := uint64(syscallInsnLen)

	var insn [3]byte
	if err := c.Mapper.ReadSafe(core.CoreID, c.Guest, insn[:], core.Regs.RIP); err == nil {
		class = syscallhook.Classify(syscallhook.ModeSafe, insn[:], ripIsKernel)
		insnLen = syscallhook.InstructionLength(insn[:], syscallInsnLen)
	}

	if class == syscallhook.ClassifyNeither {
		class = syscallhook.Classify(syscallhook.ModeHandleAllUD, nil, ripIsKernel)
		insnLen = syscallInsnLen
	}

	switch class {
	case syscallhook.ClassifySyscall:
		core.IncrementRip = syscallhook.EmulateSyscall(&core.Regs, &core.SRegs, insnLen)

		return c.Dispatch.Trigger(events.SyscallHookEferSyscall, events.StageAll, ctx)

	case syscallhook.ClassifySysret:
		core.IncrementRip = syscallhook.EmulateSysret(&core.Regs, &core.SRegs)

		status, err := c.Dispatch.Trigger(events.SyscallHookEferSysret, events.StageAll, ctx)
		if core.MTFRegisterBreak {
			syscallhook.ArmTrapFlag(&core.Regs)
		}

		return status, err

	default:
		return dispatch.SuccessfulNoHandler, nil
	}
}

// OnDebugException is wired to the #DB path outside HandleVMExit's normal
// switch because it must consult Syscalls' trap registry before falling
// through to EventDispatch.
func (c *Context) OnDebugException(id int, pid, tid uint64) (dispatch.TriggerStatus, error) {
	core, err := c.Core(id)
	if err != nil {
		return dispatch.InvalidEventType, err
	}

	handled := c.Syscalls.OnDebugException(pid, tid, &core.Regs, nil)
	if handled {
		return dispatch.SuccessfulHandled, nil
	}

	ctx := &dispatch.Context{CoreID: id, ProcessID: int(pid), Regs: &core.Regs}

	return c.Dispatch.Trigger(events.ExceptionOccurred, events.StageAll, ctx)
}

// RunInstruction drives one simulated VM-exit cycle for core: EnterRoot,
// HandleVMExit for the given reason, then ExitRoot. This is the control-
// flow spine running between a real VMEXIT and VMRESUME;
// every action the kernel debugger controller can request that advances
// guest execution (single-step, continue past a hit breakpoint) goes
// through here instead of touching CoreState or HookEngine directly.
func (c *Context) RunInstruction(id int, reason ExitReason, qualification uint64) (dispatch.TriggerStatus, error) {
	if err := c.EnterRoot(id); err != nil {
		return dispatch.InvalidEventType, err
	}

	status, err := c.HandleVMExit(id, reason, qualification)

	if exitErr := c.ExitRoot(id); err == nil {
		err = exitErr
	}

	return status, err
}

// Continue resumes core past a previously-hit hidden breakpoint: if an MTF
// restore is pending it retires the single step (restoring the hook's
// steady-state PML1 entry) before letting the guest run on.
func (c *Context) Continue(id int) error {
	core, err := c.Core(id)
	if err != nil {
		return err
	}

	if core.MTFPendingPhys == 0 {
		return nil
	}

	_, err = c.RunInstruction(id, ExitMonitorTrapFlag, 0)
	core.MTFPendingPhys = 0

	return err
}

// Step behaves like Continue but additionally re-arms the trap flag so the
// very next instruction also traps, matching a debugger's single-step
// request rather than a free run.
func (c *Context) Step(id int) error {
	core, err := c.Core(id)
	if err != nil {
		return err
	}

	if err := c.Continue(id); err != nil {
		return err
	}

	core.Regs.RFLAGS |= cpustate.FlagTF

	return nil
}

// mapRange lazily maps every guest page touched by [va, va+size).
func (c *Context) mapRange(va uint64, size int) {
	for p := va &^ 0xFFF; p < va+uint64(size); p += 4096 {
		c.Guest.MapPage(p)
	}
}

// ReadMemory copies size bytes from the guest's virtual address va on
// behalf of core, lazily mapping any page that has not yet been touched.
func (c *Context) ReadMemory(core int, va uint64, size int) ([]byte, error) {
	c.mapRange(va, size)

	buf := make([]byte, size)
	if err := c.Mapper.ReadSafe(core, c.Guest, buf, va); err != nil {
		return nil, err
	}

	return buf, nil
}

// WriteMemory writes data into the guest's virtual address va on behalf of
// core, lazily mapping any page that has not yet been touched.
func (c *Context) WriteMemory(core int, va uint64, data []byte) error {
	c.mapRange(va, len(data))

	return c.Mapper.WriteSafe(core, c.Guest, va, data)
}

// AddBreakpoint installs a hidden breakpoint at va tagged tag, reading the
// page's current content from the guest address space to seed the fake
// page HookEngine.Hook patches 0xCC into. The install runs at simulated
// root: the PML1 split block and the detail's tracking block both come
// from RootPool, and each draw leaves a replenishment request behind that
// the ExitRoot drain serves.
func (c *Context) AddBreakpoint(core int, va, tag uint64) error {
	c.Guest.MapPage(va)

	var page [4096]byte
	if err := c.Mapper.ReadSafe(core, c.Guest, page[:], va&^0xFFF); err != nil {
		return err
	}

	if err := c.EnterRoot(core); err != nil {
		return err
	}

	hookErr := c.installBreakpointFromRoot(va, tag, page)

	if exitErr := c.ExitRoot(core); hookErr == nil {
		hookErr = exitErr
	}

	return hookErr
}

func (c *Context) installBreakpointFromRoot(va, tag uint64, page [4096]byte) error {
	split, err := c.Pool.RequestPoolBlock(rootpool.SplitToPml1, true, splitBlockBytes)
	if err != nil {
		return fmt.Errorf("breakpoint va=%#x: %w", va, ErrOutOfPreallocatedPool)
	}

	tracking, err := c.Pool.RequestPoolBlock(rootpool.TrackingHookedPages, true, trackingBlockBytes)
	if err != nil {
		c.Pool.FreePool(split)

		return fmt.Errorf("breakpoint va=%#x: %w", va, ErrOutOfPreallocatedPool)
	}

	if _, err := c.Hooks.Hook(va, 0, tag, page, splitEntries(split)); err != nil {
		c.Pool.FreePool(split)
		c.Pool.FreePool(tracking)

		return err
	}

	return nil
}

// splitEntries views a SplitToPml1 pool block as the 512-entry PML1 table
// SplitLargePage consumes, the same byte-aliasing trick the register and
// packet layouts use.
func splitEntries(block *rootpool.PoolTable) []ept.PML1Entry {
	return unsafe.Slice((*ept.PML1Entry)(unsafe.Pointer(&block.Addr[0])), 512)
}
