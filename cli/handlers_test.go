package cli

import (
	"encoding/binary"
	"testing"

	"github.com/hyperdbg-go/hvdbg/events"
	"github.com/hyperdbg-go/hvdbg/vmm"
)

func TestDecodeReadMemory(t *testing.T) {
	t.Parallel()

	body := make([]byte, 12)
	binary.LittleEndian.PutUint64(body, 0x401000)
	binary.LittleEndian.PutUint32(body[8:], 16)

	va, size, err := decodeReadMemory(body)
	if err != nil {
		t.Fatalf("decodeReadMemory: %v", err)
	}

	if va != 0x401000 || size != 16 {
		t.Errorf("got (%#x, %d), want (0x401000, 16)", va, size)
	}
}

func TestDecodeReadMemoryShortBody(t *testing.T) {
	t.Parallel()

	if _, _, err := decodeReadMemory(make([]byte, 4)); err == nil {
		t.Errorf("expected an error for a short body")
	}
}

func TestDecodeWriteMemory(t *testing.T) {
	t.Parallel()

	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, 0x402000)
	body = append(body, 1, 2, 3)

	va, data, err := decodeWriteMemory(body)
	if err != nil {
		t.Fatalf("decodeWriteMemory: %v", err)
	}

	if va != 0x402000 || len(data) != 3 {
		t.Errorf("got (%#x, %v), want (0x402000, [1 2 3])", va, data)
	}
}

func TestDecodeModifyEvent(t *testing.T) {
	t.Parallel()

	body := make([]byte, 9)
	binary.LittleEndian.PutUint64(body, 7)
	body[8] = byte(events.ModifyDisable)

	tag, action, err := decodeModifyEvent(body)
	if err != nil {
		t.Fatalf("decodeModifyEvent: %v", err)
	}

	if tag != 7 || action != events.ModifyDisable {
		t.Errorf("got (%d, %v), want (7, ModifyDisable)", tag, action)
	}
}

func TestDecodeRegisterEvent(t *testing.T) {
	t.Parallel()

	body := make([]byte, 46)
	binary.LittleEndian.PutUint32(body[0:4], uint32(events.CPUIDInstructionExecution))
	allCores := int32(events.AllCores)
	allProcesses := int32(events.AllProcesses)
	binary.LittleEndian.PutUint32(body[4:8], uint32(allCores))
	binary.LittleEndian.PutUint32(body[8:12], uint32(allProcesses))
	binary.LittleEndian.PutUint64(body[12:20], 1)
	body[44] = byte(events.StageAll)
	body[45] = 1

	opts, err := decodeRegisterEvent(body)
	if err != nil {
		t.Fatalf("decodeRegisterEvent: %v", err)
	}

	if opts.Kind != events.CPUIDInstructionExecution || opts.CoreID != events.AllCores {
		t.Errorf("got %+v", opts)
	}

	if opts.Options.P1 != 1 || !opts.EnableShortCircuit {
		t.Errorf("got %+v", opts)
	}

	if len(opts.Actions) != 1 || opts.Actions[0].Kind != events.ActionBreakToDebugger {
		t.Errorf("registered event should default to a break-to-debugger action, got %+v", opts.Actions)
	}
}

func TestDecodeRegisterEventShortBody(t *testing.T) {
	t.Parallel()

	if _, err := decodeRegisterEvent(make([]byte, 10)); err == nil {
		t.Errorf("expected an error for a short body")
	}
}

func TestHandlersForWiresEveryAction(t *testing.T) {
	t.Parallel()

	ctx, err := vmm.NewContext(vmm.Config{NumCores: 1, FirstTag: 1})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	h := handlersFor(ctx)

	if h.Step == nil || h.Continue == nil || h.Close == nil || h.ReadMemory == nil ||
		h.WriteMemory == nil || h.ReadRegisters == nil || h.RegisterEvent == nil ||
		h.ModifyEvent == nil || h.QueryEvent == nil || h.RunScript == nil ||
		h.ListBreakpoints == nil || h.AddBreakpoint == nil ||
		h.ResolvePAToVA == nil || h.ResolveVAToPA == nil ||
		h.QueryPTE == nil || h.ReloadSymbols == nil {
		t.Fatalf("handlersFor left a handler nil: %+v", h)
	}

	regs := h.ReadRegisters()
	if len(regs) != 18*8 {
		t.Errorf("ReadRegisters body length = %d, want %d", len(regs), 18*8)
	}

	addBody := make([]byte, 16)
	binary.LittleEndian.PutUint64(addBody, 0x403000)
	binary.LittleEndian.PutUint64(addBody[8:], 1)

	if err := h.AddBreakpoint(addBody); err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}

	listBody := h.ListBreakpoints()

	if binary.LittleEndian.Uint32(listBody) != 1 {
		t.Errorf("ListBreakpoints count = %d, want 1", binary.LittleEndian.Uint32(listBody))
	}

	const va = uint64(0x600000)

	if err := ctx.WriteMemory(0, va, []byte{1}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}

	paBody, err := h.ResolveVAToPA(encodeAddress(va))
	if err != nil {
		t.Fatalf("ResolveVAToPA: %v", err)
	}

	vaBody, err := h.ResolvePAToVA(paBody)
	if err != nil {
		t.Fatalf("ResolvePAToVA: %v", err)
	}

	if got := binary.LittleEndian.Uint64(vaBody); got != va {
		t.Errorf("resolve round trip = %#x, want %#x", got, va)
	}

	pteBody, err := h.QueryPTE(nil)
	if err != nil {
		t.Fatalf("QueryPTE: %v", err)
	}

	if len(pteBody) != 24 {
		t.Errorf("QueryPTE body length = %d, want 24", len(pteBody))
	}

	if err := h.ReloadSymbols(); err != nil {
		t.Errorf("ReloadSymbols: %v", err)
	}
}
