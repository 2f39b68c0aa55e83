package hvcore

import "testing"

func TestDecodeEncodeCauseRoundTrip(t *testing.T) {
	cases := []struct {
		isInterrupt bool
		code        uint8
	}{
		{false, 9}, {true, 5}, {false, 0}, {true, 0},
	}
	for _, c := range cases {
		raw := EncodeCause(c.isInterrupt, c.code)
		gotInt, gotCode := DecodeCause(raw)
		if gotInt != c.isInterrupt || gotCode != c.code {
			t.Errorf("round trip (%v,%d) -> %#x -> (%v,%d)", c.isInterrupt, c.code, raw, gotInt, gotCode)
		}
	}
}

func TestDispatchHypercallUnsupportedSBI(t *testing.T) {
	// An ECall from HS (cause 9) with no matching SBI extension falls
	// through to the hypervisor path since no delegation policy delegates
	// a hypercall.
	m := NewManager(DefaultDelegationConfig())
	d := NewDispatcher(m)
	var regs VcpuRegs
	regs.PC = 0x80000004
	outcome, err := d.Dispatch(&regs, EncodeCause(false, uint8(ExcECallFromHS)), 0, 0, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeHypervisor {
		t.Errorf("outcome = %v, want OutcomeHypervisor", outcome)
	}
}

func TestDispatchResolvesMappedGuestPageFault(t *testing.T) {
	// A guest page fault to a mapped GPA resolves without injection.
	gs := newTestGuestSpace(t, GstageModeSv39x4)
	if err := gs.MapRegion(0x40100000, 0x80100000, PageSize, PermR|PermW, DeviceKindNone); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	m := NewManager(DefaultDelegationConfig())
	d := NewDispatcher(m)
	var regs VcpuRegs
	outcome, err := d.Dispatch(&regs, EncodeCause(false, uint8(ExcLoadGuestPageFault)), 0x40100000, 0, gs)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeResolved {
		t.Errorf("outcome = %v, want OutcomeResolved", outcome)
	}
	if gs.Stats().Translations != 1 {
		t.Errorf("translations = %d, want 1", gs.Stats().Translations)
	}
}

func TestDispatchInjectsUnmappedGuestPageFault(t *testing.T) {
	gs := newTestGuestSpace(t, GstageModeSv39x4)
	m := NewManager(DefaultDelegationConfig())
	d := NewDispatcher(m)
	regs := VcpuRegs{PC: 0x80000000}
	regs.VS.Vstvec = 0x1000
	outcome, err := d.Dispatch(&regs, EncodeCause(false, uint8(ExcLoadGuestPageFault)), 0x50000000, 0, gs)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeInjected {
		t.Errorf("outcome = %v, want OutcomeInjected", outcome)
	}
	if regs.VS.Vscause != EncodeCause(false, uint8(ExcLoadGuestPageFault)) {
		t.Errorf("vscause not set to the faulting cause")
	}
	if regs.PC != 0x1000 {
		t.Errorf("PC = %#x, want 0x1000 (vstvec direct mode)", regs.PC)
	}
}

func TestDispatchExceptionDelegationPolicyChange(t *testing.T) {
	// Toggling SetException flips the delegate/hypervisor outcome for the
	// same cause.
	m := NewManager(DefaultDelegationConfig())
	d := NewDispatcher(m)
	regs := VcpuRegs{PC: 0x1000}
	regs.VS.Vstvec = 0x2000

	outcome, err := d.Dispatch(&regs, EncodeCause(false, uint8(ExcBreakpoint)), 0, 0, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeInjected {
		t.Fatalf("outcome = %v, want OutcomeInjected under Safe policy", outcome)
	}
	if m.Stats().DelegatedExceptions != 1 {
		t.Errorf("DelegatedExceptions = %d, want 1", m.Stats().DelegatedExceptions)
	}

	m.SetException(ExcBreakpoint, false)
	regs2 := VcpuRegs{PC: 0x1000}
	outcome, err = d.Dispatch(&regs2, EncodeCause(false, uint8(ExcBreakpoint)), 0, 0, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeHypervisor {
		t.Fatalf("outcome = %v, want OutcomeHypervisor after disabling delegation", outcome)
	}
	if m.Stats().HypervisorExceptions != 1 {
		t.Errorf("HypervisorExceptions = %d, want 1", m.Stats().HypervisorExceptions)
	}
}

func TestDispatchDelegatedInterruptAssertsHvip(t *testing.T) {
	// A delegated virtual-supervisor timer interrupt is re-injected by
	// asserting VSTIP in the HVIP shadow, not by the synchronous injection
	// protocol, so the guest's PC is untouched.
	m := NewManager(DefaultDelegationConfig())
	d := NewDispatcher(m)
	regs := VcpuRegs{PC: 0x1000}
	outcome, err := d.Dispatch(&regs, EncodeCause(true, uint8(IntVirtualSupervisorTimer)), 0, 0, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeInjected {
		t.Fatalf("outcome = %v, want OutcomeInjected", outcome)
	}
	if regs.H.Hvip&(1<<6) == 0 {
		t.Errorf("hvip = %#x, VSTIP (bit 6) not asserted", regs.H.Hvip)
	}
	if regs.PC != 0x1000 {
		t.Errorf("PC = %#x, interrupt re-injection must not redirect PC", regs.PC)
	}
}

func TestDispatchUndelegatedInterruptRunsHypervisor(t *testing.T) {
	// Under the default Virtual policy the plain S-level timer cause is not
	// delegated; the hypervisor services it (ticks the scheduler) locally.
	m := NewManager(DefaultDelegationConfig())
	d := NewDispatcher(m)
	regs := VcpuRegs{PC: 0x1000}
	outcome, err := d.Dispatch(&regs, EncodeCause(true, uint8(IntSupervisorTimer)), 0, 0, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeHypervisor {
		t.Errorf("outcome = %v, want OutcomeHypervisor", outcome)
	}
	if regs.H.Hvip != 0 {
		t.Errorf("hvip = %#x, nothing should be asserted for a hypervisor-handled interrupt", regs.H.Hvip)
	}
}

func TestDispatchEmulatesPrivilegedHInstruction(t *testing.T) {
	// An illegal instruction whose htinst decodes as HFENCE.GVMA is emulated
	// by the hypervisor even though the Safe policy delegates cause 2.
	const hfenceGVMA = uint64(0x31)<<25 | 0x73
	m := NewManager(DefaultDelegationConfig())
	d := NewDispatcher(m)
	regs := VcpuRegs{PC: 0x1000}
	regs.VS.Vstvec = 0x2000
	outcome, err := d.Dispatch(&regs, EncodeCause(false, uint8(ExcIllegalInstruction)), 0, hfenceGVMA, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeHypervisor {
		t.Errorf("outcome = %v, want OutcomeHypervisor for a privileged H instruction", outcome)
	}

	// The same cause with no htinst follows the delegation policy instead.
	outcome, err = d.Dispatch(&regs, EncodeCause(false, uint8(ExcIllegalInstruction)), 0, 0, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeInjected {
		t.Errorf("outcome = %v, want OutcomeInjected under the Safe policy", outcome)
	}
}

// recordingMMIODevice is a fake transport window recording register
// accesses and serving a fixed word.
type recordingMMIODevice struct {
	lastWriteOffset uint64
	lastWriteValue  uint64
	lastWidth       int
	readValue       uint64
}

func (d *recordingMMIODevice) ReadRegister(offset uint64, width int) (uint64, error) {
	d.lastWidth = width
	return d.readValue, nil
}

func (d *recordingMMIODevice) WriteRegister(offset uint64, value uint64, width int) error {
	d.lastWriteOffset, d.lastWriteValue, d.lastWidth = offset, value, width
	return nil
}

// singleWindowRouter routes every address in [base, base+size) to one device.
type singleWindowRouter struct {
	dev        MMIODevice
	base, size uint64
}

func (r *singleWindowRouter) Route(gpa uint64) (MMIODevice, uint64, bool) {
	if gpa >= r.base && gpa < r.base+r.size {
		return r.dev, r.base, true
	}
	return nil, 0, false
}

func loadInsn(funct3, rd uint32) uint64  { return uint64(funct3)<<12 | uint64(rd)<<7 | 0x03 }
func storeInsn(funct3, rs2 uint32) uint64 { return uint64(funct3)<<12 | uint64(rs2)<<20 | 0x23 }

func newMMIOTestDispatcher(t *testing.T) (*Dispatcher, *recordingMMIODevice, *GuestSpace) {
	t.Helper()
	gs := newTestGuestSpace(t, GstageModeSv39x4)
	const windowBase = 0x10001000
	if err := gs.TagDeviceWindow(windowBase, PageSize, DeviceKindVirtIO); err != nil {
		t.Fatalf("TagDeviceWindow: %v", err)
	}
	dev := &recordingMMIODevice{}
	d := NewDispatcher(NewManager(DefaultDelegationConfig()))
	d.MMIO = &singleWindowRouter{dev: dev, base: windowBase, size: PageSize}
	return d, dev, gs
}

func TestDispatchRoutesVirtIOLoadToRegisterFile(t *testing.T) {
	d, dev, gs := newMMIOTestDispatcher(t)
	dev.readValue = 0x74726976
	regs := VcpuRegs{PC: 0x80000000}
	// lw x10, ... faulting at window base + 8.
	outcome, err := d.Dispatch(&regs, EncodeCause(false, uint8(ExcLoadGuestPageFault)),
		0x10001008, loadInsn(0b010, 10), gs)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeResolved {
		t.Fatalf("outcome = %v, want OutcomeResolved", outcome)
	}
	if regs.GPR[10] != 0x74726976 {
		t.Errorf("rd = %#x, want the device's register value", regs.GPR[10])
	}
	if dev.lastWidth != 4 {
		t.Errorf("access width = %d, want 4", dev.lastWidth)
	}
}

func TestDispatchRoutesVirtIOStoreToRegisterFile(t *testing.T) {
	d, dev, gs := newMMIOTestDispatcher(t)
	regs := VcpuRegs{PC: 0x80000000}
	regs.GPR[6] = 0xdeadbeefcafe
	// sw x6 at offset 0x70 of the window: only the low word reaches the device.
	outcome, err := d.Dispatch(&regs, EncodeCause(false, uint8(ExcStoreGuestPageFault)),
		0x10001070, storeInsn(0b010, 6), gs)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeResolved {
		t.Fatalf("outcome = %v, want OutcomeResolved", outcome)
	}
	if dev.lastWriteOffset != 0x70 || dev.lastWriteValue != 0xbeefcafe || dev.lastWidth != 4 {
		t.Errorf("device saw write (%#x, %#x, %d), want (0x70, 0xbeefcafe, 4)",
			dev.lastWriteOffset, dev.lastWriteValue, dev.lastWidth)
	}
}

func TestDispatchInjectsAccessFaultForUnalignedVirtIOAccess(t *testing.T) {
	d, _, gs := newMMIOTestDispatcher(t)
	regs := VcpuRegs{PC: 0x80000000}
	regs.VS.Vstvec = 0x2000
	// A word load from an odd offset inside the window cannot be emulated.
	outcome, err := d.Dispatch(&regs, EncodeCause(false, uint8(ExcLoadGuestPageFault)),
		0x10001001, loadInsn(0b010, 10), gs)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeInjected {
		t.Fatalf("outcome = %v, want OutcomeInjected", outcome)
	}
	if regs.VS.Vscause != EncodeCause(false, uint8(ExcLoadAccessFault)) {
		t.Errorf("vscause = %#x, want LoadAccessFault", regs.VS.Vscause)
	}
	if regs.VS.Vstval != 0x10001001 {
		t.Errorf("vstval = %#x, want the faulting gpa", regs.VS.Vstval)
	}
}

func TestDispatchInjectsFaultForVirtIOInstructionFetch(t *testing.T) {
	d, _, gs := newMMIOTestDispatcher(t)
	regs := VcpuRegs{PC: 0x10001000}
	regs.VS.Vstvec = 0x2000
	outcome, err := d.Dispatch(&regs, EncodeCause(false, uint8(ExcInstructionGuestPageFault)),
		0x10001000, 0, gs)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeInjected {
		t.Fatalf("outcome = %v, want OutcomeInjected", outcome)
	}
	if regs.VS.Vscause != EncodeCause(false, uint8(ExcInstructionAccessFault)) {
		t.Errorf("vscause = %#x, want InstructionAccessFault", regs.VS.Vscause)
	}
}

func TestDecodeMMIOAccess(t *testing.T) {
	cases := []struct {
		name string
		inst uint64
		want MMIOAccess
	}{
		{"lb", loadInsn(0b000, 3), MMIOAccess{Width: 1, Signed: true, Reg: 3}},
		{"lw", loadInsn(0b010, 10), MMIOAccess{Width: 4, Signed: true, Reg: 10}},
		{"ld", loadInsn(0b011, 1), MMIOAccess{Width: 8, Reg: 1}},
		{"lhu", loadInsn(0b101, 7), MMIOAccess{Width: 2, Reg: 7}},
		{"sb", storeInsn(0b000, 6), MMIOAccess{Store: true, Width: 1, Reg: 6}},
		{"sd", storeInsn(0b011, 2), MMIOAccess{Store: true, Width: 8, Reg: 2}},
	}
	for _, c := range cases {
		got, err := DecodeMMIOAccess(c.inst)
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("%s: decoded %+v, want %+v", c.name, got, c.want)
		}
	}
	if _, err := DecodeMMIOAccess(0x73); err == nil {
		t.Errorf("a SYSTEM instruction is not an MMIO access")
	}
}

func TestIsPrivilegedHInstruction(t *testing.T) {
	cases := []struct {
		name string
		inst uint64
		want bool
	}{
		{"hfence.vvma", uint64(0x11)<<25 | 0x73, true},
		{"hfence.gvma", uint64(0x31)<<25 | 0x73, true},
		{"hlv.b", uint64(0x30)<<25 | 0x4<<12 | 0x73, true},
		{"hsv.d", uint64(0x37)<<25 | 0x4<<12 | 0x73, true},
		{"ecall", 0x73, false},
		{"addi", 0x13, false},
		{"zero", 0, false},
	}
	for _, c := range cases {
		if got := IsPrivilegedHInstruction(c.inst); got != c.want {
			t.Errorf("%s: IsPrivilegedHInstruction(%#x) = %v, want %v", c.name, c.inst, got, c.want)
		}
	}
}

func TestInjectVectoredMode(t *testing.T) {
	m := NewManager(DefaultDelegationConfig())
	d := NewDispatcher(m)
	regs := VcpuRegs{PC: 0x1000}
	regs.VS.Vstvec = 0x2000 | 1 // vectored
	if err := d.Inject(&regs, EncodeCause(true, uint8(IntSupervisorTimer)), 0); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	want := uint64(0x2000) + 4*uint64(IntSupervisorTimer)
	if regs.PC != want {
		t.Errorf("PC = %#x, want %#x (vectored)", regs.PC, want)
	}
}

func TestInjectDirectModeIgnoresVectorForExceptions(t *testing.T) {
	m := NewManager(DefaultDelegationConfig())
	d := NewDispatcher(m)
	regs := VcpuRegs{PC: 0x1000}
	regs.VS.Vstvec = 0x2000 | 1 // vectored, but exceptions always use the base
	if err := d.Inject(&regs, EncodeCause(false, uint8(ExcBreakpoint)), 0); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if regs.PC != 0x2000 {
		t.Errorf("PC = %#x, want base 0x2000 for a synchronous exception", regs.PC)
	}
}
