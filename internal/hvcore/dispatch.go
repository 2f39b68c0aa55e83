package hvcore

import "fmt"

// scauseInterruptBit is bit 63 of scause/vscause: set for interrupts,
// clear for synchronous exceptions.
const scauseInterruptBit = uint64(1) << 63

// DecodeCause splits a raw scause/hcause value into its interrupt flag and
// numeric code, per the standard RISC-V trap cause encoding.
func DecodeCause(cause uint64) (isInterrupt bool, code uint8) {
	return cause&scauseInterruptBit != 0, uint8(cause &^ scauseInterruptBit)
}

// EncodeCause is DecodeCause's inverse, used when injecting a cause into
// VSCAUSE.
func EncodeCause(isInterrupt bool, code uint8) uint64 {
	c := uint64(code)
	if isInterrupt {
		c |= scauseInterruptBit
	}
	return c
}

// MMIODevice is the register-access surface of one VirtIO transport
// window, as the dispatcher sees it when emulating a faulting guest
// access. Width is in bytes; the device rejects widths and alignments its
// register file does not support.
type MMIODevice interface {
	ReadRegister(offset uint64, width int) (uint64, error)
	WriteRegister(offset uint64, value uint64, width int) error
}

// MMIORouter resolves a guest-physical address to the device window
// containing it.
type MMIORouter interface {
	Route(gpa uint64) (dev MMIODevice, base uint64, ok bool)
}

// Dispatcher decodes a trap, consults a delegation Manager, and either
// resolves it locally (G-stage guest page faults refilled through a
// GuestSpace, VirtIO-tagged faults emulated through MMIO) or injects it
// into the guest's VS-CSRs.
type Dispatcher struct {
	Delegation *Manager
	MMIO       MMIORouter
}

// NewDispatcher constructs a Dispatcher over a delegation Manager.
func NewDispatcher(delegation *Manager) *Dispatcher {
	return &Dispatcher{Delegation: delegation}
}

// Outcome tells the caller what it must still do after Dispatch returns:
// an injected trap needs the guest entered at VSTVEC, a resolved guest
// page fault needs nothing further, and a hypervisor-handled trap must be
// serviced by caller-specific device/SBI logic before resuming the guest.
type Outcome int

const (
	OutcomeInjected Outcome = iota
	OutcomeResolved
	OutcomeHypervisor
)

// Dispatch runs the trap entry sequence for one hart trap: it reads
// SCAUSE/STVAL/SEPC from regs, decides via Delegation whether the cause
// should run in the guest or the hypervisor, and for a guest page fault
// attempts to resolve it through space before falling back to injection.
// htinst carries the transformed trapped instruction for causes that
// provide one (zero otherwise).
func (d *Dispatcher) Dispatch(regs *VcpuRegs, cause, tval, htinst uint64, space *GuestSpace) (Outcome, error) {
	isInterrupt, code := DecodeCause(cause)

	if isInterrupt {
		result := d.Delegation.HandleInterrupt(InterruptCause(code), false, 0)
		if !result.ShouldDelegate {
			return OutcomeHypervisor, nil
		}
		// A delegated interrupt is re-injected by asserting the matching
		// VS*IP bit in HVIP, not by the synchronous injection protocol: the
		// guest takes it through its own interrupt-enable gating on the
		// next entry.
		if err := AssertVirtualInterrupt(regs, InterruptCause(code)); err != nil {
			return OutcomeHypervisor, err
		}
		return OutcomeInjected, nil
	}

	// A guest's own ECALL into the hypervisor can never be meaningfully
	// delegated back to it, so it always resolves to the hypervisor path
	// regardless of what the Safe policy's hedeleg bitmask says about it.
	if ExceptionCode(code) == ExcECallFromHS {
		return OutcomeHypervisor, nil
	}

	// An illegal instruction that htinst identifies as a privileged H/VS
	// instruction is emulated by the hypervisor; the guest must never see
	// the raw instruction reflected back.
	if ExceptionCode(code) == ExcIllegalInstruction && IsPrivilegedHInstruction(htinst) {
		return OutcomeHypervisor, nil
	}

	if ExceptionCode(code).IsGuestPageFault() && space != nil {
		if space.DeviceKindAt(tval) == DeviceKindVirtIO {
			return d.dispatchMMIO(regs, ExceptionCode(code), tval, htinst)
		}
		if _, _, err := space.Translate(tval); err == nil {
			return OutcomeResolved, nil
		}
		if err := d.Inject(regs, cause, tval); err != nil {
			return OutcomeHypervisor, err
		}
		return OutcomeInjected, nil
	}

	result := d.Delegation.HandleException(ExceptionCode(code), 0)
	if !result.ShouldDelegate {
		return OutcomeHypervisor, nil
	}

	if err := d.Inject(regs, cause, tval); err != nil {
		return OutcomeHypervisor, err
	}
	return OutcomeInjected, nil
}

// HVIP virtual supervisor interrupt pending bits.
const (
	hvipVSSIP = uint64(1) << 2
	hvipVSTIP = uint64(1) << 6
	hvipVSEIP = uint64(1) << 10
)

// AssertVirtualInterrupt re-injects a delegated interrupt by setting the
// corresponding VS*IP bit in the HVIP shadow. Both the S-level cause and
// its VS-prefixed alias map to the same pending bit.
func AssertVirtualInterrupt(regs *VcpuRegs, cause InterruptCause) error {
	if regs == nil {
		return errInvalidArgument("dispatch.AssertVirtualInterrupt", fmt.Errorf("nil vcpu context"))
	}
	var bit uint64
	switch cause {
	case IntSupervisorSoftware, IntVirtualSupervisorSoftware:
		bit = hvipVSSIP
	case IntSupervisorTimer, IntVirtualSupervisorTimer:
		bit = hvipVSTIP
	case IntSupervisorExternal, IntVirtualSupervisorExternal:
		bit = hvipVSEIP
	default:
		return errUnsupported("dispatch.AssertVirtualInterrupt",
			fmt.Errorf("interrupt cause %d has no virtual pending bit", cause))
	}
	regs.H.Hvip |= bit
	return nil
}

// MMIOAccess is a faulting guest load or store decoded from htinst.
type MMIOAccess struct {
	Store  bool
	Width  int
	Signed bool
	// Reg is rd for a load, rs2 for a store.
	Reg int
}

// DecodeMMIOAccess lifts the access shape out of the transformed
// load/store instruction htinst carries for a guest page fault.
func DecodeMMIOAccess(htinst uint64) (MMIOAccess, error) {
	const (
		opcodeLoad  = 0x03
		opcodeStore = 0x23
	)
	funct3 := (htinst >> 12) & 0x7
	switch htinst & 0x7F {
	case opcodeLoad:
		acc := MMIOAccess{Reg: int(htinst >> 7 & 0x1F)}
		switch funct3 {
		case 0b000:
			acc.Width, acc.Signed = 1, true
		case 0b001:
			acc.Width, acc.Signed = 2, true
		case 0b010:
			acc.Width, acc.Signed = 4, true
		case 0b011:
			acc.Width = 8
		case 0b100:
			acc.Width = 1
		case 0b101:
			acc.Width = 2
		case 0b110:
			acc.Width = 4
		default:
			return MMIOAccess{}, errUnsupported("dispatch.DecodeMMIOAccess",
				fmt.Errorf("load funct3 %#x", funct3))
		}
		return acc, nil
	case opcodeStore:
		if funct3 > 0b011 {
			return MMIOAccess{}, errUnsupported("dispatch.DecodeMMIOAccess",
				fmt.Errorf("store funct3 %#x", funct3))
		}
		return MMIOAccess{Store: true, Width: 1 << funct3, Reg: int(htinst >> 20 & 0x1F)}, nil
	default:
		return MMIOAccess{}, errUnsupported("dispatch.DecodeMMIOAccess",
			fmt.Errorf("opcode %#x is not a load or store", htinst&0x7F))
	}
}

// dispatchMMIO emulates a guest access that faulted inside a VirtIO-tagged
// window: it decodes the access from htinst, resolves the device through
// the router, and performs the register read or write against the
// transport. Unaligned, unsupported-width, or failing accesses inject a
// load/store access fault instead; an instruction fetch from a device
// window is never emulated. PC advancement past a resolved access is the
// world-switch caller's job, since only it knows the trapped instruction's
// true length.
func (d *Dispatcher) dispatchMMIO(regs *VcpuRegs, code ExceptionCode, gpa, htinst uint64) (Outcome, error) {
	if code == ExcInstructionGuestPageFault {
		return d.injectAccessFault(regs, ExcInstructionAccessFault, gpa)
	}

	acc, err := DecodeMMIOAccess(htinst)
	if err != nil || acc.Store != (code == ExcStoreGuestPageFault) || gpa%uint64(acc.Width) != 0 {
		return d.injectAccessFault(regs, accessFaultFor(code), gpa)
	}

	var dev MMIODevice
	var base uint64
	if d.MMIO != nil {
		var ok bool
		if dev, base, ok = d.MMIO.Route(gpa); !ok {
			dev = nil
		}
	}
	if dev == nil {
		return d.injectAccessFault(regs, accessFaultFor(code), gpa)
	}

	if acc.Store {
		value := regs.GPR[acc.Reg]
		if acc.Width < 8 {
			value &= uint64(1)<<(8*acc.Width) - 1
		}
		if err := dev.WriteRegister(gpa-base, value, acc.Width); err != nil {
			return d.injectAccessFault(regs, ExcStoreAccessFault, gpa)
		}
		return OutcomeResolved, nil
	}

	value, err := dev.ReadRegister(gpa-base, acc.Width)
	if err != nil {
		return d.injectAccessFault(regs, ExcLoadAccessFault, gpa)
	}
	if acc.Signed && acc.Width < 8 {
		shift := 64 - 8*acc.Width
		value = uint64(int64(value<<shift) >> shift)
	}
	if acc.Reg != 0 {
		regs.GPR[acc.Reg] = value
	}
	return OutcomeResolved, nil
}

func accessFaultFor(code ExceptionCode) ExceptionCode {
	if code == ExcStoreGuestPageFault {
		return ExcStoreAccessFault
	}
	return ExcLoadAccessFault
}

func (d *Dispatcher) injectAccessFault(regs *VcpuRegs, code ExceptionCode, tval uint64) (Outcome, error) {
	if err := d.Inject(regs, EncodeCause(false, uint8(code)), tval); err != nil {
		return OutcomeHypervisor, err
	}
	return OutcomeInjected, nil
}

// IsPrivilegedHInstruction reports whether the transformed instruction in
// htinst is one of the privileged hypervisor instructions a guest must not
// see raw: HFENCE.VVMA/GVMA or the HLV/HLVX/HSV load/store family.
func IsPrivilegedHInstruction(htinst uint64) bool {
	const opcodeSystem = 0x73
	if htinst&0x7F != opcodeSystem {
		return false
	}
	funct3 := (htinst >> 12) & 0x7
	funct7 := (htinst >> 25) & 0x7F
	if funct3 == 0 && (funct7 == 0x11 || funct7 == 0x31) {
		return true // HFENCE.VVMA / HFENCE.GVMA
	}
	if funct3 == 0x4 && funct7 >= 0x30 && funct7 <= 0x37 {
		return true // HLV.*, HLVX.*, HSV.*
	}
	return false
}

// Inject implements the virtual-trap injection protocol: it writes the
// cause/tval/epc and SPP/SPIE/SIE bits of VSSTATUS the same way real
// hardware's implicit trap delegation would, then points PC at VSTVEC so
// the next Restore enters the guest's trap handler.
func (d *Dispatcher) Inject(regs *VcpuRegs, cause, tval uint64) error {
	if regs == nil {
		return errInvalidArgument("dispatch.Inject", fmt.Errorf("nil vcpu context"))
	}

	const (
		vsstatusSIE  = uint64(1) << 1
		vsstatusSPIE = uint64(1) << 5
		vsstatusSPP  = uint64(1) << 8
	)

	regs.VS.Vscause = cause
	regs.VS.Vstval = tval
	regs.VS.Vsepc = regs.PC

	spie := uint64(0)
	if regs.VS.Vsstatus&vsstatusSIE != 0 {
		spie = vsstatusSPIE
	}
	spp := uint64(0)
	if regs.Mode == ModeVS {
		spp = vsstatusSPP
	}
	regs.VS.Vsstatus = (regs.VS.Vsstatus &^ (vsstatusSIE | vsstatusSPIE | vsstatusSPP)) | spie | spp

	vectored := regs.VS.Vstvec&1 != 0
	base := regs.VS.Vstvec &^ 0x3
	if vectored && cause&scauseInterruptBit != 0 {
		_, code := DecodeCause(cause)
		regs.PC = base + 4*uint64(code)
	} else {
		regs.PC = base
	}
	regs.Mode = ModeVS
	return nil
}
