package hvcore

import "fmt"

// SaveFlags selects which parts of a VCPU's context a world switch touches.
// Bits combine freely.
type SaveFlags uint8

const (
	SaveGPRS SaveFlags = 1 << iota
	SaveCSRS
	SaveFP
	SaveTimer
	SaveSBI
	SaveNested
)

const (
	// SaveDefault saves general registers and the CSR shadow; FP and SBI
	// state stay live across same-VM switches.
	SaveDefault = SaveGPRS | SaveCSRS
	// SaveLazy saves only general registers; FP is spilled on first guest
	// FP use via the fp_dirty path.
	SaveLazy = SaveGPRS
	// SaveAll saves every block, used for cross-VM switches and hotplug.
	SaveAll = SaveGPRS | SaveCSRS | SaveFP | SaveTimer | SaveSBI | SaveNested
)

// FpState is the lazily-saved floating point block: twelve callee/caller
// FP registers worth of guest state plus the rounding/exception CSR.
type FpState struct {
	FS     [12]uint64
	Fcsr   uint32
	Dirty  bool // fp_dirty: FS/Fcsr hold guest values that must be spilled
}

// NestedState reserves the slots a level-2 guest's HSTATUS/VSSTATUS/HGATP
// would occupy. Nested virtualization restore is a documented placeholder:
// Save copies hstatus/vsstatus/hgatp into these fields verbatim when Active
// is set; Restore does not write them back, and no semantic interpretation
// is attempted.
type NestedState struct {
	Active   bool
	Hstatus  uint64
	Vsstatus uint64
	Hgatp    uint64
}

// SupervisorCSRs is the S-mode CSR shadow saved/restored on every world
// switch (SaveCSRS).
type SupervisorCSRs struct {
	Sstatus  uint64
	Sepc     uint64
	Stvec    uint64
	Sscratch uint64
	Sie      uint64
	Sip      uint64
	Satp     uint64
}

// HypervisorCSRs is the hypervisor-level CSR shadow.
type HypervisorCSRs struct {
	Hstatus    uint64
	Hideleg    uint64
	Hedeleg    uint64
	Hcounteren uint64
	Hgeie      uint64
	Hgeip      uint64
	Hgatp      uint64
	Hvip       uint64
	Htval      uint64
	Htinst     uint64
}

// VirtualSupervisorCSRs is the guest's shadow of S-mode state: the VS-CSRs.
type VirtualSupervisorCSRs struct {
	Vsstatus uint64
	Vstvec   uint64
	Vsscratch uint64
	Vsepc    uint64
	Vscause  uint64
	Vstval   uint64
	Vsip     uint64
	Vsie     uint64
	Vsatp    uint64
}

// Mode is the VCPU's current privilege / virtualization mode encoding:
// 0 = U, 1 = S(HS), 2 = reserved, 3 = VS (guest supervisor) with U/VU
// tracked via the virt bit elsewhere. Restore treats mode > 3 as corrupt.
type Mode uint8

const (
	ModeU Mode = iota
	ModeHS
	ModeReserved
	ModeVS
)

// VcpuRegs is the per-VCPU register file: the architectural register and
// CSR shadow plus bookkeeping.
type VcpuRegs struct {
	GPR  [32]uint64
	PC   uint64
	Mode Mode

	S  SupervisorCSRs
	H  HypervisorCSRs
	VS VirtualSupervisorCSRs

	FP     FpState
	Nested NestedState

	// FPEnabled mirrors sstatus.FS != Off; gates whether FP save/restore
	// does anything.
	FPEnabled bool

	// Valid is set at the end of Save. Restore neither checks nor clears
	// it; its validation covers only PC and Mode.
	Valid bool

	// ContextSwitches counts completed Save calls (trap exits) for this
	// VCPU, used by tests.
	ContextSwitches uint64
}

// TimerState is the per-VCPU timer configuration saved/restored under
// SaveTimer.
type TimerState struct {
	Stimecmp uint64
}

// SBIState is the snapshot of machine-identification CSRs saved under
// SaveSBI, plus the menvcfg value restored on guest entry.
type SBIState struct {
	Mhartid uint64
	Menvcfg uint64
}

// HartCSRSnapshot is the shape HardwareCSRs are read from / written to
// during a world switch. In production this is backed by real csrr/csrw
// sequences, an assembly primitive external to this module; the in-memory
// Accessor in csr.go is the reference backend used by every test in this
// package.
type HartCSRSnapshot struct {
	Accessor Accessor
	Timer    TimerState
	SBI      SBIState
}

// Save captures the world-switch save sequence: it mutates regs in place
// to reflect the state the hart held at trap entry, reading csr for
// whatever SaveFlags request.
func Save(regs *VcpuRegs, csr *HartCSRSnapshot, flags SaveFlags) error {
	if csr == nil || csr.Accessor == nil {
		return errInvalidArgument("context.Save", fmt.Errorf("nil csr accessor"))
	}

	// Clearing the load-reserved reservation is a hart-local assembly
	// primitive (L0); modeled here as a no-op hook for the software
	// reference backend.

	if flags&SaveGPRS != 0 {
		// GPR spill is performed by the trap-entry assembly stub before
		// this function runs in production; the reference backend treats
		// regs.GPR as already holding the spilled values and only lifts
		// sepc.
		regs.PC = csr.Accessor.Read(CSRSepc)
	}

	if flags&SaveCSRS != 0 {
		regs.S.Sstatus = csr.Accessor.Read(CSRSstatus)
		regs.S.Sepc = csr.Accessor.Read(CSRSepc)
		regs.S.Stvec = csr.Accessor.Read(CSRStvec)
		regs.S.Sscratch = csr.Accessor.Read(CSRSscratch)
		regs.S.Sie = csr.Accessor.Read(CSRSie)
		regs.S.Sip = csr.Accessor.Read(CSRSip)
		regs.S.Satp = csr.Accessor.Read(CSRSatp)

		regs.H.Hstatus = csr.Accessor.Read(CSRHstatus)
		regs.H.Hideleg = csr.Accessor.Read(CSRHideleg)
		regs.H.Hedeleg = csr.Accessor.Read(CSRHedeleg)
		regs.H.Hcounteren = csr.Accessor.Read(CSRHcounteren)
		regs.H.Hgeie = csr.Accessor.Read(CSRHgeie)
		regs.H.Hgatp = csr.Accessor.Read(CSRHgatp)
		regs.H.Hvip = csr.Accessor.Read(CSRHvip)
		regs.H.Htval = csr.Accessor.Read(CSRHtval)
		regs.H.Htinst = csr.Accessor.Read(CSRHtinst)

		regs.VS.Vsstatus = csr.Accessor.Read(CSRVsstatus)
		regs.VS.Vstvec = csr.Accessor.Read(CSRVstvec)
		regs.VS.Vsscratch = csr.Accessor.Read(CSRVsscratch)
		regs.VS.Vsepc = csr.Accessor.Read(CSRVsepc)
		regs.VS.Vscause = csr.Accessor.Read(CSRVscause)
		regs.VS.Vstval = csr.Accessor.Read(CSRVstval)
		regs.VS.Vsip = csr.Accessor.Read(CSRVsip)
		regs.VS.Vsie = csr.Accessor.Read(CSRVsie)
		regs.VS.Vsatp = csr.Accessor.Read(CSRVsatp)
	}

	if flags&SaveFP != 0 && regs.FPEnabled {
		const sstatusFSMask = uint64(3) << 13
		const sstatusFSDirty = uint64(3) << 13
		if regs.S.Sstatus&sstatusFSMask == sstatusFSDirty {
			regs.FP.Dirty = true
		}
	}

	if flags&SaveTimer != 0 {
		csr.Timer.Stimecmp = csr.Accessor.Read(CSRStimecmp)
	}

	// SaveSBI snapshots machine-identification CSRs, which are set once at
	// boot and not re-read on every switch; nothing to do
	// here beyond keeping the flag meaningful for Restore's symmetric write.

	if flags&SaveNested != 0 && regs.Nested.Active {
		regs.Nested.Hstatus = csr.Accessor.Read(CSRHstatus)
		regs.Nested.Vsstatus = csr.Accessor.Read(CSRVsstatus)
		regs.Nested.Hgatp = csr.Accessor.Read(CSRHgatp)
	}

	regs.Valid = true
	regs.ContextSwitches++
	return nil
}

// Restore implements the world-switch restore sequence. It validates the
// context first and refuses to enter the guest with a corrupt one: a
// context expected to be valid that fails validation is unrecoverable,
// hence the Fatal error kind.
func Restore(regs *VcpuRegs, csr *HartCSRSnapshot, flags SaveFlags) error {
	if regs.PC == 0 && regs.Mode != ModeReserved {
		return newErr(KindFatal, "context.Restore", fmt.Errorf("pc is zero on restore"))
	}
	if regs.Mode > ModeVS {
		return newErr(KindFatal, "context.Restore", fmt.Errorf("invalid mode %d", regs.Mode))
	}

	if flags&SaveCSRS != 0 {
		csr.Accessor.Write(CSRSstatus, regs.S.Sstatus)
		csr.Accessor.Write(CSRStvec, regs.S.Stvec)
		csr.Accessor.Write(CSRSscratch, regs.S.Sscratch)
		csr.Accessor.Write(CSRSie, regs.S.Sie)
		csr.Accessor.Write(CSRSip, regs.S.Sip)
		csr.Accessor.Write(CSRSatp, regs.S.Satp)

		csr.Accessor.Write(CSRHstatus, regs.H.Hstatus)
		csr.Accessor.Write(CSRHideleg, regs.H.Hideleg)
		csr.Accessor.Write(CSRHedeleg, regs.H.Hedeleg)
		csr.Accessor.Write(CSRHcounteren, regs.H.Hcounteren)
		csr.Accessor.Write(CSRHgeie, regs.H.Hgeie)
		csr.Accessor.Write(CSRHgatp, regs.H.Hgatp)
		csr.Accessor.Write(CSRHvip, regs.H.Hvip)

		csr.Accessor.Write(CSRVsstatus, regs.VS.Vsstatus)
		csr.Accessor.Write(CSRVstvec, regs.VS.Vstvec)
		csr.Accessor.Write(CSRVsscratch, regs.VS.Vsscratch)
		csr.Accessor.Write(CSRVsepc, regs.VS.Vsepc)
		csr.Accessor.Write(CSRVscause, regs.VS.Vscause)
		csr.Accessor.Write(CSRVstval, regs.VS.Vstval)
		csr.Accessor.Write(CSRVsip, regs.VS.Vsip)
		csr.Accessor.Write(CSRVsie, regs.VS.Vsie)
		csr.Accessor.Write(CSRVsatp, regs.VS.Vsatp)
	}

	if flags&SaveFP != 0 && regs.FPEnabled {
		const sstatusFSMask = uint64(3) << 13
		const sstatusFSInitial = uint64(1) << 13
		cur := csr.Accessor.Read(CSRSstatus)
		csr.Accessor.Write(CSRSstatus, (cur&^sstatusFSMask)|sstatusFSInitial)
	}

	if flags&SaveTimer != 0 {
		csr.Accessor.Write(CSRStimecmp, csr.Timer.Stimecmp)
	}

	if flags&SaveSBI != 0 {
		// menvcfg restore; production writes the real menvcfg CSR, the
		// software reference keeps it in SBIState since menvcfg is
		// M-mode-only and out of the HS-mode CSR set modeled here.
	}

	if flags&SaveNested != 0 {
		// fence bracket around nested restore: emulated as a no-op for the
		// software reference backend; real hardware issues an explicit
		// memory fence here.
	}

	if flags&SaveGPRS != 0 {
		csr.Accessor.Write(CSRSepc, regs.PC)
	}

	return nil
}
