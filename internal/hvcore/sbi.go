package hvcore

import "fmt"

// SBI extension IDs the trampoline recognizes: the TIME, IPI and HSM base
// extensions a guest's OpenSBI-compatible firmware calls into via ECALL.
type SBIExtension uint64

const (
	SBIExtTime SBIExtension = 0x54494D45
	SBIExtIPI  SBIExtension = 0x735049
	SBIExtHSM  SBIExtension = 0x48534D
)

// SBI error codes, per the standard SBI binary interface.
const (
	SBISuccess              int64 = 0
	SBIErrFailed            int64 = -1
	SBIErrNotSupported      int64 = -2
	SBIErrInvalidParam      int64 = -3
	SBIErrDenied            int64 = -4
	SBIErrInvalidAddress    int64 = -5
	SBIErrAlreadyAvailable  int64 = -6
	SBIErrAlreadyStarted    int64 = -7
	SBIErrAlreadyStopped    int64 = -8
)

// HSM hart states, per the SBI HSM extension.
const (
	HSMStarted      uint64 = 0
	HSMStopped      uint64 = 1
	HSMStartPending uint64 = 2
	HSMStopPending  uint64 = 3
)

// SBICall is one decoded ECALL: extension/function id and the a0-a5
// argument registers, in the order a guest's `ecall` trap handler would
// extract them from the VCPU register file.
type SBICall struct {
	Extension SBIExtension
	Function  uint64
	Args      [6]uint64
}

// SBIResult is the (error, value) pair SBI returns in a0/a1.
type SBIResult struct {
	Error int64
	Value uint64
}

// Trampoline is the minimum TIME/IPI/HSM SBI surface needed to boot an
// unmodified Linux guest under this hypervisor: guests call into
// OpenSBI-equivalent firmware for timers, IPIs and hart management.
type Trampoline struct {
	Fabric *Fabric
	Boot   *BootManager
}

// NewTrampoline constructs an SBI trampoline wired to the IPI fabric and
// boot manager it forwards TIME/IPI/HSM calls to.
func NewTrampoline(fabric *Fabric, boot *BootManager) *Trampoline {
	return &Trampoline{Fabric: fabric, Boot: boot}
}

// Handle dispatches one SBI call, writing the Stimecmp CSR for
// set_timer, forwarding IPI sends to the fabric, and HSM hart-management
// calls to the boot manager.
func (t *Trampoline) Handle(call SBICall, regs *VcpuRegs, csr *HartCSRSnapshot, self HartID) SBIResult {
	switch call.Extension {
	case SBIExtTime:
		return t.handleTime(call, csr)
	case SBIExtIPI:
		return t.handleIPI(call, self)
	case SBIExtHSM:
		return t.handleHSM(call)
	default:
		return SBIResult{Error: SBIErrNotSupported}
	}
}

func (t *Trampoline) handleTime(call SBICall, csr *HartCSRSnapshot) SBIResult {
	const fidSetTimer = 0
	if call.Function != fidSetTimer {
		return SBIResult{Error: SBIErrNotSupported}
	}
	csr.Timer.Stimecmp = call.Args[0]
	if csr.Accessor != nil {
		csr.Accessor.Write(CSRStimecmp, call.Args[0])
	}
	return SBIResult{Error: SBISuccess}
}

func (t *Trampoline) handleIPI(call SBICall, self HartID) SBIResult {
	const fidSendIPI = 0
	if call.Function != fidSendIPI {
		return SBIResult{Error: SBIErrNotSupported}
	}
	hartMask := call.Args[0]
	hartMaskBase := call.Args[1]
	if t.Fabric == nil {
		return SBIResult{Error: SBIErrFailed}
	}
	var targets []HartID
	for i := 0; i < 64; i++ {
		if hartMask&(1<<uint(i)) != 0 {
			targets = append(targets, HartID(hartMaskBase)+HartID(i))
		}
	}
	if err := t.Fabric.SendToMany(targets, IpiReschedule, 0); err != nil {
		return SBIResult{Error: SBIErrFailed}
	}
	return SBIResult{Error: SBISuccess}
}

func (t *Trampoline) handleHSM(call SBICall) SBIResult {
	const (
		fidHartStart = 0
		fidHartStop  = 1
		fidHartGetStatus = 2
	)
	if t.Boot == nil {
		return SBIResult{Error: SBIErrFailed}
	}
	hart := HartID(call.Args[0])
	switch call.Function {
	case fidHartStart:
		cfg := BootConfig{EntryPoint: call.Args[1], BootArgs: call.Args[2]}
		if _, err := t.Boot.Hotplug(hart, HotplugAdd, cfg); err != nil {
			return SBIResult{Error: SBIErrFailed}
		}
		return SBIResult{Error: SBISuccess}
	case fidHartStop:
		if _, err := t.Boot.Hotplug(hart, HotplugRemove, BootConfig{}); err != nil {
			return SBIResult{Error: SBIErrFailed}
		}
		return SBIResult{Error: SBISuccess}
	case fidHartGetStatus:
		info, err := t.Boot.Info(hart)
		if err != nil {
			return SBIResult{Error: SBIErrInvalidParam}
		}
		return SBIResult{Error: SBISuccess, Value: hsmStateFor(info.State)}
	default:
		return SBIResult{Error: SBIErrNotSupported}
	}
}

func hsmStateFor(s BootState) uint64 {
	switch s {
	case BootReady:
		return HSMStarted
	case BootStarting, BootStarted:
		return HSMStartPending
	default:
		return HSMStopped
	}
}

// DecodeECall lifts the a7/a6/a0-a5 registers from a trapped ECALL into an
// SBICall, per the standard SBI calling convention (a7 = extension,
// a6 = function).
func DecodeECall(regs *VcpuRegs) (SBICall, error) {
	if regs == nil {
		return SBICall{}, errInvalidArgument("sbi.DecodeECall", fmt.Errorf("nil vcpu context"))
	}
	const (
		regA0 = 10
		regA7 = 17
	)
	call := SBICall{
		Extension: SBIExtension(regs.GPR[regA7]),
		Function:  regs.GPR[regA0+6],
	}
	copy(call.Args[:], regs.GPR[regA0:regA0+6])
	return call, nil
}

// EncodeReturn writes an SBIResult back into a0/a1 the way a guest's
// ecall trap handler expects to find it on return.
func EncodeReturn(regs *VcpuRegs, res SBIResult) {
	const regA0 = 10
	regs.GPR[regA0] = uint64(res.Error)
	regs.GPR[regA0+1] = res.Value
}
