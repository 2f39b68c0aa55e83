package hvcore

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// VcpuID identifies one VCPU within a VM's fixed-capacity pool.
type VcpuID uint32

// VcpuState is the VCPU lifecycle state.
type VcpuState uint32

const (
	VcpuReady VcpuState = iota
	VcpuRunning
	VcpuBlocked
	VcpuExited
)

func (s VcpuState) String() string {
	switch s {
	case VcpuReady:
		return "ready"
	case VcpuRunning:
		return "running"
	case VcpuBlocked:
		return "blocked"
	case VcpuExited:
		return "exited"
	default:
		return "unknown"
	}
}

// validTransitions is the VCPU state machine's edge set. Any transition not
// listed here is rejected by Vcpu.Transition.
var validTransitions = map[VcpuState][]VcpuState{
	VcpuReady:   {VcpuRunning, VcpuExited},
	VcpuRunning: {VcpuReady, VcpuBlocked, VcpuExited},
	VcpuBlocked: {VcpuReady, VcpuExited},
	VcpuExited:  {},
}

func canTransition(from, to VcpuState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// VcpuFlags are per-VCPU lifecycle flags set by allocate/init and consulted
// by the scheduler and hotplug path.
type VcpuFlags uint32

const (
	// VcpuFlagNormal marks a VCPU that has completed init and is eligible
	// for ordinary scheduling, as opposed to one still being allocated or
	// hotplugged in.
	VcpuFlagNormal VcpuFlags = 1 << iota
)

// Vcpu is one virtual CPU's private state: its owning VM, register file,
// assigned hart, current lifecycle state, lifecycle flags, and the hart CSR
// snapshot a world switch saves into/restores from.
type Vcpu struct {
	ID      VcpuID
	VMID    VMID
	Flags   VcpuFlags
	Regs    VcpuRegs
	CSR     HartCSRSnapshot
	state   atomic.Uint32
	hart    atomic.Uint32
	hartSet atomic.Bool
}

// NewVcpu constructs a VCPU in the Ready state with a fresh software CSR
// accessor, suitable for the in-memory reference backend.
func NewVcpu(id VcpuID) *Vcpu {
	v := &Vcpu{ID: id}
	v.CSR.Accessor = NewAtomicAccessor()
	v.state.Store(uint32(VcpuReady))
	return v
}

// Allocate implements allocate(vmid, flags): it binds the VCPU to vmid,
// zeroes its register file, sets the given initial flags, and puts it back
// in the Ready state, the shape a freshly allocated or hotplugged VCPU must
// have before Init installs an entry point.
func (v *Vcpu) Allocate(vmid VMID, flags VcpuFlags) {
	v.VMID = vmid
	v.Flags = flags
	v.Regs = VcpuRegs{}
	v.state.Store(uint32(VcpuReady))
}

// Init implements init(entry_pc, stack_top): it sets PC and the stack
// pointer (x2), pre-arms supervisor status for guest-supervisor entry
// (SPP=1, SIE=1), and marks the VCPU NORMAL so the scheduler treats it as
// runnable.
func (v *Vcpu) Init(entryPC, stackTop uint64) {
	const (
		sstatusSIE = uint64(1) << 1
		sstatusSPP = uint64(1) << 8
		regSP      = 2
	)
	v.Regs.PC = entryPC
	v.Regs.GPR[regSP] = stackTop
	v.Regs.S.Sstatus |= sstatusSIE | sstatusSPP
	v.Flags |= VcpuFlagNormal
}

// State returns the VCPU's current lifecycle state.
func (v *Vcpu) State() VcpuState { return VcpuState(v.state.Load()) }

// Transition performs a compare-and-swap state change, rejecting any edge
// not present in the state machine. Concurrent callers racing on the same
// edge will have exactly one winner; the loser gets KindInvalidArgument
// rather than silently clobbering the other's transition.
func (v *Vcpu) Transition(to VcpuState) error {
	from := v.State()
	if !canTransition(from, to) {
		return errInvalidArgument("vcpu.Transition", fmt.Errorf("%s -> %s not allowed", from, to))
	}
	if !v.state.CompareAndSwap(uint32(from), uint32(to)) {
		return errInvalidArgument("vcpu.Transition", fmt.Errorf("state changed concurrently, expected %s", from))
	}
	return nil
}

// AssignHart binds the VCPU to a physical hart, used by the scheduler's
// context-switch path to decide whether a switch is Same-VM fast path or a
// full cross-hart migration.
func (v *Vcpu) AssignHart(hart HartID) {
	v.hart.Store(uint32(hart))
	v.hartSet.Store(true)
}

// Hart returns the currently assigned hart, if any.
func (v *Vcpu) Hart() (HartID, bool) {
	if !v.hartSet.Load() {
		return 0, false
	}
	return HartID(v.hart.Load()), true
}

// SwitchKind classifies a context switch so the caller can choose the
// cheapest correct Save/Restore flag set: a full switch, a same-VM fast
// path, or a barriered switch that must fence nested state.
type SwitchKind int

const (
	SwitchFull SwitchKind = iota
	SwitchSameVM
	SwitchBarriered
)

// ClassifySwitch decides which kind of switch is moving from prev to next,
// given whether both run in the same guest address space and whether
// either has nested virtualization active.
func ClassifySwitch(prev, next *Vcpu, sameVM bool) SwitchKind {
	if prev != nil && prev.Regs.Nested.Active || next != nil && next.Regs.Nested.Active {
		return SwitchBarriered
	}
	if sameVM {
		return SwitchSameVM
	}
	return SwitchFull
}

// FlagsFor returns the SaveFlags a switch of the given kind should use:
// a full switch saves everything, a same-VM switch skips FP/SBI/nested
// state that cannot have changed, and a barriered switch always saves all.
func (k SwitchKind) FlagsFor() SaveFlags {
	switch k {
	case SwitchSameVM:
		return SaveDefault
	case SwitchBarriered:
		return SaveAll
	default:
		return SaveAll
	}
}

// Pool is a VM's fixed-capacity set of VCPUs plus the FIFO ready-to-run
// queue the scheduler's get_next_ready_vcpu pulls from.
type Pool struct {
	mu    sync.Mutex
	vcpus []*Vcpu
	ready []VcpuID
}

// NewPool allocates a pool of n VCPUs, all starting Ready and enqueued in
// ID order.
func NewPool(n int) *Pool {
	p := &Pool{vcpus: make([]*Vcpu, n), ready: make([]VcpuID, 0, n)}
	for i := 0; i < n; i++ {
		p.vcpus[i] = NewVcpu(VcpuID(i))
		p.ready = append(p.ready, VcpuID(i))
	}
	return p
}

// Get returns the VCPU with the given ID.
func (p *Pool) Get(id VcpuID) (*Vcpu, error) {
	if int(id) < 0 || int(id) >= len(p.vcpus) {
		return nil, errInvalidArgument("vcpu.Pool.Get", fmt.Errorf("vcpu id %d out of range", id))
	}
	return p.vcpus[id], nil
}

// Len returns the pool's fixed VCPU capacity.
func (p *Pool) Len() int { return len(p.vcpus) }

// Enqueue appends id to the tail of the ready runqueue. Callers transition
// the VCPU to Ready before enqueuing; Enqueue itself does not touch state.
func (p *Pool) Enqueue(id VcpuID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = append(p.ready, id)
}

// NextReady implements get_next_ready_vcpu: pops the head of the FIFO
// runqueue, or returns ok=false if nothing is ready.
func (p *Pool) NextReady() (id VcpuID, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ready) == 0 {
		return 0, false
	}
	id, p.ready = p.ready[0], p.ready[1:]
	return id, true
}
