// Package hext wires internal/hvcore's H-extension CSR, page-table, and
// trap-dispatch model onto the hv.Hypervisor/VirtualMachine/VirtualCPU
// interfaces, using rv64.Machine as the instruction-stepping and memory-bus
// primitive the H-extension layer has no reason to reimplement.
package hext

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/rvhv/internal/hv"
	"github.com/tinyrange/rvhv/internal/hv/riscv/rv64"
	"github.com/tinyrange/rvhv/internal/hvcore"
)

// Hypervisor implements hv.Hypervisor for the RISC-V H-extension core.
type Hypervisor struct {
	Platform hvcore.Platform
}

// Open creates a new H-extension hypervisor over the given platform
// descriptor. A zero-value Platform is filled with a single-hart, 10 MHz
// timer default suitable for the reference software backend.
func Open(platform hvcore.Platform) (hv.Hypervisor, error) {
	if len(platform.Harts) == 0 {
		platform.Harts = []hvcore.HartID{0}
	}
	if platform.TimerFreqHz == 0 {
		platform.TimerFreqHz = 10_000_000
	}
	return &Hypervisor{Platform: platform}, nil
}

func (h *Hypervisor) Close() error { return nil }

func (h *Hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureRISCV64 }

// NewVirtualMachine implements hv.Hypervisor: it builds an rv64.Machine for
// memory and instruction stepping, plus a hvcore.VM for G-stage
// translation, delegation, and VCPU context.
func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config == nil {
		return nil, fmt.Errorf("hext: VMConfig is nil")
	}

	memSize := config.MemorySize()
	if memSize == 0 {
		memSize = 64 * 1024 * 1024
	}

	machine := rv64.NewMachine(memSize, nil, nil)

	alloc := newBumpFrameAllocator(machine, memSize)
	vmgr := hvcore.NewVMManager()
	guest, err := vmgr.CreateVM(hvcore.GstageModeSv39x4, alloc, config.CPUCount(), hvcore.DefaultDelegationConfig())
	if err != nil {
		return nil, fmt.Errorf("hext: create guest vm: %w", err)
	}

	boot := hvcore.NewBootManager(h.Platform.Harts)
	fabric := hvcore.NewFabric(h.Platform.Harts, &clintSender{clint: machine.CLINT})

	vm := &VirtualMachine{
		hv:         h,
		machine:    machine,
		vms:        vmgr,
		guest:      guest,
		boot:       boot,
		fabric:     fabric,
		router:     &mmioRouter{},
		dispatcher: hvcore.NewDispatcher(guest.Delegation),
		trampoline: hvcore.NewTrampoline(fabric, boot),
	}
	vm.dispatcher.MMIO = vm.router

	// rv64.NewMachine wires CLINT/PLIC/UART onto the bus directly at fixed
	// bases; register the same ranges in the guest's G-stage space so the
	// second-stage hook below doesn't fault ordinary platform-device
	// accesses that were never routed through AttachMMIODevice.
	platformDevices := []struct {
		base, size uint64
	}{
		{rv64.CLINTBase, rv64.CLINTSize},
		{rv64.PLICBase, rv64.PLICSize},
		{rv64.UARTBase, rv64.UARTSize},
	}
	for _, d := range platformDevices {
		if err := guest.Space.MapRegion(d.base, d.base, d.size, hvcore.PermR|hvcore.PermW, hvcore.DeviceKindGeneric); err != nil {
			return nil, fmt.Errorf("hext: map platform device at %#x: %w", d.base, err)
		}
	}

	// Route every guest memory access and instruction fetch through the
	// guest's G-stage address space instead of letting rv64's first-stage
	// MMU address the host bus directly: an unmapped GPA now takes the
	// "no PTE path" fault rv64 already raises for a missing first-stage
	// PTE, rather than silently reaching the bus.
	machine.MMU.SecondStage = func(gpa uint64, access int) (uint64, error) {
		hpa, perm, err := guest.Space.Translate(gpa)
		if err != nil {
			return 0, err
		}
		var want hvcore.Perm
		switch access {
		case 0:
			want = hvcore.PermR
		case 1:
			want = hvcore.PermW
		case 2:
			want = hvcore.PermX
		}
		if perm&want == 0 {
			return 0, fmt.Errorf("hext: gpa %#x denied permission %d", gpa, access)
		}
		return hpa, nil
	}
	vm.vcpus = make([]*VirtualCPU, config.CPUCount())
	for i := range vm.vcpus {
		core, err := guest.VCPUs.Get(hvcore.VcpuID(i))
		if err != nil {
			return nil, err
		}
		vm.vcpus[i] = &VirtualCPU{vm: vm, id: i, core: core}
	}

	if memBase := config.MemoryBase(); memBase != 0 && memBase != machine.MemoryBase() {
		return nil, fmt.Errorf("hext: memory base must be 0x%x (got 0x%x)", machine.MemoryBase(), memBase)
	}

	if cb := config.Callbacks(); cb != nil {
		if err := cb.OnCreateVM(vm); err != nil {
			return nil, fmt.Errorf("hext: VM callback OnCreateVM: %w", err)
		}
	}
	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return nil, fmt.Errorf("hext: load VM: %w", err)
		}
	}
	if cb := config.Callbacks(); cb != nil {
		if err := cb.OnCreateVMWithMemory(vm); err != nil {
			return nil, fmt.Errorf("hext: VM callback OnCreateVMWithMemory: %w", err)
		}
		for _, vcpu := range vm.vcpus {
			if err := cb.OnCreateVCPU(vcpu); err != nil {
				return nil, fmt.Errorf("hext: VM callback OnCreateVCPU: %w", err)
			}
		}
	}

	return vm, nil
}

// VirtualMachine implements hv.VirtualMachine, backing guest memory and
// instruction stepping with rv64.Machine and H-extension semantics with a
// hvcore.VM.
type VirtualMachine struct {
	hv         *Hypervisor
	machine    *rv64.Machine
	vms        *hvcore.VMManager
	guest      *hvcore.VM
	boot       *hvcore.BootManager
	fabric     *hvcore.Fabric
	router     *mmioRouter
	dispatcher *hvcore.Dispatcher
	trampoline *hvcore.Trampoline
	vcpus      []*VirtualCPU
}

// clintSender adapts rv64's CLINT to hvcore.Sender so the IPI fabric can
// actually raise a software interrupt line; the reference machine is
// single-hart, so every send lands on the one CLINT the machine owns.
type clintSender struct{ clint *rv64.CLINT }

func (s *clintSender) SignalHart(hart hvcore.HartID) error {
	return s.clint.Write(rv64.CLINTMsip, 4, 1)
}

func (vm *VirtualMachine) Hypervisor() hv.Hypervisor { return vm.hv }
func (vm *VirtualMachine) MemorySize() uint64        { return vm.machine.MemorySize() }
func (vm *VirtualMachine) MemoryBase() uint64        { return vm.machine.MemoryBase() }
func (vm *VirtualMachine) Close() error              { return nil }

func (vm *VirtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("hext: RunConfig is nil")
	}
	if len(vm.vcpus) == 0 {
		return fmt.Errorf("hext: no vcpus configured")
	}
	return cfg.Run(ctx, vm.vcpus[0])
}

func (vm *VirtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	if id < 0 || id >= len(vm.vcpus) {
		return fmt.Errorf("hext: vcpu %d out of range", id)
	}
	return f(vm.vcpus[id])
}

// AddDevice implements hv.VirtualMachine. Devices that also implement
// hv.MemoryMappedIODevice are additionally wired onto the trap-and-emulate
// path via AttachMMIODevice, so VirtIO transports built against the
// architecture-agnostic hv interfaces are reachable from guest loads and
// stores without every device needing its own AddDevice override.
func (vm *VirtualMachine) AddDevice(dev hv.Device) error {
	if err := dev.Init(vm); err != nil {
		return err
	}
	if mmioDev, ok := dev.(hv.MemoryMappedIODevice); ok {
		return vm.AttachMMIODevice(fmt.Sprintf("%T", dev), mmioDev)
	}
	return nil
}

// AllocateMemory backs physAddr..physAddr+size on the host bus with fresh
// RAM and registers the same range as an identity GPA-to-HPA mapping in the
// guest's G-stage address space, so guest accesses to physAddr are backed
// by a real PTE instead of relying solely on the bus's own device lookup.
func (vm *VirtualMachine) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	region := rv64.NewMemoryRegion(size)
	vm.machine.AddDevice(physAddr, region)
	perm := hvcore.PermR | hvcore.PermW | hvcore.PermX | hvcore.PermU
	if err := vm.guest.Space.MapRegion(physAddr, physAddr, size, perm, hvcore.DeviceKindNone); err != nil {
		return nil, fmt.Errorf("hext: map guest ram at %#x: %w", physAddr, err)
	}
	return &memoryRegionWrapper{region: region}, nil
}

func (vm *VirtualMachine) ReadAt(p []byte, off int64) (int, error) {
	return vm.machine.ReadAt(p, off)
}

func (vm *VirtualMachine) WriteAt(p []byte, off int64) (int, error) {
	return vm.machine.WriteAt(p, off)
}

// SetIRQ forwards to the underlying machine's PLIC, the same way rv64's own
// adapter does; G-stage guests see this as an external interrupt pending in
// HIP once the trap dispatcher observes it.
func (vm *VirtualMachine) SetIRQ(irqLine uint32, level bool) error {
	vm.machine.PLIC.SetPending(irqLine, level)
	return nil
}

// Guest returns the hvcore.VM backing this virtual machine's H-extension
// state, for callers (device models, tests) that need direct access to
// G-stage mapping or delegation.
func (vm *VirtualMachine) Guest() *hvcore.VM { return vm.guest }

// Machine returns the underlying instruction-stepping engine.
func (vm *VirtualMachine) Machine() *rv64.Machine { return vm.machine }

type memoryRegionWrapper struct {
	region *rv64.MemoryRegion
}

func (m *memoryRegionWrapper) Size() uint64                          { return m.region.Size() }
func (m *memoryRegionWrapper) ReadAt(p []byte, off int64) (int, error)  { return m.region.ReadAt(p, off) }
func (m *memoryRegionWrapper) WriteAt(p []byte, off int64) (int, error) { return m.region.WriteAt(p, off) }

// VirtualCPU implements hv.VirtualCPU: general registers and PC live in
// rv64's CPU struct (the L0 stepping primitive); H-extension CSRs, VCPU
// lifecycle state, and trap dispatch live in the embedded hvcore.Vcpu.
type VirtualCPU struct {
	vm   *VirtualMachine
	id   int
	core *hvcore.Vcpu
}

func (vcpu *VirtualCPU) VirtualMachine() hv.VirtualMachine { return vcpu.vm }
func (vcpu *VirtualCPU) ID() int                           { return vcpu.id }

func (vcpu *VirtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		val64, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("hext: unsupported register value type %T", value)
		}
		switch {
		case reg >= hv.RegisterRISCVX0 && reg <= hv.RegisterRISCVX31:
			idx := int(reg - hv.RegisterRISCVX0)
			vcpu.vm.machine.CPU.WriteReg(uint32(idx), uint64(val64))
			vcpu.core.Regs.GPR[idx] = uint64(val64)
		case reg == hv.RegisterRISCVPc:
			vcpu.vm.machine.SetPC(uint64(val64))
			vcpu.core.Regs.PC = uint64(val64)
		default:
			return fmt.Errorf("hext: unsupported register %v", reg)
		}
	}
	return nil
}

func (vcpu *VirtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		switch {
		case reg >= hv.RegisterRISCVX0 && reg <= hv.RegisterRISCVX31:
			idx := int(reg - hv.RegisterRISCVX0)
			regs[reg] = hv.Register64(vcpu.vm.machine.CPU.ReadReg(uint32(idx)))
		case reg == hv.RegisterRISCVPc:
			regs[reg] = hv.Register64(vcpu.vm.machine.GetPC())
		default:
			return fmt.Errorf("hext: unsupported register %v", reg)
		}
	}
	return nil
}

// Run steps the guest until it halts, is interrupted, or takes a trap the
// delegation manager assigns to the hypervisor: rv64.Machine.Step executes
// host-visible instructions directly, and an ECallHook installed on the
// machine routes every ECALL from S-mode through the VCPU's world-switch
// save/restore sequence, the trap dispatcher, and the SBI trampoline,
// instead of rv64's own standalone HandleSBI.
func (vcpu *VirtualCPU) Run(ctx context.Context) error {
	if err := vcpu.core.Transition(hvcore.VcpuRunning); err != nil {
		return err
	}
	defer vcpu.core.Transition(hvcore.VcpuReady)

	vcpu.vm.machine.SetStopOnZero(true)
	vcpu.vm.machine.ECallHook = vcpu.handleECall
	vcpu.vm.machine.MMIOFaultHook = vcpu.handleMMIOFault
	err := vcpu.vm.machine.Run(ctx, 500000)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rv64.ErrHalt):
		return hv.ErrVMHalted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return hv.ErrInterrupted
	default:
		return err
	}
}

// hartID returns the hvcore HartID this vcpu is bound to: the hart assigned
// by the boot/scheduling layer if any, otherwise the platform's declared
// hart at this vcpu's index, falling back to the index itself.
func (vcpu *VirtualCPU) hartID() hvcore.HartID {
	if hart, ok := vcpu.core.Hart(); ok {
		return hart
	}
	if vcpu.id < len(vcpu.vm.hv.Platform.Harts) {
		return vcpu.vm.hv.Platform.Harts[vcpu.id]
	}
	return hvcore.HartID(vcpu.id)
}

// handleECall is installed as the stepping machine's ECallHook: it lifts
// the trapped ECALL's register file into the vcpu's hvcore context, runs
// the world-switch save sequence, routes the cause through the trap
// dispatcher, services any hypervisor-handled SBI call through the
// trampoline, then restores the context and writes the result back into
// rv64's register file. This is the path scause 9 (ECall from HS) always
// takes once a VCPU is running, in place of rv64's own HandleSBI.
//
// Save/Restore here move only the SaveCSRS block: rv64's general registers
// already live in CPU.X and are copied across directly above and below,
// since rv64 has no separate GPR spill area for Save's SaveGPRS path to
// lift a stale sepc from. The CSR shadow round-trips through the VCPU's
// own Accessor every switch, giving Dispatch/Inject a persistent VS-CSR
// state to read and mutate across calls.
func (vcpu *VirtualCPU) handleECall(m *rv64.Machine) error {
	core := vcpu.core
	for i := 0; i < 32; i++ {
		core.Regs.GPR[i] = m.CPU.ReadReg(uint32(i))
	}
	core.Regs.PC = m.CPU.PC

	if err := hvcore.Save(&core.Regs, &core.CSR, hvcore.SaveCSRS); err != nil {
		return err
	}

	cause := hvcore.EncodeCause(false, uint8(hvcore.ExcECallFromHS))
	outcome, err := vcpu.vm.dispatcher.Dispatch(&core.Regs, cause, 0, 0, vcpu.vm.guest.Space)
	if err != nil {
		return err
	}

	switch outcome {
	case hvcore.OutcomeHypervisor:
		call, derr := hvcore.DecodeECall(&core.Regs)
		if derr != nil {
			return derr
		}
		res := vcpu.vm.trampoline.Handle(call, &core.Regs, &core.CSR, vcpu.hartID())
		hvcore.EncodeReturn(&core.Regs, res)
		core.Regs.PC += 4
	case hvcore.OutcomeResolved:
		core.Regs.PC += 4
	case hvcore.OutcomeInjected:
		// Inject already repointed PC at VSTVEC; nothing more to do.
	}

	if err := hvcore.Restore(&core.Regs, &core.CSR, hvcore.SaveCSRS); err != nil {
		return err
	}

	for i := 0; i < 32; i++ {
		m.CPU.WriteReg(uint32(i), core.Regs.GPR[i])
	}
	m.CPU.PC = core.Regs.PC
	return nil
}

// handleMMIOFault is installed as the stepping machine's MMIOFaultHook: a
// guest load or store that missed every G-stage PTE lands here, and if the
// faulting address sits in a VirtIO-tagged window the access takes the
// save/dispatch/restore path with the faulting instruction as htinst, so
// the dispatcher emulates it against the transport's register file. Faults
// outside any tagged window are left to the guest's own trap handler.
func (vcpu *VirtualCPU) handleMMIOFault(m *rv64.Machine, insn uint32, insnLen int, store bool, addr uint64) (bool, error) {
	space := vcpu.vm.guest.Space
	if space.DeviceKindAt(addr) != hvcore.DeviceKindVirtIO {
		return false, nil
	}

	core := vcpu.core
	for i := 0; i < 32; i++ {
		core.Regs.GPR[i] = m.CPU.ReadReg(uint32(i))
	}
	core.Regs.PC = m.CPU.PC

	if err := hvcore.Save(&core.Regs, &core.CSR, hvcore.SaveCSRS); err != nil {
		return false, err
	}

	code := hvcore.ExcLoadGuestPageFault
	if store {
		code = hvcore.ExcStoreGuestPageFault
	}
	outcome, err := vcpu.vm.dispatcher.Dispatch(&core.Regs,
		hvcore.EncodeCause(false, uint8(code)), addr, uint64(insn), space)
	if err != nil {
		return false, err
	}
	if outcome == hvcore.OutcomeResolved {
		core.Regs.PC += uint64(insnLen)
	}

	if err := hvcore.Restore(&core.Regs, &core.CSR, hvcore.SaveCSRS); err != nil {
		return false, err
	}

	for i := 0; i < 32; i++ {
		m.CPU.WriteReg(uint32(i), core.Regs.GPR[i])
	}
	m.CPU.PC = core.Regs.PC
	return true, nil
}

var (
	_ hv.Hypervisor     = &Hypervisor{}
	_ hv.VirtualMachine = &VirtualMachine{}
	_ hv.VirtualCPU     = &VirtualCPU{}
	_ hv.MemoryRegion   = &memoryRegionWrapper{}
)
