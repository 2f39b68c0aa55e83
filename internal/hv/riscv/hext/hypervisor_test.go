package hext

import (
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/rvhv/internal/hv"
	"github.com/tinyrange/rvhv/internal/hvcore"
)

type runOnce struct{}

func (runOnce) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	return vcpu.Run(ctx)
}

// TestSBIUnknownExtensionRoundTrip runs one hypercall end to end: the guest
// calls an SBI extension the trampoline does not implement, the ECALL traps
// into the world-switch save/dispatch/restore path, and the guest resumes
// at the next instruction with the not-supported error in a0.
func TestSBIUnknownExtensionRoundTrip(t *testing.T) {
	h, err := Open(hvcore.Platform{Harts: []hvcore.HartID{0}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	vmIface, err := h.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: 1, MemSize: 16 * 1024 * 1024})
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	vm := vmIface.(*VirtualMachine)

	const entry = uint64(0x8400_0000)
	region, err := vm.AllocateMemory(entry, 0x10000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}

	// The guest requests extension 0x53525354, which the TIME/IPI/HSM
	// trampoline does not know, then halts through the stop-on-zero store.
	code := []uint32{
		0x535258B7, // lui  a7, 0x53525
		0x35488893, // addi a7, a7, 0x354   ; a7 = 0x53525354
		0x00000073, // ecall
		0x00003023, // sd   x0, 0(x0)       ; halt
	}
	image := make([]byte, len(code)*4)
	for i, insn := range code {
		image[i*4] = byte(insn)
		image[i*4+1] = byte(insn >> 8)
		image[i*4+2] = byte(insn >> 16)
		image[i*4+3] = byte(insn >> 24)
	}
	if _, err := region.WriteAt(image, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	// The halting store needs a writable PTE path for guest-physical 0.
	if err := vm.guest.Space.MapRegion(0, 0, hvcore.PageSize, hvcore.PermW, hvcore.DeviceKindNone); err != nil {
		t.Fatalf("map halt page: %v", err)
	}

	vm.machine.SetupForLinux(0, 0, entry)

	err = vm.Run(context.Background(), runOnce{})
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run = %v, want ErrVMHalted", err)
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterRISCVX0 + 10: nil,
		hv.RegisterRISCVPc:      nil,
	}
	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		return vcpu.GetRegisters(regs)
	}); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}

	a0 := uint64(regs[hv.RegisterRISCVX0+10].(hv.Register64))
	if int64(a0) != hvcore.SBIErrNotSupported {
		t.Errorf("a0 = %#x, want SBI not-supported (-2)", a0)
	}

	core := vm.vcpus[0].core
	if core.Regs.ContextSwitches != 1 {
		t.Errorf("ContextSwitches = %d, want exactly one hypercall exit", core.Regs.ContextSwitches)
	}
	if got := vm.guest.Space.Stats().Translations; got == 0 {
		t.Errorf("expected guest fetches to go through the g-stage walker")
	}
}
