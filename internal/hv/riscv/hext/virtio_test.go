package hext

import (
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/rvhv/internal/devices/virtio"
	"github.com/tinyrange/rvhv/internal/hv"
	"github.com/tinyrange/rvhv/internal/hvcore"
)

// TestGuestDrivesVirtIODeviceThroughMMIOTrap runs guest code against an
// attached virtio-rng device: the device window has no PTE path, so every
// access takes a guest page fault into the dispatcher, which emulates the
// register access against the transport. The guest reads MagicValue and
// writes ACKNOWLEDGE into DeviceStatus, then halts.
func TestGuestDrivesVirtIODeviceThroughMMIOTrap(t *testing.T) {
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

	rng := virtio.NewRNGDevice(virtio.DefaultBase, 2)
	if err := vm.AddDevice(rng); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	const entry = uint64(0x8400_0000)
	region, err := vm.AllocateMemory(entry, 0x10000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}

	code := []uint32{
		0x010012B7, // lui  t0, 0x1001       ; t0 = virtio window base
		0x0002A503, // lw   a0, 0(t0)        ; a0 = MagicValue
		0x00100313, // li   t1, 1
		0x0662A823, // sw   t1, 0x70(t0)     ; DeviceStatus = ACKNOWLEDGE
		0x00003023, // sd   x0, 0(x0)        ; halt
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
	}
	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		return vcpu.GetRegisters(regs)
	}); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	a0 := uint64(regs[hv.RegisterRISCVX0+10].(hv.Register64))
	if a0 != virtio.MagicValue {
		t.Errorf("a0 = %#x, want the MagicValue register (%#x)", a0, uint64(virtio.MagicValue))
	}

	if got := rng.Status(); got&virtio.StatusAcknowledge == 0 {
		t.Errorf("DeviceStatus = %#x, ACKNOWLEDGE never landed through the trap path", got)
	}

	// The attachment is visible through the guest's device list and the
	// G-stage tag the dispatcher routed by.
	if _, ok := vm.guest.DeviceAt(virtio.DefaultBase + 0x70); !ok {
		t.Errorf("device window missing from the guest's attached-device list")
	}
	if kind := vm.guest.Space.DeviceKindAt(virtio.DefaultBase); kind != hvcore.DeviceKindVirtIO {
		t.Errorf("DeviceKindAt = %v, want DeviceKindVirtIO", kind)
	}
}
