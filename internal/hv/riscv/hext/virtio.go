package hext

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/rvhv/internal/hv"
	"github.com/tinyrange/rvhv/internal/hvcore"
	"github.com/tinyrange/rvhv/internal/timeslice"
)

// noopExitContext satisfies hv.ExitContext for device accesses emulated
// from the trap path; hext's single-threaded step loop has no timeslice
// scheduler for a device callback to influence.
type noopExitContext struct{}

func (noopExitContext) SetExitTimeslice(id timeslice.TimesliceID) {}

// registerBridge adapts an hv.MemoryMappedIODevice's byte-buffer MMIO
// surface onto hvcore.MMIODevice's width-typed register accesses, so the
// trap dispatcher can emulate a faulting guest access against any device
// built on the architecture-agnostic hv interfaces.
type registerBridge struct {
	dev  hv.MemoryMappedIODevice
	base uint64
}

func (b *registerBridge) ReadRegister(offset uint64, width int) (uint64, error) {
	buf := make([]byte, width)
	if err := b.dev.ReadMMIO(noopExitContext{}, b.base+offset, buf); err != nil {
		return 0, err
	}
	var full [8]byte
	copy(full[:], buf)
	return binary.LittleEndian.Uint64(full[:]), nil
}

func (b *registerBridge) WriteRegister(offset uint64, value uint64, width int) error {
	var full [8]byte
	binary.LittleEndian.PutUint64(full[:], value)
	return b.dev.WriteMMIO(noopExitContext{}, b.base+offset, full[:width])
}

// mmioRouter resolves a faulting guest-physical address to the attached
// device window containing it, implementing hvcore.MMIORouter for the trap
// dispatcher.
type mmioRouter struct {
	mu      sync.RWMutex
	windows []mmioWindow
}

type mmioWindow struct {
	base, size uint64
	dev        hvcore.MMIODevice
}

func (r *mmioRouter) add(base, size uint64, dev hvcore.MMIODevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = append(r.windows, mmioWindow{base: base, size: size, dev: dev})
}

func (r *mmioRouter) Route(gpa uint64) (hvcore.MMIODevice, uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.windows {
		if gpa >= w.base && gpa < w.base+w.size {
			return w.dev, w.base, true
		}
	}
	return nil, 0, false
}

var _ hvcore.MMIORouter = &mmioRouter{}

// AttachMMIODevice installs a VirtIO (or any other) MMIO device on the
// trap-and-emulate path: the window is tagged DeviceKindVirtIO in the
// guest's G-stage address space with no PTE behind it, so every guest
// access faults, and the dispatcher resolves the fault through the VM's
// MMIO router into the device's register file. The device's own declared
// regions pick its addresses.
func (vm *VirtualMachine) AttachMMIODevice(name string, dev hv.MemoryMappedIODevice) error {
	regions := dev.MMIORegions()
	if len(regions) == 0 {
		return fmt.Errorf("hext: %s declares no MMIO regions", name)
	}
	for _, r := range regions {
		if err := vm.guest.Space.TagDeviceWindow(r.Address, r.Size, hvcore.DeviceKindVirtIO); err != nil {
			return fmt.Errorf("hext: tag %s window: %w", name, err)
		}
		vm.router.add(r.Address, r.Size, &registerBridge{dev: dev, base: r.Address})
		vm.guest.AttachDevice(name, r.Address, r.Size)
	}
	return nil
}
