// Package virtio implements the modern (v2) virtio MMIO transport: a
// 4 KiB register window per device, the status handshake, two-half feature
// negotiation, and the virtqueue rings a device backend consumes.
package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/rvhv/internal/fdt"
	"github.com/tinyrange/rvhv/internal/hv"
	"github.com/tinyrange/rvhv/internal/timeslice"
)

const (
	// MagicValue marks a populated MMIO slot ("virt" little-endian).
	MagicValue = 0x74726976

	// TransportVersion is the modern MMIO transport version.
	TransportVersion = 2

	// WindowSize is the MMIO window one device occupies.
	WindowSize = 0x1000

	// DefaultBase and DefaultStride place linearly enumerated device
	// windows unless the platform descriptor says otherwise.
	DefaultBase   = 0x1001000
	DefaultStride = 0x1000
)

// Register offsets within a device window.
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueDriverLow    = 0x090
	regQueueDriverHigh   = 0x094
	regQueueDeviceLow    = 0x0a0
	regQueueDeviceHigh   = 0x0a4
	regConfigGeneration  = 0x0fc

	// RegConfig is where the device-specific config window begins.
	RegConfig = 0x100
)

// Device status bits.
const (
	StatusAcknowledge = 1
	StatusDriver      = 2
	StatusDriverOK    = 4
	StatusFeaturesOK  = 8
	StatusNeedsReset  = 64
	StatusFailed      = 128
)

// Interrupt status bits.
const (
	InterruptVRing  = 0x1 // used-buffer notification
	InterruptConfig = 0x2 // config space changed
)

// Transport-independent feature bits.
const (
	FeatureRingIndirectDesc = uint64(1) << 28
	FeatureRingEventIdx     = uint64(1) << 29
	FeatureVersion1         = uint64(1) << 32
	FeatureAccessPlatform   = uint64(1) << 33
)

// Device-type feature bits for the net and block subtypes.
const (
	FeatureNetMAC      = uint64(1) << 5
	FeatureNetStatus   = uint64(1) << 16
	FeatureNetMrgRxbuf = uint64(1) << 15
	FeatureNetCtrlVq   = uint64(1) << 17

	FeatureBlkFlush       = uint64(1) << 9
	FeatureBlkDiscard     = uint64(1) << 13
	FeatureBlkWriteZeroes = uint64(1) << 14
	FeatureBlkConfigWCE   = uint64(1) << 11
)

// VendorID returned by every device on this transport.
const VendorID = 0x554d4551

// Backend is the device-specific half of a virtio device: it names the
// subtype, offers its feature bits, shapes the queues, and services queue
// notifications and config-space access. The Device owns everything else.
type Backend interface {
	DeviceID() uint32
	DeviceFeatures() uint64
	QueueCount() int
	QueueMaxSize(q int) uint16

	// Notify is invoked on a QueueNotify write for queue q; the backend
	// pops available chains and pushes used entries through the Device's
	// queue helpers.
	Notify(dev *Device, q int) error

	// ReadConfig and WriteConfig access the device-specific config window
	// at the given offset from RegConfig. WriteConfig reports whether it
	// logically changed the config blob.
	ReadConfig(offset uint64, width int) (uint64, error)
	WriteConfig(offset uint64, value uint64, width int) (bool, error)

	Reset()
}

// Device is one virtio MMIO transport instance: the register window state
// machine plus its virtqueues. Guest memory behind the rings is reached
// through the owning VirtualMachine's ReadAt/WriteAt.
type Device struct {
	mu      sync.Mutex
	name    string
	vm      hv.VirtualMachine
	backend Backend
	base    uint64
	irqLine uint32

	// TimesliceRead/TimesliceWrite, when nonzero, are recorded on the exit
	// context for every MMIO access so the host scheduler can attribute
	// guest-exit time to this device.
	TimesliceRead  timeslice.TimesliceID
	TimesliceWrite timeslice.TimesliceID

	status            uint32
	driverFeatures    uint64
	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	queueSel          uint32
	interruptStatus   uint32
	configGeneration  uint32
	queues            []Queue
}

// NewDevice constructs a Device over the given backend, occupying
// [base, base+WindowSize).
func NewDevice(name string, base uint64, irqLine uint32, backend Backend) *Device {
	d := &Device{name: name, base: base, irqLine: irqLine, backend: backend}
	d.queues = make([]Queue, backend.QueueCount())
	for i := range d.queues {
		d.queues[i].maxSize = backend.QueueMaxSize(i)
	}
	return d
}

// Init implements hv.Device.
func (d *Device) Init(vm hv.VirtualMachine) error {
	if vm == nil {
		return fmt.Errorf("%s: virtual machine is nil", d.name)
	}
	d.vm = vm
	return nil
}

// Name returns the device's name for logging and attachment records.
func (d *Device) Name() string { return d.name }

// Base returns the MMIO window base address.
func (d *Device) Base() uint64 { return d.base }

// IRQLine returns the interrupt line the device pulses.
func (d *Device) IRQLine() uint32 { return d.irqLine }

// MMIORegions implements hv.MemoryMappedIODevice.
func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: d.base, Size: WindowSize}}
}

// ReadMMIO implements hv.MemoryMappedIODevice over ReadRegister.
func (d *Device) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if d.TimesliceRead != 0 {
		ctx.SetExitTimeslice(d.TimesliceRead)
	}
	v, err := d.ReadRegister(addr-d.base, len(data))
	if err != nil {
		return err
	}
	putLE(data, v)
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice over WriteRegister.
func (d *Device) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if d.TimesliceWrite != 0 {
		ctx.SetExitTimeslice(d.TimesliceWrite)
	}
	return d.WriteRegister(addr-d.base, getLE(data), len(data))
}

func putLE(data []byte, v uint64) {
	for i := range data {
		data[i] = byte(v)
		v >>= 8
	}
}

func getLE(data []byte) uint64 {
	var v uint64
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	return v
}

// deviceFeatures is the full 64-bit feature set the device offers:
// VERSION_1 always, plus the backend's device-specific bits.
func (d *Device) deviceFeatures() uint64 {
	return d.backend.DeviceFeatures() | FeatureVersion1
}

// NegotiatedFeatures returns the driver-accepted feature subset.
func (d *Device) NegotiatedFeatures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driverFeatures
}

// Status returns the current handshake status register.
func (d *Device) Status() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// ReadRegister performs one register or config-window read. Registers are
// 32-bit and word-aligned; the config window also accepts byte and
// halfword access.
func (d *Device) ReadRegister(offset uint64, width int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset >= RegConfig {
		if err := checkConfigAccess(offset, width); err != nil {
			return 0, err
		}
		return d.backend.ReadConfig(offset-RegConfig, width)
	}
	if width != 4 || offset%4 != 0 {
		return 0, fmt.Errorf("%s: unsupported %d-byte read at %#x", d.name, width, offset)
	}

	switch offset {
	case regMagicValue:
		return MagicValue, nil
	case regVersion:
		return TransportVersion, nil
	case regDeviceID:
		return uint64(d.backend.DeviceID()), nil
	case regVendorID:
		return VendorID, nil
	case regDeviceFeatures:
		return uint64(uint32(d.deviceFeatures() >> (32 * d.deviceFeaturesSel))), nil
	case regQueueNumMax:
		if q := d.selectedQueue(); q != nil {
			return uint64(q.maxSize), nil
		}
		return 0, nil
	case regQueueReady:
		if q := d.selectedQueue(); q != nil && q.ready {
			return 1, nil
		}
		return 0, nil
	case regInterruptStatus:
		return uint64(d.interruptStatus), nil
	case regStatus:
		return uint64(d.status), nil
	case regConfigGeneration:
		return uint64(d.configGeneration), nil
	default:
		return 0, nil
	}
}

// WriteRegister performs one register or config-window write.
func (d *Device) WriteRegister(offset uint64, value uint64, width int) error {
	d.mu.Lock()

	if offset >= RegConfig {
		defer d.mu.Unlock()
		if err := checkConfigAccess(offset, width); err != nil {
			return err
		}
		changed, err := d.backend.WriteConfig(offset-RegConfig, value, width)
		if err != nil {
			return err
		}
		if changed {
			d.bumpConfigLocked()
		}
		return nil
	}
	if width != 4 || offset%4 != 0 {
		d.mu.Unlock()
		return fmt.Errorf("%s: unsupported %d-byte write at %#x", d.name, width, offset)
	}

	v := uint32(value)
	switch offset {
	case regDeviceFeaturesSel:
		d.deviceFeaturesSel = v & 1
	case regDriverFeaturesSel:
		d.driverFeaturesSel = v & 1
	case regDriverFeatures:
		// The negotiated set is immutable once DRIVER_OK is set.
		if d.status&StatusDriverOK == 0 {
			shift := 32 * d.driverFeaturesSel
			d.driverFeatures = d.driverFeatures&^(uint64(0xffffffff)<<shift) | uint64(v)<<shift
		}
	case regQueueSel:
		d.queueSel = v
	case regQueueNum:
		if q := d.selectedQueue(); q != nil {
			if v == 0 || v > uint32(q.maxSize) || v&(v-1) != 0 {
				slog.Error("virtio-mmio: invalid queue size", "device", d.name, "size", v, "max", q.maxSize)
			} else {
				q.size = uint16(v)
			}
		}
	case regQueueReady:
		if q := d.selectedQueue(); q != nil {
			d.armQueueLocked(q, v == 1)
		}
	case regQueueNotify:
		// The backend walks guest memory; run it outside the register lock.
		q := int(v)
		d.mu.Unlock()
		if q >= 0 && q < len(d.queues) {
			if err := d.backend.Notify(d, q); err != nil {
				return err
			}
		}
		return nil
	case regInterruptAck:
		d.interruptStatus &^= v
	case regStatus:
		d.writeStatusLocked(v)
	case regQueueDescLow:
		if q := d.selectedQueue(); q != nil {
			q.descAddr = q.descAddr&^uint64(0xffffffff) | uint64(v)
		}
	case regQueueDescHigh:
		if q := d.selectedQueue(); q != nil {
			q.descAddr = q.descAddr&0xffffffff | uint64(v)<<32
		}
	case regQueueDriverLow:
		if q := d.selectedQueue(); q != nil {
			q.availAddr = q.availAddr&^uint64(0xffffffff) | uint64(v)
		}
	case regQueueDriverHigh:
		if q := d.selectedQueue(); q != nil {
			q.availAddr = q.availAddr&0xffffffff | uint64(v)<<32
		}
	case regQueueDeviceLow:
		if q := d.selectedQueue(); q != nil {
			q.usedAddr = q.usedAddr&^uint64(0xffffffff) | uint64(v)
		}
	case regQueueDeviceHigh:
		if q := d.selectedQueue(); q != nil {
			q.usedAddr = q.usedAddr&0xffffffff | uint64(v)<<32
		}
	}
	d.mu.Unlock()
	return nil
}

func checkConfigAccess(offset uint64, width int) error {
	if width != 1 && width != 2 && width != 4 {
		return fmt.Errorf("virtio-mmio: unsupported %d-byte config access", width)
	}
	if offset%uint64(width) != 0 {
		return fmt.Errorf("virtio-mmio: unaligned %d-byte config access at %#x", width, offset)
	}
	return nil
}

func (d *Device) selectedQueue() *Queue {
	if int(d.queueSel) >= len(d.queues) {
		return nil
	}
	return &d.queues[d.queueSel]
}

// armQueueLocked arms or disarms the selected queue. Arming requires a
// chosen size and all three ring addresses.
func (d *Device) armQueueLocked(q *Queue, ready bool) {
	if !ready {
		q.ready = false
		return
	}
	if q.size == 0 {
		slog.Error("virtio-mmio: attempt to ready queue with size 0", "device", d.name, "idx", d.queueSel)
		return
	}
	if q.descAddr == 0 || q.availAddr == 0 || q.usedAddr == 0 {
		slog.Error("virtio-mmio: attempt to ready queue without ring addresses", "device", d.name, "idx", d.queueSel)
		return
	}
	q.lastAvail = 0
	q.usedIdx = 0
	q.ready = true
}

// writeStatusLocked runs the status handshake state machine: bits may only
// accumulate, writing 0 resets the device, and any other write that drops
// a previously-set bit moves the device to FAILED.
func (d *Device) writeStatusLocked(v uint32) {
	if v == 0 {
		d.resetLocked()
		return
	}
	if d.status&^v != 0 {
		d.status |= StatusFailed
		return
	}
	if v&StatusFeaturesOK != 0 && d.status&StatusFeaturesOK == 0 {
		// Reject the feature set by leaving FEATURES_OK clear: the driver
		// must offer a subset of what the device offered, VERSION_1
		// included.
		if d.driverFeatures&FeatureVersion1 == 0 || d.driverFeatures&^d.deviceFeatures() != 0 {
			v &^= StatusFeaturesOK
		}
	}
	d.status = v
}

// resetLocked implements the status-write-0 reset: negotiated features and
// all queue arming are dropped and the backend returns to its power-on
// state. The config generation survives reset.
func (d *Device) resetLocked() {
	d.status = 0
	d.driverFeatures = 0
	d.deviceFeaturesSel = 0
	d.driverFeaturesSel = 0
	d.queueSel = 0
	d.interruptStatus = 0
	for i := range d.queues {
		d.queues[i] = Queue{maxSize: d.backend.QueueMaxSize(i)}
	}
	d.backend.Reset()
}

// bumpConfigLocked records a logical config-space change: the generation
// counter advances and the config-change interrupt is raised.
func (d *Device) bumpConfigLocked() {
	d.configGeneration++
	d.interruptStatus |= InterruptConfig
	d.pulseIRQLocked()
}

// RaiseConfigChange is the exported hook a backend calls when its config
// blob changes outside a guest write (e.g. link state flips).
func (d *Device) RaiseConfigChange() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bumpConfigLocked()
}

func (d *Device) pulseIRQLocked() {
	if d.vm == nil {
		return
	}
	if err := d.vm.SetIRQ(d.irqLine, true); err != nil {
		slog.Error("virtio-mmio: pulse irq failed", "device", d.name, "irq", d.irqLine, "err", err)
	}
}

// DeviceTreeNode returns the virtio,mmio node describing this device's
// window and interrupt to a guest kernel.
func (d *Device) DeviceTreeNode() fdt.Node {
	return fdt.Node{
		Name: fmt.Sprintf("virtio@%x", d.base),
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"virtio,mmio"}},
			"reg":        {U64: []uint64{d.base, WindowSize}},
			"interrupts": {U32: []uint32{0, d.irqLine, 4}},
			"status":     {Strings: []string{"okay"}},
		},
	}
}

// readGuest and writeGuest reach the guest memory behind the rings.
func (d *Device) readGuest(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := d.vm.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("%s: read guest %#x: %w", d.name, addr, err)
	}
	return buf, nil
}

func (d *Device) writeGuest(addr uint64, data []byte) error {
	if _, err := d.vm.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("%s: write guest %#x: %w", d.name, addr, err)
	}
	return nil
}

func (d *Device) readGuest16(addr uint64) (uint16, error) {
	buf, err := d.readGuest(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (d *Device) writeGuest16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return d.writeGuest(addr, buf[:])
}

var _ hv.MemoryMappedIODevice = &Device{}
