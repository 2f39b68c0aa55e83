package hvcore

import (
	"fmt"
	"log/slog"
	"sync"
)

// AttachedDevice records one VirtIO MMIO device slot mapped into a guest's
// address space by a transport attaching to a GuestSpace.
type AttachedDevice struct {
	GPA  uint64
	Size uint64
	Name string
}

// VM is one guest: its G-stage address space, VCPU pool, and the devices
// mapped into it, all mutated under a single lock. Lock ordering is
// VM-manager lock -> VM lock -> device lock.
type VM struct {
	mu       sync.Mutex
	ID       VMID
	Space    *GuestSpace
	VCPUs    *Pool
	Delegation *Manager
	devices  []AttachedDevice
}

// NewVM constructs a VM with its own guest address space, VCPU pool and
// delegation manager.
func NewVM(id VMID, mode GstageMode, alloc FrameAllocator, vcpuCount int, delegationConfig DelegationConfig) (*VM, error) {
	space, err := Configure(id, mode, alloc)
	if err != nil {
		return nil, err
	}
	pool := NewPool(vcpuCount)
	for i := 0; i < pool.Len(); i++ {
		vcpu, err := pool.Get(VcpuID(i))
		if err != nil {
			return nil, err
		}
		vcpu.Allocate(id, 0)
	}
	return &VM{
		ID:         id,
		Space:      space,
		VCPUs:      pool,
		Delegation: NewManager(delegationConfig),
	}, nil
}

// AttachDevice records a device mapping already installed in the VM's
// guest address space via Space.MapDevice, for accounting and lookup by
// name.
func (vm *VM) AttachDevice(name string, gpa, size uint64) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.devices = append(vm.devices, AttachedDevice{GPA: gpa, Size: size, Name: name})
}

// Devices returns a copy of the VM's attached-device list.
func (vm *VM) Devices() []AttachedDevice {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]AttachedDevice, len(vm.devices))
	copy(out, vm.devices)
	return out
}

// DeviceAt returns the attached device whose range contains gpa, if any.
func (vm *VM) DeviceAt(gpa uint64) (AttachedDevice, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, d := range vm.devices {
		if gpa >= d.GPA && gpa < d.GPA+d.Size {
			return d, true
		}
	}
	return AttachedDevice{}, false
}

// VMManager owns the set of VMs running under this hypervisor instance,
// guarding creation/lookup/destruction with the outermost lock in the
// lock ordering.
type VMManager struct {
	mu       sync.Mutex
	vms      map[VMID]*VM
	nextVMID VMID
	freeVMIDs []VMID
}

// NewVMManager constructs an empty VM manager. VMID 0 is reserved for the
// host, so the allocator starts handing out guest VMIDs at 1.
func NewVMManager() *VMManager {
	return &VMManager{vms: make(map[VMID]*VM), nextVMID: 1}
}

// CreateVM allocates a VMID, preferring the freelist of IDs released by
// Destroy before advancing the monotonic counter, and constructs a VM
// under it.
func (m *VMManager) CreateVM(mode GstageMode, alloc FrameAllocator, vcpuCount int, delegationConfig DelegationConfig) (*VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var id VMID
	if n := len(m.freeVMIDs); n > 0 {
		id = m.freeVMIDs[n-1]
		m.freeVMIDs = m.freeVMIDs[:n-1]
	} else {
		if m.nextVMID > maxVMID {
			return nil, errResourceExhausted("vm.CreateVM", fmt.Errorf("vmid space exhausted"))
		}
		id = m.nextVMID
		m.nextVMID++
	}
	vm, err := NewVM(id, mode, alloc, vcpuCount, delegationConfig)
	if err != nil {
		m.freeVMIDs = append(m.freeVMIDs, id)
		return nil, err
	}
	m.vms[id] = vm
	slog.Info("vm: created", "vmid", id, "vcpus", vcpuCount)
	return vm, nil
}

// Get returns the VM with the given VMID.
func (m *VMManager) Get(id VMID) (*VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.vms[id]
	if !ok {
		return nil, errInvalidArgument("vm.Get", fmt.Errorf("vmid %d not found", id))
	}
	return vm, nil
}

// Destroy removes a VM from the manager. It does not itself free the
// VM's page-table frames; callers that own the FrameAllocator are
// responsible for reclaiming those separately.
func (m *VMManager) Destroy(id VMID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vms[id]; !ok {
		return errInvalidArgument("vm.Destroy", fmt.Errorf("vmid %d not found", id))
	}
	delete(m.vms, id)
	m.freeVMIDs = append(m.freeVMIDs, id)
	slog.Info("vm: destroyed", "vmid", id)
	return nil
}

// Count returns the number of live VMs.
func (m *VMManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vms)
}
