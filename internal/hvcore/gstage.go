package hvcore

import (
	"fmt"
	"sync"
)

// VMID is the 14-bit G-stage TLB tag assigned to one guest's address space.
type VMID uint16

const maxVMID = VMID(0x3FFF)

// guestASBase is where the bump allocator starts handing out guest-physical
// addresses, leaving the low 256 MiB free for any platform firmware the
// boot layer wants to place at GPA 0.
const guestASBase = 256 << 20

// DeviceKind tags a device-backed mapping for statistics and for the
// VirtIO-aware DeviceKindAt lookup the MMIO trap router uses.
type DeviceKind int

const (
	DeviceKindNone DeviceKind = iota
	DeviceKindVirtIO
	DeviceKindGeneric
)

// region is one entry of a guest address space's mapping list.
type region struct {
	gpa    uint64
	size   uint64
	perm   Perm
	kind   DeviceKind
}

// TranslatorStats accumulates per-VM counters: regions mapped, bytes
// mapped, frames allocated (the root table's frames at Configure plus each
// backing frame MapMemory allocates; branch tables are not counted),
// translations served, and TLB shootdowns issued.
type TranslatorStats struct {
	RegionsMapped   uint64
	BytesMapped     uint64
	FramesAllocated uint64
	Translations    uint64
	Shootdowns      uint64
}

// GuestSpace is one guest's G-stage address space: its root table, the
// engine that walks it, a bump allocator for assigning fresh GPAs, and the
// region list, all mutated under a single VM lock.
type GuestSpace struct {
	mu      sync.Mutex
	vmid    VMID
	root    Frame
	engine  *Engine
	alloc   FrameAllocator
	nextGPA uint64
	regions []region
	stats   TranslatorStats
}

// Configure binds a GuestSpace to a VMID and G-stage format and allocates
// its root table.
func Configure(vmid VMID, mode GstageMode, alloc FrameAllocator) (*GuestSpace, error) {
	if vmid == 0 {
		return nil, errInvalidArgument("gstage.Configure", fmt.Errorf("vmid 0 is reserved for the host"))
	}
	if vmid > maxVMID {
		return nil, errInvalidArgument("gstage.Configure", fmt.Errorf("vmid %d exceeds 14-bit range", vmid))
	}
	format, err := formatForMode(mode)
	if err != nil {
		return nil, err
	}
	root, err := AllocRootTable(format, alloc)
	if err != nil {
		return nil, err
	}
	gs := &GuestSpace{
		vmid:    vmid,
		root:    root,
		engine:  NewEngine(format, alloc),
		alloc:   alloc,
		nextGPA: guestASBase,
	}
	gs.stats.FramesAllocated += uint64(1) << format.RootExtraBits
	return gs, nil
}

func formatForMode(mode GstageMode) (Format, error) {
	switch mode {
	case GstageModeSv32x4:
		return FormatSv32x4, nil
	case GstageModeSv39x4:
		return FormatSv39x4, nil
	case GstageModeSv48x4:
		return FormatSv48x4, nil
	default:
		return Format{}, errUnsupported("gstage.Configure", fmt.Errorf("g-stage mode %d not supported", mode))
	}
}

// Hgatp returns the HGATP value a VCPU running in this guest space should
// load, combining the format's mode, the bound VMID, and the root frame's
// PPN.
func (g *GuestSpace) Hgatp() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return MakeHgatp(modeFor(g.engine.Format), uint16(g.vmid), g.root.PA>>12)
}

func modeFor(f Format) GstageMode {
	switch f.Name {
	case "Sv32x4":
		return GstageModeSv32x4
	case "Sv39x4":
		return GstageModeSv39x4
	case "Sv48x4":
		return GstageModeSv48x4
	default:
		return GstageModeBare
	}
}

// VMID returns the guest space's bound VMID.
func (g *GuestSpace) VMID() VMID { return g.vmid }

// MapRegion installs a fixed GPA-to-HPA translation and records it for
// accounting and later lookup.
func (g *GuestSpace) MapRegion(gpa, hpa, size uint64, perm Perm, kind DeviceKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.engine.Map(g.root, gpa, hpa, size, perm); err != nil {
		return err
	}
	g.regions = append(g.regions, region{gpa: gpa, size: size, perm: perm, kind: kind})
	g.stats.RegionsMapped++
	g.stats.BytesMapped += size
	return nil
}

// UnmapRegion implements unmap_region: removes the translation and its
// bookkeeping entry.
func (g *GuestSpace) UnmapRegion(gpa, size uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.engine.Unmap(g.root, gpa, size); err != nil {
		return err
	}
	for i, r := range g.regions {
		if r.gpa == gpa && r.size == size {
			g.regions = append(g.regions[:i], g.regions[i+1:]...)
			break
		}
	}
	g.stats.Shootdowns++
	return nil
}

// TagDeviceWindow records an MMIO window in the region list without
// installing any PTE: guest accesses keep faulting and the dispatcher
// routes them to the transport by the window's DeviceKind tag. The window
// must not overlap any tracked region.
func (g *GuestSpace) TagDeviceWindow(gpa, size uint64, kind DeviceKind) error {
	if size == 0 || size%PageSize != 0 || gpa%PageSize != 0 {
		return errInvalidArgument("gstage.TagDeviceWindow", fmt.Errorf("window %#x+%#x not page aligned", gpa, size))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.regions {
		if gpa < r.gpa+r.size && r.gpa < gpa+size {
			return errAlreadyMapped("gstage.TagDeviceWindow", fmt.Errorf("window %#x overlaps region %#x", gpa, r.gpa))
		}
	}
	g.regions = append(g.regions, region{gpa: gpa, size: size, perm: 0, kind: kind})
	g.stats.RegionsMapped++
	return nil
}

// Translate resolves a GPA to (hpa, perms, error); it is the entry point
// the dispatcher's guest-page-fault handler and the hext backend's
// second-stage MMU hook both call. VirtIO-tagged windows are routed by
// DeviceKindAt before any Translate.
func (g *GuestSpace) Translate(gpa uint64) (hpa uint64, perm Perm, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.Translations++
	hpa, perm, _, err = g.engine.Lookup(g.root, gpa)
	if err != nil {
		return 0, 0, errPageFault("gstage.Translate", fmt.Errorf("gpa %#x: %w", gpa, err))
	}
	return hpa, perm, nil
}

// Invalidate implements invalidate(gpa_range, vmid): in the software
// reference backend there is no hardware G-stage TLB to shoot down, so this
// only updates the statistics a real HFENCE.GVMA sequence would otherwise
// account for; a hardware-backed Accessor issues the fence itself.
func (g *GuestSpace) Invalidate(gpa, size uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.Shootdowns++
}

// MapMemory is map_memory's convenience wrapper: allocates the next GPA
// range from the bump allocator, backs it with freshly allocated physical
// frames, and maps it with the requested permissions.
func (g *GuestSpace) MapMemory(size uint64, read, write, exec bool) (gpa uint64, err error) {
	if size == 0 || size%PageSize != 0 {
		return 0, errInvalidArgument("gstage.MapMemory", fmt.Errorf("size %d not a page multiple", size))
	}
	g.mu.Lock()
	gpa = g.nextGPA
	g.nextGPA += size
	g.mu.Unlock()

	perm := permFrom(read, write, exec) | PermU
	for mapped := uint64(0); mapped < size; mapped += PageSize {
		frame, aerr := g.alloc.AllocFrame()
		if aerr != nil {
			return 0, errResourceExhausted("gstage.MapMemory", aerr)
		}
		if err := g.MapRegion(gpa+mapped, frame.PA, PageSize, perm, DeviceKindNone); err != nil {
			return 0, err
		}
		g.mu.Lock()
		g.stats.FramesAllocated++
		g.mu.Unlock()
	}
	return gpa, nil
}

// MapDevice is map_device's convenience wrapper: maps an MMIO window at a
// caller-chosen host physical address, tagging the region with its device
// kind so statistics and the MMIO trap router can distinguish VirtIO
// windows from other platform devices.
func (g *GuestSpace) MapDevice(hpa, size uint64, kind DeviceKind) (gpa uint64, err error) {
	if size == 0 || size%PageSize != 0 {
		return 0, errInvalidArgument("gstage.MapDevice", fmt.Errorf("size %d not a page multiple", size))
	}
	g.mu.Lock()
	gpa = g.nextGPA
	g.nextGPA += size
	g.mu.Unlock()
	if err := g.MapRegion(gpa, hpa, size, PermR|PermW|PermU, kind); err != nil {
		return 0, err
	}
	return gpa, nil
}

func permFrom(read, write, exec bool) Perm {
	var p Perm
	if read {
		p |= PermR
	}
	if write {
		p |= PermW
	}
	if exec {
		p |= PermX
	}
	return p
}

// Stats returns a point-in-time copy of the translator's counters.
func (g *GuestSpace) Stats() TranslatorStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// DeviceKindAt reports the DeviceKind tag of the region containing gpa, used
// by the MMIO trap router to decide whether a faulting access belongs to the
// VirtIO transport. Returns DeviceKindNone if gpa is not covered by any
// tracked region, and also for a region mapped with DeviceKindNone.
func (g *GuestSpace) DeviceKindAt(gpa uint64) DeviceKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.regions {
		if gpa >= r.gpa && gpa < r.gpa+r.size {
			return r.kind
		}
	}
	return DeviceKindNone
}
