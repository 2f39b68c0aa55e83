package hvcore

import "fmt"

// MemoryRegionKind classifies a platform memory region so callers that
// need to distinguish backing store (RAM) from MMIO windows or
// firmware-reserved ranges don't have to guess from base/size alone.
type MemoryRegionKind int

const (
	MemoryRegionRam MemoryRegionKind = iota
	MemoryRegionDevice
	MemoryRegionReserved
)

// MemoryRegion describes one physical memory range the platform descriptor
// reports to the boot layer.
type MemoryRegion struct {
	Base uint64
	Size uint64
	Kind MemoryRegionKind
}

// Platform is the CPU-feature and platform descriptor: hart topology, ISA
// string, memory map, and the base addresses of the platform's interrupt
// controllers and timer.
type Platform struct {
	Harts         []HartID
	ISA           string
	Memory        []MemoryRegion
	CLINTBase     uint64
	PLICBase      uint64
	UARTBase      uint64
	TimerFreqHz   uint64
}

// HartCount returns the number of harts the platform descriptor reports.
func (p Platform) HartCount() int { return len(p.Harts) }

// ContainsPA reports whether pa falls inside any declared RAM region, used
// to validate MapRegion/MapMemory calls against the platform's actual
// backing store before handing a GPA to a guest. Device and Reserved
// regions are deliberately excluded: a guest RAM mapping must be backed by
// real memory, not an MMIO window or a firmware-reserved range.
func (p Platform) ContainsPA(pa uint64) bool {
	for _, r := range p.Memory {
		if r.Kind != MemoryRegionRam {
			continue
		}
		if pa >= r.Base && pa < r.Base+r.Size {
			return true
		}
	}
	return false
}

// ContainsPAOfKind reports whether pa falls inside any declared region of
// the given kind, for callers that need to check Device or Reserved ranges
// specifically rather than ContainsPA's RAM-only check.
func (p Platform) ContainsPAOfKind(pa uint64, kind MemoryRegionKind) bool {
	for _, r := range p.Memory {
		if r.Kind != kind {
			continue
		}
		if pa >= r.Base && pa < r.Base+r.Size {
			return true
		}
	}
	return false
}

// Validate checks the descriptor names at least one hart and one memory
// region, the minimum a boot layer needs to bring up hart 0.
func (p Platform) Validate() error {
	if len(p.Harts) == 0 {
		return errInvalidArgument("platform.Validate", fmt.Errorf("no harts declared"))
	}
	if len(p.Memory) == 0 {
		return errInvalidArgument("platform.Validate", fmt.Errorf("no memory regions declared"))
	}
	if p.TimerFreqHz == 0 {
		return errInvalidArgument("platform.Validate", fmt.Errorf("timer frequency not set"))
	}
	return nil
}
