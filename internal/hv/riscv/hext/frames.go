package hext

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvhv/internal/hv/riscv/rv64"
	"github.com/tinyrange/rvhv/internal/hvcore"
)

// bumpFrameAllocator hands out page-table frames from a dedicated host-side
// slab kept separate from guest-visible RAM, so a buggy G-stage walk can
// never corrupt guest memory the way a shared backing store would. Freed
// frames are pushed onto a free list and reused before the bump pointer
// advances further, matching a typical physical frame allocator's shape
// without needing a full buddy allocator for this reference backend.
type bumpFrameAllocator struct {
	slab   []byte
	next   uint64
	free   []uint64
	machine *rv64.Machine
}

// newBumpFrameAllocator reserves a slab sized for the page tables a guest
// of memSize plausibly needs: roughly one frame per 256 pages mapped, with
// generous headroom for G-stage's wider root tables.
func newBumpFrameAllocator(machine *rv64.Machine, memSize uint64) *bumpFrameAllocator {
	pages := memSize / hvcore.PageSize
	slabPages := pages/256 + 64
	return &bumpFrameAllocator{
		slab:    make([]byte, slabPages*hvcore.PageSize),
		machine: machine,
	}
}

func (a *bumpFrameAllocator) AllocFrame() (hvcore.Frame, error) {
	if len(a.free) > 0 {
		pa := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		return hvcore.Frame{PA: pa, Mem: a}, nil
	}
	if a.next+hvcore.PageSize > uint64(len(a.slab)) {
		return hvcore.Frame{}, fmt.Errorf("hext: page-table slab exhausted")
	}
	pa := a.next
	a.next += hvcore.PageSize
	return hvcore.Frame{PA: pa, Mem: a}, nil
}

func (a *bumpFrameAllocator) FreeFrame(f hvcore.Frame) error {
	a.free = append(a.free, f.PA)
	return nil
}

// ReadUint64 and WriteUint64 implement hvcore.PhysMemory over the slab
// using the PA as a direct byte offset (the slab is not guest-addressable,
// so PA here is a frame-allocator-local handle rather than a real host
// physical address).
func (a *bumpFrameAllocator) ReadUint64(pa uint64) (uint64, error) {
	if pa+8 > uint64(len(a.slab)) {
		return 0, fmt.Errorf("hext: frame read out of range: %#x", pa)
	}
	return binary.LittleEndian.Uint64(a.slab[pa : pa+8]), nil
}

func (a *bumpFrameAllocator) WriteUint64(pa uint64, v uint64) error {
	if pa+8 > uint64(len(a.slab)) {
		return fmt.Errorf("hext: frame write out of range: %#x", pa)
	}
	binary.LittleEndian.PutUint64(a.slab[pa:pa+8], v)
	return nil
}

var _ hvcore.FrameAllocator = &bumpFrameAllocator{}
var _ hvcore.PhysMemory = &bumpFrameAllocator{}
