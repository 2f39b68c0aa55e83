package hvcore

import "fmt"

// PageSize is the base 4 KiB page size shared by every supported format.
const PageSize = 4096

// Perm is the RISC-V PTE permission bit subset: R/W/X/U/G/A/D.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
	PermU
	PermG
	PermA
	PermD
)

// Format describes one page-table shape: first-stage (Sv32/Sv39/Sv48) or
// G-stage (Sv32x4/Sv39x4/Sv48x4). The four-times-larger root table of the
// x4 formats is expressed as an extra two bits of VPN at the top level
// (RootExtraBits), matching the hardware's widened root index.
type Format struct {
	Name            string
	VABits          int
	PABits          int
	Levels          int
	VPNBitsPerLevel int
	PageOffsetBits  int
	RootExtraBits   int // 0 for first-stage, 2 for the x4 G-stage formats
	SupportsHuge    bool
}

var (
	FormatSv39 = Format{Name: "Sv39", VABits: 39, PABits: 56, Levels: 3, VPNBitsPerLevel: 9, PageOffsetBits: 12, SupportsHuge: true}
	FormatSv48 = Format{Name: "Sv48", VABits: 48, PABits: 56, Levels: 4, VPNBitsPerLevel: 9, PageOffsetBits: 12, SupportsHuge: true}
	FormatSv32 = Format{Name: "Sv32", VABits: 32, PABits: 34, Levels: 2, VPNBitsPerLevel: 10, PageOffsetBits: 12, SupportsHuge: true}

	FormatSv39x4 = Format{Name: "Sv39x4", VABits: 41, PABits: 56, Levels: 3, VPNBitsPerLevel: 9, PageOffsetBits: 12, RootExtraBits: 2, SupportsHuge: true}
	FormatSv48x4 = Format{Name: "Sv48x4", VABits: 50, PABits: 56, Levels: 4, VPNBitsPerLevel: 9, PageOffsetBits: 12, RootExtraBits: 2, SupportsHuge: true}
	FormatSv32x4 = Format{Name: "Sv32x4", VABits: 34, PABits: 34, Levels: 2, VPNBitsPerLevel: 10, PageOffsetBits: 12, RootExtraBits: 2, SupportsHuge: true}
)

// IsValidVA reports whether va fits the format's address width. VA bits
// above VABits-1 must equal bit VABits-1 (sign-extended) for first-stage
// formats; the x4 G-stage formats have no sign-extension requirement since
// GPAs are unsigned.
func (f Format) IsValidVA(va uint64) bool {
	if f.RootExtraBits != 0 {
		// G-stage addresses are unsigned guest-physical addresses; only
		// the low VABits may be set.
		return va>>f.VABits == 0
	}
	// First-stage VAs are sign-extended: bits [63:VABits-1] must all equal
	// bit VABits-1.
	sext := va >> (f.VABits - 1)
	return sext == 0 || sext == ^uint64(0)>>(f.VABits-1)
}

// IsValidPA reports whether pa fits inside the format's PA width.
func (f Format) IsValidPA(pa uint64) bool {
	return pa>>f.PABits == 0
}

// vpn extracts the VPN for the given 0-indexed level (0 = lowest / leaf
// level). For the top level of an x4 format, RootExtraBits additional bits
// are included above the normal VPN width.
func (f Format) vpn(va uint64, level int) uint64 {
	shift := f.PageOffsetBits + level*f.VPNBitsPerLevel
	bits := f.VPNBitsPerLevel
	if level == f.Levels-1 {
		bits += f.RootExtraBits
	}
	mask := uint64(1)<<bits - 1
	return (va >> shift) & mask
}

// entriesAtLevel returns how many PTE slots a table at the given level
// holds (the top level of an x4 format is wider than lower levels).
func (f Format) entriesAtLevel(level int) int {
	bits := f.VPNBitsPerLevel
	if level == f.Levels-1 {
		bits += f.RootExtraBits
	}
	return 1 << bits
}

// PageSpan returns the byte span covered by a single leaf mapping at the
// given level (level 0 = PageSize, higher levels are superpages).
func (f Format) PageSpan(level int) uint64 {
	return uint64(1) << (f.PageOffsetBits + level*f.VPNBitsPerLevel)
}

// PTE is the shared leaf/branch page-table entry layout: valid bit,
// R/W/X/U/G/A/D, and a PPN starting at bit 10.
type PTE uint64

const (
	pteValid = uint64(1) << 0
	pteR     = uint64(1) << 1
	pteW     = uint64(1) << 2
	pteX     = uint64(1) << 3
	pteU     = uint64(1) << 4
	pteG     = uint64(1) << 5
	pteA     = uint64(1) << 6
	pteD     = uint64(1) << 7
	ppnShift = 10
)

func (p PTE) Valid() bool  { return uint64(p)&pteValid != 0 }
func (p PTE) IsLeaf() bool { return p.Valid() && uint64(p)&(pteR|pteW|pteX) != 0 }
func (p PTE) PPN() uint64  { return uint64(p) >> ppnShift }
func (p PTE) Perm() Perm {
	var perm Perm
	v := uint64(p)
	if v&pteR != 0 {
		perm |= PermR
	}
	if v&pteW != 0 {
		perm |= PermW
	}
	if v&pteX != 0 {
		perm |= PermX
	}
	if v&pteU != 0 {
		perm |= PermU
	}
	if v&pteG != 0 {
		perm |= PermG
	}
	if v&pteA != 0 {
		perm |= PermA
	}
	if v&pteD != 0 {
		perm |= PermD
	}
	return perm
}

func makeLeafPTE(ppn uint64, perm Perm) PTE {
	v := ppn<<ppnShift | pteValid
	if perm&PermR != 0 {
		v |= pteR
	}
	if perm&PermW != 0 {
		v |= pteW
	}
	if perm&PermX != 0 {
		v |= pteX
	}
	if perm&PermU != 0 {
		v |= pteU
	}
	if perm&PermG != 0 {
		v |= pteG
	}
	if perm&PermA != 0 {
		v |= pteA
	}
	if perm&PermD != 0 {
		v |= pteD
	}
	return PTE(v)
}

func makeBranchPTE(ppn uint64) PTE {
	return PTE(ppn<<ppnShift | pteValid)
}

// FrameAllocator supplies and reclaims zeroed 4 KiB host-physical frames.
// It is an external collaborator backed by the boot layer's frame pool;
// this package only depends on the interface.
type FrameAllocator interface {
	AllocFrame() (Frame, error)
	FreeFrame(Frame) error
}

// Frame is the physical-address abstraction this package uses instead of a
// raw pointer: it encapsulates a physical address and routes access
// through the platform's physical-memory mapping window (Mem).
type Frame struct {
	PA  uint64
	Mem PhysMemory
}

// PhysMemory is the platform's window onto host physical memory. A real
// boot layer backs this with the identity-mapped physical memory window;
// tests back it with a flat byte slice.
type PhysMemory interface {
	ReadUint64(pa uint64) (uint64, error)
	WriteUint64(pa uint64, v uint64) error
}

func (f Frame) readPTE(index int) (PTE, error) {
	v, err := f.Mem.ReadUint64(f.PA + uint64(index)*8)
	return PTE(v), err
}

func (f Frame) writePTE(index int, p PTE) error {
	return f.Mem.WriteUint64(f.PA+uint64(index)*8, uint64(p))
}

func (f Frame) zero(entries int) error {
	for i := 0; i < entries; i++ {
		if err := f.writePTE(i, 0); err != nil {
			return err
		}
	}
	return nil
}

// AllocRootTable allocates and zeroes a root table for the given format.
// First-stage roots are a single frame; the x4 G-stage formats need a run
// of four physically contiguous frames, naturally aligned, since their
// root index is two bits wider. Fails if the allocator cannot supply such
// a run.
func AllocRootTable(format Format, alloc FrameAllocator) (Frame, error) {
	frames := 1 << format.RootExtraBits
	first, err := alloc.AllocFrame()
	if err != nil {
		return Frame{}, errResourceExhausted("pagetable.AllocRootTable", err)
	}
	run := []Frame{first}
	contiguous := first.PA%(uint64(frames)*PageSize) == 0
	for i := 1; i < frames; i++ {
		f, aerr := alloc.AllocFrame()
		if aerr != nil {
			for _, g := range run {
				_ = alloc.FreeFrame(g)
			}
			return Frame{}, errResourceExhausted("pagetable.AllocRootTable", aerr)
		}
		run = append(run, f)
		if f.PA != first.PA+uint64(i)*PageSize {
			contiguous = false
		}
	}
	if !contiguous {
		for _, g := range run {
			_ = alloc.FreeFrame(g)
		}
		return Frame{}, errResourceExhausted("pagetable.AllocRootTable",
			fmt.Errorf("allocator cannot supply an aligned run of %d frames", frames))
	}
	if err := first.zero(format.entriesAtLevel(format.Levels - 1)); err != nil {
		return Frame{}, err
	}
	return first, nil
}

// Engine walks and builds page tables in a given Format, allocating
// branch-table frames from alloc. One Engine instance is shared by every
// table of that format; callers must serialize mutations of the same
// table externally, the engine itself does no locking.
type Engine struct {
	Format Format
	Alloc  FrameAllocator
}

// NewEngine constructs an Engine for the given format.
func NewEngine(format Format, alloc FrameAllocator) *Engine {
	return &Engine{Format: format, Alloc: alloc}
}

// Map installs a translation for [va, va+size) to [pa, pa+size) with the
// given permissions. size must be PageSize or an aligned superpage
// multiple for some level.
func (e *Engine) Map(root Frame, va, pa, size uint64, perm Perm) error {
	if !e.Format.IsValidVA(va) || !e.Format.IsValidVA(va+size-1) {
		return errInvalidArgument("pagetable.Map", fmt.Errorf("va range out of format bounds"))
	}
	if !e.Format.IsValidPA(pa) || !e.Format.IsValidPA(pa+size-1) {
		return errInvalidArgument("pagetable.Map", fmt.Errorf("pa range out of format bounds"))
	}
	if size == 0 || size%PageSize != 0 {
		return errInvalidArgument("pagetable.Map", fmt.Errorf("size %d not a page multiple", size))
	}

	for mapped := uint64(0); mapped < size; {
		level := e.leafLevelFor(va+mapped, pa+mapped, size-mapped)
		span := e.Format.PageSpan(level)
		if err := e.mapOne(root, va+mapped, pa+mapped, level, perm); err != nil {
			return err
		}
		mapped += span
	}
	return nil
}

// leafLevelFor picks the highest level whose span fits the remaining
// range and whose va/pa are aligned to that span, i.e. the largest natural
// superpage, never exceeding level Levels-2 (level 0 is the base page; the
// top level is never used as a leaf since it would map the entire space).
func (e *Engine) leafLevelFor(va, pa, remaining uint64) int {
	for level := e.Format.Levels - 2; level >= 1; level-- {
		if !e.Format.SupportsHuge {
			break
		}
		span := e.Format.PageSpan(level)
		if remaining >= span && va%span == 0 && pa%span == 0 {
			return level
		}
	}
	return 0
}

func (e *Engine) mapOne(root Frame, va, pa uint64, leafLevel int, perm Perm) error {
	table := root
	for level := e.Format.Levels - 1; level > leafLevel; level-- {
		idx := int(e.Format.vpn(va, level))
		pte, err := table.readPTE(idx)
		if err != nil {
			return err
		}
		switch {
		case !pte.Valid():
			next, err := e.Alloc.AllocFrame()
			if err != nil {
				return errResourceExhausted("pagetable.Map", err)
			}
			if err := next.zero(e.Format.entriesAtLevel(level - 1)); err != nil {
				return err
			}
			if err := table.writePTE(idx, makeBranchPTE(next.PA>>12)); err != nil {
				return err
			}
			table = next
		case pte.IsLeaf():
			return errAlreadyMapped("pagetable.Map", fmt.Errorf("va %#x already mapped at level %d", va, level))
		default:
			table = Frame{PA: pte.PPN() << 12, Mem: root.Mem}
		}
	}

	idx := int(e.Format.vpn(va, leafLevel))
	existing, err := table.readPTE(idx)
	if err != nil {
		return err
	}
	if existing.Valid() {
		return errAlreadyMapped("pagetable.Map", fmt.Errorf("va %#x already mapped", va))
	}
	return table.writePTE(idx, makeLeafPTE(pa>>12, perm))
}

// Unmap clears leaf PTEs for [va, va+size) and reclaims branch tables that
// become entirely empty.
func (e *Engine) Unmap(root Frame, va, size uint64) error {
	if size == 0 || size%PageSize != 0 {
		return errInvalidArgument("pagetable.Unmap", fmt.Errorf("size %d not a page multiple", size))
	}
	for cleared := uint64(0); cleared < size; {
		level, err := e.unmapOne(root, va+cleared)
		if err != nil {
			return err
		}
		cleared += e.Format.PageSpan(level)
	}
	return nil
}

func (e *Engine) unmapOne(root Frame, va uint64) (level int, err error) {
	var path []Frame
	var indices []int
	table := root
	for l := e.Format.Levels - 1; l >= 0; l-- {
		idx := int(e.Format.vpn(va, l))
		pte, err := table.readPTE(idx)
		if err != nil {
			return 0, err
		}
		if !pte.Valid() {
			return 0, errNotMapped("pagetable.Unmap", fmt.Errorf("va %#x not mapped", va))
		}
		path = append(path, table)
		indices = append(indices, idx)
		if pte.IsLeaf() {
			if err := table.writePTE(idx, 0); err != nil {
				return 0, err
			}
			reclaimEmptyBranches(e, path, indices)
			return l, nil
		}
		table = Frame{PA: pte.PPN() << 12, Mem: root.Mem}
	}
	return 0, errNotMapped("pagetable.Unmap", fmt.Errorf("va %#x not mapped", va))
}

// reclaimEmptyBranches walks the path from leaf toward root (excluding the
// root itself) and frees any branch table whose every entry is now
// invalid, clearing the parent's PTE that pointed to it.
func reclaimEmptyBranches(e *Engine, path []Frame, indices []int) {
	for i := len(path) - 1; i > 0; i-- {
		table := path[i]
		level := e.Format.Levels - 1 - i
		empty := true
		for idx := 0; idx < e.Format.entriesAtLevel(level); idx++ {
			pte, err := table.readPTE(idx)
			if err != nil || pte.Valid() {
				empty = false
				break
			}
		}
		if !empty {
			return
		}
		_ = e.Alloc.FreeFrame(Frame{PA: table.PA, Mem: table.Mem})
		parent := path[i-1]
		_ = parent.writePTE(indices[i-1], 0)
	}
}

// Lookup resolves va to (pa, perm, level) or fails with NotMapped.
func (e *Engine) Lookup(root Frame, va uint64) (pa uint64, perm Perm, level int, err error) {
	table := root
	for l := e.Format.Levels - 1; l >= 0; l-- {
		idx := int(e.Format.vpn(va, l))
		pte, rerr := table.readPTE(idx)
		if rerr != nil {
			return 0, 0, 0, rerr
		}
		if !pte.Valid() {
			return 0, 0, 0, errNotMapped("pagetable.Lookup", fmt.Errorf("va %#x not mapped", va))
		}
		if pte.IsLeaf() {
			span := e.Format.PageSpan(l)
			offset := va & (span - 1)
			return pte.PPN()<<12 + offset, pte.Perm(), l, nil
		}
		table = Frame{PA: pte.PPN() << 12, Mem: root.Mem}
	}
	return 0, 0, 0, errNotMapped("pagetable.Lookup", fmt.Errorf("va %#x not mapped", va))
}
