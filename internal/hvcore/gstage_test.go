package hvcore

import (
	"errors"
	"testing"
)

func newTestGuestSpace(t *testing.T, mode GstageMode) *GuestSpace {
	t.Helper()
	alloc := newSlabAllocator(4096)
	gs, err := Configure(1, mode, alloc)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return gs
}

func TestGstageConfigureRejectsOutOfRangeVMID(t *testing.T) {
	alloc := newSlabAllocator(16)
	_, err := Configure(VMID(maxVMID)+1, GstageModeSv39x4, alloc)
	var hvErr *Error
	if !errors.As(err, &hvErr) || hvErr.Kind != KindInvalidArgument {
		t.Fatalf("err = %v, want KindInvalidArgument", err)
	}
}

func TestGstageConfigureRejectsHostVMID(t *testing.T) {
	alloc := newSlabAllocator(16)
	// VMID 0 tags host G-stage TLB entries and must never be bound to a
	// guest address space.
	_, err := Configure(0, GstageModeSv39x4, alloc)
	var hvErr *Error
	if !errors.As(err, &hvErr) || hvErr.Kind != KindInvalidArgument {
		t.Fatalf("err = %v, want KindInvalidArgument", err)
	}
}

func TestGstageConfigureUnsupportedMode(t *testing.T) {
	alloc := newSlabAllocator(16)
	_, err := Configure(1, GstageModeSv57x4, alloc)
	var hvErr *Error
	if !errors.As(err, &hvErr) || hvErr.Kind != KindUnsupported {
		t.Fatalf("err = %v, want KindUnsupported (Sv57x4 has no G-stage format)", err)
	}
}

func TestGstageMapTranslateRoundTrip(t *testing.T) {
	gs := newTestGuestSpace(t, GstageModeSv39x4)
	const gpa, hpa = 0x40000000, 0x80000000
	if err := gs.MapRegion(gpa, hpa, PageSize, PermR|PermW, DeviceKindNone); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	got, perm, err := gs.Translate(gpa)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != hpa {
		t.Errorf("hpa = %#x, want %#x", got, hpa)
	}
	if perm != PermR|PermW {
		t.Errorf("perm = %v", perm)
	}
	stats := gs.Stats()
	if stats.Translations != 1 {
		t.Errorf("Translations = %d, want 1", stats.Translations)
	}
	if stats.RegionsMapped != 1 || stats.BytesMapped != PageSize {
		t.Errorf("stats = %+v", stats)
	}
}

func TestGstageTranslateUnmappedIsPageFault(t *testing.T) {
	gs := newTestGuestSpace(t, GstageModeSv39x4)
	_, _, err := gs.Translate(0x40000000)
	var hvErr *Error
	if !errors.As(err, &hvErr) || hvErr.Kind != KindPageFault {
		t.Fatalf("err = %v, want KindPageFault", err)
	}
}

func TestGstageNoOverlappingRegions(t *testing.T) {
	gs := newTestGuestSpace(t, GstageModeSv39x4)
	if err := gs.MapRegion(0x40000000, 0x80000000, PageSize, PermR, DeviceKindNone); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	// Overlapping gpa must fail with AlreadyMapped, maintaining the
	// invariant that no two regions within a VM overlap in guest-physical
	// space.
	err := gs.MapRegion(0x40000000, 0x80001000, PageSize, PermR, DeviceKindNone)
	var hvErr *Error
	if !errors.As(err, &hvErr) || hvErr.Kind != KindAlreadyMapped {
		t.Fatalf("err = %v, want KindAlreadyMapped", err)
	}
}

func TestGstageMapMemoryBumpAllocation(t *testing.T) {
	gs := newTestGuestSpace(t, GstageModeSv39x4)
	gpa1, err := gs.MapMemory(PageSize, true, true, false)
	if err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if gpa1 != guestASBase {
		t.Errorf("first MapMemory gpa = %#x, want base %#x", gpa1, guestASBase)
	}
	gpa2, err := gs.MapMemory(PageSize, true, false, false)
	if err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if gpa2 != guestASBase+PageSize {
		t.Errorf("second MapMemory gpa = %#x, want %#x", gpa2, guestASBase+PageSize)
	}
}

func TestGstageTagDeviceWindow(t *testing.T) {
	gs := newTestGuestSpace(t, GstageModeSv39x4)
	if err := gs.TagDeviceWindow(0x10001000, PageSize, DeviceKindVirtIO); err != nil {
		t.Fatalf("TagDeviceWindow: %v", err)
	}
	if kind := gs.DeviceKindAt(0x10001070); kind != DeviceKindVirtIO {
		t.Errorf("DeviceKindAt = %v, want DeviceKindVirtIO", kind)
	}
	// The window deliberately has no PTE path: a translation of it must
	// keep faulting so the dispatcher emulates the access instead.
	if _, _, err := gs.Translate(0x10001000); err == nil {
		t.Errorf("Translate inside a tagged window should fault")
	}
	// Overlapping windows violate the region invariant.
	err := gs.TagDeviceWindow(0x10001000, PageSize, DeviceKindVirtIO)
	var hvErr *Error
	if !asHvErr(err, &hvErr) || hvErr.Kind != KindAlreadyMapped {
		t.Errorf("err = %v, want KindAlreadyMapped for an overlapping window", err)
	}
}

func TestGstageMapDeviceTagged(t *testing.T) {
	gs := newTestGuestSpace(t, GstageModeSv39x4)
	gpa, err := gs.MapDevice(0x10001000, PageSize, DeviceKindVirtIO)
	if err != nil {
		t.Fatalf("MapDevice: %v", err)
	}
	if kind := gs.DeviceKindAt(gpa); kind != DeviceKindVirtIO {
		t.Errorf("DeviceKindAt = %v, want DeviceKindVirtIO", kind)
	}
	if kind := gs.DeviceKindAt(gpa + PageSize); kind != DeviceKindNone {
		t.Errorf("DeviceKindAt outside region = %v, want DeviceKindNone", kind)
	}
}

func TestGstageHgatpEncoding(t *testing.T) {
	gs := newTestGuestSpace(t, GstageModeSv39x4)
	hgatp := gs.Hgatp()
	mode, vmid, _ := ExtractHgatp(hgatp)
	if mode != GstageModeSv39x4 {
		t.Errorf("mode = %d, want Sv39x4", mode)
	}
	if vmid != 1 {
		t.Errorf("vmid = %d, want 1", vmid)
	}
}

func TestGstageUnmapRemovesRegionBookkeeping(t *testing.T) {
	gs := newTestGuestSpace(t, GstageModeSv39x4)
	if err := gs.MapRegion(0x40000000, 0x80000000, PageSize, PermR, DeviceKindVirtIO); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := gs.UnmapRegion(0x40000000, PageSize); err != nil {
		t.Fatalf("UnmapRegion: %v", err)
	}
	if kind := gs.DeviceKindAt(0x40000000); kind != DeviceKindNone {
		t.Errorf("region should no longer be tracked after UnmapRegion")
	}
	if _, _, err := gs.Translate(0x40000000); err == nil {
		t.Errorf("Translate after UnmapRegion should fail")
	}
}
