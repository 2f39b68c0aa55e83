package hvcore

import (
	"errors"
	"testing"
	"time"
)

func TestBootPrimaryThenSecondary(t *testing.T) {
	b := NewBootManager([]HartID{0, 1})
	if err := b.StartPrimary(0); err != nil {
		t.Fatalf("StartPrimary: %v", err)
	}
	cfg := BootConfig{EntryPoint: 0x80000000, StackTop: 0x80100000}
	if err := b.StartSecondary(0, 1, cfg); err != nil {
		t.Fatalf("StartSecondary: %v", err)
	}
	info, err := b.Info(1)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.State != BootStarting {
		t.Errorf("state = %v, want Starting", info.State)
	}
	if err := b.SetReady(1); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	info, _ = b.Info(1)
	if info.State != BootReady {
		t.Errorf("state = %v, want Ready", info.State)
	}
}

func TestBootSecondaryRequiresPrimaryReady(t *testing.T) {
	b := NewBootManager([]HartID{0, 1})
	err := b.StartSecondary(0, 1, BootConfig{EntryPoint: 0x1000})
	if err == nil {
		t.Errorf("StartSecondary before primary is Ready should fail")
	}
}

func TestHotplugRemoveRejectedForBusyHart(t *testing.T) {
	// Removing a hart that currently owns a running VCPU must be rejected
	// and counted as a failure.
	b := NewBootManager([]HartID{0, 1, 2})
	b.StartPrimary(0)
	b.StartSecondary(0, 2, BootConfig{EntryPoint: 0x1000})
	b.SetReady(2)
	b.SetBusyChecker(func(h HartID) bool { return h == 2 })

	req, err := b.Hotplug(2, HotplugRemove, BootConfig{})
	if err != nil {
		t.Fatalf("Hotplug: %v", err)
	}
	if req.Status != HotplugFailed {
		t.Errorf("status = %v, want HotplugFailed", req.Status)
	}
	info, _ := b.Info(2)
	if info.State != BootReady {
		t.Errorf("hart 2 should remain Ready after a rejected remove")
	}
	if b.Stats().HotplugsFailed != 1 {
		t.Errorf("HotplugsFailed = %d, want 1", b.Stats().HotplugsFailed)
	}
}

func TestHotplugRemoveSucceedsWhenNotBusy(t *testing.T) {
	b := NewBootManager([]HartID{0, 1})
	b.StartPrimary(0)
	b.StartSecondary(0, 1, BootConfig{EntryPoint: 0x1000})
	b.SetReady(1)

	req, err := b.Hotplug(1, HotplugRemove, BootConfig{})
	if err != nil {
		t.Fatalf("Hotplug: %v", err)
	}
	if req.Status != HotplugSuccess {
		t.Errorf("status = %v, want HotplugSuccess", req.Status)
	}
}

func TestHotplugPrimaryIneligibleForRemoveOrSuspend(t *testing.T) {
	b := NewBootManager([]HartID{0, 1})
	b.StartPrimary(0)

	if req, _ := b.Hotplug(0, HotplugRemove, BootConfig{}); req.Status != HotplugFailed {
		t.Errorf("Remove on primary: status = %v, want HotplugFailed", req.Status)
	}
	if req, _ := b.Hotplug(0, HotplugSuspend, BootConfig{}); req.Status != HotplugFailed {
		t.Errorf("Suspend on primary: status = %v, want HotplugFailed", req.Status)
	}
}

func TestHotplugResumeWithoutPriorSuspendIsAcceptedSilently(t *testing.T) {
	// A hart that was never Suspended but already sits in a resumable state
	// (Started or Ready) is trivially already what Resume asks for, so the
	// call succeeds silently rather than failing.
	b := NewBootManager([]HartID{0, 1})
	b.StartPrimary(0)
	b.StartSecondary(0, 1, BootConfig{EntryPoint: 0x1000})
	if err := b.SetReady(1); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	req, err := b.Hotplug(1, HotplugResume, BootConfig{})
	if err != nil {
		t.Fatalf("Hotplug: %v", err)
	}
	if req.Status != HotplugSuccess {
		t.Errorf("status = %v, want HotplugSuccess", req.Status)
	}
}

func TestHotplugAddRequiresConfig(t *testing.T) {
	b := NewBootManager([]HartID{0})
	req, err := b.Hotplug(0, HotplugAdd, BootConfig{})
	if err != nil {
		t.Fatalf("Hotplug: %v", err)
	}
	if req.Status != HotplugFailed {
		t.Errorf("Add with a zero-value config should fail, got %v", req.Status)
	}
}

func TestWaitForReady(t *testing.T) {
	b := NewBootManager([]HartID{0, 1})
	b.StartPrimary(0)
	b.StartSecondary(0, 1, BootConfig{EntryPoint: 0x1000})

	done := make(chan error, 1)
	go func() { done <- b.WaitForReady(1, time.Second) }()
	if err := b.SetReady(1); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WaitForReady: %v", err)
	}
}

func TestWaitForReadyTimesOut(t *testing.T) {
	b := NewBootManager([]HartID{0, 1})
	err := b.WaitForReady(1, time.Millisecond)
	var hvErr *Error
	if !errors.As(err, &hvErr) || hvErr.Kind != KindResourceExhausted {
		t.Fatalf("err = %v, want timeout with KindResourceExhausted", err)
	}
	// Expiry does not roll back: the hart stays NotStarted, not Failed.
	info, _ := b.Info(1)
	if info.State != BootNotStarted {
		t.Errorf("state = %v, want NotStarted after timeout", info.State)
	}
}

func TestHotplugLogRecordsEveryRequest(t *testing.T) {
	b := NewBootManager([]HartID{0})
	b.Hotplug(0, HotplugAdd, BootConfig{})
	b.Hotplug(0, HotplugAdd, BootConfig{EntryPoint: 0x1000})
	if len(b.Log()) != 2 {
		t.Errorf("Log length = %d, want 2", len(b.Log()))
	}
}
