package hvcore

import "testing"

func TestDelegationSafePolicyDefaults(t *testing.T) {
	m := NewManager(DefaultDelegationConfig())
	for _, c := range safeExceptions {
		res := m.HandleException(c, 0)
		if !res.ShouldDelegate {
			t.Errorf("exception %d: ShouldDelegate = false, want true under Safe policy", c)
		}
	}
	res := m.HandleException(ExcInstructionMisaligned, 0)
	if res.ShouldDelegate {
		t.Errorf("InstructionMisaligned should not be in the Safe set")
	}
}

func TestDelegationSetExceptionToggle(t *testing.T) {
	m := NewManager(DelegationConfig{ExceptionPolicy: ExceptionPolicySafe})
	m.SetException(ExcBreakpoint, false)
	if m.HandleException(ExcBreakpoint, 0).ShouldDelegate {
		t.Errorf("after SetException(false), ShouldDelegate should be false")
	}
	m.SetException(ExcBreakpoint, true)
	if !m.HandleException(ExcBreakpoint, 0).ShouldDelegate {
		t.Errorf("after SetException(true), ShouldDelegate should be true")
	}
}

func TestDelegationAllPolicy(t *testing.T) {
	m := NewManager(DelegationConfig{ExceptionPolicy: ExceptionPolicyAll, InterruptPolicy: InterruptPolicyAll})
	for _, c := range allExceptions {
		if !m.HandleException(c, 0).ShouldDelegate {
			t.Errorf("exception %d should delegate under All policy", c)
		}
	}
	for _, c := range allSInterrupts {
		if !m.HandleInterrupt(c, false, 0).ShouldDelegate {
			t.Errorf("interrupt %d should delegate under All policy", c)
		}
	}
}

func TestDelegationNonePolicy(t *testing.T) {
	m := NewManager(DelegationConfig{ExceptionPolicy: ExceptionPolicyNone, InterruptPolicy: InterruptPolicyNone})
	if m.Hedeleg() != 0 || m.Hideleg() != 0 {
		t.Errorf("None policy should leave both registers zero")
	}
}

func TestDelegationStatsCounters(t *testing.T) {
	m := NewManager(DefaultDelegationConfig())
	m.HandleException(ExcBreakpoint, 0)     // delegated (Safe set)
	m.HandleException(ExcInstructionMisaligned, 0) // hypervisor-handled
	stats := m.Stats()
	if stats.TotalExceptions != 2 {
		t.Errorf("TotalExceptions = %d, want 2", stats.TotalExceptions)
	}
	if stats.DelegatedExceptions != 1 {
		t.Errorf("DelegatedExceptions = %d, want 1", stats.DelegatedExceptions)
	}
	if stats.HypervisorExceptions != 1 {
		t.Errorf("HypervisorExceptions = %d, want 1", stats.HypervisorExceptions)
	}
}

func TestDelegationResetStats(t *testing.T) {
	m := NewManager(DefaultDelegationConfig())
	m.HandleException(ExcBreakpoint, 0)
	m.ResetStats()
	stats := m.Stats()
	if stats.TotalExceptions != 0 {
		t.Errorf("TotalExceptions after reset = %d, want 0", stats.TotalExceptions)
	}
}

func TestDelegationCustomPolicy(t *testing.T) {
	custom := bitmask([]ExceptionCode{ExcECallFromHS})
	m := NewManager(DelegationConfig{ExceptionPolicy: ExceptionPolicyCustom, CustomHedeleg: custom})
	if !m.HandleException(ExcECallFromHS, 0).ShouldDelegate {
		t.Errorf("custom hedeleg bit should delegate")
	}
	if m.HandleException(ExcBreakpoint, 0).ShouldDelegate {
		t.Errorf("bit outside custom mask should not delegate")
	}
}

func TestDelegationVirtualInterruptPolicy(t *testing.T) {
	m := NewManager(DelegationConfig{InterruptPolicy: InterruptPolicyVirtual})
	for _, c := range virtualSInterrupts {
		if !m.HandleInterrupt(c, false, 0).ShouldDelegate {
			t.Errorf("VS-prefixed cause %d should delegate under Virtual policy", c)
		}
	}
	if m.HandleInterrupt(IntSupervisorSoftware, false, 0).ShouldDelegate {
		t.Errorf("plain S-mode cause should not delegate under Virtual policy")
	}
}

func TestIsGuestPageFault(t *testing.T) {
	guestCauses := []ExceptionCode{ExcInstructionGuestPageFault, ExcLoadGuestPageFault, ExcStoreGuestPageFault}
	for _, c := range guestCauses {
		if !c.IsGuestPageFault() {
			t.Errorf("%d should be a guest page fault", c)
		}
	}
	if ExcLoadPageFault.IsGuestPageFault() {
		t.Errorf("non-guest page fault code misclassified")
	}
}
