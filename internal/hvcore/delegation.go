package hvcore

import (
	"sync"
	"sync/atomic"
)

// ExceptionCode enumerates the standard RISC-V synchronous exception
// causes.
type ExceptionCode uint8

const (
	ExcInstructionMisaligned ExceptionCode = 0
	ExcInstructionAccessFault ExceptionCode = 1
	ExcIllegalInstruction    ExceptionCode = 2
	ExcBreakpoint            ExceptionCode = 3
	ExcLoadMisaligned        ExceptionCode = 4
	ExcLoadAccessFault       ExceptionCode = 5
	ExcStoreMisaligned       ExceptionCode = 6
	ExcStoreAccessFault      ExceptionCode = 7
	ExcECallFromU            ExceptionCode = 8
	ExcECallFromHS           ExceptionCode = 9
	ExcECallFromVS           ExceptionCode = 10
	ExcECallFromM            ExceptionCode = 11
	ExcInstructionPageFault  ExceptionCode = 12
	ExcLoadPageFault         ExceptionCode = 13
	ExcStorePageFault        ExceptionCode = 15
	ExcInstructionGuestPageFault ExceptionCode = 20
	ExcLoadGuestPageFault    ExceptionCode = 21
	ExcVirtualInstruction    ExceptionCode = 22
	ExcStoreGuestPageFault   ExceptionCode = 23
)

// InterruptCause enumerates the standard RISC-V interrupt causes relevant
// to S/HS/VS modes.
type InterruptCause uint8

const (
	IntSupervisorSoftware InterruptCause = 1
	IntVirtualSupervisorSoftware InterruptCause = 2
	IntSupervisorTimer    InterruptCause = 5
	IntVirtualSupervisorTimer InterruptCause = 6
	IntSupervisorExternal InterruptCause = 9
	IntVirtualSupervisorExternal InterruptCause = 10
	IntSupervisorGuestExternal InterruptCause = 12
)

// IsGuestPageFault reports whether code is one of the "guest-" exception
// family resolved via the G-stage translator rather than injected
// directly.
func (c ExceptionCode) IsGuestPageFault() bool {
	switch c {
	case ExcInstructionGuestPageFault, ExcLoadGuestPageFault, ExcStoreGuestPageFault:
		return true
	default:
		return false
	}
}

// ExceptionDelegationPolicy selects which synchronous exceptions HEDELEG
// marks for direct guest handling.
type ExceptionDelegationPolicy int

const (
	ExceptionPolicyNone ExceptionDelegationPolicy = iota
	ExceptionPolicySafe
	ExceptionPolicyAll
	ExceptionPolicyCustom
)

// InterruptDelegationPolicy selects which interrupts HIDELEG marks for
// direct guest handling.
type InterruptDelegationPolicy int

const (
	InterruptPolicyNone InterruptDelegationPolicy = iota
	InterruptPolicyAll
	InterruptPolicyVirtual
	InterruptPolicyCustom
)

// safeExceptions is the exception set the Safe policy delegates.
var safeExceptions = []ExceptionCode{
	ExcIllegalInstruction, ExcBreakpoint, ExcECallFromU, ExcECallFromHS,
	ExcInstructionPageFault, ExcLoadPageFault, ExcStorePageFault,
}

// allExceptions is every standard synchronous exception code.
var allExceptions = []ExceptionCode{
	ExcInstructionMisaligned, ExcInstructionAccessFault, ExcIllegalInstruction,
	ExcBreakpoint, ExcLoadMisaligned, ExcLoadAccessFault, ExcStoreMisaligned,
	ExcStoreAccessFault, ExcECallFromU, ExcECallFromHS, ExcInstructionPageFault,
	ExcLoadPageFault, ExcStorePageFault,
}

// allSInterrupts is every S-mode interrupt cause ("all S-mode interrupts"
// in the All policy).
var allSInterrupts = []InterruptCause{
	IntSupervisorSoftware, IntSupervisorTimer, IntSupervisorExternal,
}

// virtualSInterrupts is the subset delegated under the Virtual policy: the
// VS-prefixed causes that only make sense once a guest is already running.
var virtualSInterrupts = []InterruptCause{
	IntVirtualSupervisorSoftware, IntVirtualSupervisorTimer, IntVirtualSupervisorExternal,
}

// DelegationConfig selects the exception and interrupt delegation policies
// plus the independent nested-delegation flag. The flag is stored and
// reported by IsNestedDelegationEnabled; no delegation register write
// consults it.
type DelegationConfig struct {
	ExceptionPolicy      ExceptionDelegationPolicy
	InterruptPolicy      InterruptDelegationPolicy
	CustomHedeleg        uint64
	CustomHideleg        uint64
	EnableNestedDelegation bool
}

// DefaultDelegationConfig is Safe exceptions, Virtual interrupts, nesting
// disabled.
func DefaultDelegationConfig() DelegationConfig {
	return DelegationConfig{
		ExceptionPolicy: ExceptionPolicySafe,
		InterruptPolicy: InterruptPolicyVirtual,
	}
}

func bitmask(codes []ExceptionCode) uint64 {
	var m uint64
	for _, c := range codes {
		m |= 1 << uint(c)
	}
	return m
}

func intBitmask(causes []InterruptCause) uint64 {
	var m uint64
	for _, c := range causes {
		m |= 1 << uint(c)
	}
	return m
}

func (c DelegationConfig) hedeleg() uint64 {
	switch c.ExceptionPolicy {
	case ExceptionPolicyNone:
		return 0
	case ExceptionPolicySafe:
		return bitmask(safeExceptions)
	case ExceptionPolicyAll:
		return bitmask(allExceptions)
	case ExceptionPolicyCustom:
		return c.CustomHedeleg
	default:
		return 0
	}
}

func (c DelegationConfig) hideleg() uint64 {
	switch c.InterruptPolicy {
	case InterruptPolicyNone:
		return 0
	case InterruptPolicyAll:
		return intBitmask(allSInterrupts)
	case InterruptPolicyVirtual:
		return intBitmask(virtualSInterrupts)
	case InterruptPolicyCustom:
		return c.CustomHideleg
	default:
		return 0
	}
}

// DelegationStats holds monotonic counters of delegated vs
// hypervisor-handled events, for both exceptions and interrupts.
type DelegationStats struct {
	TotalExceptions      atomic.Uint64
	DelegatedExceptions  atomic.Uint64
	HypervisorExceptions atomic.Uint64
	TotalInterrupts      atomic.Uint64
	DelegatedInterrupts  atomic.Uint64
	HypervisorInterrupts atomic.Uint64
}

// DelegationStatsSnapshot is a point-in-time copy of DelegationStats
// suitable for returning to a caller without exposing the atomics.
type DelegationStatsSnapshot struct {
	TotalExceptions      uint64
	DelegatedExceptions  uint64
	HypervisorExceptions uint64
	TotalInterrupts      uint64
	DelegatedInterrupts  uint64
	HypervisorInterrupts uint64
}

func (s *DelegationStats) snapshot() DelegationStatsSnapshot {
	return DelegationStatsSnapshot{
		TotalExceptions:      s.TotalExceptions.Load(),
		DelegatedExceptions:  s.DelegatedExceptions.Load(),
		HypervisorExceptions: s.HypervisorExceptions.Load(),
		TotalInterrupts:      s.TotalInterrupts.Load(),
		DelegatedInterrupts:  s.DelegatedInterrupts.Load(),
		HypervisorInterrupts: s.HypervisorInterrupts.Load(),
	}
}

func (s *DelegationStats) reset() {
	s.TotalExceptions.Store(0)
	s.DelegatedExceptions.Store(0)
	s.HypervisorExceptions.Store(0)
	s.TotalInterrupts.Store(0)
	s.DelegatedInterrupts.Store(0)
	s.HypervisorInterrupts.Store(0)
}

// DelegationResult is returned by handle_exception/handle_interrupt: the
// contract dispatch.go relies on is that ShouldDelegate true means "take
// the virtual-injection path", false means "run the hypervisor handler".
type DelegationResult struct {
	ShouldDelegate bool
	ToGuest        bool
	InjectVirtual  bool
	DelegatedCode  uint8
	OriginalCode   uint8
}

// Manager owns HEDELEG/HIDELEG as typed bitfields plus delegation
// statistics. A Manager is a once-initialized handle passed by reference
// to callers rather than a package-level global.
type Manager struct {
	mu     sync.RWMutex
	config DelegationConfig
	hedeleg uint64
	hideleg uint64
	stats  DelegationStats
}

// NewManager constructs a Manager and applies the initial config.
func NewManager(config DelegationConfig) *Manager {
	m := &Manager{}
	m.Init(config)
	return m
}

// Init (re)writes HEDELEG and HIDELEG from config. Call once during boot or
// whenever the policy changes wholesale.
func (m *Manager) Init(config DelegationConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config
	m.hedeleg = config.hedeleg()
	m.hideleg = config.hideleg()
}

// HandleException looks up whether code is set in HEDELEG and returns the
// delegation verdict the dispatcher must act on.
func (m *Manager) HandleException(code ExceptionCode, vcpuID VcpuID) DelegationResult {
	m.stats.TotalExceptions.Add(1)
	m.mu.RLock()
	delegate := m.hedeleg&(1<<uint(code)) != 0
	m.mu.RUnlock()
	if delegate {
		m.stats.DelegatedExceptions.Add(1)
	} else {
		m.stats.HypervisorExceptions.Add(1)
	}
	return DelegationResult{
		ShouldDelegate: delegate,
		ToGuest:        delegate,
		InjectVirtual:  delegate,
		DelegatedCode:  uint8(code),
		OriginalCode:   uint8(code),
	}
}

// HandleInterrupt resolves the delegation verdict for a given interrupt
// cause, honoring isVirtual (the cause already carries a VS- prefix) the
// same way the exception path honors code.
func (m *Manager) HandleInterrupt(cause InterruptCause, isVirtual bool, vcpuID VcpuID) DelegationResult {
	m.stats.TotalInterrupts.Add(1)
	m.mu.RLock()
	delegate := m.hideleg&(1<<uint(cause)) != 0
	m.mu.RUnlock()
	if delegate {
		m.stats.DelegatedInterrupts.Add(1)
	} else {
		m.stats.HypervisorInterrupts.Add(1)
	}
	return DelegationResult{
		ShouldDelegate: delegate,
		ToGuest:        delegate,
		InjectVirtual:  delegate || isVirtual,
		DelegatedCode:  uint8(cause),
		OriginalCode:   uint8(cause),
	}
}

// SetException atomically toggles a single HEDELEG bit.
func (m *Manager) SetException(code ExceptionCode, enable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enable {
		m.hedeleg |= 1 << uint(code)
	} else {
		m.hedeleg &^= 1 << uint(code)
	}
	m.config.ExceptionPolicy = ExceptionPolicyCustom
	m.config.CustomHedeleg = m.hedeleg
}

// SetInterrupt atomically toggles a single HIDELEG bit.
func (m *Manager) SetInterrupt(cause InterruptCause, enable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enable {
		m.hideleg |= 1 << uint(cause)
	} else {
		m.hideleg &^= 1 << uint(cause)
	}
	m.config.InterruptPolicy = InterruptPolicyCustom
	m.config.CustomHideleg = m.hideleg
}

// Stats returns a point-in-time snapshot of delegation counters.
func (m *Manager) Stats() DelegationStatsSnapshot { return m.stats.snapshot() }

// ResetStats zeroes every counter.
func (m *Manager) ResetStats() { m.stats.reset() }

// Config returns the current delegation configuration.
func (m *Manager) Config() DelegationConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Hedeleg returns the current HEDELEG value, as it would be written to the
// CSR.
func (m *Manager) Hedeleg() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hedeleg
}

// Hideleg returns the current HIDELEG value.
func (m *Manager) Hideleg() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hideleg
}

// IsNestedDelegationEnabled reports whether the config's nested flag is
// set.
func (m *Manager) IsNestedDelegationEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.EnableNestedDelegation
}
