package hvcore

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// IpiType enumerates the inter-processor interrupt causes the IPI fabric
// dispatches: the scheduling and TLB-coherence causes plus the
// hotplug/virtualization causes a full hypervisor needs.
type IpiType uint32

const (
	IpiReschedule IpiType = iota
	IpiTLBShootdown
	IpiFunctionCall
	IpiStop
	IpiDebug
	IpiTimer
	IpiWakeUp
	IpiCustom
	IpiSuspend
	IpiResume
	IpiShutdown
	IpiAdd
	IpiRemove
	IpiVMMigrate
	IpiMemoryPressure
	ipiMax
)

func (t IpiType) String() string {
	switch t {
	case IpiReschedule:
		return "reschedule"
	case IpiTLBShootdown:
		return "tlb_shootdown"
	case IpiFunctionCall:
		return "function_call"
	case IpiStop:
		return "stop"
	case IpiDebug:
		return "debug"
	case IpiTimer:
		return "timer"
	case IpiWakeUp:
		return "wake_up"
	case IpiCustom:
		return "custom"
	case IpiSuspend:
		return "suspend"
	case IpiResume:
		return "resume"
	case IpiShutdown:
		return "shutdown"
	case IpiAdd:
		return "add"
	case IpiRemove:
		return "remove"
	case IpiVMMigrate:
		return "vm_migrate"
	case IpiMemoryPressure:
		return "memory_pressure"
	default:
		return "unknown"
	}
}

// IpiFlags are per-delivery modifier flags riding alongside the IpiType.
// A real hart-local interrupt controller sets PENDING when
// an IPI is signaled and HANDLED once the handler returns; HIGH_PRIORITY
// and ONE_SHOT are caller-supplied delivery hints this package threads
// through without interpreting.
type IpiFlags uint32

const (
	IpiHighPriority IpiFlags = 1 << iota
	IpiOneShot
	IpiPending
	IpiHandled
)

// IpiHandler processes one delivered IPI. hartID is the receiving hart;
// data is the type-specific payload encoded by the Send*/Broadcast*
// helpers below.
type IpiHandler func(hartID HartID, data uint64) error

// HartID identifies a physical hart in the IPI fabric and boot/hotplug
// state machine.
type HartID uint32

// hartIPIState is the per-hart mailbox: a pending bitmap, per-type data
// slots, flags, handlers and delivery counters.
type hartIPIState struct {
	mu       sync.Mutex
	pending  uint32
	flags    [ipiMax]IpiFlags
	data     [ipiMax]uint64
	handlers [ipiMax]IpiHandler
	counts   [ipiMax]atomic.Uint64
}

func newHartIPIState() *hartIPIState {
	return &hartIPIState{}
}

func (s *hartIPIState) isPending(t IpiType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending&(1<<uint(t)) != 0
}

func (s *hartIPIState) setPending(t IpiType, data uint64, flags IpiFlags) {
	s.mu.Lock()
	s.pending |= 1 << uint(t)
	s.flags[t] = flags | IpiPending
	s.data[t] = data
	s.mu.Unlock()
	s.counts[t].Add(1)
}

func (s *hartIPIState) clearPending(t IpiType) {
	s.mu.Lock()
	s.pending &^= 1 << uint(t)
	s.flags[t] = (s.flags[t] &^ IpiPending) | IpiHandled
	s.mu.Unlock()
}

func (s *hartIPIState) pendingTypes() []IpiType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []IpiType
	for i := IpiType(0); i < ipiMax; i++ {
		if s.pending&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// Fabric is the IPI subsystem shared by every hart: it owns one mailbox
// per hart and dispatches a hardware send primitive (Sender) to actually
// raise the interrupt line.
type Fabric struct {
	mu     sync.RWMutex
	mailbox map[HartID]*hartIPIState
	sender Sender
}

// Sender is the hardware collaborator that actually signals a hart's
// software interrupt line; a real boot layer backs this with the platform
// interrupt controller (CLINT/ACLINT/IMSIC), external to this module.
type Sender interface {
	SignalHart(hart HartID) error
}

// NewFabric constructs an IPI fabric over the given harts. Handlers are
// registered per type via RegisterHandler; the fabric itself installs
// none.
func NewFabric(harts []HartID, sender Sender) *Fabric {
	f := &Fabric{mailbox: make(map[HartID]*hartIPIState, len(harts)), sender: sender}
	for _, h := range harts {
		f.mailbox[h] = newHartIPIState()
	}
	return f
}

func (f *Fabric) stateFor(hart HartID) (*hartIPIState, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.mailbox[hart]
	if !ok {
		return nil, errInvalidArgument("ipi.Fabric", fmt.Errorf("hart %d not registered", hart))
	}
	return s, nil
}

// RegisterHandler installs handler for t on every registered hart.
func (f *Fabric) RegisterHandler(t IpiType, handler IpiHandler) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.mailbox {
		s.mu.Lock()
		s.handlers[t] = handler
		s.mu.Unlock()
	}
}

// Send marks the IPI pending on target's mailbox and asks Sender to raise
// the interrupt line.
func (f *Fabric) Send(target HartID, t IpiType, data uint64) error {
	return f.SendWithFlags(target, t, data, 0)
}

// SendWithFlags is Send with caller-supplied delivery hints riding
// alongside: HIGH_PRIORITY and ONE_SHOT are recorded on the mailbox for
// the receiving hart's handler to consult, not interpreted here.
func (f *Fabric) SendWithFlags(target HartID, t IpiType, data uint64, flags IpiFlags) error {
	s, err := f.stateFor(target)
	if err != nil {
		return err
	}
	s.setPending(t, data, flags)
	if err := f.sender.SignalHart(target); err != nil {
		return errInvalidArgument("ipi.Send", err)
	}
	return nil
}

// Flags returns the delivery flags recorded for t on hart's mailbox.
func (f *Fabric) Flags(hart HartID, t IpiType) IpiFlags {
	s, err := f.stateFor(hart)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[t]
}

// SendToMany delivers the same IPI to every listed hart, best-effort:
// delivery continues past individual failures and the first error is
// returned.
func (f *Fabric) SendToMany(targets []HartID, t IpiType, data uint64) error {
	var firstErr error
	for _, target := range targets {
		if err := f.Send(target, t, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Broadcast sends t to every registered hart, optionally excluding self.
func (f *Fabric) Broadcast(self HartID, t IpiType, data uint64, excludeSelf bool) error {
	f.mu.RLock()
	targets := make([]HartID, 0, len(f.mailbox))
	for h := range f.mailbox {
		if excludeSelf && h == self {
			continue
		}
		targets = append(targets, h)
	}
	f.mu.RUnlock()
	return f.SendToMany(targets, t, data)
}

// tlbShootdownVAMask covers the low 48 bits of the IPI payload assigned to
// the VA/GPA; the high 16 bits carry the ASID/VMID. VA=0 means "all", per
// the shootdown protocol.
const tlbShootdownVAMask = (uint64(1) << 48) - 1

// EncodeTLBShootdown packs a virtual/guest-physical address and ASID/VMID
// into the shootdown IPI payload.
func EncodeTLBShootdown(addr uint64, asid uint16) uint64 {
	return (uint64(asid) << 48) | (addr & tlbShootdownVAMask)
}

// DecodeTLBShootdown reverses EncodeTLBShootdown.
func DecodeTLBShootdown(data uint64) (addr uint64, asid uint16) {
	return data & tlbShootdownVAMask, uint16(data >> 48)
}

// Handle runs every pending handler on target's mailbox and clears each as
// it completes. Errors from individual handlers are collected and the
// first is returned; a missing handler for a pending type is not an
// error, the pending bit is simply cleared.
func (f *Fabric) Handle(target HartID) error {
	s, err := f.stateFor(target)
	if err != nil {
		return err
	}
	var firstErr error
	for _, t := range s.pendingTypes() {
		s.mu.Lock()
		data := s.data[t]
		handler := s.handlers[t]
		s.mu.Unlock()
		if handler != nil {
			if err := handler(target, data); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("ipi handler %s on hart %d: %w", t, target, err)
			}
		}
		s.clearPending(t)
	}
	return firstErr
}

// Count returns how many times t has been delivered to hart.
func (f *Fabric) Count(hart HartID, t IpiType) uint64 {
	s, err := f.stateFor(hart)
	if err != nil {
		return 0
	}
	return s.counts[t].Load()
}

// IsPending reports whether t is still awaiting delivery on hart.
func (f *Fabric) IsPending(hart HartID, t IpiType) bool {
	s, err := f.stateFor(hart)
	if err != nil {
		return false
	}
	return s.isPending(t)
}
