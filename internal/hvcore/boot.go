package hvcore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BootState is a hart's bring-up state machine.
type BootState int

const (
	BootNotStarted BootState = iota
	BootStarting
	BootStarted
	BootReady
	BootFailed
)

func (s BootState) String() string {
	switch s {
	case BootNotStarted:
		return "not_started"
	case BootStarting:
		return "starting"
	case BootStarted:
		return "started"
	case BootReady:
		return "ready"
	case BootFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BootConfig is the entry/stack/DTB triple a hart's bring-up stub needs.
type BootConfig struct {
	EntryPoint uint64
	StackTop   uint64
	DTBAddress uint64
	BootArgs   uint64
}

// HartBootInfo is the per-hart bring-up record: boot config, current
// state, and an error code when Failed.
type HartBootInfo struct {
	Hart      HartID
	Config    BootConfig
	State     BootState
	ErrorCode int
}

// HotplugOp is the operation a HotplugRequest asks for.
type HotplugOp int

const (
	HotplugAdd HotplugOp = iota
	HotplugRemove
	HotplugReset
	HotplugSuspend
	HotplugResume
)

func (o HotplugOp) String() string {
	switch o {
	case HotplugAdd:
		return "add"
	case HotplugRemove:
		return "remove"
	case HotplugReset:
		return "reset"
	case HotplugSuspend:
		return "suspend"
	case HotplugResume:
		return "resume"
	default:
		return "unknown"
	}
}

// HotplugStatus is the outcome of processing a HotplugRequest.
type HotplugStatus int

const (
	HotplugInProgress HotplugStatus = iota
	HotplugSuccess
	HotplugFailed
	HotplugNotSupported
)

// HotplugRequest records one hart hotplug operation: what was asked, its
// current status, and the config to apply for Add/Resume.
type HotplugRequest struct {
	Hart   HartID
	Op     HotplugOp
	Status HotplugStatus
	Config BootConfig
}

// BootStats tallies bring-up outcomes for diagnostics. HotplugsFailed and
// HotplugsSucceeded are the per-operation success/failure counters;
// Hotplugs counts every request, including NotSupported ones that neither
// per-outcome counter records.
type BootStats struct {
	Started           uint64
	Ready             uint64
	Failed            uint64
	Hotplugs          uint64
	HotplugsSucceeded uint64
	HotplugsFailed    uint64
}

// BootManager owns the bring-up state machine for every hart in the
// platform plus the hotplug request log.
type BootManager struct {
	mu        sync.Mutex
	harts     map[HartID]*HartBootInfo
	log       []HotplugRequest
	stats     BootStats
	primary   HartID
	isHartBusy func(HartID) bool
}

// NewBootManager constructs a BootManager for the given hart set, all
// starting NotStarted. The first hart in harts is treated as the primary,
// which is ineligible for Remove or Suspend.
func NewBootManager(harts []HartID) *BootManager {
	m := &BootManager{harts: make(map[HartID]*HartBootInfo, len(harts))}
	for i, h := range harts {
		m.harts[h] = &HartBootInfo{Hart: h, State: BootNotStarted}
		if i == 0 {
			m.primary = h
		}
	}
	return m
}

// SetBusyChecker installs the callback Hotplug consults to reject Remove
// for a hart that currently owns a Running VCPU. Passing nil restores the
// default of never treating a hart as busy.
func (m *BootManager) SetBusyChecker(fn func(HartID) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isHartBusy = fn
}

// Info returns a copy of hart's current boot record.
func (m *BootManager) Info(hart HartID) (HartBootInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.harts[hart]
	if !ok {
		return HartBootInfo{}, errInvalidArgument("boot.Info", fmt.Errorf("hart %d not registered", hart))
	}
	return *info, nil
}

// StartPrimary marks the boot hart Ready immediately: it is already
// executing by the time this module runs.
func (m *BootManager) StartPrimary(hart HartID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.harts[hart]
	if !ok {
		return errInvalidArgument("boot.StartPrimary", fmt.Errorf("hart %d not registered", hart))
	}
	info.State = BootReady
	m.stats.Started++
	m.stats.Ready++
	return nil
}

// StartSecondary implements the bring-up sequence for one secondary hart:
// it requires the primary be Ready first, assigns the boot config, and
// transitions NotStarted -> Starting. A real boot layer advances it to
// Ready once the hart signals readiness via SetReady.
func (m *BootManager) StartSecondary(primary, hart HartID, cfg BootConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.harts[primary]
	if !ok || p.State != BootReady {
		return errInvalidArgument("boot.StartSecondary", fmt.Errorf("primary hart %d is not ready", primary))
	}
	info, ok := m.harts[hart]
	if !ok {
		return errInvalidArgument("boot.StartSecondary", fmt.Errorf("hart %d not registered", hart))
	}
	if info.State != BootNotStarted {
		return errInvalidArgument("boot.StartSecondary", fmt.Errorf("hart %d already started", hart))
	}
	info.Config = cfg
	info.State = BootStarting
	m.stats.Started++
	return nil
}

// SetReady transitions hart from Starting or Started to Ready once its bring-up stub
// signals completion.
func (m *BootManager) SetReady(hart HartID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.harts[hart]
	if !ok {
		return errInvalidArgument("boot.SetReady", fmt.Errorf("hart %d not registered", hart))
	}
	if info.State != BootStarting && info.State != BootStarted {
		return errInvalidArgument("boot.SetReady", fmt.Errorf("hart %d not in a startable state", hart))
	}
	info.State = BootReady
	m.stats.Ready++
	return nil
}

// SetFailed records a bring-up failure.
func (m *BootManager) SetFailed(hart HartID, code int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.harts[hart]
	if !ok {
		return errInvalidArgument("boot.SetFailed", fmt.Errorf("hart %d not registered", hart))
	}
	info.State = BootFailed
	info.ErrorCode = code
	m.stats.Failed++
	return nil
}

// Hotplug validates the operation's precondition against hart's current
// boot state, appends a HotplugRequest to the log, and applies the
// resulting state transition.
func (m *BootManager) Hotplug(hart HartID, op HotplugOp, cfg BootConfig) (HotplugRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.harts[hart]
	if !ok {
		return HotplugRequest{}, errInvalidArgument("boot.Hotplug", fmt.Errorf("hart %d not registered", hart))
	}

	req := HotplugRequest{Hart: hart, Op: op, Config: cfg, Status: HotplugInProgress}

	switch op {
	case HotplugAdd:
		if cfg.EntryPoint == 0 {
			req.Status = HotplugFailed
			break
		}
		if info.State != BootNotStarted && info.State != BootFailed {
			req.Status = HotplugFailed
			break
		}
		info.Config = cfg
		info.State = BootStarting
		req.Status = HotplugSuccess
	case HotplugRemove:
		if hart == m.primary {
			req.Status = HotplugFailed
			break
		}
		if info.State != BootReady {
			req.Status = HotplugFailed
			break
		}
		if m.isHartBusy != nil && m.isHartBusy(hart) {
			req.Status = HotplugFailed
			break
		}
		info.State = BootNotStarted
		req.Status = HotplugSuccess
	case HotplugSuspend:
		if hart == m.primary {
			req.Status = HotplugFailed
			break
		}
		if info.State != BootReady {
			req.Status = HotplugFailed
			break
		}
		info.State = BootStarted
		req.Status = HotplugSuccess
	case HotplugResume:
		// Resume without a prior Suspend is accepted as a no-op success
		// rather than a failure: a hart that was never suspended but sits
		// in Started or Ready is trivially already in the state Resume
		// asks for. Any other state fails.
		if info.State != BootStarted && info.State != BootReady {
			req.Status = HotplugFailed
			break
		}
		info.State = BootReady
		req.Status = HotplugSuccess
	case HotplugReset:
		info.State = BootNotStarted
		info.ErrorCode = 0
		req.Status = HotplugSuccess
	default:
		req.Status = HotplugNotSupported
	}

	m.log = append(m.log, req)
	m.stats.Hotplugs++
	if req.Status == HotplugSuccess {
		m.stats.HotplugsSucceeded++
	} else if req.Status == HotplugFailed {
		m.stats.HotplugsFailed++
		slog.Warn("boot: hotplug operation failed", "hart_id", hart, "op", op.String(), "state", info.State.String())
	}
	return req, nil
}

// WaitForReady polls hart's boot state until it reaches Ready or the
// deadline passes. On expiry it returns a timeout error without rolling
// anything back; the hart may still come up later. A hart that has
// already Failed is reported immediately rather than polled to the
// deadline.
func (m *BootManager) WaitForReady(hart HartID, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		info, err := m.Info(hart)
		if err != nil {
			return err
		}
		switch info.State {
		case BootReady:
			return nil
		case BootFailed:
			return errInvalidArgument("boot.WaitForReady",
				fmt.Errorf("hart %d failed to boot (code %d)", hart, info.ErrorCode))
		}
		if time.Now().After(deadline) {
			return errResourceExhausted("boot.WaitForReady",
				fmt.Errorf("hart %d not ready within %v", hart, timeout))
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// Log returns a copy of every hotplug request processed so far.
func (m *BootManager) Log() []HotplugRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HotplugRequest, len(m.log))
	copy(out, m.log)
	return out
}

// Stats returns a point-in-time copy of bring-up counters.
func (m *BootManager) Stats() BootStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
