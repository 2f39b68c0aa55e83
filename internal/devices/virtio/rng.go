package virtio

import (
	"crypto/rand"
	"fmt"
)

// RNGDevice is a virtio entropy source (device ID 4): the guest posts
// device-writable buffers on queue 0 and every notification fills them
// with bytes from the host's crypto/rand source. It has no negotiable
// device-specific features and no config space.
type RNGDevice struct {
	*Device
}

// NewRNGDevice constructs an RNGDevice occupying [base, base+WindowSize).
func NewRNGDevice(base uint64, irqLine uint32) *RNGDevice {
	return &RNGDevice{Device: NewDevice("virtio-rng", base, irqLine, rngBackend{})}
}

type rngBackend struct{}

func (rngBackend) DeviceID() uint32        { return 4 }
func (rngBackend) DeviceFeatures() uint64  { return 0 }
func (rngBackend) QueueCount() int         { return 1 }
func (rngBackend) QueueMaxSize(int) uint16 { return 64 }
func (rngBackend) Reset()                  {}

// Notify drains the request queue, filling each posted chain with fresh
// entropy.
func (rngBackend) Notify(dev *Device, qi int) error {
	if qi != 0 {
		return nil
	}
	q := dev.Queue(qi)
	var processed bool
	for {
		head, ok, err := dev.PopAvail(q)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		desc, err := dev.ReadDescriptor(q, head)
		if err != nil {
			return err
		}
		var written uint32
		if desc.Len > 0 {
			buf := make([]byte, desc.Len)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("virtio-rng: read entropy: %w", err)
			}
			if written, err = dev.FillChain(q, head, buf); err != nil {
				return err
			}
		}
		if err := dev.PushUsed(q, head, written); err != nil {
			return err
		}
		processed = true
	}
	if processed && dev.InterruptNeeded(q) {
		dev.RaiseUsedInterrupt()
	}
	return nil
}

// ReadConfig: the entropy device defines no config bytes; the window reads
// as zero.
func (rngBackend) ReadConfig(offset uint64, width int) (uint64, error) { return 0, nil }

// WriteConfig: the config space is read-only.
func (rngBackend) WriteConfig(offset uint64, value uint64, width int) (bool, error) {
	return false, nil
}
