package virtio

import (
	"encoding/binary"
	"fmt"
)

// Descriptor chain flags.
const (
	descFlagNext     = 1 // chain continues at Next
	descFlagWrite    = 2 // device-to-driver buffer
	descFlagIndirect = 4
)

// availFlagNoInterrupt is the driver's hint that it does not want a
// used-buffer notification.
const availFlagNoInterrupt = 1

// Descriptor is one entry of a virtqueue's descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Queue is the device-side state of one virtqueue: the driver-chosen
// geometry plus the device's cursors into the avail and used rings. Ring
// contents live in guest memory and are reached through the owning Device.
//
// A queue is driven by the one VCPU whose MMIO access notified it; the
// cursors need no locking of their own.
type Queue struct {
	maxSize   uint16
	size      uint16
	ready     bool
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
	lastAvail uint16
	usedIdx   uint16
}

// Ready reports whether the driver has armed the queue.
func (q *Queue) Ready() bool { return q.ready && q.size > 0 }

// Size returns the driver-chosen ring size.
func (q *Queue) Size() uint16 { return q.size }

// MaxSize returns the device's size limit for this queue.
func (q *Queue) MaxSize() uint16 { return q.maxSize }

// Queue returns the device's q'th virtqueue.
func (d *Device) Queue(q int) *Queue {
	if q < 0 || q >= len(d.queues) {
		return nil
	}
	return &d.queues[q]
}

// ReadDescriptor reads one descriptor-table entry from guest memory.
func (d *Device) ReadDescriptor(q *Queue, index uint16) (Descriptor, error) {
	if index >= q.size {
		return Descriptor{}, fmt.Errorf("%s: descriptor index %d out of range", d.name, index)
	}
	buf, err := d.readGuest(q.descAddr+uint64(index)*16, 16)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// PopAvail returns the next unprocessed head-descriptor index from the
// available ring, advancing the device's cursor. ok is false once the
// cursor has caught up with the driver's idx.
func (d *Device) PopAvail(q *Queue) (head uint16, ok bool, err error) {
	if !q.Ready() {
		return 0, false, nil
	}
	idx, err := d.readGuest16(q.availAddr + 2)
	if err != nil {
		return 0, false, err
	}
	if q.lastAvail == idx {
		return 0, false, nil
	}
	slot := q.availAddr + 4 + uint64(q.lastAvail%q.size)*2
	head, err = d.readGuest16(slot)
	if err != nil {
		return 0, false, err
	}
	q.lastAvail++
	return head, true, nil
}

// ReadChain gathers the driver-readable buffers of the chain starting at
// head into one slice, in chain order.
func (d *Device) ReadChain(q *Queue, head uint16) ([]byte, error) {
	var data []byte
	index := head
	for i := uint16(0); i < q.size; i++ {
		desc, err := d.ReadDescriptor(q, index)
		if err != nil {
			return nil, err
		}
		if desc.Flags&descFlagWrite != 0 {
			return nil, fmt.Errorf("%s: writable descriptor in read chain", d.name)
		}
		if desc.Len > 0 {
			chunk, err := d.readGuest(desc.Addr, int(desc.Len))
			if err != nil {
				return nil, err
			}
			data = append(data, chunk...)
		}
		if desc.Flags&descFlagNext == 0 {
			return data, nil
		}
		index = desc.Next
	}
	return nil, fmt.Errorf("%s: descriptor chain longer than queue", d.name)
}

// FillChain scatters data across the device-writable buffers of the chain
// starting at head, returning how many bytes landed in guest memory.
func (d *Device) FillChain(q *Queue, head uint16, data []byte) (uint32, error) {
	var written uint32
	index := head
	for i := uint16(0); i < q.size && int(written) < len(data); i++ {
		desc, err := d.ReadDescriptor(q, index)
		if err != nil {
			return written, err
		}
		if desc.Flags&descFlagWrite == 0 {
			return written, fmt.Errorf("%s: read-only descriptor in write chain", d.name)
		}
		n := int(desc.Len)
		if remaining := len(data) - int(written); n > remaining {
			n = remaining
		}
		if n > 0 {
			if err := d.writeGuest(desc.Addr, data[written:int(written)+n]); err != nil {
				return written, err
			}
			written += uint32(n)
		}
		if desc.Flags&descFlagNext == 0 {
			break
		}
		index = desc.Next
	}
	return written, nil
}

// PushUsed publishes one completed chain to the used ring. The element is
// written before the idx store so the guest's acquire-load of used.idx
// observes a complete entry; WriteAt calls land in program order, which is
// the release side of that pairing here.
func (d *Device) PushUsed(q *Queue, head uint16, written uint32) error {
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	slot := q.usedAddr + 4 + uint64(q.usedIdx%q.size)*8
	if err := d.writeGuest(slot, elem[:]); err != nil {
		return err
	}
	q.usedIdx++
	return d.writeGuest16(q.usedAddr+2, q.usedIdx)
}

// InterruptNeeded reports whether the driver wants a used-buffer interrupt
// for this queue, honoring the avail ring's NO_INTERRUPT hint. With
// RING_EVENT_IDX never offered by this transport, the hint is the only
// suppression mechanism in play.
func (d *Device) InterruptNeeded(q *Queue) bool {
	flags, err := d.readGuest16(q.availAddr)
	if err != nil {
		return true
	}
	return flags&availFlagNoInterrupt == 0
}

// RaiseUsedInterrupt latches the used-buffer interrupt bit and pulses the
// device's line.
func (d *Device) RaiseUsedInterrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interruptStatus |= InterruptVRing
	d.pulseIRQLocked()
}
