package mmio

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"unsafe"

	"github.com/bobuhiro11/splitvq/platform"
	"github.com/bobuhiro11/splitvq/vdevice"
	"github.com/bobuhiro11/splitvq/virtqueue"
	"github.com/bobuhiro11/splitvq/vring"
)

var (
	ErrBadMagic       = errors.New("mmio: bad magic value")
	ErrBadVersion     = errors.New("mmio: unsupported version")
	ErrEmptySlot      = errors.New("mmio: no device in slot")
	ErrQueueTooSmall  = errors.New("mmio: QUEUE_NUM_MAX below requested size")
	ErrFeaturesNotSet = errors.New("mmio: FEATURES_OK did not stick")
)

// AllocFunc supplies queue backing memory and its physical address (in
// the sense of Translator: whatever address space the peer expects in
// QUEUE_PFN), used by CreateVirtqueues.
type AllocFunc func(size int) (mem []byte, phys uint64, err error)

// queuePlatform adapts the shared platform.MemoryOrdering to one
// queue's private address space: the virtqueue engine always passes
// byte offsets into its own vring memory to FlushCache/InvalidateCache,
// so this rebases them against that queue's real backing address before
// delegating.
type queuePlatform struct {
	base uintptr
	plat platform.MemoryOrdering
}

func (p *queuePlatform) FlushCache(addr uintptr, length int)      { p.plat.FlushCache(p.base+addr, length) }
func (p *queuePlatform) InvalidateCache(addr uintptr, length int) { p.plat.InvalidateCache(p.base+addr, length) }
func (p *queuePlatform) FenceFull()                               { p.plat.FenceFull() }

// Device implements vdevice.Ops over the legacy MMIO register window
// described by §4.4.
type Device struct {
	plat  platform.Platform
	base  uintptr
	alloc AllocFunc

	mu      sync.Mutex
	queues  []*virtqueue.Queue
	waiters []chan struct{}
}

var _ vdevice.Ops = (*Device)(nil)

// Init performs the driver-side device-initialization handshake of
// §4.4: read MAGIC/VERSION/DEVICE_ID/VENDOR_ID, write STATUS=ACK, write
// GUEST_PAGE_SIZE=4096. The caller advances STATUS further, negotiates
// features, and creates queues through the returned Device.
func Init(plat platform.Platform, base uintptr, alloc AllocFunc) (*Device, vdevice.Ident, error) {
	if plat.ReadReg32(base+RegMagic) != Magic {
		return nil, vdevice.Ident{}, ErrBadMagic
	}

	if plat.ReadReg32(base+RegVersion) != Version {
		return nil, vdevice.Ident{}, ErrBadVersion
	}

	devID := plat.ReadReg32(base + RegDeviceID)
	if devID == 0 {
		return nil, vdevice.Ident{}, ErrEmptySlot
	}

	vendID := plat.ReadReg32(base + RegVendorID)

	plat.WriteReg32(base+RegStatus, uint32(vdevice.StatusAcknowledge))
	plat.WriteReg32(base+RegGuestPageSize, PageSize)

	d := &Device{plat: plat, base: base, alloc: alloc}

	id := vdevice.Ident{DeviceID: devID, VendorID: vendID, Version: Version}

	return d, id, nil
}

// CreateVirtqueues implements the queue-setup sequence of §4.4: for each
// queue, select it, verify QUEUE_NUM_MAX, write QUEUE_NUM/QUEUE_ALIGN,
// allocate backing memory, and write QUEUE_PFN to activate it.
func (d *Device) CreateVirtqueues(role vdevice.Role, args []vdevice.QueueCreateArgs) ([]*virtqueue.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queues := make([]*virtqueue.Queue, len(args))
	waiters := make([]chan struct{}, len(args))

	for i, a := range args {
		d.plat.WriteReg32(d.base+RegQueueSel, uint32(i))

		numMax := d.plat.ReadReg32(d.base + RegQueueNumMax)
		if uint32(a.NumDescs) > numMax {
			return nil, ErrQueueTooSmall
		}

		d.plat.WriteReg32(d.base+RegQueueNum, uint32(a.NumDescs))
		d.plat.WriteReg32(d.base+RegQueueAlign, PageSize)

		size := int(vring.Size(a.NumDescs, PageSize))

		mem, phys, err := d.alloc(size)
		if err != nil {
			return nil, err
		}

		pfn := uint32(phys / PageSize)
		d.plat.WriteReg32(d.base+RegQueuePFN, pfn)

		qp := &queuePlatform{base: uintptr(unsafe.Pointer(&mem[0])), plat: d.plat}

		idx := i
		waiters[i] = make(chan struct{}, 1)

		q, err := virtqueue.New(virtqueue.Config{
			Owner:    d,
			ID:       uint32(i),
			Name:     a.Name,
			Mem:      mem,
			Align:    PageSize,
			NumDescs: a.NumDescs,
			Role:     role,
			Callback: a.Callback,
			Notify: func(q *virtqueue.Queue) error {
				return d.notifyIndex(uint32(idx))
			},
			Platform: qp,
		})
		if err != nil {
			return nil, err
		}

		queues[i] = q
	}

	d.queues = queues
	d.waiters = waiters

	return queues, nil
}

// DeleteVirtqueues deactivates every queue (QUEUE_PFN=0) and is
// idempotent, per §4.3.
func (d *Device) DeleteVirtqueues() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.queues {
		d.plat.WriteReg32(d.base+RegQueueSel, uint32(i))
		d.plat.WriteReg32(d.base+RegQueuePFN, 0)
	}

	d.queues = nil
	d.waiters = nil

	return nil
}

func (d *Device) GetStatus() uint8 {
	return uint8(d.plat.ReadReg32(d.base + RegStatus))
}

func (d *Device) SetStatus(status uint8) {
	d.plat.WriteReg32(d.base+RegStatus, uint32(status))
}

func (d *Device) GetFeatures() uint64 {
	var features uint64

	for sel := uint32(0); sel <= 1; sel++ {
		d.plat.WriteReg32(d.base+RegDeviceFeaturesSel, sel)
		features |= uint64(d.plat.ReadReg32(d.base+RegDeviceFeatures)) << (sel * 32)
	}

	return features
}

func (d *Device) SetFeatures(features uint64) {
	for sel := uint32(0); sel <= 1; sel++ {
		d.plat.WriteReg32(d.base+RegDriverFeaturesSel, sel)
		d.plat.WriteReg32(d.base+RegDriverFeatures, uint32(features>>(sel*32)))
	}
}

// NegotiateFeatures implements §4.4's handshake: read offered, AND with
// desired, write back, then set FEATURES_OK.
func (d *Device) NegotiateFeatures(wanted uint64) (uint64, error) {
	offered := d.GetFeatures()
	granted := offered & wanted

	d.SetFeatures(granted)

	status := d.GetStatus()
	d.SetStatus(status | vdevice.StatusFeaturesOK)

	if d.GetStatus()&vdevice.StatusFeaturesOK == 0 {
		return 0, ErrFeaturesNotSet
	}

	return granted, nil
}

// ReadConfig reads bytewise from CONFIG+off, per §4.4.
func (d *Device) ReadConfig(off uint32, dst []byte) error {
	for i := range dst {
		dst[i] = d.plat.ReadReg8(d.base + RegConfig + uintptr(off) + uintptr(i))
	}

	return nil
}

// WriteConfig is unimplemented in the legacy binding; it logs a warning
// and returns vdevice.ErrNotSupported, per §4.4/§9.
func (d *Device) WriteConfig(off uint32, src []byte) error {
	log.Printf("mmio: write_config is not supported by the legacy binding (off=%#x len=%d)", off, len(src))

	return vdevice.ErrNotSupported
}

// ResetDevice drives STATUS to 0 and zeroes QUEUE_PFN for every
// registered queue, so the peer's next read finds deactivated queues —
// resolving an ambiguity the distilled spec leaves open by following
// open-amp's reset path, which clears the PFN alongside status.
func (d *Device) ResetDevice() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.queues {
		d.plat.WriteReg32(d.base+RegQueueSel, uint32(i))
		d.plat.WriteReg32(d.base+RegQueuePFN, 0)
	}

	d.plat.WriteReg32(d.base+RegStatus, 0)
}

func (d *Device) notifyIndex(index uint32) error {
	d.plat.WriteReg32(d.base+RegQueueNotify, index)

	return nil
}

// Notify implements vdevice.Ops.Notify by writing QUEUE_NOTIFY directly;
// it exists alongside the per-queue Notify closure wired in
// CreateVirtqueues so the Device itself also satisfies the table
// contract for embedders that call Device.Notify rather than Queue.Kick.
func (d *Device) Notify(q *virtqueue.Queue) error {
	return d.notifyIndex(q.ID())
}

// WaitNotified blocks until HandleInterrupt signals q's waiter channel.
// Per the design note on wait_notified: it may return early on a
// spurious wakeup, and the caller must re-check the queue.
func (d *Device) WaitNotified(q *virtqueue.Queue) error {
	d.mu.Lock()
	id := q.ID()

	if int(id) >= len(d.waiters) || d.waiters[id] == nil {
		d.mu.Unlock()

		return fmt.Errorf("mmio: queue %d has no waiter channel", id)
	}

	ch := d.waiters[id]
	d.mu.Unlock()

	<-ch

	return nil
}

// HandleInterrupt implements the ISR of §4.4: read INTERRUPT_STATUS,
// dispatch registered callbacks in queue-index order for a vring event,
// warn on a config-change or unknown bit, and ack exactly the bits seen.
func (d *Device) HandleInterrupt() {
	status := d.plat.ReadReg32(d.base + RegInterruptStatus)

	if status&InterruptVring != 0 {
		d.mu.Lock()
		queues := d.queues
		waiters := d.waiters
		d.mu.Unlock()

		for i, q := range queues {
			if q == nil {
				continue
			}

			if cb := q.Callback(); cb != nil {
				cb(q)
			}

			select {
			case waiters[i] <- struct{}{}:
			default:
			}
		}
	}

	if status&InterruptConfig != 0 {
		log.Print("mmio: configuration change interrupt (unhandled)")
	}

	if unknown := status &^ (InterruptVring | InterruptConfig); unknown != 0 {
		log.Printf("mmio: unknown interrupt status bits %#x", unknown)
	}

	d.plat.WriteReg32(d.base+RegInterruptACK, status)
}
