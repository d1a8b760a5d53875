// Package vdevice implements the polymorphic virtual-device contract of
// §4.3: a status/feature/config-space wrapper around a closed set of
// transport bindings (today, mmio.Device), dispatched through one small
// operation table rather than an interface call per binding.
package vdevice

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/splitvq/virtioid"
	"github.com/bobuhiro11/splitvq/virtqueue"
)

// Role mirrors virtqueue.Role at the device granularity: a device is
// entirely a driver or entirely a device side.
type Role = virtqueue.Role

const (
	RoleDriver = virtqueue.RoleDriver
	RoleDevice = virtqueue.RoleDevice
)

// Status bits, per §4.3.
const (
	StatusAcknowledge uint8 = 1 << 0
	StatusDriver      uint8 = 1 << 1
	StatusDriverOK    uint8 = 1 << 2
	StatusFeaturesOK  uint8 = 1 << 3
	StatusNeedsReset  uint8 = 1 << 6
	StatusFailed      uint8 = 1 << 7
)

// Transport feature bits, §4.3.
const (
	FeatureNotifyOnEmpty uint64 = 1 << 24
	FeatureIndirectDesc  uint64 = 1 << 28
	FeatureEventIdx      uint64 = 1 << 29
	FeatureBadFeature    uint64 = 1 << 30
)

var (
	// ErrNotSupported is returned when a caller asks for something the
	// binding has no concept of (e.g. writing legacy MMIO config space).
	ErrNotSupported = errors.New("vdevice: not supported")
	// ErrNoDevice is returned by every dispatch wrapper when the Device
	// has no operation table (ops is nil), per §4.3 and §7's
	// "dispatch wrappers perform null-checks ... before touching the
	// operation table".
	ErrNoDevice = errors.New("vdevice: no device in slot")
)

// Ident is the identification triple read during device initialization.
type Ident struct {
	DeviceID uint32
	VendorID uint32
	Version  uint32
}

func (id Ident) String() string {
	return fmt.Sprintf("device=%s(%#x) vendor=%#x version=%d", virtioid.Name(id.DeviceID), id.DeviceID, id.VendorID, id.Version)
}

// QueueCreateArgs describes one queue to be created by CreateVirtqueues.
type QueueCreateArgs struct {
	Name     string
	NumDescs uint16
	Callback virtqueue.CompletionCallback
}

// Ops is the polymorphic operation table of §4.3. The table as a whole
// may be nil; Device's wrapper methods translate a nil table into
// ErrNoDevice instead of letting callers nil-deref a binding's internals.
// An Ops implementation supplies every method; individual entries are not
// checked for absence.
type Ops interface {
	CreateVirtqueues(role Role, args []QueueCreateArgs) ([]*virtqueue.Queue, error)
	DeleteVirtqueues() error

	GetStatus() uint8
	SetStatus(status uint8)

	GetFeatures() uint64
	SetFeatures(features uint64)
	NegotiateFeatures(wanted uint64) (granted uint64, err error)

	ReadConfig(off uint32, dst []byte) error
	WriteConfig(off uint32, src []byte) error

	ResetDevice()

	Notify(q *virtqueue.Queue) error
	WaitNotified(q *virtqueue.Queue) error
}

// Device is the holder described by §4.3: identification, negotiated
// features, role, queue array, and a private operation table. It never
// implements a binding itself — mmio.Device and any future binding
// implement Ops and are wrapped here.
type Device struct {
	NotifyID uint32
	Ident    Ident
	Features uint64
	Role     Role

	// ResetCallback is invoked after ResetDevice drives status to 0, if
	// set, so an embedder can discard higher-level state.
	ResetCallback func()

	Queues []*virtqueue.Queue

	ops Ops
}

// New wraps an already-constructed Ops implementation. The binding
// (mmio.Device, etc.) is responsible for having already performed
// whatever protocol-level handshake its own Init needs; New only wires
// the thin dispatch wrapper around it.
func New(ops Ops, role Role, id Ident) *Device {
	return &Device{
		Ident: id,
		Role:  role,
		ops:   ops,
	}
}

func (d *Device) CreateVirtqueues(args []QueueCreateArgs) error {
	if d.ops == nil {
		return ErrNoDevice
	}

	qs, err := d.ops.CreateVirtqueues(d.Role, args)
	if err != nil {
		return err
	}

	d.Queues = qs

	return nil
}

func (d *Device) DeleteVirtqueues() error {
	if d.ops == nil {
		return ErrNoDevice
	}

	if err := d.ops.DeleteVirtqueues(); err != nil {
		return err
	}

	d.Queues = nil

	return nil
}

func (d *Device) GetStatus() (uint8, error) {
	if d.ops == nil {
		return 0, ErrNoDevice
	}

	return d.ops.GetStatus(), nil
}

func (d *Device) SetStatus(status uint8) error {
	if d.ops == nil {
		return ErrNoDevice
	}

	d.ops.SetStatus(status)

	return nil
}

func (d *Device) GetFeatures() (uint64, error) {
	if d.ops == nil {
		return 0, ErrNoDevice
	}

	return d.ops.GetFeatures(), nil
}

// NegotiateFeatures asks the device what it offers, masks in the
// transport BAD_FEATURE sentinel's rejection, intersects with wanted,
// and writes the result back. Per §4.3 and the design note on
// BAD_FEATURE: "the engine should refuse to negotiate it."
func (d *Device) NegotiateFeatures(wanted uint64) (uint64, error) {
	if d.ops == nil {
		return 0, ErrNoDevice
	}

	if wanted&FeatureBadFeature != 0 {
		return 0, ErrInvalidFeature
	}

	granted, err := d.ops.NegotiateFeatures(wanted &^ FeatureBadFeature)
	if err != nil {
		return 0, err
	}

	if granted&FeatureBadFeature != 0 {
		return 0, ErrInvalidFeature
	}

	d.Features = granted

	for _, q := range d.Queues {
		q.SetEventIdxEnabled(granted&FeatureEventIdx != 0)
	}

	return granted, nil
}

func (d *Device) ReadConfig(off uint32, dst []byte) error {
	if d.ops == nil {
		return ErrNoDevice
	}

	return d.ops.ReadConfig(off, dst)
}

func (d *Device) WriteConfig(off uint32, src []byte) error {
	if d.ops == nil {
		return ErrNoDevice
	}

	return d.ops.WriteConfig(off, src)
}

// ResetDevice drives status to 0 via the binding and invokes
// ResetCallback, if any, per §4.2.8/§4.3: "peer is expected to discard
// all queue state."
func (d *Device) ResetDevice() error {
	if d.ops == nil {
		return ErrNoDevice
	}

	d.ops.ResetDevice()
	d.Features = 0

	if d.ResetCallback != nil {
		d.ResetCallback()
	}

	return nil
}

func (d *Device) Notify(q *virtqueue.Queue) error {
	if d.ops == nil {
		return ErrNoDevice
	}

	return d.ops.Notify(q)
}

func (d *Device) WaitNotified(q *virtqueue.Queue) error {
	if d.ops == nil {
		return ErrNoDevice
	}

	return d.ops.WaitNotified(q)
}

// ErrInvalidFeature is returned when BAD_FEATURE appears on either side
// of a negotiation.
var ErrInvalidFeature = errors.New("vdevice: BAD_FEATURE bit must never be negotiated")
