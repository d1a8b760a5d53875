// Package mmio implements the legacy version-1 virtio MMIO register
// transport binding of §4.4 over a platform.Platform register window.
package mmio

// Register offsets, width 32 unless noted, per §4.4.
const (
	RegMagic              = 0x000
	RegVersion            = 0x004
	RegDeviceID           = 0x008
	RegVendorID           = 0x00c
	RegDeviceFeatures     = 0x010
	RegDeviceFeaturesSel  = 0x014
	RegDriverFeatures     = 0x020
	RegDriverFeaturesSel  = 0x024
	RegGuestPageSize      = 0x028
	RegQueueSel           = 0x030
	RegQueueNumMax        = 0x034
	RegQueueNum           = 0x038
	RegQueueAlign         = 0x03c
	RegQueuePFN           = 0x040
	RegQueueNotify        = 0x050
	RegInterruptStatus    = 0x060
	RegInterruptACK       = 0x064
	RegStatus             = 0x070
	RegConfig             = 0x100
)

// Magic is the required MAGIC register value, "virt" read little-endian.
const Magic = 0x74726976

// Version is the only VERSION this binding accepts.
const Version = 1

// PageSize is the fixed guest page size and queue alignment this legacy
// binding uses throughout (GUEST_PAGE_SIZE, QUEUE_ALIGN, and the PFN
// divisor).
const PageSize = 4096

// Interrupt status bits, §4.4.
const (
	InterruptVring  = 1 << 0
	InterruptConfig = 1 << 1
)
