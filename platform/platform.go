// Package platform describes the collaborator the virtqueue engine and the
// MMIO binding never implement themselves: register access, cache
// flush/invalidate, address translation, and memory fences. It is the
// "Platform I/O Facade" of the design (component 1) — an external
// dependency the core only expresses as interfaces.
package platform

// Cache abstracts cache flush/invalidate on an address range. On a
// strong-ordered or uncacheable region both operations are no-ops; an
// implementation chooses this at construction time rather than via a
// build tag, see Noop and hostmem.Platform's Cacheable field.
type Cache interface {
	FlushCache(addr uintptr, length int)
	InvalidateCache(addr uintptr, length int)
}

// Fence abstracts a scoped, sequentially-consistent memory fence. The
// protocol has a store-load dependency (store our index, load their event
// index) that weaker acquire/release fences cannot express, so there is
// only the one full-barrier primitive.
type Fence interface {
	FenceFull()
}

// RegisterIO abstracts register read/write at width 8 and 32, the unit
// the MMIO binding's register bank is specified in.
type RegisterIO interface {
	ReadReg8(addr uintptr) uint8
	WriteReg8(addr uintptr, v uint8)
	ReadReg32(addr uintptr) uint32
	WriteReg32(addr uintptr, v uint32)
}

// Translator abstracts virtual<->physical translation on a named shared
// region. "Physical" here means whatever address space the peer expects
// to find in a descriptor's addr field or a QUEUE_PFN register — for the
// reference hostmem implementation that is an offset into the mapped
// region, mirroring how gokvm treats guest-physical addresses as offsets
// into its mmap'd RAM slice.
type Translator interface {
	Translate(region string, vaddr uintptr) (phys uintptr, err error)
	TranslateBack(region string, phys uintptr) (vaddr uintptr, err error)
}

// Platform is the full facade: everything the vring/virtqueue engine and
// the MMIO transport binding need from the host environment.
type Platform interface {
	Cache
	Fence
	RegisterIO
	Translator
}

// MemoryOrdering is the subset the virtqueue engine consumes: it never
// touches registers or performs translation, only cache discipline and
// fences.
type MemoryOrdering interface {
	Cache
	Fence
}
