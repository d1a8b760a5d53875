// Package hostmem is a reference Platform implementation (see
// platform.Platform) backed by an anonymous mmap'd shared region. It plays
// the role gokvm/memory plays for guest RAM: physical addresses are
// offsets into the mapped slice, not real physical memory. Unlike
// gokvm/memory it uses golang.org/x/sys/unix rather than raw syscall, the
// way go-fuse and tamago prefer.
package hostmem

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/splitvq/platform"
)

var (
	ErrRegionExists   = errors.New("hostmem: region already mapped")
	ErrRegionNotFound = errors.New("hostmem: region not found")
	ErrOutOfRange     = errors.New("hostmem: address outside region")
)

type region struct {
	name string
	mem  []byte
	base uintptr
}

// Platform maps named shared regions and serves the platform.Platform
// contract against them. Cacheable controls whether FlushCache/
// InvalidateCache actually msync the pages or are no-ops, mirroring the
// spec's "compile-time flag" for strong-ordered regions — here a runtime
// field set at construction instead, since this is a single Go process
// and the choice is made once at startup.
type Platform struct {
	mu        sync.Mutex
	regions   []*region
	Cacheable bool
	fenceWord uint32
}

var _ platform.Platform = (*Platform)(nil)

func New(cacheable bool) *Platform {
	return &Platform{Cacheable: cacheable}
}

// Map reserves a new anonymous shared region of size bytes, usable from
// multiple goroutines in this process (it is the stand-in for a real
// guest/host shared-memory window).
func (p *Platform) Map(name string, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.regions {
		if r.name == name {
			return nil, ErrRegionExists
		}
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	p.regions = append(p.regions, &region{
		name: name,
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
	})

	return mem, nil
}

// Unmap releases a region mapped with Map.
func (p *Platform) Unmap(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range p.regions {
		if r.name == name {
			p.regions = append(p.regions[:i], p.regions[i+1:]...)

			return unix.Munmap(r.mem)
		}
	}

	return ErrRegionNotFound
}

func (p *Platform) find(name string) (*region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.regions {
		if r.name == name {
			return r, nil
		}
	}

	return nil, ErrRegionNotFound
}

// Translate returns vaddr's offset from the start of the named region —
// the offset doubles as the "physical" address the peer sees, the same
// convention gokvm/virtio uses for desc.Addr indices into v.Mem.
func (p *Platform) Translate(regionName string, vaddr uintptr) (uintptr, error) {
	r, err := p.find(regionName)
	if err != nil {
		return 0, err
	}

	if vaddr < r.base || vaddr >= r.base+uintptr(len(r.mem)) {
		return 0, ErrOutOfRange
	}

	return vaddr - r.base, nil
}

// TranslateBack is the inverse of Translate.
func (p *Platform) TranslateBack(regionName string, phys uintptr) (uintptr, error) {
	r, err := p.find(regionName)
	if err != nil {
		return 0, err
	}

	if phys >= uintptr(len(r.mem)) {
		return 0, ErrOutOfRange
	}

	return r.base + phys, nil
}

// FlushCache and InvalidateCache msync the page range containing [addr,
// addr+length) when the platform was constructed as cacheable, and are
// no-ops otherwise. msync is a conservative stand-in for an explicit
// cache-line flush/invalidate instruction: it is the only portable way
// Go's standard library exposes to make writes in one goroutine's view of
// an mmap'd region visible through the kernel's page cache to another
// mapping of the same pages.
func (p *Platform) FlushCache(addr uintptr, length int) {
	p.msync(addr, length)
}

func (p *Platform) InvalidateCache(addr uintptr, length int) {
	p.msync(addr, length)
}

func (p *Platform) msync(addr uintptr, length int) {
	if !p.Cacheable || length <= 0 {
		return
	}

	pageSize := uintptr(unix.Getpagesize())
	pageStart := addr &^ (pageSize - 1)
	end := addr + uintptr(length)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.regions {
		if addr < r.base || addr >= r.base+uintptr(len(r.mem)) {
			continue
		}

		relStart := pageStart - r.base
		relEnd := end - r.base

		if relEnd > uintptr(len(r.mem)) {
			relEnd = uintptr(len(r.mem))
		}

		_ = unix.Msync(r.mem[relStart:relEnd], unix.MS_SYNC)

		return
	}
}

// FenceFull performs an atomic read-modify-write, which on every
// architecture Go targets also emits a full compiler and CPU barrier.
func (p *Platform) FenceFull() {
	atomic.AddUint32(&p.fenceWord, 1)
}

func (p *Platform) ReadReg8(addr uintptr) uint8 {
	return *(*uint8)(unsafe.Pointer(addr))
}

func (p *Platform) WriteReg8(addr uintptr, v uint8) {
	*(*uint8)(unsafe.Pointer(addr)) = v
}

func (p *Platform) ReadReg32(addr uintptr) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(addr)))
}

func (p *Platform) WriteReg32(addr uintptr, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), v)
}
