package hostmem_test

import (
	"testing"
	"unsafe"

	"github.com/bobuhiro11/splitvq/platform/hostmem"
)

func uintptrOf(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}

func TestMapAndTranslateRoundTrip(t *testing.T) {
	t.Parallel()

	p := hostmem.New(false)

	mem, err := p.Map("vring0", 4096)
	if err != nil {
		t.Fatal(err)
	}

	if len(mem) != 4096 {
		t.Fatalf("len(mem) = %d, want 4096", len(mem))
	}

	vaddr := uintptrOf(mem) + 16

	phys, err := p.Translate("vring0", vaddr)
	if err != nil {
		t.Fatal(err)
	}

	if phys != 16 {
		t.Fatalf("phys = %d, want 16", phys)
	}

	back, err := p.TranslateBack("vring0", phys)
	if err != nil {
		t.Fatal(err)
	}

	if back != vaddr {
		t.Fatalf("back = %#x, want %#x", back, vaddr)
	}
}

func TestMapDuplicateRejected(t *testing.T) {
	t.Parallel()

	p := hostmem.New(false)

	if _, err := p.Map("q", 4096); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Map("q", 4096); err != hostmem.ErrRegionExists {
		t.Fatalf("got %v, want ErrRegionExists", err)
	}
}

func TestRegisterReadWrite32(t *testing.T) {
	t.Parallel()

	p := hostmem.New(false)

	mem, err := p.Map("regs", 4096)
	if err != nil {
		t.Fatal(err)
	}

	addr := uintptrOf(mem)

	p.WriteReg32(addr, 0xCAFEBABE)

	if got := p.ReadReg32(addr); got != 0xCAFEBABE {
		t.Fatalf("ReadReg32 = %#x, want 0xCAFEBABE", got)
	}

	p.WriteReg8(addr+4, 0x42)

	if got := p.ReadReg8(addr + 4); got != 0x42 {
		t.Fatalf("ReadReg8 = %#x, want 0x42", got)
	}
}

func TestUnmapThenTranslateFails(t *testing.T) {
	t.Parallel()

	p := hostmem.New(false)

	if _, err := p.Map("tmp", 4096); err != nil {
		t.Fatal(err)
	}

	if err := p.Unmap("tmp"); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Translate("tmp", 0); err != hostmem.ErrRegionNotFound {
		t.Fatalf("got %v, want ErrRegionNotFound", err)
	}
}

func TestCacheableFlushIsHarmless(t *testing.T) {
	t.Parallel()

	p := hostmem.New(true)

	mem, err := p.Map("cacheable", 8192)
	if err != nil {
		t.Fatal(err)
	}

	addr := uintptrOf(mem)
	p.FlushCache(addr, 64)
	p.InvalidateCache(addr, 64)
	p.FenceFull()
}
