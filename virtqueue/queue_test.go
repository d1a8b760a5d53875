package virtqueue_test

import (
	"strings"
	"testing"

	"github.com/bobuhiro11/splitvq/virtqueue"
	"github.com/bobuhiro11/splitvq/vring"
)

func sharedMem(t *testing.T, num uint16, align uint32) []byte {
	t.Helper()

	return make([]byte, vring.Size(num, align))
}

func newPair(t *testing.T, num uint16) (driver, device *virtqueue.Queue, mem []byte) {
	t.Helper()

	mem = sharedMem(t, num, 4096)

	drv, err := virtqueue.New(virtqueue.Config{
		ID:       0,
		Name:     "test",
		Mem:      mem,
		Align:    4096,
		NumDescs: num,
		Role:     virtqueue.RoleDriver,
	})
	if err != nil {
		t.Fatalf("New(driver): %v", err)
	}

	dev, err := virtqueue.New(virtqueue.Config{
		ID:       0,
		Name:     "test",
		Mem:      mem,
		Align:    4096,
		NumDescs: num,
		Role:     virtqueue.RoleDevice,
	})
	if err != nil {
		t.Fatalf("New(device): %v", err)
	}

	return drv, dev, mem
}

// TestBasicPublishComplete covers spec scenario S1: one descriptor chain,
// published by the driver, consumed and completed by the device, then
// retrieved by the driver.
func TestBasicPublishComplete(t *testing.T) {
	t.Parallel()

	drv, dev, _ := newPair(t, 4)

	if err := drv.AddBuffer([]virtqueue.Buffer{{Addr: 0x1000, Len: 64}}, 1, 0, 0xAAAA); err != nil {
		t.Fatalf("AddBuffer: %v", err)
	}

	if err := drv.Kick(); err != nil {
		t.Fatalf("Kick: %v", err)
	}

	addr, length, head, ok, err := dev.GetAvailable()
	if err != nil {
		t.Fatalf("GetAvailable: %v", err)
	}

	if !ok {
		t.Fatal("GetAvailable: expected a chain, got none")
	}

	if addr != 0x1000 || length != 64 {
		t.Fatalf("GetAvailable: addr=%#x len=%d, want 0x1000/64", addr, length)
	}

	if err := dev.AddUsed(head, 32); err != nil {
		t.Fatalf("AddUsed: %v", err)
	}

	if err := dev.InterruptFire(); err != nil {
		t.Fatalf("InterruptFire: %v", err)
	}

	cookie, compLen, _, ok, err := drv.GetBuffer()
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}

	if !ok {
		t.Fatal("GetBuffer: expected a completion, got none")
	}

	if cookie != 0xAAAA || compLen != 32 {
		t.Fatalf("GetBuffer: cookie=%#x len=%d, want 0xAAAA/32", cookie, compLen)
	}

	if drv.FreeCount() != 4 {
		t.Fatalf("FreeCount after completion = %d, want 4 (fully reclaimed)", drv.FreeCount())
	}
}

// TestReadWriteChain covers spec scenario S2: a chain of one readable and
// one writable descriptor.
func TestReadWriteChain(t *testing.T) {
	t.Parallel()

	drv, dev, _ := newPair(t, 4)

	bufs := []virtqueue.Buffer{
		{Addr: 0x1000, Len: 16}, // readable: request header
		{Addr: 0x2000, Len: 512}, // writable: response buffer
	}

	if err := drv.AddBuffer(bufs, 1, 1, 7); err != nil {
		t.Fatalf("AddBuffer: %v", err)
	}

	if drv.FreeCount() != 2 {
		t.Fatalf("FreeCount after 2-desc chain = %d, want 2", drv.FreeCount())
	}

	if err := drv.Kick(); err != nil {
		t.Fatal(err)
	}

	addr, length, head, ok, err := dev.GetAvailable()
	if err != nil || !ok {
		t.Fatalf("GetAvailable: ok=%v err=%v", ok, err)
	}

	if addr != 0x1000 || length != 16 {
		t.Fatalf("GetAvailable returned %#x/%d, want head descriptor 0x1000/16", addr, length)
	}

	if err := dev.AddUsed(head, 100); err != nil {
		t.Fatal(err)
	}

	cookie, compLen, _, ok, err := drv.GetBuffer()
	if err != nil || !ok {
		t.Fatalf("GetBuffer: ok=%v err=%v", ok, err)
	}

	if cookie != 7 || compLen != 100 {
		t.Fatalf("GetBuffer cookie=%d len=%d, want 7/100", cookie, compLen)
	}

	if drv.FreeCount() != 4 {
		t.Fatalf("FreeCount after reclaim = %d, want 4", drv.FreeCount())
	}
}

// TestRingFullBackpressure covers spec scenario S3: once all descriptors
// are in flight, AddBuffer must fail rather than silently drop.
func TestRingFullBackpressure(t *testing.T) {
	t.Parallel()

	drv, _, _ := newPair(t, 2)

	if err := drv.AddBuffer([]virtqueue.Buffer{{Addr: 1, Len: 1}}, 1, 0, 1); err != nil {
		t.Fatal(err)
	}

	if err := drv.AddBuffer([]virtqueue.Buffer{{Addr: 2, Len: 1}}, 1, 0, 2); err != nil {
		t.Fatal(err)
	}

	err := drv.AddBuffer([]virtqueue.Buffer{{Addr: 3, Len: 1}}, 1, 0, 3)
	if err != virtqueue.ErrVringFull {
		t.Fatalf("AddBuffer on full ring = %v, want ErrVringFull", err)
	}
}

// TestEventIndexNotify covers spec scenario S4: in event-index mode the
// driver notifies the device once avail.idx crosses the event index the
// device armed with EnableInterrupt.
func TestEventIndexNotify(t *testing.T) {
	t.Parallel()

	notified := false

	drv, dev := newPairNotify(t, 4, func() { notified = true })

	drv.SetEventIdxEnabled(true)
	dev.SetEventIdxEnabled(true)

	if _, err := dev.EnableInterrupt(); err != nil {
		t.Fatalf("EnableInterrupt: %v", err)
	}

	if err := drv.AddBuffer([]virtqueue.Buffer{{Addr: 1, Len: 1}}, 1, 0, 1); err != nil {
		t.Fatal(err)
	}

	if err := drv.Kick(); err != nil {
		t.Fatal(err)
	}

	if !notified {
		t.Fatal("expected a notify on first kick after EnableInterrupt armed the threshold")
	}
}

func newPairNotify(t *testing.T, num uint16, onNotify func()) (driver, device *virtqueue.Queue) {
	t.Helper()

	mem := sharedMem(t, num, 4096)

	drv, err := virtqueue.New(virtqueue.Config{
		Name: "n", Mem: mem, Align: 4096, NumDescs: num, Role: virtqueue.RoleDriver,
		Notify: func(q *virtqueue.Queue) error { onNotify(); return nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	dev, err := virtqueue.New(virtqueue.Config{
		Name: "n", Mem: mem, Align: 4096, NumDescs: num, Role: virtqueue.RoleDevice,
	})
	if err != nil {
		t.Fatal(err)
	}

	return drv, dev
}

func TestDisableInterruptSuppressesFlagMode(t *testing.T) {
	t.Parallel()

	notified := false

	drv, dev := newPairNotify(t, 4, func() { notified = true })

	if err := dev.DisableInterrupt(); err != nil {
		t.Fatal(err)
	}

	if err := drv.AddBuffer([]virtqueue.Buffer{{Addr: 1, Len: 1}}, 1, 0, 1); err != nil {
		t.Fatal(err)
	}

	if err := drv.Kick(); err != nil {
		t.Fatal(err)
	}

	if notified {
		t.Fatal("expected no notify while device has disabled interrupts (flag mode)")
	}
}

func TestNewRejectsBadParams(t *testing.T) {
	t.Parallel()

	mem := sharedMem(t, 4, 4096)

	if _, err := virtqueue.New(virtqueue.Config{Mem: mem, Align: 4096, NumDescs: 3, Role: virtqueue.RoleDriver}); err != virtqueue.ErrInvalidParam {
		t.Fatalf("non-power-of-two NumDescs: got %v, want ErrInvalidParam", err)
	}

	if _, err := virtqueue.New(virtqueue.Config{Mem: mem, Align: 0, NumDescs: 4, Role: virtqueue.RoleDriver}); err != virtqueue.ErrAlign {
		t.Fatalf("zero Align: got %v, want ErrAlign", err)
	}

	if _, err := virtqueue.New(virtqueue.Config{Mem: nil, Align: 4096, NumDescs: 4, Role: virtqueue.RoleDriver}); err != virtqueue.ErrNoMem {
		t.Fatalf("nil Mem: got %v, want ErrNoMem", err)
	}

	short := make([]byte, 4)
	if _, err := virtqueue.New(virtqueue.Config{Mem: short, Align: 4096, NumDescs: 4, Role: virtqueue.RoleDriver}); err != virtqueue.ErrNoMem {
		t.Fatalf("short Mem: got %v, want ErrNoMem", err)
	}
}

// TestFreeListReuse checks property: after a full round trip, the
// reclaimed descriptor indices can be used again for a new chain.
func TestFreeListReuse(t *testing.T) {
	t.Parallel()

	drv, dev, _ := newPair(t, 2)

	for i := 0; i < 3; i++ {
		if err := drv.AddBuffer([]virtqueue.Buffer{{Addr: uint64(i), Len: 1}}, 1, 0, uint32(i)); err != nil {
			t.Fatalf("round %d AddBuffer: %v", i, err)
		}

		if err := drv.Kick(); err != nil {
			t.Fatal(err)
		}

		_, _, head, ok, err := dev.GetAvailable()
		if err != nil || !ok {
			t.Fatalf("round %d GetAvailable: ok=%v err=%v", i, ok, err)
		}

		if err := dev.AddUsed(head, 1); err != nil {
			t.Fatal(err)
		}

		cookie, _, _, ok, err := drv.GetBuffer()
		if err != nil || !ok {
			t.Fatalf("round %d GetBuffer: ok=%v err=%v", i, ok, err)
		}

		if cookie != uint32(i) {
			t.Fatalf("round %d cookie = %d, want %d", i, cookie, i)
		}

		if drv.FreeCount() != 2 {
			t.Fatalf("round %d FreeCount = %d, want 2", i, drv.FreeCount())
		}
	}
}

func TestRoleMismatchRejected(t *testing.T) {
	t.Parallel()

	drv, dev, _ := newPair(t, 4)

	if err := dev.AddBuffer([]virtqueue.Buffer{{Addr: 1, Len: 1}}, 1, 0, 0); err != virtqueue.ErrInvalidParam {
		t.Fatalf("device calling AddBuffer: got %v, want ErrInvalidParam", err)
	}

	if _, _, _, _, err := drv.GetAvailable(); err != virtqueue.ErrInvalidParam {
		t.Fatalf("driver calling GetAvailable: got %v, want ErrInvalidParam", err)
	}
}

func TestDumpListsDescriptorsAndRings(t *testing.T) {
	t.Parallel()

	drv, _, _ := newPair(t, 4)

	if err := drv.AddBuffer([]virtqueue.Buffer{{Addr: 0x1000, Len: 64}}, 1, 0, 7); err != nil {
		t.Fatalf("AddBuffer: %v", err)
	}

	got := drv.String()

	for _, want := range []string{"0x00001000", "free_head", "avail ring", "used ring"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Dump output missing %q:\n%s", want, got)
		}
	}
}
