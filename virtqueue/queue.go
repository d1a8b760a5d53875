// Package virtqueue implements the active virtqueue engine: the
// descriptor table, available ring and used ring are owned by vring.Vring,
// and this package supplies the enqueue/dequeue algorithms, the free-list,
// notification suppression, and the cache/fence discipline that makes the
// split-ring protocol safe across two uncoordinated processors. This is
// the component the design calls out as carrying the real design weight.
package virtqueue

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bobuhiro11/splitvq/platform"
	"github.com/bobuhiro11/splitvq/vring"
)

// Role distinguishes the front-end (driver) from the back-end (device)
// side of a queue. Each side runs a different subset of operations
// against the same shared memory.
type Role int

const (
	RoleDriver Role = iota
	RoleDevice
)

// State is the queue lifecycle of §4.2.8. It is informational — nothing
// in this package consults it to reject calls, except that a queue must
// have been created before any other operation is valid.
type State int

const (
	StateUninitialized State = iota
	StateCreated
	StateRunning
	StateDisabled
)

// CompletionCallback is invoked when completions (driver side) or new
// availables (device side) arrive. It may run in interrupt context; it
// must be short.
type CompletionCallback func(q *Queue)

// NotifyFunc pokes the peer — an MMIO doorbell write, an interrupt
// injection, or (in tests) a channel send.
type NotifyFunc func(q *Queue) error

// Buffer is one driver-supplied segment of a descriptor chain. Addr is
// already in the address space the peer expects to find in desc.addr —
// translation, if needed, is the caller's responsibility via
// platform.Translator, matching how S1/S2 of the spec hand addresses
// straight to add_buffer.
type Buffer struct {
	Addr uint64
	Len  uint32
}

type cookieEntry struct {
	cookie uint32
	ndescs uint16
	inUse  bool
}

// Config are the construction-time inputs of §4.2.1.
type Config struct {
	// Owner is an opaque back-pointer to whatever device struct created
	// this queue; the engine never dereferences it. Resolves the
	// cyclic device<->queue ownership by keeping the reference untyped
	// instead of importing the device package.
	Owner interface{}

	ID       uint32
	Name     string
	Mem      []byte
	Align    uint32
	NumDescs uint16
	Role     Role
	Callback CompletionCallback
	Notify   NotifyFunc

	// Platform supplies cache/fence discipline. If nil, a platform.Noop
	// is used — correct for same-process tests, incorrect for a real
	// cross-processor boundary.
	Platform platform.MemoryOrdering
}

// Queue is the per-side virtqueue state of §3 ("Virtqueue state").
type Queue struct {
	owner interface{}
	id    uint32
	name  string
	num   uint16
	role  Role
	plat  platform.MemoryOrdering

	mem *vring.Vring

	callback CompletionCallback
	notify   NotifyFunc

	freeHead    uint16
	freeCount   uint16
	queuedCount uint16

	usedConsIdx  uint16
	availConsIdx uint16

	cookies []cookieEntry

	eventIdx bool
	state    State
	busy     bool
}

// New constructs a queue over the given memory per §4.2.1.
func New(cfg Config) (*Queue, error) {
	if cfg.NumDescs == 0 || cfg.NumDescs&(cfg.NumDescs-1) != 0 {
		return nil, ErrInvalidParam
	}

	if cfg.Align == 0 || cfg.Align&(cfg.Align-1) != 0 {
		return nil, ErrAlign
	}

	if cfg.Mem == nil {
		return nil, ErrNoMem
	}

	vr, err := vring.Init(cfg.Mem, cfg.NumDescs, cfg.Align)
	if err != nil {
		switch {
		case errors.Is(err, vring.ErrInvalidNum):
			return nil, ErrInvalidParam
		case errors.Is(err, vring.ErrNoMem):
			return nil, ErrNoMem
		default:
			return nil, err
		}
	}

	plat := cfg.Platform
	if plat == nil {
		plat = &platform.Noop{}
	}

	q := &Queue{
		owner:     cfg.Owner,
		id:        cfg.ID,
		name:      cfg.Name,
		num:       cfg.NumDescs,
		role:      cfg.Role,
		plat:      plat,
		mem:       vr,
		callback:  cfg.Callback,
		notify:    cfg.Notify,
		freeCount: cfg.NumDescs,
		freeHead:  0,
		cookies:   make([]cookieEntry, cfg.NumDescs),
		state:     StateCreated,
	}

	if cfg.Role == RoleDriver {
		vr.ThreadFreeList()
		vr.ZeroRings()
	}

	return q, nil
}

func (q *Queue) enter() {
	invariant(!q.busy, "reentrant access to queue %q", q.name)
	q.busy = true
}

func (q *Queue) exit() { q.busy = false }

// ID, Name, NumDescs, Role, State, Owner, FreeCount are plain accessors.
func (q *Queue) ID() uint32      { return q.id }
func (q *Queue) Name() string    { return q.name }
func (q *Queue) NumDescs() uint16 { return q.num }
func (q *Queue) Role() Role      { return q.role }
func (q *Queue) State() State    { return q.state }
func (q *Queue) Owner() interface{} { return q.owner }
func (q *Queue) FreeCount() uint16 { return q.freeCount }

// Callback returns the completion callback supplied at construction, or
// nil if none was registered. The engine itself never invokes it — it is
// up to the transport binding's interrupt handler to call it once it has
// determined this queue produced the event, per §5's "local side may be
// further split between task context ... and interrupt context (ISR ->
// callback)".
func (q *Queue) Callback() CompletionCallback { return q.callback }

// SetEventIdxEnabled switches notification suppression into event-index
// mode. The embedder calls this once after feature negotiation settles
// whether EVENT_IDX was granted; the engine itself has no feature
// bitmap.
func (q *Queue) SetEventIdxEnabled(enabled bool) {
	q.eventIdx = enabled
}

func (q *Queue) mask(idx uint16) uint16 {
	return idx & (q.num - 1)
}

// AddBuffer publishes a descriptor chain to the available ring, per
// §4.2.2. readable buffers must precede writable buffers in bufs.
func (q *Queue) AddBuffer(bufs []Buffer, readable, writable int, cookie uint32) error {
	q.enter()
	defer q.exit()

	if q.role != RoleDriver {
		return ErrInvalidParam
	}

	n := readable + writable
	if n == 0 || bufs == nil || len(bufs) != n {
		return ErrInvalidParam
	}

	if uint16(n) > q.freeCount {
		return ErrVringFull
	}

	head := q.freeHead
	cur := head

	for i := 0; i < n; i++ {
		next := q.mem.DescNext(cur)

		flags := uint16(0)
		last := i == n-1

		if !last {
			flags |= vring.DescFNext
		}

		if i >= readable {
			flags |= vring.DescFWrite
		}

		q.mem.SetDescAddr(cur, bufs[i].Addr)
		q.mem.SetDescLen(cur, bufs[i].Len)
		q.mem.SetDescFlags(cur, flags)

		if !last {
			q.mem.SetDescNext(cur, next)
		}

		// Flush this descriptor before the avail-ring slot naming its
		// head is published, per §5 rule 1: write descriptor fields ->
		// flush -> write available-ring slot -> flush -> fence ->
		// increment avail.idx -> flush. Without this the device can
		// invalidate and read a torn descriptor after observing the
		// slot that points at it.
		q.plat.FlushCache(q.addrOf(q.mem.DescOffset(cur)), 16)

		if last {
			q.freeHead = next
		} else {
			cur = next
		}
	}

	q.freeCount -= uint16(n)
	q.cookies[head] = cookieEntry{cookie: cookie, ndescs: uint16(n), inUse: true}

	avail := q.mem.AvailIdx()
	slot := q.mask(avail)

	q.mem.SetAvailRing(slot, head)
	q.plat.FlushCache(q.addrOf(q.mem.AvailRingOffset(slot)), 2)

	q.plat.FenceFull()

	q.mem.SetAvailIdx(avail + 1)
	q.plat.FlushCache(q.addrOf(q.mem.AvailIdxOffset()), 2)

	q.queuedCount++

	if q.state == StateCreated {
		q.state = StateRunning
	}

	return nil
}

// addrOf returns offset unchanged: the engine always hands the Platform
// byte offsets into its own vring memory, never absolute addresses.
// Queues constructed over a hostmem-mapped region get real addresses by
// passing a Platform that rebases those offsets against the region's
// base; see mmio/device.go and cmd/vqdemo.
func (q *Queue) addrOf(offset uint32) uintptr {
	return uintptr(offset)
}

// Kick decides whether to notify the peer after one or more AddBuffer
// calls, per §4.2.3.
func (q *Queue) Kick() error {
	q.enter()
	defer q.exit()

	if q.role != RoleDriver {
		return ErrInvalidParam
	}

	q.plat.FenceFull()

	notify := q.mustNotify()
	q.queuedCount = 0

	if notify && q.notify != nil {
		return q.notify(q)
	}

	return nil
}

// GetBuffer retrieves the next completion from the used ring, per
// §4.2.4. ok is false if no new completion is available.
func (q *Queue) GetBuffer() (cookie uint32, length uint32, usedIdx uint16, ok bool, err error) {
	q.enter()
	defer q.exit()

	if q.role != RoleDriver {
		return 0, 0, 0, false, ErrInvalidParam
	}

	q.plat.InvalidateCache(q.addrOf(q.mem.UsedIdxOffset()), 2)

	shared := q.mem.UsedIdx()
	if shared == q.usedConsIdx {
		return 0, 0, 0, false, nil
	}

	slot := q.mask(q.usedConsIdx)
	q.plat.InvalidateCache(q.addrOf(q.mem.UsedElemOffset(slot)), 8)
	q.plat.FenceFull()

	id, l := q.mem.UsedElem(slot)
	usedIdx = q.usedConsIdx
	q.usedConsIdx++

	cookie, err = q.freeChain(uint16(id))
	if err != nil {
		return 0, 0, 0, false, err
	}

	return cookie, l, usedIdx, true, nil
}

// GetAvailable retrieves the next chain head the driver published, per
// §4.2.5. The device retains head to publish a completion with AddUsed
// later.
func (q *Queue) GetAvailable() (addr uint64, length uint32, head uint16, ok bool, err error) {
	q.enter()
	defer q.exit()

	if q.role != RoleDevice {
		return 0, 0, 0, false, ErrInvalidParam
	}

	q.plat.InvalidateCache(q.addrOf(q.mem.AvailIdxOffset()), 2)

	shared := q.mem.AvailIdx()
	if shared == q.availConsIdx {
		return 0, 0, 0, false, nil
	}

	slot := q.mask(q.availConsIdx)
	q.plat.InvalidateCache(q.addrOf(q.mem.AvailRingOffset(slot)), 2)

	head = q.mem.AvailRing(slot)
	q.availConsIdx++

	q.plat.InvalidateCache(q.addrOf(q.mem.DescOffset(head)), 16)

	addr = q.mem.DescAddr(head)
	length = q.mem.DescLen(head)

	if q.state == StateCreated {
		q.state = StateRunning
	}

	return addr, length, head, true, nil
}

// AddUsed publishes a completion for a chain head previously returned by
// GetAvailable (device side; this is spec's "add_consumed_buffer").
func (q *Queue) AddUsed(head uint16, length uint32) error {
	q.enter()
	defer q.exit()

	if q.role != RoleDevice {
		return ErrInvalidParam
	}

	used := q.mem.UsedIdx()
	slot := q.mask(used)

	q.mem.SetUsedElem(slot, uint32(head), length)
	q.plat.FlushCache(q.addrOf(q.mem.UsedElemOffset(slot)), 8)

	q.plat.FenceFull()

	q.mem.SetUsedIdx(used + 1)
	q.plat.FlushCache(q.addrOf(q.mem.UsedIdxOffset()), 2)

	q.queuedCount++

	return nil
}

// InterruptFire is the device-side analogue of Kick: after publishing one
// or more completions with AddUsed, decide whether to notify (interrupt)
// the driver.
func (q *Queue) InterruptFire() error {
	q.enter()
	defer q.exit()

	if q.role != RoleDevice {
		return ErrInvalidParam
	}

	q.plat.FenceFull()

	notify := q.mustNotify()
	q.queuedCount = 0

	if notify && q.notify != nil {
		return q.notify(q)
	}

	return nil
}

// mustNotify implements §4.2.6's two suppression modes.
func (q *Queue) mustNotify() bool {
	if q.eventIdx {
		var newIdx, event uint16

		if q.role == RoleDriver {
			newIdx = q.mem.AvailIdx()
			q.plat.InvalidateCache(q.addrOf(q.mem.AvailEventOffset()), 2)
			event = q.mem.AvailEvent()
		} else {
			newIdx = q.mem.UsedIdx()
			q.plat.InvalidateCache(q.addrOf(q.mem.UsedEventOffset()), 2)
			event = q.mem.UsedEvent()
		}

		prev := newIdx - q.queuedCount

		return uint16(newIdx-event-1) < uint16(newIdx-prev)
	}

	if q.role == RoleDriver {
		q.plat.InvalidateCache(q.addrOf(q.mem.UsedFlagsOffset()), 2)

		return q.mem.UsedFlags()&vring.UsedFNoNotify == 0
	}

	q.plat.InvalidateCache(q.addrOf(q.mem.AvailFlagsOffset()), 2)

	return q.mem.AvailFlags()&vring.AvailFNoInterrupt == 0
}

// EnableInterrupt arms notification for the next completion and reports
// whether the peer has already produced one past the just-armed
// threshold, per §4.2.6's "non-zero hint" and open-amp's
// virtqueue_enable_cb semantics.
func (q *Queue) EnableInterrupt() (pending bool, err error) {
	q.enter()
	defer q.exit()

	consIdx := q.consIdx()

	if q.eventIdx {
		event := consIdx

		if q.role == RoleDriver {
			q.mem.SetUsedEvent(event)
			q.plat.FlushCache(q.addrOf(q.mem.UsedEventOffset()), 2)
		} else {
			q.mem.SetAvailEvent(event)
			q.plat.FlushCache(q.addrOf(q.mem.AvailEventOffset()), 2)
		}

		q.plat.FenceFull()

		var cur uint16
		if q.role == RoleDriver {
			q.plat.InvalidateCache(q.addrOf(q.mem.UsedIdxOffset()), 2)
			cur = q.mem.UsedIdx()
		} else {
			q.plat.InvalidateCache(q.addrOf(q.mem.AvailIdxOffset()), 2)
			cur = q.mem.AvailIdx()
		}

		return cur != consIdx, nil
	}

	if q.role == RoleDriver {
		flags := q.mem.AvailFlags() &^ vring.AvailFNoInterrupt
		q.mem.SetAvailFlags(flags)
		q.plat.FlushCache(q.addrOf(q.mem.AvailFlagsOffset()), 2)
	} else {
		flags := q.mem.UsedFlags() &^ vring.UsedFNoNotify
		q.mem.SetUsedFlags(flags)
		q.plat.FlushCache(q.addrOf(q.mem.UsedFlagsOffset()), 2)
	}

	q.plat.FenceFull()

	if q.role == RoleDriver {
		q.plat.InvalidateCache(q.addrOf(q.mem.UsedIdxOffset()), 2)

		return q.mem.UsedIdx() != consIdx, nil
	}

	q.plat.InvalidateCache(q.addrOf(q.mem.AvailIdxOffset()), 2)

	return q.mem.AvailIdx() != consIdx, nil
}

// DisableInterrupt suppresses notification until the next EnableInterrupt
// call, per §4.2.6.
func (q *Queue) DisableInterrupt() error {
	q.enter()
	defer q.exit()

	if q.eventIdx {
		event := q.consIdx() - q.num - 1

		if q.role == RoleDriver {
			q.mem.SetUsedEvent(event)
			q.plat.FlushCache(q.addrOf(q.mem.UsedEventOffset()), 2)
		} else {
			q.mem.SetAvailEvent(event)
			q.plat.FlushCache(q.addrOf(q.mem.AvailEventOffset()), 2)
		}

		return nil
	}

	if q.role == RoleDriver {
		flags := q.mem.AvailFlags() | vring.AvailFNoInterrupt
		q.mem.SetAvailFlags(flags)
		q.plat.FlushCache(q.addrOf(q.mem.AvailFlagsOffset()), 2)
	} else {
		flags := q.mem.UsedFlags() | vring.UsedFNoNotify
		q.mem.SetUsedFlags(flags)
		q.plat.FlushCache(q.addrOf(q.mem.UsedFlagsOffset()), 2)
	}

	return nil
}

func (q *Queue) consIdx() uint16 {
	if q.role == RoleDriver {
		return q.usedConsIdx
	}

	return q.availConsIdx
}

// freeChain walks a completed chain, verifies its length against the
// cookie table, splices it onto the front of the free list, and returns
// the cookie that was recorded when it was published. Per §4.2.7.
func (q *Queue) freeChain(head uint16) (uint32, error) {
	entry := q.cookies[head]
	invariant(entry.inUse, "free of descriptor %d with no recorded cookie", head)

	idx := head
	n := uint16(0)

	for {
		n++

		flags := q.mem.DescFlags(idx)
		if flags&vring.DescFNext == 0 {
			break
		}

		idx = q.mem.DescNext(idx)
	}

	invariant(n == entry.ndescs, "chain length mismatch on free: walked %d, recorded %d", n, entry.ndescs)

	q.mem.SetDescNext(idx, q.freeHead)
	q.freeHead = head
	q.freeCount += n

	q.cookies[head] = cookieEntry{}

	return entry.cookie, nil
}

// Reset returns the queue to the Disabled state; the owning device is
// expected to have already driven shared-ring state (QUEUE_PFN etc) to
// zero. Re-creating the queue (New) afterward restores Created.
func (q *Queue) Reset() {
	q.enter()
	defer q.exit()

	q.state = StateDisabled
	q.freeHead = 0
	q.freeCount = q.num
	q.queuedCount = 0
	q.usedConsIdx = 0
	q.availConsIdx = 0

	for i := range q.cookies {
		q.cookies[i] = cookieEntry{}
	}
}

// Dump writes every descriptor of the table (free or in flight), the
// free-list state, and both rings with their indices to w, in the spirit of open-amp's virtqueue_dump and gokvm's
// Net.dumpDesc, generalized here to arbitrary NumDescs. It reads the
// local in-memory view directly without invalidating first, so under a
// cacheable mapping it may show a stale snapshot — it is a diagnostic,
// not part of the protocol.
func (q *Queue) Dump(w io.Writer) {
	fmt.Fprintf(w, "[queue %q id=%d role=%v state=%v]\n", q.name, q.id, q.role, q.state)
	fmt.Fprintf(w, "free_head=%d free_count=%d queued=%d\n", q.freeHead, q.freeCount, q.queuedCount)

	fmt.Fprintf(w, "Addr       Len    Flags  Next\n")
	fmt.Fprintf(w, "----------------------------------\n")

	for i := uint16(0); i < q.num; i++ {
		fmt.Fprintf(w, "0x%08x 0x%04x 0x%04x %4d\n",
			q.mem.DescAddr(i), q.mem.DescLen(i), q.mem.DescFlags(i), q.mem.DescNext(i))
	}

	fmt.Fprintf(w, "[avail ring: flags=0x%x idx=%d used_event=%d]\n",
		q.mem.AvailFlags(), q.mem.AvailIdx(), q.mem.UsedEvent())

	for i := uint16(0); i < q.num; i++ {
		fmt.Fprintf(w, "  ring[%d]=%d\n", i, q.mem.AvailRing(i))
	}

	fmt.Fprintf(w, "[used ring: flags=0x%x idx=%d avail_event=%d]\n",
		q.mem.UsedFlags(), q.mem.UsedIdx(), q.mem.AvailEvent())

	for i := uint16(0); i < q.num; i++ {
		id, length := q.mem.UsedElem(i)
		fmt.Fprintf(w, "  elem[%d]: id=%d len=%d\n", i, id, length)
	}
}

// String renders Dump into a string, for use in tests and log lines.
func (q *Queue) String() string {
	var b strings.Builder
	q.Dump(&b)

	return b.String()
}
