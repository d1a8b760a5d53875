// Package vring implements the pure data-layout and size computation for
// the three co-resident split-ring structures: the descriptor table, the
// available ring, and the used ring. It performs no I/O and holds no
// notion of a peer; it only knows how to compute offsets into a shared
// byte slice and how to read/write the little-endian fields at those
// offsets.
package vring

import (
	"encoding/binary"
	"errors"
)

// Descriptor flag bits (field `flags`, §3).
const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2
)

// ChainEnd is the free-list sentinel `next` value. It can never be a
// valid descriptor index because Num is capped at 0x8000.
const ChainEnd = 0x8000

// Flag-mode suppression bits (§4.2.6).
const (
	AvailFNoInterrupt = 1 << 0 // driver: "don't interrupt me"
	UsedFNoNotify     = 1 << 0 // device: "don't kick me"
)

const descSize = 16

var (
	// ErrInvalidNum is returned when num is zero or not a power of two.
	ErrInvalidNum = errors.New("vring: num must be a nonzero power of two")
	// ErrNoMem is returned when the supplied memory is smaller than the
	// computed layout size.
	ErrNoMem = errors.New("vring: backing memory too small")
)

func alignUp(n, align uint32) uint32 {
	if align == 0 {
		return n
	}

	return (n + align - 1) &^ (align - 1)
}

// Layout is the pure function from (num, align) to byte offsets and total
// size, per §4.1.
type Layout struct {
	Num       uint16
	Align     uint32
	DescOff   uint32
	DescSize  uint32
	AvailOff  uint32
	AvailSize uint32
	UsedOff   uint32
	UsedSize  uint32
	Total     uint32
}

// NewLayout computes the field offsets and total size for num descriptors
// aligned to align. It does not validate num; callers needing the Vring
// invariants should go through Init.
func NewLayout(num uint16, align uint32) Layout {
	dSize := uint32(descSize) * uint32(num)
	aSize := 4 + 2*uint32(num) + 2
	uOff := alignUp(dSize+aSize, align)
	uSize := 4 + 8*uint32(num) + 2

	return Layout{
		Num:       num,
		Align:     align,
		DescOff:   0,
		DescSize:  dSize,
		AvailOff:  dSize,
		AvailSize: aSize,
		UsedOff:   uOff,
		UsedSize:  uSize,
		Total:     uOff + uSize,
	}
}

// Size returns vring_size(num, align): the total byte footprint of the
// three co-resident structures, per testable property 8.
func Size(num uint16, align uint32) uint32 {
	return NewLayout(num, align).Total
}

func isPowerOfTwo(n uint16) bool {
	return n > 0 && n&(n-1) == 0
}

// Vring is a split-ring overlaid on a caller-owned byte slice. It never
// allocates and never retains a reference beyond Mem; callers own the
// backing memory's lifetime.
type Vring struct {
	Mem    []byte
	Layout Layout
}

// Init records the three structure offsets over mem. It does not
// initialize any shared field — the owning side (the virtqueue engine)
// clears/threads them separately, per §4.1.
func Init(mem []byte, num uint16, align uint32) (*Vring, error) {
	if !isPowerOfTwo(num) {
		return nil, ErrInvalidNum
	}

	layout := NewLayout(num, align)
	if uint32(len(mem)) < layout.Total {
		return nil, ErrNoMem
	}

	return &Vring{Mem: mem, Layout: layout}, nil
}

// ThreadFreeList writes desc[i].next = i+1 for i < num-1 and
// desc[num-1].next = ChainEnd, per §4.2.1. Only the driver role does this;
// the device leaves the descriptor table untouched.
func (v *Vring) ThreadFreeList() {
	n := v.Layout.Num
	for i := uint16(0); i < n-1; i++ {
		v.SetDescNext(i, i+1)
	}

	v.SetDescNext(n-1, ChainEnd)
}

// ZeroRings clears the avail and used ring headers, ring bodies, and
// trailing event words. It does not touch the descriptor table.
func (v *Vring) ZeroRings() {
	for i := v.Layout.AvailOff; i < v.Layout.AvailOff+v.Layout.AvailSize; i++ {
		v.Mem[i] = 0
	}

	for i := v.Layout.UsedOff; i < v.Layout.UsedOff+v.Layout.UsedSize; i++ {
		v.Mem[i] = 0
	}
}

// --- Descriptor table ---

// DescOffset returns the byte offset of descriptor i.
func (v *Vring) DescOffset(i uint16) uint32 { return v.Layout.DescOff + uint32(i)*descSize }

func (v *Vring) DescAddr(i uint16) uint64 {
	return binary.LittleEndian.Uint64(v.Mem[v.DescOffset(i):])
}

func (v *Vring) SetDescAddr(i uint16, addr uint64) {
	binary.LittleEndian.PutUint64(v.Mem[v.DescOffset(i):], addr)
}

func (v *Vring) DescLen(i uint16) uint32 {
	return binary.LittleEndian.Uint32(v.Mem[v.DescOffset(i)+8:])
}

func (v *Vring) SetDescLen(i uint16, length uint32) {
	binary.LittleEndian.PutUint32(v.Mem[v.DescOffset(i)+8:], length)
}

func (v *Vring) DescFlags(i uint16) uint16 {
	return binary.LittleEndian.Uint16(v.Mem[v.DescOffset(i)+12:])
}

func (v *Vring) SetDescFlags(i uint16, flags uint16) {
	binary.LittleEndian.PutUint16(v.Mem[v.DescOffset(i)+12:], flags)
}

func (v *Vring) DescNext(i uint16) uint16 {
	return binary.LittleEndian.Uint16(v.Mem[v.DescOffset(i)+14:])
}

func (v *Vring) SetDescNext(i uint16, next uint16) {
	binary.LittleEndian.PutUint16(v.Mem[v.DescOffset(i)+14:], next)
}

// --- Available ring ---

func (v *Vring) AvailFlagsOffset() uint32 { return v.Layout.AvailOff }

func (v *Vring) AvailFlags() uint16 {
	return binary.LittleEndian.Uint16(v.Mem[v.AvailFlagsOffset():])
}

func (v *Vring) SetAvailFlags(flags uint16) {
	binary.LittleEndian.PutUint16(v.Mem[v.AvailFlagsOffset():], flags)
}

func (v *Vring) AvailIdxOffset() uint32 { return v.Layout.AvailOff + 2 }

func (v *Vring) AvailIdx() uint16 {
	return binary.LittleEndian.Uint16(v.Mem[v.AvailIdxOffset():])
}

func (v *Vring) SetAvailIdx(idx uint16) {
	binary.LittleEndian.PutUint16(v.Mem[v.AvailIdxOffset():], idx)
}

func (v *Vring) AvailRingOffset(i uint16) uint32 { return v.Layout.AvailOff + 4 + uint32(i)*2 }

func (v *Vring) AvailRing(i uint16) uint16 {
	return binary.LittleEndian.Uint16(v.Mem[v.AvailRingOffset(i):])
}

func (v *Vring) SetAvailRing(i uint16, head uint16) {
	binary.LittleEndian.PutUint16(v.Mem[v.AvailRingOffset(i):], head)
}

func (v *Vring) UsedEventOffset() uint32 { return v.Layout.AvailOff + 4 + uint32(v.Layout.Num)*2 }

// UsedEvent is the avail ring's trailing word: written by the driver,
// read by the device (event-index mode).
func (v *Vring) UsedEvent() uint16 {
	return binary.LittleEndian.Uint16(v.Mem[v.UsedEventOffset():])
}

func (v *Vring) SetUsedEvent(idx uint16) {
	binary.LittleEndian.PutUint16(v.Mem[v.UsedEventOffset():], idx)
}

// --- Used ring ---

func (v *Vring) UsedFlagsOffset() uint32 { return v.Layout.UsedOff }

func (v *Vring) UsedFlags() uint16 {
	return binary.LittleEndian.Uint16(v.Mem[v.UsedFlagsOffset():])
}

func (v *Vring) SetUsedFlags(flags uint16) {
	binary.LittleEndian.PutUint16(v.Mem[v.UsedFlagsOffset():], flags)
}

func (v *Vring) UsedIdxOffset() uint32 { return v.Layout.UsedOff + 2 }

func (v *Vring) UsedIdx() uint16 {
	return binary.LittleEndian.Uint16(v.Mem[v.UsedIdxOffset():])
}

func (v *Vring) SetUsedIdx(idx uint16) {
	binary.LittleEndian.PutUint16(v.Mem[v.UsedIdxOffset():], idx)
}

func (v *Vring) UsedElemOffset(i uint16) uint32 { return v.Layout.UsedOff + 4 + uint32(i)*8 }

func (v *Vring) UsedElem(i uint16) (id uint32, length uint32) {
	off := v.UsedElemOffset(i)

	return binary.LittleEndian.Uint32(v.Mem[off:]), binary.LittleEndian.Uint32(v.Mem[off+4:])
}

func (v *Vring) SetUsedElem(i uint16, id uint32, length uint32) {
	off := v.UsedElemOffset(i)
	binary.LittleEndian.PutUint32(v.Mem[off:], id)
	binary.LittleEndian.PutUint32(v.Mem[off+4:], length)
}

func (v *Vring) AvailEventOffset() uint32 { return v.Layout.UsedOff + 4 + uint32(v.Layout.Num)*8 }

// AvailEvent is the used ring's trailing word: written by the device,
// read by the driver (event-index mode).
func (v *Vring) AvailEvent() uint16 {
	return binary.LittleEndian.Uint16(v.Mem[v.AvailEventOffset():])
}

func (v *Vring) SetAvailEvent(idx uint16) {
	binary.LittleEndian.PutUint16(v.Mem[v.AvailEventOffset():], idx)
}
