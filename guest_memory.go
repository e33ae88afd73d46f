// guest_memory.go - Guest physical memory (dense/sparse RAM + ROM overlays)

/*
 ▄▄▄       ▓█████  ██▀███   ▒█████
▒████▄     ▓█   ▀ ▓██ ▒ ██▒▒██▒  ██▒
▒██  ▀█▄   ▒███   ▓██ ░▄█ ▒▒██░  ██▒
░██▄▄▄▄██  ▒▓█  ▄ ▒██▀▀█▄  ▒██   ██░
 ▓█   ▓██▒ ░▒████▒░██▓ ▒██▒░ ████▓▒░
 ▒▒   ▓▒█░ ░░ ▒░ ░░ ▒▓ ░▒▓░░ ▒░▒░▒░
  ▒   ▒▒ ░  ░ ░  ░  ░▒ ░ ▒░  ░ ▒ ▒░
  ░   ▒       ░     ░░   ░ ░ ░ ░ ▒
      ░  ░    ░  ░   ░         ░ ░

(c) 2024 - 2026 Aero contributors
https://github.com/aero-emu/aero

License: GPLv3 or later
*/

/*
guest_memory.go - Guest Physical Memory

This module implements guest physical RAM for the Aero virtual machine. It
provides a unified interface over two storage strategies and a ROM overlay
mechanism, forming the lowest layer of the memory subsystem.

Core Features:

    Dense RAM as one contiguous block for small guests.
    Sparse RAM as a page-indexed map of lazily materialized 4KiB buffers,
    zero-filled on first touch, for large guests.
    Immutable ROM overlays (BIOS/option ROM windows); writes that land in a
    ROM range are silently dropped, reads come from the ROM image.
    Little-endian typed accessors (u8 through u128) plus bulk range copy.

Out-of-range accesses return a structured error rather than panicking; the
CPU bus layers translate those into guest-visible faults where appropriate.
*/

package main

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const GUEST_PAGE_SIZE = 4096

// MapError describes a failed ROM mapping.
type MapError int

const (
	MAP_ERR_OVERLAP MapError = iota
	MAP_ERR_ADDRESS_OVERFLOW
)

func (e MapError) Error() string {
	switch e {
	case MAP_ERR_OVERLAP:
		return "rom mapping overlap"
	case MAP_ERR_ADDRESS_OVERFLOW:
		return "rom mapping address overflow"
	}
	return "unknown map error"
}

// OutOfRangeError reports a physical access outside guest RAM.
type OutOfRangeError struct {
	Paddr uint64
	Len   int
	Size  uint64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("physical access out of range: paddr=0x%x len=%d size=0x%x", e.Paddr, e.Len, e.Size)
}

type romWindow struct {
	base  uint64
	bytes []byte
}

// GuestMemory is the uniform contract for guest physical RAM.
//
// Multi-byte accessors are little-endian and must not cross the Size()
// boundary. Reads of never-touched sparse pages observe zeros. Writes
// overlapping a ROM window are dropped for the overlapping bytes.
type GuestMemory interface {
	Size() uint64
	ReadPhysical(paddr uint64, buf []byte) error
	WritePhysical(paddr uint64, buf []byte) error
	ReadU8(paddr uint64) (uint8, error)
	ReadU16(paddr uint64) (uint16, error)
	ReadU32(paddr uint64) (uint32, error)
	ReadU64(paddr uint64) (uint64, error)
	ReadU128(paddr uint64) (lo, hi uint64, err error)
	WriteU8(paddr uint64, v uint8) error
	WriteU16(paddr uint64, v uint16) error
	WriteU32(paddr uint64, v uint32) error
	WriteU64(paddr uint64, v uint64) error
	WriteU128(paddr uint64, lo, hi uint64) error
	MapRom(base uint64, rom []byte) error
}

// romOverlaySet is shared by the dense and sparse implementations.
type romOverlaySet struct {
	windows []romWindow
}

func (r *romOverlaySet) mapRom(base uint64, rom []byte, size uint64) error {
	end := base + uint64(len(rom))
	if end < base || end > size {
		return MAP_ERR_ADDRESS_OVERFLOW
	}
	for _, w := range r.windows {
		wEnd := w.base + uint64(len(w.bytes))
		if base < wEnd && w.base < end {
			// BIOS resets re-map the same image; identical remaps are
			// idempotent.
			if w.base == base && len(w.bytes) == len(rom) {
				copy(w.bytes, rom)
				return nil
			}
			return MAP_ERR_OVERLAP
		}
	}
	cp := make([]byte, len(rom))
	copy(cp, rom)
	r.windows = append(r.windows, romWindow{base: base, bytes: cp})
	sort.Slice(r.windows, func(i, j int) bool { return r.windows[i].base < r.windows[j].base })
	return nil
}

// readOverlay copies ROM bytes over buf for any windows intersecting
// [paddr, paddr+len(buf)).
func (r *romOverlaySet) readOverlay(paddr uint64, buf []byte) {
	end := paddr + uint64(len(buf))
	for _, w := range r.windows {
		wEnd := w.base + uint64(len(w.bytes))
		if paddr >= wEnd || w.base >= end {
			continue
		}
		lo := max64(paddr, w.base)
		hi := min64(end, wEnd)
		copy(buf[lo-paddr:hi-paddr], w.bytes[lo-w.base:hi-w.base])
	}
}

// clipWrite writes src to dst honoring ROM windows: sub-ranges covered by a
// window are skipped, everything else is passed to put.
func (r *romOverlaySet) clipWrite(paddr uint64, src []byte, put func(off uint64, b []byte)) {
	end := paddr + uint64(len(src))
	cur := paddr
	for _, w := range r.windows {
		wEnd := w.base + uint64(len(w.bytes))
		if cur >= wEnd || w.base >= end {
			continue
		}
		if cur < w.base {
			put(cur, src[cur-paddr:w.base-paddr])
		}
		cur = wEnd
		if cur >= end {
			return
		}
	}
	if cur < end {
		put(cur, src[cur-paddr:])
	}
}

// DenseMemory backs guest RAM with a single contiguous slice.
type DenseMemory struct {
	data []byte
	size uint64
	roms romOverlaySet
}

func NewDenseMemory(size uint64) (*DenseMemory, error) {
	if size == 0 || size > (1<<40) {
		return nil, fmt.Errorf("unsupported dense guest RAM size 0x%x", size)
	}
	return &DenseMemory{data: make([]byte, size), size: size}, nil
}

func (m *DenseMemory) Size() uint64 { return m.size }

func (m *DenseMemory) checkRange(paddr uint64, n int) error {
	end := paddr + uint64(n)
	if end < paddr || end > m.size {
		return &OutOfRangeError{Paddr: paddr, Len: n, Size: m.size}
	}
	return nil
}

func (m *DenseMemory) ReadPhysical(paddr uint64, buf []byte) error {
	if err := m.checkRange(paddr, len(buf)); err != nil {
		return err
	}
	copy(buf, m.data[paddr:paddr+uint64(len(buf))])
	m.roms.readOverlay(paddr, buf)
	return nil
}

func (m *DenseMemory) WritePhysical(paddr uint64, buf []byte) error {
	if err := m.checkRange(paddr, len(buf)); err != nil {
		return err
	}
	m.roms.clipWrite(paddr, buf, func(off uint64, b []byte) {
		copy(m.data[off:], b)
	})
	return nil
}

func (m *DenseMemory) MapRom(base uint64, rom []byte) error {
	return m.roms.mapRom(base, rom, m.size)
}

func (m *DenseMemory) ReadU8(paddr uint64) (uint8, error)   { return memReadU8(m, paddr) }
func (m *DenseMemory) ReadU16(paddr uint64) (uint16, error) { return memReadU16(m, paddr) }
func (m *DenseMemory) ReadU32(paddr uint64) (uint32, error) { return memReadU32(m, paddr) }
func (m *DenseMemory) ReadU64(paddr uint64) (uint64, error) { return memReadU64(m, paddr) }
func (m *DenseMemory) ReadU128(paddr uint64) (uint64, uint64, error) {
	return memReadU128(m, paddr)
}
func (m *DenseMemory) WriteU8(paddr uint64, v uint8) error   { return memWriteU8(m, paddr, v) }
func (m *DenseMemory) WriteU16(paddr uint64, v uint16) error { return memWriteU16(m, paddr, v) }
func (m *DenseMemory) WriteU32(paddr uint64, v uint32) error { return memWriteU32(m, paddr, v) }
func (m *DenseMemory) WriteU64(paddr uint64, v uint64) error { return memWriteU64(m, paddr, v) }
func (m *DenseMemory) WriteU128(paddr uint64, lo, hi uint64) error {
	return memWriteU128(m, paddr, lo, hi)
}

// SparseMemory backs guest RAM with page-granular lazily allocated buffers.
// Suitable for multi-GiB guests where most of RAM is never touched.
type SparseMemory struct {
	pages map[uint64][]byte
	size  uint64
	roms  romOverlaySet
}

func NewSparseMemory(size uint64) (*SparseMemory, error) {
	if size == 0 {
		return nil, fmt.Errorf("sparse guest RAM size must be non-zero")
	}
	return &SparseMemory{pages: make(map[uint64][]byte), size: size}, nil
}

func (m *SparseMemory) Size() uint64 { return m.size }

func (m *SparseMemory) checkRange(paddr uint64, n int) error {
	end := paddr + uint64(n)
	if end < paddr || end > m.size {
		return &OutOfRangeError{Paddr: paddr, Len: n, Size: m.size}
	}
	return nil
}

func (m *SparseMemory) ReadPhysical(paddr uint64, buf []byte) error {
	if err := m.checkRange(paddr, len(buf)); err != nil {
		return err
	}
	pos := 0
	for pos < len(buf) {
		cur := paddr + uint64(pos)
		base := cur &^ uint64(GUEST_PAGE_SIZE-1)
		off := int(cur - base)
		n := min(GUEST_PAGE_SIZE-off, len(buf)-pos)
		if page, ok := m.pages[base]; ok {
			copy(buf[pos:pos+n], page[off:off+n])
		} else {
			for i := pos; i < pos+n; i++ {
				buf[i] = 0
			}
		}
		pos += n
	}
	m.roms.readOverlay(paddr, buf)
	return nil
}

func (m *SparseMemory) WritePhysical(paddr uint64, buf []byte) error {
	if err := m.checkRange(paddr, len(buf)); err != nil {
		return err
	}
	m.roms.clipWrite(paddr, buf, func(off uint64, b []byte) {
		pos := 0
		for pos < len(b) {
			cur := off + uint64(pos)
			base := cur &^ uint64(GUEST_PAGE_SIZE-1)
			po := int(cur - base)
			n := min(GUEST_PAGE_SIZE-po, len(b)-pos)
			page, ok := m.pages[base]
			if !ok {
				page = make([]byte, GUEST_PAGE_SIZE)
				m.pages[base] = page
			}
			copy(page[po:po+n], b[pos:pos+n])
			pos += n
		}
	})
	return nil
}

func (m *SparseMemory) MapRom(base uint64, rom []byte) error {
	return m.roms.mapRom(base, rom, m.size)
}

func (m *SparseMemory) ReadU8(paddr uint64) (uint8, error)   { return memReadU8(m, paddr) }
func (m *SparseMemory) ReadU16(paddr uint64) (uint16, error) { return memReadU16(m, paddr) }
func (m *SparseMemory) ReadU32(paddr uint64) (uint32, error) { return memReadU32(m, paddr) }
func (m *SparseMemory) ReadU64(paddr uint64) (uint64, error) { return memReadU64(m, paddr) }
func (m *SparseMemory) ReadU128(paddr uint64) (uint64, uint64, error) {
	return memReadU128(m, paddr)
}
func (m *SparseMemory) WriteU8(paddr uint64, v uint8) error   { return memWriteU8(m, paddr, v) }
func (m *SparseMemory) WriteU16(paddr uint64, v uint16) error { return memWriteU16(m, paddr, v) }
func (m *SparseMemory) WriteU32(paddr uint64, v uint32) error { return memWriteU32(m, paddr, v) }
func (m *SparseMemory) WriteU64(paddr uint64, v uint64) error { return memWriteU64(m, paddr, v) }
func (m *SparseMemory) WriteU128(paddr uint64, lo, hi uint64) error {
	return memWriteU128(m, paddr, lo, hi)
}

// ----------------------------------------------------------------------------
// Typed accessor helpers shared by both RAM strategies.
// ----------------------------------------------------------------------------

func memReadU8(m GuestMemory, paddr uint64) (uint8, error) {
	var b [1]byte
	if err := m.ReadPhysical(paddr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func memReadU16(m GuestMemory, paddr uint64) (uint16, error) {
	var b [2]byte
	if err := m.ReadPhysical(paddr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func memReadU32(m GuestMemory, paddr uint64) (uint32, error) {
	var b [4]byte
	if err := m.ReadPhysical(paddr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func memReadU64(m GuestMemory, paddr uint64) (uint64, error) {
	var b [8]byte
	if err := m.ReadPhysical(paddr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func memReadU128(m GuestMemory, paddr uint64) (uint64, uint64, error) {
	var b [16]byte
	if err := m.ReadPhysical(paddr, b[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:]), nil
}

func memWriteU8(m GuestMemory, paddr uint64, v uint8) error {
	return m.WritePhysical(paddr, []byte{v})
}

func memWriteU16(m GuestMemory, paddr uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return m.WritePhysical(paddr, b[:])
}

func memWriteU32(m GuestMemory, paddr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.WritePhysical(paddr, b[:])
}

func memWriteU64(m GuestMemory, paddr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.WritePhysical(paddr, b[:])
}

func memWriteU128(m GuestMemory, paddr uint64, lo, hi uint64) error {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], lo)
	binary.LittleEndian.PutUint64(b[8:], hi)
	return m.WritePhysical(paddr, b[:])
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
