package main

import (
	"errors"
	"testing"
)

func TestDenseMemoryTypedAccess(t *testing.T) {
	mem, err := NewDenseMemory(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x1000, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.ReadU32(0x1000); v != 0x55667788 {
		t.Fatalf("little-endian low dword = %#x", v)
	}
	if v, _ := mem.ReadU8(0x1007); v != 0x11 {
		t.Fatalf("high byte = %#x", v)
	}
	lo, hi, err := mem.ReadU128(0x1000)
	if err != nil || lo != 0x1122334455667788 || hi != 0 {
		t.Fatalf("u128 = %x:%x err=%v", hi, lo, err)
	}
}

func TestMemoryOutOfRange(t *testing.T) {
	mem, _ := NewDenseMemory(0x1000)
	var oor *OutOfRangeError
	if err := mem.WriteU32(0xFFE, 1); !errors.As(err, &oor) {
		t.Fatalf("expected OutOfRangeError, got %v", err)
	}
	if oor.Paddr != 0xFFE || oor.Size != 0x1000 {
		t.Fatalf("error detail %+v", oor)
	}
}

func TestSparseMemoryZeroFillAndMaterialization(t *testing.T) {
	mem, err := NewSparseMemory(1 << 30)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8192)
	for i := range buf {
		buf[i] = 0xFF
	}
	if err := mem.ReadPhysical(512*1024*1024, buf); err != nil {
		t.Fatal(err)
	}
	if !isAllZero(buf) {
		t.Fatal("untouched sparse pages not zero")
	}

	// A write crossing a page boundary materializes both pages.
	payload := []byte("crosses a page boundary")
	base := uint64(GUEST_PAGE_SIZE*3 - 8)
	if err := mem.WritePhysical(base, payload); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if err := mem.ReadPhysical(base, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("read back %q", got)
	}
}

func TestRomOverlaySemantics(t *testing.T) {
	mem, _ := NewDenseMemory(1 << 20)
	rom := []byte{0xEA, 0x5B, 0xE0, 0x00, 0xF0}

	if err := mem.MapRom(0xF0000, rom); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(rom))
	mem.ReadPhysical(0xF0000, got)
	if string(got) != string(rom) {
		t.Fatalf("rom read %x", got)
	}

	// Writes into the ROM window silently no-op.
	if err := mem.WritePhysical(0xF0000, []byte{0x00, 0x00}); err != nil {
		t.Fatal(err)
	}
	mem.ReadPhysical(0xF0000, got)
	if got[0] != 0xEA {
		t.Fatal("ROM write was not dropped")
	}

	// A straddling write commits only the RAM part.
	if err := mem.WritePhysical(0xEFFFE, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.ReadU8(0xEFFFE); v != 1 {
		t.Fatal("RAM byte before ROM window lost")
	}
	if v, _ := mem.ReadU8(0xF0000); v != 0xEA {
		t.Fatal("ROM byte clobbered by straddling write")
	}

	// Identical remap is idempotent (BIOS reset path); different length is
	// an overlap error.
	if err := mem.MapRom(0xF0000, rom); err != nil {
		t.Fatalf("idempotent remap rejected: %v", err)
	}
	if err := mem.MapRom(0xF0000, rom[:3]); !errors.Is(err, MAP_ERR_OVERLAP) {
		t.Fatalf("expected overlap, got %v", err)
	}
	if err := mem.MapRom(1<<20-2, rom); !errors.Is(err, MAP_ERR_ADDRESS_OVERFLOW) {
		t.Fatalf("expected overflow, got %v", err)
	}
}
