package main

import (
	"bytes"
	"testing"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	cfg := DefaultMachineConfig()
	cfg.RamSizeBytes = 4 * 1024 * 1024
	m, err := NewMachine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// loadGuestCode places code at 0000:7C00 (where POST left RIP).
func loadGuestCode(t *testing.T, m *Machine, code []byte) {
	t.Helper()
	if err := m.Platform.Memory.WritePhysical(BOOT_SECTOR_LA, code); err != nil {
		t.Fatal(err)
	}
}

func TestA20ResyncWithinSlice(t *testing.T) {
	m := newTestMachine(t)
	if m.Cpu.State.A20Enabled {
		t.Fatal("A20 enabled out of reset")
	}

	// With A20 off, a store through FFFF:0010 wraps to linear 0; after the
	// port 0x92 write the very next store must land at 0x100000.
	code := []byte{
		0xB8, 0xFF, 0xFF, // mov ax, 0xFFFF
		0x8E, 0xC0, // mov es, ax
		0x26, 0xC6, 0x06, 0x10, 0x00, 0xAA, // mov byte [es:0x10], 0xAA
		0xB0, 0x02, // mov al, 2
		0xE6, 0x92, // out 0x92, al
		0x26, 0xC6, 0x06, 0x10, 0x00, 0xBB, // mov byte [es:0x10], 0xBB
		0xF4, // hlt
	}
	loadGuestCode(t, m, code)

	m.RunSlice(64)

	if !m.Cpu.State.A20Enabled {
		t.Fatal("A20 view not resynced from chipset latch")
	}
	if v, _ := m.Platform.Memory.ReadU8(0); v != 0xAA {
		t.Fatalf("wrapped store landed at %#x (mem[0]=%#x)", 0, v)
	}
	if v, _ := m.Platform.Memory.ReadU8(0x100000); v != 0xBB {
		t.Fatalf("post-enable store did not reach 1MiB line (got %#x)", v)
	}
}

func TestResetControlPortSurfacesResetEvent(t *testing.T) {
	m := newTestMachine(t)
	// Port 0xCF9 is outside imm8 range: use the DX form.
	code := []byte{
		0xB0, 0x04, // mov al, 4
		0xBA, 0xF9, 0x0C, // mov dx, 0x0CF9
		0xEE, // out dx, al
		0x90,
	}
	loadGuestCode(t, m, code)

	exit := m.RunSlice(16)
	if exit.Kind != RUN_RESET_REQUESTED || exit.ResetKind != RESET_EVENT_SYSTEM {
		t.Fatalf("exit = %+v, want system reset", exit)
	}
}

func TestDiskBackendsSurviveReset(t *testing.T) {
	m := newTestMachine(t)

	boot := make([]byte, SECTOR_SIZE)
	copy(boot, []byte{0xF4}) // hlt
	boot[510] = 0x55
	boot[511] = 0xAA
	backend := NewMemBackendFromBytes(boot)
	disk, err := OpenDiskAuto(backend)
	if err != nil {
		t.Fatal(err)
	}
	m.SetDiskImage(disk)
	m.Reset()

	if v, _ := m.Platform.Memory.ReadU8(BOOT_SECTOR_LA); v != 0xF4 {
		t.Fatalf("boot sector not loaded: %#x", v)
	}

	// A reset replays POST against the same backend.
	m.Platform.RequestReset(RESET_EVENT_SYSTEM)
	exit := m.RunSlice(4)
	if exit.Kind != RUN_RESET_REQUESTED {
		t.Fatalf("exit = %+v", exit)
	}
	m.Reset()
	if v, _ := m.Platform.Memory.ReadU8(BOOT_SECTOR_LA); v != 0xF4 {
		t.Fatal("boot sector lost across reset")
	}
}

func TestPitInterruptWakesHalt(t *testing.T) {
	m := newTestMachine(t)

	// ISR for IRQ0 (vector 8 at the PIC's power-on offset).
	isr := []byte{
		0xC6, 0x06, 0x00, 0x20, 0x55, // mov byte [0x2000], 0x55
		0xB0, 0x20, // mov al, 0x20
		0xE6, 0x20, // out 0x20, al (EOI)
		0xCF, // iret
	}
	m.Platform.Memory.WritePhysical(0x1500, isr)
	m.Platform.Memory.WriteU16(8*4, 0x1500)
	m.Platform.Memory.WriteU16(8*4+2, 0x0000)

	code := []byte{
		0xB0, 0xFE, // mov al, 0xFE (unmask IRQ0 only)
		0xE6, 0x21, // out 0x21, al
		0xB0, 0x34, // mov al, 0x34 (ch0, lo/hi, mode 2)
		0xE6, 0x43, // out 0x43, al
		0xB0, 0x00, // mov al, 0x00
		0xE6, 0x40, // out 0x40, al
		0xB0, 0x10, // mov al, 0x10 (reload 0x1000 ≈ 3.4ms)
		0xE6, 0x40, // out 0x40, al
		0xFB, // sti
		0xF4, // hlt
		0xF4, // hlt (after ISR returns)
	}
	loadGuestCode(t, m, code)

	for i := 0; i < 32; i++ {
		m.RunSlice(256)
		if v, _ := m.Platform.Memory.ReadU8(0x2000); v == 0x55 {
			return
		}
	}
	t.Fatal("PIT interrupt never woke the halted CPU")
}

func TestBiosTeletypeReachesSerialConsole(t *testing.T) {
	m := newTestMachine(t)
	code := []byte{
		0xB4, 0x0E, // mov ah, 0x0E
		0xB0, 'A', // mov al, 'A'
		0xCD, 0x10, // int 0x10
		0xB0, 'e', 0xCD, 0x10,
		0xB0, 'r', 0xCD, 0x10,
		0xB0, 'o', 0xCD, 0x10,
		0xF4, // hlt
	}
	loadGuestCode(t, m, code)
	m.RunSlice(64)

	console, ok := m.Console.(*BufferConsole)
	if !ok {
		t.Fatal("default console is not buffered")
	}
	if got := console.Output(); !bytes.Contains(got, []byte("Aero")) {
		t.Fatalf("console output %q", got)
	}
}

func TestBiosInt13LbaRead(t *testing.T) {
	m := newTestMachine(t)

	image := make([]byte, 4*SECTOR_SIZE)
	copy(image[SECTOR_SIZE:], "sector one payload")
	disk, err := OpenDiskAuto(NewMemBackendFromBytes(image))
	if err != nil {
		t.Fatal(err)
	}
	m.SetDiskImage(disk)
	m.Reset()

	// DAP at 0x6000: read 1 sector, LBA 1 -> 0000:3000.
	dap := []byte{
		0x10, 0x00, // size
		0x01, 0x00, // count
		0x00, 0x30, // offset
		0x00, 0x00, // segment
		0x01, 0, 0, 0, 0, 0, 0, 0, // lba
	}
	m.Platform.Memory.WritePhysical(0x6000, dap)

	code := []byte{
		0xBE, 0x00, 0x60, // mov si, 0x6000
		0xB4, 0x42, // mov ah, 0x42
		0xB2, 0x80, // mov dl, 0x80
		0xCD, 0x13, // int 0x13
		0xF4, // hlt
	}
	loadGuestCode(t, m, code)
	m.RunSlice(64)

	buf := make([]byte, 18)
	m.Platform.Memory.ReadPhysical(0x3000, buf)
	if string(buf) != "sector one payload" {
		t.Fatalf("int13 read = %q", buf)
	}
	if m.Cpu.State.GetFlag(RFLAGS_CF) {
		t.Fatal("CF set after successful read")
	}
}

func TestRunSliceTimeAdvancesBdaTicks(t *testing.T) {
	m := newTestMachine(t)
	// 1e9 cycles at the default 1 GHz TSC is one second ≈ 18 BDA ticks;
	// drive it via halted idle ticks instead of executing 1e9 nops.
	code := []byte{0xFB, 0xF4} // sti; hlt
	loadGuestCode(t, m, code)
	for i := 0; i < 1200; i++ {
		m.RunSlice(16)
	}
	ticks, _ := m.Platform.Memory.ReadU32(BDA_TICK_COUNT)
	if ticks == 0 {
		t.Fatal("BDA tick count never advanced")
	}
}
