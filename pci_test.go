package main

import "testing"

func newTestPlatform(t *testing.T) *Platform {
	t.Helper()
	ram, err := NewDenseMemory(4 * 1024 * 1024)
	if err != nil {
		t.Fatal(err)
	}
	return NewPlatform(ram)
}

func TestPciConfigPortsReadVendorDevice(t *testing.T) {
	p := newTestPlatform(t)
	bdf := Bdf{Device: 3}
	cfg := NewPciDeviceConfig(0x8086, 0x100E, 0x020000)
	p.PciCfg.Bus().AddDevice(bdf, cfg)

	// Selector: enable | bus 0 | device 3 | function 0 | offset 0.
	selector := uint64(0x80000000) | uint64(3)<<11
	p.Io.Write(PCI_CFG_ADDR_PORT, 4, selector)
	if got := p.Io.Read(PCI_CFG_DATA_PORT, 4); got != 0x100E8086 {
		t.Fatalf("vendor/device = %#x", got)
	}
	// Word read through the high half of the data window.
	if got := p.Io.Read(PCI_CFG_DATA_PORT+2, 2); got != 0x100E {
		t.Fatalf("device id = %#x", got)
	}
}

func TestPciBarSizingProtocol(t *testing.T) {
	p := newTestPlatform(t)
	bdf := Bdf{Device: 4}
	cfg := NewPciDeviceConfig(0x1B36, 0x0010, 0x010802)
	cfg.SetBar(0, PCI_BAR_MEM32, 0x4000)
	p.PciCfg.Bus().AddDevice(bdf, cfg)

	selector := uint64(0x80000000) | uint64(4)<<11 | PCI_REG_BAR0
	p.Io.Write(PCI_CFG_ADDR_PORT, 4, selector)
	p.Io.Write(PCI_CFG_DATA_PORT, 4, 0xFFFFFFFF)
	if got := p.Io.Read(PCI_CFG_DATA_PORT, 4); uint32(got) != ^uint32(0x4000-1) {
		t.Fatalf("sizing readback = %#x, want %#x", got, ^uint32(0x4000-1))
	}
	// Programming a base ends the sizing latch.
	p.Io.Write(PCI_CFG_DATA_PORT, 4, 0xE0000000)
	if got := cfg.BarBase(0); got != 0xE0000000 {
		t.Fatalf("bar base = %#x", got)
	}
}

func TestPciInterruptPinIsReadOnly(t *testing.T) {
	p := newTestPlatform(t)
	bdf := Bdf{Device: 3}
	cfg := NewPciDeviceConfig(0x8086, 0x100E, 0x020000)
	p.PciCfg.Bus().AddDevice(bdf, cfg)
	p.PciIntx.ConfigureDeviceIntx(p.PciCfg.Bus(), bdf, PCI_INT_A)

	pinBefore := cfg.InterruptPin()
	cfg.Write(PCI_REG_INTR_PIN, 1, 0x04)
	if cfg.InterruptPin() != pinBefore {
		t.Fatal("interrupt pin writable at runtime")
	}
}

func TestIntxSwizzleAndLineStamping(t *testing.T) {
	r := NewPciIntxRouter()
	// device 3, INTA: PIRQ = (3 + 1 - 1) mod 4 = 3 -> GSI 13.
	if gsi := r.GsiForIntx(Bdf{Device: 3}, PCI_INT_A); gsi != 13 {
		t.Fatalf("gsi = %d, want 13", gsi)
	}
	// device 4, INTA: PIRQ 0 -> GSI 10.
	if gsi := r.GsiForIntx(Bdf{Device: 4}, PCI_INT_A); gsi != 10 {
		t.Fatalf("gsi = %d, want 10", gsi)
	}
	// device 3, INTB swizzles one line over.
	if gsi := r.GsiForIntx(Bdf{Device: 3}, PCI_INT_B); gsi != 10 {
		t.Fatalf("gsi = %d, want 10", gsi)
	}

	bus := NewPciBus()
	bdf := Bdf{Device: 3}
	cfg := NewPciDeviceConfig(0x8086, 0x100E, 0x020000)
	bus.AddDevice(bdf, cfg)
	r.ConfigureDeviceIntx(bus, bdf, PCI_INT_A)
	if cfg.InterruptPin() != PCI_INT_A || cfg.InterruptLine() != 13 {
		t.Fatalf("pin/line = %d/%d", cfg.InterruptPin(), cfg.InterruptLine())
	}
}

func TestIntxLevelSampling(t *testing.T) {
	p := newTestPlatform(t)
	level := false
	bdf := Bdf{Device: 3}
	p.PciIntx.RegisterPciIntxSource(bdf, PCI_INT_A, func() bool { return level })
	gsi := p.PciIntx.GsiForIntx(bdf, PCI_INT_A)

	// Route the GSI through the PIC for observability.
	p.Interrupts.Pic.SetOffsets(0x20, 0x28)
	p.Interrupts.Pic.SetMasked(2, false)
	p.Interrupts.Pic.SetMasked(gsi, false)

	p.PollPciIntxLines()
	if _, ok := p.Interrupts.GetPending(); ok {
		t.Fatal("pending interrupt with line deasserted")
	}

	level = true
	p.PollPciIntxLines()
	v, ok := p.Interrupts.GetPending()
	if !ok {
		t.Fatal("line assertion not sampled")
	}
	want := uint8(0x28 + gsi - 8)
	if v != want {
		t.Fatalf("vector = %#x, want %#x", v, want)
	}

	// Level sources re-pend after acknowledge until deasserted.
	p.Interrupts.PollInterrupt()
	if _, ok := p.Interrupts.GetPending(); !ok {
		t.Fatal("held level line dropped after acknowledge")
	}
	level = false
	p.PollPciIntxLines()
	if _, ok := p.Interrupts.GetPending(); ok {
		t.Fatal("pending interrupt after deassert")
	}
}

func TestPlatformResetClearsTransportButKeepsBackends(t *testing.T) {
	p := newTestPlatform(t)
	disk, err := OpenDiskAuto(NewMemBackendFromBytes(make([]byte, 1024*1024)))
	if err != nil {
		t.Fatal(err)
	}
	ide := AttachIde(p, disk)
	ide.lbaLow = 42
	ide.status = IDE_STATUS_DRQ

	p.SetA20Enabled(true)
	p.RequestReset(RESET_EVENT_SYSTEM)
	p.Reset()

	if ide.lbaLow != 0 || ide.status != IDE_STATUS_DRDY {
		t.Fatal("IDE transport state survived reset")
	}
	if ide.disk != disk {
		t.Fatal("disk backend detached by reset")
	}
	if p.A20Enabled() {
		t.Fatal("A20 latch survived reset")
	}
	if evs := p.TakeResetEvents(); len(evs) != 0 {
		t.Fatal("reset queue survived reset")
	}
}

func TestMmioOverlayWinsOverRam(t *testing.T) {
	p := newTestPlatform(t)
	p.Memory.WriteU32(0x5000, 0x11111111)

	probe := &recordingMmio{value: 0xDEADBEEF}
	p.MapMmio(0x5000, 0x6000, probe)

	if v, ok := p.ReadPhys(0x5000, 4); !ok || uint32(v) != 0xDEADBEEF {
		t.Fatalf("mmio read = %#x ok=%v", v, ok)
	}
	p.WritePhys(0x5000, 4, 0x22222222)
	if probe.lastWrite != 0x22222222 {
		t.Fatal("write did not reach the MMIO handler")
	}
	// RAM underneath is untouched.
	if v, _ := p.Memory.ReadU32(0x5000); v != 0x11111111 {
		t.Fatalf("ram = %#x", v)
	}
}

type recordingMmio struct {
	value     uint64
	lastWrite uint64
}

func (r *recordingMmio) MmioRead(addr uint64, size int) uint64 { return r.value }

func (r *recordingMmio) MmioWrite(addr uint64, size int, v uint64) { r.lastWrite = v }
