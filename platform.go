// platform.go - Platform fabric: memory/MMIO, ports, PCI, reset, time

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
platform.go - Platform Fabric

The Platform owns guest RAM with an MMIO overlay (MMIO wins on overlap),
the port I/O bus, PCI config space with the INTx router, the interrupt
controllers, the PIT/RTC timers and the chipset latches (A20 gate, reset
control). Reset requests are queued as events; the machine surfaces at
most one per slice. Device backends (disk images, ISOs, network) survive
reset; transport state is cleared through the device Reset tree and BAR
assignments plus INTx routing are restored deterministically by POST.
*/

package main

// MmioHandler services a physical address window.
type MmioHandler interface {
	MmioRead(addr uint64, size int) uint64
	MmioWrite(addr uint64, size int, value uint64)
}

type mmioRegion struct {
	start, end uint64 // [start, end)
	handler    MmioHandler
}

// ResetEvent is a queued chipset reset request.
type ResetEvent int

const (
	RESET_EVENT_CPU ResetEvent = iota
	RESET_EVENT_SYSTEM
)

// PlatformDevice participates in the reset tree.
type PlatformDevice interface {
	Reset()
}

// DmaDevice makes forward progress when pumped between CPU batches.
type DmaDevice interface {
	ProcessDma()
}

// Platform is the device/bus fabric below the Machine.
type Platform struct {
	Memory        GuestMemory
	mmio          []mmioRegion
	pciBars       []pciMmioBar
	scratchRegion mmioRegion

	Io         *IoBus
	PciCfg     *PciConfigPorts
	PciIntx    *PciIntxRouter
	Interrupts *PlatformInterrupts

	Pit *Pit
	Rtc *Rtc

	a20Enabled  bool
	resetEvents []ResetEvent

	devices []PlatformDevice

	// DMA-capable device pumps, in the fixed slice order.
	Ahci      DmaDevice
	Nvme      DmaDevice
	VirtioBlk DmaDevice
	Ide       DmaDevice
	Nic       DmaDevice
}

func NewPlatform(ram GuestMemory) *Platform {
	p := &Platform{
		Memory:     ram,
		Io:         NewIoBus(),
		PciIntx:    NewPciIntxRouter(),
		Interrupts: NewPlatformInterrupts(),
		Pit:        NewPit(),
		Rtc:        NewRtc(),
		a20Enabled: false,
	}
	p.PciCfg = NewPciConfigPorts(NewPciBus())

	p.Io.Map(0x20, 0x21, p.Interrupts.Pic)
	p.Io.Map(0xA0, 0xA1, p.Interrupts.Pic)
	p.Io.Map(0x40, 0x43, p.Pit)
	p.Io.Map(0x70, 0x71, p.Rtc)
	p.Io.Map(PCI_CFG_ADDR_PORT, PCI_CFG_ADDR_PORT+3, p.PciCfg)
	p.Io.Map(PCI_CFG_DATA_PORT, PCI_CFG_DATA_PORT+3, p.PciCfg)

	// System control port A: bit 1 is the A20 gate, bit 0 fast CPU reset.
	p.Io.Map(0x92, 0x92, &ioPortFuncs{
		read: func(uint16, int) uint64 {
			if p.a20Enabled {
				return 0x02
			}
			return 0
		},
		write: func(_ uint16, _ int, v uint64) {
			p.a20Enabled = v&0x02 != 0
			if v&0x01 != 0 {
				p.RequestReset(RESET_EVENT_CPU)
			}
		},
	})

	// Reset control port: bit 2 requests a full system reset.
	p.Io.Map(0xCF9, 0xCF9, &ioPortFuncs{
		write: func(_ uint16, _ int, v uint64) {
			if v&0x04 != 0 {
				p.RequestReset(RESET_EVENT_SYSTEM)
			}
		},
	})

	// Keyboard controller command port: 0xFE pulses the CPU reset line.
	p.Io.Map(0x64, 0x64, &ioPortFuncs{
		read: func(uint16, int) uint64 { return 0x1C },
		write: func(_ uint16, _ int, v uint64) {
			if uint8(v) == 0xFE {
				p.RequestReset(RESET_EVENT_CPU)
			}
		},
	})

	return p
}

// RegisterDevice adds a device to the reset tree.
func (p *Platform) RegisterDevice(d PlatformDevice) {
	p.devices = append(p.devices, d)
}

// MapMmio overlays a handler window on guest RAM.
func (p *Platform) MapMmio(start, end uint64, h MmioHandler) {
	p.mmio = append(p.mmio, mmioRegion{start: start, end: end, handler: h})
}

// pciMmioBar is an MMIO window whose base follows a programmable BAR.
type pciMmioBar struct {
	cfg     *PciDeviceConfig
	barIdx  int
	size    uint64
	handler MmioHandler
}

// MapPciMmioBar registers a handler window that tracks a device BAR; the
// window decodes wherever firmware (or the guest) programs the base, and
// only while memory decoding is enabled in COMMAND.
func (p *Platform) MapPciMmioBar(cfg *PciDeviceConfig, barIdx int, size uint64, h MmioHandler) {
	p.pciBars = append(p.pciBars, pciMmioBar{cfg: cfg, barIdx: barIdx, size: size, handler: h})
}

func (p *Platform) findMmio(addr uint64) *mmioRegion {
	for i := range p.mmio {
		if addr >= p.mmio[i].start && addr < p.mmio[i].end {
			return &p.mmio[i]
		}
	}
	for i := range p.pciBars {
		b := &p.pciBars[i]
		if b.cfg.Command()&PCI_COMMAND_MEM == 0 {
			continue
		}
		base := b.cfg.BarBase(b.barIdx)
		if base != 0 && addr >= base && addr < base+b.size {
			p.scratchRegion = mmioRegion{start: base, end: base + b.size, handler: b.handler}
			return &p.scratchRegion
		}
	}
	return nil
}

// ReadPhys/WritePhys route through MMIO before RAM.
func (p *Platform) ReadPhys(paddr uint64, size int) (uint64, bool) {
	if r := p.findMmio(paddr); r != nil {
		return r.handler.MmioRead(paddr-r.start, size), true
	}
	v, err := memReadSizedGuest(p.Memory, paddr, size)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (p *Platform) WritePhys(paddr uint64, size int, value uint64) bool {
	if r := p.findMmio(paddr); r != nil {
		r.handler.MmioWrite(paddr-r.start, size, value)
		return true
	}
	return memWriteSizedGuest(p.Memory, paddr, size, value) == nil
}

func (p *Platform) A20Enabled() bool { return p.a20Enabled }

func (p *Platform) SetA20Enabled(v bool) { p.a20Enabled = v }

func (p *Platform) RequestReset(ev ResetEvent) {
	p.resetEvents = append(p.resetEvents, ev)
}

// TakeResetEvents drains the queue, preserving order.
func (p *Platform) TakeResetEvents() []ResetEvent {
	evs := p.resetEvents
	p.resetEvents = nil
	return evs
}

// Reset clears transport state across the device tree. Memory contents are
// left to firmware POST; backends stay attached.
func (p *Platform) Reset() {
	p.Interrupts.Reset()
	p.Pit.Reset()
	p.Rtc.Reset()
	p.PciIntx.Reset(p.Interrupts)
	p.a20Enabled = false
	p.resetEvents = nil
	for _, d := range p.devices {
		d.Reset()
	}
}

// Tick advances programmable timers by deltaNs, expiring edges into the
// interrupt controller.
func (p *Platform) Tick(deltaNs uint64) {
	for i := p.Pit.Tick(deltaNs); i > 0; i-- {
		p.Interrupts.RaiseEdge(PIT_GSI)
	}
	for i := p.Rtc.Tick(deltaNs); i > 0; i-- {
		p.Interrupts.RaiseEdge(RTC_GSI)
	}
}

// PollPciIntxLines samples INTx sources into the interrupt controller.
func (p *Platform) PollPciIntxLines() {
	p.PciIntx.PollPciIntxLines(p.Interrupts)
}

// ProcessDmaDevices pumps every DMA-capable device in the fixed order.
func (p *Platform) ProcessDmaDevices() {
	for _, d := range []DmaDevice{p.Ahci, p.Nvme, p.VirtioBlk, p.Ide, p.Nic} {
		if d != nil {
			d.ProcessDma()
		}
	}
}

func memReadSizedGuest(m GuestMemory, paddr uint64, size int) (uint64, error) {
	switch size {
	case 1:
		v, err := m.ReadU8(paddr)
		return uint64(v), err
	case 2:
		v, err := m.ReadU16(paddr)
		return uint64(v), err
	case 4:
		v, err := m.ReadU32(paddr)
		return uint64(v), err
	default:
		return m.ReadU64(paddr)
	}
}

func memWriteSizedGuest(m GuestMemory, paddr uint64, size int, v uint64) error {
	switch size {
	case 1:
		return m.WriteU8(paddr, uint8(v))
	case 2:
		return m.WriteU16(paddr, uint16(v))
	case 4:
		return m.WriteU32(paddr, uint32(v))
	default:
		return m.WriteU64(paddr, v)
	}
}
