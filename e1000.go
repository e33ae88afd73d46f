// e1000.go - Intel 82540EM (E1000) network interface

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
e1000.go - E1000 NIC

Legacy descriptor rings over MMIO BAR0 plus the IOADDR/IODATA window in
I/O BAR1. DMA is gated on COMMAND.BME. The TX pump drains descriptors
TDH→TDT, hands frames to the network backend (or drops them when none is
attached, still completing descriptors), writes back DD and raises TXDW.
The RX pump fills guest buffers from backend frames and raises RXT0. The
INTx level is (ICR & IMS) != 0, sampled by the platform's INTx router.
*/

package main

import "encoding/binary"

const (
	E1000_VENDOR  = 0x8086
	E1000_DEVICE  = 0x100E
	E1000_BDF_DEV = 3

	E1000_BAR0_SIZE = 0x20000
	E1000_BAR1_SIZE = 8

	E1000_REG_CTRL   = 0x0000
	E1000_REG_STATUS = 0x0008
	E1000_REG_ICR    = 0x00C0
	E1000_REG_ICS    = 0x00C8
	E1000_REG_IMS    = 0x00D0
	E1000_REG_IMC    = 0x00D8
	E1000_REG_RCTL   = 0x0100
	E1000_REG_TCTL   = 0x0400
	E1000_REG_RDBAL  = 0x2800
	E1000_REG_RDBAH  = 0x2804
	E1000_REG_RDLEN  = 0x2808
	E1000_REG_RDH    = 0x2810
	E1000_REG_RDT    = 0x2818
	E1000_REG_TDBAL  = 0x3800
	E1000_REG_TDBAH  = 0x3804
	E1000_REG_TDLEN  = 0x3808
	E1000_REG_TDH    = 0x3810
	E1000_REG_TDT    = 0x3818
	E1000_REG_RAL0   = 0x5400
	E1000_REG_RAH0   = 0x5404

	ICR_TXDW = 1 << 0
	ICR_RXT0 = 1 << 7

	E1000_TCTL_EN = 1 << 1
	E1000_RCTL_EN = 1 << 1

	E1000_TXD_CMD_EOP  = 1 << 0
	E1000_TXD_CMD_RS   = 1 << 3
	E1000_TXD_STAT_DD  = 1 << 0
	E1000_RXD_STAT_DD  = 1 << 0
	E1000_RXD_STAT_EOP = 1 << 1

	E1000_MAX_FRAMES_PER_POLL = 64
)

// NetworkBackend moves L2 frames between the NIC model and the host.
type NetworkBackend interface {
	// Transmit hands a guest frame to the host side.
	Transmit(frame []byte)
	// Receive returns the next host frame destined for the guest.
	Receive() ([]byte, bool)
}

// DiscardBackend drops TX and never receives: the default when no network
// is attached (descriptors still complete).
type DiscardBackend struct{}

func (DiscardBackend) Transmit([]byte)         {}
func (DiscardBackend) Receive() ([]byte, bool) { return nil, false }

// FrameRingBackend is a bounded in-memory frame ring pair, used by tests
// and by the loopback wiring.
type FrameRingBackend struct {
	tx [][]byte
	rx [][]byte
}

func NewFrameRingBackend() *FrameRingBackend { return &FrameRingBackend{} }

func (b *FrameRingBackend) Transmit(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	b.tx = append(b.tx, cp)
}

func (b *FrameRingBackend) Receive() ([]byte, bool) {
	if len(b.rx) == 0 {
		return nil, false
	}
	f := b.rx[0]
	b.rx = b.rx[1:]
	return f, true
}

// TakeTransmitted drains frames the guest sent.
func (b *FrameRingBackend) TakeTransmitted() [][]byte {
	out := b.tx
	b.tx = nil
	return out
}

// PushReceive queues a frame for guest RX.
func (b *FrameRingBackend) PushReceive(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	b.rx = append(b.rx, cp)
}

type E1000 struct {
	platform *Platform
	cfg      *PciDeviceConfig
	bdf      Bdf
	backend  NetworkBackend
	mac      [6]byte

	regs map[uint32]uint32
	icr  uint32
	ims  uint32

	ioAddrLatch uint32
}

func AttachE1000(p *Platform, mac [6]byte) *E1000 {
	d := &E1000{
		platform: p,
		bdf:      Bdf{Device: E1000_BDF_DEV},
		backend:  DiscardBackend{},
		mac:      mac,
		regs:     make(map[uint32]uint32),
	}
	d.cfg = NewPciDeviceConfig(E1000_VENDOR, E1000_DEVICE, 0x020000)
	d.cfg.SetBar(0, PCI_BAR_MEM32, E1000_BAR0_SIZE)
	d.cfg.SetBar(1, PCI_BAR_IO, E1000_BAR1_SIZE)
	p.PciCfg.Bus().AddDevice(d.bdf, d.cfg)
	p.PciIntx.RegisterPciIntxSource(d.bdf, PCI_INT_A, d.IrqLevel)
	p.MapPciMmioBar(d.cfg, 0, E1000_BAR0_SIZE, d)
	p.Io.Map(0xC000, 0xCEFF, d)
	p.Nic = d
	p.RegisterDevice(d)
	return d
}

func (d *E1000) SetBackend(b NetworkBackend) {
	if b == nil {
		b = DiscardBackend{}
	}
	d.backend = b
}

func (d *E1000) Reset() {
	d.regs = make(map[uint32]uint32)
	d.icr = 0
	d.ims = 0
	d.ioAddrLatch = 0
}

// IrqLevel reports the INTx line state.
func (d *E1000) IrqLevel() bool { return d.icr&d.ims != 0 }

func (d *E1000) readReg(reg uint32) uint32 {
	switch reg {
	case E1000_REG_ICR:
		v := d.icr
		d.icr = 0 // read-to-clear
		return v
	case E1000_REG_IMS:
		return d.ims
	case E1000_REG_STATUS:
		return 0x80080783 // link up, full duplex
	case E1000_REG_RAL0:
		return binary.LittleEndian.Uint32(d.mac[0:4])
	case E1000_REG_RAH0:
		return uint32(d.mac[4]) | uint32(d.mac[5])<<8 | 1<<31
	}
	return d.regs[reg]
}

func (d *E1000) writeReg(reg uint32, v uint32) {
	switch reg {
	case E1000_REG_ICS:
		d.icr |= v
	case E1000_REG_IMS:
		d.ims |= v
	case E1000_REG_IMC:
		d.ims &^= v
	case E1000_REG_ICR:
		d.icr &^= v
	default:
		d.regs[reg] = v
	}
}

// MmioRead/MmioWrite implement BAR0 register access.
func (d *E1000) MmioRead(addr uint64, size int) uint64 {
	return uint64(d.readReg(uint32(addr&^3))) & maskForSize(size)
}

func (d *E1000) MmioWrite(addr uint64, size int, value uint64) {
	d.writeReg(uint32(addr&^3), uint32(value))
}

// BAR1: IOADDR at +0, IODATA at +4.
func (d *E1000) ioBarOffset(port uint16) (int, bool) {
	base := d.cfg.BarBase(1)
	if base == 0 || uint64(port) < base || uint64(port) >= base+E1000_BAR1_SIZE {
		return 0, false
	}
	return int(uint64(port) - base), true
}

func (d *E1000) DecodesPort(port uint16) bool {
	_, ok := d.ioBarOffset(port)
	return ok
}

func (d *E1000) IoRead(port uint16, size int) uint64 {
	off, ok := d.ioBarOffset(port)
	if !ok {
		return maskForSize(size)
	}
	if off < 4 {
		return uint64(d.ioAddrLatch)
	}
	return uint64(d.readReg(d.ioAddrLatch))
}

func (d *E1000) IoWrite(port uint16, size int, value uint64) {
	off, ok := d.ioBarOffset(port)
	if !ok {
		return
	}
	if off < 4 {
		d.ioAddrLatch = uint32(value)
		return
	}
	d.writeReg(d.ioAddrLatch, uint32(value))
}

// ProcessDma pumps TX then RX within the per-poll frame budgets.
func (d *E1000) ProcessDma() {
	if d.cfg.Command()&PCI_COMMAND_BME == 0 {
		return
	}
	d.pumpTx()
	d.pumpRx()
}

func (d *E1000) pumpTx() {
	if d.regs[E1000_REG_TCTL]&E1000_TCTL_EN == 0 {
		return
	}
	base := uint64(d.regs[E1000_REG_TDBAL]) | uint64(d.regs[E1000_REG_TDBAH])<<32
	count := d.regs[E1000_REG_TDLEN] / 16
	if base == 0 || count == 0 {
		return
	}
	mem := d.platform.Memory
	head := d.regs[E1000_REG_TDH]
	tail := d.regs[E1000_REG_TDT]

	var frame []byte
	completed := false
	for budget := 0; head != tail && budget < E1000_MAX_FRAMES_PER_POLL; budget++ {
		var raw [16]byte
		if err := mem.ReadPhysical(base+uint64(head)*16, raw[:]); err != nil {
			return
		}
		addr := binary.LittleEndian.Uint64(raw[0:8])
		length := binary.LittleEndian.Uint16(raw[8:10])
		cmd := raw[11]

		payload := make([]byte, length)
		if err := mem.ReadPhysical(addr, payload); err != nil {
			return
		}
		frame = append(frame, payload...)
		if cmd&E1000_TXD_CMD_EOP != 0 {
			d.backend.Transmit(frame)
			frame = nil
		}
		if cmd&E1000_TXD_CMD_RS != 0 {
			raw[12] |= E1000_TXD_STAT_DD
			mem.WritePhysical(base+uint64(head)*16, raw[:])
			completed = true
		}
		head = (head + 1) % count
	}
	d.regs[E1000_REG_TDH] = head
	if completed {
		d.icr |= ICR_TXDW
	}
}

func (d *E1000) pumpRx() {
	if d.regs[E1000_REG_RCTL]&E1000_RCTL_EN == 0 {
		return
	}
	base := uint64(d.regs[E1000_REG_RDBAL]) | uint64(d.regs[E1000_REG_RDBAH])<<32
	count := d.regs[E1000_REG_RDLEN] / 16
	if base == 0 || count == 0 {
		return
	}
	mem := d.platform.Memory
	head := d.regs[E1000_REG_RDH]
	tail := d.regs[E1000_REG_RDT]

	received := false
	for budget := 0; budget < E1000_MAX_FRAMES_PER_POLL; budget++ {
		if head == tail {
			break
		}
		frame, ok := d.backend.Receive()
		if !ok {
			break
		}
		var raw [16]byte
		if err := mem.ReadPhysical(base+uint64(head)*16, raw[:]); err != nil {
			return
		}
		addr := binary.LittleEndian.Uint64(raw[0:8])
		if err := mem.WritePhysical(addr, frame); err != nil {
			return
		}
		binary.LittleEndian.PutUint16(raw[8:10], uint16(len(frame)))
		raw[12] = E1000_RXD_STAT_DD | E1000_RXD_STAT_EOP
		mem.WritePhysical(base+uint64(head)*16, raw[:])
		head = (head + 1) % count
		received = true
	}
	d.regs[E1000_REG_RDH] = head
	if received {
		d.icr |= ICR_RXT0
	}
}
