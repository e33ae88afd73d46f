// intc.go - Interrupt controllers (dual 8259 PIC, IOAPIC/LAPIC subset)

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
intc.go - Interrupt Controllers

The legacy dual 8259 PIC carries the platform's interrupt routing for GSIs
0-15 (with the usual IRQ2 cascade); GSIs 16-23 go through a minimal IOAPIC
redirection table that feeds the same pending-vector view. Level-triggered
sources are modeled as held lines: the platform re-samples PCI INTx levels
every slice, so a still-asserted line re-pends after acknowledge.
*/

package main

const GSI_COUNT = 24

// InterruptController is the CPU-facing poll interface.
type InterruptController interface {
	// SetIrqLevel drives a level-triggered source.
	SetIrqLevel(gsi int, level bool)
	// RaiseEdge pulses an edge-triggered source (timers).
	RaiseEdge(gsi int)
	// GetPending returns the highest-priority deliverable vector without
	// acknowledging it.
	GetPending() (uint8, bool)
	// PollInterrupt acknowledges and returns the next vector.
	PollInterrupt() (uint8, bool)
}

// Pic is the dual 8259 pair.
type Pic struct {
	offsets [2]uint8
	imr     [2]uint8
	irr     [2]uint8
	isr     [2]uint8
	level   [2]uint8 // held level-triggered lines
	initSeq [2]int   // ICW handshake progress
}

func NewPic() *Pic {
	p := &Pic{}
	p.offsets = [2]uint8{0x08, 0x70}
	p.imr = [2]uint8{0xFF, 0xFF}
	return p
}

func (p *Pic) Reset() {
	*p = *NewPic()
}

func (p *Pic) SetOffsets(master, slave uint8) {
	p.offsets = [2]uint8{master, slave}
}

func (p *Pic) SetMasked(irq int, masked bool) {
	chip, bit := irq/8, uint8(1)<<(irq%8)
	if masked {
		p.imr[chip] |= bit
	} else {
		p.imr[chip] &^= bit
	}
}

func (p *Pic) SetIrqLevel(irq int, level bool) {
	chip, bit := irq/8, uint8(1)<<(irq%8)
	if level {
		p.level[chip] |= bit
		p.irr[chip] |= bit
	} else {
		p.level[chip] &^= bit
		p.irr[chip] &^= bit
	}
}

func (p *Pic) RaiseEdge(irq int) {
	chip, bit := irq/8, uint8(1)<<(irq%8)
	p.irr[chip] |= bit
}

// pendingIrq returns the lowest pending unmasked IRQ (0-15), honoring the
// cascade: slave interrupts require IRQ2 unmasked.
func (p *Pic) pendingIrq() (int, bool) {
	for irq := 0; irq < 16; irq++ {
		chip, bit := irq/8, uint8(1)<<(irq%8)
		if p.irr[chip]&bit == 0 || p.imr[chip]&bit != 0 {
			continue
		}
		if chip == 1 && p.imr[0]&(1<<2) != 0 {
			continue
		}
		return irq, true
	}
	return 0, false
}

func (p *Pic) GetPending() (uint8, bool) {
	irq, ok := p.pendingIrq()
	if !ok {
		return 0, false
	}
	return p.vectorFor(irq), true
}

func (p *Pic) vectorFor(irq int) uint8 {
	if irq < 8 {
		return p.offsets[0] + uint8(irq)
	}
	return p.offsets[1] + uint8(irq-8)
}

func (p *Pic) PollInterrupt() (uint8, bool) {
	irq, ok := p.pendingIrq()
	if !ok {
		return 0, false
	}
	chip, bit := irq/8, uint8(1)<<(irq%8)
	p.isr[chip] |= bit
	// Edge component clears on acknowledge; held levels re-pend.
	if p.level[chip]&bit == 0 {
		p.irr[chip] &^= bit
	}
	return p.vectorFor(irq), true
}

func (p *Pic) Eoi(chip int) {
	// Non-specific EOI: clear the highest in-service bit.
	for b := 0; b < 8; b++ {
		if p.isr[chip]&(1<<b) != 0 {
			p.isr[chip] &^= 1 << b
			return
		}
	}
}

// Port handlers for 0x20/0x21 (master) and 0xA0/0xA1 (slave).
func (p *Pic) IoRead(port uint16, size int) uint64 {
	chip := 0
	if port >= 0xA0 {
		chip = 1
	}
	if port&1 == 0 {
		return uint64(p.irr[chip])
	}
	return uint64(p.imr[chip])
}

func (p *Pic) IoWrite(port uint16, size int, value uint64) {
	chip := 0
	if port >= 0xA0 {
		chip = 1
	}
	v := uint8(value)
	if port&1 == 0 {
		switch {
		case v&0x10 != 0: // ICW1
			p.initSeq[chip] = 1
			p.imr[chip] = 0
		case v == 0x20: // non-specific EOI
			p.Eoi(chip)
		}
		return
	}
	// Data port: ICW2..4 then OCW1 (mask).
	switch p.initSeq[chip] {
	case 1:
		p.offsets[chip] = v & 0xF8
		p.initSeq[chip] = 2
	case 2:
		p.initSeq[chip] = 3
	case 3:
		p.initSeq[chip] = 0
	default:
		p.imr[chip] = v
	}
}

// IoApic is a reduced redirection table for GSIs 16-23.
type ioApicEntry struct {
	vector uint8
	masked bool
}

type IoApic struct {
	entries [GSI_COUNT]ioApicEntry
	pending []uint8
	level   [GSI_COUNT]bool
}

func NewIoApic() *IoApic {
	a := &IoApic{}
	for i := range a.entries {
		a.entries[i].masked = true
	}
	return a
}

func (a *IoApic) Reset() { *a = *NewIoApic() }

func (a *IoApic) Configure(gsi int, vector uint8, masked bool) {
	a.entries[gsi] = ioApicEntry{vector: vector, masked: masked}
}

func (a *IoApic) SetIrqLevel(gsi int, level bool) {
	was := a.level[gsi]
	a.level[gsi] = level
	if level && !was {
		a.deliver(gsi)
	}
}

func (a *IoApic) RaiseEdge(gsi int) { a.deliver(gsi) }

func (a *IoApic) deliver(gsi int) {
	e := a.entries[gsi]
	if e.masked {
		return
	}
	a.pending = append(a.pending, e.vector)
}

func (a *IoApic) GetPending() (uint8, bool) {
	if len(a.pending) == 0 {
		return 0, false
	}
	return a.pending[0], true
}

func (a *IoApic) PollInterrupt() (uint8, bool) {
	if len(a.pending) == 0 {
		return 0, false
	}
	v := a.pending[0]
	a.pending = a.pending[1:]
	return v, true
}

// PlatformInterrupts fronts the PIC for GSIs <16 and the IOAPIC above.
type PlatformInterrupts struct {
	Pic    *Pic
	IoApic *IoApic
}

func NewPlatformInterrupts() *PlatformInterrupts {
	return &PlatformInterrupts{Pic: NewPic(), IoApic: NewIoApic()}
}

func (pi *PlatformInterrupts) Reset() {
	pi.Pic.Reset()
	pi.IoApic.Reset()
}

func (pi *PlatformInterrupts) SetIrqLevel(gsi int, level bool) {
	if gsi < 16 {
		pi.Pic.SetIrqLevel(gsi, level)
		return
	}
	if gsi < GSI_COUNT {
		pi.IoApic.SetIrqLevel(gsi, level)
	}
}

func (pi *PlatformInterrupts) RaiseEdge(gsi int) {
	if gsi < 16 {
		pi.Pic.RaiseEdge(gsi)
		return
	}
	if gsi < GSI_COUNT {
		pi.IoApic.RaiseEdge(gsi)
	}
}

func (pi *PlatformInterrupts) GetPending() (uint8, bool) {
	if v, ok := pi.Pic.GetPending(); ok {
		return v, true
	}
	return pi.IoApic.GetPending()
}

func (pi *PlatformInterrupts) PollInterrupt() (uint8, bool) {
	if v, ok := pi.Pic.PollInterrupt(); ok {
		return v, true
	}
	return pi.IoApic.PollInterrupt()
}
