// bios.go - Firmware: POST, BDA timekeeping and INT services

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
bios.go - Firmware

POST maps the BIOS ROM window, seeds the IVT and BDA, enumerates PCI
(assigning BAR bases and INTx lines deterministically), loads the boot
sector to 0000:7C00 and transfers control. INT 10h/12h/13h/15h/16h/1Ah are
serviced host-side when the interpreter reports a BIOS interrupt exit. BDA
timekeeping advances alongside platform time so INT 1Ah observes a
progressing clock without depending on PIT interrupt delivery.
*/

package main

import "encoding/binary"

const (
	BIOS_ROM_BASE  = 0xF0000
	BIOS_ROM_SIZE  = 0x10000
	BIOS_STUB_IP   = 0xFF53 // classic dummy-IRET offset
	BDA_BASE       = 0x400
	BDA_TICK_COUNT = 0x46C
	BOOT_SECTOR_LA = 0x7C00

	// PCI resource assignment windows.
	BIOS_PCI_MMIO_BASE = 0xE000_0000
	BIOS_PCI_IO_BASE   = 0xC000

	BDA_TICK_HZ_NUM = 1193182
	BDA_TICK_HZ_DEN = 65536
)

type BiosConfig struct {
	MemorySizeBytes uint64
}

// Bios is the host-side firmware implementation.
type Bios struct {
	cfg BiosConfig

	// Fractional nanoseconds pending toward the next BDA tick.
	tickRemainderNs uint64

	rom []byte
}

func NewBios(cfg BiosConfig) *Bios {
	b := &Bios{cfg: cfg}
	b.rom = make([]byte, BIOS_ROM_SIZE)
	// The ROM is a stub: every serviced vector points at an IRET.
	b.rom[BIOS_STUB_IP] = 0xCF
	return b
}

// HandlesVector reports which real-mode INT vectors firmware services.
func (b *Bios) HandlesVector(vector uint8) bool {
	switch vector {
	case 0x10, 0x12, 0x13, 0x15, 0x16, 0x1A:
		return true
	}
	return false
}

// Post runs power-on self test against a platform and boot disk.
func (b *Bios) Post(s *CpuState, p *Platform, disk *DiskImage) {
	mem := p.Memory

	// BIOS ROM window; identical remaps across resets are idempotent.
	if err := mem.MapRom(BIOS_ROM_BASE, b.rom); err != nil {
		panic("unexpected ROM mapping failure: " + err.Error())
	}

	// IVT: all vectors to the ROM stub.
	for v := 0; v < 256; v++ {
		mem.WriteU16(uint64(v)*4, BIOS_STUB_IP)
		mem.WriteU16(uint64(v)*4+2, 0xF000)
	}

	// BDA: equipment word, base memory KiB, tick count.
	mem.WriteU16(BDA_BASE+0x10, 0x0021)
	baseKb := uint16(640)
	if b.cfg.MemorySizeBytes < 640*1024 {
		baseKb = uint16(b.cfg.MemorySizeBytes / 1024)
	}
	mem.WriteU16(BDA_BASE+0x13, baseKb)
	mem.WriteU32(BDA_TICK_COUNT, 0)

	b.enumeratePci(p)

	// Boot: first sector of the canonical disk to 0000:7C00.
	if disk != nil && disk.CapacityBytes() >= SECTOR_SIZE {
		if sector, err := ReadSectors(disk, 0, 1); err == nil {
			mem.WritePhysical(BOOT_SECTOR_LA, sector)
		}
	}

	for i := range s.Segments {
		s.Segments[i] = SegmentRegister{Limit: 0xFFFF}
	}
	s.Rip = BOOT_SECTOR_LA
	s.SetStackPtr(0x7000)
	s.Gprs[GPR_RDX] = 0x80 // boot drive
	s.Mode = MODE_REAL
	s.Halted = false
}

// enumeratePci assigns BAR bases and INTx routing deterministically.
func (b *Bios) enumeratePci(p *Platform) {
	mmioBase := uint32(BIOS_PCI_MMIO_BASE)
	ioBase := uint32(BIOS_PCI_IO_BASE)

	bus := p.PciCfg.Bus()
	for _, bdf := range bus.Devices() {
		cfg := bus.DeviceConfig(bdf)
		for i := 0; i < PCI_BAR_COUNT; i++ {
			spec := cfg.bars[i]
			if spec.Size == 0 {
				continue
			}
			if spec.Kind == PCI_BAR_IO {
				ioBase = (ioBase + spec.Size - 1) &^ (spec.Size - 1)
				cfg.SetBarBase(i, ioBase)
				ioBase += spec.Size
			} else {
				mmioBase = (mmioBase + spec.Size - 1) &^ (spec.Size - 1)
				cfg.SetBarBase(i, mmioBase)
				mmioBase += spec.Size
			}
		}
		cfg.SetCommand(PCI_COMMAND_IO | PCI_COMMAND_MEM | PCI_COMMAND_BME)
		if pin := cfg.InterruptPin(); pin != PCI_INT_NONE {
			p.PciIntx.ConfigureDeviceIntx(bus, bdf, pin)
		}
	}
}

// AdvanceTime moves the BDA tick counter alongside platform time.
func (b *Bios) AdvanceTime(mem GuestMemory, deltaNs uint64) {
	total := b.tickRemainderNs + deltaNs
	// One BDA tick is 65536/1193182 seconds (~54.9 ms).
	const tickNs = uint64(1_000_000_000) * BDA_TICK_HZ_DEN / BDA_TICK_HZ_NUM
	ticks := total / tickNs
	b.tickRemainderNs = total % tickNs
	if ticks == 0 {
		return
	}
	cur, err := mem.ReadU32(BDA_TICK_COUNT)
	if err != nil {
		return
	}
	mem.WriteU32(BDA_TICK_COUNT, cur+uint32(ticks))
}

// DispatchInterrupt services a BIOS INT raised by the interpreter.
func (b *Bios) DispatchInterrupt(vector uint8, s *CpuState, p *Platform, disk *DiskImage) {
	switch vector {
	case 0x10:
		b.int10Video(s, p)
	case 0x12:
		kb, _ := p.Memory.ReadU16(BDA_BASE + 0x13)
		s.WriteGpr(GPR_RAX, 2, false, uint64(kb))
	case 0x13:
		b.int13Disk(s, p, disk)
	case 0x15:
		b.int15System(s, p)
	case 0x16:
		// Keyboard: report no key pending.
		s.SetFlag(RFLAGS_ZF, true)
		s.WriteGpr(GPR_RAX, 2, false, 0)
	case 0x1A:
		b.int1aTime(s, p)
	}
}

func (b *Bios) int10Video(s *CpuState, p *Platform) {
	ah := uint8(s.ReadGpr(GPR_RAX, 2, false) >> 8)
	switch ah {
	case 0x0E: // teletype: mirror to the serial console
		p.Io.Write(SERIAL_COM1_BASE, 1, s.ReadGpr(GPR_RAX, 1, false))
	case 0x00, 0x02, 0x03:
		// Mode set / cursor: accepted, no video surface modeled.
	}
}

func (b *Bios) int13Disk(s *CpuState, p *Platform, disk *DiskImage) {
	setStatus := func(err uint8) {
		s.WriteGpr(GPR_RAX, 1, false, 0) // AL
		cur := s.ReadGpr(GPR_RAX, 2, false)
		s.WriteGpr(GPR_RAX, 2, false, (cur&0xFF)|uint64(err)<<8)
		s.SetFlag(RFLAGS_CF, err != 0)
	}

	if disk == nil || disk.CapacityBytes() == 0 {
		setStatus(0x01)
		return
	}

	ah := uint8(s.ReadGpr(GPR_RAX, 2, false) >> 8)
	switch ah {
	case 0x00: // reset
		setStatus(0)

	case 0x02, 0x03: // CHS read/write
		count := int(s.ReadGpr(GPR_RAX, 1, false))
		cx := s.ReadGpr(GPR_RCX, 2, false)
		dh := uint8(s.ReadGpr(GPR_RDX, 2, false) >> 8)
		cylinder := (cx >> 8) | ((cx & 0xC0) << 2)
		sector := cx & 0x3F
		if sector == 0 || count == 0 {
			setStatus(0x01)
			return
		}
		// Fixed geometry: 16 heads, 63 sectors per track.
		lba := (cylinder*16+uint64(dh))*63 + sector - 1
		dest := s.Segments[SEG_ES].Base + s.ReadGpr(GPR_RBX, 2, false)

		buf := make([]byte, count*SECTOR_SIZE)
		if ah == 0x02 {
			if err := disk.ReadAt(lba*SECTOR_SIZE, buf); err != nil {
				setStatus(0x04)
				return
			}
			p.Memory.WritePhysical(dest, buf)
		} else {
			p.Memory.ReadPhysical(dest, buf)
			if err := disk.WriteAt(lba*SECTOR_SIZE, buf); err != nil {
				setStatus(0x04)
				return
			}
		}
		setStatus(0)
		s.WriteGpr(GPR_RAX, 1, false, uint64(count))

	case 0x08: // drive parameters
		s.WriteGpr(GPR_RCX, 2, false, 0xFFC0|63)
		s.WriteGpr(GPR_RDX, 2, false, 0x0F01) // 16 heads, 1 drive
		setStatus(0)

	case 0x41: // extensions check
		s.WriteGpr(GPR_RBX, 2, false, 0xAA55)
		s.WriteGpr(GPR_RCX, 2, false, 0x0001)
		setStatus(0)

	case 0x42, 0x43: // LBA read/write via DAP at DS:SI
		dap := s.Segments[SEG_DS].Base + s.ReadGpr(GPR_RSI, 2, false)
		var raw [16]byte
		if err := p.Memory.ReadPhysical(dap, raw[:]); err != nil {
			setStatus(0x01)
			return
		}
		count := int(binary.LittleEndian.Uint16(raw[2:4]))
		off := uint64(binary.LittleEndian.Uint16(raw[4:6]))
		seg := uint64(binary.LittleEndian.Uint16(raw[6:8]))
		lba := binary.LittleEndian.Uint64(raw[8:16])
		dest := seg<<4 + off

		buf := make([]byte, count*SECTOR_SIZE)
		if ah == 0x42 {
			if err := disk.ReadAt(lba*SECTOR_SIZE, buf); err != nil {
				setStatus(0x04)
				return
			}
			p.Memory.WritePhysical(dest, buf)
		} else {
			p.Memory.ReadPhysical(dest, buf)
			if err := disk.WriteAt(lba*SECTOR_SIZE, buf); err != nil {
				setStatus(0x04)
				return
			}
		}
		setStatus(0)

	default:
		setStatus(0x01)
	}
}

func (b *Bios) int15System(s *CpuState, p *Platform) {
	ax := s.ReadGpr(GPR_RAX, 2, false)
	eax := s.ReadGpr(GPR_RAX, 4, false)

	if eax == 0xE820 && s.ReadGpr(GPR_RDX, 4, false) == 0x534D4150 { // "SMAP"
		// Two entries: base memory and extended memory above 1 MiB.
		idx := s.ReadGpr(GPR_RBX, 4, false)
		dest := s.Segments[SEG_ES].Base + s.ReadGpr(GPR_RDI, 2, false)
		var entry [24]byte
		switch idx {
		case 0:
			binary.LittleEndian.PutUint64(entry[8:], 640*1024)
			binary.LittleEndian.PutUint32(entry[16:], 1) // usable
			s.WriteGpr(GPR_RBX, 4, false, 1)
		case 1:
			binary.LittleEndian.PutUint64(entry[0:], 1024*1024)
			size := b.cfg.MemorySizeBytes - 1024*1024
			binary.LittleEndian.PutUint64(entry[8:], size)
			binary.LittleEndian.PutUint32(entry[16:], 1)
			s.WriteGpr(GPR_RBX, 4, false, 0)
		default:
			s.SetFlag(RFLAGS_CF, true)
			return
		}
		p.Memory.WritePhysical(dest, entry[:])
		s.WriteGpr(GPR_RAX, 4, false, 0x534D4150)
		s.WriteGpr(GPR_RCX, 4, false, 24)
		s.SetFlag(RFLAGS_CF, false)
		return
	}

	switch ax >> 8 {
	case 0x88: // extended memory KiB above 1 MiB (capped)
		ext := b.cfg.MemorySizeBytes
		if ext > 1024*1024 {
			ext = (ext - 1024*1024) / 1024
		} else {
			ext = 0
		}
		if ext > 0xFFFF {
			ext = 0xFFFF
		}
		s.WriteGpr(GPR_RAX, 2, false, ext)
		s.SetFlag(RFLAGS_CF, false)
	case 0x24: // A20 gate services
		switch ax & 0xFF {
		case 0x00:
			p.SetA20Enabled(false)
			s.SetFlag(RFLAGS_CF, false)
		case 0x01:
			p.SetA20Enabled(true)
			s.SetFlag(RFLAGS_CF, false)
		case 0x02:
			v := uint64(0)
			if p.A20Enabled() {
				v = 1
			}
			s.WriteGpr(GPR_RAX, 1, false, v)
			s.SetFlag(RFLAGS_CF, false)
		default:
			s.SetFlag(RFLAGS_CF, true)
		}
	default:
		s.SetFlag(RFLAGS_CF, true)
	}
}

func (b *Bios) int1aTime(s *CpuState, p *Platform) {
	ah := uint8(s.ReadGpr(GPR_RAX, 2, false) >> 8)
	switch ah {
	case 0x00:
		ticks, _ := p.Memory.ReadU32(BDA_TICK_COUNT)
		s.WriteGpr(GPR_RCX, 2, false, uint64(ticks>>16))
		s.WriteGpr(GPR_RDX, 2, false, uint64(ticks&0xFFFF))
		s.WriteGpr(GPR_RAX, 1, false, 0) // no midnight rollover
		s.SetFlag(RFLAGS_CF, false)
	case 0x02: // RTC time
		secs := uint64(0)
		s.WriteGpr(GPR_RCX, 2, false, secs)
		s.SetFlag(RFLAGS_CF, false)
	default:
		s.SetFlag(RFLAGS_CF, true)
	}
}
