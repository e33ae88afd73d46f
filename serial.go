// serial.go - 16550 UART with a pluggable console backend

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

package main

const (
	SERIAL_COM1_BASE = 0x3F8
	SERIAL_COM1_GSI  = 4
)

// ConsoleBackend sinks UART output and sources input bytes.
type ConsoleBackend interface {
	WriteByte(b byte)
	// ReadByte returns the next pending input byte, if any.
	ReadByte() (byte, bool)
	// InputPending reports whether ReadByte would succeed.
	InputPending() bool
}

// SerialUart is a functional 16550 subset: THR/RBR, IER, LSR, scratch and
// divisor latch. Output bytes go straight to the backend; RX interrupts
// assert the COM1 line while input is pending and enabled.
type SerialUart struct {
	backend ConsoleBackend

	ier     uint8
	lcr     uint8
	mcr     uint8
	scratch uint8
	divisor uint16

	platform *Platform
}

func NewSerialUart(backend ConsoleBackend) *SerialUart {
	return &SerialUart{backend: backend, divisor: 1}
}

// AttachSerial wires COM1 into the platform.
func AttachSerial(p *Platform, backend ConsoleBackend) *SerialUart {
	u := NewSerialUart(backend)
	u.platform = p
	p.Io.Map(SERIAL_COM1_BASE, SERIAL_COM1_BASE+7, u)
	p.RegisterDevice(u)
	return u
}

func (u *SerialUart) Reset() {
	u.ier = 0
	u.lcr = 0
	u.mcr = 0
	u.scratch = 0
	u.divisor = 1
	u.syncIrq()
}

func (u *SerialUart) dlab() bool { return u.lcr&0x80 != 0 }

func (u *SerialUart) syncIrq() {
	if u.platform == nil {
		return
	}
	level := u.ier&0x01 != 0 && u.backend != nil && u.backend.InputPending()
	u.platform.Interrupts.SetIrqLevel(SERIAL_COM1_GSI, level)
}

func (u *SerialUart) IoRead(port uint16, size int) uint64 {
	defer u.syncIrq()
	switch port - SERIAL_COM1_BASE {
	case 0:
		if u.dlab() {
			return uint64(u.divisor & 0xFF)
		}
		if u.backend != nil {
			if b, ok := u.backend.ReadByte(); ok {
				return uint64(b)
			}
		}
		return 0
	case 1:
		if u.dlab() {
			return uint64(u.divisor >> 8)
		}
		return uint64(u.ier)
	case 2:
		return 0x01 // no interrupt pending (IIR)
	case 3:
		return uint64(u.lcr)
	case 4:
		return uint64(u.mcr)
	case 5:
		// LSR: transmitter always idle; DR when input pending.
		lsr := uint64(0x60)
		if u.backend != nil && u.backend.InputPending() {
			lsr |= 0x01
		}
		return lsr
	case 6:
		return 0xB0 // CTS|DSR|DCD
	case 7:
		return uint64(u.scratch)
	}
	return 0xFF
}

func (u *SerialUart) IoWrite(port uint16, size int, value uint64) {
	defer u.syncIrq()
	v := uint8(value)
	switch port - SERIAL_COM1_BASE {
	case 0:
		if u.dlab() {
			u.divisor = (u.divisor &^ 0xFF) | uint16(v)
			return
		}
		if u.backend != nil {
			u.backend.WriteByte(v)
		}
	case 1:
		if u.dlab() {
			u.divisor = (u.divisor &^ 0xFF00) | uint16(v)<<8
			return
		}
		u.ier = v & 0x0F
	case 3:
		u.lcr = v
	case 4:
		u.mcr = v & 0x1F
	case 7:
		u.scratch = v
	}
}
