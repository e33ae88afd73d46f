// io_bus.go - Port I/O dispatch

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

// IoPortHandler services a contiguous range of I/O ports. Handlers are
// trusted to confine results to `size` bytes.
type IoPortHandler interface {
	IoRead(port uint16, size int) uint64
	IoWrite(port uint16, size int, value uint64)
}

type ioRange struct {
	start, end uint16 // inclusive
	handler    IoPortHandler
}

// IoBus routes port I/O to registered handlers by range. Unmapped reads
// float high (all ones), unmapped writes are dropped, matching a PC with
// nothing decoding the port.
type IoBus struct {
	ranges []ioRange
}

func NewIoBus() *IoBus { return &IoBus{} }

func (b *IoBus) Map(start, end uint16, h IoPortHandler) {
	b.ranges = append(b.ranges, ioRange{start: start, end: end, handler: h})
}

// portDecoder lets handlers with programmable bases (PCI I/O BARs) decline
// ports inside their mapped window.
type portDecoder interface {
	DecodesPort(port uint16) bool
}

func (b *IoBus) find(port uint16) IoPortHandler {
	for i := range b.ranges {
		if port < b.ranges[i].start || port > b.ranges[i].end {
			continue
		}
		h := b.ranges[i].handler
		if d, ok := h.(portDecoder); ok && !d.DecodesPort(port) {
			continue
		}
		return h
	}
	return nil
}

func (b *IoBus) Read(port uint16, size int) uint64 {
	if h := b.find(port); h != nil {
		return h.IoRead(port, size) & maskForSize(size)
	}
	return maskForSize(size)
}

func (b *IoBus) Write(port uint16, size int, value uint64) {
	if h := b.find(port); h != nil {
		h.IoWrite(port, size, value&maskForSize(size))
	}
}

// ioPortFuncs adapts closures to IoPortHandler, for small latch-style
// ports.
type ioPortFuncs struct {
	read  func(port uint16, size int) uint64
	write func(port uint16, size int, value uint64)
}

func (f *ioPortFuncs) IoRead(port uint16, size int) uint64 {
	if f.read == nil {
		return maskForSize(size)
	}
	return f.read(port, size)
}

func (f *ioPortFuncs) IoWrite(port uint16, size int, value uint64) {
	if f.write != nil {
		f.write(port, size, value)
	}
}
