// platform_cpu_bus.go - The CPU's view of the platform (MMU + A20 + MMIO)

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
platform_cpu_bus.go - CPU Bus

Implements the CpuBus contract over the Platform: linear addresses pass
through the MMU (when paging is on) and the A20 mask, then route to MMIO
or RAM. The CPU borrows this bus per call and never retains references
across instructions; devices never call back into the CPU.

Accesses that cross a page boundary split into two translations so each
half faults precisely. Reads of physical holes float high; writes to holes
are dropped (matching bus behavior on a PC with nothing decoding the
address).
*/

package main

type PlatformCpuBus struct {
	Platform *Platform
	Mmu      *Mmu
	cpu      *CpuCore
}

func NewPlatformCpuBus(p *Platform, cpu *CpuCore) *PlatformCpuBus {
	return &PlatformCpuBus{Platform: p, Mmu: NewMmu(), cpu: cpu}
}

// Reset flushes CPU-bus caches (TLB).
func (b *PlatformCpuBus) Reset() {
	b.Mmu = NewMmu()
}

func (b *PlatformCpuBus) translate(vaddr uint64, write bool) (uint64, *Exception) {
	s := b.cpu.State
	user := s.Cpl() == 3
	paddr, exc := b.Mmu.Translate(s, b.Platform.Memory, vaddr, write, user)
	if exc != nil {
		return 0, exc
	}
	return s.ApplyA20(paddr), nil
}

// access performs a sized read or write, splitting page-crossers.
func (b *PlatformCpuBus) access(vaddr uint64, size int, write bool, value uint64) (uint64, *Exception) {
	first := PAGE_SIZE_BYTES - int(vaddr&PAGE_OFFSET_MASK)
	if first >= size {
		paddr, exc := b.translate(vaddr, write)
		if exc != nil {
			return 0, exc
		}
		if write {
			b.Platform.WritePhys(paddr, size, value)
			return 0, nil
		}
		v, ok := b.Platform.ReadPhys(paddr, size)
		if !ok {
			return maskForSize(size), nil
		}
		return v, nil
	}

	// Page-crossing access: byte-wise through both translations.
	var out uint64
	for i := 0; i < size; i++ {
		paddr, exc := b.translate(vaddr+uint64(i), write)
		if exc != nil {
			return 0, exc
		}
		if write {
			b.Platform.WritePhys(paddr, 1, (value>>(8*i))&0xFF)
		} else {
			v, ok := b.Platform.ReadPhys(paddr, 1)
			if !ok {
				v = 0xFF
			}
			out |= (v & 0xFF) << (8 * i)
		}
	}
	return out, nil
}

func (b *PlatformCpuBus) ReadU8(vaddr uint64) (uint8, *Exception) {
	v, exc := b.access(vaddr, 1, false, 0)
	return uint8(v), exc
}

func (b *PlatformCpuBus) ReadU16(vaddr uint64) (uint16, *Exception) {
	v, exc := b.access(vaddr, 2, false, 0)
	return uint16(v), exc
}

func (b *PlatformCpuBus) ReadU32(vaddr uint64) (uint32, *Exception) {
	v, exc := b.access(vaddr, 4, false, 0)
	return uint32(v), exc
}

func (b *PlatformCpuBus) ReadU64(vaddr uint64) (uint64, *Exception) {
	return b.access(vaddr, 8, false, 0)
}

func (b *PlatformCpuBus) ReadU128(vaddr uint64) (uint64, uint64, *Exception) {
	lo, exc := b.access(vaddr, 8, false, 0)
	if exc != nil {
		return 0, 0, exc
	}
	hi, exc := b.access(vaddr+8, 8, false, 0)
	return lo, hi, exc
}

func (b *PlatformCpuBus) WriteU8(vaddr uint64, v uint8) *Exception {
	_, exc := b.access(vaddr, 1, true, uint64(v))
	return exc
}

func (b *PlatformCpuBus) WriteU16(vaddr uint64, v uint16) *Exception {
	_, exc := b.access(vaddr, 2, true, uint64(v))
	return exc
}

func (b *PlatformCpuBus) WriteU32(vaddr uint64, v uint32) *Exception {
	_, exc := b.access(vaddr, 4, true, uint64(v))
	return exc
}

func (b *PlatformCpuBus) WriteU64(vaddr uint64, v uint64) *Exception {
	_, exc := b.access(vaddr, 8, true, v)
	return exc
}

func (b *PlatformCpuBus) WriteU128(vaddr uint64, lo, hi uint64) *Exception {
	if exc := b.WriteU64(vaddr, lo); exc != nil {
		return exc
	}
	return b.WriteU64(vaddr+8, hi)
}

// Fetch returns up to maxLen instruction bytes. A fault on the first byte
// propagates; a fault past it truncates the window (the decoder faults at
// the exact byte if it actually needs it).
func (b *PlatformCpuBus) Fetch(vaddr uint64, maxLen int) ([]byte, *Exception) {
	out := make([]byte, 0, maxLen)
	for i := 0; i < maxLen; i++ {
		paddr, exc := b.translate(vaddr+uint64(i), false)
		if exc != nil {
			if i == 0 {
				return nil, exc
			}
			return out, nil
		}
		v, ok := b.Platform.ReadPhys(paddr, 1)
		if !ok {
			v = 0xFF
		}
		out = append(out, uint8(v))
	}
	return out, nil
}

func (b *PlatformCpuBus) IoRead(port uint16, size int) (uint64, *Exception) {
	return b.Platform.Io.Read(port, size), nil
}

func (b *PlatformCpuBus) IoWrite(port uint16, size int, v uint64) *Exception {
	b.Platform.Io.Write(port, size, v)
	return nil
}

// AtomicRmw: with the single-threaded cooperative scheduler the bus is the
// serialization point, so translate-once plus an uninterrupted
// read-modify-write is atomic against every other bus actor. A future
// multi-threaded bus implements the same contract with a CAS loop.
func (b *PlatformCpuBus) AtomicRmw(vaddr uint64, size int, f func(old uint64) (uint64, uint64)) (uint64, *Exception) {
	old, exc := b.access(vaddr, size, false, 0)
	if exc != nil {
		return 0, exc
	}
	newVal, result := f(old)
	if _, exc := b.access(vaddr, size, true, newVal); exc != nil {
		return 0, exc
	}
	return result, nil
}

func (b *PlatformCpuBus) AtomicRmw128(vaddr uint64, f func(oldLo, oldHi uint64) (uint64, uint64)) (uint64, uint64, *Exception) {
	oldLo, oldHi, exc := b.ReadU128(vaddr)
	if exc != nil {
		return 0, 0, exc
	}
	newLo, newHi := f(oldLo, oldHi)
	if exc := b.WriteU128(vaddr, newLo, newHi); exc != nil {
		return 0, 0, exc
	}
	return oldLo, oldHi, nil
}

// InterruptController exposes the platform controller to the machine loop.
func (b *PlatformCpuBus) InterruptController() InterruptController {
	return b.Platform.Interrupts
}
