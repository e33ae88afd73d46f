package main

import (
	"encoding/binary"
	"testing"
)

// flatBus is a paging-free CpuBus over a byte slice, with optional write
// fault injection for delivery-failure tests.
type flatBus struct {
	mem []byte

	// failNextWrites makes the next N writes fault (#PF at the target).
	failNextWrites int

	ioLog []uint16
	ioIn  map[uint16]uint64
}

func newFlatBus(size int) *flatBus {
	return &flatBus{mem: make([]byte, size), ioIn: map[uint16]uint64{}}
}

func (b *flatBus) read(addr uint64, size int) (uint64, *Exception) {
	if addr+uint64(size) > uint64(len(b.mem)) {
		return 0, pageFault(addr, 0)
	}
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(b.mem[addr+uint64(i)]) << (8 * i)
	}
	return v, nil
}

func (b *flatBus) write(addr uint64, size int, v uint64) *Exception {
	if b.failNextWrites > 0 {
		b.failNextWrites--
		return pageFault(addr, PF_ERR_W)
	}
	if addr+uint64(size) > uint64(len(b.mem)) {
		return pageFault(addr, PF_ERR_W)
	}
	for i := 0; i < size; i++ {
		b.mem[addr+uint64(i)] = uint8(v >> (8 * i))
	}
	return nil
}

func (b *flatBus) ReadU8(a uint64) (uint8, *Exception)   { v, e := b.read(a, 1); return uint8(v), e }
func (b *flatBus) ReadU16(a uint64) (uint16, *Exception) { v, e := b.read(a, 2); return uint16(v), e }
func (b *flatBus) ReadU32(a uint64) (uint32, *Exception) { v, e := b.read(a, 4); return uint32(v), e }
func (b *flatBus) ReadU64(a uint64) (uint64, *Exception) { return b.read(a, 8) }
func (b *flatBus) ReadU128(a uint64) (uint64, uint64, *Exception) {
	lo, e := b.read(a, 8)
	if e != nil {
		return 0, 0, e
	}
	hi, e := b.read(a+8, 8)
	return lo, hi, e
}
func (b *flatBus) WriteU8(a uint64, v uint8) *Exception   { return b.write(a, 1, uint64(v)) }
func (b *flatBus) WriteU16(a uint64, v uint16) *Exception { return b.write(a, 2, uint64(v)) }
func (b *flatBus) WriteU32(a uint64, v uint32) *Exception { return b.write(a, 4, uint64(v)) }
func (b *flatBus) WriteU64(a uint64, v uint64) *Exception { return b.write(a, 8, v) }
func (b *flatBus) WriteU128(a uint64, lo, hi uint64) *Exception {
	if e := b.write(a, 8, lo); e != nil {
		return e
	}
	return b.write(a+8, 8, hi)
}

func (b *flatBus) Fetch(a uint64, maxLen int) ([]byte, *Exception) {
	if a >= uint64(len(b.mem)) {
		return nil, pageFault(a, 0)
	}
	end := a + uint64(maxLen)
	if end > uint64(len(b.mem)) {
		end = uint64(len(b.mem))
	}
	out := make([]byte, end-a)
	copy(out, b.mem[a:end])
	return out, nil
}

func (b *flatBus) IoRead(port uint16, size int) (uint64, *Exception) {
	return b.ioIn[port], nil
}

func (b *flatBus) IoWrite(port uint16, size int, v uint64) *Exception {
	b.ioLog = append(b.ioLog, port)
	b.ioIn[port] = v
	return nil
}

func (b *flatBus) AtomicRmw(a uint64, size int, f func(uint64) (uint64, uint64)) (uint64, *Exception) {
	old, e := b.read(a, size)
	if e != nil {
		return 0, e
	}
	newVal, result := f(old)
	if e := b.write(a, size, newVal); e != nil {
		return 0, e
	}
	return result, nil
}

func (b *flatBus) AtomicRmw128(a uint64, f func(lo, hi uint64) (uint64, uint64)) (uint64, uint64, *Exception) {
	lo, hi, e := b.ReadU128(a)
	if e != nil {
		return 0, 0, e
	}
	nl, nh := f(lo, hi)
	if e := b.WriteU128(a, nl, nh); e != nil {
		return 0, 0, e
	}
	return lo, hi, nil
}

// realModeCpu builds a flat real-mode CPU at 0000:entry with SP=0x7000.
func realModeCpu(entry uint16) *CpuCore {
	cpu := NewCpuCore()
	for i := range cpu.State.Segments {
		cpu.State.Segments[i] = SegmentRegister{Limit: 0xFFFF}
	}
	cpu.State.Rip = uint64(entry)
	cpu.State.SetStackPtr(0x7000)
	cpu.State.SetRflags(RFLAGS_RESERVED1)
	return cpu
}

// protectedModeCpu builds a flat 32-bit protected-mode CPU.
func protectedModeCpu(entry uint32) *CpuCore {
	cpu := NewCpuCore()
	cpu.State.Cr0 |= CR0_PE
	cpu.State.RecomputeMode()
	for i := range cpu.State.Segments {
		cpu.State.Segments[i] = SegmentRegister{
			Selector: 0x08, Limit: 0xFFFFFFFF,
			Access: SEG_ACCESS_P | SEG_ACCESS_S | SEG_ACCESS_DB,
		}
	}
	cpu.State.Segments[SEG_SS].Selector = 0x10
	cpu.State.Rip = uint64(entry)
	cpu.State.SetStackPtr(0x1000)
	cpu.State.SetRflags(RFLAGS_RESERVED1)
	return cpu
}

// longModeCpu builds a 64-bit CPU with paging disabled on the flat bus.
func longModeCpu(entry uint64) *CpuCore {
	cpu := NewCpuCore()
	cpu.State.Cr0 |= CR0_PE
	cpu.State.Msr.Efer |= EFER_LME | EFER_LMA
	cpu.State.Segments[SEG_CS] = SegmentRegister{Selector: 0x08, Access: SEG_ACCESS_P | SEG_ACCESS_L}
	cpu.State.Segments[SEG_SS] = SegmentRegister{Selector: 0x10}
	cpu.State.RecomputeMode()
	cpu.State.Rip = entry
	cpu.State.SetStackPtr(0x7000)
	cpu.State.SetRflags(RFLAGS_RESERVED1)
	return cpu
}

func runInsts(t *testing.T, cpu *CpuCore, bus CpuBus, n uint64) BatchResult {
	t.Helper()
	return RunBatch(nil, cpu, bus, n)
}

func TestAluAddSubFlags(t *testing.T) {
	cases := []struct {
		name  string
		code  []byte
		setup func(*CpuCore)
		check func(*testing.T, *CpuCore)
	}{
		{
			name: "add sets carry and zero",
			// mov ax, 0xFFFF; add ax, 1
			code: []byte{0xB8, 0xFF, 0xFF, 0x05, 0x01, 0x00},
			check: func(t *testing.T, c *CpuCore) {
				if got := c.State.ReadGpr(GPR_RAX, 2, false); got != 0 {
					t.Fatalf("ax = %#x, want 0", got)
				}
				if !c.State.GetFlag(RFLAGS_CF) || !c.State.GetFlag(RFLAGS_ZF) {
					t.Fatal("CF/ZF not set")
				}
			},
		},
		{
			name: "sub sets sign and overflow",
			// mov al, 0x80; sub al, 1
			code: []byte{0xB0, 0x80, 0x2C, 0x01},
			check: func(t *testing.T, c *CpuCore) {
				if got := c.State.ReadGpr(GPR_RAX, 1, false); got != 0x7F {
					t.Fatalf("al = %#x, want 0x7F", got)
				}
				if c.State.GetFlag(RFLAGS_SF) {
					t.Fatal("SF set for 0x7F")
				}
				if !c.State.GetFlag(RFLAGS_OF) {
					t.Fatal("OF not set for signed overflow")
				}
			},
		},
		{
			name: "xor clears carry",
			// stc; xor ax, ax
			code: []byte{0xF9, 0x31, 0xC0},
			check: func(t *testing.T, c *CpuCore) {
				if c.State.GetFlag(RFLAGS_CF) {
					t.Fatal("CF survived XOR")
				}
				if !c.State.GetFlag(RFLAGS_ZF) || !c.State.GetFlag(RFLAGS_PF) {
					t.Fatal("ZF/PF not set")
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := newFlatBus(0x10000)
			copy(bus.mem[0x100:], tc.code)
			cpu := realModeCpu(0x100)
			if tc.setup != nil {
				tc.setup(cpu)
			}
			runInsts(t, cpu, bus, uint64(len(tc.code)))
			tc.check(t, cpu)
		})
	}
}

func TestRflagsReservedBitAlwaysSet(t *testing.T) {
	bus := newFlatBus(0x10000)
	// A mix of flag-mangling instructions.
	code := []byte{
		0xF9,             // stc
		0xF8,             // clc
		0xB8, 0x00, 0x00, // mov ax, 0
		0x05, 0x00, 0x00, // add ax, 0
		0x9C, // pushf
		0x9D, // popf
	}
	copy(bus.mem[0x100:], code)
	cpu := realModeCpu(0x100)
	for i := 0; i < 6; i++ {
		runInsts(t, cpu, bus, 1)
		if cpu.State.Rflags()&RFLAGS_RESERVED1 == 0 {
			t.Fatalf("RFLAGS bit 1 clear after instruction %d", i)
		}
	}
}

func TestMovModRmForms(t *testing.T) {
	bus := newFlatBus(0x10000)
	// mov bx, 0x2000; mov word [bx], 0xBEEF; mov ax, [bx]
	code := []byte{
		0xBB, 0x00, 0x20,
		0xC7, 0x07, 0xEF, 0xBE,
		0x8B, 0x07,
	}
	copy(bus.mem[0x100:], code)
	cpu := realModeCpu(0x100)
	runInsts(t, cpu, bus, 3)
	if got := cpu.State.ReadGpr(GPR_RAX, 2, false); got != 0xBEEF {
		t.Fatalf("ax = %#x, want 0xBEEF", got)
	}
	if got := binary.LittleEndian.Uint16(bus.mem[0x2000:]); got != 0xBEEF {
		t.Fatalf("mem = %#x, want 0xBEEF", got)
	}
}

func TestRepMovsb(t *testing.T) {
	bus := newFlatBus(0x10000)
	copy(bus.mem[0x3000:], []byte("aero machine"))
	// mov si, 0x3000; mov di, 0x4000; mov cx, 12; rep movsb; hlt
	code := []byte{
		0xBE, 0x00, 0x30,
		0xBF, 0x00, 0x40,
		0xB9, 0x0C, 0x00,
		0xF3, 0xA4,
		0xF4,
	}
	copy(bus.mem[0x100:], code)
	cpu := realModeCpu(0x100)
	runInsts(t, cpu, bus, 16)
	if string(bus.mem[0x4000:0x400C]) != "aero machine" {
		t.Fatalf("copy result %q", bus.mem[0x4000:0x400C])
	}
	if cpu.State.ReadGpr(GPR_RCX, 2, false) != 0 {
		t.Fatal("cx not exhausted")
	}
}

func TestLockedAddAndXchg(t *testing.T) {
	bus := newFlatBus(0x10000)
	binary.LittleEndian.PutUint16(bus.mem[0x2000:], 5)
	// mov bx, 0x2000; mov ax, 7; lock add [bx], ax; xchg ax, [bx]
	code := []byte{
		0xBB, 0x00, 0x20,
		0xB8, 0x07, 0x00,
		0xF0, 0x01, 0x07,
		0x87, 0x07,
	}
	copy(bus.mem[0x100:], code)
	cpu := realModeCpu(0x100)
	runInsts(t, cpu, bus, 4)
	if got := cpu.State.ReadGpr(GPR_RAX, 2, false); got != 12 {
		t.Fatalf("ax = %d, want 12 (old memory value)", got)
	}
	if got := binary.LittleEndian.Uint16(bus.mem[0x2000:]); got != 7 {
		t.Fatalf("mem = %d, want 7 (xchg'd)", got)
	}
}

func TestLockWithRegisterOperandIsUndefined(t *testing.T) {
	bus := newFlatBus(0x10000)
	// lock add bx, ax (register form must #UD)
	code := []byte{0xF0, 0x01, 0xC3}
	copy(bus.mem[0x100:], code)
	cpu := realModeCpu(0x100)

	res, exc := stepOne(nil, cpu, bus)
	_ = res
	if exc == nil || exc.Vector != VEC_UD {
		t.Fatalf("expected #UD, got %v", exc)
	}
}

func TestCmpxchg16bAlignment(t *testing.T) {
	bus := newFlatBus(0x10000)
	// lock cmpxchg16b [rdi]
	code := []byte{0xF0, 0x48, 0x0F, 0xC7, 0x0F}
	copy(bus.mem[0x100:], code)

	t.Run("misaligned raises #GP(0), state unchanged", func(t *testing.T) {
		cpu := longModeCpu(0x100)
		cpu.State.Gprs[GPR_RDI] = 0x2008 | 4 // not 16-byte aligned
		before := cpu.State.Gprs
		res, exc := stepOne(nil, cpu, bus)
		_ = res
		if exc == nil || exc.Vector != VEC_GP || exc.ErrorCode != 0 {
			t.Fatalf("expected #GP(0), got %v", exc)
		}
		if cpu.State.Rip != 0x100 {
			t.Fatalf("rip moved to %#x", cpu.State.Rip)
		}
		if cpu.State.Gprs != before {
			t.Fatal("register state changed")
		}
	})

	t.Run("aligned swap succeeds", func(t *testing.T) {
		cpu := longModeCpu(0x100)
		cpu.State.Gprs[GPR_RDI] = 0x2000
		// memory = expected (RDX:RAX)
		cpu.State.Gprs[GPR_RAX] = 0x1111
		cpu.State.Gprs[GPR_RDX] = 0x2222
		binary.LittleEndian.PutUint64(bus.mem[0x2000:], 0x1111)
		binary.LittleEndian.PutUint64(bus.mem[0x2008:], 0x2222)
		cpu.State.Gprs[GPR_RBX] = 0x3333
		cpu.State.Gprs[GPR_RCX] = 0x4444
		runInsts(t, cpu, bus, 1)
		if !cpu.State.GetFlag(RFLAGS_ZF) {
			t.Fatal("ZF clear after successful swap")
		}
		if binary.LittleEndian.Uint64(bus.mem[0x2000:]) != 0x3333 ||
			binary.LittleEndian.Uint64(bus.mem[0x2008:]) != 0x4444 {
			t.Fatal("memory not swapped")
		}
	})
}

func TestShiftGroup(t *testing.T) {
	bus := newFlatBus(0x10000)
	// mov al, 0x81; shl al, 1
	code := []byte{0xB0, 0x81, 0xD0, 0xE0}
	copy(bus.mem[0x100:], code)
	cpu := realModeCpu(0x100)
	runInsts(t, cpu, bus, 2)
	if got := cpu.State.ReadGpr(GPR_RAX, 1, false); got != 0x02 {
		t.Fatalf("al = %#x, want 0x02", got)
	}
	if !cpu.State.GetFlag(RFLAGS_CF) {
		t.Fatal("CF not set from shifted-out bit")
	}
}

func TestMulDivFamily(t *testing.T) {
	bus := newFlatBus(0x10000)
	// mov ax, 1000; mov bx, 300; mul bx -> dx:ax = 300000
	// mov cx, 7; div cx
	code := []byte{
		0xB8, 0xE8, 0x03,
		0xBB, 0x2C, 0x01,
		0xF7, 0xE3,
		0xB9, 0x07, 0x00,
		0xF7, 0xF1,
	}
	copy(bus.mem[0x100:], code)
	cpu := realModeCpu(0x100)
	runInsts(t, cpu, bus, 5)
	if got := cpu.State.ReadGpr(GPR_RAX, 2, false); got != 300000/7 {
		t.Fatalf("quotient = %d, want %d", got, 300000/7)
	}
	if got := cpu.State.ReadGpr(GPR_RDX, 2, false); got != 300000%7 {
		t.Fatalf("remainder = %d, want %d", got, 300000%7)
	}
}

func TestDivideByZeroFaults(t *testing.T) {
	bus := newFlatBus(0x10000)
	// xor cx, cx; div cx
	code := []byte{0x31, 0xC9, 0xF7, 0xF1}
	copy(bus.mem[0x100:], code)
	cpu := realModeCpu(0x100)
	runInsts(t, cpu, bus, 1)
	res, exc := stepOne(nil, cpu, bus)
	_ = res
	if exc == nil || exc.Vector != VEC_DE {
		t.Fatalf("expected #DE, got %v", exc)
	}
}

func TestTruncatedFetchRaisesPageFault(t *testing.T) {
	bus := newFlatBus(0x200)
	// Place an instruction needing an immediate at the very end of RAM.
	bus.mem[0x1FF] = 0xB8 // mov ax, imm16 (immediate missing)
	cpu := realModeCpu(0x1FF)
	res, exc := stepOne(nil, cpu, bus)
	_ = res
	if exc == nil || exc.Vector != VEC_PF {
		t.Fatalf("expected #PF for truncated fetch, got %v", exc)
	}
}
