// cpu_x86_state.go - x86/x86-64 CPU architectural state

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
cpu_x86_state.go - CPU State

Architectural state for one vCPU: sixteen 64-bit general purpose registers,
six segment registers with cached descriptors, RIP/RFLAGS, control
registers, descriptor tables, a small MSR file, the operating mode, the A20
view, and the pending-event record used by the delivery engine.

RFLAGS discipline: bit 1 is architecturally reserved-set and every mutation
funnels through SetRflags, which forces it. Code never writes the rflags
field directly.
*/

package main

import "fmt"

// General purpose register indices (REX numbering).
const (
	GPR_RAX = 0
	GPR_RCX = 1
	GPR_RDX = 2
	GPR_RBX = 3
	GPR_RSP = 4
	GPR_RBP = 5
	GPR_RSI = 6
	GPR_RDI = 7
	GPR_R8  = 8
	GPR_R9  = 9
	GPR_R10 = 10
	GPR_R11 = 11
	GPR_R12 = 12
	GPR_R13 = 13
	GPR_R14 = 14
	GPR_R15 = 15

	GPR_COUNT = 16
)

// RFLAGS bits.
const (
	RFLAGS_CF        = uint64(1) << 0
	RFLAGS_RESERVED1 = uint64(1) << 1
	RFLAGS_PF        = uint64(1) << 2
	RFLAGS_AF        = uint64(1) << 4
	RFLAGS_ZF        = uint64(1) << 6
	RFLAGS_SF        = uint64(1) << 7
	RFLAGS_TF        = uint64(1) << 8
	RFLAGS_IF        = uint64(1) << 9
	RFLAGS_DF        = uint64(1) << 10
	RFLAGS_OF        = uint64(1) << 11
	RFLAGS_IOPL      = uint64(3) << 12
	RFLAGS_NT        = uint64(1) << 14
	RFLAGS_RF        = uint64(1) << 16
	RFLAGS_VM        = uint64(1) << 17
	RFLAGS_AC        = uint64(1) << 18

	RFLAGS_STATUS_MASK = RFLAGS_CF | RFLAGS_PF | RFLAGS_AF | RFLAGS_ZF | RFLAGS_SF | RFLAGS_OF
)

// Control register bits.
const (
	CR0_PE = uint64(1) << 0
	CR0_EM = uint64(1) << 2
	CR0_PG = uint64(1) << 31

	CR4_PAE = uint64(1) << 5

	EFER_LME = uint64(1) << 8
	EFER_LMA = uint64(1) << 10
)

// CpuMode is the active operating mode.
type CpuMode int

const (
	MODE_REAL CpuMode = iota
	MODE_PROTECTED
	MODE_LONG64
	MODE_VM86
)

func (m CpuMode) String() string {
	switch m {
	case MODE_REAL:
		return "real"
	case MODE_PROTECTED:
		return "protected"
	case MODE_LONG64:
		return "long64"
	case MODE_VM86:
		return "v8086"
	}
	return "unknown"
}

// Segment register indices.
const (
	SEG_ES = 0
	SEG_CS = 1
	SEG_SS = 2
	SEG_DS = 3
	SEG_FS = 4
	SEG_GS = 5

	SEG_COUNT = 6
)

var segNames = [SEG_COUNT]string{"es", "cs", "ss", "ds", "fs", "gs"}

// SegmentRegister caches the visible selector plus the hidden descriptor.
type SegmentRegister struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Access   uint16
}

// DescriptorTable models GDTR/IDTR.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// TaskRegister caches TR and its descriptor.
type TaskRegister struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Access   uint16
}

// MsrFile is the small MSR set the VMM models.
type MsrFile struct {
	Tsc      uint64
	Efer     uint64
	ApicBase uint64
	FsBase   uint64
	GsBase   uint64
	KernelGs uint64
}

// Pending external interrupts are a bounded FIFO: the platform holds the
// line, so capacity 1 avoids buffering vectors the guest cannot accept.
const MAX_QUEUED_EXTERNAL_INTERRUPTS = 1

// Exception is a guest-visible fault or trap.
type Exception struct {
	Vector       uint8
	ErrorCode    uint32
	HasErrorCode bool
	Cr2          uint64
	IsPageFault  bool
}

const (
	VEC_DE = 0
	VEC_DB = 1
	VEC_BP = 3
	VEC_OF = 4
	VEC_UD = 6
	VEC_NM = 7
	VEC_DF = 8
	VEC_TS = 10
	VEC_NP = 11
	VEC_SS = 12
	VEC_GP = 13
	VEC_PF = 14
)

func gpFault(code uint32) *Exception {
	return &Exception{Vector: VEC_GP, ErrorCode: code, HasErrorCode: true}
}

func udFault() *Exception { return &Exception{Vector: VEC_UD} }

func deFault() *Exception { return &Exception{Vector: VEC_DE} }

func tsFault(code uint32) *Exception {
	return &Exception{Vector: VEC_TS, ErrorCode: code, HasErrorCode: true}
}

func pageFault(addr uint64, code uint32) *Exception {
	return &Exception{Vector: VEC_PF, ErrorCode: code, HasErrorCode: true, Cr2: addr, IsPageFault: true}
}

func doubleFault() *Exception {
	return &Exception{Vector: VEC_DF, ErrorCode: 0, HasErrorCode: true}
}

func (e *Exception) String() string {
	if e.HasErrorCode {
		return fmt.Sprintf("#%d(0x%x)", e.Vector, e.ErrorCode)
	}
	return fmt.Sprintf("#%d", e.Vector)
}

// PendingEvents holds everything that can preempt the instruction stream.
// Priority: fault > software interrupt > external interrupt.
type PendingEvents struct {
	externalInterrupts []uint8
	softwareInterrupt  *uint8
	fault              *Exception
	// interruptInhibit counts retirements left in the STI/MOV-SS shadow.
	interruptInhibit uint8
}

func (p *PendingEvents) HasPendingEvent() bool {
	return p.fault != nil || p.softwareInterrupt != nil
}

func (p *PendingEvents) ExternalInterruptCount() int { return len(p.externalInterrupts) }

func (p *PendingEvents) InjectExternalInterrupt(vector uint8) bool {
	if len(p.externalInterrupts) >= MAX_QUEUED_EXTERNAL_INTERRUPTS {
		return false
	}
	p.externalInterrupts = append(p.externalInterrupts, vector)
	return true
}

func (p *PendingEvents) RaiseSoftwareInterrupt(vector uint8) {
	v := vector
	p.softwareInterrupt = &v
}

func (p *PendingEvents) RaiseFault(e *Exception) { p.fault = e }

func (p *PendingEvents) InterruptInhibit() uint8 { return p.interruptInhibit }

// SetInterruptShadow arms the STI/MOV-SS shadow: it ages once at the
// arming instruction's own retirement and covers exactly the next one.
func (p *PendingEvents) SetInterruptShadow() { p.interruptInhibit = 2 }

// AgeInterruptShadow releases the shadow at instruction retirement.
func (p *PendingEvents) AgeInterruptShadow() {
	if p.interruptInhibit > 0 {
		p.interruptInhibit--
	}
}

func (p *PendingEvents) Reset() {
	p.externalInterrupts = nil
	p.softwareInterrupt = nil
	p.fault = nil
	p.interruptInhibit = 0
}

// CpuState is the architectural state of one vCPU.
type CpuState struct {
	Gprs     [GPR_COUNT]uint64
	Segments [SEG_COUNT]SegmentRegister
	Rip      uint64

	rflags uint64

	Cr0 uint64
	Cr2 uint64
	Cr3 uint64
	Cr4 uint64

	Gdt DescriptorTable
	Idt DescriptorTable
	Tr  TaskRegister

	Msr MsrFile

	Mode       CpuMode
	Halted     bool
	A20Enabled bool

	// TlbSalt is mixed into TLB tags; bumping it invalidates every cached
	// translation without touching the entries.
	TlbSalt uint64
}

// NewCpuState initializes power-on real-mode state: CS=F000 with the reset
// base, everything else zero, RFLAGS = reserved bit only.
func NewCpuState() *CpuState {
	s := &CpuState{Mode: MODE_REAL, A20Enabled: true}
	s.SetRflags(RFLAGS_RESERVED1)
	for i := range s.Segments {
		s.Segments[i].Limit = 0xFFFF
	}
	s.Segments[SEG_CS].Selector = 0xF000
	s.Segments[SEG_CS].Base = 0xF0000
	s.Rip = 0xFFF0
	return s
}

func (s *CpuState) Rflags() uint64 { return s.rflags }

// SetRflags stores RFLAGS with the reserved bit forced on and the
// always-zero bits forced off.
func (s *CpuState) SetRflags(v uint64) {
	s.rflags = (v | RFLAGS_RESERVED1) &^ (uint64(1)<<3 | uint64(1)<<5 | uint64(1)<<15)
}

func (s *CpuState) GetFlag(mask uint64) bool { return s.rflags&mask != 0 }

func (s *CpuState) SetFlag(mask uint64, v bool) {
	if v {
		s.SetRflags(s.rflags | mask)
	} else {
		s.SetRflags(s.rflags &^ mask)
	}
}

// Cpl is the current privilege level from CS.
func (s *CpuState) Cpl() uint8 {
	if s.Mode == MODE_REAL {
		return 0
	}
	if s.Mode == MODE_VM86 {
		return 3
	}
	return uint8(s.Segments[SEG_CS].Selector & 3)
}

// ReadGpr returns the low `size` bytes of a register, honoring the
// high-byte registers (AH..BH) for byte accesses without REX.
func (s *CpuState) ReadGpr(idx int, size int, rexPresent bool) uint64 {
	if size == 1 && !rexPresent && idx >= 4 && idx < 8 {
		return (s.Gprs[idx-4] >> 8) & 0xFF
	}
	return s.Gprs[idx] & maskForSize(size)
}

// WriteGpr stores the low `size` bytes. 32-bit writes zero-extend to 64
// bits; 8/16-bit writes merge.
func (s *CpuState) WriteGpr(idx int, size int, rexPresent bool, v uint64) {
	switch size {
	case 1:
		if !rexPresent && idx >= 4 && idx < 8 {
			reg := idx - 4
			s.Gprs[reg] = (s.Gprs[reg] &^ 0xFF00) | ((v & 0xFF) << 8)
			return
		}
		s.Gprs[idx] = (s.Gprs[idx] &^ 0xFF) | (v & 0xFF)
	case 2:
		s.Gprs[idx] = (s.Gprs[idx] &^ 0xFFFF) | (v & 0xFFFF)
	case 4:
		s.Gprs[idx] = v & 0xFFFFFFFF
	default:
		s.Gprs[idx] = v
	}
}

// StackPtr returns RSP truncated to the stack address size.
func (s *CpuState) StackPtr() uint64 { return s.Gprs[GPR_RSP] }

func (s *CpuState) SetStackPtr(v uint64) { s.Gprs[GPR_RSP] = v }

// ApplyA20 masks bit 20 of a physical address in real/v8086 mode while the
// gate is disabled, mimicking the legacy wraparound.
func (s *CpuState) ApplyA20(paddr uint64) uint64 {
	if !s.A20Enabled && (s.Mode == MODE_REAL || s.Mode == MODE_VM86) {
		return paddr &^ (uint64(1) << 20)
	}
	return paddr
}

// RecomputeMode derives the operating mode from CR0/EFER/RFLAGS/CS.L.
func (s *CpuState) RecomputeMode() {
	switch {
	case s.Cr0&CR0_PE == 0:
		s.Mode = MODE_REAL
	case s.rflags&RFLAGS_VM != 0:
		s.Mode = MODE_VM86
	case s.Msr.Efer&EFER_LMA != 0 && s.Segments[SEG_CS].Access&SEG_ACCESS_L != 0:
		s.Mode = MODE_LONG64
	default:
		s.Mode = MODE_PROTECTED
	}
}

// Segment access bits used by the delivery engine.
const (
	SEG_ACCESS_A  = uint16(1) << 0
	SEG_ACCESS_RW = uint16(1) << 1
	SEG_ACCESS_C  = uint16(1) << 2
	SEG_ACCESS_X  = uint16(1) << 3
	SEG_ACCESS_S  = uint16(1) << 4
	SEG_ACCESS_P  = uint16(1) << 7
	SEG_ACCESS_L  = uint16(1) << 9
	SEG_ACCESS_DB = uint16(1) << 10
	SEG_ACCESS_G  = uint16(1) << 11
)

func maskForSize(size int) uint64 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFFFFFF
	}
	return ^uint64(0)
}

// signBit returns the MSB of a value of the given operand size.
func signBit(v uint64, size int) bool {
	return v&(uint64(1)<<(size*8-1)) != 0
}

func signExtend(v uint64, size int) uint64 {
	shift := 64 - size*8
	return uint64(int64(v<<shift) >> shift)
}

// GuestTime tracks the deterministic TSC and converts cycles to
// nanoseconds with remainder carry across slices.
type GuestTime struct {
	tscHz     uint64
	cycles    uint64
	remainder uint64
}

const DEFAULT_TSC_HZ = 1_000_000_000

func NewGuestTime(tscHz uint64) *GuestTime {
	if tscHz == 0 {
		tscHz = DEFAULT_TSC_HZ
	}
	return &GuestTime{tscHz: tscHz}
}

func (t *GuestTime) TscHz() uint64 { return t.tscHz }

func (t *GuestTime) ReadTsc() uint64 { return t.cycles }

func (t *GuestTime) AdvanceCycles(n uint64) { t.cycles += n }

// AdvanceGuestTimeForCycles converts executed cycles to elapsed
// nanoseconds, carrying the sub-nanosecond remainder deterministically.
func (t *GuestTime) AdvanceGuestTimeForCycles(cycles uint64) uint64 {
	total := t.remainder + cycles*1_000_000_000
	ns := total / t.tscHz
	t.remainder = total % t.tscHz
	return ns
}

// CpuCore couples architectural state with pending events and time.
type CpuCore struct {
	State   *CpuState
	Pending PendingEvents
	Time    *GuestTime
}

func NewCpuCore() *CpuCore {
	return &CpuCore{State: NewCpuState(), Time: NewGuestTime(DEFAULT_TSC_HZ)}
}

// Reset re-initializes to power-on state while preserving TSC continuity.
func (c *CpuCore) Reset() {
	tsc := c.State.Msr.Tsc
	c.State = NewCpuState()
	c.State.Msr.Tsc = tsc
	c.Pending.Reset()
}
