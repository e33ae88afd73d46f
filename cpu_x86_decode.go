// cpu_x86_decode.go - Instruction fetch, prefixes, ModRM/SIB decode

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

// CpuBus is the contract the CPU uses for every memory, port and locked
// access. Addresses are linear (post-segmentation); the bus performs
// paging, A20 masking and MMIO routing. Guest-visible faults come back as
// *Exception values, never as Go errors.
type CpuBus interface {
	ReadU8(vaddr uint64) (uint8, *Exception)
	ReadU16(vaddr uint64) (uint16, *Exception)
	ReadU32(vaddr uint64) (uint32, *Exception)
	ReadU64(vaddr uint64) (uint64, *Exception)
	ReadU128(vaddr uint64) (lo, hi uint64, exc *Exception)
	WriteU8(vaddr uint64, v uint8) *Exception
	WriteU16(vaddr uint64, v uint16) *Exception
	WriteU32(vaddr uint64, v uint32) *Exception
	WriteU64(vaddr uint64, v uint64) *Exception
	WriteU128(vaddr uint64, lo, hi uint64) *Exception

	// Fetch returns up to maxLen instruction bytes starting at vaddr.
	Fetch(vaddr uint64, maxLen int) ([]byte, *Exception)

	IoRead(port uint16, size int) (uint64, *Exception)
	IoWrite(port uint16, size int, v uint64) *Exception

	// AtomicRmw applies f to the old value at vaddr and commits the
	// returned new value atomically with respect to every other bus actor.
	// f also yields the result handed back to the caller.
	AtomicRmw(vaddr uint64, size int, f func(old uint64) (newVal, result uint64)) (uint64, *Exception)
	AtomicRmw128(vaddr uint64, f func(oldLo, oldHi uint64) (newLo, newHi uint64)) (oldLo, oldHi uint64, exc *Exception)
}

const MAX_INSTRUCTION_BYTES = 15

// REP prefix states.
const (
	REP_NONE  = 0
	REP_REPE  = 1
	REP_REPNE = 2
)

type rexPrefix struct {
	Present    bool
	W, R, X, B bool
}

// PrefixState is everything accumulated before the opcode.
type PrefixState struct {
	SegOverride int // -1 = none, else SEG_*
	OpSize      bool
	AddrSize    bool
	Lock        bool
	Rep         int
	Rex         rexPrefix
}

// errTruncatedInstruction is an internal decode sentinel; the step loop
// converts it into a page fault at the fetch address.
var errTruncatedInstruction = &Exception{Vector: VEC_PF, HasErrorCode: true, IsPageFault: true}

// instrCtx is the per-instruction decode cursor over the fetched window.
type instrCtx struct {
	cpu      *CpuCore
	bus      CpuBus
	code     []byte
	pos      int
	prefixes PrefixState
	startRip uint64
}

func (ic *instrCtx) peek8() (uint8, *Exception) {
	if ic.pos >= len(ic.code) {
		return 0, errTruncatedInstruction
	}
	return ic.code[ic.pos], nil
}

func (ic *instrCtx) fetch8() (uint8, *Exception) {
	b, exc := ic.peek8()
	if exc != nil {
		return 0, exc
	}
	ic.pos++
	return b, nil
}

func (ic *instrCtx) fetch16() (uint16, *Exception) {
	if ic.pos+2 > len(ic.code) {
		return 0, errTruncatedInstruction
	}
	v := uint16(ic.code[ic.pos]) | uint16(ic.code[ic.pos+1])<<8
	ic.pos += 2
	return v, nil
}

func (ic *instrCtx) fetch32() (uint32, *Exception) {
	if ic.pos+4 > len(ic.code) {
		return 0, errTruncatedInstruction
	}
	v := uint32(ic.code[ic.pos]) | uint32(ic.code[ic.pos+1])<<8 |
		uint32(ic.code[ic.pos+2])<<16 | uint32(ic.code[ic.pos+3])<<24
	ic.pos += 4
	return v, nil
}

func (ic *instrCtx) fetch64() (uint64, *Exception) {
	lo, exc := ic.fetch32()
	if exc != nil {
		return 0, exc
	}
	hi, exc := ic.fetch32()
	if exc != nil {
		return 0, exc
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

// fetchImm reads a size-byte immediate (8 bytes only for the MOV r64,imm64
// form; group immediates cap at 4 and sign-extend).
func (ic *instrCtx) fetchImm(size int) (uint64, *Exception) {
	switch size {
	case 1:
		v, exc := ic.fetch8()
		return uint64(v), exc
	case 2:
		v, exc := ic.fetch16()
		return uint64(v), exc
	case 4:
		v, exc := ic.fetch32()
		return uint64(v), exc
	default:
		return ic.fetch64()
	}
}

// fetchImmOp reads the standard immediate for an operand size: 8-byte
// operands take a sign-extended 32-bit immediate.
func (ic *instrCtx) fetchImmOp(size int) (uint64, *Exception) {
	if size == 8 {
		v, exc := ic.fetch32()
		if exc != nil {
			return 0, exc
		}
		return signExtend(uint64(v), 4), nil
	}
	return ic.fetchImm(size)
}

// parsePrefixes consumes prefix bytes (including REX in long mode) and
// returns the opcode byte. The total prefix+opcode run is capped at the
// architectural 15 bytes by the fetch window itself.
func (ic *instrCtx) parsePrefixes() (uint8, *Exception) {
	ic.prefixes = PrefixState{SegOverride: -1}
	for {
		b, exc := ic.fetch8()
		if exc != nil {
			return 0, exc
		}
		switch b {
		case 0x26:
			ic.prefixes.SegOverride = SEG_ES
		case 0x2E:
			ic.prefixes.SegOverride = SEG_CS
		case 0x36:
			ic.prefixes.SegOverride = SEG_SS
		case 0x3E:
			ic.prefixes.SegOverride = SEG_DS
		case 0x64:
			ic.prefixes.SegOverride = SEG_FS
		case 0x65:
			ic.prefixes.SegOverride = SEG_GS
		case 0x66:
			ic.prefixes.OpSize = true
		case 0x67:
			ic.prefixes.AddrSize = true
		case 0xF0:
			ic.prefixes.Lock = true
		case 0xF2:
			ic.prefixes.Rep = REP_REPNE
		case 0xF3:
			ic.prefixes.Rep = REP_REPE
		default:
			if ic.cpu.State.Mode == MODE_LONG64 && b >= 0x40 && b <= 0x4F {
				ic.prefixes.Rex = rexPrefix{
					Present: true,
					W:       b&0x8 != 0,
					R:       b&0x4 != 0,
					X:       b&0x2 != 0,
					B:       b&0x1 != 0,
				}
				continue
			}
			return b, nil
		}
		// A REX prefix only counts when it immediately precedes the opcode.
		ic.prefixes.Rex = rexPrefix{}
	}
}

// operandSize resolves the final operand size for the current mode and
// prefix state.
func (ic *instrCtx) operandSize() int {
	switch ic.cpu.State.Mode {
	case MODE_REAL, MODE_VM86:
		if ic.prefixes.OpSize {
			return 4
		}
		return 2
	case MODE_LONG64:
		if ic.prefixes.Rex.W {
			return 8
		}
		if ic.prefixes.OpSize {
			return 2
		}
		return 4
	default:
		if ic.prefixes.OpSize {
			return 2
		}
		return 4
	}
}

// addressSize resolves the effective address size.
func (ic *instrCtx) addressSize() int {
	switch ic.cpu.State.Mode {
	case MODE_REAL, MODE_VM86:
		if ic.prefixes.AddrSize {
			return 4
		}
		return 2
	case MODE_LONG64:
		if ic.prefixes.AddrSize {
			return 4
		}
		return 8
	default:
		if ic.prefixes.AddrSize {
			return 2
		}
		return 4
	}
}

// modRm is a decoded ModRM byte plus any SIB/displacement, with the memory
// operand resolved to a linear address.
type modRm struct {
	Mod uint8
	Reg int
	Rm  int

	IsMem      bool
	LinearAddr uint64
	// The segment the memory operand resolved through (for far pointers).
	Segment int

	// RIP-relative operands resolve against the end of the instruction, so
	// the address is computed by ea() once decode has consumed every byte.
	RipRel  bool
	ripDisp int64
}

// ea returns the linear address of a memory operand. Must be called after
// the instruction is fully decoded (RIP-relative addressing needs the final
// instruction length).
func (ic *instrCtx) ea(m *modRm) uint64 {
	if !m.RipRel {
		return m.LinearAddr
	}
	next := ic.startRip + uint64(ic.pos)
	return uint64(int64(next) + m.ripDisp)
}

// decodeModRm consumes ModRM (+SIB, +disp) and resolves memory operands.
func (ic *instrCtx) decodeModRm() (*modRm, *Exception) {
	b, exc := ic.fetch8()
	if exc != nil {
		return nil, exc
	}
	m := &modRm{
		Mod: b >> 6,
		Reg: int(b>>3) & 7,
		Rm:  int(b) & 7,
	}
	if ic.prefixes.Rex.R {
		m.Reg += 8
	}
	if m.Mod == 3 {
		if ic.prefixes.Rex.B {
			m.Rm += 8
		}
		return m, nil
	}
	m.IsMem = true
	if ic.addressSize() == 2 {
		return ic.decodeModRm16(m)
	}
	return ic.decodeModRm3264(m)
}

var modrm16Regs = [8][2]int{
	{GPR_RBX, GPR_RSI}, {GPR_RBX, GPR_RDI}, {GPR_RBP, GPR_RSI}, {GPR_RBP, GPR_RDI},
	{GPR_RSI, -1}, {GPR_RDI, -1}, {GPR_RBP, -1}, {GPR_RBX, -1},
}

func (ic *instrCtx) decodeModRm16(m *modRm) (*modRm, *Exception) {
	var disp int64
	switch m.Mod {
	case 0:
		if m.Rm == 6 {
			d, exc := ic.fetch16()
			if exc != nil {
				return nil, exc
			}
			m.Segment = ic.dataSegment(-1)
			m.LinearAddr = ic.linearize(m.Segment, uint64(d)&0xFFFF)
			return m, nil
		}
	case 1:
		d, exc := ic.fetch8()
		if exc != nil {
			return nil, exc
		}
		disp = int64(int8(d))
	case 2:
		d, exc := ic.fetch16()
		if exc != nil {
			return nil, exc
		}
		disp = int64(int16(d))
	}
	pair := modrm16Regs[m.Rm]
	eff := ic.cpu.State.Gprs[pair[0]]
	if pair[1] >= 0 {
		eff += ic.cpu.State.Gprs[pair[1]]
	}
	eff = uint64(int64(eff)+disp) & 0xFFFF
	defaultSeg := -1
	if pair[0] == GPR_RBP {
		defaultSeg = SEG_SS
	}
	m.Segment = ic.dataSegment(defaultSeg)
	m.LinearAddr = ic.linearize(m.Segment, eff)
	return m, nil
}

func (ic *instrCtx) decodeModRm3264(m *modRm) (*modRm, *Exception) {
	addrMask := maskForSize(ic.addressSize())
	var base uint64
	var index uint64
	var scale uint64 = 1
	var disp int64
	defaultSeg := -1
	ripRelative := false

	rm := m.Rm
	if rm == 4 {
		// SIB byte.
		sib, exc := ic.fetch8()
		if exc != nil {
			return nil, exc
		}
		scale = uint64(1) << (sib >> 6)
		idx := int(sib>>3) & 7
		if ic.prefixes.Rex.X {
			idx += 8
		}
		if idx != 4 { // index=RSP encodes "no index"
			index = ic.cpu.State.Gprs[idx]
		}
		baseReg := int(sib) & 7
		if baseReg == 5 && m.Mod == 0 {
			d, exc := ic.fetch32()
			if exc != nil {
				return nil, exc
			}
			disp += int64(int32(d))
		} else {
			if ic.prefixes.Rex.B {
				baseReg += 8
			}
			base = ic.cpu.State.Gprs[baseReg]
			if baseReg == GPR_RSP || baseReg == GPR_RBP {
				defaultSeg = SEG_SS
			}
		}
	} else {
		reg := rm
		if ic.prefixes.Rex.B {
			reg += 8
		}
		if rm == 5 && m.Mod == 0 {
			d, exc := ic.fetch32()
			if exc != nil {
				return nil, exc
			}
			disp += int64(int32(d))
			if ic.cpu.State.Mode == MODE_LONG64 {
				ripRelative = true
			}
		} else {
			base = ic.cpu.State.Gprs[reg]
			if reg == GPR_RBP {
				defaultSeg = SEG_SS
			}
		}
	}

	switch m.Mod {
	case 1:
		d, exc := ic.fetch8()
		if exc != nil {
			return nil, exc
		}
		disp += int64(int8(d))
	case 2:
		d, exc := ic.fetch32()
		if exc != nil {
			return nil, exc
		}
		disp += int64(int32(d))
	}

	m.Segment = ic.dataSegment(defaultSeg)
	if ripRelative {
		m.RipRel = true
		m.ripDisp = disp
		return m, nil
	}
	eff := uint64(int64(base+index*scale)+disp) & addrMask
	m.LinearAddr = ic.linearize(m.Segment, eff)
	return m, nil
}

// dataSegment picks the effective segment: explicit override, else the
// addressing-mode default, else DS.
func (ic *instrCtx) dataSegment(defaultSeg int) int {
	if ic.prefixes.SegOverride >= 0 {
		return ic.prefixes.SegOverride
	}
	if defaultSeg >= 0 {
		return defaultSeg
	}
	return SEG_DS
}

// linearize adds the segment base. Long mode ignores CS/DS/ES/SS bases.
func (ic *instrCtx) linearize(seg int, eff uint64) uint64 {
	s := ic.cpu.State
	if s.Mode == MODE_LONG64 {
		if seg == SEG_FS {
			return eff + s.Msr.FsBase
		}
		if seg == SEG_GS {
			return eff + s.Msr.GsBase
		}
		return eff
	}
	return s.Segments[seg].Base + eff
}
