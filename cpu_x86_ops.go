// cpu_x86_ops.go - ALU, flag computation and memory helpers

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

import "math/bits"

// ALU operation identifiers shared by the plain and LOCKed paths.
type AluOp int

const (
	ALU_ADD AluOp = iota
	ALU_OR
	ALU_ADC
	ALU_SBB
	ALU_AND
	ALU_SUB
	ALU_XOR
	ALU_CMP
)

func bitsMul64(a, b uint64) (hi, lo uint64) { return bits.Mul64(a, b) }

func bitsDiv64(hi, lo, d uint64) (q, r uint64) { return bits.Div64(hi, lo, d) }

// parityEven reports even parity of the low byte, the x86 PF rule.
func parityEven(v uint64) bool {
	return bits.OnesCount8(uint8(v))%2 == 0
}

// setResultFlags updates ZF/SF/PF from a result of the given size.
func (s *CpuState) setResultFlags(res uint64, size int) {
	res &= maskForSize(size)
	s.SetFlag(RFLAGS_ZF, res == 0)
	s.SetFlag(RFLAGS_SF, signBit(res, size))
	s.SetFlag(RFLAGS_PF, parityEven(res))
}

// addWithFlags computes lhs + rhs (+carry) and updates CF/PF/AF/ZF/SF/OF.
func (s *CpuState) addWithFlags(lhs, rhs uint64, carry bool, size int) uint64 {
	mask := maskForSize(size)
	lhs &= mask
	rhs &= mask
	c := uint64(0)
	if carry {
		c = 1
	}
	res := (lhs + rhs + c) & mask
	s.setResultFlags(res, size)
	s.SetFlag(RFLAGS_CF, res < lhs || (c == 1 && res == lhs))
	s.SetFlag(RFLAGS_AF, (lhs^rhs^res)&0x10 != 0)
	s.SetFlag(RFLAGS_OF, (lhs^res)&(rhs^res)&(mask&^(mask>>1)) != 0)
	return res
}

// subWithFlags computes lhs - rhs (-borrow) and updates CF/PF/AF/ZF/SF/OF.
func (s *CpuState) subWithFlags(lhs, rhs uint64, borrow bool, size int) uint64 {
	mask := maskForSize(size)
	lhs &= mask
	rhs &= mask
	b := uint64(0)
	if borrow {
		b = 1
	}
	res := (lhs - rhs - b) & mask
	s.setResultFlags(res, size)
	s.SetFlag(RFLAGS_CF, lhs < rhs || (b == 1 && lhs == rhs))
	s.SetFlag(RFLAGS_AF, (lhs^rhs^res)&0x10 != 0)
	s.SetFlag(RFLAGS_OF, (lhs^rhs)&(lhs^res)&(mask&^(mask>>1)) != 0)
	return res
}

// logicWithFlags sets result flags and clears CF/OF/AF per the x86
// logical-op rules.
func (s *CpuState) logicWithFlags(res uint64, size int) uint64 {
	res &= maskForSize(size)
	s.setResultFlags(res, size)
	s.SetFlag(RFLAGS_CF, false)
	s.SetFlag(RFLAGS_OF, false)
	s.SetFlag(RFLAGS_AF, false)
	return res
}

// aluApply performs op on lhs/rhs with flag updates and returns the result
// to store (CMP returns lhs unchanged).
func (s *CpuState) aluApply(op AluOp, lhs, rhs uint64, size int) uint64 {
	switch op {
	case ALU_ADD:
		return s.addWithFlags(lhs, rhs, false, size)
	case ALU_ADC:
		return s.addWithFlags(lhs, rhs, s.GetFlag(RFLAGS_CF), size)
	case ALU_SUB:
		return s.subWithFlags(lhs, rhs, false, size)
	case ALU_SBB:
		return s.subWithFlags(lhs, rhs, s.GetFlag(RFLAGS_CF), size)
	case ALU_AND:
		return s.logicWithFlags(lhs&rhs, size)
	case ALU_OR:
		return s.logicWithFlags(lhs|rhs, size)
	case ALU_XOR:
		return s.logicWithFlags(lhs^rhs, size)
	default: // ALU_CMP
		s.subWithFlags(lhs, rhs, false, size)
		return lhs
	}
}

// incWithFlags/decWithFlags preserve CF per the architecture.
func (s *CpuState) incWithFlags(v uint64, size int) uint64 {
	cf := s.GetFlag(RFLAGS_CF)
	res := s.addWithFlags(v, 1, false, size)
	s.SetFlag(RFLAGS_CF, cf)
	return res
}

func (s *CpuState) decWithFlags(v uint64, size int) uint64 {
	cf := s.GetFlag(RFLAGS_CF)
	res := s.subWithFlags(v, 1, false, size)
	s.SetFlag(RFLAGS_CF, cf)
	return res
}

// shiftWithFlags implements the C0/C1/D0-D3 rotate/shift group; op is the
// ModRM reg field.
func (s *CpuState) shiftWithFlags(op int, v uint64, count uint64, size int) uint64 {
	bitsN := uint64(size * 8)
	if size == 8 {
		count &= 63
	} else {
		count &= 31
	}
	if count == 0 {
		return v & maskForSize(size)
	}
	mask := maskForSize(size)
	v &= mask
	var res uint64
	switch op {
	case 0: // ROL
		c := count % bitsN
		res = v
		if c > 0 {
			res = ((v << c) | (v >> (bitsN - c))) & mask
		}
		s.SetFlag(RFLAGS_CF, res&1 != 0)
		s.SetFlag(RFLAGS_OF, signBit(res, size) != (res&1 != 0))
	case 1: // ROR
		c := count % bitsN
		res = v
		if c > 0 {
			res = ((v >> c) | (v << (bitsN - c))) & mask
		}
		s.SetFlag(RFLAGS_CF, signBit(res, size))
		s.SetFlag(RFLAGS_OF, signBit(res, size) != signBit(res<<1, size))
	case 2: // RCL
		c := count % (bitsN + 1)
		cf := uint64(0)
		if s.GetFlag(RFLAGS_CF) {
			cf = 1
		}
		wide := v | (cf << bitsN)
		for i := uint64(0); i < c; i++ {
			top := (wide >> bitsN) & 1
			wide = ((wide << 1) | top) & ((mask << 1) | 1)
		}
		res = wide & mask
		s.SetFlag(RFLAGS_CF, (wide>>bitsN)&1 != 0)
	case 3: // RCR
		c := count % (bitsN + 1)
		cf := uint64(0)
		if s.GetFlag(RFLAGS_CF) {
			cf = 1
		}
		wide := v | (cf << bitsN)
		for i := uint64(0); i < c; i++ {
			low := wide & 1
			wide = (wide >> 1) | (low << bitsN)
		}
		res = wide & mask
		s.SetFlag(RFLAGS_CF, (wide>>bitsN)&1 != 0)
	case 4, 6: // SHL/SAL
		if count <= bitsN {
			s.SetFlag(RFLAGS_CF, (v>>(bitsN-count))&1 != 0)
		} else {
			s.SetFlag(RFLAGS_CF, false)
		}
		res = (v << count) & mask
		s.setResultFlags(res, size)
		s.SetFlag(RFLAGS_OF, signBit(res, size) != s.GetFlag(RFLAGS_CF))
	case 5: // SHR
		if count <= bitsN {
			s.SetFlag(RFLAGS_CF, (v>>(count-1))&1 != 0)
		} else {
			s.SetFlag(RFLAGS_CF, false)
		}
		res = (v >> count) & mask
		s.setResultFlags(res, size)
		s.SetFlag(RFLAGS_OF, signBit(v, size))
	default: // SAR
		sv := int64(signExtend(v, size))
		if count >= bitsN {
			s.SetFlag(RFLAGS_CF, sv < 0)
			count = bitsN - 1
		} else {
			s.SetFlag(RFLAGS_CF, (v>>(count-1))&1 != 0)
		}
		res = uint64(sv>>count) & mask
		s.setResultFlags(res, size)
		s.SetFlag(RFLAGS_OF, false)
	}
	return res
}

// ----------------------------------------------------------------------------
// Sized bus access
// ----------------------------------------------------------------------------

func readMemSized(bus CpuBus, addr uint64, size int) (uint64, *Exception) {
	switch size {
	case 1:
		v, exc := bus.ReadU8(addr)
		return uint64(v), exc
	case 2:
		v, exc := bus.ReadU16(addr)
		return uint64(v), exc
	case 4:
		v, exc := bus.ReadU32(addr)
		return uint64(v), exc
	default:
		return bus.ReadU64(addr)
	}
}

func writeMemSized(bus CpuBus, addr uint64, size int, v uint64) *Exception {
	switch size {
	case 1:
		return bus.WriteU8(addr, uint8(v))
	case 2:
		return bus.WriteU16(addr, uint16(v))
	case 4:
		return bus.WriteU32(addr, uint32(v))
	default:
		return bus.WriteU64(addr, v)
	}
}

// readRm/writeRm access a decoded ModRM operand of the given size.
func (ic *instrCtx) readRm(m *modRm, size int) (uint64, *Exception) {
	if m.IsMem {
		return readMemSized(ic.bus, ic.ea(m), size)
	}
	return ic.cpu.State.ReadGpr(m.Rm, size, ic.prefixes.Rex.Present), nil
}

func (ic *instrCtx) writeRm(m *modRm, size int, v uint64) *Exception {
	if m.IsMem {
		return writeMemSized(ic.bus, ic.ea(m), size, v)
	}
	ic.cpu.State.WriteGpr(m.Rm, size, ic.prefixes.Rex.Present, v)
	return nil
}

// ----------------------------------------------------------------------------
// Stack
// ----------------------------------------------------------------------------

// stackOperandSize: pushes default to 64-bit in long mode, else the operand
// size.
func (ic *instrCtx) stackOperandSize() int {
	if ic.cpu.State.Mode == MODE_LONG64 {
		if ic.prefixes.OpSize {
			return 2
		}
		return 8
	}
	return ic.operandSize()
}

func (ic *instrCtx) push(v uint64, size int) *Exception {
	s := ic.cpu.State
	legacyStack := s.Mode == MODE_REAL || s.Mode == MODE_VM86
	sp := s.StackPtr() - uint64(size)
	if legacyStack {
		sp &= 0xFFFF
	}
	addr := ic.linearize(SEG_SS, sp)
	if exc := writeMemSized(ic.bus, addr, size, v); exc != nil {
		return exc
	}
	if legacyStack {
		s.Gprs[GPR_RSP] = (s.Gprs[GPR_RSP] &^ 0xFFFF) | sp
	} else {
		s.Gprs[GPR_RSP] = sp
	}
	return nil
}

func (ic *instrCtx) pop(size int) (uint64, *Exception) {
	s := ic.cpu.State
	legacyStack := s.Mode == MODE_REAL || s.Mode == MODE_VM86
	sp := s.StackPtr()
	if legacyStack {
		sp &= 0xFFFF
	}
	addr := ic.linearize(SEG_SS, sp)
	v, exc := readMemSized(ic.bus, addr, size)
	if exc != nil {
		return 0, exc
	}
	newSp := sp + uint64(size)
	if legacyStack {
		s.Gprs[GPR_RSP] = (s.Gprs[GPR_RSP] &^ 0xFFFF) | (newSp & 0xFFFF)
	} else {
		s.Gprs[GPR_RSP] = newSp
	}
	return v, nil
}

// ----------------------------------------------------------------------------
// Condition codes (Jcc / SETcc / CMOVcc)
// ----------------------------------------------------------------------------

func (s *CpuState) conditionHolds(cc uint8) bool {
	var r bool
	switch cc >> 1 {
	case 0:
		r = s.GetFlag(RFLAGS_OF)
	case 1:
		r = s.GetFlag(RFLAGS_CF)
	case 2:
		r = s.GetFlag(RFLAGS_ZF)
	case 3:
		r = s.GetFlag(RFLAGS_CF) || s.GetFlag(RFLAGS_ZF)
	case 4:
		r = s.GetFlag(RFLAGS_SF)
	case 5:
		r = s.GetFlag(RFLAGS_PF)
	case 6:
		r = s.GetFlag(RFLAGS_SF) != s.GetFlag(RFLAGS_OF)
	default:
		r = s.GetFlag(RFLAGS_ZF) || (s.GetFlag(RFLAGS_SF) != s.GetFlag(RFLAGS_OF))
	}
	if cc&1 != 0 {
		return !r
	}
	return r
}

// ----------------------------------------------------------------------------
// String operation helpers
// ----------------------------------------------------------------------------

// stringStep returns the per-element pointer delta honoring DF.
func (s *CpuState) stringStep(size int) int64 {
	if s.GetFlag(RFLAGS_DF) {
		return -int64(size)
	}
	return int64(size)
}

// addrRegMask truncates SI/DI/CX updates to the address size.
func (ic *instrCtx) addrRegMask() uint64 { return maskForSize(ic.addressSize()) }

func (ic *instrCtx) readAddrReg(idx int) uint64 {
	return ic.cpu.State.Gprs[idx] & ic.addrRegMask()
}

func (ic *instrCtx) writeAddrReg(idx int, v uint64) {
	mask := ic.addrRegMask()
	ic.cpu.State.Gprs[idx] = (ic.cpu.State.Gprs[idx] &^ mask) | (v & mask)
}
