// cpu_x86_atomics.go - LOCK-capable read-modify-write instruction group

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
cpu_x86_atomics.go - Atomic RMW Group

The LOCK discipline: memory forms of {CMPXCHG, CMPXCHG8B/16B, XADD, XCHG,
ALU r/m ⊙ reg|imm, INC/DEC/NOT/NEG, BTS/BTR/BTC} with a LOCK prefix are
served exclusively by the bus atomic_rmw primitive, which produces the old
value and commits the closure's replacement atomically against every other
bus actor. Register forms reject LOCK with #UD. XCHG with a memory operand
is locked even without the prefix. CMPXCHG16B additionally requires a
16-byte aligned effective address (#GP(0) otherwise) and is only encodable
in long mode.
*/

package main

// executeAtomic dispatches the one-byte LOCK-capable opcodes (also used for
// 86/87 XCHG without LOCK).
func (ic *instrCtx) executeAtomic(opcode uint8) (stepResult, *Exception) {
	switch opcode {
	case 0x0F:
		op2, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		return ic.executeAtomicTwoByte(op2)

	case 0x86, 0x87:
		size := ic.operandSize()
		if opcode == 0x86 {
			size = 1
		}
		return ic.execXchg(size)

	case 0x00, 0x01, 0x08, 0x09, 0x10, 0x11, 0x18, 0x19,
		0x20, 0x21, 0x28, 0x29, 0x30, 0x31:
		op := AluOp(opcode >> 3)
		size := ic.operandSize()
		if opcode&1 == 0 {
			size = 1
		}
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		rhs := ic.cpu.State.ReadGpr(m.Reg, size, ic.prefixes.Rex.Present)
		return ic.execAluRmLocked(m, op, rhs, size)

	case 0x80, 0x81, 0x83:
		size := ic.operandSize()
		if opcode == 0x80 {
			size = 1
		}
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		op := AluOp(m.Reg & 7)
		if op == ALU_CMP {
			return stepResult{}, udFault()
		}
		var imm uint64
		if opcode == 0x83 {
			v, exc := ic.fetch8()
			if exc != nil {
				return stepResult{}, exc
			}
			imm = signExtend(uint64(v), 1)
		} else {
			v, exc := ic.fetchImmOp(size)
			if exc != nil {
				return stepResult{}, exc
			}
			imm = v
		}
		return ic.execAluRmLocked(m, op, imm, size)

	case 0xF6, 0xF7:
		size := ic.operandSize()
		if opcode == 0xF6 {
			size = 1
		}
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		switch m.Reg & 7 {
		case 2:
			return ic.execUnaryLocked(m, size, false)
		case 3:
			return ic.execUnaryLocked(m, size, true)
		}
		return stepResult{}, udFault()

	case 0xFE, 0xFF:
		size := ic.operandSize()
		if opcode == 0xFE {
			size = 1
		}
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		switch m.Reg & 7 {
		case 0:
			return ic.execIncDecLocked(m, size, false)
		case 1:
			return ic.execIncDecLocked(m, size, true)
		}
		return stepResult{}, udFault()
	}

	return stepResult{}, udFault()
}

// executeAtomicTwoByte dispatches the 0F escapes of the group.
func (ic *instrCtx) executeAtomicTwoByte(op2 uint8) (stepResult, *Exception) {
	switch op2 {
	case 0xB0:
		return ic.execCmpXchg(1)
	case 0xB1:
		return ic.execCmpXchg(ic.operandSize())
	case 0xC1:
		return ic.execXadd(ic.operandSize())
	case 0xC7:
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		if m.Reg&7 != 1 {
			return stepResult{}, udFault()
		}
		if ic.cpu.State.Mode == MODE_LONG64 && ic.prefixes.Rex.W {
			return ic.execCmpXchg16B(m)
		}
		return ic.execCmpXchg8B(m)
	case 0xA3:
		return ic.execBitOp(bitOpTest, bitIndexReg, 0)
	case 0xAB:
		return ic.execBitOp(bitOpSet, bitIndexReg, 0)
	case 0xB3:
		return ic.execBitOp(bitOpReset, bitIndexReg, 0)
	case 0xBB:
		return ic.execBitOp(bitOpComplement, bitIndexReg, 0)
	case 0xBA:
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		imm, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		var op bitOp
		switch m.Reg & 7 {
		case 4:
			op = bitOpTest
		case 5:
			op = bitOpSet
		case 6:
			op = bitOpReset
		case 7:
			op = bitOpComplement
		default:
			return stepResult{}, udFault()
		}
		return ic.execBitOpDecoded(m, op, bitIndexImm, imm)
	}
	return stepResult{}, udFault()
}

func (ic *instrCtx) execXchg(size int) (stepResult, *Exception) {
	s := ic.cpu.State
	m, exc := ic.decodeModRm()
	if exc != nil {
		return stepResult{}, exc
	}
	src := s.ReadGpr(m.Reg, size, ic.prefixes.Rex.Present)

	if !m.IsMem {
		if ic.prefixes.Lock {
			return stepResult{}, udFault()
		}
		dst := s.ReadGpr(m.Rm, size, ic.prefixes.Rex.Present)
		s.WriteGpr(m.Rm, size, ic.prefixes.Rex.Present, src)
		s.WriteGpr(m.Reg, size, ic.prefixes.Rex.Present, dst)
		return ic.retire(), nil
	}

	// Memory XCHG is locked regardless of the prefix.
	old, exc2 := ic.bus.AtomicRmw(ic.ea(m), size, func(old uint64) (uint64, uint64) {
		return src, old
	})
	if exc2 != nil {
		return stepResult{}, exc2
	}
	s.WriteGpr(m.Reg, size, ic.prefixes.Rex.Present, old)
	return ic.retire(), nil
}

func (ic *instrCtx) execCmpXchg(size int) (stepResult, *Exception) {
	s := ic.cpu.State
	m, exc := ic.decodeModRm()
	if exc != nil {
		return stepResult{}, exc
	}
	expected := s.ReadGpr(GPR_RAX, size, ic.prefixes.Rex.Present)
	src := s.ReadGpr(m.Reg, size, ic.prefixes.Rex.Present)

	if !m.IsMem {
		if ic.prefixes.Lock {
			return stepResult{}, udFault()
		}
		dst := s.ReadGpr(m.Rm, size, ic.prefixes.Rex.Present)
		s.subWithFlags(expected, dst, false, size)
		if dst == expected {
			s.WriteGpr(m.Rm, size, ic.prefixes.Rex.Present, src)
		} else {
			s.WriteGpr(GPR_RAX, size, ic.prefixes.Rex.Present, dst)
		}
		return ic.retire(), nil
	}

	addr := ic.ea(m)
	if ic.prefixes.Lock {
		var swapped bool
		old, exc := ic.bus.AtomicRmw(addr, size, func(old uint64) (uint64, uint64) {
			if old == expected {
				swapped = true
				return src, old
			}
			swapped = false
			return old, old
		})
		if exc != nil {
			return stepResult{}, exc
		}
		s.subWithFlags(expected, old, false, size)
		if !swapped {
			s.WriteGpr(GPR_RAX, size, ic.prefixes.Rex.Present, old)
		}
	} else {
		old, exc := readMemSized(ic.bus, addr, size)
		if exc != nil {
			return stepResult{}, exc
		}
		s.subWithFlags(expected, old, false, size)
		if old == expected {
			if exc := writeMemSized(ic.bus, addr, size, src); exc != nil {
				return stepResult{}, exc
			}
		} else {
			s.WriteGpr(GPR_RAX, size, ic.prefixes.Rex.Present, old)
		}
	}
	return ic.retire(), nil
}

func (ic *instrCtx) execCmpXchg8B(m *modRm) (stepResult, *Exception) {
	s := ic.cpu.State
	if !m.IsMem {
		return stepResult{}, udFault()
	}
	addr := ic.ea(m)
	expected := s.ReadGpr(GPR_RDX, 4, false)<<32 | s.ReadGpr(GPR_RAX, 4, false)
	replacement := s.ReadGpr(GPR_RCX, 4, false)<<32 | s.ReadGpr(GPR_RBX, 4, false)

	var old uint64
	var swapped bool
	if ic.prefixes.Lock {
		var exc *Exception
		old, exc = ic.bus.AtomicRmw(addr, 8, func(cur uint64) (uint64, uint64) {
			if cur == expected {
				swapped = true
				return replacement, cur
			}
			swapped = false
			return cur, cur
		})
		if exc != nil {
			return stepResult{}, exc
		}
	} else {
		var exc *Exception
		old, exc = ic.bus.ReadU64(addr)
		if exc != nil {
			return stepResult{}, exc
		}
		if old == expected {
			if exc := ic.bus.WriteU64(addr, replacement); exc != nil {
				return stepResult{}, exc
			}
			swapped = true
		}
	}

	s.SetFlag(RFLAGS_ZF, swapped)
	if !swapped {
		s.WriteGpr(GPR_RAX, 4, false, old&0xFFFFFFFF)
		s.WriteGpr(GPR_RDX, 4, false, old>>32)
	}
	return ic.retire(), nil
}

func (ic *instrCtx) execCmpXchg16B(m *modRm) (stepResult, *Exception) {
	s := ic.cpu.State
	if !m.IsMem {
		return stepResult{}, udFault()
	}
	addr := ic.ea(m)
	if addr&0xF != 0 {
		return stepResult{}, gpFault(0)
	}
	expLo, expHi := s.Gprs[GPR_RAX], s.Gprs[GPR_RDX]
	repLo, repHi := s.Gprs[GPR_RBX], s.Gprs[GPR_RCX]

	var oldLo, oldHi uint64
	var swapped bool
	if ic.prefixes.Lock {
		var exc *Exception
		oldLo, oldHi, exc = ic.bus.AtomicRmw128(addr, func(curLo, curHi uint64) (uint64, uint64) {
			if curLo == expLo && curHi == expHi {
				swapped = true
				return repLo, repHi
			}
			swapped = false
			return curLo, curHi
		})
		if exc != nil {
			return stepResult{}, exc
		}
	} else {
		var exc *Exception
		oldLo, oldHi, exc = ic.bus.ReadU128(addr)
		if exc != nil {
			return stepResult{}, exc
		}
		if oldLo == expLo && oldHi == expHi {
			if exc := ic.bus.WriteU128(addr, repLo, repHi); exc != nil {
				return stepResult{}, exc
			}
			swapped = true
		}
	}

	s.SetFlag(RFLAGS_ZF, swapped)
	if !swapped {
		s.Gprs[GPR_RAX] = oldLo
		s.Gprs[GPR_RDX] = oldHi
	}
	return ic.retire(), nil
}

func (ic *instrCtx) execXadd(size int) (stepResult, *Exception) {
	s := ic.cpu.State
	m, exc := ic.decodeModRm()
	if exc != nil {
		return stepResult{}, exc
	}
	src := s.ReadGpr(m.Reg, size, ic.prefixes.Rex.Present)

	if !m.IsMem {
		if ic.prefixes.Lock {
			return stepResult{}, udFault()
		}
		dst := s.ReadGpr(m.Rm, size, ic.prefixes.Rex.Present)
		res := s.addWithFlags(dst, src, false, size)
		s.WriteGpr(m.Rm, size, ic.prefixes.Rex.Present, res)
		s.WriteGpr(m.Reg, size, ic.prefixes.Rex.Present, dst)
		return ic.retire(), nil
	}

	addr := ic.ea(m)
	if ic.prefixes.Lock {
		old, exc := ic.bus.AtomicRmw(addr, size, func(old uint64) (uint64, uint64) {
			return (old + src) & maskForSize(size), old
		})
		if exc != nil {
			return stepResult{}, exc
		}
		s.addWithFlags(old, src, false, size)
		s.WriteGpr(m.Reg, size, ic.prefixes.Rex.Present, old)
	} else {
		old, exc := readMemSized(ic.bus, addr, size)
		if exc != nil {
			return stepResult{}, exc
		}
		res := s.addWithFlags(old, src, false, size)
		if exc := writeMemSized(ic.bus, addr, size, res); exc != nil {
			return stepResult{}, exc
		}
		s.WriteGpr(m.Reg, size, ic.prefixes.Rex.Present, old)
	}
	return ic.retire(), nil
}

func (ic *instrCtx) execAluRmLocked(m *modRm, op AluOp, rhs uint64, size int) (stepResult, *Exception) {
	s := ic.cpu.State

	if !m.IsMem {
		if ic.prefixes.Lock {
			return stepResult{}, udFault()
		}
		lhs := s.ReadGpr(m.Rm, size, ic.prefixes.Rex.Present)
		res := s.aluApply(op, lhs, rhs, size)
		if op != ALU_CMP {
			s.WriteGpr(m.Rm, size, ic.prefixes.Rex.Present, res)
		}
		return ic.retire(), nil
	}

	addr := ic.ea(m)
	if !ic.prefixes.Lock {
		lhs, exc := readMemSized(ic.bus, addr, size)
		if exc != nil {
			return stepResult{}, exc
		}
		res := s.aluApply(op, lhs, rhs, size)
		if op != ALU_CMP {
			if exc := writeMemSized(ic.bus, addr, size, res); exc != nil {
				return stepResult{}, exc
			}
		}
		return ic.retire(), nil
	}

	cfIn := s.GetFlag(RFLAGS_CF)
	old, exc := ic.bus.AtomicRmw(addr, size, func(old uint64) (uint64, uint64) {
		return aluResultRaw(op, old, rhs, cfIn, size), old
	})
	if exc != nil {
		return stepResult{}, exc
	}
	// Flags recomputed from the observed old value.
	s.aluApply(op, old, rhs, size)
	return ic.retire(), nil
}

// aluResultRaw computes the committed value of a locked ALU op without
// touching flags.
func aluResultRaw(op AluOp, lhs, rhs uint64, cfIn bool, size int) uint64 {
	mask := maskForSize(size)
	lhs &= mask
	rhs &= mask
	c := uint64(0)
	if cfIn {
		c = 1
	}
	switch op {
	case ALU_ADD:
		return (lhs + rhs) & mask
	case ALU_ADC:
		return (lhs + rhs + c) & mask
	case ALU_SUB:
		return (lhs - rhs) & mask
	case ALU_SBB:
		return (lhs - rhs - c) & mask
	case ALU_AND:
		return lhs & rhs
	case ALU_OR:
		return lhs | rhs
	case ALU_XOR:
		return lhs ^ rhs
	}
	return lhs
}

func (ic *instrCtx) execUnaryLocked(m *modRm, size int, neg bool) (stepResult, *Exception) {
	s := ic.cpu.State
	if !m.IsMem {
		return stepResult{}, udFault()
	}
	mask := maskForSize(size)
	old, exc := ic.bus.AtomicRmw(ic.ea(m), size, func(old uint64) (uint64, uint64) {
		if neg {
			return (-old) & mask, old
		}
		return (^old) & mask, old
	})
	if exc != nil {
		return stepResult{}, exc
	}
	if neg {
		res := s.subWithFlags(0, old, false, size)
		s.SetFlag(RFLAGS_CF, old&mask != 0)
		_ = res
	}
	return ic.retire(), nil
}

func (ic *instrCtx) execIncDecLocked(m *modRm, size int, dec bool) (stepResult, *Exception) {
	s := ic.cpu.State
	if !m.IsMem {
		return stepResult{}, udFault()
	}
	mask := maskForSize(size)
	old, exc := ic.bus.AtomicRmw(ic.ea(m), size, func(old uint64) (uint64, uint64) {
		if dec {
			return (old - 1) & mask, old
		}
		return (old + 1) & mask, old
	})
	if exc != nil {
		return stepResult{}, exc
	}
	if dec {
		s.decWithFlags(old, size)
	} else {
		s.incWithFlags(old, size)
	}
	return ic.retire(), nil
}

// Bit-test operations.
type bitOp int

const (
	bitOpTest bitOp = iota
	bitOpSet
	bitOpReset
	bitOpComplement
)

type bitIndexKind int

const (
	bitIndexReg bitIndexKind = iota
	bitIndexImm
)

func (ic *instrCtx) execBitOp(op bitOp, kind bitIndexKind, imm uint8) (stepResult, *Exception) {
	m, exc := ic.decodeModRm()
	if exc != nil {
		return stepResult{}, exc
	}
	return ic.execBitOpDecoded(m, op, kind, imm)
}

func (ic *instrCtx) execBitOpDecoded(m *modRm, op bitOp, kind bitIndexKind, imm uint8) (stepResult, *Exception) {
	s := ic.cpu.State
	size := ic.operandSize()
	bitsN := uint64(size * 8)

	var index uint64
	if kind == bitIndexReg {
		index = s.ReadGpr(m.Reg, size, ic.prefixes.Rex.Present)
	} else {
		index = uint64(imm)
	}

	if !m.IsMem {
		if ic.prefixes.Lock {
			return stepResult{}, udFault()
		}
		index %= bitsN
		v := s.ReadGpr(m.Rm, size, ic.prefixes.Rex.Present)
		s.SetFlag(RFLAGS_CF, (v>>index)&1 != 0)
		switch op {
		case bitOpSet:
			v |= uint64(1) << index
		case bitOpReset:
			v &^= uint64(1) << index
		case bitOpComplement:
			v ^= uint64(1) << index
		default:
			return ic.retire(), nil
		}
		s.WriteGpr(m.Rm, size, ic.prefixes.Rex.Present, v)
		return ic.retire(), nil
	}

	if op == bitOpTest && ic.prefixes.Lock {
		return stepResult{}, udFault()
	}

	// Register bit indexes address beyond the operand: fold the floored
	// byte offset into the effective address and work byte-granular.
	base := ic.ea(m)
	accessSize := size
	if kind == bitIndexReg {
		signed := int64(signExtend(index, size))
		base = uint64(int64(base) + (signed >> 3))
		index = uint64(signed & 7)
		accessSize = 1
	} else {
		index %= bitsN
	}

	if op == bitOpTest {
		v, exc := readMemSized(ic.bus, base, accessSize)
		if exc != nil {
			return stepResult{}, exc
		}
		s.SetFlag(RFLAGS_CF, (v>>index)&1 != 0)
		return ic.retire(), nil
	}

	apply := func(old uint64) uint64 {
		switch op {
		case bitOpSet:
			return old | uint64(1)<<index
		case bitOpReset:
			return old &^ (uint64(1) << index)
		default:
			return old ^ uint64(1)<<index
		}
	}

	var old uint64
	if ic.prefixes.Lock {
		var exc *Exception
		old, exc = ic.bus.AtomicRmw(base, accessSize, func(cur uint64) (uint64, uint64) {
			return apply(cur) & maskForSize(accessSize), cur
		})
		if exc != nil {
			return stepResult{}, exc
		}
	} else {
		var exc *Exception
		old, exc = readMemSized(ic.bus, base, accessSize)
		if exc != nil {
			return stepResult{}, exc
		}
		if exc := writeMemSized(ic.bus, base, accessSize, apply(old)&maskForSize(accessSize)); exc != nil {
			return stepResult{}, exc
		}
	}
	s.SetFlag(RFLAGS_CF, (old>>index)&1 != 0)
	return ic.retire(), nil
}
