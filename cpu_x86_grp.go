// cpu_x86_grp.go - Group opcodes, two-byte map, string ops, segment loads

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

// loadSegment installs a selector. Real/v8086 reload the base as sel<<4;
// protected/long load a flat descriptor view (the simplified segmentation
// model: limits are not enforced on data access).
func (ic *instrCtx) loadSegment(seg int, sel uint16) {
	s := ic.cpu.State
	r := &s.Segments[seg]
	r.Selector = sel
	switch s.Mode {
	case MODE_REAL, MODE_VM86:
		r.Base = uint64(sel) << 4
	default:
		// Flat model: descriptors loaded by the guest OS are honored for
		// privilege (RPL) but bases stay linear-flat.
		r.Base = 0
	}
}

// execAluGroupImm handles 80/81/83: ALU r/m, imm.
func (ic *instrCtx) execAluGroupImm(opcode uint8) (stepResult, *Exception) {
	s := ic.cpu.State
	size := ic.operandSize()
	if opcode == 0x80 {
		size = 1
	}
	m, exc := ic.decodeModRm()
	if exc != nil {
		return stepResult{}, exc
	}
	op := AluOp(m.Reg & 7)

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

	lhs, exc := ic.readRm(m, size)
	if exc != nil {
		return stepResult{}, exc
	}
	res := s.aluApply(op, lhs, imm, size)
	if op != ALU_CMP {
		if exc := ic.writeRm(m, size, res); exc != nil {
			return stepResult{}, exc
		}
	}
	return ic.retire(), nil
}

// execShiftGroup handles C0/C1/D0/D1/D2/D3.
func (ic *instrCtx) execShiftGroup(opcode uint8) (stepResult, *Exception) {
	s := ic.cpu.State
	size := ic.operandSize()
	if opcode == 0xC0 || opcode == 0xD0 || opcode == 0xD2 {
		size = 1
	}
	m, exc := ic.decodeModRm()
	if exc != nil {
		return stepResult{}, exc
	}
	var count uint64
	switch opcode {
	case 0xC0, 0xC1:
		c, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		count = uint64(c)
	case 0xD0, 0xD1:
		count = 1
	default:
		count = s.Gprs[GPR_RCX] & 0xFF
	}
	v, exc := ic.readRm(m, size)
	if exc != nil {
		return stepResult{}, exc
	}
	res := s.shiftWithFlags(m.Reg&7, v, count, size)
	if exc := ic.writeRm(m, size, res); exc != nil {
		return stepResult{}, exc
	}
	return ic.retire(), nil
}

// execUnaryGroup handles F6/F7: TEST/NOT/NEG/MUL/IMUL/DIV/IDIV.
func (ic *instrCtx) execUnaryGroup(opcode uint8) (stepResult, *Exception) {
	s := ic.cpu.State
	size := ic.operandSize()
	if opcode == 0xF6 {
		size = 1
	}
	m, exc := ic.decodeModRm()
	if exc != nil {
		return stepResult{}, exc
	}

	switch m.Reg & 7 {
	case 0, 1: // TEST r/m, imm
		imm, exc := ic.fetchImmOp(size)
		if exc != nil {
			return stepResult{}, exc
		}
		v, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		s.logicWithFlags(v&imm, size)

	case 2: // NOT
		v, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		if exc := ic.writeRm(m, size, ^v); exc != nil {
			return stepResult{}, exc
		}

	case 3: // NEG
		v, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		res := s.subWithFlags(0, v, false, size)
		s.SetFlag(RFLAGS_CF, v&maskForSize(size) != 0)
		if exc := ic.writeRm(m, size, res); exc != nil {
			return stepResult{}, exc
		}

	case 4: // MUL
		v, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		lo, hi := mulFull(s.ReadGpr(GPR_RAX, size, true), v, size)
		s.storeMulResult(lo, hi, size)
		overflow := hi != 0
		s.SetFlag(RFLAGS_CF, overflow)
		s.SetFlag(RFLAGS_OF, overflow)

	case 5: // IMUL (one-operand)
		v, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		lo, hi := imulFull(s.ReadGpr(GPR_RAX, size, true), v, size)
		s.storeMulResult(lo, hi, size)
		sign := uint64(0)
		if signBit(lo, size) {
			sign = maskForSize(size)
		}
		overflow := hi != sign
		s.SetFlag(RFLAGS_CF, overflow)
		s.SetFlag(RFLAGS_OF, overflow)

	case 6: // DIV
		v, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		if v&maskForSize(size) == 0 {
			return stepResult{}, deFault()
		}
		if exc := s.divUnsigned(v, size); exc != nil {
			return stepResult{}, exc
		}

	default: // IDIV
		v, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		if v&maskForSize(size) == 0 {
			return stepResult{}, deFault()
		}
		if exc := s.divSigned(v, size); exc != nil {
			return stepResult{}, exc
		}
	}
	return ic.retire(), nil
}

// execIncDecGroup handles FE/FF: INC/DEC plus the FF control-flow and PUSH
// forms.
func (ic *instrCtx) execIncDecGroup(opcode uint8) (stepResult, *Exception) {
	s := ic.cpu.State
	size := ic.operandSize()
	if opcode == 0xFE {
		size = 1
	}
	m, exc := ic.decodeModRm()
	if exc != nil {
		return stepResult{}, exc
	}
	op := m.Reg & 7

	if opcode == 0xFE && op > 1 {
		return stepResult{}, udFault()
	}

	switch op {
	case 0, 1: // INC/DEC
		v, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		var res uint64
		if op == 0 {
			res = s.incWithFlags(v, size)
		} else {
			res = s.decWithFlags(v, size)
		}
		if exc := ic.writeRm(m, size, res); exc != nil {
			return stepResult{}, exc
		}
		return ic.retire(), nil

	case 2: // CALL r/m (near)
		if s.Mode == MODE_LONG64 {
			size = 8
		}
		target, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		if exc := ic.push(ic.nextRip(), ic.stackOperandSize()); exc != nil {
			return stepResult{}, exc
		}
		return ic.branchTo(target), nil

	case 4: // JMP r/m (near)
		if s.Mode == MODE_LONG64 {
			size = 8
		}
		target, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		return ic.branchTo(target), nil

	case 6: // PUSH r/m
		size = ic.stackOperandSize()
		v, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		if exc := ic.push(v, size); exc != nil {
			return stepResult{}, exc
		}
		return ic.retire(), nil
	}
	return stepResult{}, udFault()
}

// executeTwoByte dispatches the 0F escape map.
func (ic *instrCtx) executeTwoByte(op2 uint8) (stepResult, *Exception) {
	s := ic.cpu.State

	switch {
	case op2 >= 0x80 && op2 <= 0x8F: // Jcc rel16/32
		immSize := 4
		if ic.operandSize() == 2 {
			immSize = 2
		}
		d, exc := ic.fetchImm(immSize)
		if exc != nil {
			return stepResult{}, exc
		}
		if s.conditionHolds(op2 & 0xF) {
			return ic.branchTo(ic.relTarget(int64(signExtend(d, immSize)))), nil
		}
		return ic.retire(), nil

	case op2 >= 0x90 && op2 <= 0x9F: // SETcc r/m8
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		var v uint64
		if s.conditionHolds(op2 & 0xF) {
			v = 1
		}
		if exc := ic.writeRm(m, 1, v); exc != nil {
			return stepResult{}, exc
		}
		return ic.retire(), nil

	case op2 >= 0x40 && op2 <= 0x4F: // CMOVcc
		size := ic.operandSize()
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		v, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		if s.conditionHolds(op2 & 0xF) {
			s.WriteGpr(m.Reg, size, ic.prefixes.Rex.Present, v)
		} else if size == 4 {
			// 32-bit CMOV zero-extends the destination even when not taken.
			s.WriteGpr(m.Reg, 4, ic.prefixes.Rex.Present, s.ReadGpr(m.Reg, 4, ic.prefixes.Rex.Present))
		}
		return ic.retire(), nil
	}

	switch op2 {
	case 0x00: // LLDT/LTR group (only LTR modeled)
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		switch m.Reg & 7 {
		case 3: // LTR
			v, exc := ic.readRm(m, 2)
			if exc != nil {
				return stepResult{}, exc
			}
			s.Tr.Selector = uint16(v)
			return ic.retire(), nil
		}
		return stepResult{}, udFault()

	case 0x01: // SGDT/SIDT/LGDT/LIDT/SMSW/LMSW
		return ic.execSystemGroup()

	case 0x05: // SYSCALL: surfaced as an assist
		ic.cpu.State.Rip = ic.nextRip()
		return stepResult{kind: stepAssist, assist: "syscall"}, nil

	case 0x06: // CLTS
		s.Cr0 &^= uint64(1) << 3
		return ic.retire(), nil

	case 0x09: // WBINVD
		return ic.retire(), nil

	case 0x0B: // UD2
		return stepResult{}, udFault()

	case 0x1F: // multi-byte NOP
		if _, exc := ic.decodeModRm(); exc != nil {
			return stepResult{}, exc
		}
		return ic.retire(), nil

	case 0x20: // MOV r, CRn
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		if s.Cpl() != 0 {
			return stepResult{}, gpFault(0)
		}
		var v uint64
		switch m.Reg {
		case 0:
			v = s.Cr0
		case 2:
			v = s.Cr2
		case 3:
			v = s.Cr3
		case 4:
			v = s.Cr4
		default:
			return stepResult{}, udFault()
		}
		s.WriteGpr(m.Rm, 8, true, v)
		return ic.retire(), nil

	case 0x22: // MOV CRn, r
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		if s.Cpl() != 0 {
			return stepResult{}, gpFault(0)
		}
		v := s.ReadGpr(m.Rm, 8, true)
		switch m.Reg {
		case 0:
			s.Cr0 = v
			if s.Cr0&CR0_PG != 0 && s.Msr.Efer&EFER_LME != 0 {
				s.Msr.Efer |= EFER_LMA
			}
			s.RecomputeMode()
			s.TlbSalt++
		case 2:
			s.Cr2 = v
		case 3:
			s.Cr3 = v
			s.TlbSalt++
		case 4:
			s.Cr4 = v
			s.TlbSalt++
		default:
			return stepResult{}, udFault()
		}
		return ic.retire(), nil

	case 0x30: // WRMSR
		if s.Cpl() != 0 {
			return stepResult{}, gpFault(0)
		}
		val := (s.Gprs[GPR_RDX] << 32) | (s.Gprs[GPR_RAX] & 0xFFFFFFFF)
		return ic.writeMsr(uint32(s.Gprs[GPR_RCX]), val)

	case 0x31: // RDTSC
		tsc := s.Msr.Tsc
		s.WriteGpr(GPR_RAX, 4, true, tsc&0xFFFFFFFF)
		s.WriteGpr(GPR_RDX, 4, true, tsc>>32)
		return ic.retire(), nil

	case 0x32: // RDMSR
		if s.Cpl() != 0 {
			return stepResult{}, gpFault(0)
		}
		return ic.readMsr(uint32(s.Gprs[GPR_RCX]))

	case 0xA2: // CPUID
		ic.executeCpuid()
		return ic.retire(), nil

	case 0xA3, 0xAB, 0xB3, 0xBB, 0xBA, 0xB0, 0xB1, 0xC1, 0xC7:
		// BT group, CMPXCHG, XADD, CMPXCHG8B/16B: atomics path handles both
		// locked and unlocked forms.
		return ic.executeAtomicTwoByte(op2)

	case 0xAF: // IMUL r, r/m
		size := ic.operandSize()
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		v, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		lhs := s.ReadGpr(m.Reg, size, ic.prefixes.Rex.Present)
		lo, hi := imulFull(lhs, v, size)
		s.WriteGpr(m.Reg, size, ic.prefixes.Rex.Present, lo)
		sign := uint64(0)
		if signBit(lo, size) {
			sign = maskForSize(size)
		}
		overflow := hi != sign
		s.SetFlag(RFLAGS_CF, overflow)
		s.SetFlag(RFLAGS_OF, overflow)
		return ic.retire(), nil

	case 0xB6, 0xB7: // MOVZX
		srcSize := 1
		if op2 == 0xB7 {
			srcSize = 2
		}
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		v, exc := ic.readRm(m, srcSize)
		if exc != nil {
			return stepResult{}, exc
		}
		s.WriteGpr(m.Reg, ic.operandSize(), ic.prefixes.Rex.Present, v)
		return ic.retire(), nil

	case 0xBE, 0xBF: // MOVSX
		srcSize := 1
		if op2 == 0xBF {
			srcSize = 2
		}
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		v, exc := ic.readRm(m, srcSize)
		if exc != nil {
			return stepResult{}, exc
		}
		s.WriteGpr(m.Reg, ic.operandSize(), ic.prefixes.Rex.Present, signExtend(v, srcSize))
		return ic.retire(), nil

	case 0xBC, 0xBD: // BSF/BSR
		size := ic.operandSize()
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		v, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		v &= maskForSize(size)
		if v == 0 {
			s.SetFlag(RFLAGS_ZF, true)
			return ic.retire(), nil
		}
		s.SetFlag(RFLAGS_ZF, false)
		var idx uint64
		if op2 == 0xBC {
			for (v>>idx)&1 == 0 {
				idx++
			}
		} else {
			idx = uint64(size*8 - 1)
			for (v>>idx)&1 == 0 {
				idx--
			}
		}
		s.WriteGpr(m.Reg, size, ic.prefixes.Rex.Present, idx)
		return ic.retire(), nil
	}

	return stepResult{}, udFault()
}

// execSystemGroup: 0F 01 descriptor-table operations.
func (ic *instrCtx) execSystemGroup() (stepResult, *Exception) {
	s := ic.cpu.State
	m, exc := ic.decodeModRm()
	if exc != nil {
		return stepResult{}, exc
	}
	if !m.IsMem && (m.Reg&7) <= 3 {
		return stepResult{}, udFault()
	}
	baseSize := 4
	if s.Mode == MODE_LONG64 {
		baseSize = 8
	}
	addr := ic.ea(m)
	switch m.Reg & 7 {
	case 0, 1: // SGDT/SIDT
		table := &s.Gdt
		if m.Reg&7 == 1 {
			table = &s.Idt
		}
		if exc := ic.bus.WriteU16(addr, table.Limit); exc != nil {
			return stepResult{}, exc
		}
		if exc := writeMemSized(ic.bus, addr+2, baseSize, table.Base); exc != nil {
			return stepResult{}, exc
		}
	case 2, 3: // LGDT/LIDT
		if s.Cpl() != 0 {
			return stepResult{}, gpFault(0)
		}
		limit, exc := ic.bus.ReadU16(addr)
		if exc != nil {
			return stepResult{}, exc
		}
		base, exc2 := readMemSized(ic.bus, addr+2, baseSize)
		if exc2 != nil {
			return stepResult{}, exc2
		}
		if baseSize == 4 {
			base &= 0xFFFFFF
			if ic.operandSize() == 4 {
				base, _ = readMemSized(ic.bus, addr+2, 4)
			}
		}
		if m.Reg&7 == 2 {
			s.Gdt = DescriptorTable{Base: base, Limit: limit}
		} else {
			s.Idt = DescriptorTable{Base: base, Limit: limit}
		}
	case 4: // SMSW
		if exc := ic.writeRm(m, 2, s.Cr0&0xFFFF); exc != nil {
			return stepResult{}, exc
		}
	case 6: // LMSW
		v, exc := ic.readRm(m, 2)
		if exc != nil {
			return stepResult{}, exc
		}
		s.Cr0 = (s.Cr0 &^ 0xF) | (v & 0xF)
		s.RecomputeMode()
	default:
		return stepResult{}, udFault()
	}
	return ic.retire(), nil
}

// executeCpuid fills a deterministic minimal leaf set.
func (ic *instrCtx) executeCpuid() {
	s := ic.cpu.State
	leaf := uint32(s.Gprs[GPR_RAX])
	var a, b, c, d uint32
	switch leaf {
	case 0:
		a = 1
		b, d, c = 0x756E6547, 0x49656E69, 0x6C65746E // "GenuineIntel"
	case 1:
		a = 0x000306A9
		// FPU, PSE, TSC, MSR, PAE, CX8, APIC, CMOV, PGE
		d = 1<<0 | 1<<3 | 1<<4 | 1<<5 | 1<<6 | 1<<8 | 1<<9 | 1<<13 | 1<<15
		c = 1 << 13 // CMPXCHG16B
	case 0x80000000:
		a = 0x80000001
	case 0x80000001:
		d = 1<<29 | 1<<20 // LM, NX
	}
	s.WriteGpr(GPR_RAX, 4, true, uint64(a))
	s.WriteGpr(GPR_RBX, 4, true, uint64(b))
	s.WriteGpr(GPR_RCX, 4, true, uint64(c))
	s.WriteGpr(GPR_RDX, 4, true, uint64(d))
}

const (
	MSR_EFER          = 0xC0000080
	MSR_FS_BASE       = 0xC0000100
	MSR_GS_BASE       = 0xC0000101
	MSR_KERNEL_GSBASE = 0xC0000102
	MSR_TSC           = 0x10
	MSR_APIC_BASE     = 0x1B
)

func (ic *instrCtx) readMsr(msr uint32) (stepResult, *Exception) {
	s := ic.cpu.State
	var v uint64
	switch msr {
	case MSR_EFER:
		v = s.Msr.Efer
	case MSR_FS_BASE:
		v = s.Msr.FsBase
	case MSR_GS_BASE:
		v = s.Msr.GsBase
	case MSR_KERNEL_GSBASE:
		v = s.Msr.KernelGs
	case MSR_TSC:
		v = s.Msr.Tsc
	case MSR_APIC_BASE:
		v = s.Msr.ApicBase
	default:
		return stepResult{}, gpFault(0)
	}
	s.WriteGpr(GPR_RAX, 4, true, v&0xFFFFFFFF)
	s.WriteGpr(GPR_RDX, 4, true, v>>32)
	return ic.retire(), nil
}

func (ic *instrCtx) writeMsr(msr uint32, v uint64) (stepResult, *Exception) {
	s := ic.cpu.State
	switch msr {
	case MSR_EFER:
		s.Msr.Efer = v
		s.RecomputeMode()
	case MSR_FS_BASE:
		s.Msr.FsBase = v
	case MSR_GS_BASE:
		s.Msr.GsBase = v
	case MSR_KERNEL_GSBASE:
		s.Msr.KernelGs = v
	case MSR_TSC:
		s.Msr.Tsc = v
	case MSR_APIC_BASE:
		s.Msr.ApicBase = v
	default:
		return stepResult{}, gpFault(0)
	}
	return ic.retire(), nil
}

// executeString implements MOVS/STOS/LODS/CMPS/SCAS with REP/REPE/REPNE.
// REP iterations are bounded per step so huge counts cannot stall the batch
// clock; the instruction resumes at the same RIP.
func (ic *instrCtx) executeString(opcode uint8) (stepResult, *Exception) {
	s := ic.cpu.State
	size := ic.operandSize()
	if opcode&1 == 0 {
		size = 1
	}
	step := s.stringStep(size)
	srcSeg := ic.dataSegment(-1)

	rep := ic.prefixes.Rep != REP_NONE
	const repChunk = 4096
	iterations := 1
	if rep {
		count := ic.readAddrReg(GPR_RCX)
		if count == 0 {
			return ic.retire(), nil
		}
		iterations = repChunk
		if count < repChunk {
			iterations = int(count)
		}
	}

	for i := 0; i < iterations; i++ {
		si := ic.readAddrReg(GPR_RSI)
		di := ic.readAddrReg(GPR_RDI)
		var repeat bool

		switch opcode {
		case 0xA4, 0xA5: // MOVS
			v, exc := readMemSized(ic.bus, ic.linearize(srcSeg, si), size)
			if exc != nil {
				return stepResult{}, exc
			}
			if exc := writeMemSized(ic.bus, ic.linearize(SEG_ES, di), size, v); exc != nil {
				return stepResult{}, exc
			}
			ic.writeAddrReg(GPR_RSI, uint64(int64(si)+step))
			ic.writeAddrReg(GPR_RDI, uint64(int64(di)+step))
			repeat = true

		case 0xAA, 0xAB: // STOS
			v := s.ReadGpr(GPR_RAX, size, true)
			if exc := writeMemSized(ic.bus, ic.linearize(SEG_ES, di), size, v); exc != nil {
				return stepResult{}, exc
			}
			ic.writeAddrReg(GPR_RDI, uint64(int64(di)+step))
			repeat = true

		case 0xAC, 0xAD: // LODS
			v, exc := readMemSized(ic.bus, ic.linearize(srcSeg, si), size)
			if exc != nil {
				return stepResult{}, exc
			}
			s.WriteGpr(GPR_RAX, size, true, v)
			ic.writeAddrReg(GPR_RSI, uint64(int64(si)+step))
			repeat = true

		case 0xA6, 0xA7: // CMPS
			a, exc := readMemSized(ic.bus, ic.linearize(srcSeg, si), size)
			if exc != nil {
				return stepResult{}, exc
			}
			b, exc2 := readMemSized(ic.bus, ic.linearize(SEG_ES, di), size)
			if exc2 != nil {
				return stepResult{}, exc2
			}
			s.subWithFlags(a, b, false, size)
			ic.writeAddrReg(GPR_RSI, uint64(int64(si)+step))
			ic.writeAddrReg(GPR_RDI, uint64(int64(di)+step))
			repeat = ic.repConditionHolds()

		default: // 0xAE, 0xAF SCAS
			b, exc := readMemSized(ic.bus, ic.linearize(SEG_ES, di), size)
			if exc != nil {
				return stepResult{}, exc
			}
			s.subWithFlags(s.ReadGpr(GPR_RAX, size, true), b, false, size)
			ic.writeAddrReg(GPR_RDI, uint64(int64(di)+step))
			repeat = ic.repConditionHolds()
		}

		if rep {
			count := ic.readAddrReg(GPR_RCX) - 1
			ic.writeAddrReg(GPR_RCX, count)
			if count == 0 || !repeat {
				return ic.retire(), nil
			}
		}
	}

	if rep && ic.readAddrReg(GPR_RCX) != 0 {
		// Budget exhausted: resume the same instruction next step.
		return stepResult{kind: stepNext}, nil
	}
	return ic.retire(), nil
}

// repConditionHolds evaluates the REPE/REPNE termination condition for
// CMPS/SCAS.
func (ic *instrCtx) repConditionHolds() bool {
	zf := ic.cpu.State.GetFlag(RFLAGS_ZF)
	switch ic.prefixes.Rep {
	case REP_REPE:
		return zf
	case REP_REPNE:
		return !zf
	}
	return false
}

// ----------------------------------------------------------------------------
// Wide multiply / divide helpers
// ----------------------------------------------------------------------------

func mulFull(a, b uint64, size int) (lo, hi uint64) {
	mask := maskForSize(size)
	a &= mask
	b &= mask
	if size == 8 {
		hi64, lo64 := bitsMul64(a, b)
		return lo64, hi64
	}
	prod := a * b
	return prod & mask, (prod >> (size * 8)) & mask
}

func imulFull(a, b uint64, size int) (lo, hi uint64) {
	if size == 8 {
		sa := int64(a)
		sb := int64(b)
		hi64, lo64 := bitsMul64(uint64(sa), uint64(sb))
		// Convert unsigned 128-bit product to signed.
		if sa < 0 {
			hi64 -= uint64(sb)
		}
		if sb < 0 {
			hi64 -= uint64(sa)
		}
		return lo64, hi64
	}
	mask := maskForSize(size)
	prod := int64(signExtend(a, size)) * int64(signExtend(b, size))
	return uint64(prod) & mask, (uint64(prod) >> (size * 8)) & mask
}

// storeMulResult places the wide product per the one-operand MUL family
// conventions (AX for byte ops, DX:AX style otherwise).
func (s *CpuState) storeMulResult(lo, hi uint64, size int) {
	if size == 1 {
		s.WriteGpr(GPR_RAX, 2, true, (hi<<8)|lo)
		return
	}
	s.WriteGpr(GPR_RAX, size, true, lo)
	s.WriteGpr(GPR_RDX, size, true, hi)
}

func (s *CpuState) divUnsigned(divisor uint64, size int) *Exception {
	mask := maskForSize(size)
	divisor &= mask
	if size == 1 {
		dividend := s.ReadGpr(GPR_RAX, 2, true)
		q := dividend / divisor
		if q > 0xFF {
			return deFault()
		}
		s.WriteGpr(GPR_RAX, 2, true, (dividend%divisor)<<8|q)
		return nil
	}
	hi := s.ReadGpr(GPR_RDX, size, true)
	lo := s.ReadGpr(GPR_RAX, size, true)
	if size == 8 {
		if hi != 0 && hi >= divisor {
			return deFault()
		}
		q, r := bitsDiv64(hi, lo, divisor)
		s.WriteGpr(GPR_RAX, 8, true, q)
		s.WriteGpr(GPR_RDX, 8, true, r)
		return nil
	}
	dividend := hi<<(size*8) | lo
	q := dividend / divisor
	if q > mask {
		return deFault()
	}
	s.WriteGpr(GPR_RAX, size, true, q)
	s.WriteGpr(GPR_RDX, size, true, dividend%divisor)
	return nil
}

func (s *CpuState) divSigned(divisor uint64, size int) *Exception {
	sd := int64(signExtend(divisor, size))
	if size == 1 {
		dividend := int64(int16(s.ReadGpr(GPR_RAX, 2, true)))
		q := dividend / sd
		if q > 127 || q < -128 {
			return deFault()
		}
		s.WriteGpr(GPR_RAX, 2, true, uint64(dividend%sd)&0xFF<<8|uint64(q)&0xFF)
		return nil
	}
	if size == 8 {
		// 128/64 signed division is only defined when the dividend fits in
		// 64 bits; wider dividends fault.
		hi := s.Gprs[GPR_RDX]
		lo := s.Gprs[GPR_RAX]
		if !(hi == 0 && int64(lo) >= 0) && !(hi == ^uint64(0) && int64(lo) < 0) {
			return deFault()
		}
		dividend := int64(lo)
		q := dividend / sd
		s.Gprs[GPR_RAX] = uint64(q)
		s.Gprs[GPR_RDX] = uint64(dividend % sd)
		return nil
	}
	mask := maskForSize(size)
	hi := s.ReadGpr(GPR_RDX, size, true)
	lo := s.ReadGpr(GPR_RAX, size, true)
	dividend := int64(signExtend(hi<<(size*8)|lo, size*2))
	q := dividend / sd
	limit := int64(mask >> 1)
	if q > limit || q < -limit-1 {
		return deFault()
	}
	s.WriteGpr(GPR_RAX, size, true, uint64(q)&mask)
	s.WriteGpr(GPR_RDX, size, true, uint64(dividend%sd)&mask)
	return nil
}
