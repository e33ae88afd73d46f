// cpu_x86_interp.go - Tier-0 interpreter: batch loop and primary opcode map

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
cpu_x86_interp.go - Tier-0 Interpreter

The iterative interpreter core. Each step fetches up to 15 bytes through
the bus, consumes prefixes, decodes one instruction and executes it,
updating RFLAGS per the ALU rules. Batches are bounded by instruction count
and exit on control transfers, HLT, BIOS interrupts, faults that escalate
out of the delivery ladder, or batch completion.

Decode faults are guest-visible: an unknown opcode raises #UD, a fetch that
runs off a mapped page raises #PF at the fetch address. The host only ever
sees TripleFault.
*/

package main

// BatchExitKind describes why a Tier-0 batch stopped.
type BatchExitKind int

const (
	BATCH_COMPLETED BatchExitKind = iota
	BATCH_BRANCH
	BATCH_HALTED
	BATCH_BIOS_INTERRUPT
	BATCH_EXCEPTION
	BATCH_ASSIST
	BATCH_CPU_EXIT
)

// CpuExitKind is a fatal, host-visible CPU exit.
type CpuExitKind int

const (
	CPU_EXIT_TRIPLE_FAULT CpuExitKind = iota
)

// BatchResult reports a finished batch.
type BatchResult struct {
	Exit     BatchExitKind
	Executed uint64
	// Vector for BATCH_BIOS_INTERRUPT.
	Vector uint8
	// Exception for BATCH_EXCEPTION (delivery already failed upward).
	Exception *Exception
	CpuExit   CpuExitKind
	Assist    string
}

// Tier0Config parameterizes batch execution.
type Tier0Config struct {
	// InterceptBiosInt reports whether a real-mode INT vector is serviced
	// by host firmware instead of the guest IVT.
	InterceptBiosInt func(vector uint8) bool
}

// step outcome kinds (internal).
type stepKind int

const (
	stepNext stepKind = iota
	stepBranch
	stepHalt
	stepBios
	stepAssist
)

type stepResult struct {
	kind   stepKind
	vector uint8
	assist string
}

// RunBatch executes up to maxInsts instructions.
func RunBatch(cfg *Tier0Config, cpu *CpuCore, bus CpuBus, maxInsts uint64) BatchResult {
	var executed uint64

	for executed < maxInsts {
		switch deliverPendingEvent(cpu, bus) {
		case deliverTripleFault:
			return BatchResult{Exit: BATCH_CPU_EXIT, Executed: executed, CpuExit: CPU_EXIT_TRIPLE_FAULT}
		case deliverDone:
			// An injected event transfers control; surface it like a branch
			// so the outer loop resyncs devices before the handler runs.
			return BatchResult{Exit: BATCH_BRANCH, Executed: executed}
		}

		if cpu.State.Halted {
			return BatchResult{Exit: BATCH_HALTED, Executed: executed}
		}

		res, exc := stepOne(cfg, cpu, bus)
		if exc != nil {
			// Guest-visible fault: queue for delivery on the next
			// iteration. Faults outrank everything already pending.
			cpu.Pending.RaiseFault(exc)
			continue
		}

		executed++
		cpu.State.Msr.Tsc++
		cpu.Time.AdvanceCycles(1)
		cpu.Pending.AgeInterruptShadow()

		switch res.kind {
		case stepBranch:
			return BatchResult{Exit: BATCH_BRANCH, Executed: executed}
		case stepHalt:
			return BatchResult{Exit: BATCH_HALTED, Executed: executed}
		case stepBios:
			return BatchResult{Exit: BATCH_BIOS_INTERRUPT, Executed: executed, Vector: res.vector}
		case stepAssist:
			return BatchResult{Exit: BATCH_ASSIST, Executed: executed, Assist: res.assist}
		}
	}
	return BatchResult{Exit: BATCH_COMPLETED, Executed: executed}
}

// fetchLinearRip returns the linear address of the next instruction.
func fetchLinearRip(s *CpuState) uint64 {
	if s.Mode == MODE_LONG64 {
		return s.Rip
	}
	return s.Segments[SEG_CS].Base + s.Rip
}

// stepOne decodes and executes one instruction.
func stepOne(cfg *Tier0Config, cpu *CpuCore, bus CpuBus) (stepResult, *Exception) {
	fetchAddr := fetchLinearRip(cpu.State)
	code, exc := bus.Fetch(fetchAddr, MAX_INSTRUCTION_BYTES)
	if exc != nil {
		return stepResult{}, exc
	}

	ic := &instrCtx{cpu: cpu, bus: bus, code: code, startRip: cpu.State.Rip}

	opcode, exc := ic.parsePrefixes()
	if exc != nil {
		return stepResult{}, ic.truncationFault(fetchAddr, exc)
	}
	res, exc := ic.execute(cfg, opcode)
	if exc != nil {
		return stepResult{}, ic.truncationFault(fetchAddr, exc)
	}
	return res, nil
}

// truncationFault maps the decode sentinel onto a #PF at the fetch address;
// other exceptions pass through.
func (ic *instrCtx) truncationFault(fetchAddr uint64, exc *Exception) *Exception {
	if exc == errTruncatedInstruction {
		return pageFault(fetchAddr+uint64(ic.pos), 0)
	}
	return exc
}

// retire advances RIP past the decoded instruction.
func (ic *instrCtx) retire() stepResult {
	ic.cpu.State.Rip = ic.nextRip()
	return stepResult{kind: stepNext}
}

func (ic *instrCtx) nextRip() uint64 {
	next := ic.startRip + uint64(ic.pos)
	if ic.cpu.State.Mode != MODE_LONG64 {
		next &= 0xFFFFFFFF
	}
	return next
}

// branchTo commits a new RIP, truncated per mode.
func (ic *instrCtx) branchTo(target uint64) stepResult {
	s := ic.cpu.State
	switch s.Mode {
	case MODE_REAL, MODE_VM86:
		target &= 0xFFFF
	case MODE_PROTECTED:
		target &= 0xFFFFFFFF
	}
	s.Rip = target
	return stepResult{kind: stepBranch}
}

// relTarget computes a near-relative branch target of the operand size.
func (ic *instrCtx) relTarget(disp int64) uint64 {
	next := ic.nextRip()
	target := uint64(int64(next) + disp)
	switch ic.operandSize() {
	case 2:
		target &= 0xFFFF
	case 4:
		target &= 0xFFFFFFFF
	}
	return target
}

// execute dispatches the primary opcode map.
func (ic *instrCtx) execute(cfg *Tier0Config, opcode uint8) (stepResult, *Exception) {
	s := ic.cpu.State

	// The LOCK-capable memory group routes through the atomics path, which
	// enforces the bus atomic_rmw discipline (and #UD for register forms).
	if ic.prefixes.Lock {
		return ic.executeAtomic(opcode)
	}

	switch {
	// ALU r/m,r / r,r/m / acc,imm families: 00-3D (skipping segment pushes).
	case opcode <= 0x3D && opcode&7 <= 5 && !(opcode == 0x0F):
		return ic.execAluFamily(opcode)
	}

	switch opcode {
	case 0x0F:
		op2, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		return ic.executeTwoByte(op2)

	// ----- MOV -----
	case 0x88, 0x89, 0x8A, 0x8B:
		size := ic.operandSize()
		if opcode&1 == 0 {
			size = 1
		}
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		if opcode <= 0x89 { // r/m <- reg
			v := s.ReadGpr(m.Reg, size, ic.prefixes.Rex.Present)
			if exc := ic.writeRm(m, size, v); exc != nil {
				return stepResult{}, exc
			}
		} else { // reg <- r/m
			v, exc := ic.readRm(m, size)
			if exc != nil {
				return stepResult{}, exc
			}
			s.WriteGpr(m.Reg, size, ic.prefixes.Rex.Present, v)
		}
		return ic.retire(), nil

	case 0x8C: // MOV r/m16, Sreg
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		if m.Reg >= SEG_COUNT {
			return stepResult{}, udFault()
		}
		if exc := ic.writeRm(m, 2, uint64(s.Segments[m.Reg].Selector)); exc != nil {
			return stepResult{}, exc
		}
		return ic.retire(), nil

	case 0x8E: // MOV Sreg, r/m16
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		if m.Reg >= SEG_COUNT || m.Reg == SEG_CS {
			return stepResult{}, udFault()
		}
		v, exc := ic.readRm(m, 2)
		if exc != nil {
			return stepResult{}, exc
		}
		ic.loadSegment(m.Reg, uint16(v))
		if m.Reg == SEG_SS {
			ic.cpu.Pending.SetInterruptShadow()
		}
		return ic.retire(), nil

	case 0x8D: // LEA
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		if !m.IsMem {
			return stepResult{}, udFault()
		}
		// LEA yields the effective address without the segment base.
		eff := ic.ea(m)
		if s.Mode != MODE_LONG64 {
			eff -= s.Segments[m.Segment].Base
		}
		s.WriteGpr(m.Reg, ic.operandSize(), ic.prefixes.Rex.Present, eff)
		return ic.retire(), nil

	case 0x8F: // POP r/m
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		size := ic.stackOperandSize()
		v, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		if exc := ic.writeRm(m, size, v); exc != nil {
			return stepResult{}, exc
		}
		return ic.retire(), nil

	case 0xA0, 0xA1, 0xA2, 0xA3: // MOV acc, moffs / moffs, acc
		size := ic.operandSize()
		if opcode&1 == 0 {
			size = 1
		}
		moffs, exc := ic.fetchImm(ic.addressSize())
		if exc != nil {
			return stepResult{}, exc
		}
		addr := ic.linearize(ic.dataSegment(-1), moffs)
		if opcode <= 0xA1 {
			v, exc := readMemSized(ic.bus, addr, size)
			if exc != nil {
				return stepResult{}, exc
			}
			s.WriteGpr(GPR_RAX, size, ic.prefixes.Rex.Present, v)
		} else {
			v := s.ReadGpr(GPR_RAX, size, ic.prefixes.Rex.Present)
			if exc := writeMemSized(ic.bus, addr, size, v); exc != nil {
				return stepResult{}, exc
			}
		}
		return ic.retire(), nil

	case 0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB6, 0xB7: // MOV r8, imm8
		reg := int(opcode & 7)
		if ic.prefixes.Rex.B {
			reg += 8
		}
		v, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		s.WriteGpr(reg, 1, ic.prefixes.Rex.Present, uint64(v))
		return ic.retire(), nil

	case 0xB8, 0xB9, 0xBA, 0xBB, 0xBC, 0xBD, 0xBE, 0xBF: // MOV r, imm
		reg := int(opcode & 7)
		if ic.prefixes.Rex.B {
			reg += 8
		}
		size := ic.operandSize()
		v, exc := ic.fetchImm(size)
		if exc != nil {
			return stepResult{}, exc
		}
		s.WriteGpr(reg, size, ic.prefixes.Rex.Present, v)
		return ic.retire(), nil

	case 0xC6, 0xC7: // MOV r/m, imm
		size := ic.operandSize()
		if opcode == 0xC6 {
			size = 1
		}
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		if m.Reg&7 != 0 {
			return stepResult{}, udFault()
		}
		v, exc := ic.fetchImmOp(size)
		if exc != nil {
			return stepResult{}, exc
		}
		if exc := ic.writeRm(m, size, v); exc != nil {
			return stepResult{}, exc
		}
		return ic.retire(), nil

	// ----- stack -----
	case 0x50, 0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57:
		reg := int(opcode & 7)
		if ic.prefixes.Rex.B {
			reg += 8
		}
		size := ic.stackOperandSize()
		if exc := ic.push(s.ReadGpr(reg, size, true), size); exc != nil {
			return stepResult{}, exc
		}
		return ic.retire(), nil

	case 0x58, 0x59, 0x5A, 0x5B, 0x5C, 0x5D, 0x5E, 0x5F:
		reg := int(opcode & 7)
		if ic.prefixes.Rex.B {
			reg += 8
		}
		size := ic.stackOperandSize()
		v, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		s.WriteGpr(reg, size, true, v)
		return ic.retire(), nil

	case 0x68: // PUSH imm
		size := ic.stackOperandSize()
		v, exc := ic.fetchImmOp(min(size, 4))
		if exc != nil {
			return stepResult{}, exc
		}
		if exc := ic.push(signExtend(v, min(size, 4)), size); exc != nil {
			return stepResult{}, exc
		}
		return ic.retire(), nil

	case 0x6A: // PUSH imm8
		v, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		size := ic.stackOperandSize()
		if exc := ic.push(signExtend(uint64(v), 1), size); exc != nil {
			return stepResult{}, exc
		}
		return ic.retire(), nil

	case 0x06, 0x0E, 0x16, 0x1E: // PUSH ES/CS/SS/DS (legacy modes)
		if s.Mode == MODE_LONG64 {
			return stepResult{}, udFault()
		}
		seg := []int{SEG_ES, SEG_CS, SEG_SS, SEG_DS}[opcode>>3]
		if exc := ic.push(uint64(s.Segments[seg].Selector), ic.stackOperandSize()); exc != nil {
			return stepResult{}, exc
		}
		return ic.retire(), nil

	case 0x07, 0x17, 0x1F: // POP ES/SS/DS (legacy modes)
		if s.Mode == MODE_LONG64 {
			return stepResult{}, udFault()
		}
		var seg int
		switch opcode {
		case 0x07:
			seg = SEG_ES
		case 0x17:
			seg = SEG_SS
		default:
			seg = SEG_DS
		}
		v, exc := ic.pop(ic.stackOperandSize())
		if exc != nil {
			return stepResult{}, exc
		}
		ic.loadSegment(seg, uint16(v))
		if seg == SEG_SS {
			ic.cpu.Pending.SetInterruptShadow()
		}
		return ic.retire(), nil

	case 0x9C: // PUSHF
		size := ic.stackOperandSize()
		if exc := ic.push(s.Rflags()&maskForSize(size), size); exc != nil {
			return stepResult{}, exc
		}
		return ic.retire(), nil

	case 0x9D: // POPF
		size := ic.stackOperandSize()
		v, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		s.applyPoppedFlags(v, size)
		return ic.retire(), nil

	// ----- test / xchg -----
	case 0x84, 0x85:
		size := ic.operandSize()
		if opcode == 0x84 {
			size = 1
		}
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		lhs, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		rhs := s.ReadGpr(m.Reg, size, ic.prefixes.Rex.Present)
		s.logicWithFlags(lhs&rhs, size)
		return ic.retire(), nil

	case 0xA8, 0xA9: // TEST acc, imm
		size := ic.operandSize()
		if opcode == 0xA8 {
			size = 1
		}
		imm, exc := ic.fetchImmOp(size)
		if exc != nil {
			return stepResult{}, exc
		}
		s.logicWithFlags(s.ReadGpr(GPR_RAX, size, ic.prefixes.Rex.Present)&imm, size)
		return ic.retire(), nil

	case 0x86, 0x87: // XCHG (unlocked forms still atomic on memory)
		return ic.executeAtomic(opcode)

	case 0x90: // NOP (XCHG eAX, eAX)
		if ic.prefixes.Rep == REP_REPE {
			// PAUSE
			return ic.retire(), nil
		}
		if ic.prefixes.Rex.B {
			size := ic.operandSize()
			a := s.ReadGpr(GPR_RAX, size, true)
			b := s.ReadGpr(GPR_R8, size, true)
			s.WriteGpr(GPR_RAX, size, true, b)
			s.WriteGpr(GPR_R8, size, true, a)
		}
		return ic.retire(), nil

	case 0x91, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97: // XCHG eAX, r
		reg := int(opcode & 7)
		if ic.prefixes.Rex.B {
			reg += 8
		}
		size := ic.operandSize()
		a := s.ReadGpr(GPR_RAX, size, true)
		b := s.ReadGpr(reg, size, true)
		s.WriteGpr(GPR_RAX, size, true, b)
		s.WriteGpr(reg, size, true, a)
		return ic.retire(), nil

	case 0x98: // CBW/CWDE/CDQE
		size := ic.operandSize()
		v := s.ReadGpr(GPR_RAX, size/2, true)
		s.WriteGpr(GPR_RAX, size, true, signExtend(v, size/2))
		return ic.retire(), nil

	case 0x99: // CWD/CDQ/CQO
		size := ic.operandSize()
		if signBit(s.ReadGpr(GPR_RAX, size, true), size) {
			s.WriteGpr(GPR_RDX, size, true, maskForSize(size))
		} else {
			s.WriteGpr(GPR_RDX, size, true, 0)
		}
		return ic.retire(), nil

	// ----- branches -----
	case 0x70, 0x71, 0x72, 0x73, 0x74, 0x75, 0x76, 0x77,
		0x78, 0x79, 0x7A, 0x7B, 0x7C, 0x7D, 0x7E, 0x7F:
		d, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		if s.conditionHolds(opcode & 0xF) {
			return ic.branchTo(ic.relTarget(int64(int8(d)))), nil
		}
		return ic.retire(), nil

	case 0xE0, 0xE1, 0xE2: // LOOPNE/LOOPE/LOOP
		d, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		cx := (ic.readAddrReg(GPR_RCX) - 1) & ic.addrRegMask()
		ic.writeAddrReg(GPR_RCX, cx)
		take := cx != 0
		if opcode == 0xE0 {
			take = take && !s.GetFlag(RFLAGS_ZF)
		} else if opcode == 0xE1 {
			take = take && s.GetFlag(RFLAGS_ZF)
		}
		if take {
			return ic.branchTo(ic.relTarget(int64(int8(d)))), nil
		}
		return ic.retire(), nil

	case 0xE3: // JCXZ/JECXZ/JRCXZ
		d, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		if ic.readAddrReg(GPR_RCX) == 0 {
			return ic.branchTo(ic.relTarget(int64(int8(d)))), nil
		}
		return ic.retire(), nil

	case 0xE8: // CALL rel
		immSize := 4
		if ic.operandSize() == 2 {
			immSize = 2
		}
		d, exc := ic.fetchImm(immSize)
		if exc != nil {
			return stepResult{}, exc
		}
		disp := int64(signExtend(d, immSize))
		if exc := ic.push(ic.nextRip(), ic.stackOperandSize()); exc != nil {
			return stepResult{}, exc
		}
		return ic.branchTo(ic.relTarget(disp)), nil

	case 0xE9: // JMP rel
		immSize := 4
		if ic.operandSize() == 2 {
			immSize = 2
		}
		d, exc := ic.fetchImm(immSize)
		if exc != nil {
			return stepResult{}, exc
		}
		return ic.branchTo(ic.relTarget(int64(signExtend(d, immSize)))), nil

	case 0xEA: // JMP far ptr16:16/32 (legacy modes)
		if s.Mode == MODE_LONG64 {
			return stepResult{}, udFault()
		}
		offSize := ic.operandSize()
		off, exc := ic.fetchImm(offSize)
		if exc != nil {
			return stepResult{}, exc
		}
		sel, exc := ic.fetch16()
		if exc != nil {
			return stepResult{}, exc
		}
		ic.loadSegment(SEG_CS, sel)
		return ic.branchTo(off), nil

	case 0xEB: // JMP rel8
		d, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		return ic.branchTo(ic.relTarget(int64(int8(d)))), nil

	case 0xC2: // RET imm16
		n, exc := ic.fetch16()
		if exc != nil {
			return stepResult{}, exc
		}
		size := ic.stackOperandSize()
		target, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		s.Gprs[GPR_RSP] += uint64(n)
		return ic.branchTo(target), nil

	case 0xC3: // RET
		target, exc := ic.pop(ic.stackOperandSize())
		if exc != nil {
			return stepResult{}, exc
		}
		return ic.branchTo(target), nil

	case 0xCB: // RETF (legacy)
		if s.Mode == MODE_LONG64 {
			return stepResult{}, udFault()
		}
		size := ic.stackOperandSize()
		off, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		sel, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		ic.loadSegment(SEG_CS, uint16(sel))
		return ic.branchTo(off), nil

	// ----- interrupts -----
	case 0xCC: // INT3
		ic.cpu.State.Rip = ic.nextRip()
		ic.cpu.Pending.RaiseSoftwareInterrupt(VEC_BP)
		return stepResult{kind: stepBranch}, nil

	case 0xCD: // INT imm8
		v, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		ic.cpu.State.Rip = ic.nextRip()
		if cfg != nil && cfg.InterceptBiosInt != nil &&
			(s.Mode == MODE_REAL || s.Mode == MODE_VM86) && cfg.InterceptBiosInt(v) {
			return stepResult{kind: stepBios, vector: v}, nil
		}
		ic.cpu.Pending.RaiseSoftwareInterrupt(v)
		return stepResult{kind: stepBranch}, nil

	case 0xCF: // IRET/IRETD/IRETQ
		return ic.executeIret()

	// ----- I/O -----
	case 0xE4, 0xE5: // IN acc, imm8
		port, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		size := ic.operandSize()
		if opcode == 0xE4 {
			size = 1
		}
		v, excIo := ic.bus.IoRead(uint16(port), size)
		if excIo != nil {
			return stepResult{}, excIo
		}
		s.WriteGpr(GPR_RAX, size, true, v)
		return ic.retire(), nil

	case 0xEC, 0xED: // IN acc, DX
		size := ic.operandSize()
		if opcode == 0xEC {
			size = 1
		}
		v, excIo := ic.bus.IoRead(uint16(s.Gprs[GPR_RDX]), size)
		if excIo != nil {
			return stepResult{}, excIo
		}
		s.WriteGpr(GPR_RAX, size, true, v)
		return ic.retire(), nil

	case 0xE6, 0xE7: // OUT imm8, acc
		port, exc := ic.fetch8()
		if exc != nil {
			return stepResult{}, exc
		}
		size := ic.operandSize()
		if opcode == 0xE6 {
			size = 1
		}
		if excIo := ic.bus.IoWrite(uint16(port), size, s.ReadGpr(GPR_RAX, size, true)); excIo != nil {
			return stepResult{}, excIo
		}
		return ic.retire(), nil

	case 0xEE, 0xEF: // OUT DX, acc
		size := ic.operandSize()
		if opcode == 0xEE {
			size = 1
		}
		if excIo := ic.bus.IoWrite(uint16(s.Gprs[GPR_RDX]), size, s.ReadGpr(GPR_RAX, size, true)); excIo != nil {
			return stepResult{}, excIo
		}
		return ic.retire(), nil

	// ----- flags / misc -----
	case 0xF4: // HLT
		if s.Cpl() != 0 {
			return stepResult{}, gpFault(0)
		}
		s.Halted = true
		ic.cpu.State.Rip = ic.nextRip()
		return stepResult{kind: stepHalt}, nil

	case 0xF5: // CMC
		s.SetFlag(RFLAGS_CF, !s.GetFlag(RFLAGS_CF))
		return ic.retire(), nil
	case 0xF8:
		s.SetFlag(RFLAGS_CF, false)
		return ic.retire(), nil
	case 0xF9:
		s.SetFlag(RFLAGS_CF, true)
		return ic.retire(), nil
	case 0xFA: // CLI
		s.SetFlag(RFLAGS_IF, false)
		return ic.retire(), nil
	case 0xFB: // STI
		// The shadow covers exactly the next retired instruction.
		if !s.GetFlag(RFLAGS_IF) {
			ic.cpu.Pending.SetInterruptShadow()
		}
		s.SetFlag(RFLAGS_IF, true)
		return ic.retire(), nil
	case 0xFC:
		s.SetFlag(RFLAGS_DF, false)
		return ic.retire(), nil
	case 0xFD:
		s.SetFlag(RFLAGS_DF, true)
		return ic.retire(), nil

	case 0xF1: // INT1 (ICEBP): treated as an assist exit
		ic.cpu.State.Rip = ic.nextRip()
		return stepResult{kind: stepAssist, assist: "icebp"}, nil

	// ----- string ops -----
	case 0xA4, 0xA5, 0xAA, 0xAB, 0xAC, 0xAD, 0xA6, 0xA7, 0xAE, 0xAF:
		return ic.executeString(opcode)

	// ----- groups (cpu_x86_grp.go) -----
	case 0x80, 0x81, 0x83:
		return ic.execAluGroupImm(opcode)
	case 0xC0, 0xC1, 0xD0, 0xD1, 0xD2, 0xD3:
		return ic.execShiftGroup(opcode)
	case 0xF6, 0xF7:
		return ic.execUnaryGroup(opcode)
	case 0xFE, 0xFF:
		return ic.execIncDecGroup(opcode)
	}

	return stepResult{}, udFault()
}

// execAluFamily handles the regular 00-3D ALU encodings.
func (ic *instrCtx) execAluFamily(opcode uint8) (stepResult, *Exception) {
	s := ic.cpu.State
	op := AluOp(opcode >> 3)
	form := opcode & 7

	size := ic.operandSize()
	if form&1 == 0 {
		size = 1
	}

	switch form {
	case 0, 1: // r/m, reg
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		lhs, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		rhs := s.ReadGpr(m.Reg, size, ic.prefixes.Rex.Present)
		res := s.aluApply(op, lhs, rhs, size)
		if op != ALU_CMP {
			if exc := ic.writeRm(m, size, res); exc != nil {
				return stepResult{}, exc
			}
		}
	case 2, 3: // reg, r/m
		m, exc := ic.decodeModRm()
		if exc != nil {
			return stepResult{}, exc
		}
		rhs, exc := ic.readRm(m, size)
		if exc != nil {
			return stepResult{}, exc
		}
		lhs := s.ReadGpr(m.Reg, size, ic.prefixes.Rex.Present)
		res := s.aluApply(op, lhs, rhs, size)
		if op != ALU_CMP {
			s.WriteGpr(m.Reg, size, ic.prefixes.Rex.Present, res)
		}
	default: // acc, imm
		imm, exc := ic.fetchImmOp(size)
		if exc != nil {
			return stepResult{}, exc
		}
		lhs := s.ReadGpr(GPR_RAX, size, ic.prefixes.Rex.Present)
		res := s.aluApply(op, lhs, imm, size)
		if op != ALU_CMP {
			s.WriteGpr(GPR_RAX, size, ic.prefixes.Rex.Present, res)
		}
	}
	return ic.retire(), nil
}

// applyPoppedFlags implements POPF/IRET flag restore: IOPL only changes at
// CPL0, IF only at CPL <= IOPL, VM/RF never from POPF.
func (s *CpuState) applyPoppedFlags(v uint64, size int) {
	cur := s.Rflags()
	iopl := (cur & RFLAGS_IOPL) >> 12
	cpl := uint64(s.Cpl())

	keep := RFLAGS_VM | RFLAGS_RF
	if cpl > 0 {
		keep |= RFLAGS_IOPL
	}
	if cpl > iopl && s.Mode != MODE_REAL {
		keep |= RFLAGS_IF
	}
	mask := maskForSize(size)
	merged := (cur &^ mask) | (v & mask)
	merged = (merged &^ keep) | (cur & keep)
	s.SetRflags(merged)
}
