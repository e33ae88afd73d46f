// cpu_x86_events.go - Exception and interrupt delivery (IDT, stacks, IST)

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
cpu_x86_events.go - Event Delivery

Delivery selects a stack based on mode and target privilege:

    Real mode: push FLAGS, CS, IP (16-bit) on the current stack.
    Protected, same CPL: push EFLAGS, CS, EIP (+ error code last).
    Protected, CPL change: load SS0:ESP0 from the 32-bit TSS, push old SS,
    old ESP, EFLAGS, CS, EIP (+ error code).
    Long mode: always push SS, RSP, RFLAGS, CS, RIP (+ error code); a
    non-zero gate IST selects ist[n-1] from the 64-bit TSS, else RSP0 on a
    privilege change. Non-canonical stack pointers raise #TS so a #TS
    handler with its own IST can still run.

Nested-fault ladder: a fault raised while delivering #PF escalates to #DF
with error code 0; a fault while delivering #DF is a triple fault and the
machine surfaces CpuExit::TripleFault and halts.

Event priority: faults > software interrupts > external interrupts.
External delivery additionally requires IF=1 and no interrupt shadow.
*/

package main

type deliverResultKind int

const (
	deliverNone deliverResultKind = iota
	deliverDone
	deliverTripleFault
)

// deliverPendingEvent injects at most one pending event.
func deliverPendingEvent(cpu *CpuCore, bus CpuBus) deliverResultKind {
	p := &cpu.Pending
	s := cpu.State

	var vector uint8
	var errCode uint32
	var hasErr bool
	software := false

	switch {
	case p.fault != nil:
		f := p.fault
		p.fault = nil
		if f.IsPageFault {
			s.Cr2 = f.Cr2
		}
		vector, errCode, hasErr = f.Vector, f.ErrorCode, f.HasErrorCode
		if exc := deliverToVector(cpu, bus, vector, errCode, hasErr, false); exc != nil {
			return escalateDeliveryFault(cpu, bus, f, exc)
		}
		s.Halted = false
		return deliverDone

	case p.softwareInterrupt != nil:
		vector = *p.softwareInterrupt
		p.softwareInterrupt = nil
		software = true

	case len(p.externalInterrupts) > 0:
		if !s.GetFlag(RFLAGS_IF) || p.interruptInhibit != 0 {
			return deliverNone
		}
		vector = p.externalInterrupts[0]
		p.externalInterrupts = p.externalInterrupts[1:]

	default:
		return deliverNone
	}

	if exc := deliverToVector(cpu, bus, vector, 0, false, software); exc != nil {
		// A fault while injecting an interrupt is delivered as a fresh
		// fault on the next iteration.
		p.RaiseFault(exc)
		return deliverDone
	}
	s.Halted = false
	return deliverDone
}

// escalateDeliveryFault implements the #PF → #DF → triple fault ladder.
func escalateDeliveryFault(cpu *CpuCore, bus CpuBus, original, nested *Exception) deliverResultKind {
	if original.Vector == VEC_DF {
		return deliverTripleFault
	}
	if nested.IsPageFault {
		cpu.State.Cr2 = nested.Cr2
	}
	if original.IsPageFault || original.Vector == VEC_TS || nested.Vector == VEC_DF {
		df := doubleFault()
		if exc := deliverToVector(cpu, bus, df.Vector, 0, true, false); exc != nil {
			return deliverTripleFault
		}
		cpu.State.Halted = false
		return deliverDone
	}
	// Benign combination: deliver the nested fault instead.
	cpu.Pending.RaiseFault(nested)
	return deliverDone
}

// deliverToVector performs the IDT lookup and frame pushes for one vector.
func deliverToVector(cpu *CpuCore, bus CpuBus, vector uint8, errCode uint32, hasErr bool, software bool) *Exception {
	switch cpu.State.Mode {
	case MODE_REAL, MODE_VM86:
		return deliverRealMode(cpu, bus, vector)
	case MODE_LONG64:
		return deliverLongMode(cpu, bus, vector, errCode, hasErr)
	default:
		return deliverProtectedMode(cpu, bus, vector, errCode, hasErr, software)
	}
}

func deliverRealMode(cpu *CpuCore, bus CpuBus, vector uint8) *Exception {
	s := cpu.State
	entry := s.Idt.Base + uint64(vector)*4
	ip, exc := bus.ReadU16(entry)
	if exc != nil {
		return exc
	}
	cs, exc := bus.ReadU16(entry + 2)
	if exc != nil {
		return exc
	}

	push16 := func(v uint16) *Exception {
		sp := (s.Gprs[GPR_RSP] - 2) & 0xFFFF
		if exc := bus.WriteU16(s.Segments[SEG_SS].Base+sp, v); exc != nil {
			return exc
		}
		s.Gprs[GPR_RSP] = (s.Gprs[GPR_RSP] &^ 0xFFFF) | sp
		return nil
	}

	if exc := push16(uint16(s.Rflags())); exc != nil {
		return exc
	}
	if exc := push16(s.Segments[SEG_CS].Selector); exc != nil {
		return exc
	}
	if exc := push16(uint16(s.Rip)); exc != nil {
		return exc
	}

	s.SetFlag(RFLAGS_IF, false)
	s.SetFlag(RFLAGS_TF, false)
	s.Segments[SEG_CS].Selector = cs
	s.Segments[SEG_CS].Base = uint64(cs) << 4
	s.Rip = uint64(ip)
	return nil
}

// idtGate32 is a parsed legacy interrupt/trap gate.
type idtGate32 struct {
	offset   uint32
	selector uint16
	gateType uint8
	dpl      uint8
	present  bool
}

func readIdtGate32(cpu *CpuCore, bus CpuBus, vector uint8) (*idtGate32, *Exception) {
	s := cpu.State
	off := uint64(vector) * 8
	if off+7 > uint64(s.Idt.Limit) {
		return nil, gpFault(uint32(vector)*8 + 2)
	}
	base := s.Idt.Base + off
	lo, exc := bus.ReadU32(base)
	if exc != nil {
		return nil, exc
	}
	hi, exc := bus.ReadU32(base + 4)
	if exc != nil {
		return nil, exc
	}
	g := &idtGate32{
		offset:   (hi & 0xFFFF0000) | (lo & 0xFFFF),
		selector: uint16(lo >> 16),
		gateType: uint8(hi>>8) & 0xF,
		dpl:      uint8(hi>>13) & 3,
		present:  hi&(1<<15) != 0,
	}
	return g, nil
}

func deliverProtectedMode(cpu *CpuCore, bus CpuBus, vector uint8, errCode uint32, hasErr bool, software bool) *Exception {
	s := cpu.State
	g, exc := readIdtGate32(cpu, bus, vector)
	if exc != nil {
		return exc
	}
	if !g.present {
		return gpFault(uint32(vector)*8 + 2)
	}
	if software && g.dpl < s.Cpl() {
		return gpFault(uint32(vector)*8 + 2)
	}
	interruptGate := g.gateType == 0xE || g.gateType == 0x6

	oldCpl := s.Cpl()
	targetCpl := uint8(g.selector & 3)
	oldFlags := s.Rflags()
	oldCs := s.Segments[SEG_CS].Selector
	oldEip := s.Rip
	oldSs := s.Segments[SEG_SS].Selector
	oldEsp := s.Gprs[GPR_RSP]

	push32 := func(v uint32) *Exception {
		sp := s.Gprs[GPR_RSP] - 4
		if s.Segments[SEG_SS].Access&SEG_ACCESS_DB == 0 && s.Segments[SEG_SS].Limit <= 0xFFFF {
			sp &= 0xFFFFFFFF
		}
		if exc := bus.WriteU32(s.Segments[SEG_SS].Base+(sp&0xFFFFFFFF), v); exc != nil {
			return exc
		}
		s.Gprs[GPR_RSP] = sp & 0xFFFFFFFF
		return nil
	}

	if targetCpl < oldCpl {
		// Stack switch through the 32-bit TSS: ESP0 at +4, SS0 at +8.
		esp0, exc := bus.ReadU32(s.Tr.Base + 4)
		if exc != nil {
			return exc
		}
		ss0, exc := bus.ReadU16(s.Tr.Base + 8)
		if exc != nil {
			return exc
		}
		s.Segments[SEG_SS].Selector = ss0
		s.Segments[SEG_SS].Base = 0
		s.Gprs[GPR_RSP] = uint64(esp0)

		if exc := push32(uint32(oldSs)); exc != nil {
			return exc
		}
		if exc := push32(uint32(oldEsp)); exc != nil {
			return exc
		}
	}

	if exc := push32(uint32(oldFlags)); exc != nil {
		return exc
	}
	if exc := push32(uint32(oldCs)); exc != nil {
		return exc
	}
	if exc := push32(uint32(oldEip)); exc != nil {
		return exc
	}
	if hasErr {
		if exc := push32(errCode); exc != nil {
			return exc
		}
	}

	if interruptGate {
		s.SetFlag(RFLAGS_IF, false)
	}
	s.SetFlag(RFLAGS_TF, false)
	s.SetFlag(RFLAGS_NT, false)
	s.SetFlag(RFLAGS_RF, false)

	s.Segments[SEG_CS].Selector = g.selector
	s.Segments[SEG_CS].Base = 0
	s.Rip = uint64(g.offset)
	return nil
}

// idtGate64 is a parsed long-mode gate.
type idtGate64 struct {
	offset   uint64
	selector uint16
	ist      uint8
	gateType uint8
	dpl      uint8
	present  bool
}

func readIdtGate64(cpu *CpuCore, bus CpuBus, vector uint8) (*idtGate64, *Exception) {
	s := cpu.State
	off := uint64(vector) * 16
	if off+15 > uint64(s.Idt.Limit) {
		return nil, gpFault(uint32(vector)*8 + 2)
	}
	base := s.Idt.Base + off
	lo, exc := bus.ReadU64(base)
	if exc != nil {
		return nil, exc
	}
	hi, exc := bus.ReadU64(base + 8)
	if exc != nil {
		return nil, exc
	}
	g := &idtGate64{
		offset:   (lo & 0xFFFF) | (lo >> 48 << 16) | (hi&0xFFFFFFFF)<<32,
		selector: uint16(lo >> 16),
		ist:      uint8(lo>>32) & 7,
		gateType: uint8(lo>>40) & 0xF,
		dpl:      uint8(lo>>45) & 3,
		present:  lo&(1<<47) != 0,
	}
	return g, nil
}

func isCanonical(addr uint64) bool {
	top := addr >> 47
	return top == 0 || top == 0x1FFFF
}

// 64-bit TSS layout offsets.
const (
	TSS64_RSP0_OFFSET = 4
	TSS64_IST_OFFSET  = 36
)

func deliverLongMode(cpu *CpuCore, bus CpuBus, vector uint8, errCode uint32, hasErr bool) *Exception {
	s := cpu.State
	g, exc := readIdtGate64(cpu, bus, vector)
	if exc != nil {
		return exc
	}
	if !g.present {
		return gpFault(uint32(vector)*8 + 2)
	}
	interruptGate := g.gateType == 0xE

	oldCpl := s.Cpl()
	targetCpl := uint8(g.selector & 3)

	oldSs := s.Segments[SEG_SS].Selector
	oldRsp := s.Gprs[GPR_RSP]
	oldFlags := s.Rflags()
	oldCs := s.Segments[SEG_CS].Selector
	oldRip := s.Rip

	// Stack selection: IST overrides RSP0; RSP0 only on privilege change.
	newRsp := oldRsp
	switch {
	case g.ist != 0:
		rsp, exc := bus.ReadU64(s.Tr.Base + TSS64_IST_OFFSET + uint64(g.ist-1)*8)
		if exc != nil {
			return exc
		}
		if !isCanonical(rsp) {
			return tsFault(uint32(s.Tr.Selector))
		}
		newRsp = rsp
	case targetCpl < oldCpl:
		rsp0, exc := bus.ReadU64(s.Tr.Base + TSS64_RSP0_OFFSET)
		if exc != nil {
			return exc
		}
		if !isCanonical(rsp0) {
			return tsFault(uint32(s.Tr.Selector))
		}
		newRsp = rsp0
	}

	// Long-mode frames are 16-byte aligned at the deepest push.
	s.Gprs[GPR_RSP] = newRsp

	push64 := func(v uint64) *Exception {
		sp := s.Gprs[GPR_RSP] - 8
		if exc := bus.WriteU64(sp, v); exc != nil {
			return exc
		}
		s.Gprs[GPR_RSP] = sp
		return nil
	}

	if exc := push64(uint64(oldSs)); exc != nil {
		return exc
	}
	if exc := push64(oldRsp); exc != nil {
		return exc
	}
	if exc := push64(oldFlags); exc != nil {
		return exc
	}
	if exc := push64(uint64(oldCs)); exc != nil {
		return exc
	}
	if exc := push64(oldRip); exc != nil {
		return exc
	}
	if hasErr {
		if exc := push64(uint64(errCode)); exc != nil {
			return exc
		}
	}

	if interruptGate {
		s.SetFlag(RFLAGS_IF, false)
	}
	s.SetFlag(RFLAGS_TF, false)
	s.SetFlag(RFLAGS_NT, false)
	s.SetFlag(RFLAGS_RF, false)

	if targetCpl < oldCpl || g.selector&3 == 0 {
		s.Segments[SEG_SS].Selector = 0
	}
	s.Segments[SEG_CS].Selector = g.selector
	s.Segments[SEG_CS].Base = 0
	s.Segments[SEG_CS].Access |= SEG_ACCESS_L
	s.Rip = g.offset
	return nil
}

// executeIret implements IRET/IRETD/IRETQ.
func (ic *instrCtx) executeIret() (stepResult, *Exception) {
	s := ic.cpu.State

	switch s.Mode {
	case MODE_REAL, MODE_VM86:
		ip, exc := ic.pop(2)
		if exc != nil {
			return stepResult{}, exc
		}
		cs, exc := ic.pop(2)
		if exc != nil {
			return stepResult{}, exc
		}
		flags, exc := ic.pop(2)
		if exc != nil {
			return stepResult{}, exc
		}
		s.applyPoppedFlags(flags, 2)
		s.Segments[SEG_CS].Selector = uint16(cs)
		s.Segments[SEG_CS].Base = uint64(uint16(cs)) << 4
		return ic.branchTo(ip), nil

	case MODE_LONG64:
		size := 8
		rip, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		cs, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		flags, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		rsp, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		ss, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		newCpl := uint8(cs & 3)
		if newCpl < s.Cpl() {
			return stepResult{}, gpFault(uint32(cs) & 0xFFFC)
		}
		s.applyPoppedFlags(flags, 8)
		s.Segments[SEG_CS].Selector = uint16(cs)
		s.Segments[SEG_SS].Selector = uint16(ss)
		s.Gprs[GPR_RSP] = rsp
		return ic.branchTo(rip), nil

	default:
		size := ic.operandSize()
		eip, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		cs, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		flags, exc := ic.pop(size)
		if exc != nil {
			return stepResult{}, exc
		}
		newCpl := uint8(cs & 3)
		if newCpl < s.Cpl() {
			return stepResult{}, gpFault(uint32(cs) & 0xFFFC)
		}
		if newCpl > s.Cpl() {
			// Return to outer privilege: restore the outer stack.
			esp, exc := ic.pop(size)
			if exc != nil {
				return stepResult{}, exc
			}
			ss, exc := ic.pop(size)
			if exc != nil {
				return stepResult{}, exc
			}
			s.applyPoppedFlags(flags, size)
			s.Segments[SEG_CS].Selector = uint16(cs)
			s.Segments[SEG_SS].Selector = uint16(ss)
			s.Segments[SEG_SS].Base = 0
			s.Gprs[GPR_RSP] = esp & maskForSize(size)
			return ic.branchTo(eip), nil
		}
		s.applyPoppedFlags(flags, size)
		s.Segments[SEG_CS].Selector = uint16(cs)
		return ic.branchTo(eip), nil
	}
}
