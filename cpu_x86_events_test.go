package main

import "testing"

func writeIdtGate32ForTest(bus *flatBus, idtBase uint64, vector uint8, sel uint16, offset uint32, attrs uint8) {
	base := idtBase + uint64(vector)*8
	bus.write(base, 4, uint64(offset&0xFFFF)|uint64(sel)<<16)
	bus.write(base+4, 4, uint64(offset&0xFFFF0000)|uint64(attrs)<<8)
}

func writeIdtGate64ForTest(bus *flatBus, idtBase uint64, vector uint8, sel uint16, offset uint64, ist uint8, attrs uint8) {
	base := idtBase + uint64(vector)*16
	lo := (offset & 0xFFFF) | uint64(sel)<<16 | uint64(ist)<<32 | uint64(attrs)<<40 | (offset>>16)<<48
	bus.write(base, 8, lo)
	bus.write(base+8, 8, offset>>32)
}

func TestIntRealModeUsesIvtAndPushesFrame(t *testing.T) {
	bus := newFlatBus(0x40000)
	// IVT[0x10] = 2222:1111
	bus.write(0x10*4, 2, 0x1111)
	bus.write(0x10*4+2, 2, 0x2222)

	cpu := realModeCpu(0)
	cpu.State.Segments[SEG_CS].Selector = 0x1234
	cpu.State.Segments[SEG_CS].Base = 0x12340
	cpu.State.Segments[SEG_SS].Selector = 0x0100
	cpu.State.Segments[SEG_SS].Base = 0x1000
	cpu.State.Rip = 0x5678
	cpu.State.SetStackPtr(0)
	cpu.State.SetRflags(0x202)

	cpu.Pending.RaiseSoftwareInterrupt(0x10)
	if res := deliverPendingEvent(cpu, bus); res != deliverDone {
		t.Fatalf("deliver result %v", res)
	}

	if cpu.State.Segments[SEG_CS].Selector != 0x2222 || cpu.State.Rip != 0x1111 {
		t.Fatalf("target = %04x:%04x", cpu.State.Segments[SEG_CS].Selector, cpu.State.Rip)
	}
	if sp := uint16(cpu.State.StackPtr()); sp != 0xFFFA {
		t.Fatalf("sp = %#x, want 0xFFFA", sp)
	}
	if cpu.State.GetFlag(RFLAGS_IF) {
		t.Fatal("IF not cleared")
	}
	stackBase := uint64(0x1000)
	if v, _ := bus.read(stackBase+0xFFFA, 2); v != 0x5678 {
		t.Fatalf("pushed IP = %#x", v)
	}
	if v, _ := bus.read(stackBase+0xFFFC, 2); v != 0x1234 {
		t.Fatalf("pushed CS = %#x", v)
	}
	if v, _ := bus.read(stackBase+0xFFFE, 2); v != 0x0202 {
		t.Fatalf("pushed FLAGS = %#x", v)
	}
}

func TestIntProtectedSameCplPushesEflagsCsEip(t *testing.T) {
	bus := newFlatBus(0x40000)
	idtBase := uint64(0x8000)
	writeIdtGate32ForTest(bus, idtBase, 0x80, 0x08, 0x2000, 0x8E)

	cpu := protectedModeCpu(0x1234)
	cpu.State.Idt = DescriptorTable{Base: idtBase, Limit: 0xFFF}
	cpu.State.SetStackPtr(0x1000)
	cpu.State.SetRflags(0x202)

	cpu.Pending.RaiseSoftwareInterrupt(0x80)
	if res := deliverPendingEvent(cpu, bus); res != deliverDone {
		t.Fatalf("deliver result %v", res)
	}

	if cpu.State.Rip != 0x2000 {
		t.Fatalf("eip = %#x", cpu.State.Rip)
	}
	if esp := cpu.State.StackPtr(); esp != 0x0FF4 {
		t.Fatalf("esp = %#x, want 0x0FF4", esp)
	}
	if cpu.State.GetFlag(RFLAGS_IF) {
		t.Fatal("IF survived interrupt gate")
	}
	if v, _ := bus.read(0x0FF4, 4); v != 0x1234 {
		t.Fatalf("pushed EIP = %#x", v)
	}
	if v, _ := bus.read(0x0FF8, 4); v != 0x08 {
		t.Fatalf("pushed CS = %#x", v)
	}
	if v, _ := bus.read(0x0FFC, 4); v != 0x202 {
		t.Fatalf("pushed EFLAGS = %#x", v)
	}
}

func TestIntProtectedCplChangeUsesTss(t *testing.T) {
	bus := newFlatBus(0x40000)
	idtBase := uint64(0x8000)
	writeIdtGate32ForTest(bus, idtBase, 0x80, 0x08, 0x3000, 0xEE) // DPL3 gate to ring 0

	cpu := protectedModeCpu(0x00400000)
	cpu.State.Idt = DescriptorTable{Base: idtBase, Limit: 0xFFF}
	cpu.State.Segments[SEG_CS].Selector = 0x1B // CPL3
	cpu.State.Segments[SEG_SS].Selector = 0x23
	cpu.State.SetStackPtr(0x8000)
	cpu.State.SetRflags(0x202)

	// 32-bit TSS: ESP0 at +4, SS0 at +8.
	cpu.State.Tr = TaskRegister{Base: 0x9000, Limit: 0x67}
	bus.write(0x9004, 4, 0x9000)
	bus.write(0x9008, 2, 0x10)

	cpu.Pending.RaiseSoftwareInterrupt(0x80)
	if res := deliverPendingEvent(cpu, bus); res != deliverDone {
		t.Fatalf("deliver result %v", res)
	}

	if cpu.State.Segments[SEG_CS].Selector != 0x08 || cpu.State.Segments[SEG_SS].Selector != 0x10 {
		t.Fatalf("cs/ss = %#x/%#x", cpu.State.Segments[SEG_CS].Selector, cpu.State.Segments[SEG_SS].Selector)
	}
	if cpu.State.Rip != 0x3000 {
		t.Fatalf("eip = %#x", cpu.State.Rip)
	}
	if esp := cpu.State.StackPtr(); esp != 0x8FEC {
		t.Fatalf("esp = %#x, want 0x8FEC", esp)
	}
	// Frame top -> bottom: EIP, CS, EFLAGS, old ESP, old SS.
	if v, _ := bus.read(0x8FEC, 4); v != 0x00400000 {
		t.Fatalf("EIP = %#x", v)
	}
	if v, _ := bus.read(0x8FF0, 4); v != 0x1B {
		t.Fatalf("CS = %#x", v)
	}
	if v, _ := bus.read(0x8FF4, 4); v != 0x202 {
		t.Fatalf("EFLAGS = %#x", v)
	}
	if v, _ := bus.read(0x8FF8, 4); v != 0x8000 {
		t.Fatalf("old ESP = %#x", v)
	}
	if v, _ := bus.read(0x8FFC, 4); v != 0x23 {
		t.Fatalf("old SS = %#x", v)
	}
}

func TestPageFaultSetsCr2AndPushesErrorCode(t *testing.T) {
	bus := newFlatBus(0x40000)
	idtBase := uint64(0x8000)
	writeIdtGate32ForTest(bus, idtBase, VEC_PF, 0x08, 0x4000, 0x8E)

	cpu := protectedModeCpu(0x12345678)
	cpu.State.Idt = DescriptorTable{Base: idtBase, Limit: 0xFFF}
	cpu.State.SetStackPtr(0x2000)
	cpu.State.SetRflags(0x202)

	cpu.Pending.RaiseFault(pageFault(0xCAFEBABE, 0xDEAD))
	if res := deliverPendingEvent(cpu, bus); res != deliverDone {
		t.Fatalf("deliver result %v", res)
	}

	if cpu.State.Cr2 != 0xCAFEBABE {
		t.Fatalf("cr2 = %#x", cpu.State.Cr2)
	}
	if cpu.State.Rip != 0x4000 {
		t.Fatalf("eip = %#x", cpu.State.Rip)
	}
	if esp := cpu.State.StackPtr(); esp != 0x1FF0 {
		t.Fatalf("esp = %#x", esp)
	}
	// top -> bottom: error code, EIP, CS, EFLAGS.
	if v, _ := bus.read(0x1FF0, 4); v != 0xDEAD {
		t.Fatalf("error code = %#x", v)
	}
	if v, _ := bus.read(0x1FF4, 4); v != 0x12345678 {
		t.Fatalf("EIP = %#x", v)
	}
}

func TestPageFaultDeliveryFailureEscalatesToDoubleFault(t *testing.T) {
	bus := newFlatBus(0x40000)
	idtBase := uint64(0x8000)
	writeIdtGate32ForTest(bus, idtBase, VEC_PF, 0x08, 0x4000, 0x8E)
	writeIdtGate32ForTest(bus, idtBase, VEC_DF, 0x08, 0x5000, 0x8E)

	cpu := protectedModeCpu(0x1234)
	cpu.State.Idt = DescriptorTable{Base: idtBase, Limit: 0xFFF}
	cpu.State.SetStackPtr(0x2000)
	cpu.State.SetRflags(0x202)

	// First push during #PF delivery faults -> #DF delivered inline.
	bus.failNextWrites = 1
	cpu.Pending.RaiseFault(pageFault(0xCAFE0000, 2))
	if res := deliverPendingEvent(cpu, bus); res != deliverDone {
		t.Fatalf("deliver result %v", res)
	}
	if cpu.State.Rip != 0x5000 {
		t.Fatalf("not in #DF handler: eip=%#x", cpu.State.Rip)
	}
	// #DF error code is 0, at the top of the frame.
	if v, _ := bus.read(cpu.State.StackPtr(), 4); v != 0 {
		t.Fatalf("#DF error code = %#x", v)
	}
}

func TestDoubleFaultDeliveryFailureTriggersTripleFault(t *testing.T) {
	bus := newFlatBus(0x40000)
	idtBase := uint64(0x8000)
	writeIdtGate32ForTest(bus, idtBase, VEC_PF, 0x08, 0x4000, 0x8E)
	writeIdtGate32ForTest(bus, idtBase, VEC_DF, 0x08, 0x5000, 0x8E)

	cpu := protectedModeCpu(0x1234)
	cpu.State.Idt = DescriptorTable{Base: idtBase, Limit: 0xFFF}
	cpu.State.SetStackPtr(0x2000)
	cpu.State.SetRflags(0x202)

	// Every stack push faults: #PF -> #DF -> triple fault.
	bus.failNextWrites = 100
	cpu.Pending.RaiseFault(pageFault(0xCAFE0000, 2))
	if res := deliverPendingEvent(cpu, bus); res != deliverTripleFault {
		t.Fatalf("expected triple fault, got %v", res)
	}
}

func TestTripleFaultSurfacesAsCpuExit(t *testing.T) {
	bus := newFlatBus(0x40000)
	cpu := protectedModeCpu(0x1234)
	cpu.State.Idt = DescriptorTable{Base: 0x8000, Limit: 0xFFF}
	cpu.State.SetStackPtr(0x2000)

	bus.failNextWrites = 100
	cpu.Pending.RaiseFault(pageFault(0x1000, 2))
	res := RunBatch(nil, cpu, bus, 10)
	if res.Exit != BATCH_CPU_EXIT || res.CpuExit != CPU_EXIT_TRIPLE_FAULT {
		t.Fatalf("exit = %+v", res)
	}
}

func TestLongModeCplChangeUsesRsp0(t *testing.T) {
	bus := newFlatBus(0x40000)
	idtBase := uint64(0x8000)
	writeIdtGate64ForTest(bus, idtBase, 0x80, 0x08, 0x5000, 0, 0xEE)

	cpu := longModeCpu(0x4000_0010)
	cpu.State.Idt = DescriptorTable{Base: idtBase, Limit: 0xFFF}
	cpu.State.Segments[SEG_CS].Selector = 0x33 // CPL3
	cpu.State.Segments[SEG_SS].Selector = 0x2B
	cpu.State.SetStackPtr(0x7000)
	cpu.State.SetRflags(0x202)

	cpu.State.Tr = TaskRegister{Base: 0x9100, Limit: 0x67}
	bus.write(0x9100+TSS64_RSP0_OFFSET, 8, 0x9000)

	cpu.Pending.RaiseSoftwareInterrupt(0x80)
	if res := deliverPendingEvent(cpu, bus); res != deliverDone {
		t.Fatalf("deliver result %v", res)
	}

	if cpu.State.Segments[SEG_CS].Selector != 0x08 || cpu.State.Rip != 0x5000 {
		t.Fatalf("target %#x:%#x", cpu.State.Segments[SEG_CS].Selector, cpu.State.Rip)
	}
	if rsp := cpu.State.StackPtr(); rsp != 0x9000-40 {
		t.Fatalf("rsp = %#x, want %#x", rsp, 0x9000-40)
	}
	frame := uint64(0x9000 - 40)
	if v, _ := bus.read(frame, 8); v != 0x4000_0010 {
		t.Fatalf("RIP = %#x", v)
	}
	if v, _ := bus.read(frame+8, 8); v != 0x33 {
		t.Fatalf("CS = %#x", v)
	}
	if v, _ := bus.read(frame+16, 8); v != 0x202 {
		t.Fatalf("RFLAGS = %#x", v)
	}
	if v, _ := bus.read(frame+24, 8); v != 0x7000 {
		t.Fatalf("RSP = %#x", v)
	}
	if v, _ := bus.read(frame+32, 8); v != 0x2B {
		t.Fatalf("SS = %#x", v)
	}
}

func TestLongModeIstOverridesRsp0(t *testing.T) {
	bus := newFlatBus(0x40000)
	idtBase := uint64(0x8000)
	writeIdtGate64ForTest(bus, idtBase, VEC_DF, 0x08, 0x6000, 2, 0x8E)

	cpu := longModeCpu(0x1000)
	cpu.State.Idt = DescriptorTable{Base: idtBase, Limit: 0xFFF}
	cpu.State.SetStackPtr(0x7000)
	cpu.State.Tr = TaskRegister{Base: 0x9100, Limit: 0x67}
	bus.write(0x9100+TSS64_RSP0_OFFSET, 8, 0x9000)
	bus.write(0x9100+TSS64_IST_OFFSET+8, 8, 0xA000) // ist[1]

	cpu.Pending.RaiseFault(doubleFault())
	if res := deliverPendingEvent(cpu, bus); res != deliverDone {
		t.Fatalf("deliver result %v", res)
	}
	// #DF frame with error code on the IST stack.
	if rsp := cpu.State.StackPtr(); rsp != 0xA000-48 {
		t.Fatalf("rsp = %#x, want %#x (ist stack)", rsp, 0xA000-48)
	}
}

func TestNonCanonicalIstRaisesTs(t *testing.T) {
	bus := newFlatBus(0x40000)
	idtBase := uint64(0x8000)
	writeIdtGate64ForTest(bus, idtBase, 0x80, 0x08, 0x5000, 1, 0x8E)

	cpu := longModeCpu(0x1000)
	cpu.State.Idt = DescriptorTable{Base: idtBase, Limit: 0xFFF}
	cpu.State.Tr = TaskRegister{Selector: 0x40, Base: 0x9100, Limit: 0x67}
	bus.write(0x9100+TSS64_IST_OFFSET, 8, 0x8000_0000_0000_0000) // non-canonical

	exc := deliverToVector(cpu, bus, 0x80, 0, false, true)
	if exc == nil || exc.Vector != VEC_TS {
		t.Fatalf("expected #TS, got %v", exc)
	}
}

func TestStiShadowBlocksImmediateDelivery(t *testing.T) {
	bus := newFlatBus(0x40000)
	// IVT[0x21] -> 0x5555
	bus.write(0x21*4, 2, 0x5555)
	// sti; nop; nop
	copy(bus.mem[0x1111:], []byte{0xFB, 0x90, 0x90})

	cpu := realModeCpu(0x1111)
	cpu.State.SetRflags(RFLAGS_RESERVED1) // IF=0 so STI arms the shadow
	cpu.Pending.InjectExternalInterrupt(0x21)

	// STI retires; the shadow suppresses delivery for the next instruction.
	runInsts(t, cpu, bus, 1)
	if cpu.State.Rip != 0x1112 {
		t.Fatalf("rip = %#x after sti", cpu.State.Rip)
	}
	if cpu.Pending.ExternalInterruptCount() != 1 {
		t.Fatal("vector consumed during shadow")
	}

	// Next instruction retires, releasing the shadow; then delivery.
	runInsts(t, cpu, bus, 1)
	runInsts(t, cpu, bus, 1)
	if cpu.State.Rip != 0x5555 {
		t.Fatalf("rip = %#x, want handler 0x5555", cpu.State.Rip)
	}
	if cpu.Pending.ExternalInterruptCount() != 0 {
		t.Fatal("vector not consumed after shadow release")
	}
}

func TestMovSsShadowBlocksImmediateDelivery(t *testing.T) {
	bus := newFlatBus(0x40000)
	bus.write(0x21*4, 2, 0x7777)
	// mov ss, ax; nop
	copy(bus.mem[0x1111:], []byte{0x8E, 0xD0, 0x90, 0x90})

	cpu := realModeCpu(0x1111)
	cpu.State.SetRflags(RFLAGS_RESERVED1 | RFLAGS_IF)

	runInsts(t, cpu, bus, 1) // mov ss arms the shadow
	cpu.Pending.InjectExternalInterrupt(0x21)

	runInsts(t, cpu, bus, 1) // shadowed: nop executes instead of delivery
	if cpu.Pending.ExternalInterruptCount() != 1 {
		t.Fatal("vector consumed during MOV SS shadow")
	}
	if cpu.State.Rip != 0x1114 {
		t.Fatalf("rip = %#x after shadowed instruction", cpu.State.Rip)
	}
	runInsts(t, cpu, bus, 1) // delivery
	if cpu.State.Rip != 0x7777 {
		t.Fatalf("rip = %#x, want handler 0x7777", cpu.State.Rip)
	}
}

func TestExternalFifoIsBounded(t *testing.T) {
	var p PendingEvents
	if !p.InjectExternalInterrupt(0x20) {
		t.Fatal("first inject failed")
	}
	if p.InjectExternalInterrupt(0x21) {
		t.Fatal("second inject should exceed the FIFO bound")
	}
}

func TestHltWakesOnExternalInterrupt(t *testing.T) {
	bus := newFlatBus(0x40000)
	bus.write(0x20*4, 2, 0x2000)
	bus.mem[0x2000] = 0xCF                    // iret
	copy(bus.mem[0x100:], []byte{0xF4, 0x90}) // hlt; nop

	cpu := realModeCpu(0x100)
	cpu.State.SetRflags(RFLAGS_RESERVED1 | RFLAGS_IF)
	res := runInsts(t, cpu, bus, 4)
	if res.Exit != BATCH_HALTED {
		t.Fatalf("exit = %v, want halted", res.Exit)
	}

	cpu.Pending.InjectExternalInterrupt(0x20)
	res = runInsts(t, cpu, bus, 4)
	if cpu.State.Halted {
		t.Fatal("interrupt did not wake HLT")
	}
}
