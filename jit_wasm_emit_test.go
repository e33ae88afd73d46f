package main

import (
	"bytes"
	"testing"
)

func sampleLinearTrace() *TraceIr {
	// v0 = rax; v1 = 5; v2 = v0 + v1 (full flags); rax = v2;
	// [0x2000] = v2 (64-bit)
	return &TraceIr{
		Kind: TRACE_LINEAR,
		Body: []IrInstr{
			{Kind: IR_LOAD_REG, Dst: 0, Reg: GPR_RAX},
			{Kind: IR_CONST, Dst: 1, Const: 5},
			{Kind: IR_BIN_OP, Dst: 2, Op: IR_ADD, Lhs: ValueOp(0), Rhs: ValueOp(1), Flags: FLAG_MASK_ALL},
			{Kind: IR_STORE_REG, Reg: GPR_RAX, Src: ValueOp(2)},
			{Kind: IR_STORE_MEM, Addr: ConstOp(0x2000), Src: ValueOp(2), Width: IR_W64},
		},
	}
}

func TestTier2EmitterIsDeterministic(t *testing.T) {
	codegen := NewTier2WasmCodegen()
	trace := sampleLinearTrace()
	plan := BuildRegAllocPlan(trace, 4)

	first := codegen.CompileTrace(trace, plan)
	second := codegen.CompileTrace(trace, plan)
	if !bytes.Equal(first, second) {
		t.Fatal("emitter output is not byte-identical for identical inputs")
	}

	// A different plan changes the module.
	other := codegen.CompileTrace(trace, EmptyRegAllocPlan())
	if bytes.Equal(first, other) {
		t.Fatal("distinct register plans produced identical modules")
	}
}

func TestRegAllocPlanPrefersHotRegisters(t *testing.T) {
	trace := &TraceIr{
		Kind: TRACE_LINEAR,
		Body: []IrInstr{
			{Kind: IR_LOAD_REG, Dst: 0, Reg: GPR_RCX},
			{Kind: IR_LOAD_REG, Dst: 1, Reg: GPR_RCX},
			{Kind: IR_STORE_REG, Reg: GPR_RCX, Src: ValueOp(0)},
			{Kind: IR_LOAD_REG, Dst: 2, Reg: GPR_RBX},
			{Kind: IR_LOAD_REG, Dst: 3, Reg: GPR_RDX},
			{Kind: IR_LOAD_REG, Dst: 4, Reg: GPR_RDX},
		},
	}
	plan := BuildRegAllocPlan(trace, 2)
	if plan.LocalCount != 2 {
		t.Fatalf("local count = %d, want 2", plan.LocalCount)
	}
	if plan.LocalForReg[GPR_RCX] < 0 || plan.LocalForReg[GPR_RDX] < 0 {
		t.Fatalf("hot registers not cached: %v", plan.LocalForReg)
	}
	if plan.LocalForReg[GPR_RBX] >= 0 {
		t.Fatal("cold register displaced a hot one")
	}
}

func TestTraceExecutesOnWazero(t *testing.T) {
	codegen := NewTier2WasmCodegen()
	trace := sampleLinearTrace()
	plan := BuildRegAllocPlan(trace, 4)
	module := codegen.CompileTrace(trace, plan)

	rt, err := NewTraceRuntime()
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	id, err := rt.InstallTrace(module)
	if err != nil {
		t.Fatal(err)
	}

	bus := newFlatBus(0x10000)
	cpu := longModeCpu(0x4000)
	cpu.State.Gprs[GPR_RAX] = 37

	nextRip, exc, err := rt.Execute(id, cpu, bus)
	if err != nil {
		t.Fatal(err)
	}
	if exc != nil {
		t.Fatalf("unexpected guest fault %v", exc)
	}
	if nextRip != 0x4000 {
		t.Fatalf("next_rip = %#x, want unchanged 0x4000", nextRip)
	}
	if cpu.State.Gprs[GPR_RAX] != 42 {
		t.Fatalf("rax = %d, want 42", cpu.State.Gprs[GPR_RAX])
	}
	if v, _ := bus.read(0x2000, 8); v != 42 {
		t.Fatalf("memory = %d, want 42", v)
	}
	if cpu.State.Rflags()&RFLAGS_RESERVED1 == 0 {
		t.Fatal("RFLAGS reserved bit dropped by trace epilogue")
	}
	if cpu.State.GetFlag(RFLAGS_ZF) {
		t.Fatal("ZF set for non-zero result")
	}
}

func TestGuardTakesSideExit(t *testing.T) {
	trace := &TraceIr{
		Kind: TRACE_LINEAR,
		Body: []IrInstr{
			{Kind: IR_CONST, Dst: 0, Const: 0},
			// Expect true but the condition is zero: exit to 0x9999.
			{Kind: IR_GUARD, Cond: ValueOp(0), Expected: true, ExitRip: 0x9999},
			// Must be skipped by the exit.
			{Kind: IR_STORE_REG, Reg: GPR_RBX, Src: ConstOp(0xBAD)},
		},
	}
	plan := BuildRegAllocPlan(trace, 4)
	module := NewTier2WasmCodegen().CompileTrace(trace, plan)

	rt, err := NewTraceRuntime()
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	id, err := rt.InstallTrace(module)
	if err != nil {
		t.Fatal(err)
	}
	bus := newFlatBus(0x1000)
	cpu := longModeCpu(0x4000)

	nextRip, exc, err := rt.Execute(id, cpu, bus)
	if err != nil || exc != nil {
		t.Fatalf("execute: %v %v", err, exc)
	}
	if nextRip != 0x9999 {
		t.Fatalf("next_rip = %#x, want side exit 0x9999", nextRip)
	}
	if cpu.State.Gprs[GPR_RBX] == 0xBAD {
		t.Fatal("instruction after side exit still executed")
	}
	if cpu.State.Rip != 0x9999 {
		t.Fatalf("rip = %#x, want committed side exit", cpu.State.Rip)
	}
}

func TestGuardCodeVersionDetectsInvalidation(t *testing.T) {
	page := uint64(0x7C)
	trace := &TraceIr{
		Kind: TRACE_LINEAR,
		Body: []IrInstr{
			{Kind: IR_GUARD_CODE_VERSION, Page: page, ExpectedVersion: 0, ExitRip: 0x5555},
			{Kind: IR_STORE_REG, Reg: GPR_RAX, Src: ConstOp(1)},
		},
	}
	module := NewTier2WasmCodegen().CompileTrace(trace, EmptyRegAllocPlan())

	rt, err := NewTraceRuntime()
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()
	id, err := rt.InstallTrace(module)
	if err != nil {
		t.Fatal(err)
	}
	bus := newFlatBus(0x1000)

	// Fresh page version matches: trace body runs.
	cpu := longModeCpu(0x4000)
	if _, exc, err := rt.Execute(id, cpu, bus); err != nil || exc != nil {
		t.Fatalf("execute: %v %v", err, exc)
	}
	if cpu.State.Gprs[GPR_RAX] != 1 {
		t.Fatal("trace body did not run with matching code version")
	}

	// Self-modifying code bumps the version: the guard side-exits.
	rt.Pages.Bump(page)
	cpu = longModeCpu(0x4000)
	nextRip, exc, err := rt.Execute(id, cpu, bus)
	if err != nil || exc != nil {
		t.Fatalf("execute: %v %v", err, exc)
	}
	if nextRip != 0x5555 {
		t.Fatalf("next_rip = %#x, want invalidation exit", nextRip)
	}
	if cpu.State.Gprs[GPR_RAX] == 1 {
		t.Fatal("stale trace body executed after invalidation")
	}
}

func TestLoopTraceIteratesUntilGuardExit(t *testing.T) {
	// rcx counts down to zero: loop body decrements and guards on rcx != 0.
	trace := &TraceIr{
		Kind: TRACE_LOOP,
		Body: []IrInstr{
			{Kind: IR_LOAD_REG, Dst: 0, Reg: GPR_RCX},
			{Kind: IR_BIN_OP, Dst: 1, Op: IR_SUB, Lhs: ValueOp(0), Rhs: ConstOp(1), Flags: FLAG_MASK_ZF},
			{Kind: IR_STORE_REG, Reg: GPR_RCX, Src: ValueOp(1)},
			// Keep looping while rcx != 0; exit to 0x6000 when it hits zero.
			{Kind: IR_GUARD, Cond: ValueOp(1), Expected: true, ExitRip: 0x6000},
		},
	}
	plan := BuildRegAllocPlan(trace, 4)
	module := NewTier2WasmCodegen().CompileTrace(trace, plan)

	rt, err := NewTraceRuntime()
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()
	id, err := rt.InstallTrace(module)
	if err != nil {
		t.Fatal(err)
	}
	bus := newFlatBus(0x1000)
	cpu := longModeCpu(0x4000)
	cpu.State.Gprs[GPR_RCX] = 10

	nextRip, exc, err := rt.Execute(id, cpu, bus)
	if err != nil || exc != nil {
		t.Fatalf("execute: %v %v", err, exc)
	}
	if nextRip != 0x6000 {
		t.Fatalf("next_rip = %#x, want loop exit", nextRip)
	}
	if cpu.State.Gprs[GPR_RCX] != 0 {
		t.Fatalf("rcx = %d, want 0", cpu.State.Gprs[GPR_RCX])
	}
	if !cpu.State.GetFlag(RFLAGS_ZF) {
		t.Fatal("ZF clear after the final decrement")
	}
}

func TestBridgedFaultDiscardsTraceEffects(t *testing.T) {
	trace := &TraceIr{
		Kind: TRACE_LINEAR,
		Body: []IrInstr{
			{Kind: IR_STORE_REG, Reg: GPR_RAX, Src: ConstOp(0x77)},
			{Kind: IR_STORE_MEM, Addr: ConstOp(0xFFFF_0000), Src: ConstOp(1), Width: IR_W8},
		},
	}
	module := NewTier2WasmCodegen().CompileTrace(trace, EmptyRegAllocPlan())
	rt, err := NewTraceRuntime()
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()
	id, err := rt.InstallTrace(module)
	if err != nil {
		t.Fatal(err)
	}

	bus := newFlatBus(0x1000) // store target out of range -> guest fault
	cpu := longModeCpu(0x4000)
	_, exc, err := rt.Execute(id, cpu, bus)
	if err != nil {
		t.Fatal(err)
	}
	if exc == nil || exc.Vector != VEC_PF {
		t.Fatalf("expected bridged #PF, got %v", exc)
	}
	if cpu.State.Gprs[GPR_RAX] == 0x77 {
		t.Fatal("architectural effects committed despite fault")
	}
}

func TestLegacyBlockEmitterIsDeterministic(t *testing.T) {
	block := &TraceIr{
		Kind: TRACE_LINEAR,
		Body: []IrInstr{
			{Kind: IR_LOAD_REG, Dst: 0, Reg: GPR_RSI},
			{Kind: IR_LOAD_MEM, Dst: 1, Addr: ValueOp(0), Width: IR_W32},
			{Kind: IR_BIN_OP, Dst: 2, Op: IR_ADD, Lhs: ValueOp(1), Rhs: ConstOp(1), Flags: FLAG_MASK_ZF},
			{Kind: IR_STORE_MEM, Addr: ValueOp(0), Src: ValueOp(2), Width: IR_W32},
			{Kind: IR_SIDE_EXIT, ExitRip: 0x1234},
		},
	}
	plan := BuildRegAllocPlan(block, 4)
	codegen := NewLegacyWasmCodegen()
	first := codegen.CompileBlock(block, plan)
	second := codegen.CompileBlock(block, plan)
	if !bytes.Equal(first, second) {
		t.Fatal("legacy emitter output is not byte-identical")
	}
	// Well-formed module preamble.
	if !bytes.Equal(first[:8], []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}) {
		t.Fatalf("bad module header % x", first[:8])
	}
	// The inline fast path must not be emitted by the Tier-2 compiler for
	// the same input: the backends stay distinguishable.
	tier2 := NewTier2WasmCodegen().CompileTrace(block, plan)
	if bytes.Equal(first, tier2) {
		t.Fatal("legacy and tier-2 backends emitted identical modules")
	}
}
