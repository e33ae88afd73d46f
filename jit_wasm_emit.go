// jit_wasm.go - Tier-2 trace → WASM module emitter

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
jit_wasm.go - Tier-2 WASM Codegen

Single-pass emitter from trace IR to a standalone WASM module.

ABI:
    export trace(cpu_ptr: i32) -> i64 (returns next_rip)
    export memory (the CpuState blob lives there at cpu_ptr)
    import env.mem_read_u{8,16,32,64} / env.mem_write_u{8,16,32,64}
    import env.code_page_version(page: i64) -> i64

Local layout: 0 = cpu pointer (param), 1 = next_rip, 2 = rflags, then one
local per cached register from the RegAllocPlan, then one local per value
id. The body sits in a single exit block; loop traces additionally wrap it
in `loop ... br 0`. Guards set next_rip and branch to the exit block; the
epilogue spills only registers the trace actually stored, forces RFLAGS
bit 1, stores RIP and returns next_rip.

The emitter is a pure function: identical traces and plans produce
byte-identical modules (no timestamps, no label hashing).
*/

package main

// CpuState blob offsets inside the WASM-side memory image.
const (
	JIT_CPU_GPR_OFF    = 0 // 16 * 8 bytes
	JIT_CPU_RIP_OFF    = 128
	JIT_CPU_RFLAGS_OFF = 136
	JIT_CPU_STATE_SIZE = 144
)

const (
	JIT_IMPORT_MODULE       = "env"
	JIT_EXPORT_MEMORY       = "memory"
	JIT_EXPORT_TRACE_FN     = "trace"
	JIT_IMPORT_CODE_VERSION = "code_page_version"
)

var jitMemImportNames = []string{
	"mem_read_u8", "mem_read_u16", "mem_read_u32", "mem_read_u64",
	"mem_write_u8", "mem_write_u16", "mem_write_u32", "mem_write_u64",
}

// Imported function indices (function index space starts at imports).
const (
	jitFnMemReadU8 = iota
	jitFnMemReadU16
	jitFnMemReadU32
	jitFnMemReadU64
	jitFnMemWriteU8
	jitFnMemWriteU16
	jitFnMemWriteU32
	jitFnMemWriteU64
	jitFnCodePageVersion
	jitImportedFnCount
)

// WASM binary encoding bytes.
const (
	wasmTypeI32 = 0x7F
	wasmTypeI64 = 0x7E

	opBlock        = 0x02
	opLoop         = 0x03
	opIf           = 0x04
	opElse         = 0x05
	opEnd          = 0x0B
	opBr           = 0x0C
	opReturn       = 0x0F
	opCall         = 0x10
	opLocalGet     = 0x20
	opLocalSet     = 0x21
	opI32Const     = 0x41
	opI64Const     = 0x42
	opI64Load      = 0x29
	opI64Store     = 0x37
	opI32Eqz       = 0x45
	opI64Eqz       = 0x50
	opI64Eq        = 0x51
	opI64Ne        = 0x52
	opI64LtS       = 0x53
	opI64LtU       = 0x54
	opI32And       = 0x71
	opI32Popcnt    = 0x69
	opI64Add       = 0x7C
	opI64Sub       = 0x7D
	opI64Mul       = 0x7E
	opI64And       = 0x83
	opI64Or        = 0x84
	opI64Xor       = 0x85
	opI64Shl       = 0x86
	opI64ShrU      = 0x88
	opI32WrapI64   = 0xA7
	opI64ExtendI32 = 0xAD // unsigned

	blockTypeVoid = 0x40
)

// wasmBuf accumulates encoded bytes.
type wasmBuf struct {
	b []byte
}

func (w *wasmBuf) byte(v uint8)  { w.b = append(w.b, v) }
func (w *wasmBuf) raw(bs []byte) { w.b = append(w.b, bs...) }
func (w *wasmBuf) uleb(v uint64) {
	for {
		c := uint8(v & 0x7F)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		w.b = append(w.b, c)
		if v == 0 {
			return
		}
	}
}

func (w *wasmBuf) sleb(v int64) {
	for {
		c := uint8(v & 0x7F)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			w.b = append(w.b, c)
			return
		}
		w.b = append(w.b, c|0x80)
	}
}

func (w *wasmBuf) name(s string) {
	w.uleb(uint64(len(s)))
	w.raw([]byte(s))
}

// section wraps a payload in (id, size).
func (w *wasmBuf) section(id uint8, payload *wasmBuf) {
	w.byte(id)
	w.uleb(uint64(len(payload.b)))
	w.raw(payload.b)
}

// Tier2WasmCodegen compiles traces; it carries no state so compilation is
// a pure function.
type Tier2WasmCodegen struct{}

func NewTier2WasmCodegen() *Tier2WasmCodegen { return &Tier2WasmCodegen{} }

// CompileTrace emits a standalone WASM module for a trace + plan.
func (c *Tier2WasmCodegen) CompileTrace(trace *TraceIr, plan *RegAllocPlan) []byte {
	valueCount := trace.maxValueCount()
	i64Locals := 2 + plan.LocalCount + valueCount // next_rip + rflags + regs + values

	var mod wasmBuf
	mod.raw([]byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00})

	// ----- type section -----
	var types wasmBuf
	types.uleb(10)
	fnType := func(params []byte, results []byte) {
		types.byte(0x60)
		types.uleb(uint64(len(params)))
		types.raw(params)
		types.uleb(uint64(len(results)))
		types.raw(results)
	}
	fnType([]byte{wasmTypeI32, wasmTypeI64}, []byte{wasmTypeI32}) // 0: read u8
	fnType([]byte{wasmTypeI32, wasmTypeI64}, []byte{wasmTypeI32}) // 1: read u16
	fnType([]byte{wasmTypeI32, wasmTypeI64}, []byte{wasmTypeI32}) // 2: read u32
	fnType([]byte{wasmTypeI32, wasmTypeI64}, []byte{wasmTypeI64}) // 3: read u64
	fnType([]byte{wasmTypeI32, wasmTypeI64, wasmTypeI32}, nil)    // 4: write u8
	fnType([]byte{wasmTypeI32, wasmTypeI64, wasmTypeI32}, nil)    // 5: write u16
	fnType([]byte{wasmTypeI32, wasmTypeI64, wasmTypeI32}, nil)    // 6: write u32
	fnType([]byte{wasmTypeI32, wasmTypeI64, wasmTypeI64}, nil)    // 7: write u64
	fnType([]byte{wasmTypeI64}, []byte{wasmTypeI64})              // 8: code_page_version
	fnType([]byte{wasmTypeI32}, []byte{wasmTypeI64})              // 9: trace
	mod.section(1, &types)

	// ----- import section -----
	var imports wasmBuf
	imports.uleb(uint64(jitImportedFnCount))
	for i, fn := range jitMemImportNames {
		imports.name(JIT_IMPORT_MODULE)
		imports.name(fn)
		imports.byte(0x00) // function
		imports.uleb(uint64(i))
	}
	imports.name(JIT_IMPORT_MODULE)
	imports.name(JIT_IMPORT_CODE_VERSION)
	imports.byte(0x00)
	imports.uleb(8)
	mod.section(2, &imports)

	// ----- function section -----
	var funcs wasmBuf
	funcs.uleb(1)
	funcs.uleb(9) // trace type
	mod.section(3, &funcs)

	// ----- memory section -----
	var mems wasmBuf
	mems.uleb(1)
	mems.byte(0x00) // flags: min only
	mems.uleb(1)
	mod.section(5, &mems)

	// ----- export section -----
	var exports wasmBuf
	exports.uleb(2)
	exports.name(JIT_EXPORT_TRACE_FN)
	exports.byte(0x00)
	exports.uleb(jitImportedFnCount)
	exports.name(JIT_EXPORT_MEMORY)
	exports.byte(0x02)
	exports.uleb(0)
	mod.section(7, &exports)

	// ----- code section -----
	em := &traceEmitter{
		plan:       plan,
		valueBase:  3 + plan.LocalCount,
		regBase:    3,
		writtenReg: computeWrittenCachedRegs(trace, plan),
	}
	body := em.emitBody(trace, i64Locals)

	var code wasmBuf
	code.uleb(1)
	code.uleb(uint64(len(body.b)))
	code.raw(body.b)
	mod.section(10, &code)

	return mod.b
}

func computeWrittenCachedRegs(trace *TraceIr, plan *RegAllocPlan) [GPR_COUNT]bool {
	var written [GPR_COUNT]bool
	trace.forEachInstr(func(in *IrInstr) {
		if in.Kind == IR_STORE_REG && plan.LocalForReg[in.Reg] >= 0 {
			written[in.Reg] = true
		}
	})
	return written
}

type traceEmitter struct {
	f          wasmBuf
	plan       *RegAllocPlan
	regBase    uint32
	valueBase  uint32
	depth      uint32
	writtenReg [GPR_COUNT]bool
}

func (e *traceEmitter) cpuPtrLocal() uint32  { return 0 }
func (e *traceEmitter) nextRipLocal() uint32 { return 1 }
func (e *traceEmitter) rflagsLocal() uint32  { return 2 }

func (e *traceEmitter) regLocal(local int) uint32 { return e.regBase + uint32(local) }

func (e *traceEmitter) valueLocal(v ValueId) uint32 { return e.valueBase + uint32(v) }

func (e *traceEmitter) op(b uint8)          { e.f.byte(b) }
func (e *traceEmitter) localGet(idx uint32) { e.f.byte(opLocalGet); e.f.uleb(uint64(idx)) }
func (e *traceEmitter) localSet(idx uint32) { e.f.byte(opLocalSet); e.f.uleb(uint64(idx)) }
func (e *traceEmitter) i32Const(v int32)    { e.f.byte(opI32Const); e.f.sleb(int64(v)) }
func (e *traceEmitter) i64Const(v int64)    { e.f.byte(opI64Const); e.f.sleb(v) }
func (e *traceEmitter) call(fn uint32)      { e.f.byte(opCall); e.f.uleb(uint64(fn)) }
func (e *traceEmitter) br(depth uint32)     { e.f.byte(opBr); e.f.uleb(uint64(depth)) }

func (e *traceEmitter) i64Load(offset uint32) {
	e.f.byte(opI64Load)
	e.f.uleb(3) // 8-byte alignment
	e.f.uleb(uint64(offset))
}

func (e *traceEmitter) i64Store(offset uint32) {
	e.f.byte(opI64Store)
	e.f.uleb(3)
	e.f.uleb(uint64(offset))
}

func (e *traceEmitter) emitBody(trace *TraceIr, i64Locals uint32) *wasmBuf {
	// Local declarations: one run of i64 locals after the i32 param.
	e.f.uleb(1)
	e.f.uleb(uint64(i64Locals))
	e.f.byte(wasmTypeI64)

	// Prologue: load cached registers.
	for reg := 0; reg < GPR_COUNT; reg++ {
		if local := e.plan.LocalForReg[reg]; local >= 0 {
			e.localGet(e.cpuPtrLocal())
			e.i64Load(uint32(JIT_CPU_GPR_OFF + reg*8))
			e.localSet(e.regLocal(local))
		}
	}

	// next_rip defaults to the current cpu.rip.
	e.localGet(e.cpuPtrLocal())
	e.i64Load(JIT_CPU_RIP_OFF)
	e.localSet(e.nextRipLocal())

	// Initial RFLAGS.
	e.localGet(e.cpuPtrLocal())
	e.i64Load(JIT_CPU_RFLAGS_OFF)
	e.localSet(e.rflagsLocal())

	// Single exit block.
	e.op(opBlock)
	e.op(blockTypeVoid)

	e.emitInstrs(trace.Prologue)

	if trace.Kind == TRACE_LOOP {
		e.op(opLoop)
		e.op(blockTypeVoid)
		e.depth++
		e.emitInstrs(trace.Body)
		e.br(0)
		e.op(opEnd)
		e.depth--
	} else {
		e.emitInstrs(trace.Body)
	}

	e.op(opEnd) // exit block

	// Spill only registers actually written by the trace.
	for reg := 0; reg < GPR_COUNT; reg++ {
		if !e.writtenReg[reg] {
			continue
		}
		if local := e.plan.LocalForReg[reg]; local >= 0 {
			e.localGet(e.cpuPtrLocal())
			e.localGet(e.regLocal(local))
			e.i64Store(uint32(JIT_CPU_GPR_OFF + reg*8))
		}
	}

	// Spill RFLAGS with the reserved bit forced.
	e.localGet(e.cpuPtrLocal())
	e.localGet(e.rflagsLocal())
	e.i64Const(int64(RFLAGS_RESERVED1))
	e.op(opI64Or)
	e.i64Store(JIT_CPU_RFLAGS_OFF)

	// Store RIP and return next_rip.
	e.localGet(e.cpuPtrLocal())
	e.localGet(e.nextRipLocal())
	e.i64Store(JIT_CPU_RIP_OFF)
	e.localGet(e.nextRipLocal())
	e.op(opReturn)
	e.op(opEnd)

	return &e.f
}

func (e *traceEmitter) emitInstrs(instrs []IrInstr) {
	for i := range instrs {
		e.emitInstr(&instrs[i])
	}
}

func (e *traceEmitter) emitOperand(op Operand) {
	if op.IsConst {
		e.i64Const(int64(op.Const))
		return
	}
	e.localGet(e.valueLocal(op.Value))
}

func (e *traceEmitter) emitInstr(in *IrInstr) {
	switch in.Kind {
	case IR_NOP:

	case IR_CONST:
		e.i64Const(int64(in.Const))
		e.localSet(e.valueLocal(in.Dst))

	case IR_LOAD_REG:
		if local := e.plan.LocalForReg[in.Reg]; local >= 0 {
			e.localGet(e.regLocal(local))
		} else {
			e.localGet(e.cpuPtrLocal())
			e.i64Load(uint32(JIT_CPU_GPR_OFF + in.Reg*8))
		}
		e.localSet(e.valueLocal(in.Dst))

	case IR_STORE_REG:
		if local := e.plan.LocalForReg[in.Reg]; local >= 0 {
			e.emitOperand(in.Src)
			e.localSet(e.regLocal(local))
		} else {
			e.localGet(e.cpuPtrLocal())
			e.emitOperand(in.Src)
			e.i64Store(uint32(JIT_CPU_GPR_OFF + in.Reg*8))
		}

	case IR_LOAD_FLAG:
		e.emitLoadFlag(in.Flag)
		e.op(opI64ExtendI32)
		e.localSet(e.valueLocal(in.Dst))

	case IR_SET_FLAGS:
		e.emitSetFlags(in.Mask, in.Values)

	case IR_BIN_OP:
		e.emitBinOp(in)

	case IR_ADDR:
		e.emitOperand(in.Base)
		e.emitOperand(in.Index)
		e.i64Const(int64(in.Scale))
		e.op(opI64Mul)
		e.op(opI64Add)
		if in.Disp != 0 {
			e.i64Const(in.Disp)
			e.op(opI64Add)
		}
		e.localSet(e.valueLocal(in.Dst))

	case IR_LOAD_MEM:
		e.localGet(e.cpuPtrLocal())
		e.emitOperand(in.Addr)
		switch in.Width {
		case IR_W8:
			e.call(jitFnMemReadU8)
			e.op(opI64ExtendI32)
		case IR_W16:
			e.call(jitFnMemReadU16)
			e.op(opI64ExtendI32)
		case IR_W32:
			e.call(jitFnMemReadU32)
			e.op(opI64ExtendI32)
		default:
			e.call(jitFnMemReadU64)
		}
		e.localSet(e.valueLocal(in.Dst))

	case IR_STORE_MEM:
		e.localGet(e.cpuPtrLocal())
		e.emitOperand(in.Addr)
		e.emitOperand(in.Src)
		switch in.Width {
		case IR_W8:
			e.i64Const(0xFF)
			e.op(opI64And)
			e.op(opI32WrapI64)
			e.call(jitFnMemWriteU8)
		case IR_W16:
			e.i64Const(0xFFFF)
			e.op(opI64And)
			e.op(opI32WrapI64)
			e.call(jitFnMemWriteU16)
		case IR_W32:
			e.i64Const(0xFFFFFFFF)
			e.op(opI64And)
			e.op(opI32WrapI64)
			e.call(jitFnMemWriteU32)
		default:
			e.call(jitFnMemWriteU64)
		}

	case IR_GUARD:
		e.emitOperand(in.Cond)
		e.i64Const(0)
		e.op(opI64Ne)
		if in.Expected {
			e.op(opI32Eqz)
		}
		e.op(opIf)
		e.op(blockTypeVoid)
		e.depth++
		e.i64Const(int64(in.ExitRip))
		e.localSet(e.nextRipLocal())
		e.br(e.depth)
		e.op(opEnd)
		e.depth--

	case IR_GUARD_CODE_VERSION:
		e.i64Const(int64(in.Page))
		e.call(jitFnCodePageVersion)
		e.i64Const(int64(in.ExpectedVersion))
		e.op(opI64Ne)
		e.op(opIf)
		e.op(blockTypeVoid)
		e.depth++
		e.i64Const(int64(in.ExitRip))
		e.localSet(e.nextRipLocal())
		e.br(e.depth)
		e.op(opEnd)
		e.depth--

	case IR_SIDE_EXIT:
		e.i64Const(int64(in.ExitRip))
		e.localSet(e.nextRipLocal())
		e.br(e.depth)
	}
}

func (e *traceEmitter) emitLoadFlag(flag IrFlag) {
	bit := uint64(1) << flag.RflagsBit()
	e.localGet(e.rflagsLocal())
	e.i64Const(int64(bit))
	e.op(opI64And)
	e.i64Const(0)
	e.op(opI64Ne)
}

// emitWriteFlag consumes an i32 condition from the stack and folds it into
// the rflags local.
func (e *traceEmitter) emitWriteFlag(flag IrFlag) {
	bit := uint64(1) << flag.RflagsBit()
	e.op(opIf)
	e.f.byte(wasmTypeI64)
	e.i64Const(int64(bit))
	e.op(opElse)
	e.i64Const(0)
	e.op(opEnd)

	e.localGet(e.rflagsLocal())
	e.i64Const(^int64(bit))
	e.op(opI64And)
	e.op(opI64Or)
	e.localSet(e.rflagsLocal())
}

func (e *traceEmitter) emitSetFlags(mask FlagMask, values FlagValues) {
	update := func(flag IrFlag, val bool) {
		bit := uint64(1) << flag.RflagsBit()
		e.localGet(e.rflagsLocal())
		e.i64Const(^int64(bit))
		e.op(opI64And)
		if val {
			e.i64Const(int64(bit))
			e.op(opI64Or)
		}
		e.localSet(e.rflagsLocal())
	}
	if mask.Has(FLAG_MASK_CF) {
		update(IR_FLAG_CF, values.Cf)
	}
	if mask.Has(FLAG_MASK_PF) {
		update(IR_FLAG_PF, values.Pf)
	}
	if mask.Has(FLAG_MASK_AF) {
		update(IR_FLAG_AF, values.Af)
	}
	if mask.Has(FLAG_MASK_ZF) {
		update(IR_FLAG_ZF, values.Zf)
	}
	if mask.Has(FLAG_MASK_SF) {
		update(IR_FLAG_SF, values.Sf)
	}
	if mask.Has(FLAG_MASK_OF) {
		update(IR_FLAG_OF, values.Of)
	}
}

func (e *traceEmitter) emitParityEvenI32(resLocal uint32) {
	e.localGet(resLocal)
	e.i64Const(0xFF)
	e.op(opI64And)
	e.op(opI32WrapI64)
	e.op(opI32Popcnt)
	e.i32Const(1)
	e.op(opI32And)
	e.op(opI32Eqz)
}

func (e *traceEmitter) emitBinOp(in *IrInstr) {
	e.emitOperand(in.Lhs)
	e.emitOperand(in.Rhs)
	switch in.Op {
	case IR_ADD:
		e.op(opI64Add)
	case IR_SUB:
		e.op(opI64Sub)
	case IR_MUL:
		e.op(opI64Mul)
	case IR_AND:
		e.op(opI64And)
	case IR_OR:
		e.op(opI64Or)
	case IR_XOR:
		e.op(opI64Xor)
	case IR_SHL:
		e.i64Const(63)
		e.op(opI64And)
		e.op(opI64Shl)
	case IR_SHR:
		e.i64Const(63)
		e.op(opI64And)
		e.op(opI64ShrU)
	case IR_EQ:
		e.op(opI64Eq)
		e.op(opI64ExtendI32)
	case IR_LTU:
		e.op(opI64LtU)
		e.op(opI64ExtendI32)
	}
	dst := e.valueLocal(in.Dst)
	e.localSet(dst)

	flags := in.Flags
	if flags == FLAG_MASK_NONE {
		return
	}

	// Flag emission derives from the stored result.
	if flags.Has(FLAG_MASK_ZF) {
		e.localGet(dst)
		e.i64Const(0)
		e.op(opI64Eq)
		e.emitWriteFlag(IR_FLAG_ZF)
	}
	if flags.Has(FLAG_MASK_SF) {
		e.localGet(dst)
		e.i64Const(0)
		e.op(opI64LtS)
		e.emitWriteFlag(IR_FLAG_SF)
	}
	if flags.Has(FLAG_MASK_PF) {
		e.emitParityEvenI32(dst)
		e.emitWriteFlag(IR_FLAG_PF)
	}

	switch in.Op {
	case IR_ADD:
		if flags.Has(FLAG_MASK_CF) {
			e.localGet(dst)
			e.emitOperand(in.Lhs)
			e.op(opI64LtU)
			e.emitWriteFlag(IR_FLAG_CF)
		}
		if flags.Has(FLAG_MASK_AF) {
			e.emitAfFromXor(in, dst)
		}
		if flags.Has(FLAG_MASK_OF) {
			// Signed overflow: (lhs ^ res) & (rhs ^ res) < 0.
			e.emitOperand(in.Lhs)
			e.localGet(dst)
			e.op(opI64Xor)
			e.emitOperand(in.Rhs)
			e.localGet(dst)
			e.op(opI64Xor)
			e.op(opI64And)
			e.i64Const(-0x8000000000000000)
			e.op(opI64And)
			e.i64Const(0)
			e.op(opI64Ne)
			e.emitWriteFlag(IR_FLAG_OF)
		}
	case IR_SUB:
		if flags.Has(FLAG_MASK_CF) {
			e.emitOperand(in.Lhs)
			e.emitOperand(in.Rhs)
			e.op(opI64LtU)
			e.emitWriteFlag(IR_FLAG_CF)
		}
		if flags.Has(FLAG_MASK_AF) {
			e.emitAfFromXor(in, dst)
		}
		if flags.Has(FLAG_MASK_OF) {
			// Signed overflow: (lhs ^ rhs) & (lhs ^ res) < 0.
			e.emitOperand(in.Lhs)
			e.emitOperand(in.Rhs)
			e.op(opI64Xor)
			e.emitOperand(in.Lhs)
			e.localGet(dst)
			e.op(opI64Xor)
			e.op(opI64And)
			e.i64Const(-0x8000000000000000)
			e.op(opI64And)
			e.i64Const(0)
			e.op(opI64Ne)
			e.emitWriteFlag(IR_FLAG_OF)
		}
	default:
		// Non-arithmetic ops that touch CF/AF/OF zero them.
		if flags.Has(FLAG_MASK_CF) {
			e.i32Const(0)
			e.emitWriteFlag(IR_FLAG_CF)
		}
		if flags.Has(FLAG_MASK_AF) {
			e.i32Const(0)
			e.emitWriteFlag(IR_FLAG_AF)
		}
		if flags.Has(FLAG_MASK_OF) {
			e.i32Const(0)
			e.emitWriteFlag(IR_FLAG_OF)
		}
	}
}

// emitAfFromXor computes AF = ((lhs ^ rhs ^ res) & 0x10) != 0.
func (e *traceEmitter) emitAfFromXor(in *IrInstr, dst uint32) {
	e.emitOperand(in.Lhs)
	e.emitOperand(in.Rhs)
	e.op(opI64Xor)
	e.localGet(dst)
	e.op(opI64Xor)
	e.i64Const(0x10)
	e.op(opI64And)
	e.i64Const(0)
	e.op(opI64Ne)
	e.emitWriteFlag(IR_FLAG_AF)
}
