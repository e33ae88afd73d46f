// jit_legacy.go - Legacy per-block WASM backend with inline TLB lookups

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
jit_legacy.go - Legacy Block Backend

The pre-Tier-2 backend compiles one basic block at a time. It is similar
in shape to the Tier-2 emitter but specializes memory operations with an
inline TLB fast path instead of always calling the host:

    vpn  = vaddr >> 12
    tag  = (vpn ^ tlb_salt) | 1        (0 stays reserved for invalidation)
    entry = tlb_table[vpn & (N-1)]
    hit  -> data = entry.data; require IS_RAM (+WRITE for stores);
            access guest RAM directly at (data.pfn << 12) | offset
    miss/cross-page/MMIO -> slow import path (mmu_read/mmu_write)

The blob layout in the module's memory extends the Tier-2 CpuState image
with JIT metadata: guest RAM base, the TLB salt, and the TLB entry array.
Blocks share the Tier-2 IR subset (no loops, no guards against code
versions; a block ends at its only exit).

Like the Tier-2 emitter, compilation is a pure function of its inputs.
*/

package main

// JIT-visible TLB layout (mirrors the interpreter MMU).
const (
	JIT_TLB_ENTRIES    = TLB_ENTRIES
	JIT_TLB_INDEX_MASK = TLB_INDEX_MASK
	JIT_TLB_ENTRY_SIZE = 16 // tag u64 + data u64

	// data word: pfn in the high bits, flags low.
	JIT_TLB_FLAG_READ   = TLB_FLAG_READ
	JIT_TLB_FLAG_WRITE  = TLB_FLAG_WRITE
	JIT_TLB_FLAG_IS_RAM = 1 << 3

	// Blob extension offsets (after the CpuState image).
	JIT_CPU_RAM_BASE_OFF = JIT_CPU_STATE_SIZE
	JIT_CPU_TLB_SALT_OFF = JIT_CPU_STATE_SIZE + 8
	JIT_CPU_TLB_OFF      = JIT_CPU_STATE_SIZE + 16
)

// Legacy slow-path imports (in addition to the Tier-2 set).
const (
	JIT_IMPORT_MMU_READ  = "mmu_read"
	JIT_IMPORT_MMU_WRITE = "mmu_write"
)

// LegacyWasmCodegen compiles straight-line blocks.
type LegacyWasmCodegen struct{}

func NewLegacyWasmCodegen() *LegacyWasmCodegen { return &LegacyWasmCodegen{} }

// Legacy function index space: the Tier-2 imports plus the two MMU slow
// paths.
const (
	legacyFnMmuRead = iota + jitImportedFnCount
	legacyFnMmuWrite
	legacyImportedFnCount
)

// CompileBlock emits a standalone module for one basic block. The block
// reuses the Tier-2 IR but must be linear and guard-free.
func (c *LegacyWasmCodegen) CompileBlock(block *TraceIr, plan *RegAllocPlan) []byte {
	valueCount := block.maxValueCount()
	// Extra i64 scratch locals for the TLB sequence: ram_base, tlb_salt,
	// vaddr, vpn, tlb_data.
	const scratchLocals = 5
	i64Locals := 2 + plan.LocalCount + valueCount + scratchLocals

	var mod wasmBuf
	mod.raw([]byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00})

	var types wasmBuf
	types.uleb(12)
	fnType := func(params []byte, results []byte) {
		types.byte(0x60)
		types.uleb(uint64(len(params)))
		types.raw(params)
		types.uleb(uint64(len(results)))
		types.raw(results)
	}
	fnType([]byte{wasmTypeI32, wasmTypeI64}, []byte{wasmTypeI32})              // 0: read u8
	fnType([]byte{wasmTypeI32, wasmTypeI64}, []byte{wasmTypeI32})              // 1: read u16
	fnType([]byte{wasmTypeI32, wasmTypeI64}, []byte{wasmTypeI32})              // 2: read u32
	fnType([]byte{wasmTypeI32, wasmTypeI64}, []byte{wasmTypeI64})              // 3: read u64
	fnType([]byte{wasmTypeI32, wasmTypeI64, wasmTypeI32}, nil)                 // 4: write u8
	fnType([]byte{wasmTypeI32, wasmTypeI64, wasmTypeI32}, nil)                 // 5: write u16
	fnType([]byte{wasmTypeI32, wasmTypeI64, wasmTypeI32}, nil)                 // 6: write u32
	fnType([]byte{wasmTypeI32, wasmTypeI64, wasmTypeI64}, nil)                 // 7: write u64
	fnType([]byte{wasmTypeI64}, []byte{wasmTypeI64})                           // 8: code_page_version
	fnType([]byte{wasmTypeI32}, []byte{wasmTypeI64})                           // 9: block entry
	fnType([]byte{wasmTypeI32, wasmTypeI64, wasmTypeI32}, []byte{wasmTypeI64}) // 10: mmu_read(cpu, vaddr, size)
	fnType([]byte{wasmTypeI32, wasmTypeI64, wasmTypeI32, wasmTypeI64}, nil)    // 11: mmu_write
	mod.section(1, &types)

	var imports wasmBuf
	imports.uleb(uint64(legacyImportedFnCount))
	for i, fn := range jitMemImportNames {
		imports.name(JIT_IMPORT_MODULE)
		imports.name(fn)
		imports.byte(0x00)
		imports.uleb(uint64(i))
	}
	imports.name(JIT_IMPORT_MODULE)
	imports.name(JIT_IMPORT_CODE_VERSION)
	imports.byte(0x00)
	imports.uleb(8)
	imports.name(JIT_IMPORT_MODULE)
	imports.name(JIT_IMPORT_MMU_READ)
	imports.byte(0x00)
	imports.uleb(10)
	imports.name(JIT_IMPORT_MODULE)
	imports.name(JIT_IMPORT_MMU_WRITE)
	imports.byte(0x00)
	imports.uleb(11)
	mod.section(2, &imports)

	var funcs wasmBuf
	funcs.uleb(1)
	funcs.uleb(9)
	mod.section(3, &funcs)

	var mems wasmBuf
	mems.uleb(1)
	mems.byte(0x00)
	mems.uleb(1)
	mod.section(5, &mems)

	var exports wasmBuf
	exports.uleb(2)
	exports.name(JIT_EXPORT_TRACE_FN)
	exports.byte(0x00)
	exports.uleb(legacyImportedFnCount)
	exports.name(JIT_EXPORT_MEMORY)
	exports.byte(0x02)
	exports.uleb(0)
	mod.section(7, &exports)

	em := &legacyEmitter{
		traceEmitter: traceEmitter{
			plan:       plan,
			regBase:    3,
			valueBase:  3 + plan.LocalCount,
			writtenReg: computeWrittenCachedRegs(block, plan),
		},
		scratchBase: 3 + plan.LocalCount + valueCount,
	}
	body := em.emitBlockBody(block, i64Locals)

	var code wasmBuf
	code.uleb(1)
	code.uleb(uint64(len(body.b)))
	code.raw(body.b)
	mod.section(10, &code)

	return mod.b
}

type legacyEmitter struct {
	traceEmitter
	scratchBase uint32
}

func (e *legacyEmitter) ramBaseLocal() uint32   { return e.scratchBase + 0 }
func (e *legacyEmitter) tlbSaltLocal() uint32   { return e.scratchBase + 1 }
func (e *legacyEmitter) scratchVaddr() uint32   { return e.scratchBase + 2 }
func (e *legacyEmitter) scratchVpn() uint32     { return e.scratchBase + 3 }
func (e *legacyEmitter) scratchTlbData() uint32 { return e.scratchBase + 4 }

func (e *legacyEmitter) emitBlockBody(block *TraceIr, i64Locals uint32) *wasmBuf {
	e.f.uleb(1)
	e.f.uleb(uint64(i64Locals))
	e.f.byte(wasmTypeI64)

	for reg := 0; reg < GPR_COUNT; reg++ {
		if local := e.plan.LocalForReg[reg]; local >= 0 {
			e.localGet(e.cpuPtrLocal())
			e.i64Load(uint32(JIT_CPU_GPR_OFF + reg*8))
			e.localSet(e.regLocal(local))
		}
	}
	e.localGet(e.cpuPtrLocal())
	e.i64Load(JIT_CPU_RIP_OFF)
	e.localSet(e.nextRipLocal())
	e.localGet(e.cpuPtrLocal())
	e.i64Load(JIT_CPU_RFLAGS_OFF)
	e.localSet(e.rflagsLocal())

	// Load guest RAM base and TLB salt (JIT metadata).
	e.localGet(e.cpuPtrLocal())
	e.i64Load(JIT_CPU_RAM_BASE_OFF)
	e.localSet(e.ramBaseLocal())
	e.localGet(e.cpuPtrLocal())
	e.i64Load(JIT_CPU_TLB_SALT_OFF)
	e.localSet(e.tlbSaltLocal())

	e.op(opBlock)
	e.op(blockTypeVoid)

	for i := range block.Body {
		in := &block.Body[i]
		switch in.Kind {
		case IR_LOAD_MEM:
			e.emitLoadMemInlineTlb(in)
		case IR_STORE_MEM:
			e.emitStoreMemInlineTlb(in)
		default:
			e.emitInstr(in)
		}
	}

	e.op(opEnd)

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
	e.localGet(e.cpuPtrLocal())
	e.localGet(e.rflagsLocal())
	e.i64Const(int64(RFLAGS_RESERVED1))
	e.op(opI64Or)
	e.i64Store(JIT_CPU_RFLAGS_OFF)
	e.localGet(e.cpuPtrLocal())
	e.localGet(e.nextRipLocal())
	e.i64Store(JIT_CPU_RIP_OFF)
	e.localGet(e.nextRipLocal())
	e.op(opReturn)
	e.op(opEnd)
	return &e.f
}

// emitTlbCheck leaves an i32 hit flag on the stack and scratchTlbData
// loaded when the tag matched. requiredFlags gates the fast path.
func (e *legacyEmitter) emitTlbCheck(requiredFlags uint64) {
	// vpn = vaddr >> 12
	e.localGet(e.scratchVaddr())
	e.i64Const(PAGE_SHIFT)
	e.op(opI64ShrU)
	e.localSet(e.scratchVpn())

	// entry address scratch: cpu_ptr + TLB_OFF + (vpn & mask) * ENTRY_SIZE
	// is folded into the load offsets below via dynamic address math on
	// the i32 side; the tag and data are 8 bytes apart.
	// tag_expect = (vpn ^ salt) | 1; 0 stays reserved for invalidation.
	e.emitTlbEntryAddr(0)
	e.op(opI64Load)
	e.f.uleb(3)
	e.f.uleb(0)
	e.localGet(e.scratchVpn())
	e.localGet(e.tlbSaltLocal())
	e.op(opI64Xor)
	e.i64Const(1)
	e.op(opI64Or)
	e.op(opI64Eq)

	// On tag match, also require the permission/RAM flags.
	e.op(opIf)
	e.f.byte(0x7F) // i32 result
	e.emitTlbEntryAddr(8)
	e.op(opI64Load)
	e.f.uleb(3)
	e.f.uleb(0)
	e.localSet(e.scratchTlbData())
	e.localGet(e.scratchTlbData())
	e.i64Const(int64(requiredFlags))
	e.op(opI64And)
	e.i64Const(int64(requiredFlags))
	e.op(opI64Eq)
	e.op(opElse)
	e.i32Const(0)
	e.op(opEnd)
}

// emitTlbEntryAddr pushes the i32 address of the TLB entry field at
// fieldOff (0 = tag, 8 = data).
func (e *legacyEmitter) emitTlbEntryAddr(fieldOff int64) {
	e.localGet(e.cpuPtrLocal())
	e.op(opI64ExtendI32)
	e.localGet(e.scratchVpn())
	e.i64Const(JIT_TLB_INDEX_MASK)
	e.op(opI64And)
	e.i64Const(JIT_TLB_ENTRY_SIZE)
	e.op(opI64Mul)
	e.op(opI64Add)
	e.i64Const(JIT_CPU_TLB_OFF + fieldOff)
	e.op(opI64Add)
	e.op(opI32WrapI64)
}

// emitRamAddr turns scratchTlbData + the vaddr page offset into an i32
// address inside the module memory's RAM window.
func (e *legacyEmitter) emitRamAddr() {
	e.localGet(e.ramBaseLocal())
	e.localGet(e.scratchTlbData())
	e.i64Const(PAGE_SHIFT)
	e.op(opI64ShrU)
	e.i64Const(PAGE_SHIFT)
	e.op(opI64Shl)
	e.op(opI64Add)
	e.localGet(e.scratchVaddr())
	e.i64Const(PAGE_OFFSET_MASK)
	e.op(opI64And)
	e.op(opI64Add)
	e.op(opI32WrapI64)
}

func widthBytes(w IrWidth) int64 {
	switch w {
	case IR_W8:
		return 1
	case IR_W16:
		return 2
	case IR_W32:
		return 4
	}
	return 8
}

// crossesPage leaves an i32 on the stack: 1 when the access straddles a
// page boundary (slow path).
func (e *legacyEmitter) emitCrossPageCheck(width IrWidth) {
	e.localGet(e.scratchVaddr())
	e.i64Const(PAGE_OFFSET_MASK)
	e.op(opI64And)
	e.i64Const(int64(PAGE_SIZE_BYTES) - widthBytes(width))
	e.op(opI64LtU)
	e.op(opI32Eqz)
}

func (e *legacyEmitter) emitLoadMemInlineTlb(in *IrInstr) {
	e.emitOperand(in.Addr)
	e.localSet(e.scratchVaddr())

	// Fast path: inline JIT TLB lookup + direct RAM load.
	e.emitCrossPageCheck(in.Width)
	e.op(opIf)
	e.f.byte(wasmTypeI64)
	// Cross-page: slow import.
	e.emitMmuReadCall(in.Width)
	e.op(opElse)
	e.emitTlbCheck(JIT_TLB_FLAG_READ | JIT_TLB_FLAG_IS_RAM)
	e.op(opIf)
	e.f.byte(wasmTypeI64)
	e.emitRamAddr()
	switch in.Width {
	case IR_W8:
		e.f.byte(0x2D) // i64.load8_u
		e.f.uleb(0)
		e.f.uleb(0)
	case IR_W16:
		e.f.byte(0x2F) // i64.load16_u
		e.f.uleb(1)
		e.f.uleb(0)
	case IR_W32:
		e.f.byte(0x35) // i64.load32_u
		e.f.uleb(2)
		e.f.uleb(0)
	default:
		e.op(opI64Load)
		e.f.uleb(3)
		e.f.uleb(0)
	}
	e.op(opElse)
	e.emitMmuReadCall(in.Width)
	e.op(opEnd)
	e.op(opEnd)
	e.localSet(e.valueLocal(in.Dst))
}

func (e *legacyEmitter) emitMmuReadCall(width IrWidth) {
	e.localGet(e.cpuPtrLocal())
	e.localGet(e.scratchVaddr())
	e.i32Const(int32(widthBytes(width)))
	e.call(legacyFnMmuRead)
}

func (e *legacyEmitter) emitStoreMemInlineTlb(in *IrInstr) {
	e.emitOperand(in.Addr)
	e.localSet(e.scratchVaddr())

	e.emitCrossPageCheck(in.Width)
	e.op(opIf)
	e.op(blockTypeVoid)
	e.emitMmuWriteCall(in)
	e.op(opElse)
	e.emitTlbCheck(JIT_TLB_FLAG_WRITE | JIT_TLB_FLAG_IS_RAM)
	e.op(opIf)
	e.op(blockTypeVoid)
	e.emitRamAddr()
	e.emitOperand(in.Src)
	switch in.Width {
	case IR_W8:
		e.f.byte(0x3C) // i64.store8
		e.f.uleb(0)
		e.f.uleb(0)
	case IR_W16:
		e.f.byte(0x3D) // i64.store16
		e.f.uleb(1)
		e.f.uleb(0)
	case IR_W32:
		e.f.byte(0x3E) // i64.store32
		e.f.uleb(2)
		e.f.uleb(0)
	default:
		e.op(opI64Store)
		e.f.uleb(3)
		e.f.uleb(0)
	}
	e.op(opElse)
	e.emitMmuWriteCall(in)
	e.op(opEnd)
	e.op(opEnd)
}

func (e *legacyEmitter) emitMmuWriteCall(in *IrInstr) {
	e.localGet(e.cpuPtrLocal())
	e.localGet(e.scratchVaddr())
	e.i32Const(int32(widthBytes(in.Width)))
	e.emitOperand(in.Src)
	e.call(legacyFnMmuWrite)
}
