// jit_ir.go - Tier-2 trace IR and register-allocation plans

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
jit_ir.go - Trace IR

A trace is a typed SSA sequence over value ids plus a kind (linear or
loop). Operands are constants or value references. The IR deliberately
uses tagged variants rather than interfaces so compilation is
deterministic and matching is exhaustive.
*/

package main

// ValueId names an SSA value inside one trace.
type ValueId uint32

// TraceKind selects the control shape of the emitted body.
type TraceKind int

const (
	TRACE_LINEAR TraceKind = iota
	TRACE_LOOP
)

// IrWidth is a memory access width.
type IrWidth int

const (
	IR_W8 IrWidth = iota
	IR_W16
	IR_W32
	IR_W64
)

// IrFlag identifies one RFLAGS bit.
type IrFlag int

const (
	IR_FLAG_CF IrFlag = iota
	IR_FLAG_PF
	IR_FLAG_AF
	IR_FLAG_ZF
	IR_FLAG_SF
	IR_FLAG_OF
)

func (f IrFlag) RflagsBit() uint {
	switch f {
	case IR_FLAG_CF:
		return 0
	case IR_FLAG_PF:
		return 2
	case IR_FLAG_AF:
		return 4
	case IR_FLAG_ZF:
		return 6
	case IR_FLAG_SF:
		return 7
	default:
		return 11
	}
}

// FlagMask is a set of IrFlags.
type FlagMask uint8

const (
	FLAG_MASK_CF FlagMask = 1 << iota
	FLAG_MASK_PF
	FLAG_MASK_AF
	FLAG_MASK_ZF
	FLAG_MASK_SF
	FLAG_MASK_OF

	FLAG_MASK_NONE FlagMask = 0
	FLAG_MASK_ALL  FlagMask = FLAG_MASK_CF | FLAG_MASK_PF | FLAG_MASK_AF |
		FLAG_MASK_ZF | FLAG_MASK_SF | FLAG_MASK_OF
)

func (m FlagMask) Has(f FlagMask) bool { return m&f != 0 }

// FlagValues carries immediate flag values for SetFlags.
type FlagValues struct {
	Cf, Pf, Af, Zf, Sf, Of bool
}

// IrBinOp is a two-operand ALU operation.
type IrBinOp int

const (
	IR_ADD IrBinOp = iota
	IR_SUB
	IR_MUL
	IR_AND
	IR_OR
	IR_XOR
	IR_SHL
	IR_SHR
	IR_EQ
	IR_LTU
)

// Operand is a constant or a value reference.
type Operand struct {
	IsConst bool
	Const   uint64
	Value   ValueId
}

func ConstOp(v uint64) Operand  { return Operand{IsConst: true, Const: v} }
func ValueOp(v ValueId) Operand { return Operand{Value: v} }

// IrInstrKind tags IrInstr variants.
type IrInstrKind int

const (
	IR_NOP IrInstrKind = iota
	IR_CONST
	IR_LOAD_REG
	IR_STORE_REG
	IR_LOAD_FLAG
	IR_SET_FLAGS
	IR_BIN_OP
	IR_ADDR
	IR_LOAD_MEM
	IR_STORE_MEM
	IR_GUARD
	IR_GUARD_CODE_VERSION
	IR_SIDE_EXIT
)

// IrInstr is one trace instruction. Only the fields relevant to Kind are
// meaningful.
type IrInstr struct {
	Kind IrInstrKind

	Dst   ValueId
	Const uint64

	Reg int
	Src Operand

	Flag IrFlag

	Mask   FlagMask
	Values FlagValues

	Op       IrBinOp
	Lhs, Rhs Operand
	Flags    FlagMask

	Base, Index Operand
	Scale       uint8
	Disp        int64

	Addr  Operand
	Width IrWidth

	Cond     Operand
	Expected bool
	ExitRip  uint64

	Page            uint64
	ExpectedVersion uint64
}

// TraceIr is a compiled-trace input: an optional prologue plus the body.
type TraceIr struct {
	Kind     TraceKind
	Prologue []IrInstr
	Body     []IrInstr
}

func (t *TraceIr) forEachInstr(f func(*IrInstr)) {
	for i := range t.Prologue {
		f(&t.Prologue[i])
	}
	for i := range t.Body {
		f(&t.Body[i])
	}
}

// maxValueCount returns one past the highest value id used.
func (t *TraceIr) maxValueCount() uint32 {
	var count uint32
	note := func(id ValueId) {
		if uint32(id)+1 > count {
			count = uint32(id) + 1
		}
	}
	noteOp := func(op Operand) {
		if !op.IsConst {
			note(op.Value)
		}
	}
	t.forEachInstr(func(in *IrInstr) {
		switch in.Kind {
		case IR_CONST, IR_LOAD_REG, IR_LOAD_FLAG, IR_BIN_OP, IR_ADDR, IR_LOAD_MEM:
			note(in.Dst)
		}
		switch in.Kind {
		case IR_STORE_REG:
			noteOp(in.Src)
		case IR_BIN_OP:
			noteOp(in.Lhs)
			noteOp(in.Rhs)
		case IR_ADDR:
			noteOp(in.Base)
			noteOp(in.Index)
		case IR_LOAD_MEM:
			noteOp(in.Addr)
		case IR_STORE_MEM:
			noteOp(in.Addr)
			noteOp(in.Src)
		case IR_GUARD:
			noteOp(in.Cond)
		}
	})
	if count == 0 {
		count = 1
	}
	return count
}

// RegAllocPlan maps each x86 register to an optional cached WASM local.
type RegAllocPlan struct {
	// LocalForReg[gpr] is the cached-local index, or -1.
	LocalForReg [GPR_COUNT]int
	LocalCount  uint32
}

func EmptyRegAllocPlan() *RegAllocPlan {
	p := &RegAllocPlan{}
	for i := range p.LocalForReg {
		p.LocalForReg[i] = -1
	}
	return p
}

// BuildRegAllocPlan runs a single linear pass over the trace, caching the
// most frequently touched registers in WASM locals (bounded by maxLocals).
// Ties break on first-use order so the plan is deterministic for identical
// traces.
func BuildRegAllocPlan(trace *TraceIr, maxLocals int) *RegAllocPlan {
	type usage struct {
		reg      int
		count    int
		firstUse int
	}
	var uses [GPR_COUNT]usage
	for i := range uses {
		uses[i] = usage{reg: i, firstUse: -1}
	}
	pos := 0
	touch := func(reg int) {
		if uses[reg].firstUse < 0 {
			uses[reg].firstUse = pos
		}
		uses[reg].count++
		pos++
	}
	trace.forEachInstr(func(in *IrInstr) {
		switch in.Kind {
		case IR_LOAD_REG, IR_STORE_REG:
			touch(in.Reg)
		}
	})

	// Selection sort by (count desc, firstUse asc): tiny fixed input.
	order := make([]usage, 0, GPR_COUNT)
	for _, u := range uses {
		if u.count > 0 {
			order = append(order, u)
		}
	}
	for i := 0; i < len(order); i++ {
		best := i
		for j := i + 1; j < len(order); j++ {
			if order[j].count > order[best].count ||
				(order[j].count == order[best].count && order[j].firstUse < order[best].firstUse) {
				best = j
			}
		}
		order[i], order[best] = order[best], order[i]
	}

	plan := EmptyRegAllocPlan()
	for i, u := range order {
		if i >= maxLocals {
			break
		}
		plan.LocalForReg[u.reg] = int(plan.LocalCount)
		plan.LocalCount++
	}
	return plan
}
