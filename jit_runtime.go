// jit_runtime.go - Executes compiled traces on the wazero runtime

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
jit_runtime.go - Trace Runtime

Hosts compiled Tier-2 traces on wazero. The host module "env" provides the
mem_read/mem_write bridges into the machine bus and code_page_version for
self-modifying-code guards; each trace module exports its own linear
memory, where the runtime stages the CpuState blob around every call.

A guest fault inside a bridged access cannot unwind through WASM, so the
bridge records the first fault and turns the remaining accesses into
no-ops; the caller observes the fault, discards the trace's architectural
effects and re-runs the span in the interpreter, which re-raises the fault
at the precise instruction.
*/

package main

import (
	"context"
	"fmt"

	"encoding/binary"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const JIT_CPU_PTR = 64 // blob offset inside the env memory

// CodePageVersions tracks per-page code versions for SMC guards.
type CodePageVersions struct {
	versions map[uint64]uint64
}

func NewCodePageVersions() *CodePageVersions {
	return &CodePageVersions{versions: make(map[uint64]uint64)}
}

func (c *CodePageVersions) Version(page uint64) uint64 { return c.versions[page] }

func (c *CodePageVersions) Bump(page uint64) { c.versions[page]++ }

// TraceRuntime owns the wazero runtime and the env host module.
type installedTrace struct {
	fn  api.Function
	mem api.Memory
	mod api.Module
}

type TraceRuntime struct {
	ctx     context.Context
	runtime wazero.Runtime

	// Bound per Execute call.
	bus   CpuBus
	fault *Exception

	Pages *CodePageVersions

	traces map[uint64]installedTrace
	nextID uint64
}

func NewTraceRuntime() (*TraceRuntime, error) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)

	tr := &TraceRuntime{
		ctx:     ctx,
		runtime: rt,
		Pages:   NewCodePageVersions(),
		traces:  make(map[uint64]installedTrace),
	}

	env := rt.NewHostModuleBuilder(JIT_IMPORT_MODULE)
	env.NewFunctionBuilder().
		WithFunc(func(_ context.Context, cpu int32, addr int64) int32 {
			return int32(tr.bridgeRead(uint64(addr), 1))
		}).Export("mem_read_u8")
	env.NewFunctionBuilder().
		WithFunc(func(_ context.Context, cpu int32, addr int64) int32 {
			return int32(tr.bridgeRead(uint64(addr), 2))
		}).Export("mem_read_u16")
	env.NewFunctionBuilder().
		WithFunc(func(_ context.Context, cpu int32, addr int64) int32 {
			return int32(tr.bridgeRead(uint64(addr), 4))
		}).Export("mem_read_u32")
	env.NewFunctionBuilder().
		WithFunc(func(_ context.Context, cpu int32, addr int64) int64 {
			return int64(tr.bridgeRead(uint64(addr), 8))
		}).Export("mem_read_u64")
	env.NewFunctionBuilder().
		WithFunc(func(_ context.Context, cpu int32, addr int64, v int32) {
			tr.bridgeWrite(uint64(addr), 1, uint64(uint32(v)))
		}).Export("mem_write_u8")
	env.NewFunctionBuilder().
		WithFunc(func(_ context.Context, cpu int32, addr int64, v int32) {
			tr.bridgeWrite(uint64(addr), 2, uint64(uint32(v)))
		}).Export("mem_write_u16")
	env.NewFunctionBuilder().
		WithFunc(func(_ context.Context, cpu int32, addr int64, v int32) {
			tr.bridgeWrite(uint64(addr), 4, uint64(uint32(v)))
		}).Export("mem_write_u32")
	env.NewFunctionBuilder().
		WithFunc(func(_ context.Context, cpu int32, addr int64, v int64) {
			tr.bridgeWrite(uint64(addr), 8, uint64(v))
		}).Export("mem_write_u64")
	env.NewFunctionBuilder().
		WithFunc(func(_ context.Context, page int64) int64 {
			return int64(tr.Pages.Version(uint64(page)))
		}).Export(JIT_IMPORT_CODE_VERSION)
	if _, err := env.Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate jit env module: %w", err)
	}
	return tr, nil
}

func (tr *TraceRuntime) Close() {
	tr.runtime.Close(tr.ctx)
}

func (tr *TraceRuntime) bridgeRead(addr uint64, size int) uint64 {
	if tr.fault != nil {
		return 0
	}
	v, exc := readMemSized(tr.bus, addr, size)
	if exc != nil {
		tr.fault = exc
		return 0
	}
	return v
}

func (tr *TraceRuntime) bridgeWrite(addr uint64, size int, v uint64) {
	if tr.fault != nil {
		return
	}
	if exc := writeMemSized(tr.bus, addr, size, v); exc != nil {
		tr.fault = exc
	}
}

// InstallTrace instantiates a compiled module and returns its handle.
func (tr *TraceRuntime) InstallTrace(moduleBytes []byte) (uint64, error) {
	name := fmt.Sprintf("trace%d", tr.nextID)
	mod, err := tr.runtime.InstantiateWithConfig(tr.ctx, moduleBytes,
		wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return 0, fmt.Errorf("instantiate trace module: %w", err)
	}
	fn := mod.ExportedFunction(JIT_EXPORT_TRACE_FN)
	mem := mod.ExportedMemory(JIT_EXPORT_MEMORY)
	if fn == nil || mem == nil {
		mod.Close(tr.ctx)
		return 0, fmt.Errorf("trace module missing %q/%q exports", JIT_EXPORT_TRACE_FN, JIT_EXPORT_MEMORY)
	}
	id := tr.nextID
	tr.nextID++
	tr.traces[id] = installedTrace{fn: fn, mem: mem, mod: mod}
	return id, nil
}

func (tr *TraceRuntime) DropTrace(id uint64) {
	if trace, ok := tr.traces[id]; ok {
		trace.mod.Close(tr.ctx)
		delete(tr.traces, id)
	}
}

// Execute runs an installed trace against the CPU and bus. Returns the
// committed next_rip; a recorded bridge fault is handed back so the caller
// can rerun the span in the interpreter.
func (tr *TraceRuntime) Execute(id uint64, cpu *CpuCore, bus CpuBus) (uint64, *Exception, error) {
	trace, ok := tr.traces[id]
	if !ok {
		return 0, nil, fmt.Errorf("unknown trace id %d", id)
	}

	tr.bus = bus
	tr.fault = nil
	defer func() { tr.bus = nil }()

	// Serialize the architectural state into the env memory blob.
	var blob [JIT_CPU_STATE_SIZE]byte
	for i, v := range cpu.State.Gprs {
		binary.LittleEndian.PutUint64(blob[JIT_CPU_GPR_OFF+i*8:], v)
	}
	binary.LittleEndian.PutUint64(blob[JIT_CPU_RIP_OFF:], cpu.State.Rip)
	binary.LittleEndian.PutUint64(blob[JIT_CPU_RFLAGS_OFF:], cpu.State.Rflags())
	if !trace.mem.Write(JIT_CPU_PTR, blob[:]) {
		return 0, nil, fmt.Errorf("trace memory too small for CpuState blob")
	}

	results, err := trace.fn.Call(tr.ctx, JIT_CPU_PTR)
	if err != nil {
		return 0, nil, fmt.Errorf("trace execution: %w", err)
	}
	nextRip := results[0]

	if tr.fault != nil {
		// Discard architectural effects; the interpreter rerun re-raises
		// the fault precisely.
		return 0, tr.fault, nil
	}

	out, ok := trace.mem.Read(JIT_CPU_PTR, JIT_CPU_STATE_SIZE)
	if !ok {
		return 0, nil, fmt.Errorf("jit env memory read-back failed")
	}
	for i := range cpu.State.Gprs {
		cpu.State.Gprs[i] = binary.LittleEndian.Uint64(out[JIT_CPU_GPR_OFF+i*8:])
	}
	cpu.State.Rip = binary.LittleEndian.Uint64(out[JIT_CPU_RIP_OFF:])
	cpu.State.SetRflags(binary.LittleEndian.Uint64(out[JIT_CPU_RFLAGS_OFF:]))
	return nextRip, nil, nil
}
