// debug_script.go - Lua bindings for the debug monitor

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
debug_script.go - Scripted Debugging

Exposes the machine to Lua for reproducible debug sessions and test rigs:

    aero.step(n)          -- run up to n instructions, returns executed
    aero.regs()           -- table of register name -> value
    aero.peek(addr, len)  -- string of guest bytes
    aero.poke(addr, str)  -- write guest bytes
    aero.reset()          -- machine reset
*/

package main

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// RunDebugScript executes a Lua script against the machine.
func RunDebugScript(m *Machine, script string) error {
	L := lua.NewState()
	defer L.Close()

	mod := L.NewTable()

	L.SetField(mod, "step", L.NewFunction(func(L *lua.LState) int {
		n := uint64(L.OptInt64(1, 1))
		exit := m.RunSlice(n)
		L.Push(lua.LNumber(exit.Executed))
		return 1
	}))

	L.SetField(mod, "regs", L.NewFunction(func(L *lua.LState) int {
		t := L.NewTable()
		for i, name := range gprNames {
			L.SetField(t, name, lua.LNumber(m.Cpu.State.Gprs[i]))
		}
		L.SetField(t, "rip", lua.LNumber(m.Cpu.State.Rip))
		L.SetField(t, "rflags", lua.LNumber(m.Cpu.State.Rflags()))
		L.Push(t)
		return 1
	}))

	L.SetField(mod, "peek", L.NewFunction(func(L *lua.LState) int {
		addr := uint64(L.CheckInt64(1))
		n := L.OptInt(2, 1)
		buf := make([]byte, n)
		if err := m.Platform.Memory.ReadPhysical(addr, buf); err != nil {
			L.RaiseError("peek: %v", err)
		}
		L.Push(lua.LString(buf))
		return 1
	}))

	L.SetField(mod, "poke", L.NewFunction(func(L *lua.LState) int {
		addr := uint64(L.CheckInt64(1))
		data := []byte(L.CheckString(2))
		if err := m.Platform.Memory.WritePhysical(addr, data); err != nil {
			L.RaiseError("poke: %v", err)
		}
		return 0
	}))

	L.SetField(mod, "reset", L.NewFunction(func(L *lua.LState) int {
		m.Reset()
		return 0
	}))

	L.SetGlobal("aero", mod)

	if err := L.DoString(script); err != nil {
		return fmt.Errorf("debug script: %w", err)
	}
	return nil
}
