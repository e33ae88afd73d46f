// debug_monitor.go - Interactive machine monitor

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

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DebugMonitor drives a machine from a command stream: regs, step [n],
// run <n>, peek <addr> [len], poke <addr> <byte...>, quit. The Lua
// bindings in debug_script.go reuse the same primitives.
type DebugMonitor struct {
	M   *Machine
	Out io.Writer
}

func NewDebugMonitor(m *Machine, out io.Writer) *DebugMonitor {
	return &DebugMonitor{M: m, Out: out}
}

func (d *DebugMonitor) Repl(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(d.Out, "aero> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "q" {
			return
		}
		if err := d.Execute(line); err != nil {
			fmt.Fprintf(d.Out, "error: %v\n", err)
		}
	}
}

func (d *DebugMonitor) Execute(line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "regs", "r":
		d.PrintRegs()
		return nil
	case "step", "s":
		n := uint64(1)
		if len(fields) > 1 {
			v, err := strconv.ParseUint(fields[1], 0, 64)
			if err != nil {
				return err
			}
			n = v
		}
		exit := d.M.RunSlice(n)
		fmt.Fprintf(d.Out, "executed %d\n", exit.Executed)
		return nil
	case "run":
		if len(fields) < 2 {
			return fmt.Errorf("usage: run <max-insts>")
		}
		n, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return err
		}
		exit := d.M.RunSlice(n)
		fmt.Fprintf(d.Out, "exit=%d executed=%d\n", exit.Kind, exit.Executed)
		return nil
	case "peek", "x":
		if len(fields) < 2 {
			return fmt.Errorf("usage: peek <addr> [len]")
		}
		addr, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return err
		}
		n := 16
		if len(fields) > 2 {
			v, err := strconv.Atoi(fields[2])
			if err != nil {
				return err
			}
			n = v
		}
		buf := make([]byte, n)
		if err := d.M.Platform.Memory.ReadPhysical(addr, buf); err != nil {
			return err
		}
		for i := 0; i < len(buf); i += 16 {
			end := i + 16
			if end > len(buf) {
				end = len(buf)
			}
			fmt.Fprintf(d.Out, "%08x: % x\n", addr+uint64(i), buf[i:end])
		}
		return nil
	case "poke":
		if len(fields) < 3 {
			return fmt.Errorf("usage: poke <addr> <byte...>")
		}
		addr, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return err
		}
		var bytes []byte
		for _, f := range fields[2:] {
			v, err := strconv.ParseUint(f, 0, 8)
			if err != nil {
				return err
			}
			bytes = append(bytes, uint8(v))
		}
		return d.M.Platform.Memory.WritePhysical(addr, bytes)
	case "reset":
		d.M.Reset()
		return nil
	}
	return fmt.Errorf("unknown command %q", fields[0])
}

var gprNames = [GPR_COUNT]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (d *DebugMonitor) PrintRegs() {
	s := d.M.Cpu.State
	for i := 0; i < GPR_COUNT; i += 2 {
		fmt.Fprintf(d.Out, "%-3s=%016x  %-3s=%016x\n",
			gprNames[i], s.Gprs[i], gprNames[i+1], s.Gprs[i+1])
	}
	fmt.Fprintf(d.Out, "rip=%016x rflags=%016x mode=%s cpl=%d\n",
		s.Rip, s.Rflags(), s.Mode, s.Cpl())
	for i, name := range segNames {
		fmt.Fprintf(d.Out, "%s=%04x ", name, s.Segments[i].Selector)
	}
	fmt.Fprintln(d.Out)
}
