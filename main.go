// main.go - aero: run machines, inspect snapshots, manage images

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
	"fmt"
	"log"
	"os"

	flags "github.com/jessevdk/go-flags"
)

type runCommand struct {
	Config  string `short:"c" long:"config" description:"machine config YAML"`
	Disk    string `short:"d" long:"disk" description:"boot disk image"`
	Insts   uint64 `long:"max-insts" default:"0" description:"stop after N instructions (0 = run forever)"`
	Script  string `long:"script" description:"Lua debug script to run instead of the monitor"`
	Monitor bool   `long:"monitor" description:"drop into the interactive monitor"`
}

type snapshotInspectCommand struct {
	Args struct {
		File string `positional-arg-name:"file" required:"yes"`
	} `positional-args:"yes"`
}

type imgCreateCommand struct {
	Format string `short:"f" long:"format" default:"qcow2" description:"qcow2|vhd|aerosparse|raw"`
	Size   string `short:"s" long:"size" required:"yes" description:"virtual size (e.g. 64M, 10G)"`
	Args   struct {
		File string `positional-arg-name:"file" required:"yes"`
	} `positional-args:"yes"`
}

type imgInfoCommand struct {
	Args struct {
		File string `positional-arg-name:"file" required:"yes"`
	} `positional-args:"yes"`
}

func main() {
	parser := flags.NewNamedParser("aero", flags.Default)

	var run runCommand
	parser.AddCommand("run", "Boot a machine", "Boot a machine from a config file or disk image.", &run)

	snapCmd, _ := parser.AddCommand("snapshot", "Snapshot tools", "Snapshot inspection.", &struct{}{})
	var inspect snapshotInspectCommand
	snapCmd.AddCommand("inspect", "Inspect a snapshot file", "Decode the section index and device TLVs.", &inspect)

	imgCmd, _ := parser.AddCommand("img", "Disk image tools", "Create and inspect disk images.", &struct{}{})
	var create imgCreateCommand
	imgCmd.AddCommand("create", "Create an image", "Initialize an empty disk image.", &create)
	var info imgInfoCommand
	imgCmd.AddCommand("info", "Describe an image", "Print format and capacity.", &info)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	var err error
	switch parser.Active.Name {
	case "run":
		err = run.execute()
	case "snapshot":
		err = inspect.execute()
	case "img":
		switch parser.Active.Active.Name {
		case "create":
			err = create.execute()
		default:
			err = info.execute()
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "aero: %v\n", err)
		os.Exit(1)
	}
}

func (c *runCommand) execute() error {
	cfg := DefaultMachineConfig()
	if c.Config != "" {
		fileCfg, err := LoadMachineFileConfig(c.Config)
		if err != nil {
			return err
		}
		if cfg, err = fileCfg.ToMachineConfig(); err != nil {
			return err
		}
	}

	m, err := NewMachine(cfg)
	if err != nil {
		return err
	}

	if c.Disk != "" {
		backend, err := OpenFileBackend(c.Disk)
		if err != nil {
			return err
		}
		disk, err := OpenDiskAuto(backend)
		if err != nil {
			return err
		}
		m.SetDiskImage(disk)
		m.Reset() // re-run POST with the real boot sector
		log.Printf("boot disk %s (%s, %d MiB)", c.Disk, disk.Format(), disk.CapacityBytes()>>20)
	}

	if c.Script != "" {
		script, err := os.ReadFile(c.Script)
		if err != nil {
			return err
		}
		return RunDebugScript(m, string(script))
	}
	if c.Monitor {
		NewDebugMonitor(m, os.Stdout).Repl(os.Stdin)
		return nil
	}

	const sliceInsts = 1 << 20
	remaining := c.Insts
	for {
		slice := uint64(sliceInsts)
		if c.Insts != 0 {
			if remaining == 0 {
				return nil
			}
			if remaining < slice {
				slice = remaining
			}
		}
		exit := m.RunSlice(slice)
		if c.Insts != 0 {
			remaining -= exit.Executed
		}
		switch exit.Kind {
		case RUN_RESET_REQUESTED:
			if exit.ResetKind == RESET_EVENT_SYSTEM {
				log.Printf("system reset requested")
			}
			m.Reset()
		case RUN_CPU_EXIT:
			return fmt.Errorf("triple fault: CPU halted")
		case RUN_EXCEPTION:
			return fmt.Errorf("unhandled exception %v", exit.Exception)
		case RUN_ASSIST:
			return fmt.Errorf("unimplemented assist %q", exit.Assist)
		case RUN_HALTED:
			// Idle machine with interrupts disabled stays down for good.
			if !m.Cpu.State.GetFlag(RFLAGS_IF) {
				log.Printf("guest halted with interrupts disabled")
				return nil
			}
		}
	}
}

func (c *snapshotInspectCommand) execute() error {
	data, err := os.ReadFile(c.Args.File)
	if err != nil {
		return err
	}
	return InspectSnapshotToWriter(os.Stdout, data)
}

func (c *imgCreateCommand) execute() error {
	size, err := ParseByteSize(c.Size)
	if err != nil {
		return err
	}
	backend, err := CreateFileBackend(c.Args.File)
	if err != nil {
		return err
	}
	defer backend.Close()

	switch c.Format {
	case "qcow2":
		_, err = CreateQcow2(backend, size)
	case "vhd":
		_, err = CreateVhdDynamic(backend, size, 2*1024*1024)
	case "aerosparse":
		_, err = CreateAeroSparse(backend, AeroSparseConfig{DiskSizeBytes: size, BlockSizeBytes: 64 * 1024})
	case "raw":
		err = backend.SetLen(size)
	default:
		err = fmt.Errorf("unknown format %q", c.Format)
	}
	if err != nil {
		return err
	}
	return backend.Flush()
}

func (c *imgInfoCommand) execute() error {
	backend, err := OpenFileBackend(c.Args.File)
	if err != nil {
		return err
	}
	defer backend.Close()
	disk, err := OpenDiskAuto(backend)
	if err != nil {
		return err
	}
	fmt.Printf("image: %s\nformat: %s\nvirtual size: %d bytes\n",
		c.Args.File, disk.Format(), disk.CapacityBytes())
	return nil
}
