// machine.go - Machine: CPU + platform + BIOS + backends, the run loop

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
machine.go - Machine Run Loop

A run slice interleaves device progress with CPU batches:

    1. Pump DMA devices (storage, then network); completions latch INTx.
    2. Sync PCI INTx lines into the interrupt controller.
    3. Surface at most one queued reset event.
    4. Resync the CPU's A20 view from the chipset latch; while A20 is
       disabled in real/v8086 mode, clamp the batch to one instruction so
       an enabling port write is visible on the next boundary.
    5. Poll the interrupt controller; inject at most one vector when IF=1,
       nothing is pending and no shadow is active.
    6. Execute a Tier-0 batch up to the remaining budget.
    7. Advance platform time by executed cycles and the BIOS BDA clock.
    8. On HLT: pump DMA + poll once more; if still halted, idle-tick ~1ms
       so timers can wake the CPU; if still halted, return.
    9. Dispatch BIOS interrupts to firmware; surface other exits.

This ordering guarantees a DMA completion in a slice is observable by the
guest before the slice returns.
*/

package main

import "fmt"

// Guests above this RAM size use the sparse backing store.
const SPARSE_RAM_THRESHOLD_BYTES = 1 << 30

// RunExitKind describes why RunSlice returned.
type RunExitKind int

const (
	RUN_COMPLETED RunExitKind = iota
	RUN_HALTED
	RUN_RESET_REQUESTED
	RUN_EXCEPTION
	RUN_ASSIST
	RUN_CPU_EXIT
)

type RunExit struct {
	Kind      RunExitKind
	Executed  uint64
	ResetKind ResetEvent
	Exception *Exception
	CpuExit   CpuExitKind
	Assist    string
}

// MachineConfig selects machine composition.
type MachineConfig struct {
	RamSizeBytes uint64
	CpuCount     int

	EnableHda       bool
	EnableE1000     bool
	EnableNvme      bool
	EnableVirtioBlk bool

	MacAddr [6]byte
}

func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		RamSizeBytes: 64 * 1024 * 1024,
		CpuCount:     1,
		EnableE1000:  true,
		MacAddr:      [6]byte{0x52, 0x54, 0x00, 0xAE, 0x50, 0x01},
	}
}

// Machine wires platform + CPU + BIOS + backends.
type Machine struct {
	cfg MachineConfig

	Cpu      *CpuCore
	Platform *Platform
	Bus      *PlatformCpuBus
	Bios     *Bios

	Disk    *DiskImage
	Serial  *SerialUart
	Console ConsoleBackend

	cfgTier0 Tier0Config
}

func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.CpuCount != 1 {
		return nil, fmt.Errorf("unsupported cpu count %d", cfg.CpuCount)
	}

	var ram GuestMemory
	var err error
	if cfg.RamSizeBytes <= SPARSE_RAM_THRESHOLD_BYTES {
		ram, err = NewDenseMemory(cfg.RamSizeBytes)
	} else {
		ram, err = NewSparseMemory(cfg.RamSizeBytes)
	}
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:      cfg,
		Cpu:      NewCpuCore(),
		Platform: NewPlatform(ram),
	}
	m.Bus = NewPlatformCpuBus(m.Platform, m.Cpu)
	m.Bios = NewBios(BiosConfig{MemorySizeBytes: cfg.RamSizeBytes})
	m.cfgTier0 = Tier0Config{InterceptBiosInt: m.Bios.HandlesVector}

	// Default machine disk: an empty raw image until a backend is set.
	disk, err := OpenDiskAuto(NewMemBackend())
	if err != nil {
		return nil, err
	}
	m.Disk = disk

	if cfg.EnableE1000 {
		AttachE1000(m.Platform, cfg.MacAddr)
	}
	if cfg.EnableNvme {
		AttachNvme(m.Platform, m.Disk)
	}
	if cfg.EnableVirtioBlk {
		AttachVirtioBlk(m.Platform, m.Disk)
	}
	if cfg.EnableHda {
		AttachHda(m.Platform, NewAudioSink())
	}
	AttachIde(m.Platform, m.Disk)
	m.Console = NewConsoleBackend()
	m.Serial = AttachSerial(m.Platform, m.Console)

	m.Reset()
	return m, nil
}

// SetDiskImage replaces the canonical disk backend shared by the BIOS and
// the storage controllers.
func (m *Machine) SetDiskImage(disk *DiskImage) {
	*m.Disk = *disk
}

// Reset reinitializes CPU state and replays BIOS POST. Device backends
// survive; transport state is cleared.
func (m *Machine) Reset() {
	m.Platform.Reset()
	m.Bus.Reset()
	m.Cpu.Reset()
	m.Bios.Post(m.Cpu.State, m.Platform, m.Disk)
	m.Cpu.State.A20Enabled = m.Platform.A20Enabled()
}

// takeResetKind surfaces a single queued reset event per slice.
func (m *Machine) takeResetKind() (ResetEvent, bool) {
	evs := m.Platform.TakeResetEvents()
	if len(evs) == 0 {
		return 0, false
	}
	// Preserve ordering but surface only the first; later events requeue.
	for _, ev := range evs[1:] {
		m.Platform.RequestReset(ev)
	}
	return evs[0], true
}

// pollAndQueueOneExternalInterrupt syncs INTx and injects at most one
// vector. Sampling happens even when delivery is blocked so level lines
// stay accurate.
func (m *Machine) pollAndQueueOneExternalInterrupt() bool {
	m.Platform.PollPciIntxLines()

	p := &m.Cpu.Pending
	if p.ExternalInterruptCount() >= MAX_QUEUED_EXTERNAL_INTERRUPTS ||
		p.HasPendingEvent() ||
		!m.Cpu.State.GetFlag(RFLAGS_IF) ||
		p.InterruptInhibit() != 0 {
		return false
	}
	if vector, ok := m.Platform.Interrupts.PollInterrupt(); ok {
		return p.InjectExternalInterrupt(vector)
	}
	return false
}

// tickPlatformFromCycles advances platform and BDA time deterministically.
func (m *Machine) tickPlatformFromCycles(cycles uint64) {
	if cycles == 0 {
		return
	}
	deltaNs := m.Cpu.Time.AdvanceGuestTimeForCycles(cycles)
	if deltaNs != 0 {
		m.Bios.AdvanceTime(m.Platform.Memory, deltaNs)
		m.Platform.Tick(deltaNs)
	}
}

// idleTickPlatform1ms advances ~1ms while halted so timers can wake the
// CPU; only meaningful when maskable interrupts are enabled.
func (m *Machine) idleTickPlatform1ms() {
	if !m.Cpu.State.GetFlag(RFLAGS_IF) {
		return
	}
	cycles := m.Cpu.Time.TscHz() / 1000
	if cycles == 0 {
		cycles = 1
	}
	m.Cpu.Time.AdvanceCycles(cycles)
	m.Cpu.State.Msr.Tsc += cycles
	m.tickPlatformFromCycles(cycles)
}

// RunSlice executes at most maxInsts guest instructions.
func (m *Machine) RunSlice(maxInsts uint64) RunExit {
	var executed uint64

	for executed < maxInsts {
		// DMA first so completions can interrupt within this slice.
		m.Platform.ProcessDmaDevices()

		if kind, ok := m.takeResetKind(); ok {
			return RunExit{Kind: RUN_RESET_REQUESTED, ResetKind: kind, Executed: executed}
		}

		// Keep the core's A20 view coherent with the chipset latch.
		m.Cpu.State.A20Enabled = m.Platform.A20Enabled()

		m.pollAndQueueOneExternalInterrupt()

		remaining := maxInsts - executed
		// While A20 is disabled in real/v8086 mode, run one instruction per
		// batch so an enabling write is observed at the next boundary.
		if (m.Cpu.State.Mode == MODE_REAL || m.Cpu.State.Mode == MODE_VM86) && !m.Cpu.State.A20Enabled {
			if remaining > 1 {
				remaining = 1
			}
		}

		batch := RunBatch(&m.cfgTier0, m.Cpu, m.Bus, remaining)
		executed += batch.Executed
		m.tickPlatformFromCycles(batch.Executed)

		if kind, ok := m.takeResetKind(); ok {
			return RunExit{Kind: RUN_RESET_REQUESTED, ResetKind: kind, Executed: executed}
		}

		switch batch.Exit {
		case BATCH_COMPLETED:
			if executed >= maxInsts {
				return RunExit{Kind: RUN_COMPLETED, Executed: executed}
			}

		case BATCH_BRANCH:
			// Re-enter the loop: devices re-pump before the next batch.

		case BATCH_HALTED:
			// Guests that kick a device then HLT must still be woken within
			// this slice: pump once more, then advance idle time.
			m.Platform.ProcessDmaDevices()
			if m.pollAndQueueOneExternalInterrupt() {
				continue
			}
			m.idleTickPlatform1ms()
			if m.pollAndQueueOneExternalInterrupt() {
				continue
			}
			return RunExit{Kind: RUN_HALTED, Executed: executed}

		case BATCH_BIOS_INTERRUPT:
			m.Cpu.State.A20Enabled = m.Platform.A20Enabled()
			m.Bios.DispatchInterrupt(batch.Vector, m.Cpu.State, m.Platform, m.Disk)
			m.Cpu.State.A20Enabled = m.Platform.A20Enabled()

		case BATCH_EXCEPTION:
			return RunExit{Kind: RUN_EXCEPTION, Executed: executed, Exception: batch.Exception}

		case BATCH_ASSIST:
			return RunExit{Kind: RUN_ASSIST, Executed: executed, Assist: batch.Assist}

		case BATCH_CPU_EXIT:
			return RunExit{Kind: RUN_CPU_EXIT, Executed: executed, CpuExit: batch.CpuExit}
		}
	}
	return RunExit{Kind: RUN_COMPLETED, Executed: executed}
}
