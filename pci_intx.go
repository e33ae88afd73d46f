// pci_intx.go - Legacy INTx swizzle and level-source routing

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
pci_intx.go - PCI INTx Router

The standard x86 swizzle maps (device, pin) onto one of four PIRQ lines:
(device + pin - 1) mod 4. A fixed PIRQ→GSI table assigns the platform
interrupt. configure_device_intx stamps the config-space Pin and Line
fields; registered level sources are sampled every slice so the interrupt
controller tracks assertion and deassertion faithfully even while the CPU
cannot accept interrupts.
*/

package main

// Default PIRQ→GSI routing.
var DEFAULT_PIRQ_GSIS = [4]int{10, 11, 12, 13}

type pciIntxSource struct {
	bdf  Bdf
	pin  PciInterruptPin
	poll func() bool
}

type PciIntxRouter struct {
	pirqGsis [4]int
	sources  []pciIntxSource
	// levels[gsi] is the OR of all sources routed there last sample.
	levels [GSI_COUNT]bool
}

func NewPciIntxRouter() *PciIntxRouter {
	return &PciIntxRouter{pirqGsis: DEFAULT_PIRQ_GSIS}
}

// pirqFor applies the standard swizzle.
func (r *PciIntxRouter) pirqFor(bdf Bdf, pin PciInterruptPin) int {
	return (int(bdf.Device) + int(pin) - 1) % 4
}

// GsiForIntx resolves a device pin to its platform GSI.
func (r *PciIntxRouter) GsiForIntx(bdf Bdf, pin PciInterruptPin) int {
	return r.pirqGsis[r.pirqFor(bdf, pin)]
}

// ConfigureDeviceIntx stamps the Pin and Line config fields.
func (r *PciIntxRouter) ConfigureDeviceIntx(bus *PciBus, bdf Bdf, pin PciInterruptPin) {
	cfg := bus.DeviceConfig(bdf)
	if cfg == nil {
		return
	}
	cfg.stampInterrupt(pin, uint8(r.GsiForIntx(bdf, pin)))
}

// RegisterPciIntxSource installs a level-triggered source polled during
// PollPciIntxLines.
func (r *PciIntxRouter) RegisterPciIntxSource(bdf Bdf, pin PciInterruptPin, poll func() bool) {
	r.sources = append(r.sources, pciIntxSource{bdf: bdf, pin: pin, poll: poll})
}

// PollPciIntxLines samples every registered source and synchronizes the
// resulting GSI levels into the interrupt controller. Sampling happens
// even when delivery is impossible, so line state stays faithful.
func (r *PciIntxRouter) PollPciIntxLines(intc InterruptController) {
	var next [GSI_COUNT]bool
	for _, src := range r.sources {
		if src.poll() {
			next[r.GsiForIntx(src.bdf, src.pin)] = true
		}
	}
	for gsi := range next {
		if next[gsi] != r.levels[gsi] {
			intc.SetIrqLevel(gsi, next[gsi])
			r.levels[gsi] = next[gsi]
		}
	}
}

// Reset drops sampled levels (sources re-register their state on the next
// poll) and restores the default PIRQ table.
func (r *PciIntxRouter) Reset(intc InterruptController) {
	for gsi, level := range r.levels {
		if level {
			intc.SetIrqLevel(gsi, false)
			r.levels[gsi] = false
		}
	}
	r.pirqGsis = DEFAULT_PIRQ_GSIS
}
