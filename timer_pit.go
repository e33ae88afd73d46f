// timer_pit.go - 8254 programmable interval timer

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

const (
	PIT_BASE_HZ = 1193182
	PIT_GSI     = 0
)

type pitChannel struct {
	reload     uint32
	counter    uint64 // remaining time in PIT input cycles, fixed point ns
	mode       uint8
	accessMode uint8
	latchLow   bool
	gateHigh   bool
	running    bool
}

// Pit models the 8254: channel 0 drives IRQ0, channel 2 the speaker gate.
// Time advances in nanoseconds from the platform tick; expirations raise
// edges into the interrupt controller.
type Pit struct {
	channels [3]pitChannel
	// Accumulated nanoseconds not yet converted to PIT cycles.
	nsRemainder uint64
}

func NewPit() *Pit {
	p := &Pit{}
	for i := range p.channels {
		p.channels[i].reload = 0x10000
		p.channels[i].gateHigh = true
	}
	return p
}

func (p *Pit) Reset() { *p = *NewPit() }

// reloadNs converts a channel reload count to nanoseconds.
func reloadNs(reload uint32) uint64 {
	if reload == 0 {
		reload = 0x10000
	}
	return uint64(reload) * 1_000_000_000 / PIT_BASE_HZ
}

// Tick advances time; returns the number of channel-0 expirations so the
// platform can raise IRQ0 edges.
func (p *Pit) Tick(deltaNs uint64) int {
	ch := &p.channels[0]
	if !ch.running {
		return 0
	}
	fires := 0
	period := reloadNs(ch.reload)
	if period == 0 {
		return 0
	}
	elapsed := deltaNs
	for elapsed > 0 {
		if ch.counter > elapsed {
			ch.counter -= elapsed
			break
		}
		elapsed -= ch.counter
		ch.counter = period
		fires++
		if ch.mode == 0 {
			// One-shot: stop after the terminal count.
			ch.running = false
			break
		}
	}
	return fires
}

func (p *Pit) IoRead(port uint16, size int) uint64 {
	switch port {
	case 0x40, 0x41, 0x42:
		ch := &p.channels[port-0x40]
		// Approximate count readback from remaining time.
		period := reloadNs(ch.reload)
		if period == 0 {
			return 0
		}
		frac := ch.counter * uint64(ch.reload) / period
		if ch.latchLow {
			ch.latchLow = false
			return frac & 0xFF
		}
		ch.latchLow = true
		return (frac >> 8) & 0xFF
	}
	return 0xFF
}

func (p *Pit) IoWrite(port uint16, size int, value uint64) {
	v := uint8(value)
	switch port {
	case 0x43: // mode/command
		chIdx := v >> 6
		if chIdx > 2 {
			return
		}
		ch := &p.channels[chIdx]
		ch.accessMode = (v >> 4) & 3
		ch.mode = (v >> 1) & 7
		ch.latchLow = true
	case 0x40, 0x41, 0x42:
		ch := &p.channels[port-0x40]
		switch ch.accessMode {
		case 1:
			ch.reload = uint32(v)
			p.start(ch)
		case 2:
			ch.reload = uint32(v) << 8
			p.start(ch)
		default: // lobyte/hibyte
			if ch.latchLow {
				ch.reload = (ch.reload &^ 0xFF) | uint32(v)
				ch.latchLow = false
			} else {
				ch.reload = (ch.reload &^ 0xFF00) | uint32(v)<<8
				ch.latchLow = true
				p.start(ch)
			}
		}
	}
}

func (p *Pit) start(ch *pitChannel) {
	if ch.reload == 0 {
		ch.reload = 0x10000
	}
	ch.counter = reloadNs(ch.reload)
	ch.running = true
}
