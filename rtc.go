// rtc.go - MC146818 RTC and CMOS NVRAM

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

const RTC_GSI = 8

// Rtc models the CMOS clock: a deterministic time-of-day counter driven by
// platform nanoseconds (never host wall-clock) plus the periodic interrupt
// on IRQ8 and the battery-backed NVRAM bytes the firmware uses.
type Rtc struct {
	index uint8
	nvram [128]uint8

	// Time of day in nanoseconds since guest midnight.
	todNs uint64

	periodicEnabled bool
	periodNs        uint64
	periodRemainder uint64
	interruptFlag   uint8
}

func NewRtc() *Rtc {
	r := &Rtc{}
	r.nvram[0x0A] = 0x26
	r.nvram[0x0B] = 0x02 // 24-hour, BCD
	r.nvram[0x0D] = 0x80 // battery good
	return r
}

func (r *Rtc) Reset() {
	tod := r.todNs
	nv := r.nvram
	*r = *NewRtc()
	// CMOS contents and time of day survive reset.
	r.nvram = nv
	r.todNs = tod
}

// SetNvram lets firmware stash configuration (memory size, boot order).
func (r *Rtc) SetNvram(idx, v uint8) { r.nvram[idx&0x7F] = v }

// Tick advances guest time; returns periodic-interrupt expirations.
func (r *Rtc) Tick(deltaNs uint64) int {
	r.todNs += deltaNs
	if !r.periodicEnabled || r.periodNs == 0 {
		return 0
	}
	r.periodRemainder += deltaNs
	fires := int(r.periodRemainder / r.periodNs)
	r.periodRemainder %= r.periodNs
	if fires > 0 {
		r.interruptFlag |= 0x40 // PF
		if r.nvram[0x0B]&0x40 != 0 {
			r.interruptFlag |= 0x80 // IRQF
		}
	}
	return fires
}

func bcd(v uint64) uint8 { return uint8(v/10<<4 | v%10) }

func (r *Rtc) IoRead(port uint16, size int) uint64 {
	if port == 0x70 {
		return uint64(r.index)
	}
	idx := r.index & 0x7F
	secs := r.todNs / 1_000_000_000
	switch idx {
	case 0x00:
		return uint64(bcd(secs % 60))
	case 0x02:
		return uint64(bcd(secs / 60 % 60))
	case 0x04:
		return uint64(bcd(secs / 3600 % 24))
	case 0x0C:
		v := r.interruptFlag
		r.interruptFlag = 0
		return uint64(v)
	}
	return uint64(r.nvram[idx])
}

func (r *Rtc) IoWrite(port uint16, size int, value uint64) {
	v := uint8(value)
	if port == 0x70 {
		r.index = v
		return
	}
	idx := r.index & 0x7F
	r.nvram[idx] = v
	switch idx {
	case 0x0A:
		rate := v & 0xF
		if rate == 0 {
			r.periodNs = 0
		} else {
			// Rate N yields 32768 >> (N-1) Hz.
			hz := uint64(32768) >> (rate - 1)
			r.periodNs = 1_000_000_000 / hz
		}
	case 0x0B:
		r.periodicEnabled = v&0x40 != 0
	}
}
