// hda.go - Intel HD Audio controller (output stream sink)

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
hda.go - HDA Controller

CORB/RIRB command transport plus one output stream. The DMA pump fetches
CORB verbs, answers them from a tiny codec model (vendor id, widget caps,
converter setup) and moves stream buffers through the BDL into the
AudioSink backend. Decode/resample stays host-side behind the sink; the
controller only moves bytes.
*/

package main

import "encoding/binary"

const (
	HDA_VENDOR  = 0x8086
	HDA_DEVICE  = 0x2668
	HDA_BDF_DEV = 6

	HDA_BAR0_SIZE = 0x4000

	HDA_REG_GCAP      = 0x00
	HDA_REG_GCTL      = 0x08
	HDA_REG_STATESTS  = 0x0A
	HDA_REG_CORBLBASE = 0x40
	HDA_REG_CORBUBASE = 0x44
	HDA_REG_CORBWP    = 0x48
	HDA_REG_CORBRP    = 0x4A
	HDA_REG_CORBCTL   = 0x4C
	HDA_REG_RIRBLBASE = 0x50
	HDA_REG_RIRBUBASE = 0x54
	HDA_REG_RIRBWP    = 0x58
	HDA_REG_RIRBCTL   = 0x5C

	HDA_STREAM0_BASE = 0x100
	HDA_SD_CTL       = 0x00
	HDA_SD_STS       = 0x03
	HDA_SD_CBL       = 0x08
	HDA_SD_LVI       = 0x0C
	HDA_SD_BDPL      = 0x18
	HDA_SD_BDPU      = 0x1C

	HDA_SD_CTL_RUN = 1 << 1
)

// AudioSink consumes raw PCM frames fetched by the output stream.
type AudioSink interface {
	WritePcm(samples []byte)
	Close()
}

type HdaController struct {
	platform *Platform
	cfg      *PciDeviceConfig
	bdf      Bdf
	sink     AudioSink

	gctl uint32

	corbBase uint64
	corbWp   uint16
	corbRp   uint16
	corbRun  bool

	rirbBase uint64
	rirbWp   uint16
	rirbRun  bool

	// Output stream 0.
	sdCtl uint32
	sdCbl uint32
	sdLvi uint16
	sdBdp uint64
	sdPos uint32

	irqPending bool
}

func AttachHda(p *Platform, sink AudioSink) *HdaController {
	d := &HdaController{platform: p, sink: sink, bdf: Bdf{Device: HDA_BDF_DEV}}
	d.cfg = NewPciDeviceConfig(HDA_VENDOR, HDA_DEVICE, 0x040300)
	d.cfg.SetBar(0, PCI_BAR_MEM32, HDA_BAR0_SIZE)
	p.PciCfg.Bus().AddDevice(d.bdf, d.cfg)
	p.PciIntx.RegisterPciIntxSource(d.bdf, PCI_INT_A, func() bool { return d.irqPending })
	p.MapPciMmioBar(d.cfg, 0, HDA_BAR0_SIZE, d)
	p.RegisterDevice(d)
	return d
}

func (d *HdaController) Reset() {
	d.gctl = 0
	d.corbBase = 0
	d.corbWp = 0
	d.corbRp = 0
	d.corbRun = false
	d.rirbBase = 0
	d.rirbWp = 0
	d.rirbRun = false
	d.sdCtl = 0
	d.sdCbl = 0
	d.sdLvi = 0
	d.sdBdp = 0
	d.sdPos = 0
	d.irqPending = false
}

func (d *HdaController) MmioRead(addr uint64, size int) uint64 {
	switch addr {
	case HDA_REG_GCAP:
		return 0x0100 // one output stream
	case HDA_REG_GCTL:
		return uint64(d.gctl)
	case HDA_REG_STATESTS:
		return 0x01 // codec 0 present
	case HDA_REG_CORBWP:
		return uint64(d.corbWp)
	case HDA_REG_CORBRP:
		return uint64(d.corbRp)
	case HDA_REG_RIRBWP:
		return uint64(d.rirbWp)
	}
	if addr >= HDA_STREAM0_BASE && addr < HDA_STREAM0_BASE+0x20 {
		switch addr - HDA_STREAM0_BASE {
		case HDA_SD_CTL:
			return uint64(d.sdCtl)
		case HDA_SD_STS:
			return 0x20 // FIFO ready
		}
	}
	return 0
}

func (d *HdaController) MmioWrite(addr uint64, size int, value uint64) {
	switch addr {
	case HDA_REG_GCTL:
		d.gctl = uint32(value)
	case HDA_REG_CORBLBASE:
		d.corbBase = (d.corbBase &^ 0xFFFFFFFF) | value
	case HDA_REG_CORBUBASE:
		d.corbBase = (d.corbBase & 0xFFFFFFFF) | value<<32
	case HDA_REG_CORBWP:
		d.corbWp = uint16(value)
	case HDA_REG_CORBCTL:
		d.corbRun = value&0x02 != 0
	case HDA_REG_RIRBLBASE:
		d.rirbBase = (d.rirbBase &^ 0xFFFFFFFF) | value
	case HDA_REG_RIRBUBASE:
		d.rirbBase = (d.rirbBase & 0xFFFFFFFF) | value<<32
	case HDA_REG_RIRBCTL:
		d.rirbRun = value&0x02 != 0
	}
	if addr >= HDA_STREAM0_BASE && addr < HDA_STREAM0_BASE+0x20 {
		switch addr - HDA_STREAM0_BASE {
		case HDA_SD_CTL:
			d.sdCtl = uint32(value)
		case HDA_SD_CBL:
			d.sdCbl = uint32(value)
		case HDA_SD_LVI:
			d.sdLvi = uint16(value)
		case HDA_SD_BDPL:
			d.sdBdp = (d.sdBdp &^ 0xFFFFFFFF) | value
		case HDA_SD_BDPU:
			d.sdBdp = (d.sdBdp & 0xFFFFFFFF) | value<<32
		}
	}
}

// codecRespond answers a subset of verbs: enough for parameter discovery
// and converter setup.
func codecRespond(verb uint32) uint32 {
	nid := (verb >> 20) & 0x7F
	cmd := (verb >> 8) & 0xFFF
	switch cmd {
	case 0xF00: // GET_PARAMETER
		switch verb & 0xFF {
		case 0x00: // vendor id
			return 0x1AE04E50
		case 0x04: // node count
			if nid == 0 {
				return 0x00010001
			}
			return 0x00020002
		case 0x09: // audio widget caps: output converter
			return 0x0001 << 20
		}
	case 0xF06, 0x706: // converter stream/channel
		return 0
	}
	return 0
}

// ProcessDma pumps CORB verbs and the output stream.
func (d *HdaController) ProcessDma() {
	if d.cfg.Command()&PCI_COMMAND_BME == 0 {
		return
	}
	mem := d.platform.Memory

	// CORB → codec → RIRB.
	if d.corbRun && d.rirbRun {
		for d.corbRp != d.corbWp {
			d.corbRp = (d.corbRp + 1) % 256
			verb, err := mem.ReadU32(d.corbBase + uint64(d.corbRp)*4)
			if err != nil {
				break
			}
			resp := codecRespond(verb)
			d.rirbWp = (d.rirbWp + 1) % 256
			var entry [8]byte
			binary.LittleEndian.PutUint32(entry[0:], resp)
			mem.WritePhysical(d.rirbBase+uint64(d.rirbWp)*8, entry[:])
			d.irqPending = true
		}
	}

	// Output stream: walk the BDL and hand PCM to the sink.
	if d.sdCtl&HDA_SD_CTL_RUN != 0 && d.sink != nil && d.sdCbl > 0 {
		for d.sdPos < d.sdCbl {
			entryIdx := uint64(0)
			remaining := d.sdPos
			var bufAddr uint64
			var bufLen uint32
			for {
				var bdle [16]byte
				if err := mem.ReadPhysical(d.sdBdp+entryIdx*16, bdle[:]); err != nil {
					return
				}
				bufAddr = binary.LittleEndian.Uint64(bdle[0:8])
				bufLen = binary.LittleEndian.Uint32(bdle[8:12])
				if remaining < bufLen {
					break
				}
				remaining -= bufLen
				entryIdx++
				if entryIdx > uint64(d.sdLvi) {
					return
				}
			}
			chunk := bufLen - remaining
			pcm := make([]byte, chunk)
			if err := mem.ReadPhysical(bufAddr+uint64(remaining), pcm); err != nil {
				return
			}
			d.sink.WritePcm(pcm)
			d.sdPos += chunk
		}
		d.sdPos = 0
		d.irqPending = true
	}
}
