// ide.go - IDE/ATA PIO transport with an ATAPI CD-ROM personality

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
ide.go - IDE Transport

Primary-channel IDE with one hard disk (device 0) and one optional ATAPI
CD-ROM (device 1, ISO-backed). PIO only: IDENTIFY (DEVICE / PACKET
DEVICE), READ/WRITE SECTORS with LBA28, and the ATAPI packet path for READ
CAPACITY and READ(10)/READ(12). Command completion raises IRQ14. The disk
backend survives reset; transfer state does not.
*/

package main

import "encoding/binary"

const (
	IDE_PRIMARY_BASE = 0x1F0
	IDE_PRIMARY_CTRL = 0x3F6
	IDE_PRIMARY_GSI  = 14

	IDE_STATUS_ERR  = 1 << 0
	IDE_STATUS_DRQ  = 1 << 3
	IDE_STATUS_DRDY = 1 << 6
	IDE_STATUS_BSY  = 1 << 7

	IDE_CMD_READ_SECTORS  = 0x20
	IDE_CMD_WRITE_SECTORS = 0x30
	IDE_CMD_IDENTIFY      = 0xEC
	IDE_CMD_PACKET        = 0xA0
	IDE_CMD_IDENTIFY_PKT  = 0xA1

	ATAPI_SECTOR_SIZE = 2048
)

type IdeController struct {
	platform *Platform
	disk     *DiskImage
	iso      VirtualDisk

	// Task file.
	features  uint8
	sectCount uint8
	lbaLow    uint8
	lbaMid    uint8
	lbaHigh   uint8
	drive     uint8
	status    uint8
	errReg    uint8

	// PIO transfer buffer.
	data         []byte
	dataPos      int
	dataIn       bool // true: device->host
	pendingWrite bool
	writeLba     uint64

	// ATAPI packet accumulation.
	packet      []byte
	awaitPacket bool

	irqPending bool
	nien       bool
}

// AttachIde wires the primary channel.
func AttachIde(p *Platform, disk *DiskImage) *IdeController {
	c := &IdeController{platform: p, disk: disk, status: IDE_STATUS_DRDY}
	p.Io.Map(IDE_PRIMARY_BASE, IDE_PRIMARY_BASE+7, c)
	p.Io.Map(IDE_PRIMARY_CTRL, IDE_PRIMARY_CTRL, c)
	p.Ide = c
	p.RegisterDevice(c)
	return c
}

// AttachIso attaches an ISO image behind the ATAPI device.
func (c *IdeController) AttachIso(iso VirtualDisk) { c.iso = iso }

func (c *IdeController) Reset() {
	c.features = 0
	c.sectCount = 0
	c.lbaLow = 0
	c.lbaMid = 0
	c.lbaHigh = 0
	c.drive = 0
	c.status = IDE_STATUS_DRDY
	c.errReg = 0
	c.data = nil
	c.dataPos = 0
	c.dataIn = false
	c.pendingWrite = false
	c.packet = nil
	c.awaitPacket = false
	c.irqPending = false
	c.nien = false
	c.syncIrq()
}

func (c *IdeController) syncIrq() {
	level := c.irqPending && !c.nien
	c.platform.Interrupts.SetIrqLevel(IDE_PRIMARY_GSI, level)
}

func (c *IdeController) raiseIrq() {
	c.irqPending = true
	c.syncIrq()
}

// ProcessDma exists for run-loop symmetry; the PIO model completes
// synchronously, so the pump only refreshes the IRQ line.
func (c *IdeController) ProcessDma() { c.syncIrq() }

func (c *IdeController) selectedAtapi() bool { return c.drive&0x10 != 0 }

func (c *IdeController) lba28() uint64 {
	return uint64(c.lbaLow) | uint64(c.lbaMid)<<8 | uint64(c.lbaHigh)<<16 | uint64(c.drive&0x0F)<<24
}

func (c *IdeController) IoRead(port uint16, size int) uint64 {
	if port == IDE_PRIMARY_CTRL {
		return uint64(c.status)
	}
	switch port - IDE_PRIMARY_BASE {
	case 0: // data
		if !c.dataIn || c.dataPos >= len(c.data) {
			return 0
		}
		var v uint64
		for i := 0; i < size && c.dataPos < len(c.data); i++ {
			v |= uint64(c.data[c.dataPos]) << (8 * i)
			c.dataPos++
		}
		if c.dataPos >= len(c.data) {
			c.data = nil
			c.status &^= IDE_STATUS_DRQ
		}
		return v
	case 1:
		return uint64(c.errReg)
	case 2:
		return uint64(c.sectCount)
	case 3:
		return uint64(c.lbaLow)
	case 4:
		return uint64(c.lbaMid)
	case 5:
		return uint64(c.lbaHigh)
	case 6:
		return uint64(c.drive)
	case 7:
		c.irqPending = false
		c.syncIrq()
		return uint64(c.status)
	}
	return 0xFF
}

func (c *IdeController) IoWrite(port uint16, size int, value uint64) {
	if port == IDE_PRIMARY_CTRL {
		c.nien = value&0x02 != 0
		if value&0x04 != 0 {
			c.Reset()
		}
		c.syncIrq()
		return
	}
	v := uint8(value)
	switch port - IDE_PRIMARY_BASE {
	case 0: // data (host->device)
		if c.awaitPacket {
			for i := 0; i < size; i++ {
				c.packet = append(c.packet, uint8(value>>(8*i)))
			}
			if len(c.packet) >= 12 {
				c.awaitPacket = false
				c.status &^= IDE_STATUS_DRQ
				c.execAtapiPacket()
			}
			return
		}
		if !c.dataIn && c.data != nil {
			for i := 0; i < size && c.dataPos < len(c.data); i++ {
				c.data[c.dataPos] = uint8(value >> (8 * i))
				c.dataPos++
			}
			if c.dataPos >= len(c.data) {
				c.completePioWrite()
			}
		}
	case 1:
		c.features = v
	case 2:
		c.sectCount = v
	case 3:
		c.lbaLow = v
	case 4:
		c.lbaMid = v
	case 5:
		c.lbaHigh = v
	case 6:
		c.drive = v
	case 7:
		c.execCommand(v)
	}
}

func (c *IdeController) fail(err uint8) {
	c.errReg = err
	c.status = IDE_STATUS_DRDY | IDE_STATUS_ERR
	c.raiseIrq()
}

func (c *IdeController) execCommand(cmd uint8) {
	c.errReg = 0
	switch cmd {
	case IDE_CMD_IDENTIFY:
		if c.selectedAtapi() {
			// ATAPI devices abort IDENTIFY DEVICE with a signature.
			c.lbaMid = 0x14
			c.lbaHigh = 0xEB
			c.fail(0x04)
			return
		}
		c.startPioIn(c.identifyData(false))
	case IDE_CMD_IDENTIFY_PKT:
		if !c.selectedAtapi() {
			c.fail(0x04)
			return
		}
		c.startPioIn(c.identifyData(true))
	case IDE_CMD_READ_SECTORS:
		if c.selectedAtapi() || c.disk == nil {
			c.fail(0x04)
			return
		}
		count := int(c.sectCount)
		if count == 0 {
			count = 256
		}
		buf := make([]byte, count*SECTOR_SIZE)
		if err := c.disk.ReadAt(c.lba28()*SECTOR_SIZE, buf); err != nil {
			c.fail(0x40)
			return
		}
		c.startPioIn(buf)
	case IDE_CMD_WRITE_SECTORS:
		if c.selectedAtapi() || c.disk == nil {
			c.fail(0x04)
			return
		}
		count := int(c.sectCount)
		if count == 0 {
			count = 256
		}
		c.data = make([]byte, count*SECTOR_SIZE)
		c.dataPos = 0
		c.dataIn = false
		c.pendingWrite = true
		c.writeLba = c.lba28()
		c.status = IDE_STATUS_DRDY | IDE_STATUS_DRQ
	case IDE_CMD_PACKET:
		if !c.selectedAtapi() {
			c.fail(0x04)
			return
		}
		c.packet = nil
		c.awaitPacket = true
		c.status = IDE_STATUS_DRDY | IDE_STATUS_DRQ
	default:
		c.fail(0x04)
	}
}

func (c *IdeController) startPioIn(data []byte) {
	c.data = data
	c.dataPos = 0
	c.dataIn = true
	c.status = IDE_STATUS_DRDY | IDE_STATUS_DRQ
	c.raiseIrq()
}

func (c *IdeController) completePioWrite() {
	if c.pendingWrite && c.disk != nil {
		if err := c.disk.WriteAt(c.writeLba*SECTOR_SIZE, c.data); err != nil {
			c.data = nil
			c.pendingWrite = false
			c.fail(0x40)
			return
		}
	}
	c.data = nil
	c.pendingWrite = false
	c.status = IDE_STATUS_DRDY
	c.raiseIrq()
}

func (c *IdeController) identifyData(atapi bool) []byte {
	buf := make([]byte, SECTOR_SIZE)
	putWord := func(word int, v uint16) {
		binary.LittleEndian.PutUint16(buf[word*2:], v)
	}
	if atapi {
		putWord(0, 0x85C0) // ATAPI, CD-ROM, removable
	} else {
		putWord(0, 0x0040)
	}
	putString := func(word, words int, s string) {
		// ATA strings are byte-swapped per word.
		b := make([]byte, words*2)
		for i := range b {
			b[i] = ' '
		}
		copy(b, s)
		for i := 0; i < words; i++ {
			buf[(word+i)*2] = b[i*2+1]
			buf[(word+i)*2+1] = b[i*2]
		}
	}
	putString(10, 10, "AERO0001")
	putString(23, 4, "1.0")
	if atapi {
		putString(27, 20, "AERO VIRTUAL CDROM")
	} else {
		putString(27, 20, "AERO VIRTUAL DISK")
	}
	putWord(49, 1<<9) // LBA supported
	if !atapi && c.disk != nil {
		sectors := c.disk.CapacityBytes() / SECTOR_SIZE
		if sectors > 0x0FFFFFFF {
			sectors = 0x0FFFFFFF
		}
		putWord(60, uint16(sectors))
		putWord(61, uint16(sectors>>16))
	}
	return buf
}

func (c *IdeController) execAtapiPacket() {
	if c.iso == nil {
		c.fail(0x20) // medium not present
		return
	}
	pkt := c.packet
	switch pkt[0] {
	case 0x25: // READ CAPACITY(10)
		blocks := c.iso.CapacityBytes() / ATAPI_SECTOR_SIZE
		out := make([]byte, 8)
		binary.BigEndian.PutUint32(out[0:], uint32(blocks-1))
		binary.BigEndian.PutUint32(out[4:], ATAPI_SECTOR_SIZE)
		c.startPioIn(out)
	case 0x28, 0xA8: // READ(10)/READ(12)
		lba := uint64(binary.BigEndian.Uint32(pkt[2:6]))
		var count uint64
		if pkt[0] == 0x28 {
			count = uint64(binary.BigEndian.Uint16(pkt[7:9]))
		} else {
			count = uint64(binary.BigEndian.Uint32(pkt[6:10]))
		}
		buf := make([]byte, count*ATAPI_SECTOR_SIZE)
		if err := c.iso.ReadAt(lba*ATAPI_SECTOR_SIZE, buf); err != nil {
			c.fail(0x40)
			return
		}
		c.startPioIn(buf)
	case 0x00: // TEST UNIT READY
		c.status = IDE_STATUS_DRDY
		c.raiseIrq()
	default:
		c.fail(0x20)
	}
}
