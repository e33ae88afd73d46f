// nvme.go - NVMe controller (admin + one I/O queue pair)

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
nvme.go - NVMe

A deliberately small controller: the admin queue pair plus one I/O queue
pair, PRP1-only data pointers (one page per command is enough for the
512-byte sector workloads the firmware and tests issue), INTx completion
signaling. Doorbell writes mark queues; the DMA pump consumes submission
entries and posts completions with the phase bit, so completion interrupts
observe the run loop's DMA-before-inject ordering.
*/

package main

import "encoding/binary"

const (
	NVME_VENDOR  = 0x1B36
	NVME_DEVICE  = 0x0010
	NVME_BDF_DEV = 4

	NVME_BAR0_SIZE = 0x4000

	NVME_REG_CAP  = 0x00
	NVME_REG_VS   = 0x08
	NVME_REG_CC   = 0x14
	NVME_REG_CSTS = 0x1C
	NVME_REG_AQA  = 0x24
	NVME_REG_ASQ  = 0x28
	NVME_REG_ACQ  = 0x30

	NVME_DOORBELL_BASE = 0x1000

	NVME_CC_EN    = 1 << 0
	NVME_CSTS_RDY = 1 << 0

	NVME_ADMIN_CREATE_IO_SQ = 0x01
	NVME_ADMIN_CREATE_IO_CQ = 0x05
	NVME_ADMIN_IDENTIFY     = 0x06

	NVME_IO_WRITE = 0x01
	NVME_IO_READ  = 0x02
	NVME_IO_FLUSH = 0x00
)

type nvmeQueue struct {
	base  uint64
	size  uint32
	head  uint32
	tail  uint32
	phase uint8
}

type NvmeController struct {
	platform *Platform
	disk     *DiskImage
	cfg      *PciDeviceConfig
	bdf      Bdf

	cc   uint32
	csts uint32
	aqa  uint32
	asq  uint64
	acq  uint64

	adminSq nvmeQueue
	adminCq nvmeQueue
	ioSq    nvmeQueue
	ioCq    nvmeQueue
	ioReady bool

	irqPending bool
}

func AttachNvme(p *Platform, disk *DiskImage) *NvmeController {
	d := &NvmeController{platform: p, disk: disk, bdf: Bdf{Device: NVME_BDF_DEV}}
	d.cfg = NewPciDeviceConfig(NVME_VENDOR, NVME_DEVICE, 0x010802)
	d.cfg.SetBar(0, PCI_BAR_MEM32, NVME_BAR0_SIZE)
	p.PciCfg.Bus().AddDevice(d.bdf, d.cfg)
	p.PciIntx.RegisterPciIntxSource(d.bdf, PCI_INT_A, func() bool { return d.irqPending })
	p.MapPciMmioBar(d.cfg, 0, NVME_BAR0_SIZE, d)
	p.Nvme = d
	p.RegisterDevice(d)
	return d
}

func (d *NvmeController) Reset() {
	d.cc = 0
	d.csts = 0
	d.aqa = 0
	d.asq = 0
	d.acq = 0
	d.adminSq = nvmeQueue{}
	d.adminCq = nvmeQueue{}
	d.ioSq = nvmeQueue{}
	d.ioCq = nvmeQueue{}
	d.ioReady = false
	d.irqPending = false
}

func (d *NvmeController) MmioRead(addr uint64, size int) uint64 {
	switch addr {
	case NVME_REG_CAP:
		// MQES=63, CQR, timeout, 4KiB pages.
		return 63 | 1<<16 | 15<<24
	case NVME_REG_CAP + 4:
		return 0
	case NVME_REG_VS:
		return 0x00010400 // 1.4
	case NVME_REG_CC:
		return uint64(d.cc)
	case NVME_REG_CSTS:
		return uint64(d.csts)
	case NVME_REG_AQA:
		return uint64(d.aqa)
	}
	return 0
}

func (d *NvmeController) MmioWrite(addr uint64, size int, value uint64) {
	switch addr {
	case NVME_REG_CC:
		d.cc = uint32(value)
		if d.cc&NVME_CC_EN != 0 {
			d.enable()
		} else {
			d.csts &^= NVME_CSTS_RDY
		}
	case NVME_REG_AQA:
		d.aqa = uint32(value)
	case NVME_REG_ASQ:
		d.asq = (d.asq &^ 0xFFFFFFFF) | value
	case NVME_REG_ASQ + 4:
		d.asq = (d.asq & 0xFFFFFFFF) | value<<32
	case NVME_REG_ACQ:
		d.acq = (d.acq &^ 0xFFFFFFFF) | value
	case NVME_REG_ACQ + 4:
		d.acq = (d.acq & 0xFFFFFFFF) | value<<32
	default:
		if addr >= NVME_DOORBELL_BASE && addr < NVME_DOORBELL_BASE+0x100 {
			d.doorbell(int(addr-NVME_DOORBELL_BASE)/4, uint32(value))
		}
	}
}

func (d *NvmeController) enable() {
	d.adminSq = nvmeQueue{base: d.asq, size: d.aqa&0xFFF + 1}
	d.adminCq = nvmeQueue{base: d.acq, size: (d.aqa>>16)&0xFFF + 1, phase: 1}
	d.csts |= NVME_CSTS_RDY
}

// Doorbell stride 4: index 0 = admin SQ tail, 1 = admin CQ head,
// 2 = IO SQ1 tail, 3 = IO CQ1 head.
func (d *NvmeController) doorbell(idx int, value uint32) {
	switch idx {
	case 0:
		d.adminSq.tail = value
	case 1:
		d.adminCq.head = value
		d.irqPending = false
	case 2:
		d.ioSq.tail = value
	case 3:
		d.ioCq.head = value
		d.irqPending = false
	}
}

// ProcessDma drains admin and I/O submission queues.
func (d *NvmeController) ProcessDma() {
	if d.csts&NVME_CSTS_RDY == 0 || d.cfg.Command()&PCI_COMMAND_BME == 0 {
		return
	}
	for d.adminSq.head != d.adminSq.tail {
		d.executeAdmin()
	}
	if d.ioReady {
		for d.ioSq.head != d.ioSq.tail {
			d.executeIo()
		}
	}
}

func (d *NvmeController) readSqe(q *nvmeQueue) ([64]byte, bool) {
	var sqe [64]byte
	if err := d.platform.Memory.ReadPhysical(q.base+uint64(q.head)*64, sqe[:]); err != nil {
		return sqe, false
	}
	q.head = (q.head + 1) % q.size
	return sqe, true
}

func (d *NvmeController) postCompletion(q *nvmeQueue, sqHead uint32, cid uint16, status uint16) {
	var cqe [16]byte
	binary.LittleEndian.PutUint16(cqe[8:], uint16(sqHead))
	binary.LittleEndian.PutUint16(cqe[12:], cid)
	binary.LittleEndian.PutUint16(cqe[14:], status<<1|uint16(q.phase))
	if err := d.platform.Memory.WritePhysical(q.base+uint64(q.tail)*16, cqe[:]); err != nil {
		return
	}
	q.tail = (q.tail + 1) % q.size
	if q.tail == 0 {
		q.phase ^= 1
	}
	d.irqPending = true
}

func (d *NvmeController) executeAdmin() {
	sqe, ok := d.readSqe(&d.adminSq)
	if !ok {
		return
	}
	opc := sqe[0]
	cid := binary.LittleEndian.Uint16(sqe[2:4])
	prp1 := binary.LittleEndian.Uint64(sqe[24:32])
	cdw10 := binary.LittleEndian.Uint32(sqe[40:44])
	cdw11 := binary.LittleEndian.Uint32(sqe[44:48])

	status := uint16(0)
	switch opc {
	case NVME_ADMIN_IDENTIFY:
		var data [4096]byte
		switch cdw10 & 0xFF {
		case 0x01: // controller
			copy(data[4:], "AERO")
			copy(data[24:], "Aero NVMe Controller")
			data[516] = 1 // one namespace
		case 0x00: // namespace
			if d.disk != nil {
				blocks := d.disk.CapacityBytes() / SECTOR_SIZE
				binary.LittleEndian.PutUint64(data[0:], blocks)
				binary.LittleEndian.PutUint64(data[8:], blocks)
				data[130] = 9 // LBA data size 2^9
			}
		}
		d.platform.Memory.WritePhysical(prp1, data[:])
	case NVME_ADMIN_CREATE_IO_CQ:
		d.ioCq = nvmeQueue{base: prp1, size: (cdw11 >> 16) + 1, phase: 1}
	case NVME_ADMIN_CREATE_IO_SQ:
		d.ioSq = nvmeQueue{base: prp1, size: (cdw11 >> 16) + 1}
		d.ioReady = true
	default:
		status = 0x01 // invalid opcode
	}
	d.postCompletion(&d.adminCq, d.adminSq.head, cid, status)
}

func (d *NvmeController) executeIo() {
	sqe, ok := d.readSqe(&d.ioSq)
	if !ok {
		return
	}
	opc := sqe[0]
	cid := binary.LittleEndian.Uint16(sqe[2:4])
	prp1 := binary.LittleEndian.Uint64(sqe[24:32])
	slba := binary.LittleEndian.Uint64(sqe[40:48])
	nlb := uint64(binary.LittleEndian.Uint16(sqe[48:50])) + 1

	status := uint16(0)
	switch opc {
	case NVME_IO_READ:
		buf := make([]byte, nlb*SECTOR_SIZE)
		if d.disk == nil || d.disk.ReadAt(slba*SECTOR_SIZE, buf) != nil {
			status = 0x02
			break
		}
		if d.platform.Memory.WritePhysical(prp1, buf) != nil {
			status = 0x02
		}
	case NVME_IO_WRITE:
		buf := make([]byte, nlb*SECTOR_SIZE)
		if d.platform.Memory.ReadPhysical(prp1, buf) != nil {
			status = 0x02
			break
		}
		if d.disk == nil || d.disk.WriteAt(slba*SECTOR_SIZE, buf) != nil {
			status = 0x02
		}
	case NVME_IO_FLUSH:
		if d.disk == nil || d.disk.Flush() != nil {
			status = 0x02
		}
	default:
		status = 0x01
	}
	d.postCompletion(&d.ioCq, d.ioSq.head, cid, status)
}
