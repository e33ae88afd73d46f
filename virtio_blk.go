// virtio_blk.go - Legacy virtio-pci block device

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
virtio_blk.go - virtio-blk

Legacy (0.9x) virtio-pci block device with a single virtqueue. The guest
posts requests as descriptor chains (16-byte header, payload buffers, one
status byte); the DMA pump walks the available ring, performs the disk I/O
and publishes used entries, asserting INTx through the ISR latch. Notify
writes only mark the queue; actual work happens in the pump phase so
completion interrupts follow the run loop's DMA ordering.
*/

package main

import "encoding/binary"

const (
	VIRTIO_BLK_VENDOR  = 0x1AF4
	VIRTIO_BLK_DEVICE  = 0x1001
	VIRTIO_BLK_BDF_DEV = 5

	VIRTIO_PCI_HOST_FEATURES  = 0
	VIRTIO_PCI_GUEST_FEATURES = 4
	VIRTIO_PCI_QUEUE_PFN      = 8
	VIRTIO_PCI_QUEUE_NUM      = 12
	VIRTIO_PCI_QUEUE_SEL      = 14
	VIRTIO_PCI_QUEUE_NOTIFY   = 16
	VIRTIO_PCI_STATUS         = 18
	VIRTIO_PCI_ISR            = 19
	VIRTIO_PCI_CONFIG         = 20

	VIRTIO_BLK_T_IN    = 0
	VIRTIO_BLK_T_OUT   = 1
	VIRTIO_BLK_T_FLUSH = 4

	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2

	VIRTQ_DESC_F_NEXT  = 1
	VIRTQ_DESC_F_WRITE = 2

	VIRTIO_QUEUE_SIZE = 128
)

type VirtioBlk struct {
	platform *Platform
	disk     *DiskImage
	cfg      *PciDeviceConfig
	bdf      Bdf

	guestFeatures uint32
	queuePfn      uint32
	status        uint8
	isr           uint8

	lastAvailIdx uint16
	notified     bool
}

func AttachVirtioBlk(p *Platform, disk *DiskImage) *VirtioBlk {
	d := &VirtioBlk{platform: p, disk: disk}
	d.bdf = Bdf{Device: VIRTIO_BLK_BDF_DEV}
	d.cfg = NewPciDeviceConfig(VIRTIO_BLK_VENDOR, VIRTIO_BLK_DEVICE, 0x010000)
	d.cfg.SetBar(0, PCI_BAR_IO, 64)
	p.PciCfg.Bus().AddDevice(d.bdf, d.cfg)
	p.PciIntx.RegisterPciIntxSource(d.bdf, PCI_INT_A, func() bool { return d.isr != 0 })
	p.VirtioBlk = d
	p.RegisterDevice(d)
	// The I/O BAR decodes dynamically inside the PCI port window; the base
	// is assigned by POST.
	p.Io.Map(0xC000, 0xCEFF, d)
	return d
}

// DecodesPort claims only the programmed BAR0 window.
func (d *VirtioBlk) DecodesPort(port uint16) bool {
	_, ok := d.barOffset(port)
	return ok
}

func (d *VirtioBlk) Reset() {
	d.guestFeatures = 0
	d.queuePfn = 0
	d.status = 0
	d.isr = 0
	d.lastAvailIdx = 0
	d.notified = false
}

func (d *VirtioBlk) barOffset(port uint16) (int, bool) {
	base := d.cfg.BarBase(0)
	if base == 0 || uint64(port) < base || uint64(port) >= base+64 {
		return 0, false
	}
	return int(uint64(port) - base), true
}

func (d *VirtioBlk) IoRead(port uint16, size int) uint64 {
	off, ok := d.barOffset(port)
	if !ok {
		return maskForSize(size)
	}
	switch off {
	case VIRTIO_PCI_HOST_FEATURES:
		return 0
	case VIRTIO_PCI_GUEST_FEATURES:
		return uint64(d.guestFeatures)
	case VIRTIO_PCI_QUEUE_PFN:
		return uint64(d.queuePfn)
	case VIRTIO_PCI_QUEUE_NUM:
		return VIRTIO_QUEUE_SIZE
	case VIRTIO_PCI_STATUS:
		return uint64(d.status)
	case VIRTIO_PCI_ISR:
		v := d.isr
		d.isr = 0
		return uint64(v)
	}
	if off >= VIRTIO_PCI_CONFIG && off < VIRTIO_PCI_CONFIG+8 && d.disk != nil {
		capacity := d.disk.CapacityBytes() / SECTOR_SIZE
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], capacity)
		var v uint64
		for i := 0; i < size && off-VIRTIO_PCI_CONFIG+i < 8; i++ {
			v |= uint64(raw[off-VIRTIO_PCI_CONFIG+i]) << (8 * i)
		}
		return v
	}
	return maskForSize(size)
}

func (d *VirtioBlk) IoWrite(port uint16, size int, value uint64) {
	off, ok := d.barOffset(port)
	if !ok {
		return
	}
	switch off {
	case VIRTIO_PCI_GUEST_FEATURES:
		d.guestFeatures = uint32(value)
	case VIRTIO_PCI_QUEUE_PFN:
		d.queuePfn = uint32(value)
	case VIRTIO_PCI_QUEUE_NOTIFY:
		d.notified = true
	case VIRTIO_PCI_STATUS:
		d.status = uint8(value)
		if d.status == 0 {
			d.Reset()
		}
	}
}

// Virtqueue layout offsets for a legacy queue at pfn*4096.
func (d *VirtioBlk) queueBase() uint64 { return uint64(d.queuePfn) * 4096 }

func (d *VirtioBlk) availBase() uint64 { return d.queueBase() + VIRTIO_QUEUE_SIZE*16 }

func (d *VirtioBlk) usedBase() uint64 {
	// Used ring is page-aligned after desc + avail.
	unaligned := d.availBase() + 4 + VIRTIO_QUEUE_SIZE*2
	aligned, _ := alignUp64(unaligned, 4096)
	return aligned
}

type virtqDesc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (d *VirtioBlk) readDesc(idx uint16) (virtqDesc, error) {
	var raw [16]byte
	if err := d.platform.Memory.ReadPhysical(d.queueBase()+uint64(idx)*16, raw[:]); err != nil {
		return virtqDesc{}, err
	}
	return virtqDesc{
		addr:  binary.LittleEndian.Uint64(raw[0:8]),
		len:   binary.LittleEndian.Uint32(raw[8:12]),
		flags: binary.LittleEndian.Uint16(raw[12:14]),
		next:  binary.LittleEndian.Uint16(raw[14:16]),
	}, nil
}

// ProcessDma drains the queue after a notify; completions latch the ISR
// (level INTx).
func (d *VirtioBlk) ProcessDma() {
	if !d.notified || d.queuePfn == 0 || d.cfg.Command()&PCI_COMMAND_BME == 0 {
		return
	}
	d.notified = false
	mem := d.platform.Memory

	availIdx, err := mem.ReadU16(d.availBase() + 2)
	if err != nil {
		return
	}
	for d.lastAvailIdx != availIdx {
		slot := uint64(d.lastAvailIdx % VIRTIO_QUEUE_SIZE)
		head, err := mem.ReadU16(d.availBase() + 4 + slot*2)
		if err != nil {
			return
		}
		written := d.serviceChain(head)
		d.publishUsed(head, written)
		d.lastAvailIdx++
	}
}

func (d *VirtioBlk) serviceChain(head uint16) uint32 {
	mem := d.platform.Memory

	// Gather the chain.
	var descs []virtqDesc
	idx := head
	for {
		desc, err := d.readDesc(idx)
		if err != nil {
			return 0
		}
		descs = append(descs, desc)
		if desc.flags&VIRTQ_DESC_F_NEXT == 0 || len(descs) > VIRTIO_QUEUE_SIZE {
			break
		}
		idx = desc.next
	}
	if len(descs) < 2 {
		return 0
	}

	var hdr [16]byte
	if err := mem.ReadPhysical(descs[0].addr, hdr[:]); err != nil {
		return 0
	}
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	statusDesc := descs[len(descs)-1]
	dataDescs := descs[1 : len(descs)-1]

	status := uint8(VIRTIO_BLK_S_OK)
	var written uint32

	switch reqType {
	case VIRTIO_BLK_T_IN:
		off := sector * SECTOR_SIZE
		for _, dd := range dataDescs {
			buf := make([]byte, dd.len)
			if d.disk == nil || d.disk.ReadAt(off, buf) != nil {
				status = VIRTIO_BLK_S_IOERR
				break
			}
			if err := mem.WritePhysical(dd.addr, buf); err != nil {
				status = VIRTIO_BLK_S_IOERR
				break
			}
			off += uint64(dd.len)
			written += dd.len
		}
	case VIRTIO_BLK_T_OUT:
		off := sector * SECTOR_SIZE
		for _, dd := range dataDescs {
			buf := make([]byte, dd.len)
			if err := mem.ReadPhysical(dd.addr, buf); err != nil {
				status = VIRTIO_BLK_S_IOERR
				break
			}
			if d.disk == nil || d.disk.WriteAt(off, buf) != nil {
				status = VIRTIO_BLK_S_IOERR
				break
			}
			off += uint64(dd.len)
		}
	case VIRTIO_BLK_T_FLUSH:
		if d.disk == nil || d.disk.Flush() != nil {
			status = VIRTIO_BLK_S_IOERR
		}
	default:
		status = VIRTIO_BLK_S_UNSUPP
	}

	mem.WriteU8(statusDesc.addr, status)
	written++ // status byte
	return written
}

func (d *VirtioBlk) publishUsed(head uint16, written uint32) {
	mem := d.platform.Memory
	usedIdx, err := mem.ReadU16(d.usedBase() + 2)
	if err != nil {
		return
	}
	slot := uint64(usedIdx % VIRTIO_QUEUE_SIZE)
	elem := d.usedBase() + 4 + slot*8
	mem.WriteU32(elem, uint32(head))
	mem.WriteU32(elem+4, written)
	mem.WriteU16(d.usedBase()+2, usedIdx+1)
	d.isr |= 0x1
}
