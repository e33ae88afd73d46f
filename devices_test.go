package main

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func attachTestDisk(t *testing.T, p *Platform, contents []byte) *DiskImage {
	t.Helper()
	disk, err := OpenDiskAuto(NewMemBackendFromBytes(contents))
	if err != nil {
		t.Fatal(err)
	}
	return disk
}

func TestIdeIdentifyAndPioRead(t *testing.T) {
	p := newTestPlatform(t)
	image := make([]byte, 8*SECTOR_SIZE)
	copy(image[2*SECTOR_SIZE:], "ide sector two")
	ide := AttachIde(p, attachTestDisk(t, p, image))

	// IDENTIFY DEVICE.
	ide.IoWrite(IDE_PRIMARY_BASE+6, 1, 0x00) // select device 0
	ide.IoWrite(IDE_PRIMARY_BASE+7, 1, IDE_CMD_IDENTIFY)
	if st := ide.IoRead(IDE_PRIMARY_BASE+7, 1); st&IDE_STATUS_DRQ == 0 {
		t.Fatalf("status %#x lacks DRQ after IDENTIFY", st)
	}
	ident := make([]byte, SECTOR_SIZE)
	for i := 0; i < SECTOR_SIZE; i += 2 {
		v := ide.IoRead(IDE_PRIMARY_BASE, 2)
		binary.LittleEndian.PutUint16(ident[i:], uint16(v))
	}
	sectors := uint64(binary.LittleEndian.Uint16(ident[60*2:])) |
		uint64(binary.LittleEndian.Uint16(ident[61*2:]))<<16
	if sectors != 8 {
		t.Fatalf("identify capacity = %d sectors, want 8", sectors)
	}

	// READ SECTORS, LBA 2, count 1.
	ide.IoWrite(IDE_PRIMARY_BASE+2, 1, 1)
	ide.IoWrite(IDE_PRIMARY_BASE+3, 1, 2)
	ide.IoWrite(IDE_PRIMARY_BASE+4, 1, 0)
	ide.IoWrite(IDE_PRIMARY_BASE+5, 1, 0)
	ide.IoWrite(IDE_PRIMARY_BASE+6, 1, 0xE0) // LBA mode
	ide.IoWrite(IDE_PRIMARY_BASE+7, 1, IDE_CMD_READ_SECTORS)

	sector := make([]byte, SECTOR_SIZE)
	for i := 0; i < SECTOR_SIZE; i += 2 {
		v := ide.IoRead(IDE_PRIMARY_BASE, 2)
		binary.LittleEndian.PutUint16(sector[i:], uint16(v))
	}
	if !bytes.Equal(sector[:14], []byte("ide sector two")) {
		t.Fatalf("sector = %q", sector[:14])
	}
}

func TestAtapiReadCapacity(t *testing.T) {
	p := newTestPlatform(t)
	ide := AttachIde(p, nil)
	iso, err := OpenRawDisk(NewMemBackendFromBytes(make([]byte, 16*ATAPI_SECTOR_SIZE)))
	if err != nil {
		t.Fatal(err)
	}
	ide.AttachIso(iso)

	ide.IoWrite(IDE_PRIMARY_BASE+6, 1, 0x10) // device 1 (ATAPI)
	ide.IoWrite(IDE_PRIMARY_BASE+7, 1, IDE_CMD_PACKET)
	// 12-byte READ CAPACITY packet.
	pkt := [12]byte{0x25}
	for i := 0; i < 12; i += 2 {
		ide.IoWrite(IDE_PRIMARY_BASE, 2, uint64(binary.LittleEndian.Uint16(pkt[i:])))
	}
	var resp [8]byte
	for i := 0; i < 8; i += 2 {
		binary.LittleEndian.PutUint16(resp[i:], uint16(ide.IoRead(IDE_PRIMARY_BASE, 2)))
	}
	lastLba := binary.BigEndian.Uint32(resp[0:4])
	blockLen := binary.BigEndian.Uint32(resp[4:8])
	if lastLba != 15 || blockLen != ATAPI_SECTOR_SIZE {
		t.Fatalf("capacity = %d/%d", lastLba, blockLen)
	}
}

// buildVirtqueue lays out a single-request legacy virtqueue in guest RAM.
func buildVirtioRequest(t *testing.T, p *Platform, reqType uint32, sector uint64, payload []byte) (pfn uint32, statusAddr, dataAddr uint64) {
	t.Helper()
	mem := p.Memory
	queueBase := uint64(0x10000)
	pfn = uint32(queueBase / 4096)

	hdrAddr := uint64(0x20000)
	dataAddr = uint64(0x21000)
	statusAddr = uint64(0x22000)

	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:], reqType)
	binary.LittleEndian.PutUint64(hdr[8:], sector)
	mem.WritePhysical(hdrAddr, hdr[:])
	if reqType == VIRTIO_BLK_T_OUT {
		mem.WritePhysical(dataAddr, payload)
	}

	writeDesc := func(idx uint16, addr uint64, n uint32, flags uint16, next uint16) {
		var d [16]byte
		binary.LittleEndian.PutUint64(d[0:], addr)
		binary.LittleEndian.PutUint32(d[8:], n)
		binary.LittleEndian.PutUint16(d[12:], flags)
		binary.LittleEndian.PutUint16(d[14:], next)
		mem.WritePhysical(queueBase+uint64(idx)*16, d[:])
	}
	dataFlags := uint16(VIRTQ_DESC_F_NEXT)
	if reqType == VIRTIO_BLK_T_IN {
		dataFlags |= VIRTQ_DESC_F_WRITE
	}
	writeDesc(0, hdrAddr, 16, VIRTQ_DESC_F_NEXT, 1)
	writeDesc(1, dataAddr, uint32(len(payload)), dataFlags, 2)
	writeDesc(2, statusAddr, 1, VIRTQ_DESC_F_WRITE, 0)

	availBase := queueBase + VIRTIO_QUEUE_SIZE*16
	mem.WriteU16(availBase+2, 1) // avail idx
	mem.WriteU16(availBase+4, 0) // ring[0] = head 0
	return pfn, statusAddr, dataAddr
}

func TestVirtioBlkReadRequest(t *testing.T) {
	p := newTestPlatform(t)
	image := make([]byte, 16*SECTOR_SIZE)
	copy(image[3*SECTOR_SIZE:], "virtio payload")
	dev := AttachVirtioBlk(p, attachTestDisk(t, p, image))
	dev.cfg.SetBarBase(0, 0xC100)
	dev.cfg.SetCommand(PCI_COMMAND_IO | PCI_COMMAND_BME)

	pfn, statusAddr, dataAddr := buildVirtioRequest(t, p, VIRTIO_BLK_T_IN, 3, make([]byte, SECTOR_SIZE))
	dev.IoWrite(0xC100+VIRTIO_PCI_QUEUE_PFN, 4, uint64(pfn))
	dev.IoWrite(0xC100+VIRTIO_PCI_QUEUE_NOTIFY, 2, 0)

	dev.ProcessDma()

	if v, _ := p.Memory.ReadU8(statusAddr); v != VIRTIO_BLK_S_OK {
		t.Fatalf("status = %d", v)
	}
	got := make([]byte, 14)
	p.Memory.ReadPhysical(dataAddr, got)
	if string(got) != "virtio payload" {
		t.Fatalf("data = %q", got)
	}
	// Used ring advanced and ISR latched for INTx.
	usedIdx, _ := p.Memory.ReadU16(dev.usedBase() + 2)
	if usedIdx != 1 {
		t.Fatalf("used idx = %d", usedIdx)
	}
	if v := dev.IoRead(0xC100+VIRTIO_PCI_ISR, 1); v != 1 {
		t.Fatalf("isr = %d", v)
	}
}

func TestNvmeAdminIdentifyAndIoRead(t *testing.T) {
	p := newTestPlatform(t)
	image := make([]byte, 8*SECTOR_SIZE)
	copy(image[SECTOR_SIZE:], "nvme block one")
	dev := AttachNvme(p, attachTestDisk(t, p, image))
	dev.cfg.SetCommand(PCI_COMMAND_MEM | PCI_COMMAND_BME)

	asq := uint64(0x30000)
	acq := uint64(0x31000)
	dev.MmioWrite(NVME_REG_AQA, 4, 0x003F003F)
	dev.MmioWrite(NVME_REG_ASQ, 4, asq)
	dev.MmioWrite(NVME_REG_ACQ, 4, acq)
	dev.MmioWrite(NVME_REG_CC, 4, NVME_CC_EN)
	if dev.MmioRead(NVME_REG_CSTS, 4)&NVME_CSTS_RDY == 0 {
		t.Fatal("controller not ready after CC.EN")
	}

	// IDENTIFY namespace into 0x40000.
	var sqe [64]byte
	sqe[0] = NVME_ADMIN_IDENTIFY
	binary.LittleEndian.PutUint16(sqe[2:], 7) // cid
	binary.LittleEndian.PutUint64(sqe[24:], 0x40000)
	binary.LittleEndian.PutUint32(sqe[40:], 0x00)
	p.Memory.WritePhysical(asq, sqe[:])
	dev.MmioWrite(NVME_DOORBELL_BASE+0, 4, 1)
	dev.ProcessDma()

	nsze, _ := p.Memory.ReadU64(0x40000)
	if nsze != 8 {
		t.Fatalf("namespace size = %d, want 8", nsze)
	}
	cqe := make([]byte, 16)
	p.Memory.ReadPhysical(acq, cqe)
	if cid := binary.LittleEndian.Uint16(cqe[12:]); cid != 7 {
		t.Fatalf("completion cid = %d", cid)
	}
	if phase := cqe[14] & 1; phase != 1 {
		t.Fatal("completion phase bit clear")
	}

	// Create the I/O queue pair, then read LBA 1.
	ioSq := uint64(0x32000)
	ioCq := uint64(0x33000)
	var create [64]byte
	create[0] = NVME_ADMIN_CREATE_IO_CQ
	binary.LittleEndian.PutUint64(create[24:], ioCq)
	binary.LittleEndian.PutUint32(create[44:], 0x003F<<16|0)
	p.Memory.WritePhysical(asq+64, create[:])
	create[0] = NVME_ADMIN_CREATE_IO_SQ
	binary.LittleEndian.PutUint64(create[24:], ioSq)
	p.Memory.WritePhysical(asq+128, create[:])
	dev.MmioWrite(NVME_DOORBELL_BASE+0, 4, 3)
	dev.ProcessDma()

	var read [64]byte
	read[0] = NVME_IO_READ
	binary.LittleEndian.PutUint64(read[24:], 0x41000) // PRP1
	binary.LittleEndian.PutUint64(read[40:], 1)       // SLBA
	binary.LittleEndian.PutUint16(read[48:], 0)       // NLB (zero-based)
	p.Memory.WritePhysical(ioSq, read[:])
	dev.MmioWrite(NVME_DOORBELL_BASE+8, 4, 1)
	dev.ProcessDma()

	got := make([]byte, 14)
	p.Memory.ReadPhysical(0x41000, got)
	if string(got) != "nvme block one" {
		t.Fatalf("nvme read = %q", got)
	}
}

func TestE1000TxDmaRaisesTxdw(t *testing.T) {
	p := newTestPlatform(t)
	dev := AttachE1000(p, [6]byte{2, 0, 0, 0, 0, 1})
	backend := NewFrameRingBackend()
	dev.SetBackend(backend)
	dev.cfg.SetCommand(PCI_COMMAND_MEM | PCI_COMMAND_IO | PCI_COMMAND_BME)

	ringBase := uint64(0x3000)
	pktBase := uint64(0x4000)
	frame := bytes.Repeat([]byte{0x11}, 14)
	p.Memory.WritePhysical(pktBase, frame)

	var desc [16]byte
	binary.LittleEndian.PutUint64(desc[0:], pktBase)
	binary.LittleEndian.PutUint16(desc[8:], uint16(len(frame)))
	desc[11] = E1000_TXD_CMD_EOP | E1000_TXD_CMD_RS
	p.Memory.WritePhysical(ringBase, desc[:])

	dev.MmioWrite(E1000_REG_TDBAL, 4, ringBase)
	dev.MmioWrite(E1000_REG_TDLEN, 4, 16*4)
	dev.MmioWrite(E1000_REG_TDH, 4, 0)
	dev.MmioWrite(E1000_REG_TDT, 4, 1)
	dev.MmioWrite(E1000_REG_TCTL, 4, E1000_TCTL_EN)
	dev.MmioWrite(E1000_REG_IMS, 4, ICR_TXDW)

	if dev.IrqLevel() {
		t.Fatal("INTx asserted before DMA")
	}
	dev.ProcessDma()

	sent := backend.TakeTransmitted()
	if len(sent) != 1 || !bytes.Equal(sent[0], frame) {
		t.Fatalf("transmitted %d frames", len(sent))
	}
	if !dev.IrqLevel() {
		t.Fatal("TXDW did not assert INTx")
	}
	// Descriptor written back with DD.
	var wb [16]byte
	p.Memory.ReadPhysical(ringBase, wb[:])
	if wb[12]&E1000_TXD_STAT_DD == 0 {
		t.Fatal("descriptor DD not set")
	}
}

func TestHdaStreamDeliversPcmToSink(t *testing.T) {
	p := newTestPlatform(t)
	sink := &NullSink{}
	dev := AttachHda(p, sink)
	dev.cfg.SetCommand(PCI_COMMAND_MEM | PCI_COMMAND_BME)

	pcm := bytes.Repeat([]byte{0x7F, 0x00}, 256)
	bufAddr := uint64(0x5000)
	bdlAddr := uint64(0x6000)
	p.Memory.WritePhysical(bufAddr, pcm)
	var bdle [16]byte
	binary.LittleEndian.PutUint64(bdle[0:], bufAddr)
	binary.LittleEndian.PutUint32(bdle[8:], uint32(len(pcm)))
	p.Memory.WritePhysical(bdlAddr, bdle[:])

	dev.MmioWrite(HDA_STREAM0_BASE+HDA_SD_BDPL, 4, bdlAddr)
	dev.MmioWrite(HDA_STREAM0_BASE+HDA_SD_LVI, 2, 0)
	dev.MmioWrite(HDA_STREAM0_BASE+HDA_SD_CBL, 4, uint64(len(pcm)))
	dev.MmioWrite(HDA_STREAM0_BASE+HDA_SD_CTL, 4, HDA_SD_CTL_RUN)

	dev.ProcessDma()
	if sink.BytesWritten() != uint64(len(pcm)) {
		t.Fatalf("sink received %d bytes, want %d", sink.BytesWritten(), len(pcm))
	}
}

func TestMmuTlbAndPageFaults(t *testing.T) {
	ram, err := NewDenseMemory(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	s := NewCpuState()
	s.Cr0 |= CR0_PE | CR0_PG
	s.Cr3 = 0x1000

	// Identity-map the first 4 MiB with one 4 MiB PDE (PS).
	ram.WriteU32(0x1000, uint32(PTE_P|PTE_W|PTE_PS))

	mmu := NewMmu()
	paddr, exc := mmu.Translate(s, ram, 0x2345, false, false)
	if exc != nil || paddr != 0x2345 {
		t.Fatalf("translate = %#x, %v", paddr, exc)
	}

	// Unmapped PDE faults with a clean error code.
	_, exc = mmu.Translate(s, ram, 0x00400000, true, false)
	if exc == nil || exc.Vector != VEC_PF {
		t.Fatalf("expected #PF, got %v", exc)
	}
	if exc.ErrorCode&PF_ERR_P != 0 || exc.ErrorCode&PF_ERR_W == 0 {
		t.Fatalf("error code %#x", exc.ErrorCode)
	}
	if exc.Cr2 != 0x00400000 {
		t.Fatalf("fault address %#x", exc.Cr2)
	}

	// Salt bump invalidates cached translations.
	ram.WriteU32(0x1000, 0) // tear down the mapping
	if _, exc := mmu.Translate(s, ram, 0x2345, false, false); exc != nil {
		t.Fatal("stale TLB entry should still hit before the flush")
	}
	mmu.Flush(s)
	if _, exc := mmu.Translate(s, ram, 0x2345, false, false); exc == nil {
		t.Fatal("translation survived a TLB flush with torn-down tables")
	}
}
