package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func writeBeU32(buf []byte, off int, v uint32) { binary.BigEndian.PutUint32(buf[off:], v) }
func writeBeU64(buf []byte, off int, v uint64) { binary.BigEndian.PutUint64(buf[off:], v) }

func makeQcow2Empty(t *testing.T, virtualSize uint64) *MemBackend {
	t.Helper()
	if virtualSize%SECTOR_SIZE != 0 {
		t.Fatalf("virtual size %d not sector aligned", virtualSize)
	}

	clusterBits := uint32(16)
	clusterSize := uint64(1) << clusterBits

	refcountTableOffset := clusterSize
	l1TableOffset := clusterSize * 2
	refcountBlockOffset := clusterSize * 3
	l2TableOffset := clusterSize * 4

	storage, err := NewMemBackendWithLen(clusterSize * 5)
	if err != nil {
		t.Fatal(err)
	}

	header := make([]byte, 104)
	copy(header[0:4], QCOW2_MAGIC)
	writeBeU32(header, 4, 3) // version
	writeBeU32(header, 20, clusterBits)
	writeBeU64(header, 24, virtualSize)
	writeBeU32(header, 36, 1) // l1_size
	writeBeU64(header, 40, l1TableOffset)
	writeBeU64(header, 48, refcountTableOffset)
	writeBeU32(header, 56, 1) // refcount_table_clusters
	writeBeU32(header, 96, 4) // refcount_order
	writeBeU32(header, 100, 104)
	if err := storage.WriteAt(0, header); err != nil {
		t.Fatal(err)
	}

	var be [8]byte
	binary.BigEndian.PutUint64(be[:], refcountBlockOffset)
	if err := storage.WriteAt(refcountTableOffset, be[:]); err != nil {
		t.Fatal(err)
	}
	binary.BigEndian.PutUint64(be[:], l2TableOffset|QCOW2_OFLAG_COPIED)
	if err := storage.WriteAt(l1TableOffset, be[:]); err != nil {
		t.Fatal(err)
	}
	var rc [2]byte
	binary.BigEndian.PutUint16(rc[:], 1)
	for cluster := uint64(0); cluster < 5; cluster++ {
		if err := storage.WriteAt(refcountBlockOffset+cluster*2, rc[:]); err != nil {
			t.Fatal(err)
		}
	}
	return storage
}

// makeQcow2EmptyWithoutL2 leaves the L1 entry zero so the first write must
// allocate both an L2 table and a data cluster.
func makeQcow2EmptyWithoutL2(t *testing.T, virtualSize uint64) *MemBackend {
	t.Helper()
	storage := makeQcow2Empty(t, virtualSize)
	var zero [8]byte
	clusterSize := uint64(1) << 16
	if err := storage.WriteAt(clusterSize*2, zero[:]); err != nil {
		t.Fatal(err)
	}
	// Cluster 4 (the pre-provisioned L2) is no longer referenced.
	var rc [2]byte
	if err := storage.WriteAt(clusterSize*3+4*2, rc[:]); err != nil {
		t.Fatal(err)
	}
	return storage
}

func makeQcow2WithPattern(t *testing.T) *MemBackend {
	t.Helper()
	virtualSize := uint64(2 * 1024 * 1024)
	clusterSize := uint64(1) << 16

	storage := makeQcow2Empty(t, virtualSize)
	l2TableOffset := clusterSize * 4
	dataClusterOffset := clusterSize * 5
	if err := storage.SetLen(clusterSize * 6); err != nil {
		t.Fatal(err)
	}

	var be [8]byte
	binary.BigEndian.PutUint64(be[:], dataClusterOffset|QCOW2_OFLAG_COPIED)
	if err := storage.WriteAt(l2TableOffset, be[:]); err != nil {
		t.Fatal(err)
	}
	refcountBlockOffset := clusterSize * 3
	var rc [2]byte
	binary.BigEndian.PutUint16(rc[:], 1)
	if err := storage.WriteAt(refcountBlockOffset+5*2, rc[:]); err != nil {
		t.Fatal(err)
	}

	sector := make([]byte, SECTOR_SIZE)
	copy(sector, "hello qcow2!")
	if err := storage.WriteAt(dataClusterOffset, sector); err != nil {
		t.Fatal(err)
	}
	return storage
}

func makeVhdFixedWithPattern(t *testing.T) *MemBackend {
	t.Helper()
	virtualSize := uint64(1024 * 1024)
	storage, err := NewMemBackendWithLen(virtualSize + SECTOR_SIZE)
	if err != nil {
		t.Fatal(err)
	}
	footer := makeVhdFooter(virtualSize, VHD_DISK_TYPE_FIXED, ^uint64(0))
	if err := storage.WriteAt(virtualSize, footer[:]); err != nil {
		t.Fatal(err)
	}
	sector := make([]byte, SECTOR_SIZE)
	copy(sector, "hello vhd!")
	if err := storage.WriteAt(0, sector); err != nil {
		t.Fatal(err)
	}
	return storage
}

// A fixed image whose sector 0 happens to hold a self-consistent footer must
// keep that sector as guest data.
func makeVhdFixedFooterTrap(t *testing.T) *MemBackend {
	t.Helper()
	virtualSize := uint64(1024 * 1024)
	storage, err := NewMemBackendWithLen(virtualSize + SECTOR_SIZE)
	if err != nil {
		t.Fatal(err)
	}
	footer := makeVhdFooter(virtualSize, VHD_DISK_TYPE_FIXED, ^uint64(0))
	if err := storage.WriteAt(virtualSize, footer[:]); err != nil {
		t.Fatal(err)
	}
	if err := storage.WriteAt(0, footer[:]); err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, SECTOR_SIZE)
	copy(payload, "PAYLOAD!")
	if err := storage.WriteAt(SECTOR_SIZE, payload); err != nil {
		t.Fatal(err)
	}
	return storage
}

func makeVhdDynamicEmpty(t *testing.T, virtualSize uint64, blockSize uint32) *MemBackend {
	t.Helper()
	storage := NewMemBackend()
	if _, err := CreateVhdDynamic(storage, virtualSize, blockSize); err != nil {
		t.Fatal(err)
	}
	return storage
}

func TestDetectQcow2AndVhd(t *testing.T) {
	qcow := makeQcow2Empty(t, 1024*1024)
	if f, err := DetectFormat(qcow); err != nil || f != FORMAT_QCOW2 {
		t.Fatalf("detect qcow2 = %v, %v", f, err)
	}
	vhd := makeVhdDynamicEmpty(t, 1024*1024, 64*1024)
	if f, err := DetectFormat(vhd); err != nil || f != FORMAT_VHD {
		t.Fatalf("detect vhd = %v, %v", f, err)
	}
}

func TestDetectFixedVhdFooterTrap(t *testing.T) {
	storage := makeVhdFixedFooterTrap(t)
	if f, err := DetectFormat(storage); err != nil || f != FORMAT_VHD {
		t.Fatalf("detect = %v, %v", f, err)
	}
	disk, err := OpenDiskAuto(storage)
	if err != nil {
		t.Fatal(err)
	}
	if disk.Format() != FORMAT_VHD {
		t.Fatalf("format = %v", disk.Format())
	}
	sector0, err := ReadSectors(disk, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sector0[:8], []byte(VHD_COOKIE)) {
		t.Fatalf("sector 0 was stripped: %q", sector0[:8])
	}
	sector1, err := ReadSectors(disk, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sector1[:8], []byte("PAYLOAD!")) {
		t.Fatalf("sector 1 = %q", sector1[:8])
	}
}

func TestDetectVhdCookieWithoutValidFooterIsRaw(t *testing.T) {
	backend, err := NewMemBackendWithLen(4096)
	if err != nil {
		t.Fatal(err)
	}
	if err := backend.WriteAt(0, []byte(VHD_COOKIE)); err != nil {
		t.Fatal(err)
	}
	if f, err := DetectFormat(backend); err != nil || f != FORMAT_RAW {
		t.Fatalf("detect = %v, %v", f, err)
	}
}

func TestDetectTruncatedVhdCookie(t *testing.T) {
	backend, err := NewMemBackendWithLen(8)
	if err != nil {
		t.Fatal(err)
	}
	if err := backend.WriteAt(0, []byte(VHD_COOKIE)); err != nil {
		t.Fatal(err)
	}
	if f, err := DetectFormat(backend); err != nil || f != FORMAT_VHD {
		t.Fatalf("detect = %v, %v", f, err)
	}
	if _, err := OpenDiskAuto(backend); err == nil {
		t.Fatal("expected open error for truncated vhd")
	}
}

func TestDetectTruncatedQcow2Magic(t *testing.T) {
	backend, err := NewMemBackendWithLen(4)
	if err != nil {
		t.Fatal(err)
	}
	if err := backend.WriteAt(0, []byte(QCOW2_MAGIC)); err != nil {
		t.Fatal(err)
	}
	if f, err := DetectFormat(backend); err != nil || f != FORMAT_QCOW2 {
		t.Fatalf("detect = %v, %v", f, err)
	}
	var ce *CorruptImageError
	if _, err := OpenDiskAuto(backend); !errors.As(err, &ce) {
		t.Fatalf("expected CorruptImageError, got %v", err)
	}
}

func TestDetectQcow2MagicBadVersionIsRaw(t *testing.T) {
	backend, err := NewMemBackendWithLen(72)
	if err != nil {
		t.Fatal(err)
	}
	hdr := make([]byte, 8)
	copy(hdr, QCOW2_MAGIC)
	writeBeU32(hdr, 4, 7)
	if err := backend.WriteAt(0, hdr); err != nil {
		t.Fatal(err)
	}
	if f, err := DetectFormat(backend); err != nil || f != FORMAT_RAW {
		t.Fatalf("detect = %v, %v", f, err)
	}
}

func TestDetectAeroSparseHeaderPlausibility(t *testing.T) {
	t.Run("bad header is raw", func(t *testing.T) {
		backend, _ := NewMemBackendWithLen(64)
		backend.WriteAt(0, []byte(AEROSPARSE_MAGIC))
		if f, err := DetectFormat(backend); err != nil || f != FORMAT_RAW {
			t.Fatalf("detect = %v, %v", f, err)
		}
	})
	t.Run("plausible header detected then fails open", func(t *testing.T) {
		backend, _ := NewMemBackendWithLen(64)
		hdr := make([]byte, 64)
		copy(hdr, AEROSPARSE_MAGIC)
		binary.LittleEndian.PutUint32(hdr[8:], 1)
		binary.LittleEndian.PutUint32(hdr[12:], 64)
		binary.LittleEndian.PutUint64(hdr[32:], 64)
		backend.WriteAt(0, hdr)
		if f, err := DetectFormat(backend); err != nil || f != FORMAT_AEROSPARSE {
			t.Fatalf("detect = %v, %v", f, err)
		}
		var ih *InvalidSparseHeaderError
		if _, err := OpenDiskAuto(backend); !errors.As(err, &ih) {
			t.Fatalf("expected InvalidSparseHeaderError, got %v", err)
		}
	})
	t.Run("truncated magic detected then fails open", func(t *testing.T) {
		backend, _ := NewMemBackendWithLen(8)
		backend.WriteAt(0, []byte(AEROSPARSE_MAGIC))
		if f, err := DetectFormat(backend); err != nil || f != FORMAT_AEROSPARSE {
			t.Fatalf("detect = %v, %v", f, err)
		}
		var cs *CorruptSparseImageError
		if _, err := OpenDiskAuto(backend); !errors.As(err, &cs) {
			t.Fatalf("expected CorruptSparseImageError, got %v", err)
		}
	})
}

func TestQcow2UnallocatedReadsZero(t *testing.T) {
	disk, err := OpenQcow2(makeQcow2Empty(t, 1024*1024))
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0xAA
	}
	if err := disk.ReadAt(0, buf); err != nil {
		t.Fatal(err)
	}
	if !isAllZero(buf) {
		t.Fatal("unallocated read was not zero")
	}
}

func TestQcow2FixtureReadAndWrite(t *testing.T) {
	disk, err := OpenQcow2(makeQcow2WithPattern(t))
	if err != nil {
		t.Fatal(err)
	}
	sector, err := ReadSectors(disk, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sector[:12], []byte("hello qcow2!")) {
		t.Fatalf("sector 0 = %q", sector[:12])
	}

	payload := make([]byte, SECTOR_SIZE)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := WriteSectors(disk, 9, payload); err != nil {
		t.Fatal(err)
	}
	readBack, err := ReadSectors(disk, 9, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readBack, payload) {
		t.Fatal("read-back mismatch")
	}
}

func TestQcow2ZeroWritesDoNotAllocate(t *testing.T) {
	backend := makeQcow2EmptyWithoutL2(t, 64*1024)
	initialLen, _ := backend.Len()
	disk, err := OpenQcow2(backend)
	if err != nil {
		t.Fatal(err)
	}
	zeros := make([]byte, SECTOR_SIZE)
	if err := WriteSectors(disk, 0, zeros); err != nil {
		t.Fatal(err)
	}
	if err := disk.Flush(); err != nil {
		t.Fatal(err)
	}
	if n, _ := backend.Len(); n != initialLen {
		t.Fatalf("zero write grew file: %d -> %d", initialLen, n)
	}

	reopened, err := OpenQcow2(backend)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadSectors(reopened, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !isAllZero(got) {
		t.Fatal("reopened sector 0 not zero")
	}
}

func TestQcow2AllocatesL2TableWhenMissing(t *testing.T) {
	backend := makeQcow2EmptyWithoutL2(t, 64*1024)
	clusterSize := uint64(1) << 16
	l1TableOffset := clusterSize * 2
	refcountBlockOffset := clusterSize * 3
	initialLen, _ := backend.Len()

	disk, err := OpenQcow2(backend)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, SECTOR_SIZE)
	for i := range payload {
		payload[i] = 0xAB
	}
	if err := WriteSectors(disk, 0, payload); err != nil {
		t.Fatal(err)
	}

	// Two clusters were appended: a fresh L2 table, then the data cluster.
	newL2Offset := initialLen
	newDataOffset := initialLen + clusterSize
	if n, _ := backend.Len(); n != initialLen+2*clusterSize {
		t.Fatalf("file length = %d, want %d", n, initialLen+2*clusterSize)
	}

	var be [8]byte
	if err := backend.ReadAt(l1TableOffset, be[:]); err != nil {
		t.Fatal(err)
	}
	if got := binary.BigEndian.Uint64(be[:]); got != newL2Offset|QCOW2_OFLAG_COPIED {
		t.Fatalf("L1[0] = 0x%x, want 0x%x", got, newL2Offset|QCOW2_OFLAG_COPIED)
	}
	if err := backend.ReadAt(newL2Offset, be[:]); err != nil {
		t.Fatal(err)
	}
	if got := binary.BigEndian.Uint64(be[:]); got != newDataOffset|QCOW2_OFLAG_COPIED {
		t.Fatalf("L2[0] = 0x%x, want 0x%x", got, newDataOffset|QCOW2_OFLAG_COPIED)
	}

	for _, cluster := range []uint64{newL2Offset / clusterSize, newDataOffset / clusterSize} {
		var rc [2]byte
		if err := backend.ReadAt(refcountBlockOffset+cluster*2, rc[:]); err != nil {
			t.Fatal(err)
		}
		if got := binary.BigEndian.Uint16(rc[:]); got != 1 {
			t.Fatalf("refcount for cluster %d = %d, want 1", cluster, got)
		}
	}

	got, err := ReadSectors(disk, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read-back mismatch after allocation")
	}
}

func TestQcow2ZeroClusterFlagReadsZeroAndStaysSparse(t *testing.T) {
	backend := makeQcow2WithPattern(t)
	// Mark L2 entry 1 as a zero cluster.
	clusterSize := uint64(1) << 16
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], QCOW2_OFLAG_ZERO)
	if err := backend.WriteAt(clusterSize*4+8, be[:]); err != nil {
		t.Fatal(err)
	}
	initialLen, _ := backend.Len()

	disk, err := OpenQcow2(backend)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, clusterSize)
	if err := disk.ReadAt(clusterSize, buf); err != nil {
		t.Fatal(err)
	}
	if !isAllZero(buf) {
		t.Fatal("ZERO-flagged cluster read non-zero")
	}
	// Zero writes to a ZERO-flagged cluster must not allocate either.
	if err := disk.WriteAt(clusterSize, make([]byte, SECTOR_SIZE)); err != nil {
		t.Fatal(err)
	}
	if n, _ := backend.Len(); n != initialLen {
		t.Fatal("zero write to ZERO cluster allocated")
	}
}

func TestQcow2WritePersistsAfterReopen(t *testing.T) {
	backend := makeQcow2Empty(t, 1024*1024)
	disk, err := OpenQcow2(backend)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 3*SECTOR_SIZE)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	if err := disk.WriteAt(123, payload); err != nil {
		t.Fatal(err)
	}
	if err := disk.Flush(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenQcow2(backend)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if err := reopened.ReadAt(123, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("durability mismatch after reopen")
	}
}

func TestQcow2RejectsIncompatibleFeatures(t *testing.T) {
	backend := makeQcow2Empty(t, 1024*1024)
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], 1)
	if err := backend.WriteAt(72, be[:]); err != nil {
		t.Fatal(err)
	}
	var ue *UnsupportedError
	if _, err := OpenQcow2(backend); !errors.As(err, &ue) {
		t.Fatalf("expected UnsupportedError, got %v", err)
	}
}

func TestQcow2RejectsL1EntryPastEof(t *testing.T) {
	backend := makeQcow2Empty(t, 1024*1024)
	clusterSize := uint64(1) << 16
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], (clusterSize*1000)|QCOW2_OFLAG_COPIED)
	if err := backend.WriteAt(clusterSize*2, be[:]); err != nil {
		t.Fatal(err)
	}
	disk, err := OpenQcow2(backend)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, SECTOR_SIZE)
	var ce *CorruptImageError
	if err := disk.ReadAt(0, buf); !errors.As(err, &ce) {
		t.Fatalf("expected CorruptImageError, got %v", err)
	}
}

func TestQcow2CoalescedAlignedRead(t *testing.T) {
	backend := makeQcow2Empty(t, 2*1024*1024)
	disk, err := OpenQcow2(backend)
	if err != nil {
		t.Fatal(err)
	}
	clusterSize := 1 << 16
	payload := make([]byte, 3*clusterSize)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := disk.WriteAt(0, payload); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if err := disk.ReadAt(0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("coalesced read mismatch")
	}
}

func TestVhdFixedFixtureRead(t *testing.T) {
	disk, err := OpenVhd(makeVhdFixedWithPattern(t))
	if err != nil {
		t.Fatal(err)
	}
	sector, err := ReadSectors(disk, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sector[:10], []byte("hello vhd!")) {
		t.Fatalf("sector 0 = %q", sector[:10])
	}
}

func TestVhdFixedWriteLastSectorKeepsFooter(t *testing.T) {
	backend := makeVhdFixedWithPattern(t)
	disk, err := OpenVhd(backend)
	if err != nil {
		t.Fatal(err)
	}
	lastLba := disk.CapacityBytes()/SECTOR_SIZE - 1
	payload := make([]byte, SECTOR_SIZE)
	for i := range payload {
		payload[i] = 0x5A
	}
	if err := WriteSectors(disk, lastLba, payload); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenVhd(backend); err != nil {
		t.Fatalf("footer damaged by last-sector write: %v", err)
	}
	got, err := ReadSectors(disk, lastLba, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("last sector mismatch")
	}
}

func TestVhdRejectsBadFooterChecksum(t *testing.T) {
	backend := makeVhdFixedWithPattern(t)
	n, _ := backend.Len()
	var b [1]byte
	backend.ReadAt(n-SECTOR_SIZE+64, b[:])
	b[0] ^= 0xFF
	backend.WriteAt(n-SECTOR_SIZE+64, b[:])
	var ce *CorruptImageError
	if _, err := OpenVhd(backend); !errors.As(err, &ce) {
		t.Fatalf("expected CorruptImageError, got %v", err)
	}
}

func TestVhdDynamicUnallocatedReadsZeroAndWritesAllocate(t *testing.T) {
	backend := makeVhdDynamicEmpty(t, 1024*1024, 64*1024)
	disk, err := OpenVhd(backend)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2*SECTOR_SIZE)
	for i := range buf {
		buf[i] = 0xEE
	}
	if err := disk.ReadAt(0, buf); err != nil {
		t.Fatal(err)
	}
	if !isAllZero(buf) {
		t.Fatal("unallocated read not zero")
	}

	payload := make([]byte, SECTOR_SIZE)
	copy(payload, "hello vhd-d!")
	if err := WriteSectors(disk, 3, payload); err != nil {
		t.Fatal(err)
	}
	got, err := ReadSectors(disk, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read-back mismatch")
	}
	// Neighboring sector in the same block stays absent.
	neighbor, err := ReadSectors(disk, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !isAllZero(neighbor) {
		t.Fatal("unwritten sector in allocated block not zero")
	}
}

func TestVhdDynamicZeroWritesDoNotAllocate(t *testing.T) {
	backend := makeVhdDynamicEmpty(t, 1024*1024, 64*1024)
	initialLen, _ := backend.Len()
	disk, err := OpenVhd(backend)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteSectors(disk, 0, make([]byte, SECTOR_SIZE)); err != nil {
		t.Fatal(err)
	}
	if n, _ := backend.Len(); n != initialLen {
		t.Fatalf("zero write grew file: %d -> %d", initialLen, n)
	}
}

func TestVhdDynamicAllocationGrowsByBitmapPlusBlock(t *testing.T) {
	blockSize := uint32(64 * 1024)
	backend := makeVhdDynamicEmpty(t, 1024*1024, blockSize)
	initialLen, _ := backend.Len()
	disk, err := OpenVhd(backend)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, SECTOR_SIZE)
	payload[0] = 1
	if err := WriteSectors(disk, 0, payload); err != nil {
		t.Fatal(err)
	}
	bitmapSize := uint64(SECTOR_SIZE) // 128 sectors/block -> 16 bytes, sector aligned
	if n, _ := backend.Len(); n != initialLen+bitmapSize+uint64(blockSize) {
		t.Fatalf("file grew by %d, want %d", n-initialLen, bitmapSize+uint64(blockSize))
	}
	// The relocated footer must still verify.
	if _, err := OpenVhd(backend); err != nil {
		t.Fatalf("footer invalid after allocation: %v", err)
	}
}

func TestVhdDynamicWritePersistsAfterReopen(t *testing.T) {
	backend := makeVhdDynamicEmpty(t, 1024*1024, 64*1024)
	disk, err := OpenVhd(backend)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	if err := disk.WriteAt(777, payload); err != nil {
		t.Fatal(err)
	}
	reopened, err := OpenVhd(backend)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if err := reopened.ReadAt(777, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("durability mismatch after reopen")
	}
}

func TestVhdDynamicRejectsBatEntryIntoMetadata(t *testing.T) {
	backend := makeVhdDynamicEmpty(t, 1024*1024, 64*1024)
	// BAT entry 0 -> sector 0 (the footer copy).
	tableOffset := uint64(SECTOR_SIZE + 1024)
	var be [4]byte
	if err := backend.WriteAt(tableOffset, be[:]); err != nil {
		t.Fatal(err)
	}
	disk, err := OpenVhd(backend)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, SECTOR_SIZE)
	var ce *CorruptImageError
	if err := disk.ReadAt(0, buf); !errors.As(err, &ce) {
		t.Fatalf("expected CorruptImageError, got %v", err)
	}
}

func TestAeroSparseRoundtripAndElision(t *testing.T) {
	backend := NewMemBackend()
	disk, err := CreateAeroSparse(backend, AeroSparseConfig{DiskSizeBytes: 64 * 1024, BlockSizeBytes: 4096})
	if err != nil {
		t.Fatal(err)
	}
	initialLen, _ := backend.Len()

	if err := disk.WriteAt(0, make([]byte, 4096)); err != nil {
		t.Fatal(err)
	}
	if n, _ := backend.Len(); n != initialLen {
		t.Fatal("zero write to unallocated block allocated")
	}

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := disk.WriteAt(8192, payload); err != nil {
		t.Fatal(err)
	}
	if n, _ := backend.Len(); n != initialLen+4096 {
		t.Fatalf("allocation grew file by %d, want 4096", func() uint64 { n, _ := backend.Len(); return n - initialLen }())
	}

	reopened, err := OpenAeroSparse(backend)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4096)
	if err := reopened.ReadAt(8192, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("durability mismatch after reopen")
	}
}

func TestAeroSparseRejectsBadTableEntries(t *testing.T) {
	cases := []struct {
		name  string
		entry uint64
	}{
		{"before data region", 64},
		{"misaligned", 12345},
		{"past end of file", 1 << 40},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := NewMemBackend()
			if _, err := CreateAeroSparse(backend, AeroSparseConfig{DiskSizeBytes: 64 * 1024, BlockSizeBytes: 4096}); err != nil {
				t.Fatal(err)
			}
			var le [8]byte
			binary.LittleEndian.PutUint64(le[:], tc.entry)
			if err := backend.WriteAt(AEROSPARSE_HEADER_SIZE, le[:]); err != nil {
				t.Fatal(err)
			}
			var cs *CorruptSparseImageError
			if _, err := OpenAeroSparse(backend); !errors.As(err, &cs) {
				t.Fatalf("expected CorruptSparseImageError, got %v", err)
			}
		})
	}
}
