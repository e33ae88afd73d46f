// storage_aerosparse.go - AeroSparse native copy-on-write disk images

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
storage_aerosparse.go - AeroSparse Disk Images

The native sparse format: a little-endian 64-byte header, a u64 allocation
table mapping logical block index to file offset (0 = unallocated), and a
packed data region of block-sized extents. The full table is memory
resident; blocks are allocated append-only at the end of the file. Zero
writes to unallocated blocks are dropped.

Header layout (little-endian):

    0   8  magic "AEROSPAR"
    8   4  version (1)
    12  4  header size (64)
    16  4  block size in bytes
    20  4  reserved
    24  8  disk size in bytes
    32  8  allocation table offset
    40  8  table entry count
    48  8  data region offset
    56  8  allocated block count
*/

package main

import (
	"encoding/binary"
)

const (
	AEROSPARSE_MAGIC       = "AEROSPAR"
	AEROSPARSE_VERSION     = 1
	AEROSPARSE_HEADER_SIZE = 64

	// Bound the in-memory allocation table for untrusted images.
	AEROSPARSE_MAX_TABLE_BYTES = 128 * 1024 * 1024
)

type AeroSparseConfig struct {
	DiskSizeBytes  uint64
	BlockSizeBytes uint32
}

// AeroSparseDisk implements VirtualDisk over the native sparse format.
type AeroSparseDisk struct {
	backend         StorageBackend
	blockSize       uint32
	diskSize        uint64
	tableOffset     uint64
	dataOffset      uint64
	table           []uint64
	allocatedBlocks uint64
}

func OpenAeroSparse(backend StorageBackend) (*AeroSparseDisk, error) {
	fileLen, err := backend.Len()
	if err != nil {
		return nil, err
	}
	if fileLen < AEROSPARSE_HEADER_SIZE {
		return nil, &CorruptSparseImageError{Reason: "truncated sparse header"}
	}
	var hdr [AEROSPARSE_HEADER_SIZE]byte
	if err := backend.ReadAt(0, hdr[:]); err != nil {
		return nil, err
	}
	if string(hdr[:8]) != AEROSPARSE_MAGIC {
		return nil, &InvalidSparseHeaderError{Reason: "bad magic"}
	}
	version := binary.LittleEndian.Uint32(hdr[8:12])
	headerSize := binary.LittleEndian.Uint32(hdr[12:16])
	blockSize := binary.LittleEndian.Uint32(hdr[16:20])
	diskSize := binary.LittleEndian.Uint64(hdr[24:32])
	tableOffset := binary.LittleEndian.Uint64(hdr[32:40])
	tableEntries := binary.LittleEndian.Uint64(hdr[40:48])
	dataOffset := binary.LittleEndian.Uint64(hdr[48:56])
	allocatedBlocks := binary.LittleEndian.Uint64(hdr[56:64])

	if version != AEROSPARSE_VERSION {
		return nil, &InvalidSparseHeaderError{Reason: "unsupported version"}
	}
	if headerSize != AEROSPARSE_HEADER_SIZE {
		return nil, &InvalidSparseHeaderError{Reason: "unsupported header size"}
	}
	if blockSize == 0 || blockSize%SECTOR_SIZE != 0 {
		return nil, &InvalidSparseHeaderError{Reason: "unsupported block size"}
	}
	if tableOffset < AEROSPARSE_HEADER_SIZE {
		return nil, &InvalidSparseHeaderError{Reason: "unsupported table offset"}
	}
	if diskSize == 0 || diskSize%uint64(blockSize) != 0 {
		return nil, &InvalidSparseHeaderError{Reason: "unsupported disk size"}
	}

	requiredEntries := diskSize / uint64(blockSize)
	if tableEntries != requiredEntries {
		return nil, &CorruptSparseImageError{Reason: "table entry count mismatch"}
	}
	tableBytes := tableEntries * 8
	if tableBytes > AEROSPARSE_MAX_TABLE_BYTES {
		return nil, &InvalidSparseHeaderError{Reason: "allocation table too large"}
	}
	tableEnd := tableOffset + tableBytes
	if tableEnd < tableOffset || tableEnd > fileLen {
		return nil, &CorruptSparseImageError{Reason: "allocation table truncated"}
	}
	if dataOffset < tableEnd || dataOffset%uint64(blockSize) != 0 {
		return nil, &InvalidSparseHeaderError{Reason: "unsupported data offset"}
	}
	if allocatedBlocks > tableEntries {
		return nil, &CorruptSparseImageError{Reason: "allocated block count exceeds table"}
	}

	tableBuf := make([]byte, tableBytes)
	if err := backend.ReadAt(tableOffset, tableBuf); err != nil {
		return nil, err
	}
	table := make([]uint64, tableEntries)
	var seen uint64
	for i := range table {
		entry := binary.LittleEndian.Uint64(tableBuf[i*8:])
		if entry != 0 {
			if entry < dataOffset {
				return nil, &CorruptSparseImageError{Reason: "table entry before data region"}
			}
			if entry%uint64(blockSize) != 0 {
				return nil, &CorruptSparseImageError{Reason: "misaligned table entry"}
			}
			if entry+uint64(blockSize) > fileLen {
				return nil, &CorruptSparseImageError{Reason: "table entry past end of file"}
			}
			seen++
		}
		table[i] = entry
	}
	if seen > allocatedBlocks {
		return nil, &CorruptSparseImageError{Reason: "allocated block count exceeds table"}
	}

	return &AeroSparseDisk{
		backend:         backend,
		blockSize:       blockSize,
		diskSize:        diskSize,
		tableOffset:     tableOffset,
		dataOffset:      dataOffset,
		table:           table,
		allocatedBlocks: allocatedBlocks,
	}, nil
}

// CreateAeroSparse initializes an empty sparse image on backend.
func CreateAeroSparse(backend StorageBackend, cfg AeroSparseConfig) (*AeroSparseDisk, error) {
	if cfg.BlockSizeBytes == 0 || cfg.BlockSizeBytes%SECTOR_SIZE != 0 {
		return nil, &InvalidSparseHeaderError{Reason: "unsupported block size"}
	}
	if cfg.DiskSizeBytes == 0 || cfg.DiskSizeBytes%uint64(cfg.BlockSizeBytes) != 0 {
		return nil, &InvalidSparseHeaderError{Reason: "unsupported disk size"}
	}
	tableEntries := cfg.DiskSizeBytes / uint64(cfg.BlockSizeBytes)
	tableBytes := tableEntries * 8
	if tableBytes > AEROSPARSE_MAX_TABLE_BYTES {
		return nil, &InvalidSparseHeaderError{Reason: "allocation table too large"}
	}
	dataOffset, err := alignUp64(AEROSPARSE_HEADER_SIZE+tableBytes, uint64(cfg.BlockSizeBytes))
	if err != nil {
		return nil, err
	}
	if err := backend.SetLen(dataOffset); err != nil {
		return nil, err
	}

	var hdr [AEROSPARSE_HEADER_SIZE]byte
	copy(hdr[0:8], AEROSPARSE_MAGIC)
	binary.LittleEndian.PutUint32(hdr[8:12], AEROSPARSE_VERSION)
	binary.LittleEndian.PutUint32(hdr[12:16], AEROSPARSE_HEADER_SIZE)
	binary.LittleEndian.PutUint32(hdr[16:20], cfg.BlockSizeBytes)
	binary.LittleEndian.PutUint64(hdr[24:32], cfg.DiskSizeBytes)
	binary.LittleEndian.PutUint64(hdr[32:40], AEROSPARSE_HEADER_SIZE)
	binary.LittleEndian.PutUint64(hdr[40:48], tableEntries)
	binary.LittleEndian.PutUint64(hdr[48:56], dataOffset)
	binary.LittleEndian.PutUint64(hdr[56:64], 0)
	if err := backend.WriteAt(0, hdr[:]); err != nil {
		return nil, err
	}
	if err := writeZeroes(backend, AEROSPARSE_HEADER_SIZE, tableBytes); err != nil {
		return nil, err
	}
	return OpenAeroSparse(backend)
}

func (d *AeroSparseDisk) IntoBackend() StorageBackend { return d.backend }

func (d *AeroSparseDisk) CapacityBytes() uint64 { return d.diskSize }

func (d *AeroSparseDisk) ReadAt(off uint64, buf []byte) error {
	if err := checkedDiskRange(off, len(buf), d.diskSize); err != nil {
		return err
	}
	pos := 0
	for pos < len(buf) {
		cur := off + uint64(pos)
		blockIndex := cur / uint64(d.blockSize)
		inBlock := cur % uint64(d.blockSize)
		chunkLen := int(uint64(d.blockSize) - inBlock)
		if rest := len(buf) - pos; rest < chunkLen {
			chunkLen = rest
		}
		entry := d.table[blockIndex]
		if entry == 0 {
			for i := pos; i < pos+chunkLen; i++ {
				buf[i] = 0
			}
		} else if err := d.backend.ReadAt(entry+inBlock, buf[pos:pos+chunkLen]); err != nil {
			return err
		}
		pos += chunkLen
	}
	return nil
}

func (d *AeroSparseDisk) WriteAt(off uint64, buf []byte) error {
	if err := checkedDiskRange(off, len(buf), d.diskSize); err != nil {
		return err
	}
	pos := 0
	for pos < len(buf) {
		cur := off + uint64(pos)
		blockIndex := cur / uint64(d.blockSize)
		inBlock := cur % uint64(d.blockSize)
		chunkLen := int(uint64(d.blockSize) - inBlock)
		if rest := len(buf) - pos; rest < chunkLen {
			chunkLen = rest
		}
		chunk := buf[pos : pos+chunkLen]

		entry := d.table[blockIndex]
		if entry == 0 {
			if isAllZero(chunk) {
				pos += chunkLen
				continue
			}
			var err error
			entry, err = d.allocateBlock(blockIndex)
			if err != nil {
				return err
			}
		}
		if err := d.backend.WriteAt(entry+inBlock, chunk); err != nil {
			return err
		}
		pos += chunkLen
	}
	return nil
}

func (d *AeroSparseDisk) allocateBlock(blockIndex uint64) (uint64, error) {
	fileLen, err := d.backend.Len()
	if err != nil {
		return 0, err
	}
	off, err := alignUp64(fileLen, uint64(d.blockSize))
	if err != nil {
		return 0, err
	}
	newLen := off + uint64(d.blockSize)
	if err := d.backend.SetLen(newLen); err != nil {
		return 0, err
	}

	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], off)
	if err := d.backend.WriteAt(d.tableOffset+blockIndex*8, le[:]); err != nil {
		return 0, err
	}
	d.table[blockIndex] = off
	d.allocatedBlocks++
	binary.LittleEndian.PutUint64(le[:], d.allocatedBlocks)
	if err := d.backend.WriteAt(56, le[:]); err != nil {
		return 0, err
	}
	return off, nil
}

func (d *AeroSparseDisk) Flush() error { return d.backend.Flush() }
