// storage_vhd.go - VHD fixed and dynamic disk images

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
storage_vhd.go - VHD Disk Images

Fixed VHD: a flat data region followed by a 512-byte big-endian footer at
EOF; an optional footer copy may live at offset 0 but the data region always
starts at offset 0, so a sector 0 that merely looks like a footer is guest
data and is never stripped.

Dynamic VHD: footer copy at offset 0, dynamic header ("cxsparse"), a block
allocation table of u32 sector numbers (0xFFFFFFFF = unallocated) and
per-block sector-present bitmaps (MSB-first, sector-aligned size). Block
allocation appends bitmap + payload where the EOF footer used to live and
rewrites the footer past the new block. All-zero writes to unallocated
blocks are elided.
*/

package main

import (
	"encoding/binary"
)

const (
	VHD_COOKIE            = "conectix"
	VHD_DYN_COOKIE        = "cxsparse"
	VHD_DISK_TYPE_NONE    = 0
	VHD_DISK_TYPE_FIXED   = 2
	VHD_DISK_TYPE_DYNAMIC = 3

	VHD_UNALLOCATED = uint32(0xFFFFFFFF)

	// Hard cap on the in-memory BAT to bound allocations for untrusted
	// images.
	VHD_MAX_BAT_BYTES = 128 * 1024 * 1024
)

// vhdChecksum computes the footer/header checksum: ones' complement of the
// byte sum with the checksum field treated as zero.
func vhdChecksum(raw []byte, checksumOffset int) uint32 {
	var sum uint32
	for i, b := range raw {
		if i >= checksumOffset && i < checksumOffset+4 {
			continue
		}
		sum += uint32(b)
	}
	return ^sum
}

func vhdFooterValid(f *[SECTOR_SIZE]byte) bool {
	if string(f[:8]) != VHD_COOKIE {
		return false
	}
	stored := binary.BigEndian.Uint32(f[64:68])
	return stored == vhdChecksum(f[:], 64)
}

type vhdFooter struct {
	dataOffset  uint64
	currentSize uint64
	diskType    uint32
	raw         [SECTOR_SIZE]byte
}

func parseVhdFooter(raw *[SECTOR_SIZE]byte) (*vhdFooter, error) {
	if !vhdFooterValid(raw) {
		return nil, corruptImage("vhd footer checksum mismatch")
	}
	f := &vhdFooter{
		dataOffset:  binary.BigEndian.Uint64(raw[16:24]),
		currentSize: binary.BigEndian.Uint64(raw[48:56]),
		diskType:    binary.BigEndian.Uint32(raw[60:64]),
	}
	f.raw = *raw
	return f, nil
}

func makeVhdFooter(virtualSize uint64, diskType uint32, dataOffset uint64) [SECTOR_SIZE]byte {
	var f [SECTOR_SIZE]byte
	copy(f[0:8], VHD_COOKIE)
	binary.BigEndian.PutUint32(f[8:12], 2)           // features
	binary.BigEndian.PutUint32(f[12:16], 0x00010000) // file format version
	binary.BigEndian.PutUint64(f[16:24], dataOffset)
	binary.BigEndian.PutUint64(f[40:48], virtualSize) // original size
	binary.BigEndian.PutUint64(f[48:56], virtualSize) // current size
	binary.BigEndian.PutUint32(f[60:64], diskType)
	binary.BigEndian.PutUint32(f[64:68], vhdChecksum(f[:], 64))
	return f
}

// OpenVhd opens either a fixed or dynamic VHD depending on the footer's
// disk type.
func OpenVhd(backend StorageBackend) (VirtualDisk, error) {
	length, err := backend.Len()
	if err != nil {
		return nil, err
	}
	if length < SECTOR_SIZE {
		return nil, corruptImage("vhd file too small")
	}
	var raw [SECTOR_SIZE]byte
	if err := backend.ReadAt(length-SECTOR_SIZE, raw[:]); err != nil {
		return nil, err
	}
	footer, err := parseVhdFooter(&raw)
	if err != nil {
		return nil, err
	}
	switch footer.diskType {
	case VHD_DISK_TYPE_FIXED:
		return openVhdFixed(backend, footer, length)
	case VHD_DISK_TYPE_DYNAMIC:
		return openVhdDynamic(backend, footer, length)
	}
	return nil, unsupportedImage("vhd disk type")
}

// VhdFixedDisk is a flat image with a trailing footer.
type VhdFixedDisk struct {
	backend StorageBackend
	size    uint64
}

func openVhdFixed(backend StorageBackend, footer *vhdFooter, fileLen uint64) (*VhdFixedDisk, error) {
	if footer.currentSize == 0 || footer.currentSize%SECTOR_SIZE != 0 {
		return nil, corruptImage("vhd current_size invalid")
	}
	if footer.currentSize+SECTOR_SIZE > fileLen {
		return nil, corruptImage("vhd fixed data region truncated")
	}
	return &VhdFixedDisk{backend: backend, size: footer.currentSize}, nil
}

func (d *VhdFixedDisk) CapacityBytes() uint64 { return d.size }

func (d *VhdFixedDisk) ReadAt(off uint64, buf []byte) error {
	if err := checkedDiskRange(off, len(buf), d.size); err != nil {
		return err
	}
	return d.backend.ReadAt(off, buf)
}

func (d *VhdFixedDisk) WriteAt(off uint64, buf []byte) error {
	if err := checkedDiskRange(off, len(buf), d.size); err != nil {
		return err
	}
	return d.backend.WriteAt(off, buf)
}

func (d *VhdFixedDisk) Flush() error { return d.backend.Flush() }

// VhdDynamicDisk tracks block allocation through the BAT + per-block
// bitmaps.
type VhdDynamicDisk struct {
	backend         StorageBackend
	size            uint64
	blockSize       uint32
	tableOffset     uint64
	maxTableEntries uint32
	bat             []uint32
	footer          [SECTOR_SIZE]byte
	footerOffset    uint64
	headerOffset    uint64
}

func openVhdDynamic(backend StorageBackend, footer *vhdFooter, fileLen uint64) (*VhdDynamicDisk, error) {
	if footer.currentSize == 0 || footer.currentSize%SECTOR_SIZE != 0 {
		return nil, corruptImage("vhd current_size invalid")
	}
	headerOffset := footer.dataOffset
	if headerOffset+1024 > fileLen || headerOffset+1024 < headerOffset {
		return nil, corruptImage("vhd dynamic header truncated")
	}
	var hdr [1024]byte
	if err := backend.ReadAt(headerOffset, hdr[:]); err != nil {
		return nil, err
	}
	if string(hdr[:8]) != VHD_DYN_COOKIE {
		return nil, corruptImage("vhd dynamic header cookie mismatch")
	}
	if stored := binary.BigEndian.Uint32(hdr[36:40]); stored != vhdChecksum(hdr[:], 36) {
		return nil, corruptImage("vhd dynamic header checksum mismatch")
	}
	tableOffset := binary.BigEndian.Uint64(hdr[16:24])
	maxTableEntries := binary.BigEndian.Uint32(hdr[28:32])
	blockSize := binary.BigEndian.Uint32(hdr[32:36])
	if blockSize == 0 || blockSize%SECTOR_SIZE != 0 {
		return nil, corruptImage("vhd block size invalid")
	}
	blocks := (footer.currentSize + uint64(blockSize) - 1) / uint64(blockSize)
	if uint64(maxTableEntries) < blocks {
		return nil, corruptImage("vhd BAT too small")
	}
	batBytes := uint64(maxTableEntries) * 4
	if batBytes > VHD_MAX_BAT_BYTES {
		return nil, unsupportedImage("vhd BAT too large")
	}
	if tableOffset+batBytes > fileLen || tableOffset+batBytes < tableOffset {
		return nil, corruptImage("vhd BAT truncated")
	}

	batBuf := make([]byte, batBytes)
	if err := backend.ReadAt(tableOffset, batBuf); err != nil {
		return nil, err
	}
	bat := make([]uint32, maxTableEntries)
	for i := range bat {
		bat[i] = binary.BigEndian.Uint32(batBuf[i*4:])
	}

	d := &VhdDynamicDisk{
		backend:         backend,
		size:            footer.currentSize,
		blockSize:       blockSize,
		tableOffset:     tableOffset,
		maxTableEntries: maxTableEntries,
		bat:             bat,
		footer:          footer.raw,
		footerOffset:    fileLen - SECTOR_SIZE,
		headerOffset:    headerOffset,
	}
	return d, nil
}

func (d *VhdDynamicDisk) CapacityBytes() uint64 { return d.size }

func (d *VhdDynamicDisk) sectorsPerBlock() uint64 { return uint64(d.blockSize) / SECTOR_SIZE }

// bitmapBytes is the sector-aligned size of a block's sector bitmap.
func (d *VhdDynamicDisk) bitmapBytes() uint64 {
	raw := (d.sectorsPerBlock() + 7) / 8
	aligned, _ := alignUp64(raw, SECTOR_SIZE)
	return aligned
}

// blockDataStart validates a BAT entry and returns the bitmap offset.
func (d *VhdDynamicDisk) blockBitmapOffset(batEntry uint32) (uint64, error) {
	bitmapOffset := uint64(batEntry) * SECTOR_SIZE
	blockEnd := bitmapOffset + d.bitmapBytes() + uint64(d.blockSize)
	if blockEnd < bitmapOffset {
		return 0, ErrOffsetOverflow
	}
	// A block may not overlap the footer copy, the dynamic header or the
	// BAT.
	if rangesOverlap(bitmapOffset, blockEnd, 0, SECTOR_SIZE) ||
		rangesOverlap(bitmapOffset, blockEnd, d.headerOffset, d.headerOffset+1024) ||
		rangesOverlap(bitmapOffset, blockEnd, d.tableOffset, d.tableOffset+uint64(d.maxTableEntries)*4) {
		return 0, corruptImage("vhd block overlaps metadata")
	}
	fileLen, err := d.backend.Len()
	if err != nil {
		return 0, err
	}
	if blockEnd > fileLen {
		return 0, corruptImage("vhd block truncated")
	}
	return bitmapOffset, nil
}

func (d *VhdDynamicDisk) ReadAt(off uint64, buf []byte) error {
	if err := checkedDiskRange(off, len(buf), d.size); err != nil {
		return err
	}
	pos := 0
	for pos < len(buf) {
		cur := off + uint64(pos)
		blockIndex := cur / uint64(d.blockSize)
		offsetInBlock := cur % uint64(d.blockSize)
		chunkLen := int(uint64(d.blockSize) - offsetInBlock)
		if rest := len(buf) - pos; rest < chunkLen {
			chunkLen = rest
		}

		entry := d.bat[blockIndex]
		if entry == VHD_UNALLOCATED {
			for i := pos; i < pos+chunkLen; i++ {
				buf[i] = 0
			}
			pos += chunkLen
			continue
		}
		bitmapOffset, err := d.blockBitmapOffset(entry)
		if err != nil {
			return err
		}
		dataOffset := bitmapOffset + d.bitmapBytes()

		// Respect the sector-present bitmap sector by sector.
		end := offsetInBlock + uint64(chunkLen)
		for so := offsetInBlock; so < end; {
			sector := so / SECTOR_SIZE
			inSector := so % SECTOR_SIZE
			n := SECTOR_SIZE - inSector
			if rem := end - so; rem < n {
				n = rem
			}
			present, err := d.readBitmapBit(bitmapOffset, sector)
			if err != nil {
				return err
			}
			dst := buf[pos+int(so-offsetInBlock) : pos+int(so-offsetInBlock)+int(n)]
			if present {
				if err := d.backend.ReadAt(dataOffset+so, dst); err != nil {
					return err
				}
			} else {
				for i := range dst {
					dst[i] = 0
				}
			}
			so += n
		}
		pos += chunkLen
	}
	return nil
}

func (d *VhdDynamicDisk) readBitmapBit(bitmapOffset, sector uint64) (bool, error) {
	var b [1]byte
	if err := d.backend.ReadAt(bitmapOffset+sector/8, b[:]); err != nil {
		return false, err
	}
	return b[0]&(1<<(7-sector%8)) != 0, nil
}

func (d *VhdDynamicDisk) setBitmapBits(bitmapOffset, firstSector, count uint64) error {
	for s := firstSector; s < firstSector+count; s++ {
		var b [1]byte
		off := bitmapOffset + s/8
		if err := d.backend.ReadAt(off, b[:]); err != nil {
			return err
		}
		b[0] |= 1 << (7 - s%8)
		if err := d.backend.WriteAt(off, b[:]); err != nil {
			return err
		}
	}
	return nil
}

func (d *VhdDynamicDisk) WriteAt(off uint64, buf []byte) error {
	if err := checkedDiskRange(off, len(buf), d.size); err != nil {
		return err
	}
	pos := 0
	for pos < len(buf) {
		cur := off + uint64(pos)
		blockIndex := cur / uint64(d.blockSize)
		offsetInBlock := cur % uint64(d.blockSize)
		chunkLen := int(uint64(d.blockSize) - offsetInBlock)
		if rest := len(buf) - pos; rest < chunkLen {
			chunkLen = rest
		}
		chunk := buf[pos : pos+chunkLen]

		entry := d.bat[blockIndex]
		if entry == VHD_UNALLOCATED {
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
		bitmapOffset, err := d.blockBitmapOffset(entry)
		if err != nil {
			return err
		}
		dataOffset := bitmapOffset + d.bitmapBytes()
		if err := d.backend.WriteAt(dataOffset+offsetInBlock, chunk); err != nil {
			return err
		}
		firstSector := offsetInBlock / SECTOR_SIZE
		lastSector := (offsetInBlock + uint64(chunkLen) - 1) / SECTOR_SIZE
		if err := d.setBitmapBits(bitmapOffset, firstSector, lastSector-firstSector+1); err != nil {
			return err
		}
		pos += chunkLen
	}
	return nil
}

// allocateBlock places a fresh block where the EOF footer currently lives:
// zeroed bitmap, zeroed payload, then a new footer past the block.
func (d *VhdDynamicDisk) allocateBlock(blockIndex uint64) (uint32, error) {
	bitmapOffset := d.footerOffset
	if bitmapOffset%SECTOR_SIZE != 0 {
		return 0, corruptImage("vhd footer offset misaligned")
	}
	total := d.bitmapBytes() + uint64(d.blockSize)
	newFooterOffset := bitmapOffset + total
	if err := d.backend.SetLen(newFooterOffset + SECTOR_SIZE); err != nil {
		return 0, err
	}
	if err := writeZeroes(d.backend, bitmapOffset, total); err != nil {
		return 0, err
	}
	if err := d.backend.WriteAt(newFooterOffset, d.footer[:]); err != nil {
		return 0, err
	}
	d.footerOffset = newFooterOffset

	entry := uint32(bitmapOffset / SECTOR_SIZE)
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], entry)
	if err := d.backend.WriteAt(d.tableOffset+blockIndex*4, be[:]); err != nil {
		return 0, err
	}
	d.bat[blockIndex] = entry
	return entry, nil
}

func (d *VhdDynamicDisk) Flush() error { return d.backend.Flush() }

// CreateVhdDynamic initializes an empty dynamic VHD on backend.
func CreateVhdDynamic(backend StorageBackend, virtualSize uint64, blockSize uint32) (VirtualDisk, error) {
	if virtualSize == 0 || virtualSize%SECTOR_SIZE != 0 {
		return nil, corruptImage("vhd current_size invalid")
	}
	if blockSize == 0 || blockSize%SECTOR_SIZE != 0 {
		return nil, corruptImage("vhd block size invalid")
	}
	headerOffset := uint64(SECTOR_SIZE)
	tableOffset := headerOffset + 1024
	blocks := (virtualSize + uint64(blockSize) - 1) / uint64(blockSize)
	batBytes := blocks * 4
	batSize, _ := alignUp64(batBytes, SECTOR_SIZE)
	footerOffset := tableOffset + batSize
	if err := backend.SetLen(footerOffset + SECTOR_SIZE); err != nil {
		return nil, err
	}

	footer := makeVhdFooter(virtualSize, VHD_DISK_TYPE_DYNAMIC, headerOffset)
	if err := backend.WriteAt(0, footer[:]); err != nil {
		return nil, err
	}
	if err := backend.WriteAt(footerOffset, footer[:]); err != nil {
		return nil, err
	}

	var hdr [1024]byte
	copy(hdr[0:8], VHD_DYN_COOKIE)
	binary.BigEndian.PutUint64(hdr[8:16], ^uint64(0))
	binary.BigEndian.PutUint64(hdr[16:24], tableOffset)
	binary.BigEndian.PutUint32(hdr[24:28], 0x00010000)
	binary.BigEndian.PutUint32(hdr[28:32], uint32(blocks))
	binary.BigEndian.PutUint32(hdr[32:36], blockSize)
	binary.BigEndian.PutUint32(hdr[36:40], vhdChecksum(hdr[:], 36))
	if err := backend.WriteAt(headerOffset, hdr[:]); err != nil {
		return nil, err
	}

	bat := make([]byte, batSize)
	for i := range bat {
		bat[i] = 0xFF
	}
	if err := backend.WriteAt(tableOffset, bat); err != nil {
		return nil, err
	}
	return OpenVhd(backend)
}

// CreateVhdFixed initializes a fixed VHD (data + footer) on backend.
func CreateVhdFixed(backend StorageBackend, virtualSize uint64) (VirtualDisk, error) {
	if virtualSize == 0 || virtualSize%SECTOR_SIZE != 0 {
		return nil, corruptImage("vhd current_size invalid")
	}
	if err := backend.SetLen(virtualSize + SECTOR_SIZE); err != nil {
		return nil, err
	}
	footer := makeVhdFooter(virtualSize, VHD_DISK_TYPE_FIXED, ^uint64(0))
	if err := backend.WriteAt(virtualSize, footer[:]); err != nil {
		return nil, err
	}
	return OpenVhd(backend)
}
