// storage_format.go - Disk image format detection and auto-open

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

import (
	"bytes"
	"encoding/binary"
)

type DiskFormat int

const (
	FORMAT_RAW DiskFormat = iota
	FORMAT_QCOW2
	FORMAT_VHD
	FORMAT_AEROSPARSE
)

func (f DiskFormat) String() string {
	switch f {
	case FORMAT_QCOW2:
		return "qcow2"
	case FORMAT_VHD:
		return "vhd"
	case FORMAT_AEROSPARSE:
		return "aerosparse"
	}
	return "raw"
}

// DetectFormat classifies a backend by inspecting leading bytes.
//
// Detection is intentionally laxer than open-time validation: a file that
// carries a known magic is classified as that format even when truncated or
// otherwise damaged, so that opening surfaces a structured corruption error
// instead of silently treating the image as raw.
//
// The VHD cookie is the tricky case because fixed images also carry an
// optional footer copy at offset 0. A leading "conectix" run only counts
// when (a) the file ends in a checksum-valid footer, (b) the offset-0 run is
// itself a checksum-valid footer and the file is large enough to hold a real
// EOF footer, or (c) the file is exactly a truncated footer.
func DetectFormat(b StorageBackend) (DiskFormat, error) {
	length, err := b.Len()
	if err != nil {
		return FORMAT_RAW, err
	}

	var head [8]byte
	n := uint64(len(head))
	if length < n {
		n = length
	}
	if n > 0 {
		if err := b.ReadAt(0, head[:n]); err != nil {
			return FORMAT_RAW, err
		}
	}

	if n >= 4 && bytes.Equal(head[:4], []byte(QCOW2_MAGIC)) {
		// Even truncated qcow2 candidates are classified as qcow2 when the
		// version field is plausible (or absent entirely).
		if length >= 8 {
			var ver [4]byte
			if err := b.ReadAt(4, ver[:]); err != nil {
				return FORMAT_RAW, err
			}
			v := binary.BigEndian.Uint32(ver[:])
			if v != 2 && v != 3 {
				return FORMAT_RAW, nil
			}
		}
		return FORMAT_QCOW2, nil
	}

	if n == 8 && bytes.Equal(head[:], []byte(AEROSPARSE_MAGIC)) {
		if length < AEROSPARSE_HEADER_SIZE {
			return FORMAT_AEROSPARSE, nil
		}
		var hdr [AEROSPARSE_HEADER_SIZE]byte
		if err := b.ReadAt(0, hdr[:]); err != nil {
			return FORMAT_RAW, err
		}
		version := binary.LittleEndian.Uint32(hdr[8:12])
		headerSize := binary.LittleEndian.Uint32(hdr[12:16])
		tableOffset := binary.LittleEndian.Uint64(hdr[32:40])
		if version > 0 && headerSize == AEROSPARSE_HEADER_SIZE && tableOffset >= AEROSPARSE_HEADER_SIZE {
			return FORMAT_AEROSPARSE, nil
		}
		return FORMAT_RAW, nil
	}

	if n == 8 && bytes.Equal(head[:], []byte(VHD_COOKIE)) {
		if length < SECTOR_SIZE {
			// Exactly a truncated footer: still VHD so open can report it.
			return FORMAT_VHD, nil
		}
		if length >= SECTOR_SIZE {
			var eof [SECTOR_SIZE]byte
			if err := b.ReadAt(length-SECTOR_SIZE, eof[:]); err != nil {
				return FORMAT_RAW, err
			}
			if vhdFooterValid(&eof) {
				return FORMAT_VHD, nil
			}
		}
		// No valid EOF footer: accept only a checksum-valid footer copy at
		// offset 0 with room for the real footer behind it.
		var copy0 [SECTOR_SIZE]byte
		if err := b.ReadAt(0, copy0[:]); err != nil {
			return FORMAT_RAW, err
		}
		if vhdFooterValid(&copy0) && length >= 2*SECTOR_SIZE {
			return FORMAT_VHD, nil
		}
		return FORMAT_RAW, nil
	}

	// A checksum-valid EOF footer alone identifies fixed VHD images without
	// the optional offset-0 copy.
	if length >= SECTOR_SIZE {
		var eof [SECTOR_SIZE]byte
		if err := b.ReadAt(length-SECTOR_SIZE, eof[:]); err != nil {
			return FORMAT_RAW, err
		}
		if bytes.Equal(eof[:8], []byte(VHD_COOKIE)) && vhdFooterValid(&eof) {
			return FORMAT_VHD, nil
		}
	}

	return FORMAT_RAW, nil
}

// DiskImage couples a VirtualDisk with the format it was opened as.
type DiskImage struct {
	VirtualDisk
	format DiskFormat
}

func (d *DiskImage) Format() DiskFormat { return d.format }

// OpenDiskAuto detects the format of backend and opens the matching driver.
func OpenDiskAuto(backend StorageBackend) (*DiskImage, error) {
	format, err := DetectFormat(backend)
	if err != nil {
		return nil, err
	}
	var disk VirtualDisk
	switch format {
	case FORMAT_QCOW2:
		disk, err = OpenQcow2(backend)
	case FORMAT_VHD:
		disk, err = OpenVhd(backend)
	case FORMAT_AEROSPARSE:
		disk, err = OpenAeroSparse(backend)
	default:
		disk, err = OpenRawDisk(backend)
	}
	if err != nil {
		return nil, err
	}
	return &DiskImage{VirtualDisk: disk, format: format}, nil
}
