// storage_raw.go - Raw (flat) disk images

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

// RawDisk exposes a backend one-to-one as a disk. The capacity is the
// backend length; writes past the end are out-of-bounds rather than growing
// the file, which keeps raw images stable under guest misbehavior.
type RawDisk struct {
	backend StorageBackend
	size    uint64
}

func OpenRawDisk(backend StorageBackend) (*RawDisk, error) {
	n, err := backend.Len()
	if err != nil {
		return nil, err
	}
	return &RawDisk{backend: backend, size: n}, nil
}

func (d *RawDisk) CapacityBytes() uint64 { return d.size }

func (d *RawDisk) ReadAt(off uint64, buf []byte) error {
	if err := checkedDiskRange(off, len(buf), d.size); err != nil {
		return err
	}
	return d.backend.ReadAt(off, buf)
}

func (d *RawDisk) WriteAt(off uint64, buf []byte) error {
	if err := checkedDiskRange(off, len(buf), d.size); err != nil {
		return err
	}
	return d.backend.WriteAt(off, buf)
}

func (d *RawDisk) Flush() error { return d.backend.Flush() }

func (d *RawDisk) IntoBackend() StorageBackend { return d.backend }
