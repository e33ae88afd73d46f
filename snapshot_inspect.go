// snapshot_inspect.go - Human-readable snapshot inspection

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
snapshot_inspect.go - Snapshot Inspection

Read-only decoding with stable output for the CLI. Inspection tolerates
payload ordering problems that restore would not: out-of-order DISKS,
DEVICES or CPUS entries print a `note:` and are displayed sorted;
duplicate keys print a `warning:` (restore would reject the file). The
exit status is non-zero only for read errors or CRC mismatches.

Well-known device payloads carry a 4-char inner code plus major.minor;
wrapper codes (disk controllers, USB controllers, PCI glue) nest child
TLVs which are printed indented.
*/

package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Wrapper inner codes whose payload nests child TLVs.
var snapshotWrapperCodes = map[string]bool{
	"DSKC": true, // disk controller group
	"USBC": true, // USB controller group
	"PCIG": true, // PCI glue group
}

// InspectSnapshotToWriter renders a full report; the returned error is
// limited to read/CRC failures (ordering problems are notes/warnings).
func InspectSnapshotToWriter(w io.Writer, data []byte) error {
	idx, err := InspectSnapshot(data)
	if err != nil {
		return err
	}
	if err := idx.verifyCrcs(data); err != nil {
		return err
	}

	fmt.Fprintf(w, "snapshot id=%d", idx.Meta.SnapshotId)
	if idx.Meta.ParentSnapshotId != nil {
		fmt.Fprintf(w, " parent=%d", *idx.Meta.ParentSnapshotId)
	}
	if idx.Meta.Label != "" {
		fmt.Fprintf(w, " label=%q", idx.Meta.Label)
	}
	fmt.Fprintf(w, " version=%d\n", idx.Version)

	fmt.Fprintln(w, "sections:")
	for _, s := range idx.Sections {
		fmt.Fprintf(w, "  %-8s offset=%-10d len=%-10d crc32=0x%08x\n", s.Id, s.Offset, s.Len, s.Crc32)
	}

	if payload, ok := idx.section(data, SECTION_DISKS); ok {
		inspectDisks(w, payload)
	}
	if payload, ok := idx.section(data, SECTION_DEVICES); ok {
		inspectDevices(w, payload)
	}
	if payload, ok := idx.section(data, SECTION_CPUS); ok {
		inspectCpus(w, payload)
	}
	return nil
}

func inspectDisks(w io.Writer, payload []byte) {
	disks, err := decodeDiskSection(payload)
	if err != nil {
		fmt.Fprintf(w, "warning: DISKS section undecodable: %v\n", err)
		return
	}
	sorted := sort.SliceIsSorted(disks, func(i, j int) bool {
		return disks[i].DiskId < disks[j].DiskId
	})
	if !sorted {
		fmt.Fprintln(w, "note: DISKS entries are not sorted by disk_id; displaying sorted order")
		sort.SliceStable(disks, func(i, j int) bool { return disks[i].DiskId < disks[j].DiskId })
	}
	seen := make(map[uint32]bool)
	dup := false
	for _, d := range disks {
		if seen[d.DiskId] {
			dup = true
		}
		seen[d.DiskId] = true
	}
	if dup {
		fmt.Fprintln(w, "warning: duplicate disk_id entries (snapshot restore would reject this file)")
	}
	fmt.Fprintf(w, "disks (%d):\n", len(disks))
	for _, d := range disks {
		fmt.Fprintf(w, "  disk_id=%d base=%q overlay=%q\n", d.DiskId, d.BaseImage, d.OverlayImage)
	}
}

func inspectDevices(w io.Writer, payload []byte) {
	devs, err := decodeDeviceSection(payload)
	if err != nil {
		fmt.Fprintf(w, "warning: DEVICES section undecodable: %v\n", err)
		return
	}
	less := func(a, b DeviceState) bool {
		if a.Id != b.Id {
			return a.Id < b.Id
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.Flags < b.Flags
	}
	sorted := sort.SliceIsSorted(devs, func(i, j int) bool { return less(devs[i], devs[j]) })
	if !sorted {
		fmt.Fprintln(w, "note: DEVICES entries are not sorted by (device_id, version, flags); displaying sorted order")
		sort.SliceStable(devs, func(i, j int) bool { return less(devs[i], devs[j]) })
	}
	type key struct {
		id      DeviceId
		version uint16
		flags   uint32
	}
	seen := make(map[key]bool)
	dup := false
	for _, d := range devs {
		k := key{d.Id, d.Version, d.Flags}
		if seen[k] {
			dup = true
		}
		seen[k] = true
	}
	if dup {
		fmt.Fprintln(w, "warning: duplicate device entries (snapshot restore would reject this file)")
	}
	fmt.Fprintf(w, "devices (%d):\n", len(devs))
	for _, d := range devs {
		fmt.Fprintf(w, "  %-10s version=%d flags=0x%x len=%d", d.Id, d.Version, d.Flags, len(d.Data))
		describeInnerTlv(w, d.Data, "    ")
	}
}

// describeInnerTlv recognizes the 4-char + major.minor inner format and
// prints nested wrapper children.
func describeInnerTlv(w io.Writer, data []byte, indent string) {
	code, major, minor, payload, ok := parseInnerTlv(data)
	if !ok {
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, " format=%s %d.%d\n", code, major, minor)
	if !snapshotWrapperCodes[code] {
		return
	}
	// Wrapper: u16 child count, then (code4, major, minor, len u16, bytes).
	if len(payload) < 2 {
		return
	}
	count := int(binary.LittleEndian.Uint16(payload))
	rest := payload[2:]
	for i := 0; i < count; i++ {
		if len(rest) < 8 {
			fmt.Fprintf(w, "%swarning: truncated nested entry\n", indent)
			return
		}
		childCode := string(rest[0:4])
		childMajor := rest[4]
		childMinor := rest[5]
		childLen := int(binary.LittleEndian.Uint16(rest[6:8]))
		rest = rest[8:]
		if len(rest) < childLen {
			fmt.Fprintf(w, "%swarning: truncated nested entry\n", indent)
			return
		}
		fmt.Fprintf(w, "%s%s %d.%d len=%d\n", indent, childCode, childMajor, childMinor, childLen)
		rest = rest[childLen:]
	}
}

func parseInnerTlv(data []byte) (code string, major, minor uint8, payload []byte, ok bool) {
	if len(data) < 6 {
		return "", 0, 0, nil, false
	}
	for _, c := range data[:4] {
		if c < 'A' || c > 'Z' {
			if c < '0' || c > '9' {
				return "", 0, 0, nil, false
			}
		}
	}
	return string(data[:4]), data[4], data[5], data[6:], true
}

func inspectCpus(w io.Writer, payload []byte) {
	cpus, err := decodeCpuSection(payload)
	if err != nil {
		fmt.Fprintf(w, "warning: CPUS section undecodable: %v\n", err)
		return
	}
	sorted := sort.SliceIsSorted(cpus, func(i, j int) bool { return cpus[i].ApicId < cpus[j].ApicId })
	if !sorted {
		fmt.Fprintln(w, "note: CPUS entries are not sorted by apic_id; displaying sorted order")
		sort.SliceStable(cpus, func(i, j int) bool { return cpus[i].ApicId < cpus[j].ApicId })
	}
	fmt.Fprintf(w, "cpus (%d):\n", len(cpus))
	for _, c := range cpus {
		fmt.Fprintf(w, "  apic_id=%d cpu_state=%dB internal=%dB\n", c.ApicId, len(c.Cpu), len(c.InternalState))
	}
}
