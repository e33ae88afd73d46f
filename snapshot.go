// snapshot.go - Snapshot save/load engine (sections, CRCs, TLV device state)

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
snapshot.go - Snapshots

File layout (little-endian):

    magic "AERO", version u16
    meta: snapshot_id u64, parent flag u8 [+ parent u64],
          created_unix_ms u64, label (u16 length + UTF-8)
    section count u32
    index entries: (id u16, offset u64, len u64, crc32 u32)
    section payloads in the fixed order CPUS, MMU, DEVICES, DISKS, RAM

DEVICES is a count-prefixed list of TLVs (device_id u16, version u16,
flags u32, len u32, bytes), sorted by (device_id, version, flags); DISKS a
count-prefixed list of (disk_id u32, base, overlay) sorted by disk_id;
CPUS a count-prefixed list of u64-length-prefixed vCPU records sorted by
APIC id. Restore validates every CRC before applying anything and rejects
duplicate keys; no partial application on error.
*/

package main

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

const (
	SNAPSHOT_MAGIC   = "AERO"
	SNAPSHOT_VERSION = 2
)

// SectionId tags are stable on-disk values.
type SectionId uint16

const (
	SECTION_CPUS    SectionId = 1
	SECTION_MMU     SectionId = 2
	SECTION_DEVICES SectionId = 3
	SECTION_DISKS   SectionId = 4
	SECTION_RAM     SectionId = 5
)

func (id SectionId) String() string {
	switch id {
	case SECTION_CPUS:
		return "CPUS"
	case SECTION_MMU:
		return "MMU"
	case SECTION_DEVICES:
		return "DEVICES"
	case SECTION_DISKS:
		return "DISKS"
	case SECTION_RAM:
		return "RAM"
	}
	return fmt.Sprintf("SECTION(%d)", uint16(id))
}

// DeviceId is the fixed device enumeration.
type DeviceId uint16

const (
	DEVICE_PIT DeviceId = iota + 1
	DEVICE_RTC
	DEVICE_PIC
	DEVICE_IOAPIC
	DEVICE_LAPIC
	DEVICE_SERIAL
	DEVICE_IDE
	DEVICE_NVME
	DEVICE_VIRTIO_BLK
	DEVICE_E1000
	DEVICE_HDA
	DEVICE_AHCI
	DEVICE_XHCI
)

func (id DeviceId) String() string {
	names := map[DeviceId]string{
		DEVICE_PIT: "PIT", DEVICE_RTC: "RTC", DEVICE_PIC: "PIC",
		DEVICE_IOAPIC: "IOAPIC", DEVICE_LAPIC: "LAPIC", DEVICE_SERIAL: "SERIAL",
		DEVICE_IDE: "IDE", DEVICE_NVME: "NVME", DEVICE_VIRTIO_BLK: "VIRTIO_BLK",
		DEVICE_E1000: "E1000", DEVICE_HDA: "HDA", DEVICE_AHCI: "AHCI",
		DEVICE_XHCI: "XHCI",
	}
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("DEVICE(%d)", uint16(id))
}

// Hard limits for untrusted snapshot files.
const (
	SNAPSHOT_MAX_DEVICE_ENTRY_LEN = 16 * 1024 * 1024
	SNAPSHOT_MAX_STRING_LEN       = 4096
	SNAPSHOT_MAX_ENTRIES          = 65536
)

// SnapshotError kinds.
type SnapshotError struct {
	Kind   string
	Detail string
}

func (e *SnapshotError) Error() string { return "snapshot: " + e.Kind + ": " + e.Detail }

func snapErr(kind, detail string) error { return &SnapshotError{Kind: kind, Detail: detail} }

// SnapshotMeta is the header metadata.
type SnapshotMeta struct {
	SnapshotId       uint64
	ParentSnapshotId *uint64
	CreatedUnixMs    uint64
	Label            string
}

// DeviceState is one device TLV.
type DeviceState struct {
	Id      DeviceId
	Version uint16
	Flags   uint32
	Data    []byte
}

// DiskOverlayRef pairs a disk with its base and overlay image names.
type DiskOverlayRef struct {
	DiskId       uint32
	BaseImage    string
	OverlayImage string
}

// VcpuSnapshot is one vCPU record.
type VcpuSnapshot struct {
	ApicId        uint32
	Cpu           []byte // serialized CpuState
	InternalState []byte
}

// SnapshotSource supplies machine state for save.
type SnapshotSource interface {
	SnapshotMeta() SnapshotMeta
	CpuStates() []VcpuSnapshot
	MmuState() []byte
	DeviceStates() []DeviceState
	DiskOverlays() []DiskOverlayRef
	RamLen() uint64
	ReadRam(offset uint64, buf []byte) error
	// TakeDirtyPages returns page indexes to save, or ok=false for a full
	// RAM image.
	TakeDirtyPages() ([]uint64, bool)
}

// SnapshotSink receives state on restore.
type SnapshotSink interface {
	SetSnapshotMeta(meta SnapshotMeta) error
	SetCpuStates(cpus []VcpuSnapshot) error
	SetMmuState(data []byte) error
	SetDeviceStates(devs []DeviceState) error
	SetDiskOverlays(disks []DiskOverlayRef) error
	SetRamLen(n uint64) error
	WriteRam(offset uint64, data []byte) error
}

type SaveOptions struct {
	// UseDirtyPages saves only pages reported dirty by the source.
	UseDirtyPages bool
}

// ---------------------------------------------------------------------------
// Encoding helpers
// ---------------------------------------------------------------------------

type leWriter struct{ b []byte }

func (w *leWriter) u8(v uint8)     { w.b = append(w.b, v) }
func (w *leWriter) u16(v uint16)   { w.b = binary.LittleEndian.AppendUint16(w.b, v) }
func (w *leWriter) u32(v uint32)   { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *leWriter) u64(v uint64)   { w.b = binary.LittleEndian.AppendUint64(w.b, v) }
func (w *leWriter) bytes(v []byte) { w.b = append(w.b, v...) }
func (w *leWriter) str(s string) {
	w.u16(uint16(len(s)))
	w.b = append(w.b, s...)
}

type leReader struct {
	b   []byte
	pos int
}

func (r *leReader) remaining() int { return len(r.b) - r.pos }

func (r *leReader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, snapErr("InvalidFieldEncoding", "truncated u8")
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *leReader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, snapErr("InvalidFieldEncoding", "truncated u16")
	}
	v := binary.LittleEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *leReader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, snapErr("InvalidFieldEncoding", "truncated u32")
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *leReader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, snapErr("InvalidFieldEncoding", "truncated u64")
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *leReader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, snapErr("InvalidFieldEncoding", "truncated bytes")
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *leReader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if int(n) > SNAPSHOT_MAX_STRING_LEN {
		return "", snapErr("InvalidFieldEncoding", "string too long")
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *DeviceState) encode(w *leWriter) {
	w.u16(uint16(d.Id))
	w.u16(d.Version)
	w.u32(d.Flags)
	w.u32(uint32(len(d.Data)))
	w.bytes(d.Data)
}

func decodeDeviceState(r *leReader) (DeviceState, error) {
	var d DeviceState
	id, err := r.u16()
	if err != nil {
		return d, err
	}
	d.Id = DeviceId(id)
	if d.Version, err = r.u16(); err != nil {
		return d, err
	}
	if d.Flags, err = r.u32(); err != nil {
		return d, err
	}
	n, err := r.u32()
	if err != nil {
		return d, err
	}
	if n > SNAPSHOT_MAX_DEVICE_ENTRY_LEN {
		return d, snapErr("OutOfMemory", "device entry too large")
	}
	data, err := r.take(int(n))
	if err != nil {
		return d, err
	}
	d.Data = append([]byte(nil), data...)
	return d, nil
}

func (d *DiskOverlayRef) encode(w *leWriter) {
	w.u32(d.DiskId)
	w.str(d.BaseImage)
	w.str(d.OverlayImage)
}

func decodeDiskOverlayRef(r *leReader) (DiskOverlayRef, error) {
	var d DiskOverlayRef
	var err error
	if d.DiskId, err = r.u32(); err != nil {
		return d, err
	}
	if d.BaseImage, err = r.str(); err != nil {
		return d, err
	}
	if d.OverlayImage, err = r.str(); err != nil {
		return d, err
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Save
// ---------------------------------------------------------------------------

type sectionPayload struct {
	id   SectionId
	data []byte
}

// SaveSnapshot writes a complete snapshot to w.
func SaveSnapshot(w io.Writer, source SnapshotSource, opts SaveOptions) error {
	meta := source.SnapshotMeta()

	var sections []sectionPayload

	// CPUS: sorted by APIC id.
	cpus := append([]VcpuSnapshot(nil), source.CpuStates()...)
	sort.SliceStable(cpus, func(i, j int) bool { return cpus[i].ApicId < cpus[j].ApicId })
	var cw leWriter
	cw.u32(uint32(len(cpus)))
	for _, c := range cpus {
		var entry leWriter
		entry.u32(c.ApicId)
		entry.u32(uint32(len(c.Cpu)))
		entry.bytes(c.Cpu)
		entry.u32(uint32(len(c.InternalState)))
		entry.bytes(c.InternalState)
		cw.u64(uint64(len(entry.b)))
		cw.bytes(entry.b)
	}
	sections = append(sections, sectionPayload{SECTION_CPUS, cw.b})

	// MMU.
	sections = append(sections, sectionPayload{SECTION_MMU, source.MmuState()})

	// DEVICES: sorted by (id, version, flags).
	devs := append([]DeviceState(nil), source.DeviceStates()...)
	sort.SliceStable(devs, func(i, j int) bool {
		if devs[i].Id != devs[j].Id {
			return devs[i].Id < devs[j].Id
		}
		if devs[i].Version != devs[j].Version {
			return devs[i].Version < devs[j].Version
		}
		return devs[i].Flags < devs[j].Flags
	})
	var dw leWriter
	dw.u32(uint32(len(devs)))
	for i := range devs {
		devs[i].encode(&dw)
	}
	sections = append(sections, sectionPayload{SECTION_DEVICES, dw.b})

	// DISKS: sorted by disk_id.
	disks := append([]DiskOverlayRef(nil), source.DiskOverlays()...)
	sort.SliceStable(disks, func(i, j int) bool { return disks[i].DiskId < disks[j].DiskId })
	var kw leWriter
	kw.u32(uint32(len(disks)))
	for i := range disks {
		disks[i].encode(&kw)
	}
	sections = append(sections, sectionPayload{SECTION_DISKS, kw.b})

	// RAM: full image, or dirty pages when requested and available.
	ramLen := source.RamLen()
	var rw leWriter
	dirty, haveDirty := source.TakeDirtyPages()
	if opts.UseDirtyPages && haveDirty {
		rw.u8(1)
		rw.u64(ramLen)
		rw.u32(uint32(len(dirty)))
		page := make([]byte, GUEST_PAGE_SIZE)
		for _, idx := range dirty {
			if err := source.ReadRam(idx*GUEST_PAGE_SIZE, page); err != nil {
				return err
			}
			rw.u64(idx)
			rw.bytes(page)
		}
	} else {
		rw.u8(0)
		rw.u64(ramLen)
		const chunk = 1 << 20
		buf := make([]byte, chunk)
		for off := uint64(0); off < ramLen; off += chunk {
			n := uint64(chunk)
			if ramLen-off < n {
				n = ramLen - off
			}
			if err := source.ReadRam(off, buf[:n]); err != nil {
				return err
			}
			rw.bytes(buf[:n])
		}
	}
	sections = append(sections, sectionPayload{SECTION_RAM, rw.b})

	// Header + index + payloads.
	var hw leWriter
	hw.bytes([]byte(SNAPSHOT_MAGIC))
	hw.u16(SNAPSHOT_VERSION)
	hw.u64(meta.SnapshotId)
	if meta.ParentSnapshotId != nil {
		hw.u8(1)
		hw.u64(*meta.ParentSnapshotId)
	} else {
		hw.u8(0)
	}
	hw.u64(meta.CreatedUnixMs)
	hw.str(meta.Label)
	hw.u32(uint32(len(sections)))

	indexSize := len(sections) * (2 + 8 + 8 + 4)
	offset := uint64(len(hw.b) + indexSize)
	for _, s := range sections {
		hw.u16(uint16(s.id))
		hw.u64(offset)
		hw.u64(uint64(len(s.data)))
		hw.u32(crc32.ChecksumIEEE(s.data))
		offset += uint64(len(s.data))
	}

	if _, err := w.Write(hw.b); err != nil {
		return err
	}
	for _, s := range sections {
		if _, err := w.Write(s.data); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Inspect / Load
// ---------------------------------------------------------------------------

// SectionInfo is one index entry.
type SectionInfo struct {
	Id     SectionId
	Offset uint64
	Len    uint64
	Crc32  uint32
}

// SnapshotIndex is the parsed header + index (payloads untouched).
type SnapshotIndex struct {
	Version  uint16
	Meta     SnapshotMeta
	Sections []SectionInfo
	// headerEnd is where payload space begins.
	headerEnd uint64
}

// InspectSnapshot walks the index without parsing payloads.
func InspectSnapshot(data []byte) (*SnapshotIndex, error) {
	r := &leReader{b: data}
	magic, err := r.take(4)
	if err != nil || string(magic) != SNAPSHOT_MAGIC {
		return nil, snapErr("InvalidFieldEncoding", "bad magic")
	}
	idx := &SnapshotIndex{}
	if idx.Version, err = r.u16(); err != nil {
		return nil, err
	}
	if idx.Version != SNAPSHOT_VERSION {
		return nil, snapErr("InvalidFieldEncoding", "unsupported version")
	}
	if idx.Meta.SnapshotId, err = r.u64(); err != nil {
		return nil, err
	}
	hasParent, err := r.u8()
	if err != nil {
		return nil, err
	}
	if hasParent != 0 {
		p, err := r.u64()
		if err != nil {
			return nil, err
		}
		idx.Meta.ParentSnapshotId = &p
	}
	if idx.Meta.CreatedUnixMs, err = r.u64(); err != nil {
		return nil, err
	}
	if idx.Meta.Label, err = r.str(); err != nil {
		return nil, err
	}
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	if count > SNAPSHOT_MAX_ENTRIES {
		return nil, snapErr("OutOfMemory", "section count")
	}
	for i := uint32(0); i < count; i++ {
		var s SectionInfo
		id, err := r.u16()
		if err != nil {
			return nil, err
		}
		s.Id = SectionId(id)
		if s.Offset, err = r.u64(); err != nil {
			return nil, err
		}
		if s.Len, err = r.u64(); err != nil {
			return nil, err
		}
		if s.Crc32, err = r.u32(); err != nil {
			return nil, err
		}
		if s.Offset+s.Len < s.Offset || s.Offset+s.Len > uint64(len(data)) {
			return nil, snapErr("InvalidFieldEncoding", "section out of bounds")
		}
		idx.Sections = append(idx.Sections, s)
	}
	idx.headerEnd = uint64(r.pos)
	return idx, nil
}

func (idx *SnapshotIndex) section(data []byte, id SectionId) ([]byte, bool) {
	for _, s := range idx.Sections {
		if s.Id == id {
			return data[s.Offset : s.Offset+s.Len], true
		}
	}
	return nil, false
}

// verifyCrcs checks every section payload against the index.
func (idx *SnapshotIndex) verifyCrcs(data []byte) error {
	for _, s := range idx.Sections {
		if crc32.ChecksumIEEE(data[s.Offset:s.Offset+s.Len]) != s.Crc32 {
			return snapErr("CrcMismatch", s.Id.String())
		}
	}
	return nil
}

func decodeDeviceSection(payload []byte) ([]DeviceState, error) {
	r := &leReader{b: payload}
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	if count > SNAPSHOT_MAX_ENTRIES {
		return nil, snapErr("OutOfMemory", "device count")
	}
	devs := make([]DeviceState, 0, count)
	for i := uint32(0); i < count; i++ {
		d, err := decodeDeviceState(r)
		if err != nil {
			return nil, err
		}
		devs = append(devs, d)
	}
	return devs, nil
}

func decodeDiskSection(payload []byte) ([]DiskOverlayRef, error) {
	r := &leReader{b: payload}
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	if count > SNAPSHOT_MAX_ENTRIES {
		return nil, snapErr("OutOfMemory", "disk count")
	}
	disks := make([]DiskOverlayRef, 0, count)
	for i := uint32(0); i < count; i++ {
		d, err := decodeDiskOverlayRef(r)
		if err != nil {
			return nil, err
		}
		disks = append(disks, d)
	}
	return disks, nil
}

func decodeCpuSection(payload []byte) ([]VcpuSnapshot, error) {
	r := &leReader{b: payload}
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	if count > SNAPSHOT_MAX_ENTRIES {
		return nil, snapErr("OutOfMemory", "cpu count")
	}
	cpus := make([]VcpuSnapshot, 0, count)
	for i := uint32(0); i < count; i++ {
		entryLen, err := r.u64()
		if err != nil {
			return nil, err
		}
		entry, err := r.take(int(entryLen))
		if err != nil {
			return nil, err
		}
		er := &leReader{b: entry}
		var c VcpuSnapshot
		if c.ApicId, err = er.u32(); err != nil {
			return nil, err
		}
		cpuLen, err := er.u32()
		if err != nil {
			return nil, err
		}
		cpu, err := er.take(int(cpuLen))
		if err != nil {
			return nil, err
		}
		c.Cpu = append([]byte(nil), cpu...)
		internalLen, err := er.u32()
		if err != nil {
			return nil, err
		}
		internal, err := er.take(int(internalLen))
		if err != nil {
			return nil, err
		}
		c.InternalState = append([]byte(nil), internal...)
		cpus = append(cpus, c)
	}
	return cpus, nil
}

// LoadSnapshot validates CRCs and applies sections to sink. Nothing is
// applied if validation fails.
func LoadSnapshot(data []byte, sink SnapshotSink) error {
	idx, err := InspectSnapshot(data)
	if err != nil {
		return err
	}
	if err := idx.verifyCrcs(data); err != nil {
		return err
	}

	// Decode everything first so no partial state reaches the sink.
	var cpus []VcpuSnapshot
	if payload, ok := idx.section(data, SECTION_CPUS); ok {
		if cpus, err = decodeCpuSection(payload); err != nil {
			return err
		}
	}
	var devs []DeviceState
	if payload, ok := idx.section(data, SECTION_DEVICES); ok {
		if devs, err = decodeDeviceSection(payload); err != nil {
			return err
		}
		seen := make(map[[3]uint64]bool)
		for _, d := range devs {
			key := [3]uint64{uint64(d.Id), uint64(d.Version), uint64(d.Flags)}
			if seen[key] {
				return snapErr("DuplicateKey", "device "+d.Id.String())
			}
			seen[key] = true
		}
	}
	var disks []DiskOverlayRef
	if payload, ok := idx.section(data, SECTION_DISKS); ok {
		if disks, err = decodeDiskSection(payload); err != nil {
			return err
		}
		seen := make(map[uint32]bool)
		for _, d := range disks {
			if seen[d.DiskId] {
				return snapErr("DuplicateKey", fmt.Sprintf("disk_id %d", d.DiskId))
			}
			seen[d.DiskId] = true
		}
	}

	if err := sink.SetSnapshotMeta(idx.Meta); err != nil {
		return err
	}
	if err := sink.SetCpuStates(cpus); err != nil {
		return err
	}
	if payload, ok := idx.section(data, SECTION_MMU); ok {
		if err := sink.SetMmuState(append([]byte(nil), payload...)); err != nil {
			return err
		}
	}
	if err := sink.SetDeviceStates(devs); err != nil {
		return err
	}
	if err := sink.SetDiskOverlays(disks); err != nil {
		return err
	}

	if payload, ok := idx.section(data, SECTION_RAM); ok {
		r := &leReader{b: payload}
		kind, err := r.u8()
		if err != nil {
			return err
		}
		ramLen, err := r.u64()
		if err != nil {
			return err
		}
		if err := sink.SetRamLen(ramLen); err != nil {
			return err
		}
		switch kind {
		case 0:
			full, err := r.take(int(ramLen))
			if err != nil {
				return err
			}
			if err := sink.WriteRam(0, full); err != nil {
				return err
			}
		case 1:
			count, err := r.u32()
			if err != nil {
				return err
			}
			for i := uint32(0); i < count; i++ {
				pageIdx, err := r.u64()
				if err != nil {
					return err
				}
				page, err := r.take(GUEST_PAGE_SIZE)
				if err != nil {
					return err
				}
				if err := sink.WriteRam(pageIdx*GUEST_PAGE_SIZE, page); err != nil {
					return err
				}
			}
		default:
			return snapErr("InvalidFieldEncoding", "unknown RAM encoding")
		}
	}
	return nil
}
