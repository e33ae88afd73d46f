package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"sort"
	"strings"
	"testing"
)

// fakeSource is an in-memory SnapshotSource with fixed content.
type fakeSource struct {
	meta  SnapshotMeta
	cpus  []VcpuSnapshot
	mmu   []byte
	devs  []DeviceState
	disks []DiskOverlayRef
	ram   []byte
}

func (f *fakeSource) SnapshotMeta() SnapshotMeta       { return f.meta }
func (f *fakeSource) CpuStates() []VcpuSnapshot        { return f.cpus }
func (f *fakeSource) MmuState() []byte                 { return f.mmu }
func (f *fakeSource) DeviceStates() []DeviceState      { return f.devs }
func (f *fakeSource) DiskOverlays() []DiskOverlayRef   { return f.disks }
func (f *fakeSource) RamLen() uint64                   { return uint64(len(f.ram)) }
func (f *fakeSource) TakeDirtyPages() ([]uint64, bool) { return nil, false }

func (f *fakeSource) ReadRam(offset uint64, buf []byte) error {
	copy(buf, f.ram[offset:])
	return nil
}

// recordingSink captures everything a restore applies.
type recordingSink struct {
	meta  SnapshotMeta
	cpus  []VcpuSnapshot
	mmu   []byte
	devs  []DeviceState
	disks []DiskOverlayRef
	ram   []byte
}

func (r *recordingSink) SetSnapshotMeta(m SnapshotMeta) error     { r.meta = m; return nil }
func (r *recordingSink) SetCpuStates(c []VcpuSnapshot) error      { r.cpus = c; return nil }
func (r *recordingSink) SetMmuState(d []byte) error               { r.mmu = d; return nil }
func (r *recordingSink) SetDeviceStates(d []DeviceState) error    { r.devs = d; return nil }
func (r *recordingSink) SetDiskOverlays(d []DiskOverlayRef) error { r.disks = d; return nil }
func (r *recordingSink) SetRamLen(n uint64) error {
	r.ram = make([]byte, n)
	return nil
}
func (r *recordingSink) WriteRam(off uint64, data []byte) error {
	copy(r.ram[off:], data)
	return nil
}

func sampleSource() *fakeSource {
	parent := uint64(7)
	ram := make([]byte, 2*GUEST_PAGE_SIZE)
	copy(ram[100:], "guest ram contents")
	return &fakeSource{
		meta: SnapshotMeta{SnapshotId: 9, ParentSnapshotId: &parent, CreatedUnixMs: 123456, Label: "test"},
		cpus: []VcpuSnapshot{
			{ApicId: 1, Cpu: SerializeCpuState(NewCpuState()), InternalState: []byte{9}},
			{ApicId: 0, Cpu: SerializeCpuState(NewCpuState())},
		},
		mmu: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		devs: []DeviceState{
			{Id: DEVICE_SERIAL, Version: 1, Data: deviceInner("UART", 1, 0, []byte{2, 3})},
			{Id: DEVICE_PIT, Version: 1, Data: deviceInner("PIT0", 1, 0, []byte{1})},
		},
		disks: []DiskOverlayRef{
			{DiskId: 1, BaseImage: "base1.img", OverlayImage: "overlay1.img"},
			{DiskId: 0, BaseImage: "base0.img", OverlayImage: "overlay0.img"},
		},
		ram: ram,
	}
}

func saveToBytes(t *testing.T, src SnapshotSource) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := SaveSnapshot(&buf, src, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestSnapshotRoundtrip(t *testing.T) {
	src := sampleSource()
	data := saveToBytes(t, src)

	var sink recordingSink
	if err := LoadSnapshot(data, &sink); err != nil {
		t.Fatal(err)
	}

	if sink.meta.SnapshotId != 9 || sink.meta.Label != "test" ||
		sink.meta.ParentSnapshotId == nil || *sink.meta.ParentSnapshotId != 7 {
		t.Fatalf("meta = %+v", sink.meta)
	}
	// Sections are saved sorted regardless of source order.
	if len(sink.cpus) != 2 || sink.cpus[0].ApicId != 0 || sink.cpus[1].ApicId != 1 {
		t.Fatalf("cpus = %+v", sink.cpus)
	}
	if len(sink.disks) != 2 || sink.disks[0].DiskId != 0 || sink.disks[1].DiskId != 1 {
		t.Fatalf("disks = %+v", sink.disks)
	}
	if !sort.SliceIsSorted(sink.devs, func(i, j int) bool { return sink.devs[i].Id < sink.devs[j].Id }) {
		t.Fatal("devices not sorted")
	}
	if !bytes.Equal(sink.mmu, src.mmu) {
		t.Fatal("mmu payload mismatch")
	}
	if !bytes.Equal(sink.ram, src.ram) {
		t.Fatal("ram mismatch")
	}
}

func TestSnapshotSectionOrderIsFixed(t *testing.T) {
	data := saveToBytes(t, sampleSource())
	idx, err := InspectSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	want := []SectionId{SECTION_CPUS, SECTION_MMU, SECTION_DEVICES, SECTION_DISKS, SECTION_RAM}
	if len(idx.Sections) != len(want) {
		t.Fatalf("section count %d", len(idx.Sections))
	}
	for i, s := range idx.Sections {
		if s.Id != want[i] {
			t.Fatalf("section %d = %v, want %v", i, s.Id, want[i])
		}
	}
}

func TestSnapshotCrcMismatchRejected(t *testing.T) {
	data := saveToBytes(t, sampleSource())
	idx, err := InspectSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt one payload byte of the RAM section.
	ram := idx.Sections[len(idx.Sections)-1]
	data[ram.Offset+20] ^= 0xFF

	var sink recordingSink
	if err := LoadSnapshot(data, &sink); err == nil {
		t.Fatal("corrupted payload restored")
	}
	var out strings.Builder
	if err := InspectSnapshotToWriter(&out, data); err == nil {
		t.Fatal("inspect did not fail on CRC mismatch")
	}
}

// rewriteDisksReversed flips the DISKS payload entry order in place.
func rewriteDisksReversed(t *testing.T, data []byte) {
	t.Helper()
	idx, err := InspectSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	var info *SectionInfo
	for i := range idx.Sections {
		if idx.Sections[i].Id == SECTION_DISKS {
			info = &idx.Sections[i]
		}
	}
	if info == nil {
		t.Fatal("no DISKS section")
	}
	payload := data[info.Offset : info.Offset+info.Len]
	disks, err := decodeDiskSection(payload)
	if err != nil {
		t.Fatal(err)
	}
	for i, j := 0, len(disks)-1; i < j; i, j = i+1, j-1 {
		disks[i], disks[j] = disks[j], disks[i]
	}
	var w leWriter
	w.u32(uint32(len(disks)))
	for i := range disks {
		disks[i].encode(&w)
	}
	if len(w.b) != len(payload) {
		t.Fatalf("rewritten payload length %d != %d", len(w.b), len(payload))
	}
	copy(payload, w.b)
	fixSectionCrc(data, info)
}

// fixSectionCrc recomputes the index CRC for a rewritten payload.
func fixSectionCrc(data []byte, info *SectionInfo) {
	idx, _ := InspectSnapshot(data)
	entrySize := uint64(2 + 8 + 8 + 4)
	start := idx.headerEnd - uint64(len(idx.Sections))*entrySize
	for i := range idx.Sections {
		off := start + uint64(i)*entrySize
		if SectionId(binary.LittleEndian.Uint16(data[off:])) == info.Id {
			crc := crc32.ChecksumIEEE(data[info.Offset : info.Offset+info.Len])
			binary.LittleEndian.PutUint32(data[off+18:], crc)
		}
	}
}

func TestSnapshotInspectNotesUnsortedDisks(t *testing.T) {
	data := saveToBytes(t, sampleSource())
	rewriteDisksReversed(t, data)

	var out strings.Builder
	if err := InspectSnapshotToWriter(&out, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(),
		"note: DISKS entries are not sorted by disk_id; displaying sorted order") {
		t.Fatalf("missing note in output:\n%s", out.String())
	}

	// Restore tolerates unsorted entries (only duplicates are fatal).
	var sink recordingSink
	if err := LoadSnapshot(data, &sink); err != nil {
		t.Fatalf("unsorted disks rejected on restore: %v", err)
	}
}

func TestSnapshotDuplicateDiskIdsWarnOnInspectRejectOnRestore(t *testing.T) {
	src := sampleSource()
	src.disks[1].DiskId = src.disks[0].DiskId
	data := saveToBytes(t, src)

	var out strings.Builder
	if err := InspectSnapshotToWriter(&out, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(),
		"warning: duplicate disk_id entries (snapshot restore would reject this file)") {
		t.Fatalf("missing warning in output:\n%s", out.String())
	}

	var sink recordingSink
	err := LoadSnapshot(data, &sink)
	if err == nil {
		t.Fatal("duplicate disk ids restored")
	}
	var se *SnapshotError
	if !errors.As(err, &se) || se.Kind != "DuplicateKey" {
		t.Fatalf("error = %v", err)
	}
}

func TestSnapshotDuplicateDevicesRejectedOnRestore(t *testing.T) {
	src := sampleSource()
	src.devs = append(src.devs, src.devs[0])
	data := saveToBytes(t, src)

	var out strings.Builder
	if err := InspectSnapshotToWriter(&out, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(),
		"warning: duplicate device entries (snapshot restore would reject this file)") {
		t.Fatalf("missing warning in output:\n%s", out.String())
	}
	var sink recordingSink
	if err := LoadSnapshot(data, &sink); err == nil {
		t.Fatal("duplicate devices restored")
	}
}

func TestSnapshotInspectDecodesNestedWrappers(t *testing.T) {
	src := sampleSource()
	var children leWriter
	children.bytes([]byte("IDE0"))
	children.u8(1)
	children.u8(2)
	children.u16(0)
	var wrapped leWriter
	wrapped.u16(1)
	wrapped.bytes(children.b)
	src.devs = append(src.devs, DeviceState{
		Id: DEVICE_IDE, Version: 1, Data: deviceInner("DSKC", 1, 0, wrapped.b),
	})
	data := saveToBytes(t, src)

	var out strings.Builder
	if err := InspectSnapshotToWriter(&out, data); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	if !strings.Contains(text, "format=DSKC 1.0") {
		t.Fatalf("wrapper format missing:\n%s", text)
	}
	if !strings.Contains(text, "IDE0 1.2") {
		t.Fatalf("nested child missing:\n%s", text)
	}
}

func TestMachineSnapshotRoundtrip(t *testing.T) {
	cfg := DefaultMachineConfig()
	cfg.RamSizeBytes = 2 * 1024 * 1024
	m, err := NewMachine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m.Cpu.State.Gprs[GPR_RBX] = 0xDEAD
	m.Cpu.State.Rip = 0x1234
	m.Platform.Memory.WriteU32(0x9000, 0xCAFEBABE)

	src := &MachineSnapshot{M: m, Meta: SnapshotMeta{SnapshotId: 1}}
	data := saveToBytes(t, src)

	m2, err := NewMachine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	sink := &MachineSnapshot{M: m2}
	if err := LoadSnapshot(data, sink); err != nil {
		t.Fatal(err)
	}
	if m2.Cpu.State.Gprs[GPR_RBX] != 0xDEAD || m2.Cpu.State.Rip != 0x1234 {
		t.Fatalf("cpu state not restored: rbx=%#x rip=%#x",
			m2.Cpu.State.Gprs[GPR_RBX], m2.Cpu.State.Rip)
	}
	if v, _ := m2.Platform.Memory.ReadU32(0x9000); v != 0xCAFEBABE {
		t.Fatalf("ram not restored: %#x", v)
	}
}
