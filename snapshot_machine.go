// snapshot_machine.go - Machine as snapshot source/sink

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

// SerializeCpuState encodes the architectural state in a fixed layout.
func SerializeCpuState(s *CpuState) []byte {
	var w leWriter
	for _, g := range s.Gprs {
		w.u64(g)
	}
	for _, seg := range s.Segments {
		w.u16(seg.Selector)
		w.u64(seg.Base)
		w.u32(seg.Limit)
		w.u16(seg.Access)
	}
	w.u64(s.Rip)
	w.u64(s.Rflags())
	w.u64(s.Cr0)
	w.u64(s.Cr2)
	w.u64(s.Cr3)
	w.u64(s.Cr4)
	w.u64(s.Gdt.Base)
	w.u16(s.Gdt.Limit)
	w.u64(s.Idt.Base)
	w.u16(s.Idt.Limit)
	w.u16(s.Tr.Selector)
	w.u64(s.Tr.Base)
	w.u32(s.Tr.Limit)
	w.u16(s.Tr.Access)
	w.u64(s.Msr.Tsc)
	w.u64(s.Msr.Efer)
	w.u64(s.Msr.ApicBase)
	w.u64(s.Msr.FsBase)
	w.u64(s.Msr.GsBase)
	w.u64(s.Msr.KernelGs)
	w.u8(uint8(s.Mode))
	if s.Halted {
		w.u8(1)
	} else {
		w.u8(0)
	}
	if s.A20Enabled {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u64(s.TlbSalt)
	return w.b
}

// DeserializeCpuState is the exact inverse of SerializeCpuState.
func DeserializeCpuState(data []byte) (*CpuState, error) {
	r := &leReader{b: data}
	s := &CpuState{}
	var err error
	for i := range s.Gprs {
		if s.Gprs[i], err = r.u64(); err != nil {
			return nil, err
		}
	}
	for i := range s.Segments {
		if s.Segments[i].Selector, err = r.u16(); err != nil {
			return nil, err
		}
		if s.Segments[i].Base, err = r.u64(); err != nil {
			return nil, err
		}
		if s.Segments[i].Limit, err = r.u32(); err != nil {
			return nil, err
		}
		if s.Segments[i].Access, err = r.u16(); err != nil {
			return nil, err
		}
	}
	if s.Rip, err = r.u64(); err != nil {
		return nil, err
	}
	rflags, err := r.u64()
	if err != nil {
		return nil, err
	}
	s.SetRflags(rflags)
	if s.Cr0, err = r.u64(); err != nil {
		return nil, err
	}
	if s.Cr2, err = r.u64(); err != nil {
		return nil, err
	}
	if s.Cr3, err = r.u64(); err != nil {
		return nil, err
	}
	if s.Cr4, err = r.u64(); err != nil {
		return nil, err
	}
	if s.Gdt.Base, err = r.u64(); err != nil {
		return nil, err
	}
	if s.Gdt.Limit, err = r.u16(); err != nil {
		return nil, err
	}
	if s.Idt.Base, err = r.u64(); err != nil {
		return nil, err
	}
	if s.Idt.Limit, err = r.u16(); err != nil {
		return nil, err
	}
	if s.Tr.Selector, err = r.u16(); err != nil {
		return nil, err
	}
	if s.Tr.Base, err = r.u64(); err != nil {
		return nil, err
	}
	if s.Tr.Limit, err = r.u32(); err != nil {
		return nil, err
	}
	if s.Tr.Access, err = r.u16(); err != nil {
		return nil, err
	}
	if s.Msr.Tsc, err = r.u64(); err != nil {
		return nil, err
	}
	if s.Msr.Efer, err = r.u64(); err != nil {
		return nil, err
	}
	if s.Msr.ApicBase, err = r.u64(); err != nil {
		return nil, err
	}
	if s.Msr.FsBase, err = r.u64(); err != nil {
		return nil, err
	}
	if s.Msr.GsBase, err = r.u64(); err != nil {
		return nil, err
	}
	if s.Msr.KernelGs, err = r.u64(); err != nil {
		return nil, err
	}
	mode, err := r.u8()
	if err != nil {
		return nil, err
	}
	s.Mode = CpuMode(mode)
	halted, err := r.u8()
	if err != nil {
		return nil, err
	}
	s.Halted = halted != 0
	a20, err := r.u8()
	if err != nil {
		return nil, err
	}
	s.A20Enabled = a20 != 0
	if s.TlbSalt, err = r.u64(); err != nil {
		return nil, err
	}
	return s, nil
}

// deviceInner builds a TLV payload in the well-known inner format.
func deviceInner(code string, major, minor uint8, body []byte) []byte {
	out := make([]byte, 0, 6+len(body))
	out = append(out, code[:4]...)
	out = append(out, major, minor)
	return append(out, body...)
}

// MachineSnapshot adapts a Machine to SnapshotSource/SnapshotSink.
type MachineSnapshot struct {
	M     *Machine
	Meta  SnapshotMeta
	Disks []DiskOverlayRef
}

func (ms *MachineSnapshot) SnapshotMeta() SnapshotMeta { return ms.Meta }

func (ms *MachineSnapshot) CpuStates() []VcpuSnapshot {
	return []VcpuSnapshot{{
		ApicId: 0,
		Cpu:    SerializeCpuState(ms.M.Cpu.State),
	}}
}

func (ms *MachineSnapshot) MmuState() []byte {
	var w leWriter
	w.u64(ms.M.Cpu.State.TlbSalt)
	return w.b
}

func (ms *MachineSnapshot) DeviceStates() []DeviceState {
	p := ms.M.Platform

	var pit leWriter
	for i := range p.Pit.channels {
		pit.u32(p.Pit.channels[i].reload)
		pit.u8(p.Pit.channels[i].mode)
	}

	var rtc leWriter
	rtc.u64(p.Rtc.todNs)
	rtc.bytes(p.Rtc.nvram[:])

	var pic leWriter
	pic.u8(p.Interrupts.Pic.offsets[0])
	pic.u8(p.Interrupts.Pic.offsets[1])
	pic.u8(p.Interrupts.Pic.imr[0])
	pic.u8(p.Interrupts.Pic.imr[1])

	devs := []DeviceState{
		{Id: DEVICE_PIT, Version: 1, Data: deviceInner("PIT0", 1, 0, pit.b)},
		{Id: DEVICE_RTC, Version: 1, Data: deviceInner("RTC0", 1, 0, rtc.b)},
		{Id: DEVICE_PIC, Version: 1, Data: deviceInner("PIC0", 1, 0, pic.b)},
	}

	// Disk controllers share one nested wrapper TLV.
	var children leWriter
	addChild := func(code string, body []byte) {
		children.bytes([]byte(code))
		children.u8(1)
		children.u8(0)
		children.u16(uint16(len(body)))
		children.bytes(body)
	}
	count := 0
	if p.Ide != nil {
		addChild("IDE0", nil)
		count++
	}
	if p.Nvme != nil {
		addChild("NVME", nil)
		count++
	}
	if p.VirtioBlk != nil {
		addChild("VBLK", nil)
		count++
	}
	if count > 0 {
		var wrapped leWriter
		wrapped.u16(uint16(count))
		wrapped.bytes(children.b)
		devs = append(devs, DeviceState{
			Id: DEVICE_IDE, Version: 1,
			Data: deviceInner("DSKC", 1, 0, wrapped.b),
		})
	}
	return devs
}

func (ms *MachineSnapshot) DiskOverlays() []DiskOverlayRef { return ms.Disks }

func (ms *MachineSnapshot) RamLen() uint64 { return ms.M.Platform.Memory.Size() }

func (ms *MachineSnapshot) ReadRam(offset uint64, buf []byte) error {
	return ms.M.Platform.Memory.ReadPhysical(offset, buf)
}

func (ms *MachineSnapshot) TakeDirtyPages() ([]uint64, bool) { return nil, false }

// --- sink side ---

func (ms *MachineSnapshot) SetSnapshotMeta(meta SnapshotMeta) error {
	ms.Meta = meta
	return nil
}

func (ms *MachineSnapshot) SetCpuStates(cpus []VcpuSnapshot) error {
	if len(cpus) == 0 {
		return nil
	}
	s, err := DeserializeCpuState(cpus[0].Cpu)
	if err != nil {
		return err
	}
	ms.M.Cpu.State = s
	ms.M.Cpu.Pending.Reset()
	return nil
}

func (ms *MachineSnapshot) SetMmuState(data []byte) error {
	r := &leReader{b: data}
	salt, err := r.u64()
	if err != nil {
		return err
	}
	ms.M.Cpu.State.TlbSalt = salt + 1 // cached translations are stale
	return nil
}

func (ms *MachineSnapshot) SetDeviceStates(devs []DeviceState) error {
	p := ms.M.Platform
	for _, d := range devs {
		_, _, _, body, ok := parseInnerTlv(d.Data)
		if !ok {
			continue
		}
		switch d.Id {
		case DEVICE_PIT:
			r := &leReader{b: body}
			for i := range p.Pit.channels {
				reload, err := r.u32()
				if err != nil {
					return err
				}
				mode, err := r.u8()
				if err != nil {
					return err
				}
				p.Pit.channels[i].reload = reload
				p.Pit.channels[i].mode = mode
			}
		case DEVICE_RTC:
			r := &leReader{b: body}
			tod, err := r.u64()
			if err != nil {
				return err
			}
			nv, err := r.take(128)
			if err != nil {
				return err
			}
			p.Rtc.todNs = tod
			copy(p.Rtc.nvram[:], nv)
		case DEVICE_PIC:
			r := &leReader{b: body}
			var vals [4]uint8
			for i := range vals {
				v, err := r.u8()
				if err != nil {
					return err
				}
				vals[i] = v
			}
			p.Interrupts.Pic.offsets = [2]uint8{vals[0], vals[1]}
			p.Interrupts.Pic.imr = [2]uint8{vals[2], vals[3]}
		}
	}
	return nil
}

func (ms *MachineSnapshot) SetDiskOverlays(disks []DiskOverlayRef) error {
	ms.Disks = disks
	return nil
}

func (ms *MachineSnapshot) SetRamLen(n uint64) error {
	if n != ms.M.Platform.Memory.Size() {
		return snapErr("InvalidFieldEncoding", "RAM size mismatch")
	}
	return nil
}

func (ms *MachineSnapshot) WriteRam(offset uint64, data []byte) error {
	return ms.M.Platform.Memory.WritePhysical(offset, data)
}
