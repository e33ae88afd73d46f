// mmu.go - Paging, translation and the salted TLB

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
mmu.go - MMU and TLB

Virtual to physical translation for 32-bit (non-PAE) and 4-level long-mode
page tables, with a direct-mapped TLB. Entries are keyed by
(vpn ^ salt) | 1: the salt lives in CpuState and is bumped on CR3/CR0/CR4
writes, invalidating every cached translation without clearing the array
(tag 0 stays reserved for never-filled entries). Cached entries carry the
page frame plus read/write/user permission bits, so the common hit path is
a mask, an xor and a compare.
*/

package main

const (
	PAGE_SHIFT       = 12
	PAGE_SIZE_BYTES  = 1 << PAGE_SHIFT
	PAGE_OFFSET_MASK = PAGE_SIZE_BYTES - 1

	TLB_ENTRIES    = 256
	TLB_INDEX_MASK = TLB_ENTRIES - 1
)

const (
	TLB_FLAG_READ  = 1 << 0
	TLB_FLAG_WRITE = 1 << 1
	TLB_FLAG_USER  = 1 << 2
)

// Page table entry bits (shared by PDE/PTE in both formats).
const (
	PTE_P  = uint64(1) << 0
	PTE_W  = uint64(1) << 1
	PTE_U  = uint64(1) << 2
	PTE_PS = uint64(1) << 7
	PTE_NX = uint64(1) << 63
)

// Page-fault error code bits.
const (
	PF_ERR_P = 1 << 0
	PF_ERR_W = 1 << 1
	PF_ERR_U = 1 << 2
)

type tlbEntry struct {
	tag   uint64
	pfn   uint64
	flags uint8
}

// Mmu owns the TLB; page tables live in guest memory.
type Mmu struct {
	entries [TLB_ENTRIES]tlbEntry
}

func NewMmu() *Mmu { return &Mmu{} }

// Flush drops every cached translation by bumping the state salt.
func (m *Mmu) Flush(s *CpuState) { s.TlbSalt++ }

func tlbTag(vpn, salt uint64) uint64 { return (vpn ^ salt) | 1 }

// Translate resolves a linear address to a physical address, enforcing
// write/user permissions. Physical addresses still pass through the A20
// mask at the bus layer.
func (m *Mmu) Translate(s *CpuState, mem GuestMemory, vaddr uint64, write, user bool) (uint64, *Exception) {
	if s.Cr0&CR0_PG == 0 {
		return vaddr, nil
	}

	vpn := vaddr >> PAGE_SHIFT
	idx := vpn & TLB_INDEX_MASK
	e := &m.entries[idx]
	if e.tag == tlbTag(vpn, s.TlbSalt) {
		if (!write || e.flags&TLB_FLAG_WRITE != 0) && (!user || e.flags&TLB_FLAG_USER != 0) {
			return e.pfn<<PAGE_SHIFT | (vaddr & PAGE_OFFSET_MASK), nil
		}
	}

	pfn, flags, exc := m.walk(s, mem, vaddr, write, user)
	if exc != nil {
		return 0, exc
	}
	m.entries[idx] = tlbEntry{tag: tlbTag(vpn, s.TlbSalt), pfn: pfn, flags: flags}
	return pfn<<PAGE_SHIFT | (vaddr & PAGE_OFFSET_MASK), nil
}

func pfErrCode(present, write, user bool) uint32 {
	var code uint32
	if present {
		code |= PF_ERR_P
	}
	if write {
		code |= PF_ERR_W
	}
	if user {
		code |= PF_ERR_U
	}
	return code
}

func (m *Mmu) walk(s *CpuState, mem GuestMemory, vaddr uint64, write, user bool) (uint64, uint8, *Exception) {
	if s.Msr.Efer&EFER_LMA != 0 {
		return m.walk4Level(s, mem, vaddr, write, user)
	}
	return m.walk2Level(s, mem, vaddr, write, user)
}

// walk2Level handles legacy 32-bit paging (4 KiB and 4 MiB pages).
func (m *Mmu) walk2Level(s *CpuState, mem GuestMemory, vaddr uint64, write, user bool) (uint64, uint8, *Exception) {
	va := vaddr & 0xFFFFFFFF
	pdBase := s.Cr3 &^ 0xFFF

	pde, err := mem.ReadU32(pdBase + (va>>22)*4)
	if err != nil {
		return 0, 0, pageFault(vaddr, pfErrCode(false, write, user))
	}
	if uint64(pde)&PTE_P == 0 {
		return 0, 0, pageFault(vaddr, pfErrCode(false, write, user))
	}
	flags := permFlags(uint64(pde))

	if uint64(pde)&PTE_PS != 0 {
		if exc := checkPerm(flags, vaddr, write, user); exc != nil {
			return 0, 0, exc
		}
		base := uint64(pde) &^ 0x3FFFFF
		pfn := (base | (va & 0x3FF000)) >> PAGE_SHIFT
		return pfn, flags, nil
	}

	pte, err := mem.ReadU32((uint64(pde) &^ 0xFFF) + ((va>>12)&0x3FF)*4)
	if err != nil {
		return 0, 0, pageFault(vaddr, pfErrCode(false, write, user))
	}
	if uint64(pte)&PTE_P == 0 {
		return 0, 0, pageFault(vaddr, pfErrCode(false, write, user))
	}
	flags &= permFlags(uint64(pte))
	if exc := checkPerm(flags, vaddr, write, user); exc != nil {
		return 0, 0, exc
	}
	return uint64(pte) >> PAGE_SHIFT, flags, nil
}

// walk4Level handles long-mode paging (4 KiB, 2 MiB and 1 GiB pages).
func (m *Mmu) walk4Level(s *CpuState, mem GuestMemory, vaddr uint64, write, user bool) (uint64, uint8, *Exception) {
	if !isCanonical(vaddr) {
		return 0, 0, gpFault(0)
	}
	table := s.Cr3 &^ 0xFFF
	flags := uint8(TLB_FLAG_READ | TLB_FLAG_WRITE | TLB_FLAG_USER)

	for level := 3; level >= 0; level-- {
		shift := PAGE_SHIFT + 9*level
		idx := (vaddr >> shift) & 0x1FF
		entry, err := mem.ReadU64(table + idx*8)
		if err != nil {
			return 0, 0, pageFault(vaddr, pfErrCode(false, write, user))
		}
		if entry&PTE_P == 0 {
			return 0, 0, pageFault(vaddr, pfErrCode(false, write, user))
		}
		flags &= permFlags(entry)

		if level > 0 && entry&PTE_PS != 0 {
			if level > 2 {
				return 0, 0, pageFault(vaddr, pfErrCode(true, write, user))
			}
			if exc := checkPerm(flags, vaddr, write, user); exc != nil {
				return 0, 0, exc
			}
			pageMask := uint64(1)<<shift - 1
			base := entry &^ (pageMask | PTE_NX)
			return (base | (vaddr & pageMask &^ PAGE_OFFSET_MASK)) >> PAGE_SHIFT, flags, nil
		}
		if level == 0 {
			if exc := checkPerm(flags, vaddr, write, user); exc != nil {
				return 0, 0, exc
			}
			return (entry &^ (0xFFF | PTE_NX)) >> PAGE_SHIFT, flags, nil
		}
		table = entry &^ (0xFFF | PTE_NX)
	}
	return 0, 0, pageFault(vaddr, pfErrCode(false, write, user))
}

func permFlags(entry uint64) uint8 {
	flags := uint8(TLB_FLAG_READ)
	if entry&PTE_W != 0 {
		flags |= TLB_FLAG_WRITE
	}
	if entry&PTE_U != 0 {
		flags |= TLB_FLAG_USER
	}
	return flags
}

func checkPerm(flags uint8, vaddr uint64, write, user bool) *Exception {
	if user && flags&TLB_FLAG_USER == 0 {
		return pageFault(vaddr, pfErrCode(true, write, true))
	}
	if write && flags&TLB_FLAG_WRITE == 0 {
		return pageFault(vaddr, pfErrCode(true, true, user))
	}
	return nil
}
