// Package address defines the address and architecture types shared across
// the translation, view and enumeration layers.
package address

const pageSize4K = 0x1000

// Address is a 64-bit value in some virtual or physical address space.
type Address uint64

// Null is the zero-address sentinel.
const Null Address = 0

// Invalid is the all-ones sentinel, distinct from Null.
const Invalid Address = 0xFFFFFFFFFFFFFFFF

// IsNull reports whether a is the null sentinel.
func (a Address) IsNull() bool { return a == Null }

// IsValid reports whether a is neither Null nor Invalid.
func (a Address) IsValid() bool { return a != Null && a != Invalid }

// Align4K rounds a down to the nearest 4 KiB page boundary.
func (a Address) Align4K() Address { return a &^ (pageSize4K - 1) }

// PageOffset returns the low 12 bits of a (offset within a 4 KiB page).
func (a Address) PageOffset() Address { return a & (pageSize4K - 1) }

// Add returns a+n as an Address.
func (a Address) Add(n uint64) Address { return a + Address(n) }

// Sub returns a-n as an Address.
func (a Address) Sub(n uint64) Address { return a - Address(n) }

// Arch identifies a target architecture.
type Arch uint8

const (
	// ArchUnknown is the zero value; translation must never be attempted
	// against it.
	ArchUnknown Arch = iota
	ArchX86
	ArchX86PAE
	ArchX64
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchX86PAE:
		return "x86_pae"
	case ArchX64:
		return "x64"
	default:
		return "unknown"
	}
}

// PointerWidth returns the pointer size in bytes for the architecture: 4 for
// x86 (PAE included — PAE widens PTEs, not pointers), 8 for x64.
func (a Arch) PointerWidth() int {
	if a == ArchX64 {
		return 8
	}

	return 4
}

// PageLevel describes one level of a page-table walk: the bit range of the
// virtual address used as the index into this level's table, the size in
// bytes of one entry, and the bit position of the large-page flag within an
// entry.
type PageLevel struct {
	IndexShift   uint // low bit of the index field
	IndexBits    uint // width of the index field
	EntrySize    uint // bytes per page-table entry at this level
	LargePageBit uint // bit position of the "large page" flag, 0 if N/A
}

// WalkDescriptor is the data-driven description of one architecture's
// page-table walk: an ordered list of levels from the top (root, indexed by
// the DTB) down to the leaf PTE level, plus the global present/writable/NX
// bit positions (constant across levels for all three supported archs) and
// the address-size in bits (the number of VA bits that are actually
// translated; above that the VA is either sign-extended or ignored).
type WalkDescriptor struct {
	Arch         Arch
	Levels       []PageLevel
	PresentBit   uint
	WritableBit  uint
	NoExecuteBit uint
	AddressBits  uint
	PhysMask     uint64 // mask applied to an entry to recover its physical base
}

// The present and writable bit positions are identical across x86, PAE and
// x64 hardware page-table formats; the NX bit exists only in PAE and x64.
const (
	bitPresent  = 0
	bitWritable = 1
	bitNX       = 63
)

// x86PhysMask / pae/x64 physmask: bits 12..31 (x86) or 12..51 (PAE/x64, the
// full 52-bit physical address range the AMD64 architecture allows).
const (
	x86PhysMask = 0x00000000FFFFF000
	longPhysMask = 0x000FFFFFFFFFF000
)

// DescriptorFor returns the page-table walk descriptor for arch.
func DescriptorFor(arch Arch) WalkDescriptor {
	switch arch {
	case ArchX86:
		return WalkDescriptor{
			Arch: ArchX86,
			Levels: []PageLevel{
				{IndexShift: 22, IndexBits: 10, EntrySize: 4, LargePageBit: 7}, // PDE
				{IndexShift: 12, IndexBits: 10, EntrySize: 4},                  // PTE
			},
			PresentBit:   bitPresent,
			WritableBit:  bitWritable,
			NoExecuteBit: 0, // no NX bit without PAE
			AddressBits:  32,
			PhysMask:     x86PhysMask,
		}
	case ArchX86PAE:
		return WalkDescriptor{
			Arch: ArchX86PAE,
			Levels: []PageLevel{
				{IndexShift: 30, IndexBits: 2, EntrySize: 8},                   // PDPTE
				{IndexShift: 21, IndexBits: 9, EntrySize: 8, LargePageBit: 7},   // PDE
				{IndexShift: 12, IndexBits: 9, EntrySize: 8},                   // PTE
			},
			PresentBit:   bitPresent,
			WritableBit:  bitWritable,
			NoExecuteBit: bitNX,
			AddressBits:  32,
			PhysMask:     longPhysMask,
		}
	case ArchX64:
		return WalkDescriptor{
			Arch: ArchX64,
			Levels: []PageLevel{
				{IndexShift: 39, IndexBits: 9, EntrySize: 8},                   // PML4E
				{IndexShift: 30, IndexBits: 9, EntrySize: 8, LargePageBit: 7},   // PDPTE
				{IndexShift: 21, IndexBits: 9, EntrySize: 8, LargePageBit: 7},   // PDE
				{IndexShift: 12, IndexBits: 9, EntrySize: 8},                   // PTE
			},
			PresentBit:   bitPresent,
			WritableBit:  bitWritable,
			NoExecuteBit: bitNX,
			AddressBits:  48,
			PhysMask:     longPhysMask,
		}
	default:
		return WalkDescriptor{Arch: ArchUnknown}
	}
}

// Index extracts the index field for level lvl out of virtual address va.
func Index(va Address, lvl PageLevel) uint64 {
	return (uint64(va) >> lvl.IndexShift) & ((1 << lvl.IndexBits) - 1)
}
