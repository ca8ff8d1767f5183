// Package offsets maps (kernel build, architecture, optional PDB GUID) to
// the byte offsets wincore needs inside opaque kernel structs (C5).
package offsets

import "github.com/krakenmem/wincore/address"

// Offsets are architecture-independent kernel struct field offsets (§3).
type Offsets struct {
	ListBlink uint32

	EprocLink        uint32
	EprocName        uint32
	EprocPID         uint32
	EprocDTB         uint32 // KPROCESS.DirectoryTableBase, reached through EPROCESS
	EprocPEB         uint32
	EprocWow64       uint32 // 0 when the field is absent (native-only kernel)
	EprocThreadList  uint32
	EprocSectionBase uint32
	EprocExitStatus  uint32
	EprocVadRoot     uint32

	EthreadListEntry uint32
	KthreadTeb       uint32

	TebPebX86 uint32 // WOW64 PEB offset within TEB: 0x1000 or 0x2000

	// PhysMemBlock, when non-zero, is the offset of the kernel's
	// _PHYSICAL_MEMORY_DESCRIPTOR pointer/struct from the kernel base; its
	// presence means the connector's accessible ranges must be refreshed
	// from it (§4.6 fix-up #1).
	PhysMemBlock uint32
}

// ArchOffsets are the per-architecture offsets that differ between a
// process's native and WOW64 views (§3). The LDR fields are a supplement
// (§3 lists its Offsets fields as "include", not exhaustive): walking
// PEB_LDR_DATA.InLoadOrderModuleList (§4.7) needs them and the struct
// layout differs between a 64-bit and a WOW64 32-bit PEB/LDR.
type ArchOffsets struct {
	PebProcessParams   uint32
	PpmImagePathName   uint32
	PpmCommandLine     uint32
	PpmEnvironment     uint32
	PpmEnvironmentSize uint32

	PebLdr                  uint32 // PEB.Ldr
	LdrInLoadOrderModuleList uint32 // PEB_LDR_DATA.InLoadOrderModuleList
	LdrEntryDllBase         uint32 // LDR_DATA_TABLE_ENTRY.DllBase
	LdrEntrySizeOfImage     uint32 // LDR_DATA_TABLE_ENTRY.SizeOfImage
	LdrEntryFullDllName     uint32 // LDR_DATA_TABLE_ENTRY.FullDllName (UNICODE_STRING)
	LdrEntryBaseDllName     uint32 // LDR_DATA_TABLE_ENTRY.BaseDllName (UNICODE_STRING)
}

// Key identifies one catalog entry: a kernel build/arch, optionally pinned
// to an exact PDB GUID (§4.5, §6).
type Key struct {
	PDBFileName string
	PDBGUID     string // empty when unknown
	Arch        address.Arch
	Version     Win32Version
}

// Entry is one offsets-catalog record.
type Entry struct {
	Key         Key
	Offsets     Offsets
	ArchOffsets ArchOffsets
}
