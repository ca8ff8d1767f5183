package kernel

import (
	"github.com/krakenmem/wincore/address"
	"github.com/krakenmem/wincore/offsets"
)

// OSInfo is the kernel image's base, size, and architecture (§3).
type OSInfo struct {
	Base address.Address
	Size uint64
	Arch address.Arch
}

// Info is KernelInfo (§3): the bootstrap-plus-version snapshot that seeds a
// Kernel, and that KernelInfo() re-derives independent of any cached
// module-list memo.
type Info struct {
	OSInfo       OSInfo
	DTB          address.Address
	EprocessBase address.Address
	KernelWinver offsets.Win32Version
	KernelGUID   string
}

// ProcessStateKind discriminates ProcessState (§3).
type ProcessStateKind uint8

const (
	StateUnknown ProcessStateKind = iota
	StateAlive
	StateDead
)

// ProcessState is `{Alive, Dead(exit_status), Unknown}` (§3).
type ProcessState struct {
	Kind       ProcessStateKind
	ExitStatus uint32 // valid when Kind == StateDead
}

// ProcessInfo is the architecture-agnostic base process record (§3).
type ProcessInfo struct {
	Address     address.Address
	PID         uint64
	State       ProcessState
	Name        string
	Path        string
	CommandLine string
	SysArch     address.Arch
	ProcArch    address.Arch
	DTB1        address.Address
	DTB2        address.Address
}

// ModuleListInfo is a head pointer into a LIST_ENTRY-linked
// LDR_DATA_TABLE_ENTRY chain, plus the arch governing pointer width inside
// the entries (§3).
type ModuleListInfo struct {
	Head address.Address
	Arch address.Arch
}

// Win32ProcessInfo extends ProcessInfo with the fields C6 recovers while
// walking the process list (§3).
type Win32ProcessInfo struct {
	ProcessInfo

	SectionBase address.Address
	Ethread     address.Address
	Wow64       address.Address
	VadRoot     address.Address

	TEB      *address.Address
	TEBWow64 *address.Address

	PEBNative *address.Address
	PEBWow64  *address.Address

	ModuleInfoNative *ModuleListInfo
	ModuleInfoWow64  *ModuleListInfo
}
