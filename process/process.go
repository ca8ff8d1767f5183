// Package process is the per-process view (C7): a VirtualDma rooted at the
// process's own DTB, carrying its Win32ProcessInfo, and exposing module
// enumeration, export/import/section inspection and environment-block
// parsing in that process's address space.
package process

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"

	"github.com/sirupsen/logrus"

	"github.com/krakenmem/wincore/address"
	"github.com/krakenmem/wincore/connector"
	"github.com/krakenmem/wincore/errs"
	"github.com/krakenmem/wincore/kernel"
	"github.com/krakenmem/wincore/offsets"
	"github.com/krakenmem/wincore/vat"
	"github.com/krakenmem/wincore/vmem"
	"github.com/krakenmem/wincore/winstruct"
)

// Process holds a view over one process's address space plus the extended
// process record C6 recovered for it (§4.7).
type Process struct {
	view *vmem.View
	info kernel.Win32ProcessInfo

	nativeOffsets offsets.ArchOffsets
	wow64Offsets  *offsets.ArchOffsets
}

// New builds a Process over info's address space: dtb1/proc_arch.
// nativeOffsets describes the process's native (sys_arch) LDR/PEB layout;
// wow64Offsets, when the process is a WOW64 child, describes its 32-bit
// layout.
func New(conn connector.Connector, info kernel.Win32ProcessInfo, nativeOffsets offsets.ArchOffsets, wow64Offsets *offsets.ArchOffsets, log *logrus.Entry) *Process {
	translator := vat.New(conn, info.ProcArch, info.DTB1, log)

	return &Process{
		view:          vmem.New(conn, translator),
		info:          info,
		nativeOffsets: nativeOffsets,
		wow64Offsets:  wow64Offsets,
	}
}

// Info returns the Win32ProcessInfo this Process was built from.
func (p *Process) Info() kernel.Win32ProcessInfo { return p.info }

// View exposes the underlying typed-read view, e.g. for a caller (the
// keyboard locator) that needs raw reads at an address it resolved itself.
func (p *Process) View() *vmem.View { return p.view }

// ModuleInfo is one recovered LDR_DATA_TABLE_ENTRY (§4.7).
type ModuleInfo struct {
	Base address.Address
	Size uint64
	Name string
	Path string
}

func (p *Process) archOffsets(arch address.Arch) offsets.ArchOffsets {
	if arch != p.info.SysArch && p.wow64Offsets != nil {
		return *p.wow64Offsets
	}

	return p.nativeOffsets
}

// ModuleListCallback walks list (native or WOW64; nil is a no-op), yielding
// each module's {base, size, name, path} (§4.7).
func (p *Process) ModuleListCallback(list *kernel.ModuleListInfo, visit func(ModuleInfo) bool) error {
	if list == nil {
		return nil
	}

	o := p.archOffsets(list.Arch)
	ptrWidth := list.Arch.PointerWidth()

	return winstruct.WalkList(p.view, list.Head, ptrWidth, func(entry address.Address) bool {
		base, err := p.view.ReadPointer(entry.Add(uint64(o.LdrEntryDllBase)), ptrWidth)
		if err != nil {
			return true
		}

		size, err := p.view.ReadU32(entry.Add(uint64(o.LdrEntrySizeOfImage)))
		if err != nil {
			return true
		}

		name, _ := p.view.ReadUnicodeString(entry.Add(uint64(o.LdrEntryBaseDllName)), ptrWidth)
		path, _ := p.view.ReadUnicodeString(entry.Add(uint64(o.LdrEntryFullDllName)), ptrWidth)

		return visit(ModuleInfo{Base: base, Size: uint64(size), Name: name, Path: path})
	})
}

// ModuleList collects ModuleListCallback into a slice.
func (p *Process) ModuleList(list *kernel.ModuleListInfo) ([]ModuleInfo, error) {
	var out []ModuleInfo

	err := p.ModuleListCallback(list, func(m ModuleInfo) bool {
		out = append(out, m)

		return true
	})

	return out, err
}

// ReadModuleImage reads mod.Size bytes at mod.Base — enough of the PE image
// to parse its headers, export/import/section tables (§4.7).
func (p *Process) ReadModuleImage(mod ModuleInfo) ([]byte, error) {
	if mod.Size == 0 {
		return nil, errs.Wrap(errs.OriginOsLayer, errs.ErrInvalidExeFile)
	}

	img, err := p.view.ReadPartial(mod.Base, int(mod.Size))
	if len(img) == 0 {
		return nil, err
	}

	return img, nil
}

// ModuleExports parses mod's export directory (§4.7).
func (p *Process) ModuleExports(mod ModuleInfo) ([]winstruct.NamedExport, error) {
	img, err := p.ReadModuleImage(mod)
	if err != nil {
		return nil, err
	}

	return winstruct.ListExports(img)
}

// ModuleImports parses mod's import directory (§4.7).
func (p *Process) ModuleImports(mod ModuleInfo) ([]winstruct.Import, error) {
	img, err := p.ReadModuleImage(mod)
	if err != nil {
		return nil, err
	}

	return winstruct.ListImports(img)
}

// ModuleSections parses mod's section table (§4.7).
func (p *Process) ModuleSections(mod ModuleInfo) ([]winstruct.Section, error) {
	img, err := p.ReadModuleImage(mod)
	if err != nil {
		return nil, err
	}

	return winstruct.ListSections(img)
}

// EnvListInfo is the base and byte-length of a process's environment block
// (§3).
type EnvListInfo struct {
	EnvBlock address.Address
	EnvSize  uint64
	Arch     address.Arch
}

// EnvListInfoWithPEB reads ProcessParameters -> Environment/EnvironmentSize
// from peb (§4.7 "EnvListInfo constructors").
func (p *Process) EnvListInfoWithPEB(peb address.Address, arch address.Arch) (EnvListInfo, error) {
	o := p.archOffsets(arch)
	ptrWidth := arch.PointerWidth()

	processParams, err := p.view.ReadPointer(peb.Add(uint64(o.PebProcessParams)), ptrWidth)
	if err != nil {
		return EnvListInfo{}, err
	}

	envBlock, err := p.view.ReadPointer(processParams.Add(uint64(o.PpmEnvironment)), ptrWidth)
	if err != nil {
		return EnvListInfo{}, err
	}

	envSize, err := p.view.ReadPointer(processParams.Add(uint64(o.PpmEnvironmentSize)), ptrWidth)
	if err != nil {
		return EnvListInfo{}, err
	}

	return EnvListInfo{EnvBlock: envBlock, EnvSize: uint64(envSize), Arch: arch}, nil
}

// EnvListInfoWithBase builds an EnvListInfo from an already-known
// (base, size, arch) triple (§4.7 "EnvListInfo constructors").
func EnvListInfoWithBase(base address.Address, size uint64, arch address.Arch) EnvListInfo {
	return EnvListInfo{EnvBlock: base, EnvSize: size, Arch: arch}
}

// EnvarList reads env_size bytes from env_block and parses them as a
// sequence of null-terminated UTF-16LE "NAME=VALUE" strings terminated by
// an empty string (§4.7). Malformed entries (no '=') and entries whose name
// is empty (a leading '=') are skipped silently.
func (p *Process) EnvarList(info EnvListInfo, visit func(name, value string) bool) error {
	raw, err := p.view.ReadPartial(info.EnvBlock, int(info.EnvSize))
	if len(raw) == 0 {
		return err
	}

	for i := 0; i+1 < len(raw); {
		start := i
		for i+1 < len(raw) && !(raw[i] == 0 && raw[i+1] == 0) {
			i += 2
		}

		if i == start {
			break // empty string: end of block
		}

		units := make([]uint16, (i-start)/2)
		for j := range units {
			units[j] = binary.LittleEndian.Uint16(raw[start+j*2:])
		}

		i += 2 // skip the terminating null

		entry := string(utf16.Decode(units))

		eq := strings.IndexByte(entry, '=')
		if eq <= 0 {
			continue
		}

		if !visit(entry[:eq], entry[eq+1:]) {
			return nil
		}
	}

	return nil
}

// EnvVars collects EnvarList into a map (supplemented feature #6).
func (p *Process) EnvVars(info EnvListInfo) map[string]string {
	out := make(map[string]string)

	_ = p.EnvarList(info, func(name, value string) bool {
		out[name] = value

		return true
	})

	return out
}
