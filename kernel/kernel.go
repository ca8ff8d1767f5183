// Package kernel binds a virtual-address translator to the target kernel's
// address space and exposes process/module enumeration (C6).
package kernel

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/krakenmem/wincore/address"
	"github.com/krakenmem/wincore/connector"
	"github.com/krakenmem/wincore/errs"
	"github.com/krakenmem/wincore/offsets"
	"github.com/krakenmem/wincore/vat"
	"github.com/krakenmem/wincore/vmem"
	"github.com/krakenmem/wincore/winstruct"
)

// wow64TEBOffset is the fixed offset of a hosted 32-bit TEB within its
// owning 64-bit TEB (§4.6) — unlike teb.peb_x86, this is not configurable
// per build.
const wow64TEBOffset = 0x2000

const pageSize4K = 0x1000

// stillActive is the Windows STILL_ACTIVE sentinel (0x103): an EPROCESS
// whose ExitStatus still holds this value has not exited.
const stillActive = 0x103

// teb62 is the lowest kernel_winver that carries a readable KTHREAD.Teb
// field (§4.6): Windows 8 / NT 6.2.
var teb62 = offsets.FromMajorMinor(6, 2)

// Kernel owns a connector and a translator rooted at the kernel's DTB, and
// exposes the process/module-enumeration surface built on top of them (C6).
type Kernel struct {
	conn    connector.Connector
	vat     *vat.Translator
	offsets offsets.Entry

	// wow64Offsets is the ArchOffsets for an x86 process hosted by an x64
	// kernel (a second catalog lookup the caller already performed); nil on
	// a kernel that never hosts WOW64 processes.
	wow64Offsets *offsets.ArchOffsets

	info Info
	log  *logrus.Entry

	moduleListHead     address.Address
	moduleListResolved bool
}

// view builds a fresh vmem.View over the kernel's own address space.
func (k *Kernel) view() *vmem.View {
	return vmem.New(k.conn, k.vat)
}

// processView builds a vmem.View for a process context: dtb1 = process DTB,
// arch = proc_arch (§4.6 "switch to process context").
func (k *Kernel) processView(dtb address.Address, arch address.Arch) *vmem.View {
	return vmem.New(k.conn, vat.New(k.conn, arch, dtb, k.log))
}

// Builder stages Kernel construction (supplemented feature #1): the two
// post-construction fix-ups of §4.6 run inside Build, in order, before the
// Kernel is handed to the caller.
type Builder struct {
	conn         connector.Connector
	vat          *vat.Translator
	offsets      offsets.Entry
	wow64Offsets *offsets.ArchOffsets
	info         Info
	log          *logrus.Entry
}

// NewBuilder starts a Builder from the already-resolved inputs: a
// connector, a translator rooted at the StartBlock DTB, the matching
// offsets-catalog entry, and the bootstrap KernelInfo from C4/C5.
func NewBuilder(conn connector.Connector, translator *vat.Translator, entry offsets.Entry, info Info) *Builder {
	return &Builder{conn: conn, vat: translator, offsets: entry, info: info}
}

// WithLogger attaches a logger; a nil logger (the default) is a no-op.
func (b *Builder) WithLogger(log *logrus.Entry) *Builder {
	b.log = log

	return b
}

// WithWow64Offsets attaches the ArchOffsets for the x86 view of a process
// hosted by an x64 kernel (a second offsets.Catalog.Lookup the caller
// performs for ArchX86 at the same version). Omit on a kernel that never
// hosts WOW64 processes.
func (b *Builder) WithWow64Offsets(o offsets.ArchOffsets) *Builder {
	b.wow64Offsets = &o

	return b
}

// Build runs the §4.6 post-construction fix-ups and returns the Kernel.
func (b *Builder) Build() (*Kernel, error) {
	k := &Kernel{conn: b.conn, vat: b.vat, offsets: b.offsets, wow64Offsets: b.wow64Offsets, info: b.info, log: b.log}

	if err := k.fixupPhysMemMap(); err != nil {
		return nil, err
	}

	if err := k.fixupSystemDTB(); err != nil {
		return nil, err
	}

	return k, nil
}

// fixupPhysMemMap implements §4.6 fix-up #1: if offsets.PhysMemBlock != 0,
// read the kernel's _PHYSICAL_MEMORY_DESCRIPTOR run list and install it as
// the connector's memory map.
func (k *Kernel) fixupPhysMemMap() error {
	if k.offsets.Offsets.PhysMemBlock == 0 {
		return nil
	}

	ptrWidth := k.info.OSInfo.Arch.PointerWidth()
	base := k.info.OSInfo.Base.Add(uint64(k.offsets.Offsets.PhysMemBlock))

	ranges, err := readPhysMemMap(k.view(), base, ptrWidth)
	if err != nil {
		if k.log != nil {
			k.log.WithError(err).Warn("kernel: phys_mem_block unreadable, leaving connector map unchanged")
		}

		return nil
	}

	k.conn.SetMemMap(ranges)

	if k.log != nil {
		k.log.WithFields(logrus.Fields{"runs": len(ranges)}).Debug("kernel: installed physical memory map")
	}

	return nil
}

// readPhysMemMap decodes a _PHYSICAL_MEMORY_DESCRIPTOR: a ULONG run count,
// pointer-width-aligned padding, a ULONG_PTR page count, then that many
// {BasePage, PageCount} ULONG_PTR pairs.
func readPhysMemMap(view *vmem.View, base address.Address, ptrWidth int) ([]connector.Range, error) {
	numRuns, err := view.ReadU32(base)
	if err != nil {
		return nil, err
	}

	headerSize := uint64(ptrWidth) * 2 // NumberOfRuns(+pad) + NumberOfPages
	runs := make([]connector.Range, 0, numRuns)

	for i := uint32(0); i < numRuns; i++ {
		entry := base.Add(headerSize + uint64(i)*uint64(ptrWidth)*2)

		basePage, err := view.ReadPointer(entry, ptrWidth)
		if err != nil {
			return nil, err
		}

		pageCount, err := view.ReadPointer(entry.Add(uint64(ptrWidth)), ptrWidth)
		if err != nil {
			return nil, err
		}

		start := uint64(basePage) * pageSize4K
		runs = append(runs, connector.Range{PhysStart: start, AccessibleStart: start, Length: uint64(pageCount) * pageSize4K})
	}

	return runs, nil
}

// fixupSystemDTB implements §4.6 fix-up #2: read the DTB out of the first
// EPROCESS (the "system process") and, if non-null, replace the
// translator's DTB with it. A read failure here is fatal: the bootstrap
// EPROCESS address itself is unreadable, so nothing downstream can work.
func (k *Kernel) fixupSystemDTB() error {
	ptrWidth := k.info.OSInfo.Arch.PointerWidth()
	dtbVA := k.info.EprocessBase.Add(uint64(k.offsets.Offsets.EprocDTB))

	dtb, err := k.view().ReadPointer(dtbVA, ptrWidth)
	if err != nil {
		return errs.Wrap(errs.OriginOsLayer, fmt.Errorf("reading system-process DTB: %w", err))
	}

	if dtb.IsNull() {
		return nil
	}

	aligned := dtb.Align4K()
	k.vat.SetDTB(aligned)
	k.info.DTB = aligned

	if k.log != nil {
		k.log.WithFields(logrus.Fields{"dtb": fmt.Sprintf("0x%x", uint64(aligned))}).Debug("kernel: replaced bootstrap DTB with system-process DTB")
	}

	return nil
}

// KernelInfo re-derives a fresh Info snapshot — current DTB and the
// cached winver — independent of the module-list memo (supplemented
// feature #2).
func (k *Kernel) KernelInfo() Info {
	info := k.info
	info.DTB = k.vat.DTB()

	return info
}

// ProcessAddressListCallback walks the EPROCESS list from eprocess_base +
// eproc_link (§4.6), calling visit with each recovered EPROCESS base
// address; visit returning false stops the walk.
func (k *Kernel) ProcessAddressListCallback(visit func(address.Address) bool) error {
	linkOffset := uint64(k.offsets.Offsets.EprocLink)
	head := k.info.EprocessBase.Add(linkOffset)
	ptrWidth := k.info.OSInfo.Arch.PointerWidth()

	return winstruct.WalkList(k.view(), head, ptrWidth, func(entry address.Address) bool {
		return visit(entry.Sub(linkOffset))
	})
}

// ProcessInfoList is a convenience wrapper over the raw callback-driven
// walk (supplemented feature #3).
func (k *Kernel) ProcessInfoList() ([]ProcessInfo, error) {
	var out []ProcessInfo

	err := k.ProcessAddressListCallback(func(base address.Address) bool {
		info, err := k.processInfoBaseByAddress(base)
		if err == nil {
			out = append(out, *info)
		}

		return true
	})

	return out, err
}

// ProcessInfoByPID returns the first process whose PID matches (supplemented
// feature #3).
func (k *Kernel) ProcessInfoByPID(pid uint64) (*ProcessInfo, error) {
	var found *ProcessInfo

	err := k.ProcessAddressListCallback(func(base address.Address) bool {
		info, err := k.processInfoBaseByAddress(base)
		if err != nil {
			return true
		}

		if info.PID == pid {
			found = info

			return false
		}

		return true
	})
	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: pid %d", errs.ErrProcessNotFound, pid))
	}

	return found, nil
}

// ProcessInfoByName returns the first process whose name matches exactly
// (supplemented feature #3).
func (k *Kernel) ProcessInfoByName(name string) (*ProcessInfo, error) {
	var found *ProcessInfo

	err := k.ProcessAddressListCallback(func(base address.Address) bool {
		info, err := k.processInfoBaseByAddress(base)
		if err != nil {
			return true
		}

		if info.Name == name {
			found = info

			return false
		}

		return true
	})
	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: name %q", errs.ErrProcessNotFound, name))
	}

	return found, nil
}

// processInfoBaseByAddress constructs a ProcessInfo from an EPROCESS
// address (§4.6 "Process info construction").
func (k *Kernel) processInfoBaseByAddress(base address.Address) (*ProcessInfo, error) {
	o := k.offsets.Offsets
	sysArch := k.info.OSInfo.Arch
	ptrWidth := sysArch.PointerWidth()
	view := k.view()

	dtb, err := view.ReadPointer(base.Add(uint64(o.EprocDTB)), ptrWidth)
	if err != nil {
		return nil, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("reading EPROCESS.dtb: %w", err))
	}

	pid, err := view.ReadPointer(base.Add(uint64(o.EprocPID)), ptrWidth)
	if err != nil {
		return nil, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("reading EPROCESS.pid: %w", err))
	}

	nameRaw, _ := view.ReadPartial(base.Add(uint64(o.EprocName)), 15)

	name := string(nameRaw)
	if idx := indexByte(nameRaw, 0); idx >= 0 {
		name = string(nameRaw[:idx])
	}

	state := ProcessState{Kind: StateUnknown}

	if exitStatus, err := view.ReadU32(base.Add(uint64(o.EprocExitStatus))); err == nil {
		if exitStatus == stillActive {
			state = ProcessState{Kind: StateAlive}
		} else {
			state = ProcessState{Kind: StateDead, ExitStatus: exitStatus}
		}
	}

	procArch := sysArch

	if sysArch == address.ArchX64 && o.EprocWow64 != 0 {
		wow64, err := view.ReadPointer(base.Add(uint64(o.EprocWow64)), ptrWidth)
		if err == nil && !wow64.IsNull() {
			procArch = address.ArchX86
		}
	}

	info := &ProcessInfo{
		Address:  base,
		PID:      uint64(pid),
		State:    state,
		Name:     name,
		SysArch:  sysArch,
		ProcArch: procArch,
		DTB1:     dtb.Align4K(),
	}

	k.enrich(info)

	return info, nil
}

// enrich implements "Process info enrichment" (§4.6): walk the native
// module list for the full image name, then read ImagePathName and
// CommandLine from ProcessParameters. Any failure here degrades gracefully
// (§7): the base ProcessInfo is returned with empty strings.
func (k *Kernel) enrich(info *ProcessInfo) {
	winfo, err := k.win32ProcessInfoFromBase(info)
	if err != nil {
		return
	}

	if winfo.ModuleInfoNative != nil {
		nativeView := k.processView(info.DTB1, info.SysArch)
		nativeOffsets := k.archOffsets(info.SysArch)

		_ = winstruct.WalkList(nativeView, winfo.ModuleInfoNative.Head, info.SysArch.PointerWidth(), func(entry address.Address) bool {
			baseDllName, err := nativeView.ReadUnicodeString(entry.Add(uint64(nativeOffsets.LdrEntryBaseDllName)), info.SysArch.PointerWidth())
			if err != nil {
				return true
			}

			if len(baseDllName) >= len(info.Name) && baseDllName[:len(info.Name)] == info.Name {
				info.Name = baseDllName

				return false
			}

			return true
		})
	}

	// Prefer the PEB matching proc_arch (the WOW64 32-bit PEB for a WOW64
	// process): that's the one the process itself reads ProcessParameters
	// from.
	peb := winfo.PEBWow64
	if peb == nil {
		peb = winfo.PEBNative
	}

	if peb == nil {
		return
	}

	o := k.archOffsets(info.ProcArch)
	pview := k.processView(info.DTB1, info.ProcArch)

	processParams, err := pview.ReadPointer(peb.Add(uint64(o.PebProcessParams)), info.ProcArch.PointerWidth())
	if err != nil {
		return
	}

	if path, err := pview.ReadUnicodeString(processParams.Add(uint64(o.PpmImagePathName)), info.ProcArch.PointerWidth()); err == nil {
		info.Path = path
	}

	if cmd, err := pview.ReadUnicodeString(processParams.Add(uint64(o.PpmCommandLine)), info.ProcArch.PointerWidth()); err == nil {
		info.CommandLine = cmd
	}
}

// Win32ProcessInfoByAddress builds the extended Win32ProcessInfo for an
// EPROCESS address, exposing the teb/peb/module-list fields that the base
// ProcessInfo omits (§3).
func (k *Kernel) Win32ProcessInfoByAddress(addr address.Address) (*Win32ProcessInfo, error) {
	info, err := k.processInfoBaseByAddress(addr)
	if err != nil {
		return nil, err
	}

	return k.win32ProcessInfoFromBase(info)
}

// win32ProcessInfoFromBase constructs the extended Win32ProcessInfo for an
// EPROCESS address already reduced to a base ProcessInfo (§4.6).
func (k *Kernel) win32ProcessInfoFromBase(base *ProcessInfo) (*Win32ProcessInfo, error) {
	o := k.offsets.Offsets
	ptrWidth := base.SysArch.PointerWidth()
	view := k.view()

	winfo := &Win32ProcessInfo{ProcessInfo: *base}

	if sectionBase, err := view.ReadPointer(base.Address.Add(uint64(o.EprocSectionBase)), ptrWidth); err == nil {
		winfo.SectionBase = sectionBase
	}

	if vadRoot, err := view.ReadPointer(base.Address.Add(uint64(o.EprocVadRoot)), ptrWidth); err == nil {
		winfo.VadRoot = vadRoot
	}

	if o.EprocWow64 != 0 {
		if wow64, err := view.ReadPointer(base.Address.Add(uint64(o.EprocWow64)), ptrWidth); err == nil {
			winfo.Wow64 = wow64
		}
	}

	if threadListHead, err := view.ReadPointer(base.Address.Add(uint64(o.EprocThreadList)), ptrWidth); err == nil && !threadListHead.IsNull() {
		winfo.Ethread = threadListHead.Sub(uint64(o.EthreadListEntry))
	}

	if pebNative, err := view.ReadPointer(base.Address.Add(uint64(o.EprocPEB)), ptrWidth); err == nil && !pebNative.IsNull() {
		winfo.PEBNative = &pebNative

		nativeOffsets := k.archOffsets(base.SysArch)
		ldr, err := view.ReadPointer(pebNative.Add(uint64(nativeOffsets.PebLdr)), ptrWidth)

		if err == nil && !ldr.IsNull() {
			head := ldr.Add(uint64(nativeOffsets.LdrInLoadOrderModuleList))
			winfo.ModuleInfoNative = &ModuleListInfo{Head: head, Arch: base.SysArch}
		}
	}

	if !k.info.KernelWinver.Less(teb62) && !winfo.Ethread.IsNull() {
		teb, err := view.ReadPointer(winfo.Ethread.Add(uint64(o.KthreadTeb)), ptrWidth)
		if err == nil && !teb.IsNull() {
			winfo.TEB = &teb

			if base.ProcArch != base.SysArch {
				tebWow64 := teb.Add(wow64TEBOffset)
				winfo.TEBWow64 = &tebWow64

				wow64Offsets := k.archOffsets(base.ProcArch)
				pview := k.processView(base.DTB1, base.ProcArch)

				pebWow64, err := pview.ReadPointer(tebWow64.Add(uint64(o.TebPebX86)), base.ProcArch.PointerWidth())
				if err == nil && !pebWow64.IsNull() {
					winfo.PEBWow64 = &pebWow64

					ldr, err := pview.ReadPointer(pebWow64.Add(uint64(wow64Offsets.PebLdr)), base.ProcArch.PointerWidth())
					if err == nil && !ldr.IsNull() {
						head := ldr.Add(uint64(wow64Offsets.LdrInLoadOrderModuleList))
						winfo.ModuleInfoWow64 = &ModuleListInfo{Head: head, Arch: base.ProcArch}
					}
				}
			}
		}
	}

	return winfo, nil
}

// archOffsets selects the native or WOW64 ArchOffsets record by arch.
func (k *Kernel) archOffsets(arch address.Arch) offsets.ArchOffsets {
	if arch != k.info.OSInfo.Arch && k.wow64Offsets != nil {
		return *k.wow64Offsets
	}

	return k.offsets.ArchOffsets
}

// ArchOffsets exposes the native-or-WOW64 ArchOffsets dispatch for a
// caller (the keyboard locator) that builds its own process.Process rather
// than going through Win32ProcessInfoByAddress.
func (k *Kernel) ArchOffsets(arch address.Arch) offsets.ArchOffsets {
	return k.archOffsets(arch)
}

// Connector returns the connector the Kernel was built over, so a caller
// can construct a process.Process sharing it (§5 "per-process views...
// borrow {connector, vat} from the Kernel").
func (k *Kernel) Connector() connector.Connector {
	return k.conn
}

// Logger returns the Kernel's logger, possibly nil.
func (k *Kernel) Logger() *logrus.Entry {
	return k.log
}

// moduleListHeadOf locates PsLoadedModuleList via PE export over ntoskrnl's
// mapped bytes, memoizing on first use (§4.6 "Kernel module list").
func (k *Kernel) moduleListHeadOf() (address.Address, error) {
	if k.moduleListResolved {
		return k.moduleListHead, nil
	}

	img, err := k.view().ReadPartial(k.info.OSInfo.Base, int(k.info.OSInfo.Size))
	if len(img) == 0 {
		return 0, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("reading kernel image: %w", err))
	}

	exp, err := winstruct.ExportByName(img, "PsLoadedModuleList")
	if err != nil {
		return 0, err
	}

	if exp.Kind == winstruct.ExportForward {
		return 0, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: PsLoadedModuleList is forwarded", errs.ErrExportNotFound))
	}

	exportVA := k.info.OSInfo.Base.Add(uint64(exp.Offset))

	head, err := k.view().ReadPointer(exportVA, k.info.OSInfo.Arch.PointerWidth())
	if err != nil {
		return 0, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("dereferencing PsLoadedModuleList: %w", err))
	}

	k.moduleListHead = head
	k.moduleListResolved = true

	return head, nil
}

// PrimaryModuleBase returns ntoskrnl.exe's own base address and size,
// looked up through the kernel module list (§4.6 "Primary module").
func (k *Kernel) PrimaryModuleBase() (address.Address, uint64, error) {
	head, err := k.moduleListHeadOf()
	if err != nil {
		return 0, 0, err
	}

	o := k.offsets.ArchOffsets
	ptrWidth := k.info.OSInfo.Arch.PointerWidth()
	view := k.view()

	var base address.Address

	var size uint64

	walkErr := winstruct.WalkList(view, head, ptrWidth, func(entry address.Address) bool {
		name, err := view.ReadUnicodeString(entry.Add(uint64(o.LdrEntryBaseDllName)), ptrWidth)
		if err != nil || name != "ntoskrnl.exe" {
			return true
		}

		b, err := view.ReadPointer(entry.Add(uint64(o.LdrEntryDllBase)), ptrWidth)
		if err != nil {
			return true
		}

		sz, err := view.ReadU32(entry.Add(uint64(o.LdrEntrySizeOfImage)))
		if err != nil {
			return true
		}

		base, size = b, uint64(sz)

		return false
	})
	if walkErr != nil {
		return 0, 0, walkErr
	}

	if base.IsNull() {
		return 0, 0, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: ntoskrnl.exe", errs.ErrModuleNotFound))
	}

	return base, size, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}

	return -1
}
