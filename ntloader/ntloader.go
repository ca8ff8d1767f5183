// Package ntloader locates ntoskrnl.exe in an unknown virtual address space
// and recovers the size of its image (C4). It assumes the caller has already
// configured the view's translator with a candidate DTB — recovering that
// DTB from the Low Stub or the Idle process's KPROCESS.DirectoryTableBase is
// architecture-specific machinery outside this component's scope (§4.4).
package ntloader

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/krakenmem/wincore/address"
	"github.com/krakenmem/wincore/errs"
	"github.com/krakenmem/wincore/vmem"
	"github.com/krakenmem/wincore/winstruct"
)

const (
	ntoskrnlExportName = "ntoskrnl.exe"
	pageSize4K         = 0x1000

	// x86: scan the first 256 MiB above the 2 GiB mark in 8 MiB windows
	// (§4.4; mirrors the reference x86 kernel-find algorithm).
	x86ScanBase   = address.Address(0x80000000)
	x86ScanTotal  = 256 * 1024 * 1024
	x86ScanWindow = 8 * 1024 * 1024

	// x64: the analogous scan over the high canonical kernel range. Windows
	// x64 kernel bases have historically landed within a few hundred MiB of
	// 0xFFFFF80000000000; §4.4 leaves the exact window "appropriate" and
	// architecture-specific, so this mirrors the x86 windowing at the
	// canonical high base.
	x64ScanBase   = address.Address(0xFFFFF80000000000)
	x64ScanTotal  = 256 * 1024 * 1024
	x64ScanWindow = 8 * 1024 * 1024
)

// StartBlock is the bootstrap triple recovered from physical RAM (§3):
// architecture, a directory-table base good enough to read the kernel, and
// an optional hint narrowing the search.
type StartBlock struct {
	Arch       address.Arch
	DTB        address.Address
	KernelHint address.Address
}

// FindKernel scans view (whose translator must already carry a working DTB)
// for ntoskrnl.exe and returns its base and SizeOfImage.
func FindKernel(view *vmem.View, arch address.Arch, log *logrus.Entry) (address.Address, uint64, error) {
	switch arch {
	case address.ArchX86, address.ArchX86PAE:
		return scanWindows(view, x86ScanBase, x86ScanTotal, x86ScanWindow, log)
	case address.ArchX64:
		return scanWindows(view, x64ScanBase, x64ScanTotal, x64ScanWindow, log)
	default:
		return 0, 0, errs.Wrap(errs.OriginOsLayer, errs.ErrInvalidArchitecture)
	}
}

func scanWindows(view *vmem.View, base address.Address, total, window uint64, log *logrus.Entry) (address.Address, uint64, error) {
	for off := uint64(0); off < total; off += window {
		winBase := base.Add(off)

		buf, _ := view.ReadPartial(winBase, int(window))
		if len(buf) == 0 {
			continue
		}

		for page := 0; page+0x40 <= len(buf); page += pageSize4K {
			if _, ok := winstruct.VerifyDOSHeader(buf[page:]); !ok {
				continue
			}

			candidate := winBase.Add(uint64(page))

			name, err := winstruct.ModuleExportName(buf[page:])
			if err != nil || name != ntoskrnlExportName {
				continue
			}

			size, err := winstruct.SizeOfImage(buf[page:])
			if err != nil {
				continue
			}

			if log != nil {
				log.WithFields(logrus.Fields{"base": fmt.Sprintf("0x%x", uint64(candidate)), "size": size}).Info("ntloader: found ntoskrnl.exe")
			}

			return candidate, uint64(size), nil
		}
	}

	return 0, 0, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: ntoskrnl.exe not located", errs.ErrProcessNotFound))
}
