// Package keyboard locates and reads/writes the Windows async key-state
// bitmap inside a target kernel, branching between the Win10 and Win11
// internal layouts (C10).
package keyboard

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/krakenmem/wincore/address"
	"github.com/krakenmem/wincore/errs"
	"github.com/krakenmem/wincore/kernel"
	"github.com/krakenmem/wincore/offsets"
	"github.com/krakenmem/wincore/process"
	"github.com/krakenmem/wincore/sigscan"
	"github.com/krakenmem/wincore/winstruct"
)

// stateSize is the async key-state bitmap's size: 256 virtual-key codes,
// 2 bits each, 8 bits per byte (§4.10).
const stateSize = 256 * 2 / 8

// proxyProcessNames is the ordered list of candidate user processes the
// locator tries, stopping at the first whose resolution succeeds (§4.10).
var proxyProcessNames = []string{"winlogon.exe", "explorer.exe", "taskhostw.exe", "smartscreen.exe", "dwm.exe"}

// win11_22621 / win11_22632 are the version thresholds selecting the Win11
// branch and its 24H2 sub-branch (§4.10).
var (
	win11_22621 = offsets.New(10, 0, 22621)
	win11_22632 = offsets.New(10, 0, 22632)
)

var (
	win10Pattern      = mustCompile("48 8B 05 ?? ?? ?? ?? 48 89 81 ?? ?? 00 00 48 8B 8F")
	win11_24H2Pattern = mustCompile("48 8B 05 ?? ?? ?? ?? FF C9")
	win11_23H2Pattern = mustCompile("48 8B 05 ?? ?? ?? ?? 48 8B 04 C8")
	keystatePattern   = mustCompile("B9 00 80 FF FF ?? 22 B4 ?? ?? ?? ?? ?? 41")
)

func mustCompile(pattern string) *sigscan.Pattern {
	p, err := sigscan.Compile(pattern)
	if err != nil {
		panic(err) // unreachable unless one of the literal patterns above is malformed
	}

	return p
}

// State wraps the 64-byte async key-state array of one process, read and
// written through that process's view (§4.10 "State I/O").
type State struct {
	proc *process.Process
	addr address.Address
}

// NewStateForTest builds a State directly from an already-resolved address,
// bypassing Locate's module/pattern search — exported for package tests
// that exercise the bit-I/O math against a synthetic process fixture.
func NewStateForTest(proc *process.Process, addr address.Address) *State {
	return &State{proc: proc, addr: addr}
}

// bitPosition implements §4.10's down_byte/down_bit formulas.
func bitPosition(vk VK) (byteIdx int, bit byte) {
	v := uint32(vk)

	return int(v * 2 / 8), byte(1 << ((v % 4) * 2))
}

// IsDown reports whether vk is currently held down. Out-of-range vk
// (>= VK_NONE) returns false, never an error (§4.10).
func (s *State) IsDown(vk VK) bool {
	if vk >= VK_NONE {
		return false
	}

	raw, err := s.proc.View().ReadFull(s.addr, stateSize)
	if err != nil {
		return false
	}

	byteIdx, bit := bitPosition(vk)

	return raw[byteIdx]&bit != 0
}

// SetDown sets or clears vk's bit and writes the modified 64 bytes back.
// Out-of-range vk is a no-op (§4.10).
func (s *State) SetDown(vk VK, down bool) error {
	if vk >= VK_NONE {
		return nil
	}

	raw, err := s.proc.View().ReadFull(s.addr, stateSize)
	if err != nil {
		return err
	}

	byteIdx, bit := bitPosition(vk)

	if down {
		raw[byteIdx] |= bit
	} else {
		raw[byteIdx] &^= bit
	}

	return s.proc.View().Write(s.addr, raw)
}

// DownKeys returns every vk currently held down (supplemented feature #5).
func (s *State) DownKeys() []VK {
	raw, err := s.proc.View().ReadFull(s.addr, stateSize)
	if err != nil {
		return nil
	}

	var down []VK

	for vk := VK(0); vk < VK_NONE; vk++ {
		byteIdx, bit := bitPosition(vk)
		if raw[byteIdx]&bit != 0 {
			down = append(down, vk)
		}
	}

	return down
}

// Locate tries each proxy process in turn, stopping at the first whose
// module/pattern resolution succeeds (§4.10 "Entry point").
func Locate(k *kernel.Kernel, log *logrus.Entry) (*State, error) {
	for _, name := range proxyProcessNames {
		base, err := k.ProcessInfoByName(name)
		if err != nil {
			continue
		}

		winfo, err := k.Win32ProcessInfoByAddress(base.Address)
		if err != nil {
			continue
		}

		proc := process.New(k.Connector(), *winfo, k.ArchOffsets(winfo.SysArch), wow64OffsetsFor(k, winfo), log)

		addr, err := locateInProcess(k, proc, winfo)
		if err != nil {
			continue
		}

		return &State{proc: proc, addr: addr}, nil
	}

	return nil, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: no proxy process yielded a keyboard state", errs.ErrNotFound))
}

func wow64OffsetsFor(k *kernel.Kernel, winfo *kernel.Win32ProcessInfo) *offsets.ArchOffsets {
	if winfo.ProcArch == winfo.SysArch {
		return nil
	}

	o := k.ArchOffsets(winfo.ProcArch)

	return &o
}

func locateInProcess(k *kernel.Kernel, proc *process.Process, winfo *kernel.Win32ProcessInfo) (address.Address, error) {
	winver := k.KernelInfo().KernelWinver

	if winver.Less(win11_22621) {
		return locateWin10(proc, winfo)
	}

	return locateWin11(proc, winfo, winver)
}

// locateWin10 implements the winver < (10,0,22621) branch (§4.10).
func locateWin10(proc *process.Process, winfo *kernel.Win32ProcessInfo) (address.Address, error) {
	mod, img, err := findModule(proc, winfo, "win32kbase.sys")
	if err != nil {
		return 0, err
	}

	if exp, expErr := winstruct.ExportByName(img, "gafAsyncKeyState"); expErr == nil && exp.Kind == winstruct.ExportSymbol {
		return mod.Base.Add(uint64(exp.Offset)), nil
	}

	m, err := win10Pattern.Find(img)
	if err != nil {
		return 0, err
	}

	target, err := sigscan.ResolveRIPRelative(img, m, 3)
	if err != nil {
		return 0, err
	}

	return mod.Base.Add(uint64(target)), nil
}

// locateWin11 implements the winver >= (10,0,22621) branch (§4.10).
func locateWin11(proc *process.Process, winfo *kernel.Win32ProcessInfo, winver offsets.Win32Version) (address.Address, error) {
	var (
		moduleName       string
		pattern          *sigscan.Pattern
		gslotsFallback   uint32
		keystateFallback uint32
	)

	if !winver.Less(win11_22632) {
		moduleName, pattern, gslotsFallback, keystateFallback = "win32k.sys", win11_24H2Pattern, 0x824F0, 0x3808
	} else {
		moduleName, pattern, gslotsFallback, keystateFallback = "win32ksgd.sys", win11_23H2Pattern, 0x3110, 0x36A8
	}

	mod, img, err := findModule(proc, winfo, moduleName)
	if err != nil {
		return 0, err
	}

	gslotsOffset := gslotsFallback
	if m, findErr := pattern.Find(img); findErr == nil {
		if target, resolveErr := sigscan.ResolveRIPRelative(img, m, 3); resolveErr == nil {
			gslotsOffset = uint32(target)
		}
	}

	keystateOffset := keystateFallback

	if _, kbImg, kbErr := findModule(proc, winfo, "win32kbase.sys"); kbErr == nil {
		if m, findErr := keystatePattern.Find(kbImg); findErr == nil {
			if val, scanErr := sigscan.ScanVal32(kbImg, m, 9); scanErr == nil {
				keystateOffset = val
			}
		}
	}

	gslotsVA := mod.Base.Add(uint64(gslotsOffset))
	ptrWidth := winfo.ProcArch.PointerWidth()

	addr := gslotsVA
	for i := 0; i < 3; i++ {
		next, derefErr := proc.View().ReadPointer(addr, ptrWidth)
		if derefErr != nil {
			return 0, derefErr
		}

		addr = next
	}

	return addr.Add(uint64(keystateOffset)), nil
}

// findModule looks name up across a process's native and WOW64 module
// lists and returns its ModuleInfo plus mapped image bytes.
func findModule(proc *process.Process, winfo *kernel.Win32ProcessInfo, name string) (process.ModuleInfo, []byte, error) {
	for _, list := range []*kernel.ModuleListInfo{winfo.ModuleInfoNative, winfo.ModuleInfoWow64} {
		if list == nil {
			continue
		}

		mods, err := proc.ModuleList(list)
		if err != nil {
			continue
		}

		for _, m := range mods {
			if !equalFoldASCII(m.Name, name) {
				continue
			}

			img, err := proc.ReadModuleImage(m)
			if err != nil {
				return process.ModuleInfo{}, nil, err
			}

			return m, img, nil
		}
	}

	return process.ModuleInfo{}, nil, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: %s", errs.ErrModuleNotFound, name))
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]

		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}

		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}

		if ca != cb {
			return false
		}
	}

	return true
}
