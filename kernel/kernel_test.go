package kernel_test

import (
	"encoding/binary"
	"testing"

	"github.com/krakenmem/wincore/address"
	"github.com/krakenmem/wincore/connector"
	"github.com/krakenmem/wincore/errs"
	"github.com/krakenmem/wincore/kernel"
	"github.com/krakenmem/wincore/offsets"
	"github.com/krakenmem/wincore/vat"
)

// identityConnector is a flat buffer identity-mapped for the first 2 MiB via
// a single x64 PML4->PDPT->PD large-page chain, so test fixtures can place
// kernel structs at a VA equal to their buffer offset.
type identityConnector struct {
	buf []byte
}

func newIdentityConnector(size int) *identityConnector {
	c := &identityConnector{buf: make([]byte, size)}

	const (
		pml4Phys = 0x0000
		pdptPhys = 0x1000
		pdPhys   = 0x2000
	)

	binary.LittleEndian.PutUint64(c.buf[pml4Phys:], pdptPhys|1|2)
	binary.LittleEndian.PutUint64(c.buf[pdptPhys:], pdPhys|1|2)
	binary.LittleEndian.PutUint64(c.buf[pdPhys:], 0|1|2|(1<<7))

	return c
}

func (c *identityConnector) PhysReadRawIter(reqs []connector.Read) []connector.Failure {
	var fails []connector.Failure

	for i, r := range reqs {
		if int(r.Addr)+len(r.Buf) > len(c.buf) {
			fails = append(fails, connector.Failure{Index: i, Err: errs.ErrOutOfBounds})

			continue
		}

		copy(r.Buf, c.buf[r.Addr:int(r.Addr)+len(r.Buf)])
	}

	return fails
}

func (c *identityConnector) PhysWriteRawIter(reqs []connector.Write) []connector.Failure {
	var fails []connector.Failure

	for i, w := range reqs {
		if int(w.Addr)+len(w.Buf) > len(c.buf) {
			fails = append(fails, connector.Failure{Index: i, Err: errs.ErrOutOfBounds})

			continue
		}

		copy(c.buf[w.Addr:int(w.Addr)+len(w.Buf)], w.Buf)
	}

	return fails
}

func (c *identityConnector) Metadata() connector.Metadata {
	return connector.Metadata{MaxAddress: uint64(len(c.buf))}
}

func (c *identityConnector) SetMemMap(ranges []connector.Range) {}

// testOffsets lays out a minimal synthetic EPROCESS: LIST_ENTRY at +0x10,
// 15-byte name at +0x20, pid/dtb/peb/threadlist/section/vad pointers each
// 8 bytes, exit status u32 at +0x58.
func testOffsets() offsets.Offsets {
	return offsets.Offsets{
		EprocLink:        0x10,
		EprocName:        0x20,
		EprocPID:         0x30,
		EprocDTB:         0x38,
		EprocPEB:         0x40,
		EprocWow64:       0, // no WOW64 field on this synthetic kernel
		EprocThreadList:  0x48,
		EprocSectionBase: 0x50,
		EprocExitStatus:  0x58,
		EprocVadRoot:     0x60,
		EthreadListEntry: 0,
		KthreadTeb:       0,
	}
}

const (
	procStride = 0x100
	eprocBase0 = 0x4000 // the synthetic list head "EPROCESS"
	eprocBase1 = 0x4100
	eprocBase2 = 0x4200
)

func putEntry(buf []byte, base uint64, flinkTo, blinkFrom uint64, pid uint64, name string, exitStatus uint32) {
	linkOff := base + 0x10
	binary.LittleEndian.PutUint64(buf[linkOff:], flinkTo+0x10)
	binary.LittleEndian.PutUint64(buf[linkOff+8:], blinkFrom+0x10)
	copy(buf[base+0x20:base+0x20+15], name)
	binary.LittleEndian.PutUint64(buf[base+0x30:], pid)
	binary.LittleEndian.PutUint32(buf[base+0x58:], exitStatus)
}

func buildProcessList(buf []byte) {
	// head (not a real EPROCESS, just a LIST_ENTRY anchor) -> p1 -> p2 -> head
	putEntry(buf, eprocBase0-0x10, eprocBase1, eprocBase2, 0, "", 0)
	putEntry(buf, eprocBase1, eprocBase2, eprocBase0-0x10, 111, "proc1.exe", 0x103)
	putEntry(buf, eprocBase2, eprocBase0-0x10, eprocBase1, 222, "proc2.exe", 0xC0000005)
}

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()

	conn := newIdentityConnector(0x10000)
	buildProcessList(conn.buf)

	tr := vat.New(conn, address.ArchX64, address.Address(0), nil)

	entry := offsets.Entry{
		Key:     offsets.Key{Arch: address.ArchX64, Version: offsets.FromMajorMinor(5, 1)},
		Offsets: testOffsets(),
	}

	info := kernel.Info{
		OSInfo:       kernel.OSInfo{Base: 0x8000, Size: 0x1000, Arch: address.ArchX64},
		EprocessBase: address.Address(eprocBase0 - 0x10),
		KernelWinver: offsets.FromMajorMinor(5, 1),
	}

	k, err := kernel.NewBuilder(conn, tr, entry, info).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	return k
}

func TestProcessInfoListWalksAllEntries(t *testing.T) {
	k := newTestKernel(t)

	procs, err := k.ProcessInfoList()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(procs) != 2 {
		t.Fatalf("got %d processes, want 2", len(procs))
	}

	if procs[0].Name != "proc1.exe" || procs[0].PID != 111 {
		t.Fatalf("got %+v", procs[0])
	}

	if procs[1].Name != "proc2.exe" || procs[1].PID != 222 {
		t.Fatalf("got %+v", procs[1])
	}

	if procs[0].State.Kind != kernel.StateAlive {
		t.Fatalf("proc1 should be alive (STILL_ACTIVE), got %+v", procs[0].State)
	}

	if procs[1].State.Kind != kernel.StateDead || procs[1].State.ExitStatus != 0xC0000005 {
		t.Fatalf("proc2 should be dead with exit 0xC0000005, got %+v", procs[1].State)
	}
}

func TestProcessInfoByPID(t *testing.T) {
	k := newTestKernel(t)

	info, err := k.ProcessInfoByPID(222)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if info.Name != "proc2.exe" {
		t.Fatalf("got %q, want proc2.exe", info.Name)
	}

	if _, err := k.ProcessInfoByPID(999); !errs.Is(err, errs.ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound, got %v", err)
	}
}

func TestProcessInfoByName(t *testing.T) {
	k := newTestKernel(t)

	info, err := k.ProcessInfoByName("proc1.exe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if info.PID != 111 {
		t.Fatalf("got pid %d, want 111", info.PID)
	}
}

func TestKernelInfoReflectsDTBFixup(t *testing.T) {
	k := newTestKernel(t)

	// No DTB was stored at eprocBase0-0x10+EprocDTB, so it reads as null and
	// the bootstrap DTB (0) is left untouched.
	if got := k.KernelInfo().DTB; got != 0 {
		t.Fatalf("got DTB 0x%x, want 0", got)
	}
}
