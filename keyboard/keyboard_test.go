package keyboard_test

import (
	"encoding/binary"
	"testing"

	"github.com/krakenmem/wincore/address"
	"github.com/krakenmem/wincore/connector"
	"github.com/krakenmem/wincore/errs"
	"github.com/krakenmem/wincore/keyboard"
	"github.com/krakenmem/wincore/kernel"
	"github.com/krakenmem/wincore/offsets"
	"github.com/krakenmem/wincore/process"
)

// identityConnector is a flat buffer identity-mapped for its first 2 MiB via
// a single x64 PML4->PDPT->PD large-page chain (mirrors process_test.go's
// fixture).
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

func newTestState(t *testing.T) *keyboard.State {
	t.Helper()

	conn := newIdentityConnector(0x10000)

	info := kernel.Win32ProcessInfo{
		ProcessInfo: kernel.ProcessInfo{
			SysArch:  address.ArchX64,
			ProcArch: address.ArchX64,
			DTB1:     address.Address(0),
		},
	}

	proc := process.New(conn, info, offsets.ArchOffsets{}, nil, nil)

	return keyboard.NewStateForTest(proc, address.Address(0x5000))
}

func TestKeyboardBitMathRoundTrip(t *testing.T) {
	s := newTestState(t)

	for vk := keyboard.VK(0); vk < keyboard.VK_NONE; vk++ {
		if s.IsDown(vk) {
			t.Fatalf("vk %d should start up", vk)
		}

		if err := s.SetDown(vk, true); err != nil {
			t.Fatalf("SetDown(%d, true): %v", vk, err)
		}

		if !s.IsDown(vk) {
			t.Fatalf("vk %d should be down after SetDown(true)", vk)
		}

		if err := s.SetDown(vk, false); err != nil {
			t.Fatalf("SetDown(%d, false): %v", vk, err)
		}

		if s.IsDown(vk) {
			t.Fatalf("vk %d should be up after SetDown(false)", vk)
		}
	}
}

func TestKeyboardSetDownLeavesOtherBitsUnchanged(t *testing.T) {
	s := newTestState(t)

	if err := s.SetDown(keyboard.VK_A, true); err != nil {
		t.Fatalf("SetDown: %v", err)
	}

	if err := s.SetDown(keyboard.VK_SPACE, true); err != nil {
		t.Fatalf("SetDown: %v", err)
	}

	if err := s.SetDown(keyboard.VK_A, false); err != nil {
		t.Fatalf("SetDown: %v", err)
	}

	if s.IsDown(keyboard.VK_A) {
		t.Fatalf("VK_A should be up")
	}

	if !s.IsDown(keyboard.VK_SPACE) {
		t.Fatalf("VK_SPACE should remain down")
	}

	down := s.DownKeys()
	if len(down) != 1 || down[0] != keyboard.VK_SPACE {
		t.Fatalf("got %+v, want only VK_SPACE", down)
	}
}

func TestKeyboardOutOfRangeIsNoop(t *testing.T) {
	s := newTestState(t)

	if s.IsDown(keyboard.VK_NONE) {
		t.Fatalf("VK_NONE should never read as down")
	}

	if err := s.SetDown(keyboard.VK_NONE, true); err != nil {
		t.Fatalf("SetDown(VK_NONE) should be a no-op, got error: %v", err)
	}

	if s.IsDown(keyboard.VK_NONE) {
		t.Fatalf("VK_NONE should still read as down==false after a no-op SetDown")
	}
}
