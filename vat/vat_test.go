package vat_test

import (
	"encoding/binary"
	"testing"

	"github.com/krakenmem/wincore/address"
	"github.com/krakenmem/wincore/connector"
	"github.com/krakenmem/wincore/errs"
	"github.com/krakenmem/wincore/vat"
)

// flatConnector is a Connector backed by a single flat byte slice, used to
// exercise the translator without any real hardware or OS.
type flatConnector struct {
	buf []byte
}

func newFlatConnector(size int) *flatConnector {
	return &flatConnector{buf: make([]byte, size)}
}

func (f *flatConnector) PhysReadRawIter(reqs []connector.Read) []connector.Failure {
	var fails []connector.Failure

	for i, r := range reqs {
		if int(r.Addr)+len(r.Buf) > len(f.buf) {
			fails = append(fails, connector.Failure{Index: i, Err: errs.ErrOutOfBounds})

			continue
		}

		copy(r.Buf, f.buf[r.Addr:int(r.Addr)+len(r.Buf)])
	}

	return fails
}

func (f *flatConnector) PhysWriteRawIter(reqs []connector.Write) []connector.Failure {
	var fails []connector.Failure

	for i, w := range reqs {
		if int(w.Addr)+len(w.Buf) > len(f.buf) {
			fails = append(fails, connector.Failure{Index: i, Err: errs.ErrOutOfBounds})

			continue
		}

		copy(f.buf[w.Addr:int(w.Addr)+len(w.Buf)], w.Buf)
	}

	return fails
}

func (f *flatConnector) Metadata() connector.Metadata {
	return connector.Metadata{MaxAddress: uint64(len(f.buf))}
}

func (f *flatConnector) SetMemMap(ranges []connector.Range) {}

const (
	pteBitPresent  = 1 << 0
	pteBitWritable = 1 << 1
	pteBitLarge    = 1 << 7
)

// buildX64TwoMBMapping writes a minimal PML4 -> PDPT -> PD (large, 2 MiB)
// chain that maps va's containing 2 MiB window onto physBase.
func buildX64TwoMBMapping(buf []byte, dtb, va, physBase uint64) {
	const (
		pml4Phys = 0x0000
		pdptPhys = 0x1000
		pdPhys   = 0x2000
	)

	pml4Idx := (va >> 39) & 0x1FF
	pdptIdx := (va >> 30) & 0x1FF
	pdIdx := (va >> 21) & 0x1FF

	binary.LittleEndian.PutUint64(buf[dtb+pml4Idx*8:], pdptPhys|pteBitPresent|pteBitWritable)
	binary.LittleEndian.PutUint64(buf[pdptPhys+pdptIdx*8:], pdPhys|pteBitPresent|pteBitWritable)
	binary.LittleEndian.PutUint64(buf[pdPhys+pdIdx*8:], physBase|pteBitPresent|pteBitWritable|pteBitLarge)
}

func TestTranslateRoundTrip(t *testing.T) {
	conn := newFlatConnector(3 * 1024 * 1024)

	const (
		dtb      = 0x0000
		va       = 0x00007F0000000100
		physBase = 0x200000 // 2 MiB aligned
	)

	buildX64TwoMBMapping(conn.buf, dtb, va, physBase)

	payload := []byte("HELLOWORLD")
	copy(conn.buf[physBase+0x100:], payload)

	tr := vat.New(conn, address.ArchX64, address.Address(dtb), nil)

	segs, fails := tr.Translate([]vat.Request{{VA: address.Address(va), Len: uint64(len(payload))}})
	if len(fails) != 0 {
		t.Fatalf("unexpected failures: %v", fails)
	}

	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}

	if segs[0].PA != address.Address(physBase+0x100) {
		t.Fatalf("got PA 0x%x, want 0x%x", segs[0].PA, physBase+0x100)
	}

	got := make([]byte, len(payload))
	if fails := conn.PhysReadRawIter([]connector.Read{{Addr: uint64(segs[0].PA), Buf: got}}); len(fails) != 0 {
		t.Fatalf("read back failed: %v", fails)
	}

	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestTranslateNotPresent(t *testing.T) {
	conn := newFlatConnector(3 * 1024 * 1024)

	const dtb = 0x0000

	tr := vat.New(conn, address.ArchX64, address.Address(dtb), nil)

	_, fails := tr.Translate([]vat.Request{{VA: 0x7F0000000100, Len: 8}})
	if len(fails) != 1 {
		t.Fatalf("expected one failure for an unmapped address, got %d", len(fails))
	}
}

func TestTranslateCachePersistsAcrossCalls(t *testing.T) {
	conn := newFlatConnector(3 * 1024 * 1024)

	const (
		dtb      = 0x0000
		va       = 0x00007F0000000100
		physBase = 0x200000
	)

	buildX64TwoMBMapping(conn.buf, dtb, va, physBase)

	tr := vat.New(conn, address.ArchX64, address.Address(dtb), nil)

	segs1, _ := tr.Translate([]vat.Request{{VA: address.Address(va), Len: 4}})

	// Corrupt the page tables; a cached translation must still resolve.
	binary.LittleEndian.PutUint64(conn.buf[0x2000:], 0)

	segs2, fails := tr.Translate([]vat.Request{{VA: address.Address(va), Len: 4}})
	if len(fails) != 0 {
		t.Fatalf("expected cached hit despite corrupted tables, got failures: %v", fails)
	}

	if segs1[0].PA != segs2[0].PA {
		t.Fatalf("cached PA changed: %v vs %v", segs1[0].PA, segs2[0].PA)
	}
}
