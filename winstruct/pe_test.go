package winstruct_test

import (
	"encoding/binary"
	"testing"

	"github.com/krakenmem/wincore/winstruct"
)

// buildPE64 constructs a minimal, synthetic PE32+ image in a flat buffer
// (RVA == buffer offset, as if read straight out of a live process's mapped
// virtual memory) with one export directory listing "Foo" (a real symbol)
// and "Bar" (forwarded to "ntdll.Baz"), and a self-name of "test.sys".
func buildPE64(t *testing.T) []byte {
	t.Helper()

	const imageSize = 0x3000

	img := make([]byte, imageSize)

	binary.LittleEndian.PutUint16(img[0:2], 0x5A4D) // MZ
	binary.LittleEndian.PutUint32(img[0x3C:0x40], 0x80)

	ntOff := 0x80
	binary.LittleEndian.PutUint32(img[ntOff:ntOff+4], 0x00004550) // PE\0\0

	optOff := ntOff + 4 + 20
	binary.LittleEndian.PutUint16(img[optOff:optOff+2], 0x20B) // PE32+
	binary.LittleEndian.PutUint32(img[optOff+56:optOff+60], imageSize)

	ddStart := optOff + 112
	exportDirRVA := uint32(0x1000)
	exportDirSize := uint32(0x400) // covers the forwarder string at 0x1300
	binary.LittleEndian.PutUint32(img[ddStart:ddStart+4], exportDirRVA)
	binary.LittleEndian.PutUint32(img[ddStart+4:ddStart+8], exportDirSize)

	// export directory at 0x1000
	ed := exportDirRVA
	nameRVA := uint32(0x1100)
	addrFunctions := uint32(0x1120)
	addrNames := uint32(0x1140)
	addrOrdinals := uint32(0x1160)

	binary.LittleEndian.PutUint32(img[ed+8:ed+12], nameRVA) // Name
	binary.LittleEndian.PutUint32(img[ed+24:ed+28], 2)      // NumberOfNames
	binary.LittleEndian.PutUint32(img[ed+28:ed+32], addrFunctions)
	binary.LittleEndian.PutUint32(img[ed+32:ed+36], addrNames)
	binary.LittleEndian.PutUint32(img[ed+36:ed+40], addrOrdinals)

	copy(img[nameRVA:], "test.sys\x00")

	fooNameRVA := uint32(0x1200)
	barNameRVA := uint32(0x1210)
	copy(img[fooNameRVA:], "Foo\x00")
	copy(img[barNameRVA:], "Bar\x00")

	binary.LittleEndian.PutUint32(img[addrNames:addrNames+4], fooNameRVA)
	binary.LittleEndian.PutUint32(img[addrNames+4:addrNames+8], barNameRVA)

	binary.LittleEndian.PutUint16(img[addrOrdinals:addrOrdinals+2], 0)   // Foo -> ordinal 0
	binary.LittleEndian.PutUint16(img[addrOrdinals+2:addrOrdinals+4], 1) // Bar -> ordinal 1

	fooOffset := uint32(0x5000)
	forwardRVA := uint32(0x1300)
	copy(img[forwardRVA:], "ntdll.Baz\x00")

	binary.LittleEndian.PutUint32(img[addrFunctions:addrFunctions+4], fooOffset) // ordinal 0 -> Foo
	binary.LittleEndian.PutUint32(img[addrFunctions+4:addrFunctions+8], forwardRVA)

	return img
}

func TestVerifyDOSHeader(t *testing.T) {
	img := buildPE64(t)

	lfanew, ok := winstruct.VerifyDOSHeader(img)
	if !ok || lfanew != 0x80 {
		t.Fatalf("got (%d, %v), want (0x80, true)", lfanew, ok)
	}
}

func TestSizeOfImage(t *testing.T) {
	img := buildPE64(t)

	size, err := winstruct.SizeOfImage(img)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if size != 0x3000 {
		t.Fatalf("got 0x%x, want 0x3000", size)
	}
}

func TestModuleExportName(t *testing.T) {
	img := buildPE64(t)

	name, err := winstruct.ModuleExportName(img)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if name != "test.sys" {
		t.Fatalf("got %q, want %q", name, "test.sys")
	}
}

func TestExportByNameSymbol(t *testing.T) {
	img := buildPE64(t)

	exp, err := winstruct.ExportByName(img, "Foo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if exp.Kind != winstruct.ExportSymbol || exp.Offset != 0x5000 {
		t.Fatalf("got %+v, want symbol at 0x5000", exp)
	}
}

func TestExportByNameForward(t *testing.T) {
	img := buildPE64(t)

	exp, err := winstruct.ExportByName(img, "Bar")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if exp.Kind != winstruct.ExportForward || exp.Forward != "ntdll.Baz" {
		t.Fatalf("got %+v, want forward to ntdll.Baz", exp)
	}
}

func TestExportByNameNotFound(t *testing.T) {
	img := buildPE64(t)

	if _, err := winstruct.ExportByName(img, "DoesNotExist"); err == nil {
		t.Fatal("expected ExportNotFound")
	}
}
