// Package vmem composes a translator and a connector into a byte-addressable
// view of one address space (C3).
package vmem

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/krakenmem/wincore/address"
	"github.com/krakenmem/wincore/connector"
	"github.com/krakenmem/wincore/errs"
	"github.com/krakenmem/wincore/vat"
)

// maxUnicodeStringLen rejects UNICODE_STRING.Length values above this as
// corruption (§4.3).
const maxUnicodeStringLen = 0x1000

// View reads typed values out of one virtual address space, backed by a
// translator and a connector.
type View struct {
	conn connector.Connector
	vat  *vat.Translator
}

// New builds a View over vat's address space.
func New(conn connector.Connector, vat *vat.Translator) *View {
	return &View{conn: conn, vat: vat}
}

// Translator returns the underlying translator, e.g. so a caller can switch
// its DTB.
func (v *View) Translator() *vat.Translator { return v.vat }

// read performs a best-effort read of length bytes starting at va. It
// returns every byte it could translate and fetch as a contiguous prefix
// starting at va; err is non-nil whenever that prefix is shorter than
// length.
func (v *View) read(va address.Address, length int) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}

	segments, failures := v.vat.Translate([]vat.Request{{VA: va, Len: uint64(length)}})

	data := make([]byte, length)
	got := 0

	for _, seg := range segments {
		wantOffset := int(uint64(seg.VA) - uint64(va))
		if wantOffset != got {
			break
		}

		reads := []connector.Read{{Addr: uint64(seg.PA), Buf: data[got : got+int(seg.Len)]}}
		if fails := v.conn.PhysReadRawIter(reads); len(fails) > 0 {
			break
		}

		got += int(seg.Len)
	}

	if got == length {
		return data, nil
	}

	var cause error
	if len(failures) > 0 {
		cause = failures[0].Err
	} else {
		cause = errs.ErrOutOfBounds
	}

	return data[:got], errs.Wrap(errs.OriginVirtualTranslator, fmt.Errorf("partial read of %d/%d bytes at 0x%x: %w", got, length, va, cause))
}

// ReadFull reads exactly length bytes at va, failing hard on any short read
// (the policy typed integer reads require, §4.3).
func (v *View) ReadFull(va address.Address, length int) ([]byte, error) {
	data, err := v.read(va, length)
	if err != nil {
		return nil, err
	}

	return data, nil
}

// ReadPartial reads up to length bytes at va, returning whatever contiguous
// prefix could be translated even on failure (the policy signature scanning
// wants, §4.3).
func (v *View) ReadPartial(va address.Address, length int) ([]byte, error) {
	return v.read(va, length)
}

// Write writes data to va, translating each page-resident chunk and
// failing hard (no partial-write policy distinction — §4.1 only defines
// phys_write_raw_iter, not a partial-write contract) on the first
// translation or connector failure.
func (v *View) Write(va address.Address, data []byte) error {
	segments, failures := v.vat.Translate([]vat.Request{{VA: va, Len: uint64(len(data))}})
	if len(failures) > 0 {
		return errs.Wrap(errs.OriginVirtualTranslator, fmt.Errorf("translating write at 0x%x: %w", va, failures[0].Err))
	}

	written := 0

	for _, seg := range segments {
		wantOffset := int(uint64(seg.VA) - uint64(va))
		if wantOffset != written {
			return errs.Wrap(errs.OriginVirtualTranslator, fmt.Errorf("%w: non-contiguous write segments at 0x%x", errs.ErrOutOfBounds, va))
		}

		writes := []connector.Write{{Addr: uint64(seg.PA), Buf: data[written : written+int(seg.Len)]}}
		if fails := v.conn.PhysWriteRawIter(writes); len(fails) > 0 {
			return errs.Wrap(errs.OriginPhysicalMemory, fmt.Errorf("writing 0x%x: %w", seg.PA, fails[0].Err))
		}

		written += int(seg.Len)
	}

	if written != len(data) {
		return errs.Wrap(errs.OriginVirtualTranslator, fmt.Errorf("%w: partial write of %d/%d bytes at 0x%x", errs.ErrOutOfBounds, written, len(data), va))
	}

	return nil
}

// ReadU32 reads a little-endian uint32 at va.
func (v *View) ReadU32(va address.Address) (uint32, error) {
	data, err := v.ReadFull(va, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(data), nil
}

// ReadU64 reads a little-endian uint64 at va.
func (v *View) ReadU64(va address.Address) (uint64, error) {
	data, err := v.ReadFull(va, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(data), nil
}

// ReadU16 reads a little-endian uint16 at va.
func (v *View) ReadU16(va address.Address) (uint16, error) {
	data, err := v.ReadFull(va, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(data), nil
}

// ReadPointer reads a pointer of the given width (4 or 8 bytes) at va and
// zero-extends it to an Address.
func (v *View) ReadPointer(va address.Address, width int) (address.Address, error) {
	if width == 8 {
		u, err := v.ReadU64(va)

		return address.Address(u), err
	}

	u, err := v.ReadU32(va)

	return address.Address(u), err
}

// ReadAddr reads a pointer sized for arch at va.
func (v *View) ReadAddr(va address.Address, arch address.Arch) (address.Address, error) {
	return v.ReadPointer(va, arch.PointerWidth())
}

// unicodeBufferOffset returns where Buffer sits relative to Length inside
// a UNICODE_STRING, which depends on pointer width due to alignment padding.
func unicodeBufferOffset(ptrWidth int) int {
	if ptrWidth == 8 {
		return 8
	}

	return 4
}

// ReadUnicodeString decodes a UNICODE_STRING {Length u16, MaxLength u16,
// Buffer ptr} at va, pointer-width ptrWidth, rejecting corrupt lengths
// (§4.3, §4.8).
func (v *View) ReadUnicodeString(va address.Address, ptrWidth int) (string, error) {
	length, err := v.ReadU16(va)
	if err != nil {
		return "", err
	}

	maxLength, err := v.ReadU16(va.Add(2))
	if err != nil {
		return "", err
	}

	if length > maxLength || length > maxUnicodeStringLen {
		return "", errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: UNICODE_STRING length %d exceeds max %d", errs.ErrEncoding, length, maxLength))
	}

	if length == 0 {
		return "", nil
	}

	buffer, err := v.ReadPointer(va.Add(uint64(unicodeBufferOffset(ptrWidth))), ptrWidth)
	if err != nil {
		return "", err
	}

	raw, err := v.ReadFull(buffer, int(length))
	if err != nil {
		return "", err
	}

	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}

	return string(utf16.Decode(units)), nil
}

// ReadCString reads up to maxLen bytes at va and decodes them as a
// null-terminated, lossy-UTF-8 C string. A short (partial) underlying read
// is tolerated: whatever prefix was read is still decoded up to its first
// null byte.
func (v *View) ReadCString(va address.Address, maxLen int) (string, error) {
	raw, err := v.ReadPartial(va, maxLen)
	if len(raw) == 0 {
		return "", err
	}

	if idx := indexByte(raw, 0); idx >= 0 {
		raw = raw[:idx]
	}

	return string(raw), nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}

	return -1
}
