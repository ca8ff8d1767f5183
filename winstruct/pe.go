package winstruct

import (
	"encoding/binary"
	"fmt"

	"github.com/krakenmem/wincore/errs"
)

const (
	dosMagic        = 0x5A4D // "MZ"
	maxELfanew      = 0x800
	peSignature     = 0x00004550 // "PE\x00\x00"
	optMagicPE32    = 0x10B
	optMagicPE32p   = 0x20B
	fileHeaderSize  = 20
	exportDirSize   = 40
)

// VerifyDOSHeader reports whether img begins with a plausible DOS/MZ header
// whose e_lfanew is within the bound C4's scan uses to reject false
// positives (§4.4): MZ magic, e_lfanew <= 0x800.
func VerifyDOSHeader(img []byte) (eLfanew uint32, ok bool) {
	if len(img) < 0x40 {
		return 0, false
	}

	if binary.LittleEndian.Uint16(img[0:2]) != dosMagic {
		return 0, false
	}

	lfanew := binary.LittleEndian.Uint32(img[0x3C:0x40])
	if lfanew > maxELfanew {
		return 0, false
	}

	return lfanew, true
}

// optionalHeaderLocation returns the byte offset of the optional header and
// whether it is PE32+ (64-bit).
func optionalHeaderLocation(img []byte) (offset int, is64 bool, err error) {
	eLfanew, ok := VerifyDOSHeader(img)
	if !ok {
		return 0, false, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: missing MZ/e_lfanew", errs.ErrInvalidExeFile))
	}

	ntOff := int(eLfanew)
	if ntOff+4+fileHeaderSize+2 > len(img) {
		return 0, false, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: NT headers truncated", errs.ErrInvalidExeFile))
	}

	if binary.LittleEndian.Uint32(img[ntOff:ntOff+4]) != peSignature {
		return 0, false, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: bad PE signature", errs.ErrInvalidExeFile))
	}

	optOff := ntOff + 4 + fileHeaderSize
	magic := binary.LittleEndian.Uint16(img[optOff : optOff+2])

	switch magic {
	case optMagicPE32:
		return optOff, false, nil
	case optMagicPE32p:
		return optOff, true, nil
	default:
		return 0, false, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: unknown optional header magic 0x%x", errs.ErrInvalidExeFile, magic))
	}
}

// SizeOfImage reads OptionalHeader.SizeOfImage (§4.4, §4.8).
func SizeOfImage(img []byte) (uint32, error) {
	optOff, _, err := optionalHeaderLocation(img)
	if err != nil {
		return 0, err
	}

	const sizeOfImageRelOffset = 56
	if optOff+sizeOfImageRelOffset+4 > len(img) {
		return 0, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: optional header truncated", errs.ErrInvalidExeFile))
	}

	return binary.LittleEndian.Uint32(img[optOff+sizeOfImageRelOffset : optOff+sizeOfImageRelOffset+4]), nil
}

// dataDirectory returns the {VirtualAddress, Size} pair at dataDirIndex
// (0 = export table).
func dataDirectory(img []byte, dataDirIndex int) (uint32, uint32, error) {
	optOff, is64, err := optionalHeaderLocation(img)
	if err != nil {
		return 0, 0, err
	}

	ddStart := optOff + 96
	if is64 {
		ddStart = optOff + 112
	}

	entryOff := ddStart + dataDirIndex*8
	if entryOff+8 > len(img) {
		return 0, 0, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: data directory truncated", errs.ErrInvalidExeFile))
	}

	return binary.LittleEndian.Uint32(img[entryOff : entryOff+4]), binary.LittleEndian.Uint32(img[entryOff+4 : entryOff+8]), nil
}

func cstring(img []byte, rva uint32) string {
	if int(rva) >= len(img) {
		return ""
	}

	end := int(rva)
	for end < len(img) && img[end] != 0 {
		end++
	}

	return string(img[rva:end])
}

// ExportKind distinguishes a resolved export from a forwarded one (§4.7).
type ExportKind uint8

const (
	ExportSymbol ExportKind = iota
	ExportForward
)

// Export is one resolved PE export (§4.7, §4.8).
type Export struct {
	Kind    ExportKind
	Offset  uint32 // valid when Kind == ExportSymbol: offset within the image
	Forward string // valid when Kind == ExportForward: "Module.Function"
}

// ModuleExportName reads the export directory's self-identifying Name field
// (e.g. "ntoskrnl.exe"), used by C4 to confirm a kernel-base candidate.
func ModuleExportName(img []byte) (string, error) {
	rva, size, err := dataDirectory(img, 0)
	if err != nil {
		return "", err
	}

	if size == 0 || int(rva)+exportDirSize > len(img) {
		return "", errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: no export directory", errs.ErrExportNotFound))
	}

	nameRVA := binary.LittleEndian.Uint32(img[rva+8 : rva+12])

	return cstring(img, nameRVA), nil
}

// NamedExport pairs a resolved Export with the name it was registered under,
// for ListExports' full-table enumeration (§4.7 "module exports").
type NamedExport struct {
	Name string
	Export
}

// ListExports enumerates every named export in img's export directory
// (§4.7): each is a Symbol or a Forward, same as ExportByName, but without
// requiring the caller to already know the name.
func ListExports(img []byte) ([]NamedExport, error) {
	rva, size, err := dataDirectory(img, 0)
	if err != nil {
		return nil, err
	}

	if size == 0 || int(rva)+exportDirSize > len(img) {
		return nil, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: no export directory", errs.ErrExportNotFound))
	}

	numNames := binary.LittleEndian.Uint32(img[rva+24 : rva+28])
	addrFunctions := binary.LittleEndian.Uint32(img[rva+28 : rva+32])
	addrNames := binary.LittleEndian.Uint32(img[rva+32 : rva+36])
	addrOrdinals := binary.LittleEndian.Uint32(img[rva+36 : rva+40])

	exports := make([]NamedExport, 0, numNames)

	for i := uint32(0); i < numNames; i++ {
		nameRVAOff := int(addrNames) + int(i)*4
		if nameRVAOff+4 > len(img) {
			break
		}

		name := cstring(img, binary.LittleEndian.Uint32(img[nameRVAOff:nameRVAOff+4]))

		ordOff := int(addrOrdinals) + int(i)*2
		if ordOff+2 > len(img) {
			break
		}

		ordinal := binary.LittleEndian.Uint16(img[ordOff : ordOff+2])

		funcOff := int(addrFunctions) + int(ordinal)*4
		if funcOff+4 > len(img) {
			break
		}

		funcRVA := binary.LittleEndian.Uint32(img[funcOff : funcOff+4])

		if funcRVA >= rva && funcRVA < rva+size {
			exports = append(exports, NamedExport{Name: name, Export: Export{Kind: ExportForward, Forward: cstring(img, funcRVA)}})

			continue
		}

		exports = append(exports, NamedExport{Name: name, Export: Export{Kind: ExportSymbol, Offset: funcRVA}})
	}

	return exports, nil
}

// Section is one PE section header (§4.7 "module sections").
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Characteristics uint32
}

// ListSections enumerates img's section table.
func ListSections(img []byte) ([]Section, error) {
	eLfanew, ok := VerifyDOSHeader(img)
	if !ok {
		return nil, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: missing MZ/e_lfanew", errs.ErrInvalidExeFile))
	}

	ntOff := int(eLfanew)
	if ntOff+4+fileHeaderSize > len(img) {
		return nil, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: file header truncated", errs.ErrInvalidExeFile))
	}

	numSections := binary.LittleEndian.Uint16(img[ntOff+4+2 : ntOff+4+4])
	sizeOptHeader := binary.LittleEndian.Uint16(img[ntOff+4+16 : ntOff+4+18])
	sectionsOff := ntOff + 4 + fileHeaderSize + int(sizeOptHeader)

	sections := make([]Section, 0, numSections)

	const sectionHeaderSize = 40

	for i := 0; i < int(numSections); i++ {
		off := sectionsOff + i*sectionHeaderSize
		if off+sectionHeaderSize > len(img) {
			break
		}

		name := trimNulls(img[off : off+8])
		vsize := binary.LittleEndian.Uint32(img[off+8 : off+12])
		va := binary.LittleEndian.Uint32(img[off+12 : off+16])
		chars := binary.LittleEndian.Uint32(img[off+36 : off+40])

		sections = append(sections, Section{Name: name, VirtualAddress: va, VirtualSize: vsize, Characteristics: chars})
	}

	return sections, nil
}

func trimNulls(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}

	return string(b[:end])
}

// Import is one PE import entry (§4.7 "module imports"): a function pulled
// in from Module, named (Name) or by raw Ordinal.
type Import struct {
	Module    string
	Name      string
	Ordinal   uint16
	IsOrdinal bool
}

const importDescriptorSize = 20

// ListImports enumerates img's import directory.
func ListImports(img []byte) ([]Import, error) {
	rva, _, err := dataDirectory(img, 1)
	if err != nil {
		return nil, err
	}

	_, is64, err := optionalHeaderLocation(img)
	if err != nil {
		return nil, err
	}

	thunkSize, ordinalBit := 4, uint64(1)<<31
	if is64 {
		thunkSize, ordinalBit = 8, uint64(1)<<63
	}

	var imports []Import

	for descOff := int(rva); descOff+importDescriptorSize <= len(img); descOff += importDescriptorSize {
		originalFirstThunk := binary.LittleEndian.Uint32(img[descOff : descOff+4])
		nameRVA := binary.LittleEndian.Uint32(img[descOff+12 : descOff+16])
		firstThunk := binary.LittleEndian.Uint32(img[descOff+16 : descOff+20])

		if originalFirstThunk == 0 && nameRVA == 0 && firstThunk == 0 {
			break
		}

		moduleName := cstring(img, nameRVA)

		thunkRVA := originalFirstThunk
		if thunkRVA == 0 {
			thunkRVA = firstThunk
		}

		for i := 0; ; i++ {
			off := int(thunkRVA) + i*thunkSize
			if off+thunkSize > len(img) {
				break
			}

			var val uint64
			if is64 {
				val = binary.LittleEndian.Uint64(img[off : off+8])
			} else {
				val = uint64(binary.LittleEndian.Uint32(img[off : off+4]))
			}

			if val == 0 {
				break
			}

			if val&ordinalBit != 0 {
				imports = append(imports, Import{Module: moduleName, IsOrdinal: true, Ordinal: uint16(val)})

				continue
			}

			ibnOff := uint32(val)
			if int(ibnOff)+2 > len(img) {
				break
			}

			imports = append(imports, Import{Module: moduleName, Name: cstring(img, ibnOff+2)})
		}
	}

	return imports, nil
}

// ExportByName resolves name to a Symbol or Forward export (§4.7).
func ExportByName(img []byte, name string) (Export, error) {
	rva, size, err := dataDirectory(img, 0)
	if err != nil {
		return Export{}, err
	}

	if size == 0 || int(rva)+exportDirSize > len(img) {
		return Export{}, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: no export directory", errs.ErrExportNotFound))
	}

	numNames := binary.LittleEndian.Uint32(img[rva+24 : rva+28])
	addrFunctions := binary.LittleEndian.Uint32(img[rva+28 : rva+32])
	addrNames := binary.LittleEndian.Uint32(img[rva+32 : rva+36])
	addrOrdinals := binary.LittleEndian.Uint32(img[rva+36 : rva+40])

	for i := uint32(0); i < numNames; i++ {
		nameRVAOff := int(addrNames) + int(i)*4
		if nameRVAOff+4 > len(img) {
			break
		}

		nameRVA := binary.LittleEndian.Uint32(img[nameRVAOff : nameRVAOff+4])
		if cstring(img, nameRVA) != name {
			continue
		}

		ordOff := int(addrOrdinals) + int(i)*2
		if ordOff+2 > len(img) {
			return Export{}, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: truncated ordinal table", errs.ErrExportNotFound))
		}

		ordinal := binary.LittleEndian.Uint16(img[ordOff : ordOff+2])

		funcOff := int(addrFunctions) + int(ordinal)*4
		if funcOff+4 > len(img) {
			return Export{}, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: truncated function table", errs.ErrExportNotFound))
		}

		funcRVA := binary.LittleEndian.Uint32(img[funcOff : funcOff+4])

		if funcRVA >= rva && funcRVA < rva+size {
			return Export{Kind: ExportForward, Forward: cstring(img, funcRVA)}, nil
		}

		return Export{Kind: ExportSymbol, Offset: funcRVA}, nil
	}

	return Export{}, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: %s", errs.ErrExportNotFound, name))
}
