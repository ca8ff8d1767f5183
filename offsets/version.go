package offsets

import "fmt"

// checkedBuildNibble is the upper-nibble pattern (§3) that marks a "checked"
// (debug) Windows build: nt_build_number OR'd with 0xC0000000.
const checkedBuildNibble = 0xC

// Win32Version is an ordered (major, minor, build) triple.
//
// Ordering follows raw nt_build_number comparison, unmasked, when both sides
// carry a non-zero build, so any tag bits in the upper nibble take part in
// the comparison. The masked 16-bit value is used only for display and by
// BuildNumber(); IsCheckedBuild() reads the tag out of the same raw field.
// See DESIGN.md for the recorded decision on the §9 open question.
type Win32Version struct {
	major uint32
	minor uint32
	build uint32 // raw, unmasked nt_build_number
}

// New builds a Win32Version from raw (possibly checked-build-tagged) fields.
func New(major, minor, build uint32) Win32Version {
	return Win32Version{major: major, minor: minor, build: build}
}

// FromMajorMinor builds a Win32Version with no build number.
func FromMajorMinor(major, minor uint32) Win32Version {
	return Win32Version{major: major, minor: minor}
}

// Major, Minor return the raw major/minor fields.
func (v Win32Version) Major() uint32 { return v.major }
func (v Win32Version) Minor() uint32 { return v.minor }

// BuildNumber returns the build masked to its low 16 bits (§3).
func (v Win32Version) BuildNumber() uint32 { return v.build & 0xFFFF }

// RawBuild returns the unmasked nt_build_number, including any checked-build
// tag bits.
func (v Win32Version) RawBuild() uint32 { return v.build }

// IsCheckedBuild reports whether the build carries the 0xC-upper-nibble
// checked-build tag.
func (v Win32Version) IsCheckedBuild() bool {
	return (v.build>>28)&0xF == checkedBuildNibble
}

// Compare returns -1, 0 or 1 as v is less than, equal to, or greater than o,
// per the §3 ordering rule: compare raw builds if both non-zero, else
// compare (major, minor) lexicographically.
func (v Win32Version) Compare(o Win32Version) int {
	if v.build != 0 && o.build != 0 {
		return cmpU32(v.build, o.build)
	}

	if v.major != o.major {
		return cmpU32(v.major, o.major)
	}

	return cmpU32(v.minor, o.minor)
}

// Less, LessOrEqual, Equal are Compare conveniences.
func (v Win32Version) Less(o Win32Version) bool        { return v.Compare(o) < 0 }
func (v Win32Version) LessOrEqual(o Win32Version) bool { return v.Compare(o) <= 0 }
func (v Win32Version) Equal(o Win32Version) bool       { return v.Compare(o) == 0 }

func cmpU32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// String displays "M.m.b" when Major is non-zero, else just "b" (§3, §8 S1).
func (v Win32Version) String() string {
	if v.major != 0 {
		return fmt.Sprintf("%d.%d.%d", v.major, v.minor, v.BuildNumber())
	}

	return fmt.Sprintf("%d", v.BuildNumber())
}
