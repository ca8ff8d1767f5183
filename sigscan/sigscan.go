// Package sigscan implements the IDA-style byte-pattern scanner used when a
// non-exported global must be found by signature rather than by PE export
// (C9).
package sigscan

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/krakenmem/wincore/errs"
)

// tokenByte is one compiled pattern position: a literal value plus a mask
// (0xFF for a literal byte, 0x00 for a wildcard).
type tokenByte struct {
	value byte
	mask  byte
}

// Pattern is a compiled IDA-style byte pattern: a whitespace-separated
// sequence of two-hex-digit literal bytes or `?` wildcards.
type Pattern struct {
	tokens []tokenByte
}

// Compile parses an IDA pattern string such as "4C 8B ? ? ? ? 3C 9F" into a
// Pattern.
func Compile(pattern string) (*Pattern, error) {
	fields := strings.Fields(pattern)
	if len(fields) == 0 {
		return nil, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: empty pattern", errs.ErrEncoding))
	}

	tokens := make([]tokenByte, 0, len(fields))

	for _, f := range fields {
		if f == "?" || f == "??" {
			tokens = append(tokens, tokenByte{value: 0, mask: 0})

			continue
		}

		var b byte
		if _, err := fmt.Sscanf(f, "%02x", &b); err != nil {
			return nil, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: invalid pattern token %q", errs.ErrEncoding, f))
		}

		tokens = append(tokens, tokenByte{value: b, mask: 0xFF})
	}

	return &Pattern{tokens: tokens}, nil
}

// Len returns the number of bytes the pattern spans.
func (p *Pattern) Len() int { return len(p.tokens) }

// matchAt reports whether the pattern matches buf starting at offset off.
func (p *Pattern) matchAt(buf []byte, off int) bool {
	if off+len(p.tokens) > len(buf) {
		return false
	}

	for i, t := range p.tokens {
		if t.mask != 0 && buf[off+i] != t.value {
			return false
		}
	}

	return true
}

// Find returns the first offset in buf where the pattern matches, or
// ErrNotFound.
func (p *Pattern) Find(buf []byte) (int, error) {
	for off := 0; off+len(p.tokens) <= len(buf); off++ {
		if p.matchAt(buf, off) {
			return off, nil
		}
	}

	return 0, errs.Wrap(errs.OriginOsLayer, errs.ErrNotFound)
}

// ResolveRIPRelative computes the module-relative offset of the global
// referenced by a RIP-relative instruction matched at offset m in buf, whose
// 32-bit displacement field sits at buf[m+d:m+d+4] (§4.9, §8 S5):
//
//	target = m + d + sign_extend(i32_le(buf[m+d:m+d+4])) + 4
//
// When buf contains enough trailing bytes, the instruction at m is also
// decoded with x86asm to confirm it is in fact RIP-relative and that d+4
// does not run past the decoded instruction's length — this catches a
// pattern whose hand-picked displacement offset has drifted from the actual
// encoding on a newer compiler, rather than silently returning a bogus
// target.
func ResolveRIPRelative(buf []byte, m, d int) (int64, error) {
	if m+d+4 > len(buf) || m+d < 0 {
		return 0, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: displacement at %d+%d out of buffer", errs.ErrOutOfBounds, m, d))
	}

	disp := int32(binary.LittleEndian.Uint32(buf[m+d : m+d+4]))
	target := int64(m) + int64(d) + int64(disp) + 4

	if inst, err := x86asm.Decode(buf[m:], 64); err == nil {
		ripRelative := false

		for _, arg := range inst.Args {
			if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
				ripRelative = true
			}
		}

		if !ripRelative {
			return 0, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: decoded instruction is not RIP-relative", errs.ErrEncoding))
		}

		if m+inst.Len < m+d+4 {
			return 0, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: decoded instruction (len %d) ends before displacement field", errs.ErrEncoding, inst.Len))
		}
	}

	return target, nil
}

// ScanVal32 reads the raw 32-bit little-endian immediate at buf[m+d:m+d+4]
// (not RIP-relative) — used to recover fixed offsets baked directly into an
// instruction's encoding.
func ScanVal32(buf []byte, m, d int) (uint32, error) {
	if m+d+4 > len(buf) || m+d < 0 {
		return 0, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: immediate at %d+%d out of buffer", errs.ErrOutOfBounds, m, d))
	}

	return binary.LittleEndian.Uint32(buf[m+d : m+d+4]), nil
}
