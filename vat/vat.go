// Package vat implements the virtual-address translator (C2): it drives the
// target's paging hardware model in software across x86, PAE and x64
// page-table layouts.
package vat

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/krakenmem/wincore/address"
	"github.com/krakenmem/wincore/connector"
	"github.com/krakenmem/wincore/errs"
)

const pageSize = 0x1000

// Request is one (virtual_address, length) range to translate.
type Request struct {
	VA  address.Address
	Len uint64
}

// Segment is one successfully translated, page-resident output range.
type Segment struct {
	VA  address.Address
	PA  address.Address
	Len uint64
}

// Failure carries the virtual address that failed to translate and why.
type Failure struct {
	VA  address.Address
	Err error
}

type cacheKey struct {
	dtb address.Address
	va  address.Address
}

type cacheEntry struct {
	base     address.Address
	pageSize uint64
}

// Translator walks an architecture's page tables over a connector, with an
// optional TLB-style cache keyed by (DTB, aligned VA).
type Translator struct {
	conn  connector.Connector
	arch  address.Arch
	dtb   address.Address
	cache map[cacheKey]cacheEntry
	log   *logrus.Entry
}

// New builds a Translator for arch, rooted at dtb, over conn. log may be nil.
func New(conn connector.Connector, arch address.Arch, dtb address.Address, log *logrus.Entry) *Translator {
	return &Translator{
		conn:  conn,
		arch:  arch,
		dtb:   dtb.Align4K(),
		cache: make(map[cacheKey]cacheEntry),
		log:   log,
	}
}

// Arch returns the translator's architecture.
func (t *Translator) Arch() address.Arch { return t.arch }

// DTB returns the translator's current page-table root.
func (t *Translator) DTB() address.Address { return t.dtb }

// SetDTB replaces the translator's page-table root (the system-process DTB
// fix-up of §4.6 #2, or a per-process switch in C7). The cache is not
// cleared: entries are keyed by DTB, so a later switch back is still served
// from cache.
func (t *Translator) SetDTB(dtb address.Address) {
	t.dtb = dtb.Align4K()
}

// ClearCache discards every cached leaf-entry mapping.
func (t *Translator) ClearCache() {
	t.cache = make(map[cacheKey]cacheEntry)
}

// Translate walks every request in reqs as an independent batch, returning
// the segments that resolved and the ones that did not.
func (t *Translator) Translate(reqs []Request) ([]Segment, []Failure) {
	var segments []Segment

	var failures []Failure

	for _, r := range reqs {
		va := r.VA
		remaining := r.Len

		for remaining > 0 {
			pageBase := va.Align4K()
			offset := uint64(va) - uint64(pageBase)
			chunk := pageSize - offset

			if chunk > remaining {
				chunk = remaining
			}

			base, size, err := t.resolve(pageBase)
			if err != nil {
				failures = append(failures, Failure{VA: va, Err: err})
				va = va.Add(chunk)
				remaining -= chunk

				continue
			}

			pageMask := size - 1
			pa := address.Address((uint64(base) &^ pageMask) | (uint64(pageBase) & pageMask)).Add(offset)

			segments = append(segments, Segment{VA: va, PA: pa, Len: chunk})
			va = va.Add(chunk)
			remaining -= chunk
		}
	}

	return segments, failures
}

// resolve returns the physical base of the leaf page/large-page containing
// the 4 KiB-aligned va, and the size in bytes of that leaf mapping.
func (t *Translator) resolve(va address.Address) (address.Address, uint64, error) {
	key := cacheKey{dtb: t.dtb, va: va}
	if e, ok := t.cache[key]; ok {
		return e.base, e.pageSize, nil
	}

	base, size, err := t.walk(va)
	if err != nil {
		return 0, 0, err
	}

	t.cache[key] = cacheEntry{base: base, pageSize: size}

	if t.log != nil {
		t.log.WithFields(logrus.Fields{"va": fmt.Sprintf("0x%x", uint64(va)), "pa": fmt.Sprintf("0x%x", uint64(base)), "size": size}).Trace("vat: walked")
	}

	return base, size, nil
}

// walk performs one page-table walk of the 4 KiB-aligned va, returning the
// physical base of the leaf mapping and its size (4 KiB, or the architecture's
// large-page size).
func (t *Translator) walk(va address.Address) (address.Address, uint64, error) {
	desc := address.DescriptorFor(t.arch)
	if len(desc.Levels) == 0 {
		return 0, 0, errs.Wrap(errs.OriginVirtualTranslator, errs.ErrInvalidArchitecture)
	}

	meta := t.conn.Metadata()
	table := t.dtb

	for i, lvl := range desc.Levels {
		idx := address.Index(va, lvl)
		entryAddr := uint64(table) + idx*uint64(lvl.EntrySize)

		if meta.MaxAddress != 0 && entryAddr+uint64(lvl.EntrySize) > meta.MaxAddress {
			return 0, 0, errs.Wrap(errs.OriginVirtualTranslator, fmt.Errorf("%w: table at 0x%x", errs.ErrBadPageTable, entryAddr))
		}

		buf := make([]byte, lvl.EntrySize)
		failures := t.conn.PhysReadRawIter([]connector.Read{{Addr: entryAddr, Buf: buf}})

		if len(failures) > 0 {
			return 0, 0, errs.Wrap(errs.OriginVirtualTranslator, fmt.Errorf("%w: table at 0x%x", errs.ErrBadPageTable, entryAddr))
		}

		var entry uint64
		if lvl.EntrySize == 4 {
			entry = uint64(binary.LittleEndian.Uint32(buf))
		} else {
			entry = binary.LittleEndian.Uint64(buf)
		}

		if entry&(1<<desc.PresentBit) == 0 {
			return 0, 0, errs.Wrap(errs.OriginVirtualTranslator, fmt.Errorf("%w: va 0x%x", errs.ErrNotPresent, va))
		}

		isLeafLevel := i == len(desc.Levels)-1
		large := !isLeafLevel && lvl.LargePageBit != 0 && entry&(1<<lvl.LargePageBit) != 0

		if isLeafLevel || large {
			physBase := entry & desc.PhysMask
			leafSize := uint64(1) << lvl.IndexShift

			return address.Address(physBase), leafSize, nil
		}

		table = address.Address(entry & desc.PhysMask)
	}

	return 0, 0, errs.Wrap(errs.OriginVirtualTranslator, fmt.Errorf("%w: va 0x%x", errs.ErrNotPresent, va))
}
