package offsets

import (
	"fmt"

	"github.com/krakenmem/wincore/address"
	"github.com/krakenmem/wincore/errs"
)

// Catalog is a read-only, in-memory offsets table. Loading it from the
// external TOML offset-file directory (§6) is a host concern; the catalog
// only implements the lookup policy of §4.5.
type Catalog struct {
	entries []Entry
}

// NewCatalog builds a Catalog from already-parsed entries.
func NewCatalog(entries []Entry) *Catalog {
	cp := make([]Entry, len(entries))
	copy(cp, entries)

	return &Catalog{entries: cp}
}

// Lookup implements §4.5: an exact PDB-GUID match wins; otherwise the entry
// with the greatest version that is <= the target version, restricted to
// matching arch, wins; otherwise NotFound.
func (c *Catalog) Lookup(version Win32Version, arch address.Arch, pdbGUID string) (*Entry, error) {
	if pdbGUID != "" {
		for i := range c.entries {
			e := &c.entries[i]
			if e.Key.Arch == arch && e.Key.PDBGUID == pdbGUID {
				return e, nil
			}
		}
	}

	var best *Entry

	for i := range c.entries {
		e := &c.entries[i]
		if e.Key.Arch != arch {
			continue
		}

		if e.Key.Version.LessOrEqual(version) {
			if best == nil || best.Key.Version.Less(e.Key.Version) {
				best = e
			}
		}
	}

	if best == nil {
		return nil, errs.Wrap(errs.OriginOsLayer, fmt.Errorf("%w: offsets for %s/%s (guid=%q)", errs.ErrNotFound, arch, version, pdbGUID))
	}

	return best, nil
}
