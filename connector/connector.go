// Package connector defines the narrow contract wincore consumes from the
// external physical-memory back end (a hardware device, a VM introspection
// API, or a pcileech-style DMA reader). wincore never implements a connector
// itself; it only drives one.
package connector

// Read is one physical-memory read request: fill Buf starting at Addr.
type Read struct {
	Addr uint64
	Buf  []byte
}

// Write is one physical-memory write request: Addr, Buf bytes to write.
type Write struct {
	Addr uint64
	Buf  []byte
}

// Failure records a request, within a batch, that the connector could not
// service.
type Failure struct {
	Index int // index into the original request slice
	Err   error
}

// Metadata describes the static properties of a connector's backing memory.
type Metadata struct {
	MaxAddress uint64
	RealSize   uint64
	Readonly   bool
}

// Range maps a span of the connector's raw physical address space onto a
// span the core should treat as accessible — e.g. MMIO carve-outs reported
// by the kernel's _PHYSICAL_MEMORY_DESCRIPTOR run list (§4.6 fix-up #1).
type Range struct {
	PhysStart      uint64
	AccessibleStart uint64
	Length         uint64
}

// Connector is the capability set wincore requires of a physical-memory back
// end (§4.1, §6). Implementations live outside this module; wincore is
// supplied one at construction and never assumes contiguous physical memory.
type Connector interface {
	// PhysReadRawIter services every read in reqs, routing each through the
	// connector independently. Failures for individual entries are appended
	// to the returned slice; reqs not mentioned in the failure slice were
	// serviced in full.
	PhysReadRawIter(reqs []Read) []Failure

	// PhysWriteRawIter is the write-side analogue of PhysReadRawIter.
	PhysWriteRawIter(reqs []Write) []Failure

	// Metadata reports the connector's static capabilities.
	Metadata() Metadata

	// SetMemMap installs an ordered list of physical-to-accessible range
	// mappings, used when the backing physical space is sparse (RAM plus PCI
	// holes). A connector with contiguous memory may implement this as a
	// no-op.
	SetMemMap(ranges []Range)
}
