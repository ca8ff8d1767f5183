// Package winstruct holds the small, shared kernel-memory-layout helpers:
// LIST_ENTRY traversal and PE header/export parsing (C8). UNICODE_STRING
// decoding lives on vmem.View itself, since it needs the view's typed reads
// directly.
package winstruct

import (
	"fmt"

	"github.com/krakenmem/wincore/address"
	"github.com/krakenmem/wincore/errs"
)

// MaxListIterations bounds every LIST_ENTRY walk (§3, §4.6).
const MaxListIterations = 65536

// PointerReader is the minimal view capability WalkList needs: reading one
// pointer-sized value at a virtual address. vmem.View satisfies this.
type PointerReader interface {
	ReadPointer(va address.Address, width int) (address.Address, error)
}

// WalkList follows the Flink chain of a doubly linked LIST_ENTRY list
// starting at head, calling visit with each entry's address (the address of
// the LIST_ENTRY itself, not an owning-struct base — callers subtract their
// own link-field offset). The walk terminates, without error, when Flink or
// Blink is null, when Flink equals head, or when Flink equals the current
// entry (a self-loop) — and always within MaxListIterations steps.
//
// Per §7, only a failure reading the very first Flink/Blink pair is a hard
// error; any later read failure ends the walk quietly, returning the entries
// already visited.
func WalkList(view PointerReader, head address.Address, ptrWidth int, visit func(entry address.Address) bool) error {
	current := head

	for i := 0; i < MaxListIterations; i++ {
		flink, err := view.ReadPointer(current, ptrWidth)
		if err != nil {
			if i == 0 {
				return errs.Wrap(errs.OriginOsLayer, fmt.Errorf("reading list head: %w", err))
			}

			return nil
		}

		blink, err := view.ReadPointer(current.Add(uint64(ptrWidth)), ptrWidth)
		if err != nil {
			if i == 0 {
				return errs.Wrap(errs.OriginOsLayer, fmt.Errorf("reading list head: %w", err))
			}

			return nil
		}

		if flink.IsNull() || blink.IsNull() || flink == head || flink == current {
			return nil
		}

		if !visit(flink) {
			return nil
		}

		current = flink
	}

	return nil
}
