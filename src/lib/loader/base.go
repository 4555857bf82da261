package loader

import (
	"github.com/pkg/errors"

	"farewell/src/boot/firmware"
)

// Base is the free region the image is placed at.
type Base struct {
	PhysicalStart uint64
	PageCount     uint64
}

// Bytes is the size of the base region.
func (b Base) Bytes() uint64 {
	return b.PageCount * PageSize
}

// SelectBase returns the first free region that starts at or above floor.
// It is first fit: it does not look at the size of the region.
func SelectBase(regions []firmware.MemoryRegion, floor uint64) (Base, error) {
	for _, r := range regions {
		if r.Kind != firmware.Conventional || r.PhysicalStart < floor {
			continue
		}
		return Base{PhysicalStart: r.PhysicalStart, PageCount: r.PageCount}, nil
	}
	return Base{}, errors.Wrapf(LoaderNotFound, "no free region at or above 0x%x", floor)
}
