package loader

import (
	"github.com/pkg/errors"

	"farewell/src/boot/firmware"
	"farewell/src/lib/trust"
)

// Remap rewrites the virtual start of every region in place.  Pages the
// segment loader allocated are moved to where the image was linked to run;
// everything else is identity mapped.
func Remap(mm *firmware.MemoryMap, img *LoadedImage) {
	moved := 0
	for i := range mm.Regions {
		r := &mm.Regions[i]
		if r.Kind == SegmentMemoryKind {
			r.VirtualStart = img.FirstLoadableVA + (r.PhysicalStart - img.BasePhysical)
			moved++
			continue
		}
		r.VirtualStart = r.PhysicalStart
	}
	trust.Debugf("remap: %d of %d regions moved into the image's address space", moved, len(mm.Regions))
}

// InstallVirtualMap remaps mm and hands it to the firmware.  The firmware
// only accepts this once.
func InstallVirtualMap(rt firmware.RuntimeServices, mm *firmware.MemoryMap, img *LoadedImage) error {
	Remap(mm, img)
	if err := rt.SetVirtualAddressMap(*mm); err != nil {
		return errors.Wrapf(LoaderFatal, "set virtual address map: %v", err)
	}
	return nil
}
