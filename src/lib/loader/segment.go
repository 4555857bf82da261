package loader

import (
	"debug/elf"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"farewell/src/boot/firmware"
	"farewell/src/lib/trust"
)

// SegmentMemoryKind is what segment pages are allocated as.  The remapper
// uses it to tell image pages from everything else.
const SegmentMemoryKind = firmware.LoaderData

var segLog = trust.NewLogger("segment")

// PageAllocator is the part of the boot services the segment loader needs.
type PageAllocator interface {
	AllocatePages(placement firmware.AllocateType, kind firmware.MemoryKind, count uint64, addr uint64) (firmware.Pages, error)
}

type LoadedSegment struct {
	Index           int // position in the segment header table
	VirtualAddress  uint64
	PhysicalAddress uint64
	PageCount       uint64
	FileOffset      uint64
	FileSize        uint64
	MemorySize      uint64
	Flags           elf.ProgFlag
}

// LoadedImage is everything the rest of the boot sequence needs to know
// about the placed image.
type LoadedImage struct {
	EntryPoint       uint64
	FirstLoadableVA  uint64
	BasePhysical     uint64
	BaseVirtualDelta int64 // FirstLoadableVA - BasePhysical
	Segments         []LoadedSegment
}

// PhysicalFor is where the image expects the given virtual address to live.
func (l *LoadedImage) PhysicalFor(va uint64) uint64 {
	return va - uint64(l.BaseVirtualDelta)
}

func pagesFor(size uint64) uint64 {
	overhang := uint64(1)
	if size%PageSize == 0 {
		overhang = 0
	}
	return size/PageSize + overhang
}

// Plan works out where every loadable segment goes without touching memory.
// Segments whose virtual address is not page aligned, and empty ones, are
// logged and skipped.  The first segment that is not skipped fixes the
// virtual to physical delta for all of them.  Every placement must land
// inside the base region.
func Plan(img *Image, base Base) (*LoadedImage, error) {
	result := &LoadedImage{
		EntryPoint:   img.Header.Entry,
		BasePhysical: base.PhysicalStart,
	}
	established := false
	regionEnd := base.PhysicalStart + base.Bytes()
	for i, s := range img.Segments {
		if !s.Loadable() {
			continue
		}
		if s.VirtualAddress%PageSize != 0 {
			segLog.Warnf("skipping segment %d: virtual address 0x%x is not page aligned", i, s.VirtualAddress)
			continue
		}
		if s.MemorySize == 0 {
			segLog.Debugf("skipping segment %d at 0x%x: no memory size", i, s.VirtualAddress)
			continue
		}
		if s.FileSize > s.MemorySize {
			return nil, errors.Wrapf(LoaderInvalidFormat, "segment %d: file size 0x%x is larger than memory size 0x%x",
				i, s.FileSize, s.MemorySize)
		}
		if !established {
			result.FirstLoadableVA = s.VirtualAddress
			result.BaseVirtualDelta = int64(s.VirtualAddress - base.PhysicalStart)
			established = true
		}
		pages := pagesFor(s.MemorySize)
		phys := result.PhysicalFor(s.VirtualAddress)
		// compare page counts, not end addresses: pages*PageSize can wrap
		if phys < base.PhysicalStart || phys > regionEnd || pages > (regionEnd-phys)/PageSize {
			return nil, errors.Wrapf(LoaderAllocationFailure,
				"segment %d needs 0x%x pages at 0x%x but the base region is [0x%x, 0x%x)",
				i, pages, phys, base.PhysicalStart, regionEnd)
		}
		result.Segments = append(result.Segments, LoadedSegment{
			Index:           i,
			VirtualAddress:  s.VirtualAddress,
			PhysicalAddress: phys,
			PageCount:       pages,
			FileOffset:      s.FileOffset,
			FileSize:        s.FileSize,
			MemorySize:      s.MemorySize,
			Flags:           s.Flags,
		})
	}
	if len(result.Segments) == 0 {
		return nil, errors.Wrap(LoaderNotFound, "no loadable segments")
	}
	return result, nil
}

// LoadSegments places every loadable segment of img.  Each one gets its own
// page allocation at its planned physical address, file bytes copied to the
// front and the rest up to its memory size zeroed.  The pages are never
// given back.
func LoadSegments(pa PageAllocator, f firmware.File, img *Image, base Base) (*LoadedImage, error) {
	loaded, err := Plan(img, base)
	if err != nil {
		return nil, err
	}
	segLog.Debugf("first loadable va 0x%x, base 0x%x, delta %d", loaded.FirstLoadableVA,
		loaded.BasePhysical, loaded.BaseVirtualDelta)
	for _, s := range loaded.Segments {
		pages, err := pa.AllocatePages(firmware.AllocateAddress, SegmentMemoryKind, s.PageCount, s.PhysicalAddress)
		if err != nil {
			return nil, errors.Wrapf(LoaderAllocationFailure, "segment %d: %d pages at 0x%x: %v",
				s.Index, s.PageCount, s.PhysicalAddress, err)
		}
		if uint64(len(pages.Mem)) < s.MemorySize {
			return nil, errors.Wrapf(LoaderAllocationFailure, "segment %d: allocation is %d bytes, need %d",
				s.Index, len(pages.Mem), s.MemorySize)
		}
		if s.FileSize > 0 {
			if err := readAt(f, s.FileOffset, pages.Mem[:s.FileSize]); err != nil {
				return nil, errors.Wrapf(err, "segment %d", s.Index)
			}
		}
		zero := pages.Mem[s.FileSize:s.MemorySize]
		for i := range zero {
			zero[i] = 0
		}
		segLog.Infof("segment %d: va 0x%x -> pa 0x%x, %s (%s from file)", s.Index, s.VirtualAddress,
			s.PhysicalAddress, humanize.IBytes(s.MemorySize), humanize.IBytes(s.FileSize))
	}
	trust.Statsf("segment", "loaded %d segments, entry 0x%x", len(loaded.Segments), loaded.EntryPoint)
	return loaded, nil
}
