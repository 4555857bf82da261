package sim

import (
	"fmt"
	"io"
	"sort"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"farewell/src/boot/firmware"
)

// RegionSpec is one region of the simulated machine's memory as it looks
// when the firmware hands control to the loader.
type RegionSpec struct {
	Kind  string `yaml:"kind"`
	Start uint64 `yaml:"start"`
	Pages uint64 `yaml:"pages"`
}

type Layout struct {
	Regions []RegionSpec `yaml:"regions"`
}

// DefaultLayout is a small PC-like machine with memBytes of RAM: low
// memory, the loader image and firmware data at 1MB, a large free region
// from 2MB and runtime services at the top.
func DefaultLayout(memBytes uint64) Layout {
	top := memBytes &^ (firmware.PageSize - 1)
	if top < 0x400000 {
		top = 0x400000
	}
	const rt = 16 // pages each of runtime code and data
	freeStart := uint64(0x200000)
	freeEnd := top - 2*rt*firmware.PageSize
	return Layout{Regions: []RegionSpec{
		{Kind: "reserved", Start: 0x0, Pages: 1},
		{Kind: "free", Start: 0x1000, Pages: 0x9f},
		{Kind: "loader-code", Start: 0x100000, Pages: 0x40},
		{Kind: "boot-data", Start: 0x140000, Pages: 0xc0},
		{Kind: "free", Start: freeStart, Pages: (freeEnd - freeStart) / firmware.PageSize},
		{Kind: "runtime-code", Start: freeEnd, Pages: rt},
		{Kind: "runtime-data", Start: freeEnd + rt*firmware.PageSize, Pages: rt},
	}}
}

// LoadLayout reads a YAML layout.
func LoadLayout(r io.Reader) (Layout, error) {
	var l Layout
	if err := yaml.NewDecoder(r).Decode(&l); err != nil {
		return Layout{}, err
	}
	return l, l.Validate()
}

type region struct {
	start uint64
	kinds []firmware.MemoryKind // one per page
	mem   []byte                // nil for memory that is not RAM
}

func (r *region) end() uint64 {
	return r.start + uint64(len(r.kinds))*firmware.PageSize
}

// Validate checks every region has a known kind, a page aligned start and
// at least one page, and that no two regions overlap.
func (l Layout) Validate() error {
	var result *multierror.Error
	specs := append([]RegionSpec(nil), l.Regions...)
	sort.Slice(specs, func(i, j int) bool { return specs[i].Start < specs[j].Start })
	var prevEnd uint64
	for i, s := range specs {
		if _, ok := firmware.ParseMemoryKind(s.Kind); !ok {
			result = multierror.Append(result, fmt.Errorf("region at 0x%x: unknown kind %q", s.Start, s.Kind))
		}
		if s.Start%firmware.PageSize != 0 {
			result = multierror.Append(result, fmt.Errorf("region at 0x%x: not page aligned", s.Start))
		}
		if s.Pages == 0 {
			result = multierror.Append(result, fmt.Errorf("region at 0x%x: no pages", s.Start))
		}
		if i > 0 && s.Start < prevEnd {
			result = multierror.Append(result, fmt.Errorf("region at 0x%x overlaps the one before it", s.Start))
		}
		prevEnd = s.Start + s.Pages*firmware.PageSize
	}
	if len(specs) == 0 {
		result = multierror.Append(result, fmt.Errorf("layout has no regions"))
	}
	return result.ErrorOrNil()
}

func isRAM(k firmware.MemoryKind) bool {
	switch k {
	case firmware.Reserved, firmware.Unusable, firmware.MMIO, firmware.MMIOPortSpace, firmware.PalCode:
		return false
	}
	return true
}
