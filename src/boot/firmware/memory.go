package firmware

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the unit of every page allocation the firmware makes.
const PageSize = 0x1000

// DescriptorSize is the stride this package encodes memory maps with.  Maps
// from firmware may use any stride at least MinDescriptorSize.
const DescriptorSize = 48
const MinDescriptorSize = 40
const DescriptorVersion = 1

type MemoryKind uint32

const (
	Reserved            MemoryKind = 0
	LoaderCode          MemoryKind = 1
	LoaderData          MemoryKind = 2
	BootServicesCode    MemoryKind = 3
	BootServicesData    MemoryKind = 4
	RuntimeServicesCode MemoryKind = 5
	RuntimeServicesData MemoryKind = 6
	Conventional        MemoryKind = 7
	Unusable            MemoryKind = 8
	ACPIReclaim         MemoryKind = 9
	ACPINVS             MemoryKind = 10
	MMIO                MemoryKind = 11
	MMIOPortSpace       MemoryKind = 12
	PalCode             MemoryKind = 13
	Persistent          MemoryKind = 14
)

var kindNames = map[MemoryKind]string{
	Reserved:            "reserved",
	LoaderCode:          "loader-code",
	LoaderData:          "loader-data",
	BootServicesCode:    "boot-code",
	BootServicesData:    "boot-data",
	RuntimeServicesCode: "runtime-code",
	RuntimeServicesData: "runtime-data",
	Conventional:        "free",
	Unusable:            "unusable",
	ACPIReclaim:         "acpi-reclaim",
	ACPINVS:             "acpi-nvs",
	MMIO:                "mmio",
	MMIOPortSpace:       "mmio-port",
	PalCode:             "pal-code",
	Persistent:          "persistent",
}

func (k MemoryKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// ParseMemoryKind is the inverse of MemoryKind.String.
func ParseMemoryKind(s string) (MemoryKind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// MemoryRegion is one descriptor of the memory map.  Only VirtualStart is
// ever changed after the snapshot is taken.
type MemoryRegion struct {
	Kind          MemoryKind
	PhysicalStart uint64
	VirtualStart  uint64
	PageCount     uint64
	Attribute     uint64
}

// End is the first physical address past the region.
func (r MemoryRegion) End() uint64 {
	return r.PhysicalStart + r.PageCount*PageSize
}

// MapKey identifies one particular snapshot of the firmware memory map.
type MapKey uint64

type MemoryMap struct {
	Regions           []MemoryRegion
	Key               MapKey
	DescriptorSize    uint32
	DescriptorVersion uint32
}

// MapInfo describes the map the firmware currently holds.  Length is in
// bytes.
type MapInfo struct {
	DescriptorSize    uint32
	DescriptorVersion uint32
	Key               MapKey
	Length            int
}

// DecodeMemoryMap decodes length bytes of raw descriptors, each
// descriptorSize bytes apart.  Fields past the ones known here are ignored.
func DecodeMemoryMap(raw []byte, info MapInfo) (MemoryMap, error) {
	stride := int(info.DescriptorSize)
	if stride < MinDescriptorSize {
		return MemoryMap{}, fmt.Errorf("descriptor size %d is smaller than %d", stride, MinDescriptorSize)
	}
	if info.Length < 0 || info.Length > len(raw) {
		return MemoryMap{}, fmt.Errorf("map length %d does not fit in %d byte buffer", info.Length, len(raw))
	}
	if info.Length%stride != 0 {
		return MemoryMap{}, fmt.Errorf("map length %d is not a multiple of descriptor size %d", info.Length, stride)
	}
	mm := MemoryMap{
		Regions:           make([]MemoryRegion, 0, info.Length/stride),
		Key:               info.Key,
		DescriptorSize:    info.DescriptorSize,
		DescriptorVersion: info.DescriptorVersion,
	}
	for off := 0; off < info.Length; off += stride {
		d := raw[off : off+stride]
		mm.Regions = append(mm.Regions, MemoryRegion{
			Kind:          MemoryKind(binary.LittleEndian.Uint32(d[0:4])),
			PhysicalStart: binary.LittleEndian.Uint64(d[8:16]),
			VirtualStart:  binary.LittleEndian.Uint64(d[16:24]),
			PageCount:     binary.LittleEndian.Uint64(d[24:32]),
			Attribute:     binary.LittleEndian.Uint64(d[32:40]),
		})
	}
	return mm, nil
}

// Encode lays the map out as raw descriptors using the map's own stride
// (DescriptorSize if it has none).
func (m *MemoryMap) Encode() []byte {
	stride := int(m.DescriptorSize)
	if stride < MinDescriptorSize {
		stride = DescriptorSize
	}
	raw := make([]byte, stride*len(m.Regions))
	for i, r := range m.Regions {
		d := raw[i*stride : (i+1)*stride]
		binary.LittleEndian.PutUint32(d[0:4], uint32(r.Kind))
		binary.LittleEndian.PutUint64(d[8:16], r.PhysicalStart)
		binary.LittleEndian.PutUint64(d[16:24], r.VirtualStart)
		binary.LittleEndian.PutUint64(d[24:32], r.PageCount)
		binary.LittleEndian.PutUint64(d[32:40], r.Attribute)
	}
	return raw
}
