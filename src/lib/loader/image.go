package loader

import (
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"farewell/src/boot/firmware"
)

const PageSize = firmware.PageSize

const (
	identSize            = elf.EI_NIDENT
	headerSize           = 64 // ident included
	segmentHeaderSize    = 56 // one ELF64 program header
	maxSegmentTableBytes = 1 << 20
)

// Identity is the ident block at the front of the image.
type Identity struct {
	Magic   [4]byte
	Class   elf.Class
	Data    elf.Data
	Version elf.Version
}

// Header holds the parts of the ELF64 header the loader uses.
type Header struct {
	Type             elf.Type
	Machine          elf.Machine
	Entry            uint64
	SegmentOffset    uint64
	SegmentEntrySize uint16
	SegmentCount     uint16
}

type SegmentHeader struct {
	Kind            elf.ProgType
	Flags           elf.ProgFlag
	FileOffset      uint64
	VirtualAddress  uint64
	PhysicalAddress uint64
	FileSize        uint64
	MemorySize      uint64
	Alignment       uint64
}

func (s SegmentHeader) Loadable() bool {
	return s.Kind == elf.PT_LOAD
}

// Image is a validated image header and its segment table.  Nothing has
// been placed in memory yet.
type Image struct {
	Identity Identity
	Header   Header
	Segments []SegmentHeader
}

// ReadImage validates the identity of the image behind f and decodes its
// header and segment table.
func ReadImage(f firmware.File) (*Image, error) {
	ident := make([]byte, identSize)
	if err := readAt(f, 0, ident); err != nil {
		return nil, errors.Wrap(err, "identity block")
	}
	id, err := checkIdentity(ident)
	if err != nil {
		return nil, err
	}

	rest := make([]byte, headerSize-identSize)
	if err := readAt(f, identSize, rest); err != nil {
		return nil, errors.Wrap(err, "header")
	}
	hdr := decodeHeader(rest)
	if hdr.SegmentCount == 0 {
		return nil, errors.Wrap(LoaderInvalidFormat, "segment header table is empty")
	}
	if hdr.SegmentEntrySize < segmentHeaderSize {
		return nil, errors.Wrapf(LoaderInvalidFormat, "segment header entry size %d is smaller than %d",
			hdr.SegmentEntrySize, segmentHeaderSize)
	}
	tableLen := uint64(hdr.SegmentEntrySize) * uint64(hdr.SegmentCount)
	if tableLen > maxSegmentTableBytes {
		return nil, errors.Wrapf(LoaderInvalidFormat, "segment header table is %d bytes", tableLen)
	}
	if hdr.SegmentOffset+tableLen < hdr.SegmentOffset {
		return nil, errors.Wrapf(LoaderInvalidFormat, "segment header table offset 0x%x overflows", hdr.SegmentOffset)
	}

	table := make([]byte, tableLen)
	if err := readAt(f, hdr.SegmentOffset, table); err != nil {
		return nil, errors.Wrap(err, "segment header table")
	}
	segs, err := decodeSegmentTable(table, int(hdr.SegmentEntrySize))
	if err != nil {
		return nil, err
	}
	return &Image{Identity: id, Header: hdr, Segments: segs}, nil
}

func checkIdentity(b []byte) (Identity, error) {
	var id Identity
	copy(id.Magic[:], b[0:4])
	id.Class = elf.Class(b[elf.EI_CLASS])
	id.Data = elf.Data(b[elf.EI_DATA])
	id.Version = elf.Version(b[elf.EI_VERSION])

	if string(id.Magic[:]) != elf.ELFMAG {
		return id, errors.Wrapf(LoaderInvalidFormat, "bad magic % x", id.Magic[:])
	}
	if id.Class != elf.ELFCLASS64 {
		return id, errors.Wrapf(LoaderUnsupported, "image class is %s", id.Class)
	}
	if id.Data != elf.ELFDATA2LSB {
		return id, errors.Wrapf(LoaderIncompatibleVersion, "image byte order is %s", id.Data)
	}
	if id.Version != elf.EV_CURRENT {
		return id, errors.Wrapf(LoaderIncompatibleVersion, "image version is %s", id.Version)
	}
	return id, nil
}

// decodeHeader takes the 48 header bytes that follow the identity block.
func decodeHeader(b []byte) Header {
	le := binary.LittleEndian
	return Header{
		Type:             elf.Type(le.Uint16(b[0:2])),
		Machine:          elf.Machine(le.Uint16(b[2:4])),
		Entry:            le.Uint64(b[8:16]),
		SegmentOffset:    le.Uint64(b[16:24]),
		SegmentEntrySize: le.Uint16(b[38:40]),
		SegmentCount:     le.Uint16(b[40:42]),
	}
}

func decodeSegmentTable(table []byte, stride int) ([]SegmentHeader, error) {
	if stride < segmentHeaderSize || len(table)%stride != 0 {
		return nil, errors.Wrapf(LoaderInvalidFormat, "segment table of %d bytes with stride %d", len(table), stride)
	}
	le := binary.LittleEndian
	result := make([]SegmentHeader, 0, len(table)/stride)
	for off := 0; off < len(table); off += stride {
		p := table[off : off+segmentHeaderSize]
		result = append(result, SegmentHeader{
			Kind:            elf.ProgType(le.Uint32(p[0:4])),
			Flags:           elf.ProgFlag(le.Uint32(p[4:8])),
			FileOffset:      le.Uint64(p[8:16]),
			VirtualAddress:  le.Uint64(p[16:24]),
			PhysicalAddress: le.Uint64(p[24:32]),
			FileSize:        le.Uint64(p[32:40]),
			MemorySize:      le.Uint64(p[40:48]),
			Alignment:       le.Uint64(p[48:56]),
		})
	}
	return result, nil
}

// readAt positions f and fills buf completely.  Any shortfall is an
// IOFailure.
func readAt(f firmware.File, offset uint64, buf []byte) error {
	if err := f.SetPosition(offset); err != nil {
		return errors.Wrapf(LoaderIOFailure, "set position 0x%x: %v", offset, err)
	}
	read := 0
	for read < len(buf) {
		n, err := f.Read(buf[read:])
		read += n
		if read == len(buf) {
			break
		}
		if err == io.EOF || (err == nil && n == 0) {
			return errors.Wrapf(LoaderIOFailure, "short read at 0x%x: %d of %d bytes", offset, read, len(buf))
		}
		if err != nil {
			return errors.Wrapf(LoaderIOFailure, "read at 0x%x: %v", offset, err)
		}
	}
	return nil
}
