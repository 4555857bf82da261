// Package elftest builds small ELF64 little-endian images for tests.
package elftest

import (
	"debug/elf"
	"encoding/binary"
)

const headerSize = 64
const phdrSize = 56

// Segment describes one program header.  A zero Kind means PT_LOAD and a
// zero MemSize means len(Data).
type Segment struct {
	Kind    elf.ProgType
	Flags   elf.ProgFlag
	VA      uint64
	Data    []byte
	MemSize uint64
}

// Build lays out a header, the program header table and then the data of
// each segment, 16-byte aligned, in table order.
func Build(entry uint64, segs ...Segment) []byte {
	tableEnd := headerSize + phdrSize*len(segs)
	offsets := make([]int, len(segs))
	size := tableEnd
	for i, s := range segs {
		size = (size + 15) &^ 15
		offsets[i] = size
		size += len(s.Data)
	}
	out := make([]byte, size)
	le := binary.LittleEndian

	copy(out[0:4], elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(out[16:], uint16(elf.ET_EXEC))
	le.PutUint16(out[18:], uint16(elf.EM_X86_64))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(out[24:], entry)
	le.PutUint64(out[32:], headerSize)
	le.PutUint16(out[52:], headerSize)
	le.PutUint16(out[54:], phdrSize)
	le.PutUint16(out[56:], uint16(len(segs)))

	for i, s := range segs {
		kind := s.Kind
		if kind == 0 {
			kind = elf.PT_LOAD
		}
		mem := s.MemSize
		if mem == 0 {
			mem = uint64(len(s.Data))
		}
		p := out[headerSize+i*phdrSize:]
		le.PutUint32(p[0:], uint32(kind))
		le.PutUint32(p[4:], uint32(s.Flags))
		le.PutUint64(p[8:], uint64(offsets[i]))
		le.PutUint64(p[16:], s.VA)
		le.PutUint64(p[24:], s.VA)
		le.PutUint64(p[32:], uint64(len(s.Data)))
		le.PutUint64(p[40:], mem)
		le.PutUint64(p[48:], 0x1000)
		copy(out[offsets[i]:], s.Data)
	}
	return out
}

// Pattern returns n bytes that differ from their neighbours, so misplaced
// copies show up.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}
