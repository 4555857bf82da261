// Package ihex reads and writes Intel HEX, with two extra record types that
// carry the high 32 bits of 64 bit load addresses and entry points.
package ihex

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// DataLineSize is the most data bytes put on one line.
const DataLineSize = 0x20

type LineType int

// We implement all the standard line types except 2 and 3, which are
// ancient x86 segment things.
const (
	DataLine              LineType = 0
	EndOfFile             LineType = 1
	ExtendedLinearAddress LineType = 4
	StartLinearAddress    LineType = 5
	BigLinearAddress      LineType = 0x81
	BigEntryPoint         LineType = 0x82
)

func (t LineType) String() string {
	switch t {
	case DataLine:
		return "DataLine"
	case EndOfFile:
		return "EndOfFile"
	case ExtendedLinearAddress:
		return "ExtendedLinearAddress"
	case StartLinearAddress:
		return "StartLinearAddress"
	case BigLinearAddress:
		return "BigLinearAddress"
	case BigEntryPoint:
		return "BigEntryPoint"
	}
	return fmt.Sprintf("LineType(0x%02x)", int(t))
}

var (
	ErrSyntax   = errors.New("malformed hex line")
	ErrChecksum = errors.New("bad checksum")
	ErrNoEOF    = errors.New("input ended without an end of file record")
)

// Record is one decoded line.
type Record struct {
	Type   LineType
	Offset uint16
	Data   []byte
}

func checksum(t LineType, offset uint16, data []byte) byte {
	sum := byte(len(data)) + byte(offset>>8) + byte(offset) + byte(t)
	for _, b := range data {
		sum += b
	}
	return -sum
}

// EncodeLine renders one record, without a line ending.
func EncodeLine(r Record) string {
	if len(r.Data) > 0xff {
		panic("intel hex records hold at most 0xff bytes")
	}
	return fmt.Sprintf(":%02X%04X%02X%s%02X", len(r.Data), r.Offset, int(r.Type),
		strings.ToUpper(hex.EncodeToString(r.Data)), checksum(r.Type, r.Offset, r.Data))
}

// ParseLine decodes and checks one line.  Surrounding blanks are ignored.
func ParseLine(s string) (Record, error) {
	s = strings.TrimSpace(s)
	if len(s) < 11 || s[0] != ':' {
		return Record{}, errors.Wrapf(ErrSyntax, "%q", s)
	}
	raw, err := hex.DecodeString(s[1:])
	if err != nil {
		return Record{}, errors.Wrapf(ErrSyntax, "%q: %v", s, err)
	}
	n := int(raw[0])
	if len(raw) != n+5 {
		return Record{}, errors.Wrapf(ErrSyntax, "%q: length byte says %d data bytes, line has %d", s, n, len(raw)-5)
	}
	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		return Record{}, errors.Wrapf(ErrChecksum, "%q", s)
	}
	return Record{
		Type:   LineType(raw[3]),
		Offset: uint16(raw[1])<<8 | uint16(raw[2]),
		Data:   raw[4 : 4+n],
	}, nil
}

// Encoder writes data at 64 bit addresses, announcing the upper address
// bits only when they change.
type Encoder struct {
	w      io.Writer
	high   uint64
	primed bool
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) line(t LineType, offset uint16, data []byte) error {
	_, err := io.WriteString(e.w, EncodeLine(Record{Type: t, Offset: offset, Data: data})+"\n")
	return err
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func (e *Encoder) window(addr uint64) error {
	high := addr &^ 0xffff
	if e.primed && high == e.high {
		return nil
	}
	if !e.primed || high>>32 != e.high>>32 {
		if err := e.line(BigLinearAddress, 0, be32(uint32(high>>32))); err != nil {
			return err
		}
	}
	if err := e.line(ExtendedLinearAddress, 0, []byte{byte(high >> 24), byte(high >> 16)}); err != nil {
		return err
	}
	e.high = high
	e.primed = true
	return nil
}

// Data writes data to be loaded at addr.
func (e *Encoder) Data(addr uint64, data []byte) error {
	for len(data) > 0 {
		if err := e.window(addr); err != nil {
			return err
		}
		n := len(data)
		if n > DataLineSize {
			n = DataLineSize
		}
		if room := 0x10000 - int(addr&0xffff); n > room {
			n = room
		}
		if err := e.line(DataLine, uint16(addr), data[:n]); err != nil {
			return err
		}
		addr += uint64(n)
		data = data[n:]
	}
	return nil
}

// Entry records the entry point.
func (e *Encoder) Entry(entry uint64) error {
	if hi := uint32(entry >> 32); hi != 0 {
		if err := e.line(BigEntryPoint, 0, be32(hi)); err != nil {
			return err
		}
	}
	return e.line(StartLinearAddress, 0, be32(uint32(entry)))
}

// Close writes the end of file record.  It does not close the writer.
func (e *Encoder) Close() error {
	return e.line(EndOfFile, 0, nil)
}

func u32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Decode reads records up to the end of file record, handing each data
// record to store with its full address.  It returns the entry point, or
// zero if the input has none.
func Decode(r io.Reader, store func(addr uint64, data []byte) error) (uint64, error) {
	var base, entry uint64
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		rec, err := ParseLine(text)
		if err != nil {
			return 0, errors.Wrapf(err, "line %d", lineNo)
		}
		want := -1
		switch rec.Type {
		case DataLine:
			if err := store(base|uint64(rec.Offset), rec.Data); err != nil {
				return 0, errors.Wrapf(err, "line %d", lineNo)
			}
		case EndOfFile:
			return entry, nil
		case ExtendedLinearAddress:
			want = 2
			if len(rec.Data) == want {
				base = base&^0xffff_ffff | uint64(rec.Data[0])<<24 | uint64(rec.Data[1])<<16
			}
		case BigLinearAddress:
			want = 4
			if len(rec.Data) == want {
				base = base&0xffff_ffff | uint64(u32(rec.Data))<<32
			}
		case StartLinearAddress:
			want = 4
			if len(rec.Data) == want {
				entry = entry&^0xffff_ffff | uint64(u32(rec.Data))
			}
		case BigEntryPoint:
			want = 4
			if len(rec.Data) == want {
				entry = entry&0xffff_ffff | uint64(u32(rec.Data))<<32
			}
		default:
			return 0, errors.Wrapf(ErrSyntax, "line %d: unsupported record type %s", lineNo, rec.Type)
		}
		if want >= 0 && len(rec.Data) != want {
			return 0, errors.Wrapf(ErrSyntax, "line %d: %s needs %d bytes, has %d", lineNo, rec.Type, want, len(rec.Data))
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, ErrNoEOF
}
