package firmware

import (
	"io"
)

// Handle is the firmware's handle for the running loader image.
type Handle uintptr

// AllocateType says how AllocatePages picks the physical address.
type AllocateType int

const (
	AllocateAnyPages   AllocateType = 0
	AllocateMaxAddress AllocateType = 1
	AllocateAddress    AllocateType = 2
)

// Pages is a page allocation.  Mem covers the whole allocation and stays
// valid for as long as the machine runs.
type Pages struct {
	Addr  uint64
	Count uint64
	Mem   []byte
}

// File is a firmware file handle: a position and sequential reads.
type File interface {
	SetPosition(offset uint64) error
	Read(buf []byte) (int, error)
}

// Volume is the file system the loader image was started from.
type Volume interface {
	Open(path string) (File, error)
}

// BootServices are only usable until ExitBootServices succeeds.
type BootServices interface {
	MemoryMapInfo() (MapInfo, error)
	// MemoryMap fills buf with raw descriptors.  If buf is too short it
	// returns ErrBufferTooSmall and the info with the required Length.
	MemoryMap(buf []byte) (MapInfo, error)
	AllocatePool(kind MemoryKind, size int) ([]byte, error)
	FreePool(buf []byte) error
	// AllocatePages takes count pages.  addr is the exact address for
	// AllocateAddress, the highest acceptable address for
	// AllocateMaxAddress and ignored for AllocateAnyPages.
	AllocatePages(placement AllocateType, kind MemoryKind, count uint64, addr uint64) (Pages, error)
	ExitBootServices(h Handle, key MapKey) error
	SetWatchdogTimer(seconds uint, code uint64, data []byte) error
	OpenVolume() (Volume, error)
}

// RuntimeServices survive ExitBootServices.
type RuntimeServices interface {
	// SetVirtualAddressMap may be called once, after boot services are gone.
	SetVirtualAddressMap(mm MemoryMap) error
}

type seekFile struct {
	rs io.ReadSeeker
}

// NewFile adapts a host reader to the firmware File interface.
func NewFile(rs io.ReadSeeker) File {
	return &seekFile{rs: rs}
}

func (s *seekFile) SetPosition(offset uint64) error {
	if offset > 1<<62 {
		return ErrInvalidParameter
	}
	_, err := s.rs.Seek(int64(offset), io.SeekStart)
	return err
}

func (s *seekFile) Read(buf []byte) (int, error) {
	return s.rs.Read(buf)
}
