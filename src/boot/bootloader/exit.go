package bootloader

import (
	"github.com/pkg/errors"

	"farewell/src/boot/firmware"
	"farewell/src/lib/loader"
	"farewell/src/lib/trust"
)

var exitLog = trust.NewLogger("exit")

// MapServices are the boot services needed to take a memory map snapshot.
type MapServices interface {
	MemoryMapInfo() (firmware.MapInfo, error)
	MemoryMap(buf []byte) (firmware.MapInfo, error)
	AllocatePool(kind firmware.MemoryKind, size int) ([]byte, error)
	FreePool(buf []byte) error
}

type ExitServices interface {
	MapServices
	ExitBootServices(h firmware.Handle, key firmware.MapKey) error
}

// release frees buf on a path that is already failing; a second error is
// only worth a warning.
func release(svc MapServices, buf []byte) {
	if err := svc.FreePool(buf); err != nil {
		exitLog.Warnf("unable to free memory map buffer: %v", err)
	}
}

// snapshot fetches and decodes the current memory map.  The raw buffer is
// returned still allocated: freeing it changes the map, so the caller
// decides when that is allowed.
func snapshot(svc MapServices) (firmware.MemoryMap, []byte, error) {
	info, err := svc.MemoryMapInfo()
	if err != nil {
		return firmware.MemoryMap{}, nil, errors.Wrapf(loader.LoaderFatal, "memory map info: %v", err)
	}
	for fetch := 0; fetch <= mapRegrowLimit; fetch++ {
		stride := int(info.DescriptorSize)
		if stride < firmware.MinDescriptorSize {
			stride = firmware.DescriptorSize
		}
		buf, err := svc.AllocatePool(mapBufferKind, info.Length+mapSlackDescriptors*stride)
		if err != nil {
			return firmware.MemoryMap{}, nil, errors.Wrapf(loader.LoaderAllocationFailure, "memory map buffer: %v", err)
		}
		info, err = svc.MemoryMap(buf)
		if errors.Is(err, firmware.ErrBufferTooSmall) {
			// info now carries the size the firmware wants
			if ferr := svc.FreePool(buf); ferr != nil {
				return firmware.MemoryMap{}, nil, errors.Wrapf(loader.LoaderFatal, "free memory map buffer: %v", ferr)
			}
			continue
		}
		if err != nil {
			release(svc, buf)
			return firmware.MemoryMap{}, nil, errors.Wrapf(loader.LoaderFatal, "memory map: %v", err)
		}
		mm, err := firmware.DecodeMemoryMap(buf, info)
		if err != nil {
			release(svc, buf)
			return firmware.MemoryMap{}, nil, errors.Wrap(loader.LoaderInvalidFormat, err.Error())
		}
		return mm, buf, nil
	}
	return firmware.MemoryMap{}, nil, errors.Wrap(loader.LoaderFatal, "memory map keeps outgrowing its buffer")
}

// Snapshot returns a copy of the current memory map.  The key in it is
// stale as soon as Snapshot returns, since releasing the buffer changes the
// map.
func Snapshot(svc MapServices) (firmware.MemoryMap, error) {
	mm, buf, err := snapshot(svc)
	if err != nil {
		return mm, err
	}
	if err := svc.FreePool(buf); err != nil {
		return firmware.MemoryMap{}, errors.Wrapf(loader.LoaderFatal, "free memory map buffer: %v", err)
	}
	return mm, nil
}

// ExitSequencer ends boot services.  Each attempt takes a fresh snapshot
// and offers its key; a stale key means the firmware changed the map in
// between, so it tries again, up to MaxAttempts times.
type ExitSequencer struct {
	Services    ExitServices
	Handle      firmware.Handle
	MaxAttempts int
}

// Exit returns the memory map as of the successful exit.  After it
// succeeds no boot service may be called.
func (s *ExitSequencer) Exit() (firmware.MemoryMap, error) {
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		mm, buf, err := snapshot(s.Services)
		if err != nil {
			return firmware.MemoryMap{}, err
		}
		err = s.Services.ExitBootServices(s.Handle, mm.Key)
		if err == nil {
			// buf is never freed: there is nobody left to give it back to
			trust.Statsf("exit", "boot services ended on attempt %d, %d regions", attempt, len(mm.Regions))
			return mm, nil
		}
		if !errors.Is(err, firmware.ErrInvalidParameter) {
			release(s.Services, buf)
			return firmware.MemoryMap{}, errors.Wrapf(loader.LoaderFatal, "exit boot services: %v", err)
		}
		exitLog.Warnf("map key %d went stale (attempt %d of %d)", mm.Key, attempt, s.MaxAttempts)
		if err := s.Services.FreePool(buf); err != nil {
			return firmware.MemoryMap{}, errors.Wrapf(loader.LoaderFatal, "free memory map buffer: %v", err)
		}
	}
	return firmware.MemoryMap{}, errors.Wrapf(loader.LoaderFatal, "boot services still running after %d attempts", s.MaxAttempts)
}
