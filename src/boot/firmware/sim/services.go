package sim

import (
	"os"

	"github.com/spf13/afero"

	"farewell/src/boot/firmware"
)

func (m *Machine) MemoryMapInfo() (firmware.MapInfo, error) {
	if m.exited {
		return firmware.MapInfo{}, firmware.ErrUnsupported
	}
	mm := m.snapshot()
	return firmware.MapInfo{
		DescriptorSize:    mm.DescriptorSize,
		DescriptorVersion: mm.DescriptorVersion,
		Key:               mm.Key,
		Length:            len(mm.Regions) * int(mm.DescriptorSize),
	}, nil
}

func (m *Machine) MemoryMap(buf []byte) (firmware.MapInfo, error) {
	if m.exited {
		return firmware.MapInfo{}, firmware.ErrUnsupported
	}
	mm := m.snapshot()
	raw := mm.Encode()
	info := firmware.MapInfo{
		DescriptorSize:    mm.DescriptorSize,
		DescriptorVersion: mm.DescriptorVersion,
		Key:               mm.Key,
		Length:            len(raw),
	}
	if len(buf) < len(raw) {
		return info, firmware.ErrBufferTooSmall
	}
	copy(buf, raw)
	return info, nil
}

// AllocatePool hands out host memory but, like a real firmware, the pool
// bookkeeping changes the memory map.
func (m *Machine) AllocatePool(_ firmware.MemoryKind, size int) ([]byte, error) {
	if m.exited {
		return nil, firmware.ErrUnsupported
	}
	if size <= 0 {
		return nil, firmware.ErrInvalidParameter
	}
	m.key++
	return make([]byte, size), nil
}

func (m *Machine) FreePool(buf []byte) error {
	if m.exited {
		return firmware.ErrUnsupported
	}
	if buf == nil {
		return firmware.ErrInvalidParameter
	}
	m.key++
	return nil
}

func (m *Machine) AllocatePages(placement firmware.AllocateType, kind firmware.MemoryKind, count uint64, addr uint64) (firmware.Pages, error) {
	if m.exited {
		return firmware.Pages{}, firmware.ErrUnsupported
	}
	if count == 0 || kind == firmware.Conventional {
		return firmware.Pages{}, firmware.ErrInvalidParameter
	}
	size := count * firmware.PageSize
	if size/firmware.PageSize != count {
		return firmware.Pages{}, firmware.ErrOutOfResources
	}
	switch placement {
	case firmware.AllocateAddress:
		if addr%firmware.PageSize != 0 {
			return firmware.Pages{}, firmware.ErrInvalidParameter
		}
		if !m.free(addr, count) {
			return firmware.Pages{}, firmware.ErrNotFound
		}
	case firmware.AllocateAnyPages, firmware.AllocateMaxAddress:
		limit := ^uint64(0)
		if placement == firmware.AllocateMaxAddress {
			limit = addr
		}
		found := false
		for _, r := range m.regions {
			for i := range r.kinds {
				start := r.start + uint64(i)*firmware.PageSize
				if start+size-1 > limit || start+size < start {
					break
				}
				if m.free(start, count) {
					addr, found = start, true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return firmware.Pages{}, firmware.ErrOutOfResources
		}
	default:
		return firmware.Pages{}, firmware.ErrInvalidParameter
	}

	r := m.find(addr, size)
	first := (addr - r.start) / firmware.PageSize
	for i := first; i < first+count; i++ {
		r.kinds[i] = kind
	}
	m.key++
	off := addr - r.start
	return firmware.Pages{Addr: addr, Count: count, Mem: r.mem[off : off+size : off+size]}, nil
}

// free reports whether all count pages from addr are free RAM in a single
// region.
func (m *Machine) free(addr, count uint64) bool {
	r := m.find(addr, count*firmware.PageSize)
	if r == nil || r.mem == nil {
		return false
	}
	first := (addr - r.start) / firmware.PageSize
	for i := first; i < first+count; i++ {
		if r.kinds[i] != firmware.Conventional {
			return false
		}
	}
	return true
}

func (m *Machine) ExitBootServices(h firmware.Handle, key firmware.MapKey) error {
	if m.exited {
		return firmware.ErrUnsupported
	}
	m.exitAttempts++
	if h != loaderHandle {
		return firmware.ErrInvalidParameter
	}
	if m.staleExits != 0 {
		if m.staleExits > 0 {
			m.staleExits--
		}
		// a timer event got in between the caller's snapshot and now
		m.key++
		return firmware.ErrInvalidParameter
	}
	if key != m.key {
		return firmware.ErrInvalidParameter
	}
	m.exited = true
	return nil
}

func (m *Machine) SetWatchdogTimer(seconds uint, _ uint64, _ []byte) error {
	if m.exited {
		return firmware.ErrUnsupported
	}
	m.watchdog = seconds
	return nil
}

// SetVirtualAddressMap accepts the map once, after boot services are gone.
// Every region must match the firmware's own map except for VirtualStart.
func (m *Machine) SetVirtualAddressMap(mm firmware.MemoryMap) error {
	if !m.exited || m.virtualMap != nil {
		return firmware.ErrUnsupported
	}
	own := m.snapshot()
	if len(own.Regions) != len(mm.Regions) {
		return firmware.ErrInvalidParameter
	}
	for i, r := range mm.Regions {
		o := own.Regions[i]
		if r.Kind != o.Kind || r.PhysicalStart != o.PhysicalStart || r.PageCount != o.PageCount {
			return firmware.ErrInvalidParameter
		}
	}
	installed := mm
	installed.Regions = append([]firmware.MemoryRegion(nil), mm.Regions...)
	m.virtualMap = &installed
	return nil
}

func (m *Machine) OpenVolume() (firmware.Volume, error) {
	if m.exited {
		return nil, firmware.ErrUnsupported
	}
	if m.fs == nil {
		return nil, firmware.ErrNotFound
	}
	return &volume{fs: m.fs}, nil
}

type volume struct {
	fs afero.Fs
}

func (v *volume) Open(path string) (firmware.File, error) {
	f, err := v.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, firmware.ErrNotFound
		}
		return nil, firmware.ErrDeviceError
	}
	if st, err := f.Stat(); err == nil && st.IsDir() {
		f.Close()
		return nil, firmware.ErrNotFound
	}
	return firmware.NewFile(f), nil
}
