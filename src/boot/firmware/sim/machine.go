// Package sim is a firmware that runs inside an ordinary process.  It gives
// the boot sequence the same services a real firmware does, over a few
// blocks of host memory standing in for RAM, so the whole sequence can be
// exercised and inspected from the host.
package sim

import (
	"fmt"
	"sort"

	"github.com/spf13/afero"

	"farewell/src/boot/firmware"
)

const loaderHandle = firmware.Handle(0x5eed)

// Machine is one simulated computer.  It is not safe for concurrent use;
// the boot sequence it serves is single threaded.
type Machine struct {
	regions []*region
	key     firmware.MapKey
	fs      afero.Fs
	poison  byte

	staleExits   int // -1 means every exit attempt is stale
	exitAttempts int
	exited       bool

	virtualMap *firmware.MemoryMap
	watchdog   uint

	outcome Outcome
}

type Option func(m *Machine)

// WithFS gives the machine a volume to load files from.
func WithFS(fs afero.Fs) Option {
	return func(m *Machine) { m.fs = fs }
}

// WithStaleExits makes the first n ExitBootServices calls fail as if the
// map had changed since the caller's snapshot.  A negative n makes every
// call fail that way.
func WithStaleExits(n int) Option {
	return func(m *Machine) { m.staleExits = n }
}

// WithPoison fills all RAM with b before the loader runs, the way real
// memory is full of leftovers.
func WithPoison(b byte) Option {
	return func(m *Machine) { m.poison = b }
}

// New builds a machine with the given memory layout.  Close releases the
// memory standing in for RAM.
func New(l Layout, opts ...Option) (*Machine, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{key: 1, watchdog: 300}
	for _, o := range opts {
		o(m)
	}
	specs := append([]RegionSpec(nil), l.Regions...)
	sort.Slice(specs, func(i, j int) bool { return specs[i].Start < specs[j].Start })
	for _, s := range specs {
		kind, _ := firmware.ParseMemoryKind(s.Kind)
		r := &region{start: s.Start, kinds: make([]firmware.MemoryKind, s.Pages)}
		for i := range r.kinds {
			r.kinds[i] = kind
		}
		if isRAM(kind) {
			mem, err := newBacking(int(s.Pages * firmware.PageSize))
			if err != nil {
				m.Close()
				return nil, fmt.Errorf("backing for region at 0x%x: %w", s.Start, err)
			}
			if m.poison != 0 {
				for i := range mem {
					mem[i] = m.poison
				}
			}
			r.mem = mem
		}
		m.regions = append(m.regions, r)
	}
	return m, nil
}

func (m *Machine) Close() error {
	var first error
	for _, r := range m.regions {
		if r.mem == nil {
			continue
		}
		if err := freeBacking(r.mem); err != nil && first == nil {
			first = err
		}
		r.mem = nil
	}
	return first
}

func (m *Machine) Handle() firmware.Handle {
	return loaderHandle
}

// find returns the region that holds all of [addr, addr+size).
func (m *Machine) find(addr, size uint64) *region {
	for _, r := range m.regions {
		if addr >= r.start && addr+size <= r.end() && addr+size >= addr {
			return r
		}
	}
	return nil
}

// snapshot coalesces runs of pages with the same kind into regions.
func (m *Machine) snapshot() firmware.MemoryMap {
	mm := firmware.MemoryMap{
		Key:               m.key,
		DescriptorSize:    firmware.DescriptorSize,
		DescriptorVersion: firmware.DescriptorVersion,
	}
	for _, r := range m.regions {
		for i := 0; i < len(r.kinds); {
			j := i
			for j < len(r.kinds) && r.kinds[j] == r.kinds[i] {
				j++
			}
			start := r.start + uint64(i)*firmware.PageSize
			mm.Regions = append(mm.Regions, firmware.MemoryRegion{
				Kind:          r.kinds[i],
				PhysicalStart: start,
				VirtualStart:  start,
				PageCount:     uint64(j - i),
			})
			i = j
		}
	}
	return mm
}

// ReadPhysical copies n bytes of simulated RAM starting at addr.
func (m *Machine) ReadPhysical(addr uint64, n int) ([]byte, error) {
	r := m.find(addr, uint64(n))
	if r == nil || r.mem == nil {
		return nil, fmt.Errorf("0x%x+%d is not RAM", addr, n)
	}
	off := addr - r.start
	return append([]byte(nil), r.mem[off:off+uint64(n)]...), nil
}

// Snapshot is the memory map as it is right now.
func (m *Machine) Snapshot() firmware.MemoryMap {
	return m.snapshot()
}

func (m *Machine) ExitAttempts() int {
	return m.exitAttempts
}

func (m *Machine) Exited() bool {
	return m.exited
}

// VirtualMap is the map installed with SetVirtualAddressMap, if any.
func (m *Machine) VirtualMap() (firmware.MemoryMap, bool) {
	if m.virtualMap == nil {
		return firmware.MemoryMap{}, false
	}
	return *m.virtualMap, true
}

func (m *Machine) Watchdog() uint {
	return m.watchdog
}
