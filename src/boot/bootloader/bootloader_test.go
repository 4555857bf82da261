package bootloader

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farewell/src/boot/firmware"
	"farewell/src/boot/firmware/sim"
	"farewell/src/lib/loader"
	"farewell/src/lib/loader/elftest"
	"farewell/src/lib/trust"
)

// fakeExit is a firmware that only knows about the memory map.  Its key
// moves on every pool call, and the first stale exits fail as stale.
type fakeExit struct {
	key      firmware.MapKey
	stale    int // -1 is forever
	exitErr  error
	attempts int
	pools    int
	exited   bool
	short    int // MemoryMap calls to answer with BufferTooSmall
	freeErr  error
	kinds    []firmware.MemoryKind
}

func (f *fakeExit) regions() []firmware.MemoryRegion {
	return []firmware.MemoryRegion{
		{Kind: firmware.Conventional, PhysicalStart: 0x200000, VirtualStart: 0x200000, PageCount: 16},
		{Kind: firmware.BootServicesData, PhysicalStart: 0x210000, VirtualStart: 0x210000, PageCount: 4},
	}
}

func (f *fakeExit) MemoryMapInfo() (firmware.MapInfo, error) {
	return firmware.MapInfo{DescriptorSize: firmware.DescriptorSize, DescriptorVersion: 1, Key: f.key,
		Length: 2 * firmware.DescriptorSize}, nil
}

func (f *fakeExit) MemoryMap(buf []byte) (firmware.MapInfo, error) {
	mm := firmware.MemoryMap{Regions: f.regions(), Key: f.key, DescriptorSize: firmware.DescriptorSize, DescriptorVersion: 1}
	raw := mm.Encode()
	info := firmware.MapInfo{DescriptorSize: firmware.DescriptorSize, DescriptorVersion: 1, Key: f.key, Length: len(raw)}
	if f.short > 0 {
		f.short--
		info.Length = len(buf) + 1
		return info, firmware.ErrBufferTooSmall
	}
	if len(buf) < len(raw) {
		return info, firmware.ErrBufferTooSmall
	}
	copy(buf, raw)
	return info, nil
}

func (f *fakeExit) AllocatePool(kind firmware.MemoryKind, size int) ([]byte, error) {
	f.kinds = append(f.kinds, kind)
	f.key++
	f.pools++
	return make([]byte, size), nil
}

func (f *fakeExit) FreePool(_ []byte) error {
	if f.freeErr != nil {
		return f.freeErr
	}
	f.key++
	f.pools--
	return nil
}

func (f *fakeExit) ExitBootServices(_ firmware.Handle, key firmware.MapKey) error {
	f.attempts++
	if f.exitErr != nil {
		return f.exitErr
	}
	if f.stale != 0 {
		if f.stale > 0 {
			f.stale--
		}
		f.key++
		return firmware.ErrInvalidParameter
	}
	if key != f.key {
		return firmware.ErrInvalidParameter
	}
	f.exited = true
	return nil
}

func checkKind(t *testing.T, err error, want loader.LoaderError) {
	t.Helper()
	require.Error(t, err)
	if got := loader.KindOf(err); got != want {
		t.Errorf("expected %s but got %s (%v)", want, got, err)
	}
}

func TestExitConverges(t *testing.T) {
	for _, stale := range []int{0, 1, 3, 7} {
		f := &fakeExit{key: 10, stale: stale}
		seq := &ExitSequencer{Services: f, Handle: 1, MaxAttempts: 8}
		mm, err := seq.Exit()
		require.NoError(t, err, "stale=%d", stale)
		assert.True(t, f.exited)
		assert.Equal(t, stale+1, f.attempts)
		assert.Len(t, mm.Regions, 2)
		assert.Equal(t, f.key, mm.Key)
		// only the buffer behind the accepted key is still out
		assert.Equal(t, 1, f.pools)
	}
}

func TestExitGivesUp(t *testing.T) {
	f := &fakeExit{key: 10, stale: -1}
	seq := &ExitSequencer{Services: f, Handle: 1, MaxAttempts: 5}
	_, err := seq.Exit()
	checkKind(t, err, loader.LoaderFatal)
	assert.Equal(t, 5, f.attempts)
	assert.False(t, f.exited)
	assert.Equal(t, 0, f.pools)
}

func TestExitOtherFailureIsFatal(t *testing.T) {
	f := &fakeExit{key: 10, exitErr: firmware.ErrDeviceError}
	seq := &ExitSequencer{Services: f, Handle: 1, MaxAttempts: 5}
	_, err := seq.Exit()
	checkKind(t, err, loader.LoaderFatal)
	assert.Equal(t, 1, f.attempts, "only a stale key is worth another try")
}

func TestSnapshotRegrowsBuffer(t *testing.T) {
	f := &fakeExit{key: 3, short: mapRegrowLimit}
	mm, err := Snapshot(f)
	require.NoError(t, err)
	assert.Len(t, mm.Regions, 2)
	assert.Equal(t, 0, f.pools)
	assert.Len(t, f.kinds, mapRegrowLimit+1)

	f = &fakeExit{key: 3, short: mapRegrowLimit + 1}
	_, err = Snapshot(f)
	checkKind(t, err, loader.LoaderFatal)
	assert.Equal(t, 0, f.pools)
}

func TestMapBufferIsNotSegmentMemory(t *testing.T) {
	f := &fakeExit{key: 3}
	_, err := (&ExitSequencer{Services: f, Handle: 1, MaxAttempts: 2}).Exit()
	require.NoError(t, err)
	require.NotEmpty(t, f.kinds)
	for _, k := range f.kinds {
		assert.NotEqual(t, loader.SegmentMemoryKind, k, "the remapper would move the map buffer")
		assert.Equal(t, firmware.BootServicesData, k)
	}
}

func TestExitFailureReportsFreeError(t *testing.T) {
	log := quiet(t)
	f := &fakeExit{key: 10, exitErr: firmware.ErrDeviceError, freeErr: firmware.ErrInvalidParameter}
	_, err := (&ExitSequencer{Services: f, Handle: 1, MaxAttempts: 3}).Exit()
	checkKind(t, err, loader.LoaderFatal)
	assert.Contains(t, err.Error(), "exit boot services", "the exit failure is what gets reported")
	assert.Contains(t, log.String(), "WARN:exit: unable to free memory map buffer")
}

const linkVA = 0xffffffff80000000

func kernel() ([]byte, []byte) {
	text := elftest.Pattern(0x1800, 0x11)
	data := elftest.Pattern(0x100, 0x77)
	return elftest.Build(linkVA+0x40,
		elftest.Segment{Flags: 5, VA: linkVA, Data: text},
		elftest.Segment{Flags: 6, VA: linkVA + 0x2000, Data: data, MemSize: 0x3000},
	), text
}

func bootMachine(t *testing.T, image []byte, opts ...sim.Option) *sim.Machine {
	t.Helper()
	fs := afero.NewMemMapFs()
	if image != nil {
		require.NoError(t, afero.WriteFile(fs, DefaultKernelPath, image, 0o644))
	}
	opts = append([]sim.Option{sim.WithFS(fs), sim.WithPoison(0xcc)}, opts...)
	m, err := sim.New(sim.DefaultLayout(8<<20), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func quiet(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevSink := trust.SetSink(trust.NewConsoleSink(&buf, false))
	prevLevel := trust.SetLevel(trust.ErrorMask | trust.WarnMask | trust.InfoMask)
	t.Cleanup(func() {
		trust.SetSink(prevSink)
		trust.SetLevel(prevLevel)
	})
	return &buf
}

func TestBootEntersKernel(t *testing.T) {
	log := quiet(t)
	image, text := kernel()
	m := bootMachine(t, image, sim.WithStaleExits(2))

	out := m.Run(func() { Main(m, DefaultConfig()) })
	require.True(t, out.Entered, log.String())
	assert.False(t, out.Halted)
	assert.Equal(t, uint64(linkVA+0x40), out.Entry)
	assert.True(t, out.EntryMapped)
	assert.Equal(t, uint64(0x200040), out.EntryPhysical)
	assert.Equal(t, 3, m.ExitAttempts())
	assert.Equal(t, uint(0), m.Watchdog())

	got, err := m.ReadPhysical(0x200000, len(text))
	require.NoError(t, err)
	assert.Equal(t, text, got)
	got, err = m.ReadPhysical(0x202000, 0x100)
	require.NoError(t, err)
	assert.Equal(t, elftest.Pattern(0x100, 0x77), got)
	got, err = m.ReadPhysical(0x202100, 0x2f00)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 0x2f00), got, "bss is cleared")

	vm, ok := m.VirtualMap()
	require.True(t, ok)
	for _, r := range vm.Regions {
		if r.Kind == firmware.LoaderData {
			assert.Equal(t, uint64(linkVA)+(r.PhysicalStart-0x200000), r.VirtualStart)
		} else {
			assert.Equal(t, r.PhysicalStart, r.VirtualStart, "%s region at 0x%x", r.Kind, r.PhysicalStart)
		}
	}
}

func TestBootHaltsOnMissingKernel(t *testing.T) {
	log := quiet(t)
	m := bootMachine(t, nil)
	out := m.Run(func() { Main(m, DefaultConfig()) })
	assert.True(t, out.Halted)
	assert.False(t, out.Entered)
	assert.False(t, m.Exited(), "boot services are left alone")
	assert.Contains(t, log.String(), "open kernel failed: NotFound")
}

func TestBootStages(t *testing.T) {
	quiet(t)
	image, _ := kernel()
	tests := []struct {
		name  string
		image []byte
		cfg   func(c *Config)
		opts  []sim.Option
		stage Stage
		kind  loader.LoaderError
	}{
		{"not an elf", []byte(strings.Repeat("MZ", 64)), nil, nil, StageImage, loader.LoaderInvalidFormat},
		{"no base above the link address", image, func(c *Config) { c.LinkBase = 0x10000000 }, nil,
			StageBase, loader.LoaderNotFound},
		{"firmware never lets go", image, nil, []sim.Option{sim.WithStaleExits(-1)}, StageExit, loader.LoaderFatal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := bootMachine(t, tc.image, tc.opts...)
			cfg := DefaultConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			var err error
			out := m.Run(func() { err = Boot(m, cfg) })
			require.True(t, out.Returned)
			var se *StageError
			require.True(t, errors.As(err, &se), "%v", err)
			assert.Equal(t, tc.stage, se.Stage)
			assert.Equal(t, tc.kind, se.Kind())
		})
	}
}

func TestConfig(t *testing.T) {
	c, err := LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)

	c, err = LoadConfig(strings.NewReader("kernel_path: /boot/k.elf\nmax_exit_attempts: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, "/boot/k.elf", c.KernelPath)
	assert.Equal(t, 2, c.MaxExitAttempts)
	assert.Equal(t, uint64(DefaultLinkBase), c.LinkBase)

	_, err = LoadConfig(strings.NewReader("kernel_path: ''\nlink_base: 0x1234\nmax_exit_attempts: 0\nlog_level: loud\n"))
	require.Error(t, err)
	for _, want := range []string{"kernel_path", "link_base", "max_exit_attempts", "log_level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestStageNames(t *testing.T) {
	assert.Equal(t, "exit boot services", StageExit.String())
	assert.Equal(t, "stage(42)", Stage(42).String())
	err := &StageError{Stage: StageRemap, Err: errors.Wrap(loader.LoaderFatal, "no")}
	assert.Equal(t, "virtual map: no: Fatal", err.Error())
}
