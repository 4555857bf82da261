package bootloader

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"farewell/src/boot/firmware"
	"farewell/src/lib/loader"
	"farewell/src/lib/trust"
)

// System is the machine as the boot sequence sees it.
type System interface {
	firmware.BootServices
	firmware.RuntimeServices
	loader.Transfer
	Handle() firmware.Handle
	// Halt stops the machine.  It must not return, but Main copes if it does.
	Halt()
}

type Stage int

const (
	StageOpen Stage = iota + 1
	StageMemoryMap
	StageBase
	StageImage
	StageSegments
	StageExit
	StageRemap
	StageEnter
)

func (s Stage) String() string {
	switch s {
	case StageOpen:
		return "open kernel"
	case StageMemoryMap:
		return "memory map"
	case StageBase:
		return "select base"
	case StageImage:
		return "read image"
	case StageSegments:
		return "load segments"
	case StageExit:
		return "exit boot services"
	case StageRemap:
		return "virtual map"
	case StageEnter:
		return "enter kernel"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// StageError is a failure and the part of the boot sequence it came from.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Kind is the loader error kind of the failure.
func (e *StageError) Kind() loader.LoaderError {
	return loader.KindOf(e.Err)
}

func fail(s Stage, err error) error {
	return &StageError{Stage: s, Err: err}
}

func openKernel(sys firmware.BootServices, path string) (firmware.File, error) {
	vol, err := sys.OpenVolume()
	if err != nil {
		return nil, errors.Wrapf(loader.LoaderNotFound, "boot volume: %v", err)
	}
	f, err := vol.Open(path)
	if errors.Is(err, firmware.ErrNotFound) {
		return nil, errors.Wrapf(loader.LoaderNotFound, "%s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(loader.LoaderIOFailure, "%s: %v", path, err)
	}
	return f, nil
}

// Boot loads the kernel named in cfg and hands the machine to it.  It only
// returns on failure, always with a *StageError.
func Boot(sys System, cfg Config) error {
	if err := sys.SetWatchdogTimer(0, 0, nil); err != nil {
		trust.Warnf("unable to disable the watchdog: %v", err)
	}

	f, err := openKernel(sys, cfg.KernelPath)
	if err != nil {
		return fail(StageOpen, err)
	}

	mm, err := Snapshot(sys)
	if err != nil {
		return fail(StageMemoryMap, err)
	}
	trust.Debugf("memory map: %d regions, key %d", len(mm.Regions), mm.Key)

	base, err := loader.SelectBase(mm.Regions, cfg.LinkBase)
	if err != nil {
		return fail(StageBase, err)
	}
	trust.Infof("base region at 0x%x, %s", base.PhysicalStart, humanize.IBytes(base.Bytes()))

	img, err := loader.ReadImage(f)
	if err != nil {
		return fail(StageImage, err)
	}
	trust.Debugf("image: %s %s, entry 0x%x, %d segment headers", img.Header.Type, img.Header.Machine,
		img.Header.Entry, len(img.Segments))

	loaded, err := loader.LoadSegments(sys, f, img, base)
	if err != nil {
		return fail(StageSegments, err)
	}

	seq := &ExitSequencer{Services: sys, Handle: sys.Handle(), MaxAttempts: cfg.MaxExitAttempts}
	final, err := seq.Exit()
	if err != nil {
		return fail(StageExit, err)
	}

	if err := loader.InstallVirtualMap(sys, &final, loaded); err != nil {
		return fail(StageRemap, err)
	}

	return fail(StageEnter, loader.Enter(sys, loaded))
}

// Main runs Boot and, if it comes back, reports which stage failed and
// how, then halts.  Main never returns.
func Main(sys System, cfg Config) {
	err := Boot(sys, cfg)
	var se *StageError
	if errors.As(err, &se) {
		trust.Errorf("%s failed: %s", se.Stage, se.Kind())
	}
	trust.Errorf("%v", err)
	for {
		sys.Halt()
	}
}
