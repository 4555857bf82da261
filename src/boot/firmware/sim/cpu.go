package sim

import (
	"runtime"

	"farewell/src/boot/firmware"
)

// Outcome is how a run on the machine ended.
type Outcome struct {
	Entered       bool   // control was handed to the image
	Entry         uint64 // virtual address jumped to
	EntryPhysical uint64 // where Entry lands through the installed map
	EntryMapped   bool   // false if Entry is not covered by the installed map
	Halted        bool   // the loader gave up and halted
	Returned      bool   // the boot function returned, which it never should
}

// Run executes boot as the machine's only thread of control.  Jump and Halt
// end that thread without returning to their caller, just as they would on
// hardware; Run reports which of them happened.
func (m *Machine) Run(boot func()) Outcome {
	m.outcome = Outcome{}
	done := make(chan struct{})
	finished := false
	go func() {
		defer close(done)
		boot()
		finished = true
	}()
	<-done
	if finished {
		m.outcome.Returned = true
	}
	return m.outcome
}

// Jump transfers control to the image.  On the simulated machine the image
// does not execute; the jump is recorded and the run ends.
func (m *Machine) Jump(entry uint64) {
	m.outcome.Entered = true
	m.outcome.Entry = entry
	if m.virtualMap != nil {
		m.outcome.EntryPhysical, m.outcome.EntryMapped = translate(m.virtualMap, entry)
	}
	runtime.Goexit()
}

// Halt stops the machine for good.
func (m *Machine) Halt() {
	m.outcome.Halted = true
	runtime.Goexit()
}

func translate(mm *firmware.MemoryMap, va uint64) (uint64, bool) {
	for _, r := range mm.Regions {
		size := r.PageCount * firmware.PageSize
		if va >= r.VirtualStart && va-r.VirtualStart < size {
			return r.PhysicalStart + (va - r.VirtualStart), true
		}
	}
	return 0, false
}
