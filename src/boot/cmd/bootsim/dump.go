package main

import (
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"farewell/src/boot/firmware"
	"farewell/src/boot/firmware/sim"
	"farewell/src/lib/ihex"
	"farewell/src/lib/trust"
)

// dumpImage writes every page the loader allocated for the kernel, at its
// physical address, followed by the physical entry point.
func dumpImage(w io.Writer, m *sim.Machine, out sim.Outcome) error {
	vm, ok := m.VirtualMap()
	if !ok {
		return errors.New("no virtual map was installed")
	}
	enc := ihex.NewEncoder(w)
	total := uint64(0)
	for _, r := range vm.Regions {
		if r.Kind != firmware.LoaderData {
			continue
		}
		mem, err := m.ReadPhysical(r.PhysicalStart, int(r.PageCount*firmware.PageSize))
		if err != nil {
			return errors.Wrapf(err, "region at 0x%x", r.PhysicalStart)
		}
		if err := enc.Data(r.PhysicalStart, mem); err != nil {
			return err
		}
		total += uint64(len(mem))
	}
	if out.EntryMapped {
		if err := enc.Entry(out.EntryPhysical); err != nil {
			return err
		}
	}
	trust.Debugf("dumped %s of kernel pages", humanize.IBytes(total))
	return enc.Close()
}

func writeDump(path string, m *sim.Machine, out sim.Outcome) error {
	fp, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := dumpImage(fp, m, out); err != nil {
		fp.Close()
		return err
	}
	return fp.Close()
}
