package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	tty "github.com/mattn/go-tty"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/alecthomas/kingpin.v2"

	"farewell/src/boot/bootloader"
	"farewell/src/boot/firmware/sim"
	"farewell/src/lib/trust"
)

var (
	app        = kingpin.New("bootsim", "Boot a kernel image on a simulated firmware and report where control ended up.")
	kernelArg  = app.Arg("kernel", "ELF64 kernel image on the host").Required().ExistingFile()
	configFlag = app.Flag("config", "YAML boot configuration").Short('c').ExistingFile()
	layoutFlag = app.Flag("layout", "YAML memory layout of the simulated machine").ExistingFile()
	memoryFlag = app.Flag("memory", "RAM size of the default layout").Default("64MiB").String()
	staleFlag  = app.Flag("stale", "exit attempts the firmware rejects as stale (-1 rejects all)").Default("0").Int()
	maxExit    = app.Flag("max-exit", "override max_exit_attempts").Int()
	levelFlag  = app.Flag("log-level", "override log_level").Enum("error", "warn", "info", "debug", "stats", "none")
	verbose    = app.Flag("verbose", "shorthand for --log-level=stats").Short('v').Bool()
	ptyFlag    = app.Flag("pty", "send the loader's console to this terminal device").String()
	jsonFlag   = app.Flag("json", "log as JSON lines on stderr").Bool()
	watchFlag  = app.Flag("watch", "boot again every time the kernel file changes").Short('w').Bool()
	dumpFlag   = app.Flag("dump", "write the loaded kernel's pages to this file as Intel HEX").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := loadConfig()
	app.FatalIfError(err, "config")
	layout, err := loadLayout()
	app.FatalIfError(err, "layout")

	closeSink, err := setupLogging(cfg)
	app.FatalIfError(err, "logging")
	defer closeSink()

	if *watchFlag {
		app.FatalIfError(watch(*kernelArg, func() { boot(cfg, layout) }), "watch")
		return
	}
	if !boot(cfg, layout) {
		closeSink()
		os.Exit(1)
	}
}

func loadConfig() (bootloader.Config, error) {
	cfg := bootloader.DefaultConfig()
	if *configFlag != "" {
		fp, err := os.Open(*configFlag)
		if err != nil {
			return cfg, err
		}
		defer fp.Close()
		if cfg, err = bootloader.LoadConfig(fp); err != nil {
			return cfg, err
		}
	}
	if *maxExit != 0 {
		cfg.MaxExitAttempts = *maxExit
	}
	if *verbose {
		cfg.LogLevel = "stats"
	}
	if *levelFlag != "" {
		cfg.LogLevel = *levelFlag
	}
	return cfg, cfg.Validate()
}

func loadLayout() (sim.Layout, error) {
	if *layoutFlag != "" {
		fp, err := os.Open(*layoutFlag)
		if err != nil {
			return sim.Layout{}, err
		}
		defer fp.Close()
		return sim.LoadLayout(fp)
	}
	size, err := humanize.ParseBytes(*memoryFlag)
	if err != nil {
		return sim.Layout{}, err
	}
	return sim.DefaultLayout(size), nil
}

// setupLogging points trust at the console, a terminal device or zap.  The
// returned func flushes and releases whatever was opened.
func setupLogging(cfg bootloader.Config) (func(), error) {
	trust.SetLevelByName(cfg.LogLevel)
	switch {
	case *jsonFlag:
		z, err := zap.NewProduction()
		if err != nil {
			return nil, err
		}
		trust.SetSink(trust.NewZapSink(z))
		return func() { z.Sync() }, nil
	case *ptyFlag != "":
		t, err := tty.OpenDevice(*ptyFlag)
		if err != nil {
			return nil, fmt.Errorf("unable to open %s: %v", *ptyFlag, err)
		}
		trust.SetSink(trust.NewConsoleSink(t.Output(), true))
		return func() { t.Close() }, nil
	default:
		trust.SetSink(trust.NewConsoleSink(os.Stdout, !color.NoColor))
		return func() {}, nil
	}
}

// kernelVolume is a fresh boot volume holding the host kernel at the path
// the loader will look for it.
func kernelVolume(host afero.Fs, hostPath, bootPath string) (afero.Fs, error) {
	image, err := afero.ReadFile(host, hostPath)
	if err != nil {
		return nil, err
	}
	vol := afero.NewMemMapFs()
	if err := afero.WriteFile(vol, bootPath, image, 0o444); err != nil {
		return nil, err
	}
	return vol, nil
}

// boot runs the loader once on a new machine and reports whether the
// kernel was entered.
func boot(cfg bootloader.Config, layout sim.Layout) bool {
	vol, err := kernelVolume(afero.NewOsFs(), *kernelArg, cfg.KernelPath)
	if err != nil {
		trust.Errorf("%v", err)
		return false
	}
	m, err := sim.New(layout, sim.WithFS(vol), sim.WithStaleExits(*staleFlag), sim.WithPoison(0xcc))
	if err != nil {
		trust.Errorf("machine: %v", err)
		return false
	}
	defer m.Close()

	out := m.Run(func() { bootloader.Main(m, cfg) })
	report(os.Stdout, m, out)
	if *dumpFlag != "" && out.Entered {
		if err := writeDump(*dumpFlag, m, out); err != nil {
			trust.Errorf("dump: %v", err)
		}
	}
	return out.Entered
}

func report(w io.Writer, m *sim.Machine, out sim.Outcome) {
	switch {
	case out.Entered && out.EntryMapped:
		color.New(color.FgGreen).Fprintf(w, "entered kernel at 0x%x (physical 0x%x) after %d exit attempts\n",
			out.Entry, out.EntryPhysical, m.ExitAttempts())
	case out.Entered:
		color.New(color.FgYellow).Fprintf(w, "entered kernel at 0x%x, which the virtual map does not cover\n", out.Entry)
	case out.Halted:
		color.New(color.FgRed).Fprintf(w, "loader halted\n")
	default:
		color.New(color.FgRed).Fprintf(w, "loader returned to the firmware\n")
	}
}
