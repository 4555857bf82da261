package main

import (
	"os"
	"os/signal"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"farewell/src/lib/trust"
)

// watch calls run now and again whenever path is written or replaced,
// until interrupted.  The directory is watched, not the file, so editors
// and linkers that rename a new file into place are seen too.
func watch(path string, run func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	run()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			trust.Infof("%s changed, booting again", path)
			run()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			trust.Warnf("watch: %v", err)
		case <-stop:
			return nil
		}
	}
}
