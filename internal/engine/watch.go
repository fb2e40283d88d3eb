package engine

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// StopFileName requests a graceful abort when created in the workflow
// directory, for environments where signalling the process is awkward.
const StopFileName = "cascade.stop"

// startStopWatcher watches the workflow directory for the stop file. A
// watcher that cannot be created is logged and skipped; signals still work.
func (e *Engine) startStopWatcher() *fsnotify.Watcher {
	stopPath := filepath.Join(e.workDir, StopFileName)
	if _, err := os.Stat(stopPath); err == nil {
		e.log(LogLevelWarn, "removing stale stop file=%s", stopPath)
		os.Remove(stopPath)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		e.log(LogLevelWarn, "stop watcher unavailable err=%v", err)
		return nil
	}
	if err := w.Add(e.workDir); err != nil {
		e.log(LogLevelWarn, "stop watcher add err=%v", err)
		w.Close()
		return nil
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) && filepath.Base(ev.Name) == StopFileName {
					e.log(LogLevelWarn, "stop file detected, requesting abort")
					e.stopRequested.Store(true)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				e.log(LogLevelWarn, "stop watcher err=%v", err)
			}
		}
	}()
	return w
}
