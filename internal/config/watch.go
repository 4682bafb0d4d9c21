package config

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/fsnotify/fsnotify"

	"github.com/apss-video/apss/internal/bus"
)

// EnabledTopicPrefix is the bus topic prefix published whenever a camera's
// enabled flag changes between reloads: "config/enabled/<camera>" with
// payload "true" or "false".
const EnabledTopicPrefix = "config/enabled/"

// Watcher reloads path whenever it changes on disk and republishes any
// camera whose enabled flag flipped, so callers can start or stop a
// camera's pipeline without a process restart.
type Watcher struct {
	path    string
	bus     *bus.Bus
	log     *slog.Logger
	watcher *fsnotify.Watcher
	current *Config
}

// NewWatcher loads path once and prepares a Watcher to track future edits.
func NewWatcher(path string, b *bus.Bus, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	return &Watcher{path: path, bus: b, log: log.With("component", "config-watcher"), watcher: fw, current: cfg}, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config { return w.current }

// Run processes fsnotify events until ctx is cancelled, reloading on every
// write/create event and diffing enabled flags against the prior version.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("fsnotify error", "error", err)
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.log.Error("failed to reload config, keeping previous version", "error", err)
		return
	}
	prev := w.current
	w.current = next
	w.diffEnabled(prev, next)
}

func (w *Watcher) diffEnabled(prev, next *Config) {
	for name, cam := range next.Cameras {
		prevCam, existed := prev.Cameras[name]
		if existed && prevCam.Enabled == cam.Enabled {
			continue
		}
		w.log.Info("camera enabled flag changed", "camera", name, "enabled", cam.Enabled)
		w.bus.Publish(EnabledTopicPrefix+name, strconv.FormatBool(cam.Enabled))
	}
	for name := range prev.Cameras {
		if _, stillPresent := next.Cameras[name]; !stillPresent {
			w.log.Info("camera removed from config", "camera", name)
			w.bus.Publish(EnabledTopicPrefix+name, strconv.FormatBool(false))
		}
	}
}
