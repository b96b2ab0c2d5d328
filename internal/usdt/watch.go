package usdt

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher detects when the image at a path is replaced by a new file.
//
// Uprobes are bound to the inode, so a target restarted from the same file keeps
// its instrumentation. A deploy that swaps the file (new inode) leaves the old
// uprobes on an inode nothing will execute again; the watcher calls onReplace so
// the caller can resolve and attach against the new image.
type Watcher struct {
	path      string
	inode     uint64
	onReplace func() error
	log       logrus.FieldLogger
	fsw       *fsnotify.Watcher
}

// NewWatcher watches the directory holding path.
func NewWatcher(path string, inode uint64, onReplace func() error, log logrus.FieldLogger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:      abs,
		inode:     inode,
		onReplace: onReplace,
		log:       log.WithField("path", abs),
		fsw:       fsw,
	}, nil
}

// Run processes filesystem events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Chmod) {
				continue
			}
			w.check()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("Watcher error")
		}
	}
}

func (w *Watcher) check() {
	inode, err := Inode(w.path)
	if err != nil {
		w.log.WithError(err).Debug("Image not readable yet")
		return
	}
	if inode == w.inode {
		return
	}

	w.log.WithFields(logrus.Fields{"old_inode": w.inode, "new_inode": inode}).Info("Target image replaced, re-attaching")
	if err := w.onReplace(); err != nil {
		w.log.WithError(err).Error("Re-attaching to replaced image failed")
		return
	}
	w.inode = inode
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
