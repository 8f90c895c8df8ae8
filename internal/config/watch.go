package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watch reloads path whenever it changes on disk and hands every valid
// result to fn. Invalid edits are logged and skipped. The parent directory
// is watched because editors usually replace files by rename.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(Config)) error {
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

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				log.Warnf("CONFIG: ignoring invalid edit of %s: %v", abs, err)
				continue
			}
			log.Infof("CONFIG: reloaded %s", abs)
			fn(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnf("CONFIG: watch error: %v", err)
		}
	}
}
