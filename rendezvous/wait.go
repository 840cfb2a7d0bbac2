package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Wait is like Resolve, but if no matching instance exists yet it watches the directory until one appears or
// ctx is done. For a non-empty id, the entry must exist and be a socket (after following an alias).
func (d *Directory) Wait(ctx context.Context, id string) (Endpoint, error) {
	if err := d.Prepare(); err != nil {
		return Endpoint{}, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Endpoint{}, fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	// watch before the first lookup so a registration in between isn't missed
	if err := watcher.Add(d.Base); err != nil {
		return Endpoint{}, fmt.Errorf("watching %s: %w", d.Base, err)
	}

	for {
		ep, err := d.lookup(id)
		if err == nil {
			return ep, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Endpoint{}, err
		}

		select {
		case <-ctx.Done():
			return Endpoint{}, fmt.Errorf("waiting for instance %q: %w", id, ctx.Err())
		case event, ok := <-watcher.Events:
			if !ok {
				return Endpoint{}, fmt.Errorf("watcher for %s closed", d.Base)
			}
			d.logger().Debugf("rendezvous directory event: %s", event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return Endpoint{}, fmt.Errorf("watcher for %s closed", d.Base)
			}
			return Endpoint{}, fmt.Errorf("watching %s: %w", d.Base, err)
		}
	}
}

func (d *Directory) lookup(id string) (Endpoint, error) {
	ep, err := d.Resolve(id)
	if err != nil || id == "" {
		return ep, err
	}
	fi, err := os.Stat(ep.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNotFound, ep.Path)
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("checking %s: %w", ep.Path, err)
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return Endpoint{}, fmt.Errorf("%w: %s is not a socket", ErrNotFound, ep.Path)
	}
	return ep, nil
}
