package durable

import (
	"context"
	"errors"

	"github.com/fsnotify/fsnotify"
)

// Watch reports keys written or removed under the store directory, including
// writes made by this process. Other formsync processes are locked out, so
// foreign events come from tools that bypass the lock. It blocks until ctx is
// done.
func (s *FileStore) Watch(ctx context.Context, fn func(key string)) error {
	if s.root == "" {
		return ErrNotImplemented
	}
	if fn == nil {
		return ErrInvalidKey
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.root); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			key, ok := keyForFileName(event.Name)
			if !ok {
				continue
			}
			fn(key)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				continue
			}
			return err
		}
	}
}
