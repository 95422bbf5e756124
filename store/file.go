package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore is a Store backed by a directory shared between processes on the
// same host. Keys map 1:1 to relative file paths under root; dot-files are
// private to the store (temporary files) and never surface as keys.
type FileStore struct {
	root string

	mu       sync.Mutex
	watchers []*fsnotify.Watcher
	closed   bool
}

// NewFileStore creates a FileStore rooted at root. The directory is created
// on first write.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Root returns the directory backing the store.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FileStore) Get(_ context.Context, key string) (string, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrUnavailable, key, err)
	}
	return string(data), nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	path := s.path(key)

	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, []byte(value)) {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, key, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, key, err)
	}

	return nil
}

func (s *FileStore) Remove(_ context.Context, key string) error {
	path := s.path(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *FileStore) Keys(_ context.Context) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.root {
				return fs.SkipAll
			}
			return err
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Watch reports changes to files under root using fsnotify. A single write
// can surface as more than one event; consumers must tolerate duplicates.
func (s *FileStore) Watch(ctx context.Context) (<-chan Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: watcher: %v", ErrUnavailable, err)
	}
	if err := s.addTree(w, s.root); err != nil {
		w.Close()
		return nil, err
	}
	s.watchers = append(s.watchers, w)

	q := newChangeQueue(ctx)
	go s.watchLoop(ctx, w, q)

	return q.out, nil
}

func (s *FileStore) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("%w: watch %s: %v", ErrUnavailable, path, err)
		}
		return nil
	})
}

func (s *FileStore) watchLoop(ctx context.Context, w *fsnotify.Watcher, q *changeQueue) {
	defer q.close()
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			q.push(Change{Err: fmt.Errorf("%w: watch: %v", ErrUnavailable, err)})
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			s.handleEvent(w, q, ev)
		}
	}
}

func (s *FileStore) handleEvent(w *fsnotify.Watcher, q *changeQueue, ev fsnotify.Event) {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	rel, err := filepath.Rel(s.root, ev.Name)
	if err != nil {
		return
	}
	key := filepath.ToSlash(rel)

	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) {
				if err := s.addTree(w, ev.Name); err != nil {
					q.push(Change{Key: key, Err: err})
				}
			}
			return
		}
		data, err := os.ReadFile(ev.Name)
		if err != nil {
			// Removed again before it could be read.
			return
		}
		q.push(Change{Key: key, Value: string(data)})
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		q.push(Change{Key: key, Removed: true})
	}
}

// Close stops every watcher started by this store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, w := range s.watchers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.watchers = nil
	return errors.Join(errs...)
}
