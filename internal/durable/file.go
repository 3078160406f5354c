package durable

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

const lockFileName = ".formsync.lock"

// FileStore keeps one file per key. Writes go to a temp file first and are
// renamed into place, so a reader sees either the old or the new value.
type FileStore struct {
	fs   billy.Filesystem
	root string

	mu     sync.Mutex
	unlock func() error
}

// NewFileStore opens a store rooted at dir on the local disk and takes an
// exclusive advisory lock on it. The lock keeps a second formsync process off
// the directory; tools that do not take it, such as a backup restore or an
// operator editing a snapshot by hand, can still write files, and Watch is how
// those writes are noticed.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidKey
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	unlock, err := lockDir(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}
	return &FileStore{
		fs:     osfs.New(dir),
		root:   dir,
		unlock: unlock,
	}, nil
}

// NewFileStoreFS wraps an existing billy filesystem (for example memfs).
// Such stores are not locked and cannot be watched.
func NewFileStoreFS(fs billy.Filesystem) *FileStore {
	return &FileStore{fs: fs}
}

func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, storageErr("get", key, err)
	}
	data, err := util.ReadFile(s.fs, fileNameForKey(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, storageErr("get", key, err)
	}
	return data, true, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return storageErr("set", key, err)
	}
	name := fileNameForKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := s.fs.TempFile("", "."+name+".tmp-")
	if err != nil {
		return storageErr("set", key, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = s.fs.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return storageErr("set", key, err)
	}
	if err := tmp.Close(); err != nil {
		return storageErr("set", key, err)
	}
	if err := s.fs.Rename(tmpName, name); err != nil {
		return storageErr("set", key, err)
	}
	committed = true
	return nil
}

func (s *FileStore) Remove(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return storageErr("remove", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(fileNameForKey(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storageErr("remove", key, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	if s == nil || s.unlock == nil {
		return nil
	}
	unlock := s.unlock
	s.unlock = nil
	return unlock()
}

func fileNameForKey(key string) string {
	return url.PathEscape(key)
}

// keyForFileName reverses fileNameForKey. Temp and lock files report false.
func keyForFileName(name string) (string, bool) {
	name = filepath.Base(name)
	if name == lockFileName || strings.HasPrefix(name, ".") {
		return "", false
	}
	key, err := url.PathUnescape(name)
	if err != nil || strings.TrimSpace(key) == "" {
		return "", false
	}
	return key, true
}
