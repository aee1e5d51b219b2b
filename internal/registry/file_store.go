package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fileStoreExt = ".cbor"

// FileStore keeps one CBOR file per tag under a directory, so entries survive
// agent restarts and are shared by processes on the same host. Inserts publish
// a fully written temp file with a hard link, which fails if the tag exists.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("registry: file store dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("registry: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(tag string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(tag)))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:16])+fileStoreExt)
}

func (f *FileStore) Get(_ context.Context, tag string) (Session, bool, error) {
	return f.read(f.path(tag))
}

func (f *FileStore) read(path string) (Session, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("registry: read %s: %w", path, err)
	}
	s, err := decodeSession(data)
	if err != nil {
		return Session{}, false, fmt.Errorf("registry: decode %s: %w", path, err)
	}
	return s, true, nil
}

func (f *FileStore) PutIfAbsent(ctx context.Context, s Session) (Session, bool, error) {
	if err := s.Validate(); err != nil {
		return Session{}, false, err
	}
	tmp, err := f.writeTemp(s)
	if err != nil {
		return Session{}, false, err
	}
	defer os.Remove(tmp)

	final := f.path(s.Tag)
	if err := os.Link(tmp, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			existing, ok, rerr := f.read(final)
			if rerr != nil {
				return Session{}, false, rerr
			}
			if !ok {
				return Session{}, false, fmt.Errorf("registry: entry for tag %q vanished", s.Tag)
			}
			return existing, false, nil
		}
		return Session{}, false, fmt.Errorf("registry: publish entry: %w", err)
	}
	return s, true, nil
}

func (f *FileStore) Update(_ context.Context, s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	final := f.path(s.Tag)
	existing, ok, err := f.read(final)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if existing.ID != s.ID {
		return ErrIDMismatch
	}
	tmp, err := f.writeTemp(s)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("registry: replace entry: %w", err)
	}
	return nil
}

func (f *FileStore) List(_ context.Context) ([]Session, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("registry: list %s: %w", f.dir, err)
	}
	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileStoreExt) {
			continue
		}
		s, ok, err := f.read(filepath.Join(f.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}
	sortSessions(out)
	return out, nil
}

func (f *FileStore) writeTemp(s Session) (string, error) {
	data, err := encodeSession(s)
	if err != nil {
		return "", fmt.Errorf("registry: encode session: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, ".entry-*")
	if err != nil {
		return "", fmt.Errorf("registry: temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("registry: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("registry: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}
