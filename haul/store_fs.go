package haul

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidSessionID indicates a session ID that cannot name a record file.
var ErrInvalidSessionID = errors.New("haul: invalid session id")

// -----------------------------------------------------------------------------
// Filesystem Session Store
// -----------------------------------------------------------------------------

// fsSessionStore implements SessionStore on the local filesystem, one JSON
// record file per session (optionally compressed).
//
// Updates are version-checked under an advisory file lock, so multiple
// processes sharing the directory cannot clobber each other's writes.
type fsSessionStore struct {
	root string
	comp Compressor

	mu sync.Mutex
}

// NewFSSessionStore creates a filesystem-backed SessionStore rooted at the
// given directory. The directory must exist. A nil compressor stores plain
// JSON; pass NewGzipCompressor or NewZstdCompressor to compress records.
//
// Consistency: immediate read-after-write on local filesystems. Cross-process
// update safety relies on Unix advisory locking; see Update.
func NewFSSessionStore(root string, comp Compressor) (SessionStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	if comp == nil {
		comp = NewNoopCompressor()
	}
	return &fsSessionStore{root: root, comp: comp}, nil
}

func (f *fsSessionStore) Put(_ context.Context, s *Session) error {
	path, err := f.pathFor(s.ID)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrSessionExists
		}
		return err
	}

	s.Version = 1
	if err := f.writeRecord(file, s); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return err
	}
	return file.Close()
}

func (f *fsSessionStore) Get(_ context.Context, id SessionID) (*Session, error) {
	path, err := f.pathFor(id)
	if err != nil {
		return nil, err
	}
	return f.readRecord(path)
}

// Update replaces the record if the caller's version matches the stored one.
//
// The sequence read-compare-write runs under an exclusive flock on a
// companion .lock file, with the replacement written to a temp file and
// renamed into place, so concurrent updaters from any process observe either
// the old or the new record and stale writers get ErrVersionConflict.
func (f *fsSessionStore) Update(_ context.Context, s *Session) error {
	path, err := f.pathFor(s.ID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	lockPath := lockPathFor(path)
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("haul: open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockExclusive(lockFile); err != nil {
		return fmt.Errorf("haul: flock: %w", err)
	}
	defer func() { _ = flockRelease(lockFile) }()

	cur, err := f.readRecord(path)
	if err != nil {
		return err
	}
	if cur.Version != s.Version {
		return ErrVersionConflict
	}

	// Atomic replace: temp file in same directory, then rename.
	next := s.Clone()
	next.Version = s.Version + 1

	tmp, err := os.CreateTemp(f.root, ".haul-update-*")
	if err != nil {
		return fmt.Errorf("haul: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := f.writeRecord(tmp, next); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	s.Version = next.Version
	return nil
}

func (f *fsSessionStore) List(_ context.Context) ([]SessionID, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}

	suffix := ".json" + f.comp.Extension()
	var ids []SessionID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		ids = append(ids, SessionID(strings.TrimSuffix(name, suffix)))
	}
	return ids, nil
}

func (f *fsSessionStore) Delete(_ context.Context, id SessionID) error {
	path, err := f.pathFor(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(lockPathFor(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// pathFor maps a session ID to its record file, rejecting IDs that would
// escape the storage root.
func (f *fsSessionStore) pathFor(id SessionID) (string, error) {
	name := string(id)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidSessionID
	}
	return filepath.Join(f.root, name+".json"+f.comp.Extension()), nil
}

func lockPathFor(path string) string {
	return path + ".lock"
}

func (f *fsSessionStore) writeRecord(file *os.File, s *Session) error {
	wc, err := f.comp.Compress(file)
	if err != nil {
		return err
	}
	if err := encodeSession(wc, s); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}

func (f *fsSessionStore) readRecord(path string) (*Session, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	defer func() { _ = file.Close() }()

	rc, err := f.comp.Decompress(file)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	return decodeSession(rc)
}
