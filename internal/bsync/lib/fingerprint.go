package lib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// DefaultFingerprintCacheSize bounds the number of cached signatures.
const DefaultFingerprintCacheSize = 1 << 16

// Fingerprint is the result of hashing one file.
type Fingerprint struct {
	Signature types.Signature
	Size      int64
	ModTime   time.Time
}

type cacheKey struct {
	path    string
	size    int64
	modTime int64
}

// Fingerprinter computes content signatures and remembers them by
// (path, size, modification time). A cache hit skips reading the file. Content
// rewritten with identical size and mtime yields a stale signature; callers that
// cannot accept that use Fresh.
type Fingerprinter struct {
	cache *lru.Cache[cacheKey, types.Signature]
}

// NewFingerprinter creates a Fingerprinter whose cache holds up to size entries.
func NewFingerprinter(size int) (*Fingerprinter, error) {
	if size <= 0 {
		size = DefaultFingerprintCacheSize
	}
	cache, err := lru.New[cacheKey, types.Signature](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create fingerprint cache: %w", err)
	}
	return &Fingerprinter{cache: cache}, nil
}

// Seed loads the records of a previously captured snapshot of root into the cache.
func (f *Fingerprinter) Seed(root string, snap types.Snapshot) {
	for rel, rec := range snap.Files {
		key := cacheKey{
			path:    filepath.Join(root, filepath.FromSlash(rel)),
			size:    rec.Size,
			modTime: rec.ModTime.UnixNano(),
		}
		f.cache.Add(key, rec.Signature)
	}
}

// Signature returns the content signature of the file at path.
func (f *Fingerprinter) Signature(path string) (types.Signature, error) {
	fp, err := f.Fingerprint(path)
	if err != nil {
		return "", err
	}
	return fp.Signature, nil
}

// Fingerprint returns the signature, size and modification time of the file,
// consulting the cache first.
func (f *Fingerprinter) Fingerprint(path string) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, Unreadable(path, err)
	}
	key := cacheKey{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if sig, ok := f.cache.Get(key); ok {
		return Fingerprint{Signature: sig, Size: info.Size(), ModTime: info.ModTime()}, nil
	}
	return f.Fresh(path)
}

// Fresh always reads the file. The file is read exactly once; a size or mtime
// change between open and the end of the read makes the result unusable.
func (f *Fingerprinter) Fresh(path string) (Fingerprint, error) {
	file, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, Unreadable(path, err)
	}
	defer file.Close()

	before, err := file.Stat()
	if err != nil {
		return Fingerprint{}, Unreadable(path, err)
	}
	if !before.Mode().IsRegular() {
		return Fingerprint{}, Unreadable(path, errors.New("not a regular file"))
	}

	sig, n, err := HashReader(file)
	if err != nil {
		return Fingerprint{}, Unreadable(path, err)
	}

	after, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, Unreadable(path, err)
	}
	if n != before.Size() || after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		return Fingerprint{}, Unreadable(path, fmt.Errorf("changed during read (size %d, read %d, now %d)", before.Size(), n, after.Size()))
	}

	fp := Fingerprint{Signature: sig, Size: before.Size(), ModTime: before.ModTime()}
	f.cache.Add(cacheKey{path: path, size: fp.Size, modTime: fp.ModTime.UnixNano()}, sig)
	return fp, nil
}

// Len returns the number of cached signatures.
func (f *Fingerprinter) Len() int {
	return f.cache.Len()
}
