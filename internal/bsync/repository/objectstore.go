package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/gingerrexayers/bsync-go/internal/bsync/lib"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

const (
	packsDirName  = "packs"
	indexFileName = "index.json"
)

// ErrObjectNotFound is returned when a hash is not present in the pack index.
var ErrObjectNotFound = errors.New("object not found")

// PackStore holds blob content as deduplicated chunks inside append-only
// packfiles. Every ingest writes at most one new packfile; index.json maps
// each object hash to its location.
type PackStore struct {
	dir string

	// mu protects index. Pack contents are immutable once renamed into place.
	mu    sync.Mutex
	index types.PackIndex
}

// NewPackStore opens or creates a pack store rooted at dir.
func NewPackStore(dir string) (*PackStore, error) {
	s := &PackStore{dir: dir}
	if err := os.MkdirAll(s.packsDir(), 0755); err != nil {
		return nil, err
	}
	if err := s.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load pack index: %w", err)
	}
	return s, nil
}

func (s *PackStore) packsDir() string  { return filepath.Join(s.dir, packsDirName) }
func (s *PackStore) indexPath() string { return filepath.Join(s.dir, indexFileName) }

// loadIndex reads index.json into memory. It must be called with mu held or
// before the store is shared.
func (s *PackStore) loadIndex() error {
	content, err := os.ReadFile(s.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		s.index = make(types.PackIndex)
		return nil
	}
	if err != nil {
		return err
	}

	index := make(types.PackIndex)
	if err := json.Unmarshal(content, &index); err != nil {
		return err
	}
	s.index = index
	return nil
}

// saveIndex persists the in-memory index. It must be called with mu held.
func (s *PackStore) saveIndex() error {
	indexJSON, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return err
	}
	return lib.WriteFileAtomic(s.indexPath(), func(w io.Writer) error {
		_, err := w.Write(indexJSON)
		return err
	})
}

// Has reports whether an object is present in a committed packfile.
func (s *PackStore) Has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[hash]
	return ok
}

// Index returns a copy of the current pack index.
func (s *PackStore) Index() types.PackIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(types.PackIndex, len(s.index))
	for k, v := range s.index {
		out[k] = v
	}
	return out
}

// Ingest streams r into the store and returns the handle (the hash of the
// blob's chunk manifest) along with the number of bytes consumed. Chunks that
// are already stored are not written again.
func (s *PackStore) Ingest(sig types.Signature, r io.Reader) (handle string, size int64, err error) {
	w, err := s.newPackWriter()
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if err != nil {
			w.abort()
		}
	}()

	chunkRefs := []types.ChunkRef{}
	size, err = lib.ChunkReader(r, func(c types.Chunk) error {
		chunkRefs = append(chunkRefs, types.ChunkRef{Hash: c.Hash, Size: c.Size})
		return w.add(c.Hash, c.Data)
	})
	if err != nil {
		return "", 0, err
	}

	manifest := types.BlobManifest{Signature: sig, Chunks: chunkRefs, TotalSize: size}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return "", 0, err
	}
	handle = lib.GetHash(manifestJSON)
	if err := w.add(handle, manifestJSON); err != nil {
		return "", 0, err
	}
	if err := w.commit(); err != nil {
		return "", 0, err
	}
	return handle, size, nil
}

// ReadObject retrieves an object from the store by its hash.
func (s *PackStore) ReadObject(hash string) ([]byte, error) {
	s.mu.Lock()
	entry, ok := s.index[hash]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, hash)
	}

	file, err := os.Open(filepath.Join(s.packsDir(), entry.PackHash))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	buffer := make([]byte, entry.Length)
	if _, err := file.ReadAt(buffer, entry.Offset); err != nil {
		return nil, fmt.Errorf("failed to read object %s from pack %s: %w", hash, entry.PackHash, err)
	}
	return buffer, nil
}

// readObjectJSON retrieves an object and unmarshals it into a given struct.
func readObjectJSON[T any](s *PackStore, hash string) (*T, error) {
	buffer, err := s.ReadObject(hash)
	if err != nil {
		return nil, err
	}

	var target T
	if err := json.Unmarshal(buffer, &target); err != nil {
		return nil, err
	}
	return &target, nil
}

// ReadManifest loads the chunk manifest referenced by handle.
func (s *PackStore) ReadManifest(handle string) (*types.BlobManifest, error) {
	return readObjectJSON[types.BlobManifest](s, handle)
}

// Open returns a reader over the content of the blob referenced by handle.
func (s *PackStore) Open(handle string) (io.ReadCloser, int64, error) {
	manifest, err := s.ReadManifest(handle)
	if err != nil {
		return nil, 0, err
	}
	return &blobReader{store: s, chunks: manifest.Chunks}, manifest.TotalSize, nil
}

// blobReader concatenates a manifest's chunks, loading one chunk at a time.
type blobReader struct {
	store  *PackStore
	chunks []types.ChunkRef
	next   int
	buf    []byte
}

func (b *blobReader) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		if b.next >= len(b.chunks) {
			return 0, io.EOF
		}
		data, err := b.store.ReadObject(b.chunks[b.next].Hash)
		if err != nil {
			return 0, err
		}
		b.buf = data
		b.next++
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *blobReader) Close() error {
	b.buf = nil
	b.next = len(b.chunks)
	return nil
}

// packWriter accumulates the objects of one ingest in a temporary packfile.
type packWriter struct {
	store   *PackStore
	file    *os.File
	hasher  hash.Hash
	offset  int64
	entries map[string]types.PackIndexEntry
}

func (s *PackStore) newPackWriter() (*packWriter, error) {
	file, err := os.CreateTemp(s.packsDir(), ".pack-*")
	if err != nil {
		return nil, err
	}
	return &packWriter{
		store:   s,
		file:    file,
		hasher:  sha256.New(),
		entries: make(map[string]types.PackIndexEntry),
	}, nil
}

// add appends an object unless it is already stored or pending in this pack.
func (w *packWriter) add(hash string, data []byte) error {
	if _, pending := w.entries[hash]; pending || w.store.Has(hash) {
		return nil
	}
	if _, err := io.MultiWriter(w.file, w.hasher).Write(data); err != nil {
		return err
	}
	w.entries[hash] = types.PackIndexEntry{Offset: w.offset, Length: int64(len(data))}
	w.offset += int64(len(data))
	return nil
}

// commit names the packfile after its content hash, moves it into place and
// publishes its objects in the index.
func (w *packWriter) commit() error {
	if len(w.entries) == 0 {
		w.abort()
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	packHash := hex.EncodeToString(w.hasher.Sum(nil))
	if err := os.Rename(w.file.Name(), filepath.Join(w.store.packsDir(), packHash)); err != nil {
		return err
	}

	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	for hash, entry := range w.entries {
		entry.PackHash = packHash
		w.store.index[hash] = entry
	}
	return w.store.saveIndex()
}

func (w *packWriter) abort() {
	w.file.Close()
	os.Remove(w.file.Name())
}
