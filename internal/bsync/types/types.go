package types

import (
	"encoding/hex"
	"fmt"
	"time"
)

// `json:"..."` tags are used for the persisted client state, `msgpack:"..."` tags for the wire.

// SignatureLength is the length of a hex-encoded SHA-256 digest.
const SignatureLength = 64

// Signature is the content signature of a file: the lowercase hex SHA-256 of its bytes.
type Signature string

// ParseSignature checks that s has the shape of a signature.
func ParseSignature(s string) (Signature, error) {
	if len(s) != SignatureLength {
		return "", fmt.Errorf("invalid signature %q: expected %d hex characters", s, SignatureLength)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid signature %q: %w", s, err)
	}
	return Signature(s), nil
}

// Short returns an abbreviated signature for display.
func (s Signature) Short() string {
	if len(s) < 12 {
		return string(s)
	}
	return string(s[:12])
}

// FileRecord describes one regular file at the time of capture.
type FileRecord struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"modTime"`
	Signature Signature `json:"signature"`
}

// Snapshot is the state of a whole tree, keyed by relative path.
type Snapshot struct {
	Files      map[string]FileRecord `json:"files"`
	CapturedAt time.Time             `json:"capturedAt"`
	Generation int64                 `json:"generation"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{Files: make(map[string]FileRecord)}
}

// TotalSize sums the sizes of all files in the snapshot.
func (s Snapshot) TotalSize() int64 {
	var total int64
	for _, rec := range s.Files {
		total += rec.Size
	}
	return total
}

type Modification struct {
	Old FileRecord `json:"old"`
	New FileRecord `json:"new"`
}

type Move struct {
	From FileRecord `json:"from"`
	To   FileRecord `json:"to"`
}

// ChangeSet is the diff between two snapshots. Every path of either snapshot
// that changed appears in exactly one of the four lists.
type ChangeSet struct {
	Added    []FileRecord   `json:"added"`
	Removed  []FileRecord   `json:"removed"`
	Modified []Modification `json:"modified"`
	Moved    []Move         `json:"moved"`
}

func (c ChangeSet) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0 && len(c.Moved) == 0
}

// Len returns the number of path operations in the change set.
func (c ChangeSet) Len() int {
	return len(c.Added) + len(c.Removed) + len(c.Modified) + len(c.Moved)
}

func (c ChangeSet) Summary() string {
	return fmt.Sprintf("%d added, %d modified, %d moved, %d removed",
		len(c.Added), len(c.Modified), len(c.Moved), len(c.Removed))
}

// Op identifies a path-level operation in a change set.
type Op string

const (
	OpAdded    Op = "added"
	OpRemoved  Op = "removed"
	OpModified Op = "modified"
	OpMoved    Op = "moved"
)

// RemoteEntry is one path of the authoritative remote tree.
type RemoteEntry struct {
	Path      string    `json:"path" msgpack:"p"`
	Signature Signature `json:"signature" msgpack:"s"`
	Size      int64     `json:"size" msgpack:"z"`
}

// --- Pack store types ---

type ChunkRef struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Chunk represents a piece of a blob's data. The Data field is not serialized.
type Chunk struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	Data []byte `json:"-"`
}

// BlobManifest lists the chunks that make up one stored blob.
type BlobManifest struct {
	Signature Signature  `json:"signature"`
	Chunks    []ChunkRef `json:"chunks"`
	TotalSize int64      `json:"totalSize"`
}

type PackIndexEntry struct {
	PackHash string `json:"packHash"`
	Offset   int64  `json:"offset"`
	Length   int64  `json:"length"`
}

type PackIndex map[string]PackIndexEntry
