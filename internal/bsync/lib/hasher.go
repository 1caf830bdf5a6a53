// Package lib contains the client-side building blocks of bsync: hashing,
// fingerprinting, tree capture, diffing and the persisted sync state.
package lib

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// GetHash calculates the SHA-256 hash of an in-memory byte slice and returns
// it as a lowercase hex-encoded string.
// This is used for chunks and manifests inside the pack store.
func GetHash(content []byte) string {
	hashBytes := sha256.Sum256(content)
	return hex.EncodeToString(hashBytes[:])
}

// GetSignature returns the content signature of an in-memory byte slice.
func GetSignature(content []byte) types.Signature {
	return types.Signature(GetHash(content))
}

// HashReader streams r through SHA-256 and returns the signature along with the
// number of bytes read.
func HashReader(r io.Reader) (types.Signature, int64, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", n, err
	}
	return types.Signature(hex.EncodeToString(hasher.Sum(nil))), n, nil
}

// GetFileHash calculates the signature of a file's contents by streaming
// it from disk, without loading the entire file into memory.
func GetFileHash(filePath string) (types.Signature, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	sig, _, err := HashReader(file)
	return sig, err
}
