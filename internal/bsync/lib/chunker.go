package lib

import (
	"bytes"
	"io"
	"os"

	"github.com/aclements/go-rabin/rabin"
	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

// Constants for the Rabin chunker configuration.
const (
	// These values determine the target chunk sizes.
	minChunkSize = 4 * 1024  // 4KB
	avgChunkSize = 8 * 1024  // 8KB
	maxChunkSize = 16 * 1024 // 16KB

	// A 64-bit irreducible polynomial over GF(2).
	defaultPoly = rabin.Poly64
	// The size of the rolling hash window.
	defaultWindowSize = 64
)

// rabinTable is a pre-computed table for the Rabin chunker.
// Initializing this is computationally expensive, so we do it once and reuse it.
var rabinTable = rabin.NewTable(defaultPoly, defaultWindowSize)

// ChunkReader splits the stream into content-defined chunks and hands each one
// to fn in order. The chunk's Data is only valid for the duration of the call.
// It returns the total number of bytes consumed.
func ChunkReader(r io.Reader, fn func(types.Chunk) error) (int64, error) {
	// The chunker only reports boundaries, so the bytes it consumes are
	// mirrored into a buffer and sliced off as each boundary is found.
	var pending bytes.Buffer
	chunker := rabin.NewChunker(rabinTable, io.TeeReader(r, &pending), minChunkSize, avgChunkSize, maxChunkSize)

	var total int64
	emit := func(data []byte) error {
		total += int64(len(data))
		return fn(types.Chunk{
			Hash: GetHash(data),
			Size: int64(len(data)),
			Data: data,
		})
	}

	for {
		length, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, err
		}
		if err := emit(pending.Next(length)); err != nil {
			return total, err
		}
	}

	// Whatever the chunker read but never reported, as happens for streams
	// shorter than the minimum chunk size, becomes a final chunk.
	if pending.Len() > 0 {
		if err := emit(pending.Next(pending.Len())); err != nil {
			return total, err
		}
	}
	return total, nil
}

// ChunkFile reads a file from disk and splits it into variable-sized chunks,
// returning copies of every chunk along with the total file size.
func ChunkFile(filePath string) ([]types.Chunk, int64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	chunks := []types.Chunk{}
	total, err := ChunkReader(f, func(c types.Chunk) error {
		c.Data = append([]byte(nil), c.Data...)
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return chunks, total, nil
}
