// Package testutil builds small synthetic torrents for tests and the
// cmd/torrentkit-sim smoke tool, the same role the teacher's
// internal/testutil plays for issue97_test.go and issue211_test.go
// (testutil.GreetingMetaInfo, testutil.GreetingTestTorrent).
package testutil

import (
	"crypto/sha1"
	"fmt"
	"sync"

	torrentkit "github.com/torrentkit/core"
)

// GreetingContent is the full plaintext of the synthetic torrent, long
// enough to span several pieces at a deliberately small piece length so
// tests can exercise multi-piece behavior without megabytes of fixture data.
const GreetingContent = "hello, world! this is the torrentkit greeting fixture, repeated " +
	"so it spans several pieces: hello, world! hello, world! hello, world!"

// GreetingPieceLength is small enough that GreetingContent spans multiple
// pieces while staying well under one block, keeping NumBlocks() == 1 per
// piece so tests don't also have to reason about multi-block pieces.
const GreetingPieceLength = 32

// GreetingPieces splits GreetingContent into fixed-length pieces (the last
// one short) and returns their Piece descriptors alongside the raw bytes for
// each, in order.
func GreetingPieces() (pieces []torrentkit.Piece, blocks [][]byte) {
	content := []byte(GreetingContent)
	for offset, index := 0, 0; offset < len(content); offset, index = offset+GreetingPieceLength, index+1 {
		end := offset + GreetingPieceLength
		if end > len(content) {
			end = len(content)
		}
		chunk := content[offset:end]
		pieces = append(pieces, torrentkit.Piece{
			Index:        index,
			LengthBytes:  uint32(len(chunk)),
			ExpectedHash: sha1.Sum(chunk),
		})
		blocks = append(blocks, chunk)
	}
	return pieces, blocks
}

// InMemoryStorage is a torrentkit.ContentStorage backed by a single byte
// slice, standing in for the platform storage layer in tests and the CLI
// smoke tool. Reads/writes complete synchronously but still go through the
// done callback, matching the async contract real storage uses.
type InMemoryStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewInMemoryStorage returns an empty store.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{data: make(map[string][]byte)}
}

// Seed pre-populates rootKey/path with the full content a seeder would
// already have on disk.
func (s *InMemoryStorage) Seed(rootKey, path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[rootKey+"/"+path] = append([]byte(nil), content...)
}

// WriteVerified implements torrentkit.ContentStorage.
func (s *InMemoryStorage) WriteVerified(rootKey, path string, offset int64, data []byte, expectedSHA1 [20]byte, done func(torrentkit.StorageWriteResult)) {
	sum := sha1.Sum(data)
	if sum != expectedSHA1 {
		done(torrentkit.StorageWriteResult{HashMismatch: true})
		return
	}
	s.mu.Lock()
	key := rootKey + "/" + path
	buf := s.data[key]
	needed := int(offset) + len(data)
	if len(buf) < needed {
		grown := make([]byte, needed)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	s.data[key] = buf
	s.mu.Unlock()
	done(torrentkit.StorageWriteResult{BytesWritten: len(data)})
}

// Read implements torrentkit.ContentStorage.
func (s *InMemoryStorage) Read(rootKey, path string, offset int64, length int, done func(torrentkit.StorageReadResult)) {
	s.mu.Lock()
	buf, ok := s.data[rootKey+"/"+path]
	s.mu.Unlock()
	if !ok || int(offset)+length > len(buf) {
		done(torrentkit.StorageReadResult{Err: fmt.Errorf("testutil: short read at offset %d length %d", offset, length)})
		return
	}
	out := make([]byte, length)
	copy(out, buf[offset:int(offset)+length])
	done(torrentkit.StorageReadResult{Data: out})
}
