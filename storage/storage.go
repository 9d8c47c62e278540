// Package storage adapts on-disk files to the Chunk Transfer Protocol's
// (C7) ChunkSource contract on the serving side, and to the scheduler's
// (C8) output-file ownership on the client side, using a memory-mapped
// file the way the teacher's storage package maps torrent pieces.
package storage

import (
	"io"
	"os"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// ChunkReader is the minimal contract a serving-side backing store needs:
// random-access reads plus a close, mirroring the teacher's own
// storageReader interface (see the teacher's (dropped) root storage.go,
// whose storagePieceReader composes io.ReaderAt + io.Closer the same way).
type ChunkReader interface {
	io.ReaderAt
	io.Closer
}

// FileChunkSource adapts a ChunkReader into a chunktransfer.ChunkSource
// function value by slicing out exactly one chunkSize-sized (or shorter,
// for the final chunk) window per requested index.
type FileChunkSource struct {
	reader     ChunkReader
	totalBytes int64
}

// NewFileChunkSource wraps reader, which must expose exactly totalBytes
// bytes at offsets [0, totalBytes).
func NewFileChunkSource(reader ChunkReader, totalBytes int64) *FileChunkSource {
	return &FileChunkSource{reader: reader, totalBytes: totalBytes}
}

// Source implements the chunktransfer.ChunkSource signature: spec §6's
// `serveChunk(contentId, chunkIndex, chunkSize, digest?) -> Option<bytes>`.
// contentId is unused here — one FileChunkSource serves exactly one file;
// a multi-content embedder maps contentId to a FileChunkSource elsewhere.
func (s *FileChunkSource) Source(_ identity.ContentId, chunkIndex int32, chunkSize int32) ([]byte, bool, error) {
	start := int64(chunkIndex) * int64(chunkSize)
	if start >= s.totalBytes {
		return nil, false, nil
	}
	end := start + int64(chunkSize)
	if end > s.totalBytes {
		end = s.totalBytes
	}
	buf := make([]byte, end-start)
	n, err := s.reader.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return buf[:n], true, nil
}

// TotalBytes implements chunktransfer.Sizer's fast path.
func (s *FileChunkSource) TotalBytes(identity.ContentId) (int64, bool) { return s.totalBytes, true }

// DetectPresentChunks implements spec §4.7's resume step: "compute the set
// of already-present chunks (from resume)". A chunk counts as present when
// the existing output file is already long enough to fully contain it;
// content is not re-verified per chunk (the whole-file digest at the end
// of the download is the integrity check of record).
func DetectPresentChunks(existingSize int64, chunkSize int32, totalChunks int32) []int32 {
	var present []int32
	for i := int32(0); i < totalChunks; i++ {
		end := int64(i+1) * int64(chunkSize)
		if end <= existingSize {
			present = append(present, i)
		}
	}
	return present
}

// openOrCreate opens path for read/write, creating it if absent.
func openOrCreate(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
}
