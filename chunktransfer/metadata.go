package chunktransfer

import (
	"fmt"

	"github.com/DIG-Network/dig-nat-tools/identity"
)

// DefaultChunkSize is the spec §6 default `chunkSize` (bytes per chunk).
const DefaultChunkSize = 65536

// FileMetadata is the resolved view of MetadataResp a client holds for the
// lifetime of one download.
type FileMetadata struct {
	ContentId   identity.ContentId
	Digest      identity.ContentDigest
	TotalBytes  int64
	ChunkSize   int32
	TotalChunks int32
}

// chunkBounds returns the byte half-open range [start, end) for chunkIndex,
// clamped to TotalBytes for the final, possibly short, chunk.
func (m FileMetadata) chunkBounds(chunkIndex int32) (start, end int64, err error) {
	if chunkIndex < 0 || chunkIndex >= m.TotalChunks {
		return 0, 0, fmt.Errorf("chunktransfer: chunk index %d out of range [0,%d)", chunkIndex, m.TotalChunks)
	}
	start = int64(chunkIndex) * int64(m.ChunkSize)
	end = start + int64(m.ChunkSize)
	if end > m.TotalBytes {
		end = m.TotalBytes
	}
	return start, end, nil
}

func metadataFromResp(contentId identity.ContentId, resp MetadataResp) FileMetadata {
	return FileMetadata{
		ContentId:   contentId,
		Digest:      resp.Digest,
		TotalBytes:  resp.TotalBytes,
		ChunkSize:   resp.ChunkSize,
		TotalChunks: resp.TotalChunks,
	}
}

// totalChunksFor computes ceil(totalBytes / chunkSize), the value a server
// reports in MetadataResp.TotalChunks.
func totalChunksFor(totalBytes int64, chunkSize int32) int32 {
	if totalBytes <= 0 {
		return 0
	}
	n := totalBytes / int64(chunkSize)
	if totalBytes%int64(chunkSize) != 0 {
		n++
	}
	return int32(n)
}
