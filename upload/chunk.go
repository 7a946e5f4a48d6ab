package upload

import (
	"fmt"
	"io"
)

// ChunkInfo is one fixed-size byte range of a file.
type ChunkInfo struct {
	// Index is 1-based and doubles as the multipart part number.
	Index     int
	StartByte int64
	// EndByte is inclusive.
	EndByte  int64
	Uploaded bool
	ETag     string
	Retries  int
}

// Size returns the byte length of the chunk.
func (c ChunkInfo) Size() int64 {
	return c.EndByte - c.StartByte + 1
}

// Split divides size bytes into chunks of chunkSize; the last chunk may be
// smaller. A zero-byte file yields no chunks.
func Split(size, chunkSize int64) ([]ChunkInfo, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size should be positive, got %d", chunkSize)
	}
	if size < 0 {
		return nil, fmt.Errorf("file size should not be negative, got %d", size)
	}

	count := (size + chunkSize - 1) / chunkSize
	chunks := make([]ChunkInfo, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > size {
			end = size
		}
		chunks = append(chunks, ChunkInfo{
			Index:     int(i) + 1,
			StartByte: start,
			EndByte:   end - 1,
		})
	}
	return chunks, nil
}

// ReadChunk reads the chunk's byte range from src into memory, so that a
// failed part can be sent again without touching the source.
func ReadChunk(src io.ReaderAt, c ChunkInfo) ([]byte, error) {
	data, err := io.ReadAll(io.NewSectionReader(src, c.StartByte, c.Size()))
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", c.Index, err)
	}
	if int64(len(data)) != c.Size() {
		return nil, fmt.Errorf("read chunk %d: expected %d bytes, got %d", c.Index, c.Size(), len(data))
	}
	return data, nil
}
