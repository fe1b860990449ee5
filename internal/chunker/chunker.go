package chunker

// Chunker plans how a file is split into fixed-size parts for multipart
// transfer. The final part carries the remainder and may be smaller.
type Chunker struct {
	chunkSize int64
}

// Part describes one planned part of a multipart transfer. Numbers start
// at 1, matching the S3 part-number convention.
type Part struct {
	Number int
	Offset int64
	Size   int64
}

// NewChunker creates a new chunker with the specified part size
func NewChunker(chunkSize int64) *Chunker {
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the configured part size in bytes
func (c *Chunker) ChunkSize() int64 {
	return c.chunkSize
}

// Plan returns the parts covering totalSize bytes, in order
func (c *Chunker) Plan(totalSize int64) []Part {
	if totalSize <= 0 {
		return nil
	}

	parts := make([]Part, 0, int(totalSize/c.chunkSize)+1)
	number := 1

	for offset := int64(0); offset < totalSize; offset += c.chunkSize {
		size := c.chunkSize
		if remaining := totalSize - offset; remaining < size {
			size = remaining
		}

		parts = append(parts, Part{
			Number: number,
			Offset: offset,
			Size:   size,
		})
		number++
	}

	return parts
}

// Count returns the number of parts a file of totalSize would need
func (c *Chunker) Count(totalSize int64) int {
	return len(c.Plan(totalSize))
}
