// internal/ble/protocol/chunk.go
package protocol

// DefaultWriteChunk is the usable ATT payload for a write with the default
// 23-byte MTU (MTU minus the 3-byte ATT header).
const DefaultWriteChunk = 20

// ChunkBytes splits data into consecutive slices of at most maxBytes.
// The returned slices alias data. Returns nil for empty data.
func ChunkBytes(data []byte, maxBytes int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultWriteChunk
	}
	if len(data) <= maxBytes {
		return [][]byte{data}
	}

	chunks := make([][]byte, 0, (len(data)+maxBytes-1)/maxBytes)
	for len(data) > 0 {
		n := min(maxBytes, len(data))
		chunks = append(chunks, data[:n:n])
		data = data[n:]
	}
	return chunks
}
