// internal/ble/protocol/chunk_test.go
package protocol

import (
	"bytes"
	"testing"
)

func TestChunkBytesEmpty(t *testing.T) {
	if got := ChunkBytes(nil, 20); got != nil {
		t.Errorf("ChunkBytes(nil) = %v, want nil", got)
	}
}

func TestChunkBytesFits(t *testing.T) {
	data := []byte("hello")
	got := ChunkBytes(data, 20)
	if len(got) != 1 || !bytes.Equal(got[0], data) {
		t.Errorf("ChunkBytes() = %q, want one chunk %q", got, data)
	}
}

func TestChunkBytesSplits(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 45)
	got := ChunkBytes(data, 20)
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
	wantLens := []int{20, 20, 5}
	for i, c := range got {
		if len(c) != wantLens[i] {
			t.Errorf("chunk %d len = %d, want %d", i, len(c), wantLens[i])
		}
	}
	if !bytes.Equal(bytes.Join(got, nil), data) {
		t.Error("reassembled chunks differ from input")
	}
}

func TestChunkBytesDefaultSize(t *testing.T) {
	got := ChunkBytes(make([]byte, 41), 0)
	if len(got) != 3 || len(got[0]) != DefaultWriteChunk {
		t.Errorf("ChunkBytes(41, 0) produced %d chunks, first len %d", len(got), len(got[0]))
	}
}

func TestChunkBytesCapsCapacity(t *testing.T) {
	data := make([]byte, 30)
	got := ChunkBytes(data, 20)
	// Appending to the first chunk must not overwrite the second.
	_ = append(got[0], 0xFF)
	if data[20] != 0 {
		t.Error("append to first chunk clobbered shared backing array")
	}
}
