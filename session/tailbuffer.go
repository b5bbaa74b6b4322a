// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package session

// TailBuffer keeps the most recent bytes written to it, up to a fixed
// capacity, for inclusion in exit notifications. Older bytes are
// silently discarded. Not safe for concurrent use; the session's output
// relay is the only writer and reads happen after the relay stops.
type TailBuffer struct {
	data  []byte
	start int
	size  int
}

// NewTailBuffer returns a buffer retaining at most capacity bytes.
func NewTailBuffer(capacity int) *TailBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &TailBuffer{data: make([]byte, capacity)}
}

// Write appends bytes, evicting the oldest on overflow. Always succeeds.
func (b *TailBuffer) Write(chunk []byte) (int, error) {
	written := len(chunk)
	if len(chunk) >= len(b.data) {
		// Chunk alone fills the buffer; keep only its tail.
		copy(b.data, chunk[len(chunk)-len(b.data):])
		b.start = 0
		b.size = len(b.data)
		return written, nil
	}
	for _, value := range chunk {
		index := (b.start + b.size) % len(b.data)
		b.data[index] = value
		if b.size < len(b.data) {
			b.size++
		} else {
			b.start = (b.start + 1) % len(b.data)
		}
	}
	return written, nil
}

// Len returns the number of retained bytes.
func (b *TailBuffer) Len() int { return b.size }

// Tail returns up to max of the most recent bytes, in write order. The
// result is a fresh slice.
func (b *TailBuffer) Tail(max int) []byte {
	if max > b.size {
		max = b.size
	}
	if max <= 0 {
		return nil
	}
	result := make([]byte, max)
	offset := b.size - max
	for i := 0; i < max; i++ {
		result[i] = b.data[(b.start+offset+i)%len(b.data)]
	}
	return result
}
