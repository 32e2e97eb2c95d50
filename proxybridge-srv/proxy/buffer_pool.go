package proxy

import (
	"io"
	"sync"
)

const (
	// DefaultBufferSize is the size of pooled relay buffers, matching the
	// default tunnel-buffer-size.
	DefaultBufferSize = 4096
)

// bufferPool is a global pool of byte slices used for copying data
// between connections. This reduces GC pressure by reusing buffers.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// getBuffer retrieves a buffer of size bytes. Only DefaultBufferSize
// buffers come from the pool; the caller must return every buffer using
// putBuffer when done.
func getBuffer(size int) *[]byte {
	if size <= 0 || size == DefaultBufferSize {
		return bufferPool.Get().(*[]byte)
	}
	buf := make([]byte, size)
	return &buf
}

// putBuffer returns a buffer to the pool for reuse.
func putBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == DefaultBufferSize {
		bufferPool.Put(buf)
	}
}

// copyBuffer copies from src to dst using a pooled buffer.
func copyBuffer(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := getBuffer(DefaultBufferSize)
	defer putBuffer(buf)
	return io.CopyBuffer(dst, src, *buf)
}
