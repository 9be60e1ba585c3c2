// Package bufpool provides reference-counted byte buffers for body chunks.
// A chunk travels from the remote reader through the intercept chain to the
// client writer, and whoever drops it calls Release.
package bufpool

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

var (
	chunkPool   bytebufferpool.Pool
	outstanding atomic.Int64
)

// Buffer is a pooled byte slice with a reference count. The zero value is
// not usable; obtain one with Get or From.
type Buffer struct {
	bb   *bytebufferpool.ByteBuffer
	refs atomic.Int32
}

// Get returns an empty buffer holding one reference.
func Get() *Buffer {
	b := &Buffer{bb: chunkPool.Get()}
	b.refs.Store(1)
	outstanding.Add(1)
	return b
}

// From returns a buffer holding a copy of p.
func From(p []byte) *Buffer {
	b := Get()
	_, _ = b.bb.Write(p)
	return b
}

// Bytes returns the buffer contents. The slice is only valid until the
// last reference is released.
func (b *Buffer) Bytes() []byte {
	if b.bb == nil {
		return nil
	}
	return b.bb.B
}

// Len returns the number of bytes held.
func (b *Buffer) Len() int {
	if b.bb == nil {
		return 0
	}
	return b.bb.Len()
}

// Set replaces the contents. Interceptors use it to rewrite a chunk in place.
func (b *Buffer) Set(p []byte) {
	if b.bb != nil {
		b.bb.Set(p)
	}
}

// Write appends p.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.bb == nil {
		return 0, nil
	}
	return b.bb.Write(p)
}

// Fill replaces the contents with a single Read of at most n bytes from r.
func (b *Buffer) Fill(r io.Reader, n int) (int, error) {
	if b.bb == nil {
		return 0, io.ErrClosedPipe
	}
	if cap(b.bb.B) < n {
		b.bb.B = make([]byte, n)
	}
	b.bb.B = b.bb.B[:n]
	m, err := r.Read(b.bb.B)
	b.bb.B = b.bb.B[:m]
	return m, err
}

// Retain adds a reference and returns b.
func (b *Buffer) Retain() *Buffer {
	b.refs.Add(1)
	return b
}

// Release drops one reference and returns the storage to the pool when the
// count reaches zero. Releasing an already freed buffer is a no-op.
func (b *Buffer) Release() {
	for {
		n := b.refs.Load()
		if n <= 0 {
			return
		}
		if b.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				bb := b.bb
				b.bb = nil
				chunkPool.Put(bb)
				outstanding.Add(-1)
			}
			return
		}
	}
}

// Released reports whether every reference has been dropped.
func (b *Buffer) Released() bool { return b.refs.Load() <= 0 }

// Outstanding returns the number of buffers not yet released.
func Outstanding() int64 { return outstanding.Load() }

// CopySize is the size of buffers handed out by GetCopy.
const CopySize = 32 * 1024

var copyPool = sync.Pool{
	New: func() any {
		buf := make([]byte, CopySize)
		return &buf
	},
}

// GetCopy returns a scratch buffer for io.CopyBuffer in tunnel mode.
func GetCopy() *[]byte { return copyPool.Get().(*[]byte) }

// PutCopy returns a scratch buffer obtained from GetCopy.
func PutCopy(buf *[]byte) { copyPool.Put(buf) }
