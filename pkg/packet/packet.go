// Package packet provides reference-counted packet buffers so that one
// payload can be queued to several members without copying.
package packet

import (
	"sync"
	"sync/atomic"
)

// Buffer is a handle to shared packet bytes. The bytes are returned to the
// pool when the last handle is released.
type Buffer struct {
	shared *shared
}

type shared struct {
	pool  *Pool
	bytes []byte
	refs  atomic.Int32
}

// Pool recycles packet storage.
type Pool struct {
	p    sync.Pool
	live atomic.Int64
}

func NewPool() *Pool {
	return &Pool{}
}

// Get returns a buffer holding a copy of b with one reference.
func (p *Pool) Get(b []byte) *Buffer {
	s, _ := p.p.Get().(*shared)
	if s == nil {
		s = &shared{pool: p}
	}
	s.bytes = append(s.bytes[:0], b...)
	s.refs.Store(1)
	p.live.Add(1)
	return &Buffer{shared: s}
}

// Live returns the number of buffers with at least one reference.
func (p *Pool) Live() int64 {
	return p.live.Load()
}

// Bytes returns the payload. It must not be modified or used after Release.
func (b *Buffer) Bytes() []byte {
	return b.shared.bytes
}

func (b *Buffer) Len() int {
	return len(b.shared.bytes)
}

// Clone takes another reference to the same bytes.
func (b *Buffer) Clone() *Buffer {
	b.shared.refs.Add(1)
	return &Buffer{shared: b.shared}
}

// Release drops this reference. Releasing a handle twice panics.
func (b *Buffer) Release() {
	s := b.shared
	if s == nil {
		panic("packet: buffer released twice")
	}
	b.shared = nil
	switch n := s.refs.Add(-1); {
	case n == 0:
		s.pool.live.Add(-1)
		s.pool.p.Put(s)
	case n < 0:
		panic("packet: reference count underflow")
	}
}
