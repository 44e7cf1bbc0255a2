// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sync/atomic"
)

// deliveryChunkCapBytes mirrors fsm's per-chunk delivery cap (spec.md §4.3
// step 5): a log-read delivery assembles at most this many bytes of
// message body into one effect unless a single body alone exceeds it, so
// the chunk size class below is sized to hold exactly one cap-sized chunk
// without growing past it.
const deliveryChunkCapBytes = 128 * 1024

// RefCountedBuffer is a reference-counted byte buffer handed to Transport
// for a log-read delivery. When a log-read effect resolves the same
// indexes for more than one in-flight batch (a redelivery racing a fresh
// checkout, or a single_active handover mid-flight) every recipient shares
// the same underlying bytes instead of each getting its own copy.
//
// A freshly created buffer starts with a reference count of 1. Retain()
// must be called before handing the buffer to an additional recipient, and
// every holder must call Release() exactly once when done; the buffer
// returns to its pool when the count reaches zero.
type RefCountedBuffer struct {
	data     []byte
	refCount atomic.Int32
	pool     *BufferPool
}

// NewRefCountedBuffer wraps data in a buffer with a reference count of 1.
func NewRefCountedBuffer(data []byte, pool *BufferPool) *RefCountedBuffer {
	buf := &RefCountedBuffer{data: data, pool: pool}
	buf.refCount.Store(1)
	return buf
}

// Bytes returns the underlying slice. Callers must not modify it once the
// buffer has been shared with more than one recipient.
func (r *RefCountedBuffer) Bytes() []byte {
	if r == nil {
		return nil
	}
	return r.data
}

// Len returns the length of the buffer's body.
func (r *RefCountedBuffer) Len() int {
	if r == nil {
		return 0
	}
	return len(r.data)
}

// Retain increments the reference count. Call before sharing the buffer
// with another in-flight delivery.
func (r *RefCountedBuffer) Retain() {
	if r == nil {
		return
	}
	r.refCount.Add(1)
}

// Release decrements the reference count, returning the buffer to its pool
// once the last holder has released it.
func (r *RefCountedBuffer) Release() {
	if r == nil {
		return
	}
	if newCount := r.refCount.Add(-1); newCount == 0 {
		if r.pool != nil {
			r.pool.Put(r)
		}
	} else if newCount < 0 {
		panic("core: RefCountedBuffer released more times than retained")
	}
}

// RefCount reports the current reference count.
func (r *RefCountedBuffer) RefCount() int32 {
	if r == nil {
		return 0
	}
	return r.refCount.Load()
}

// bufferClass names one of BufferPool's size tiers.
type bufferClass int

const (
	classHeader bufferClass = iota // single small message body (headers, acks, short payloads)
	classBody                      // a handful of messages worth of body, well under one chunk
	classChunk                     // a full delivery chunk at the §4.3 cap
	classOversize
)

const (
	headerClassCap = 4 * 1024
	bodyClassCap   = 32 * 1024
	chunkClassCap  = deliveryChunkCapBytes
)

func classify(size int) bufferClass {
	switch {
	case size <= headerClassCap:
		return classHeader
	case size <= bodyClassCap:
		return classBody
	case size <= chunkClassCap:
		return classChunk
	default:
		return classOversize
	}
}

// BufferPool is a fixed set of channel-backed free lists, one per
// bufferClass, sized around executeLog's actual allocation pattern: most
// message bodies fetched off the log are small relative to the 128 KiB
// chunk cap, with the chunk-sized tier existing to absorb the occasional
// message that alone nearly fills a chunk.
type BufferPool struct {
	tiers [classOversize]chan *RefCountedBuffer
	caps  [classOversize]int
	stats [classOversize]bufferClassStats
}

// bufferClassStats tracks pool hits/misses for one size tier.
type bufferClassStats struct {
	Hits   atomic.Uint64
	Misses atomic.Uint64
}

// BufferPoolStats is a point-in-time snapshot of per-tier pool behavior.
type BufferPoolStats struct {
	HeaderHits, HeaderMisses     uint64
	BodyHits, BodyMisses         uint64
	ChunkHits, ChunkMisses       uint64
}

// NewBufferPool creates a pool with capacities tuned for a single node's
// worth of concurrent deliveries: many small header/ack-sized buffers in
// flight at once, progressively fewer as buffers approach chunk size.
func NewBufferPool() *BufferPool {
	return NewBufferPoolWithCapacity(2000, 500, 64)
}

// NewBufferPoolWithCapacity creates a pool with explicit per-tier
// capacities for the header, body, and chunk size classes respectively.
func NewBufferPoolWithCapacity(headerCap, bodyCap, chunkCap int) *BufferPool {
	p := &BufferPool{
		caps: [classOversize]int{headerClassCap, bodyClassCap, chunkClassCap},
	}
	p.tiers[classHeader] = make(chan *RefCountedBuffer, headerCap)
	p.tiers[classBody] = make(chan *RefCountedBuffer, bodyCap)
	p.tiers[classChunk] = make(chan *RefCountedBuffer, chunkCap)
	return p
}

// Get retrieves a buffer of at least the requested size, reusing one from
// the pool when available and allocating fresh otherwise.
func (p *BufferPool) Get(size int) *RefCountedBuffer {
	class := classify(size)
	if class == classOversize {
		p.stats[classChunk].Misses.Add(1) // oversize draws are rare enough not to need their own counter
		return NewRefCountedBuffer(make([]byte, size), p)
	}

	bufSize := p.caps[class]
	select {
	case buf := <-p.tiers[class]:
		p.stats[class].Hits.Add(1)
		buf.data = buf.data[:size]
		buf.refCount.Store(1)
		return buf
	default:
		p.stats[class].Misses.Add(1)
		return NewRefCountedBuffer(make([]byte, size, bufSize), p)
	}
}

// GetWithData returns a pooled buffer containing a copy of data, as used
// by executeLog to hand fetched message bodies to Transport.
func (p *BufferPool) GetWithData(data []byte) *RefCountedBuffer {
	buf := p.Get(len(data))
	copy(buf.data, data)
	return buf
}

// Put returns buf to the tier matching its capacity, dropping it silently
// if that tier is already full.
func (p *BufferPool) Put(buf *RefCountedBuffer) {
	if buf == nil {
		return
	}
	class := classify(cap(buf.data))
	if class == classOversize {
		return
	}
	select {
	case p.tiers[class] <- buf:
	default:
	}
}

// Stats returns a snapshot of hit/miss counts across all tiers.
func (p *BufferPool) Stats() BufferPoolStats {
	return BufferPoolStats{
		HeaderHits:   p.stats[classHeader].Hits.Load(),
		HeaderMisses: p.stats[classHeader].Misses.Load(),
		BodyHits:     p.stats[classBody].Hits.Load(),
		BodyMisses:   p.stats[classBody].Misses.Load(),
		ChunkHits:    p.stats[classChunk].Hits.Load(),
		ChunkMisses:  p.stats[classChunk].Misses.Load(),
	}
}

// Clear drains every tier. Used by tests.
func (p *BufferPool) Clear() {
	drain := func(tier chan *RefCountedBuffer) {
		for {
			select {
			case <-tier:
			default:
				return
			}
		}
	}
	for _, tier := range p.tiers {
		drain(tier)
	}
}

// DefaultBufferPool is the process-wide pool used when an Executor is not
// configured with one of its own.
var DefaultBufferPool = NewBufferPool()

// GetBuffer draws from DefaultBufferPool.
func GetBuffer(size int) *RefCountedBuffer {
	return DefaultBufferPool.Get(size)
}

// GetBufferWithData draws from DefaultBufferPool.
func GetBufferWithData(data []byte) *RefCountedBuffer {
	return DefaultBufferPool.GetWithData(data)
}
