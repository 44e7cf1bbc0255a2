// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefCountedBuffer_Basic(t *testing.T) {
	pool := NewBufferPool()
	data := []byte("hello world")

	buf := pool.GetWithData(data)
	require.NotNil(t, buf)
	assert.Equal(t, data, buf.Bytes())
	assert.Equal(t, len(data), buf.Len())
	assert.Equal(t, int32(1), buf.RefCount())

	buf.Release()
}

func TestRefCountedBuffer_RetainRelease(t *testing.T) {
	pool := NewBufferPool()
	buf := pool.Get(100)

	assert.Equal(t, int32(1), buf.RefCount())

	buf.Retain()
	assert.Equal(t, int32(2), buf.RefCount())

	buf.Retain()
	assert.Equal(t, int32(3), buf.RefCount())

	buf.Release()
	assert.Equal(t, int32(2), buf.RefCount())

	buf.Release()
	assert.Equal(t, int32(1), buf.RefCount())

	buf.Release()
}

func TestRefCountedBuffer_PoolReuse(t *testing.T) {
	pool := NewBufferPool()

	buf1 := pool.Get(512)
	ptr1 := &buf1.data[0]
	buf1.Release()

	buf2 := pool.Get(512)
	ptr2 := &buf2.data[0]

	assert.Equal(t, ptr1, ptr2, "buffer should be reused from the header-class pool")

	buf2.Release()
}

func TestRefCountedBuffer_SizeClasses(t *testing.T) {
	pool := NewBufferPool()

	testCases := []struct {
		name        string
		size        int
		expectedCap int
	}{
		{"header", 512, headerClassCap},
		{"body", 8192, bodyClassCap},
		{"chunk", 100000, chunkClassCap},
		{"exact_header", headerClassCap, headerClassCap},
		{"exact_body", bodyClassCap, bodyClassCap},
		{"exact_chunk", chunkClassCap, chunkClassCap},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := pool.Get(tc.size)
			assert.Equal(t, tc.size, len(buf.Bytes()))
			assert.Equal(t, tc.expectedCap, cap(buf.Bytes()))
			buf.Release()
		})
	}
}

func TestRefCountedBuffer_OversizeIsNotPooled(t *testing.T) {
	pool := NewBufferPool()

	// A single body bigger than one whole delivery chunk cannot reuse a
	// chunk-class slot, since the chunk cap is the assumed upper bound for
	// anything pooled.
	buf := pool.Get(2 * deliveryChunkCapBytes)
	assert.Equal(t, 2*deliveryChunkCapBytes, len(buf.Bytes()))
	buf.Release()

	stats := pool.Stats()
	assert.Greater(t, stats.ChunkMisses, uint64(0))
}

func TestRefCountedBuffer_NilSafety(t *testing.T) {
	var buf *RefCountedBuffer

	assert.Nil(t, buf.Bytes())
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, int32(0), buf.RefCount())
	buf.Retain()
	buf.Release()
}

func TestRefCountedBuffer_ConcurrentAccess(t *testing.T) {
	pool := NewBufferPool()
	buf := pool.Get(1024)

	const numGoroutines = 100
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			buf.Retain()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(101), buf.RefCount())

	for i := 0; i < numGoroutines; i++ {
		buf.Release()
	}

	assert.Equal(t, int32(1), buf.RefCount())
	buf.Release()
}

func TestRefCountedBuffer_ConcurrentGetPut(t *testing.T) {
	pool := NewBufferPool()

	const numGoroutines = 100
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				buf := pool.Get(512)
				buf.data[0] = byte(j)
				buf.Release()
			}
		}()
	}
	wg.Wait()

	stats := pool.Stats()
	assert.Greater(t, stats.HeaderHits, uint64(0), "should have pool hits")
}

func TestBufferPool_Stats(t *testing.T) {
	pool := NewBufferPool()

	buf1 := pool.Get(512)
	stats := pool.Stats()
	assert.Equal(t, uint64(0), stats.HeaderHits)
	assert.Equal(t, uint64(1), stats.HeaderMisses)

	buf1.Release()

	buf2 := pool.Get(512)
	stats = pool.Stats()
	assert.Equal(t, uint64(1), stats.HeaderHits)
	assert.Equal(t, uint64(1), stats.HeaderMisses)

	buf2.Release()
}

func TestBufferPool_PoolFull(t *testing.T) {
	pool := NewBufferPoolWithCapacity(1, 1, 1)

	buf1 := pool.Get(512)
	buf1.Release()

	buf2 := pool.Get(512)
	buf2.Release()

	buf3 := pool.Get(512)
	stats := pool.Stats()
	assert.Equal(t, uint64(2), stats.HeaderHits)
	assert.Equal(t, uint64(1), stats.HeaderMisses)

	buf3.Release()
}

func TestBufferPool_Clear(t *testing.T) {
	pool := NewBufferPool()

	for i := 0; i < 10; i++ {
		buf := pool.Get(512)
		buf.Release()
	}

	pool.Clear()

	stats1 := pool.Stats()
	buf := pool.Get(512)
	stats2 := pool.Stats()

	assert.Equal(t, stats1.HeaderMisses+1, stats2.HeaderMisses)
	buf.Release()
}

func TestRefCountedBuffer_PanicOnNegativeCount(t *testing.T) {
	pool := NewBufferPool()
	buf := pool.Get(100)

	buf.Release()

	assert.Panics(t, func() {
		buf.Release()
	})
}

func TestDefaultBufferPool(t *testing.T) {
	buf := GetBuffer(1024)
	assert.NotNil(t, buf)
	assert.Equal(t, 1024, len(buf.Bytes()))
	buf.Release()

	data := []byte("test data")
	buf2 := GetBufferWithData(data)
	assert.Equal(t, data, buf2.Bytes())
	buf2.Release()
}
