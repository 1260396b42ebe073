package util

import "testing"

func TestBufferPoolZeroesOnPut(t *testing.T) {
	pool := NewBufferPool(1024)

	buf := pool.Get()
	if len(buf) != 1024 {
		t.Fatalf("Get returned %d bytes, want 1024", len(buf))
	}
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	pool.Put(buf)

	buf2 := pool.Get()
	for i, v := range buf2 {
		if v != 0 {
			t.Fatalf("buffer not zeroed at index %d: %d", i, v)
		}
	}
}

func TestBufferPoolDropsMismatchedSize(t *testing.T) {
	pool := NewBufferPool(1024)

	pool.Put(make([]byte, 512))

	if buf := pool.Get(); len(buf) != 1024 {
		t.Fatalf("Get after mismatched Put returned %d bytes, want 1024", len(buf))
	}
}

func TestMiBPool(t *testing.T) {
	buf := GetMiBBuffer()
	if len(buf) != MiB {
		t.Fatalf("GetMiBBuffer returned %d bytes, want %d", len(buf), MiB)
	}
	PutMiBBuffer(buf)
}

func BenchmarkBufferPoolGetPut(b *testing.B) {
	pool := NewBufferPool(MiB)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Put(pool.Get())
	}
}
