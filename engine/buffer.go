package engine

import "time"

// None is the value of unset timestamps.
const None time.Duration = -1

// Buffer is a unit of media data with its format description. Memory is
// owned by the engine until Release is called, after that regions must
// not be accessed.
type Buffer struct {
	// Regions are memory blocks backing the buffer, in order.
	Regions  [][]byte
	CapsStr  string
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	Offset   uint64
	release  func()
}

// NewBuffer wraps memory into a buffer with unset timestamps. Release
// function is called once when buffer is released, it can be nil.
func NewBuffer(caps string, release func(), regions ...[]byte) *Buffer {
	return &Buffer{
		Regions:  regions,
		CapsStr:  caps,
		PTS:      None,
		DTS:      None,
		Duration: None,
		release:  release,
	}
}

// Caps returns format description string attached to the buffer.
func (b *Buffer) Caps() string {
	return b.CapsStr
}

// Size returns total size of all regions.
func (b *Buffer) Size() int {
	size := 0
	for _, r := range b.Regions {
		size += len(r)
	}
	return size
}

// Contiguous reports whether buffer is backed by a single region.
func (b *Buffer) Contiguous() bool {
	return len(b.Regions) <= 1
}

// Bytes returns buffer memory as a single slice. It's a view if buffer
// is contiguous and a copy otherwise.
func (b *Buffer) Bytes() []byte {
	switch len(b.Regions) {
	case 0:
		return nil
	case 1:
		return b.Regions[0]
	}
	out := make([]byte, 0, b.Size())
	for _, r := range b.Regions {
		out = append(out, r...)
	}
	return out
}

// Release returns memory to the engine. Consequent calls do nothing.
func (b *Buffer) Release() {
	if b == nil || b.release == nil {
		return
	}
	release := b.release
	b.release = nil
	b.Regions = nil
	release()
}

// WithRelease returns a shallow copy of buffer that calls fn on release.
func (b *Buffer) WithRelease(fn func()) *Buffer {
	c := *b
	c.release = fn
	return &c
}
