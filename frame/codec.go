package frame

import (
	"errors"
	"fmt"
	"time"

	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/engine"
	"pipelined.dev/pipeline/internal/pool"
)

var (
	// ErrUnknownFormat is returned when there is no usable format to
	// decode or encode a buffer with.
	ErrUnknownFormat = errors.New("unknown format")
	// ErrMalformedFormat is returned when buffer caps cannot be parsed.
	ErrMalformedFormat = errors.New("malformed format")
	// ErrSizeMismatch is returned when data size doesn't match format.
	ErrSizeMismatch = errors.New("size mismatch")
)

// Codec decodes engine buffers into frames and encodes arrays into
// engine buffers. Parsed caps are shared through the cache, so codec is
// cheap on the per-buffer path and safe for concurrent use.
type Codec struct {
	cache *caps.Cache
	now   func() time.Time
}

// NewCodec returns codec which uses provided cache. If cache is nil,
// a new one is created.
func NewCodec(cache *caps.Cache) *Codec {
	if cache == nil {
		cache = caps.NewCache()
	}
	return &Codec{cache: cache, now: time.Now}
}

// Cache returns caps cache used by codec.
func (c *Codec) Cache() *caps.Cache {
	return c.cache
}

// Caps resolves caps string through the cache.
func (c *Codec) Caps(s string) (caps.Caps, error) {
	if s == "" {
		return caps.Caps{}, ErrUnknownFormat
	}
	cp, err := c.cache.Get(s)
	if err != nil {
		return caps.Caps{}, fmt.Errorf("%w: %w", ErrMalformedFormat, err)
	}
	return cp, nil
}

// Decode converts buffer into frame. The frame array is a view over
// buffer memory if it is a single region without row padding, otherwise
// data is copied and buffer is released right away.
func (c *Codec) Decode(b *engine.Buffer) (*Frame, error) {
	cp, err := c.Caps(b.Caps())
	if err != nil {
		return nil, err
	}
	if !cp.Fixed() {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, cp)
	}
	f := &Frame{
		Caps:     cp,
		PTS:      b.PTS,
		DTS:      b.DTS,
		Duration: b.Duration,
		Offset:   b.Offset,
		Arrived:  c.now(),
		Copied:   !b.Contiguous(),
	}

	var data []byte
	switch cp.Kind {
	case caps.Video:
		data, err = videoData(cp, b)
		if err != nil {
			return nil, err
		}
		if cp.Padded() {
			f.Copied = true
		}
	case caps.Audio:
		data = b.Bytes()
		if len(data)%(cp.DType.Size()*cp.Channels) != 0 {
			return nil, fmt.Errorf("%w: %d bytes of %v", ErrSizeMismatch, len(data), cp)
		}
	default:
		data = b.Bytes()
	}

	f.Array = Array{
		DType:     cp.DType,
		Shape:     cp.Shape(len(data)),
		BigEndian: cp.BigEndian,
		data:      data,
	}.Squeeze()
	if f.Copied {
		b.Release()
	} else {
		f.buffer = b
	}
	return f, nil
}

// videoData returns tightly packed frame data.
func videoData(cp caps.Caps, b *engine.Buffer) ([]byte, error) {
	if b.Size() < cp.FrameSize() {
		return nil, fmt.Errorf("%w: %d bytes, %v needs %d", ErrSizeMismatch, b.Size(), cp, cp.FrameSize())
	}
	src := b.Bytes()
	if !cp.Padded() {
		return src[:cp.PackedSize()], nil
	}
	dst := make([]byte, cp.PackedSize())
	n := 0
	for _, p := range cp.Planes {
		for row := 0; row < p.Rows; row++ {
			off := p.Offset + row*p.Stride
			n += copy(dst[n:], src[off:off+p.RowBytes])
		}
	}
	return dst, nil
}

// Encode converts array into buffer with provided caps. Array data is
// always copied, so caller can reuse it after push. Timestamps are not
// set.
func (c *Codec) Encode(a Array, hint caps.Caps) (*engine.Buffer, error) {
	if !hint.Fixed() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, hint.Raw)
	}
	if hint.Kind != caps.Other && a.DType != hint.DType {
		return nil, fmt.Errorf("%w: array is %v, %v needs %v", ErrTypeMismatch, a.DType, hint, hint.DType)
	}
	src := a.Bytes()
	if hint.BigEndian != a.BigEndian && a.DType.Size() > 1 {
		src = swapped(src, a.DType.Size())
	}

	switch hint.Kind {
	case caps.Video:
		if len(src) != hint.PackedSize() {
			return nil, fmt.Errorf("%w: %d bytes, %v needs %d", ErrSizeMismatch, len(src), hint, hint.PackedSize())
		}
		p := pool.Get(hint.FrameSize())
		dst := p.Alloc()
		if !hint.Padded() {
			copy(dst, src)
		} else {
			n := 0
			for _, pl := range hint.Planes {
				for row := 0; row < pl.Rows; row++ {
					off := pl.Offset + row*pl.Stride
					n += copy(dst[off:off+pl.RowBytes], src[n:])
				}
			}
		}
		return engine.NewBuffer(hint.Raw, func() { p.Free(dst) }, dst), nil
	case caps.Audio:
		if len(src) == 0 || len(src)%(hint.DType.Size()*hint.Channels) != 0 {
			return nil, fmt.Errorf("%w: %d bytes of %v", ErrSizeMismatch, len(src), hint)
		}
	}
	p := pool.Get(len(src))
	dst := p.Alloc()
	copy(dst, src)
	return engine.NewBuffer(hint.Raw, func() { p.Free(dst) }, dst), nil
}

func swapped(b []byte, size int) []byte {
	out := make([]byte, len(b))
	for i := 0; i+size <= len(b); i += size {
		for j := 0; j < size; j++ {
			out[i+j] = b[i+size-1-j]
		}
	}
	return out
}
