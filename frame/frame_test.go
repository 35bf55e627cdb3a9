package frame_test

import (
	"errors"
	"testing"

	"github.com/go-audio/audio"
	"github.com/stretchr/testify/assert"

	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/engine"
	"pipelined.dev/pipeline/frame"
)

func TestArray(t *testing.T) {
	a, err := frame.Of([]int{2, 3}, []int16{1, -2, 3, -4, 5, -6})
	assert.Nil(t, err)
	assert.Equal(t, caps.Int16, a.DType)
	assert.Equal(t, 6, a.Len())
	assert.Equal(t, 12, a.Size())

	v, err := frame.Values[int16](a)
	assert.Nil(t, err)
	assert.Equal(t, []int16{1, -2, 3, -4, 5, -6}, v)

	_, err = frame.Values[float32](a)
	assert.True(t, errors.Is(err, frame.ErrTypeMismatch))

	_, err = frame.Of([]int{2, 2}, []uint8{1, 2, 3})
	assert.True(t, errors.Is(err, frame.ErrShape))
	_, err = frame.NewArray(caps.Uint16, []int{3}, []byte{1, 2, 3, 4})
	assert.True(t, errors.Is(err, frame.ErrShape))

	c := a.Clone()
	c.Bytes()[0] = 100
	v, _ = frame.Values[int16](a)
	assert.Equal(t, int16(1), v[0])

	s := frame.Array{DType: caps.Uint8, Shape: []int{1, 4, 1}}.Squeeze()
	assert.Equal(t, []int{4}, s.Shape)
	s = frame.Array{DType: caps.Uint8, Shape: []int{1, 1}}.Squeeze()
	assert.Equal(t, []int{1}, s.Shape)
}

func TestCodec(t *testing.T) {
	var tests = []struct {
		caps  string
		array func() (frame.Array, error)
		shape []int
	}{
		{
			caps: "video/x-raw,format=GRAY8,width=4,height=4,framerate=30/1",
			array: func() (frame.Array, error) {
				data := make([]uint8, 16)
				for i := range data {
					data[i] = uint8(i)
				}
				return frame.Of([]int{4, 4}, data)
			},
			shape: []int{4, 4},
		},
		{
			// rows are padded to 4 bytes in engine memory
			caps: "video/x-raw,format=RGB,width=3,height=2",
			array: func() (frame.Array, error) {
				data := make([]uint8, 18)
				for i := range data {
					data[i] = uint8(i * 3)
				}
				return frame.Of([]int{2, 3, 3}, data)
			},
			shape: []int{2, 3, 3},
		},
		{
			caps: "video/x-raw,format=I420,width=4,height=4",
			array: func() (frame.Array, error) {
				data := make([]uint8, 24)
				for i := range data {
					data[i] = uint8(255 - i)
				}
				return frame.Of([]int{24}, data)
			},
			shape: []int{6, 4},
		},
		{
			caps: "audio/x-raw,format=S16LE,rate=8000,channels=2",
			array: func() (frame.Array, error) {
				return frame.Of([]int{3, 2}, []int16{1, -1, 2, -2, 3, -3})
			},
			shape: []int{3, 2},
		},
		{
			caps: "audio/x-raw,format=F32LE,rate=8000,channels=1",
			array: func() (frame.Array, error) {
				return frame.Of([]int{4}, []float32{0, 0.25, -0.5, 1})
			},
			shape: []int{4},
		},
		{
			caps: "application/octet-stream",
			array: func() (frame.Array, error) {
				return frame.Of([]int{5}, []uint8{5, 4, 3, 2, 1})
			},
			shape: []int{5},
		},
	}
	codec := frame.NewCodec(nil)
	for _, c := range tests {
		t.Run(c.caps, func(t *testing.T) {
			a, err := c.array()
			assert.Nil(t, err)
			cp, err := codec.Caps(c.caps)
			assert.Nil(t, err)

			b, err := codec.Encode(a, cp)
			assert.Nil(t, err)
			assert.Equal(t, c.caps, b.Caps())
			b.PTS = 42
			b.Offset = 7

			f, err := codec.Decode(b)
			assert.Nil(t, err)
			assert.Equal(t, c.shape, f.Shape)
			assert.Equal(t, a.Bytes(), f.Bytes())
			assert.Equal(t, a.DType, f.DType)
			assert.Equal(t, cp.Padded(), f.Copied)
			assert.Equal(t, 42, int(f.PTS))
			assert.Equal(t, uint64(7), f.Offset)
			assert.False(t, f.Arrived.IsZero())
			f.Release()
			f.Release()
		})
	}
}

func TestCodecErrors(t *testing.T) {
	codec := frame.NewCodec(caps.NewCache())
	gray := caps.MustParse("video/x-raw,format=GRAY8,width=4,height=4")

	_, err := codec.Caps("")
	assert.True(t, errors.Is(err, frame.ErrUnknownFormat))
	_, err = codec.Caps("video/x-raw,width=abc")
	assert.True(t, errors.Is(err, frame.ErrMalformedFormat))
	assert.True(t, errors.Is(err, caps.ErrMalformed))

	small, _ := frame.Of([]int{3}, []uint8{1, 2, 3})
	_, err = codec.Encode(small, gray)
	assert.True(t, errors.Is(err, frame.ErrSizeMismatch))

	wide, _ := frame.Of([]int{16}, make([]uint16, 16))
	_, err = codec.Encode(wide, gray)
	assert.True(t, errors.Is(err, frame.ErrTypeMismatch))

	_, err = codec.Encode(small, caps.MustParse("video/x-raw,format={RGB,GRAY8}"))
	assert.True(t, errors.Is(err, frame.ErrUnknownFormat))

	_, err = codec.Decode(engine.NewBuffer("", nil, []byte{1}))
	assert.True(t, errors.Is(err, frame.ErrUnknownFormat))
	_, err = codec.Decode(engine.NewBuffer(gray.Raw, nil, []byte{1, 2, 3}))
	assert.True(t, errors.Is(err, frame.ErrSizeMismatch))
	_, err = codec.Decode(engine.NewBuffer("audio/x-raw,format=S16LE,rate=8000,channels=2", nil, []byte{1, 2, 3}))
	assert.True(t, errors.Is(err, frame.ErrSizeMismatch))
}

func TestByteOrder(t *testing.T) {
	codec := frame.NewCodec(nil)
	cp := caps.MustParse("video/x-raw,format=GRAY16_BE,width=2,height=2")
	a, err := frame.Of([]int{2, 2}, []uint16{1, 256, 4096, 65535})
	assert.Nil(t, err)

	b, err := codec.Encode(a, cp)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0, 1, 1, 0}, b.Bytes()[:4])

	f, err := codec.Decode(b)
	assert.Nil(t, err)
	defer f.Release()
	assert.True(t, f.BigEndian)
	v, err := frame.Values[uint16](f.Array)
	assert.Nil(t, err)
	assert.Equal(t, []uint16{1, 256, 4096, 65535}, v)
}

func TestDecodeRegions(t *testing.T) {
	released := 0
	b := engine.NewBuffer("video/x-raw,format=GRAY8,width=4,height=1", func() { released++ },
		[]byte{1, 2}, []byte{3, 4})
	f, err := frame.NewCodec(nil).Decode(b)
	assert.Nil(t, err)
	assert.True(t, f.Copied)
	assert.Equal(t, 1, released)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.Bytes())
	f.Release()
	assert.Equal(t, 1, released)
}

func TestAudio(t *testing.T) {
	ib := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: 8000},
		Data:           []int{0, 16384, -16384, 32767},
		SourceBitDepth: 16,
	}
	a, cp, err := frame.FromIntBuffer(ib)
	assert.Nil(t, err)
	assert.Equal(t, "S16LE", cp.Format)
	assert.Equal(t, []int{2, 2}, a.Shape)

	codec := frame.NewCodec(nil)
	b, err := codec.Encode(a, cp)
	assert.Nil(t, err)
	f, err := codec.Decode(b)
	assert.Nil(t, err)
	defer f.Release()

	assert.Equal(t, &audio.Format{NumChannels: 2, SampleRate: 8000}, f.Format())
	out, err := f.IntBuffer()
	assert.Nil(t, err)
	assert.Equal(t, ib.Data, out.Data)
	assert.Equal(t, 16, out.SourceBitDepth)

	fb, err := f.FloatBuffer()
	assert.Nil(t, err)
	assert.InDeltaSlice(t, []float32{0, 0.5, -0.5, 1}, fb.Data, 0.001)
	assert.Equal(t, 16, fb.SourceBitDepth)

	_, _, err = frame.FromIntBuffer(&audio.IntBuffer{Data: []int{1}})
	assert.True(t, errors.Is(err, frame.ErrUnknownFormat))

	video := &frame.Frame{Caps: caps.MustParse("video/x-raw,format=GRAY8,width=1,height=1")}
	assert.Nil(t, video.Format())
	_, err = video.IntBuffer()
	assert.True(t, errors.Is(err, frame.ErrTypeMismatch))
}
