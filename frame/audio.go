package frame

import (
	"fmt"

	"github.com/go-audio/audio"

	"pipelined.dev/pipeline/caps"
)

// Format returns go-audio format of the frame. It's nil for non-audio
// frames.
func (f *Frame) Format() *audio.Format {
	if f.Caps.Kind != caps.Audio {
		return nil
	}
	return &audio.Format{
		NumChannels: f.Caps.Channels,
		SampleRate:  f.Caps.Rate,
	}
}

// IntBuffer returns interleaved integer samples of audio frame.
func (f *Frame) IntBuffer() (*audio.IntBuffer, error) {
	if f.Caps.Kind != caps.Audio {
		return nil, fmt.Errorf("%w: %v is not audio", ErrTypeMismatch, f.Caps)
	}
	var (
		data  []int
		depth int
	)
	switch f.DType {
	case caps.Int8:
		data, depth = ints[int8](f.Array), 8
	case caps.Uint8:
		// unsigned 8-bit samples are centered at 128
		v, _ := Values[uint8](f.Array)
		data, depth = make([]int, len(v)), 8
		for i := range v {
			data[i] = int(v[i]) - 128
		}
	case caps.Int16:
		data, depth = ints[int16](f.Array), 16
	case caps.Uint16:
		v, _ := Values[uint16](f.Array)
		data, depth = make([]int, len(v)), 16
		for i := range v {
			data[i] = int(v[i]) - 32768
		}
	case caps.Int32:
		data, depth = ints[int32](f.Array), 32
	default:
		return nil, fmt.Errorf("%w: %v samples are not integer", ErrTypeMismatch, f.DType)
	}
	return &audio.IntBuffer{
		Format:         f.Format(),
		Data:           data,
		SourceBitDepth: depth,
	}, nil
}

// FloatBuffer returns interleaved float samples of audio frame.
func (f *Frame) FloatBuffer() (*audio.Float32Buffer, error) {
	if f.Caps.Kind != caps.Audio {
		return nil, fmt.Errorf("%w: %v is not audio", ErrTypeMismatch, f.Caps)
	}
	var data []float32
	switch f.DType {
	case caps.Float32:
		v, err := Values[float32](f.Array)
		if err != nil {
			return nil, err
		}
		data = append([]float32(nil), v...)
	case caps.Float64:
		v, err := Values[float64](f.Array)
		if err != nil {
			return nil, err
		}
		data = make([]float32, len(v))
		for i := range v {
			data[i] = float32(v[i])
		}
	default:
		ib, err := f.IntBuffer()
		if err != nil {
			return nil, err
		}
		return ib.AsFloat32Buffer(), nil
	}
	return &audio.Float32Buffer{
		Format:         f.Format(),
		Data:           data,
		SourceBitDepth: 32,
	}, nil
}

func ints[T int8 | int16 | int32](a Array) []int {
	v, _ := Values[T](a)
	out := make([]int, len(v))
	for i := range v {
		out[i] = int(v[i])
	}
	return out
}

// FromIntBuffer converts go-audio buffer into array and matching caps.
// Sample format is chosen by the source bit depth: 8 bits become S8,
// 16 bits become S16LE and everything else S32LE.
func FromIntBuffer(b *audio.IntBuffer) (Array, caps.Caps, error) {
	if b == nil || b.Format == nil || b.Format.NumChannels == 0 {
		return Array{}, caps.Caps{}, fmt.Errorf("%w: buffer without format", ErrUnknownFormat)
	}
	channels := b.Format.NumChannels
	if len(b.Data)%channels != 0 {
		return Array{}, caps.Caps{}, fmt.Errorf("%w: %d samples for %d channels", ErrShape, len(b.Data), channels)
	}
	shape := []int{len(b.Data) / channels, channels}
	var (
		a      Array
		format string
		err    error
	)
	switch b.SourceBitDepth {
	case 8:
		format = "S8"
		a, err = Of(shape, convert[int8](b.Data))
	case 16:
		format = "S16LE"
		a, err = Of(shape, convert[int16](b.Data))
	default:
		format = "S32LE"
		a, err = Of(shape, convert[int32](b.Data))
	}
	if err != nil {
		return Array{}, caps.Caps{}, err
	}
	cp, err := caps.NewAudio(format, b.Format.SampleRate, channels)
	if err != nil {
		return Array{}, caps.Caps{}, err
	}
	return a, cp, nil
}

func convert[T int8 | int16 | int32](data []int) []T {
	out := make([]T, len(data))
	for i := range data {
		out[i] = T(data[i])
	}
	return out
}
