package example

import (
	"context"
	"time"

	"github.com/go-audio/audio"

	"pipelined.dev/pipeline"
	"pipelined.dev/pipeline/frame"
)

// Example 2:
//
//	Push go-audio buffers into the pipeline
//	Pop them back after identity
func two() {
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: 8000},
		Data:           make([]int, 512),
		SourceBitDepth: 16,
	}
	a, c, err := frame.FromIntBuffer(buf)
	check(err)

	err = pipeline.Run(context.Background(), "appsrc ! identity ! appsink", func(p *pipeline.Pipeline) error {
		if err := p.SetProducerCaps(c); err != nil {
			return err
		}
		for i := 0; i < 10; i++ {
			if err := p.Push(a); err != nil {
				return err
			}
			f, err := p.Pop(time.Second)
			if err != nil {
				return err
			}
			if _, err := f.IntBuffer(); err != nil {
				return err
			}
			f.Release()
		}
		return p.EndOfStream()
	})
	check(err)
}
