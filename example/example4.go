package example

import (
	"context"
	"fmt"
	"sync"

	"pipelined.dev/pipeline"
	"pipelined.dev/pipeline/bus"
)

// Example 4:
//
//	Generate sine wave into .wav file
//	Read it back and convert to go-audio buffers
func four() {
	location, cleanup := tempPath("sine.wav")
	defer cleanup()

	eos := make(chan struct{})
	var once sync.Once
	err := pipeline.Run(context.Background(),
		"audiotestsrc num-buffers=4 rate=8000 channels=2 ! wavsink location="+location,
		func(*pipeline.Pipeline) error {
			<-eos
			return nil
		},
		pipeline.WithOnMessage(func(ev bus.Event) {
			if _, ok := ev.(bus.EndOfStream); ok {
				once.Do(func() { close(eos) })
			}
		}),
	)
	check(err)

	p, err := pipeline.Open(context.Background(), "wavsrc location="+location+" ! appsink")
	check(err)
	defer p.Close()
	samples := 0
	for f, err := range p.Frames(context.Background()) {
		check(err)
		buf, err := f.IntBuffer()
		check(err)
		samples += buf.NumFrames()
		f.Release()
	}
	fmt.Println(samples)
}
