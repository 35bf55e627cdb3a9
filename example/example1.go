package example

import (
	"context"
	"fmt"

	"pipelined.dev/pipeline"
)

// Example 1:
//
//	Generate test video
//	Pop frames until the end of stream
func one() {
	p, err := pipeline.Open(context.Background(),
		"videotestsrc num-buffers=10 ! video/x-raw,format=RGB,width=32,height=24 ! appsink",
	)
	check(err)
	defer p.Close()

	for f, err := range p.Frames(context.Background()) {
		check(err)
		fmt.Println(f)
		f.Release()
	}
}
