package example

import (
	"context"
	"fmt"
	"os"

	"pipelined.dev/pipeline"
)

// Example 3:
//
//	Generate test video
//	Write it into a raw file and pop it at the same time
func three() {
	location, cleanup := tempPath("out.raw")
	defer cleanup()

	err := pipeline.Run(context.Background(),
		"videotestsrc num-buffers=5 ! video/x-raw,format=GRAY8,width=16,height=16 ! tee name=t t. ! queue ! appsink t. ! queue ! filesink location="+location,
		func(p *pipeline.Pipeline) error {
			for f, err := range p.Frames(context.Background()) {
				if err != nil {
					return err
				}
				f.Release()
			}
			return nil
		},
	)
	check(err)

	info, err := os.Stat(location)
	check(err)
	fmt.Println(info.Size())
}
