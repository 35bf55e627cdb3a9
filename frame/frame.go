// Package frame converts engine buffers into arrays applications can
// work with and back.
package frame

import (
	"fmt"
	"time"

	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/engine"
)

// Frame is a single buffer popped from the pipeline.
//
// If Copied is false, the array is a view over engine memory which is
// owned by the caller until Release is called. Engines with a limited
// number of buffers in flight need frames to be released before the next
// pop. Array must not be used after Release.
type Frame struct {
	Array
	Caps     caps.Caps
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	Offset   uint64
	// Arrived is the time frame was pulled from the engine.
	Arrived time.Time
	// Copied reports whether array data was copied out of engine memory.
	Copied bool
	buffer *engine.Buffer
}

// Release returns engine memory backing the frame. Consequent calls do
// nothing.
func (f *Frame) Release() {
	if f == nil || f.buffer == nil {
		return
	}
	f.buffer.Release()
	f.buffer = nil
	if !f.Copied {
		f.Array.data = nil
	}
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame(%v, %v, pts=%v)", f.Shape, f.DType, f.PTS)
}
