/*
Package pipeline runs media graphs described in text and exchanges
buffers with them one at a time.

# Description

Graph is described with gst-launch syntax: element stages linked with
"!", properties as key=value pairs and named elements referenced with
"name." to build branches:

	videotestsrc num-buffers=10 ! tee name=t t. ! queue ! appsink t. ! queue ! filesink location=out.raw

Caps stages like "video/x-raw,format=RGB,width=4,height=4" filter the
format flowing between elements.

# Boundaries

Elements which exchange buffers with application are detected
automatically: a single appsrc becomes the producer Push writes to and a
single appsink becomes the consumer Pop reads from. Pipelines with
several consumers need them designated with WithConsumers, otherwise
Pop returns ErrNoConsumer. Pipelines without boundaries still run until
the end of stream.

# Lifecycle

Open parses description, builds the graph, starts the pump goroutine
which advances the engine scheduler and drains its bus, and brings the
graph to playing state:

	p, err := pipeline.Open(ctx, "appsrc caps=video/x-raw,format=GRAY8,width=4,height=4,framerate=30/1 ! appsink")
	if err != nil {
	    return err
	}
	defer p.Close()

Errors reported on the bus are recorded and returned by the next Push,
Pop or Err call. Close ends the stream, waits for it to reach consumers
and brings graph down. Run wraps Open and Close around a function.

# Engines

Reference in-memory engine from engine/mem is used by default. Engine
over GStreamer is available in engine/gst with the gst build tag.
*/
package pipeline
