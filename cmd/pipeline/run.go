package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"pipelined.dev/pipeline"
	"pipelined.dev/pipeline/bus"
	"pipelined.dev/pipeline/frame"
)

type runCommand struct {
	maxFrames int
	timeout   time.Duration
	consumers []string
	verbose   bool
}

func (cmd *runCommand) Name() string {
	return "run"
}

func (cmd *runCommand) Help() string {
	return "Run description and pop frames until the end of stream"
}

func (cmd *runCommand) Register(fs *pflag.FlagSet) {
	fs.IntVar(&cmd.maxFrames, "max-frames", 0, "Stop after this many frames, 0 for no limit")
	fs.DurationVar(&cmd.timeout, "timeout", 0, "Pop timeout, overrides configuration")
	fs.StringSliceVar(&cmd.consumers, "consumer", nil, "Consumer element names, the first one is popped")
	fs.BoolVarP(&cmd.verbose, "verbose", "v", false, "Print every frame and bus event")
}

// summary counts what happened during the run.
type summary struct {
	frames int
	bytes  int
	first  time.Time
	last   time.Time
	shape  string
	caps   string
}

func (s *summary) add(f *frame.Frame) {
	if s.frames == 0 {
		s.first = f.Arrived
		s.shape = fmt.Sprint(f.Shape)
		s.caps = f.Caps.Raw
	}
	s.frames++
	s.bytes += f.Size()
	s.last = f.Arrived
}

func (cmd *runCommand) Run(ctx context.Context, env *environment, args []string) error {
	if len(args) == 0 {
		return errors.New("description is required")
	}
	text := strings.Join(args, " ")
	options := append(env.config.options(),
		pipeline.WithLogger(env.log),
		pipeline.WithConsumers(cmd.consumers...),
	)
	if cmd.timeout > 0 {
		options = append(options, pipeline.WithPopTimeout(cmd.timeout))
	}
	if cmd.verbose {
		options = append(options, pipeline.WithOnMessage(func(ev bus.Event) {
			env.log.WithField("event", ev.String()).Info("bus")
		}))
	}

	var s summary
	err := pipeline.Run(ctx, text, func(p *pipeline.Pipeline) error {
		for f, err := range p.Frames(ctx) {
			if err != nil {
				return err
			}
			s.add(f)
			if cmd.verbose {
				fmt.Fprintf(env.out, "%d %v %v %s\n", f.Offset, f.PTS, f.Shape, f.DType)
			}
			f.Release()
			if cmd.maxFrames > 0 && s.frames >= cmd.maxFrames {
				return nil
			}
		}
		return nil
	}, options...)
	if errors.Is(err, pipeline.ErrNoConsumer) {
		return fmt.Errorf("%w: designate consumers with --consumer", err)
	}
	if err != nil {
		return err
	}

	rows := [][]string{
		{"frames", strconv.Itoa(s.frames)},
		{"bytes", strconv.Itoa(s.bytes)},
	}
	if s.frames > 0 {
		rows = append(rows,
			[]string{"shape", s.shape},
			[]string{"caps", s.caps},
			[]string{"elapsed", s.last.Sub(s.first).String()},
		)
	}
	fmt.Fprintln(env.out, renderTable("run", []string{"key", "value"}, rows))
	return nil
}
