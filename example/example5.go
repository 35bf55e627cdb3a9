package example

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"pipelined.dev/pipeline"
	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/metric"
)

// Example 5:
//
//	Run several pipelines over a shared engine context
//	Share caps cache and metrics between them
func five() {
	m, err := metric.New(prometheus.NewRegistry())
	check(err)
	cache := caps.NewCache()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = pipeline.Run(context.Background(), "source num-items=100 item-size=64 ! sink",
				func(p *pipeline.Pipeline) error {
					for f, err := range p.Frames(context.Background()) {
						if err != nil {
							return err
						}
						f.Release()
					}
					return nil
				},
				pipeline.WithSharedContext(true),
				pipeline.WithCapsCache(cache),
				pipeline.WithMetrics(m),
			)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		check(err)
	}
}
