package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"

	"pipelined.dev/pipeline"
)

// Config holds defaults for commands.
type Config struct {
	LogLevel string   `toml:"log_level"`
	Pipeline Pipeline `toml:"pipeline"`
}

// Pipeline contains options of opened pipelines. Timeouts are in
// milliseconds.
type Pipeline struct {
	BusTimeout        int  `toml:"bus_timeout"`
	PopTimeout        int  `toml:"pop_timeout"`
	PushTimeout       int  `toml:"push_timeout"`
	TransitionTimeout int  `toml:"transition_timeout"`
	TeardownTimeout   int  `toml:"teardown_timeout"`
	QueueSize         int  `toml:"queue_size"`
	Leaky             bool `toml:"leaky"`
	FailFast          bool `toml:"fail_fast"`
	SharedContext     bool `toml:"shared_context"`
}

// Default returns configuration used when no file is provided.
func Default() Config {
	return Config{
		LogLevel: "warning",
		Pipeline: Pipeline{
			BusTimeout:        int(pipeline.DefaultBusTimeout / time.Millisecond),
			PopTimeout:        int(pipeline.DefaultPopTimeout / time.Millisecond),
			PushTimeout:       int(pipeline.DefaultPushTimeout / time.Millisecond),
			TransitionTimeout: int(pipeline.DefaultTransitionTimeout / time.Millisecond),
			TeardownTimeout:   int(pipeline.DefaultTeardownTimeout / time.Millisecond),
			QueueSize:         pipeline.DefaultQueueSize,
		},
	}
}

func loadConfig(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "warning"
	}
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	p := c.Pipeline
	timeouts := map[string]int{
		"bus_timeout":        p.BusTimeout,
		"pop_timeout":        p.PopTimeout,
		"push_timeout":       p.PushTimeout,
		"transition_timeout": p.TransitionTimeout,
		"teardown_timeout":   p.TeardownTimeout,
	}
	for name, v := range timeouts {
		if v <= 0 {
			return fmt.Errorf("pipeline.%s must be positive, got %d", name, v)
		}
	}
	if p.QueueSize < 0 {
		return errors.New("pipeline.queue_size must not be negative")
	}
	return nil
}

// options returns pipeline options of the configuration.
func (c *Config) options() []pipeline.Option {
	p := c.Pipeline
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return []pipeline.Option{
		pipeline.WithBusTimeout(ms(p.BusTimeout)),
		pipeline.WithPopTimeout(ms(p.PopTimeout)),
		pipeline.WithPushTimeout(ms(p.PushTimeout)),
		pipeline.WithTransitionTimeout(ms(p.TransitionTimeout)),
		pipeline.WithTeardownTimeout(ms(p.TeardownTimeout)),
		pipeline.WithQueueSize(p.QueueSize),
		pipeline.WithLeaky(p.Leaky),
		pipeline.WithFailFast(p.FailFast),
		pipeline.WithSharedContext(p.SharedContext),
	}
}
