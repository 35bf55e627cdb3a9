package main

import (
	"context"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pipelined.dev/pipeline/log"
)

// command is a single CLI command.
type command interface {
	Name() string
	Help() string
	Register(*pflag.FlagSet)
	Run(ctx context.Context, env *environment, args []string) error
}

// environment is shared by all commands.
type environment struct {
	out        io.Writer
	errOut     io.Writer
	configPath string
	logLevel   string
	config     Config
	log        *logrus.Logger
}

func (env *environment) load() error {
	cfg, err := loadConfig(env.configPath)
	if err != nil {
		return err
	}
	if env.logLevel != "" {
		cfg.LogLevel = strings.ToLower(env.logLevel)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	env.config = cfg
	env.log = log.GetLogger()
	env.log.SetOutput(env.errOut)
	return log.ParseLevel(env.log, cfg.LogLevel)
}

func commands() []command {
	return []command{
		&runCommand{},
		&inspectCommand{},
		&elementsCommand{},
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	env := &environment{out: out}
	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "Run and inspect media pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(out)
	env.errOut = root.ErrOrStderr()
	root.PersistentFlags().StringVarP(&env.configPath, "config", "c", "", "Configuration file path")
	root.PersistentFlags().StringVar(&env.logLevel, "log-level", "", "Log level, overrides configuration")

	for _, c := range commands() {
		root.AddCommand(cobraCommand(c, env))
	}
	return root
}

func cobraCommand(c command, env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   c.Name(),
		Short: c.Help(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), env, args)
		},
	}
	c.Register(cmd.Flags())
	return cmd
}
