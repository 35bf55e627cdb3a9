package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"pipelined.dev/pipeline/description"
)

type inspectCommand struct {
	producer  string
	consumers []string
}

func (cmd *inspectCommand) Name() string {
	return "inspect"
}

func (cmd *inspectCommand) Help() string {
	return "Show parsed elements, links and boundaries of description"
}

func (cmd *inspectCommand) Register(fs *pflag.FlagSet) {
	fs.StringVar(&cmd.producer, "producer", "", "Producer element name")
	fs.StringSliceVar(&cmd.consumers, "consumer", nil, "Consumer element names")
}

func (cmd *inspectCommand) Run(_ context.Context, env *environment, args []string) error {
	if len(args) == 0 {
		return errors.New("description is required")
	}
	var options []description.Option
	if cmd.producer != "" {
		options = append(options, description.WithProducer(cmd.producer))
	}
	if len(cmd.consumers) > 0 {
		options = append(options, description.WithConsumers(cmd.consumers...))
	}
	p, err := description.Parse(strings.Join(args, " "), options...)
	if err != nil {
		return err
	}

	elements := make([][]string, 0, len(p.Elements))
	for _, e := range p.Elements {
		props := make([]string, 0, len(e.Props))
		for _, prop := range e.Props {
			props = append(props, fmt.Sprintf("%s=%s (%v)", prop.Key, prop.Value.Raw, prop.Value.Kind))
		}
		elements = append(elements, []string{e.Name, e.Factory, strings.Join(props, "\n"), role(p, e.Name)})
	}
	fmt.Fprintln(env.out, renderTable("elements", []string{"name", "factory", "properties", "role"}, elements))

	links := make([][]string, 0, len(p.Links))
	for _, l := range p.Links {
		links = append(links, []string{l.From, l.To})
	}
	fmt.Fprintln(env.out, renderTable("links", []string{"from", "to"}, links))

	boundaries := [][]string{
		{"producer", p.Producer, p.ProducerCaps},
		{"consumers", strings.Join(p.Consumers, ", "), p.ConsumerCaps},
	}
	fmt.Fprintln(env.out, renderTable("boundaries", []string{"role", "elements", "caps"}, boundaries))
	return nil
}

func role(p *description.Pipeline, name string) string {
	switch {
	case p.Producer == name:
		return "producer"
	case p.Consumer() == name:
		return "consumer (primary)"
	case p.IsConsumer(name):
		return "consumer"
	}
	return ""
}
