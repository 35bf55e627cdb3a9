package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/pflag"

	"pipelined.dev/pipeline/engine/mem"
)

type elementsCommand struct{}

func (cmd *elementsCommand) Name() string {
	return "elements"
}

func (cmd *elementsCommand) Help() string {
	return "List elements of the reference engine, or properties of one"
}

func (cmd *elementsCommand) Register(*pflag.FlagSet) {}

func (cmd *elementsCommand) Run(_ context.Context, env *environment, args []string) error {
	registry := mem.DefaultRegistry()
	if len(args) == 0 {
		rows := [][]string{}
		for _, f := range registry.Factories() {
			rows = append(rows, []string{f.Name, f.Class.String(), strconv.Itoa(len(f.Props)), f.Description})
		}
		fmt.Fprintln(env.out, renderTable("elements", []string{"name", "class", "properties", "description"}, rows, 3))
		return nil
	}
	for _, name := range args {
		f, ok := registry.Lookup(name)
		if !ok {
			return fmt.Errorf("no such element %q", name)
		}
		rows := [][]string{}
		for _, p := range f.Props {
			rows = append(rows, []string{p.Name, p.Kind.String(), p.Default, p.Blurb})
		}
		fmt.Fprintln(env.out, renderTable(f.Name, []string{"property", "kind", "default", "description"}, rows))
	}
	return nil
}
