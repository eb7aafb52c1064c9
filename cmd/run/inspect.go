package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wippyai/nnbridge/inference"
	"github.com/wippyai/nnbridge/refgraph"
	"github.com/wippyai/nnbridge/repository"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [model]",
	Short: "Show a model's metadata, geometry and heads",
	Long: `Reads metadata.json and model.json of a model from the target's model
repository. Weight shards are not downloaded. Without an argument the
configured engine model is inspected.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, target, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		model := cfg.Engine.Model
		if len(args) == 1 {
			model = args[0]
		}

		f := repository.New(repository.WithBase(target.ModelBase))
		defer f.Close()
		return inspectModel(cmd, f, model)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func inspectModel(cmd *cobra.Command, f *repository.Fetcher, model string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	md, err := f.FetchMetadata(ctx, model)
	if err != nil {
		return err
	}
	man, err := refgraph.ReadManifest(ctx, f, model)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "model:    %s\n", f.Resolve(model))
	fmt.Fprintf(out, "name:     %s\n", md.Name)
	fmt.Fprintf(out, "version:  %d\n", md.Version)
	if desc, ok := inference.DescribeVersion(md.Version); ok {
		fmt.Fprintf(out, "inputs:   %d spatial, %d global channels\n", desc.InputChannels, desc.GlobalChannels)
		fmt.Fprintf(out, "outputs:  %d value, %d score value, %d ownership channels\n",
			desc.ValueChannels, desc.ScoreValueChannels, desc.OwnershipChannels)
	} else {
		fmt.Fprintf(out, "geometry: version %d is not served\n", md.Version)
	}
	if man.InputChannels != 0 || man.GlobalChannels != 0 {
		fmt.Fprintf(out, "graph:    %d spatial, %d global channels\n", man.InputChannels, man.GlobalChannels)
	}
	printHeads(out, man)
	return nil
}

func printHeads(out io.Writer, man refgraph.Manifest) {
	shapes := make(map[string][]int)
	shards := 0
	for _, g := range man.WeightsManifest {
		shards += len(g.Paths)
		for _, w := range g.Weights {
			shapes[w.Name] = w.Shape
		}
	}
	fmt.Fprintf(out, "shards:   %d\n", shards)
	fmt.Fprintln(out, "heads:")
	for _, h := range man.Heads {
		act := h.Activation
		if act == "" {
			act = refgraph.Linear
		}
		fmt.Fprintf(out, "  %-24s %-8s %-8s weights %v\n", h.Name, h.Kind, act, shapes[h.Weights])
	}
}
