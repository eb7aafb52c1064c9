package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wippyai/nnbridge/inference"
	"github.com/wippyai/nnbridge/refgraph"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Model repository helpers",
}

var modelInitCmd = &cobra.Command{
	Use:   "init <dir>",
	Short: "Write a deterministic reference model into dir",
	Long: `Writes metadata.json, model.json and one weight shard for a synthetic
dense-head model of the given format version. Useful to run an engine end to
end without a trained network.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetInt("version")
		name, _ := cmd.Flags().GetString("name")
		if _, ok := inference.DescribeVersion(version); !ok {
			return fmt.Errorf("model version %d is not supported", version)
		}

		man, weights := refgraph.Synthetic(version)
		md := inference.Metadata{Name: name, Version: version}
		if err := refgraph.WriteModel(args[0], man, weights, md); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (version %d)\n", args[0], version)
		return nil
	},
}

func init() {
	modelInitCmd.Flags().Int("version", inference.DefaultVersion, "Model format version")
	modelInitCmd.Flags().String("name", "synthetic", "Model name recorded in metadata.json")
	modelCmd.AddCommand(modelInitCmd)
	rootCmd.AddCommand(modelCmd)
}
