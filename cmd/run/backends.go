package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wippyai/nnbridge/backend"
	"github.com/wippyai/nnbridge/bridge"
	"github.com/wippyai/nnbridge/refgraph"
	"github.com/wippyai/nnbridge/repository"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List inference backends and what auto resolves to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listBackends(cmd.OutOrStdout(), refgraph.New(repository.New()))
	},
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}

func listBackends(out io.Writer, p backend.Platform) error {
	loop := bridge.NewLoop()
	defer loop.Close()
	sel := backend.NewSelector(p, bridge.New(loop))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBACKEND\tPROBE")
	for _, b := range backend.All() {
		probe := "no"
		if p.Probe(b) {
			probe = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", b, b, probe)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\nauto resolves to %s\n", sel.Resolve(backend.Auto))
	return err
}
