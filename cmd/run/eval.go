package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wippyai/nnbridge"
	"github.com/wippyai/nnbridge/backend"
	"github.com/wippyai/nnbridge/bridge"
	"github.com/wippyai/nnbridge/bufview"
	"github.com/wippyai/nnbridge/inference"
	"github.com/wippyai/nnbridge/refgraph"
	"github.com/wippyai/nnbridge/repository"
)

var evalCmd = &cobra.Command{
	Use:   "eval [model]",
	Short: "Run one prediction on an empty board",
	Long: `Downloads a model the way the engine would, runs predict on an empty
board through the same buffer protocol and prints the decoded value head,
mean ownership and the top policy move.`,
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
		size, _ := cmd.Flags().GetInt("size")
		name, _ := cmd.Flags().GetString("backend")
		if name == "" {
			name = target.Backend
		}
		req, ok := backend.Parse(name)
		if !ok || req == backend.None {
			return fmt.Errorf("unknown backend %q", name)
		}
		if size < 2 || size > 25 {
			return fmt.Errorf("board size %d out of range", size)
		}

		ctx := cmd.Context()
		loop := bridge.NewLoop()
		defer loop.Close()
		br := bridge.New(loop)

		fetcher := repository.New(repository.WithBase(target.ModelBase))
		defer fetcher.Close()
		graphs := refgraph.New(fetcher)
		sel := backend.NewSelector(graphs, br)
		session := inference.NewSession(graphs, fetcher, br, inference.WithSwitchGuard(sel))
		defer session.Unload()

		if !sel.Set(ctx, req) {
			return fmt.Errorf("backend %s could not be activated", req)
		}
		if !session.Download(ctx, model) {
			return fmt.Errorf("model %s could not be loaded", fetcher.Resolve(model))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "backend:  %s\n", sel.Get())
		return evaluate(ctx, session, size, cmd.OutOrStdout())
	},
}

func init() {
	evalCmd.Flags().Int("size", 19, "Board side length")
	evalCmd.Flags().String("backend", "", "Backend (defaults to the target's)")
	rootCmd.AddCommand(evalCmd)
}

// evaluate lays out one batch row in a scratch linear memory, calls Predict
// and decodes the outputs.
func evaluate(ctx context.Context, s *inference.Session, size int, out io.Writer) error {
	version := s.Version()
	desc, ok := inference.DescribeVersion(version)
	if !ok {
		return fmt.Errorf("model version %d is not supported", version)
	}
	cells := size * size
	layout := inference.NewLayout(version, cells, 1)

	var next uint32
	alloc := func(floats int) uint32 {
		off := next
		next += uint32(floats) * 4
		return off
	}
	inputPtr := alloc(cells * desc.InputChannels)
	globalPtr := alloc(desc.GlobalChannels)
	var outPtr [4]uint32
	for slot, n := range layout.Sizes {
		outPtr[slot] = alloc(n)
	}
	mem := make(nnbridge.SliceMemory, next)

	// Channel 0 marks on-board points.
	spatial := make([]float32, cells*desc.InputChannels)
	for i := 0; i < cells; i++ {
		spatial[i*desc.InputChannels] = 1
	}
	if err := bufview.WriteFloats(mem, inputPtr, uint32(len(spatial)), spatial); err != nil {
		return err
	}

	req := inference.PredictRequest{
		BatchCount:     1,
		Input:          inputPtr,
		BoardCells:     uint32(cells),
		InputChannels:  uint32(desc.InputChannels),
		GlobalInput:    globalPtr,
		GlobalChannels: uint32(desc.GlobalChannels),
		Values:         outPtr[inference.SlotValue],
		MiscValues:     outPtr[inference.SlotMisc],
		Ownerships:     outPtr[inference.SlotOwnership],
		Policies:       outPtr[inference.SlotPolicy],
	}
	if !s.Predict(ctx, mem, req) {
		return fmt.Errorf("predict failed")
	}

	read := func(slot inference.Slot) ([]float32, error) {
		return bufview.ReadFloats(mem, outPtr[slot], uint32(layout.Sizes[slot]))
	}
	values, err := read(inference.SlotValue)
	if err != nil {
		return err
	}
	misc, err := read(inference.SlotMisc)
	if err != nil {
		return err
	}
	ownership, err := read(inference.SlotOwnership)
	if err != nil {
		return err
	}
	policy, err := read(inference.SlotPolicy)
	if err != nil {
		return err
	}

	v, ok := inference.UnpackValues(version, values, misc, 0, inference.AuxCount(version))
	if !ok {
		return fmt.Errorf("cannot decode value outputs of version %d", version)
	}

	var own float64
	for _, o := range ownership {
		own += float64(o)
	}
	best := 0
	for i := 1; i <= cells; i++ {
		if policy[i] > policy[best] {
			best = i
		}
	}
	move := "pass"
	if best < cells {
		move = fmt.Sprintf("%c%d", gtpColumn(best%size), size-best/size)
	}

	fmt.Fprintf(out, "version:  %d\n", version)
	fmt.Fprintf(out, "win:      %.4f\n", v.WinProb)
	fmt.Fprintf(out, "loss:     %.4f\n", v.LossProb)
	fmt.Fprintf(out, "noresult: %.4f\n", v.NoResultProb)
	fmt.Fprintf(out, "score:    %.3f (lead %.3f)\n", v.ScoreMean, v.Lead)
	fmt.Fprintf(out, "owner:    %.4f\n", own/float64(cells))
	fmt.Fprintf(out, "policy:   %s (%.4f)\n", move, policy[best])
	return nil
}

// gtpColumn maps a column index onto GTP letters, which skip I.
func gtpColumn(x int) rune {
	c := rune('A' + x)
	if c >= 'I' {
		c++
	}
	return c
}
