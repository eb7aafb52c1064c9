package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
	"golang.org/x/term"

	"github.com/wippyai/nnbridge/config"
	"github.com/wippyai/nnbridge/lineio"
	"github.com/wippyai/nnbridge/metrics"
	"github.com/wippyai/nnbridge/runtime"
)

const tuiLogFile = "nnbridge.log"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine of the selected target",
	Long: `Starts the engine with argv [subcommand -model <model> -config <cfg>],
serving its model downloads, predictions and stdin from the bridge.

On a terminal a console UI is shown; otherwise lines are read from stdin and
engine output is written to stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, target, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if w, _ := cmd.Flags().GetString("wasm"); w != "" {
			target.Engine = w
		}
		plain, _ := cmd.Flags().GetBool("plain")
		interactive := !plain && term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))

		// The console owns the screen, so logs go to a file unless one is set.
		if interactive && cfg.Logger.Output == "stderr" {
			cfg.Logger.Output = tuiLogFile
		}
		logger, err := installLogger(cfg.Logger)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var opts []runtime.Option
		if cfg.Metrics.Listen != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			opts = append(opts, runtime.WithMetrics(metrics.New(reg)))
			go func() {
				if err := metrics.Serve(ctx, cfg.Metrics.Listen, cfg.Metrics.Path, reg); err != nil {
					logger.Error("metrics listener failed", zap.Error(err))
				}
			}()
		}

		if interactive {
			stderr := &zapio.Writer{Log: logger.Named("engine"), Level: zap.InfoLevel}
			defer stderr.Close()
			return runInteractive(ctx, cfg, target, append(opts, runtime.WithStderr(stderr)))
		}
		return runPlain(ctx, cfg, target, cmd.InOrStdin(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("wasm", "", "Engine binary (overrides the target)")
	runCmd.Flags().Bool("plain", false, "Plain line mode even on a terminal")
	rootCmd.RunE = runCmd.RunE
	rootCmd.Flags().AddFlagSet(runCmd.Flags())
}

// runPlain pipes in to the engine line by line and prints engine output to
// out. End of input closes the engine's stdin.
func runPlain(ctx context.Context, cfg *config.Config, target config.Target, in io.Reader, out io.Writer, opts []runtime.Option) error {
	sink := lineio.SinkFunc(func(dir lineio.Direction, line string) {
		if dir == lineio.Output {
			fmt.Fprintln(out, line)
		}
	})
	rt, err := runtime.New(ctx, cfg.Engine, target, append(opts, runtime.WithSink(sink))...)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if !rt.Stream().Submit(scanner.Text()) {
				return
			}
		}
		rt.Stream().Close()
	}()

	return rt.RunFile(ctx, target.Engine)
}
