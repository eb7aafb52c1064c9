package runtime

import (
	"context"
	"crypto/rand"

	"github.com/tetratelabs/wazero"
)

// moduleConfig wires the engine's stdio to the line stream. Stdin reads
// park through the bridge.
func (r *Runtime) moduleConfig(ctx context.Context, args []string) wazero.ModuleConfig {
	mc := wazero.NewModuleConfig().
		WithName("engine").
		WithArgs(args...).
		WithStdin(r.stream.Reader(ctx, r.bridge)).
		WithStdout(r.stream.Writer()).
		WithStderr(r.opts.stderr).
		WithRandSource(rand.Reader).
		WithSysWalltime().
		WithSysNanotime()
	if r.engine.Dir != "" {
		mc = mc.WithFSConfig(wazero.NewFSConfig().WithDirMount(r.engine.Dir, "/"))
	}
	return mc
}
