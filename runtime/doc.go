// Package runtime hosts the engine in wazero and wires it to the bridge.
//
// One bootstrap covers every deployment target. A config.Target names the
// engine binary, where models come from and the starting backend; New
// builds the event loop, bridge, model repository, reference executor,
// backend selector, inference session, line stream and the env host module
// from it:
//
//	rt, err := runtime.New(ctx, cfg.Engine, target,
//	    runtime.WithSink(lineio.SinkFunc(func(dir lineio.Direction, line string) {
//	        fmt.Println(line)
//	    })))
//	if err != nil {
//	    return err
//	}
//	defer rt.Close(ctx)
//
//	rt.Stream().Submit("version")
//	err = rt.RunFile(ctx, target.Engine)
//
// The engine runs as a WASI preview1 command. Its stdin is the line stream
// read through the bridge, so reading an empty stdin parks the engine until
// a line is submitted. Its stdout feeds the same stream's output side.
//
// When the engine calls statusHandler(1) the configured startup lines are
// submitted, in order, before anything the user types.
package runtime
