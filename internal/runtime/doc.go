// Package runtime wires configuration, logging, metrics and the configured
// streamlog backend into a single flostream instance, together with the
// processor and scheduler managers running on it.
//
// Example:
//
//	rt, err := runtime.Open(ctx, runtime.Options{Config: config.Default()})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//	_ = rt.CheckHealth(ctx)
//	p, _ := rt.Processors().RegisterAndCreateProcessor(ctx, "demo", topo, rt.Settings())
package runtime
