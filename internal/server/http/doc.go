// Package httpserver provides the REST gateway of a flostream runtime: log
// administration, appends, an SSE tail, processor and queue introspection,
// and the Prometheus /metrics endpoint.
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
