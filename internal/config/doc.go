// Package config provides loading and environment overlay for flostream
// configuration. It exposes a Default() baseline that runtime.Open turns
// into a streamlog backend, a logger and a metrics registry.
//
// Example:
//
//	cfg, err := config.Load("/etc/flostream.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	rt, err := runtime.Open(ctx, runtime.Options{Config: cfg})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
package config
