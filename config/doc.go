// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and EXECBOX_ prefixed environment variables.
// It covers server transport settings, sandbox resource limits, container
// engine connection, image cache sizing and per-language overrides.
//
// Usage:
//
//	cfg, err := config.Load("/etc/execbox/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Cache size: %d\n", cfg.Cache.MaxSize)
package config
