// Package config provides loading and environment overlay for toil runtime
// configuration. It exposes a Default() baseline, a JSON file loader and a
// TOIL_* environment overlay.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load(config.DefaultPath()); err == nil {
//	    cfg = fileCfg
//	}
//	if err := config.FromEnv(&cfg); err != nil {
//	    return err
//	}
package config
