// Package config loads dbgmodel settings.
//
// Settings are resolved in layers, later layers overriding earlier ones:
//
//	┌──────────────────────────────┐
//	│  4. DBGMODEL_* environment   │  ← highest priority
//	├──────────────────────────────┤
//	│  3. .env file                │
//	├──────────────────────────────┤
//	│  2. TOML file                │  ← dbgmodel.toml
//	├──────────────────────────────┤
//	│  1. Built-in defaults        │
//	└──────────────────────────────┘
//
// A .env file only fills variables that are not already set in the
// process environment.
//
// # Basic Usage
//
//	cfg, err := config.Load("dbgmodel.toml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Model.DeviceBase)
//
// # Live Reload
//
// Watch re-reads the file whenever it changes:
//
//	w, err := config.Watch(ctx, "dbgmodel.toml", func(cfg *config.Config, err error) {
//	    if err == nil {
//	        apply(cfg)
//	    }
//	})
package config
