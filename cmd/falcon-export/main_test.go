package main

import (
	"testing"

	"github.com/spf13/pflag"

	"github.com/Sternrassler/falcon-image-export/pkg/config"
)

func overrideFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.StringSliceVar(&flagShards, "shards", nil, "")
	flags.IntVar(&flagConcurrency, "concurrency", 0, "")
	flags.StringVar(&flagJSONPath, "json", "", "")
	flags.StringVar(&flagCSVPath, "csv", "", "")
	flags.StringVar(&flagLogLevel, "log-level", "", "")
	if err := flags.Parse(args); err != nil {
		t.Fatal(err)
	}
	return flags
}

func TestApplyFlagOverrides(t *testing.T) {
	flags := overrideFlags(t, "--shards=0,f", "--concurrency=4", "--json=custom.json", "--log-level=debug")

	cfg := config.Default()
	applyFlagOverrides(flags, cfg)

	if len(cfg.Export.Shards) != 2 {
		t.Errorf("shards = %v, want [0 f]", cfg.Export.Shards)
	}
	if cfg.Export.Concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", cfg.Export.Concurrency)
	}
	if cfg.Output.JSONPath != "custom.json" {
		t.Errorf("json_path = %q", cfg.Output.JSONPath)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestApplyFlagOverridesUnsetFlagsKeepConfig(t *testing.T) {
	flags := overrideFlags(t)

	cfg := config.Default()
	before := *cfg
	applyFlagOverrides(flags, cfg)

	if cfg.Export.Concurrency != before.Export.Concurrency {
		t.Errorf("concurrency changed without a flag: %d", cfg.Export.Concurrency)
	}
	if cfg.Output.JSONPath != before.Output.JSONPath {
		t.Errorf("json_path changed without a flag: %q", cfg.Output.JSONPath)
	}
}
