// Package config collects the settings shared by the a64jit commands. Values start from Default,
// are overridden by A64JIT_* environment variables and finally by command line flags.
package config

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/a64jit/jit/backend"
	"github.com/colorfulnotion/a64jit/jit/opt"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/colorfulnotion/a64jit/log"
	"github.com/xyproto/env/v2"
)

const EnvPrefix = "A64JIT_"

type Config struct {
	AddressBits   uint   `json:"address_bits"`
	Target        string `json:"target"`
	Optimize      bool   `json:"optimize"`
	MaxBlockInsts int    `json:"max_block_insts"`
	MaxBlocks     int    `json:"max_blocks"`
	CrossCheck    bool   `json:"cross_check"`
	Budget        uint64 `json:"budget"`

	PTCPath   string `json:"ptc_path"`   // persistent translation cache, "" to disable
	TracePath string `json:"trace_path"` // JSONL dispatch trace, "" to disable
	FullTrace bool   `json:"full_trace"`

	LogLevel          string   `json:"log_level"`
	LogModules        []string `json:"log_modules"`
	TelemetryEndpoint string   `json:"telemetry_endpoint"` // OTLP/HTTP host:port
	MetricsAddr       string   `json:"metrics_addr"`
}

func Default() Config {
	d := runtime.DefaultConfig()
	return Config{
		AddressBits:   32,
		Optimize:      true,
		MaxBlockInsts: d.MaxBlockInsts,
		MaxBlocks:     d.MaxBlocks,
		LogLevel:      "info",
	}
}

// Load returns Default with environment overrides applied.
func Load() Config {
	c := Default()
	c.ApplyEnv()
	return c
}

// ApplyEnv overrides every field whose A64JIT_* variable is set.
func (c *Config) ApplyEnv() {
	if env.Has(EnvPrefix + "ADDRESS_BITS") {
		c.AddressBits = uint(env.Int(EnvPrefix+"ADDRESS_BITS", int(c.AddressBits)))
	}
	c.Target = env.Str(EnvPrefix+"TARGET", c.Target)
	if env.Has(EnvPrefix + "OPTIMIZE") {
		c.Optimize = env.Bool(EnvPrefix + "OPTIMIZE")
	}
	c.MaxBlockInsts = env.Int(EnvPrefix+"MAX_BLOCK_INSTS", c.MaxBlockInsts)
	c.MaxBlocks = env.Int(EnvPrefix+"MAX_BLOCKS", c.MaxBlocks)
	if env.Has(EnvPrefix + "CROSS_CHECK") {
		c.CrossCheck = env.Bool(EnvPrefix + "CROSS_CHECK")
	}
	if env.Has(EnvPrefix + "BUDGET") {
		c.Budget = uint64(env.Int64(EnvPrefix+"BUDGET", int64(c.Budget)))
	}
	c.PTCPath = env.Str(EnvPrefix+"PTC", c.PTCPath)
	c.TracePath = env.Str(EnvPrefix+"TRACE", c.TracePath)
	if env.Has(EnvPrefix + "FULL_TRACE") {
		c.FullTrace = env.Bool(EnvPrefix + "FULL_TRACE")
	}
	c.LogLevel = env.Str(EnvPrefix+"LOG_LEVEL", c.LogLevel)
	if mods := env.Str(EnvPrefix + "LOG_MODULES"); mods != "" {
		c.LogModules = strings.Split(mods, ",")
	}
	c.TelemetryEndpoint = env.Str(EnvPrefix+"TELEMETRY", c.TelemetryEndpoint)
	c.MetricsAddr = env.Str(EnvPrefix+"METRICS", c.MetricsAddr)
}

// Validate rejects settings the engine or the address space would refuse later.
func (c *Config) Validate() error {
	if c.AddressBits < 13 || c.AddressBits > 40 {
		return fmt.Errorf("address bits %d out of range [13, 40]", c.AddressBits)
	}
	if c.MaxBlockInsts <= 0 {
		return fmt.Errorf("max block instructions must be positive, got %d", c.MaxBlockInsts)
	}
	if c.MaxBlocks <= 0 {
		return fmt.Errorf("max blocks must be positive, got %d", c.MaxBlocks)
	}
	if c.Target != "" && c.Target != runtime.Interp {
		known := false
		for _, n := range backend.Names() {
			known = known || n == c.Target
		}
		if !known {
			return fmt.Errorf("unknown target %q (have %v and %q)", c.Target, backend.Names(), runtime.Interp)
		}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Engine converts c into engine settings. Store and Tracer are left for the caller.
func (c *Config) Engine() runtime.Config {
	rc := runtime.DefaultConfig()
	rc.Target = c.Target
	if !c.Optimize {
		rc.Opt = opt.None()
	}
	rc.MaxBlockInsts = c.MaxBlockInsts
	rc.MaxBlocks = c.MaxBlocks
	rc.CrossCheck = c.CrossCheck
	rc.Budget = c.Budget
	return rc
}
