// a64jit runs, inspects and benchmarks AArch64 guest programs on the binary-translation engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/colorfulnotion/a64jit/common"
	"github.com/colorfulnotion/a64jit/config"
	"github.com/colorfulnotion/a64jit/jit/cache"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/colorfulnotion/a64jit/log"
	"github.com/colorfulnotion/a64jit/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type app struct {
	cfg      config.Config
	src      sourceFlags
	shutdown []func(context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{cfg: config.Load()}
	err := newRootCmd(a).ExecuteContext(ctx)
	stop()
	if terr := a.teardown(); terr != nil {
		log.Warn(log.CLI, "shutdown", "err", terr)
	}
	if err != nil {
		var ec exitCode
		if errors.As(err, &ec) {
			os.Exit(int(ec))
		}
		fmt.Fprintln(os.Stderr, common.Colorize(common.ColorRed, "error: "+err.Error()))
		os.Exit(1)
	}
}

// exitCode ends the process with the guest's exit status.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("guest exited with %d", int(e)) }

// newRootCmd builds the command tree around a. The caller runs a.teardown once the command
// returns, whether or not it failed.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "a64jit",
		Short:         "AArch64 binary translator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	f := root.PersistentFlags()
	f.UintVar(&a.cfg.AddressBits, "address-bits", a.cfg.AddressBits, "guest address space width")
	f.StringVar(&a.cfg.Target, "target", a.cfg.Target, `code generator: amd64, arm64 or "interp" (default: host)`)
	f.BoolVar(&a.cfg.Optimize, "optimize", a.cfg.Optimize, "run the IR optimizer")
	f.IntVar(&a.cfg.MaxBlockInsts, "max-block-insts", a.cfg.MaxBlockInsts, "guest instructions per block")
	f.IntVar(&a.cfg.MaxBlocks, "max-blocks", a.cfg.MaxBlocks, "blocks per translated function")
	f.BoolVar(&a.cfg.CrossCheck, "cross-check", a.cfg.CrossCheck, "compare every decoded instruction with arm64asm")
	f.Uint64Var(&a.cfg.Budget, "budget", a.cfg.Budget, "guest instructions per run, 0 for unlimited")
	f.StringVar(&a.cfg.PTCPath, "ptc", a.cfg.PTCPath, "persistent translation cache directory")
	f.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "trace, debug, info, warn, error or crit")
	f.StringSliceVar(&a.cfg.LogModules, "log-modules", a.cfg.LogModules, "modules with debug output (jit_decode, jit_compile, jit_cache, jit_mem, jit_exec, cli)")
	f.StringVar(&a.cfg.TelemetryEndpoint, "telemetry", a.cfg.TelemetryEndpoint, "OTLP/HTTP endpoint for compile spans")
	f.StringVar(&a.cfg.MetricsAddr, "metrics", a.cfg.MetricsAddr, "serve prometheus metrics on this address")

	root.AddCommand(
		a.runCmd(),
		a.irCmd(),
		a.disasmCmd(),
		a.graphCmd(),
		a.benchCmd(),
		a.validateCmd(),
		a.consoleCmd(),
		a.ptcCmd(),
		versionCmd(),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	if err := log.InitLogger(a.cfg.LogLevel); err != nil {
		return err
	}
	for _, m := range a.cfg.LogModules {
		log.EnableModule(m)
	}
	shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		Endpoint: a.cfg.TelemetryEndpoint,
		Insecure: true,
		Version:  common.Version,
	})
	if err != nil {
		return err
	}
	a.shutdown = append(a.shutdown, shutdown)
	if a.cfg.MetricsAddr != "" {
		a.serveMetrics()
	}
	return nil
}

func (a *app) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, a.shutdown[i](ctx))
	}
	a.shutdown = nil
	return errors.Join(errs...)
}

func (a *app) serveMetrics() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(cache.Collectors()...)
	reg.MustRegister(runtime.Collectors()...)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(log.CLI, "metrics server", "err", err)
		}
	}()
	log.Info(log.CLI, "serving metrics", "addr", a.cfg.MetricsAddr)
	a.shutdown = append(a.shutdown, srv.Shutdown)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), common.BuildVersion())
		},
	}
}
