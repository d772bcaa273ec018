package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	JitDecode  = "jit_decode"  // guest decoder and CFG builder
	JitCompile = "jit_compile" // optimizer, allocator, emitters
	JitCache   = "jit_cache"   // translation cache and ptc
	JitMemory  = "jit_mem"     // address space and tracking
	JitExec    = "jit_exec"    // dispatcher and native execution
	CLI        = "cli"         // command line tools
)

var root atomic.Value

func init() {
	root.Store(&logger{inner: slog.New(DiscardHandler())})
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "MAX", "MAXVERBOSITY":
		return levelMaxVerbosity, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

// InitLogger installs a terminal logger on stderr at the given level.
func InitLogger(logLevel string) error {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		return err
	}
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(os.Stderr, logLvl)))
	return nil
}

// SetDefault sets the default global logger
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

// Root returns the root logger
func Root() Logger {
	return root.Load().(Logger)
}

var defaultKnownModules = []string{JitDecode, JitCompile, JitCache, JitMemory, JitExec, CLI}

// --- Module management ---
// moduleEnabled keeps track of whether a module's trace/debug logging is enabled.
var (
	moduleMu      sync.RWMutex
	moduleEnabled = initModules(defaultKnownModules)
)

func initModules(moduleList []string) map[string]bool {
	moduleMap := make(map[string]bool, len(moduleList))
	for _, module := range moduleList {
		moduleMap[module] = false
	}
	return moduleMap
}

// EnableModule enables logging for the specified module.
func EnableModule(module string) {
	moduleMu.Lock()
	moduleEnabled[module] = true
	moduleMu.Unlock()
}

// DisableModule disables logging for the specified module.
func DisableModule(module string) {
	moduleMu.Lock()
	moduleEnabled[module] = false
	moduleMu.Unlock()
}

// EnableModules enables a comma separated module list; "all" enables every known module.
func EnableModules(list string) {
	for _, m := range strings.Split(list, ",") {
		m = strings.TrimSpace(m)
		switch m {
		case "":
		case "all":
			for _, k := range defaultKnownModules {
				EnableModule(k)
			}
		default:
			EnableModule(m)
		}
	}
}

func isModuleEnabled(module string) bool {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	return moduleEnabled[module]
}

// Trace logs a message at the trace level for a specific module.
func Trace(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelTrace, module, msg, ctx...)
}

// Debug logs a message at the debug level for a specific module.
func Debug(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(slog.LevelDebug, module, msg, ctx...)
}

// The rest of the logging functions (Info, Warn, Error, Crit) dont filter on module
func Info(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelError, module, msg, ctx...)
}

func Crit(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}

func New(ctx ...interface{}) Logger {
	return Root().With(ctx...)
}
