package telemetry

import (
	"context"
	"testing"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/colorfulnotion/a64jit/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Options{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestCompileStagesAreSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := NewProvider(Options{Version: "test"}, sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	as, err := memory.New(memory.Config{AddressBits: 20})
	require.NoError(t, err)
	defer as.Close()
	require.NoError(t, as.Map(0x10000, memory.PageSize, memory.PermRX))
	require.NoError(t, as.WriteUntracked(0x10000, guest.NewAsm().AddImm(0, 0, 1).Ret().MustAssemble()))

	cfg := runtime.DefaultConfig()
	cfg.Target = runtime.Interp
	e, err := runtime.New(as, cfg)
	require.NoError(t, err)
	defer e.Close()
	_, err = e.Compile(context.Background(), 0x10000)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, s := range rec.Ended() {
		names[s.Name()] = true
		if s.Name() == "compile" {
			assert.Equal(t, "test", resourceValue(s, "service.version"))
		}
	}
	for _, want := range []string{"compile", "decode", "optimize"} {
		assert.True(t, names[want], "missing span %q in %v", want, names)
	}
	assert.False(t, names["emit"], "interpreted builds emit nothing")
}

func resourceValue(s sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range s.Resource().Attributes() {
		if string(kv.Key) == key {
			return kv.Value.AsString()
		}
	}
	return ""
}
