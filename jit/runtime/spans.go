package runtime

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/colorfulnotion/a64jit/jit/runtime"

func startSpan(ctx context.Context, name string, pc uint64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attribute.String("guest.pc", fmt.Sprintf("0x%x", pc))))
}

// stage runs one compile stage inside a child span.
func stage(ctx context.Context, name string, fn func() error) error {
	_, span := otel.Tracer(tracerName).Start(ctx, name)
	defer span.End()
	if err := fn(); err != nil {
		return spanError(span, err)
	}
	return nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, jiterrors.GetErrorName(err))
	return err
}
