package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.trai.ch/zb/internal/adapters/telemetry"
	"go.trai.ch/zb/internal/core/ports/mocks"
	"go.uber.org/mock/gomock"
)

func TestOTelTracer_SpansAreRecorded(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	tracer := telemetry.NewOTelTracer("zb").WithProvider(tp)
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	ctx, root := tracer.Start(context.Background(), "install")
	tracer.EmitPlan(ctx, []string{"zlib", "wget"}, map[string][]string{"wget": {"zlib"}}, []string{"wget"})

	_, child := tracer.Start(ctx, "fetch wget")
	child.SetAttribute("digest", "abc")
	child.SetAttribute("size", 42)
	child.SetAttribute("keg_only", true)
	child.RecordError(errors.New("connection reset"))
	child.End()
	root.End()

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "fetch wget", spans[0].Name())
	assert.Equal(t, "connection reset", spans[0].Status().Description)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Len(t, spans[0].Attributes(), 3)

	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "plan_emitted", spans[1].Events()[0].Name)
}

func TestOTelTracer_ForwardsToRenderer(t *testing.T) {
	ctrl := gomock.NewController(t)
	renderer := mocks.NewMockRenderer(ctrl)

	tp := sdktrace.NewTracerProvider()
	tracer := telemetry.NewOTelTracer("zb").WithProvider(tp).WithRenderer(renderer)

	_, span := tracer.Start(context.Background(), "build hello")
	_, ok := span.(*telemetry.OTelSpan)
	require.True(t, ok)

	gomock.InOrder(
		renderer.EXPECT().OnPlanEmit([]string{"hello"}, gomock.Any(), []string{"hello"}),
		renderer.EXPECT().OnTaskLog(gomock.Any(), []byte("checking for gcc... yes\n")),
	)

	tracer.EmitPlan(context.Background(), []string{"hello"}, nil, []string{"hello"})
	_, err := span.Write([]byte("checking for gcc... yes\n"))
	require.NoError(t, err)
	span.End()

	require.NoError(t, tracer.Shutdown(context.Background()))

	// Writes after shutdown are dropped.
	n, err := span.Write([]byte("late"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, tracer.Shutdown(context.Background()))
}

func TestOTelTracer_NoRendererDropsOutput(t *testing.T) {
	tracer := telemetry.NewOTelTracer("zb").WithProvider(sdktrace.NewTracerProvider())
	_, span := tracer.Start(context.Background(), "fetch wget")
	n, err := span.Write([]byte("progress"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	span.End()
	require.NoError(t, tracer.Shutdown(context.Background()))
}

func TestBridge_ReportsStartAndEnd(t *testing.T) {
	ctrl := gomock.NewController(t)
	renderer := mocks.NewMockRenderer(ctrl)
	tp := telemetry.NewProvider(renderer)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var rootID string
	renderer.EXPECT().OnTaskStart(gomock.Any(), "", "install", gomock.Any()).
		Do(func(id, _, _ string, _ time.Time) { rootID = id })
	renderer.EXPECT().OnTaskStart(gomock.Any(), gomock.Any(), "link wget", gomock.Any()).
		Do(func(_, parent, _ string, _ time.Time) { assert.Equal(t, rootID, parent) })
	renderer.EXPECT().OnTaskComplete(gomock.Any(), gomock.Any(), gomock.Not(gomock.Nil()))
	renderer.EXPECT().OnTaskComplete(gomock.Any(), gomock.Any(), nil)

	tracer := telemetry.NewOTelTracer("zb").WithProvider(tp)
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	ctx, root := tracer.Start(context.Background(), "install")
	_, child := tracer.Start(ctx, "link wget")
	child.RecordError(errors.New("link conflict"))
	child.End()
	root.End()
}

func TestBridge_NilRenderer(t *testing.T) {
	tp := telemetry.NewProvider(nil)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("zb").Start(context.Background(), "install")
	span.End()

	bridge := telemetry.NewBridge(nil)
	assert.NoError(t, bridge.ForceFlush(context.Background()))
	assert.NoError(t, bridge.Shutdown(context.Background()))
}

func TestNoOpTracer(t *testing.T) {
	tracer := telemetry.NewNoOpTracer()
	ctx := context.Background()

	newCtx, span := tracer.Start(ctx, "install")
	assert.Equal(t, ctx, newCtx)
	tracer.EmitPlan(ctx, []string{"a"}, nil, []string{"a"})

	n, err := span.Write([]byte("data"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	span.SetAttribute("k", "v")
	span.RecordError(errors.New("boom"))
	span.End()
}
