// Package telemetry implements ports.Tracer with OpenTelemetry and forwards
// span output to a renderer.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.trai.ch/zb/internal/core/ports"
)

// LogBufferSize is the capacity of the queue between spans and the renderer.
const LogBufferSize = 4096

// OTelTracer implements ports.Tracer.
type OTelTracer struct {
	name   string
	tracer trace.Tracer

	mu       sync.RWMutex
	renderer ports.Renderer

	// qmu guards closing queue; senders hold it shared while they send.
	qmu    sync.RWMutex
	closed bool
	queue  chan any
	done   chan struct{}
}

// NewOTelTracer creates a tracer with the given instrumentation name using
// the global tracer provider.
func NewOTelTracer(name string) *OTelTracer {
	t := &OTelTracer{
		name:   name,
		tracer: otel.Tracer(name),
		queue:  make(chan any, LogBufferSize),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

// WithProvider makes the tracer create spans from tp instead of the global provider.
func (t *OTelTracer) WithProvider(tp trace.TracerProvider) *OTelTracer {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracer = tp.Tracer(t.name)
	return t
}

// WithRenderer sets the renderer that receives span output and plans.
func (t *OTelTracer) WithRenderer(r ports.Renderer) *OTelTracer {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.renderer = r
	return t
}

func (t *OTelTracer) run() {
	defer close(t.done)
	for msg := range t.queue {
		if f, ok := msg.(msgFlush); ok {
			close(f.done)
			continue
		}
		t.mu.RLock()
		r := t.renderer
		t.mu.RUnlock()
		if r == nil {
			continue
		}
		switch m := msg.(type) {
		case MsgTaskLog:
			r.OnTaskLog(m.SpanID, m.Data)
		case MsgPlan:
			r.OnPlanEmit(m.Names, m.Deps, m.Requested)
		}
	}
}

// send queues msg for the renderer. Messages sent after Shutdown are dropped.
func (t *OTelTracer) send(msg any) bool {
	t.mu.RLock()
	r := t.renderer
	t.mu.RUnlock()
	if r == nil {
		return false
	}

	t.qmu.RLock()
	defer t.qmu.RUnlock()
	if t.closed {
		return false
	}
	t.queue <- msg
	return true
}

// flush blocks until every message queued before it has been delivered.
func (t *OTelTracer) flush() {
	done := make(chan struct{})
	if t.send(msgFlush{done: done}) {
		<-done
	}
}

// Shutdown delivers queued messages and stops the delivery loop.
func (t *OTelTracer) Shutdown(ctx context.Context) error {
	t.qmu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.qmu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start creates a new span.
func (t *OTelTracer) Start(ctx context.Context, name string, opts ...ports.SpanOption) (context.Context, ports.Span) {
	cfg := &ports.SpanConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	t.mu.RLock()
	tracer := t.tracer
	t.mu.RUnlock()

	ctx, span := tracer.Start(ctx, name)
	return ctx, &OTelSpan{span: span, tracer: t}
}

// EmitPlan records the plan on the current span and sends it to the renderer.
func (t *OTelTracer) EmitPlan(ctx context.Context, names []string, deps map[string][]string, requested []string) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("plan_emitted", trace.WithAttributes(
			attribute.StringSlice("packages", names),
			attribute.StringSlice("requested", requested),
		))
	}
	t.send(MsgPlan{Names: names, Deps: deps, Requested: requested})
}

// OTelSpan implements ports.Span.
type OTelSpan struct {
	span   trace.Span
	tracer *OTelTracer
}

// End delivers the span's pending output and completes the span.
func (s *OTelSpan) End() {
	s.tracer.flush()
	s.span.End()
}

// RecordError records err and marks the span as failed.
func (s *OTelSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// SetAttribute adds a key-value pair to the span.
func (s *OTelSpan) SetAttribute(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case []string:
		s.span.SetAttributes(attribute.StringSlice(key, v))
	case fmt.Stringer:
		s.span.SetAttributes(attribute.String(key, v.String()))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

// Write forwards output to the renderer as log lines of this span.
func (s *OTelSpan) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)
	s.tracer.send(MsgTaskLog{SpanID: s.span.SpanContext().SpanID().String(), Data: data})
	return len(p), nil
}
