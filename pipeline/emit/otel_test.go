package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordedTracer(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, NewOTelEmitter(otel.Tracer("test"))
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for _, a := range attrs {
		out[string(a.Key)] = a.Value.AsInterface()
	}
	return out
}

func TestOTelEmitter_Emit(t *testing.T) {
	exporter, emitter := recordedTracer(t)

	emitter.Emit(Event{
		RunID:  "run-001",
		Step:   1,
		NodeID: "greet",
		Msg:    "node_start",
		Meta: map[string]interface{}{
			"node_kind": "generate",
			"tokens":    150,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "node_start" {
		t.Errorf("span name = %q", span.Name)
	}

	attrs := attributeMap(span.Attributes)
	if attrs["chatgraph.run_id"] != "run-001" {
		t.Errorf("run_id = %v", attrs["chatgraph.run_id"])
	}
	if attrs["chatgraph.step"] != int64(1) {
		t.Errorf("step = %v", attrs["chatgraph.step"])
	}
	if attrs["chatgraph.node_id"] != "greet" {
		t.Errorf("node_id = %v", attrs["chatgraph.node_id"])
	}
	if attrs["chatgraph.node_kind"] != "generate" {
		t.Errorf("meta attribute = %v", attrs["chatgraph.node_kind"])
	}
	if attrs["chatgraph.tokens"] != int64(150) {
		t.Errorf("int meta = %v", attrs["chatgraph.tokens"])
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	exporter, emitter := recordedTracer(t)

	emitter.Emit(Event{
		RunID:  "run-002",
		Step:   3,
		NodeID: "answer",
		Msg:    "node_error",
		Meta:   map[string]interface{}{"error": "model call failed"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "model call failed" {
		t.Errorf("description = %q", spans[0].Status.Description)
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	exporter, emitter := recordedTracer(t)

	events := []Event{
		{RunID: "run-003", Step: 0, Msg: "pipeline_start"},
		{RunID: "run-003", Step: 1, NodeID: "greet", Msg: "node_start"},
		{RunID: "run-003", Step: 1, NodeID: "greet", Msg: "node_end"},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 3 {
		t.Errorf("expected 3 spans, got %d", got)
	}

	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
}
