// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/jllopis/humanloop/pkg/core"
)

func TestInit(t *testing.T) {
	shutdown, err := Init("test-service", "v0.0.1")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Shutdown function should not be nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitRejectsBadConfig(t *testing.T) {
	if _, err := InitWithConfig("svc", "v", Config{Exporter: "otlp"}); err == nil {
		t.Fatalf("expected missing endpoint error")
	}
	if _, err := InitWithConfig("svc", "v", Config{Exporter: "zipkin"}); err == nil {
		t.Fatalf("expected unknown exporter error")
	}
	shutdown, err := InitWithConfig("svc", "v", Config{Exporter: "none"})
	if err != nil || shutdown(context.Background()) != nil {
		t.Fatalf("none exporter should be a no-op: %v", err)
	}
}

func TestLoggerAddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", "json")
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	logger.InfoContext(ctx, "manager.request.created", slog.String("request_id", "req-1"))
	span.End()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if entry["trace_id"] != span.SpanContext().TraceID().String() {
		t.Fatalf("expected trace id in log, got %v", entry["trace_id"])
	}
	if entry["msg"] != "manager.request.created" {
		t.Fatalf("unexpected message %v", entry["msg"])
	}
}

func TestLoggerWithLevelVar(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := NewLoggerWithLevel(&buf, level, "text")

	logger.Info("manager.request.created")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level")
	}
	level.Set(slog.LevelDebug)
	logger.Info("manager.request.created")
	if buf.Len() == 0 {
		t.Fatalf("expected output after lowering the level")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestAttributes(t *testing.T) {
	req := &core.Request{ID: "r1", ConversationID: "c1", Kind: core.KindConversation, Channel: "chat", TaskID: "t1"}
	attrs := RequestAttributes(req)
	set := attribute.NewSet(attrs...)
	if v, ok := set.Value(AttrConversationID); !ok || v.AsString() != "c1" {
		t.Fatalf("expected conversation attribute")
	}
	if v, ok := set.Value(AttrTaskID); !ok || v.AsString() != "t1" {
		t.Fatalf("expected task attribute")
	}
	standalone := RequestAttributes(&core.Request{ID: "r2", ConversationID: "r2", Kind: core.KindApproval})
	standaloneSet := attribute.NewSet(standalone...)
	if standaloneSet.HasValue(AttrConversationID) {
		t.Fatalf("standalone request should not carry a conversation attribute")
	}
	if RequestAttributes(nil) != nil {
		t.Fatalf("nil request should have no attributes")
	}
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()
	m, err := NewMetricsWithMeter(provider.Meter("test"))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	now := time.Now()
	req := &core.Request{ID: "r1", Kind: core.KindApproval, Channel: "chat", CreatedAt: now}
	m.RequestCreated(ctx, req)
	req.Status = core.StatusResponded
	req.CompletedAt = now.Add(250 * time.Millisecond)
	m.RequestCompleted(ctx, req)
	m.Conflict(ctx, "resolve")
	m.DeliveryRetry(ctx, "chat", 1)
	m.DeliveryFailed(ctx, "chat", "PROVIDER_UNAVAILABLE")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			names[md.Name] = true
		}
	}
	for _, want := range []string{
		"humanloop.requests.created",
		"humanloop.requests.completed",
		"humanloop.requests.conflicts",
		"humanloop.delivery.retries",
		"humanloop.delivery.failures",
		"humanloop.requests.pending",
		"humanloop.response.latency_ms",
	} {
		if !names[want] {
			t.Errorf("missing metric %s", want)
		}
	}

	var nilMetrics *Metrics
	nilMetrics.RequestCreated(ctx, req)
	nilMetrics.Conflict(ctx, "cancel")
}
