package shared

import (
	"context"
	"testing"
)

func TestTraceID_Default(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-123")
	if got := TraceID(ctx); got != "trace-123" {
		t.Fatalf("expected 'trace-123', got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty trace ids")
	}
	if a == b {
		t.Fatalf("expected distinct trace ids, got %q twice", a)
	}
}

func TestWorkspaceID_RoundTrip(t *testing.T) {
	if got := WorkspaceID(context.Background()); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx := WithWorkspaceID(context.Background(), "ws-1")
	if got := WorkspaceID(ctx); got != "ws-1" {
		t.Fatalf("expected 'ws-1', got %q", got)
	}
}

func TestJobID_RoundTrip(t *testing.T) {
	if got := JobID(context.Background()); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx := WithJobID(context.Background(), "job-7")
	if got := JobID(ctx); got != "job-7" {
		t.Fatalf("expected 'job-7', got %q", got)
	}
}
