package telemetry

import (
	"context"
	"testing"
)

func TestDisabled_ShutdownIsSafe(t *testing.T) {
	p := Disabled()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() on a disabled provider = %v, want nil", err)
	}
}

func TestNew_BuildsAndShutsDown(t *testing.T) {
	p, err := New(context.Background(), "wsintercept-test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.tp == nil {
		t.Fatal("expected a non-nil tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestTracer_ReturnsUsableTracer(t *testing.T) {
	tracer := Tracer("wsintercept/test")
	_, span := tracer.Start(context.Background(), "test-span")
	defer span.End()
	if span == nil {
		t.Fatal("expected a non-nil span")
	}
}
