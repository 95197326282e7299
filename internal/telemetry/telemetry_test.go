package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSetupGRPC(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Endpoint: "localhost:4317",
		Insecure: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown(ctx)
}

func TestSetupHTTPSchemeImpliesInsecure(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Protocol: "http",
		Endpoint: "http://localhost:4318",
		Headers:  map[string]string{"x-team": "gateway"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown(ctx)
}

func TestSetupRejectsUnknownProtocol(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Protocol: "carrier-pigeon",
	})
	if err == nil {
		t.Fatal("unknown protocol should fail")
	}
}

func TestTracerAlwaysAvailable(t *testing.T) {
	tr := Tracer()
	_, span := tr.Start(context.Background(), "test")
	span.End()
}
