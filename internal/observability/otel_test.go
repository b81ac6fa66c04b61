package observability

import (
	"context"
	"testing"
	"time"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), "", "chat-gateway", "test")
	if err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "http://127.0.0.1:4318/v1/traces", "chat-gateway", "test")
	if err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestExporterOptions(t *testing.T) {
	tests := []struct {
		endpoint string
		want     int
		wantErr  bool
	}{
		{"collector:4318", 1, false},
		{"http://collector:4318", 2, false},
		{"http://collector:4318/v1/traces", 3, false},
		{"https://collector", 1, false},
		{"ftp://collector", 0, true},
		{"http://", 0, true},
	}
	for _, tt := range tests {
		opts, err := exporterOptions(tt.endpoint)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: err = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
		}
		if len(opts) != tt.want {
			t.Fatalf("%s: got %d options, want %d", tt.endpoint, len(opts), tt.want)
		}
	}
}
