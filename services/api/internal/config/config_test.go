package config

import (
	"testing"
	"time"
)

func TestParseTTLSeconds(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  0,
		},
		{
			name:  "seconds",
			input: "900",
			want:  900 * time.Second,
		},
		{
			name:    "not an integer",
			input:   "soon",
			wantErr: true,
		},
		{
			name:    "negative",
			input:   "-1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTTLSeconds(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTTLSeconds() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got != tt.want {
				t.Fatalf("parseTTLSeconds() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadRequiresCoreSettings(t *testing.T) {
	t.Setenv("ROOST_DB_DSN", "")
	t.Setenv("ROOST_NATS_URL", "nats://localhost:4222")
	t.Setenv("ROOST_CARVE_BUCKET", "roost-carves")

	if _, err := Load(); err == nil {
		t.Fatal("Load() without ROOST_DB_DSN succeeded")
	}

	t.Setenv("ROOST_DB_DSN", "postgres://roost@localhost/roost")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.CarveBucket != "roost-carves" {
		t.Errorf("CarveBucket = %q", cfg.CarveBucket)
	}
}
