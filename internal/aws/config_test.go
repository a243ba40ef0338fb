package aws

import (
	"context"
	"testing"
)

func TestLoadAWSConfig(t *testing.T) {
	tests := []struct {
		name         string
		opts         ClientOptions
		wantRegion   string
		wantEndpoint string
	}{
		{name: "defaults", wantRegion: defaultRegion},
		{name: "localstack", opts: ClientOptions{Region: "ap-south-1", Endpoint: "http://localhost:4566"}, wantRegion: "ap-south-1", wantEndpoint: "http://localhost:4566"},
		{name: "retry attempts", opts: ClientOptions{Region: "eu-west-1", MaxAttempts: 5}, wantRegion: "eu-west-1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadAWSConfig(context.Background(), tc.opts)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Region != tc.wantRegion {
				t.Fatalf("region = %s, want %s", cfg.Region, tc.wantRegion)
			}
			switch {
			case tc.wantEndpoint == "" && cfg.BaseEndpoint != nil:
				t.Fatalf("unexpected endpoint override %s", *cfg.BaseEndpoint)
			case tc.wantEndpoint != "" && (cfg.BaseEndpoint == nil || *cfg.BaseEndpoint != tc.wantEndpoint):
				t.Fatalf("endpoint override not applied: %v", cfg.BaseEndpoint)
			}
			if tc.opts.MaxAttempts > 0 && cfg.RetryMaxAttempts != tc.opts.MaxAttempts {
				t.Fatalf("retry attempts = %d, want %d", cfg.RetryMaxAttempts, tc.opts.MaxAttempts)
			}
		})
	}
}
