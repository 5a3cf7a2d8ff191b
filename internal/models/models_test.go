package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validConfig() StreamConfig {
	return StreamConfig{
		Name:      "cam1",
		SourceURL: "rtmp://src.example.com/live/cam1",
		RTSPPort:  8554,
		CreatedAt: time.Now().UTC(),
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*StreamConfig)
		detail string
	}{
		{"empty name", func(c *StreamConfig) { c.Name = "" }, "name is required"},
		{"whitespace name", func(c *StreamConfig) { c.Name = "front door" }, "whitespace"},
		{"tab in name", func(c *StreamConfig) { c.Name = "cam\t1" }, "whitespace"},
		{"slash in name", func(c *StreamConfig) { c.Name = "cams/one" }, "path separators"},
		{"http scheme", func(c *StreamConfig) { c.SourceURL = "http://src/live" }, "rtmp://"},
		{"empty url", func(c *StreamConfig) { c.SourceURL = "" }, "rtmp://"},
		{"missing host", func(c *StreamConfig) { c.SourceURL = "rtmp:///live/cam1" }, "host"},
		{"port too low", func(c *StreamConfig) { c.RTSPPort = 80 }, "between"},
		{"port too high", func(c *StreamConfig) { c.RTSPPort = 70000 }, "between"},
		{"port zero", func(c *StreamConfig) { c.RTSPPort = 0 }, "between"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.detail) {
				t.Fatalf("expected %q in error, got %q", tc.detail, err.Error())
			}
		})
	}
}

func TestOutputURL(t *testing.T) {
	cfg := validConfig()
	if got := cfg.OutputURL("relay.example.com"); got != "rtsp://relay.example.com:8554/cam1" {
		t.Fatalf("unexpected output url: %s", got)
	}
	if got := cfg.OutputURL(""); got != "rtsp://127.0.0.1:8554/cam1" {
		t.Fatalf("expected loopback fallback, got %s", got)
	}
}

func TestInputURLMirrorsSource(t *testing.T) {
	cfg := validConfig()
	if cfg.InputURL() != cfg.SourceURL {
		t.Fatalf("input url should mirror the source url")
	}
}
