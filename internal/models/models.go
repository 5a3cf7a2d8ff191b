// Package models defines the persisted and runtime data types shared by the
// stream store, the worker controller, and the supervisor.
package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"
)

// ErrInvalidConfig marks a stream configuration that violates a validation
// rule. Callers should match it with errors.Is; the wrapped message carries
// the specific violation.
var ErrInvalidConfig = errors.New("invalid stream config")

const (
	// MinRTSPPort and MaxRTSPPort bound the relay port a stream may publish to.
	MinRTSPPort = 1024
	MaxRTSPPort = 65535
)

// StreamConfig describes one configured RTMP to RTSP conversion task. It is
// immutable once created; edits replace the record wholesale.
type StreamConfig struct {
	Name      string    `json:"name"`
	SourceURL string    `json:"sourceUrl"`
	RTSPPort  int       `json:"rtspPort"`
	CreatedAt time.Time `json:"createdAt"`
}

// StreamStatus is the last reconciled view of a stream's worker process.
type StreamStatus struct {
	Running       bool      `json:"running"`
	Reason        string    `json:"reason"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	ExitCode      *int      `json:"exitCode,omitempty"`
}

// StreamRecord pairs a config with its last known status. This is the unit
// the store persists and the read path returns.
type StreamRecord struct {
	Config StreamConfig `json:"config"`
	Status StreamStatus `json:"status"`
}

// Validate checks the config against the registration rules: a non-empty
// name without whitespace, an rtmp:// source URL, and a relay port within
// the allowed range.
func (c StreamConfig) Validate() error {
	name := c.Name
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: name must not contain whitespace", ErrInvalidConfig)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: name must not contain path separators", ErrInvalidConfig)
	}
	parsed, err := url.Parse(c.SourceURL)
	if err != nil {
		return fmt.Errorf("%w: source url: %v", ErrInvalidConfig, err)
	}
	if !strings.EqualFold(parsed.Scheme, "rtmp") {
		return fmt.Errorf("%w: source url must use the rtmp:// scheme", ErrInvalidConfig)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: source url host is required", ErrInvalidConfig)
	}
	if c.RTSPPort < MinRTSPPort || c.RTSPPort > MaxRTSPPort {
		return fmt.Errorf("%w: rtsp port must be between %d and %d", ErrInvalidConfig, MinRTSPPort, MaxRTSPPort)
	}
	return nil
}

// InputURL returns the RTMP source the worker reads from.
func (c StreamConfig) InputURL() string {
	return c.SourceURL
}

// OutputURL returns the RTSP URL players connect to, rooted at the given
// public hostname.
func (c StreamConfig) OutputURL(host string) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("rtsp://%s:%d/%s", host, c.RTSPPort, c.Name)
}
