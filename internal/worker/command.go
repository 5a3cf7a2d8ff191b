package worker

import (
	"fmt"

	"rtspbridge/internal/models"
)

const ffmpegBinary = "ffmpeg"

// buildFFmpegArgs produces the copy-mode conversion arguments: read the
// source at native rate, copy the elementary streams without transcoding,
// and publish to the relay over TCP interleaved RTSP.
func buildFFmpegArgs(config models.StreamConfig, relayHost string) []string {
	return []string{
		"-nostdin",
		"-re",
		"-i", config.InputURL(),
		"-c", "copy",
		"-bufsize", "5000k",
		"-f", "rtsp",
		"-rtsp_transport", "tcp",
		publishURL(config, relayHost),
	}
}

// publishURL is the relay-side RTSP endpoint the worker pushes to. It is
// internal to the deployment; clients consume OutputURL instead.
func publishURL(config models.StreamConfig, relayHost string) string {
	if relayHost == "" {
		relayHost = "127.0.0.1"
	}
	return fmt.Sprintf("rtsp://%s:%d/%s", relayHost, config.RTSPPort, config.Name)
}
