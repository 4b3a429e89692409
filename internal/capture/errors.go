// internal/capture/errors.go
package capture

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBackendUnknown = errors.New("no capture backend registered under this name")
	ErrReadTimeout    = errors.New("timed out waiting for frame")
	ErrCorruptFrame   = errors.New("short or corrupt frame")
	ErrDisconnected   = errors.New("stream disconnected")
	ErrUnsupported    = errors.New("unsupported stream configuration")
)

// OpenError reports a failed connection attempt with a classified
// reason so the orchestrator can log and fall back deterministically.
type OpenError struct {
	Backend   string
	Transport string
	Reason    string // taxonomy code: auth, not_found, rtsp, dns, timeout, network, codec, missing, unknown
	Detail    string
	Err       error
}

func (e *OpenError) Error() string {
	msg := fmt.Sprintf("%s/%s open failed: %s", e.Backend, e.Transport, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpenError) Unwrap() error { return e.Err }

// errorPattern maps a decoder stderr fragment to a taxonomy code and
// a human hint.
type errorPattern struct {
	match  string
	reason string
	detail string
}

var errorPatterns = []errorPattern{
	{"401 Unauthorized", "auth", "authentication failed, verify username and password"},
	{"403 Forbidden", "auth", "authentication failed, verify username and password"},
	{"404 Not Found", "not_found", "stream not found, check camera URL/path"},
	{"method SETUP failed: 461", "rtsp", "RTSP setup failed, camera may not support requested transport"},
	{"method DESCRIBE failed", "rtsp", "RTSP describe failed"},
	{"Temporary failure in name resolution", "dns", "DNS lookup failed"},
	{"Name or service not known", "dns", "DNS lookup failed"},
	{"Connection timed out", "timeout", "connection timed out, verify camera is online"},
	{"No route to host", "network", "no route to host"},
	{"Connection refused", "network", "connection refused, check camera port"},
	{"Network is unreachable", "network", "network is unreachable"},
	{"Connection reset by peer", "network", "connection reset"},
	{"Unknown decoder", "codec", "stream uses unsupported codec"},
	{"Invalid data", "codec", "stream contains invalid or corrupted data"},
	{"ffmpeg: not found", "missing", "ffmpeg not installed"},
	{"executable file not found", "missing", "decoder binary not installed"},
}

// Classify scans decoder output for a known failure signature.
// Returns ("unknown", "") when nothing matches.
func Classify(stderr string) (reason, detail string) {
	for _, p := range errorPatterns {
		if strings.Contains(stderr, p.match) {
			return p.reason, p.detail
		}
	}
	return "unknown", ""
}
