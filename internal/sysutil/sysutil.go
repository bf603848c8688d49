// Package sysutil holds process bootstrap helpers shared by the binaries:
// logger setup and instance identity.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SetLogLevel configures the global zerolog level. "warning" is accepted as
// an alias of warn; anything outside debug..panic means info.
func SetLogLevel(lvl string) {
	name := strings.ToLower(strings.TrimSpace(lvl))
	if name == "warning" {
		name = "warn"
	}
	l, err := zerolog.ParseLevel(name)
	if err != nil || l < zerolog.DebugLevel || l > zerolog.PanicLevel {
		l = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(l)
}

// NewLogger returns the process logger writing to w. Pretty selects the
// human-readable console writer used in development; otherwise lines are
// JSON. Every line carries the instance ID so logs from several nodes can be
// told apart.
func NewLogger(w io.Writer, pretty bool, instanceID string) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().
		Timestamp().
		Str("instance", instanceID).
		Logger()
}

// InstanceID names this process. INSTANCE_ID wins, then the hostname, then a
// random UUID.
func InstanceID() string {
	host, _ := os.Hostname()
	return FirstNonEmpty(os.Getenv("INSTANCE_ID"), host, uuid.NewString())
}

// FirstNonEmpty returns the first value that is not blank, or "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
