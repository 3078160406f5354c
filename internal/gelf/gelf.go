// Package gelf ships standard log output to a Graylog input over UDP.
package gelf

import (
	"encoding/json"
	"net"
	"os"
	"strings"
	"time"
)

const (
	levelError   = 3
	levelWarning = 4
	levelInfo    = 6
)

// Writer implements io.Writer; each Write sends one GELF message. Install
// it with log.SetOutput(io.MultiWriter(os.Stderr, w)).
type Writer struct {
	conn     net.Conn
	hostname string
	service  string
}

// New dials addr (for example "127.0.0.1:12201").
func New(addr, service string) (*Writer, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = service
	}
	return &Writer{conn: conn, hostname: hostname, service: service}, nil
}

// Write never fails the log call: delivery is fire-and-forget.
func (w *Writer) Write(p []byte) (int, error) {
	short := stripLogPrefix(strings.TrimRight(string(p), "\n"))
	payload, err := json.Marshal(map[string]any{
		"version":       "1.1",
		"host":          w.hostname,
		"short_message": short,
		"timestamp":     float64(time.Now().UnixNano()) / 1e9,
		"level":         levelFor(short),
		"_service":      w.service,
	})
	if err != nil {
		return len(p), nil
	}
	_, _ = w.conn.Write(payload)
	return len(p), nil
}

func (w *Writer) Close() error {
	return w.conn.Close()
}

// stripLogPrefix drops the "2006/01/02 15:04:05 " prefix of log.LstdFlags.
func stripLogPrefix(msg string) string {
	if len(msg) > 20 && msg[4] == '/' && msg[7] == '/' && msg[10] == ' ' && msg[13] == ':' {
		return msg[20:]
	}
	return msg
}

func levelFor(msg string) int {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "failed") || strings.Contains(lower, "panic"):
		return levelError
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "unsynced") || strings.Contains(lower, "conflict"):
		return levelWarning
	}
	return levelInfo
}
