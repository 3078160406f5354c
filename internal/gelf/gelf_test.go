package gelf

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestWriterSendsOneMessagePerLine(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	w, err := New(conn.LocalAddr().String(), "formsync")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	line := "2024/05/01 09:00:00 persist form_1 failed: disk full\n"
	n, err := w.Write([]byte(line))
	if err != nil || n != len(line) {
		t.Fatalf("write returned (%d, %v)", n, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	read, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(buf[:read], &msg); err != nil {
		t.Fatalf("decode gelf payload: %v", err)
	}
	if msg["short_message"] != "persist form_1 failed: disk full" {
		t.Fatalf("unexpected short_message: %v", msg["short_message"])
	}
	if msg["level"] != float64(levelError) || msg["_service"] != "formsync" || msg["version"] != "1.1" {
		t.Fatalf("unexpected payload: %+v", msg)
	}
}

func TestLevelFor(t *testing.T) {
	cases := map[string]int{
		"formsync listening on :8080":         levelInfo,
		"invalid FORMSYNC_THROTTLE=\"x\"":     levelWarning,
		"merge conflict on form_1 field name": levelWarning,
		"sync failed: timeout":                levelError,
	}
	for msg, want := range cases {
		if got := levelFor(msg); got != want {
			t.Fatalf("levelFor(%q) = %d, want %d", msg, got, want)
		}
	}
}
