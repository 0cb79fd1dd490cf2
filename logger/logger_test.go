package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithComponent("journal").WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestLogOrderFlowEntry(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	LogOrderFlowEntry(log.WithComponent("order_engine"), "abc", "BTCUSDT", "PENDING", "SUBMITTED", "")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["client_order_id"] != "abc" || line["to"] != "SUBMITTED" || line["flow_type"] != "order_flow" {
		t.Fatalf("unexpected fields: %v", line)
	}
	if _, ok := line["reason"]; ok {
		t.Fatalf("empty reason should be omitted: %v", line)
	}
}

func TestWarnAndErrorCounted(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	before := Snapshot()
	log.WithComponent("counter_test").Warn("w")
	log.WithComponent("counter_test").Error("e")
	after := Snapshot()

	if after.Warns != before.Warns+1 || after.Errors != before.Errors+1 {
		t.Fatalf("counters not incremented: before %+v after %+v", before, after)
	}
}

func TestStreamCounters(t *testing.T) {
	RecordStreamMessage("btcusdt@trade", 10)
	RecordStreamMessage("btcusdt@trade", 5)
	RecordStreamDrop("btcusdt@trade")

	stats := Snapshot().Streams["btcusdt@trade"]
	if stats["messages"] < 2 || stats["bytes"] < 15 || stats["dropped"] < 1 {
		t.Fatalf("unexpected stream stats: %v", stats)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"":       logrus.InfoLevel,
		"report": logrus.InfoLevel,
		"DEBUG":  logrus.DebugLevel,
		" warn ": logrus.WarnLevel,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		if err != nil || got != want {
			t.Errorf("parseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestCallerOutsideLogger(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	log.WithComponent("caller_test").Warn("here")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if file, _ := line["file"].(string); !strings.HasPrefix(file, "logger_test.go:") {
		t.Fatalf("caller should be the test file, got %v", line["file"])
	}
}
