package testutil

import (
	"log"
	"strings"
	"testing"
)

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// TestLogger returns a logger whose output is attached to t, so lines only
// show up for failing or verbose runs. Writes after t completes are dropped.
func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(testWriter{t: t}, "[event-chat-test] ", log.Lmicroseconds)
	t.Cleanup(func() {
		logger.SetOutput(discard{})
	})
	return logger
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
