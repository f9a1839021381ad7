package logger

import (
	"fmt"
	"os"
	"sync"
)

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
}

// testLogStore is the entry sink shared by a TestLogger and every logger
// derived from it via With or WithPrefix.
type testLogStore struct {
	mu   sync.Mutex
	logs []TestLogEntry
}

// TestLogger records log entries for assertions in tests. It is safe for
// concurrent use. Derived loggers append to the same entry list.
type TestLogger struct {
	store    *testLogStore
	metadata map[string]interface{}
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	return &TestLogger{store: c.store, metadata: kv}
}

// Metadata returns the metadata accumulated via With.
func (c *TestLogger) Metadata() map[string]interface{} {
	return c.metadata
}

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return true
}

func (c *TestLogger) log(level string, msg string, args ...interface{}) {
	c.store.mu.Lock()
	c.store.logs = append(c.store.logs, TestLogEntry{level, msg, args})
	c.store.mu.Unlock()
}

// Logs returns a snapshot of the recorded entries.
func (c *TestLogger) Logs() []TestLogEntry {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	out := make([]TestLogEntry, len(c.store.logs))
	copy(out, c.store.logs)
	return out
}

// Count returns the number of recorded entries at the given severity.
func (c *TestLogger) Count(severity string) int {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	var n int
	for _, e := range c.store.logs {
		if e.Severity == severity {
			n++
		}
	}
	return n
}

// Messages returns the formatted messages for entries at the given severity.
func (c *TestLogger) Messages(severity string) []string {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	var out []string
	for _, e := range c.store.logs {
		if e.Severity == severity {
			out = append(out, fmt.Sprintf(e.Message, e.Arguments...))
		}
	}
	return out
}

func (c *TestLogger) Trace(msg string, args ...interface{}) {
	c.log("TRACE", msg, args...)
}

func (c *TestLogger) Debug(msg string, args ...interface{}) {
	c.log("DEBUG", msg, args...)
}

func (c *TestLogger) Info(msg string, args ...interface{}) {
	c.log("INFO", msg, args...)
}

func (c *TestLogger) Warn(msg string, args ...interface{}) {
	c.log("WARNING", msg, args...)
}

func (c *TestLogger) Error(msg string, args ...interface{}) {
	c.log("ERROR", msg, args...)
}

func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.log("FATAL", msg, args...)
	os.Exit(1)
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{
		store:    &testLogStore{},
		metadata: map[string]interface{}{},
	}
}
