package test

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger that is silent unless TEST_LOGS is set. TEST_LOGS=2 enables debug, 3 enables trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// LogBuffer collects log lines so tests can assert on what was logged.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewCapturingLogger returns a debug level logger writing plain text without timestamps into the returned buffer.
func NewCapturingLogger() (*logrus.Logger, *LogBuffer) {
	lb := &LogBuffer{}
	l := logrus.New()
	l.SetOutput(lb)
	l.SetLevel(logrus.DebugLevel)
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true, DisableColors: true}
	return l, lb
}
