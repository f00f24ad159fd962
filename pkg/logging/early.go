package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"ruleengine/pkg/jsoncodec"
)

// EarlyLog writes JSON lines shaped like the zap production encoder before the
// real logger exists, e.g. while the configuration is still being read.
type EarlyLog struct {
	out     io.Writer
	service string
	now     func() time.Time
}

func NewEarlyLog() *EarlyLog {
	return &EarlyLog{out: os.Stderr, service: "rule-engine", now: time.Now}
}

func (l *EarlyLog) write(level, msg string, args ...interface{}) {
	line, err := jsoncodec.Marshal(map[string]string{
		"level":   level,
		"ts":      l.now().UTC().Format(time.RFC3339Nano),
		"service": l.service,
		"msg":     fmt.Sprintf(msg, args...),
	})
	if err != nil {
		fmt.Fprintf(l.out, "%s: %s\n", level, fmt.Sprintf(msg, args...))
		return
	}
	l.out.Write(append(line, '\n'))
}

func (l *EarlyLog) Error(msg string, args ...interface{}) {
	l.write("error", msg, args...)
}

func (l *EarlyLog) Warn(msg string, args ...interface{}) {
	l.write("warn", msg, args...)
}

func (l *EarlyLog) Info(msg string, args ...interface{}) {
	l.write("info", msg, args...)
}
