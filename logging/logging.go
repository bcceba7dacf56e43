// Package logging provides real-time log output for task execution.
// The persisted instance record is the authoritative history of a run; this
// package only mirrors transitions to the console for monitoring.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	return l
}

// ParseLevel converts a config string such as "debug" or "WARN" to a Level.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if _, ok := levelPriority[level]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.traceID != "" {
		fieldStr += " trace=" + l.traceID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Task execution events ---

// InstanceCreated logs creation of a task instance.
func (l *Logger) InstanceCreated(task, instanceID, nextRunTime string) {
	l.Info("instance_created", map[string]interface{}{
		"task":        task,
		"instance":    instanceID,
		"nextRunTime": nextRunTime,
	})
}

// SubStepStart logs the start of a sub-step execution.
func (l *Logger) SubStepStart(instanceID string, stepNum int, subStep string, attempt int) {
	l.Debug("substep_start", map[string]interface{}{
		"instance": instanceID,
		"step":     stepNum,
		"substep":  subStep,
		"attempt":  attempt,
	})
}

// SubStepComplete logs the outcome of a sub-step execution.
func (l *Logger) SubStepComplete(instanceID string, stepNum int, subStep string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"instance": instanceID,
		"step":     stepNum,
		"substep":  subStep,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("substep_error", fields)
		return
	}
	l.Debug("substep_complete", fields)
}

// RetryScheduled logs a suspension awaiting a scheduled retry.
func (l *Logger) RetryScheduled(instanceID string, stepNum int, subStep string, attempt int, delay time.Duration, nextRunTime string) {
	l.Info("retry_scheduled", map[string]interface{}{
		"instance":    instanceID,
		"step":        stepNum,
		"substep":     subStep,
		"attempt":     attempt,
		"delay":       delay.String(),
		"nextRunTime": nextRunTime,
	})
}

// RollbackStarted logs the switch to reverse execution.
func (l *Logger) RollbackStarted(instanceID string, stepNum int, successOrig bool) {
	l.Info("rollback_started", map[string]interface{}{
		"instance":    instanceID,
		"step":        stepNum,
		"successOrig": successOrig,
	})
}

// InstanceComplete logs a terminal disposition.
func (l *Logger) InstanceComplete(task, instanceID string, success bool) {
	fields := map[string]interface{}{
		"task":     task,
		"instance": instanceID,
		"success":  success,
	}
	if success {
		l.Info("instance_complete", fields)
		return
	}
	l.Warn("instance_complete", fields)
}
