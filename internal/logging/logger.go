package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// FileName is the active log file inside the log directory.
	FileName = "benchbot.log"

	defaultMaxSizeBytes = 10 * 1024 * 1024
	defaultMaxFiles     = 5
	bytesPerMegabyte    = 1024 * 1024
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	dir          string
	level        string
	runID        string
	maxSizeBytes int64
	maxFiles     int
}

// WithDir writes logs under dir instead of ~/.benchbot/logs.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum level: debug, info, warn or error.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		opts.level = strings.TrimSpace(level)
	}
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithRotation rotates the log file after maxSizeBytes and keeps maxFiles
// old files. Non-positive values keep the defaults.
func WithRotation(maxSizeBytes int64, maxFiles int) Option {
	return func(opts *newOptions) {
		if maxSizeBytes > 0 {
			opts.maxSizeBytes = maxSizeBytes
		}
		if maxFiles > 0 {
			opts.maxFiles = maxFiles
		}
	}
}

// RuntimeLogger writes structured JSON logs to a rotating file.
type RuntimeLogger struct {
	Logger     *log.Logger
	writer     *lumberjack.Logger
	path       string
	baseLogger *log.Logger
	runID      string
	traceID    string
	spanID     string
}

// New initializes logging under ~/.benchbot/logs without writing to stdout.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".benchbot", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	level, err := log.ParseLevel(resolved.level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", resolved.level, err)
	}

	filePath := filepath.Join(logDir, FileName)
	writer := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    megabytes(resolved.maxSizeBytes),
		MaxBackups: resolved.maxFiles,
	}

	logger := log.NewWithOptions(writer, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		writer:     writer,
		path:       filePath,
		baseLogger: logger,
		runID:      resolved.runID,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// WithRunID updates the run_id field for subsequent log records.
func (r *RuntimeLogger) WithRunID(runID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.runID = strings.TrimSpace(runID)
	r.rebuildLogger()
	return r
}

// WithSpanContext sets the trace_id and span_id fields from sc. An invalid
// span context clears them.
func (r *RuntimeLogger) WithSpanContext(sc trace.SpanContext) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.traceID, r.spanID = "", ""
	if sc.IsValid() {
		r.traceID = sc.TraceID().String()
		r.spanID = sc.SpanID().String()
	}
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.writer == nil {
		return nil
	}
	return r.writer.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Base returns the file logger without run or span fields, for components
// that stamp their own correlation.
func (r *RuntimeLogger) Base() *log.Logger {
	if r == nil {
		return nil
	}
	return r.baseLogger
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	fields := make([]any, 0, 6)
	for _, field := range [][2]string{
		{"run_id", r.runID},
		{"trace_id", r.traceID},
		{"span_id", r.spanID},
	} {
		if field[1] != "" {
			fields = append(fields, field[0], field[1])
		}
	}
	r.Logger = r.baseLogger.With(fields...)
}

func megabytes(size int64) int {
	mb := int(size / bytesPerMegabyte)
	if mb < 1 {
		return 1
	}
	return mb
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{
		level:        "info",
		maxSizeBytes: defaultMaxSizeBytes,
		maxFiles:     defaultMaxFiles,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	if resolved.level == "" {
		resolved.level = "info"
	}
	return resolved
}
