// Structured logging for the furnace lab
//
// Provides a small logging facade over zap with support for:
// - Log levels (DEBUG, INFO, WARN, ERROR)
// - Structured fields (key-value pairs)
// - Text (console) and JSON output
// - Per-component loggers with prefixes sharing one output
//
// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota

	// INFO level for general informational messages
	INFO

	// WARN level for warning messages
	WARN

	// ERROR level for error messages
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses a string into a LogLevel
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	// FormatText outputs human-readable console format
	FormatText OutputFormat = iota
	// FormatJSON outputs machine-readable JSON format
	FormatJSON
)

// ParseFormat parses "text" or "json". Anything else is text.
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// output is shared by a logger and every logger derived from it, so
// reconfiguring the root after package init reaches all components.
type output struct {
	mu       sync.Mutex
	writers  []io.Writer
	level    zap.AtomicLevel
	colorize bool
	format   OutputFormat
	caller   bool
	version  uint64
}

func newOutput() *output {
	return &output{
		writers:  []io.Writer{os.Stderr},
		level:    zap.NewAtomicLevelAt(zapcore.InfoLevel),
		colorize: os.Getenv("NO_COLOR") == "",
		format:   FormatText,
	}
}

func (o *output) update(fn func()) {
	o.mu.Lock()
	fn()
	o.version++
	o.mu.Unlock()
}

func (o *output) core() (zapcore.Core, bool, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	encCfg := zapcore.EncoderConfig{
		TimeKey:          "timestamp",
		LevelKey:         "level",
		NameKey:          "logger",
		CallerKey:        "caller",
		MessageKey:       "message",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: " ",
	}

	var enc zapcore.Encoder
	if o.format == FormatJSON {
		encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		if o.colorize {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	syncers := make([]zapcore.WriteSyncer, 0, len(o.writers))
	for _, w := range o.writers {
		syncers = append(syncers, zapcore.AddSync(w))
	}
	return zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(syncers...), o.level), o.caller, o.version
}

// Logger is the main logging interface
type Logger struct {
	mu      sync.Mutex
	prefix  string
	fields  Fields
	out     *output
	zl      *zap.Logger
	version uint64
}

// Entry represents a single log entry with fields
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// New creates a new logger with the given prefix writing to stderr
func New(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		fields: make(Fields),
		out:    newOutput(),
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.out.level.SetLevel(level.zapLevel())
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	switch l.out.level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return ERROR
	default:
		return INFO
	}
}

// SetWriter replaces all output writers (e.g., for testing)
func (l *Logger) SetWriter(w io.Writer) {
	l.out.update(func() { l.out.writers = []io.Writer{w} })
}

// AddWriter tees output to an additional writer, such as a log file.
func (l *Logger) AddWriter(w io.Writer) {
	l.out.update(func() { l.out.writers = append(l.out.writers, w) })
}

// RemoveWriter stops teeing output to w.
func (l *Logger) RemoveWriter(w io.Writer) {
	l.out.update(func() {
		kept := l.out.writers[:0]
		for _, x := range l.out.writers {
			if x != w {
				kept = append(kept, x)
			}
		}
		l.out.writers = kept
	})
}

// SetColorize enables or disables colorized level names in text output
func (l *Logger) SetColorize(enable bool) {
	l.out.update(func() { l.out.colorize = enable })
}

// SetFormat sets the output format (FormatText or FormatJSON)
func (l *Logger) SetFormat(format OutputFormat) {
	l.out.update(func() { l.out.format = format })
}

// SetCaller enables or disables caller info in log output
func (l *Logger) SetCaller(enable bool) {
	l.out.update(func() { l.out.caller = enable })
}

// Prefix returns the component name of the logger.
func (l *Logger) Prefix() string {
	return l.prefix
}

// zap returns the zap logger for the current output configuration.
func (l *Logger) zap() *zap.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.out.mu.Lock()
	current := l.out.version
	l.out.mu.Unlock()

	if l.zl != nil && l.version == current {
		return l.zl
	}

	core, caller, version := l.out.core()
	opts := []zap.Option{zap.AddCallerSkip(2)}
	if caller {
		opts = append(opts, zap.AddCaller())
	}
	zl := zap.New(core, opts...)
	if l.prefix != "" {
		zl = zl.Named(l.prefix)
	}
	if len(l.fields) > 0 {
		zl = zl.With(toZap(l.fields)...)
	}
	l.zl = zl
	l.version = version
	return zl
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.zap().Sync()
}

// WithField returns an Entry with the given field
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{
		logger: l,
		fields: Fields{key: value},
	}
}

// WithFields returns an Entry with the given fields
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{
		logger: l,
		fields: fields,
	}
}

// WithError returns an Entry with the error field set
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

// WithPrefix returns a new logger with a modified prefix sharing this
// logger's output.
func (l *Logger) WithPrefix(prefix string) *Logger {
	fields := make(Fields, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{
		prefix: prefix,
		fields: fields,
		out:    l.out,
	}
}

// With returns a logger that attaches fields to every message.
func (l *Logger) With(fields Fields) *Logger {
	child := l.WithPrefix(l.prefix)
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

func toZap(fields Fields) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func (l *Logger) emit(level LogLevel, msg string, fields Fields) {
	zl := l.zap()
	if ce := zl.Check(level.zapLevel(), msg); ce != nil {
		ce.Write(toZap(fields)...)
	}
}

func (l *Logger) log(level LogLevel, msg string, args []interface{}) {
	if !l.out.level.Enabled(level.zapLevel()) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.emit(level, msg, nil)
}

// Debug logs a message at DEBUG level
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(DEBUG, msg, args)
}

// Info logs a message at INFO level
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(INFO, msg, args)
}

// Warn logs a message at WARN level
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(WARN, msg, args)
}

// Error logs a message at ERROR level
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(ERROR, msg, args)
}

// Entry methods - log with fields

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value interface{}) *Entry {
	newFields := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Entry{logger: e.logger, fields: newFields}
}

// WithFields adds multiple fields to the entry
func (e *Entry) WithFields(fields Fields) *Entry {
	newFields := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &Entry{logger: e.logger, fields: newFields}
}

// WithError adds an error field to the entry
func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", err.Error())
}

// Debug logs at DEBUG level with fields
func (e *Entry) Debug(msg string) { e.logger.emit(DEBUG, msg, e.fields) }

// Info logs at INFO level with fields
func (e *Entry) Info(msg string) { e.logger.emit(INFO, msg, e.fields) }

// Warn logs at WARN level with fields
func (e *Entry) Warn(msg string) { e.logger.emit(WARN, msg, e.fields) }

// Error logs at ERROR level with fields
func (e *Entry) Error(msg string) { e.logger.emit(ERROR, msg, e.fields) }

// Infof logs formatted message at INFO level with fields
func (e *Entry) Infof(format string, args ...interface{}) {
	e.logger.emit(INFO, fmt.Sprintf(format, args...), e.fields)
}

// Warnf logs formatted message at WARN level with fields
func (e *Entry) Warnf(format string, args ...interface{}) {
	e.logger.emit(WARN, fmt.Sprintf(format, args...), e.fields)
}

// Errorf logs formatted message at ERROR level with fields
func (e *Entry) Errorf(format string, args ...interface{}) {
	e.logger.emit(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// Package-level functions using default logger

// Default returns the root logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger sets the global default logger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetLogger returns a component logger sharing the default logger's output
func GetLogger(prefix string) *Logger {
	return Default().WithPrefix(prefix)
}

// Tee makes the default logger and every component logger derived from
// it also write to w, until the returned func is called.
func Tee(w io.Writer) (untee func()) {
	l := Default()
	l.AddWriter(w)
	return func() { l.RemoveWriter(w) }
}

// Info logs at INFO level using default logger
func Info(msg string, args ...interface{}) {
	Default().log(INFO, msg, args)
}

// Warn logs at WARN level using default logger
func Warn(msg string, args ...interface{}) {
	Default().log(WARN, msg, args)
}

// Error logs at ERROR level using default logger
func Error(msg string, args ...interface{}) {
	Default().log(ERROR, msg, args)
}

func init() {
	defaultLogger = New("lab")
	ConfigureFromEnv(defaultLogger)
}

// ConfigureFromEnv applies environment-based configuration to the logger.
// Environment variables:
//   - LAB_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - LAB_LOG_FORMAT: text, json
//   - LAB_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if levelStr := os.Getenv("LAB_LOG_LEVEL"); levelStr != "" {
		l.SetLevel(ParseLevel(levelStr))
	}
	if formatStr := os.Getenv("LAB_LOG_FORMAT"); formatStr != "" {
		l.SetFormat(ParseFormat(formatStr))
	}
	if os.Getenv("LAB_LOG_CALLER") != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
