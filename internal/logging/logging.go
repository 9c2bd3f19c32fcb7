// Package logging builds the zap loggers behind the accesslog/errorlog
// options.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ganeshk79/Disease-Detection/internal/config"
)

// StdStream is the target name that selects stdout/stderr instead of a file.
const StdStream = "-"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Level maps a configured loglevel, in any accepted spelling, to zap.
// Unknown spellings fall back to info; Validate rejects them earlier.
func Level(l config.LogLevel) zapcore.Level {
	lvl, _ := config.ParseLogLevel(string(l))
	switch lvl {
	case config.LevelDebug:
		return zapcore.DebugLevel
	case config.LevelWarning:
		return zapcore.WarnLevel
	case config.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sink opens a log target. "-" selects std, anything else is a file path
// rotated by lumberjack. The returned closer is a no-op for std streams.
func Sink(target string, std *os.File) (zapcore.WriteSyncer, io.Closer, error) {
	target = strings.TrimSpace(target)
	if target == StdStream {
		return zapcore.Lock(zapcore.AddSync(std)), nopCloser{}, nil
	}
	if target == "" {
		return nil, nil, fmt.Errorf("empty log target")
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory for %q: %w", target, err)
	}
	lj := &lumberjack.Logger{
		Filename:   target,
		MaxSize:    100, // MB
		MaxBackups: 7,
		MaxAge:     28, // days
		Compress:   true,
		LocalTime:  true,
	}
	return zapcore.AddSync(lj), lj, nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New builds a console logger writing to ws at the given level.
func New(ws zapcore.WriteSyncer, level zapcore.Level) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), ws, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

// NewAccess builds the access logger. Access entries carry no caller or
// level noise, only the message and request fields.
func NewAccess(ws zapcore.WriteSyncer) *zap.Logger {
	ec := encoderConfig()
	ec.LevelKey = zapcore.OmitKey
	ec.CallerKey = zapcore.OmitKey
	ec.NameKey = zapcore.OmitKey
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(ec), ws, zapcore.InfoLevel)
	return zap.New(core)
}

// Loggers is the pair of loggers opened from a configuration.
type Loggers struct {
	Error  *zap.Logger
	Access *zap.Logger

	ErrorSink  zapcore.WriteSyncer
	AccessSink zapcore.WriteSyncer

	closers []io.Closer
}

// Open builds the error and access loggers for cfg. An empty accesslog
// disables access logging.
func Open(cfg config.ServerConfiguration) (*Loggers, error) {
	errSink, errCloser, err := Sink(cfg.ErrorLog, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("open errorlog: %w", err)
	}
	l := &Loggers{
		Error:     New(errSink, Level(cfg.LogLevel)).Named(cfg.ProcName),
		ErrorSink: errSink,
		closers:   []io.Closer{errCloser},
	}

	if strings.TrimSpace(cfg.AccessLog) == "" {
		l.Access = zap.NewNop()
		l.AccessSink = zapcore.AddSync(io.Discard)
		return l, nil
	}

	accSink, accCloser, err := Sink(cfg.AccessLog, os.Stdout)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("open accesslog: %w", err)
	}
	l.Access = NewAccess(accSink)
	l.AccessSink = accSink
	l.closers = append(l.closers, accCloser)
	return l, nil
}

// Close flushes and closes file sinks.
func (l *Loggers) Close() error {
	if l.Error != nil {
		_ = l.Error.Sync()
	}
	if l.Access != nil {
		_ = l.Access.Sync()
	}
	var first error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Rotate starts new files for every file sink. Std streams are left alone.
func (l *Loggers) Rotate() error {
	var errs []error
	for _, c := range l.closers {
		if lj, ok := c.(*lumberjack.Logger); ok {
			if err := lj.Rotate(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
