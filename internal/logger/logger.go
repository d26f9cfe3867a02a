// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger is the structured-logging sink for the rest of this
// module. None of it is tracee-visible output, but the core still needs
// somewhere for its Fatal error class (abort-with-diagnostic) to land, and
// the rest of the core wants the same leveled tracing every gcsfuse
// subsystem gets.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/googlecloudplatform/rd-go/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels: TRACE is the most verbose, OFF silences everything.
// These are distinct from slog's default four levels so TRACE and a hard
// OFF both exist.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.Level(-4)
	LevelInfo  = slog.Level(0)
	LevelWarn  = slog.Level(4)
	LevelError = slog.Level(8)
	LevelOff   = slog.Level(12)
)

const (
	SeverityTrace   = "TRACE"
	SeverityDebug   = "DEBUG"
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
	SeverityOff     = "OFF"
)

type loggerFactory struct {
	mu sync.Mutex

	file      *lumberjack.Logger
	sysWriter io.Writer

	format string
	level  string

	logRotateConfig cfg.LogRotateConfig
}

func (f *loggerFactory) writer() io.Writer {
	if f.file != nil {
		return f.file
	}
	if f.sysWriter != nil {
		return f.sysWriter
	}
	return os.Stderr
}

func (f *loggerFactory) newLogger(programLevel *slog.LevelVar) *slog.Logger {
	return slog.New(f.createJsonOrTextHandler(f.writer(), programLevel, ""))
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, programLevel *slog.LevelVar, prefix string) slog.Handler {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.LevelKey {
			a.Key = "severity"
			a.Value = slog.StringValue(levelToSeverity(a.Value.Any().(slog.Level)))
		}
		if a.Key == slog.MessageKey && prefix != "" {
			a.Value = slog.StringValue(prefix + a.Value.String())
		}
		return a
	}
	opts := &slog.HandlerOptions{Level: programLevel, ReplaceAttr: replace}

	if strings.EqualFold(f.format, "json") || f.format == "" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func levelToSeverity(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return SeverityTrace
	case l < LevelInfo:
		return SeverityDebug
	case l < LevelWarn:
		return SeverityInfo
	case l < LevelError:
		return SeverityWarning
	default:
		return SeverityError
	}
}

func severityToLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case SeverityTrace:
		return LevelTrace
	case SeverityDebug:
		return LevelDebug
	case SeverityWarning:
		return LevelWarn
	case SeverityError:
		return LevelError
	case SeverityOff:
		return LevelOff
	default:
		return LevelInfo
	}
}

var (
	programLevel         = new(slog.LevelVar)
	defaultLoggerFactory = &loggerFactory{
		level:           SeverityInfo,
		format:          "text",
		logRotateConfig: cfg.DefaultLogRotateConfig(),
	}
	defaultLogger = defaultLoggerFactory.newLogger(programLevel)
)

func setLoggingLevel(level string, v *slog.LevelVar) {
	v.Set(severityToLevel(level))
}

// SetLogFormat switches between "text" and "json" output. "json" (in any
// case) and an empty value select JSON; any other value selects text.
func SetLogFormat(format string) {
	defaultLoggerFactory.mu.Lock()
	defaultLoggerFactory.format = format
	defaultLoggerFactory.mu.Unlock()
	defaultLogger = defaultLoggerFactory.newLogger(programLevel)
}

// InitLogFile points the default logger at a rotating file sink.
func InitLogFile(logConfig cfg.LoggingConfig) error {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()

	rotate := logConfig.LogRotate
	if rotate.MaxFileSizeMB == 0 {
		rotate = cfg.DefaultLogRotateConfig()
	}

	if logConfig.FilePath != "" {
		defaultLoggerFactory.file = &lumberjack.Logger{
			Filename:   logConfig.FilePath,
			MaxSize:    rotate.MaxFileSizeMB,
			MaxBackups: rotate.BackupFileCount,
			Compress:   rotate.Compress,
		}
		defaultLoggerFactory.sysWriter = nil
	}
	defaultLoggerFactory.format = logConfig.Format
	defaultLoggerFactory.level = logConfig.Severity
	defaultLoggerFactory.logRotateConfig = rotate

	setLoggingLevel(logConfig.Severity, programLevel)
	defaultLogger = defaultLoggerFactory.newLogger(programLevel)
	return nil
}

func log(level slog.Level, msg string) {
	defaultLogger.Log(context.Background(), level, msg)
}

func Tracef(format string, v ...interface{}) { log(LevelTrace, fmt.Sprintf(format, v...)) }
func Debugf(format string, v ...interface{}) { log(LevelDebug, fmt.Sprintf(format, v...)) }
func Infof(format string, v ...interface{})  { log(LevelInfo, fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...interface{})  { log(LevelWarn, fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...interface{}) { log(LevelError, fmt.Sprintf(format, v...)) }

func Trace(v ...interface{}) { log(LevelTrace, fmt.Sprint(v...)) }
func Debug(v ...interface{}) { log(LevelDebug, fmt.Sprint(v...)) }
func Info(v ...interface{})  { log(LevelInfo, fmt.Sprint(v...)) }
func Warn(v ...interface{})  { log(LevelWarn, fmt.Sprint(v...)) }
func Error(v ...interface{}) { log(LevelError, fmt.Sprint(v...)) }

// Fatalf logs at ERROR severity and aborts the process. A failed
// backing-object creation, a short read during clone_file, or a failed
// tracee memory write for the disabled-fds bitmap all call this: replay
// state is no longer trustworthy past this point, so there is no return.
func Fatalf(format string, v ...interface{}) {
	log(LevelError, "FATAL: "+fmt.Sprintf(format, v...))
	os.Exit(1)
}

func Fatal(v ...interface{}) {
	log(LevelError, "FATAL: "+fmt.Sprint(v...))
	os.Exit(1)
}
