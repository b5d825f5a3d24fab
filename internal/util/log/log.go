/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

// Package log provides the leveled, structured logger used throughout
// smithproxy. Call sites pass an event name and a Pairs of contextual
// fields, the same shape the rest of the core was written against.
package log

import (
	"io"
	"os"
	"sync"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-stack/stack"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Level enumerates the supported logging levels, ordered least to most severe.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[string]Level{
	"debug": LevelDebug,
	"info":  LevelInfo,
	"warn":  LevelWarn,
	"error": LevelError,
	"fatal": LevelFatal,
}

// Pairs is a map of structured logging fields, flattened to key/value pairs
// on the wire.
type Pairs map[string]interface{}

// Logger is the process-wide structured logger. It is safe for concurrent use.
type Logger struct {
	mtx     sync.Mutex
	base    kitlog.Logger
	level   Level
	onFatal func()
	out     io.Writer
}

var std = New(os.Stderr, LevelInfo, "", "")

// New builds a Logger writing logfmt lines to w, filtered at level minLevel.
// If path is non-empty, output goes to a lumberjack-rotated file at that
// path instead of w. rotateSuffix is not used.
func New(w io.Writer, minLevel Level, path, rotateSuffix string) *Logger {
	out := w
	if path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			MaxAge:     28, // days
			Compress:   true,
		}
		_ = rotateSuffix
	}
	base := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(out))
	base = kitlog.With(base, "ts", kitlog.DefaultTimestampUTC)
	return &Logger{base: base, level: minLevel, out: out}
}

// ParseLevel converts a level name from config into a Level, defaulting to
// Info on an unrecognized value.
func ParseLevel(name string) Level {
	if l, ok := levelNames[name]; ok {
		return l
	}
	return LevelInfo
}

// SetDefault installs l as the process-wide logger used by the package-level
// Debug/Info/Warn/Error/Fatal helpers.
func SetDefault(l *Logger) {
	std = l
}

func (l *Logger) log(lvl Level, levelName, event string, p Pairs) {
	l.mtx.Lock()
	cur := l.level
	l.mtx.Unlock()
	if lvl < cur {
		return
	}
	kv := make([]interface{}, 0, 4+2*len(p))
	kv = append(kv, "level", levelName, "event", event)
	for k, v := range p {
		kv = append(kv, k, v)
	}
	if lvl >= LevelError {
		kv = append(kv, "caller", stack.Caller(2).String())
	}
	_ = l.base.Log(kv...)
	if lvl == LevelFatal {
		if l.onFatal != nil {
			l.onFatal()
		}
		os.Exit(1)
	}
}

// Debug logs a debug-level event.
func Debug(event string, p Pairs) { std.log(LevelDebug, "debug", event, p) }

// Info logs an info-level event.
func Info(event string, p Pairs) { std.log(LevelInfo, "info", event, p) }

// Warn logs a warn-level event.
func Warn(event string, p Pairs) { std.log(LevelWarn, "warn", event, p) }

// Error logs an error-level event, capturing the caller's stack frame.
func Error(event string, p Pairs) { std.log(LevelError, "error", event, p) }

// Fatal logs a fatal-level event then terminates the process with
// os.Exit(1), so deferred functions do not run.
func Fatal(event string, p Pairs) { std.log(LevelFatal, "fatal", event, p) }

// Writer returns the process-wide logger's underlying io.Writer, for
// handing to third-party access-log middleware (e.g. gorilla/handlers)
// that wants a raw writer rather than structured Pairs.
func Writer() io.Writer {
	std.mtx.Lock()
	defer std.mtx.Unlock()
	return std.out
}
