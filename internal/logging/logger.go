// Copyright (c) 2022 The rcproxy Authors
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

// Package logging wraps logrus so every subsystem logs through one
// level-gated, lazily-formatted surface instead of fmt.Print calls.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"
)

type logger struct {
	w *logrus.Logger
}

var logObj *logger

// Init wires the global logger to write to path (rotated daily when non-empty)
// at the given level ("debug", "info", "warn", "error"). Calling Init is
// optional: with no Init call every function below except Debugfunc falls
// back to stderr; Debugfunc then prints nothing.
func Init(path, level string) error {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	var out io.Writer = os.Stderr
	if path != "" {
		rotated, rerr := rotatelogs.New(
			path+".%Y%m%d",
			rotatelogs.WithLinkName(path),
			rotatelogs.WithMaxAge(-1),
			rotatelogs.WithRotationCount(14),
		)
		if rerr != nil {
			return rerr
		}
		out = rotated
	}
	l.SetOutput(out)

	logObj = &logger{w: l}
	return nil
}

// InitSentry initializes the optional Sentry client that ReportPanic reports
// to. The reactor's task runners do not recover panics themselves; only a
// value a caller recovers and passes to ReportPanic is reported.
func InitSentry(dsn string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{Dsn: dsn})
}

// ReportPanic forwards a recovered panic to Sentry (a no-op if InitSentry was
// never called) and logs it at error level.
func ReportPanic(v interface{}) {
	Errorf("recovered panic: %v", v)
	sentry.CurrentHub().Recover(v)
	sentry.Flush(0)
}

func Debugf(format string, v ...interface{}) {
	if logObj == nil {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", v...)
		return
	}
	if logObj.w.IsLevelEnabled(logrus.DebugLevel) {
		logObj.w.Debugf(format, v...)
	}
}

// Debugfunc defers string construction until the debug level is actually enabled.
func Debugfunc(f func() string) {
	if logObj == nil {
		return
	}
	if logObj.w.IsLevelEnabled(logrus.DebugLevel) {
		logObj.w.Debug(f())
	}
}

func Infof(format string, v ...interface{}) {
	if logObj == nil {
		fmt.Fprintf(os.Stderr, "[INFO] "+format+"\n", v...)
		return
	}
	logObj.w.Infof(format, v...)
}

func Warnf(format string, v ...interface{}) {
	if logObj == nil {
		fmt.Fprintf(os.Stderr, "[WARN] "+format+"\n", v...)
		return
	}
	logObj.w.Warnf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	if logObj == nil {
		fmt.Fprintf(os.Stderr, "[ERROR] "+format+"\n", v...)
		return
	}
	logObj.w.Errorf(format, v...)
}
