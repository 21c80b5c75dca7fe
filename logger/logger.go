/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

// Package logger defines the logging abstraction used by the event processor host.
// Adapters exist for logrus (this package), zap (logger/zap) and zerolog (logger/zerolog).
package logger

import (
	"github.com/sirupsen/logrus"
)

// Fields carries structured key/value pairs attached to a Logger.
type Fields map[string]interface{}

const (
	Debug = "debug"
	Info  = "info"
	Warn  = "warn"
	Error = "error"
	Fatal = "fatal"
)

// Well known field names used across the host.
const (
	FieldHost      = "host"
	FieldPartition = "partition"
	FieldEpoch     = "epoch"
)

// Logger is the contract every logging backend has to satisfy.
type Logger interface {
	Debugf(format string, args ...interface{})

	Infof(format string, args ...interface{})

	Warnf(format string, args ...interface{})

	Errorf(format string, args ...interface{})

	Fatalf(format string, args ...interface{})

	Panicf(format string, args ...interface{})

	WithFields(keyValues Fields) Logger
}

// Configuration stores the config for the logger.
// For some loggers there can only be one level across writers, for such the level of Console is picked by default.
type Configuration struct {
	EnableConsole     bool
	ConsoleJSONFormat bool
	ConsoleLevel      string
	EnableFile        bool
	FileJSONFormat    bool
	FileLevel         string

	// Filename is the file to write logs to. Backup log files will be retained
	// in the same directory.
	Filename string

	// MaxSizeMB is the maximum size in megabytes of the log file before it gets
	// rotated. It defaults to 100 megabytes.
	MaxSizeMB int

	// MaxAgeDays is the maximum number of days to retain old log files. It defaults to 7 days.
	MaxAgeDays int

	// MaxBackups is the maximum number of old log files to retain. The default
	// is to retain all old log files.
	MaxBackups int

	// LocalTime determines if the time used for formatting the timestamps in
	// backup files is the computer's local time. The default is to use UTC time.
	LocalTime bool
}

// Normalize fills in rotation defaults for zero or negative values.
func (c *Configuration) Normalize() {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}

	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 7
	}

	if c.MaxBackups < 0 {
		c.MaxBackups = 0
	}
}

// GetDefaultLogger returns the logrus standard logger adapted to Logger.
func GetDefaultLogger() Logger {
	return NewLogrusLogger(logrus.StandardLogger())
}

// ForPartition scopes a logger to one host and partition.
func ForPartition(l Logger, hostName, partitionID string) Logger {
	return l.WithFields(Fields{FieldHost: hostName, FieldPartition: partitionID})
}
