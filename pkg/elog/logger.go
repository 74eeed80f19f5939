package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger is an interface that has the ability to hide debug/info messages
// emitted while mkfs and fsck walk a volume.
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Printf(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// CLI is a generic object setup for logging to terminal outputs. It is safe
// for concurrent use only insofar as logrus itself is; the core file-system
// code is single-threaded and never calls it from more than one goroutine.
type CLI struct {
	DisableColors bool
	IsDebug       bool
	IsVerbose     bool
	lock          sync.Mutex
}

// Debugf is a wrapper function that executes logrus.Tracef if debug is enabled.
func (log *CLI) Debugf(format string, x ...interface{}) {
	if log.IsDebug {
		logrus.Tracef(format, x...)
	}
}

// Errorf is a wrapper function that executes logrus.Errorf
func (log *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

// Infof is a wrapper function that executes logrus.Debugf only if verbose is enabled.
func (log *CLI) Infof(format string, x ...interface{}) {
	if log.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

// Printf is a wrapper function that executes logrus.Printf
func (log *CLI) Printf(format string, x ...interface{}) {
	logrus.Printf(format, x...)
}

// Warnf is a wrapper function that executes logrus.Warnf
func (log *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

// IsInfoEnabled returns whether InfoLevel logging is enabled
func (log *CLI) IsInfoEnabled() bool {
	return logrus.IsLevelEnabled(logrus.InfoLevel)
}

// IsDebugEnabled returns whether DebugLevel logging is enabled
func (log *CLI) IsDebugEnabled() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}

// Format formats our logger for terminal use.
func (log *CLI) Format(entry *logrus.Entry) ([]byte, error) {

	log.lock.Lock()
	defer log.lock.Unlock()

	faint := color.New(color.Faint).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	x := entry.Message
	if !log.DisableColors {
		switch entry.Level {
		case logrus.TraceLevel:
			x = fmt.Sprintf("%s\n", faint(x))
		case logrus.DebugLevel:
			x = fmt.Sprintf("%s\n", blue(x))
		case logrus.InfoLevel:
			x = fmt.Sprintf("%s\n", x)
		case logrus.WarnLevel:
			x = fmt.Sprintf("%s\n", yellow(x))
		case logrus.ErrorLevel:
			x = fmt.Sprintf("%s\n", red(x))
		default:
		}
	} else {
		x = fmt.Sprintf("%s\n", x)
	}

	return []byte(x), nil

}

// NewCLILogger builds a Logger that writes to logrus using the given verbosity flags.
func NewCLILogger(debug, verbose, disableColors bool) *CLI {
	log := &CLI{
		DisableColors: disableColors,
		IsDebug:       debug,
		IsVerbose:     verbose,
	}
	logrus.SetFormatter(log)
	if debug {
		logrus.SetLevel(logrus.TraceLevel)
	}
	return log
}
