package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

// cliLogger prints session messages to the terminal: info plainly,
// warnings in yellow, errors in red, debug only with --verbose.
type cliLogger struct {
	verbose bool
}

func newLogger() *cliLogger {
	return &cliLogger{verbose: verboseFlag}
}

func (l *cliLogger) Debugf(format string, args ...any) {
	if l.verbose {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

func (l *cliLogger) Infof(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

func (l *cliLogger) Warnf(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}

func (l *cliLogger) Errorf(format string, args ...any) {
	color.New(color.FgRed).Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
