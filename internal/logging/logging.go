package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Options selects where logs go.
type Options struct {
	// File is the logical log path; empty or "-" logs to Stdout only.
	File     string
	MaxBytes int64
	Level    string
	Stdout   io.Writer
}

// Logs hands out component loggers sharing one output.
type Logs struct {
	out    io.Writer
	closer io.Closer
	debug  bool
}

// Open builds the shared output: Stdout mirrored to the rotating file.
func Open(opts Options) (*Logs, error) {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	file, err := NewRotatingWriter(opts.File, opts.MaxBytes)
	if err != nil {
		return nil, err
	}
	return &Logs{
		out:    io.MultiWriter(stdout, file),
		closer: file,
		debug:  strings.EqualFold(strings.TrimSpace(opts.Level), "debug"),
	}, nil
}

// Logger returns a logger prefixed with [component].
func (l *Logs) Logger(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags|log.Lmicroseconds)
}

// Writer is the shared output, for libraries that take an io.Writer.
func (l *Logs) Writer() io.Writer { return l.out }

// Debug reports whether log_level is debug.
func (l *Logs) Debug() bool { return l.debug }

// Close closes the log file.
func (l *Logs) Close() error { return l.closer.Close() }
