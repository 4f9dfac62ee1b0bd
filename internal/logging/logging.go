// Package logging builds the hclog loggers shared by the data layer, the
// flusher and the raft node.
package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// New returns the root logger for a node. Unknown levels fall back to info.
func New(name, level string) hclog.Logger {
	return NewWithOutput(name, level, os.Stderr)
}

// NewWithOutput is New with an explicit sink.
func NewWithOutput(name, level string, w io.Writer) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  lvl,
		Output: w,
	})
}

// Discard is used by tests and by components constructed without a logger.
func Discard() hclog.Logger {
	return hclog.NewNullLogger()
}
