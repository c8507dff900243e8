package driver

import (
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFile configures the rotating file that receives the managed process's output.
type LogFile struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Open returns a size-rotated writer, or nil when no path is configured.
func (c LogFile) Open() *lumberjack.Logger {
	if c.Path == "" {
		return nil
	}
	maxSize := c.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 20
	}
	return &lumberjack.Logger{
		Filename:   c.Path,
		MaxSize:    maxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
}
