package config

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFile is the rotating log file name inside the data dir.
const LogFile = "pairsync.log"

// LogWriter returns the writer commands log to: stderr plus a rotating file
// under the data dir, so a wedged session can be diagnosed after the
// terminal scrollback is gone. Rotation settings come from the log.* config
// keys.
func LogWriter(dataDir string) io.Writer {
	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(dataDir, LogFile),
		MaxSize:    GetInt("log.max-size-mb"),
		MaxBackups: GetInt("log.max-backups"),
		MaxAge:     GetInt("log.max-age-days"),
		Compress:   GetBool("log.compress"),
	}
	return io.MultiWriter(os.Stderr, rotating)
}
