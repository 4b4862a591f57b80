package logger

import "go.uber.org/zap"

// Log is the package-level logger used throughout the engine and CLI.
var Log *zap.Logger = zap.NewNop()

// Init configures Log for production (or development, when debug is set)
// output. Safe to call more than once; the latest call wins.
func Init(debug bool) {
	var l *zap.Logger
	var err error

	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}

	if err != nil {
		l = zap.NewNop()
	}

	Log = l
}

// Sync flushes any buffered log entries. Callers defer this at every
// command entrypoint.
func Sync() {
	_ = Log.Sync()
}
