package main

import (
	"github.com/btcsuite/btclog"

	"github.com/opennet-go/opennetd/announce"
	"github.com/opennet-go/opennetd/oplog"
	"github.com/opennet-go/opennetd/tempbucket"
)

// subsystemLoggers maps each package's registered subsystem tag to the
// UseLogger call that installs a real logger for it, mirroring the
// teacher's own subsystemLoggers map in cmd/lnd/log.go.
var subsystemLoggers = map[string]func(btclog.Logger){
	announce.Subsystem:   announce.UseLogger,
	tempbucket.Subsystem: tempbucket.UseLogger,
}

// initLogging points every subsystem at backend, sourcing each one's
// logger from the sub-logger name it already registered itself under via
// its own package-level init().
func initLogging(backend *oplog.Backend, debugLevel string) {
	for subsystem, useLogger := range subsystemLoggers {
		logger := backend.Logger(subsystem)
		logger.SetLevel(parseLevel(debugLevel))
		useLogger(logger)
	}
}

func parseLevel(level string) btclog.Level {
	l, ok := btclog.LevelFromString(level)
	if !ok {
		return btclog.LevelInfo
	}
	return l
}
