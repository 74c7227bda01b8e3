package tempbucket

import (
	"github.com/btcsuite/btclog"
	"github.com/opennet-go/opennetd/oplog"
)

// Subsystem defines the logging code for this subsystem.
const Subsystem = "TMPB"

// log is a logger that is initialized with the btclog.Disabled logger.
var log btclog.Logger

func init() {
	UseLogger(oplog.NewSubLogger(Subsystem, nil))
}

// DisableLog disables all logging output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}
