package announce

import (
	"github.com/btcsuite/btclog"

	"github.com/opennet-go/opennetd/oplog"
)

// Subsystem is the logging subsystem tag this package registers under.
const Subsystem = "ANNC"

var log btclog.Logger

func init() {
	UseLogger(oplog.NewSubLogger(Subsystem, nil))
}

// DisableLog disables all library log output.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}
