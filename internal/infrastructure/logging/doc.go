// Package logging builds the process zap logger.
//
// Production output is JSON lines with ISO8601 timestamps and a "component"
// key; development output is colored console text with callers. Every
// subsystem logs through a named child:
//
//	logger, _ := logging.New(logging.Config{Level: "info"})
//	dl := logger.Component("download")
//	dl.Info("Transfer finished", zap.String("pak", name), zap.Int64("bytes", n))
package logging
