/*
Package log provides structured logging for Wapod using zerolog.

The package wraps zerolog with a global logger, configurable level and
output format, and helpers for component and instance scoped child
loggers. Guest programs log through the host-call surface; those events
are attributed with WithInstance so operator logs carry the short
instance id.

Initializing:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	schedulerLog := log.WithComponent("service")
	schedulerLog.Info().Msg("Starting worker loop")

	vmLog := log.WithInstance("f3a9b2c1")
	vmLog.Debug().Msg("guest: listening on https://localhost")
*/
package log
