package main

import (
	"fmt"
	"path/filepath"

	"github.com/btcsuite/btclog/v2"
	"github.com/ctvemu/ctvemu/build"
	"github.com/ctvemu/ctvemu/emulator"
	"github.com/ctvemu/ctvemu/monitoring"
	"github.com/ctvemu/ctvemu/oracle"
	"github.com/ctvemu/ctvemu/oracleclient"
	"github.com/ctvemu/ctvemu/oracleserver"
	"github.com/ctvemu/ctvemu/signal"
)

// daemonSubsystem is the logging code of the daemon itself.
const daemonSubsystem = "CTVD"

var (
	// logWriter is the rotating file the daemon's log lines are copied
	// to. It must be closed on shutdown.
	logWriter = build.NewRotatingLogWriter()

	// log is the daemon's own logger. It writes to stdout until
	// setupLoggers replaces it.
	log = btclog.NewSLogger(
		btclog.NewDefaultHandler(&build.LogWriter{}),
	).SubSystem(daemonSubsystem)
)

// setupLoggers creates a logger for each subsystem, all writing to stdout and
// the log file, and applies the configured debug levels.
func setupLoggers(cfg *config) error {
	handler := btclog.NewDefaultHandler(
		&build.LogWriter{RotatorPipe: logWriter},
		cfg.Logging.HandlerOptions()...,
	)
	mgr := build.NewSubLoggerManager(handler)
	genLogger := mgr.GenSubLogger

	log = build.NewSubLogger(daemonSubsystem, genLogger)
	emulator.UseLogger(build.NewSubLogger(emulator.Subsystem, genLogger))
	monitoring.UseLogger(build.NewSubLogger(monitoring.Subsystem, genLogger))
	oracle.UseLogger(build.NewSubLogger(oracle.Subsystem, genLogger))
	oracleclient.UseLogger(
		build.NewSubLogger(oracleclient.Subsystem, genLogger),
	)
	oracleserver.UseLogger(
		build.NewSubLogger(oracleserver.Subsystem, genLogger),
	)
	signal.UseLogger(build.NewSubLogger(signal.Subsystem, genLogger))

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		return fmt.Errorf("supported subsystems: %v",
			mgr.SupportedSubsystems())
	}

	if !cfg.Logging.File.Disable {
		err := logWriter.InitLogRotator(
			cfg.Logging.File,
			filepath.Join(cfg.LogDir, defaultLogFilename),
		)
		if err != nil {
			return err
		}
	}

	return build.ParseAndSetDebugLevels(cfg.DebugLevel, mgr)
}
