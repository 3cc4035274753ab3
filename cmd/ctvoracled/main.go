// Command ctvoracled runs a signing oracle emulating CheckTemplateVerify
// covenants.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/ctvemu/ctvemu/monitoring"
	"github.com/ctvemu/ctvemu/oracle"
	"github.com/ctvemu/ctvemu/oracleclient"
	"github.com/ctvemu/ctvemu/signal"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Load the configuration, and parse any command line options.
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) || flagsErr.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	// Hook interceptor for os signals.
	interceptor, err := signal.Intercept()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := run(cfg, interceptor); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run starts the oracle and its supporting services, and blocks until a
// shutdown is requested.
func run(cfg *config, interceptor signal.Interceptor) error {
	if err := setupLoggers(cfg); err != nil {
		return err
	}
	defer func() {
		_ = logWriter.Close()
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
	metrics, err := monitoring.NewOracleMetrics(registry)
	if err != nil {
		return err
	}

	oracleCfg, err := cfg.Oracle.Apply(&oracle.Config{
		RootKey: cfg.rootKey,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	signer, err := oracle.New(oracleCfg)
	if err != nil {
		return err
	}
	if err := signer.Start(); err != nil {
		return err
	}
	defer func() {
		if err := signer.Stop(); err != nil {
			log.Errorf("Unable to stop oracle: %v", err)
		}
	}()

	pubRoot, err := signer.MasterPubKey()
	if err != nil {
		return err
	}
	log.Infof("Oracle master public key: %v", pubRoot)

	if cfg.Prometheus.Enable {
		exporter, err := monitoring.ExportPrometheusMetrics(
			cfg.Prometheus, registry,
		)
		if err != nil {
			return err
		}
		defer func() {
			_ = exporter.Stop()
		}()
	}

	selfAddr := firstTCPAddr(signer.ListeningAddrs())
	if !cfg.HealthCheck.Disable && selfAddr == nil {
		log.Warnf("Oracle has no TCP listener, skipping health checks")
	}
	if !cfg.HealthCheck.Disable && selfAddr != nil {
		self, err := oracleclient.New(&oracleclient.Config{
			Address: selfAddr.String(),
			RootKey: pubRoot,
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = self.Close()
		}()

		monitor := oracleclient.NewLivenessMonitor(
			cfg.HealthCheck.livenessConfig(
				func(format string, params ...interface{}) {
					log.Criticalf(format, params...)
					interceptor.RequestShutdown()
				},
			),
			self,
		)
		if err := monitor.Start(); err != nil {
			return err
		}
		defer func() {
			_ = monitor.Stop()
		}()
	}

	if err := interceptor.NotifyReady(); err != nil {
		log.Warnf("Unable to notify systemd: %v", err)
	}

	<-interceptor.ShutdownChannel()

	return nil
}

// firstTCPAddr returns the first TCP address of addrs, or nil.
func firstTCPAddr(addrs []net.Addr) *net.TCPAddr {
	for _, addr := range addrs {
		if tcpAddr, ok := addr.(*net.TCPAddr); ok {
			return tcpAddr
		}
	}

	return nil
}
