package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ctvemu/ctvemu/build"
	"github.com/ctvemu/ctvemu/lncfg"
	"github.com/ctvemu/ctvemu/monitoring"
	"github.com/ctvemu/ctvemu/oracle"
	"github.com/ctvemu/ctvemu/oracleclient"
	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "ctvoracle.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "ctvoracle.log"
	defaultLogLevel       = "info"
)

var (
	// DefaultOracleDir is the default directory where the oracle tries to
	// find its configuration file and store its logs.
	DefaultOracleDir = btcutil.AppDataDir("ctvoracle", false)

	// DefaultConfigFile is the default full path of the oracle's
	// configuration file.
	DefaultConfigFile = filepath.Join(DefaultOracleDir, defaultConfigFilename)

	defaultLogDir = filepath.Join(DefaultOracleDir, defaultLogDirname)

	// errNoMasterKey is returned when neither a master key nor a file
	// holding one was configured.
	errNoMasterKey = errors.New("either --masterkey or --masterkeyfile " +
		"must be set")
)

// healthCheckConfig configures the oracle's periodic check of its own
// listener.
//
//nolint:lll
type healthCheckConfig struct {
	Disable  bool          `long:"disable" description:"Do not periodically check that the oracle answers on its own listener"`
	Interval time.Duration `long:"interval" description:"How often to check that the oracle answers"`
	Timeout  time.Duration `long:"timeout" description:"The amount of time allowed for a single check"`
	Backoff  time.Duration `long:"backoff" description:"The amount of time to back off between failed checks"`
	Attempts int           `long:"attempts" description:"The number of failed checks after which the oracle shuts down"`
}

// livenessConfig converts the options into the client's liveness settings.
func (h *healthCheckConfig) livenessConfig(
	shutdown func(string, ...interface{})) oracleclient.LivenessConfig {

	return oracleclient.LivenessConfig{
		Interval: h.Interval,
		Timeout:  h.Timeout,
		Backoff:  h.Backoff,
		Attempts: h.Attempts,
		Shutdown: shutdown,
	}
}

// config defines the configuration options for ctvoracled.
//
// See loadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:lll
type config struct {
	OracleDir  string `long:"oracledir" description:"The base directory that contains the oracle's configuration file and logs."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	MasterKey     string `long:"masterkey" description:"The oracle's extended private master key"`
	MasterKeyFile string `long:"masterkeyfile" description:"Path to a file holding the oracle's extended private master key"`

	Oracle *oracle.Conf `group:"oracle" namespace:"oracle"`

	Logging *build.LogConfig `group:"logging" namespace:"logging"`

	Prometheus monitoring.PrometheusConfig `group:"prometheus" namespace:"prometheus"`

	HealthCheck *healthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	// rootKey is the parsed master key.
	rootKey *hdkeychain.ExtendedKey
}

// defaultConfig returns all default values for the config struct.
func defaultConfig() config {
	liveness := oracleclient.DefaultLivenessConfig()

	return config{
		OracleDir:  DefaultOracleDir,
		ConfigFile: DefaultConfigFile,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		Oracle: &oracle.Conf{
			ReadTimeout:  oracle.DefaultReadTimeout,
			WriteTimeout: oracle.DefaultWriteTimeout,
		},
		Logging:    build.DefaultLogConfig(),
		Prometheus: monitoring.DefaultPrometheus(),
		HealthCheck: &healthCheckConfig{
			Interval: liveness.Interval,
			Timeout:  liveness.Timeout,
			Backoff:  liveness.Backoff,
			Attempts: liveness.Attempts,
		},
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig(args []string) (*config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := defaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their oracledir, then we should assume they intend to use
	// the config file within it.
	configFileDir := lncfg.CleanAndExpandPath(preCfg.OracleDir)
	configFilePath := lncfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultOracleDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, nil
}

// validateConfig checks the given configuration is sane, normalizes its paths
// and parses the master key.
func validateConfig(cfg *config) error {
	// If the provided oracle directory is not the default, the log
	// directory moves along with it.
	oracleDir := lncfg.CleanAndExpandPath(cfg.OracleDir)
	if oracleDir != DefaultOracleDir && cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(oracleDir, defaultLogDirname)
	}
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)
	cfg.MasterKeyFile = lncfg.CleanAndExpandPath(cfg.MasterKeyFile)

	if err := cfg.Logging.Validate(); err != nil {
		return err
	}

	if cfg.HealthCheck.Attempts < 1 {
		return fmt.Errorf("healthcheck.attempts must be positive, "+
			"got %d", cfg.HealthCheck.Attempts)
	}

	rootKey, err := readMasterKey(cfg.MasterKey, cfg.MasterKeyFile)
	if err != nil {
		return err
	}
	cfg.rootKey = rootKey

	return nil
}

// readMasterKey parses the oracle's master key, given either directly or as
// the path of a file holding it.
func readMasterKey(key, keyFile string) (*hdkeychain.ExtendedKey, error) {
	switch {
	case key != "" && keyFile != "":
		return nil, errors.New("--masterkey and --masterkeyfile are " +
			"mutually exclusive")

	case keyFile != "":
		contents, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read master key "+
				"file: %w", err)
		}
		key = strings.TrimSpace(string(contents))

	case key == "":
		return nil, errNoMasterKey
	}

	rootKey, err := hdkeychain.NewKeyFromString(key)
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	if !rootKey.IsPrivate() {
		return nil, errors.New("master key must be an extended " +
			"private key")
	}

	return rootKey, nil
}
