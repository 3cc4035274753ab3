package oracle

import (
	"net"
	"time"

	"github.com/ctvemu/ctvemu/lncfg"
)

// Conf specifies the oracle options that can be configured from the command
// line or configuration file.
//
//nolint:lll
type Conf struct {
	RawListeners []string `long:"listen" description:"Add interfaces/ports to listen for oracle clients"`

	ReadTimeout time.Duration `long:"readtimeout" description:"Duration the oracle will wait for messages to be received before hanging up on clients"`

	WriteTimeout time.Duration `long:"writetimeout" description:"Duration the oracle will wait for messages to be written before hanging up on client connections"`
}

// Apply completes the passed Config struct by applying any parsed Conf options.
// If the corresponding values parsed by Conf are already set in the Config,
// those fields will be not be modified.
func (c *Conf) Apply(cfg *Config) (*Config, error) {
	// Set the Config's listening addresses if they are empty.
	if cfg.ListenAddrs == nil {
		resolver := cfg.ResolveTCPAddr
		if resolver == nil {
			resolver = net.ResolveTCPAddr
		}

		// If no addresses are specified by the Config, we will resort
		// to the default peer port.
		rawListeners := c.RawListeners
		if len(rawListeners) == 0 {
			rawListeners = []string{":" + DefaultPeerPortStr}
		}

		// Normalize the raw listening addresses so that they can be
		// used by the oracle's listeners.
		var err error
		cfg.ListenAddrs, err = lncfg.NormalizeAddresses(
			rawListeners, DefaultPeerPortStr, resolver,
		)
		if err != nil {
			return nil, err
		}
	}

	// If the Config has no read timeout, we will use the parsed Conf
	// value.
	if cfg.ReadTimeout == 0 && c.ReadTimeout != 0 {
		cfg.ReadTimeout = c.ReadTimeout
	}

	// If the Config has no write timeout, we will use the parsed Conf
	// value.
	if cfg.WriteTimeout == 0 && c.WriteTimeout != 0 {
		cfg.WriteTimeout = c.WriteTimeout
	}

	return cfg, nil
}
