// Package oracle assembles a complete signing oracle from its configuration:
// listeners on the configured addresses and the server answering on them.
package oracle

import (
	"net"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ctvemu/ctvemu/lncfg"
	"github.com/ctvemu/ctvemu/oracleserver"
)

// Standalone is a signing oracle serving clients on its own listeners.
type Standalone struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	// listeners are the sockets clients connect to.
	listeners []net.Listener

	// server answers the requests received on the listeners.
	server *oracleserver.Server
}

// New validates the passed Config and returns a fresh Standalone instance if
// the oracle's listeners and server could be properly initialized.
func New(cfg *Config) (*Standalone, error) {
	// The oracle must have a listening address in order to accept
	// requests from clients.
	if len(cfg.ListenAddrs) == 0 {
		return nil, ErrNoListeners
	}

	// Assign the default read timeout if none is provided.
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	// Assign the default write timeout if none is provided.
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	// Create a listener on each of the provided listening addresses.
	// Clients should be able to connect to any of open ports to
	// communicate with this Standalone instance.
	listeners := make([]net.Listener, 0, len(cfg.ListenAddrs))
	closeListeners := func() {
		for _, listener := range listeners {
			listener.Close()
		}
	}
	for _, listenAddr := range cfg.ListenAddrs {
		listener, err := lncfg.ListenOnAddress(listenAddr)
		if err != nil {
			closeListeners()
			return nil, err
		}

		listeners = append(listeners, listener)
	}

	// Initialize the server with its required resources.
	server, err := oracleserver.New(&oracleserver.Config{
		RootKey:      cfg.RootKey,
		Listeners:    listeners,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TemplateHash: cfg.TemplateHash,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		closeListeners()
		return nil, err
	}

	return &Standalone{
		cfg:       cfg,
		listeners: listeners,
		server:    server,
	}, nil
}

// Start idempotently starts the Standalone, an error is returned if the
// subsystems could not be initialized.
func (o *Standalone) Start() error {
	if !o.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Starting signing oracle")

	if err := o.server.Start(); err != nil {
		return err
	}

	for _, listener := range o.listeners {
		log.Infof("Oracle listening on %v", listener.Addr())
	}

	log.Infof("Signing oracle started successfully")

	return nil
}

// Stop idempotently stops the Standalone and blocks until the subsystems have
// completed their shutdown.
func (o *Standalone) Stop() error {
	if !o.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Stopping signing oracle")

	if err := o.server.Stop(); err != nil {
		return err
	}

	log.Infof("Signing oracle stopped successfully")

	return nil
}

// ListeningAddrs returns the addresses the oracle accepts clients on.
func (o *Standalone) ListeningAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(o.listeners))
	for _, listener := range o.listeners {
		addrs = append(addrs, listener.Addr())
	}

	return addrs
}

// MasterPubKey returns the oracle's master public key, which clients need in
// order to compute the keys the oracle signs with.
func (o *Standalone) MasterPubKey() (*hdkeychain.ExtendedKey, error) {
	return o.cfg.RootKey.Neuter()
}
