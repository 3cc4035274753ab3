package oracle

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ctvemu/ctvemu/ctvhash"
	"github.com/ctvemu/ctvemu/lncfg"
	"github.com/ctvemu/ctvemu/monitoring"
)

const (
	// DefaultPeerPort is the default server port to which clients can
	// connect.
	DefaultPeerPort = 9915

	// DefaultReadTimeout is the default timeout after which the oracle
	// will hang up on a client if nothing is received. Clients keep their
	// connection open between requests and reconnect when it is dropped,
	// so this only bounds how long idle connections are held.
	DefaultReadTimeout = 2 * time.Minute

	// DefaultWriteTimeout is the default timeout after which the oracle
	// will hang up on a client if it is unable to send a message.
	DefaultWriteTimeout = 15 * time.Second
)

var (
	// DefaultPeerPortStr is the default server port as a string.
	DefaultPeerPortStr = strconv.Itoa(DefaultPeerPort)

	// ErrNoListeners signals that no listening addresses were provided to
	// the oracle.
	ErrNoListeners = errors.New("no listening addresses")
)

// Config defines the resources and parameters used to configure a signing
// oracle. All nil-able elements with the Config must be set in order for the
// oracle to function properly, unless noted otherwise.
type Config struct {
	// RootKey is the oracle's master private extended key.
	RootKey *hdkeychain.ExtendedKey

	// ListenAddrs specifies which address to which clients may connect.
	ListenAddrs []net.Addr

	// ResolveTCPAddr resolves the raw listening addresses handed to
	// Conf.Apply. It defaults to net.ResolveTCPAddr.
	ResolveTCPAddr lncfg.TCPResolver

	// ReadTimeout specifies how long a client may go without sending a
	// message.
	ReadTimeout time.Duration

	// WriteTimeout specifies how long a client may go without reading a
	// message from the other end, if the connection has stopped buffering
	// the oracle's replies.
	WriteTimeout time.Duration

	// TemplateHash computes the commitment hash of a spend. It defaults
	// to ctvhash.TemplateHash.
	TemplateHash ctvhash.HashFunc

	// Metrics optionally records the oracle's activity.
	Metrics *monitoring.OracleMetrics
}
