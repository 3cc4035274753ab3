// Package oracleclient implements the client side of the oracle protocol. A
// Client knows an oracle's master public key, so it can tell which key will
// authorize a spend without talking to the oracle, and asks the oracle over
// the network for the signature itself.
package oracleclient

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ctvemu/ctvemu/ctvhash"
	"github.com/ctvemu/ctvemu/emulator"
	"github.com/ctvemu/ctvemu/keychain"
	"github.com/ctvemu/ctvemu/oraclewire"
)

// DefaultRequestTimeout bounds a request whose context carries no deadline.
const DefaultRequestTimeout = 30 * time.Second

// ResolveFunc resolves the oracle's address.
type ResolveFunc func(network, address string) (*net.TCPAddr, error)

// DialFunc opens a connection to the oracle.
type DialFunc func(ctx context.Context, network,
	address string) (net.Conn, error)

// Config holds the parameters of an oracle client.
type Config struct {
	// Address is the host:port the oracle listens on. It is resolved once
	// when the client is created.
	Address string

	// RootKey is the oracle's master extended key. If a private key is
	// given, only its public half is kept.
	RootKey *hdkeychain.ExtendedKey

	// TemplateHash computes the commitment hash the oracle derives its
	// signing key from. It defaults to ctvhash.TemplateHash.
	TemplateHash ctvhash.HashFunc

	// Resolve resolves Address. It defaults to net.ResolveTCPAddr.
	Resolve ResolveFunc

	// Dial opens connections to the oracle. It defaults to a net.Dialer.
	Dial DialFunc

	// RequestTimeout bounds a request, including the connection attempt,
	// when the caller's context has no deadline of its own. Zero selects
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Client talks to a single oracle over one persistent connection. Requests
// from concurrent callers are serialized over that connection. If a request
// fails the connection is dropped, and the next request opens a new one.
type Client struct {
	cfg *Config

	// rootKey is the oracle's master public key.
	rootKey *hdkeychain.ExtendedKey

	// addr is the oracle's resolved address.
	addr *net.TCPAddr

	// connMtx guards conn and serializes requests.
	connMtx sync.Mutex
	conn    net.Conn
}

// A compile time check to ensure Client implements the emulator.Emulator
// interface.
var _ emulator.Emulator = (*Client)(nil)

// New creates a client for the oracle described by cfg. No connection is made
// until the first request.
func New(cfg *Config) (*Client, error) {
	if cfg.RootKey == nil {
		return nil, ErrNoRootKey
	}
	if cfg.Address == "" {
		return nil, ErrNoAddress
	}
	if cfg.TemplateHash == nil {
		cfg.TemplateHash = ctvhash.TemplateHash
	}
	if cfg.Resolve == nil {
		cfg.Resolve = net.ResolveTCPAddr
	}
	if cfg.Dial == nil {
		var dialer net.Dialer
		cfg.Dial = dialer.DialContext
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	rootKey := cfg.RootKey
	if rootKey.IsPrivate() {
		var err error
		rootKey, err = rootKey.Neuter()
		if err != nil {
			return nil, err
		}
	}

	addr, err := cfg.Resolve("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve oracle address %v: %w",
			cfg.Address, err)
	}

	return &Client{
		cfg:     cfg,
		rootKey: rootKey,
		addr:    addr,
	}, nil
}

// Addr returns the oracle's resolved address.
func (c *Client) Addr() net.Addr {
	return c.addr
}

// GetSignerFor returns a clause requiring a signature by the key the oracle
// derives for hash. It is computed locally and never touches the network.
//
// NOTE: This is part of the emulator.Emulator interface.
func (c *Client) GetSignerFor(hash chainhash.Hash) (emulator.Clause, error) {
	pubKey, err := keychain.DerivePubKey(c.rootKey, hash)
	if err != nil {
		return nil, err
	}

	return &emulator.KeyClause{PubKey: pubKey}, nil
}

// Sign asks the oracle to sign input 0 of packet and merges the returned
// signature into packet. On success packet itself is returned. If the oracle
// reports a failure, it is returned as an *oraclewire.Error and packet is left
// untouched.
//
// NOTE: This is part of the emulator.Emulator interface.
func (c *Client) Sign(ctx context.Context,
	packet *psbt.Packet) (*psbt.Packet, error) {

	if packet == nil || packet.UnsignedTx == nil ||
		len(packet.Inputs) == 0 || len(packet.UnsignedTx.TxIn) == 0 {

		return nil, ErrNoInputs
	}

	hash, err := c.cfg.TemplateHash(packet.UnsignedTx, 0)
	if err != nil {
		return nil, err
	}
	pubKey, err := keychain.DerivePubKey(c.rootKey, hash)
	if err != nil {
		return nil, err
	}

	reply, err := c.request(ctx, &oraclewire.SignPSBT{
		PSBT: oraclewire.Packet{Packet: packet},
	}, oraclewire.MsgPSBT)
	if err != nil {
		return nil, err
	}

	signed := reply.(*oraclewire.PSBT).PSBT.Packet
	err = mergePartialSigs(packet, signed, pubKey.SerializeCompressed())
	if err != nil {
		return nil, err
	}

	log.Debugf("Oracle %v signed %v for commitment %v", c.addr,
		packet.UnsignedTx.TxHash(), hash)

	return packet, nil
}

// ConfirmKey asks the oracle to sign the given nonce with its master key and
// verifies the answer. ErrKeyNotConfirmed is returned if the signature does
// not check out.
func (c *Client) ConfirmKey(ctx context.Context,
	nonce []byte) (*oraclewire.KeyConfirmed, error) {

	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	reply, err := c.request(ctx, &oraclewire.ConfirmKey{
		EphemeralKey: ephemeral.PubKey().SerializeCompressed(),
		Nonce:        nonce,
	}, oraclewire.MsgKeyConfirmed)
	if err != nil {
		return nil, err
	}

	confirmed := reply.(*oraclewire.KeyConfirmed)
	if err := c.verifyConfirmation(confirmed, nonce); err != nil {
		return nil, err
	}

	return confirmed, nil
}

// verifyConfirmation checks the oracle's ConfirmKey answer against its master
// public key.
func (c *Client) verifyConfirmation(reply *oraclewire.KeyConfirmed,
	nonce []byte) error {

	if len(reply.Challenge) != oraclewire.NonceSize {
		return fmt.Errorf("%w: challenge is %d bytes", ErrKeyNotConfirmed,
			len(reply.Challenge))
	}

	sig, err := ecdsa.ParseDERSignature(reply.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyNotConfirmed, err)
	}

	masterPub, err := c.rootKey.ECPubKey()
	if err != nil {
		return err
	}

	digest := oraclewire.ConfirmKeyDigest(reply.Challenge, nonce)
	if !sig.Verify(digest, masterPub) {
		return fmt.Errorf("%w: bad signature", ErrKeyNotConfirmed)
	}

	return nil
}

// CheckLiveness confirms the oracle's key with a fresh random nonce.
func (c *Client) CheckLiveness(ctx context.Context) error {
	nonce := make([]byte, oraclewire.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	_, err := c.ConfirmKey(ctx, nonce)
	return err
}

// Close drops the client's connection, if any. The client remains usable and
// reconnects on the next request.
func (c *Client) Close() error {
	c.connMtx.Lock()
	defer c.connMtx.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil

	return err
}

// request sends msg to the oracle and returns its reply, which is checked to
// be of type want. An Error reply is returned as the error and leaves the
// connection open. Any other failure drops the connection.
//
// A request over a connection left open by an earlier call may find that the
// oracle has since hung up. In that case, and only then, the request is sent
// once more over a fresh connection, so a call makes at most one connection
// attempt. Both attempts share the same deadline.
func (c *Client) request(ctx context.Context, msg oraclewire.Message,
	want oraclewire.MessageType) (oraclewire.Message, error) {

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	c.connMtx.Lock()
	defer c.connMtx.Unlock()

	reused := c.conn != nil
	reply, err := c.exchange(ctx, msg)
	if err != nil && reused && ctx.Err() == nil && isStaleConn(err) {
		log.Debugf("Connection to oracle %v went stale, "+
			"reconnecting: %v", c.addr, err)

		reply, err = c.exchange(ctx, msg)
	}
	if err != nil {
		return nil, err
	}

	if errReply, ok := reply.(*oraclewire.Error); ok {
		return nil, errReply
	}

	if reply.MsgType() != want {
		c.dropConn()

		return nil, fmt.Errorf("%w: got %v, want %v",
			ErrUnexpectedResponse, reply.MsgType(), want)
	}

	return reply, nil
}

// exchange writes msg and reads the reply, connecting first if there is no
// connection. The connection is dropped on failure.
//
// NOTE: The connMtx MUST be held.
func (c *Client) exchange(ctx context.Context,
	msg oraclewire.Message) (oraclewire.Message, error) {

	if c.conn == nil {
		conn, err := c.cfg.Dial(ctx, "tcp", c.addr.String())
		if err != nil {
			return nil, fmt.Errorf("unable to connect to oracle "+
				"%v: %w", c.addr, err)
		}

		log.Infof("Connected to oracle %v", c.addr)
		c.conn = conn
	}

	reply, err := roundTrip(ctx, c.conn, msg)
	if err != nil {
		c.dropConn()
		return nil, err
	}

	return reply, nil
}

// requestContext bounds ctx by the request timeout unless it already carries a
// deadline.
func (c *Client) requestContext(
	ctx context.Context) (context.Context, context.CancelFunc) {

	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

// dropConn closes and forgets the current connection.
//
// NOTE: The connMtx MUST be held.
func (c *Client) dropConn() {
	if c.conn == nil {
		return
	}

	log.Debugf("Dropping connection to oracle %v", c.addr)

	_ = c.conn.Close()
	c.conn = nil
}

// roundTrip writes msg to conn and reads one message back. The context's
// deadline is applied to the connection, and cancelling the context aborts
// any blocked read or write. A failure caused by either is reported as the
// context's error.
func roundTrip(ctx context.Context, conn net.Conn,
	msg oraclewire.Message) (oraclewire.Message, error) {

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("unable to set deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	reply, err := writeThenRead(conn, msg)
	switch {
	case err == nil:

	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %v", ctx.Err(), err)

	// The connection shares the context's deadline, so it may expire
	// before the context's own timer fires.
	case errors.Is(err, os.ErrDeadlineExceeded):
		return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)

	default:
		return nil, err
	}

	return reply, nil
}

func writeThenRead(conn net.Conn,
	msg oraclewire.Message) (oraclewire.Message, error) {

	log.Tracef("Sending %v(%v) to %v", msg.MsgType(),
		oraclewire.MessageSummary(msg), conn.RemoteAddr())

	if _, err := oraclewire.WriteMessage(conn, msg); err != nil {
		return nil, fmt.Errorf("unable to send %v: %w", msg.MsgType(),
			err)
	}

	reply, err := oraclewire.ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("unable to read reply: %w", err)
	}

	log.Tracef("Received %v(%v) from %v", reply.MsgType(),
		oraclewire.MessageSummary(reply), conn.RemoteAddr())

	return reply, nil
}

// isStaleConn reports whether err looks like the peer closed a connection
// that was idle in our hands.
func isStaleConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
