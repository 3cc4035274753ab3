// Package oracleserver implements the signing oracle: a TCP service that holds
// a master private key and signs spends with keys derived from their
// commitment hashes.
package oracleserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btclog/v2"
	"github.com/ctvemu/ctvemu/ctvhash"
	"github.com/ctvemu/ctvemu/monitoring"
	"github.com/ctvemu/ctvemu/oraclewire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrNoRootKey signals that the server was configured without a master
	// private key.
	ErrNoRootKey = errors.New("oracle requires a private root key")

	// ErrUnsupportedMessage signals that a client sent a message the
	// oracle does not serve, such as a response type.
	ErrUnsupportedMessage = errors.New("unsupported message")
)

// Config abstracts the primary components and dependencies of the server.
type Config struct {
	// RootKey is the oracle's master private extended key. Every signing
	// key is derived from it.
	RootKey *hdkeychain.ExtendedKey

	// Listeners specifies which address to which clients may connect.
	Listeners []net.Listener

	// ReadTimeout specifies how long a client may go without sending a
	// message. Zero leaves idle connections open indefinitely.
	ReadTimeout time.Duration

	// WriteTimeout specifies how long a client may go without reading a
	// message from the other end, if the connection has stopped buffering
	// the server's replies. Zero disables the deadline.
	WriteTimeout time.Duration

	// TemplateHash computes the commitment hash a spend is checked
	// against. It defaults to ctvhash.TemplateHash.
	TemplateHash ctvhash.HashFunc

	// Metrics, if set, records served requests and open connections.
	Metrics *monitoring.OracleMetrics
}

// Server houses the state required to serve oracle clients. Its primary job is
// to accept incoming connections and answer the requests read from each of
// them in order.
type Server struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	connMgr *connmgr.ConnManager

	// gm runs one handler per accepted connection. Stopping it cancels
	// each handler's context, which closes the connection.
	gm *fn.GoroutineManager
}

// New creates a new oracle server that will accept clients connecting to the
// configured listeners once started.
func New(cfg *Config) (*Server, error) {
	if cfg.RootKey == nil || !cfg.RootKey.IsPrivate() {
		return nil, ErrNoRootKey
	}
	if cfg.TemplateHash == nil {
		cfg.TemplateHash = ctvhash.TemplateHash
	}

	s := &Server{
		cfg: cfg,
		gm:  fn.NewGoroutineManager(),
	}

	connMgr, err := connmgr.New(&connmgr.Config{
		Listeners: cfg.Listeners,
		OnAccept:  s.inboundConnected,
		Dial:      noDial,
	})
	if err != nil {
		return nil, err
	}

	s.connMgr = connMgr

	return s, nil
}

// Start begins listening on the server's listeners.
func (s *Server) Start() error {
	s.started.Do(func() {
		log.Infof("Starting oracle server")

		s.connMgr.Start()

		log.Infof("Oracle server started successfully")
	})
	return nil
}

// Stop shuts down the server's listeners and closes every client connection,
// waiting for their handlers to exit.
func (s *Server) Stop() error {
	s.stopped.Do(func() {
		log.Infof("Stopping oracle server")

		s.connMgr.Stop()
		s.gm.Stop()

		log.Infof("Oracle server stopped successfully")
	})
	return nil
}

// inboundConnected is the callback given to the connection manager, and is
// called each time a new connection is made to the oracle.
func (s *Server) inboundConnected(conn net.Conn) {
	ok := s.gm.Go(context.Background(), func(ctx context.Context) {
		s.handleConn(ctx, conn)
	})
	if !ok {
		log.Debugf("Server shutting down, dropping connection from %v",
			conn.RemoteAddr())
		_ = conn.Close()
	}
}

// handleConn serves requests from a single client until the connection fails,
// the client hangs up, or the server stops. Requests are read and answered one
// at a time. A request that cannot be served is answered with an Error
// message and the connection is kept, while a framing or decoding error tears
// it down.
//
// NOTE: This method MUST be run as a goroutine.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	ctx = btclog.WithCtx(ctx, "client", conn.RemoteAddr().String())

	stopClose := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stopClose()
	defer conn.Close()

	s.cfg.Metrics.ConnOpened()
	defer s.cfg.Metrics.ConnClosed()

	log.InfoS(ctx, "Accepted oracle client")
	defer log.InfoS(ctx, "Released oracle client")

	for {
		msg, err := s.readMessage(conn)
		switch {
		case err == nil:

		// A client hanging up or the server shutting down is not
		// worth an error.
		case ctx.Err() != nil, errors.Is(err, io.EOF),
			errors.Is(err, net.ErrClosed):

			return

		case errors.Is(err, os.ErrDeadlineExceeded):
			log.DebugS(ctx, "Hanging up on idle client",
				"read_timeout", s.cfg.ReadTimeout)
			return

		default:
			log.ErrorS(ctx, "Unable to read message", err)
			return
		}

		start := time.Now()
		reply, reqErr := s.handleMessage(ctx, msg)
		s.cfg.Metrics.ObserveRequest(
			string(msg.MsgType()), start, reqErr,
		)
		if reqErr != nil {
			log.WarnS(ctx, "Unable to serve request", reqErr,
				"type", msg.MsgType())
		}

		if err := s.sendMessage(conn, reply); err != nil {
			log.ErrorS(ctx, "Unable to send reply", err,
				"type", reply.MsgType())
			return
		}
	}
}

// handleMessage serves a single request. The returned message is always sent
// back to the client: either the regular reply, or an Error message describing
// why the request failed, in which case the failure is also returned.
func (s *Server) handleMessage(ctx context.Context,
	msg oraclewire.Message) (oraclewire.Message, error) {

	switch msg := msg.(type) {
	case *oraclewire.SignPSBT:
		signed, err := s.Sign(ctx, msg.PSBT.Packet)
		if err != nil {
			return errorReply(oraclewire.CodeSignFailed, err), err
		}

		return &oraclewire.PSBT{
			PSBT: oraclewire.Packet{Packet: signed},
		}, nil

	case *oraclewire.ConfirmKey:
		log.DebugS(ctx, "Confirming key",
			btclog.Hex6("ephemeral_key", msg.EphemeralKey))

		reply, err := s.ConfirmKey(msg.Nonce)
		switch {
		case errors.Is(err, ErrInvalidNonce):
			return errorReply(oraclewire.CodeBadRequest, err), err

		case err != nil:
			return errorReply(oraclewire.CodeInternal, err), err
		}

		return reply, nil

	default:
		err := fmt.Errorf("%w: %v", ErrUnsupportedMessage,
			msg.MsgType())

		return errorReply(oraclewire.CodeBadRequest, err), err
	}
}

// errorReply builds the Error message reporting err to the client.
func errorReply(code oraclewire.ErrorCode, err error) *oraclewire.Error {
	return &oraclewire.Error{
		Code:    code,
		Message: err.Error(),
	}
}

// readMessage receives and parses the next message from the given client. An
// error is returned if a message is not received before the server's read
// timeout, the read off the wire failed, or the message could not be
// deserialized.
func (s *Server) readMessage(conn net.Conn) (oraclewire.Message, error) {
	var deadline time.Time
	if s.cfg.ReadTimeout > 0 {
		deadline = time.Now().Add(s.cfg.ReadTimeout)
	}

	err := conn.SetReadDeadline(deadline)
	if err != nil {
		err = fmt.Errorf("unable to set read deadline: %w", err)
		return nil, err
	}

	msg, err := oraclewire.ReadMessage(conn)
	if err != nil {
		err = fmt.Errorf("unable to read message: %w", err)
		return nil, err
	}

	logMessage(conn, msg, true)

	return msg, nil
}

// sendMessage sends an oracle wire message to the client.
func (s *Server) sendMessage(conn net.Conn, msg oraclewire.Message) error {
	var deadline time.Time
	if s.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(s.cfg.WriteTimeout)
	}

	err := conn.SetWriteDeadline(deadline)
	if err != nil {
		err = fmt.Errorf("unable to set write deadline: %w", err)
		return err
	}

	logMessage(conn, msg, false)

	_, err = oraclewire.WriteMessage(conn, msg)
	return err
}

// logMessage writes information about a message exchanged with a client,
// using directional prepositions to signal whether the message was sent or
// received.
func logMessage(conn net.Conn, msg oraclewire.Message, read bool) {
	var action = "Received"
	var preposition = "from"
	if !read {
		action = "Sending"
		preposition = "to"
	}

	summary := oraclewire.MessageSummary(msg)
	if len(summary) > 0 {
		summary = "(" + summary + ")"
	}

	log.Debugf("%s %s%v %s %s", action, msg.MsgType(), summary,
		preposition, conn.RemoteAddr())
}

// noDial is a dummy dial method passed to the server's connmgr.
func noDial(_ net.Addr) (net.Conn, error) {
	return nil, fmt.Errorf("oracle cannot make outgoing conns")
}
