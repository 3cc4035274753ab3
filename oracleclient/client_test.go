package oracleclient

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ctvemu/ctvemu/ctvhash"
	"github.com/ctvemu/ctvemu/emulator"
	"github.com/ctvemu/ctvemu/internal/oracletest"
	"github.com/ctvemu/ctvemu/oracleserver"
	"github.com/ctvemu/ctvemu/oraclewire"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testTimeout = 5 * time.Second

// startOracle runs an oracle with the given root key on a loopback port and
// returns its address.
func startOracle(t *testing.T, root *hdkeychain.ExtendedKey,
	readTimeout time.Duration) string {

	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server, err := oracleserver.New(&oracleserver.Config{
		RootKey:      root,
		Listeners:    []net.Listener{listener},
		ReadTimeout:  readTimeout,
		WriteTimeout: testTimeout,
	})
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		require.NoError(t, server.Stop())
	})

	return listener.Addr().String()
}

// countingDialer wraps a net.Dialer and counts connection attempts.
type countingDialer struct {
	dials atomic.Int32
}

func (d *countingDialer) dial(ctx context.Context, network,
	address string) (net.Conn, error) {

	d.dials.Add(1)

	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

func newTestClient(t *testing.T, addr string,
	root *hdkeychain.ExtendedKey) (*Client, *countingDialer) {

	t.Helper()

	dialer := &countingDialer{}
	client, err := New(&Config{
		Address:        addr,
		RootKey:        oracletest.PubRoot(t, root),
		Dial:           dialer.dial,
		RequestTimeout: testTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
	})

	return client, dialer
}

// TestClientSign checks a remote signature satisfies the clause the client
// computed locally.
func TestClientSign(t *testing.T) {
	t.Parallel()

	root := oracletest.NewRootKey(t, 0x21)
	pubRoot := oracletest.PubRoot(t, root)
	client, dialer := newTestClient(t, startOracle(t, root, 0), root)

	packet := oracletest.NewSpendPacket(t, pubRoot, 0)
	hash, err := ctvhash.TemplateHash(packet.UnsignedTx, 0)
	require.NoError(t, err)

	clause, err := client.GetSignerFor(hash)
	require.NoError(t, err)
	keyClause, ok := clause.(*emulator.KeyClause)
	require.True(t, ok)

	signed, err := client.Sign(context.Background(), packet)
	require.NoError(t, err)
	require.Same(t, packet, signed)
	require.Len(t, signed.Inputs[0].PartialSigs, 1)

	pubKey := keyClause.PubKey.SerializeCompressed()
	require.Equal(t, pubKey, signed.Inputs[0].PartialSigs[0].PubKey)
	require.NoError(t, oracletest.ExecuteInput0(signed, pubKey))

	// Signing again reuses the connection and is idempotent.
	signed, err = client.Sign(context.Background(), signed)
	require.NoError(t, err)
	require.Len(t, signed.Inputs[0].PartialSigs, 1)
	require.EqualValues(t, 1, dialer.dials.Load())
}

// TestGetSignerForOffline checks clauses are available without an oracle.
func TestGetSignerForOffline(t *testing.T) {
	t.Parallel()

	root := oracletest.NewRootKey(t, 0x22)
	client, dialer := newTestClient(t, "127.0.0.1:1", root)

	hash := chainhash.HashH([]byte("offline"))
	clause, err := client.GetSignerFor(hash)
	require.NoError(t, err)
	require.IsType(t, &emulator.KeyClause{}, clause)
	require.Zero(t, dialer.dials.Load())
}

// TestNewKeepsOnlyPublicKey checks a private root key handed to the client is
// neutered.
func TestNewKeepsOnlyPublicKey(t *testing.T) {
	t.Parallel()

	root := oracletest.NewRootKey(t, 0x23)
	client, err := New(&Config{Address: "127.0.0.1:1", RootKey: root})
	require.NoError(t, err)
	require.False(t, client.rootKey.IsPrivate())

	_, err = New(&Config{Address: "127.0.0.1:1"})
	require.ErrorIs(t, err, ErrNoRootKey)

	_, err = New(&Config{RootKey: root})
	require.ErrorIs(t, err, ErrNoAddress)

	errResolve := errors.New("no such host")
	_, err = New(&Config{
		Address: "oracle.invalid:1",
		RootKey: root,
		Resolve: func(string, string) (*net.TCPAddr, error) {
			return nil, errResolve
		},
	})
	require.ErrorIs(t, err, errResolve)
}

// TestReconnectAfterClientClose checks that a dropped connection is replaced
// on the next call.
func TestReconnectAfterClientClose(t *testing.T) {
	t.Parallel()

	root := oracletest.NewRootKey(t, 0x24)
	pubRoot := oracletest.PubRoot(t, root)
	client, dialer := newTestClient(t, startOracle(t, root, 0), root)

	ctx := context.Background()
	_, err := client.Sign(ctx, oracletest.NewSpendPacket(t, pubRoot, 1))
	require.NoError(t, err)

	require.NoError(t, client.Close())

	_, err = client.Sign(ctx, oracletest.NewSpendPacket(t, pubRoot, 2))
	require.NoError(t, err)
	require.EqualValues(t, 2, dialer.dials.Load())
}

// TestReconnectAfterServerClose checks that a connection the oracle hung up on
// is transparently replaced by the next call.
func TestReconnectAfterServerClose(t *testing.T) {
	t.Parallel()

	root := oracletest.NewRootKey(t, 0x25)
	pubRoot := oracletest.PubRoot(t, root)

	// The oracle drops connections idle for longer than this.
	const idle = 50 * time.Millisecond
	client, dialer := newTestClient(t, startOracle(t, root, idle), root)

	ctx := context.Background()
	_, err := client.Sign(ctx, oracletest.NewSpendPacket(t, pubRoot, 3))
	require.NoError(t, err)

	time.Sleep(10 * idle)

	_, err = client.Sign(ctx, oracletest.NewSpendPacket(t, pubRoot, 4))
	require.NoError(t, err)
	require.EqualValues(t, 2, dialer.dials.Load())
}

// TestSignErrorKeepsConnection checks an oracle failure is returned to the
// caller without dropping the connection or touching the packet.
func TestSignErrorKeepsConnection(t *testing.T) {
	t.Parallel()

	root := oracletest.NewRootKey(t, 0x26)
	pubRoot := oracletest.PubRoot(t, root)
	client, dialer := newTestClient(t, startOracle(t, root, 0), root)

	ctx := context.Background()
	bad := oracletest.NewSpendPacket(t, pubRoot, 5)
	bad.Inputs[0].WitnessScript = nil

	_, err := client.Sign(ctx, bad)
	var oracleErr *oraclewire.Error
	require.ErrorAs(t, err, &oracleErr)
	require.Equal(t, oraclewire.CodeSignFailed, oracleErr.Code)
	require.Empty(t, bad.Inputs[0].PartialSigs)

	_, err = client.Sign(ctx, oracletest.NewSpendPacket(t, pubRoot, 5))
	require.NoError(t, err)
	require.EqualValues(t, 1, dialer.dials.Load())
}

// TestConnectFailure checks an unreachable oracle fails the call after a
// single attempt.
func TestConnectFailure(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	root := oracletest.NewRootKey(t, 0x27)
	client, dialer := newTestClient(t, addr, root)

	packet := oracletest.NewSpendPacket(t, oracletest.PubRoot(t, root), 6)
	_, err = client.Sign(context.Background(), packet)
	require.Error(t, err)
	require.EqualValues(t, 1, dialer.dials.Load())
}

// fakeOracle accepts connections and answers every request with reply. A nil
// reply means requests are read but never answered.
func fakeOracle(t *testing.T, reply oraclewire.Message) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		listener.Close()
	})

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			go func() {
				defer conn.Close()

				for {
					_, err := oraclewire.ReadMessage(conn)
					if err != nil {
						return
					}
					if reply == nil {
						continue
					}

					_, err = oraclewire.WriteMessage(
						conn, reply,
					)
					if err != nil {
						return
					}
				}
			}()
		}
	}()

	return listener.Addr().String()
}

// TestUnexpectedResponse checks a reply of the wrong type fails the call and
// drops the connection.
func TestUnexpectedResponse(t *testing.T) {
	t.Parallel()

	root := oracletest.NewRootKey(t, 0x28)
	addr := fakeOracle(t, &oraclewire.KeyConfirmed{
		Challenge: make([]byte, oraclewire.NonceSize),
	})
	client, dialer := newTestClient(t, addr, root)

	packet := oracletest.NewSpendPacket(t, oracletest.PubRoot(t, root), 7)
	_, err := client.Sign(context.Background(), packet)
	require.ErrorIs(t, err, ErrUnexpectedResponse)

	_, err = client.Sign(context.Background(), packet)
	require.ErrorIs(t, err, ErrUnexpectedResponse)
	require.EqualValues(t, 2, dialer.dials.Load())
}

// TestRequestDeadline checks an unresponsive oracle fails the call once the
// context expires, and that the client stays usable.
func TestRequestDeadline(t *testing.T) {
	t.Parallel()

	root := oracletest.NewRootKey(t, 0x29)
	client, _ := newTestClient(t, fakeOracle(t, nil), root)

	packet := oracletest.NewSpendPacket(t, oracletest.PubRoot(t, root), 8)

	ctx, cancel := context.WithTimeout(
		context.Background(), 100*time.Millisecond,
	)
	defer cancel()

	_, err := client.Sign(ctx, packet)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The lock was released and the connection dropped.
	client.connMtx.Lock()
	require.Nil(t, client.conn)
	client.connMtx.Unlock()

	ctx, cancel = context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err = client.Sign(ctx, packet)
	require.ErrorIs(t, err, context.Canceled)
}

// expiredContext carries a deadline that has already passed while reporting
// no error, as a context does in the moment before its timer fires.
type expiredContext struct {
	context.Context
}

func (expiredContext) Deadline() (time.Time, bool) {
	return time.Now().Add(-time.Second), true
}

// TestRoundTripDeadlineFirst checks a connection deadline that expires before
// the context notices is still reported as context.DeadlineExceeded.
func TestRoundTripDeadlineFirst(t *testing.T) {
	t.Parallel()

	conn, remote := net.Pipe()
	defer conn.Close()
	defer remote.Close()

	ctx := expiredContext{context.Background()}
	require.NoError(t, ctx.Err())

	_, err := roundTrip(ctx, conn, &oraclewire.ConfirmKey{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// scriptedOracle accepts connections and hands the i-th one to handlers[i].
// Connections beyond the script are closed.
func scriptedOracle(t *testing.T, handlers ...func(net.Conn)) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		listener.Close()
	})

	go func() {
		for i := 0; ; i++ {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			if i >= len(handlers) {
				conn.Close()
				continue
			}

			go func(handle func(net.Conn)) {
				defer conn.Close()
				handle(conn)
			}(handlers[i])
		}
	}()

	return listener.Addr().String()
}

// TestReconnectSharesDeadline checks the retry over a fresh connection runs
// under the deadline of the original call instead of a new one.
func TestReconnectSharesDeadline(t *testing.T) {
	t.Parallel()

	const (
		requestTimeout = 500 * time.Millisecond
		hangUpDelay    = 400 * time.Millisecond
	)

	addr := scriptedOracle(t,
		// Answer the first request, then hang up late on the
		// second one.
		func(conn net.Conn) {
			_, err := oraclewire.ReadMessage(conn)
			if err != nil {
				return
			}
			_, _ = oraclewire.WriteMessage(conn, &oraclewire.Error{
				Code:    oraclewire.CodeInternal,
				Message: "try again",
			})

			_, _ = oraclewire.ReadMessage(conn)
			time.Sleep(hangUpDelay)
		},

		// Never answer.
		func(conn net.Conn) {
			_, _ = io.Copy(io.Discard, conn)
		},
	)

	root := oracletest.NewRootKey(t, 0x2c)
	dialer := &countingDialer{}
	client, err := New(&Config{
		Address:        addr,
		RootKey:        root,
		Dial:           dialer.dial,
		RequestTimeout: requestTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
	})

	err = client.CheckLiveness(context.Background())
	var oracleErr *oraclewire.Error
	require.ErrorAs(t, err, &oracleErr)

	start := time.Now()
	err = client.CheckLiveness(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 2, dialer.dials.Load())
	require.Less(t, elapsed, requestTimeout+hangUpDelay/2)
}

// TestConcurrentSign checks concurrent callers share a single connection.
func TestConcurrentSign(t *testing.T) {
	t.Parallel()

	const numCallers = 16

	root := oracletest.NewRootKey(t, 0x2d)
	pubRoot := oracletest.PubRoot(t, root)
	client, dialer := newTestClient(t, startOracle(t, root, 0), root)

	packets := make([]*psbt.Packet, numCallers)
	for i := range packets {
		packets[i] = oracletest.NewSpendPacket(t, pubRoot, int64(20+i))
	}

	var eg errgroup.Group
	for _, packet := range packets {
		eg.Go(func() error {
			_, err := client.Sign(context.Background(), packet)
			return err
		})
	}
	require.NoError(t, eg.Wait())

	for _, packet := range packets {
		require.Len(t, packet.Inputs[0].PartialSigs, 1)
	}
	require.EqualValues(t, 1, dialer.dials.Load())
}

// TestSignNoInputs checks a packet without inputs is rejected before the
// oracle is contacted.
func TestSignNoInputs(t *testing.T) {
	t.Parallel()

	root := oracletest.NewRootKey(t, 0x2e)
	client, dialer := newTestClient(t, "127.0.0.1:1", root)

	_, err := client.Sign(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoInputs)

	packet := oracletest.NewSpendPacket(t, oracletest.PubRoot(t, root), 12)
	packet.UnsignedTx.TxIn = nil
	packet.Inputs = nil

	_, err = client.Sign(context.Background(), packet)
	require.ErrorIs(t, err, ErrNoInputs)
	require.Zero(t, dialer.dials.Load())
}

// TestConfirmKey checks the key confirmation handshake against the right and
// the wrong master key.
func TestConfirmKey(t *testing.T) {
	t.Parallel()

	root := oracletest.NewRootKey(t, 0x2a)
	addr := startOracle(t, root, 0)

	client, _ := newTestClient(t, addr, root)
	for i := 0; i < 4; i++ {
		require.NoError(t, client.CheckLiveness(context.Background()))
	}

	impostor, _ := newTestClient(
		t, addr, oracletest.NewRootKey(t, 0x2b),
	)
	err := impostor.CheckLiveness(context.Background())
	require.ErrorIs(t, err, ErrKeyNotConfirmed)
}

// TestFederationOfClients checks a 2-of-3 federation of remote oracles
// collects a valid signature from each.
func TestFederationOfClients(t *testing.T) {
	t.Parallel()

	var (
		members  []emulator.Emulator
		pubRoots []*hdkeychain.ExtendedKey
	)
	for i := 0; i < 3; i++ {
		root := oracletest.NewRootKey(t, byte(0x30+i))
		client, _ := newTestClient(t, startOracle(t, root, 0), root)

		members = append(members, client)
		pubRoots = append(pubRoots, oracletest.PubRoot(t, root))
	}

	federation, err := emulator.NewFederation(members, 2)
	require.NoError(t, err)

	// The packet's script only matters for the first oracle, the sighash
	// each oracle signs is the same.
	packet := oracletest.NewSpendPacket(t, pubRoots[0], 9)
	hash, err := ctvhash.TemplateHash(packet.UnsignedTx, 0)
	require.NoError(t, err)

	clause, err := federation.GetSignerFor(hash)
	require.NoError(t, err)
	thresh := clause.(*emulator.ThresholdClause)
	require.Equal(t, 2, thresh.Threshold)
	require.Len(t, thresh.Clauses, 3)

	signed, err := federation.Sign(context.Background(), packet)
	require.NoError(t, err)
	require.Len(t, signed.Inputs[0].PartialSigs, 3)

	for i, sub := range thresh.Clauses {
		pubKey := sub.(*emulator.KeyClause).PubKey.SerializeCompressed()
		require.Equal(t, oracletest.DerivedKey(t, pubRoots[i], packet),
			pubKey)
		require.NotNil(t, findPartialSig(
			signed.Inputs[0].PartialSigs, pubKey,
		))
	}
	require.NoError(t, oracletest.ExecuteInput0(
		signed, oracletest.DerivedKey(t, pubRoots[0], packet),
	))
}

// TestMergePartialSigs checks the merge rules and that a failed merge leaves
// the destination untouched.
func TestMergePartialSigs(t *testing.T) {
	t.Parallel()

	pubRoot := oracletest.PubRoot(t, oracletest.NewRootKey(t, 0x40))
	keyA := oracletest.DerivedKey(
		t, pubRoot, oracletest.NewSpendPacket(t, pubRoot, 10),
	)
	keyB := []byte{0x03, 0x01}

	newPacket := func(sigs ...*psbt.PartialSig) *psbt.Packet {
		p := oracletest.NewSpendPacket(t, pubRoot, 10)
		p.Inputs[0].PartialSigs = sigs
		return p
	}

	sigA := &psbt.PartialSig{PubKey: keyA, Signature: []byte{0x01}}
	sigB := &psbt.PartialSig{PubKey: keyB, Signature: []byte{0x02}}

	// New signatures are added, ones already present are kept.
	dst := newPacket(sigB)
	require.NoError(t, mergePartialSigs(dst, newPacket(sigA, sigB), keyA))
	require.Equal(t, []*psbt.PartialSig{sigB, sigA},
		dst.Inputs[0].PartialSigs)

	// A different signature under the same key is a conflict.
	dst = newPacket(sigB)
	conflicting := &psbt.PartialSig{PubKey: keyB, Signature: []byte{0xff}}
	err := mergePartialSigs(dst, newPacket(sigA, conflicting), keyA)
	require.ErrorIs(t, err, ErrMergeConflict)
	require.Equal(t, []*psbt.PartialSig{sigB}, dst.Inputs[0].PartialSigs)

	// So is a different transaction.
	dst = newPacket()
	other := oracletest.NewSpendPacket(t, pubRoot, 11)
	other.Inputs[0].PartialSigs = []*psbt.PartialSig{sigA}
	err = mergePartialSigs(dst, other, keyA)
	require.ErrorIs(t, err, ErrMergeConflict)
	require.Empty(t, dst.Inputs[0].PartialSigs)

	// The oracle must sign with the key derived for the transaction.
	err = mergePartialSigs(dst, newPacket(sigB), keyA)
	require.ErrorIs(t, err, ErrMissingSignature)
	require.Empty(t, dst.Inputs[0].PartialSigs)

	err = mergePartialSigs(dst, nil, keyA)
	require.ErrorIs(t, err, ErrMergeConflict)
}

// TestLivenessMonitor checks the monitor requests a shutdown once an oracle
// stops answering.
func TestLivenessMonitor(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	root := oracletest.NewRootKey(t, 0x41)
	client, _ := newTestClient(t, addr, root)

	shutdown := make(chan string, 1)
	monitor := NewLivenessMonitor(LivenessConfig{
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
		Backoff:  10 * time.Millisecond,
		Attempts: 2,
		Shutdown: func(format string, _ ...interface{}) {
			select {
			case shutdown <- format:
			default:
			}
		},
	}, client)

	require.NoError(t, monitor.Start())
	defer func() {
		require.NoError(t, monitor.Stop())
	}()

	select {
	case <-shutdown:
	case <-time.After(testTimeout):
		t.Fatalf("monitor did not request shutdown")
	}
}
