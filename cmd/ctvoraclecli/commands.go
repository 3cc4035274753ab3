package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ctvemu/ctvemu/ctvhash"
	"github.com/ctvemu/ctvemu/emulator"
	"github.com/ctvemu/ctvemu/keychain"
	"github.com/ctvemu/ctvemu/lncfg"
	"github.com/ctvemu/ctvemu/oracleclient"
	"github.com/ctvemu/ctvemu/oraclewire"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
)

var (
	// errNoOracles is returned when a command needs an oracle but none
	// was given.
	errNoOracles = errors.New("at least one --oracle must be specified")

	// errMissingPacket is returned when a command needs a packet but none
	// was given.
	errMissingPacket = errors.New("psbt argument missing")
)

func printRespJSON(ctx *cli.Context, resp interface{}) error {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(ctx.App.Writer, "%s\n", b)

	return err
}

// loadClients creates a client for every oracle given on the command line.
// The returned cleanup closes their connections.
func loadClients(ctx *cli.Context) ([]*oracleclient.Client, func(), error) {
	rawOracles := ctx.GlobalStringSlice("oracle")
	if len(rawOracles) == 0 {
		return nil, nil, errNoOracles
	}

	var clients []*oracleclient.Client
	cleanUp := func() {
		for _, client := range clients {
			_ = client.Close()
		}
	}

	for _, rawOracle := range rawOracles {
		rootKey, address, err := lncfg.ParseOracleAddress(rawOracle)
		if err != nil {
			cleanUp()
			return nil, nil, err
		}

		client, err := oracleclient.New(&oracleclient.Config{
			Address:        address,
			RootKey:        rootKey,
			RequestTimeout: ctx.GlobalDuration("timeout"),
		})
		if err != nil {
			cleanUp()
			return nil, nil, err
		}

		clients = append(clients, client)
	}

	return clients, cleanUp, nil
}

// loadEmulator returns the single oracle given on the command line, or a
// federation of all of them.
func loadEmulator(ctx *cli.Context) (emulator.Emulator, func(), error) {
	clients, cleanUp, err := loadClients(ctx)
	if err != nil {
		return nil, nil, err
	}

	threshold := ctx.GlobalInt("threshold")
	if len(clients) == 1 && threshold <= 1 {
		return clients[0], cleanUp, nil
	}
	if threshold == 0 {
		threshold = len(clients)
	}

	members := make([]emulator.Emulator, 0, len(clients))
	for _, client := range clients {
		members = append(members, client)
	}

	federation, err := emulator.NewFederation(members, threshold)
	if err != nil {
		cleanUp()
		return nil, nil, err
	}

	return federation, cleanUp, nil
}

// readPacket parses the base64 packet passed as the --psbt flag or the first
// argument. A value starting with @ names a file holding the packet.
func readPacket(ctx *cli.Context) (*psbt.Packet, error) {
	var raw string
	switch {
	case ctx.IsSet("psbt"):
		raw = ctx.String("psbt")
	case ctx.Args().Present():
		raw = ctx.Args().First()
	default:
		return nil, errMissingPacket
	}

	if strings.HasPrefix(raw, "@") {
		contents, err := os.ReadFile(lncfg.CleanAndExpandPath(raw[1:]))
		if err != nil {
			return nil, err
		}
		raw = string(contents)
	}

	return psbt.NewFromRawBytes(
		strings.NewReader(strings.TrimSpace(raw)), true,
	)
}

// templateHash returns the commitment hash of the packet's transaction.
func templateHash(packet *psbt.Packet) (chainhash.Hash, error) {
	if packet.UnsignedTx == nil {
		return chainhash.Hash{}, errMissingPacket
	}

	return ctvhash.TemplateHash(packet.UnsignedTx, 0)
}

var psbtFlag = cli.StringFlag{
	Name: "psbt",
	Usage: "the base64 encoded packet, or @ followed by the path of a " +
		"file holding it",
}

var templateHashCommand = cli.Command{
	Name:      "templatehash",
	Usage:     "Compute the commitment hash of a spend.",
	ArgsUsage: "psbt",
	Flags:     []cli.Flag{psbtFlag},
	Action:    templateHashAction,
}

type templateHashResp struct {
	TemplateHash   string `json:"template_hash"`
	DerivationPath string `json:"derivation_path"`
}

func templateHashAction(ctx *cli.Context) error {
	packet, err := readPacket(ctx)
	if err != nil {
		return err
	}

	hash, err := templateHash(packet)
	if err != nil {
		return err
	}

	return printRespJSON(ctx, &templateHashResp{
		TemplateHash:   hex.EncodeToString(hash[:]),
		DerivationPath: keychain.HashToPath(hash).String(),
	})
}

var getSignerCommand = cli.Command{
	Name:  "getsigner",
	Usage: "Show the condition the oracles' signatures must satisfy.",
	Description: "Given a commitment hash, or a spend to compute it " +
		"from, print the key or threshold of keys that will sign " +
		"transactions matching it. No oracle is contacted.",
	ArgsUsage: "template_hash",
	Flags:     []cli.Flag{psbtFlag},
	Action:    getSignerAction,
}

type getSignerResp struct {
	TemplateHash string `json:"template_hash"`
	Signer       string `json:"signer"`
}

func getSignerAction(ctx *cli.Context) error {
	var hash chainhash.Hash
	switch {
	case ctx.IsSet("psbt"):
		packet, err := readPacket(ctx)
		if err != nil {
			return err
		}
		hash, err = templateHash(packet)
		if err != nil {
			return err
		}

	case ctx.Args().Present():
		raw, err := hex.DecodeString(ctx.Args().First())
		if err != nil {
			return fmt.Errorf("invalid template hash: %w", err)
		}
		if len(raw) != chainhash.HashSize {
			return fmt.Errorf("template hash must be %d bytes, "+
				"got %d", chainhash.HashSize, len(raw))
		}
		copy(hash[:], raw)

	default:
		return errors.New("template hash argument missing")
	}

	signer, cleanUp, err := loadEmulator(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	clause, err := signer.GetSignerFor(hash)
	if err != nil {
		return err
	}

	return printRespJSON(ctx, &getSignerResp{
		TemplateHash: hex.EncodeToString(hash[:]),
		Signer:       clause.String(),
	})
}

var signCommand = cli.Command{
	Name:  "sign",
	Usage: "Collect the oracles' signatures over a spend.",
	Description: "Send the packet to the oracles and print it with " +
		"their signatures over its first input added. A federation " +
		"stops asking once the threshold is met.",
	ArgsUsage: "psbt",
	Flags:     []cli.Flag{psbtFlag},
	Action:    signAction,
}

type signResp struct {
	PSBT        string `json:"psbt"`
	PartialSigs int    `json:"partial_sigs"`
}

func signAction(ctx *cli.Context) error {
	packet, err := readPacket(ctx)
	if err != nil {
		return err
	}

	signer, cleanUp, err := loadEmulator(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	signed, err := signer.Sign(context.Background(), packet)
	if err != nil {
		return err
	}

	encoded, err := signed.B64Encode()
	if err != nil {
		return err
	}

	return printRespJSON(ctx, &signResp{
		PSBT:        encoded,
		PartialSigs: len(signed.Inputs[0].PartialSigs),
	})
}

var confirmKeyCommand = cli.Command{
	Name:  "confirmkey",
	Usage: "Check that each oracle holds its master private key.",
	Description: "Ask every oracle to sign a fresh random nonce with " +
		"its master key and verify the signature against the " +
		"master public key it was configured with.",
	Action: confirmKeyAction,
}

type confirmKeyResp struct {
	Oracle    string `json:"oracle"`
	Confirmed bool   `json:"confirmed"`
	Challenge string `json:"challenge,omitempty"`
	Error     string `json:"error,omitempty"`
}

func confirmKeyAction(ctx *cli.Context) error {
	clients, cleanUp, err := loadClients(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	// Oracles are independent, so they are asked concurrently.
	resps := make([]*confirmKeyResp, len(clients))
	var g errgroup.Group
	for i, client := range clients {
		i, client := i, client

		g.Go(func() error {
			nonce := make([]byte, oraclewire.NonceSize)
			if _, err := rand.Read(nonce); err != nil {
				return err
			}

			resp := &confirmKeyResp{
				Oracle: client.Addr().String(),
			}
			reply, err := client.ConfirmKey(
				context.Background(), nonce,
			)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Confirmed = true
				resp.Challenge = hex.EncodeToString(
					reply.Challenge,
				)
			}
			resps[i] = resp

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var failed int
	for _, resp := range resps {
		if !resp.Confirmed {
			failed++
		}
	}

	if err := printRespJSON(ctx, resps); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d oracles failed to confirm their "+
			"key", failed, len(clients))
	}

	return nil
}
