// Package util implements the debugging helper commands of the CLI.
package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/karmacadabra/karma-go/cli/options"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/keys"
	"github.com/karmacadabra/karma-go/pkg/payment"
	"github.com/urfave/cli"
)

var errNoRecipient = errors.New("recipient is mandatory, pass it with the --to flag")

// NewCommands returns the 'util' command.
func NewCommands() []cli.Command {
	cfgFlags := append([]cli.Flag{options.Config, options.ConfigFile}, options.Network...)
	signFlags := append([]cli.Flag{
		cli.StringFlag{
			Name:  "to",
			Usage: "Recipient address of the transfer",
		},
		cli.StringFlag{
			Name:  "amount, a",
			Usage: "Amount in decimal token units (\"0.05\")",
			Value: "0",
		},
		cli.StringFlag{
			Name:  "key, k",
			Usage: "Hex private key to sign with (overrides the configured wallet)",
		},
		cli.StringFlag{
			Name:  "out, o",
			Usage: "File to write the authorization to instead of stdout",
		},
	}, cfgFlags...)
	return []cli.Command{{
		Name:  "util",
		Usage: "various helper commands",
		Subcommands: []cli.Command{
			{
				Name:      "sign",
				Usage:     "construct one signed transfer authorization",
				UsageText: "karma-go util sign --to <address> --amount <amount> [--key <hex>] [--out <file>]",
				Description: `Signs a single transfer authorization against the token domain of the
   selected network and prints it as JSON. The facilitator accepts exactly
   this shape. Nonces are random and recorded nowhere, so never reuse the
   output for real settlements; this is a debugging surface.`,
				Action: signAuthorization,
				Flags:  signFlags,
			},
			{
				Name:      "verify",
				Usage:     "verify a transfer authorization",
				UsageText: "karma-go util verify [file]",
				Description: `Reads an authorization JSON from the given file (stdin when omitted),
   recovers the signer against the token domain of the selected network and
   checks the validity window. The replay ledger is not consulted.`,
				Action: verifyAuthorization,
				Flags:  cfgFlags,
			},
		},
	}}
}

// oneShotNonces satisfies payment.NonceLedger for command line signing.
// Nothing survives the process.
type oneShotNonces map[string]bool

func (m oneShotNonces) ObserveNonce(from common.Address, nonce [32]byte) error {
	k := string(from.Bytes()) + string(nonce[:])
	if m[k] {
		return payment.ErrNonceReplayed
	}
	m[k] = true
	return nil
}

func (m oneShotNonces) SeenNonce(from common.Address, nonce [32]byte) (bool, error) {
	return m[string(from.Bytes())+string(nonce[:])], nil
}

func signAuthorization(ctx *cli.Context) error {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	to := ctx.String("to")
	if !common.IsHexAddress(to) {
		if to == "" {
			return cli.NewExitError(errNoRecipient, 1)
		}
		return cli.NewExitError(fmt.Errorf("malformed recipient address %q", to), 1)
	}
	priv, err := resolveSigningKey(ctx, cfg)
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	signer := payment.NewSigner(priv, payment.NewDomain(cfg.SwarmConfiguration), cfg.SwarmConfiguration.Token.Decimals, oneShotNonces{})
	auth, err := signer.Sign(common.HexToAddress(to), ctx.String("amount"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	data, err := json.MarshalIndent(auth, "", "  ")
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	data = append(data, '\n')
	if out := ctx.String("out"); out != "" {
		if err := os.WriteFile(out, data, 0o600); err != nil {
			return cli.NewExitError(err, 1)
		}
		return nil
	}
	_, _ = ctx.App.Writer.Write(data)
	return nil
}

func verifyAuthorization(ctx *cli.Context) error {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	var raw []byte
	if path := ctx.Args().First(); path != "" {
		raw, err = os.ReadFile(path)
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	var auth payment.Authorization
	if err := json.Unmarshal(raw, &auth); err != nil {
		return cli.NewExitError(fmt.Errorf("decode authorization: %w", err), 1)
	}

	// A nil ledger skips the replay check, which fits offline inspection.
	v := payment.NewVerifier(payment.NewDomain(cfg.SwarmConfiguration), nil)
	if err := v.Verify(&auth); err != nil {
		return cli.NewExitError(err, 1)
	}
	fmt.Fprintf(ctx.App.Writer, "OK: %s -> %s, %s units, valid until %d\n",
		auth.From, auth.To, auth.Value.Dec(), auth.ValidBefore)
	return nil
}

// resolveSigningKey prefers the --key flag over the configured wallet.
func resolveSigningKey(ctx *cli.Context, cfg config.Config) (*keys.PrivateKey, error) {
	if k := ctx.String("key"); k != "" {
		return keys.NewPrivateKeyFromHex(k)
	}
	return keys.Resolve(cfg.ApplicationConfiguration.Wallet)
}
