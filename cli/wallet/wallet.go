// Package wallet implements the key management commands of the CLI.
package wallet

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/karmacadabra/karma-go/cli/input"
	"github.com/karmacadabra/karma-go/cli/options"
	"github.com/karmacadabra/karma-go/pkg/keys"
	"github.com/urfave/cli"
)

var errBadWordCount = errors.New("seed phrase length must be 12 or 24 words")

var (
	indexFlag = cli.UintFlag{
		Name:  "index, i",
		Usage: "Derivation index of the account under the swarm seed",
	}
	seedFileFlag = cli.StringFlag{
		Name:  "seed-file, f",
		Usage: "File with the seed phrase; the phrase is prompted for when neither this flag nor SWARM_SEED is set",
	}
	privateFlag = cli.BoolFlag{
		Name:  "private",
		Usage: "Print the derived private key (handle with care)",
	}
)

// NewCommands returns the 'wallet' command.
func NewCommands() []cli.Command {
	cfgFlags := append([]cli.Flag{options.Config, options.ConfigFile}, options.Network...)
	return []cli.Command{{
		Name:  "wallet",
		Usage: "create and inspect agent keys",
		Subcommands: []cli.Command{
			{
				Name:      "init",
				Usage:     "generate a fresh swarm seed phrase",
				UsageText: "karma-go wallet init [--words 12|24]",
				Description: `Generates a new BIP-39 seed phrase and prints it together with the account
   derived at index 0. The phrase is the only secret a swarm deployment needs;
   hand it to the agents via SWARM_SEED and give every agent its own
   derivation index.`,
				Action: initWallet,
				Flags: []cli.Flag{
					cli.UintFlag{
						Name:  "words, w",
						Usage: "Seed phrase length, 12 or 24 words",
						Value: 12,
					},
				},
			},
			{
				Name:      "derive",
				Usage:     "derive the account at a given index from a seed phrase",
				UsageText: "karma-go wallet derive --index <n> [--seed-file <file>] [--private]",
				Action:    deriveAccount,
				Flags:     []cli.Flag{indexFlag, seedFileFlag, privateFlag},
			},
			{
				Name:      "show",
				Usage:     "show the address the configuration resolves to",
				UsageText: "karma-go wallet show [--config-path <dir>] [--config-file <file>] [-p/-m/-t]",
				Action:    showWallet,
				Flags:     cfgFlags,
			},
		},
	}}
}

func initWallet(ctx *cli.Context) error {
	var bits int
	switch ctx.Uint("words") {
	case 12:
		bits = 128
	case 24:
		bits = 256
	default:
		return cli.NewExitError(errBadWordCount, 1)
	}
	mnemonic, err := keys.NewMnemonic(bits)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	priv, err := keys.NewPrivateKeyFromMnemonic(mnemonic, 0)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	fmt.Fprintln(ctx.App.Writer, mnemonic)
	fmt.Fprintf(ctx.App.Writer, "account 0: %s\n", priv.Address())
	return nil
}

func deriveAccount(ctx *cli.Context) error {
	mnemonic, err := readMnemonic(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	index := uint32(ctx.Uint("index"))
	priv, err := keys.NewPrivateKeyFromMnemonic(mnemonic, index)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	fmt.Fprintf(ctx.App.Writer, "account %d: %s\n", index, priv.Address())
	if ctx.Bool("private") {
		fmt.Fprintln(ctx.App.Writer, priv.String())
	}
	return nil
}

func showWallet(ctx *cli.Context) error {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	w := cfg.ApplicationConfiguration.Wallet
	priv, err := keys.Resolve(w)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	fmt.Fprintf(ctx.App.Writer, "agent:     %s\n", cfg.ApplicationConfiguration.Name)
	fmt.Fprintf(ctx.App.Writer, "address:   %s\n", priv.Address())
	if w.PrivateKey == "" {
		fmt.Fprintf(ctx.App.Writer, "derived:   index %d\n", w.DerivationIndex)
	}
	return nil
}

// readMnemonic resolves the seed phrase for derive: the --seed-file flag
// wins, then the SWARM_SEED variable, then an interactive prompt.
func readMnemonic(ctx *cli.Context) (string, error) {
	if path := ctx.String("seed-file"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("seed file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	if seed := os.Getenv("SWARM_SEED"); seed != "" {
		return seed, nil
	}
	return input.ReadPassword("Enter seed phrase > ")
}
