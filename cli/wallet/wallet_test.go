package wallet

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/karmacadabra/karma-go/pkg/keys"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

// Anvil's well-known dev mnemonic; its derivation chain is a fixed vector.
const testMnemonic = "test test test test test test test test test test test junk"

func newTestContext(t *testing.T, buf *bytes.Buffer, setup func(*flag.FlagSet)) *cli.Context {
	t.Helper()
	app := cli.NewApp()
	app.Writer = buf
	set := flag.NewFlagSet("flagSet", flag.ExitOnError)
	setup(set)
	return cli.NewContext(app, set, nil)
}

func TestInitWallet(t *testing.T) {
	for _, words := range []uint{12, 24} {
		var buf bytes.Buffer
		ctx := newTestContext(t, &buf, func(set *flag.FlagSet) {
			set.Uint("words", words, "")
		})
		require.NoError(t, initWallet(ctx))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		require.Len(t, strings.Fields(lines[0]), int(words))

		priv, err := keys.NewPrivateKeyFromMnemonic(lines[0], 0)
		require.NoError(t, err)
		require.Equal(t, "account 0: "+priv.Address().Hex(), lines[1])
	}

	t.Run("odd length", func(t *testing.T) {
		var buf bytes.Buffer
		ctx := newTestContext(t, &buf, func(set *flag.FlagSet) {
			set.Uint("words", 13, "")
		})
		require.Error(t, initWallet(ctx))
	})
}

func TestDeriveKnownVector(t *testing.T) {
	seedFile := filepath.Join(t.TempDir(), "seed")
	require.NoError(t, os.WriteFile(seedFile, []byte(testMnemonic+"\n"), 0o600))

	var buf bytes.Buffer
	ctx := newTestContext(t, &buf, func(set *flag.FlagSet) {
		set.String("seed-file", seedFile, "")
		set.Uint("index", 1, "")
	})
	require.NoError(t, deriveAccount(ctx))
	require.Contains(t, buf.String(), "account 1: 0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	require.NotContains(t, buf.String(), "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
}

func TestDerivePrintsPrivate(t *testing.T) {
	seedFile := filepath.Join(t.TempDir(), "seed")
	require.NoError(t, os.WriteFile(seedFile, []byte(testMnemonic), 0o600))

	var buf bytes.Buffer
	ctx := newTestContext(t, &buf, func(set *flag.FlagSet) {
		set.String("seed-file", seedFile, "")
		set.Uint("index", 0, "")
		set.Bool("private", true, "")
	})
	require.NoError(t, deriveAccount(ctx))
	require.Contains(t, buf.String(), "account 0: 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	require.Contains(t, buf.String(), "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
}

func TestShowWallet(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")

	var buf bytes.Buffer
	ctx := newTestContext(t, &buf, func(set *flag.FlagSet) {
		set.String("config-file", filepath.Join("..", "..", "config", "karma.unit_testnet.yml"), "")
	})
	require.NoError(t, showWallet(ctx))
	require.Contains(t, buf.String(), "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	// An explicit key is not derived from the seed tree.
	require.NotContains(t, buf.String(), "derived:")
}
