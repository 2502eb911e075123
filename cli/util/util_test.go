package util

import (
	"bytes"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/karmacadabra/karma-go/pkg/payment"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

const (
	testKey    = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testConfig = "../../config/karma.unit_testnet.yml"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "auth.json")

	var buf bytes.Buffer
	app := cli.NewApp()
	app.Writer = &buf

	set := flag.NewFlagSet("flagSet", flag.ExitOnError)
	set.String("config-file", testConfig, "")
	set.String("to", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "")
	set.String("amount", "0.05", "")
	set.String("key", testKey, "")
	set.String("out", outFile, "")
	require.NoError(t, signAuthorization(cli.NewContext(app, set, nil)))

	raw, err := os.ReadFile(outFile)
	require.NoError(t, err)
	var auth payment.Authorization
	require.NoError(t, json.Unmarshal(raw, &auth))
	require.Equal(t, "50000", auth.Value.Dec())

	vset := flag.NewFlagSet("flagSet", flag.ExitOnError)
	vset.String("config-file", testConfig, "")
	require.NoError(t, vset.Parse([]string{outFile}))
	require.NoError(t, verifyAuthorization(cli.NewContext(app, vset, nil)))
	require.Contains(t, buf.String(), "OK: ")
	require.Contains(t, buf.String(), "50000 units")
}

func TestVerifyRejectsTampering(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "auth.json")

	app := cli.NewApp()
	app.Writer = &bytes.Buffer{}

	set := flag.NewFlagSet("flagSet", flag.ExitOnError)
	set.String("config-file", testConfig, "")
	set.String("to", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "")
	set.String("amount", "0.05", "")
	set.String("key", testKey, "")
	set.String("out", outFile, "")
	require.NoError(t, signAuthorization(cli.NewContext(app, set, nil)))

	raw, err := os.ReadFile(outFile)
	require.NoError(t, err)
	var auth payment.Authorization
	require.NoError(t, json.Unmarshal(raw, &auth))
	auth.Value.AddUint64(auth.Value, 1)
	tampered, err := json.Marshal(&auth)
	require.NoError(t, err)
	tamperedFile := filepath.Join(dir, "tampered.json")
	require.NoError(t, os.WriteFile(tamperedFile, tampered, 0o600))

	vset := flag.NewFlagSet("flagSet", flag.ExitOnError)
	vset.String("config-file", testConfig, "")
	require.NoError(t, vset.Parse([]string{tamperedFile}))
	require.Error(t, verifyAuthorization(cli.NewContext(app, vset, nil)))
}

func TestSignRejectsBadRecipient(t *testing.T) {
	app := cli.NewApp()
	app.Writer = &bytes.Buffer{}

	t.Run("missing", func(t *testing.T) {
		set := flag.NewFlagSet("flagSet", flag.ExitOnError)
		set.String("config-file", testConfig, "")
		set.String("key", testKey, "")
		require.Error(t, signAuthorization(cli.NewContext(app, set, nil)))
	})

	t.Run("malformed", func(t *testing.T) {
		set := flag.NewFlagSet("flagSet", flag.ExitOnError)
		set.String("config-file", testConfig, "")
		set.String("key", testKey, "")
		set.String("to", "not-an-address", "")
		require.Error(t, signAuthorization(cli.NewContext(app, set, nil)))
	})
}
