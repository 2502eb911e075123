package options

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/config/netmode"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

func TestGetNetwork(t *testing.T) {
	t.Run("privnet", func(t *testing.T) {
		set := flag.NewFlagSet("flagSet", flag.ExitOnError)
		ctx := cli.NewContext(cli.NewApp(), set, nil)
		require.Equal(t, netmode.PrivNet, GetNetwork(ctx))
	})

	t.Run("testnet", func(t *testing.T) {
		set := flag.NewFlagSet("flagSet", flag.ExitOnError)
		set.Bool("testnet", true, "")
		ctx := cli.NewContext(cli.NewApp(), set, nil)
		require.Equal(t, netmode.TestNet, GetNetwork(ctx))
	})

	t.Run("mainnet", func(t *testing.T) {
		set := flag.NewFlagSet("flagSet", flag.ExitOnError)
		set.Bool("mainnet", true, "")
		ctx := cli.NewContext(cli.NewApp(), set, nil)
		require.Equal(t, netmode.MainNet, GetNetwork(ctx))
	})
}

func TestGetConfigFromContext(t *testing.T) {
	t.Run("config-path", func(t *testing.T) {
		set := flag.NewFlagSet("flagSet", flag.ExitOnError)
		set.String("config-path", "../../config", "")
		set.Bool("unittest", true, "")
		ctx := cli.NewContext(cli.NewApp(), set, nil)
		cfg, err := GetConfigFromContext(ctx)
		require.NoError(t, err)
		require.Equal(t, netmode.UnitTestNet, cfg.SwarmConfiguration.Chain.ChainID)
		require.Equal(t, "inmemory", cfg.ApplicationConfiguration.Index.Type)
	})

	t.Run("config-file wins", func(t *testing.T) {
		set := flag.NewFlagSet("flagSet", flag.ExitOnError)
		set.String("config-path", t.TempDir(), "")
		set.String("config-file", filepath.Join("..", "..", "config", "karma.unit_testnet.yml"), "")
		ctx := cli.NewContext(cli.NewApp(), set, nil)
		cfg, err := GetConfigFromContext(ctx)
		require.NoError(t, err)
		require.Equal(t, netmode.UnitTestNet, cfg.SwarmConfiguration.Chain.ChainID)
	})

	t.Run("missing file", func(t *testing.T) {
		set := flag.NewFlagSet("flagSet", flag.ExitOnError)
		set.String("config-path", t.TempDir(), "")
		ctx := cli.NewContext(cli.NewApp(), set, nil)
		_, err := GetConfigFromContext(ctx)
		require.Error(t, err)
	})
}

func TestHandleLoggingParams(t *testing.T) {
	d := t.TempDir()
	testLog := filepath.Join(d, "file.log")

	t.Run("logdir is a file", func(t *testing.T) {
		logfile := filepath.Join(d, "logdir")
		require.NoError(t, os.WriteFile(logfile, []byte{1, 2, 3}, os.ModePerm))
		cfg := config.ApplicationConfiguration{
			LogPath: filepath.Join(logfile, "file.log"),
		}
		_, _, _, err := HandleLoggingParams(false, cfg)
		require.Error(t, err)
	})

	t.Run("broken level", func(t *testing.T) {
		cfg := config.ApplicationConfiguration{
			LogPath:  testLog,
			LogLevel: "qwerty",
		}
		_, _, _, err := HandleLoggingParams(false, cfg)
		require.Error(t, err)
	})

	t.Run("default", func(t *testing.T) {
		cfg := config.ApplicationConfiguration{
			LogPath: testLog,
		}
		logger, lvl, closer, err := HandleLoggingParams(false, cfg)
		require.NoError(t, err)
		require.Nil(t, closer)
		require.Equal(t, zap.InfoLevel, lvl.Level())
		require.True(t, logger.Core().Enabled(zap.InfoLevel))
		require.False(t, logger.Core().Enabled(zap.DebugLevel))
	})

	t.Run("debug", func(t *testing.T) {
		cfg := config.ApplicationConfiguration{
			LogPath: testLog,
		}
		logger, _, closer, err := HandleLoggingParams(true, cfg)
		require.NoError(t, err)
		require.Nil(t, closer)
		require.True(t, logger.Core().Enabled(zap.InfoLevel))
		require.True(t, logger.Core().Enabled(zap.DebugLevel))
	})

	t.Run("rotation", func(t *testing.T) {
		rotLog := filepath.Join(d, "rotating.log")
		cfg := config.ApplicationConfiguration{
			LogPath:      rotLog,
			LogMaxSizeMB: 1,
		}
		logger, _, closer, err := HandleLoggingParams(false, cfg)
		require.NoError(t, err)
		require.NotNil(t, closer)
		logger.Info("rotated sink check")
		require.NoError(t, logger.Sync())
		require.NoError(t, closer())
		data, err := os.ReadFile(rotLog)
		require.NoError(t, err)
		require.Contains(t, string(data), "rotated sink check")
	})
}
