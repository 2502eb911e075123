package app

import (
	"fmt"
	"os"
	"runtime"

	"github.com/karmacadabra/karma-go/cli/agent"
	"github.com/karmacadabra/karma-go/cli/util"
	"github.com/karmacadabra/karma-go/cli/wallet"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/urfave/cli"
)

func versionPrinter(c *cli.Context) {
	_, _ = fmt.Fprintf(c.App.Writer, "karma-go\nVersion: %s\nGoVersion: %s\n",
		config.Version,
		runtime.Version(),
	)
}

// New creates a karma-go instance of [cli.App] with all commands included.
func New() *cli.App {
	cli.VersionPrinter = versionPrinter
	ctl := cli.NewApp()
	ctl.Name = "karma-go"
	ctl.Version = config.Version
	ctl.Usage = "Autonomous task marketplace agent"
	ctl.ErrWriter = os.Stdout

	ctl.Commands = append(ctl.Commands, agent.NewCommands()...)
	ctl.Commands = append(ctl.Commands, wallet.NewCommands()...)
	ctl.Commands = append(ctl.Commands, util.NewCommands()...)
	return ctl
}
