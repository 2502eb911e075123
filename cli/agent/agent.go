// Package agent implements the agent lifecycle commands of the CLI.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/karmacadabra/karma-go/cli/options"
	"github.com/karmacadabra/karma-go/pkg/agent"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/identity"
	"github.com/karmacadabra/karma-go/pkg/keys"
	"github.com/karmacadabra/karma-go/pkg/services/metrics"
	"github.com/karmacadabra/karma-go/pkg/store"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

// registerTimeout bounds the registration transaction including receipt
// waiting.
const registerTimeout = 2 * time.Minute

var (
	nameFlag = cli.StringFlag{
		Name:  "name, n",
		Usage: "agent name (overrides configuration)",
	}
	roleFlag = cli.StringFlag{
		Name:  "role",
		Usage: "agent role: seller, buyer, buyer-seller, validator, coordinator or community-buyer (overrides configuration)",
	}
	dataDirFlag = cli.StringFlag{
		Name:  "data-dir",
		Usage: "data directory of the agent (overrides configuration)",
	}
	tickFlag = cli.DurationFlag{
		Name:  "tick",
		Usage: "heartbeat interval, e.g. 30s or 5m (overrides configuration)",
	}
	budgetFlag = cli.StringFlag{
		Name:  "budget",
		Usage: "daily spend cap in decimal token units (overrides configuration)",
	}
)

// NewCommands returns the 'agent' command.
func NewCommands() []cli.Command {
	cfgFlags := append([]cli.Flag{options.Config, options.ConfigFile, options.Debug}, options.Network...)
	runFlags := append([]cli.Flag{nameFlag, roleFlag, dataDirFlag, tickFlag, budgetFlag}, cfgFlags...)
	return []cli.Command{{
		Name:  "agent",
		Usage: "run and manage a marketplace agent",
		Subcommands: []cli.Command{
			{
				Name:      "run",
				Usage:     "start the agent and keep it running",
				UsageText: "karma-go agent run [--name <name>] [--role <role>] [--data-dir <dir>] [--tick <interval>] [--budget <amount>] [--config-path <dir>] [--config-file <file>] [-p/-m/-t] [--debug]",
				Description: `Starts the heartbeat loop and runs until interrupted. The configuration
   file for the selected network is loaded first, the process environment is
   laid over it and the command line flags win over both. Exits 0 on a clean
   shutdown, 1 on a fatal configuration or secret error and 2 when the
   marketplace persistently rejects our request schema.`,
				Action: runAgent,
				Flags:  runFlags,
			},
			{
				Name:      "init",
				Usage:     "create the data directory layout and the identity card",
				UsageText: "karma-go agent init [--name <name>] [--role <role>] [--data-dir <dir>] [--config-path <dir>] [--config-file <file>] [-p/-m/-t]",
				Action:    initAgent,
				Flags:     runFlags,
			},
			{
				Name:      "status",
				Usage:     "print the last known state of an agent",
				UsageText: "karma-go agent status [--data-dir <dir>] [--config-path <dir>] [--config-file <file>] [-p/-m/-t]",
				Description: `Reads the data directory without taking its lock, so it works while the
   agent is running.`,
				Action: agentStatus,
				Flags:  append([]cli.Flag{dataDirFlag}, cfgFlags...),
			},
			{
				Name:      "register",
				Usage:     "register the agent in the identity registry",
				UsageText: "karma-go agent register [--config-path <dir>] [--config-file <file>] [-p/-m/-t] [--debug]",
				Action:    registerAgent,
				Flags:     runFlags,
			},
		},
	}}
}

// getConfigFromContext loads the configuration and lays the agent flags
// over it. A missing per-network file is not fatal here: flags plus
// environment describe a complete agent and the built-in defaults cover
// the rest.
func getConfigFromContext(ctx *cli.Context) (config.Config, error) {
	cfg, err := options.GetConfigFromContext(ctx)
	if errors.Is(err, fs.ErrNotExist) && ctx.String("config-file") == "" {
		cfg, err = config.Defaults()
	}
	if err != nil {
		return cfg, err
	}
	applyFlagOverrides(ctx, &cfg)
	return cfg, cfg.Validate()
}

func applyFlagOverrides(ctx *cli.Context, cfg *config.Config) {
	app := &cfg.ApplicationConfiguration
	if v := ctx.String("name"); v != "" {
		app.Name = v
	}
	if v := ctx.String("role"); v != "" {
		app.Role = v
	}
	if v := ctx.String("data-dir"); v != "" {
		app.DataDir = v
	}
	if v := ctx.Duration("tick"); v > 0 {
		app.TickInterval = v
	}
	if v := ctx.String("budget"); v != "" {
		app.DailyBudget = v
	}
}

func newGraceContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}

func runAgent(ctx *cli.Context) error {
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	log, _, logCloser, err := options.HandleLoggingParams(ctx.Bool("debug"), cfg.ApplicationConfiguration)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	if logCloser != nil {
		defer func() { _ = logCloser() }()
	}

	grace, cancel := context.WithCancel(newGraceContext())
	defer cancel()

	a, err := agent.New(cfg, log)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("error while closing the agent", zap.Error(err))
		}
	}()

	prometheus := metrics.NewPrometheusService(cfg.ApplicationConfiguration.Prometheus, log)
	if err := prometheus.Start(); err != nil {
		return cli.NewExitError(fmt.Errorf("failed to start prometheus service: %w", err), 1)
	}
	defer prometheus.ShutDown()
	pprof := metrics.NewPprofService(cfg.ApplicationConfiguration.Pprof, log)
	if err := pprof.Start(); err != nil {
		return cli.NewExitError(fmt.Errorf("failed to start pprof service: %w", err), 1)
	}
	defer pprof.ShutDown()

	if err := a.Run(grace); err != nil {
		if errors.Is(err, agent.ErrSchemaWedged) {
			return cli.NewExitError(err, 2)
		}
		return cli.NewExitError(err, 1)
	}
	return nil
}

func initAgent(ctx *cli.Context) error {
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	app := cfg.ApplicationConfiguration
	priv, err := keys.Resolve(app.Wallet)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	st, err := store.Open(app.DataDir, app.Index, zap.NewNop())
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer st.Close()

	if _, err := st.LoadAgent(); err == nil {
		return cli.NewExitError(fmt.Errorf("%s already holds an agent", app.DataDir), 1)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cli.NewExitError(err, 1)
	}
	rec := store.AgentRecord{
		Name:            app.Name,
		Address:         priv.Address(),
		Role:            app.Role,
		DerivationIndex: app.Wallet.DerivationIndex,
	}
	if err := st.SaveAgent(rec); err != nil {
		return cli.NewExitError(err, 1)
	}
	fmt.Fprintf(ctx.App.Writer, "initialized %s in %s (address %s)\n", app.Name, app.DataDir, priv.Address())
	return nil
}

func agentStatus(ctx *cli.Context) error {
	dir := ctx.String("data-dir")
	if dir == "" {
		cfg, err := getConfigFromContext(ctx)
		if err != nil {
			return cli.NewExitError(err, 1)
		}
		dir = cfg.ApplicationConfiguration.DataDir
	}
	rec, err := store.ReadAgentRecord(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return cli.NewExitError(fmt.Errorf("%s holds no agent, run 'agent init' first", dir), 1)
	}
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	w := ctx.App.Writer
	fmt.Fprintf(w, "agent:    %s (%s)\n", rec.Name, rec.Role)
	fmt.Fprintf(w, "address:  %s\n", rec.Address.Hex())
	if rec.RegistryID != 0 {
		fmt.Fprintf(w, "registry: agent id %d\n", rec.RegistryID)
	}
	hb, ok, err := store.ReadLastHeartbeat(dir)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	if !ok {
		fmt.Fprintln(w, "no heartbeats recorded yet")
		return nil
	}
	fmt.Fprintf(w, "step:     %d at %s (%s)\n", hb.Step, hb.At.Format(time.RFC3339), hb.Status)
	fmt.Fprintf(w, "action:   %s\n", hb.Action)
	if hb.Detail != "" {
		fmt.Fprintf(w, "detail:   %s\n", hb.Detail)
	}
	if hb.Err != "" {
		fmt.Fprintf(w, "error:    %s\n", hb.Err)
	}
	if state, err := store.ReadStateSummary(dir); err == nil && state != "" {
		fmt.Fprintf(w, "\n%s", state)
	}
	return nil
}

func registerAgent(ctx *cli.Context) error {
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	log, _, logCloser, err := options.HandleLoggingParams(ctx.Bool("debug"), cfg.ApplicationConfiguration)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	if logCloser != nil {
		defer func() { _ = logCloser() }()
	}
	app := cfg.ApplicationConfiguration
	priv, err := keys.Resolve(app.Wallet)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	reg, _, err := identity.NewRegistries(cfg.SwarmConfiguration.Chain, priv, log)
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	rctx, cancel := context.WithTimeout(newGraceContext(), registerTimeout)
	defer cancel()
	info, created, err := reg.EnsureRegistered(rctx, app.Domain)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	if created {
		fmt.Fprintf(ctx.App.Writer, "registered agent id %d for %s\n", info.ID, info.Address.Hex())
	} else {
		fmt.Fprintf(ctx.App.Writer, "already registered: agent id %d\n", info.ID)
	}

	// Stamp the identity card when the store is free. A running agent
	// holds the lock and adopts the registration on its next tick.
	st, err := store.Open(app.DataDir, app.Index, log)
	if errors.Is(err, store.ErrLocked) {
		fmt.Fprintln(ctx.App.Writer, "agent is running, it will pick the registration up on its next tick")
		return nil
	}
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer st.Close()
	rec, err := st.LoadAgent()
	if errors.Is(err, fs.ErrNotExist) {
		rec = store.AgentRecord{
			Name:            app.Name,
			Address:         priv.Address(),
			Role:            app.Role,
			DerivationIndex: app.Wallet.DerivationIndex,
		}
	} else if err != nil {
		return cli.NewExitError(err, 1)
	}
	rec.RegistryID = info.ID
	if err := st.SaveAgent(rec); err != nil {
		return cli.NewExitError(err, 1)
	}
	return nil
}
