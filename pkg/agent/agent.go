package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/karmacadabra/karma-go/pkg/chat"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/encoding/fixedn"
	"github.com/karmacadabra/karma-go/pkg/escrow"
	"github.com/karmacadabra/karma-go/pkg/identity"
	"github.com/karmacadabra/karma-go/pkg/keys"
	"github.com/karmacadabra/karma-go/pkg/market"
	"github.com/karmacadabra/karma-go/pkg/payment"
	"github.com/karmacadabra/karma-go/pkg/reputation"
	"github.com/karmacadabra/karma-go/pkg/store"
	"github.com/karmacadabra/karma-go/pkg/supply"
)

// ErrSchemaWedged is returned by Run after several consecutive ticks
// failed on permanent marketplace schema rejections. The process should
// exit with status 2 so a supervisor does not restart it into the same
// loop; the offending payloads are parked in the escrow records.
var ErrSchemaWedged = errors.New("persistent marketplace schema rejections")

const (
	// schemaWedgeTicks is how many consecutive schema-failing ticks trip
	// ErrSchemaWedged.
	schemaWedgeTicks = 3
	// tickFraction of the interval is the per-tick deadline; the rest is
	// slack so a slow tick never overlaps the next.
	tickFraction = 0.8
	// maxMailPerTick caps how many channel lines one tick digests.
	maxMailPerTick = 256
	// settledClientScore is the on-chain rating a seller files for a
	// buyer that settled.
	settledClientScore = 95
	// settledPeerScore is the local off-chain rating for a counterparty
	// after a settled trade.
	settledPeerScore = 90
)

// Agent composes the runtime: keys, store, marketplace client, payment
// signer, registries, reputation, chat and the role plan, driven by a
// cron scheduler. One process runs one agent.
type Agent struct {
	cfg  config.Config
	log  *zap.Logger
	role Role

	priv     *keys.PrivateKey
	addr     common.Address
	nick     string
	decimals int

	st        *store.Store
	mkt       *market.Client
	signer    *payment.Signer
	fac       *payment.Facilitator
	reg       *identity.Registry
	repReg    *identity.ReputationRegistry
	rep       *reputation.Service
	offch     *reputation.OffChainSource
	scorer    escrow.Scorer
	chat      *chat.Client
	gate      *Gate
	tracker   *supply.Tracker
	transform Transformer
	plan      Plan

	sched *cron.Cron
	now   func() time.Time

	agentID      *atomic.Uint64
	step         *atomic.Uint64
	busy         *atomic.Bool
	closed       *atomic.Bool
	schemaStreak int
	done         chan error
}

// New wires an agent from its configuration. The store is opened (and
// locked) here; Close releases it.
func New(cfg config.Config, log *zap.Logger) (*Agent, error) {
	app := cfg.ApplicationConfiguration
	role, err := ParseRole(app.Role)
	if err != nil {
		return nil, err
	}
	priv, err := keys.Resolve(app.Wallet)
	if err != nil {
		return nil, fmt.Errorf("resolve wallet: %w", err)
	}
	st, err := store.Open(app.DataDir, app.Index, log)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:      cfg,
		log:      log.With(zap.String("agent", app.Name), zap.String("role", string(role))),
		role:     role,
		priv:     priv,
		addr:     priv.Address(),
		nick:     chat.Nick(app.Name),
		decimals: cfg.SwarmConfiguration.Token.Decimals,
		st:       st,
		sched:    cron.New(cron.WithLocation(time.UTC)),
		now:      time.Now,
		agentID:  atomic.NewUint64(0),
		step:     atomic.NewUint64(0),
		busy:     atomic.NewBool(false),
		closed:   atomic.NewBool(false),
		done:     make(chan error, 1),
	}

	a.mkt = market.NewClient(cfg.SwarmConfiguration.Marketplace, a.addr, a.log)
	domain := payment.NewDomain(cfg.SwarmConfiguration)
	a.signer = payment.NewSigner(priv, domain, a.decimals, st)
	a.fac = payment.NewFacilitator(cfg.SwarmConfiguration.Facilitator, a.log)

	chain := cfg.SwarmConfiguration.Chain
	if chain.RPCURL != "" && chain.IdentityRegistry != "" {
		a.reg, a.repReg, err = identity.NewRegistries(chain, priv, a.log)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("registries: %w", err)
		}
	} else {
		a.log.Info("identity registry not configured, running unregistered")
	}

	a.offch = reputation.NewOffChainSource()
	a.rep, err = reputation.NewService(reputation.Config{
		OnChain:       &reputation.ChainSource{Registry: a.reg, Reputation: a.repReg},
		OffChain:      a.offch,
		Transactional: &reputation.TransactionalSource{Store: st, Owner: a.addr},
		History:       st,
		Log:           a.log,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	a.scorer = a.rep

	if cfg.SwarmConfiguration.Chat.Server != "" {
		a.chat = chat.NewClient(cfg.SwarmConfiguration.Chat, app.Name, a.log)
	}

	a.gate, err = NewGate(app, a.decimals, st, a.log)
	if err != nil {
		st.Close()
		return nil, err
	}
	if len(app.SupplyChain) > 0 {
		a.tracker, err = supply.NewTracker(app.SupplyChain, st, a.log)
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	a.transform = NewTransformer(app.Transform, a.log)

	a.plan, err = newPlan(a)
	if err != nil {
		st.Close()
		return nil, err
	}

	if err := a.restore(); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

// restore reloads durable runtime state: the identity card and the
// heartbeat step counter.
func (a *Agent) restore() error {
	rec, err := a.st.LoadAgent()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		rec = store.AgentRecord{}
	case err != nil:
		return fmt.Errorf("load identity card: %w", err)
	}
	a.agentID.Store(rec.RegistryID)
	rec.Name = a.cfg.ApplicationConfiguration.Name
	rec.Address = a.addr
	rec.Role = string(a.role)
	rec.DerivationIndex = a.cfg.ApplicationConfiguration.Wallet.DerivationIndex
	if err := a.st.SaveAgent(rec); err != nil {
		return fmt.Errorf("save identity card: %w", err)
	}

	hb, ok, err := a.st.LastHeartbeat()
	if err != nil {
		return fmt.Errorf("load heartbeat: %w", err)
	}
	if ok {
		a.step.Store(hb.Step)
	}
	return nil
}

// Address returns the agent's wallet address.
func (a *Agent) Address() common.Address {
	return a.addr
}

// Run drives the agent until the context is canceled or the runtime
// wedges. A clean cancellation returns nil.
func (a *Agent) Run(ctx context.Context) error {
	app := a.cfg.ApplicationConfiguration
	a.log.Info("starting agent",
		zap.Stringer("address", a.addr),
		zap.Duration("tick", app.TickInterval),
		zap.Uint64("step", a.step.Load()))

	if err := escrow.ReconcileAll(ctx, a.st, a.mkt, a.log); err != nil {
		a.log.Warn("startup reconciliation incomplete", zap.Error(err))
	}

	if a.chat != nil {
		if err := a.chat.Join(a.chat.Channel()); err != nil {
			a.log.Warn("join channel", zap.Error(err))
		}
		if err := a.chat.Connect(ctx); err != nil {
			a.log.Warn("chat offline, continuing without it", zap.Error(err))
		}
	}

	a.sched.Schedule(cron.Every(app.TickInterval), cron.FuncJob(a.tick))
	if app.ReputationRefresh > 0 {
		a.sched.Schedule(cron.Every(app.ReputationRefresh), cron.FuncJob(a.refreshReputation))
	}
	if _, err := a.sched.AddFunc("@midnight", a.rollover); err != nil {
		return fmt.Errorf("schedule rollover: %w", err)
	}

	a.tick()
	a.sched.Start()
	defer func() {
		<-a.sched.Stop().Done()
	}()

	select {
	case <-ctx.Done():
		a.log.Info("stopping agent")
		return nil
	case err := <-a.done:
		return err
	}
}

// Close releases the store lock and the chat connection. Safe to call
// more than once.
func (a *Agent) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if a.chat != nil {
		a.chat.Close()
	}
	return a.st.Close()
}

// tick runs one heartbeat: drain chat, reconcile expiries, run the role
// plan, append the heartbeat record and refresh state.md. Ticks never
// overlap; if the previous one still runs, this one is skipped.
func (a *Agent) tick() {
	if !a.busy.CompareAndSwap(false, true) {
		a.log.Warn("previous tick still running, skipping")
		tickCounter.WithLabelValues("skipped").Inc()
		return
	}
	defer a.busy.Store(false)

	step := a.step.Inc()
	stepGauge.Set(float64(step))
	deadline := time.Duration(tickFraction * float64(a.cfg.ApplicationConfiguration.TickInterval))
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	started := a.now()
	sum := &Summary{}
	err := a.runTick(ctx, sum)
	tickDuration.Observe(time.Since(started).Seconds())

	action, status, errText := "tick", store.HeartbeatOK, ""
	switch {
	case err != nil:
		status = store.HeartbeatError
		errText = err.Error()
	case ctx.Err() != nil:
		action = "partial-tick"
	}

	if sum.schema > 0 {
		a.schemaStreak++
	} else {
		a.schemaStreak = 0
	}

	hb := store.HeartbeatRecord{
		At:     a.now().UTC(),
		Agent:  a.cfg.ApplicationConfiguration.Name,
		Step:   step,
		Action: action,
		Status: status,
		Detail: sum.String(),
		Err:    errText,
	}
	if err := a.st.AppendHeartbeat(hb); err != nil {
		a.log.Error("append heartbeat", zap.Error(err))
	}
	a.writeState(hb)

	label := status
	if action == "partial-tick" {
		label = "partial"
	}
	tickCounter.WithLabelValues(label).Inc()
	a.log.Info("tick done",
		zap.Uint64("step", step),
		zap.String("status", status),
		zap.String("detail", hb.Detail),
		zap.Duration("took", time.Since(started)))

	if a.schemaStreak >= schemaWedgeTicks {
		select {
		case a.done <- ErrSchemaWedged:
		default:
		}
	}
}

func (a *Agent) runTick(ctx context.Context, sum *Summary) error {
	a.ensureChat(ctx)
	mail := a.drainMail()
	mailGauge.Set(float64(len(mail)))
	a.ensureRegistered(ctx)
	a.expirePass(sum)
	if err := a.plan.Run(ctx, mail, sum); err != nil {
		return err
	}
	if sum.Invariant != nil {
		return sum.Invariant
	}
	if len(sum.Errors) > 0 {
		a.log.Warn("tick finished with errors", zap.Strings("errors", sum.Errors))
	}
	return nil
}

// ensureChat reconnects a dropped chat session. Chat is best-effort; a
// failure only logs.
func (a *Agent) ensureChat(ctx context.Context) {
	if a.chat == nil || a.chat.Connected() {
		return
	}
	if err := a.chat.Connect(ctx); err != nil {
		a.log.Debug("chat still offline", zap.Error(err))
	}
}

// drainMail empties the chat inbox into a slice for the plan and notes
// peer activity for the off-chain reputation layer.
func (a *Agent) drainMail() []chat.Message {
	if a.chat == nil {
		return nil
	}
	var mail []chat.Message
	for len(mail) < maxMailPerTick {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		msg, err := a.chat.Recv(ctx)
		cancel()
		if err != nil {
			break
		}
		mail = append(mail, msg)
		a.noteActivity(msg)
	}
	return mail
}

// noteActivity attributes a parsed announcement to the wallet addresses
// it names.
func (a *Agent) noteActivity(msg chat.Message) {
	ann, ok := chat.ParseLine(msg.Line)
	if !ok {
		return
	}
	switch v := ann.(type) {
	case chat.Need:
		if common.IsHexAddress(v.Contact) {
			a.offch.NoteActivity(common.HexToAddress(v.Contact))
		}
	case chat.Deal:
		if common.IsHexAddress(v.Seller) {
			a.offch.NoteActivity(common.HexToAddress(v.Seller))
		}
	}
}

// ensureRegistered registers the agent in the identity registry once.
// Chain trouble degrades: the agent keeps trading unregistered and
// retries next tick.
func (a *Agent) ensureRegistered(ctx context.Context) {
	if a.reg == nil || a.agentID.Load() != 0 {
		return
	}
	info, created, err := a.reg.EnsureRegistered(ctx, a.cfg.ApplicationConfiguration.Domain)
	if err != nil {
		a.log.Warn("identity registration degraded", zap.Error(err))
		return
	}
	a.agentID.Store(info.ID)
	if created {
		a.log.Info("registered in identity registry", zap.Uint64("id", info.ID))
	}
	rec, err := a.st.LoadAgent()
	if err == nil {
		rec.RegistryID = info.ID
		if err := a.st.SaveAgent(rec); err != nil {
			a.log.Warn("save identity card", zap.Error(err))
		}
	}
}

// expirePass retires records whose deadline has passed and clears the
// publication marks of expired listings.
func (a *Agent) expirePass(sum *Summary) {
	ids, err := a.st.EscrowIDs()
	if err != nil {
		sum.Fail("list records", err)
		return
	}
	now := a.now()
	for _, id := range ids {
		m, err := escrow.Load(a.st, a.log, id)
		if err != nil {
			continue
		}
		rec := m.Record()
		if rec.State.Terminal() {
			continue
		}
		expired, err := m.ExpireIfPast(now)
		if err != nil {
			sum.Fail("expire", err)
			continue
		}
		if !expired {
			continue
		}
		sum.Expired++
		if rec.Role == escrow.RolePublisher && rec.Direction == escrow.DirIncoming && rec.Product != "" {
			if err := a.st.ClearPublished(rec.Product); err != nil {
				a.log.Debug("clear publication mark", zap.Error(err))
			}
		}
	}
}

// refreshReputation recomputes snapshots for every address the cache
// knows, on its own cadence.
func (a *Agent) refreshReputation() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	addrs := a.rep.Known()
	if len(addrs) == 0 {
		addrs = []common.Address{a.addr}
	}
	if err := a.rep.RefreshAll(ctx, addrs); err != nil {
		a.log.Warn("reputation refresh", zap.Error(err))
	}
}

// rollover advances the supply cycle at UTC midnight. Incomplete chains
// keep their cycle; a slow pipeline must never double-buy.
func (a *Agent) rollover() {
	if a.tracker == nil {
		return
	}
	rolled, err := a.tracker.Rollover(a.now())
	if err != nil {
		a.log.Error("cycle rollover", zap.Error(err))
		return
	}
	if rolled {
		a.log.Info("supply cycle rolled", zap.Int("cycle", a.tracker.State().Cycle))
	}
}

// announce sends one protocol line to the marketplace channel. Chat is
// optional and lossy; a false send only means the line was dropped.
func (a *Agent) announce(an chat.Announcement, sum *Summary) {
	if a.chat == nil {
		return
	}
	if a.chat.Send(a.chat.Channel(), an.Line()) {
		sum.Announced++
	}
}

// noteGoodPeer files a local off-chain rating for a counterparty that
// just settled.
func (a *Agent) noteGoodPeer(addr common.Address) {
	a.offch.NotePeerRating(addr, settledPeerScore)
}

// rateClient files the on-chain client rating a seller submits after a
// settled sale. Best-effort: a chain hiccup only logs.
func (a *Agent) rateClient(ctx context.Context, client common.Address) {
	a.noteGoodPeer(client)
	if a.repReg == nil || a.reg == nil || a.agentID.Load() == 0 {
		return
	}
	info, err := a.reg.ResolveByAddress(ctx, client)
	if err != nil {
		a.log.Debug("resolve client for rating", zap.Error(err))
		return
	}
	if err := a.repReg.RateClient(ctx, a.agentID.Load(), info.ID, settledClientScore); err != nil {
		a.log.Warn("rate client", zap.Error(err))
	}
}

// amount renders token units as a decimal string.
func (a *Agent) amount(units uint64) string {
	return fixedn.ToString(new(big.Int).SetUint64(units), a.decimals)
}

func (a *Agent) clock() time.Time {
	return a.now()
}

// writeState refreshes state.md, the operator-facing mirror of the last
// heartbeat.
func (a *Agent) writeState(hb store.HeartbeatRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap := a.rep.Snapshot(ctx, a.addr)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", hb.Agent)
	fmt.Fprintf(&b, "- role: %s\n", a.role)
	fmt.Fprintf(&b, "- address: %s\n", a.addr.Hex())
	if id := a.agentID.Load(); id != 0 {
		fmt.Fprintf(&b, "- registry id: %d\n", id)
	}
	fmt.Fprintf(&b, "- step: %d\n", hb.Step)
	fmt.Fprintf(&b, "- updated: %s\n", hb.At.Format(time.RFC3339))
	fmt.Fprintf(&b, "- last action: %s (%s)\n", hb.Action, hb.Status)
	fmt.Fprintf(&b, "- detail: %s\n", hb.Detail)
	if hb.Err != "" {
		fmt.Fprintf(&b, "- error: %s\n", hb.Err)
	}

	fmt.Fprintf(&b, "\n## reputation\n\n")
	fmt.Fprintf(&b, "composite %.1f (%s), confidence %.2f\n", snap.Composite, snap.Tier, snap.Confidence)

	if a.tracker != nil {
		st := a.tracker.State()
		fmt.Fprintf(&b, "\n## supply chain\n\n")
		fmt.Fprintf(&b, "cycle %d, step %d of %d\n", st.Cycle, st.Step, len(a.tracker.Chain()))
		if next, ok := a.tracker.Next(); ok {
			fmt.Fprintf(&b, "next: %s\n", next)
		} else {
			fmt.Fprintf(&b, "complete\n")
		}
	}

	if err := a.st.WriteStateSummary(b.String()); err != nil {
		a.log.Warn("write state summary", zap.Error(err))
	}
}
