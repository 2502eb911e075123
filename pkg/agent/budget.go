package agent

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/encoding/fixedn"
	"github.com/karmacadabra/karma-go/pkg/store"
)

// budgetWindow is the trailing interval the gate sums authorizations
// over. Signed value inside any such window never exceeds the daily
// budget.
const budgetWindow = 24 * time.Hour

// Gate enforces the spending limits. Every purchase consults it twice,
// once before a request task is published and once again right before
// the authorization is signed, so a crash between the two never lets
// the window overflow.
type Gate struct {
	daily  *uint256.Int
	pause  *uint256.Int
	bounty *uint256.Int
	st     *store.Store
	log    *zap.Logger
}

// NewGate parses the configured decimal amounts using the payment
// token's precision. A zero daily budget disables purchases entirely.
func NewGate(app config.ApplicationConfiguration, decimals int, st *store.Store, log *zap.Logger) (*Gate, error) {
	daily, err := parseAmount(app.DailyBudget, decimals)
	if err != nil {
		return nil, fmt.Errorf("daily budget: %w", err)
	}
	pause, err := parseAmount(app.PauseThreshold, decimals)
	if err != nil {
		return nil, fmt.Errorf("pause threshold: %w", err)
	}
	bounty, err := parseAmount(app.RequestBounty, decimals)
	if err != nil {
		return nil, fmt.Errorf("request bounty: %w", err)
	}
	return &Gate{
		daily:  daily,
		pause:  pause,
		bounty: bounty,
		st:     st,
		log:    log,
	}, nil
}

func parseAmount(s string, decimals int) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	bi, err := fixedn.FromString(s, decimals)
	if err != nil {
		return nil, err
	}
	u, overflow := uint256.FromBig(bi)
	if overflow {
		return nil, fmt.Errorf("amount %s overflows", s)
	}
	return u, nil
}

// RequestBounty is the value in token units this agent attaches to the
// request tasks it publishes.
func (g *Gate) RequestBounty() *uint256.Int {
	return new(uint256.Int).Set(g.bounty)
}

// Remaining returns the budget left in the window ending at now.
func (g *Gate) Remaining(now time.Time) (*uint256.Int, error) {
	spent, err := g.st.SpentSince(now.Add(-budgetWindow))
	if err != nil {
		return nil, fmt.Errorf("sum ledger: %w", err)
	}
	if spent.Cmp(g.daily) >= 0 {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Sub(g.daily, spent), nil
}

// CanSpend reports whether signing an authorization for value keeps the
// agent inside its limits. When it returns false the reason names the
// limit that tripped, for the heartbeat.
func (g *Gate) CanSpend(now time.Time, value *uint256.Int) (bool, string, error) {
	if g.daily.IsZero() {
		return false, "no daily budget configured", nil
	}
	rem, err := g.Remaining(now)
	if err != nil {
		return false, "", err
	}
	if !g.pause.IsZero() && rem.Cmp(g.pause) < 0 {
		pausedGauge.Set(1)
		return false, fmt.Sprintf("paused, remaining %s below threshold %s", rem, g.pause), nil
	}
	pausedGauge.Set(0)
	if rem.Cmp(value) < 0 {
		return false, fmt.Sprintf("value %s exceeds remaining budget %s", value, rem), nil
	}
	return true, "", nil
}
