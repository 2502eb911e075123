/*
Package supply orders a pipeline consumer's purchases. A consumer
depends on an ordered product list (its supply chain) and buys strictly
in order: the tracker exposes the first product not yet settled this
cycle and advances only when that exact product settles. Progress is one
small JSON file written atomically, so a restart resumes mid-chain and a
completed chain is never re-bought until the next cycle begins.
*/
package supply

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/karmacadabra/karma-go/pkg/store"
	"go.uber.org/zap"
)

// StateFile is the tracker's file inside the agent data directory.
const StateFile = "supply_chain_state.json"

// ErrOutOfOrder is returned by Advance for a product that is not the
// current step. The chain is strict: later steps cannot complete early.
var ErrOutOfOrder = errors.New("supply chain advance out of order")

// State is the durable progress marker. Step counts completed steps, so
// a finished chain of four products reads {"step": 4}. Cycles start
// at 1.
type State struct {
	Step  int `json:"step"`
	Cycle int `json:"cycle"`
}

// Tracker walks one agent's supply chain.
type Tracker struct {
	chain []string
	st    *store.Store
	log   *zap.Logger

	mu    sync.Mutex
	state State
}

// NewTracker loads the saved progress for the given chain. A missing
// state file starts at step 0 of cycle 1; a step beyond the configured
// chain (the chain shrank) is clamped to complete.
func NewTracker(chain []string, st *store.Store, log *zap.Logger) (*Tracker, error) {
	t := &Tracker{
		chain: append([]string(nil), chain...),
		st:    st,
		log:   log,
		state: State{Step: 0, Cycle: 1},
	}
	err := st.LoadJSON(StateFile, &t.state)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("load supply chain state: %w", err)
	}
	if t.state.Cycle < 1 {
		t.state.Cycle = 1
	}
	if t.state.Step < 0 {
		t.state.Step = 0
	}
	if t.state.Step > len(t.chain) {
		t.state.Step = len(t.chain)
	}
	return t, nil
}

// Chain returns a copy of the configured product order.
func (t *Tracker) Chain() []string {
	return append([]string(nil), t.chain...)
}

// State returns the current progress marker.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Next returns the product to buy now. The second return is false when
// the chain is complete for this cycle.
func (t *Tracker) Next() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Step >= len(t.chain) {
		return "", false
	}
	return t.chain[t.state.Step], true
}

// Complete reports whether every step of this cycle has settled.
func (t *Tracker) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Step >= len(t.chain)
}

// Remaining lists the products still to buy this cycle, in order.
func (t *Tracker) Remaining() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.chain[t.state.Step:]...)
}

// Advance records that product settled. Advancing the current step moves
// the chain forward and persists before returning; repeating an already
// completed step is a no-op, anything else is ErrOutOfOrder.
func (t *Tracker) Advance(product string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < t.state.Step && i < len(t.chain); i++ {
		if t.chain[i] == product {
			return nil
		}
	}
	if t.state.Step >= len(t.chain) || t.chain[t.state.Step] != product {
		return fmt.Errorf("%w: %q, want %q", ErrOutOfOrder, product, t.current())
	}
	next := State{Step: t.state.Step + 1, Cycle: t.state.Cycle}
	if err := t.st.SaveJSON(StateFile, next); err != nil {
		return fmt.Errorf("persist supply chain state: %w", err)
	}
	t.state = next
	t.log.Info("supply chain advanced",
		zap.String("product", product),
		zap.Int("step", t.state.Step),
		zap.Int("of", len(t.chain)),
		zap.Int("cycle", t.state.Cycle))
	return nil
}

// Rollover begins the next cycle when the current one is complete. The
// daily schedule calls it at midnight UTC; an unfinished chain keeps its
// cycle so a slow pipeline never double-buys.
func (t *Tracker) Rollover(now time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.chain) == 0 || t.state.Step < len(t.chain) {
		return false, nil
	}
	next := State{Step: 0, Cycle: t.state.Cycle + 1}
	if err := t.st.SaveJSON(StateFile, next); err != nil {
		return false, fmt.Errorf("persist supply chain state: %w", err)
	}
	t.state = next
	t.log.Info("supply chain cycle started",
		zap.Int("cycle", t.state.Cycle),
		zap.Time("at", now.UTC()))
	return true, nil
}

// current names the expected product for error messages. Callers hold
// t.mu.
func (t *Tracker) current() string {
	if t.state.Step >= len(t.chain) {
		return "(complete)"
	}
	return t.chain[t.state.Step]
}
