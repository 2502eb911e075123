package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/karmacadabra/karma-go/pkg/config"
	"go.uber.org/zap"
)

// Receipt is the facilitator's acknowledgement of an executed settlement.
type Receipt struct {
	TxHash    common.Hash `json:"tx_hash"`
	SettledAt time.Time   `json:"settled_at"`
}

// Facilitator submits signed authorizations to the settlement executor.
// Settlement is at-least-once: the token contract's (from, nonce) replay
// protection makes duplicate submissions harmless.
type Facilitator struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

// NewFacilitator creates the settlement client from the swarm
// configuration.
func NewFacilitator(cfg config.FacilitatorConfiguration, log *zap.Logger) *Facilitator {
	return &Facilitator{
		endpoint: cfg.URL,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		log:      log,
	}
}

// Settle posts the authorization for on-chain execution and returns the
// facilitator's receipt.
func (f *Facilitator) Settle(ctx context.Context, a *Authorization) (*Receipt, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode authorization: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		settlementsCounter.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("facilitator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		settlementsCounter.WithLabelValues("rejected").Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("facilitator: %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		settlementsCounter.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	settlementsCounter.WithLabelValues("ok").Inc()
	f.log.Info("settlement executed",
		zap.Stringer("tx", receipt.TxHash),
		zap.Stringer("from", a.From),
		zap.Stringer("to", a.To),
		zap.String("value", a.Value.Dec()))
	return &receipt, nil
}
