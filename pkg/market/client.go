/*
Package market is the HTTP client for the external task/escrow
marketplace. It is stateless: every durable fact lives in the store or on
the marketplace itself. The client enforces the marketplace's mandatory
call spacing, retries retryable failures with capped backoff and maps the
documented status codes to typed errors the state machine can branch on.
*/
package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/karmacadabra/karma-go/pkg/config"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is the marketplace client for one agent wallet. All outbound
// calls share one limiter, so concurrent callers cannot defeat the
// spacing rule.
type Client struct {
	baseURL   string
	wallet    common.Address
	client    *http.Client
	limiter   *rate.Limiter
	retries   uint64
	retryWait time.Duration
	minBounty uint64
	reqID     atomic.Uint64
	log       *zap.Logger
}

// NewClient creates a marketplace client from the swarm configuration,
// authenticating as the given wallet.
func NewClient(cfg config.MarketplaceConfiguration, wallet common.Address, log *zap.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		wallet:    wallet,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter:   rate.NewLimiter(rate.Every(cfg.CallSpacing), 1),
		retries:   uint64(cfg.RetryLimit),
		retryWait: backoff.DefaultInitialInterval,
		minBounty: cfg.MinBounty,
		log:       log,
	}
}

// Wallet returns the address the client authenticates as.
func (c *Client) Wallet() common.Address {
	return c.wallet
}

// Browse lists open tasks matching the filter.
func (c *Client) Browse(ctx context.Context, f Filter) ([]Task, error) {
	q := url.Values{}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Get fetches the current remote view of one task. Reconciliation after a
// restart is built on it.
func (c *Client) Get(ctx context.Context, taskID uuid.UUID) (Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskID.String(), nil, &out); err != nil {
		return Task{}, err
	}
	return out, nil
}

// CreateTask publishes a bounty. Drafts with an empty evidence_required
// set or a bounty below the configured minimum never leave the process.
func (c *Client) CreateTask(ctx context.Context, d Draft) (uuid.UUID, error) {
	if len(d.EvidenceRequired) == 0 {
		return uuid.Nil, fmt.Errorf("%w: evidence_required is empty", ErrEvidenceShape)
	}
	for _, k := range d.EvidenceRequired {
		if !k.Valid() {
			return uuid.Nil, fmt.Errorf("%w: unknown kind %q", ErrEvidenceShape, k)
		}
	}
	if d.Bounty < c.minBounty {
		return uuid.Nil, fmt.Errorf("%w: %d < %d", ErrBountyTooLow, d.Bounty, c.minBounty)
	}
	var out struct {
		TaskID uuid.UUID `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks", d, &out); err != nil {
		return uuid.Nil, err
	}
	c.log.Info("task published",
		zap.Stringer("task", out.TaskID),
		zap.String("title", d.Title),
		zap.Uint64("bounty", d.Bounty))
	return out.TaskID, nil
}

// Apply registers intent to fulfill the task. A remote 409 comes back as
// ErrAlreadyApplied; callers treat it as confirmation, not failure.
func (c *Client) Apply(ctx context.Context, taskID uuid.UUID, message string) (string, error) {
	in := struct {
		Message string `json:"message"`
	}{message}
	var out struct {
		ApplicationID string `json:"application_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+taskID.String()+"/applications", in, &out); err != nil {
		if errors.Is(err, ErrConflict) {
			return "", ErrAlreadyApplied
		}
		return "", err
	}
	return out.ApplicationID, nil
}

// Applications lists registered applications for a task this wallet
// published, in marketplace order (earliest first).
func (c *Client) Applications(ctx context.Context, taskID uuid.UUID) ([]Application, error) {
	var out struct {
		Applications []Application `json:"applications"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskID.String()+"/applications", nil, &out); err != nil {
		return nil, err
	}
	return out.Applications, nil
}

// Assign picks the applicant for a task this wallet published.
func (c *Client) Assign(ctx context.Context, taskID uuid.UUID, applicationID string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+taskID.String()+"/applications/"+applicationID+"/assign", nil, nil)
}

// Submit delivers evidence for an assigned task. The evidence shape is
// validated locally first.
func (c *Client) Submit(ctx context.Context, taskID uuid.UUID, ev Evidence) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	in := struct {
		ExecutorID string   `json:"executor_id"`
		Evidence   Evidence `json:"evidence"`
	}{c.wallet.Hex(), ev}
	var out struct {
		SubmissionID string `json:"submission_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+taskID.String()+"/submissions", in, &out); err != nil {
		return "", err
	}
	return out.SubmissionID, nil
}

// Approve releases the escrow for a submission.
func (c *Client) Approve(ctx context.Context, taskID uuid.UUID, submissionID string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+taskID.String()+"/submissions/"+submissionID+"/approve", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	id := c.reqID.Inc()

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("X-Agent-Wallet", c.wallet.Hex())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			retriesCounter.Inc()
			c.log.Debug("marketplace call failed",
				zap.Uint64("req", id), zap.String("path", path), zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
			if out == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
			return nil
		case http.StatusConflict:
			return backoff.Permanent(ErrConflict)
		case http.StatusUnprocessableEntity:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrSchema, snippet(resp.Body)))
		case http.StatusTooManyRequests:
			retriesCounter.Inc()
			return ErrRateLimited
		case http.StatusForbidden:
			return backoff.Permanent(ErrUnauthorized)
		case http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		default:
			retriesCounter.Inc()
			return fmt.Errorf("unexpected status %s: %s", resp.Status, snippet(resp.Body))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryWait
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.retries), ctx))
	requestsCounter.WithLabelValues(outcomeLabel(err)).Inc()
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return string(bytes.TrimSpace(b))
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrSchema):
		return "schema"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
