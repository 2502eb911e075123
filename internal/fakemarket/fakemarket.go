// Package fakemarket hosts in-process doubles of the marketplace and the
// settlement facilitator. Tests drive the real HTTP clients against them;
// the handlers answer with the documented status codes, 409 on a duplicate
// application included.
package fakemarket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/karmacadabra/karma-go/pkg/market"
	"github.com/karmacadabra/karma-go/pkg/payment"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

// SettleTx is the transaction hash the facilitator double reports for
// every successful settlement.
var SettleTx = common.HexToHash("0x" + strings.Repeat("5e1f00d5", 8))

// Marketplace covers the endpoints the escrow machine and the role plans
// drive. One application per wallet per task; a second attempt answers
// 409 like the real service.
type Marketplace struct {
	mu     sync.Mutex
	tasks  map[uuid.UUID]*market.Task
	apps   map[uuid.UUID][]market.Application
	nextID int

	// ApplyHits and ApproveHits count the application and approval posts
	// that reached the server, retries included.
	ApplyHits   atomic.Int64
	ApproveHits atomic.Int64

	rejectCreate atomic.Int64
	latency      atomic.Duration

	srv *httptest.Server
}

// New starts a marketplace double and registers its shutdown with t.
func New(t testing.TB) *Marketplace {
	f := &Marketplace{
		tasks: make(map[uuid.UUID]*market.Task),
		apps:  make(map[uuid.UUID][]market.Application),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

// URL is the base address of the double.
func (f *Marketplace) URL() string {
	return f.srv.URL
}

// Client returns a marketplace client bound to this server and
// authenticated as wallet, with spacing and retries tightened for tests.
func (f *Marketplace) Client(t testing.TB, wallet common.Address) *market.Client {
	return market.NewClient(f.ClientConfig(), wallet, zaptest.NewLogger(t))
}

// ClientConfig is the marketplace section Client uses, for tests that
// build a whole agent configuration around the double.
func (f *Marketplace) ClientConfig() config.MarketplaceConfiguration {
	return config.MarketplaceConfiguration{
		URL:            f.srv.URL,
		RequestTimeout: 5 * time.Second,
		CallSpacing:    time.Millisecond,
		RetryLimit:     1,
		MinBounty:      1,
	}
}

// RejectCreates makes every following task creation answer the given
// status code. Zero restores normal handling.
func (f *Marketplace) RejectCreates(code int) {
	f.rejectCreate.Store(int64(code))
}

// SetLatency delays every following request by d.
func (f *Marketplace) SetLatency(d time.Duration) {
	f.latency.Store(d)
}

// Snapshot returns a copy of one stored task.
func (f *Marketplace) Snapshot(id uuid.UUID) (market.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return market.Task{}, false
	}
	return *t, true
}

// Tasks returns a copy of every stored task, in no particular order.
func (f *Marketplace) Tasks() []market.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks := make([]market.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		tasks = append(tasks, *t)
	}
	return tasks
}

// InjectSubmission records a delivery as if a client outside the test's
// control had made it, bypassing local evidence checks.
func (f *Marketplace) InjectSubmission(taskID uuid.UUID, executor common.Address, ev market.Evidence) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t := f.tasks[taskID]
	sub := market.Submission{
		ID:          fmt.Sprintf("sub-%d", f.nextID),
		TaskID:      taskID,
		Executor:    executor,
		Evidence:    ev,
		SubmittedAt: time.Now().UTC(),
	}
	t.State = market.StateSubmitted
	t.SubmissionID = sub.ID
	t.Submission = &sub
	return sub.ID
}

func (f *Marketplace) handle(w http.ResponseWriter, r *http.Request) {
	if d := f.latency.Load(); d > 0 {
		time.Sleep(d)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != "tasks" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 1 {
		if r.Method == http.MethodPost {
			f.create(w, r)
			return
		}
		f.list(w)
		return
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		http.Error(w, "bad task id", http.StatusUnprocessableEntity)
		return
	}
	task, ok := f.tasks[id]
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 2:
		writeJSON(w, http.StatusOK, task)
	case len(parts) == 3 && parts[2] == "applications" && r.Method == http.MethodPost:
		f.apply(w, r, task)
	case len(parts) == 3 && parts[2] == "applications":
		writeJSON(w, http.StatusOK, map[string]any{"applications": f.apps[id]})
	case len(parts) == 5 && parts[2] == "applications" && parts[4] == "assign":
		f.assign(w, task, parts[3])
	case len(parts) == 3 && parts[2] == "submissions":
		f.submit(w, r, task)
	case len(parts) == 5 && parts[2] == "submissions" && parts[4] == "approve":
		f.approve(w, task, parts[3])
	default:
		http.NotFound(w, r)
	}
}

func (f *Marketplace) create(w http.ResponseWriter, r *http.Request) {
	if code := f.rejectCreate.Load(); code != 0 {
		http.Error(w, `{"detail":"draft rejected"}`, int(code))
		return
	}
	var d market.Draft
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	t := market.Task{
		ID:               uuid.New(),
		Publisher:        common.HexToAddress(r.Header.Get("X-Agent-Wallet")),
		Title:            d.Title,
		Description:      d.Description,
		Category:         d.Category,
		Bounty:           d.Bounty,
		EvidenceRequired: d.EvidenceRequired,
		Deadline:         d.Deadline,
		State:            market.StatePublished,
		CreatedAt:        time.Now().UTC(),
	}
	f.tasks[t.ID] = &t
	writeJSON(w, http.StatusCreated, map[string]any{"task_id": t.ID})
}

func (f *Marketplace) list(w http.ResponseWriter) {
	tasks := make([]market.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		tasks = append(tasks, *t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (f *Marketplace) apply(w http.ResponseWriter, r *http.Request, t *market.Task) {
	f.ApplyHits.Inc()
	applicant := common.HexToAddress(r.Header.Get("X-Agent-Wallet"))
	for _, a := range f.apps[t.ID] {
		if a.Applicant == applicant {
			http.Error(w, "already applied", http.StatusConflict)
			return
		}
	}
	var in struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	f.nextID++
	app := market.Application{
		ID:        fmt.Sprintf("app-%d", f.nextID),
		TaskID:    t.ID,
		Applicant: applicant,
		Message:   in.Message,
		CreatedAt: time.Now().UTC(),
	}
	f.apps[t.ID] = append(f.apps[t.ID], app)
	t.State = market.StateApplied
	t.ApplicationID = app.ID
	writeJSON(w, http.StatusCreated, map[string]any{"application_id": app.ID})
}

func (f *Marketplace) assign(w http.ResponseWriter, t *market.Task, appID string) {
	for _, a := range f.apps[t.ID] {
		if a.ID == appID {
			t.State = market.StateAssigned
			t.Assignee = a.Applicant
			t.ApplicationID = appID
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
	}
	http.Error(w, "unknown application", http.StatusNotFound)
}

func (f *Marketplace) submit(w http.ResponseWriter, r *http.Request, t *market.Task) {
	var in struct {
		ExecutorID string          `json:"executor_id"`
		Evidence   market.Evidence `json:"evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	f.nextID++
	sub := market.Submission{
		ID:          fmt.Sprintf("sub-%d", f.nextID),
		TaskID:      t.ID,
		Executor:    common.HexToAddress(in.ExecutorID),
		Evidence:    in.Evidence,
		SubmittedAt: time.Now().UTC(),
	}
	t.State = market.StateSubmitted
	t.SubmissionID = sub.ID
	t.Submission = &sub
	writeJSON(w, http.StatusCreated, map[string]any{"submission_id": sub.ID})
}

func (f *Marketplace) approve(w http.ResponseWriter, t *market.Task, subID string) {
	f.ApproveHits.Inc()
	if t.Submission == nil || t.Submission.ID != subID {
		http.Error(w, "unknown submission", http.StatusNotFound)
		return
	}
	t.State = market.StateApproved
	writeJSON(w, http.StatusOK, map[string]any{})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Facilitator records settlement bodies and can fail the first N calls
// with a 500.
type Facilitator struct {
	mu    sync.Mutex
	fail  int
	calls [][]byte
	srv   *httptest.Server
}

// NewFacilitator starts a facilitator double whose first fail calls
// answer 500.
func NewFacilitator(t testing.TB, fail int) *Facilitator {
	f := &Facilitator{fail: fail}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.calls = append(f.calls, body)
		failNow := f.fail > 0
		if failNow {
			f.fail--
		}
		f.mu.Unlock()
		if failNow {
			http.Error(w, "executor unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, payment.Receipt{TxHash: SettleTx, SettledAt: time.Now().UTC()})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

// Client returns a facilitator client bound to this server.
func (f *Facilitator) Client(t testing.TB) *payment.Facilitator {
	return payment.NewFacilitator(f.ClientConfig(), zaptest.NewLogger(t))
}

// ClientConfig is the facilitator section Client uses.
func (f *Facilitator) ClientConfig() config.FacilitatorConfiguration {
	return config.FacilitatorConfiguration{
		URL:            f.srv.URL,
		RequestTimeout: 5 * time.Second,
	}
}

// Bodies returns a copy of every settlement request body received so far.
func (f *Facilitator) Bodies() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.calls...)
}
