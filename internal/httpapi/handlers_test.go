package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"reddog.dev/internal/approval"
	"reddog.dev/internal/auth"
	"reddog.dev/internal/billing"
	"reddog.dev/internal/bridge"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	return newTestAPIWith(t, approval.NewRegistry())
}

func newTestAPIWith(t *testing.T, reg *approval.Registry) *apiClient {
	t.Helper()

	t.Setenv("REDDOG_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	svc := billing.NewService(billing.NewInMemory())
	api := New(ReadyProbe{}, "test", svc, reg, bridge.New(), auth.NewVerifier())
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(actor string, scopes []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"actor_id": actor,
		"scopes":   scopes,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPIBillingFlow(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("ops", []string{"billing"})
	authHeader := map[string]string{"Authorization": "Bearer " + token}

	// Provision a starter account.
	resp := api.post("/v1/accounts", map[string]any{
		"account_id": "farm-42",
		"email":      "grower@example.com",
		"name":       "Farm 42",
		"plan":       "starter",
	}, authHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected provision status: %d", resp.StatusCode)
	}
	acct := decode[billing.Account](t, resp)
	if acct.Credits != 1000 {
		t.Fatalf("expected starter grant of 1000, got %d", acct.Credits)
	}

	// Advisory check for a farm query.
	resp = api.post("/v1/billing/check", map[string]any{
		"account_id": "farm-42",
		"operation":  "farm_query",
	}, authHeader)
	check := decode[billing.CheckResult](t, resp)
	if !check.Allowed || check.Required != 2 {
		t.Fatalf("unexpected check result: %+v", check)
	}

	// Consume and verify the balance moved.
	resp = api.post("/v1/billing/consume", map[string]any{
		"account_id": "farm-42",
		"operation":  "farm_query",
	}, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected consume status: %d", resp.StatusCode)
	}
	consumed := decode[billing.ConsumeResult](t, resp)
	if consumed.Consumed != 2 || consumed.Remaining != 998 {
		t.Fatalf("unexpected consume result: %+v", consumed)
	}

	resp = api.get("/v1/accounts/farm-42/balance", nil, authHeader)
	bal := decode[billing.Balance](t, resp)
	if bal.Credits != 998 {
		t.Fatalf("expected 998 credits, got %d", bal.Credits)
	}

	// Credit from a payment confirmation.
	resp = api.post("/v1/billing/credit", map[string]any{
		"account_id": "farm-42",
		"credits":    120,
		"source":     "payment",
	}, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected credit status: %d", resp.StatusCode)
	}

	// Summary reflects grant, debit, credit, newest first.
	resp = api.get("/v1/billing/summary/farm-42", nil, authHeader)
	sum := decode[billing.Summary](t, resp)
	if sum.Account.Credits != 1118 {
		t.Fatalf("expected 1118 credits, got %d", sum.Account.Credits)
	}
	if len(sum.Transactions) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(sum.Transactions))
	}
	if sum.Transactions[0].Operation != "credit_added" {
		t.Fatalf("expected newest transaction first, got %q", sum.Transactions[0].Operation)
	}
}

func TestAPIInsufficientCredits(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("ops", nil)
	authHeader := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/accounts", map[string]any{
		"account_id": "tiny",
		"plan":       "starter",
	}, authHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected provision status: %d", resp.StatusCode)
	}

	resp = api.post("/v1/billing/consume", map[string]any{
		"account_id": "tiny",
		"operation":  "export_data",
		"amount":     5000,
	}, authHeader)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Balance untouched by the failed debit.
	resp = api.get("/v1/accounts/tiny/balance", nil, authHeader)
	bal := decode[billing.Balance](t, resp)
	if bal.Credits != 1000 {
		t.Fatalf("expected 1000 credits, got %d", bal.Credits)
	}
}

func TestAPIUnknownAccount(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("ops", nil)
	authHeader := map[string]string{"Authorization": "Bearer " + token}

	resp := api.get("/v1/accounts/ghost/balance", nil, authHeader)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIApprovalLifecycle(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("reviewer", []string{"approvals"})
	authHeader := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/approvals/events", map[string]any{
		"provider":   "johndeere",
		"data_type":  "field_operations",
		"request_id": "req-1",
		"payload":    []map[string]any{{"field": "north"}, {"field": "south"}},
	}, authHeader)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected enqueue status: %d", resp.StatusCode)
	}
	receipt := decode[approval.Receipt](t, resp)
	if receipt.RecordCount != 2 {
		t.Fatalf("expected 2 records, got %d", receipt.RecordCount)
	}

	// Shows up in the pending list.
	resp = api.get("/v1/approvals", url.Values{"provider": {"johndeere"}}, authHeader)
	listing := decode[struct {
		Count int `json:"count"`
	}](t, resp)
	if listing.Count != 1 {
		t.Fatalf("expected 1 pending, got %d", listing.Count)
	}

	// Approve fires once and carries the actor from the token.
	resp = api.post("/v1/approvals/"+receipt.ApprovalID+"/approve", nil, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected approve status: %d", resp.StatusCode)
	}
	data := decode[approval.ApprovedData](t, resp)
	if data.ApprovedBy != "reviewer" {
		t.Fatalf("expected actor reviewer, got %q", data.ApprovedBy)
	}

	// Second decision conflicts.
	resp = api.post("/v1/approvals/"+receipt.ApprovalID+"/deny", map[string]any{
		"reason": "too late",
	}, authHeader)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/approvals/stats", nil, authHeader)
	stats := decode[approval.Stats](t, resp)
	if stats.Approved != 1 || stats.Pending != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAPIDenyRemovesRequest(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("reviewer", nil)
	authHeader := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/approvals/events", map[string]any{
		"provider":   "climate",
		"data_type":  "weather",
		"request_id": "req-2",
		"payload":    map[string]any{"data": []int{1, 2, 3}},
	}, authHeader)
	receipt := decode[approval.Receipt](t, resp)

	resp = api.post("/v1/approvals/"+receipt.ApprovalID+"/deny", nil, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected deny status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/approvals/"+receipt.ApprovalID, nil, authHeader)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after deny, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIDecisionFeedStreams(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("reviewer", nil)
	authHeader := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/approvals/events", map[string]any{
		"provider":   "johndeere",
		"data_type":  "field_operations",
		"request_id": "req-feed",
		"payload":    map[string]any{"field": "north"},
	}, authHeader)
	receipt := decode[approval.Receipt](t, resp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/approvals/feed", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	feed, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open feed: %v", err)
	}
	defer feed.Body.Close()
	if ct := feed.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// The opening comment flushes before any decision, proving the
	// stream is live end to end, not only on connection teardown.
	reader := bufio.NewReader(feed.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read stream preamble: %v", err)
	}
	if !strings.HasPrefix(line, ":") {
		t.Fatalf("unexpected preamble %q", line)
	}

	go func() {
		r := api.post("/v1/approvals/"+receipt.ApprovalID+"/approve", nil, authHeader)
		r.Body.Close()
	}()

	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ack bridge.DecisionAck
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ack); err != nil {
			t.Fatalf("decode ack frame: %v", err)
		}
		if ack.ApprovalID != receipt.ApprovalID || ack.Status != "approved" {
			t.Fatalf("unexpected ack: %+v", ack)
		}
		return
	}
}

func TestAPIRequiresToken(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/approvals/stats", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz to stay public, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// reasonRecorder captures denial reasons handed to the audit sink.
type reasonRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (a *reasonRecorder) InsertApproval(ctx context.Context, req approval.Request) error {
	return nil
}

func (a *reasonRecorder) UpdateApprovalStatus(ctx context.Context, id string, status approval.Status, actor, reason string, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasons = append(a.reasons, reason)
	return nil
}

func TestAPIDenyChunkedBodyKeepsReason(t *testing.T) {
	sink := &reasonRecorder{}
	api := newTestAPIWith(t, approval.NewRegistry(approval.WithAudit(sink)))
	token := api.obtainToken("reviewer", nil)
	authHeader := map[string]string{"Authorization": "Bearer " + token}

	resp := api.post("/v1/approvals/events", map[string]any{
		"provider":   "climate",
		"data_type":  "weather",
		"request_id": "req-chunked",
		"payload":    map[string]any{"ok": true},
	}, authHeader)
	receipt := decode[approval.Receipt](t, resp)

	// NopCloser hides the reader's length, forcing chunked encoding.
	body := io.NopCloser(strings.NewReader(`{"reason":"sensor drift"}`))
	req, err := http.NewRequest(http.MethodPost, api.baseURL+"/v1/approvals/"+receipt.ApprovalID+"/deny", body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	dr, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	defer dr.Body.Close()
	if dr.StatusCode != http.StatusOK {
		t.Fatalf("unexpected deny status: %d", dr.StatusCode)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.reasons) != 1 || sink.reasons[0] != "sensor drift" {
		t.Fatalf("denial reason dropped: %v", sink.reasons)
	}
}

func TestAPIRejectsBadJSON(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("ops", nil)

	req, err := http.NewRequest(http.MethodPost, api.baseURL+"/v1/billing/consume", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
