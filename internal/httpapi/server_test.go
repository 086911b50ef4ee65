package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/ordersync/internal/ordersync"
)

const (
	testWebhookSecret = "whsec_test"
	testAdminToken    = "admin_test_token"
)

type fakeReconciler struct {
	dispatchTopics []string
	dispatchOrders []ordersync.ForeignOrder
	dispatchErr    error
	result         *ordersync.Result

	batches [][]ordersync.ActionRequest
}

func (f *fakeReconciler) Dispatch(_ context.Context, topic string, order ordersync.ForeignOrder) (*ordersync.Result, error) {
	f.dispatchTopics = append(f.dispatchTopics, topic)
	f.dispatchOrders = append(f.dispatchOrders, order)
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &ordersync.Result{DealID: "deal_1", Operation: ordersync.OperationCreate, Verified: true, Attempts: 1}, nil
}

func (f *fakeReconciler) RunActionBatch(_ context.Context, actions []ordersync.ActionRequest) []ordersync.ActionOutcome {
	f.batches = append(f.batches, actions)
	outcomes := make([]ordersync.ActionOutcome, len(actions))
	for i, action := range actions {
		outcomes[i] = ordersync.ActionOutcome{
			Index:          i,
			Kind:           action.Kind,
			SourceRecordID: action.SourceRecordID,
			Fingerprint:    action.Fingerprint,
			Status:         "ok",
		}
	}
	return outcomes
}

func newTestServer(t *testing.T, rec *fakeReconciler) (*httptest.Server, *ordersync.Store) {
	t.Helper()
	store := ordersync.NewStore(ordersync.StoreOptions{})
	if err := store.Open(); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)
	srv := NewServer(ServerConfig{
		WebhookSecret: testWebhookSecret,
		AdminToken:    testAdminToken,
	}, store, rec)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, store
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, ts *httptest.Server, topic string, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/webhooks/orders", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if topic != "" {
		req.Header.Set("X-Webhook-Topic", topic)
	}
	if signature != "" {
		req.Header.Set("X-Webhook-Hmac-Sha256", signature)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthReportsCounts(t *testing.T) {
	ts, store := newTestServer(t, &fakeReconciler{})
	store.AppendEvent(ordersync.InboundEvent{Topic: "orders/create", Body: json.RawMessage(`{}`)})

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", payload["status"])
	}
	if payload["events"].(float64) != 1 {
		t.Fatalf("expected 1 event, got %v", payload["events"])
	}
}

func TestWebhookDispatchesSignedDelivery(t *testing.T) {
	rec := &fakeReconciler{}
	ts, store := newTestServer(t, rec)

	body := []byte(`{"id":"1001","financial_status":"paid","line_items":[]}`)
	resp := postWebhook(t, ts, "orders/create", body, signBody(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", payload["status"])
	}
	eventID, _ := payload["eventId"].(string)
	if eventID == "" {
		t.Fatalf("expected eventId in response, got %v", payload)
	}
	if _, err := store.GetEvent(eventID); err != nil {
		t.Fatalf("expected archived event %s: %v", eventID, err)
	}
	if len(rec.dispatchTopics) != 1 || rec.dispatchTopics[0] != "orders/create" {
		t.Fatalf("expected one dispatch for orders/create, got %v", rec.dispatchTopics)
	}
	if rec.dispatchOrders[0].ID != "1001" {
		t.Fatalf("expected order 1001, got %q", rec.dispatchOrders[0].ID)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	rec := &fakeReconciler{}
	ts, _ := newTestServer(t, rec)

	body := []byte(`{"id":"1001"}`)

	resp := postWebhook(t, ts, "orders/create", body, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing signature, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	wrong := signBody([]byte(`{"id":"other"}`))
	resp = postWebhook(t, ts, "orders/create", body, wrong)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong signature, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["code"] != "invalid_signature" {
		t.Fatalf("expected invalid_signature, got %v", payload["code"])
	}
	if len(rec.dispatchTopics) != 0 {
		t.Fatalf("expected no dispatches for rejected deliveries, got %d", len(rec.dispatchTopics))
	}
}

func TestWebhookTerminalFailureDoesNotRequestRedelivery(t *testing.T) {
	rec := &fakeReconciler{dispatchErr: fmt.Errorf("order is missing required fields: %w", ordersync.ErrValidation)}
	ts, _ := newTestServer(t, rec)

	body := []byte(`{"id":"1002"}`)
	resp := postWebhook(t, ts, "orders/create", body, signBody(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for terminal failure, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["status"] != "rejected" {
		t.Fatalf("expected status rejected, got %v", payload["status"])
	}
}

func TestWebhookTransientFailureReturns502(t *testing.T) {
	rec := &fakeReconciler{dispatchErr: fmt.Errorf("deal create: %w", ordersync.ErrNetwork)}
	ts, _ := newTestServer(t, rec)

	body := []byte(`{"id":"1003"}`)
	resp := postWebhook(t, ts, "orders/updated", body, signBody(body))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for transient failure, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["code"] != "reconciliation_failed" {
		t.Fatalf("expected reconciliation_failed, got %v", payload["code"])
	}
}

func TestActionsRequireAdminToken(t *testing.T) {
	ts, _ := newTestServer(t, &fakeReconciler{})

	resp, err := ts.Client().Post(ts.URL+"/v1/actions", "application/json", strings.NewReader(`{"actions":[]}`))
	if err != nil {
		t.Fatalf("post actions: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func postActions(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/actions", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("post actions: %v", err)
	}
	return resp
}

func TestActionsBatchReportsPartialOutcome(t *testing.T) {
	rec := &fakeReconciler{}
	ts, _ := newTestServer(t, rec)

	body := `{"actions":[
		{"kind":"refund_create","sourceRecordId":"deal_5","payload":{"order_id":"1001","amount":12.5}},
		{"kind":"refund_create","sourceRecordId":"deal_6","payload":{"amount":3}},
		{"kind":"fulfillment_trigger","sourceRecordId":"deal_7","payload":{"order_id":"1002"}}
	]}`
	resp := postActions(t, ts, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["status"] != "partial" {
		t.Fatalf("expected partial status, got %v", payload["status"])
	}
	outcomes := payload["outcomes"].([]any)
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	first := outcomes[0].(map[string]any)
	if first["status"] != "ok" || first["index"].(float64) != 0 {
		t.Fatalf("unexpected first outcome: %v", first)
	}
	second := outcomes[1].(map[string]any)
	if second["status"] != "failed" {
		t.Fatalf("expected second item to fail validation, got %v", second)
	}
	third := outcomes[2].(map[string]any)
	if third["status"] != "ok" || third["index"].(float64) != 2 {
		t.Fatalf("unexpected third outcome: %v", third)
	}
	if len(rec.batches) != 1 || len(rec.batches[0]) != 2 {
		t.Fatalf("expected one batch with 2 runnable actions, got %v", rec.batches)
	}
}

func TestActionsEmptyBatchIsRejected(t *testing.T) {
	ts, _ := newTestServer(t, &fakeReconciler{})

	resp := postActions(t, ts, `{"actions":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func adminRequest(t *testing.T, ts *httptest.Server, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestAdminOperationsListAndClear(t *testing.T) {
	ts, store := newTestServer(t, &fakeReconciler{})
	for i := 0; i < 3; i++ {
		store.AppendOperation(ordersync.OperationRecord{
			Kind:    ordersync.OperationCreate,
			DealID:  fmt.Sprintf("deal_%d", i),
			OrderID: fmt.Sprintf("10%d", i),
			Success: true,
		})
	}

	resp := adminRequest(t, ts, http.MethodGet, "/v1/admin/operations?limit=2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["count"].(float64) != 3 {
		t.Fatalf("expected count 3, got %v", payload["count"])
	}
	records := payload["operations"].([]any)
	if len(records) != 2 {
		t.Fatalf("expected limit of 2 records, got %d", len(records))
	}
	newest := records[0].(map[string]any)
	if newest["dealId"] != "deal_2" {
		t.Fatalf("expected newest first, got %v", newest["dealId"])
	}

	resp = adminRequest(t, ts, http.MethodDelete, "/v1/admin/operations")
	payload = decodeBody(t, resp)
	if payload["cleared"].(float64) != 3 {
		t.Fatalf("expected 3 cleared, got %v", payload["cleared"])
	}
	if store.CountOperations() != 0 {
		t.Fatalf("expected empty ledger, got %d", store.CountOperations())
	}
}

func TestAdminEventsRequireToken(t *testing.T) {
	ts, _ := newTestServer(t, &fakeReconciler{})

	resp, err := ts.Client().Get(ts.URL + "/v1/admin/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdminReplayRedispatchesArchivedEvent(t *testing.T) {
	rec := &fakeReconciler{}
	ts, store := newTestServer(t, rec)
	event := store.AppendEvent(ordersync.InboundEvent{
		Topic: "orders/updated",
		Body:  json.RawMessage(`{"id":"2002","financial_status":"refunded","line_items":[]}`),
	})

	resp := adminRequest(t, ts, http.MethodPost, "/v1/admin/replay/"+event.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", payload["status"])
	}
	if len(rec.dispatchTopics) != 1 || rec.dispatchTopics[0] != "orders/updated" {
		t.Fatalf("expected replay dispatch for orders/updated, got %v", rec.dispatchTopics)
	}
	if rec.dispatchOrders[0].ID != "2002" {
		t.Fatalf("expected order 2002, got %q", rec.dispatchOrders[0].ID)
	}

	resp = adminRequest(t, ts, http.MethodPost, "/v1/admin/replay/evt_missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown event, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestLiveStreamDeliversLedgerEntries(t *testing.T) {
	ts, store := newTestServer(t, &fakeReconciler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/admin/operations/live?token=" + testAdminToken
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	store.AppendOperation(ordersync.OperationRecord{
		Kind:    ordersync.OperationUpdate,
		DealID:  "deal_live",
		OrderID: "3003",
		Success: true,
	})

	var record ordersync.OperationRecord
	if err := wsjson.Read(ctx, conn, &record); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if record.DealID != "deal_live" || record.Kind != ordersync.OperationUpdate {
		t.Fatalf("unexpected streamed record: %+v", record)
	}
}

func TestLiveStreamRejectsMissingToken(t *testing.T) {
	ts, _ := newTestServer(t, &fakeReconciler{})

	resp, err := ts.Client().Get(ts.URL + "/v1/admin/operations/live")
	if err != nil {
		t.Fatalf("get live: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWebhookRateLimitKicksIn(t *testing.T) {
	rec := &fakeReconciler{}
	store := ordersync.NewStore(ordersync.StoreOptions{})
	if err := store.Open(); err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	srv := NewServer(ServerConfig{
		WebhookSecret: testWebhookSecret,
		AdminToken:    testAdminToken,
		RateLimitMax:  2,
	}, store, rec)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	body := []byte(`{"id":"4004"}`)
	signature := signBody(body)
	for i := 0; i < 2; i++ {
		resp := postWebhook(t, ts, "orders/create", body, signature)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 on request %d, got %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}
	resp := postWebhook(t, ts, "orders/create", body, signature)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUnknownRouteReturns404(t *testing.T) {
	ts, _ := newTestServer(t, &fakeReconciler{})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/nope", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Correlation-Id", "corr_123")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["correlationId"] != "corr_123" {
		t.Fatalf("expected correlation id echoed, got %v", payload["correlationId"])
	}
}
