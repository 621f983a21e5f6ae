package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/consultd/internal/config"
	"github.com/basket/consultd/internal/gateway"
	"github.com/basket/consultd/internal/mandate"
	"github.com/basket/consultd/internal/orchestrator"
	"github.com/basket/consultd/internal/persistence"
)

// stubBrain keeps gateway tests offline and deterministic.
type stubBrain struct {
	reply string
}

func (b *stubBrain) Generate(ctx context.Context, systemInstruction, prompt string) (string, error) {
	return b.reply, nil
}

func newTestServer(t *testing.T, mutate func(*gateway.Config)) *httptest.Server {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "consultd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mandates := mandate.NewService(store, logger, "merchant-test", gateway.AgentName, 24*time.Hour, time.Hour)
	orch := orchestrator.New(store, mandates, &stubBrain{reply: "Deterministic consulting output."}, logger, nil, time.Second)

	cfg := gateway.Config{
		Store:             store,
		Mandates:          mandates,
		Orchestrator:      orch,
		Logger:            logger,
		BaseURL:           "http://test",
		MerchantName:      gateway.AgentName,
		ConfigFingerprint: "cfg-test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  map[string]any  `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func rpcCall(t *testing.T, ts *httptest.Server, method string, params any) rpcEnvelope {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(ts.URL+"/a2a", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", method, err)
	}
	defer resp.Body.Close()

	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode %s response: %v", method, err)
	}
	return env
}

func mustResult(t *testing.T, env rpcEnvelope, method string) map[string]any {
	t.Helper()
	if env.Error != nil {
		t.Fatalf("%s returned error %d: %s", method, env.Error.Code, env.Error.Message)
	}
	return env.Result
}

func textMessage(text string) map[string]any {
	return map[string]any{
		"role":  "user",
		"parts": []map[string]any{{"type": "text", "text": text}},
	}
}

func TestFullPaymentFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	intent := mustResult(t, rpcCall(t, ts, "createIntentMandate", map[string]any{
		"description": "I need quick advice",
		"skillId":     "quick-consult",
	}), "createIntentMandate")
	if intent["success"] != true {
		t.Fatalf("intent result: %v", intent)
	}

	cartRes := mustResult(t, rpcCall(t, ts, "createCartMandate", map[string]any{
		"skillId":         "quick-consult",
		"taskDescription": "pricing strategy for a bakery",
	}), "createCartMandate")
	cartID, _ := cartRes["cart_id"].(string)
	if cartID == "" {
		t.Fatalf("missing cart_id: %v", cartRes)
	}
	cartDoc, _ := cartRes["cart_mandate"].(map[string]any)
	contents, _ := cartDoc["contents"].(map[string]any)
	pr, _ := contents["payment_request"].(map[string]any)
	details, _ := pr["details"].(map[string]any)
	total, _ := details["total"].(map[string]any)
	amount, _ := total["amount"].(map[string]any)
	if amount["value"] != "25.00" || amount["currency"] != "USD" {
		t.Fatalf("expected 25.00 USD cart, got %v", amount)
	}

	payRes := mustResult(t, rpcCall(t, ts, "processPayment", map[string]any{
		"cartId": cartID,
	}), "processPayment")
	pmID, _ := payRes["payment_mandate_id"].(string)
	if pmID == "" {
		t.Fatalf("missing payment_mandate_id: %v", payRes)
	}
	if payRes["status"] != "authorized" {
		t.Fatalf("expected authorized, got %v", payRes["status"])
	}

	submitRes := mustResult(t, rpcCall(t, ts, "submitTask", map[string]any{
		"skillId":          "quick-consult",
		"message":          textMessage("how should I price croissants?"),
		"paymentMandateId": pmID,
	}), "submitTask")
	if submitRes["status"] != "completed" {
		t.Fatalf("expected completed, got %v", submitRes["status"])
	}
	taskID, _ := submitRes["taskId"].(string)
	if taskID == "" {
		t.Fatal("missing taskId")
	}
	artifacts, _ := submitRes["artifacts"].([]any)
	if len(artifacts) != 1 {
		t.Fatalf("expected one artifact, got %v", submitRes["artifacts"])
	}
	artifact, _ := artifacts[0].(map[string]any)
	if artifact["name"] != "quick-consult_report" || artifact["mimeType"] != "text/plain" {
		t.Fatalf("unexpected artifact: %v", artifact)
	}
	meta, _ := submitRes["metadata"].(map[string]any)
	if meta["payment_protocol"] != "ap2" || meta["billable"] != true {
		t.Fatalf("unexpected metadata: %v", meta)
	}
	if meta["price"] != 25.00 {
		t.Fatalf("expected price 25.00, got %v", meta["price"])
	}

	statusRes := mustResult(t, rpcCall(t, ts, "getTaskStatus", map[string]any{
		"taskId": taskID,
	}), "getTaskStatus")
	if statusRes["status"] != "completed" {
		t.Fatalf("expected completed, got %v", statusRes["status"])
	}
	if _, ok := statusRes["metadata"]; !ok {
		t.Fatal("completed status should carry billing metadata")
	}

	msgRes := mustResult(t, rpcCall(t, ts, "sendMessage", map[string]any{
		"taskId":  taskID,
		"message": textMessage("and for baguettes?"),
	}), "sendMessage")
	if msgRes["status"] != "working" {
		t.Fatalf("expected working, got %v", msgRes["status"])
	}
}

func TestSubmitWithoutPaymentRequiresMandateFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	res := mustResult(t, rpcCall(t, ts, "submitTask", map[string]any{
		"skillId": "business-analysis",
		"message": textMessage("analyze my business"),
	}), "submitTask")
	if res["status"] != "payment_required" {
		t.Fatalf("expected payment_required, got %v", res["status"])
	}
	steps, _ := res["next_steps"].([]any)
	want := []string{"createIntentMandate", "createCartMandate", "processPayment"}
	if len(steps) != len(want) {
		t.Fatalf("expected %d next steps, got %v", len(want), res["next_steps"])
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("next_steps[%d] = %v, want %s", i, steps[i], want[i])
		}
	}
	msg, _ := res["message"].(map[string]any)
	parts, _ := msg["parts"].([]any)
	part, _ := parts[0].(map[string]any)
	text, _ := part["text"].(string)
	if !strings.Contains(text, "Payment required: $50.00 USD") {
		t.Fatalf("unexpected message text %q", text)
	}
}

func TestDoubleSpendRejected(t *testing.T) {
	ts := newTestServer(t, nil)

	cartRes := mustResult(t, rpcCall(t, ts, "createCartMandate", map[string]any{
		"skillId": "quick-consult",
	}), "createCartMandate")
	cartID, _ := cartRes["cart_id"].(string)

	mustResult(t, rpcCall(t, ts, "processPayment", map[string]any{"cartId": cartID}), "processPayment")
	env := rpcCall(t, ts, "processPayment", map[string]any{"cartId": cartID})
	if env.Error == nil || env.Error.Code != gateway.ErrCodeConflict {
		t.Fatalf("expected conflict error, got %+v", env.Error)
	}
	if !strings.Contains(env.Error.Message, "already used") {
		t.Fatalf("unexpected message %q", env.Error.Message)
	}
}

func TestRPCErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)

	cases := []struct {
		name   string
		method string
		params any
		code   int
	}{
		{"unknown method", "teleport", nil, gateway.ErrCodeMethodNotFound},
		{"unknown skill", "createCartMandate", map[string]any{"skillId": "alchemy"}, gateway.ErrCodeValidation},
		{"missing required param", "createCartMandate", map[string]any{}, gateway.ErrCodeValidation},
		{"unknown cart", "processPayment", map[string]any{"cartId": "ghost"}, gateway.ErrCodeNotFound},
		{"unknown task", "getTaskStatus", map[string]any{"taskId": "ghost"}, gateway.ErrCodeNotFound},
		{"unknown conversation", "sendMessage", map[string]any{"taskId": "ghost"}, gateway.ErrCodeNotFound},
	}
	for _, tc := range cases {
		env := rpcCall(t, ts, tc.method, tc.params)
		if env.Error == nil {
			t.Errorf("%s: expected error, got result %v", tc.name, env.Result)
			continue
		}
		if env.Error.Code != tc.code {
			t.Errorf("%s: code = %d, want %d (%s)", tc.name, env.Error.Code, tc.code, env.Error.Message)
		}
	}
}

func TestValidationErrorNamesField(t *testing.T) {
	ts := newTestServer(t, nil)
	env := rpcCall(t, ts, "createCartMandate", map[string]any{})
	if env.Error == nil || env.Error.Code != gateway.ErrCodeValidation {
		t.Fatalf("expected validation error, got %+v", env.Error)
	}
	if !strings.Contains(env.Error.Message, "skillId") {
		t.Fatalf("error should name the missing field, got %q", env.Error.Message)
	}
}

func TestParseAndVersionErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/a2a", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if env.Error == nil || env.Error.Code != gateway.ErrCodeParse {
		t.Fatalf("expected parse error, got %+v", env.Error)
	}

	resp, err = http.Post(ts.URL+"/a2a", "application/json", strings.NewReader(`{"jsonrpc":"1.0","method":"submitTask"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if env.Error == nil || env.Error.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", env.Error)
	}

	getResp, err := http.Get(ts.URL + "/a2a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /a2a: expected 405, got %d", getResp.StatusCode)
	}
}

func TestAgentCard(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/.well-known/agent.json")
	if err != nil {
		t.Fatalf("get agent card: %v", err)
	}
	defer resp.Body.Close()

	var card gateway.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if card.Name != gateway.AgentName {
		t.Fatalf("unexpected name %q", card.Name)
	}
	if !card.AP2.Supported || card.AP2.Version != "0.1" {
		t.Fatalf("unexpected ap2 block: %+v", card.AP2)
	}
	if len(card.AP2.MandateTypes) != 3 {
		t.Fatalf("expected intent/cart/payment mandate types, got %v", card.AP2.MandateTypes)
	}
	if len(card.Skills) != 4 {
		t.Fatalf("expected 4 skills, got %d", len(card.Skills))
	}
	for _, skill := range card.Skills {
		if skill.Pricing.Currency != "USD" || skill.Pricing.Model != "per_transaction" {
			t.Fatalf("unexpected pricing: %+v", skill.Pricing)
		}
	}
}

func TestHealthzAndRoot(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health["healthy"] != true || health["db_ok"] != true {
		t.Fatalf("unexpected health payload: %v", health)
	}

	rootResp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer rootResp.Body.Close()
	var info map[string]any
	if err := json.NewDecoder(rootResp.Body).Decode(&info); err != nil {
		t.Fatalf("decode root: %v", err)
	}
	if info["agent"] != gateway.AgentName || info["payment_protocol"] != "AP2 v0.1" {
		t.Fatalf("unexpected info payload: %v", info)
	}
	services, _ := info["services"].([]any)
	if len(services) != 4 {
		t.Fatalf("expected 4 services, got %v", info["services"])
	}
}

func TestMandateRetrievalEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	cartRes := mustResult(t, rpcCall(t, ts, "createCartMandate", map[string]any{
		"skillId": "quick-consult",
	}), "createCartMandate")
	cartID, _ := cartRes["cart_id"].(string)
	payRes := mustResult(t, rpcCall(t, ts, "processPayment", map[string]any{"cartId": cartID}), "processPayment")
	pmID, _ := payRes["payment_mandate_id"].(string)

	resp, err := http.Get(ts.URL + "/mandates/cart/" + cartID)
	if err != nil {
		t.Fatalf("get cart mandate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cart retrieval: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/mandates/payment/" + pmID)
	if err != nil {
		t.Fatalf("get payment mandate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("payment retrieval: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/mandates/cart/ghost")
	if err != nil {
		t.Fatalf("get missing cart: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing cart: expected 404, got %d", resp.StatusCode)
	}
}

func TestRateLimitRejects(t *testing.T) {
	ts := newTestServer(t, func(cfg *gateway.Config) {
		cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 1}
	})

	first, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", first.StatusCode)
	}

	second, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// Health stays reachable under rate limiting.
	health, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", health.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, func(cfg *gateway.Config) {
		cfg.CORS = config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://shop.example"}}
	})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/a2a", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://shop.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "https://shop.example" {
		t.Fatalf("missing allow-origin header, got %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}

	// Unlisted origins get no CORS headers.
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unlisted origin should not receive CORS headers")
	}
}

func TestAuthTokenGatesRPC(t *testing.T) {
	ts := newTestServer(t, func(cfg *gateway.Config) {
		cfg.AuthToken = "sekrit"
	})

	body := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"getTaskStatus","params":{"taskId":"x"}}`)
	resp, err := http.Post(ts.URL+"/a2a", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated rpc: expected 401, got %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/a2a",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"createCartMandate","params":{"skillId":"quick-consult"}}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sekrit")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed rpc: %v", err)
	}
	defer authed.Body.Close()
	var env rpcEnvelope
	if err := json.NewDecoder(authed.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error != nil {
		t.Fatalf("authed rpc failed: %+v", env.Error)
	}

	mandates, err := http.Get(ts.URL + "/mandates/cart/ghost")
	if err != nil {
		t.Fatalf("get mandate: %v", err)
	}
	mandates.Body.Close()
	if mandates.StatusCode != http.StatusUnauthorized {
		t.Fatalf("mandate retrieval: expected 401, got %d", mandates.StatusCode)
	}

	open, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	open.Body.Close()
	if open.StatusCode != http.StatusOK {
		t.Fatalf("healthz should stay open, got %d", open.StatusCode)
	}
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected nosniff header")
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Fatal("expected frame deny header")
	}
}

func TestRequestSizeLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *gateway.Config) {
		cfg.MaxBodyBytes = 256
	})

	big := bytes.Repeat([]byte("a"), 1024)
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "createIntentMandate",
		"params": map[string]any{"description": string(big)},
	})
	resp, err := http.Post(ts.URL+"/a2a", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error == nil || env.Error.Code != gateway.ErrCodeParse {
		t.Fatalf("oversized body should fail to parse, got %+v", env.Error)
	}
}
