package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"

	"github.com/buyve/rpcgate/pkg/blockhash"
	"github.com/buyve/rpcgate/pkg/confirm"
	"github.com/buyve/rpcgate/pkg/dispatch"
	"github.com/buyve/rpcgate/pkg/endpoints"
)

// stubBackend answers every request with a canned response or error.
type stubBackend struct {
	calls atomic.Uint64
	resp  *dispatch.Response
	err   error
}

func (b *stubBackend) Serve(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	b.calls.Add(1)
	if b.err != nil {
		return nil, b.err
	}
	resp := *b.resp
	resp.ID = req.ID
	return &resp, nil
}

func (b *stubBackend) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	return b.Serve(ctx, req)
}

// stubConfirmer returns a fixed confirmation result.
type stubConfirmer struct {
	result *confirm.Result
	err    error
	ring   *confirm.Ring
	gotSig solana.Signature
}

func (c *stubConfirmer) Confirm(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (*confirm.Result, error) {
	c.gotSig = sig
	return c.result, c.err
}

func (c *stubConfirmer) Metrics() *confirm.Ring {
	if c.ring == nil {
		c.ring = confirm.NewRing()
	}
	return c.ring
}

type testGateway struct {
	server    *Server
	backend   *stubBackend
	cacheSrc  *stubBackend
	selector  *endpoints.Selector
	confirmer *stubConfirmer
}

func newTestGateway(t *testing.T, urls ...string) *testGateway {
	t.Helper()
	if len(urls) == 0 {
		urls = []string{"https://a.example", "https://b.example"}
	}

	registry := endpoints.NewRegistry(urls)
	blacklist := endpoints.NewBlacklist(nil, nil)
	selector := endpoints.NewSelector(registry, blacklist)

	okResult := json.RawMessage(`{"value":42}`)
	backend := &stubBackend{resp: &dispatch.Response{
		JSONRPC:  dispatch.JSONRPCVersion,
		Result:   okResult,
		Endpoint: urls[0],
	}}
	cacheSrc := &stubBackend{resp: &dispatch.Response{
		JSONRPC:  dispatch.JSONRPCVersion,
		Result:   json.RawMessage(`{"value":{"blockhash":"abc"}}`),
		Endpoint: urls[0],
	}}
	cache := blockhash.New(cacheSrc, func(string) bool { return true }, time.Minute, nil)
	confirmer := &stubConfirmer{result: &confirm.Result{Status: confirm.StatusConfirmed, Slot: 7}}

	server := New(DefaultConfig(), cache, backend, registry, selector,
		func() dispatch.CounterSnapshot { return dispatch.CounterSnapshot{Total: 5, Succeeded: 4, Failed: 1} },
		confirmer, nil, nil)

	return &testGateway{
		server:    server,
		backend:   backend,
		cacheSrc:  cacheSrc,
		selector:  selector,
		confirmer: confirmer,
	}
}

func postRPC(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRelaySingleRequest(t *testing.T) {
	g := newTestGateway(t)
	handler := g.server.Handler()

	rec := postRPC(t, handler, `{"jsonrpc":"2.0","id":1,"method":"getSlot"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp dispatch.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(resp.Result) != `{"value":42}` {
		t.Errorf("Result = %s", resp.Result)
	}
	if resp.ID != float64(1) {
		t.Errorf("ID = %v, want 1", resp.ID)
	}
	if g.backend.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", g.backend.calls.Load())
	}
	// The serving endpoint never leaks into the wire envelope.
	if bytes.Contains(rec.Body.Bytes(), []byte("a.example")) {
		t.Errorf("response leaked endpoint URL: %s", rec.Body.String())
	}
}

func TestRelayBlockhashUsesCache(t *testing.T) {
	g := newTestGateway(t)
	handler := g.server.Handler()

	body := `{"jsonrpc":"2.0","id":1,"method":"getLatestBlockhash"}`
	for i := 0; i < 3; i++ {
		rec := postRPC(t, handler, body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	}

	if g.cacheSrc.calls.Load() != 1 {
		t.Errorf("cache source calls = %d, want 1 (two hits)", g.cacheSrc.calls.Load())
	}
	if g.backend.calls.Load() != 0 {
		t.Errorf("relay backend calls = %d, want 0", g.backend.calls.Load())
	}
}

func TestRelayExhaustionReturns500WithSnapshot(t *testing.T) {
	g := newTestGateway(t)
	g.selector.MarkFailure("https://a.example", &endpoints.HTTPStatusError{StatusCode: 429})
	g.backend.err = &dispatch.ExhaustionError{Snapshot: g.selector.Blacklist().Snapshot()}
	handler := g.server.Handler()

	rec := postRPC(t, handler, `{"jsonrpc":"2.0","id":9,"method":"getSlot"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	var resp dispatch.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeExhausted {
		t.Fatalf("error = %+v, want code %d", resp.Error, codeExhausted)
	}
	var snapshot []endpoints.Status
	if err := json.Unmarshal(resp.Error.Data, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Endpoint != "https://a.example" {
		t.Errorf("snapshot = %+v", snapshot)
	}
}

func TestRelayApplicationErrorPassthrough(t *testing.T) {
	g := newTestGateway(t)
	g.backend.resp = &dispatch.Response{
		JSONRPC: dispatch.JSONRPCVersion,
		Error:   &dispatch.RPCError{Code: -32602, Message: "Invalid params"},
	}
	handler := g.server.Handler()

	rec := postRPC(t, handler, `{"jsonrpc":"2.0","id":2,"method":"getBalance","params":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for application-level error", rec.Code)
	}
	var resp dispatch.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Errorf("error = %+v, want code -32602 relayed unchanged", resp.Error)
	}
}

func TestRelayMalformedRequests(t *testing.T) {
	g := newTestGateway(t)
	handler := g.server.Handler()

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"invalid JSON", `{not json`, codeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"getSlot"}`, codeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, codeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postRPC(t, handler, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var resp dispatch.Response
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %d", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestRelayBatchPreservesOrder(t *testing.T) {
	g := newTestGateway(t)
	handler := g.server.Handler()

	body := `[
		{"jsonrpc":"2.0","id":1,"method":"getSlot"},
		{"jsonrpc":"1.0","id":2,"method":"getSlot"},
		{"jsonrpc":"2.0","id":3,"method":"getBlockHeight"}
	]`
	rec := postRPC(t, handler, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var responses []dispatch.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &responses); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("got %d responses, want 3", len(responses))
	}
	if responses[0].ID != float64(1) || responses[0].Error != nil {
		t.Errorf("responses[0] = %+v", responses[0])
	}
	if responses[1].Error == nil || responses[1].Error.Code != codeInvalidRequest {
		t.Errorf("responses[1] = %+v, want invalid request error", responses[1])
	}
	if responses[2].ID != float64(3) || responses[2].Error != nil {
		t.Errorf("responses[2] = %+v", responses[2])
	}
}

func TestHealthReport(t *testing.T) {
	g := newTestGateway(t)
	g.selector.MarkSuccess("https://a.example")
	handler := g.server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var report HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", report.Status)
	}
	if report.PreferredEndpoint != "https://a.example" {
		t.Errorf("PreferredEndpoint = %q", report.PreferredEndpoint)
	}
	if report.LastSuccessful == nil || report.LastSuccessful.Endpoint != "https://a.example" {
		t.Errorf("LastSuccessful = %+v", report.LastSuccessful)
	}
	if len(report.Endpoints) != 2 {
		t.Errorf("Endpoints = %v", report.Endpoints)
	}
	if report.Counters.Total != 5 {
		t.Errorf("Counters = %+v", report.Counters)
	}
}

func TestHealthDegradedAndUnhealthy(t *testing.T) {
	g := newTestGateway(t)
	handler := g.server.Handler()

	g.selector.MarkFailure("https://a.example", &endpoints.HTTPStatusError{StatusCode: 429})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var report HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Status != "degraded" || len(report.Blacklist) != 1 {
		t.Errorf("report = %+v, want degraded with one blacklist entry", report)
	}

	g.selector.MarkFailure("https://b.example", &endpoints.HTTPStatusError{StatusCode: 429})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when every endpoint is benched", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy", report.Status)
	}
}

func testSignature() string {
	raw := make([]byte, 64)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	return base58.Encode(raw)
}

func TestConfirmEndpoint(t *testing.T) {
	g := newTestGateway(t)
	handler := g.server.Handler()

	body := fmt.Sprintf(`{"signature":%q,"commitment":"finalized"}`, testSignature())
	req := httptest.NewRequest(http.MethodPost, "/api/confirm", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var result confirm.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Status != confirm.StatusConfirmed || result.Slot != 7 {
		t.Errorf("result = %+v", result)
	}
	if g.confirmer.gotSig.IsZero() {
		t.Error("confirmer never received the parsed signature")
	}
}

func TestConfirmEndpointValidation(t *testing.T) {
	g := newTestGateway(t)
	handler := g.server.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"missing signature", `{}`},
		{"invalid base58", `{"signature":"0OIl"}`},
		{"wrong length", `{"signature":"abc"}`},
		{"unknown commitment", fmt.Sprintf(`{"signature":%q,"commitment":"maximum"}`, testSignature())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/confirm", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestConfirmEndpointTimeout(t *testing.T) {
	g := newTestGateway(t)
	g.confirmer.result = &confirm.Result{Status: confirm.StatusTimeout}
	g.confirmer.err = errors.New("confirmation timed out")
	handler := g.server.Handler()

	body := fmt.Sprintf(`{"signature":%q}`, testSignature())
	req := httptest.NewRequest(http.MethodPost, "/api/confirm", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	g := newTestGateway(t)
	handler := g.server.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
