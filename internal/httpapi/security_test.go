package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", res.Code)
	}
	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("expected configured origin, got %q", got)
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/carts", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "DELETE") {
		t.Fatalf("expected DELETE in allowed methods, got %q", got)
	}
}

func TestRequestsWithoutValidTokenRejected(t *testing.T) {
	api := newTestAPI(t)

	cases := map[string]string{
		"missing": "",
		"basic":   "Basic YWRtaW46YWRtaW4=",
		"expired": "Bearer " + signToken(t, testSecret, "amina", "cashier", -time.Minute),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/carts?terminal_id=t1", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			res := httptest.NewRecorder()
			api.Handler().ServeHTTP(res, req)
			if res.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", res.Code)
			}
		})
	}
}

func TestUnknownRoleForbidden(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/carts?terminal_id=t1", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "guest", "viewer", time.Hour))
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer role, got %d", res.Code)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	env := newTestEnv(t, stubRate{})
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"terminal_id":"%s"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/carts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.token)
	res := httptest.NewRecorder()

	env.api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too large body, got %d", res.Code)
	}
}

func TestManagerPINRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t, stubRate{})
	cartID := env.openCart(t, "10")

	for i := 0; i < 9; i++ {
		res := env.do(t, http.MethodPost, "/api/v1/carts/"+cartID+"/submit", map[string]any{
			"tender_usd":  "10",
			"manager_pin": "000000",
		})
		if i < 8 && res.Code != http.StatusForbidden {
			t.Fatalf("attempt %d expected 403 before pin limit, got %d", i+1, res.Code)
		}
		if i == 8 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 9 expected 429, got %d", res.Code)
		}
	}
	if env.upstream.sales != 0 {
		t.Fatalf("expected no sale posted, got %d", env.upstream.sales)
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	api := newTestAPI(t)
	res := httptest.NewRecorder()

	api.writeServiceError(res, fmt.Errorf("dial tcp 10.1.2.3:5432: connection refused"))

	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Contains(payload["error"], "10.1.2.3") {
		t.Fatalf("internal detail leaked: %q", payload["error"])
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("9999", 50, 500); got != 500 {
		t.Fatalf("expected capped limit 500, got %d", got)
	}
	if got := parsePositiveLimit("", 50, 500); got != 50 {
		t.Fatalf("expected fallback limit 50, got %d", got)
	}
	if got := parsePositiveLimit("-3", 50, 500); got != 50 {
		t.Fatalf("expected fallback on negative input, got %d", got)
	}
}

func TestFlexStringAcceptsNumbersAndStrings(t *testing.T) {
	var req tenderRequest
	if err := json.Unmarshal([]byte(`{"tender_usd": 12.5, "tender_sos": "1,000"}`), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.TenderUSD != "12.5" || req.TenderSOS != "1,000" {
		t.Fatalf("unexpected values %q %q", req.TenderUSD, req.TenderSOS)
	}
	state := req.state()
	if !state.SOS.Equal(state.SOS.Round(0)) || state.SOS.String() != "1000" {
		t.Fatalf("expected 1000 SOS, got %s", state.SOS)
	}
}
