package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/smalltalk-labs/internal/classifier"
	"github.com/ashureev/smalltalk-labs/internal/domain"
	"github.com/ashureev/smalltalk-labs/internal/identity"
)

func newTestRouter(h *harness, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(identity.WithUserID(req.Context(), "user-1")))
		})
	})
	NewHandler(h.svc, limiter, 256).RegisterRoutes(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set(identity.SessionTokenHeader, token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerSessionFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	r := newTestRouter(h, nil)

	w := do(t, r, http.MethodPost, "/api/sessions/", "", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", w.Code, w.Body)
	}
	var view SessionView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode start: %v", err)
	}

	base := "/api/sessions/" + view.SessionID
	w = do(t, r, http.MethodPost, base+"/turns", view.Token, `{"message":"any plans for the weekend?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("turn: expected 200, got %d: %s", w.Code, w.Body)
	}
	var res TurnResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode turn: %v", err)
	}
	if res.AgentTurn == nil || res.AgentTurn.Content != h.gen.reply {
		t.Fatalf("unexpected turn result: %+v", res)
	}

	w = do(t, r, http.MethodGet, base, view.Token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), view.Token) {
		t.Fatal("session snapshot must not echo the token")
	}
	var sess domain.Session
	if err := json.NewDecoder(w.Body).Decode(&sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if len(sess.Transcript) != 2 {
		t.Fatalf("transcript = %d turns, want 2", len(sess.Transcript))
	}

	if w = do(t, r, http.MethodPost, base+"/end", view.Token, ""); w.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d", w.Code)
	}
	if w = do(t, r, http.MethodPost, base+"/turns", view.Token, `{"message":"hello?"}`); w.Code != http.StatusConflict {
		t.Fatalf("turn after end: expected 409, got %d", w.Code)
	}
	if w = do(t, r, http.MethodPost, base+"/end", view.Token, ""); w.Code != http.StatusConflict {
		t.Fatalf("second end: expected 409, got %d", w.Code)
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	r := newTestRouter(h, nil)
	view := h.start(t)
	base := "/api/sessions/" + view.SessionID

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"unknown session", http.MethodGet, "/api/sessions/nope", view.Token, "", http.StatusNotFound},
		{"wrong token", http.MethodGet, base, "bad-token", "", http.StatusForbidden},
		{"missing token", http.MethodPost, base + "/turns", "", `{"message":"hi"}`, http.StatusForbidden},
		{"empty message", http.MethodPost, base + "/turns", view.Token, `{"message":"  "}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, base + "/turns", view.Token, `{"message":`, http.StatusBadRequest},
		{"oversized body", http.MethodPost, base + "/turns", view.Token, `{"message":"` + strings.Repeat("a", 512) + `"}`, http.StatusRequestEntityTooLarge},
		{"crisis choice on active session", http.MethodPost, base + "/crisis", view.Token, `{"choice":"restart"}`, http.StatusConflict},
		{"unknown crisis choice", http.MethodPost, base + "/crisis", view.Token, `{"choice":"nah"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, r, tt.method, tt.path, tt.token, tt.body); w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body)
			}
		})
	}
}

func TestHandlerCrisisChoiceReturnsFreshSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.crisis.verdict = classifier.Verdict{Severity: classifier.VerdictCrisis}
	r := newTestRouter(h, nil)
	view := h.start(t)
	base := "/api/sessions/" + view.SessionID

	w := do(t, r, http.MethodPost, base+"/turns", view.Token, `{"message":"i want to end it all"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("turn: expected 200, got %d", w.Code)
	}
	var res TurnResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode turn: %v", err)
	}
	if res.Outcome != OutcomeCrisis || res.AgentTurn != nil {
		t.Fatalf("unexpected crisis result: %+v", res)
	}

	w = do(t, r, http.MethodPost, base+"/crisis", view.Token, `{"choice":"false_positive"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("crisis choice: expected 200, got %d: %s", w.Code, w.Body)
	}
	var resolution CrisisResolution
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&resolution); err != nil {
		t.Fatalf("decode resolution: %v", err)
	}
	if resolution.NewSession == nil || resolution.NewSession.Token == "" {
		t.Fatalf("expected a fresh session, got %+v", resolution)
	}
}

func TestHandlerRateLimitsTurns(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	limiter := NewRateLimiter(0.001, 1)
	defer limiter.Stop()
	r := newTestRouter(h, limiter)
	view := h.start(t)
	path := "/api/sessions/" + view.SessionID + "/turns"

	if w := do(t, r, http.MethodPost, path, view.Token, `{"message":"hello"}`); w.Code != http.StatusOK {
		t.Fatalf("first turn: expected 200, got %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, path, view.Token, `{"message":"hello again"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second turn: expected 429, got %d", w.Code)
	}
}
