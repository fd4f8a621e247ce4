package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func callProtected(t *testing.T, configure func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var reached bool
	handler := APIKeyAuth("secret-key")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("GET", "/v1/videos/recent", nil)
	configure(req)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code >= 400 && reached {
		t.Error("rejected request must not reach the handler")
	}
	return rec
}

func TestAPIKeyAuthMissingKey(t *testing.T) {
	rec := callProtected(t, func(r *http.Request) {})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAPIKeyAuthWrongKey(t *testing.T) {
	rec := callProtected(t, func(r *http.Request) {
		r.Header.Set("X-API-Key", "wrong")
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestAPIKeyAuthHeaderKey(t *testing.T) {
	rec := callProtected(t, func(r *http.Request) {
		r.Header.Set("X-API-Key", "secret-key")
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestAPIKeyAuthBearerFallback(t *testing.T) {
	rec := callProtected(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer secret-key")
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}
