package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseKeys(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		want    map[string]string
		wantErr bool
	}{
		{
			name: "empty",
			raw:  "",
			want: map[string]string{},
		},
		{
			name: "single pair",
			raw:  "acme:sk-123",
			want: map[string]string{"sk-123": "acme"},
		},
		{
			name: "two tenants with whitespace",
			raw:  "acme:sk-123, globex:sk-456",
			want: map[string]string{"sk-123": "acme", "sk-456": "globex"},
		},
		{
			name:    "entry without colon",
			raw:     "acme-sk-123",
			wantErr: true,
		},
		{
			name:    "missing key",
			raw:     "acme:",
			wantErr: true,
		},
		{
			name:    "missing tenant",
			raw:     ":sk-123",
			wantErr: true,
		},
		{
			name:    "duplicate key",
			raw:     "acme:sk-123,globex:sk-123",
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseKeys(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q, got %v", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("Expected %d keys, got %d", len(tc.want), len(got))
			}
			for key, tenant := range tc.want {
				if got[key] != tenant {
					t.Errorf("Key %q: expected tenant %q, got %q", key, tenant, got[key])
				}
			}
		})
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	mw := NewMiddleware(map[string]string{"sk-123": "acme"})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be reached")
	}))

	req := httptest.NewRequest("GET", "/v1/stats", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID even on rejected requests")
	}
}

func TestMiddleware_InvalidKey(t *testing.T) {
	mw := NewMiddleware(map[string]string{"sk-123": "acme"})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be reached")
	}))

	req := httptest.NewRequest("GET", "/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestMiddleware_ValidKey(t *testing.T) {
	mw := NewMiddleware(map[string]string{"sk-123": "acme"})

	var gotTenant, gotRequestID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = GetTenantID(r.Context())
		gotRequestID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer sk-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if gotTenant != "acme" {
		t.Errorf("Expected tenant acme, got %q", gotTenant)
	}
	if gotRequestID == "" {
		t.Error("Expected a request ID on the context")
	}
	if w.Header().Get("X-Request-ID") != gotRequestID {
		t.Errorf("Header request ID %q does not match context %q", w.Header().Get("X-Request-ID"), gotRequestID)
	}
}
