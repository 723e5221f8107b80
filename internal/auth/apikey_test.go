package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientAllowed(t *testing.T) {
	k := NewKeyring([]string{"sk-relay-one", "sk-relay-two"}, "")

	if !k.ClientAllowed("sk-relay-one") || !k.ClientAllowed("sk-relay-two") {
		t.Error("configured keys must be accepted")
	}
	if k.ClientAllowed("sk-relay-three") || k.ClientAllowed("") {
		t.Error("unknown keys must be rejected")
	}
}

func TestEmptyKeyringAcceptsEverything(t *testing.T) {
	k := NewKeyring(nil, "")
	if !k.ClientAllowed("anything") {
		t.Error("empty keyring should accept all clients")
	}
}

func TestAdminAllowed(t *testing.T) {
	hash, err := HashAdminKey("super-secret")
	if err != nil {
		t.Fatalf("hash admin key: %v", err)
	}
	k := NewKeyring(nil, hash)

	if !k.AdminAllowed("super-secret") {
		t.Error("admin key must be accepted")
	}
	if k.AdminAllowed("wrong") {
		t.Error("wrong admin key must be rejected")
	}

	noAdmin := NewKeyring(nil, "")
	if noAdmin.AdminAllowed("anything") {
		t.Error("missing admin hash must disable the admin surface")
	}
}

func TestExtractKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("x-api-key", "from-header")
	if got := ExtractKey(r); got != "from-header" {
		t.Errorf("expected x-api-key value, got %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer from-bearer")
	if got := ExtractKey(r); got != "from-bearer" {
		t.Errorf("expected bearer token, got %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if got := ExtractKey(r); got != "" {
		t.Errorf("expected empty key, got %q", got)
	}
}

func TestRequireClientMiddleware(t *testing.T) {
	k := NewKeyring([]string{"good"}, "")
	handler := k.RequireClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "good")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for valid key, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "bad")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for invalid key, got %d", rec.Code)
	}
}
