package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		_ = json.NewEncoder(w).Encode(HealthInfo{Status: "ok", Version: "v0.3.0"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", nil)
	info, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if info.Status != "ok" || info.Version != "v0.3.0" {
		t.Errorf("unexpected health info %+v", info)
	}
}

func TestHealthNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", nil)
	if _, err := client.Health(context.Background()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["secret"] != "s3cret" || body["client_id"] != "desk-1" {
			t.Errorf("unexpected body %v", body)
		}
		_ = json.NewEncoder(w).Encode(LoginResult{Token: "new-token"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", nil)
	result, err := client.Login(context.Background(), "s3cret", "desk-1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.Token != "new-token" {
		t.Errorf("expected new-token, got %s", result.Token)
	}
}

func TestLoginRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad secret", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", nil)
	if _, err := client.Login(context.Background(), "wrong", "desk-1"); err == nil {
		t.Fatal("expected login rejection")
	}
}
