package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRefresh(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := Endpoint{Host: "h", Port: 1, RefreshURL: srv.URL}
	if err := e.Refresh(context.Background(), srv.Client()); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Fatalf("expected 1 hit, got %d", hits)
	}
}

func TestRefreshNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := Endpoint{Host: "h", Port: 1, RefreshURL: srv.URL}
	if err := e.Refresh(context.Background(), srv.Client()); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestRefreshWithoutURL(t *testing.T) {
	e := Endpoint{Host: "h", Port: 1}
	if err := e.Refresh(context.Background(), nil); err == nil {
		t.Fatal("expected error when no refresh url is configured")
	}
}
