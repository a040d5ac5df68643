package ratefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestHTTPFetcherNestedField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "test-agent" {
			t.Errorf("unexpected user agent %q", ua)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"rate":1.23456789}}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{URL: srv.URL, Field: "data.rate", Timeout: time.Second, UserAgent: "test-agent"}, zerolog.Nop())
	q, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !q.Rate.Equal(decimal.RequireFromString("1.23456789")) || q.Source != "http" {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestHTTPFetcherStringValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rate":"0.75"}`))
	}))
	defer srv.Close()

	q, err := NewHTTPFetcher(HTTPOptions{URL: srv.URL}, zerolog.Nop()).Fetch(context.Background())
	if err != nil || !q.Rate.Equal(decimal.RequireFromString("0.75")) {
		t.Fatalf("unexpected %+v %v", q, err)
	}
}

func TestHTTPFetcherErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"maintenance"}`))
		},
		"missing field": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"price":1}`))
		},
		"zero": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"rate":0}`))
		},
	}
	for name, handler := range cases {
		srv := httptest.NewServer(handler)
		_, err := NewHTTPFetcher(HTTPOptions{URL: srv.URL}, zerolog.Nop()).Fetch(context.Background())
		srv.Close()
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	if _, err := NewHTTPFetcher(HTTPOptions{}, zerolog.Nop()).Fetch(context.Background()); err == nil {
		t.Fatal("missing url should fail")
	}
}
