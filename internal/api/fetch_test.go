package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/streamsub/internal/model"
)

func TestFetchPayload(t *testing.T) {
	t.Run("array body is wrapped as a stream frame", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/v3/trades" {
				t.Errorf("path = %q, want /api/v3/trades", r.URL.Path)
			}
			if r.URL.Query().Get("symbol") != "BTCUSDT" {
				t.Errorf("symbol = %q, want BTCUSDT", r.URL.Query().Get("symbol"))
			}
			w.Write([]byte(`[{"id":1,"price":"42000.10"},{"id":2,"price":"42000.20"}]`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "")
		q := url.Values{"symbol": {"BTCUSDT"}}
		p, err := c.FetchPayload(context.Background(), "/api/v3/trades", q, "btcusdt@trade")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if p.Stream != "btcusdt@trade" {
			t.Errorf("Stream = %q, want btcusdt@trade", p.Stream)
		}
		if p.Source != model.SourcePoll {
			t.Errorf("Source = %q, want poll", p.Source)
		}
		if got := p.Get("data.1.price").String(); got != "42000.20" {
			t.Errorf("data.1.price = %q, want 42000.20", got)
		}
		if p.Error() != nil {
			t.Errorf("Error() = %v, want nil", p.Error())
		}
	})

	t.Run("object body is wrapped", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"symbol":"BTCUSDT","price":"42000.10"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "")
		p, err := c.FetchPayload(context.Background(), "/api/v3/ticker/price", nil, "btcusdt@ticker")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := p.Get("data.symbol").String(); got != "BTCUSDT" {
			t.Errorf("data.symbol = %q, want BTCUSDT", got)
		}
	})

	t.Run("error member surfaces as payload error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error":{"code":-1121,"msg":"Invalid symbol."}}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "")
		p, err := c.FetchPayload(context.Background(), "/x", nil, "s")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Error() == nil {
			t.Fatal("expected payload error")
		}
		if p.Err.Code != -1121 {
			t.Errorf("Err.Code = %d, want -1121", p.Err.Code)
		}
		if p.Stream != "s" {
			t.Errorf("Stream = %q, want s", p.Stream)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "")
		_, err := c.FetchPayload(context.Background(), "/x", nil, "s")
		if !errors.Is(err, model.ErrInvalidFrame) {
			t.Errorf("err = %v, want ErrInvalidFrame", err)
		}
	})

	t.Run("http error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		c := NewClient(server.URL, "")
		_, err := c.FetchPayload(context.Background(), "/x", nil, "s")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
			t.Errorf("err = %v, want 404 APIError", err)
		}
	})
}

func TestPollFunc(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"price":"1"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "", WithTimeout(time.Second))
	fetch := c.PollFunc("/price", nil, "p")

	for i := 0; i < 2; i++ {
		p, err := fetch(context.Background())
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if p.Stream != "p" {
			t.Errorf("Stream = %q, want p", p.Stream)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}
