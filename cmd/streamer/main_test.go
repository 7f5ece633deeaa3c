package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rickgao/streamsub/internal/api"
	"github.com/rickgao/streamsub/internal/config"
	"github.com/rickgao/streamsub/internal/model"
	"github.com/rickgao/streamsub/internal/stream"
	"github.com/rickgao/streamsub/internal/writer"
)

func decode(t *testing.T, frame string) model.Payload {
	t.Helper()
	p, err := model.Decode([]byte(frame), model.SourcePush, time.Now())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return p
}

func TestBuildMatch(t *testing.T) {
	trade := decode(t, `{"stream":"btcusdt@trade","data":{"s":"BTCUSDT"}}`)
	depth := decode(t, `{"stream":"btcusdt@depth","data":{"s":"BTCUSDT"}}`)

	tests := []struct {
		name      string
		sc        config.SubscriptionConfig
		wantTrade bool
		wantDepth bool
	}{
		{
			name:      "no conditions",
			sc:        config.SubscriptionConfig{Name: "all"},
			wantTrade: true,
			wantDepth: true,
		},
		{
			name:      "stream only",
			sc:        config.SubscriptionConfig{Stream: "btcusdt@trade"},
			wantTrade: true,
		},
		{
			name:      "field equals",
			sc:        config.SubscriptionConfig{Field: "data.s", Value: "BTCUSDT"},
			wantTrade: true,
			wantDepth: true,
		},
		{
			name: "field exists",
			sc:   config.SubscriptionConfig{Field: "data.q"},
		},
		{
			name:      "any of streams",
			sc:        config.SubscriptionConfig{Stream: "btcusdt@trade", Streams: []string{"btcusdt@depth"}},
			wantTrade: true,
			wantDepth: true,
		},
		{
			name:      "streams list with field",
			sc:        config.SubscriptionConfig{Streams: []string{"btcusdt@depth", "ethusdt@depth"}, Field: "data.s"},
			wantDepth: true,
		},
		{
			name:      "stream and field",
			sc:        config.SubscriptionConfig{Stream: "btcusdt@depth", Field: "data.s", Value: "BTCUSDT"},
			wantDepth: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := buildMatch(tt.sc)
			if got := m(trade); got != tt.wantTrade {
				t.Errorf("match(trade) = %v, want %v", got, tt.wantTrade)
			}
			if got := m(depth); got != tt.wantDepth {
				t.Errorf("match(depth) = %v, want %v", got, tt.wantDepth)
			}
		})
	}
}

func TestBuildFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/trades" {
			t.Errorf("path = %q, want /api/v3/trades", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %q, want BTCUSDT", got)
		}
		w.Write([]byte(`[{"p":"1"}]`))
	}))
	defer server.Close()

	apiClient := api.NewClient(server.URL, "")
	sc := config.SubscriptionConfig{
		Name:   "trades",
		Stream: "btcusdt@trade",
		Poll: &config.PollConfig{
			Path:  "/api/v3/trades",
			Query: map[string]string{"symbol": "BTCUSDT"},
		},
	}

	fetch := buildFetch(sc, apiClient)
	if fetch == nil {
		t.Fatal("buildFetch() returned nil")
	}
	p, err := fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if p.Stream != "btcusdt@trade" {
		t.Errorf("Stream = %q, want btcusdt@trade", p.Stream)
	}

	if buildFetch(config.SubscriptionConfig{Name: "push-only"}, apiClient) != nil {
		t.Error("buildFetch() without poll config should be nil")
	}
	if buildFetch(sc, nil) != nil {
		t.Error("buildFetch() without api client should be nil")
	}
}

func TestStreamConfig(t *testing.T) {
	cfg := &config.Config{
		Stream: config.StreamConfig{
			URL:            "wss://stream.example.com/ws",
			ReconnectDelay: 3 * time.Second,
			MaxAttempts:    5,
			PingInterval:   15 * time.Second,
		},
		Idle:     config.IdleConfig{Threshold: time.Minute, CheckInterval: 10 * time.Second},
		Poller:   config.PollerConfig{Interval: 2 * time.Second, Timeout: 4 * time.Second},
		Database: config.DatabaseConfig{Enabled: true},
		Writers:  config.WritersConfig{BufferSize: 123},
	}

	sc := streamConfig(cfg)

	if sc.Connection.Client.URL != "wss://stream.example.com/ws" {
		t.Errorf("URL = %q, want wss://stream.example.com/ws", sc.Connection.Client.URL)
	}
	if sc.Connection.ReconnectDelay != 3*time.Second {
		t.Errorf("ReconnectDelay = %v, want 3s", sc.Connection.ReconnectDelay)
	}
	if sc.Connection.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", sc.Connection.MaxAttempts)
	}
	if sc.Connection.Client.PingInterval != 15*time.Second {
		t.Errorf("PingInterval = %v, want 15s", sc.Connection.Client.PingInterval)
	}
	if sc.Idle.Threshold != time.Minute {
		t.Errorf("Idle.Threshold = %v, want 1m", sc.Idle.Threshold)
	}
	if sc.Poller.Interval != 2*time.Second {
		t.Errorf("Poller.Interval = %v, want 2s", sc.Poller.Interval)
	}
	if !sc.Router.Record || sc.Router.RecordBufferSize != 123 {
		t.Errorf("Router = %+v, want recording with buffer 123", sc.Router)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		cfg       config.LoggingConfig
		wantDebug bool
	}{
		{config.LoggingConfig{Level: "debug"}, true},
		{config.LoggingConfig{Level: "info", Environment: "production"}, false},
		{config.LoggingConfig{Level: "bogus"}, false},
	}
	for _, tt := range tests {
		logger := newLogger(tt.cfg)
		if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tt.wantDebug {
			t.Errorf("newLogger(%+v) debug enabled = %v, want %v", tt.cfg, got, tt.wantDebug)
		}
	}
}

type fakeStats struct{ stats stream.Stats }

func (f fakeStats) Stats() stream.Stats { return f.stats }

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeWriter struct{}

func (fakeWriter) Stats() writer.WriterMetrics { return writer.WriterMetrics{Inserts: 7} }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		mode       stream.Mode
		db         pinger
		wantCode   int
		wantStatus string
	}{
		{"streaming", stream.ModeStreaming, nil, http.StatusOK, "healthy"},
		{"polling", stream.ModePolling, nil, http.StatusOK, "degraded"},
		{"database down", stream.ModeStreaming, fakePinger{err: errors.New("refused")}, http.StatusServiceUnavailable, "unhealthy"},
		{"database up", stream.ModeStreaming, fakePinger{}, http.StatusOK, "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ws writerStats
			if tt.db != nil {
				ws = fakeWriter{}
			}
			h := newHealthHandler("/health", fakeStats{stream.Stats{Mode: tt.mode, Subscriptions: 2}}, tt.db, ws)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}

			var body struct {
				Status string         `json:"status"`
				Stream stream.Stats   `json:"stream"`
				Comps  map[string]any `json:"components"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.Stream.Subscriptions != 2 {
				t.Errorf("subscriptions = %d, want 2", body.Stream.Subscriptions)
			}
			if tt.db != nil && body.Comps["writer"] == nil {
				t.Error("writer stats missing")
			}
		})
	}
}
