package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"backend-go-simulation-api/internal/logger"
)

func TestParseResponse(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		wantServer bool
		wantTrans  bool
	}{
		{name: "empty 2xx", status: 204},
		{name: "json 2xx", status: 200, body: `{"instance_id":"abcd1234"}`},
		{name: "structured 400", status: 400, body: `{"message":"Instance_id x unknown"}`, wantServer: true},
		{name: "structured 500", status: 500, body: `{"message":"Internal server error"}`, wantServer: true},
		{name: "unstructured 502", status: 502, body: `<html>bad gateway</html>`, wantTrans: true},
		{name: "json without message", status: 400, body: `{"detail":"nope"}`, wantTrans: true},
		{name: "empty 500", status: 500, wantTrans: true},
		{name: "undecodable 2xx", status: 200, body: `not json`, wantTrans: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out map[string]any
			err := parseResponse(http.MethodPost, "http://x/envs/", tc.status, []byte(tc.body), &out)

			var se *ServerError
			var te *TransportError
			switch {
			case tc.wantServer:
				if !errors.As(err, &se) || se.StatusCode != tc.status {
					t.Fatalf("expected ServerError with status %d, got %v", tc.status, err)
				}
			case tc.wantTrans:
				if !errors.As(err, &te) {
					t.Fatalf("expected TransportError, got %v", err)
				}
			default:
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
			}
		})
	}
}

func TestClient_SendsRoutesAndHeaders(t *testing.T) {
	var gotPath, gotKey, gotTrace string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		gotTrace = r.Header.Get("X-Trace-ID")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"walltime":0.5}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", WithAPIKey("k1"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.WithValue(context.Background(), logger.TraceIDKey, "trace-1")
	res, err := c.Run(ctx, "abcd1234", 2.5)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if gotPath != "/envs/abcd1234/run/" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotKey != "k1" || gotTrace != "trace-1" {
		t.Fatalf("unexpected headers key=%q trace=%q", gotKey, gotTrace)
	}
	if gotBody["simulation_time"] != 2.5 {
		t.Fatalf("unexpected body %#v", gotBody)
	}
	if res["walltime"] != 0.5 {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestShutdown_SwallowsFailures(t *testing.T) {
	c, err := New("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.Shutdown(context.Background())
}

func TestBreaker_OpensOnServerFailuresOnly(t *testing.T) {
	var hits atomic.Int32
	status := atomic.Int32{}
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"message":"boom"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		var se *ServerError
		if err := c.Close(ctx, "abcd1234"); !errors.As(err, &se) {
			t.Fatalf("expected ServerError for 4xx, got %v", err)
		}
	}
	if hits.Load() != 10 {
		t.Fatalf("4xx answers must not trip the breaker, got %d hits", hits.Load())
	}

	status.Store(http.StatusInternalServerError)
	for i := 0; i < 5; i++ {
		_ = c.Close(ctx, "abcd1234")
	}
	before := hits.Load()
	err = c.Close(ctx, "abcd1234")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError from open breaker, got %v", err)
	}
	if hits.Load() != before {
		t.Fatalf("open breaker must not reach the server")
	}
}

func TestNew_RejectsRelativeBase(t *testing.T) {
	if _, err := New("localhost:5000"); err == nil {
		t.Fatalf("expected error for base without scheme")
	}
}
