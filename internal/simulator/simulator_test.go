package simulator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/bridgectl/pkg/client"
)

func doReq(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func status(t *testing.T, h http.Handler) client.StatusSnapshot {
	t.Helper()
	rr := doReq(t, h, http.MethodGet, "/api/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status code %d", rr.Code)
	}
	var snap client.StatusSnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return snap
}

func TestSeedAndIgnoreStops(t *testing.T) {
	s := New(Options{IgnoreStops: true})
	s.Seed("TCP", "orphan")
	h := s.Handler()

	if rr := doReq(t, h, http.MethodPost, "/api/instances/stop-all", ""); rr.Code != 200 {
		t.Fatalf("stop-all code %d", rr.Code)
	}
	if rr := doReq(t, h, http.MethodPost, "/api/instances/emergency-stop", ""); rr.Code != 200 {
		t.Fatalf("emergency code %d", rr.Code)
	}
	snap := status(t, h)
	if snap.ActiveInstances != 1 || snap.Instances[0].Type != "tcp" {
		t.Fatalf("ignored stops must keep instance: %+v", snap)
	}

	s.SetIgnoreStops(false)
	doReq(t, h, http.MethodPost, "/api/instances/tcp/orphan/stop", "")
	if got := s.Running(); len(got) != 0 {
		t.Fatalf("expected no instances, got %v", got)
	}
}

func TestValidationAndFailures(t *testing.T) {
	s := New(Options{BasePath: "v1"})
	h := s.Handler()
	rr := doReq(t, h, http.MethodPost, "/v1/instances", `{"type":"tcp"}`)
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "validation") {
		t.Fatalf("expected validation error, got %d %s", rr.Code, rr.Body.String())
	}
	s.FailNext("status", Failure{Status: 503})
	if rr := doReq(t, h, http.MethodGet, "/v1/status", ""); rr.Code != 503 {
		t.Fatalf("expected scripted failure, got %d", rr.Code)
	}
	if rr := doReq(t, h, http.MethodGet, "/v1/status", ""); rr.Code != 200 {
		t.Fatalf("failure should be consumed, got %d", rr.Code)
	}
	if s.Calls("status") != 2 || s.Calls("start") != 1 {
		t.Fatalf("unexpected call counts: status=%d start=%d", s.Calls("status"), s.Calls("start"))
	}
}

func TestTargetedStopToggle(t *testing.T) {
	s := New(Options{})
	h := s.Handler()
	doReq(t, h, http.MethodPost, "/api/instances", `{"type":"udp","config_id":"x"}`)
	s.SetTargetedStop(false)
	if rr := doReq(t, h, http.MethodPost, "/api/instances/udp/x/stop", ""); rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rr.Code)
	}
	s.SetTargetedStop(true)
	s.SetStopLag(1)
	if rr := doReq(t, h, http.MethodPost, "/api/instances/udp/x/stop", ""); rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if snap := status(t, h); snap.ActiveInstances != 1 {
		t.Fatalf("lagging stop should still report running: %+v", snap)
	}
	if snap := status(t, h); snap.ActiveInstances != 0 {
		t.Fatalf("stop should land after lag: %+v", snap)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return")
	}
}
