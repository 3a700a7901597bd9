package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/bridgectl/internal/configstore"
	"github.com/loykin/bridgectl/internal/gateway"
	"github.com/loykin/bridgectl/internal/lifecycle"
	"github.com/loykin/bridgectl/internal/lock"
	"github.com/loykin/bridgectl/internal/notify"
	"github.com/loykin/bridgectl/internal/reconcile"
	"github.com/loykin/bridgectl/pkg/client"
)

type fixture struct {
	h     http.Handler
	table *lock.Table
	gw    *gateway.Fake
	bus   *notify.Bus
}

func tcp(id string) configstore.Configuration {
	return configstore.Configuration{ID: id, Name: id, Type: "tcp", Endpoint: configstore.Endpoint{Host: "127.0.0.1", Port: 9000, LocalPort: 19000}}
}

func setupRouter(t *testing.T, base string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	table := lock.NewTable(nil, lock.Options{})
	gw := gateway.NewFake()
	bus := notify.NewBus(nil)
	configs := configstore.NewStatic(tcp("cfg1"), tcp("cfg2"))
	broken := tcp("broken")
	broken.Endpoint.Host = ""
	configs.Put(broken)
	ctrl := lifecycle.New(table, gw, configs, lifecycle.Options{
		Publisher: bus, VerifyBase: time.Millisecond, VerifyDelay: time.Hour,
	})
	loop := reconcile.New(table, gw, configs, reconcile.Options{Publisher: bus, Freshness: time.Nanosecond})
	t.Cleanup(func() {
		ctrl.Close()
		_ = table.Close()
		bus.Close()
	})
	return &fixture{h: NewRouter(ctrl, loop, bus, base).WithMetrics("/metrics").Handler(), table: table, gw: gw, bus: bus}
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestStartStopRoundTrip(t *testing.T) {
	f := setupRouter(t, "/api")
	rec := doReq(t, f.h, http.MethodPost, "/api/configurations/cfg1/start")
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[entryResp](t, rec); got.Entry == nil || got.Entry.State != lock.StateRunning {
		t.Fatalf("unexpected start response: %+v", got)
	}

	rec = doReq(t, f.h, http.MethodGet, "/api/locks/cfg1")
	if rec.Code != http.StatusOK {
		t.Fatalf("lock: %d", rec.Code)
	}

	rec = doReq(t, f.h, http.MethodPost, "/api/configurations/cfg1/stop")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[entryResp](t, rec); got.Entry != nil {
		t.Fatalf("verified stop should leave no entry: %+v", got.Entry)
	}
	if rec := doReq(t, f.h, http.MethodGet, "/api/locks/cfg1"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after stop, got %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	f := setupRouter(t, "")
	f.table.Lock("cfg2", lock.StateVerifying, lock.ReasonStopAccepted)

	cases := []struct {
		name   string
		method string
		path   string
		status int
		code   string
	}{
		{"stop not running", http.MethodPost, "/configurations/cfg1/stop", http.StatusConflict, "invalid_state"},
		{"start in flight", http.MethodPost, "/configurations/cfg2/start", http.StatusConflict, "already_in_progress"},
		{"unknown configuration", http.MethodPost, "/configurations/nope/start", http.StatusNotFound, "not_found"},
		{"incomplete configuration", http.MethodPost, "/configurations/broken/start", http.StatusUnprocessableEntity, "validation"},
		{"unsafe id", http.MethodPost, "/configurations/a..b/start", http.StatusBadRequest, "validation"},
		{"delete in flight", http.MethodDelete, "/configurations/cfg2", http.StatusConflict, "invalid_state"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doReq(t, f.h, tc.method, tc.path)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if got := decode[errorResp](t, rec); got.Code != tc.code {
				t.Fatalf("expected code %q, got %+v", tc.code, got)
			}
		})
	}
}

func TestStartTransportFailure(t *testing.T) {
	f := setupRouter(t, "")
	f.gw.Fail(gateway.CmdStart, &client.APIError{Op: "start", Kind: client.KindAddressInUse, Status: 409, Message: "port busy"})
	rec := doReq(t, f.h, http.MethodPost, "/configurations/cfg1/start")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if got := decode[errorResp](t, rec); got.Code != string(client.KindAddressInUse) {
		t.Fatalf("unexpected code: %+v", got)
	}
	if f.table.Len() != 0 {
		t.Fatalf("failed start must not leave a lock")
	}
}

func TestStopVerificationFailure(t *testing.T) {
	f := setupRouter(t, "")
	if rec := doReq(t, f.h, http.MethodPost, "/configurations/cfg1/start"); rec.Code != http.StatusOK {
		t.Fatalf("start: %d", rec.Code)
	}
	f.gw.SetIgnoreStops(true)
	rec := doReq(t, f.h, http.MethodPost, "/configurations/cfg1/stop")
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d: %s", rec.Code, rec.Body.String())
	}
	if e, _ := f.table.Get("cfg1"); e.State != lock.StateRunning {
		t.Fatalf("entry should be back to running: %+v", e)
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	f := setupRouter(t, "")
	doReq(t, f.h, http.MethodPost, "/configurations/cfg1/start")
	if rec := doReq(t, f.h, http.MethodDelete, "/configurations/cfg1"); rec.Code != http.StatusPreconditionRequired {
		t.Fatalf("expected 428, got %d", rec.Code)
	}
	if rec := doReq(t, f.h, http.MethodDelete, "/configurations/cfg1?confirm=true"); rec.Code != http.StatusOK {
		t.Fatalf("confirmed delete: %d %s", rec.Code, rec.Body.String())
	}
	if f.gw.IsRunning("cfg1") {
		t.Fatalf("confirmed delete should stop the instance")
	}
}

func TestLocksAndForceUnlock(t *testing.T) {
	f := setupRouter(t, "/api/")
	f.table.Lock("b", lock.StateStopping, lock.ReasonStopRequested)
	f.table.Lock("a", lock.StateRunning, lock.ReasonRestored)

	rec := doReq(t, f.h, http.MethodGet, "/api/locks")
	entries := decode[[]lock.Entry](t, rec)
	if len(entries) != 2 || entries[0].ConfigID != "a" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if got := decode[okResp](t, doReq(t, f.h, http.MethodPost, "/api/locks/b/force-unlock")); !got.OK {
		t.Fatalf("force unlock should report the removed entry")
	}
	if got := decode[okResp](t, doReq(t, f.h, http.MethodPost, "/api/locks/b/force-unlock")); got.OK {
		t.Fatalf("second force unlock should find nothing")
	}
}

func TestConfigurationsAndReconcile(t *testing.T) {
	f := setupRouter(t, "")
	f.gw.Seed("tcp", "cfg2")

	rec := doReq(t, f.h, http.MethodGet, "/configurations?refresh=true")
	if rec.Code != http.StatusOK {
		t.Fatalf("configurations: %d", rec.Code)
	}
	sts := decode[[]reconcile.Status](t, rec)
	if len(sts) != 3 {
		t.Fatalf("unexpected rows: %+v", sts)
	}
	if f.table.Len() != 0 {
		t.Fatalf("listing must not lock anything")
	}

	rec = doReq(t, f.h, http.MethodPost, "/reconcile")
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile: %d", rec.Code)
	}
	if res := decode[reconcile.Result](t, rec); len(res.Adopted) != 1 {
		t.Fatalf("expected adoption, got %+v", res)
	}

	f.gw.Fail(gateway.CmdStatus, context.DeadlineExceeded)
	if rec := doReq(t, f.h, http.MethodPost, "/reconcile"); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on poll failure, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupRouter(t, "/api")
	if rec := doReq(t, f.h, http.MethodGet, "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	f := setupRouter(t, "")
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?type=drift_detected", nil)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tk := time.NewTicker(5 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-tk.C:
				f.bus.Publish(notify.Event{Type: notify.TypeAutoDiscovered, ConfigID: "skip"})
				f.bus.Publish(notify.Event{Type: notify.TypeDriftDetected, ConfigID: "cfg1"})
			case <-stop:
				return
			}
		}
	}()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type: %s", ct)
	}
	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimPrefix(line, "data:")
		}
		if event != "" && data != "" {
			break
		}
	}
	if event != string(notify.TypeDriftDetected) {
		t.Fatalf("unexpected event %q", event)
	}
	var e notify.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil || e.ConfigID != "cfg1" {
		t.Fatalf("unexpected data %q: %v", data, err)
	}
}
