package bridgectl

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/loykin/bridgectl/internal/config"
	"github.com/loykin/bridgectl/internal/configstore"
	"github.com/loykin/bridgectl/internal/gateway"
	historysqlite "github.com/loykin/bridgectl/internal/history/sqlite"
	"github.com/loykin/bridgectl/internal/lock"
	"github.com/loykin/bridgectl/internal/notify"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T, dsn string) *Config {
	t.Helper()
	cfg := config.Default()
	cfg.Persistence.DSN = dsn
	cfg.Server.Listen = ""
	cfg.Reconcile.Freshness = time.Nanosecond
	cfg.Lifecycle.VerifyBase = time.Millisecond
	cfg.Lifecycle.VerifyDelay = time.Hour
	return cfg
}

func configs() *configstore.Static {
	return configstore.NewStatic(
		configstore.Configuration{ID: "cfg1", Name: "plc", Type: "tcp", Endpoint: configstore.Endpoint{Host: "10.0.0.5", Port: 502, LocalPort: 1502}},
		configstore.Configuration{ID: "cfg2", Name: "meter", Type: "udp", Endpoint: configstore.Endpoint{Host: "10.0.0.6", Port: 161, LocalPort: 1161}},
	)
}

func TestBeliefsSurviveRestart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
	ctx := context.Background()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "state.db")
	gw := gateway.NewFake()

	a, err := New(ctx, testConfig(t, dsn), Options{Logger: quiet(), Gateway: gw, Configs: configs()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx, "cfg1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}

	b, err := New(ctx, testConfig(t, dsn), Options{Logger: quiet(), Gateway: gw, Configs: configs()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = b.Close(ctx) }()
	e, ok := b.Table().Get("cfg1")
	if !ok || e.State != lock.StateRunning {
		t.Fatalf("running belief lost across restart: %+v %v", e, ok)
	}
	if err := b.Stop(ctx, "cfg1"); err != nil {
		t.Fatalf("stop after restart: %v", err)
	}
	if len(b.Locks()) != 0 {
		t.Fatalf("verified stop should clear the lock")
	}
}

func TestAdoptionOnFirstReconcile(t *testing.T) {
	ctx := context.Background()
	gw := gateway.NewFake()
	gw.Seed("udp", "cfg2")
	a, err := New(ctx, testConfig(t, "memory://"), Options{Logger: quiet(), Gateway: gw, Configs: configs()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close(ctx) }()
	res, err := a.Reconcile(ctx)
	if err != nil || len(res.Adopted) != 1 {
		t.Fatalf("reconcile: %+v %v", res, err)
	}
	sts, err := a.Statuses(ctx, false)
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	for _, s := range sts {
		if s.ConfigID == "cfg2" && (!s.Locked || s.State != lock.StateRunning) {
			t.Fatalf("adopted row wrong: %+v", s)
		}
	}
}

func TestTransitionsInvalidateStatusCache(t *testing.T) {
	ctx := context.Background()
	gw := gateway.NewFake()
	cfg := testConfig(t, "memory://")
	cfg.Reconcile.Freshness = time.Hour
	a, err := New(ctx, cfg, Options{Logger: quiet(), Gateway: gw, Configs: configs()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close(ctx) }()

	sts, _ := a.Statuses(ctx, false)
	if sts[0].RemoteRunning {
		t.Fatalf("nothing should be running yet")
	}
	if err := a.Start(ctx, "cfg1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if _, _, ok := a.Loop().Cache().Last(); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache was not invalidated by the transition")
		}
		time.Sleep(time.Millisecond)
	}
	sts, _ = a.Statuses(ctx, false)
	if !sts[0].RemoteRunning {
		t.Fatalf("fresh poll expected after start: %+v", sts[0])
	}
}

func TestServeAndRouter(t *testing.T) {
	ctx := context.Background()
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t, "memory://")
	cfg.Metrics.Enabled = true
	cfg.Reconcile.Interval = 5 * time.Millisecond
	gw := gateway.NewFake()
	gw.Seed("tcp", "cfg1")
	a, err := New(ctx, cfg, Options{Logger: quiet(), Gateway: gw, Configs: configs(), Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close(ctx) }()
	events := a.Bus().Subscribe(notify.OfType(notify.TypeAutoDiscovered), 4)

	if err := a.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if err := a.Serve(); err == nil {
		t.Fatalf("second serve should fail")
	}
	select {
	case e := <-events.C:
		if e.ConfigID != "cfg1" {
			t.Fatalf("unexpected adoption: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("reconcile loop did not adopt the running instance")
	}

	srv := httptest.NewServer(a.Router().Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/locks/cfg1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp, err = http.Get(srv.URL + cfg.Metrics.Path)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}

func TestNewRejectsBadStores(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "memory://")
	cfg.Path = filepath.Join(t.TempDir(), "missing.toml")
	if _, err := New(ctx, cfg, Options{Logger: quiet(), Gateway: gateway.NewFake()}); err == nil {
		t.Fatalf("expected error for missing configuration file")
	}

	cfg = testConfig(t, "memory://")
	cfg.History.Enabled = true
	cfg.History.Sinks = []string{"ftp://nowhere"}
	if _, err := New(ctx, cfg, Options{Logger: quiet(), Gateway: gateway.NewFake(), Configs: configs()}); err == nil {
		t.Fatalf("expected error for unknown history sink")
	}
}

func TestHistoryRecorderWired(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "memory://")
	cfg.History.Enabled = true
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	cfg.History.Sinks = []string{dsn}
	a, err := New(ctx, cfg, Options{Logger: quiet(), Gateway: gateway.NewFake(), Configs: configs()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx, "cfg1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	sink, err := historysqlite.New(dsn)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer func() { _ = sink.Close() }()
	// Stopped>Starting and Starting>Running
	if n, err := sink.Count(ctx, "cfg1"); err != nil || n < 2 {
		t.Fatalf("expected recorded transitions, got %d %v", n, err)
	}
}
