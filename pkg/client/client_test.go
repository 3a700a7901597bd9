package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/bridgectl/internal/simulator"
	"github.com/loykin/bridgectl/pkg/client"
)

func newPair(t *testing.T, opts simulator.Options) (*simulator.Simulator, *client.Client) {
	t.Helper()
	sim := simulator.New(opts)
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)
	c := client.New(client.Config{BaseURL: srv.URL + "/api/", Timeout: 2 * time.Second})
	return sim, c
}

func TestStartStatusStop(t *testing.T) {
	ctx := context.Background()
	sim, c := newPair(t, simulator.Options{})

	if err := c.Start(ctx, client.TypeTCP, "cfg1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap, err := c.QueryStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.ActiveInstances != 1 || !snap.RunningFor("tcp", "cfg1") {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if err := c.StopInstance(ctx, client.TypeTCP, "cfg1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	snap, _ = c.QueryStatus(ctx)
	if snap.RunningFor("tcp", "cfg1") {
		t.Fatalf("instance should be gone: %+v", snap)
	}
	if sim.Calls("stop_instance") != 1 {
		t.Fatalf("expected one targeted stop call")
	}
}

func TestErrorClassification(t *testing.T) {
	ctx := context.Background()
	sim, c := newPair(t, simulator.Options{NoTargetedStop: true, Known: []string{"cfg1"}})

	err := c.StopInstance(ctx, "tcp", "cfg1")
	if !client.IsNotSupported(err) {
		t.Fatalf("expected not_supported, got %v", err)
	}
	if err := c.Start(ctx, "tcp", "ghost"); client.KindOf(err) != client.KindConfigNotFound {
		t.Fatalf("expected config_not_found, got %v", err)
	}
	_ = c.Start(ctx, "tcp", "cfg1")
	if err := c.Start(ctx, "tcp", "cfg1"); client.KindOf(err) != client.KindAddressInUse {
		t.Fatalf("expected address_in_use, got %v", err)
	}
	sim.FailNext("start", simulator.Failure{Status: http.StatusInternalServerError, Code: "device_not_found", Message: "no tty"})
	err = c.Start(ctx, "serial", "cfg1")
	var ae *client.APIError
	if !errors.As(err, &ae) || ae.Kind != client.KindDeviceNotFound || ae.Status != 500 || ae.Message != "no tty" {
		t.Fatalf("unexpected error: %#v", err)
	}
}

func TestClassificationFallbacks(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   client.ErrorKind
	}{
		{"code wins over status", 404, `{"error":"x","code":"validation"}`, client.KindValidation},
		{"501 without code", 501, `{"error":"nope"}`, client.KindNotSupported},
		{"404 without code", 404, `{"error":"gone"}`, client.KindConfigNotFound},
		{"message text", 500, `{"error":"listen tcp :9000: bind: address already in use"}`, client.KindAddressInUse},
		{"device text", 500, `{"error":"open /dev/ttyS9: no such device"}`, client.KindDeviceNotFound},
		{"bad request", 400, `{"error":"port missing"}`, client.KindValidation},
		{"plain body", 502, `bad gateway`, client.KindTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			c := client.New(client.Config{BaseURL: srv.URL})
			err := c.StopAll(context.Background())
			if got := client.KindOf(err); got != tc.want {
				t.Fatalf("kind=%s want %s (err=%v)", got, tc.want, err)
			}
		})
	}
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	c := client.New(client.Config{BaseURL: u, Timeout: 500 * time.Millisecond})
	_, err := c.QueryStatus(context.Background())
	if client.KindOf(err) != client.KindTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
	if c.IsReachable(context.Background()) {
		t.Fatalf("closed server must not be reachable")
	}
}

func TestStopLagAndEmergency(t *testing.T) {
	ctx := context.Background()
	_, c := newPair(t, simulator.Options{StopLag: 2})
	_ = c.Start(ctx, "udp", "a")
	_ = c.Start(ctx, "udp", "b")
	if err := c.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	for i := 0; i < 2; i++ {
		snap, _ := c.QueryStatus(ctx)
		if snap.ActiveInstances != 2 {
			t.Fatalf("poll %d: expected lagging instances, got %+v", i, snap)
		}
	}
	snap, _ := c.QueryStatus(ctx)
	if snap.ActiveInstances != 0 {
		t.Fatalf("expected instances gone after lag, got %+v", snap)
	}

	_ = c.Start(ctx, "udp", "a")
	if err := c.EmergencyStopAll(ctx); err != nil {
		t.Fatalf("emergency: %v", err)
	}
	snap, _ = c.QueryStatus(ctx)
	if len(snap.Instances) != 0 {
		t.Fatalf("emergency stop should clear immediately: %+v", snap)
	}
}

func TestSnapshotHelpers(t *testing.T) {
	s := client.StatusSnapshot{Instances: []client.RemoteInstance{
		{ConfigID: "a", Type: "tcp", Status: "running"},
		{ConfigID: "a", Type: "udp", Status: "running"},
		{ConfigID: "b", Type: "tcp", Status: "stopped"},
	}}
	if got := s.RunningConfigIDs(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected running ids: %v", got)
	}
	if s.RunningFor("serial", "a") || !s.RunningFor("", "a") || s.RunningFor("tcp", "b") {
		t.Fatalf("RunningFor mismatch")
	}
}
