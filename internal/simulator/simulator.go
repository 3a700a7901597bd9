// Package simulator serves an in-memory implementation of the remote bridge
// control API. It backs local development (bridgectl simulate) and the
// gateway integration tests, and can be told to misbehave the way real
// services do: unsupported targeted stops, stops that lag or never land,
// and scripted command failures.
package simulator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loykin/bridgectl/pkg/client"
)

// Options configure the simulated service.
type Options struct {
	BasePath string
	Logger   *slog.Logger
	// NoTargetedStop makes per-instance stop answer 501.
	NoTargetedStop bool
	// StopLag is the number of status polls a stopped instance keeps reporting running.
	StopLag int
	// IgnoreStops accepts stop commands without ever stopping anything.
	IgnoreStops bool
	// Known limits start to these config ids; empty accepts any id.
	Known []string
}

// Failure is a scripted error response.
type Failure struct {
	Status  int
	Code    string
	Message string
}

type instance struct {
	typ      string
	configID string
	// remaining status polls before a pending stop takes effect; -1 when no stop is pending
	stopIn int
}

// Simulator is safe for concurrent use.
type Simulator struct {
	mu        sync.Mutex
	opts      Options
	known     map[string]bool
	instances map[string]*instance
	failures  map[string][]Failure
	calls     map[string]int

	e      *echo.Echo
	logger *slog.Logger
}

func key(typ, configID string) string { return strings.ToLower(typ) + "/" + configID }

// New builds a simulator and its routes.
func New(opts Options) *Simulator {
	if opts.BasePath == "" {
		opts.BasePath = "/api"
	}
	opts.BasePath = "/" + strings.Trim(opts.BasePath, "/")
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Simulator{
		opts:      opts,
		known:     map[string]bool{},
		instances: map[string]*instance{},
		failures:  map[string][]Failure{},
		calls:     map[string]int{},
		logger:    opts.Logger,
	}
	for _, id := range opts.Known {
		s.known[id] = true
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	g := e.Group(opts.BasePath)
	g.POST("/instances", s.handleStart)
	g.POST("/instances/stop-all", s.handleStopAll)
	g.POST("/instances/emergency-stop", s.handleEmergency)
	g.POST("/instances/:type/:config_id/stop", s.handleStopInstance)
	g.GET("/status", s.handleStatus)
	s.e = e
	return s
}

// Handler exposes the API for mounting or httptest.
func (s *Simulator) Handler() http.Handler { return s.e }

// Serve listens on addr until ctx is cancelled.
func (s *Simulator) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.e.Start(addr) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.e.Shutdown(shCtx)
	}
}

// Seed marks an instance as running without a start command, as if another client started it.
func (s *Simulator) Seed(typ, configID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[key(typ, configID)] = &instance{typ: strings.ToLower(typ), configID: configID, stopIn: -1}
}

// FailNext queues a failure for the next call of command
// (start, stop_instance, stop_all, emergency_stop, status).
func (s *Simulator) FailNext(command string, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[command] = append(s.failures[command], f)
}

// SetTargetedStop toggles support for per-instance stop.
func (s *Simulator) SetTargetedStop(ok bool) {
	s.mu.Lock()
	s.opts.NoTargetedStop = !ok
	s.mu.Unlock()
}

// SetStopLag changes how many polls a stop takes to become visible.
func (s *Simulator) SetStopLag(n int) {
	s.mu.Lock()
	s.opts.StopLag = n
	s.mu.Unlock()
}

// SetIgnoreStops toggles whether stop commands have any effect.
func (s *Simulator) SetIgnoreStops(v bool) {
	s.mu.Lock()
	s.opts.IgnoreStops = v
	s.mu.Unlock()
}

// Calls returns how often command was received.
func (s *Simulator) Calls(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[command]
}

// Running returns the config ids currently reported running, sorted.
func (s *Simulator) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, in := range s.instances {
		out = append(out, in.configID)
	}
	sort.Strings(out)
	return out
}

// begin counts the call and pops a scripted failure. Callers hold mu.
func (s *Simulator) begin(command string) (Failure, bool) {
	s.calls[command]++
	q := s.failures[command]
	if len(q) == 0 {
		return Failure{}, false
	}
	s.failures[command] = q[1:]
	return q[0], true
}

func fail(c echo.Context, f Failure) error {
	if f.Status == 0 {
		f.Status = http.StatusInternalServerError
	}
	if f.Message == "" {
		f.Message = http.StatusText(f.Status)
	}
	return c.JSON(f.Status, client.ErrorResponse{Error: f.Message, Code: f.Code})
}

func ok(c echo.Context) error { return c.JSON(http.StatusOK, map[string]bool{"ok": true}) }

func (s *Simulator) handleStart(c echo.Context) error {
	var req client.StartRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, Failure{Status: http.StatusBadRequest, Code: string(client.KindValidation), Message: "invalid body"})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, bad := s.begin("start"); bad {
		return fail(c, f)
	}
	if req.ConfigID == "" || req.Type == "" {
		return fail(c, Failure{Status: http.StatusBadRequest, Code: string(client.KindValidation), Message: "type and config_id are required"})
	}
	if len(s.known) > 0 && !s.known[req.ConfigID] {
		return fail(c, Failure{Status: http.StatusNotFound, Code: string(client.KindConfigNotFound), Message: "configuration not found"})
	}
	k := key(req.Type, req.ConfigID)
	if in, exists := s.instances[k]; exists && in.stopIn < 0 {
		return fail(c, Failure{Status: http.StatusConflict, Code: string(client.KindAddressInUse), Message: "address already in use"})
	}
	s.instances[k] = &instance{typ: strings.ToLower(req.Type), configID: req.ConfigID, stopIn: -1}
	s.logger.Debug("simulator start", "type", req.Type, "config_id", req.ConfigID)
	return ok(c)
}

func (s *Simulator) handleStopInstance(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, bad := s.begin("stop_instance"); bad {
		return fail(c, f)
	}
	if s.opts.NoTargetedStop {
		return fail(c, Failure{Status: http.StatusNotImplemented, Code: string(client.KindNotSupported), Message: "targeted stop not supported"})
	}
	in, exists := s.instances[key(c.Param("type"), c.Param("config_id"))]
	if !exists {
		return fail(c, Failure{Status: http.StatusNotFound, Code: string(client.KindConfigNotFound), Message: "instance not found"})
	}
	s.markStoppedLocked(in)
	return ok(c)
}

func (s *Simulator) handleStopAll(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, bad := s.begin("stop_all"); bad {
		return fail(c, f)
	}
	for _, in := range s.instances {
		s.markStoppedLocked(in)
	}
	return ok(c)
}

func (s *Simulator) handleEmergency(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, bad := s.begin("emergency_stop"); bad {
		return fail(c, f)
	}
	if !s.opts.IgnoreStops {
		// emergency stop bypasses any lag
		s.instances = map[string]*instance{}
	}
	return ok(c)
}

func (s *Simulator) handleStatus(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, bad := s.begin("status"); bad {
		return fail(c, f)
	}
	snap := client.StatusSnapshot{Instances: []client.RemoteInstance{}}
	keys := make([]string, 0, len(s.instances))
	for k := range s.instances {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		in := s.instances[k]
		if in.stopIn == 0 {
			delete(s.instances, k)
			continue
		}
		if in.stopIn > 0 {
			in.stopIn--
		}
		snap.Instances = append(snap.Instances, client.RemoteInstance{ConfigID: in.configID, Type: in.typ, Status: client.StatusRunning})
	}
	snap.TotalInstances = len(snap.Instances)
	snap.ActiveInstances = len(snap.Instances)
	return c.JSON(http.StatusOK, snap)
}

func (s *Simulator) markStoppedLocked(in *instance) {
	if s.opts.IgnoreStops || in.stopIn >= 0 {
		return
	}
	if s.opts.StopLag <= 0 {
		delete(s.instances, key(in.typ, in.configID))
		return
	}
	in.stopIn = s.opts.StopLag
}
