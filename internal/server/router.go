package server

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/bridgectl/internal/lifecycle"
	"github.com/loykin/bridgectl/internal/lock"
	"github.com/loykin/bridgectl/internal/metrics"
	"github.com/loykin/bridgectl/internal/notify"
	"github.com/loykin/bridgectl/internal/reconcile"
)

// Router provides embeddable HTTP handlers for the presentation layer.
// Endpoints:
//   GET    {basePath}/locks                       lock table entries
//   GET    {basePath}/locks/:id                   one entry, 404 when unlocked
//   POST   {basePath}/locks/:id/force-unlock      drop an entry without contacting the remote
//   GET    {basePath}/configurations              display states, query: refresh=true
//   POST   {basePath}/configurations/:id/start
//   POST   {basePath}/configurations/:id/stop     returns after the stop is verified
//   DELETE {basePath}/configurations/:id          query: confirm=true for running ones
//   POST   {basePath}/reconcile                   one reconciliation pass
//   GET    {basePath}/events                      server-sent events, query: type=a,b
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	ctrl        *lifecycle.Controller
	loop        *reconcile.Loop
	bus         *notify.Bus
	basePath    string
	metricsPath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/locks, /api/configurations, ...
func NewRouter(ctrl *lifecycle.Controller, loop *reconcile.Loop, bus *notify.Bus, basePath string) *Router {
	bp := sanitizeBase(basePath)
	return &Router{ctrl: ctrl, loop: loop, bus: bus, basePath: bp}
}

// WithMetrics serves the Prometheus registry on path, outside basePath.
func (r *Router) WithMetrics(path string) *Router {
	r.metricsPath = path
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metricsPath != "" {
		g.GET(r.metricsPath, gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/locks", r.handleLocks)
	group.GET("/locks/:id", r.handleLock)
	group.POST("/locks/:id/force-unlock", r.handleForceUnlock)
	group.GET("/configurations", r.handleConfigurations)
	group.POST("/configurations/:id/start", r.handleStart)
	group.POST("/configurations/:id/stop", r.handleStop)
	group.DELETE("/configurations/:id", r.handleDelete)
	group.POST("/reconcile", r.handleReconcile)
	group.GET("/events", r.handleEvents)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router, or an
// HTTPS server when tlsCfg is set. Stop requests wait for verification, so
// the write timeout is longer than the verification schedule.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type entryResp struct {
	OK    bool        `json:"ok"`
	Entry *lock.Entry `json:"entry,omitempty"`
}

func (r *Router) configID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid configuration id", Code: "validation"})
		return "", false
	}
	return id, true
}

func (r *Router) entry(id string) *lock.Entry {
	if e, ok := r.ctrl.Table().Get(id); ok {
		return &e
	}
	return nil
}

func (r *Router) handleLocks(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctrl.Table().Entries())
}

func (r *Router) handleLock(c *gin.Context) {
	id, ok := r.configID(c)
	if !ok {
		return
	}
	e := r.entry(id)
	if e == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no lock for " + id, Code: "not_found"})
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleForceUnlock(c *gin.Context) {
	id, ok := r.configID(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: r.ctrl.ForceUnlock(id)})
}

func (r *Router) handleConfigurations(c *gin.Context) {
	force, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))
	sts, err := r.loop.Statuses(c.Request.Context(), force)
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error(), Code: "transport"})
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := r.configID(c)
	if !ok {
		return
	}
	if err := r.ctrl.Start(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, entryResp{OK: true, Entry: r.entry(id)})
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := r.configID(c)
	if !ok {
		return
	}
	if err := r.ctrl.Stop(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, entryResp{OK: true, Entry: r.entry(id)})
}

func (r *Router) handleDelete(c *gin.Context) {
	id, ok := r.configID(c)
	if !ok {
		return
	}
	confirm, _ := strconv.ParseBool(c.DefaultQuery("confirm", "false"))
	if err := r.ctrl.Delete(c.Request.Context(), id, lifecycle.DeleteOptions{Confirmed: confirm}); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReconcile(c *gin.Context) {
	res, err := r.loop.Tick(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error(), Code: "transport"})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleEvents(c *gin.Context) {
	var filter notify.Filter
	if raw := c.Query("type"); raw != "" {
		var types []notify.Type
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, notify.Type(t))
			}
		}
		filter = notify.OfType(types...)
	}
	sub := r.bus.Subscribe(filter, 64)
	defer r.bus.Unsubscribe(sub)

	// the stream outlives the server write timeout
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
