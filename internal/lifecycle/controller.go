package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/bridgectl/internal/configstore"
	"github.com/loykin/bridgectl/internal/gateway"
	"github.com/loykin/bridgectl/internal/lock"
	"github.com/loykin/bridgectl/internal/metrics"
	"github.com/loykin/bridgectl/internal/notify"
	"github.com/loykin/bridgectl/pkg/client"
)

// Defaults for Options.
const (
	DefaultVerifyDelay    = 3 * time.Second
	DefaultVerifyAttempts = 3
	DefaultVerifyBase     = 2 * time.Second
	DefaultCommandTimeout = 15 * time.Second
)

// Options tune the controller. Zero values select defaults.
type Options struct {
	Logger    *slog.Logger
	Publisher notify.Publisher
	// VerifyDelay is the wait before the post-start diagnostic poll.
	VerifyDelay time.Duration
	// VerifyAttempts bounds stop verification polls.
	VerifyAttempts int
	// VerifyBase is the backoff unit between verification polls.
	VerifyBase time.Duration
	// Backoff selects the wait policy: "linear" (base*i) or "exponential".
	Backoff string
	// DiagnosticTimeout bounds the post-start status poll.
	DiagnosticTimeout time.Duration
}

// DeleteOptions control Delete.
type DeleteOptions struct {
	// Confirmed allows deleting a running configuration; it is stopped first.
	Confirmed bool
}

// Controller drives start, stop and delete for every configuration id.
// Each id has its own state machine held in the lock table; operations on
// distinct ids run concurrently.
type Controller struct {
	table   *lock.Table
	gw      gateway.Gateway
	configs configstore.Store
	pub     notify.Publisher
	logger  *slog.Logger
	opts    Options

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New wires a controller. A nil publisher discards events.
func New(table *lock.Table, gw gateway.Gateway, configs configstore.Store, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Nop{}
	}
	if opts.VerifyDelay <= 0 {
		opts.VerifyDelay = DefaultVerifyDelay
	}
	if opts.VerifyAttempts <= 0 {
		opts.VerifyAttempts = DefaultVerifyAttempts
	}
	if opts.VerifyBase <= 0 {
		opts.VerifyBase = DefaultVerifyBase
	}
	if opts.Backoff == "" {
		opts.Backoff = BackoffLinear
	}
	if opts.DiagnosticTimeout <= 0 {
		opts.DiagnosticTimeout = DefaultCommandTimeout
	}
	return &Controller{
		table:   table,
		gw:      gw,
		configs: configs,
		pub:     opts.Publisher,
		logger:  opts.Logger.With("component", "lifecycle"),
		opts:    opts,
		timers:  map[string]*time.Timer{},
		done:    make(chan struct{}),
	}
}

// Table returns the lock table the controller mutates.
func (c *Controller) Table() *lock.Table { return c.table }

// Start brings configID from Stopped to Running.
func (c *Controller) Start(ctx context.Context, configID string) (err error) {
	began := time.Now()
	defer func() { c.finish("start", configID, began, err) }()

	if c.isClosed() {
		return ErrClosed
	}
	if cur, ok := c.table.Get(configID); ok && cur.State != lock.StateStopped {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyInProgress, configID, cur.State)
	}
	cfg, err := c.configs.Get(ctx, configID)
	if err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			return &NotFoundError{ConfigID: configID, Err: err}
		}
		return fmt.Errorf("load configuration %s: %w", configID, err)
	}
	if verr := cfg.Validate(); verr != nil {
		return &ValidationError{ConfigID: configID, Err: verr}
	}

	// the guard is evaluated again together with the first transition
	if _, err := c.table.Transition(configID, guardIdle(configID), lock.StateStarting, lock.ReasonStartRequested); err != nil {
		return err
	}
	c.transitioned(configID, lock.StateStopped, lock.StateStarting, lock.ReasonStartRequested)
	ctx, cancel := c.detach(ctx)
	defer cancel()

	if err := c.gw.Start(ctx, cfg.Type, configID); err != nil {
		c.table.Unlock(configID, lock.ReasonStartFailed)
		c.transitioned(configID, lock.StateStarting, lock.StateStopped, lock.ReasonStartFailed)
		return c.startFailed(ctx, configID, err)
	}

	c.table.Lock(configID, lock.StateRunning, lock.ReasonStartAcknowledged)
	c.transitioned(configID, lock.StateStarting, lock.StateRunning, lock.ReasonStartAcknowledged)
	c.scheduleDiagnostic(configID, cfg.Type)
	return nil
}

// detach returns a context that ignores the caller's cancellation and ends
// only when the controller closes. Once the first transition is recorded the
// operation runs to completion; gateway calls are bounded by their own timeout.
func (c *Controller) detach(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func guardIdle(configID string) lock.Guard {
	return func(cur lock.Entry, ok bool) error {
		if ok && cur.State != lock.StateStopped {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyInProgress, configID, cur.State)
		}
		return nil
	}
}

func guardRunning(configID string) lock.Guard {
	return func(cur lock.Entry, ok bool) error {
		switch {
		case !ok || cur.State == lock.StateStopped:
			return fmt.Errorf("%w: %s is not running", ErrInvalidState, configID)
		case cur.State == lock.StateRunning:
			return nil
		default:
			return fmt.Errorf("%w: %s is %s", ErrAlreadyInProgress, configID, cur.State)
		}
	}
}

// startFailed classifies a rejected start. Configuration-not-found also
// refreshes the configuration store.
func (c *Controller) startFailed(ctx context.Context, configID string, err error) error {
	kind := client.KindOf(err)
	c.logger.Warn("start failed", "config_id", configID, "kind", kind, "error", err)
	switch kind {
	case client.KindConfigNotFound:
		if rerr := c.configs.Refresh(ctx); rerr != nil {
			c.logger.Warn("refreshing configurations failed", "error", rerr)
		}
		return &NotFoundError{ConfigID: configID, Err: err}
	case client.KindValidation:
		return &ValidationError{ConfigID: configID, Err: err}
	default:
		return &TransportError{ConfigID: configID, Op: "start", Kind: kind, Err: err}
	}
}

// Stop brings configID from Running to Stopped. It returns only after the
// remote service has independently confirmed the stop, or with an error and
// the entry back in Running.
func (c *Controller) Stop(ctx context.Context, configID string) (err error) {
	began := time.Now()
	defer func() { c.finish("stop", configID, began, err) }()

	if c.isClosed() {
		return ErrClosed
	}
	if _, err := c.table.Transition(configID, guardRunning(configID), lock.StateStopping, lock.ReasonStopRequested); err != nil {
		return err
	}
	c.transitioned(configID, lock.StateRunning, lock.StateStopping, lock.ReasonStopRequested)
	c.cancelDiagnostic(configID)
	ctx, cancel := c.detach(ctx)
	defer cancel()

	// a vanished configuration still has to be stopped; only the targeted step needs its type
	var typ string
	if cfg, cerr := c.configs.Get(ctx, configID); cerr == nil {
		typ = cfg.Type
	}

	if err := c.sendStop(ctx, configID, typ); err != nil {
		c.table.Lock(configID, lock.StateRunning, lock.ReasonStopFailed)
		c.transitioned(configID, lock.StateStopping, lock.StateRunning, lock.ReasonStopFailed)
		return &TransportError{ConfigID: configID, Op: "stop", Kind: client.KindOf(err), Err: err}
	}

	c.table.Lock(configID, lock.StateVerifying, lock.ReasonStopAccepted)
	c.transitioned(configID, lock.StateStopping, lock.StateVerifying, lock.ReasonStopAccepted)

	attempts, verr := c.verifyStopped(ctx, configID, typ)
	if verr != nil {
		c.table.Lock(configID, lock.StateRunning, lock.ReasonVerificationFailed)
		c.transitioned(configID, lock.StateVerifying, lock.StateRunning, lock.ReasonVerificationFailed)
		c.pub.Publish(notify.Event{
			Type: notify.TypeVerificationFailed, ConfigID: configID,
			Reason: lock.ReasonVerificationFailed, Error: errText(verr.Err), Attempt: attempts,
		})
		return verr
	}

	c.table.Unlock(configID, lock.ReasonStopVerified)
	c.transitioned(configID, lock.StateVerifying, lock.StateStopped, lock.ReasonStopVerified)
	c.pub.Publish(notify.Event{Type: notify.TypeVerificationSucceeded, ConfigID: configID, Reason: lock.ReasonStopVerified, Attempt: attempts})
	return nil
}

// sendStop escalates from a targeted stop to a global stop to an emergency
// stop and returns nil as soon as one step is accepted.
func (c *Controller) sendStop(ctx context.Context, configID, typ string) error {
	var errs []error
	if typ != "" {
		err := c.gw.StopInstance(ctx, typ, configID)
		if err == nil {
			metrics.IncStopEscalation("targeted")
			return nil
		}
		if client.IsNotSupported(err) {
			c.logger.Debug("targeted stop not supported, escalating", "config_id", configID)
		} else {
			c.logger.Warn("targeted stop failed, escalating", "config_id", configID, "error", err)
		}
		errs = append(errs, err)
	}
	err := c.gw.StopAll(ctx)
	if err == nil {
		metrics.IncStopEscalation("global")
		return nil
	}
	c.logger.Warn("global stop failed, escalating", "config_id", configID, "error", err)
	errs = append(errs, err)

	err = c.gw.EmergencyStopAll(ctx)
	if err == nil {
		metrics.IncStopEscalation("emergency")
		return nil
	}
	c.logger.Error("emergency stop failed", "config_id", configID, "error", err)
	metrics.IncStopEscalation("exhausted")
	// the last step decides the reported kind
	return &escalationError{last: err, all: append(errs, err)}
}

type escalationError struct {
	last error
	all  []error
}

func (e *escalationError) Error() string   { return errors.Join(e.all...).Error() }
func (e *escalationError) Unwrap() []error { return append([]error{e.last}, e.all...) }

// verifyStopped polls remote status until the instance is gone. Attempt i
// waits for the i-th backoff interval first; failed attempts other than the
// last re-issue an emergency stop.
func (c *Controller) verifyStopped(ctx context.Context, configID, typ string) (int, *VerificationFailure) {
	b := newBackOff(c.opts.Backoff, c.opts.VerifyBase)
	var lastErr error
	n := c.opts.VerifyAttempts
	for attempt := 1; attempt <= n; attempt++ {
		if err := c.sleep(ctx, b.NextBackOff()); err != nil {
			c.logger.Warn("stop verification interrupted", "config_id", configID, "attempt", attempt, "error", err)
			return attempt - 1, &VerificationFailure{ConfigID: configID, Attempts: attempt - 1, Err: err}
		}
		snap, err := c.gw.QueryStatus(ctx)
		switch {
		case err != nil:
			lastErr = err
			metrics.IncVerificationAttempt("error")
			c.logger.Warn("status poll failed during verification", "config_id", configID, "attempt", attempt, "error", err)
		case !snap.RunningFor(typ, configID):
			metrics.IncVerificationAttempt("confirmed")
			c.logger.Info("stop verified", "config_id", configID, "attempt", attempt)
			return attempt, nil
		default:
			lastErr = nil
			metrics.IncVerificationAttempt("still_running")
			c.logger.Info("instance still running", "config_id", configID, "attempt", attempt, "of", n)
		}
		if attempt < n {
			if err := c.gw.EmergencyStopAll(ctx); err != nil {
				c.logger.Warn("remedial emergency stop failed", "config_id", configID, "attempt", attempt, "error", err)
			}
		}
	}
	c.logger.Error("stop not confirmed", "config_id", configID, "attempts", n)
	return n, &VerificationFailure{ConfigID: configID, Attempts: n, Err: lastErr}
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		if c.isClosed() {
			return ErrClosed
		}
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Delete removes a configuration. A running configuration needs
// opts.Confirmed and is stopped first; one mid-transition is refused.
func (c *Controller) Delete(ctx context.Context, configID string, opts DeleteOptions) (err error) {
	began := time.Now()
	defer func() { c.finish("delete", configID, began, err) }()

	if cur, ok := c.table.Get(configID); ok {
		switch {
		case cur.State == lock.StateRunning:
			if !opts.Confirmed {
				return ErrConfirmationRequired
			}
			if err := c.Stop(ctx, configID); err != nil {
				return err
			}
		case cur.State.Transient():
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, configID, cur.State)
		}
	}
	if err := c.configs.Delete(ctx, configID); err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			return &NotFoundError{ConfigID: configID, Err: err}
		}
		return fmt.Errorf("delete configuration %s: %w", configID, err)
	}
	if prev, ok := c.table.Unlock(configID, lock.ReasonDeleted); ok {
		c.transitioned(configID, prev.State, lock.StateStopped, lock.ReasonDeleted)
	}
	c.cancelDiagnostic(configID)
	return nil
}

// ForceUnlock drops the entry for configID regardless of its state and
// reports whether one existed. It does not contact the remote service.
func (c *Controller) ForceUnlock(configID string) bool {
	prev, ok := c.table.Unlock(configID, lock.ReasonForced)
	if ok {
		c.logger.Warn("lock force-removed", "config_id", configID, "state", prev.State)
		c.transitioned(configID, prev.State, lock.StateStopped, lock.ReasonForced)
		c.cancelDiagnostic(configID)
	}
	return ok
}

// scheduleDiagnostic arranges one non-authoritative status check after VerifyDelay.
func (c *Controller) scheduleDiagnostic(configID, typ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if t, ok := c.timers[configID]; ok && t.Stop() {
		c.wg.Done()
	}
	c.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(c.opts.VerifyDelay, func() {
		defer c.wg.Done()
		c.mu.Lock()
		if c.timers[configID] == t {
			delete(c.timers, configID)
		}
		c.mu.Unlock()
		c.diagnose(configID, typ)
	})
	c.timers[configID] = t
}

func (c *Controller) cancelDiagnostic(configID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[configID]; ok {
		if t.Stop() {
			c.wg.Done()
		}
		delete(c.timers, configID)
	}
}

// diagnose compares remote truth with a freshly acknowledged start. It only
// logs and emits an event; the lock entry is left alone.
func (c *Controller) diagnose(configID, typ string) {
	if cur, ok := c.table.Get(configID); !ok || cur.State != lock.StateRunning {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DiagnosticTimeout)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	snap, err := c.gw.QueryStatus(ctx)
	if err != nil {
		c.logger.Debug("post-start check skipped", "config_id", configID, "error", err)
		return
	}
	if snap.RunningFor(typ, configID) {
		c.logger.Debug("post-start check passed", "config_id", configID)
		return
	}
	c.logger.Warn("started instance not reported running", "config_id", configID, "type", typ)
	c.pub.Publish(notify.Event{Type: notify.TypeStartMismatch, ConfigID: configID, Reason: "not reported running after start"})
}

// Close cancels pending diagnostics and interrupts running verifications.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	for id, t := range c.timers {
		if t.Stop() {
			c.wg.Done()
		}
		delete(c.timers, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) transitioned(configID string, from, to lock.State, reason string) {
	c.logger.Info("state transition", "config_id", configID, "from", from, "state", to, "reason", reason)
	c.pub.Publish(notify.Event{Type: notify.TypeStateTransition, ConfigID: configID, From: from.String(), To: to.String(), Reason: reason})
}

func (c *Controller) finish(op, configID string, began time.Time, err error) {
	metrics.ObserveOperation(op, time.Since(began).Seconds())
	outcome := outcomeOf(err)
	metrics.IncOperation(op, outcome)
	if err == nil || errors.Is(err, ErrAlreadyInProgress) {
		return
	}
	c.pub.Publish(notify.Event{Type: notify.TypeOperationFailed, ConfigID: configID, Reason: op + ":" + outcome, Error: err.Error()})
}

func outcomeOf(err error) string {
	var (
		ve *ValidationError
		nf *NotFoundError
		te *TransportError
		vf *VerificationFailure
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyInProgress):
		return "in_progress"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConfirmationRequired):
		return "unconfirmed"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &vf):
		return "verification_failed"
	case errors.As(err, &te):
		return "transport"
	default:
		return "error"
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
