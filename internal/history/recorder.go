package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/bridgectl/internal/metrics"
	"github.com/loykin/bridgectl/internal/notify"
)

// RecorderOptions tune a Recorder. Zero values select defaults.
type RecorderOptions struct {
	Logger *slog.Logger
	// Buffer is the subscription size (default 256). Events beyond it are dropped by the bus.
	Buffer int
	// Retries is the number of resends after a failed Send (default 3).
	Retries uint64
	// RetryBase is the first retry delay (default 200ms), doubled per retry.
	RetryBase time.Duration
	// SendTimeout bounds each Send (default 5s).
	SendTimeout time.Duration
}

// Recorder copies every bus event into its sinks from a single goroutine.
type Recorder struct {
	bus    *notify.Bus
	sub    *notify.Subscription
	sinks  []Sink
	logger *slog.Logger
	opts   RecorderOptions
	done   chan struct{}
}

// NewRecorder subscribes to bus and starts forwarding.
func NewRecorder(bus *notify.Bus, sinks []Sink, opts RecorderOptions) *Recorder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Retries == 0 {
		opts.Retries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	r := &Recorder{
		bus:    bus,
		sub:    bus.Subscribe(nil, opts.Buffer),
		sinks:  sinks,
		logger: opts.Logger.With("component", "history"),
		opts:   opts,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.sub.C {
		for _, s := range r.sinks {
			r.send(s, e)
		}
	}
}

func (r *Recorder) send(s Sink, e notify.Event) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.opts.RetryBase
	eb.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(eb, r.opts.Retries)
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.SendTimeout)
		defer cancel()
		return s.Send(ctx, e)
	}, policy)
	if err != nil {
		metrics.IncPersistenceFailure("history")
		r.logger.Warn("history event dropped", "event_id", e.ID, "type", e.Type, "config_id", e.ConfigID, "error", err)
	}
}

// Close stops the subscription, sends what is still buffered and closes the sinks.
func (r *Recorder) Close() error {
	r.bus.Unsubscribe(r.sub)
	<-r.done
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
